package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/anjiri1684/sitechat/database"
	"github.com/anjiri1684/sitechat/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

var userSeq int

func seedUser(t *testing.T, db *gorm.DB, role string) models.User {
	t.Helper()
	userSeq++
	user := models.User{
		FullName: fmt.Sprintf("User %d", userSeq),
		Email:    fmt.Sprintf("user%d-%s@example.com", userSeq, uuid.NewString()[:8]),
		Password: "x",
		Role:     role,
		IsActive: true,
	}
	require.NoError(t, db.Create(&user).Error)
	return user
}

func seedSite(t *testing.T, db *gorm.DB) models.Site {
	t.Helper()
	site := models.Site{Name: "Site " + uuid.NewString()[:8]}
	require.NoError(t, db.Create(&site).Error)
	return site
}

func seedMembership(t *testing.T, db *gorm.DB, userID, siteID uuid.UUID, role string, createdAt time.Time) models.UserSite {
	t.Helper()
	membership := models.UserSite{PersonID: userID, SiteID: siteID, Role: role, CreatedAt: createdAt}
	require.NoError(t, db.Create(&membership).Error)
	return membership
}

// recordingNotifier captures published messages and whether each one was
// already readable from the store when it was published.
type recordingNotifier struct {
	db        *gorm.DB
	mu        sync.Mutex
	messages  []*models.Message
	persisted []bool
}

func (n *recordingNotifier) Publish(ctx context.Context, message *models.Message) {
	var count int64
	n.db.Model(&models.Message{}).Where("id = ?", message.ID).Count(&count)

	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	n.persisted = append(n.persisted, count == 1)
}

func (n *recordingNotifier) published() []*models.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*models.Message(nil), n.messages...)
}

type fakePresence map[uuid.UUID]bool

func (p fakePresence) IsOnline(userID uuid.UUID) bool { return p[userID] }

// fixture wires the core components over one in-memory database.
type fixture struct {
	db            *gorm.DB
	conversations *ConversationStore
	participants  *ParticipantStore
	messages      *MessageStore
	notifier      *recordingNotifier
	pipeline      *MessagePipeline
	resolver      *IdentityResolver
	site          models.Site
}

func newFixture(t *testing.T, policy GroupPolicy) *fixture {
	t.Helper()
	db := newTestDB(t)
	f := &fixture{
		db:            db,
		conversations: NewConversationStore(db),
		participants:  NewParticipantStore(db),
		messages:      NewMessageStore(db),
		notifier:      &recordingNotifier{db: db},
	}
	f.pipeline = NewMessagePipeline(db, f.conversations, f.participants, f.messages, f.notifier)
	f.resolver = NewIdentityResolver(db, f.conversations, f.participants, NewUserDirectory(db), f.pipeline, policy)
	f.site = seedSite(t, db)
	return f
}

func (f *fixture) resolve(t *testing.T, requester uuid.UUID, others ...uuid.UUID) *ResolveResult {
	t.Helper()
	result, err := f.resolver.ResolveOrCreate(context.Background(), ResolveInput{
		RequesterID:    requester,
		SiteID:         f.site.ID,
		ParticipantIDs: others,
	})
	require.NoError(t, err)
	return result
}

func (f *fixture) count(t *testing.T, model interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(model).Count(&n).Error)
	return n
}
