package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anjiri1684/sitechat/apperror"
	"github.com/anjiri1684/sitechat/database"
	"github.com/anjiri1684/sitechat/middleware"
	"github.com/anjiri1684/sitechat/models"
	"github.com/anjiri1684/sitechat/services"
	"github.com/anjiri1684/sitechat/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testSecret = "handler-secret"

type testServer struct {
	app       *fiber.App
	db        *gorm.DB
	hub       *websocket.Hub
	messaging *MessagingHandler
	site      models.Site
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := database.OpenInMemory()
	require.NoError(t, err)

	hub := websocket.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	chat := services.NewChatService(db, services.ChatOptions{
		Notifier:      services.NewDeliveryNotifier(hub, nil),
		Subscriptions: hub,
		Presence:      hub,
		StoreTimeout:  5 * time.Second,
	})
	messaging := NewMessagingHandler(chat, hub, testSecret)
	auth := NewAuthHandler(db, testSecret, nil)
	profile := NewProfileHandler(db)

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	api := app.Group("/api/v1")
	api.Post("/auth/register", auth.RegisterUser)
	api.Post("/auth/login", auth.LoginUser)
	api.Get("/profile", middleware.Protected(testSecret), profile.GetProfile)
	api.Put("/profile", middleware.Protected(testSecret), profile.UpdateProfile)
	conversations := api.Group("/conversations", middleware.Protected(testSecret))
	conversations.Post("", messaging.CreateOrJoinConversation)
	conversations.Get("", messaging.GetUserConversations)
	conversations.Get("/:conversationId/participants", messaging.GetParticipants)
	conversations.Post("/:conversationId/participants", messaging.AddParticipant)
	conversations.Delete("/:conversationId/participants/:userId", messaging.RemoveParticipant)
	conversations.Put("/:conversationId/lock", messaging.SetConversationLock)
	conversations.Get("/:conversationId/messages", messaging.GetConversationMessages)
	conversations.Post("/:conversationId/messages", messaging.SendMessage)
	api.Get("/users/related", middleware.Protected(testSecret), messaging.GetRelatedUsers)

	site := models.Site{Name: "HQ"}
	require.NoError(t, db.Create(&site).Error)
	return &testServer{app: app, db: db, hub: hub, messaging: messaging, site: site}
}

func (s *testServer) user(t *testing.T, role string) (models.User, string) {
	t.Helper()
	user := models.User{FullName: "Person " + uuid.NewString()[:6], Email: uuid.NewString() + "@example.com", Password: "x", Role: role, IsActive: true}
	require.NoError(t, s.db.Create(&user).Error)
	token, err := IssueToken(testSecret, user, time.Hour)
	require.NoError(t, err)
	return user, token
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return s.send(t, req)
}

func (s *testServer) send(t *testing.T, req *http.Request) (int, map[string]interface{}) {
	t.Helper()
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode, decode(t, resp.Body)
}

func decode(t *testing.T, r io.Reader) map[string]interface{} {
	t.Helper()
	raw, err := io.ReadAll(r)
	require.NoError(t, err)
	out := map[string]interface{}{}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	} else if len(raw) > 0 {
		var list []interface{}
		require.NoError(t, json.Unmarshal(raw, &list))
		out["items"] = list
	}
	return out
}

func TestCreateOrJoinConversation(t *testing.T) {
	s := newTestServer(t)
	alice, aliceToken := s.user(t, models.RoleCustomer)
	bob, bobToken := s.user(t, models.RoleManager)

	status, body := s.do(t, "POST", "/api/v1/conversations", aliceToken, fiber.Map{
		"site_id":      s.site.ID,
		"participants": []string{bob.ID.String()},
		"message":      "hello bob",
	})
	require.Equal(t, fiber.StatusCreated, status, body)
	assert.Equal(t, true, body["created"])
	conversation := body["conversation"].(map[string]interface{})
	assert.Equal(t, "direct", conversation["type"])
	assert.Equal(t, "hello bob", body["message"].(map[string]interface{})["text"])

	status, body = s.do(t, "POST", "/api/v1/conversations", bobToken, fiber.Map{
		"site_id":      s.site.ID,
		"participants": []string{alice.ID.String()},
	})
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, false, body["created"])
	assert.Equal(t, conversation["id"], body["conversation"].(map[string]interface{})["id"])

	status, body = s.do(t, "GET", "/api/v1/conversations?site_id="+s.site.ID.String(), bobToken, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, body["items"], 1)
}

func TestCreateConversationErrors(t *testing.T) {
	s := newTestServer(t)
	_, token := s.user(t, models.RoleCustomer)

	status, body := s.do(t, "POST", "/api/v1/conversations", token, fiber.Map{"site_id": s.site.ID})
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "invalid_request", body["code"])
	assert.Equal(t, false, body["retryable"])

	status, body = s.do(t, "POST", "/api/v1/conversations", token, fiber.Map{
		"site_id":      s.site.ID,
		"participants": []string{uuid.NewString()},
	})
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "user_not_found", body["code"])

	status, _ = s.do(t, "POST", "/api/v1/conversations", "", fiber.Map{})
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestSendMessageAndLock(t *testing.T) {
	s := newTestServer(t)
	_, aliceToken := s.user(t, models.RoleCustomer)
	bob, bobToken := s.user(t, models.RoleCustomer)
	_, adminToken := s.user(t, models.RoleAdmin)
	_, outsiderToken := s.user(t, models.RoleCustomer)

	_, body := s.do(t, "POST", "/api/v1/conversations", aliceToken, fiber.Map{
		"site_id":      s.site.ID,
		"participants": []string{bob.ID.String()},
	})
	id := body["conversation"].(map[string]interface{})["id"].(string)
	messages := "/api/v1/conversations/" + id + "/messages"

	status, body := s.do(t, "POST", messages, bobToken, fiber.Map{"text": "hi"})
	require.Equal(t, fiber.StatusCreated, status, body)
	assert.Equal(t, "hi", body["text"])

	status, body = s.do(t, "POST", messages, bobToken, fiber.Map{"text": "  "})
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "empty_message", body["code"])

	status, body = s.do(t, "POST", messages, outsiderToken, fiber.Map{"text": "let me in"})
	assert.Equal(t, fiber.StatusForbidden, status)
	assert.Equal(t, "not_a_member", body["code"])

	status, _ = s.do(t, "PUT", "/api/v1/conversations/"+id+"/lock", aliceToken, fiber.Map{"locked": true})
	assert.Equal(t, fiber.StatusForbidden, status)

	status, body = s.do(t, "PUT", "/api/v1/conversations/"+id+"/lock", adminToken, fiber.Map{"locked": true})
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, false, body["can_conversate"])

	status, body = s.do(t, "POST", messages, bobToken, fiber.Map{"text": "still there?"})
	assert.Equal(t, fiber.StatusForbidden, status)
	assert.Equal(t, "conversation_locked", body["code"])

	status, body = s.do(t, "GET", messages, aliceToken, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, body["items"], 1)

	status, _ = s.do(t, "GET", messages, outsiderToken, nil)
	assert.Equal(t, fiber.StatusForbidden, status)
}

func TestSendMultipartMessage(t *testing.T) {
	s := newTestServer(t)
	_, aliceToken := s.user(t, models.RoleCustomer)
	bob, _ := s.user(t, models.RoleCustomer)

	_, body := s.do(t, "POST", "/api/v1/conversations", aliceToken, fiber.Map{
		"site_id":      s.site.ID,
		"participants": []string{bob.ID.String()},
	})
	id := body["conversation"].(map[string]interface{})["id"].(string)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("text", "from a form"))
	part, err := w.CreateFormFile("attachments", "photo.png")
	require.NoError(t, err)
	part.Write([]byte("png"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest("POST", "/api/v1/conversations/"+id+"/messages", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+aliceToken)
	status, body := s.send(t, req)

	// uploads are not configured in this server
	assert.Equal(t, fiber.StatusForbidden, status)
	assert.Equal(t, "attachments_disabled", body["code"])
}

func TestAddParticipantToGroup(t *testing.T) {
	s := newTestServer(t)
	_, aliceToken := s.user(t, models.RoleCustomer)
	bob, _ := s.user(t, models.RoleCustomer)
	carol, _ := s.user(t, models.RoleCustomer)
	dave, _ := s.user(t, models.RoleCustomer)

	_, body := s.do(t, "POST", "/api/v1/conversations", aliceToken, fiber.Map{
		"site_id":      s.site.ID,
		"participants": []string{bob.ID.String(), carol.ID.String()},
	})
	id := body["conversation"].(map[string]interface{})["id"].(string)
	participants := "/api/v1/conversations/" + id + "/participants"

	status, body := s.do(t, "POST", participants, aliceToken, fiber.Map{"user_id": dave.ID})
	require.Equal(t, fiber.StatusCreated, status, body)

	status, body = s.do(t, "POST", participants, aliceToken, fiber.Map{"user_id": dave.ID})
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, "participant_exists", body["code"])

	status, body = s.do(t, "GET", participants, aliceToken, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, body["items"], 4)
}

func TestRelatedUsers(t *testing.T) {
	s := newTestServer(t)
	alice, aliceToken := s.user(t, models.RoleCustomer)
	bob, _ := s.user(t, models.RoleManager)
	require.NoError(t, s.db.Create(&models.UserSite{PersonID: alice.ID, SiteID: s.site.ID, Role: models.RoleCustomer}).Error)
	require.NoError(t, s.db.Create(&models.UserSite{PersonID: bob.ID, SiteID: s.site.ID, Role: models.RoleManager}).Error)

	status, body := s.do(t, "GET", "/api/v1/users/related?role=manager", aliceToken, nil)
	require.Equal(t, fiber.StatusOK, status)
	items := body["items"].([]interface{})
	require.Len(t, items, 1)
	assert.Equal(t, bob.ID.String(), items[0].(map[string]interface{})["user_id"])
	assert.Equal(t, false, items[0].(map[string]interface{})["is_online"])

	status, body = s.do(t, "GET", "/api/v1/users/related?role=superAdmin", aliceToken, nil)
	assert.Equal(t, fiber.StatusForbidden, status)
	assert.Equal(t, "role_filter_not_allowed", body["code"])
}

func TestRegisterLoginAndProfile(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, "POST", "/api/v1/auth/register", "", fiber.Map{
		"full_name": "Jane Doe",
		"email":     "jane@example.com",
		"password":  "secret123",
	})
	require.Equal(t, fiber.StatusCreated, status, body)

	status, body = s.do(t, "POST", "/api/v1/auth/register", "", fiber.Map{
		"full_name": "Jane Again",
		"email":     "jane@example.com",
		"password":  "secret123",
	})
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, "email_exists", body["code"])

	status, _ = s.do(t, "POST", "/api/v1/auth/login", "", fiber.Map{"email": "jane@example.com", "password": "wrong"})
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, body = s.do(t, "POST", "/api/v1/auth/login", "", fiber.Map{"email": "jane@example.com", "password": "secret123"})
	require.Equal(t, fiber.StatusOK, status)
	token := body["token"].(string)

	status, body = s.do(t, "PUT", "/api/v1/profile", token, fiber.Map{"full_name": "Jane D."})
	require.Equal(t, fiber.StatusOK, status, body)

	status, body = s.do(t, "GET", "/api/v1/profile", token, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "Jane D.", body["full_name"])
	assert.NotContains(t, body, "password")
}

func TestErrorHandlerStatuses(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	app.Get("/transient", func(c *fiber.Ctx) error {
		return apperror.Transient("store_timeout", context.DeadlineExceeded)
	})
	app.Get("/internal", func(c *fiber.Ctx) error {
		return errors.New("db password leaked in message")
	})
	app.Get("/fiber", func(c *fiber.Ctx) error {
		return fiber.ErrUpgradeRequired
	})
	s := &testServer{app: app}

	status, body := s.send(t, httptest.NewRequest("GET", "/transient", nil))
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	assert.Equal(t, true, body["retryable"])
	assert.Equal(t, "store_timeout", body["code"])

	status, body = s.send(t, httptest.NewRequest("GET", "/internal", nil))
	assert.Equal(t, fiber.StatusInternalServerError, status)
	assert.Equal(t, "internal server error", body["message"])

	status, _ = s.send(t, httptest.NewRequest("GET", "/fiber", nil))
	assert.Equal(t, fiber.StatusUpgradeRequired, status)
}

type recordingConn struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (c *recordingConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, v.(websocket.Event))
	return nil
}

func (c *recordingConn) Close() error { return nil }

func (c *recordingConn) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.events))
	for _, e := range c.events {
		names = append(names, e.Event)
	}
	return names
}

func (s *testServer) socket(t *testing.T, user models.User) (*websocket.Client, *recordingConn, services.Requester) {
	t.Helper()
	conn := &recordingConn{}
	client := websocket.NewClient(user.ID, conn)
	s.hub.Register(client)
	go client.WritePump()
	t.Cleanup(func() { s.hub.Unregister(client) })
	return client, conn, services.Requester{UserID: user.ID, Role: user.Role}
}

func TestSocketLeaveMatchesJoinedRoom(t *testing.T) {
	s := newTestServer(t)
	alice, aliceToken := s.user(t, models.RoleCustomer)
	bob, _ := s.user(t, models.RoleCustomer)

	_, body := s.do(t, "POST", "/api/v1/conversations", aliceToken, fiber.Map{
		"site_id":      s.site.ID,
		"participants": []string{bob.ID.String()},
	})
	id := body["conversation"].(map[string]interface{})["id"].(string)

	client, conn, requester := s.socket(t, alice)
	s.messaging.handleFrame(client, requester, socketFrame{Type: "join", ConversationID: strings.ToUpper(id)})
	s.messaging.handleFrame(client, requester, socketFrame{Type: "leave", ConversationID: "{" + strings.ToUpper(id) + "}"})

	s.hub.Deliver(id, websocket.Event{Event: "new-message-received::" + id})
	s.hub.Join(client, "marker")
	s.hub.Deliver("marker", websocket.Event{Event: "marker"})

	require.Eventually(t, func() bool { return len(conn.names()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"joined", "marker"}, conn.names())

	s.messaging.handleFrame(client, requester, socketFrame{Type: "leave", ConversationID: "not-a-uuid"})
	require.Eventually(t, func() bool { return len(conn.names()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "error", conn.names()[2])
}

func TestRemovedParticipantStopsReceivingEvents(t *testing.T) {
	s := newTestServer(t)
	_, aliceToken := s.user(t, models.RoleCustomer)
	bob, _ := s.user(t, models.RoleCustomer)
	carol, _ := s.user(t, models.RoleCustomer)
	_, adminToken := s.user(t, models.RoleAdmin)

	_, body := s.do(t, "POST", "/api/v1/conversations", aliceToken, fiber.Map{
		"site_id":      s.site.ID,
		"participants": []string{bob.ID.String(), carol.ID.String()},
	})
	id := body["conversation"].(map[string]interface{})["id"].(string)

	client, conn, requester := s.socket(t, bob)
	s.messaging.handleFrame(client, requester, socketFrame{Type: "join", ConversationID: id})
	require.Eventually(t, func() bool { return len(conn.names()) == 1 }, time.Second, 5*time.Millisecond)

	status, _ := s.do(t, "DELETE", "/api/v1/conversations/"+id+"/participants/"+bob.ID.String(), adminToken, nil)
	require.Equal(t, fiber.StatusNoContent, status)

	status, _ = s.do(t, "POST", "/api/v1/conversations/"+id+"/messages", aliceToken, fiber.Map{"text": "bob is gone"})
	require.Equal(t, fiber.StatusCreated, status)
	s.hub.Join(client, "marker")
	s.hub.Deliver("marker", websocket.Event{Event: "marker"})

	require.Eventually(t, func() bool { return len(conn.names()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"joined", websocket.RemovedEvent, "marker"}, conn.names())
}
