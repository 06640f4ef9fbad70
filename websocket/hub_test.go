package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	events []Event
	closed bool
	fail   bool
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.events = append(c.events, v.(Event))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) received() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

type countingPresence struct {
	mu      sync.Mutex
	online  map[uuid.UUID]int
	offline map[uuid.UUID]int
}

func (p *countingPresence) Online(ctx context.Context, userID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[userID]++
}

func (p *countingPresence) Offline(ctx context.Context, userID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offline[userID]++
}

func runHub(t *testing.T, opts ...Option) *Hub {
	t.Helper()
	hub := NewHub(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub
}

func connect(hub *Hub, userID uuid.UUID) (*Client, *fakeConn) {
	conn := &fakeConn{}
	client := NewClient(userID, conn)
	hub.Register(client)
	go client.WritePump()
	return client, conn
}

func TestHubDeliversToJoinedClients(t *testing.T) {
	hub := runHub(t)
	room := uuid.NewString()

	member, memberConn := connect(hub, uuid.New())
	_, bystanderConn := connect(hub, uuid.New())
	hub.Join(member, room)

	hub.Publish(room, "new-message-received::"+room, map[string]string{"text": "hi"})

	require.Eventually(t, func() bool { return len(memberConn.received()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "new-message-received::"+room, memberConn.received()[0].Event)
	assert.Empty(t, bystanderConn.received())
}

func TestHubLeaveStopsDelivery(t *testing.T) {
	hub := runHub(t)
	room := uuid.NewString()
	client, conn := connect(hub, uuid.New())

	hub.Join(client, room)
	hub.Leave(client, room)
	hub.Publish(room, "evt", nil)
	hub.Join(client, "other")
	hub.Publish("other", "marker", nil)

	require.Eventually(t, func() bool { return len(conn.received()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "marker", conn.received()[0].Event)
}

func TestHubTracksPresence(t *testing.T) {
	presence := &countingPresence{online: map[uuid.UUID]int{}, offline: map[uuid.UUID]int{}}
	hub := runHub(t, WithPresence(presence))
	userID := uuid.New()

	first, _ := connect(hub, userID)
	second, _ := connect(hub, userID)
	require.Eventually(t, func() bool { return hub.IsOnline(userID) }, time.Second, 5*time.Millisecond)

	hub.Unregister(first)
	hub.Join(second, "sync")
	assert.True(t, hub.IsOnline(userID))

	hub.Unregister(second)
	require.Eventually(t, func() bool { return !hub.IsOnline(userID) }, time.Second, 5*time.Millisecond)

	presence.mu.Lock()
	defer presence.mu.Unlock()
	assert.Equal(t, 1, presence.online[userID])
	assert.Equal(t, 1, presence.offline[userID])
}

func TestHubDropsSlowClient(t *testing.T) {
	hub := runHub(t)
	room := uuid.NewString()
	userID := uuid.New()

	// no write pump, so the buffer fills up
	client := NewClient(userID, &fakeConn{})
	hub.Register(client)
	hub.Join(client, room)

	for i := 0; i <= sendBuffer; i++ {
		hub.Publish(room, "evt", i)
	}

	require.Eventually(t, func() bool { return !hub.IsOnline(userID) }, time.Second, 5*time.Millisecond)
	assert.False(t, client.Reply(Event{Event: "late"}))
}

func TestWritePumpClosesOnWriteError(t *testing.T) {
	hub := runHub(t)
	room := uuid.NewString()
	conn := &fakeConn{fail: true}
	client := NewClient(uuid.New(), conn)
	hub.Register(client)
	hub.Join(client, room)

	done := make(chan struct{})
	go func() {
		client.WritePump()
		close(done)
	}()

	hub.Publish(room, "evt", nil)
	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.closed
	}, time.Second, 5*time.Millisecond)

	hub.Unregister(client)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write pump did not stop")
	}
}

func TestHubAfterShutdown(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	client := NewClient(uuid.New(), &fakeConn{})
	hub.Register(client)
	hub.Publish("room", "evt", nil)
	assert.False(t, client.Reply(Event{Event: "x"}))
}

// loopbackRelay hands events back to the hub the way the Redis relay does,
// with the payload re-encoded as raw JSON.
type loopbackRelay struct {
	hub *Hub
}

func (r *loopbackRelay) Publish(ctx context.Context, channel string, event Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return err
	}
	r.hub.Deliver(channel, Event{Event: event.Event, Data: json.RawMessage(data)})
	return nil
}

func TestHubEvictRemovesOnlyThatUser(t *testing.T) {
	for _, withRelay := range []bool{false, true} {
		relay := &loopbackRelay{}
		var opts []Option
		if withRelay {
			opts = append(opts, WithRelay(relay))
		}
		hub := runHub(t, opts...)
		relay.hub = hub
		room := uuid.NewString()

		removedUser := uuid.New()
		first, firstConn := connect(hub, removedUser)
		second, secondConn := connect(hub, removedUser)
		stays, staysConn := connect(hub, uuid.New())
		for _, c := range []*Client{first, second, stays} {
			hub.Join(c, room)
		}

		hub.Evict(room, removedUser)
		hub.Publish(room, "evt", nil)

		require.Eventually(t, func() bool { return len(staysConn.received()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, "evt", staysConn.received()[0].Event)
		for _, conn := range []*fakeConn{firstConn, secondConn} {
			require.Eventually(t, func() bool { return len(conn.received()) == 1 }, time.Second, 5*time.Millisecond)
			assert.Equal(t, RemovedEvent, conn.received()[0].Event)
		}
		assert.True(t, hub.IsOnline(removedUser), "eviction leaves the connection open")
	}
}

func TestEvictedUserAcceptsRawJSON(t *testing.T) {
	id := uuid.New()
	raw, err := json.Marshal(id)
	require.NoError(t, err)

	got, ok := evictedUser(json.RawMessage(raw))
	assert.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = evictedUser("not an id")
	assert.False(t, ok)
}
