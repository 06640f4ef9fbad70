package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	sendBuffer = 64

	// evictEvent is a control event: it removes a user from a room on every
	// instance instead of being written to sockets.
	evictEvent = "sitechat:evict"
	// RemovedEvent tells an evicted client it no longer receives a room.
	RemovedEvent = "removed"
)

// Conn is the part of a socket connection the hub writes to.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Event is the frame written to subscribers.
type Event struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

type Client struct {
	UserID uuid.UUID
	conn   Conn
	send   chan Event

	mu     sync.Mutex
	closed bool
}

func NewClient(userID uuid.UUID, conn Conn) *Client {
	return &Client{UserID: userID, conn: conn, send: make(chan Event, sendBuffer)}
}

// WritePump writes queued events until the hub drops the client or a write
// fails. It must run in its own goroutine.
func (c *Client) WritePump() {
	for event := range c.send {
		if err := c.conn.WriteJSON(event); err != nil {
			log.Debug().Err(err).Str("user_id", c.UserID.String()).Msg("websocket write failed")
			c.conn.Close()
			for range c.send {
			}
			return
		}
	}
}

// Reply queues a frame for this client only. It reports false when the
// client is gone or its buffer is full.
func (c *Client) Reply(event Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- event:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Relay carries events between instances. When set, every publish goes
// through the relay and comes back to each hub through Deliver.
type Relay interface {
	Publish(ctx context.Context, channel string, event Event) error
}

// PresenceTracker is told when a user's first connection opens and when
// the last one closes.
type PresenceTracker interface {
	Online(ctx context.Context, userID uuid.UUID)
	Offline(ctx context.Context, userID uuid.UUID)
}

type subscription struct {
	client *Client
	room   string
}

type outbound struct {
	room  string
	event Event
}

// Hub fans events out to the clients joined to a room. A room is keyed by
// conversation id. Delivery is best effort: a client whose buffer is full is
// dropped.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	join       chan subscription
	leave      chan subscription
	broadcast  chan outbound
	done       chan struct{}

	relay    Relay
	presence PresenceTracker

	mu      sync.RWMutex
	clients map[*Client]map[string]struct{}
	users   map[uuid.UUID]int
	rooms   map[string]map[*Client]struct{}
}

type Option func(*Hub)

func WithRelay(relay Relay) Option { return func(h *Hub) { h.relay = relay } }

func WithPresence(tracker PresenceTracker) Option {
	return func(h *Hub) { h.presence = tracker }
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		join:       make(chan subscription),
		leave:      make(chan subscription),
		broadcast:  make(chan outbound, 256),
		done:       make(chan struct{}),
		clients:    make(map[*Client]map[string]struct{}),
		users:      make(map[uuid.UUID]int),
		rooms:      make(map[string]map[*Client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.add(client)
		case client := <-h.unregister:
			h.remove(client)
		case sub := <-h.join:
			h.mu.Lock()
			if rooms, ok := h.clients[sub.client]; ok {
				if h.rooms[sub.room] == nil {
					h.rooms[sub.room] = make(map[*Client]struct{})
				}
				h.rooms[sub.room][sub.client] = struct{}{}
				rooms[sub.room] = struct{}{}
			}
			h.mu.Unlock()
		case sub := <-h.leave:
			h.mu.Lock()
			h.leaveLocked(sub.client, sub.room)
			h.mu.Unlock()
		case msg := <-h.broadcast:
			if msg.event.Event == evictEvent {
				h.evict(msg)
				continue
			}
			h.fanOut(msg)
		}
	}
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	h.clients[client] = make(map[string]struct{})
	h.users[client.UserID]++
	first := h.users[client.UserID] == 1
	h.mu.Unlock()

	log.Debug().Str("user_id", client.UserID.String()).Msg("client registered")
	if first && h.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		h.presence.Online(ctx, client.UserID)
		cancel()
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	rooms, ok := h.clients[client]
	if !ok {
		h.mu.Unlock()
		return
	}
	for room := range rooms {
		h.leaveLocked(client, room)
	}
	delete(h.clients, client)
	h.users[client.UserID]--
	last := h.users[client.UserID] <= 0
	if last {
		delete(h.users, client.UserID)
	}
	h.mu.Unlock()

	client.closeSend()
	log.Debug().Str("user_id", client.UserID.String()).Msg("client unregistered")
	if last && h.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		h.presence.Offline(ctx, client.UserID)
		cancel()
	}
}

func (h *Hub) leaveLocked(client *Client, room string) {
	if members := h.rooms[room]; members != nil {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if rooms := h.clients[client]; rooms != nil {
		delete(rooms, room)
	}
}

func (h *Hub) fanOut(msg outbound) {
	h.mu.RLock()
	var slow []*Client
	for client := range h.rooms[msg.room] {
		if !client.Reply(msg.event) {
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		log.Warn().Str("user_id", client.UserID.String()).Msg("dropping slow websocket client")
		h.remove(client)
	}
}

func (h *Hub) evict(msg outbound) {
	userID, ok := evictedUser(msg.event.Data)
	if !ok {
		log.Warn().Str("room", msg.room).Msg("dropping malformed evict event")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.rooms[msg.room] {
		if client.UserID != userID {
			continue
		}
		h.leaveLocked(client, msg.room)
		client.Reply(Event{Event: RemovedEvent, Data: map[string]string{"conversation_id": msg.room}})
	}
}

// evictedUser reads the user id of an evict event, whether it was published
// locally or came back through the relay as raw JSON.
func evictedUser(data interface{}) (uuid.UUID, bool) {
	switch v := data.(type) {
	case uuid.UUID:
		return v, true
	case json.RawMessage:
		var id uuid.UUID
		if err := json.Unmarshal(v, &id); err != nil {
			return uuid.Nil, false
		}
		return id, true
	}
	return uuid.Nil, false
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]map[string]struct{})
	h.users = make(map[uuid.UUID]int)
	h.rooms = make(map[string]map[*Client]struct{})
	h.mu.Unlock()

	for _, client := range clients {
		client.closeSend()
	}
}

func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.closeSend()
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) Join(client *Client, room string) {
	select {
	case h.join <- subscription{client: client, room: room}:
	case <-h.done:
	}
}

func (h *Hub) Leave(client *Client, room string) {
	select {
	case h.leave <- subscription{client: client, room: room}:
	case <-h.done:
	}
}

// Publish sends an event to a room, through the relay when one is configured.
func (h *Hub) Publish(channelKey, eventName string, payload interface{}) {
	event := Event{Event: eventName, Data: payload}
	if h.relay != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := h.relay.Publish(ctx, channelKey, event)
		cancel()
		if err == nil {
			return
		}
		log.Warn().Err(err).Str("channel", channelKey).Msg("relay publish failed, delivering locally")
	}
	h.Deliver(channelKey, event)
}

// Evict removes every connection of userID from room, on all instances when
// a relay is configured.
func (h *Hub) Evict(room string, userID uuid.UUID) {
	h.Publish(room, evictEvent, userID)
}

// Deliver fans an event out to this instance's clients only.
func (h *Hub) Deliver(channelKey string, event Event) {
	select {
	case h.broadcast <- outbound{room: channelKey, event: event}:
	case <-h.done:
	}
}

// IsOnline reports whether userID has a connection on this instance.
func (h *Hub) IsOnline(userID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.users[userID] > 0
}
