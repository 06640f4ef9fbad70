package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	eventsChannel  = "sitechat:events"
	presencePrefix = "sitechat:presence:"
	presenceTTL    = 24 * time.Hour
)

// NewRedisClient connects to url and checks the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return client, nil
}

type relayEnvelope struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

// RedisRelay shares events between instances over Redis pub/sub.
type RedisRelay struct {
	client *redis.Client
}

func NewRedisRelay(client *redis.Client) *RedisRelay {
	return &RedisRelay{client: client}
}

func (r *RedisRelay) Publish(ctx context.Context, channel string, event Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("redis relay: marshal %s: %w", event.Event, err)
	}
	payload, err := json.Marshal(relayEnvelope{Channel: channel, Event: event.Event, Data: data})
	if err != nil {
		return fmt.Errorf("redis relay: marshal envelope: %w", err)
	}
	return r.client.Publish(ctx, eventsChannel, payload).Err()
}

// Run delivers relayed events to hub until ctx is done.
func (r *RedisRelay) Run(ctx context.Context, hub *Hub) {
	sub := r.client.Subscribe(ctx, eventsChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Warn().Err(err).Msg("dropping malformed relay message")
				continue
			}
			hub.Deliver(env.Channel, Event{Event: env.Event, Data: env.Data})
		}
	}
}

// RedisPresence counts live connections per user across instances.
type RedisPresence struct {
	client *redis.Client
}

func NewRedisPresence(client *redis.Client) *RedisPresence {
	return &RedisPresence{client: client}
}

func presenceKey(userID uuid.UUID) string { return presencePrefix + userID.String() }

func (p *RedisPresence) Online(ctx context.Context, userID uuid.UUID) {
	key := presenceKey(userID)
	pipe := p.client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("user_id", userID.String()).Msg("failed to record presence")
	}
}

func (p *RedisPresence) Offline(ctx context.Context, userID uuid.UUID) {
	key := presenceKey(userID)
	n, err := p.client.Decr(ctx, key).Result()
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID.String()).Msg("failed to clear presence")
		return
	}
	if n <= 0 {
		p.client.Del(ctx, key)
	}
}

func (p *RedisPresence) IsOnline(userID uuid.UUID) bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, err := p.client.Get(ctx, presenceKey(userID)).Int()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Str("user_id", userID.String()).Msg("presence lookup failed")
		}
		return false
	}
	return n > 0
}
