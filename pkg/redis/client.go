// Package redis provides the optional distributed substrate for a fleet
// of proxy replicas sharing one key pool: pub/sub mirroring of dashboard
// events and a shared view of the pool-wide cooldown ladder. A nil client
// keeps everything in-process.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Key and channel names.
const (
	ChannelEvents      = "capacityproxy:events"
	KeyPoolCooldown    = "capacityproxy:pool_cooldown_until"
	KeyAccountCooldown = "capacityproxy:account_cooldown_until"
)

// Client wraps the Redis connection with the proxy's domain operations.
// origin identifies this replica so it can skip its own relayed events.
type Client struct {
	rdb    *redis.Client
	origin string
}

// Config holds the connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClient connects to Redis and verifies the connection.
func NewClient(cfg Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis: connect: %w", err)
	}
	return &Client{rdb: rdb, origin: uuid.NewString()}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// envelope is the wire shape for relayed events.
type envelope struct {
	Origin string          `json:"origin"`
	Name   string          `json:"name"`
	Data   json.RawMessage `json:"data"`
}

// PublishEvent mirrors one dashboard event to peer replicas. Errors are
// swallowed: the relay is best-effort and must never affect serving.
func (c *Client) PublishEvent(name string, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	payload, err := json.Marshal(envelope{Origin: c.origin, Name: name, Data: raw})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.rdb.Publish(ctx, ChannelEvents, payload)
}

// SubscribeEvents delivers peer-published events to handler until ctx is
// done. Runs its own receive loop; call in a goroutine.
func (c *Client) SubscribeEvents(ctx context.Context, handler func(name string, data json.RawMessage)) {
	sub := c.rdb.Subscribe(ctx, ChannelEvents)
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
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			if env.Origin == c.origin {
				continue
			}
			handler(env.Name, env.Data)
		}
	}
}

// SetPoolCooldown mirrors the pool-wide cooldown deadline so replicas
// converge on the same ladder. The key expires with the cooldown.
func (c *Client) SetPoolCooldown(ctx context.Context, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return c.rdb.Del(ctx, KeyPoolCooldown).Err()
	}
	return c.rdb.Set(ctx, KeyPoolCooldown, until.UnixMilli(), ttl).Err()
}

// GetPoolCooldown returns the shared cooldown deadline, zero when none.
func (c *Client) GetPoolCooldown(ctx context.Context) (time.Time, error) {
	ms, err := c.rdb.Get(ctx, KeyPoolCooldown).Int64()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

// SetAccountCooldown mirrors the account-wide 429 cooldown deadline.
func (c *Client) SetAccountCooldown(ctx context.Context, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return c.rdb.Del(ctx, KeyAccountCooldown).Err()
	}
	return c.rdb.Set(ctx, KeyAccountCooldown, until.UnixMilli(), ttl).Err()
}

// GetAccountCooldown returns the shared account cooldown deadline, zero
// when none.
func (c *Client) GetAccountCooldown(ctx context.Context) (time.Time, error) {
	ms, err := c.rdb.Get(ctx, KeyAccountCooldown).Int64()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
