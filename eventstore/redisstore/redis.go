// Package redisstore implements eventstore.EventStore on Redis streams, for
// deployments where reconnecting clients may land on a restarted process and
// still expect their event backlog.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/relaykit/mcpbridge/eventstore"
)

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all stream keys. ENV: EVENTSTORE_KEY_PREFIX
	KeyPrefix string `env:"EVENTSTORE_KEY_PREFIX,default=mcpbridge:events:"`
	// PollInterval bounds how long a blocking read waits before checking
	// for cancellation. ENV: EVENTSTORE_POLL_INTERVAL
	PollInterval time.Duration `env:"EVENTSTORE_POLL_INTERVAL,default=500ms"`
}

// Store appends each session's events to one Redis stream; the stream id
// doubles as the event id, so Last-Event-ID resume maps directly onto XREAD.
type Store struct {
	client       *redis.Client
	keyPrefix    string
	pollInterval time.Duration
}

func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcpbridge:events:"
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &Store{client: cl, keyPrefix: prefix, pollInterval: poll}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

var _ eventstore.EventStore = (*Store)(nil)

func (s *Store) streamKey(sessionID string) string { return s.keyPrefix + sessionID }

func (s *Store) Append(ctx context.Context, sessionID string, data []byte) (string, error) {
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.streamKey(sessionID),
		Values: map[string]any{"d": data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

func (s *Store) Subscribe(ctx context.Context, sessionID string, lastEventID string, fn eventstore.MessageHandler) error {
	key := s.streamKey(sessionID)
	start := lastEventID
	if start == "" {
		start = "$" // live tail only
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		res, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, start},
			Block:   s.pollInterval,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("xread: %w", err)
		}
		if len(res) == 0 {
			continue
		}
		for _, m := range res[0].Messages {
			start = m.ID
			var payload []byte
			switch v := m.Values["d"].(type) {
			case string:
				payload = []byte(v)
			case []byte:
				payload = v
			default:
				payload = []byte(fmt.Sprintf("%v", v))
			}
			if err := fn(ctx, m.ID, payload); err != nil {
				return err
			}
		}
	}
}

func (s *Store) Drop(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.streamKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}
