// Package redis provides a Redis-backed [memory.Store]. Each device's history
// is a Redis list of JSON-encoded messages, newest at the tail.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MrWong99/voicegate/pkg/memory"
)

// KeyPrefix is prepended to every device ID to form the list key.
const KeyPrefix = "voicegate:history:"

var (
	_ memory.Store  = (*Store)(nil)
	_ memory.Pinger = (*Store)(nil)
)

// Options configures the connection.
type Options struct {
	Addr     string
	Password string
	DB       int

	// MaxMessages caps the list length per device. Zero or less keeps
	// everything.
	MaxMessages int
}

// Store stores history in Redis lists.
type Store struct {
	rdb         *goredis.Client
	maxMessages int
}

// NewStore connects to Redis and pings it.
func NewStore(ctx context.Context, opts Options) (*Store, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis store: connect to %s: %w", opts.Addr, err)
	}
	return &Store{rdb: rdb, maxMessages: opts.MaxMessages}, nil
}

type record struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"ts"`
}

// Append implements [memory.Store]. The push and trim run in one pipeline.
func (s *Store) Append(ctx context.Context, deviceID string, msgs ...memory.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	cp := make([]memory.Message, len(msgs))
	copy(cp, msgs)
	memory.Stamp(cp)

	values := make([]any, 0, len(cp))
	for _, m := range cp {
		b, err := json.Marshal(record{Role: m.Role, Content: m.Content, Timestamp: m.Timestamp.UnixMilli()})
		if err != nil {
			return fmt.Errorf("redis store: marshal message: %w", err)
		}
		values = append(values, b)
	}

	key := KeyPrefix + deviceID
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, values...)
	if s.maxMessages > 0 {
		pipe.LTrim(ctx, key, int64(-s.maxMessages), -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis store: append: %w", err)
	}
	return nil
}

// History implements [memory.Store].
func (s *Store) History(ctx context.Context, deviceID string, limit int) ([]memory.Message, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := s.rdb.LRange(ctx, KeyPrefix+deviceID, start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: history: %w", err)
	}
	msgs := make([]memory.Message, 0, len(raw))
	for _, r := range raw {
		var rec record
		if err := json.Unmarshal([]byte(r), &rec); err != nil {
			return nil, fmt.Errorf("redis store: decode message: %w", err)
		}
		msgs = append(msgs, memory.Message{
			Role:      rec.Role,
			Content:   rec.Content,
			Timestamp: unixMilli(rec.Timestamp),
		})
	}
	return msgs, nil
}

// Clear implements [memory.Store].
func (s *Store) Clear(ctx context.Context, deviceID string) error {
	if err := s.rdb.Del(ctx, KeyPrefix+deviceID).Err(); err != nil {
		return fmt.Errorf("redis store: clear: %w", err)
	}
	return nil
}

// Ping implements [memory.Pinger].
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func unixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
