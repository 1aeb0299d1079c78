package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Cache is the fast tier in front of the durable store. It is never the
// source of truth.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Del(ctx context.Context, keys ...string) error
	// PushCapped prepends value to the list at key, keeps at most maxLen
	// entries and refreshes the list TTL.
	PushCapped(ctx context.Context, key string, value []byte, maxLen int64, ttl time.Duration) error
	// Range returns list entries from start to stop inclusive, newest first.
	Range(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	Ping(ctx context.Context) error
	Close() error
}

func MessageKey(id string) string {
	return "message:" + id
}

func NotificationKey(userID string) string {
	return "notifications:" + userID
}
