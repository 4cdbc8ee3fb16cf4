package storage

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key does not exist.
var ErrMiss = errors.New("storage: miss")

// Store is the key-value persistence shim used to cache the bearer token,
// the guest user id, cart counts and mirrored chat ids across restarts.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns ErrMiss when the key is absent or expired.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value; ttl <= 0 means no expiration.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Well-known keys.
const (
	KeyToken    = "auth:token"
	KeyUserID   = "auth:user_id"
	KeyCart     = "cart:count"
	KeyLastPath = "nav:last_path"
)

// ChatKey is the key under which the chat id for a product is mirrored.
func ChatKey(productID string) string {
	return "chat:product:" + productID
}
