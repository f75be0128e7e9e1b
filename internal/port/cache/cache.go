// Package cache defines the port interface for byte-value caching used in
// front of slow knowledge lookups.
package cache

import (
	"context"
	"time"
)

// Cache is the port interface for key-value caching with TTL expiry.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
