// Package cache holds the small storage contracts shared by ptrack components.
package cache

import (
	"context"
	"time"
)

// BytesCache stores opaque values with an expiry.
type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}
