package cache

import (
	"context"
	"errors"
)

// ErrCacheMiss is returned by Get when the key is absent or expired.
var ErrCacheMiss = errors.New("cache: key not found")

// Cache is the read-through cache in front of job lookups.
type Cache interface {
	Put(ctx context.Context, key string, value interface{}, ttlSeconds int) error
	Get(ctx context.Context, key string, out interface{}) error
	GetDefaultTTL() int
	ShutDown(ctx context.Context)
}
