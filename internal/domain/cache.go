package domain

import (
	"context"
	"io"
	"time"
)

// ItemCache provides fast market-item lookups. Writers invalidate after a
// confirmed transition and refetch from the authoritative store; the cache
// is never treated as the source of truth.
type ItemCache interface {
	Set(ctx context.Context, item MarketItem) error
	Get(ctx context.Context, id uint64) (MarketItem, error)
	GetByKey(ctx context.Context, key ItemKey) (MarketItem, error)
	Invalidate(ctx context.Context, id uint64) error
}

// CollectionCache provides fast collection metadata lookups.
type CollectionCache interface {
	Set(ctx context.Context, c Collection) error
	Get(ctx context.Context, addr string) (Collection, error)
	Invalidate(ctx context.Context, addr string) error
}

// RateLimiter enforces request rate limits across instances.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking (single-instance indexer).
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams for event fan-out.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// BlobInfo describes one object in blob storage.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobWriter stores payloads in object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader retrieves payloads from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}
