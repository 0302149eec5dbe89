package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/galleria-labs/galleria/internal/domain"
)

const collectionTTL = 10 * time.Minute

type cachedCollection struct {
	Address  string `json:"address"`
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	ImageURI string `json:"image_uri"`
	Deployer string `json:"deployer"`
}

// CollectionCache implements domain.CollectionCache using Redis.
//
// Key schema:
//
//	collection:{address} - JSON-serialized collection metadata
type CollectionCache struct {
	rdb *redis.Client
}

var _ domain.CollectionCache = (*CollectionCache)(nil)

// NewCollectionCache creates a CollectionCache backed by the given Client.
func NewCollectionCache(c *Client) *CollectionCache {
	return &CollectionCache{rdb: c.Underlying()}
}

func collectionKey(addr string) string { return "collection:" + addr }

// Set stores collection metadata with a 10-minute TTL. Metadata changes
// only on deploy and image updates, both of which invalidate.
func (cc *CollectionCache) Set(ctx context.Context, c domain.Collection) error {
	data, err := json.Marshal(cachedCollection{
		Address:  c.Address.Hex(),
		Name:     c.Name,
		Symbol:   c.Symbol,
		ImageURI: c.ImageURI,
		Deployer: c.Deployer.Hex(),
	})
	if err != nil {
		return fmt.Errorf("redis: marshal collection %s: %w", c.Address.Hex(), err)
	}

	if err := cc.rdb.Set(ctx, collectionKey(c.Address.Hex()), data, collectionTTL).Err(); err != nil {
		return fmt.Errorf("redis: set collection %s: %w", c.Address.Hex(), err)
	}
	return nil
}

// Get retrieves collection metadata by hex address. It returns
// domain.ErrNotFound when the key does not exist.
func (cc *CollectionCache) Get(ctx context.Context, addr string) (domain.Collection, error) {
	data, err := cc.rdb.Get(ctx, collectionKey(addr)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Collection{}, domain.ErrNotFound
		}
		return domain.Collection{}, fmt.Errorf("redis: get collection %s: %w", addr, err)
	}

	var c cachedCollection
	if err := json.Unmarshal(data, &c); err != nil {
		return domain.Collection{}, fmt.Errorf("redis: unmarshal collection %s: %w", addr, err)
	}
	return domain.Collection{
		Address:  common.HexToAddress(c.Address),
		Name:     c.Name,
		Symbol:   c.Symbol,
		ImageURI: c.ImageURI,
		Deployer: common.HexToAddress(c.Deployer),
	}, nil
}

// Invalidate removes collection metadata from the cache.
func (cc *CollectionCache) Invalidate(ctx context.Context, addr string) error {
	if err := cc.rdb.Del(ctx, collectionKey(addr)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate collection %s: %w", addr, err)
	}
	return nil
}
