package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/galleria-labs/galleria/internal/domain"
)

const itemTTL = 5 * time.Minute

// cachedItem is the JSON shape stored in Redis. Big integers travel as
// decimal strings so nothing is lost to float coercion.
type cachedItem struct {
	ID         uint64 `json:"id"`
	Collection string `json:"collection"`
	TokenID    string `json:"token_id"`
	Creator    string `json:"creator"`
	Seller     string `json:"seller"`
	Owner      string `json:"owner"`
	Price      string `json:"price"`
	Listed     bool   `json:"listed"`
	Sold       bool   `json:"sold"`
	Canceled   bool   `json:"canceled"`
}

// ItemCache implements domain.ItemCache using Redis hashes with JSON-
// serialized item data and a secondary (collection, token) index.
//
// Key schema:
//
//	item:{id}                       - hash with field "data" containing JSON
//	item:key:{collection}:{tokenID} - string value of the item ID
type ItemCache struct {
	rdb *redis.Client
}

var _ domain.ItemCache = (*ItemCache)(nil)

// NewItemCache creates an ItemCache backed by the given Client.
func NewItemCache(c *Client) *ItemCache {
	return &ItemCache{rdb: c.Underlying()}
}

func itemKey(id uint64) string { return "item:" + strconv.FormatUint(id, 10) }

func itemIndexKey(key domain.ItemKey) string {
	return "item:key:" + key.Collection.Hex() + ":" + key.TokenID
}

// Set stores an item with a 5-minute TTL and refreshes the
// (collection, token) index entry pointing at it.
func (ic *ItemCache) Set(ctx context.Context, item domain.MarketItem) error {
	c := cachedItem{
		ID:         item.ID,
		Collection: item.Collection.Hex(),
		TokenID:    item.TokenID.String(),
		Creator:    item.Creator.Hex(),
		Seller:     item.Seller.Hex(),
		Owner:      item.Owner.Hex(),
		Price:      "0",
		Listed:     item.Listed,
		Sold:       item.Sold,
		Canceled:   item.Canceled,
	}
	if item.Price != nil {
		c.Price = item.Price.String()
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("redis: marshal item %d: %w", item.ID, err)
	}

	key := itemKey(item.ID)
	idxKey := itemIndexKey(domain.NewItemKey(item.Collection, item.TokenID))

	pipe := ic.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, itemTTL)
	pipe.Set(ctx, idxKey, strconv.FormatUint(item.ID, 10), itemTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set item %d: %w", item.ID, err)
	}
	return nil
}

// Get retrieves an item by id. It returns domain.ErrNotFound when the
// key does not exist.
func (ic *ItemCache) Get(ctx context.Context, id uint64) (domain.MarketItem, error) {
	data, err := ic.rdb.HGet(ctx, itemKey(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.MarketItem{}, domain.ErrNotFound
		}
		return domain.MarketItem{}, fmt.Errorf("redis: get item %d: %w", id, err)
	}
	return decodeItem(data, id)
}

// GetByKey looks up an item through the (collection, token) index.
func (ic *ItemCache) GetByKey(ctx context.Context, key domain.ItemKey) (domain.MarketItem, error) {
	idStr, err := ic.rdb.Get(ctx, itemIndexKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.MarketItem{}, domain.ErrNotFound
		}
		return domain.MarketItem{}, fmt.Errorf("redis: get item by key %s/%s: %w", key.Collection.Hex(), key.TokenID, err)
	}
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return domain.MarketItem{}, fmt.Errorf("redis: bad item index value %q: %w", idStr, err)
	}
	return ic.Get(ctx, id)
}

// Invalidate removes an item and its index entry from the cache.
func (ic *ItemCache) Invalidate(ctx context.Context, id uint64) error {
	// Retrieve the item first so the index entry can be cleaned up too.
	item, err := ic.Get(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("redis: invalidate item %d: %w", id, err)
	}

	pipe := ic.rdb.TxPipeline()
	pipe.Del(ctx, itemKey(id))
	if err == nil {
		pipe.Del(ctx, itemIndexKey(domain.NewItemKey(item.Collection, item.TokenID)))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: invalidate item %d: %w", id, err)
	}
	return nil
}

func decodeItem(data []byte, id uint64) (domain.MarketItem, error) {
	var c cachedItem
	if err := json.Unmarshal(data, &c); err != nil {
		return domain.MarketItem{}, fmt.Errorf("redis: unmarshal item %d: %w", id, err)
	}

	tokenID, ok := new(big.Int).SetString(c.TokenID, 10)
	if !ok {
		return domain.MarketItem{}, fmt.Errorf("redis: bad token_id %q for item %d", c.TokenID, id)
	}
	price, ok := new(big.Int).SetString(c.Price, 10)
	if !ok {
		return domain.MarketItem{}, fmt.Errorf("redis: bad price %q for item %d", c.Price, id)
	}

	return domain.MarketItem{
		ID:         c.ID,
		Collection: common.HexToAddress(c.Collection),
		TokenID:    tokenID,
		Creator:    common.HexToAddress(c.Creator),
		Seller:     common.HexToAddress(c.Seller),
		Owner:      common.HexToAddress(c.Owner),
		Price:      price,
		Listed:     c.Listed,
		Sold:       c.Sold,
		Canceled:   c.Canceled,
	}, nil
}
