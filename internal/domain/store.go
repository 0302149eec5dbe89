package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit      int
	Offset     int
	OnlyListed bool
	Since      *time.Time
}

// ItemStore persists the indexed view of market items.
type ItemStore interface {
	Upsert(ctx context.Context, item MarketItem, blockNumber uint64) error
	GetByID(ctx context.Context, id uint64) (MarketItem, error)
	GetByCollectionAndToken(ctx context.Context, key ItemKey) (MarketItem, error)
	List(ctx context.Context, opts ListOpts) ([]MarketItem, error)
	ListByCollection(ctx context.Context, collection common.Address, opts ListOpts) ([]MarketItem, error)
	ListBySeller(ctx context.Context, seller common.Address, opts ListOpts) ([]MarketItem, error)
	Count(ctx context.Context) (int64, error)
}

// CollectionStore persists deployed collection metadata.
type CollectionStore interface {
	Upsert(ctx context.Context, c Collection) error
	GetByAddress(ctx context.Context, addr common.Address) (Collection, error)
	List(ctx context.Context, opts ListOpts) ([]Collection, error)
}

// ActivityStore persists append-only marketplace history.
type ActivityStore interface {
	InsertBatch(ctx context.Context, activities []Activity) error
	ListByItem(ctx context.Context, key ItemKey, opts ListOpts) ([]Activity, error)
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]Activity, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	LastIndexedBlock(ctx context.Context) (uint64, error)
	SetLastIndexedBlock(ctx context.Context, block uint64) error
}
