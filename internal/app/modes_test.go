package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galleria-labs/galleria/internal/chain"
	"github.com/galleria-labs/galleria/internal/config"
	"github.com/galleria-labs/galleria/internal/domain"
	"github.com/galleria-labs/galleria/internal/orchestrator"
)

// memStores backs the indexer with in-memory item and activity storage.
type memStores struct {
	mu          sync.Mutex
	items       map[uint64]domain.MarketItem
	collections map[common.Address]domain.Collection
	activities  []domain.Activity
	checkpoint  uint64
}

func newMemStores() *memStores {
	return &memStores{
		items:       make(map[uint64]domain.MarketItem),
		collections: make(map[common.Address]domain.Collection),
	}
}

func (s *memStores) Upsert(_ context.Context, item domain.MarketItem, _ uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = item
	return nil
}

func (s *memStores) GetByID(_ context.Context, id uint64) (domain.MarketItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return domain.MarketItem{}, fmt.Errorf("store: item %d: %w", id, domain.ErrNotFound)
	}
	return item, nil
}

func (s *memStores) GetByCollectionAndToken(_ context.Context, key domain.ItemKey) (domain.MarketItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.items {
		if domain.NewItemKey(item.Collection, item.TokenID) == key {
			return item, nil
		}
	}
	return domain.MarketItem{}, fmt.Errorf("store: %w", domain.ErrNotFound)
}

func (s *memStores) List(_ context.Context, _ domain.ListOpts) ([]domain.MarketItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.MarketItem, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item)
	}
	return out, nil
}

func (s *memStores) ListByCollection(ctx context.Context, _ common.Address, opts domain.ListOpts) ([]domain.MarketItem, error) {
	return s.List(ctx, opts)
}

func (s *memStores) ListBySeller(ctx context.Context, _ common.Address, opts domain.ListOpts) ([]domain.MarketItem, error) {
	return s.List(ctx, opts)
}

func (s *memStores) Count(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.items)), nil
}

func (s *memStores) InsertBatch(_ context.Context, activities []domain.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities = append(s.activities, activities...)
	return nil
}

func (s *memStores) ListByItem(_ context.Context, _ domain.ItemKey, _ domain.ListOpts) ([]domain.Activity, error) {
	return nil, nil
}

func (s *memStores) ListBefore(_ context.Context, _ time.Time, _ int) ([]domain.Activity, error) {
	return nil, nil
}

func (s *memStores) DeleteBefore(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (s *memStores) LastIndexedBlock(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoint, nil
}

func (s *memStores) SetLastIndexedBlock(_ context.Context, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if block > s.checkpoint {
		s.checkpoint = block
	}
	return nil
}

func (s *memStores) itemByID(id uint64) (domain.MarketItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	return item, ok
}

// collectionStoreView resolves the Upsert and List signature clash between
// the item and collection store interfaces.
type collectionStoreView struct {
	*memStores
}

func (v collectionStoreView) Upsert(_ context.Context, c domain.Collection) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.collections[c.Address] = c
	return nil
}

func (v collectionStoreView) GetByAddress(_ context.Context, addr common.Address) (domain.Collection, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.collections[addr]
	if !ok {
		return domain.Collection{}, fmt.Errorf("store: collection %s: %w", addr.Hex(), domain.ErrNotFound)
	}
	return c, nil
}

func (v collectionStoreView) List(_ context.Context, _ domain.ListOpts) ([]domain.Collection, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]domain.Collection, 0, len(v.collections))
	for _, c := range v.collections {
		out = append(out, c)
	}
	return out, nil
}

var (
	_ domain.ItemStore       = (*memStores)(nil)
	_ domain.ActivityStore   = (*memStores)(nil)
	_ domain.CollectionStore = collectionStoreView{}
)

// Server mode indexes the embedded node, so items written through the
// orchestrator become visible in the store-backed read model.
func TestServerModeIndexesEmbeddedNode(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Defaults()
	cfg.Mode = "server"
	cfg.Server.Enabled = false
	cfg.Indexer.Enabled = true
	cfg.Indexer.FlushInterval.Duration = 20 * time.Millisecond

	node := chain.NewNode(cfg.MarketplaceAddr(), cfg.FactoryAddr(), cfg.FeeCollectorAddr(), logger)
	node.Start()
	t.Cleanup(node.Close)

	stores := newMemStores()
	deps := &Dependencies{
		Node:            node,
		ItemStore:       stores,
		CollectionStore: collectionStoreView{stores},
		ActivityStore:   stores,
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := New(&cfg, logger)

	done := make(chan error, 1)
	go func() {
		done <- a.ServerMode(ctx, deps)
	}()

	seller := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	node.Credit(seller, new(big.Int).Mul(big.NewInt(10), big.NewInt(params.Ether)))

	o := orchestrator.New(node, nil, nil, logger, orchestrator.Options{ConfirmTimeout: 5 * time.Second})
	coll, err := o.DeployCollection(ctx, seller, "Test Art", "ART", "ipfs://cover")
	require.NoError(t, err)
	tokenID, err := o.MintToken(ctx, seller, coll.Address, "ipfs://token/1")
	require.NoError(t, err)
	item, err := o.CreateUnlisted(ctx, seller, coll.Address, tokenID)
	require.NoError(t, err)
	_, err = o.ListItem(ctx, seller, item.ID, "1.5")
	require.NoError(t, err)

	// The in-process indexer tails the node and lands the listing in the
	// store without any separate indexer process.
	require.Eventually(t, func() bool {
		got, ok := stores.itemByID(item.ID)
		return ok && got.Listed
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server mode did not stop on cancel")
	}
}
