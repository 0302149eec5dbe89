package indexer

import (
	"context"
	"encoding/json"
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
	"github.com/galleria-labs/galleria/internal/domain"
)

var (
	marketplaceAddr = common.HexToAddress("0x0000000000000000000000000000000000001001")
	factoryAddr     = common.HexToAddress("0x0000000000000000000000000000000000001002")
	collectorAddr   = common.HexToAddress("0x0000000000000000000000000000000000001003")
	alice           = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob             = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

// memStores bundles in-memory implementations of the three stores the
// indexer writes to.
type memStores struct {
	mu          sync.Mutex
	items       map[uint64]domain.MarketItem
	collections map[common.Address]domain.Collection
	activities  []domain.Activity
	checkpoint  uint64
	batches     int
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
	var latest domain.MarketItem
	found := false
	for _, item := range s.items {
		if domain.NewItemKey(item.Collection, item.TokenID) == key && (!found || item.ID > latest.ID) {
			latest, found = item, true
		}
	}
	if !found {
		return domain.MarketItem{}, fmt.Errorf("store: %w", domain.ErrNotFound)
	}
	return latest, nil
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

func (s *memStores) UpsertCollection(_ context.Context, c domain.Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[c.Address] = c
	return nil
}

func (s *memStores) GetByAddress(_ context.Context, addr common.Address) (domain.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[addr]
	if !ok {
		return domain.Collection{}, fmt.Errorf("store: %w", domain.ErrNotFound)
	}
	return c, nil
}

func (s *memStores) ListCollections(_ context.Context, _ domain.ListOpts) ([]domain.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Collection, 0, len(s.collections))
	for _, c := range s.collections {
		out = append(out, c)
	}
	return out, nil
}

func (s *memStores) InsertBatch(_ context.Context, activities []domain.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities = append(s.activities, activities...)
	s.batches++
	return nil
}

func (s *memStores) ListByItem(_ context.Context, key domain.ItemKey, _ domain.ListOpts) ([]domain.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Activity
	for _, a := range s.activities {
		if a.Collection == key.Collection && a.TokenID == key.TokenID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memStores) ListBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Activity
	for _, a := range s.activities {
		if a.CreatedAt.Before(cutoff) {
			out = append(out, a)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memStores) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []domain.Activity
	var removed int64
	for _, a := range s.activities {
		if a.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	s.activities = kept
	return removed, nil
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

func (s *memStores) activityCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activities)
}

// collectionStoreView adapts memStores to the CollectionStore method
// names.
type collectionStoreView struct{ *memStores }

func (v collectionStoreView) Upsert(ctx context.Context, c domain.Collection) error {
	return v.UpsertCollection(ctx, c)
}

func (v collectionStoreView) List(ctx context.Context, opts domain.ListOpts) ([]domain.Collection, error) {
	return v.ListCollections(ctx, opts)
}

// memBus records published payloads per channel.
type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streamed  map[string][][]byte
}

func newMemBus() *memBus {
	return &memBus{published: make(map[string][][]byte), streamed: make(map[string][][]byte)}
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (b *memBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamed[stream] = append(b.streamed[stream], payload)
	return nil
}

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *memBus) onChannel(channel string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[channel]
}

// memLocks hands out at most one lock per key.
type memLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocks() *memLocks {
	return &memLocks{held: make(map[string]bool)}
}

func (l *memLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

var (
	_ domain.ItemStore       = (*memStores)(nil)
	_ domain.ActivityStore   = (*memStores)(nil)
	_ domain.CollectionStore = collectionStoreView{}
	_ domain.SignalBus       = (*memBus)(nil)
	_ domain.LockManager     = (*memLocks)(nil)
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestNode(t *testing.T) *chain.Node {
	t.Helper()
	node := chain.NewNode(marketplaceAddr, factoryAddr, collectorAddr, discardLogger())
	node.Start()
	t.Cleanup(node.Close)
	node.Credit(alice, new(big.Int).Mul(big.NewInt(10), big.NewInt(params.Ether)))
	node.Credit(bob, new(big.Int).Mul(big.NewInt(10), big.NewInt(params.Ether)))
	return node
}

// runMarketSession drives a full lifecycle on the node: deploy, mint,
// approve, create, list, buy.
func runMarketSession(t *testing.T, node *chain.Node) common.Address {
	t.Helper()
	ctx := context.Background()

	submit := func(tx chain.Tx) *chain.Receipt {
		hash, err := node.SubmitTx(ctx, tx)
		require.NoError(t, err)
		rcpt, err := node.WaitForReceipt(ctx, hash)
		require.NoError(t, err)
		require.True(t, rcpt.Succeeded(), rcpt.RevertReason)
		return rcpt
	}

	rcpt := submit(chain.Tx{From: alice, Method: chain.MethodCreateNFTContract, Name: "Test Art", Symbol: "ART", URI: "ipfs://cover"})
	coll := rcpt.ContractAddress
	tokenID := big.NewInt(1)
	submit(chain.Tx{From: alice, Method: chain.MethodMint, Collection: coll, URI: "ipfs://token/1"})
	submit(chain.Tx{From: alice, Method: chain.MethodApprove, Collection: coll, TokenID: tokenID, To: marketplaceAddr})
	submit(chain.Tx{From: alice, Method: chain.MethodCreateUnlistedMarketItem, Collection: coll, TokenID: tokenID})

	price := new(big.Int).Mul(big.NewInt(2), big.NewInt(params.Ether))
	submit(chain.Tx{From: alice, Method: chain.MethodListMarketItem, ItemID: 0, Price: price, Value: node.ListingFee()})
	submit(chain.Tx{From: bob, Method: chain.MethodCreateMarketSale, Collection: coll, ItemID: 0, Value: price})
	return coll
}

func TestCatchUpFromCheckpoint(t *testing.T) {
	node := newTestNode(t)
	stores := newMemStores()
	bus := newMemBus()

	// All activity happens before the indexer starts; it must rebuild
	// the read model from the log replay alone.
	coll := runMarketSession(t, node)

	ix := New(node, stores, collectionStoreView{stores}, stores, nil, nil, bus, nil, nil, discardLogger(), Options{CatchupBatch: 2, FlushInterval: 50 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err := ix.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	item, err := stores.GetByID(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, item.Sold)
	assert.Equal(t, bob, item.Owner)

	got, err := stores.GetByAddress(context.Background(), coll)
	require.NoError(t, err)
	assert.Equal(t, "Test Art", got.Name)

	// Every event became a history row and the checkpoint reached the
	// head. Approval emits no log, so six transactions leave five rows.
	assert.Equal(t, 5, stores.activityCount())
	assert.Equal(t, node.BlockNumber(), stores.checkpoint)

	// The sale went out on its own channel.
	sales := bus.onChannel(domain.ChannelSales)
	require.Len(t, sales, 1)
	var ev wireEvent
	require.NoError(t, json.Unmarshal(sales[0], &ev))
	assert.Equal(t, string(domain.EventItemSold), ev.Kind)
	assert.Equal(t, bob.Hex(), ev.Owner)

	// The durable stream carries the same payload for late consumers.
	bus.mu.Lock()
	assert.Len(t, bus.streamed[domain.StreamName(domain.ChannelSales)], 1)
	bus.mu.Unlock()
}

func TestLiveTail(t *testing.T) {
	node := newTestNode(t)
	stores := newMemStores()

	ix := New(node, stores, collectionStoreView{stores}, stores, nil, nil, nil, nil, nil, discardLogger(), Options{FlushInterval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ix.Run(ctx) }()

	runMarketSession(t, node)

	// Wait for the flush ticker to drain the buffer.
	require.Eventually(t, func() bool {
		return stores.activityCount() == 5
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	item, err := stores.GetByID(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, item.Sold)
	assert.Equal(t, node.BlockNumber(), stores.checkpoint)
}

func TestLeaderLockExcludesSecondInstance(t *testing.T) {
	node := newTestNode(t)
	stores := newMemStores()
	locks := newMemLocks()

	unlock, err := locks.Acquire(context.Background(), "indexer:leader", time.Minute)
	require.NoError(t, err)
	defer unlock()

	ix := New(node, stores, collectionStoreView{stores}, stores, nil, nil, nil, locks, nil, discardLogger(), Options{})
	err = ix.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leader lock")
}

func TestActivityFromEvent(t *testing.T) {
	ev := domain.Event{
		Kind:        domain.EventItemSold,
		ItemID:      3,
		Collection:  marketplaceAddr,
		TokenID:     big.NewInt(7),
		Seller:      alice,
		Owner:       bob,
		Price:       big.NewInt(42),
		BlockNumber: 11,
	}
	a := activityFromEvent(ev)
	assert.Equal(t, domain.EventItemSold, a.Kind)
	assert.Equal(t, uint64(3), a.ItemID)
	assert.Equal(t, "7", a.TokenID)
	assert.Equal(t, alice, a.From)
	assert.Equal(t, bob, a.To)
	assert.Equal(t, "42", a.Price)
	assert.Equal(t, uint64(11), a.BlockNumber)
	assert.False(t, a.CreatedAt.IsZero())

	// A mint is attributed to the creator on both sides.
	mint := activityFromEvent(domain.Event{Kind: domain.EventTokenMinted, Creator: alice, TokenID: big.NewInt(1)})
	assert.Equal(t, alice, mint.From)
	assert.Equal(t, alice, mint.To)
	assert.Equal(t, "0", mint.Price)
}
