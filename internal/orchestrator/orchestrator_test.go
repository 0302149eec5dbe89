package orchestrator

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
	"github.com/galleria-labs/galleria/internal/domain"
)

var (
	marketplaceAddr = common.HexToAddress("0x0000000000000000000000000000000000001001")
	factoryAddr     = common.HexToAddress("0x0000000000000000000000000000000000001002")
	collectorAddr   = common.HexToAddress("0x0000000000000000000000000000000000001003")
	alice           = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob             = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

// memItemCache is an in-memory stand-in for the redis item cache.
type memItemCache struct {
	mu     sync.Mutex
	byID   map[uint64]domain.MarketItem
	sets   int
	purges int
}

func newMemItemCache() *memItemCache {
	return &memItemCache{byID: make(map[uint64]domain.MarketItem)}
}

func (c *memItemCache) Set(_ context.Context, item domain.MarketItem) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[item.ID] = item
	c.sets++
	return nil
}

func (c *memItemCache) Get(_ context.Context, id uint64) (domain.MarketItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.byID[id]
	if !ok {
		return domain.MarketItem{}, fmt.Errorf("cache: item %d: %w", id, domain.ErrNotFound)
	}
	return item, nil
}

func (c *memItemCache) GetByKey(_ context.Context, key domain.ItemKey) (domain.MarketItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, item := range c.byID {
		if domain.NewItemKey(item.Collection, item.TokenID) == key {
			return item, nil
		}
	}
	return domain.MarketItem{}, fmt.Errorf("cache: %w", domain.ErrNotFound)
}

func (c *memItemCache) Invalidate(_ context.Context, id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byID, id)
	c.purges++
	return nil
}

type memCollectionCache struct {
	mu     sync.Mutex
	byAddr map[string]domain.Collection
}

func newMemCollectionCache() *memCollectionCache {
	return &memCollectionCache{byAddr: make(map[string]domain.Collection)}
}

func (c *memCollectionCache) Set(_ context.Context, coll domain.Collection) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byAddr[coll.Address.Hex()] = coll
	return nil
}

func (c *memCollectionCache) Get(_ context.Context, addr string) (domain.Collection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	coll, ok := c.byAddr[addr]
	if !ok {
		return domain.Collection{}, fmt.Errorf("cache: collection %s: %w", addr, domain.ErrNotFound)
	}
	return coll, nil
}

func (c *memCollectionCache) Invalidate(_ context.Context, addr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byAddr, addr)
	return nil
}

var (
	_ domain.ItemCache       = (*memItemCache)(nil)
	_ domain.CollectionCache = (*memCollectionCache)(nil)
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *chain.Node, *memItemCache) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	node := chain.NewNode(marketplaceAddr, factoryAddr, collectorAddr, logger)
	node.Start()
	t.Cleanup(node.Close)

	items := newMemItemCache()
	o := New(node, items, newMemCollectionCache(), logger, Options{ConfirmTimeout: 5 * time.Second})
	return o, node, items
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(params.Ether))
}

// setupListedItem walks an item through deploy, mint, create and list
// so buy and cancel tests start from a live listing.
func setupListedItem(t *testing.T, o *Orchestrator, node *chain.Node) (common.Address, domain.MarketItem) {
	t.Helper()
	ctx := context.Background()
	node.Credit(alice, ether(10))

	coll, err := o.DeployCollection(ctx, alice, "Test Art", "ART", "ipfs://cover")
	require.NoError(t, err)

	tokenID, err := o.MintToken(ctx, alice, coll.Address, "ipfs://token/1")
	require.NoError(t, err)

	item, err := o.CreateUnlisted(ctx, alice, coll.Address, tokenID)
	require.NoError(t, err)

	item, err = o.ListItem(ctx, alice, item.ID, "2")
	require.NoError(t, err)
	require.True(t, item.Listed)
	return coll.Address, item
}

func TestDeployCollectionAndMint(t *testing.T) {
	o, node, _ := newTestOrchestrator(t)
	ctx := context.Background()
	node.Credit(alice, ether(10))

	coll, err := o.DeployCollection(ctx, alice, "Test Art", "ART", "ipfs://cover")
	require.NoError(t, err)
	assert.Equal(t, "Test Art", coll.Name)
	assert.Equal(t, "ART", coll.Symbol)
	assert.Equal(t, "ipfs://cover", coll.ImageURI)
	assert.Equal(t, alice, coll.Deployer)

	tokenID, err := o.MintToken(ctx, alice, coll.Address, "ipfs://token/1")
	require.NoError(t, err)
	assert.Zero(t, big.NewInt(1).Cmp(tokenID))

	uri, err := o.TokenURI(coll.Address, tokenID)
	require.NoError(t, err)
	assert.Equal(t, "ipfs://token/1", uri)

	// The deploy populated the collection cache, so the read path never
	// has to hit the backend.
	got, err := o.GetCollection(ctx, coll.Address)
	require.NoError(t, err)
	assert.Equal(t, coll, got)
}

func TestDeployCollectionUnfundedNeverSubmits(t *testing.T) {
	o, node, _ := newTestOrchestrator(t)
	ctx := context.Background()

	// Alice has no balance, so the deploy is rejected before it ever
	// reaches the node. No block is produced.
	_, err := o.DeployCollection(ctx, alice, "Test Art", "ART", "ipfs://cover")
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Zero(t, node.BlockNumber())
}

func TestListItemAutoApproves(t *testing.T) {
	o, node, _ := newTestOrchestrator(t)
	ctx := context.Background()
	node.Credit(alice, ether(10))

	coll, err := o.DeployCollection(ctx, alice, "Test Art", "ART", "")
	require.NoError(t, err)
	tokenID, err := o.MintToken(ctx, alice, coll.Address, "ipfs://token/1")
	require.NoError(t, err)
	item, err := o.CreateUnlisted(ctx, alice, coll.Address, tokenID)
	require.NoError(t, err)

	// No explicit approve was issued. ListItem grants transfer rights
	// itself before listing.
	approved, err := node.Approved(coll.Address, tokenID)
	require.NoError(t, err)
	require.Equal(t, common.Address{}, approved)

	item, err = o.ListItem(ctx, alice, item.ID, "1.5")
	require.NoError(t, err)
	assert.True(t, item.Listed)
	assert.Equal(t, "1.5", FormatWei(item.Price))

	approved, err = node.Approved(coll.Address, tokenID)
	require.NoError(t, err)
	assert.Equal(t, marketplaceAddr, approved)
}

func TestListItemRejectsBadPrice(t *testing.T) {
	o, node, _ := newTestOrchestrator(t)
	ctx := context.Background()
	node.Credit(alice, ether(10))

	_, err := o.ListItem(ctx, alice, 0, "-3")
	assert.ErrorIs(t, err, domain.ErrInvalidPriceFormat)

	_, err = o.ListItem(ctx, alice, 0, "0.0000000000000000001")
	assert.ErrorIs(t, err, domain.ErrInvalidPriceFormat)
}

func TestBuyTransfersOwnership(t *testing.T) {
	o, node, items := newTestOrchestrator(t)
	ctx := context.Background()

	collAddr, listed := setupListedItem(t, o, node)
	node.Credit(bob, ether(10))

	sellerBefore := node.BalanceAt(alice)
	item, err := o.Buy(ctx, bob, collAddr, listed.ID)
	require.NoError(t, err)

	assert.True(t, item.Sold)
	assert.Equal(t, bob, item.Owner)
	assert.Equal(t, bob, item.Seller)
	assert.Equal(t, new(big.Int).Add(sellerBefore, listed.Price), node.BalanceAt(alice))

	owner, err := node.OwnerOf(collAddr, item.TokenID)
	require.NoError(t, err)
	assert.Equal(t, bob, owner)

	// The cache was refreshed with the terminal record.
	cached, err := items.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, cached.Sold)
}

func TestBuyUnlistedItemFailsFast(t *testing.T) {
	o, node, _ := newTestOrchestrator(t)
	ctx := context.Background()
	node.Credit(alice, ether(10))

	coll, err := o.DeployCollection(ctx, alice, "Test Art", "ART", "")
	require.NoError(t, err)
	tokenID, err := o.MintToken(ctx, alice, coll.Address, "ipfs://token/1")
	require.NoError(t, err)
	item, err := o.CreateUnlisted(ctx, alice, coll.Address, tokenID)
	require.NoError(t, err)

	node.Credit(bob, ether(10))
	before := node.BalanceAt(bob)
	_, err = o.Buy(ctx, bob, coll.Address, item.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	// Rejected before submission, so nothing was spent.
	assert.Equal(t, before, node.BalanceAt(bob))
}

func TestBuyPreflightInsufficientFunds(t *testing.T) {
	o, node, _ := newTestOrchestrator(t)
	ctx := context.Background()

	collAddr, listed := setupListedItem(t, o, node)

	// Bob can cover the price but not price plus gas.
	node.Credit(bob, listed.Price)
	_, err := o.Buy(ctx, bob, collAddr, listed.ID)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, listed.Price, node.BalanceAt(bob))
}

func TestBuyOwnListingRejected(t *testing.T) {
	o, node, _ := newTestOrchestrator(t)
	ctx := context.Background()

	collAddr, listed := setupListedItem(t, o, node)

	_, err := o.Buy(ctx, alice, collAddr, listed.ID)
	assert.ErrorIs(t, err, domain.ErrSelfTrade)
}

func TestCancelResetsListing(t *testing.T) {
	o, node, _ := newTestOrchestrator(t)
	ctx := context.Background()

	collAddr, listed := setupListedItem(t, o, node)

	// Only the seller may cancel.
	node.Credit(bob, ether(1))
	_, err := o.Cancel(ctx, bob, collAddr, listed.ID)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	item, err := o.Cancel(ctx, alice, collAddr, listed.ID)
	require.NoError(t, err)
	assert.True(t, item.Canceled)
	assert.Zero(t, item.Price.Sign())

	// Terminal items stay canceled.
	_, err = o.Cancel(ctx, alice, collAddr, listed.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestGetItemFallsBackToBackend(t *testing.T) {
	o, node, items := newTestOrchestrator(t)
	ctx := context.Background()

	collAddr, listed := setupListedItem(t, o, node)

	// Drop the cached record; the read path repopulates it from the
	// ledger.
	require.NoError(t, items.Invalidate(ctx, listed.ID))
	item, err := o.GetItem(ctx, listed.ID)
	require.NoError(t, err)
	assert.Equal(t, listed.ID, item.ID)

	cached, err := items.Get(ctx, listed.ID)
	require.NoError(t, err)
	assert.Equal(t, item.ID, cached.ID)

	// Key lookups resolve to the same record.
	byKey, err := o.GetItemByKey(ctx, collAddr, listed.TokenID)
	require.NoError(t, err)
	assert.Equal(t, item.ID, byKey.ID)

	_, err = o.GetItem(ctx, 999)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// stalledBackend never delivers receipts.
type stalledBackend struct {
	Backend
}

func (b stalledBackend) WaitForReceipt(ctx context.Context, _ common.Hash) (*chain.Receipt, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestConfirmTimeoutReportsPending(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	node := chain.NewNode(marketplaceAddr, factoryAddr, collectorAddr, logger)
	node.Start()
	t.Cleanup(node.Close)
	node.Credit(alice, ether(10))

	o := New(stalledBackend{node}, nil, nil, logger, Options{ConfirmTimeout: 50 * time.Millisecond})

	_, err := o.DeployCollection(context.Background(), alice, "Test Art", "ART", "")
	assert.ErrorIs(t, err, domain.ErrPendingConfirmation)
}

func TestUpdateCollectionImage(t *testing.T) {
	o, node, _ := newTestOrchestrator(t)
	ctx := context.Background()
	node.Credit(alice, ether(10))
	node.Credit(bob, ether(10))

	coll, err := o.DeployCollection(ctx, alice, "Test Art", "ART", "ipfs://old")
	require.NoError(t, err)

	_, err = o.UpdateCollectionImage(ctx, bob, coll.Address, "ipfs://new")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	updated, err := o.UpdateCollectionImage(ctx, alice, coll.Address, "ipfs://new")
	require.NoError(t, err)
	assert.Equal(t, "ipfs://new", updated.ImageURI)

	got, err := o.GetCollection(ctx, coll.Address)
	require.NoError(t, err)
	assert.Equal(t, "ipfs://new", got.ImageURI)
}
