package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/galleria-labs/galleria/internal/chain"
	"github.com/galleria-labs/galleria/internal/domain"
)

// Backend is the orchestrator's view of the ledger node. *chain.Node
// satisfies it; tests substitute their own.
type Backend interface {
	ListingFee() *big.Int
	MarketplaceAddress() common.Address
	BalanceAt(addr common.Address) *big.Int
	SuggestFeeData() chain.FeeData
	EstimateGas(tx chain.Tx) (uint64, error)
	SubmitTx(ctx context.Context, tx chain.Tx) (common.Hash, error)
	WaitForReceipt(ctx context.Context, hash common.Hash) (*chain.Receipt, error)

	ItemByID(id uint64) (domain.MarketItem, error)
	ItemByCollectionAndToken(collection common.Address, tokenID *big.Int) (domain.MarketItem, bool)
	AllItems() []domain.MarketItem
	ContractAddresses() []common.Address
	DeployedCollections() []common.Address
	CollectionInfo(addr common.Address) (domain.Collection, error)
	OwnerOf(collection common.Address, tokenID *big.Int) (common.Address, error)
	Approved(collection common.Address, tokenID *big.Int) (common.Address, error)
	TokenURI(collection common.Address, tokenID *big.Int) (string, error)
	LastTokenID(collection common.Address) (*big.Int, error)
}

var _ Backend = (*chain.Node)(nil)

// Options tunes orchestrator behavior.
type Options struct {
	// ConfirmTimeout bounds how long a write waits for its receipt
	// before reporting the transaction as still pending.
	ConfirmTimeout time.Duration
}

// Orchestrator drives the full client-side write path: price parsing,
// gas estimation, balance pre-flight, approval sequencing, submission,
// bounded confirmation, log decoding, and an authoritative re-read.
// Reads go through the cache when one is attached.
type Orchestrator struct {
	backend        Backend
	items          domain.ItemCache
	collections    domain.CollectionCache
	log            *slog.Logger
	confirmTimeout time.Duration
}

// New creates an Orchestrator. Either cache may be nil, in which case
// reads always hit the backend.
func New(backend Backend, items domain.ItemCache, collections domain.CollectionCache, logger *slog.Logger, opts Options) *Orchestrator {
	timeout := opts.ConfirmTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Orchestrator{
		backend:        backend,
		items:          items,
		collections:    collections,
		log:            logger.With("component", "orchestrator"),
		confirmTimeout: timeout,
	}
}

// ListingFee returns the marketplace's flat listing fee in wei.
func (o *Orchestrator) ListingFee() *big.Int {
	return o.backend.ListingFee()
}

// DeployCollection deploys a new token collection and returns its
// on-ledger metadata after confirmation. Deployment is the most
// expensive write, so the balance is checked before anything is
// submitted.
func (o *Orchestrator) DeployCollection(ctx context.Context, from common.Address, name, symbol, imageURI string) (domain.Collection, error) {
	tx := chain.Tx{
		From:   from,
		Method: chain.MethodCreateNFTContract,
		Name:   name,
		Symbol: symbol,
		URI:    imageURI,
	}
	if err := o.preflight(ctx, tx); err != nil {
		return domain.Collection{}, fmt.Errorf("orchestrator: deploy collection: %w", err)
	}
	rcpt, err := o.send(ctx, tx)
	if err != nil {
		return domain.Collection{}, fmt.Errorf("orchestrator: deploy collection: %w", err)
	}

	info, err := o.backend.CollectionInfo(rcpt.ContractAddress)
	if err != nil {
		return domain.Collection{}, fmt.Errorf("orchestrator: deploy collection: re-read: %w", err)
	}
	if o.collections != nil {
		if cerr := o.collections.Set(ctx, info); cerr != nil {
			o.log.Warn("cache collection after deploy", "addr", info.Address, "err", cerr)
		}
	}
	o.log.Info("collection deployed", "addr", info.Address, "name", name, "deployer", from.Hex())
	return info, nil
}

// MintToken mints a token in a collection and returns its id.
func (o *Orchestrator) MintToken(ctx context.Context, from, collection common.Address, uri string) (*big.Int, error) {
	tx := chain.Tx{
		From:       from,
		Method:     chain.MethodMint,
		Collection: collection,
		URI:        uri,
	}
	rcpt, err := o.send(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: mint: %w", err)
	}

	ev, err := findEvent(rcpt, domain.EventTokenMinted)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: mint: %w", err)
	}
	return ev.TokenID, nil
}

// CreateUnlisted registers a minted token with the marketplace and
// returns the authoritative record.
func (o *Orchestrator) CreateUnlisted(ctx context.Context, from, collection common.Address, tokenID *big.Int) (domain.MarketItem, error) {
	tx := chain.Tx{
		From:       from,
		Method:     chain.MethodCreateUnlistedMarketItem,
		Collection: collection,
		TokenID:    tokenID,
	}
	rcpt, err := o.send(ctx, tx)
	if err != nil {
		return domain.MarketItem{}, fmt.Errorf("orchestrator: create unlisted: %w", err)
	}

	ev, err := findEvent(rcpt, domain.EventItemCreated)
	if err != nil {
		return domain.MarketItem{}, fmt.Errorf("orchestrator: create unlisted: %w", err)
	}
	return o.refreshItem(ctx, ev.ItemID)
}

// ListItem puts an item up for sale at the given decimal price. It
// grants the marketplace transfer rights first if that has not been
// done, checks the caller can cover fee plus gas before submitting,
// and returns the authoritative record once the listing is confirmed.
func (o *Orchestrator) ListItem(ctx context.Context, from common.Address, itemID uint64, price string) (domain.MarketItem, error) {
	wei, err := ParsePrice(price)
	if err != nil {
		return domain.MarketItem{}, err
	}

	item, err := o.backend.ItemByID(itemID)
	if err != nil {
		return domain.MarketItem{}, fmt.Errorf("orchestrator: list item: %w", err)
	}

	if err := o.ensureApproval(ctx, from, item.Collection, item.TokenID); err != nil {
		return domain.MarketItem{}, fmt.Errorf("orchestrator: list item: %w", err)
	}

	fee := o.backend.ListingFee()
	tx := chain.Tx{
		From:   from,
		Method: chain.MethodListMarketItem,
		ItemID: itemID,
		Price:  wei,
		Value:  fee,
	}
	if err := o.preflight(ctx, tx); err != nil {
		return domain.MarketItem{}, fmt.Errorf("orchestrator: list item: %w", err)
	}

	rcpt, err := o.send(ctx, tx)
	if err != nil {
		return domain.MarketItem{}, fmt.Errorf("orchestrator: list item: %w", err)
	}
	if _, err := findEvent(rcpt, domain.EventItemListed); err != nil {
		return domain.MarketItem{}, fmt.Errorf("orchestrator: list item: %w", err)
	}
	o.log.Info("item listed", "item", itemID, "price", FormatWei(wei), "seller", from.Hex())
	return o.refreshItem(ctx, itemID)
}

// Buy purchases a listed item at exactly its asking price.
func (o *Orchestrator) Buy(ctx context.Context, from, collection common.Address, itemID uint64) (domain.MarketItem, error) {
	item, err := o.backend.ItemByID(itemID)
	if err != nil {
		return domain.MarketItem{}, fmt.Errorf("orchestrator: buy: %w", err)
	}
	if !item.Listed {
		return domain.MarketItem{}, fmt.Errorf("orchestrator: buy: item %d: %w", itemID, domain.ErrInvalidState)
	}

	tx := chain.Tx{
		From:       from,
		Method:     chain.MethodCreateMarketSale,
		Collection: collection,
		ItemID:     itemID,
		Value:      new(big.Int).Set(item.Price),
	}
	if err := o.preflight(ctx, tx); err != nil {
		return domain.MarketItem{}, fmt.Errorf("orchestrator: buy: %w", err)
	}

	rcpt, err := o.send(ctx, tx)
	if err != nil {
		return domain.MarketItem{}, fmt.Errorf("orchestrator: buy: %w", err)
	}
	if _, err := findEvent(rcpt, domain.EventItemSold); err != nil {
		return domain.MarketItem{}, fmt.Errorf("orchestrator: buy: %w", err)
	}
	o.log.Info("item sold", "item", itemID, "buyer", from.Hex(), "price", FormatWei(item.Price))
	return o.refreshItem(ctx, itemID)
}

// Cancel withdraws an item from the marketplace. Only the seller may
// cancel, and a terminal item cannot be canceled again.
func (o *Orchestrator) Cancel(ctx context.Context, from, collection common.Address, itemID uint64) (domain.MarketItem, error) {
	tx := chain.Tx{
		From:       from,
		Method:     chain.MethodCancelMarketItem,
		Collection: collection,
		ItemID:     itemID,
	}
	if err := o.preflight(ctx, tx); err != nil {
		return domain.MarketItem{}, fmt.Errorf("orchestrator: cancel: %w", err)
	}

	rcpt, err := o.send(ctx, tx)
	if err != nil {
		return domain.MarketItem{}, fmt.Errorf("orchestrator: cancel: %w", err)
	}
	if _, err := findEvent(rcpt, domain.EventItemCanceled); err != nil {
		return domain.MarketItem{}, fmt.Errorf("orchestrator: cancel: %w", err)
	}
	o.log.Info("item canceled", "item", itemID, "seller", from.Hex())
	return o.refreshItem(ctx, itemID)
}

// UpdateCollectionImage changes a collection's image URI. Deployer only.
func (o *Orchestrator) UpdateCollectionImage(ctx context.Context, from, collection common.Address, uri string) (domain.Collection, error) {
	tx := chain.Tx{
		From:       from,
		Method:     chain.MethodUpdateCollectionImageURI,
		Collection: collection,
		URI:        uri,
	}
	if _, err := o.send(ctx, tx); err != nil {
		return domain.Collection{}, fmt.Errorf("orchestrator: update collection image: %w", err)
	}

	info, err := o.backend.CollectionInfo(collection)
	if err != nil {
		return domain.Collection{}, fmt.Errorf("orchestrator: update collection image: re-read: %w", err)
	}
	if o.collections != nil {
		if cerr := o.collections.Invalidate(ctx, collection.Hex()); cerr != nil {
			o.log.Warn("invalidate collection cache", "addr", collection.Hex(), "err", cerr)
		}
		if cerr := o.collections.Set(ctx, info); cerr != nil {
			o.log.Warn("cache collection", "addr", collection.Hex(), "err", cerr)
		}
	}
	return info, nil
}

// GetItem returns an item by id, serving from cache when possible.
func (o *Orchestrator) GetItem(ctx context.Context, id uint64) (domain.MarketItem, error) {
	if o.items != nil {
		if item, err := o.items.Get(ctx, id); err == nil {
			return item, nil
		}
	}
	item, err := o.backend.ItemByID(id)
	if err != nil {
		return domain.MarketItem{}, err
	}
	o.cacheItem(ctx, item)
	return item, nil
}

// GetItemByKey returns the latest record for (collection, tokenId).
func (o *Orchestrator) GetItemByKey(ctx context.Context, collection common.Address, tokenID *big.Int) (domain.MarketItem, error) {
	key := domain.NewItemKey(collection, tokenID)
	if o.items != nil {
		if item, err := o.items.GetByKey(ctx, key); err == nil {
			return item, nil
		}
	}
	item, ok := o.backend.ItemByCollectionAndToken(collection, tokenID)
	if !ok {
		return domain.MarketItem{}, fmt.Errorf("orchestrator: item %s/%s: %w", key.Collection, key.TokenID, domain.ErrNotFound)
	}
	o.cacheItem(ctx, item)
	return item, nil
}

// ListItems returns every record the registry holds, oldest first.
func (o *Orchestrator) ListItems(ctx context.Context) ([]domain.MarketItem, error) {
	return o.backend.AllItems(), nil
}

// GetCollection returns collection metadata, serving from cache when
// possible.
func (o *Orchestrator) GetCollection(ctx context.Context, addr common.Address) (domain.Collection, error) {
	if o.collections != nil {
		if c, err := o.collections.Get(ctx, addr.Hex()); err == nil {
			return c, nil
		}
	}
	info, err := o.backend.CollectionInfo(addr)
	if err != nil {
		return domain.Collection{}, err
	}
	if o.collections != nil {
		if cerr := o.collections.Set(ctx, info); cerr != nil {
			o.log.Warn("cache collection", "addr", addr.Hex(), "err", cerr)
		}
	}
	return info, nil
}

// ListCollections returns metadata for every deployed collection.
// Collections whose lookup fails are skipped rather than failing the
// whole listing.
func (o *Orchestrator) ListCollections(ctx context.Context) ([]domain.Collection, error) {
	addrs := o.backend.DeployedCollections()
	out := make([]domain.Collection, 0, len(addrs))
	for _, addr := range addrs {
		info, err := o.GetCollection(ctx, addr)
		if err != nil {
			o.log.Warn("collection lookup failed, skipping", "addr", addr.Hex(), "err", err)
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

// TokenURI exposes a token's metadata URI.
func (o *Orchestrator) TokenURI(collection common.Address, tokenID *big.Int) (string, error) {
	return o.backend.TokenURI(collection, tokenID)
}

// Balance returns an account's balance in wei.
func (o *Orchestrator) Balance(addr common.Address) *big.Int {
	return o.backend.BalanceAt(addr)
}

// ensureApproval grants the marketplace transfer rights for the token
// unless it already holds them.
func (o *Orchestrator) ensureApproval(ctx context.Context, from, collection common.Address, tokenID *big.Int) error {
	marketplace := o.backend.MarketplaceAddress()
	approved, err := o.backend.Approved(collection, tokenID)
	if err != nil {
		return err
	}
	if approved == marketplace {
		return nil
	}

	tx := chain.Tx{
		From:       from,
		Method:     chain.MethodApprove,
		Collection: collection,
		TokenID:    tokenID,
		To:         marketplace,
	}
	if _, err := o.send(ctx, tx); err != nil {
		return fmt.Errorf("approve marketplace: %w", err)
	}
	return nil
}

// preflight estimates gas for the transaction and verifies the sender
// can cover value plus gas at current pricing. It fails with the same
// error submission would, so nothing is spent on a doomed transaction.
func (o *Orchestrator) preflight(ctx context.Context, tx chain.Tx) error {
	gas, err := o.backend.EstimateGas(tx)
	if err != nil {
		return err
	}
	feeData := o.backend.SuggestFeeData()
	gasCost := new(big.Int).Mul(new(big.Int).SetUint64(gas), feeData.MaxFeePerGas)

	need := new(big.Int).Set(gasCost)
	if tx.Value != nil {
		need.Add(need, tx.Value)
	}
	if o.backend.BalanceAt(tx.From).Cmp(need) < 0 {
		return fmt.Errorf("%w: need %s wei", domain.ErrInsufficientFunds, need.String())
	}
	return nil
}

// send submits a transaction and waits for its receipt within the
// confirmation window. A receipt that arrives reverted is mapped back
// onto the error the contract raised; one that does not arrive in time
// is reported as ErrPendingConfirmation with the hash attached.
func (o *Orchestrator) send(ctx context.Context, tx chain.Tx) (*chain.Receipt, error) {
	hash, err := o.backend.SubmitTx(ctx, tx)
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, o.confirmTimeout)
	defer cancel()

	rcpt, err := o.backend.WaitForReceipt(waitCtx, hash)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: tx %s", domain.ErrPendingConfirmation, hash.Hex())
		}
		return nil, err
	}
	if rerr := rcpt.Err(); rerr != nil {
		return nil, rerr
	}
	return rcpt, nil
}

// refreshItem re-reads the authoritative record after a confirmed
// write, then invalidates and repopulates the cache.
func (o *Orchestrator) refreshItem(ctx context.Context, id uint64) (domain.MarketItem, error) {
	item, err := o.backend.ItemByID(id)
	if err != nil {
		return domain.MarketItem{}, fmt.Errorf("re-read item %d: %w", id, err)
	}
	if o.items != nil {
		if cerr := o.items.Invalidate(ctx, id); cerr != nil {
			o.log.Warn("invalidate item cache", "item", id, "err", cerr)
		}
	}
	o.cacheItem(ctx, item)
	return item, nil
}

func (o *Orchestrator) cacheItem(ctx context.Context, item domain.MarketItem) {
	if o.items == nil {
		return
	}
	if err := o.items.Set(ctx, item); err != nil {
		o.log.Warn("cache item", "item", item.ID, "err", err)
	}
}

// findEvent decodes the receipt's logs and returns the first event of
// the given kind.
func findEvent(rcpt *chain.Receipt, kind domain.EventKind) (domain.Event, error) {
	for _, l := range rcpt.Logs {
		ev, err := chain.DecodeLog(l)
		if err != nil {
			continue
		}
		if ev.Kind == kind {
			return ev, nil
		}
	}
	return domain.Event{}, fmt.Errorf("no %s event in receipt %s", kind, rcpt.TxHash.Hex())
}
