// Package indexer consumes marketplace logs from the ledger node and
// maintains the persisted read model: item rows, collection metadata,
// activity history, caches, and fan-out signals.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/galleria-labs/galleria/internal/chain"
	"github.com/galleria-labs/galleria/internal/domain"
	"github.com/galleria-labs/galleria/internal/notify"
	"github.com/galleria-labs/galleria/internal/orchestrator"
)

// leaderLockKey guards against two indexer instances double-writing the
// read model.
const leaderLockKey = "indexer:leader"

const leaderLockTTL = 5 * time.Minute

// Options tunes indexer behavior.
type Options struct {
	// CatchupBatch bounds how many blocks are scanned per catch-up pass.
	CatchupBatch int
	// FlushInterval is how often buffered activity rows are written out.
	FlushInterval time.Duration
}

// Indexer tails the node's log stream and keeps the stores and caches
// consistent with the ledger.
type Indexer struct {
	node        *chain.Node
	items       domain.ItemStore
	collections domain.CollectionStore
	activities  domain.ActivityStore
	itemCache   domain.ItemCache
	collCache   domain.CollectionCache
	bus         domain.SignalBus
	locks       domain.LockManager
	notifier    *notify.Notifier
	log         *slog.Logger

	flushInterval time.Duration
	catchupBatch  int
	pending       []domain.Activity
	pendingBlock  uint64
}

// New creates an Indexer. The cache, bus, lock manager, and notifier are
// optional; a nil value disables that concern.
func New(
	node *chain.Node,
	items domain.ItemStore,
	collections domain.CollectionStore,
	activities domain.ActivityStore,
	itemCache domain.ItemCache,
	collCache domain.CollectionCache,
	bus domain.SignalBus,
	locks domain.LockManager,
	notifier *notify.Notifier,
	logger *slog.Logger,
	opts Options,
) *Indexer {
	flush := opts.FlushInterval
	if flush <= 0 {
		flush = 2 * time.Second
	}
	batch := opts.CatchupBatch
	if batch <= 0 {
		batch = 500
	}
	return &Indexer{
		node:          node,
		items:         items,
		collections:   collections,
		activities:    activities,
		itemCache:     itemCache,
		collCache:     collCache,
		bus:           bus,
		locks:         locks,
		notifier:      notifier,
		log:           logger.With("component", "indexer"),
		flushInterval: flush,
		catchupBatch:  batch,
	}
}

// Run acquires indexer leadership, replays any logs missed since the
// last checkpoint, and then tails the live subscription until ctx is
// done.
func (ix *Indexer) Run(ctx context.Context) error {
	if ix.locks != nil {
		unlock, err := ix.locks.Acquire(ctx, leaderLockKey, leaderLockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				return fmt.Errorf("indexer: another instance holds the leader lock")
			}
			return fmt.Errorf("indexer: acquire leader lock: %w", err)
		}
		defer unlock()
	}

	// Subscribe before catching up so no log is lost between the two.
	// Duplicates from the overlap are absorbed by idempotent upserts.
	live := ix.node.SubscribeLogs(ctx)

	checkpoint, err := ix.activities.LastIndexedBlock(ctx)
	if err != nil {
		return fmt.Errorf("indexer: read checkpoint: %w", err)
	}
	head := ix.node.BlockNumber()
	if head > checkpoint {
		batch := uint64(ix.catchupBatch)
		for from := checkpoint + 1; from <= head; from += batch {
			to := from + batch - 1
			if to > head {
				to = head
			}
			logs := ix.node.FilterLogs(from, to)
			ix.log.Info("catching up", "from", from, "to", to, "logs", len(logs))
			for _, l := range logs {
				ix.handleLog(ctx, l)
			}
			if err := ix.flush(ctx); err != nil {
				return err
			}
		}
	}

	ticker := time.NewTicker(ix.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := ix.flush(flushCtx); err != nil {
				ix.log.Error("final flush", "err", err)
			}
			return ctx.Err()
		case l, ok := <-live:
			if !ok {
				return ix.flush(context.Background())
			}
			ix.handleLog(ctx, l)
		case <-ticker.C:
			if err := ix.flush(ctx); err != nil {
				ix.log.Error("flush activities", "err", err)
			}
		}
	}
}

// handleLog decodes one log and applies it to the read model. Decode
// failures are logged and skipped; a malformed log must not wedge the
// stream.
func (ix *Indexer) handleLog(ctx context.Context, l ethtypes.Log) {
	ev, err := chain.DecodeLog(l)
	if err != nil {
		ix.log.Warn("skip undecodable log", "block", l.BlockNumber, "err", err)
		return
	}

	switch ev.Kind {
	case domain.EventCollectionCreated:
		ix.applyCollection(ctx, ev)
	case domain.EventTokenMinted:
		// History only; minting does not touch the item view.
	case domain.EventItemCreated, domain.EventItemListed, domain.EventItemSold, domain.EventItemCanceled:
		ix.applyItem(ctx, ev)
	default:
		ix.log.Warn("skip unknown event kind", "kind", string(ev.Kind))
		return
	}

	ix.pending = append(ix.pending, activityFromEvent(ev))
	if ev.BlockNumber > ix.pendingBlock {
		ix.pendingBlock = ev.BlockNumber
	}

	ix.publish(ctx, ev)
	ix.notify(ctx, ev)
}

func (ix *Indexer) applyCollection(ctx context.Context, ev domain.Event) {
	// The event carries name and symbol; the image URI needs a contract
	// read.
	info, err := ix.node.CollectionInfo(ev.Collection)
	if err != nil {
		info = domain.Collection{
			Address:  ev.Collection,
			Name:     ev.Name,
			Symbol:   ev.Symbol,
			Deployer: ev.Creator,
		}
	}
	if err := ix.collections.Upsert(ctx, info); err != nil {
		ix.log.Error("upsert collection", "addr", ev.Collection.Hex(), "err", err)
		return
	}
	if ix.collCache != nil {
		if err := ix.collCache.Invalidate(ctx, ev.Collection.Hex()); err != nil {
			ix.log.Warn("invalidate collection cache", "addr", ev.Collection.Hex(), "err", err)
		}
		if err := ix.collCache.Set(ctx, info); err != nil {
			ix.log.Warn("cache collection", "addr", ev.Collection.Hex(), "err", err)
		}
	}
}

func (ix *Indexer) applyItem(ctx context.Context, ev domain.Event) {
	// Events carry enough to rebuild the record, but the ledger is the
	// authority; re-read it.
	item, err := ix.node.ItemByID(ev.ItemID)
	if err != nil {
		ix.log.Error("re-read item", "item", ev.ItemID, "err", err)
		return
	}
	if err := ix.items.Upsert(ctx, item, ev.BlockNumber); err != nil {
		ix.log.Error("upsert item", "item", ev.ItemID, "err", err)
		return
	}
	if ix.itemCache != nil {
		if err := ix.itemCache.Invalidate(ctx, item.ID); err != nil {
			ix.log.Warn("invalidate item cache", "item", item.ID, "err", err)
		}
		if err := ix.itemCache.Set(ctx, item); err != nil {
			ix.log.Warn("cache item", "item", item.ID, "err", err)
		}
	}
}

// publish fans the event out on the signal bus, both as an ephemeral
// pub/sub message and on the durable stream.
func (ix *Indexer) publish(ctx context.Context, ev domain.Event) {
	if ix.bus == nil {
		return
	}
	payload, err := json.Marshal(busEvent(ev))
	if err != nil {
		ix.log.Error("marshal bus event", "kind", string(ev.Kind), "err", err)
		return
	}

	channel := domain.ChannelItems
	switch ev.Kind {
	case domain.EventItemSold:
		channel = domain.ChannelSales
	case domain.EventCollectionCreated:
		channel = domain.ChannelCollections
	}

	if err := ix.bus.Publish(ctx, channel, payload); err != nil {
		ix.log.Warn("publish event", "channel", channel, "err", err)
	}
	if err := ix.bus.StreamAppend(ctx, domain.StreamName(channel), payload); err != nil {
		ix.log.Warn("stream append", "channel", channel, "err", err)
	}
}

func (ix *Indexer) notify(ctx context.Context, ev domain.Event) {
	if ix.notifier == nil {
		return
	}
	switch ev.Kind {
	case domain.EventItemSold:
		title := fmt.Sprintf("Item #%d sold", ev.ItemID)
		msg := fmt.Sprintf("Token %s in %s sold for %s ETH to %s",
			ev.TokenID, ev.Collection.Hex(), orchestrator.FormatWei(ev.Price), ev.Owner.Hex())
		if err := ix.notifier.Notify(ctx, "item_sold", title, msg); err != nil {
			ix.log.Warn("notify sale", "item", ev.ItemID, "err", err)
		}
	case domain.EventItemListed:
		title := fmt.Sprintf("Item #%d listed", ev.ItemID)
		msg := fmt.Sprintf("Token %s in %s listed at %s ETH",
			ev.TokenID, ev.Collection.Hex(), orchestrator.FormatWei(ev.Price))
		if err := ix.notifier.Notify(ctx, "item_listed", title, msg); err != nil {
			ix.log.Warn("notify listing", "item", ev.ItemID, "err", err)
		}
	}
}

// flush persists buffered activity rows and advances the checkpoint.
func (ix *Indexer) flush(ctx context.Context) error {
	if len(ix.pending) == 0 {
		return nil
	}
	if err := ix.activities.InsertBatch(ctx, ix.pending); err != nil {
		return fmt.Errorf("indexer: insert activities: %w", err)
	}
	if err := ix.activities.SetLastIndexedBlock(ctx, ix.pendingBlock); err != nil {
		return fmt.Errorf("indexer: set checkpoint: %w", err)
	}
	ix.log.Debug("flushed activities", "rows", len(ix.pending), "checkpoint", ix.pendingBlock)
	ix.pending = ix.pending[:0]
	return nil
}

// activityFromEvent converts a decoded event into its history row.
func activityFromEvent(ev domain.Event) domain.Activity {
	a := domain.Activity{
		Kind:        ev.Kind,
		ItemID:      ev.ItemID,
		Collection:  ev.Collection,
		From:        ev.Seller,
		To:          ev.Owner,
		TxHash:      ev.TxHash,
		BlockNumber: ev.BlockNumber,
		CreatedAt:   time.Now().UTC(),
		Price:       "0",
	}
	if ev.TokenID != nil {
		a.TokenID = ev.TokenID.String()
	}
	if ev.Price != nil {
		a.Price = ev.Price.String()
	}
	switch ev.Kind {
	case domain.EventCollectionCreated:
		a.From = ev.Creator
	case domain.EventTokenMinted:
		a.From = ev.Creator
		a.To = ev.Creator
	case domain.EventItemCreated:
		a.From = ev.Creator
		a.To = ev.Owner
	}
	return a
}

// wireEvent is the JSON shape published on the signal bus and relayed
// to websocket clients.
type wireEvent struct {
	Kind        string `json:"kind"`
	ItemID      uint64 `json:"item_id"`
	Collection  string `json:"collection"`
	TokenID     string `json:"token_id,omitempty"`
	Seller      string `json:"seller,omitempty"`
	Owner       string `json:"owner,omitempty"`
	Price       string `json:"price,omitempty"`
	Name        string `json:"name,omitempty"`
	Symbol      string `json:"symbol,omitempty"`
	BlockNumber uint64 `json:"block_number"`
	TxHash      string `json:"tx_hash"`
}

func busEvent(ev domain.Event) wireEvent {
	w := wireEvent{
		Kind:        string(ev.Kind),
		ItemID:      ev.ItemID,
		Collection:  ev.Collection.Hex(),
		Seller:      ev.Seller.Hex(),
		Owner:       ev.Owner.Hex(),
		Name:        ev.Name,
		Symbol:      ev.Symbol,
		BlockNumber: ev.BlockNumber,
		TxHash:      ev.TxHash.Hex(),
	}
	if ev.TokenID != nil {
		w.TokenID = ev.TokenID.String()
	}
	if ev.Price != nil {
		w.Price = ev.Price.String()
	}
	return w
}
