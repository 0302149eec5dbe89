// Package registry implements the marketplace registry: the durable record
// store for market items and the lifecycle authority that enforces the
// Unlisted -> Listed -> {Sold, Canceled} state machine.
package registry

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/galleria-labs/galleria/internal/domain"
)

// Ledger is the append-mostly record store for market items. Records are
// addressable by sequential id and by composite (collection, tokenId) key.
// The composite index always points at the latest record for a pair, so a
// new record may be created for a pair once its predecessor is terminal.
type Ledger struct {
	mu      sync.RWMutex
	records []*domain.MarketItem
	byKey   map[domain.ItemKey]uint64
}

// NewLedger creates an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{
		byKey: make(map[domain.ItemKey]uint64),
	}
}

// Create appends a new record in the Unlisted state and returns its id.
// It fails with domain.ErrAlreadyExists when a non-terminal record already
// exists for the (collection, tokenId) pair.
func (l *Ledger) Create(collection common.Address, tokenID *big.Int, creator, seller, owner common.Address) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := domain.NewItemKey(collection, tokenID)
	if prev, ok := l.byKey[key]; ok {
		if !l.records[prev].Terminal() {
			return 0, domain.ErrAlreadyExists
		}
	}

	id := uint64(len(l.records))
	item := &domain.MarketItem{
		ID:         id,
		Collection: collection,
		TokenID:    new(big.Int).Set(tokenID),
		Creator:    creator,
		Seller:     seller,
		Owner:      owner,
		Price:      new(big.Int),
	}
	l.records = append(l.records, item)
	l.byKey[key] = id
	return id, nil
}

// Get returns a copy of the record with the given id.
func (l *Ledger) Get(id uint64) (domain.MarketItem, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if id >= uint64(len(l.records)) {
		return domain.MarketItem{}, domain.ErrNotFound
	}
	return l.records[id].Clone(), nil
}

// FindByCollectionAndToken returns the latest record for the pair, if any.
// Earlier terminal records superseded by a re-listing are not returned;
// they remain reachable by id for history.
func (l *Ledger) FindByCollectionAndToken(key domain.ItemKey) (domain.MarketItem, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	id, ok := l.byKey[key]
	if !ok {
		return domain.MarketItem{}, false
	}
	return l.records[id].Clone(), true
}

// All returns a snapshot of every record, ordered by creation id.
func (l *Ledger) All() []domain.MarketItem {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]domain.MarketItem, len(l.records))
	for i, r := range l.records {
		out[i] = r.Clone()
	}
	return out
}

// Len returns the number of records ever created.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// mutate applies fn to the record with the given id under the write lock.
// fn operates on the live record; returning an error leaves it unchanged
// only if fn itself did not mutate before failing, so fn must validate
// before writing.
func (l *Ledger) mutate(id uint64, fn func(*domain.MarketItem) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id >= uint64(len(l.records)) {
		return domain.ErrNotFound
	}
	return fn(l.records[id])
}
