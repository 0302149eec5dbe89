package registry

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"

	"github.com/galleria-labs/galleria/internal/domain"
)

// ListingFee is the flat fee collected from the seller when an item is
// listed: 0.01 ETH in wei. Payment must match exactly; there is no
// tolerance and no refund of excess.
var ListingFee = big.NewInt(params.Ether / 100)

// TokenBackend is the registry's view of the per-collection token
// contracts. The registry checks custody-transfer rights through it and
// moves tokens on sale, but never grants approvals itself.
type TokenBackend interface {
	OwnerOf(collection common.Address, tokenID *big.Int) (common.Address, error)
	Approved(collection common.Address, tokenID *big.Int) (common.Address, error)
	CreatorOf(collection common.Address, tokenID *big.Int) (common.Address, error)
	TransferFrom(collection common.Address, from, to common.Address, tokenID *big.Int) error
}

// Bank credits proceeds and fees. The surrounding ledger node has already
// debited the transaction value from the caller before the registry runs.
type Bank interface {
	Deposit(to common.Address, amount *big.Int)
}

// Registry is the item lifecycle authority. All mutating operations are
// serialized under one mutex so each transition is atomic: either every
// check passes and the record, custody, and balances move together, or
// nothing changes.
type Registry struct {
	mu           sync.Mutex
	ledger       *Ledger
	tokens       TokenBackend
	bank         Bank
	address      common.Address // the marketplace's own address, approval target
	feeCollector common.Address
	collections  map[common.Address]struct{}
	collectionOrder []common.Address
}

// New creates a Registry backed by the given token contracts and bank.
// Listing fees accumulate to feeCollector.
func New(tokens TokenBackend, bank Bank, address, feeCollector common.Address) *Registry {
	return &Registry{
		ledger:       NewLedger(),
		tokens:       tokens,
		bank:         bank,
		address:      address,
		feeCollector: feeCollector,
		collections:  make(map[common.Address]struct{}),
	}
}

// Address returns the marketplace's own address, the target token owners
// must approve before listing.
func (r *Registry) Address() common.Address {
	return r.address
}

// GetListingFee returns the flat listing fee in wei.
func (r *Registry) GetListingFee() *big.Int {
	return new(big.Int).Set(ListingFee)
}

// CreateUnlisted registers a minted token with the marketplace as an
// unlisted item. The caller must currently own the token.
func (r *Registry) CreateUnlisted(caller, collection common.Address, tokenID *big.Int) (domain.MarketItem, domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.validateCreateUnlisted(caller, collection, tokenID); err != nil {
		return domain.MarketItem{}, domain.Event{}, err
	}

	creator, err := r.tokens.CreatorOf(collection, tokenID)
	if err != nil {
		return domain.MarketItem{}, domain.Event{}, fmt.Errorf("registry: creator of %s/%s: %w", collection.Hex(), tokenID, err)
	}

	id, err := r.ledger.Create(collection, tokenID, creator, caller, caller)
	if err != nil {
		return domain.MarketItem{}, domain.Event{}, err
	}

	if _, seen := r.collections[collection]; !seen {
		r.collections[collection] = struct{}{}
		r.collectionOrder = append(r.collectionOrder, collection)
	}

	item, _ := r.ledger.Get(id)
	return item, domain.Event{
		Kind:       domain.EventItemCreated,
		ItemID:     id,
		Collection: collection,
		TokenID:    new(big.Int).Set(tokenID),
		Creator:    creator,
		Seller:     caller,
		Owner:      caller,
		Price:      new(big.Int),
	}, nil
}

// ListItem moves an unlisted item to Listed at the given price. The caller
// must be the item's seller, payment must equal the listing fee exactly,
// and the marketplace must hold transfer approval for the token.
func (r *Registry) ListItem(caller common.Address, id uint64, price, payment *big.Int) (domain.MarketItem, domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.validateList(caller, id, price, payment); err != nil {
		return domain.MarketItem{}, domain.Event{}, err
	}

	err := r.ledger.mutate(id, func(m *domain.MarketItem) error {
		m.Price = new(big.Int).Set(price)
		m.Listed = true
		return nil
	})
	if err != nil {
		return domain.MarketItem{}, domain.Event{}, err
	}

	r.bank.Deposit(r.feeCollector, payment)

	item, _ := r.ledger.Get(id)
	return item, domain.Event{
		Kind:       domain.EventItemListed,
		ItemID:     id,
		Collection: item.Collection,
		TokenID:    item.TokenID,
		Seller:     item.Seller,
		Owner:      item.Owner,
		Price:      item.Price,
	}, nil
}

// Buy completes a sale. Payment must equal the listed price exactly; the
// buyer must not be the seller. On success custody transfers to the buyer,
// the prior seller is credited the full price, and the record becomes
// terminal (Sold).
func (r *Registry) Buy(caller, collection common.Address, id uint64, payment *big.Int) (domain.MarketItem, domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.validateBuy(caller, collection, id, payment); err != nil {
		return domain.MarketItem{}, domain.Event{}, err
	}

	before, _ := r.ledger.Get(id)
	prevSeller := before.Seller

	// Custody moves first; a failed transfer aborts the sale untouched.
	if err := r.tokens.TransferFrom(collection, before.Owner, caller, before.TokenID); err != nil {
		return domain.MarketItem{}, domain.Event{}, err
	}

	err := r.ledger.mutate(id, func(m *domain.MarketItem) error {
		m.Seller = caller
		m.Owner = caller
		m.Sold = true
		m.Listed = false
		return nil
	})
	if err != nil {
		return domain.MarketItem{}, domain.Event{}, err
	}

	r.bank.Deposit(prevSeller, payment)

	item, _ := r.ledger.Get(id)
	return item, domain.Event{
		Kind:       domain.EventItemSold,
		ItemID:     id,
		Collection: item.Collection,
		TokenID:    item.TokenID,
		Seller:     prevSeller,
		Owner:      caller,
		Price:      item.Price,
	}, nil
}

// Cancel withdraws an item from the marketplace. The caller must be the
// seller. Cancel is the sole de-listing entry point and is terminal: a
// canceled item cannot be re-listed under the same record, and a second
// cancel fails with ErrInvalidState without mutating anything.
func (r *Registry) Cancel(caller, collection common.Address, id uint64) (domain.MarketItem, domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.validateCancel(caller, collection, id); err != nil {
		return domain.MarketItem{}, domain.Event{}, err
	}

	err := r.ledger.mutate(id, func(m *domain.MarketItem) error {
		m.Canceled = true
		m.Listed = false
		m.Price = new(big.Int)
		return nil
	})
	if err != nil {
		return domain.MarketItem{}, domain.Event{}, err
	}

	item, _ := r.ledger.Get(id)
	return item, domain.Event{
		Kind:       domain.EventItemCanceled,
		ItemID:     id,
		Collection: item.Collection,
		TokenID:    item.TokenID,
		Seller:     item.Seller,
		Owner:      item.Owner,
		Price:      new(big.Int),
	}, nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// Get returns the item with the given marketplace id.
func (r *Registry) Get(id uint64) (domain.MarketItem, error) {
	return r.ledger.Get(id)
}

// FindByCollectionAndToken returns the latest item for the pair.
func (r *Registry) FindByCollectionAndToken(collection common.Address, tokenID *big.Int) (domain.MarketItem, bool) {
	return r.ledger.FindByCollectionAndToken(domain.NewItemKey(collection, tokenID))
}

// All returns every market item ever created, ordered by id.
func (r *Registry) All() []domain.MarketItem {
	return r.ledger.All()
}

// ContractAddresses returns every collection address that has registered
// at least one market item, in first-seen order.
func (r *Registry) ContractAddresses() []common.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]common.Address, len(r.collectionOrder))
	copy(out, r.collectionOrder)
	return out
}

// ---------------------------------------------------------------------------
// Validation. Shared by the mutating operations and by the ledger node's
// dry-run gas estimation, which must fail exactly the way submission would.
// ---------------------------------------------------------------------------

// ValidateCreateUnlisted checks createUnlistedMarketItem preconditions
// without mutating state.
func (r *Registry) ValidateCreateUnlisted(caller, collection common.Address, tokenID *big.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.validateCreateUnlisted(caller, collection, tokenID)
}

// ValidateList checks listMarketItem preconditions without mutating state.
func (r *Registry) ValidateList(caller common.Address, id uint64, price, payment *big.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.validateList(caller, id, price, payment)
}

// ValidateBuy checks createMarketSale preconditions without mutating state.
func (r *Registry) ValidateBuy(caller, collection common.Address, id uint64, payment *big.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.validateBuy(caller, collection, id, payment)
}

// ValidateCancel checks cancelMarketItem preconditions without mutating
// state.
func (r *Registry) ValidateCancel(caller, collection common.Address, id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.validateCancel(caller, collection, id)
}

func (r *Registry) validateCreateUnlisted(caller, collection common.Address, tokenID *big.Int) error {
	owner, err := r.tokens.OwnerOf(collection, tokenID)
	if err != nil {
		return err
	}
	if owner != caller {
		return domain.ErrUnauthorized
	}
	key := domain.NewItemKey(collection, tokenID)
	if existing, ok := r.ledger.FindByCollectionAndToken(key); ok && !existing.Terminal() {
		return domain.ErrAlreadyExists
	}
	return nil
}

func (r *Registry) validateList(caller common.Address, id uint64, price, payment *big.Int) error {
	item, err := r.ledger.Get(id)
	if err != nil {
		return err
	}
	if item.Listed || item.Terminal() {
		return domain.ErrInvalidState
	}
	if item.Seller != caller {
		return domain.ErrUnauthorized
	}
	if price == nil || price.Sign() <= 0 {
		return domain.ErrInvalidPrice
	}
	if payment == nil || payment.Cmp(ListingFee) != 0 {
		return domain.ErrInvalidFee
	}
	approved, err := r.tokens.Approved(item.Collection, item.TokenID)
	if err != nil {
		return err
	}
	if approved != r.address {
		return domain.ErrNotApproved
	}
	return nil
}

func (r *Registry) validateBuy(caller, collection common.Address, id uint64, payment *big.Int) error {
	item, err := r.ledger.Get(id)
	if err != nil {
		return err
	}
	if item.Collection != collection {
		return domain.ErrNotFound
	}
	if !item.Listed || item.Terminal() {
		return domain.ErrInvalidState
	}
	if caller == item.Seller {
		return domain.ErrSelfTrade
	}
	if payment == nil || payment.Cmp(item.Price) != 0 {
		return domain.ErrInvalidPayment
	}
	approved, err := r.tokens.Approved(item.Collection, item.TokenID)
	if err != nil {
		return err
	}
	if approved != r.address {
		return domain.ErrNotApproved
	}
	return nil
}

func (r *Registry) validateCancel(caller, collection common.Address, id uint64) error {
	item, err := r.ledger.Get(id)
	if err != nil {
		return err
	}
	if item.Collection != collection {
		return domain.ErrNotFound
	}
	if item.Terminal() {
		return domain.ErrInvalidState
	}
	if item.Seller != caller {
		return domain.ErrUnauthorized
	}
	return nil
}
