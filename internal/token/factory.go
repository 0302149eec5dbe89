package token

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/galleria-labs/galleria/internal/domain"
)

// Factory deploys collection contracts and tracks every deployment. New
// contract addresses are derived the way the EVM derives CREATE addresses,
// from the deployer address and a per-deployer nonce.
type Factory struct {
	mu          sync.RWMutex
	marketplace common.Address
	byAddr      map[common.Address]*Collection
	order       []common.Address
	nonces      map[common.Address]uint64
}

// NewFactory creates a Factory whose collections recognize the given
// marketplace address as a transfer operator once approved.
func NewFactory(marketplace common.Address) *Factory {
	return &Factory{
		marketplace: marketplace,
		byAddr:      make(map[common.Address]*Collection),
		nonces:      make(map[common.Address]uint64),
	}
}

// Deploy creates a new collection contract owned by deployer and records
// it in the deployment list.
func (f *Factory) Deploy(deployer common.Address, name, symbol, imageURI string) (*Collection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	nonce := f.nonces[deployer]
	f.nonces[deployer] = nonce + 1

	addr := ethcrypto.CreateAddress(deployer, nonce)
	if _, exists := f.byAddr[addr]; exists {
		return nil, domain.ErrAlreadyExists
	}

	c := newCollection(addr, deployer, f.marketplace, name, symbol, imageURI)
	f.byAddr[addr] = c
	f.order = append(f.order, addr)
	return c, nil
}

// Get returns the deployed collection at the given address.
func (f *Factory) Get(addr common.Address) (*Collection, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	c, ok := f.byAddr[addr]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c, nil
}

// Deployed returns every deployed collection address in deployment order.
func (f *Factory) Deployed() []common.Address {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]common.Address, len(f.order))
	copy(out, f.order)
	return out
}

// ---------------------------------------------------------------------------
// registry.TokenBackend: the marketplace acts as the transfer operator.
// ---------------------------------------------------------------------------

// OwnerOf implements registry.TokenBackend.
func (f *Factory) OwnerOf(collection common.Address, tokenID *big.Int) (common.Address, error) {
	c, err := f.Get(collection)
	if err != nil {
		return common.Address{}, err
	}
	return c.OwnerOf(tokenID)
}

// Approved implements registry.TokenBackend.
func (f *Factory) Approved(collection common.Address, tokenID *big.Int) (common.Address, error) {
	c, err := f.Get(collection)
	if err != nil {
		return common.Address{}, err
	}
	return c.Approved(tokenID)
}

// CreatorOf implements registry.TokenBackend.
func (f *Factory) CreatorOf(collection common.Address, tokenID *big.Int) (common.Address, error) {
	c, err := f.Get(collection)
	if err != nil {
		return common.Address{}, err
	}
	return c.CreatorOf(tokenID)
}

// TransferFrom implements registry.TokenBackend. The marketplace is the
// operator; the underlying collection enforces the approval.
func (f *Factory) TransferFrom(collection common.Address, from, to common.Address, tokenID *big.Int) error {
	c, err := f.Get(collection)
	if err != nil {
		return err
	}
	return c.TransferFrom(f.marketplace, from, to, tokenID)
}
