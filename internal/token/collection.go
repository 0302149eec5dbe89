// Package token implements the per-collection NFT contracts and the
// factory that deploys and tracks them.
package token

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/galleria-labs/galleria/internal/domain"
)

// Collection is one deployed token contract: a name/symbol pair grouping
// minted tokens, with per-token ownership, creator, metadata URI, and a
// single-address approval slot granting custody-transfer rights.
type Collection struct {
	mu          sync.RWMutex
	address     common.Address
	name        string
	symbol      string
	imageURI    string
	deployer    common.Address
	marketplace common.Address
	lastTokenID *big.Int

	owners    map[string]common.Address
	creators  map[string]common.Address
	uris      map[string]string
	approvals map[string]common.Address
}

func newCollection(address, deployer, marketplace common.Address, name, symbol, imageURI string) *Collection {
	return &Collection{
		address:     address,
		name:        name,
		symbol:      symbol,
		imageURI:    imageURI,
		deployer:    deployer,
		marketplace: marketplace,
		lastTokenID: new(big.Int),
		owners:      make(map[string]common.Address),
		creators:    make(map[string]common.Address),
		uris:        make(map[string]string),
		approvals:   make(map[string]common.Address),
	}
}

// Address returns the collection's contract address.
func (c *Collection) Address() common.Address { return c.address }

// Info returns the collection metadata snapshot.
func (c *Collection) Info() domain.Collection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return domain.Collection{
		Address:  c.address,
		Name:     c.name,
		Symbol:   c.symbol,
		ImageURI: c.imageURI,
		Deployer: c.deployer,
	}
}

// Mint creates a new token with the given metadata URI and assigns it to
// the caller. Token ids are sequential starting at 1.
func (c *Collection) Mint(caller common.Address, uri string) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastTokenID = new(big.Int).Add(c.lastTokenID, big.NewInt(1))
	id := c.lastTokenID.String()
	c.owners[id] = caller
	c.creators[id] = caller
	c.uris[id] = uri
	return new(big.Int).Set(c.lastTokenID), nil
}

// LastTokenID returns the most recently minted token id, zero if none.
func (c *Collection) LastTokenID() *big.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return new(big.Int).Set(c.lastTokenID)
}

// Approve grants `to` the right to transfer the token. Only the current
// owner may approve; approval is cleared on transfer.
func (c *Collection) Approve(caller, to common.Address, tokenID *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := tokenID.String()
	owner, ok := c.owners[id]
	if !ok {
		return domain.ErrNotFound
	}
	if owner != caller {
		return domain.ErrUnauthorized
	}
	c.approvals[id] = to
	return nil
}

// OwnerOf returns the current owner of the token.
func (c *Collection) OwnerOf(tokenID *big.Int) (common.Address, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	owner, ok := c.owners[tokenID.String()]
	if !ok {
		return common.Address{}, domain.ErrNotFound
	}
	return owner, nil
}

// CreatorOf returns the address that minted the token.
func (c *Collection) CreatorOf(tokenID *big.Int) (common.Address, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	creator, ok := c.creators[tokenID.String()]
	if !ok {
		return common.Address{}, domain.ErrNotFound
	}
	return creator, nil
}

// Approved returns the address currently approved for the token, the zero
// address if none.
func (c *Collection) Approved(tokenID *big.Int) (common.Address, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.owners[tokenID.String()]; !ok {
		return common.Address{}, domain.ErrNotFound
	}
	return c.approvals[tokenID.String()], nil
}

// TokenURI returns the metadata URI of the token.
func (c *Collection) TokenURI(tokenID *big.Int) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	uri, ok := c.uris[tokenID.String()]
	if !ok {
		return "", domain.ErrNotFound
	}
	return uri, nil
}

// TransferFrom moves the token from `from` to `to` on behalf of
// `operator`. The operator must be the owner or hold approval. Approval
// is cleared by the transfer.
func (c *Collection) TransferFrom(operator, from, to common.Address, tokenID *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := tokenID.String()
	owner, ok := c.owners[id]
	if !ok {
		return domain.ErrNotFound
	}
	if owner != from {
		return domain.ErrUnauthorized
	}
	if operator != owner && c.approvals[id] != operator {
		return domain.ErrNotApproved
	}
	c.owners[id] = to
	delete(c.approvals, id)
	return nil
}

// SetImageURI updates the collection image. Deployer-only.
func (c *Collection) SetImageURI(caller common.Address, uri string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if caller != c.deployer {
		return domain.ErrUnauthorized
	}
	c.imageURI = uri
	return nil
}
