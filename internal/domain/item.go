// Package domain defines the core marketplace types and the interfaces
// implemented by the storage, cache, and ledger layers.
package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ItemState is the lifecycle state of a market item.
type ItemState string

const (
	ItemStateUnlisted ItemState = "unlisted"
	ItemStateListed   ItemState = "listed"
	ItemStateSold     ItemState = "sold"
	ItemStateCanceled ItemState = "canceled"
)

// MarketItem is one marketplace record tying a token to sale terms and
// status. IDs are assigned sequentially at creation and never reused.
// Price is denominated in wei; it is zero while the item is unlisted.
type MarketItem struct {
	ID         uint64
	Collection common.Address
	TokenID    *big.Int
	Creator    common.Address
	Seller     common.Address
	Owner      common.Address
	Price      *big.Int
	Listed     bool
	Sold       bool
	Canceled   bool
}

// State derives the lifecycle state from the status flags.
func (m MarketItem) State() ItemState {
	switch {
	case m.Sold:
		return ItemStateSold
	case m.Canceled:
		return ItemStateCanceled
	case m.Listed:
		return ItemStateListed
	default:
		return ItemStateUnlisted
	}
}

// Terminal reports whether the item has reached a final state. Terminal
// records are immutable; they persist for history and are never deleted.
func (m MarketItem) Terminal() bool {
	return m.Sold || m.Canceled
}

// Clone returns a deep copy so callers can hand out records without
// exposing the ledger's internal big.Int values to mutation.
func (m MarketItem) Clone() MarketItem {
	c := m
	if m.TokenID != nil {
		c.TokenID = new(big.Int).Set(m.TokenID)
	}
	if m.Price != nil {
		c.Price = new(big.Int).Set(m.Price)
	}
	return c
}

// ItemKey is the composite lookup key for a market item.
type ItemKey struct {
	Collection common.Address
	TokenID    string // decimal string; big.Int is not comparable
}

// NewItemKey builds an ItemKey from a collection address and token id.
func NewItemKey(collection common.Address, tokenID *big.Int) ItemKey {
	return ItemKey{Collection: collection, TokenID: tokenID.String()}
}

// Collection describes a deployed per-collection token contract.
type Collection struct {
	Address  common.Address
	Name     string
	Symbol   string
	ImageURI string
	Deployer common.Address
}
