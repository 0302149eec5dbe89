package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind identifies a marketplace state-transition event.
type EventKind string

const (
	EventItemCreated       EventKind = "MarketItemCreated"
	EventItemListed        EventKind = "MarketItemListed"
	EventItemSold          EventKind = "MarketItemSold"
	EventItemCanceled      EventKind = "MarketItemCanceled"
	EventCollectionCreated EventKind = "CollectionCreated"
	EventTokenMinted       EventKind = "TokenMinted"
)

// Signal bus channels the indexer publishes on and the WS hub bridges.
const (
	ChannelItems       = "items"
	ChannelSales       = "sales"
	ChannelCollections = "collections"
)

// StreamName returns the durable stream key backing a pub/sub channel.
// The indexer appends every published event there so consumers that
// missed the ephemeral message can read it back.
func StreamName(channel string) string {
	return "stream:" + channel
}

// Event is a decoded marketplace event. Every transition carries enough
// fields to reconstruct the resulting record, though consumers re-read the
// authoritative state anyway.
type Event struct {
	Kind        EventKind
	ItemID      uint64
	Collection  common.Address
	TokenID     *big.Int
	Creator     common.Address
	Seller      common.Address
	Owner       common.Address
	Price       *big.Int
	Name        string // CollectionCreated only
	Symbol      string // CollectionCreated only
	URI         string // TokenMinted only
	BlockNumber uint64
	TxHash      common.Hash
}

// Activity is one persisted row of marketplace history, derived from an
// Event by the indexer. Terminal records are kept for audit; old rows are
// archived to blob storage and pruned.
type Activity struct {
	ID          int64
	Kind        EventKind
	ItemID      uint64
	Collection  common.Address
	TokenID     string
	From        common.Address
	To          common.Address
	Price       string // wei, decimal string
	TxHash      common.Hash
	BlockNumber uint64
	CreatedAt   time.Time
}
