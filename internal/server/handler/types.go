package handler

import (
	"time"

	"github.com/galleria-labs/galleria/internal/domain"
	"github.com/galleria-labs/galleria/internal/metadata"
	"github.com/galleria-labs/galleria/internal/orchestrator"
)

// itemJSON is the wire form of a market item. Prices are decimal strings
// in both wei and ether so clients never touch float math.
type itemJSON struct {
	ID         uint64                  `json:"id"`
	Collection string                  `json:"collection"`
	TokenID    string                  `json:"token_id"`
	Creator    string                  `json:"creator"`
	Seller     string                  `json:"seller"`
	Owner      string                  `json:"owner"`
	PriceWei   string                  `json:"price_wei"`
	PriceEth   string                  `json:"price_eth"`
	State      string                  `json:"state"`
	Listed     bool                    `json:"listed"`
	Sold       bool                    `json:"sold"`
	Canceled   bool                    `json:"canceled"`
	TokenURI   string                  `json:"token_uri,omitempty"`
	Metadata   *metadata.TokenMetadata `json:"metadata,omitempty"`
}

func itemToJSON(m domain.MarketItem) itemJSON {
	out := itemJSON{
		ID:         m.ID,
		Collection: m.Collection.Hex(),
		TokenID:    m.TokenID.String(),
		Creator:    m.Creator.Hex(),
		Seller:     m.Seller.Hex(),
		Owner:      m.Owner.Hex(),
		PriceWei:   "0",
		PriceEth:   "0",
		State:      string(m.State()),
		Listed:     m.Listed,
		Sold:       m.Sold,
		Canceled:   m.Canceled,
	}
	if m.Price != nil {
		out.PriceWei = m.Price.String()
		out.PriceEth = orchestrator.FormatWei(m.Price)
	}
	return out
}

func itemsToJSON(items []domain.MarketItem) []itemJSON {
	out := make([]itemJSON, 0, len(items))
	for _, m := range items {
		out = append(out, itemToJSON(m))
	}
	return out
}

// collectionJSON is the wire form of a deployed collection.
type collectionJSON struct {
	Address  string `json:"address"`
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	ImageURI string `json:"image_uri"`
	Deployer string `json:"deployer"`
}

func collectionToJSON(c domain.Collection) collectionJSON {
	return collectionJSON{
		Address:  c.Address.Hex(),
		Name:     c.Name,
		Symbol:   c.Symbol,
		ImageURI: c.ImageURI,
		Deployer: c.Deployer.Hex(),
	}
}

// activityJSON is the wire form of one history row.
type activityJSON struct {
	Kind        string    `json:"kind"`
	ItemID      uint64    `json:"item_id"`
	Collection  string    `json:"collection"`
	TokenID     string    `json:"token_id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	PriceWei    string    `json:"price_wei"`
	TxHash      string    `json:"tx_hash"`
	BlockNumber uint64    `json:"block_number"`
	CreatedAt   time.Time `json:"created_at"`
}

func activityToJSON(a domain.Activity) activityJSON {
	return activityJSON{
		Kind:        string(a.Kind),
		ItemID:      a.ItemID,
		Collection:  a.Collection.Hex(),
		TokenID:     a.TokenID,
		From:        a.From.Hex(),
		To:          a.To.Hex(),
		PriceWei:    a.Price,
		TxHash:      a.TxHash.Hex(),
		BlockNumber: a.BlockNumber,
		CreatedAt:   a.CreatedAt,
	}
}
