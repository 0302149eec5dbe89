package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/galleria-labs/galleria/internal/domain"
)

// marketplaceABI declares every event the marketplace and factory emit.
// Topic signatures are derived from it; consumers decode receipt logs
// against the same ABI.
const marketplaceABI = `[
  {"anonymous":false,"inputs":[{"indexed":true,"internalType":"uint256","name":"marketItemId","type":"uint256"},{"indexed":true,"internalType":"address","name":"nftContractAddress","type":"address"},{"indexed":true,"internalType":"uint256","name":"tokenId","type":"uint256"},{"indexed":false,"internalType":"address","name":"creator","type":"address"},{"indexed":false,"internalType":"address","name":"seller","type":"address"},{"indexed":false,"internalType":"address","name":"owner","type":"address"}],"name":"MarketItemCreated","type":"event"},
  {"anonymous":false,"inputs":[{"indexed":true,"internalType":"uint256","name":"marketItemId","type":"uint256"},{"indexed":true,"internalType":"address","name":"nftContractAddress","type":"address"},{"indexed":true,"internalType":"uint256","name":"tokenId","type":"uint256"},{"indexed":false,"internalType":"address","name":"seller","type":"address"},{"indexed":false,"internalType":"uint256","name":"price","type":"uint256"}],"name":"MarketItemListed","type":"event"},
  {"anonymous":false,"inputs":[{"indexed":true,"internalType":"uint256","name":"marketItemId","type":"uint256"},{"indexed":true,"internalType":"address","name":"nftContractAddress","type":"address"},{"indexed":true,"internalType":"uint256","name":"tokenId","type":"uint256"},{"indexed":false,"internalType":"address","name":"seller","type":"address"},{"indexed":false,"internalType":"address","name":"owner","type":"address"},{"indexed":false,"internalType":"uint256","name":"price","type":"uint256"}],"name":"MarketItemSold","type":"event"},
  {"anonymous":false,"inputs":[{"indexed":true,"internalType":"uint256","name":"marketItemId","type":"uint256"},{"indexed":true,"internalType":"address","name":"nftContractAddress","type":"address"},{"indexed":true,"internalType":"uint256","name":"tokenId","type":"uint256"},{"indexed":false,"internalType":"address","name":"seller","type":"address"}],"name":"MarketItemCanceled","type":"event"},
  {"anonymous":false,"inputs":[{"indexed":true,"internalType":"address","name":"contractAddress","type":"address"},{"indexed":true,"internalType":"address","name":"deployer","type":"address"},{"indexed":false,"internalType":"string","name":"name","type":"string"},{"indexed":false,"internalType":"string","name":"symbol","type":"string"}],"name":"CollectionCreated","type":"event"},
  {"anonymous":false,"inputs":[{"indexed":true,"internalType":"address","name":"contractAddress","type":"address"},{"indexed":true,"internalType":"uint256","name":"tokenId","type":"uint256"},{"indexed":false,"internalType":"address","name":"creator","type":"address"},{"indexed":false,"internalType":"string","name":"uri","type":"string"}],"name":"TokenMinted","type":"event"}
]`

var parsedABI = func() abi.ABI {
	a, err := abi.JSON(strings.NewReader(marketplaceABI))
	if err != nil {
		panic(fmt.Sprintf("chain: parse marketplace abi: %v", err))
	}
	return a
}()

var eventByTopic = func() map[common.Hash]abi.Event {
	m := make(map[common.Hash]abi.Event, len(parsedABI.Events))
	for _, ev := range parsedABI.Events {
		m[ev.ID] = ev
	}
	return m
}()

// EventTopic returns the keccak topic hash for a marketplace event kind.
func EventTopic(kind domain.EventKind) common.Hash {
	return parsedABI.Events[string(kind)].ID
}

// encodeLog converts a decoded domain.Event into an ABI-encoded log.
func encodeLog(ev domain.Event, emitter common.Address, blockNumber uint64, txHash common.Hash, index uint) (ethtypes.Log, error) {
	abiEv, ok := parsedABI.Events[string(ev.Kind)]
	if !ok {
		return ethtypes.Log{}, fmt.Errorf("chain: unknown event kind %q", ev.Kind)
	}

	var topics []common.Hash
	var data []byte
	var err error

	switch ev.Kind {
	case domain.EventItemCreated:
		topics = []common.Hash{abiEv.ID, uintTopic(ev.ItemID), addrTopic(ev.Collection), bigTopic(ev.TokenID)}
		data, err = abiEv.Inputs.NonIndexed().Pack(ev.Creator, ev.Seller, ev.Owner)
	case domain.EventItemListed:
		topics = []common.Hash{abiEv.ID, uintTopic(ev.ItemID), addrTopic(ev.Collection), bigTopic(ev.TokenID)}
		data, err = abiEv.Inputs.NonIndexed().Pack(ev.Seller, ev.Price)
	case domain.EventItemSold:
		topics = []common.Hash{abiEv.ID, uintTopic(ev.ItemID), addrTopic(ev.Collection), bigTopic(ev.TokenID)}
		data, err = abiEv.Inputs.NonIndexed().Pack(ev.Seller, ev.Owner, ev.Price)
	case domain.EventItemCanceled:
		topics = []common.Hash{abiEv.ID, uintTopic(ev.ItemID), addrTopic(ev.Collection), bigTopic(ev.TokenID)}
		data, err = abiEv.Inputs.NonIndexed().Pack(ev.Seller)
	case domain.EventCollectionCreated:
		topics = []common.Hash{abiEv.ID, addrTopic(ev.Collection), addrTopic(ev.Creator)}
		data, err = abiEv.Inputs.NonIndexed().Pack(ev.Name, ev.Symbol)
	case domain.EventTokenMinted:
		topics = []common.Hash{abiEv.ID, addrTopic(ev.Collection), bigTopic(ev.TokenID)}
		data, err = abiEv.Inputs.NonIndexed().Pack(ev.Creator, ev.URI)
	default:
		return ethtypes.Log{}, fmt.Errorf("chain: unknown event kind %q", ev.Kind)
	}
	if err != nil {
		return ethtypes.Log{}, fmt.Errorf("chain: pack %s: %w", ev.Kind, err)
	}

	return ethtypes.Log{
		Address:     emitter,
		Topics:      topics,
		Data:        data,
		BlockNumber: blockNumber,
		TxHash:      txHash,
		Index:       index,
	}, nil
}

// DecodeLog decodes an ABI-encoded marketplace log back into a
// domain.Event. Logs with an unknown topic signature are rejected.
func DecodeLog(l ethtypes.Log) (domain.Event, error) {
	if len(l.Topics) == 0 {
		return domain.Event{}, fmt.Errorf("chain: log has no topics")
	}
	abiEv, ok := eventByTopic[l.Topics[0]]
	if !ok {
		return domain.Event{}, fmt.Errorf("chain: unknown event topic %s", l.Topics[0].Hex())
	}

	vals, err := abiEv.Inputs.NonIndexed().Unpack(l.Data)
	if err != nil {
		return domain.Event{}, fmt.Errorf("chain: unpack %s: %w", abiEv.Name, err)
	}

	ev := domain.Event{
		Kind:        domain.EventKind(abiEv.Name),
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash,
	}

	switch ev.Kind {
	case domain.EventItemCreated:
		ev.ItemID = topicUint(l.Topics[1])
		ev.Collection = topicAddr(l.Topics[2])
		ev.TokenID = l.Topics[3].Big()
		ev.Creator = vals[0].(common.Address)
		ev.Seller = vals[1].(common.Address)
		ev.Owner = vals[2].(common.Address)
		ev.Price = new(big.Int)
	case domain.EventItemListed:
		ev.ItemID = topicUint(l.Topics[1])
		ev.Collection = topicAddr(l.Topics[2])
		ev.TokenID = l.Topics[3].Big()
		ev.Seller = vals[0].(common.Address)
		ev.Price = vals[1].(*big.Int)
	case domain.EventItemSold:
		ev.ItemID = topicUint(l.Topics[1])
		ev.Collection = topicAddr(l.Topics[2])
		ev.TokenID = l.Topics[3].Big()
		ev.Seller = vals[0].(common.Address)
		ev.Owner = vals[1].(common.Address)
		ev.Price = vals[2].(*big.Int)
	case domain.EventItemCanceled:
		ev.ItemID = topicUint(l.Topics[1])
		ev.Collection = topicAddr(l.Topics[2])
		ev.TokenID = l.Topics[3].Big()
		ev.Seller = vals[0].(common.Address)
		ev.Price = new(big.Int)
	case domain.EventCollectionCreated:
		ev.Collection = topicAddr(l.Topics[1])
		ev.Creator = topicAddr(l.Topics[2])
		ev.Name = vals[0].(string)
		ev.Symbol = vals[1].(string)
	case domain.EventTokenMinted:
		ev.Collection = topicAddr(l.Topics[1])
		ev.TokenID = l.Topics[2].Big()
		ev.Creator = vals[0].(common.Address)
		ev.URI = vals[1].(string)
	}

	return ev, nil
}

func uintTopic(v uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(v))
}

func bigTopic(v *big.Int) common.Hash {
	if v == nil {
		return common.Hash{}
	}
	return common.BigToHash(v)
}

func addrTopic(a common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(a.Bytes(), 32))
}

func topicUint(h common.Hash) uint64 {
	return h.Big().Uint64()
}

func topicAddr(h common.Hash) common.Address {
	return common.BytesToAddress(h.Bytes())
}
