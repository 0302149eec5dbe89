package chain

import (
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"

	"github.com/galleria-labs/galleria/internal/domain"
)

// Marketplace and factory method names as the transaction dispatcher
// knows them.
const (
	MethodCreateNFTContract        = "createNFTContract"
	MethodMint                     = "mint"
	MethodApprove                  = "approve"
	MethodUpdateCollectionImageURI = "updateCollectionImageUri"
	MethodCreateUnlistedMarketItem = "createUnlistedMarketItem"
	MethodListMarketItem           = "listMarketItem"
	MethodCreateMarketSale         = "createMarketSale"
	MethodCancelMarketItem         = "cancelMarketItem"
)

// Tx is a state-mutating call submitted to the node. Only the fields
// the chosen method reads are consulted; the rest stay zero.
type Tx struct {
	From   common.Address
	Method string
	Value  *big.Int

	Collection common.Address
	TokenID    *big.Int
	ItemID     uint64
	Price      *big.Int
	To         common.Address
	Name       string
	Symbol     string
	URI        string
}

// Receipt is the execution result of a submitted transaction.
type Receipt struct {
	TxHash       common.Hash
	From         common.Address
	Method       string
	BlockNumber  uint64
	Status       uint64
	GasUsed      uint64
	RevertReason string
	Logs         []ethtypes.Log

	// ContractAddress is set for createNFTContract transactions.
	ContractAddress common.Address
}

// Succeeded reports whether the transaction executed without reverting.
func (r *Receipt) Succeeded() bool {
	return r.Status == ethtypes.ReceiptStatusSuccessful
}

// Err maps a failed receipt's revert reason back onto the error the
// contract raised. Successful receipts return nil.
func (r *Receipt) Err() error {
	if r.Succeeded() {
		return nil
	}
	if r.RevertReason == "" {
		return domain.ErrTxReverted
	}
	for _, sentinel := range revertSentinels {
		if strings.Contains(r.RevertReason, sentinel.Error()) {
			return sentinel
		}
	}
	return errors.New(r.RevertReason)
}

// revertSentinels are checked in order against revert reasons. Longer,
// more specific messages come first so a substring match never picks a
// broader sentinel.
var revertSentinels = []error{
	domain.ErrInvalidFee,
	domain.ErrInvalidPayment,
	domain.ErrSelfTrade,
	domain.ErrInvalidPrice,
	domain.ErrNotApproved,
	domain.ErrInsufficientFunds,
	domain.ErrUnauthorized,
	domain.ErrAlreadyExists,
	domain.ErrInvalidState,
	domain.ErrNotFound,
}

// gasCosts is the deterministic gas schedule: estimation and execution
// charge the same amount, keyed by method.
var gasCosts = map[string]uint64{
	MethodCreateNFTContract:        1_250_000,
	MethodMint:                     152_000,
	MethodApprove:                  48_500,
	MethodUpdateCollectionImageURI: 41_000,
	MethodCreateUnlistedMarketItem: 118_000,
	MethodListMarketItem:           96_500,
	MethodCreateMarketSale:         131_000,
	MethodCancelMarketItem:         61_000,
}

// gasPrice is the node's flat fee per gas unit.
var gasPrice = big.NewInt(params.GWei)
