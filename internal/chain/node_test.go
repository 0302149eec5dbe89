package chain

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galleria-labs/galleria/internal/domain"
)

var (
	testMarketplace  = common.HexToAddress("0x0000000000000000000000000000000000001001")
	testFactory      = common.HexToAddress("0x0000000000000000000000000000000000001002")
	testFeeCollector = common.HexToAddress("0x0000000000000000000000000000000000001003")
	seller           = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	buyer            = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	n := NewNode(testMarketplace, testFactory, testFeeCollector, logger)
	n.Start()
	t.Cleanup(n.Close)
	return n
}

// submitWait pushes a transaction through the executor and blocks until
// its receipt is available.
func submitWait(t *testing.T, n *Node, tx Tx) *Receipt {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hash, err := n.SubmitTx(ctx, tx)
	require.NoError(t, err)
	rcpt, err := n.WaitForReceipt(ctx, hash)
	require.NoError(t, err)
	return rcpt
}

func gasFee(method string) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(gasCosts[method]), gasPrice)
}

func etherWei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(params.Ether))
}

// deployAndMint runs the common preamble: the seller deploys a
// collection, mints token 1 and approves the marketplace.
func deployAndMint(t *testing.T, n *Node) (common.Address, *big.Int) {
	t.Helper()

	rcpt := submitWait(t, n, Tx{From: seller, Method: MethodCreateNFTContract, Name: "Test Art", Symbol: "ART", URI: "ipfs://cover"})
	require.True(t, rcpt.Succeeded(), "deploy reverted: %s", rcpt.RevertReason)
	collection := rcpt.ContractAddress
	require.NotEqual(t, common.Address{}, collection)

	rcpt = submitWait(t, n, Tx{From: seller, Method: MethodMint, Collection: collection, URI: "ipfs://token/1"})
	require.True(t, rcpt.Succeeded(), "mint reverted: %s", rcpt.RevertReason)

	tokenID := big.NewInt(1)
	rcpt = submitWait(t, n, Tx{From: seller, Method: MethodApprove, Collection: collection, TokenID: tokenID, To: testMarketplace})
	require.True(t, rcpt.Succeeded(), "approve reverted: %s", rcpt.RevertReason)

	return collection, tokenID
}

func TestDeployCollection(t *testing.T) {
	n := newTestNode(t)
	n.Credit(seller, etherWei(10))

	before := n.BalanceAt(seller)
	rcpt := submitWait(t, n, Tx{From: seller, Method: MethodCreateNFTContract, Name: "Test Art", Symbol: "ART", URI: "ipfs://cover"})

	require.True(t, rcpt.Succeeded())
	assert.Equal(t, gasCosts[MethodCreateNFTContract], rcpt.GasUsed)
	assert.NotEqual(t, common.Address{}, rcpt.ContractAddress)

	info, err := n.CollectionInfo(rcpt.ContractAddress)
	require.NoError(t, err)
	assert.Equal(t, "Test Art", info.Name)
	assert.Equal(t, "ART", info.Symbol)
	assert.Equal(t, seller, info.Deployer)

	// Deploy carries no value, so only gas is charged.
	want := new(big.Int).Sub(before, gasFee(MethodCreateNFTContract))
	assert.Equal(t, want, n.BalanceAt(seller))

	require.Len(t, rcpt.Logs, 1)
	ev, err := DecodeLog(rcpt.Logs[0])
	require.NoError(t, err)
	assert.Equal(t, domain.EventCollectionCreated, ev.Kind)
	assert.Equal(t, rcpt.ContractAddress, ev.Collection)
	assert.Equal(t, seller, ev.Creator)
}

func TestFullSaleLifecycle(t *testing.T) {
	n := newTestNode(t)
	n.Credit(seller, etherWei(10))
	n.Credit(buyer, etherWei(10))

	collection, tokenID := deployAndMint(t, n)

	rcpt := submitWait(t, n, Tx{From: seller, Method: MethodCreateUnlistedMarketItem, Collection: collection, TokenID: tokenID})
	require.True(t, rcpt.Succeeded(), rcpt.RevertReason)
	require.Len(t, rcpt.Logs, 1)
	created, err := DecodeLog(rcpt.Logs[0])
	require.NoError(t, err)
	assert.Equal(t, domain.EventItemCreated, created.Kind)
	itemID := created.ItemID

	price := etherWei(2)
	fee := n.ListingFee()
	sellerBefore := n.BalanceAt(seller)
	rcpt = submitWait(t, n, Tx{From: seller, Method: MethodListMarketItem, ItemID: itemID, Price: price, Value: fee})
	require.True(t, rcpt.Succeeded(), rcpt.RevertReason)

	// The listing fee plus gas left the seller and the fee landed with
	// the collector.
	spent := new(big.Int).Add(fee, gasFee(MethodListMarketItem))
	assert.Equal(t, new(big.Int).Sub(sellerBefore, spent), n.BalanceAt(seller))
	assert.Equal(t, fee, n.BalanceAt(testFeeCollector))

	item, err := n.ItemByID(itemID)
	require.NoError(t, err)
	assert.True(t, item.Listed)
	assert.Equal(t, price, item.Price)

	sellerBefore = n.BalanceAt(seller)
	buyerBefore := n.BalanceAt(buyer)
	rcpt = submitWait(t, n, Tx{From: buyer, Method: MethodCreateMarketSale, Collection: collection, ItemID: itemID, Value: price})
	require.True(t, rcpt.Succeeded(), rcpt.RevertReason)

	assert.Equal(t, new(big.Int).Add(sellerBefore, price), n.BalanceAt(seller))
	spent = new(big.Int).Add(price, gasFee(MethodCreateMarketSale))
	assert.Equal(t, new(big.Int).Sub(buyerBefore, spent), n.BalanceAt(buyer))

	owner, err := n.OwnerOf(collection, tokenID)
	require.NoError(t, err)
	assert.Equal(t, buyer, owner)

	item, err = n.ItemByID(itemID)
	require.NoError(t, err)
	assert.True(t, item.Sold)
	assert.Equal(t, buyer, item.Owner)

	require.Len(t, rcpt.Logs, 1)
	sold, err := DecodeLog(rcpt.Logs[0])
	require.NoError(t, err)
	assert.Equal(t, domain.EventItemSold, sold.Kind)
	assert.Equal(t, buyer, sold.Owner)
	assert.Equal(t, price, sold.Price)
}

func TestRevertRefundsValueKeepsGas(t *testing.T) {
	n := newTestNode(t)
	n.Credit(seller, etherWei(10))

	collection, tokenID := deployAndMint(t, n)
	rcpt := submitWait(t, n, Tx{From: seller, Method: MethodCreateUnlistedMarketItem, Collection: collection, TokenID: tokenID})
	require.True(t, rcpt.Succeeded())

	// Listing with half the required fee reverts. The attached value
	// comes back but the gas stays spent.
	before := n.BalanceAt(seller)
	badFee := new(big.Int).Div(n.ListingFee(), big.NewInt(2))
	rcpt = submitWait(t, n, Tx{From: seller, Method: MethodListMarketItem, ItemID: 0, Price: etherWei(1), Value: badFee})

	require.False(t, rcpt.Succeeded())
	assert.Equal(t, gasCosts[MethodListMarketItem], rcpt.GasUsed)
	assert.ErrorIs(t, rcpt.Err(), domain.ErrInvalidFee)
	assert.Empty(t, rcpt.Logs)

	want := new(big.Int).Sub(before, gasFee(MethodListMarketItem))
	assert.Equal(t, want, n.BalanceAt(seller))
	assert.Equal(t, new(big.Int), n.BalanceAt(testFeeCollector))
}

func TestInsufficientFundsChargesNothing(t *testing.T) {
	n := newTestNode(t)

	// No faucet credit: the account cannot even cover gas.
	rcpt := submitWait(t, n, Tx{From: seller, Method: MethodCreateNFTContract, Name: "X", Symbol: "X"})

	require.False(t, rcpt.Succeeded())
	assert.Zero(t, rcpt.GasUsed)
	assert.ErrorIs(t, rcpt.Err(), domain.ErrInsufficientFunds)
	assert.Equal(t, new(big.Int), n.BalanceAt(seller))
}

func TestSubmitTxUnknownMethod(t *testing.T) {
	n := newTestNode(t)
	n.Credit(seller, etherWei(1))

	ctx := context.Background()
	_, err := n.SubmitTx(ctx, Tx{From: seller, Method: "selfDestruct"})
	require.Error(t, err)
}

func TestEstimateGasMatchesSubmission(t *testing.T) {
	n := newTestNode(t)
	n.Credit(seller, etherWei(10))
	n.Credit(buyer, etherWei(10))

	collection, tokenID := deployAndMint(t, n)

	// A valid create estimates at the flat schedule cost.
	gas, err := n.EstimateGas(Tx{From: seller, Method: MethodCreateUnlistedMarketItem, Collection: collection, TokenID: tokenID})
	require.NoError(t, err)
	assert.Equal(t, gasCosts[MethodCreateUnlistedMarketItem], gas)

	// Estimation surfaces the same revert the submission would hit.
	_, err = n.EstimateGas(Tx{From: buyer, Method: MethodCreateUnlistedMarketItem, Collection: collection, TokenID: tokenID})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	rcpt := submitWait(t, n, Tx{From: buyer, Method: MethodCreateUnlistedMarketItem, Collection: collection, TokenID: tokenID})
	require.False(t, rcpt.Succeeded())
	assert.ErrorIs(t, rcpt.Err(), domain.ErrUnauthorized)
}

func TestWaitForReceiptUnknownHash(t *testing.T) {
	n := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := n.WaitForReceipt(ctx, common.HexToHash("0xdeadbeef"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBlockNumberAdvancesPerTx(t *testing.T) {
	n := newTestNode(t)
	n.Credit(seller, etherWei(10))

	require.Zero(t, n.BlockNumber())

	rcpt := submitWait(t, n, Tx{From: seller, Method: MethodCreateNFTContract, Name: "A", Symbol: "A"})
	assert.Equal(t, uint64(1), rcpt.BlockNumber)
	assert.Equal(t, uint64(1), n.BlockNumber())

	// Failed transactions still occupy a block.
	rcpt = submitWait(t, n, Tx{From: buyer, Method: MethodMint, Collection: rcpt.ContractAddress})
	require.False(t, rcpt.Succeeded())
	assert.Equal(t, uint64(2), rcpt.BlockNumber)
	assert.Equal(t, uint64(2), n.BlockNumber())
}

func TestSubscribeLogs(t *testing.T) {
	n := newTestNode(t)
	n.Credit(seller, etherWei(10))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logs := n.SubscribeLogs(ctx)

	collection, _ := deployAndMint(t, n)

	var kinds []domain.EventKind
	timeout := time.After(5 * time.Second)
	for len(kinds) < 2 {
		select {
		case l := <-logs:
			ev, err := DecodeLog(l)
			require.NoError(t, err)
			kinds = append(kinds, ev.Kind)
		case <-timeout:
			t.Fatalf("timed out after %d logs", len(kinds))
		}
	}
	assert.Equal(t, []domain.EventKind{domain.EventCollectionCreated, domain.EventTokenMinted}, kinds)

	// Cancellation closes the stream.
	cancel()
	for {
		if _, ok := <-logs; !ok {
			break
		}
	}

	// Replay returns the same events, factory logs carried by the
	// factory address.
	replay := n.FilterLogs(1, n.BlockNumber())
	require.GreaterOrEqual(t, len(replay), 2)
	assert.Equal(t, testFactory, replay[0].Address)
	ev, err := DecodeLog(replay[0])
	require.NoError(t, err)
	assert.Equal(t, domain.EventCollectionCreated, ev.Kind)
	assert.Equal(t, collection, ev.Collection)
}

func TestSerializedExecutionSingleWinner(t *testing.T) {
	n := newTestNode(t)
	n.Credit(seller, etherWei(10))

	collection, tokenID := deployAndMint(t, n)
	submitWait(t, n, Tx{From: seller, Method: MethodCreateUnlistedMarketItem, Collection: collection, TokenID: tokenID})
	price := etherWei(1)
	rcpt := submitWait(t, n, Tx{From: seller, Method: MethodListMarketItem, ItemID: 0, Price: price, Value: n.ListingFee()})
	require.True(t, rcpt.Succeeded(), rcpt.RevertReason)

	second := common.HexToAddress("0x00000000000000000000000000000000000000c3")
	n.Credit(buyer, etherWei(5))
	n.Credit(second, etherWei(5))

	ctx := context.Background()
	h1, err := n.SubmitTx(ctx, Tx{From: buyer, Method: MethodCreateMarketSale, Collection: collection, ItemID: 0, Value: price})
	require.NoError(t, err)
	h2, err := n.SubmitTx(ctx, Tx{From: second, Method: MethodCreateMarketSale, Collection: collection, ItemID: 0, Value: price})
	require.NoError(t, err)

	r1, err := n.WaitForReceipt(ctx, h1)
	require.NoError(t, err)
	r2, err := n.WaitForReceipt(ctx, h2)
	require.NoError(t, err)

	// Submission order decides: the first buy wins, the second hits a
	// terminal item.
	require.True(t, r1.Succeeded(), r1.RevertReason)
	require.False(t, r2.Succeeded())
	assert.ErrorIs(t, r2.Err(), domain.ErrInvalidState)

	// The loser got the attached value back.
	assert.Equal(t, new(big.Int).Sub(etherWei(5), gasFee(MethodCreateMarketSale)), n.BalanceAt(second))
}
