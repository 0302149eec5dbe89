package chain

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/galleria-labs/galleria/internal/domain"
	"github.com/galleria-labs/galleria/internal/registry"
	"github.com/galleria-labs/galleria/internal/token"
)

// FeeData mirrors what a gas oracle would return. The node runs a flat
// fee schedule so both fields carry the same price.
type FeeData struct {
	GasPrice     *big.Int
	MaxFeePerGas *big.Int
}

type pendingTx struct {
	tx   Tx
	hash common.Hash
}

type subscriber struct {
	ch chan ethtypes.Log
}

// Node is the single ordering authority. All state-mutating
// transactions funnel through one executor goroutine, so every
// transition the registry and token contracts make is observed in one
// global order. Reads go straight to the hosted contracts.
type Node struct {
	log      *slog.Logger
	registry *registry.Registry
	factory  *token.Factory

	marketplace common.Address
	factoryAddr common.Address

	mu       sync.Mutex
	balances map[common.Address]*big.Int
	block    uint64
	nonce    uint64
	logs     []ethtypes.Log
	receipts map[common.Hash]*Receipt
	done     map[common.Hash]chan struct{}
	subs     map[uint64]subscriber
	nextSub  uint64

	txCh chan pendingTx
	quit chan struct{}
	wg   sync.WaitGroup
}

var _ registry.Bank = (*Node)(nil)

// NewNode wires a node around fresh registry and factory contracts
// deployed at the given addresses. Listing fees accrue to feeCollector.
func NewNode(marketplace, factoryAddr, feeCollector common.Address, logger *slog.Logger) *Node {
	n := &Node{
		log:         logger.With("component", "chain"),
		marketplace: marketplace,
		factoryAddr: factoryAddr,
		balances:    make(map[common.Address]*big.Int),
		receipts:    make(map[common.Hash]*Receipt),
		done:        make(map[common.Hash]chan struct{}),
		subs:        make(map[uint64]subscriber),
		txCh:        make(chan pendingTx, 256),
		quit:        make(chan struct{}),
	}
	n.factory = token.NewFactory(marketplace)
	n.registry = registry.New(n.factory, n, marketplace, feeCollector)
	return n
}

// Start launches the executor goroutine.
func (n *Node) Start() {
	n.wg.Add(1)
	go n.run()
	n.log.Info("node started", "marketplace", n.marketplace.Hex(), "factory", n.factoryAddr.Hex())
}

// Close stops the executor after draining already-submitted
// transactions.
func (n *Node) Close() {
	close(n.quit)
	n.wg.Wait()
}

// Deposit credits an account. The registry calls this to pay out sale
// proceeds and listing fees.
func (n *Node) Deposit(to common.Address, amount *big.Int) {
	n.credit(to, amount)
}

// Credit is the dev faucet.
func (n *Node) Credit(addr common.Address, amount *big.Int) {
	n.credit(addr, amount)
	n.log.Debug("faucet credit", "addr", addr.Hex(), "amount", amount.String())
}

// BalanceAt returns the current balance of an account in wei.
func (n *Node) BalanceAt(addr common.Address) *big.Int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if b, ok := n.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// SuggestFeeData returns the node's flat gas pricing.
func (n *Node) SuggestFeeData() FeeData {
	return FeeData{
		GasPrice:     new(big.Int).Set(gasPrice),
		MaxFeePerGas: new(big.Int).Set(gasPrice),
	}
}

// BlockNumber returns the height of the last executed transaction.
func (n *Node) BlockNumber() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.block
}

// EstimateGas dry-runs a transaction's preconditions and returns the
// gas it would use. It fails with the same error submission would, so
// callers can surface reverts before spending anything.
func (n *Node) EstimateGas(tx Tx) (uint64, error) {
	cost, ok := gasCosts[tx.Method]
	if !ok {
		return 0, fmt.Errorf("chain: estimate gas: unknown method %q", tx.Method)
	}
	if err := n.dryRun(tx); err != nil {
		return 0, fmt.Errorf("chain: estimate gas: %w", err)
	}
	return cost, nil
}

func (n *Node) dryRun(tx Tx) error {
	switch tx.Method {
	case MethodCreateNFTContract:
		if tx.Name == "" || tx.Symbol == "" {
			return fmt.Errorf("%w: empty name or symbol", domain.ErrInvalidState)
		}
		return nil
	case MethodMint:
		_, err := n.factory.Get(tx.Collection)
		return err
	case MethodApprove:
		owner, err := n.factory.OwnerOf(tx.Collection, tx.TokenID)
		if err != nil {
			return err
		}
		if owner != tx.From {
			return domain.ErrUnauthorized
		}
		return nil
	case MethodUpdateCollectionImageURI:
		c, err := n.factory.Get(tx.Collection)
		if err != nil {
			return err
		}
		if c.Info().Deployer != tx.From {
			return domain.ErrUnauthorized
		}
		return nil
	case MethodCreateUnlistedMarketItem:
		return n.registry.ValidateCreateUnlisted(tx.From, tx.Collection, tx.TokenID)
	case MethodListMarketItem:
		return n.registry.ValidateList(tx.From, tx.ItemID, tx.Price, tx.Value)
	case MethodCreateMarketSale:
		return n.registry.ValidateBuy(tx.From, tx.Collection, tx.ItemID, tx.Value)
	case MethodCancelMarketItem:
		return n.registry.ValidateCancel(tx.From, tx.Collection, tx.ItemID)
	default:
		return fmt.Errorf("chain: unknown method %q", tx.Method)
	}
}

// SubmitTx enqueues a transaction for execution and returns its hash.
// The result is observed through WaitForReceipt.
func (n *Node) SubmitTx(ctx context.Context, tx Tx) (common.Hash, error) {
	if _, ok := gasCosts[tx.Method]; !ok {
		return common.Hash{}, fmt.Errorf("chain: submit: unknown method %q", tx.Method)
	}
	if tx.Value == nil {
		tx.Value = new(big.Int)
	}

	n.mu.Lock()
	n.nonce++
	hash := txHash(tx.From, n.nonce)
	n.done[hash] = make(chan struct{})
	n.mu.Unlock()

	select {
	case n.txCh <- pendingTx{tx: tx, hash: hash}:
		return hash, nil
	case <-n.quit:
		return common.Hash{}, fmt.Errorf("chain: submit: node is shutting down")
	case <-ctx.Done():
		return common.Hash{}, ctx.Err()
	}
}

// WaitForReceipt blocks until the transaction has executed or the
// context expires.
func (n *Node) WaitForReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	n.mu.Lock()
	done, ok := n.done[hash]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("chain: receipt: %w: tx %s", domain.ErrNotFound, hash.Hex())
	}

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	return n.receipts[hash], nil
}

// SubscribeLogs streams every log emitted from now on. The channel is
// closed when ctx is done. Slow consumers are dropped rather than
// allowed to stall the executor; catch up with FilterLogs.
func (n *Node) SubscribeLogs(ctx context.Context) <-chan ethtypes.Log {
	ch := make(chan ethtypes.Log, 512)

	n.mu.Lock()
	id := n.nextSub
	n.nextSub++
	n.subs[id] = subscriber{ch: ch}
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		// Delete and close under the same lock fan-out sends hold, so
		// a send never races the close.
		n.mu.Lock()
		delete(n.subs, id)
		close(ch)
		n.mu.Unlock()
	}()

	return ch
}

// FilterLogs returns all logs in the inclusive block range.
func (n *Node) FilterLogs(fromBlock, toBlock uint64) []ethtypes.Log {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []ethtypes.Log
	for _, l := range n.logs {
		if l.BlockNumber >= fromBlock && l.BlockNumber <= toBlock {
			out = append(out, l)
		}
	}
	return out
}

// Read surface delegating to the hosted contracts.

func (n *Node) ListingFee() *big.Int { return n.registry.GetListingFee() }

func (n *Node) MarketplaceAddress() common.Address { return n.marketplace }

func (n *Node) FactoryAddress() common.Address { return n.factoryAddr }

func (n *Node) ItemByID(id uint64) (domain.MarketItem, error) {
	return n.registry.Get(id)
}

func (n *Node) ItemByCollectionAndToken(collection common.Address, tokenID *big.Int) (domain.MarketItem, bool) {
	return n.registry.FindByCollectionAndToken(collection, tokenID)
}

func (n *Node) AllItems() []domain.MarketItem { return n.registry.All() }

func (n *Node) ContractAddresses() []common.Address { return n.registry.ContractAddresses() }

func (n *Node) DeployedCollections() []common.Address { return n.factory.Deployed() }

func (n *Node) CollectionInfo(addr common.Address) (domain.Collection, error) {
	c, err := n.factory.Get(addr)
	if err != nil {
		return domain.Collection{}, err
	}
	return c.Info(), nil
}

func (n *Node) OwnerOf(collection common.Address, tokenID *big.Int) (common.Address, error) {
	return n.factory.OwnerOf(collection, tokenID)
}

func (n *Node) Approved(collection common.Address, tokenID *big.Int) (common.Address, error) {
	return n.factory.Approved(collection, tokenID)
}

func (n *Node) TokenURI(collection common.Address, tokenID *big.Int) (string, error) {
	c, err := n.factory.Get(collection)
	if err != nil {
		return "", err
	}
	return c.TokenURI(tokenID)
}

func (n *Node) LastTokenID(collection common.Address) (*big.Int, error) {
	c, err := n.factory.Get(collection)
	if err != nil {
		return nil, err
	}
	return c.LastTokenID(), nil
}

func (n *Node) run() {
	defer n.wg.Done()
	for {
		select {
		case p := <-n.txCh:
			n.execute(p)
		case <-n.quit:
			// Drain what was already accepted.
			for {
				select {
				case p := <-n.txCh:
					n.execute(p)
				default:
					return
				}
			}
		}
	}
}

func (n *Node) execute(p pendingTx) {
	tx := p.tx
	gasUsed := gasCosts[tx.Method]
	gasFee := new(big.Int).Mul(new(big.Int).SetUint64(gasUsed), gasPrice)
	totalCost := new(big.Int).Add(gasFee, tx.Value)

	n.mu.Lock()
	n.block++
	block := n.block
	n.mu.Unlock()

	rcpt := &Receipt{
		TxHash:      p.hash,
		From:        tx.From,
		Method:      tx.Method,
		BlockNumber: block,
		GasUsed:     gasUsed,
	}

	if !n.debit(tx.From, totalCost) {
		rcpt.Status = ethtypes.ReceiptStatusFailed
		rcpt.GasUsed = 0
		rcpt.RevertReason = domain.ErrInsufficientFunds.Error()
		n.finish(p.hash, rcpt)
		return
	}

	events, contractAddr, err := n.apply(tx)
	if err != nil {
		// Gas is spent, the attached value is not.
		n.credit(tx.From, tx.Value)
		rcpt.Status = ethtypes.ReceiptStatusFailed
		rcpt.RevertReason = err.Error()
		n.finish(p.hash, rcpt)
		return
	}

	rcpt.Status = ethtypes.ReceiptStatusSuccessful
	rcpt.ContractAddress = contractAddr
	for i, ev := range events {
		emitter := n.marketplace
		if ev.Kind == domain.EventCollectionCreated || ev.Kind == domain.EventTokenMinted {
			emitter = n.factoryAddr
		}
		l, encErr := encodeLog(ev, emitter, block, p.hash, uint(i))
		if encErr != nil {
			n.log.Error("encode log", "kind", string(ev.Kind), "err", encErr)
			continue
		}
		rcpt.Logs = append(rcpt.Logs, l)
	}
	n.finish(p.hash, rcpt)
}

// apply dispatches a funded transaction to the hosted contracts. The
// attached value has already been debited; on error the caller refunds
// it.
func (n *Node) apply(tx Tx) ([]domain.Event, common.Address, error) {
	switch tx.Method {
	case MethodCreateNFTContract:
		c, err := n.factory.Deploy(tx.From, tx.Name, tx.Symbol, tx.URI)
		if err != nil {
			return nil, common.Address{}, err
		}
		ev := domain.Event{
			Kind:       domain.EventCollectionCreated,
			Collection: c.Address(),
			Creator:    tx.From,
			Name:       tx.Name,
			Symbol:     tx.Symbol,
		}
		return []domain.Event{ev}, c.Address(), nil

	case MethodMint:
		c, err := n.factory.Get(tx.Collection)
		if err != nil {
			return nil, common.Address{}, err
		}
		id, err := c.Mint(tx.From, tx.URI)
		if err != nil {
			return nil, common.Address{}, err
		}
		ev := domain.Event{
			Kind:       domain.EventTokenMinted,
			Collection: tx.Collection,
			TokenID:    id,
			Creator:    tx.From,
			URI:        tx.URI,
		}
		return []domain.Event{ev}, common.Address{}, nil

	case MethodApprove:
		c, err := n.factory.Get(tx.Collection)
		if err != nil {
			return nil, common.Address{}, err
		}
		return nil, common.Address{}, c.Approve(tx.From, tx.To, tx.TokenID)

	case MethodUpdateCollectionImageURI:
		c, err := n.factory.Get(tx.Collection)
		if err != nil {
			return nil, common.Address{}, err
		}
		return nil, common.Address{}, c.SetImageURI(tx.From, tx.URI)

	case MethodCreateUnlistedMarketItem:
		_, ev, err := n.registry.CreateUnlisted(tx.From, tx.Collection, tx.TokenID)
		if err != nil {
			return nil, common.Address{}, err
		}
		return []domain.Event{ev}, common.Address{}, nil

	case MethodListMarketItem:
		_, ev, err := n.registry.ListItem(tx.From, tx.ItemID, tx.Price, tx.Value)
		if err != nil {
			return nil, common.Address{}, err
		}
		return []domain.Event{ev}, common.Address{}, nil

	case MethodCreateMarketSale:
		_, ev, err := n.registry.Buy(tx.From, tx.Collection, tx.ItemID, tx.Value)
		if err != nil {
			return nil, common.Address{}, err
		}
		return []domain.Event{ev}, common.Address{}, nil

	case MethodCancelMarketItem:
		_, ev, err := n.registry.Cancel(tx.From, tx.Collection, tx.ItemID)
		if err != nil {
			return nil, common.Address{}, err
		}
		return []domain.Event{ev}, common.Address{}, nil

	default:
		return nil, common.Address{}, fmt.Errorf("chain: unknown method %q", tx.Method)
	}
}

func (n *Node) finish(hash common.Hash, rcpt *Receipt) {
	n.mu.Lock()
	n.receipts[hash] = rcpt
	n.logs = append(n.logs, rcpt.Logs...)
	done := n.done[hash]
	for _, l := range rcpt.Logs {
		for _, s := range n.subs {
			select {
			case s.ch <- l:
			default:
				n.log.Warn("log subscriber lagging, dropping", "block", l.BlockNumber)
			}
		}
	}
	n.mu.Unlock()

	close(done)

	if rcpt.Status == ethtypes.ReceiptStatusFailed {
		n.log.Debug("tx reverted", "method", rcpt.Method, "from", rcpt.From.Hex(), "reason", rcpt.RevertReason)
	} else {
		n.log.Debug("tx executed", "method", rcpt.Method, "from", rcpt.From.Hex(), "block", rcpt.BlockNumber)
	}
}

func (n *Node) credit(to common.Address, amount *big.Int) {
	if amount == nil || amount.Sign() == 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	b, ok := n.balances[to]
	if !ok {
		b = new(big.Int)
		n.balances[to] = b
	}
	b.Add(b, amount)
}

func (n *Node) debit(from common.Address, amount *big.Int) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, ok := n.balances[from]
	if !ok || b.Cmp(amount) < 0 {
		return false
	}
	b.Sub(b, amount)
	return true
}

func txHash(from common.Address, nonce uint64) common.Hash {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	return common.BytesToHash(ethcrypto.Keccak256(from.Bytes(), buf[:]))
}
