// Package chaintest provides a scripted in-memory chain.Backend for tests.
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var ErrNotScripted = errors.New("chaintest: not scripted")

// Backend implements chain.Backend against fixtures set by the test. Zero
// value is usable; unscripted lookups fail with ErrNotScripted.
type Backend struct {
	mu sync.Mutex

	Head    uint64
	Headers map[uint64]*types.Header
	Bodies  map[uint64][]*types.Transaction
	Txs     map[common.Hash]*types.Transaction
	Logs    []types.Log

	// CallFn services CallContract; tests dispatch on calldata.
	CallFn func(msg ethereum.CallMsg) ([]byte, error)

	Receipts map[common.Hash]*types.Receipt
	Sent     []*types.Transaction

	Nonce  uint64
	TipCap *big.Int

	// Errs injects one error per method name ("FilterLogs", "BlockByNumber", ...).
	Errs map[string]error

	// Calls counts invocations per method name.
	Calls map[string]int
}

func (b *Backend) record(method string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Calls == nil {
		b.Calls = map[string]int{}
	}
	b.Calls[method]++
	if err, ok := b.Errs[method]; ok && err != nil {
		return err
	}
	return nil
}

func (b *Backend) BlockNumber(context.Context) (uint64, error) {
	if err := b.record("BlockNumber"); err != nil {
		return 0, err
	}
	return b.Head, nil
}

func (b *Backend) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	if err := b.record("HeaderByNumber"); err != nil {
		return nil, err
	}
	n := b.Head
	if number != nil {
		n = number.Uint64()
	}
	if h, ok := b.Headers[n]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("%w: header %d", ErrNotScripted, n)
}

func (b *Backend) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	if err := b.record("BlockByNumber"); err != nil {
		return nil, err
	}
	n := b.Head
	if number != nil {
		n = number.Uint64()
	}
	header, ok := b.Headers[n]
	if !ok {
		header = &types.Header{Number: new(big.Int).SetUint64(n)}
	}
	block := types.NewBlockWithHeader(header)
	if txs, ok := b.Bodies[n]; ok {
		block = block.WithBody(types.Body{Transactions: txs})
	}
	return block, nil
}

func (b *Backend) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	if err := b.record("TransactionByHash"); err != nil {
		return nil, false, err
	}
	if tx, ok := b.Txs[hash]; ok {
		return tx, false, nil
	}
	return nil, false, fmt.Errorf("%w: tx %s", ErrNotScripted, hash)
}

// FilterLogs applies block range, address set, and topic0 set filters against
// the scripted logs, in the order they were scripted.
func (b *Backend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := b.record("FilterLogs"); err != nil {
		return nil, err
	}
	var out []types.Log
	for _, lg := range b.Logs {
		if q.FromBlock != nil && lg.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && lg.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Addresses) > 0 && !containsAddress(q.Addresses, lg.Address) {
			continue
		}
		if len(q.Topics) > 0 && len(q.Topics[0]) > 0 {
			if len(lg.Topics) == 0 || !containsHash(q.Topics[0], lg.Topics[0]) {
				continue
			}
		}
		out = append(out, lg)
	}
	return out, nil
}

func (b *Backend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if err := b.record("CallContract"); err != nil {
		return nil, err
	}
	if b.CallFn == nil {
		return nil, fmt.Errorf("%w: CallContract", ErrNotScripted)
	}
	return b.CallFn(msg)
}

func (b *Backend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	if err := b.record("PendingNonceAt"); err != nil {
		return 0, err
	}
	return b.Nonce, nil
}

func (b *Backend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	if err := b.record("SuggestGasTipCap"); err != nil {
		return nil, err
	}
	if b.TipCap == nil {
		return big.NewInt(1), nil
	}
	return new(big.Int).Set(b.TipCap), nil
}

func (b *Backend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if err := b.record("EstimateGas"); err != nil {
		return 0, err
	}
	return 21_000, nil
}

func (b *Backend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if err := b.record("SendTransaction"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Sent = append(b.Sent, tx)
	return nil
}

func (b *Backend) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	if err := b.record("TransactionReceipt"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.Receipts[txHash]; ok {
		return r, nil
	}
	if len(b.Sent) > 0 && b.Sent[len(b.Sent)-1].Hash() == txHash {
		return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: txHash}, nil
	}
	return nil, ethereum.NotFound
}

func containsAddress(set []common.Address, a common.Address) bool {
	for _, x := range set {
		if x == a {
			return true
		}
	}
	return false
}

func containsHash(set []common.Hash, h common.Hash) bool {
	for _, x := range set {
		if x == h {
			return true
		}
	}
	return false
}
