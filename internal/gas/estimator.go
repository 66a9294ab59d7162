package gas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/stratos-custody/vaultsync/internal/chain"
	"github.com/stratos-custody/vaultsync/internal/eth"
)

const (
	// DefaultBlocksToScan is the sampling depth used when the caller does
	// not pick one.
	DefaultBlocksToScan = 30

	defaultConcurrency = 4
)

var ErrEmptySample = errors.New("gas: no transactions sampled")

// Estimate holds independently averaged fee figures over the pooled
// transaction sample. Fields average only the transactions that carry them,
// so a chain full of legacy transactions still yields a usable GasPrice.
type Estimate struct {
	GasLimit             uint64
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// FeeParams adapts the estimate for the submitter. Missing figures stay nil
// and the submitter falls back to its own policy.
func (e Estimate) FeeParams() eth.FeeParams {
	return eth.FeeParams{
		GasLimit:             e.GasLimit,
		MaxFeePerGas:         e.MaxFeePerGas,
		MaxPriorityFeePerGas: e.MaxPriorityFeePerGas,
	}
}

// Estimator samples recent blocks for default fee parameters. It is lazy by
// contract: callers invoke it before a first submission and again after a
// failed one, never on a timer. Sampling every transaction in the window is a
// deliberately coarse heuristic; fee spikes wash out over the whole pool.
type Estimator struct {
	backend     chain.Backend
	retry       chain.RetryPolicy
	concurrency int
	log         *slog.Logger

	mu   sync.Mutex
	last *Estimate
}

func NewEstimator(backend chain.Backend, retry chain.RetryPolicy, log *slog.Logger) (*Estimator, error) {
	if backend == nil {
		return nil, errors.New("gas: nil backend")
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Estimator{
		backend:     backend,
		retry:       retry,
		concurrency: defaultConcurrency,
		log:         log,
	}, nil
}

// Last returns the most recent estimate, if any. Stale values are acceptable;
// freshness is only forced after a submission failure.
func (e *Estimator) Last() (Estimate, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return Estimate{}, false
	}
	return *e.last, true
}

// Estimate samples the last blocksToScan blocks (full bodies), pools every
// transaction, and averages each fee field independently. Per-block fetch
// failures are logged and skipped; an entirely empty pool is an explicit
// error rather than a zero estimate.
func (e *Estimator) Estimate(ctx context.Context, blocksToScan int) (Estimate, error) {
	if blocksToScan <= 0 {
		blocksToScan = DefaultBlocksToScan
	}

	var latest uint64
	err := chain.Do(ctx, e.retry, func(ctx context.Context) error {
		n, err := e.backend.BlockNumber(ctx)
		if err != nil {
			return err
		}
		latest = n
		return nil
	})
	if err != nil {
		return Estimate{}, err
	}
	if uint64(blocksToScan) > latest+1 {
		blocksToScan = int(latest + 1)
	}

	// Block fetches are data-independent; fan out under a bounded limit and
	// keep per-block slots so the merged sample order is deterministic.
	perBlock := make([][]*types.Transaction, blocksToScan)
	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup
	for i := 0; i < blocksToScan; i++ {
		i := i
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			number := new(big.Int).SetUint64(latest - uint64(i))
			block, err := e.backend.BlockByNumber(ctx, number)
			if err != nil {
				e.log.Warn("gas sample block fetch failed", "block", number, "err", err)
				return
			}
			perBlock[i] = block.Transactions()
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return Estimate{}, err
	}

	var (
		gasSum, priceSum, feeSum, tipSum         big.Int
		gasCount, priceCount, feeCount, tipCount int64
	)
	for _, txs := range perBlock {
		for _, tx := range txs {
			if g := tx.Gas(); g > 0 {
				gasSum.Add(&gasSum, new(big.Int).SetUint64(g))
				gasCount++
			}
			if p := tx.GasPrice(); p != nil && p.Sign() > 0 {
				priceSum.Add(&priceSum, p)
				priceCount++
			}
			if tx.Type() == types.DynamicFeeTxType {
				if f := tx.GasFeeCap(); f != nil && f.Sign() > 0 {
					feeSum.Add(&feeSum, f)
					feeCount++
				}
				if p := tx.GasTipCap(); p != nil && p.Sign() > 0 {
					tipSum.Add(&tipSum, p)
					tipCount++
				}
			}
		}
	}

	if gasCount == 0 && priceCount == 0 && feeCount == 0 && tipCount == 0 {
		return Estimate{}, fmt.Errorf("%w: %d blocks scanned from head %d", ErrEmptySample, blocksToScan, latest)
	}

	est := Estimate{
		GasPrice:             avg(&priceSum, priceCount),
		MaxFeePerGas:         avg(&feeSum, feeCount),
		MaxPriorityFeePerGas: avg(&tipSum, tipCount),
	}
	if gasCount > 0 {
		est.GasLimit = new(big.Int).Div(&gasSum, big.NewInt(gasCount)).Uint64()
	}

	e.mu.Lock()
	e.last = &est
	e.mu.Unlock()

	e.log.Debug("gas estimate refreshed",
		"blocks", blocksToScan,
		"sampled", gasCount,
		"gasLimit", est.GasLimit,
	)
	return est, nil
}

func avg(sum *big.Int, count int64) *big.Int {
	if count == 0 {
		return nil
	}
	return new(big.Int).Div(sum, big.NewInt(count))
}
