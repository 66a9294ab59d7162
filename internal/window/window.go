package window

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/stratos-custody/vaultsync/internal/chain"
)

const (
	// DefaultLookback is the wall-clock span the sync window should cover.
	DefaultLookback = 72 * time.Hour
	// DefaultSampleSize is how many blocks back the throughput sample reaches.
	DefaultSampleSize = 100
)

var (
	ErrInvalidSample = errors.New("window: invalid sample")
	ErrNoThroughput  = errors.New("window: chain reports no block throughput")
)

// Window is the inclusive block range [LastScannedBlock-BlockOffset, head]
// queried on a reconciliation pass. BlockOffset is derived from measured block
// time so the range covers a fixed wall-clock lookback, not a fixed count.
type Window struct {
	LastScannedBlock uint64
	BlockOffset      uint64
}

// FromBlock returns the lower bound of the range, floored at genesis.
func (w Window) FromBlock() uint64 {
	if w.BlockOffset >= w.LastScannedBlock {
		return 0
	}
	return w.LastScannedBlock - w.BlockOffset
}

// Tracker sizes and maintains the sync window. It never refreshes on its own;
// callers refresh the head before a pass that must reflect current state.
type Tracker struct {
	backend chain.Backend
	retry   chain.RetryPolicy

	mu  sync.Mutex
	win Window
}

func NewTracker(backend chain.Backend, retry chain.RetryPolicy) (*Tracker, error) {
	if backend == nil {
		return nil, errors.New("window: nil backend")
	}
	return &Tracker{backend: backend, retry: retry}, nil
}

// Current returns a copy of the tracked window.
func (t *Tracker) Current() Window {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.win
}

// Restore seeds the tracker from a persisted checkpoint so a pass can resume
// where the previous run stopped.
func (t *Tracker) Restore(w Window) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.win = w
}

// RefreshHead records the chain's current head as LastScannedBlock and
// returns it.
func (t *Tracker) RefreshHead(ctx context.Context) (uint64, error) {
	var head uint64
	err := chain.Do(ctx, t.retry, func(ctx context.Context) error {
		n, err := t.backend.BlockNumber(ctx)
		if err != nil {
			return err
		}
		head = n
		return nil
	})
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	t.win.LastScannedBlock = head
	t.mu.Unlock()
	return head, nil
}

// EstimateLookback measures average block time over the last sampleSize
// blocks and sizes BlockOffset so the window spans targetLookback of wall
// clock. The result is strictly positive and grows as blocks get faster.
func (t *Tracker) EstimateLookback(ctx context.Context, sampleSize uint64, targetLookback time.Duration) (uint64, error) {
	if sampleSize == 0 {
		return 0, fmt.Errorf("%w: sample size must be > 0", ErrInvalidSample)
	}
	if targetLookback <= 0 {
		return 0, fmt.Errorf("%w: target lookback must be > 0", ErrInvalidSample)
	}

	var latest, past uint64
	err := chain.Do(ctx, t.retry, func(ctx context.Context) error {
		head, err := t.backend.HeaderByNumber(ctx, nil)
		if err != nil {
			return err
		}
		if head.Number.Uint64() < sampleSize {
			return fmt.Errorf("%w: head %s below sample size %d", ErrInvalidSample, head.Number, sampleSize)
		}
		pastHeader, err := t.backend.HeaderByNumber(ctx, new(big.Int).Sub(head.Number, new(big.Int).SetUint64(sampleSize)))
		if err != nil {
			return err
		}
		latest, past = head.Time, pastHeader.Time
		return nil
	})
	if err != nil {
		return 0, err
	}

	if latest <= past {
		return 0, ErrNoThroughput
	}
	span := latest - past

	// offset = ceil(targetSeconds / avgBlockTime) with avgBlockTime = span/sampleSize,
	// kept in integer math: ceil(targetSeconds * sampleSize / span).
	target := uint64(targetLookback / time.Second)
	offset := (target*sampleSize + span - 1) / span
	if offset == 0 {
		offset = 1
	}

	t.mu.Lock()
	t.win.BlockOffset = offset
	t.mu.Unlock()
	return offset, nil
}
