// Package ledger rebuilds a vault's withdrawal history from its on-chain
// event streams. Every pass rederives the full picture from logs and contract
// reads inside the sync window; nothing is trusted from a previous pass.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/stratos-custody/vaultsync/internal/chain"
	"github.com/stratos-custody/vaultsync/internal/registry"
	"github.com/stratos-custody/vaultsync/internal/vault"
	"github.com/stratos-custody/vaultsync/internal/vaultabi"
	"github.com/stratos-custody/vaultsync/internal/window"
)

var (
	// ErrReconciliationGap means the contract reports an active reservation
	// but no request event landed inside the sync window. The reservation is
	// real; the window is too narrow to explain it.
	ErrReconciliationGap = errors.New("ledger: active reservation has no request event in sync window")

	// ErrUnmatchedCancellation means a cancellation event could not be
	// correlated to any earlier request with the same token and amount.
	ErrUnmatchedCancellation = errors.New("ledger: cancellation with no matching request in sync window")

	ErrInvalidBuilderConfig = errors.New("ledger: invalid builder config")
)

// DefaultHeaderConcurrency bounds the block header fan-out used to stamp
// cancelled and completed records with dates.
const DefaultHeaderConcurrency = 4

// Partial fetch category names recorded in Snapshot.Partial.
const (
	partialReservation = "reservation"
	partialActive      = "active"
	partialCancelled   = "cancelled"
	partialCompleted   = "completed"
	partialTimestamps  = "timestamps"
)

// BuilderConfig carries the optional knobs of a Builder.
type BuilderConfig struct {
	// Retry applies to every chain read issued during a rebuild.
	Retry chain.RetryPolicy

	// HeaderConcurrency bounds parallel header fetches. Defaults to
	// DefaultHeaderConcurrency.
	HeaderConcurrency int

	// Now is the clock used to classify the active record as pending or
	// ready. Defaults to time.Now.
	Now func() time.Time

	Log *slog.Logger
}

// Builder reconstructs the withdrawal ledger of a single vault.
type Builder struct {
	backend  chain.Backend
	vault    *vault.Client
	registry *registry.Client
	tracker  *window.Tracker

	retry chain.RetryPolicy
	conc  int
	now   func() time.Time
	log   *slog.Logger
}

func NewBuilder(backend chain.Backend, vaultClient *vault.Client, registryClient *registry.Client, tracker *window.Tracker, cfg BuilderConfig) (*Builder, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidBuilderConfig)
	}
	if vaultClient == nil {
		return nil, fmt.Errorf("%w: nil vault client", ErrInvalidBuilderConfig)
	}
	if registryClient == nil {
		return nil, fmt.Errorf("%w: nil registry client", ErrInvalidBuilderConfig)
	}
	if tracker == nil {
		return nil, fmt.Errorf("%w: nil window tracker", ErrInvalidBuilderConfig)
	}
	if cfg.HeaderConcurrency < 0 {
		return nil, fmt.Errorf("%w: negative header concurrency", ErrInvalidBuilderConfig)
	}
	if cfg.HeaderConcurrency == 0 {
		cfg.HeaderConcurrency = DefaultHeaderConcurrency
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Builder{
		backend:  backend,
		vault:    vaultClient,
		registry: registryClient,
		tracker:  tracker,
		retry:    cfg.Retry,
		conc:     cfg.HeaderConcurrency,
		now:      cfg.Now,
		log:      cfg.Log.With("component", "ledger"),
	}, nil
}

// Rebuild runs one reconciliation pass over the tracker's current window.
//
// Transient sub-fetch failures never abort the pass: the affected category is
// logged and named in Snapshot.Partial, and everything else proceeds. The
// returned error aggregates only data conditions (ErrReconciliationGap,
// ErrUnmatchedCancellation); the snapshot alongside it still carries every
// record that could be recovered.
func (b *Builder) Rebuild(ctx context.Context) (Snapshot, error) {
	win := b.tracker.Current()
	snap := Snapshot{Vault: b.vault.Address(), Window: win}
	var conds []error

	requested, reqErr := b.fetchRequested(ctx, win)
	if reqErr != nil {
		b.log.Warn("request event fetch failed", "err", reqErr)
	}

	// The reservation read gates the active record. Cancelled and completed
	// histories do not depend on it.
	res, resErr := b.vault.Reservation(ctx)
	switch {
	case resErr != nil:
		b.log.Warn("reservation read failed", "err", resErr)
		snap.Partial = append(snap.Partial, partialReservation)
	case res.Active():
		b.buildActive(ctx, res, requested, reqErr, &snap, &conds)
	}

	cancelled := b.buildCancelled(ctx, win, requested, reqErr, &snap, &conds)
	completed := b.buildCompleted(ctx, win, &snap)

	b.stampDates(ctx, cancelled, completed, &snap)

	records := append(cancelled, completed...)
	slices.SortFunc(records, func(a, c placed) int {
		if !a.rec.Date.Equal(c.rec.Date) {
			if a.rec.Date.After(c.rec.Date) {
				return -1
			}
			return 1
		}
		// Same-date ties fall back to chain order, newest first.
		if c.meta.Before(a.meta) {
			return -1
		}
		if a.meta.Before(c.meta) {
			return 1
		}
		return 0
	})

	snap.Records = make([]Record, 0, len(records)+1)
	if snap.Active != nil {
		snap.Records = append(snap.Records, *snap.Active)
		snap.Active = &snap.Records[0]
	}
	for _, p := range records {
		snap.Records = append(snap.Records, p.rec)
	}

	return snap, errors.Join(conds...)
}

// placed pairs a record with the meta of the event it came from so the merge
// sort can break date ties by chain order.
type placed struct {
	rec  Record
	meta vaultabi.EventMeta
}

// buildActive materializes the outstanding reservation as a Pending or Ready
// record by correlating it with the newest request event in the window.
func (b *Builder) buildActive(ctx context.Context, res vault.Reservation, requested []vaultabi.WithdrawRequestedEvent, reqErr error, snap *Snapshot, conds *[]error) {
	if reqErr != nil {
		snap.Partial = append(snap.Partial, partialActive)
		return
	}
	if len(requested) == 0 {
		snap.GapDetected = true
		*conds = append(*conds, fmt.Errorf("%w: reservation of %s unlocking at %s, window [%d, %d]",
			ErrReconciliationGap, res.Amount, res.UnlockTime.UTC().Format(time.RFC3339),
			snap.Window.FromBlock(), snap.Window.LastScannedBlock))
		return
	}

	lockDur, err := b.registry.LockDuration(ctx)
	if err != nil {
		b.log.Warn("lock duration read failed", "err", err)
		snap.Partial = append(snap.Partial, partialActive)
		return
	}

	newest := requested[0]
	recipient, err := b.recipientFromTx(ctx, newest.TxHash)
	if err != nil {
		b.log.Warn("active request recipient recovery failed", "tx", newest.TxHash, "err", err)
		snap.Partial = append(snap.Partial, partialActive)
		return
	}

	unlock := time.Unix(newest.UnlockTime.Int64(), 0)
	status := StatusPending
	if !b.now().Before(unlock) {
		status = StatusReady
	}
	snap.Active = &Record{
		Token:       newest.Token,
		Recipient:   recipient,
		Amount:      new(big.Int).Set(newest.Amount),
		Date:        unlock.Add(-lockDur),
		Status:      status,
		TxHash:      newest.TxHash,
		BlockNumber: newest.BlockNumber,
		LogIndex:    newest.LogIndex,
	}
}

// buildCancelled correlates each cancellation with the newest earlier request
// carrying the same token and amount. First match wins; when two requests are
// indistinguishable the newer one is chosen every pass, so repeated rebuilds
// agree even where the chain itself is ambiguous. A cancellation with no
// candidate raises ErrUnmatchedCancellation and produces no record.
//
// Correlation only runs when the request fetch itself succeeded: a failed
// request fetch would make every cancellation look unmatched, so that case
// marks the category partial instead.
func (b *Builder) buildCancelled(ctx context.Context, win window.Window, requested []vaultabi.WithdrawRequestedEvent, reqErr error, snap *Snapshot, conds *[]error) []placed {
	if reqErr != nil {
		snap.Partial = append(snap.Partial, partialCancelled)
		return nil
	}
	events, err := b.fetchEvents(ctx, win, vaultabi.CancelledReservationID)
	if err != nil {
		b.log.Warn("cancellation event fetch failed", "err", err)
		snap.Partial = append(snap.Partial, partialCancelled)
		return nil
	}

	var out []placed
	partial := false
	for _, ev := range events {
		c, ok := ev.(vaultabi.CancelledReservationEvent)
		if !ok {
			continue
		}
		var match *vaultabi.WithdrawRequestedEvent
		for i := range requested {
			r := &requested[i]
			if r.Token == c.Token && r.Amount.Cmp(c.Amount) == 0 && r.Meta().Before(c.Meta()) {
				match = r
				break
			}
		}
		if match == nil {
			*conds = append(*conds, fmt.Errorf("%w: token=%s amount=%s tx=%s",
				ErrUnmatchedCancellation, c.Token, c.Amount, c.TxHash))
			continue
		}

		recipient, err := b.recipientFromTx(ctx, match.TxHash)
		if err != nil {
			// A record without its recipient would be indistinguishable from
			// a real zero-recipient withdrawal, so none is emitted.
			b.log.Warn("cancelled request recipient recovery failed", "tx", match.TxHash, "err", err)
			partial = true
			continue
		}
		out = append(out, placed{
			rec: Record{
				Token:       c.Token,
				Recipient:   recipient,
				Amount:      new(big.Int).Set(c.Amount),
				Status:      StatusCancelled,
				TxHash:      c.TxHash,
				BlockNumber: c.BlockNumber,
				LogIndex:    c.LogIndex,
			},
			meta: c.Meta(),
		})
	}
	if partial {
		snap.Partial = append(snap.Partial, partialCancelled)
	}
	return out
}

// buildCompleted maps Withdrawal events one to one onto Complete records. The
// event names the recipient directly and carries no token.
func (b *Builder) buildCompleted(ctx context.Context, win window.Window, snap *Snapshot) []placed {
	events, err := b.fetchEvents(ctx, win, vaultabi.WithdrawalID)
	if err != nil {
		b.log.Warn("withdrawal event fetch failed", "err", err)
		snap.Partial = append(snap.Partial, partialCompleted)
		return nil
	}

	var out []placed
	for _, ev := range events {
		w, ok := ev.(vaultabi.WithdrawalEvent)
		if !ok {
			continue
		}
		out = append(out, placed{
			rec: Record{
				Recipient:   w.Recipient,
				Amount:      new(big.Int).Set(w.Amount),
				Status:      StatusComplete,
				TxHash:      w.TxHash,
				BlockNumber: w.BlockNumber,
				LogIndex:    w.LogIndex,
			},
			meta: w.Meta(),
		})
	}
	return out
}

// stampDates fetches the header of every block that produced a cancelled or
// completed record and sets the record dates from the block timestamps.
// Lookups fan out under the configured concurrency bound. Records whose
// header cannot be fetched keep a zero date and the pass is marked partial.
func (b *Builder) stampDates(ctx context.Context, cancelled, completed []placed, snap *Snapshot) {
	blocks := make(map[uint64]time.Time)
	for _, p := range cancelled {
		blocks[p.rec.BlockNumber] = time.Time{}
	}
	for _, p := range completed {
		blocks[p.rec.BlockNumber] = time.Time{}
	}
	if len(blocks) == 0 {
		return
	}
	nums := make([]uint64, 0, len(blocks))
	for num := range blocks {
		nums = append(nums, num)
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		sem    = make(chan struct{}, b.conc)
		failed bool
	)
	for _, num := range nums {
		wg.Add(1)
		go func(num uint64) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			var hdr *types.Header
			err := chain.Do(ctx, b.retry, func(ctx context.Context) error {
				var err error
				hdr, err = b.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(num))
				return err
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				b.log.Warn("header fetch failed", "block", num, "err", err)
				failed = true
				return
			}
			blocks[num] = time.Unix(int64(hdr.Time), 0)
		}(num)
	}
	wg.Wait()

	if failed {
		snap.Partial = append(snap.Partial, partialTimestamps)
	}
	for i := range cancelled {
		cancelled[i].rec.Date = blocks[cancelled[i].rec.BlockNumber]
	}
	for i := range completed {
		completed[i].rec.Date = blocks[completed[i].rec.BlockNumber]
	}
}

// fetchRequested returns the window's request events sorted newest first.
func (b *Builder) fetchRequested(ctx context.Context, win window.Window) ([]vaultabi.WithdrawRequestedEvent, error) {
	events, err := b.fetchEvents(ctx, win, vaultabi.WithdrawRequestedID)
	if err != nil {
		return nil, err
	}
	out := make([]vaultabi.WithdrawRequestedEvent, 0, len(events))
	for _, ev := range events {
		if r, ok := ev.(vaultabi.WithdrawRequestedEvent); ok {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, c vaultabi.WithdrawRequestedEvent) int {
		if c.Meta().Before(a.Meta()) {
			return -1
		}
		if a.Meta().Before(c.Meta()) {
			return 1
		}
		return 0
	})
	return out, nil
}

func (b *Builder) fetchEvents(ctx context.Context, win window.Window, id func() (common.Hash, error)) ([]vaultabi.Event, error) {
	topic, err := id()
	if err != nil {
		return nil, err
	}
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(win.FromBlock()),
		ToBlock:   new(big.Int).SetUint64(win.LastScannedBlock),
		Addresses: []common.Address{b.vault.Address()},
		Topics:    [][]common.Hash{{topic}},
	}

	var logs []types.Log
	err = chain.Do(ctx, b.retry, func(ctx context.Context) error {
		var err error
		logs, err = b.backend.FilterLogs(ctx, q)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]vaultabi.Event, 0, len(logs))
	for _, lg := range logs {
		ev, err := vaultabi.DecodeVaultEvent(lg)
		if err != nil {
			// Foreign logs sharing the address are skipped, not fatal.
			b.log.Warn("skipping undecodable log", "block", lg.BlockNumber, "index", lg.Index, "err", err)
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// recipientFromTx recovers the withdrawal recipient from the calldata of the
// transaction that emitted a request event. The event omits the recipient by
// contract design.
func (b *Builder) recipientFromTx(ctx context.Context, txHash common.Hash) (common.Address, error) {
	var tx *types.Transaction
	err := chain.Do(ctx, b.retry, func(ctx context.Context) error {
		var err error
		tx, _, err = b.backend.TransactionByHash(ctx, txHash)
		return err
	})
	if err != nil {
		return common.Address{}, err
	}
	_, recipient, _, err := vaultabi.DecodeRequestCalldata(tx.Data())
	if err != nil {
		return common.Address{}, err
	}
	return recipient, nil
}
