// Package flow drives the withdrawal lifecycle of a single vault: the
// stepwise request flows, plus the standalone cancel and complete actions.
// Ground truth lives on chain; the controller holds only ephemeral flow state
// and the last rebuilt ledger snapshot.
package flow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/stratos-custody/vaultsync/internal/eth"
	"github.com/stratos-custody/vaultsync/internal/gas"
	"github.com/stratos-custody/vaultsync/internal/ledger"
	"github.com/stratos-custody/vaultsync/internal/units"
	"github.com/stratos-custody/vaultsync/internal/vault"
	"github.com/stratos-custody/vaultsync/internal/walletevents"
)

var (
	// ErrUserInput rejects malformed or out-of-range input before any chain
	// call is issued.
	ErrUserInput = errors.New("flow: invalid user input")

	// ErrConcurrentRequest rejects an action while another is in flight
	// locally or a reservation is already outstanding on the contract.
	ErrConcurrentRequest = errors.New("flow: a request is already outstanding")

	ErrNoActiveRequest = errors.New("flow: no active withdrawal request")
	ErrNotReady        = errors.New("flow: active request has not matured")
	ErrWrongStep       = errors.New("flow: action not valid at current step")
	ErrInvalidConfig   = errors.New("flow: invalid controller config")
)

// Kind selects one of the two request flows.
type Kind uint8

const (
	// KindSelf withdraws to the vault owner. Steps: 1 amount, 2 awaiting
	// confirmation.
	KindSelf Kind = iota + 1
	// KindExternal withdraws to a third party. Steps: 1 amount, 2 recipient,
	// 3 awaiting confirmation.
	KindExternal
)

func (k Kind) String() string {
	switch k {
	case KindSelf:
		return "self"
	case KindExternal:
		return "external"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// submitStep is the step at which Submit issues the chain call; the flow then
// advances to confirmStep until the user acknowledges.
func (k Kind) submitStep() int {
	if k == KindExternal {
		return 2
	}
	return 1
}

func (k Kind) confirmStep() int { return k.submitStep() + 1 }

// State is the ephemeral position of one flow. It is reset on terminal
// success, cancellation, or explicit user reset, and never persisted.
type State struct {
	Step      int
	ErrFlag   bool
	Amount    *big.Int
	Recipient common.Address
}

// LedgerReader rebuilds the withdrawal ledger from chain state.
type LedgerReader interface {
	Rebuild(ctx context.Context) (ledger.Snapshot, error)
}

// FeeEstimator produces default fee parameters for submissions.
type FeeEstimator interface {
	Estimate(ctx context.Context, blocksToScan int) (gas.Estimate, error)
	Last() (gas.Estimate, bool)
}

// VaultAccess is the vault surface the controller drives.
type VaultAccess interface {
	Reservation(ctx context.Context) (vault.Reservation, error)
	Balances(ctx context.Context) (vault.Balances, error)
	RequestWithdrawal(ctx context.Context, token, recipient common.Address, amount *big.Int, fees eth.FeeParams) (eth.SubmitResult, error)
	Withdraw(ctx context.Context, token, recipient common.Address, amount *big.Int, fees eth.FeeParams) (eth.SubmitResult, error)
	CancelRequest(ctx context.Context, token common.Address, fees eth.FeeParams) (eth.SubmitResult, error)
}

// ControllerConfig wires a Controller.
type ControllerConfig struct {
	Ledger LedgerReader
	Gas    FeeEstimator
	Vault  VaultAccess

	// Token is the protocol token the vault holds withdrawals in.
	Token common.Address
	// Owner receives self-withdrawals.
	Owner common.Address

	// Decimals is the token's base-unit decimal count. Defaults to
	// units.ProtocolTokenDecimals.
	Decimals int

	Log *slog.Logger
}

func (cfg *ControllerConfig) validate() error {
	if cfg.Ledger == nil {
		return fmt.Errorf("%w: nil ledger reader", ErrInvalidConfig)
	}
	if cfg.Gas == nil {
		return fmt.Errorf("%w: nil fee estimator", ErrInvalidConfig)
	}
	if cfg.Vault == nil {
		return fmt.Errorf("%w: nil vault access", ErrInvalidConfig)
	}
	if (cfg.Token == common.Address{}) {
		return fmt.Errorf("%w: zero token address", ErrInvalidConfig)
	}
	if (cfg.Owner == common.Address{}) {
		return fmt.Errorf("%w: zero owner address", ErrInvalidConfig)
	}
	if cfg.Decimals < 0 {
		return fmt.Errorf("%w: negative decimals", ErrInvalidConfig)
	}
	if cfg.Decimals == 0 {
		cfg.Decimals = units.ProtocolTokenDecimals
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return nil
}

// Controller owns the flow state of one vault account. All methods are safe
// for concurrent use; at most one chain-mutating action runs at a time and
// re-entrant attempts fail fast with ErrConcurrentRequest.
type Controller struct {
	ledger   LedgerReader
	gas      FeeEstimator
	vault    VaultAccess
	token    common.Address
	owner    common.Address
	decimals int
	log      *slog.Logger

	mu    sync.Mutex
	busy  bool
	flows map[Kind]*State

	snap    ledger.Snapshot
	hasSnap bool
}

func NewController(cfg ControllerConfig) (*Controller, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Controller{
		ledger:   cfg.Ledger,
		gas:      cfg.Gas,
		vault:    cfg.Vault,
		token:    cfg.Token,
		owner:    cfg.Owner,
		decimals: cfg.Decimals,
		log:      cfg.Log.With("component", "flow"),
		flows: map[Kind]*State{
			KindSelf:     {Step: 1},
			KindExternal: {Step: 1},
		},
	}, nil
}

// State returns a copy of the flow's current state.
func (c *Controller) State(kind Kind) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked(kind)
}

func (c *Controller) stateLocked(kind Kind) State {
	s, ok := c.flows[kind]
	if !ok {
		return State{Step: 1}
	}
	out := *s
	if s.Amount != nil {
		out.Amount = new(big.Int).Set(s.Amount)
	}
	return out
}

// Reset returns the flow to step 1 and clears its input and error flag.
func (c *Controller) Reset(kind Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked(kind)
}

func (c *Controller) resetLocked(kind Kind) {
	c.flows[kind] = &State{Step: 1}
}

// EnterAmount records the decimal withdrawal amount at step 1. The external
// flow advances to recipient entry; the self flow stays at step 1 until
// Submit.
func (c *Controller) EnterAmount(kind Kind, amount string) error {
	base, err := units.ToBaseUnits(amount, c.decimals)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUserInput, err)
	}
	if base.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrUserInput)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.flows[kind]
	if s.Step != 1 {
		return fmt.Errorf("%w: amount entry is step 1, flow at step %d", ErrWrongStep, s.Step)
	}
	s.Amount = base
	if kind == KindExternal {
		s.Step = 2
	}
	return nil
}

// EnterRecipient records the third-party recipient at step 2 of the external
// flow.
func (c *Controller) EnterRecipient(kind Kind, recipient string) error {
	if kind != KindExternal {
		return fmt.Errorf("%w: only the external flow takes a recipient", ErrWrongStep)
	}
	if !common.IsHexAddress(recipient) {
		return fmt.Errorf("%w: %q is not a hex address", ErrUserInput, recipient)
	}
	addr := common.HexToAddress(recipient)
	if (addr == common.Address{}) {
		return fmt.Errorf("%w: recipient must be non-zero", ErrUserInput)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.flows[kind]
	if s.Step != 2 {
		return fmt.Errorf("%w: recipient entry is step 2, flow at step %d", ErrWrongStep, s.Step)
	}
	s.Recipient = addr
	return nil
}

// Submit issues the reservation request for the flow and advances it to the
// awaiting-confirmation step.
//
// With the error flag set, Submit performs a full reset instead and issues no
// chain call: a failed attempt is a dead end until explicitly acknowledged.
func (c *Controller) Submit(ctx context.Context, kind Kind) error {
	c.mu.Lock()
	s := c.flows[kind]
	if s.ErrFlag {
		c.resetLocked(kind)
		c.mu.Unlock()
		return nil
	}
	if s.Step != kind.submitStep() {
		c.mu.Unlock()
		return fmt.Errorf("%w: submit is step %d, flow at step %d", ErrWrongStep, kind.submitStep(), s.Step)
	}
	if s.Amount == nil || s.Amount.Sign() <= 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: no amount entered", ErrUserInput)
	}
	recipient := c.owner
	if kind == KindExternal {
		if (s.Recipient == common.Address{}) {
			c.mu.Unlock()
			return fmt.Errorf("%w: no recipient entered", ErrUserInput)
		}
		recipient = s.Recipient
	}
	amount := new(big.Int).Set(s.Amount)
	if c.busy {
		c.mu.Unlock()
		return fmt.Errorf("%w: another action is in flight", ErrConcurrentRequest)
	}
	c.busy = true
	c.mu.Unlock()
	defer c.setIdle()

	bal, err := c.vault.Balances(ctx)
	if err != nil {
		return c.fail(ctx, kind, fmt.Errorf("read balances: %w", err))
	}
	if amount.Cmp(bal.AvailableBalance) > 0 {
		return fmt.Errorf("%w: amount %s exceeds available balance %s",
			ErrUserInput, units.FromBaseUnits(amount, c.decimals), units.FromBaseUnits(bal.AvailableBalance, c.decimals))
	}

	// The reservation slot is authoritative and is always re-read; a snapshot
	// may predate a request submitted elsewhere.
	res, err := c.vault.Reservation(ctx)
	if err != nil {
		return c.fail(ctx, kind, fmt.Errorf("read reservation: %w", err))
	}
	if res.Active() {
		return fmt.Errorf("%w: reservation of %s base units already active",
			ErrConcurrentRequest, res.Amount)
	}

	fees := c.feeParams(ctx)
	result, err := c.vault.RequestWithdrawal(ctx, c.token, recipient, amount, fees)
	if err != nil {
		return c.fail(ctx, kind, err)
	}
	c.log.Info("withdrawal requested",
		"flow", kind.String(), "tx", result.TxHash, "recipient", recipient,
		"amount", units.FromBaseUnits(amount, c.decimals))

	c.mu.Lock()
	s.Step = kind.confirmStep()
	c.mu.Unlock()
	return nil
}

// Confirm closes a flow at its awaiting-confirmation step and rebuilds the
// ledger so the new reservation shows up.
func (c *Controller) Confirm(ctx context.Context, kind Kind) error {
	c.mu.Lock()
	s := c.flows[kind]
	if s.Step != kind.confirmStep() {
		c.mu.Unlock()
		return fmt.Errorf("%w: nothing awaiting confirmation at step %d", ErrWrongStep, s.Step)
	}
	c.resetLocked(kind)
	c.mu.Unlock()

	if _, err := c.Refresh(ctx); err != nil {
		// The flow itself already succeeded; a stale snapshot is recoverable.
		c.log.Warn("post-confirm ledger rebuild failed", "err", err)
	}
	return nil
}

// Cancel cancels the outstanding reservation.
func (c *Controller) Cancel(ctx context.Context) error {
	if err := c.setBusy(); err != nil {
		return err
	}
	defer c.setIdle()

	res, err := c.vault.Reservation(ctx)
	if err != nil {
		return c.failAction(ctx, fmt.Errorf("read reservation: %w", err))
	}
	if !res.Active() {
		return ErrNoActiveRequest
	}

	result, err := c.vault.CancelRequest(ctx, c.token, c.feeParams(ctx))
	if err != nil {
		return c.failAction(ctx, err)
	}
	c.log.Info("withdrawal request cancelled", "tx", result.TxHash)

	if _, err := c.refresh(ctx); err != nil {
		c.log.Warn("post-cancel ledger rebuild failed", "err", err)
	}
	return nil
}

// Complete claims a matured reservation, withdrawing exactly the active
// record's amount to its recorded recipient.
func (c *Controller) Complete(ctx context.Context) error {
	if err := c.setBusy(); err != nil {
		return err
	}
	defer c.setIdle()

	// Rebuild errors are data conditions carried alongside a usable snapshot;
	// they matter here only when they cost us the active record.
	snap, rebuildErr := c.refresh(ctx)
	if snap.Active == nil {
		if rebuildErr != nil {
			return rebuildErr
		}
		return ErrNoActiveRequest
	}
	if snap.Active.Status != ledger.StatusReady {
		return fmt.Errorf("%w: unlocks at %s", ErrNotReady, snap.Active.Date)
	}

	result, err := c.vault.Withdraw(ctx, snap.Active.Token, snap.Active.Recipient, snap.Active.Amount, c.feeParams(ctx))
	if err != nil {
		return c.failAction(ctx, err)
	}
	c.log.Info("withdrawal completed",
		"tx", result.TxHash, "recipient", snap.Active.Recipient,
		"amount", units.FromBaseUnits(snap.Active.Amount, c.decimals))

	if _, err := c.refresh(ctx); err != nil {
		c.log.Warn("post-complete ledger rebuild failed", "err", err)
	}
	return nil
}

// Refresh rebuilds the ledger snapshot. Safe to call concurrently with flow
// actions; it does not take the action slot.
func (c *Controller) Refresh(ctx context.Context) (ledger.Snapshot, error) {
	return c.refresh(ctx)
}

func (c *Controller) refresh(ctx context.Context) (ledger.Snapshot, error) {
	snap, err := c.ledger.Rebuild(ctx)
	if err != nil && snap.Vault == (common.Address{}) {
		return ledger.Snapshot{}, err
	}
	c.mu.Lock()
	c.snap = snap
	c.hasSnap = true
	c.mu.Unlock()
	return snap, err
}

// ResetAll drops all flow state and the cached snapshot. Used when the
// underlying account or chain changes and nothing held locally is meaningful
// anymore.
func (c *Controller) ResetAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked(KindSelf)
	c.resetLocked(KindExternal)
	c.snap = ledger.Snapshot{}
	c.hasSnap = false
}

// Watch consumes wallet events until ctx ends or the stream closes, resetting
// all state on an account or chain switch.
func (c *Controller) Watch(ctx context.Context, events <-chan walletevents.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case walletevents.AccountsChanged, walletevents.ChainChanged:
				c.log.Info("wallet context changed, dropping flow state", "event", ev.Type.String())
				c.ResetAll()
			}
		}
	}
}

// Snapshot returns the last rebuilt ledger, if any pass has completed.
func (c *Controller) Snapshot() (ledger.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap, c.hasSnap
}

func (c *Controller) setBusy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return fmt.Errorf("%w: another action is in flight", ErrConcurrentRequest)
	}
	c.busy = true
	return nil
}

func (c *Controller) setIdle() {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
}

// feeParams returns the last gas estimate, or zero fees when none is
// available yet. Estimation failure never blocks a submission; the node's own
// defaults apply instead.
func (c *Controller) feeParams(ctx context.Context) eth.FeeParams {
	if est, ok := c.gas.Last(); ok {
		return est.FeeParams()
	}
	est, err := c.gas.Estimate(ctx, gas.DefaultBlocksToScan)
	if err != nil {
		c.log.Warn("gas estimate unavailable, submitting with node defaults", "err", err)
		return eth.FeeParams{}
	}
	return est.FeeParams()
}

// fail marks the flow failed in place. The step is left unchanged so the
// failure is observable where it happened, and the fee estimate is refreshed
// on the assumption that stale fees caused it.
func (c *Controller) fail(ctx context.Context, kind Kind, err error) error {
	c.mu.Lock()
	c.flows[kind].ErrFlag = true
	c.mu.Unlock()
	c.refreshGas(ctx)
	return fmt.Errorf("flow: submit %s withdrawal: %w", kind, err)
}

func (c *Controller) failAction(ctx context.Context, err error) error {
	c.refreshGas(ctx)
	return err
}

func (c *Controller) refreshGas(ctx context.Context) {
	if _, err := c.gas.Estimate(ctx, gas.DefaultBlocksToScan); err != nil {
		c.log.Warn("gas refresh after failure failed", "err", err)
	}
}
