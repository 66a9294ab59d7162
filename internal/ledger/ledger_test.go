package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/stratos-custody/vaultsync/internal/chain"
	"github.com/stratos-custody/vaultsync/internal/chain/chaintest"
	"github.com/stratos-custody/vaultsync/internal/registry"
	"github.com/stratos-custody/vaultsync/internal/vault"
	"github.com/stratos-custody/vaultsync/internal/vaultabi"
	"github.com/stratos-custody/vaultsync/internal/window"
)

var (
	testVault    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testRegistry = common.HexToAddress("0x2222222222222222222222222222222222222222")
	tokenA       = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	tokenB       = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	alice        = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob          = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func testRetry() chain.RetryPolicy {
	return chain.RetryPolicy{Attempts: 1}
}

func newTestBuilder(t *testing.T, backend chain.Backend, now time.Time) *Builder {
	t.Helper()
	vc, err := vault.NewClient(backend, nil, testVault, testRetry())
	if err != nil {
		t.Fatalf("vault client: %v", err)
	}
	rc, err := registry.NewClient(backend, nil, testRegistry, testRetry())
	if err != nil {
		t.Fatalf("registry client: %v", err)
	}
	tracker, err := window.NewTracker(backend, testRetry())
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}
	tracker.Restore(window.Window{LastScannedBlock: 100, BlockOffset: 100})

	b, err := NewBuilder(backend, vc, rc, tracker, BuilderConfig{
		Retry: testRetry(),
		Now:   func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("builder: %v", err)
	}
	return b
}

// scriptReads wires the backend's eth_call path to a fixed reservation and
// lock duration.
func scriptReads(t *testing.T, backend *chaintest.Backend, amount, unlock *big.Int, lockSeconds int64) {
	t.Helper()
	resCallB, resCallErr := vaultabi.PackVaultCall("getWithdrawReservation")
	resCall := mustBytes(t, resCallB, resCallErr)
	lockCallB, lockCallErr := vaultabi.PackLockDuration()
	lockCall := mustBytes(t, lockCallB, lockCallErr)

	va, err := vaultabi.Vault()
	if err != nil {
		t.Fatalf("vault abi: %v", err)
	}
	ra, err := vaultabi.Registry()
	if err != nil {
		t.Fatalf("registry abi: %v", err)
	}
	resOut, err := va.Methods["getWithdrawReservation"].Outputs.Pack(amount, unlock)
	if err != nil {
		t.Fatalf("pack reservation output: %v", err)
	}
	lockOut, err := ra.Methods["getWithdrawalReservationLockDuration"].Outputs.Pack(big.NewInt(lockSeconds))
	if err != nil {
		t.Fatalf("pack lock duration output: %v", err)
	}

	backend.CallFn = func(msg ethereum.CallMsg) ([]byte, error) {
		switch {
		case bytes.Equal(msg.Data, resCall):
			return resOut, nil
		case bytes.Equal(msg.Data, lockCall):
			return lockOut, nil
		}
		return nil, fmt.Errorf("unexpected call data %x", msg.Data)
	}
}

func mustBytes(t *testing.T, b []byte, err error) []byte {
	t.Helper()
	if err != nil {
		t.Fatalf("pack calldata: %v", err)
	}
	return b
}

func eventLog(t *testing.T, name string, indexed common.Address, block uint64, idx uint, txHash common.Hash, data ...any) types.Log {
	t.Helper()
	va, err := vaultabi.Vault()
	if err != nil {
		t.Fatalf("vault abi: %v", err)
	}
	ev, ok := va.Events[name]
	if !ok {
		t.Fatalf("unknown event %s", name)
	}
	packed, err := ev.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		t.Fatalf("pack %s data: %v", name, err)
	}
	return types.Log{
		Address:     testVault,
		Topics:      []common.Hash{ev.ID, common.BytesToHash(indexed.Bytes())},
		Data:        packed,
		BlockNumber: block,
		TxHash:      txHash,
		Index:       idx,
	}
}

func requestTx(t *testing.T, token, recipient common.Address, amount *big.Int) *types.Transaction {
	t.Helper()
	packed, err := vaultabi.PackRequestWithdrawal(token, recipient, amount)
	data := mustBytes(t, packed, err)
	return types.NewTx(&types.LegacyTx{Gas: 100_000, To: &testVault, Data: data})
}

func header(block uint64, ts int64) *types.Header {
	return &types.Header{Number: new(big.Int).SetUint64(block), Time: uint64(ts)}
}

func TestRebuildActivePending(t *testing.T) {
	t.Parallel()

	now := time.Unix(100_000, 0)
	unlock := big.NewInt(100_600)
	amount := big.NewInt(5_000_000)
	reqHash := common.HexToHash("0x01")

	backend := &chaintest.Backend{
		Head: 100,
		Logs: []types.Log{
			eventLog(t, "WithdrawRequested", tokenA, 90, 0, reqHash, amount, unlock),
		},
		Txs: map[common.Hash]*types.Transaction{
			reqHash: requestTx(t, tokenA, alice, amount),
		},
	}
	scriptReads(t, backend, amount, unlock, 600)

	snap, err := newTestBuilder(t, backend, now).Rebuild(context.Background())
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if snap.IsPartial() {
		t.Fatalf("unexpected partial categories %v", snap.Partial)
	}
	if snap.Active == nil {
		t.Fatal("expected an active record")
	}
	if snap.Active.Status != StatusPending {
		t.Errorf("status = %v, want pending", snap.Active.Status)
	}
	if snap.Active.Recipient != alice {
		t.Errorf("recipient = %s, want %s", snap.Active.Recipient, alice)
	}
	if snap.Active.Token != tokenA {
		t.Errorf("token = %s, want %s", snap.Active.Token, tokenA)
	}
	wantDate := time.Unix(100_000, 0) // unlock 100600 minus 600s lock
	if !snap.Active.Date.Equal(wantDate) {
		t.Errorf("date = %v, want %v", snap.Active.Date, wantDate)
	}
	if len(snap.Records) != 1 || snap.Records[0] != *snap.Active {
		t.Errorf("active record must open Records, got %v", snap.Records)
	}
}

func TestRebuildActiveReady(t *testing.T) {
	t.Parallel()

	unlock := big.NewInt(100_600)
	amount := big.NewInt(42)
	reqHash := common.HexToHash("0x02")

	backend := &chaintest.Backend{
		Head: 100,
		Logs: []types.Log{
			eventLog(t, "WithdrawRequested", tokenA, 90, 0, reqHash, amount, unlock),
		},
		Txs: map[common.Hash]*types.Transaction{
			reqHash: requestTx(t, tokenA, alice, amount),
		},
	}
	scriptReads(t, backend, amount, unlock, 600)

	// Clock exactly at unlock time counts as ready.
	snap, err := newTestBuilder(t, backend, time.Unix(100_600, 0)).Rebuild(context.Background())
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if snap.Active == nil || snap.Active.Status != StatusReady {
		t.Fatalf("active = %+v, want ready", snap.Active)
	}
}

func TestRebuildEmptyReservation(t *testing.T) {
	t.Parallel()

	reqHash := common.HexToHash("0x03")
	backend := &chaintest.Backend{
		Head: 100,
		Logs: []types.Log{
			eventLog(t, "WithdrawRequested", tokenA, 90, 0, reqHash, big.NewInt(7), big.NewInt(100_600)),
		},
		Txs: map[common.Hash]*types.Transaction{
			reqHash: requestTx(t, tokenA, alice, big.NewInt(7)),
		},
	}
	scriptReads(t, backend, big.NewInt(0), big.NewInt(0), 600)

	snap, err := newTestBuilder(t, backend, time.Unix(100_000, 0)).Rebuild(context.Background())
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if snap.Active != nil {
		t.Errorf("active = %+v, want nil when the reservation slot is empty", snap.Active)
	}
	if len(snap.Records) != 0 {
		t.Errorf("records = %v, want none", snap.Records)
	}
}

func TestRebuildPicksNewestRequest(t *testing.T) {
	t.Parallel()

	amount := big.NewInt(9)
	unlock := big.NewInt(100_600)
	oldHash := common.HexToHash("0x04")
	newHash := common.HexToHash("0x05")

	backend := &chaintest.Backend{
		Head: 100,
		Logs: []types.Log{
			eventLog(t, "WithdrawRequested", tokenA, 80, 0, oldHash, amount, unlock),
			eventLog(t, "WithdrawRequested", tokenA, 95, 0, newHash, amount, unlock),
		},
		Txs: map[common.Hash]*types.Transaction{
			oldHash: requestTx(t, tokenA, bob, amount),
			newHash: requestTx(t, tokenA, alice, amount),
		},
	}
	scriptReads(t, backend, amount, unlock, 600)

	snap, err := newTestBuilder(t, backend, time.Unix(100_000, 0)).Rebuild(context.Background())
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if snap.Active == nil || snap.Active.Recipient != alice {
		t.Fatalf("active = %+v, want recipient %s from the newest request", snap.Active, alice)
	}
	if snap.Active.TxHash != newHash {
		t.Errorf("tx = %s, want %s", snap.Active.TxHash, newHash)
	}
}

func TestRebuildReconciliationGap(t *testing.T) {
	t.Parallel()

	backend := &chaintest.Backend{Head: 100}
	scriptReads(t, backend, big.NewInt(1_000), big.NewInt(100_600), 600)

	snap, err := newTestBuilder(t, backend, time.Unix(100_000, 0)).Rebuild(context.Background())
	if !errors.Is(err, ErrReconciliationGap) {
		t.Fatalf("err = %v, want ErrReconciliationGap", err)
	}
	if !snap.GapDetected {
		t.Error("GapDetected not set")
	}
	if snap.Active != nil {
		t.Errorf("active = %+v, want nil on a gap", snap.Active)
	}
	if snap.IsPartial() {
		t.Errorf("a gap is a data condition, not a partial fetch: %v", snap.Partial)
	}
}

func TestRebuildCancelledCorrelation(t *testing.T) {
	t.Parallel()

	amount := big.NewInt(33)
	reqHash := common.HexToHash("0x06")
	cancelHash := common.HexToHash("0x07")

	backend := &chaintest.Backend{
		Head: 100,
		Logs: []types.Log{
			eventLog(t, "WithdrawRequested", tokenA, 10, 0, reqHash, amount, big.NewInt(50_000)),
			eventLog(t, "CancelledReservation", tokenA, 12, 0, cancelHash, amount),
		},
		Txs: map[common.Hash]*types.Transaction{
			reqHash: requestTx(t, tokenA, alice, amount),
		},
		Headers: map[uint64]*types.Header{
			12: header(12, 49_000),
		},
	}
	scriptReads(t, backend, big.NewInt(0), big.NewInt(0), 600)

	snap, err := newTestBuilder(t, backend, time.Unix(100_000, 0)).Rebuild(context.Background())
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if len(snap.Records) != 1 {
		t.Fatalf("records = %v, want one cancelled record", snap.Records)
	}
	rec := snap.Records[0]
	if rec.Status != StatusCancelled {
		t.Errorf("status = %v, want cancelled", rec.Status)
	}
	if rec.Recipient != alice {
		t.Errorf("recipient = %s, want %s from the correlated request", rec.Recipient, alice)
	}
	if !rec.Date.Equal(time.Unix(49_000, 0)) {
		t.Errorf("date = %v, want block 12 timestamp", rec.Date)
	}
}

func TestRebuildUnmatchedCancellation(t *testing.T) {
	t.Parallel()

	backend := &chaintest.Backend{
		Head: 100,
		Logs: []types.Log{
			// Amount differs from every request in the window.
			eventLog(t, "CancelledReservation", tokenB, 12, 0, common.HexToHash("0x08"), big.NewInt(777)),
		},
	}
	scriptReads(t, backend, big.NewInt(0), big.NewInt(0), 600)

	snap, err := newTestBuilder(t, backend, time.Unix(100_000, 0)).Rebuild(context.Background())
	if !errors.Is(err, ErrUnmatchedCancellation) {
		t.Fatalf("err = %v, want ErrUnmatchedCancellation", err)
	}
	if len(snap.Records) != 0 {
		t.Errorf("records = %v, want none for an unmatched cancellation", snap.Records)
	}
}

func TestRebuildAmbiguousCorrelationIsDeterministic(t *testing.T) {
	t.Parallel()

	amount := big.NewInt(50)
	oldHash := common.HexToHash("0x09")
	newHash := common.HexToHash("0x0a")

	backend := &chaintest.Backend{
		Head: 100,
		Logs: []types.Log{
			// Two requests indistinguishable by (token, amount), then one cancel.
			eventLog(t, "WithdrawRequested", tokenA, 5, 0, oldHash, amount, big.NewInt(40_000)),
			eventLog(t, "WithdrawRequested", tokenA, 8, 0, newHash, amount, big.NewInt(41_000)),
			eventLog(t, "CancelledReservation", tokenA, 12, 0, common.HexToHash("0x0b"), amount),
		},
		Txs: map[common.Hash]*types.Transaction{
			oldHash: requestTx(t, tokenA, bob, amount),
			newHash: requestTx(t, tokenA, alice, amount),
		},
		Headers: map[uint64]*types.Header{
			12: header(12, 42_000),
		},
	}
	scriptReads(t, backend, big.NewInt(0), big.NewInt(0), 600)

	b := newTestBuilder(t, backend, time.Unix(100_000, 0))
	first, err := b.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if len(first.Records) != 1 || first.Records[0].Recipient != alice {
		t.Fatalf("records = %v, want single record attributed to the newer request", first.Records)
	}
	second, err := b.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("Rebuild (second pass): %v", err)
	}
	a, b2 := first.Records[0], second.Records[0]
	if a.Recipient != b2.Recipient || a.TxHash != b2.TxHash || a.Amount.Cmp(b2.Amount) != 0 || !a.Date.Equal(b2.Date) {
		t.Errorf("passes disagree: %+v vs %+v", a, b2)
	}
}

func TestRebuildCompletedAndOrdering(t *testing.T) {
	t.Parallel()

	amount := big.NewInt(12)
	reqHash := common.HexToHash("0x0c")

	backend := &chaintest.Backend{
		Head: 100,
		Logs: []types.Log{
			eventLog(t, "WithdrawRequested", tokenA, 10, 0, reqHash, amount, big.NewInt(50_000)),
			eventLog(t, "CancelledReservation", tokenA, 12, 0, common.HexToHash("0x0d"), amount),
			eventLog(t, "Withdrawal", bob, 20, 0, common.HexToHash("0x0e"), big.NewInt(99)),
		},
		Txs: map[common.Hash]*types.Transaction{
			reqHash: requestTx(t, tokenA, alice, amount),
		},
		Headers: map[uint64]*types.Header{
			12: header(12, 49_000),
			20: header(20, 60_000),
		},
	}
	scriptReads(t, backend, big.NewInt(0), big.NewInt(0), 600)

	snap, err := newTestBuilder(t, backend, time.Unix(100_000, 0)).Rebuild(context.Background())
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if len(snap.Records) != 2 {
		t.Fatalf("records = %v, want cancelled + complete", snap.Records)
	}
	if snap.Records[0].Status != StatusComplete || snap.Records[0].Recipient != bob {
		t.Errorf("records[0] = %+v, want the newer complete record first", snap.Records[0])
	}
	if snap.Records[1].Status != StatusCancelled {
		t.Errorf("records[1] = %+v, want the older cancelled record", snap.Records[1])
	}
}

func TestRebuildPartialOnReservationError(t *testing.T) {
	t.Parallel()

	backend := &chaintest.Backend{
		Head: 100,
		Logs: []types.Log{
			eventLog(t, "Withdrawal", bob, 20, 0, common.HexToHash("0x0f"), big.NewInt(3)),
		},
		Headers: map[uint64]*types.Header{
			20: header(20, 60_000),
		},
		Errs: map[string]error{"CallContract": errors.New("rpc down")},
	}

	snap, err := newTestBuilder(t, backend, time.Unix(100_000, 0)).Rebuild(context.Background())
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if len(snap.Partial) != 1 || snap.Partial[0] != "reservation" {
		t.Errorf("partial = %v, want [reservation]", snap.Partial)
	}
	if len(snap.Records) != 1 || snap.Records[0].Status != StatusComplete {
		t.Errorf("records = %v, want the complete record despite the failed read", snap.Records)
	}
}

func TestRebuildPartialOnLogFetchError(t *testing.T) {
	t.Parallel()

	backend := &chaintest.Backend{
		Head: 100,
		Errs: map[string]error{"FilterLogs": errors.New("rpc down")},
	}
	scriptReads(t, backend, big.NewInt(10), big.NewInt(100_600), 600)

	snap, err := newTestBuilder(t, backend, time.Unix(100_000, 0)).Rebuild(context.Background())
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	want := map[string]bool{"active": true, "cancelled": true, "completed": true}
	if len(snap.Partial) != len(want) {
		t.Fatalf("partial = %v, want %v", snap.Partial, want)
	}
	for _, cat := range snap.Partial {
		if !want[cat] {
			t.Errorf("unexpected partial category %q", cat)
		}
	}
	if snap.GapDetected {
		t.Error("a failed log fetch must not report a gap")
	}
}

// topicFailingBackend fails FilterLogs for a single topic and delegates
// everything else to the scripted backend.
type topicFailingBackend struct {
	*chaintest.Backend
	topic common.Hash
}

func (b *topicFailingBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if len(q.Topics) > 0 && len(q.Topics[0]) > 0 && q.Topics[0][0] == b.topic {
		return nil, errors.New("rpc down")
	}
	return b.Backend.FilterLogs(ctx, q)
}

func TestRebuildCancelledPartialOnRequestFetchError(t *testing.T) {
	t.Parallel()

	inner := &chaintest.Backend{
		Head: 100,
		Logs: []types.Log{
			eventLog(t, "CancelledReservation", tokenA, 40, 0, common.HexToHash("0x20"), big.NewInt(7)),
		},
	}
	scriptReads(t, inner, big.NewInt(0), big.NewInt(0), 600)

	reqTopic, err := vaultabi.WithdrawRequestedID()
	if err != nil {
		t.Fatalf("topic: %v", err)
	}
	backend := &topicFailingBackend{Backend: inner, topic: reqTopic}

	snap, err := newTestBuilder(t, backend, time.Unix(100_000, 0)).Rebuild(context.Background())
	if err != nil {
		t.Fatalf("a failed request fetch must not surface as a data condition, got %v", err)
	}
	if len(snap.Records) != 0 {
		t.Errorf("records = %v, want none", snap.Records)
	}
	if len(snap.Partial) != 1 || snap.Partial[0] != "cancelled" {
		t.Errorf("partial = %v, want [cancelled]", snap.Partial)
	}
}

func TestRebuildCancelledDroppedOnRecipientError(t *testing.T) {
	t.Parallel()

	amount := big.NewInt(21)
	backend := &chaintest.Backend{
		Head: 100,
		Logs: []types.Log{
			eventLog(t, "WithdrawRequested", tokenA, 10, 0, common.HexToHash("0x22"), amount, big.NewInt(50_000)),
			eventLog(t, "CancelledReservation", tokenA, 12, 0, common.HexToHash("0x23"), amount),
		},
		// No Txs scripted: the correlated request's calldata is unreachable.
	}
	scriptReads(t, backend, big.NewInt(0), big.NewInt(0), 600)

	snap, err := newTestBuilder(t, backend, time.Unix(100_000, 0)).Rebuild(context.Background())
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if len(snap.Records) != 0 {
		t.Errorf("records = %v, want no record without a recovered recipient", snap.Records)
	}
	if len(snap.Partial) != 1 || snap.Partial[0] != "cancelled" {
		t.Errorf("partial = %v, want [cancelled]", snap.Partial)
	}
}

func TestRebuildPartialOnHeaderError(t *testing.T) {
	t.Parallel()

	backend := &chaintest.Backend{
		Head: 100,
		Logs: []types.Log{
			eventLog(t, "Withdrawal", bob, 20, 0, common.HexToHash("0x10"), big.NewInt(3)),
		},
		Errs: map[string]error{"HeaderByNumber": errors.New("rpc down")},
	}
	scriptReads(t, backend, big.NewInt(0), big.NewInt(0), 600)

	snap, err := newTestBuilder(t, backend, time.Unix(100_000, 0)).Rebuild(context.Background())
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if len(snap.Partial) != 1 || snap.Partial[0] != "timestamps" {
		t.Errorf("partial = %v, want [timestamps]", snap.Partial)
	}
	if len(snap.Records) != 1 || !snap.Records[0].Date.IsZero() {
		t.Errorf("records = %v, want one record with a zero date", snap.Records)
	}
}

func TestNewBuilderValidation(t *testing.T) {
	t.Parallel()

	backend := &chaintest.Backend{}
	vc, _ := vault.NewClient(backend, nil, testVault, testRetry())
	rc, _ := registry.NewClient(backend, nil, testRegistry, testRetry())
	tracker, _ := window.NewTracker(backend, testRetry())

	if _, err := NewBuilder(nil, vc, rc, tracker, BuilderConfig{}); !errors.Is(err, ErrInvalidBuilderConfig) {
		t.Errorf("nil backend: err = %v", err)
	}
	if _, err := NewBuilder(backend, nil, rc, tracker, BuilderConfig{}); !errors.Is(err, ErrInvalidBuilderConfig) {
		t.Errorf("nil vault: err = %v", err)
	}
	if _, err := NewBuilder(backend, vc, nil, tracker, BuilderConfig{}); !errors.Is(err, ErrInvalidBuilderConfig) {
		t.Errorf("nil registry: err = %v", err)
	}
	if _, err := NewBuilder(backend, vc, rc, nil, BuilderConfig{}); !errors.Is(err, ErrInvalidBuilderConfig) {
		t.Errorf("nil tracker: err = %v", err)
	}
	if _, err := NewBuilder(backend, vc, rc, tracker, BuilderConfig{HeaderConcurrency: -1}); !errors.Is(err, ErrInvalidBuilderConfig) {
		t.Errorf("negative concurrency: err = %v", err)
	}
}
