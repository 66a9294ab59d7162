package registry

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/stratos-custody/vaultsync/internal/chain"
	"github.com/stratos-custody/vaultsync/internal/chain/chaintest"
	"github.com/stratos-custody/vaultsync/internal/eth"
	"github.com/stratos-custody/vaultsync/internal/vaultabi"
)

var (
	testRegistry = common.HexToAddress("0x9000000000000000000000000000000000000009")
	testOwner    = common.HexToAddress("0x4000000000000000000000000000000000000004")
	testVault    = common.HexToAddress("0x1000000000000000000000000000000000000001")
)

type fakeSubmitter struct {
	requests []eth.TxRequest
	result   eth.SubmitResult
	err      error
}

func (f *fakeSubmitter) Submit(_ context.Context, req eth.TxRequest) (eth.SubmitResult, error) {
	f.requests = append(f.requests, req)
	return f.result, f.err
}

func testRetry() chain.RetryPolicy {
	return chain.RetryPolicy{Attempts: 1}
}

// scriptRegistryReads answers getVaultAddressByOwner and
// getWithdrawalReservationLockDuration for one owner.
func scriptRegistryReads(t *testing.T, backend *chaintest.Backend, owner, vault common.Address, lockSeconds int64) {
	t.Helper()

	ra, err := vaultabi.Registry()
	if err != nil {
		t.Fatalf("registry abi: %v", err)
	}
	byOwnerCall, err := vaultabi.PackVaultAddressByOwner(owner)
	if err != nil {
		t.Fatalf("pack getVaultAddressByOwner: %v", err)
	}
	lockCall, err := vaultabi.PackLockDuration()
	if err != nil {
		t.Fatalf("pack lock duration call: %v", err)
	}
	byOwnerOut, err := ra.Methods["getVaultAddressByOwner"].Outputs.Pack(vault)
	if err != nil {
		t.Fatalf("pack vault address out: %v", err)
	}
	lockOut, err := ra.Methods["getWithdrawalReservationLockDuration"].Outputs.Pack(big.NewInt(lockSeconds))
	if err != nil {
		t.Fatalf("pack lock duration out: %v", err)
	}

	backend.CallFn = func(msg ethereum.CallMsg) ([]byte, error) {
		if msg.To == nil || *msg.To != testRegistry {
			return nil, errors.New("unexpected call target")
		}
		switch {
		case bytes.Equal(msg.Data, byOwnerCall):
			return byOwnerOut, nil
		case bytes.Equal(msg.Data, lockCall):
			return lockOut, nil
		default:
			return nil, errors.New("unexpected calldata")
		}
	}
}

func TestClient_VaultAddressByOwner(t *testing.T) {
	t.Parallel()

	backend := &chaintest.Backend{}
	scriptRegistryReads(t, backend, testOwner, testVault, 600)

	c, err := NewClient(backend, nil, testRegistry, testRetry())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	addr, err := c.VaultAddressByOwner(context.Background(), testOwner)
	if err != nil {
		t.Fatalf("VaultAddressByOwner: %v", err)
	}
	if addr != testVault {
		t.Fatalf("vault = %s, want %s", addr, testVault)
	}
}

func TestClient_VaultAddressByOwnerNoVault(t *testing.T) {
	t.Parallel()

	backend := &chaintest.Backend{}
	scriptRegistryReads(t, backend, testOwner, common.Address{}, 600)

	c, err := NewClient(backend, nil, testRegistry, testRetry())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = c.VaultAddressByOwner(context.Background(), testOwner)
	if !errors.Is(err, ErrNoVault) {
		t.Fatalf("got %v, want ErrNoVault", err)
	}
}

func TestClient_LockDuration(t *testing.T) {
	t.Parallel()

	backend := &chaintest.Backend{}
	scriptRegistryReads(t, backend, testOwner, testVault, 86_400)

	c, err := NewClient(backend, nil, testRegistry, testRetry())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	d, err := c.LockDuration(context.Background())
	if err != nil {
		t.Fatalf("LockDuration: %v", err)
	}
	if d != 24*time.Hour {
		t.Fatalf("LockDuration = %v, want 24h", d)
	}
}

func TestClient_CreateVaultReturnsInitializedAddress(t *testing.T) {
	t.Parallel()

	ra, err := vaultabi.Registry()
	if err != nil {
		t.Fatalf("registry abi: %v", err)
	}
	ev := ra.Events["ContractInitialized"]
	data, err := ev.Inputs.NonIndexed().Pack(testVault)
	if err != nil {
		t.Fatalf("pack event data: %v", err)
	}

	sub := &fakeSubmitter{result: eth.SubmitResult{
		TxHash: common.HexToHash("0xfeed"),
		Receipt: &types.Receipt{Logs: []*types.Log{{
			Address: testRegistry,
			Topics:  []common.Hash{ev.ID},
			Data:    data,
		}}},
	}}

	c, err := NewClient(&chaintest.Backend{}, sub, testRegistry, testRetry())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	vaultAddr, res, err := c.CreateVault(context.Background(), testOwner, eth.FeeParams{GasLimit: 900_000})
	if err != nil {
		t.Fatalf("CreateVault: %v", err)
	}
	if vaultAddr != testVault {
		t.Fatalf("vault = %s, want %s", vaultAddr, testVault)
	}
	if res.TxHash != sub.result.TxHash {
		t.Fatalf("TxHash = %s", res.TxHash)
	}

	want, err := vaultabi.PackCreateVault(testOwner)
	if err != nil {
		t.Fatalf("pack createVault: %v", err)
	}
	if len(sub.requests) != 1 || !bytes.Equal(sub.requests[0].Data, want) {
		t.Fatalf("calldata mismatch")
	}
}

func TestClient_CreateVaultReadOnly(t *testing.T) {
	t.Parallel()

	c, err := NewClient(&chaintest.Backend{}, nil, testRegistry, testRetry())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, _, err = c.CreateVault(context.Background(), testOwner, eth.FeeParams{})
	if !errors.Is(err, ErrInvalidClientConfig) {
		t.Fatalf("got %v, want ErrInvalidClientConfig", err)
	}
}

func TestDeriveContractAddress(t *testing.T) {
	t.Parallel()

	deployer := common.HexToAddress("0x5000000000000000000000000000000000000005")
	if got, want := DeriveContractAddress(deployer, 7), crypto.CreateAddress(deployer, 7); got != want {
		t.Fatalf("DeriveContractAddress = %s, want %s", got, want)
	}
	if DeriveContractAddress(deployer, 0) == DeriveContractAddress(deployer, 1) {
		t.Fatalf("nonce must change the derived address")
	}
}

func TestClient_ContractAddressFromTx(t *testing.T) {
	t.Parallel()

	txHash := common.HexToHash("0xc0de")
	backend := &chaintest.Backend{
		Receipts: map[common.Hash]*types.Receipt{
			txHash: {ContractAddress: testVault},
		},
	}

	c, err := NewClient(backend, nil, testRegistry, testRetry())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	addr, err := c.ContractAddressFromTx(context.Background(), txHash)
	if err != nil {
		t.Fatalf("ContractAddressFromTx: %v", err)
	}
	if addr != testVault {
		t.Fatalf("addr = %s, want %s", addr, testVault)
	}
}

func TestClient_ContractAddressFromTxNonCreation(t *testing.T) {
	t.Parallel()

	txHash := common.HexToHash("0xd00d")
	backend := &chaintest.Backend{
		Receipts: map[common.Hash]*types.Receipt{txHash: {}},
	}

	c, err := NewClient(backend, nil, testRegistry, testRetry())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = c.ContractAddressFromTx(context.Background(), txHash)
	if !errors.Is(err, ErrNoContractAddress) {
		t.Fatalf("got %v, want ErrNoContractAddress", err)
	}
}
