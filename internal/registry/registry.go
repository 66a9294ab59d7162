// Package registry is the client for the VaultRegistry factory contract.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/stratos-custody/vaultsync/internal/chain"
	"github.com/stratos-custody/vaultsync/internal/eth"
	"github.com/stratos-custody/vaultsync/internal/vaultabi"
)

var (
	ErrInvalidClientConfig = errors.New("registry: invalid client config")
	ErrNoVault             = errors.New("registry: owner has no vault")
	ErrNoContractAddress   = errors.New("registry: receipt carries no contract address")
)

// Submitter drives a mutating call to a mined receipt.
type Submitter interface {
	Submit(ctx context.Context, req eth.TxRequest) (eth.SubmitResult, error)
}

type Client struct {
	backend   chain.Backend
	submitter Submitter
	addr      common.Address
	retry     chain.RetryPolicy
}

// NewClient builds a registry client. submitter may be nil for read-only use.
func NewClient(backend chain.Backend, submitter Submitter, addr common.Address, retry chain.RetryPolicy) (*Client, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidClientConfig)
	}
	if (addr == common.Address{}) {
		return nil, fmt.Errorf("%w: zero registry address", ErrInvalidClientConfig)
	}
	return &Client{backend: backend, submitter: submitter, addr: addr, retry: retry}, nil
}

func (c *Client) Address() common.Address { return c.addr }

// VaultAddressByOwner resolves the owner's vault. ErrNoVault when the owner
// has not created one yet (zero address from the contract).
func (c *Client) VaultAddressByOwner(ctx context.Context, owner common.Address) (common.Address, error) {
	calldata, err := vaultabi.PackVaultAddressByOwner(owner)
	if err != nil {
		return common.Address{}, err
	}
	out, err := c.call(ctx, calldata)
	if err != nil {
		return common.Address{}, err
	}
	addr, err := vaultabi.UnpackVaultAddress(out)
	if err != nil {
		return common.Address{}, err
	}
	if (addr == common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: owner %s", ErrNoVault, owner)
	}
	return addr, nil
}

// LockDuration reads the registry-wide reservation lock duration.
func (c *Client) LockDuration(ctx context.Context) (time.Duration, error) {
	calldata, err := vaultabi.PackLockDuration()
	if err != nil {
		return 0, err
	}
	out, err := c.call(ctx, calldata)
	if err != nil {
		return 0, err
	}
	secs, err := vaultabi.UnpackLockDuration(out)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs.Int64()) * time.Second, nil
}

// CreateVault submits createVault(owner), waits for the receipt, and returns
// the new vault address from the ContractInitialized event.
func (c *Client) CreateVault(ctx context.Context, owner common.Address, fees eth.FeeParams) (common.Address, eth.SubmitResult, error) {
	if c.submitter == nil {
		return common.Address{}, eth.SubmitResult{}, fmt.Errorf("%w: client is read-only", ErrInvalidClientConfig)
	}
	calldata, err := vaultabi.PackCreateVault(owner)
	if err != nil {
		return common.Address{}, eth.SubmitResult{}, err
	}
	res, err := c.submitter.Submit(ctx, eth.TxRequest{To: c.addr, Data: calldata, Fees: fees})
	if err != nil {
		return common.Address{}, res, err
	}
	vaultAddr, err := vaultabi.ParseContractInitialized(res.Receipt.Logs, c.addr)
	if err != nil {
		return common.Address{}, res, err
	}
	return vaultAddr, res, nil
}

// DeriveContractAddress computes the address a deployer account creates at
// the given nonce (RLP(deployer, nonce) keccak tail), for recovering a vault
// deployed outside the registry flow.
func DeriveContractAddress(deployer common.Address, nonce uint64) common.Address {
	return crypto.CreateAddress(deployer, nonce)
}

// ContractAddressFromTx recovers a deployed contract address from its
// creation transaction receipt.
func (c *Client) ContractAddressFromTx(ctx context.Context, txHash common.Hash) (common.Address, error) {
	var addr common.Address
	err := chain.Do(ctx, c.retry, func(ctx context.Context) error {
		receipt, err := c.backend.TransactionReceipt(ctx, txHash)
		if err != nil {
			return err
		}
		addr = receipt.ContractAddress
		return nil
	})
	if err != nil {
		return common.Address{}, err
	}
	if (addr == common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: tx %s", ErrNoContractAddress, txHash)
	}
	return addr, nil
}

func (c *Client) call(ctx context.Context, calldata []byte) ([]byte, error) {
	var out []byte
	err := chain.Do(ctx, c.retry, func(ctx context.Context) error {
		b, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.addr, Data: calldata}, nil)
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}
