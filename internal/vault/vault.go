// Package vault is the typed client for a single per-account Vault contract.
package vault

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/stratos-custody/vaultsync/internal/chain"
	"github.com/stratos-custody/vaultsync/internal/eth"
	"github.com/stratos-custody/vaultsync/internal/vaultabi"
)

var ErrInvalidClientConfig = errors.New("vault: invalid client config")

// Reservation is the contract's withdrawal reservation slot. Amount > 0 is
// the sole authoritative signal that an active reservation exists; it is
// always re-read from the contract, never cached.
type Reservation struct {
	Amount     *big.Int
	UnlockTime time.Time
}

func (r Reservation) Active() bool {
	return r.Amount != nil && r.Amount.Sign() > 0
}

// Balances mirrors getTokenBalances(), all fields in base units.
type Balances = vaultabi.Balances

// Submitter drives a mutating call to a mined receipt.
type Submitter interface {
	Submit(ctx context.Context, req eth.TxRequest) (eth.SubmitResult, error)
}

// Client reads and mutates one Vault contract instance.
type Client struct {
	backend   chain.Backend
	submitter Submitter
	addr      common.Address
	retry     chain.RetryPolicy
}

// NewClient builds a vault client. submitter may be nil for read-only use.
func NewClient(backend chain.Backend, submitter Submitter, addr common.Address, retry chain.RetryPolicy) (*Client, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidClientConfig)
	}
	if (addr == common.Address{}) {
		return nil, fmt.Errorf("%w: zero vault address", ErrInvalidClientConfig)
	}
	return &Client{backend: backend, submitter: submitter, addr: addr, retry: retry}, nil
}

func (c *Client) Address() common.Address { return c.addr }

// Reservation reads the current withdrawal reservation slot.
func (c *Client) Reservation(ctx context.Context) (Reservation, error) {
	calldata, err := vaultabi.PackVaultCall("getWithdrawReservation")
	if err != nil {
		return Reservation{}, err
	}
	out, err := c.call(ctx, calldata)
	if err != nil {
		return Reservation{}, err
	}
	amount, unlock, err := vaultabi.UnpackReservation(out)
	if err != nil {
		return Reservation{}, err
	}
	return Reservation{
		Amount:     amount,
		UnlockTime: time.Unix(unlock.Int64(), 0).UTC(),
	}, nil
}

// Balances reads the vault's token balance tuple.
func (c *Client) Balances(ctx context.Context) (Balances, error) {
	calldata, err := vaultabi.PackVaultCall("getTokenBalances")
	if err != nil {
		return Balances{}, err
	}
	out, err := c.call(ctx, calldata)
	if err != nil {
		return Balances{}, err
	}
	return vaultabi.UnpackBalances(out)
}

// RequestWithdrawal submits requestWithdrawal(token, recipient, amount) and
// waits for the receipt.
func (c *Client) RequestWithdrawal(ctx context.Context, token, recipient common.Address, amount *big.Int, fees eth.FeeParams) (eth.SubmitResult, error) {
	calldata, err := vaultabi.PackRequestWithdrawal(token, recipient, amount)
	if err != nil {
		return eth.SubmitResult{}, err
	}
	return c.submit(ctx, calldata, fees)
}

// Withdraw submits withdraw(token, recipient, amount) claiming a matured
// reservation.
func (c *Client) Withdraw(ctx context.Context, token, recipient common.Address, amount *big.Int, fees eth.FeeParams) (eth.SubmitResult, error) {
	calldata, err := vaultabi.PackWithdraw(token, recipient, amount)
	if err != nil {
		return eth.SubmitResult{}, err
	}
	return c.submit(ctx, calldata, fees)
}

// CancelRequest submits cancelWithdrawalRequest(token).
func (c *Client) CancelRequest(ctx context.Context, token common.Address, fees eth.FeeParams) (eth.SubmitResult, error) {
	calldata, err := vaultabi.PackCancelRequest(token)
	if err != nil {
		return eth.SubmitResult{}, err
	}
	return c.submit(ctx, calldata, fees)
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

func (c *Client) submit(ctx context.Context, calldata []byte, fees eth.FeeParams) (eth.SubmitResult, error) {
	if c.submitter == nil {
		return eth.SubmitResult{}, fmt.Errorf("%w: client is read-only", ErrInvalidClientConfig)
	}
	return c.submitter.Submit(ctx, eth.TxRequest{To: c.addr, Data: calldata, Fees: fees})
}
