package vaultabi

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidInput    = errors.New("vaultabi: invalid input")
	ErrInvalidCalldata = errors.New("vaultabi: invalid calldata")
)

var (
	initOnce sync.Once
	initErr  error

	vaultABI    abi.ABI
	registryABI abi.ABI

	requestArgs abi.Arguments
)

func initABI() error {
	initOnce.Do(func() {
		var err error

		vaultABI, err = abi.JSON(strings.NewReader(vaultABIJSON))
		if err != nil {
			initErr = fmt.Errorf("vaultabi: parse Vault ABI: %w", err)
			return
		}
		registryABI, err = abi.JSON(strings.NewReader(registryABIJSON))
		if err != nil {
			initErr = fmt.Errorf("vaultabi: parse VaultRegistry ABI: %w", err)
			return
		}

		// requestWithdrawal and withdraw share the (token, recipient, amount)
		// argument tuple; calldata after the selector decodes against it.
		addressTy, err := abi.NewType("address", "", nil)
		if err != nil {
			initErr = fmt.Errorf("vaultabi: build address type: %w", err)
			return
		}
		uint256Ty, err := abi.NewType("uint256", "", nil)
		if err != nil {
			initErr = fmt.Errorf("vaultabi: build uint256 type: %w", err)
			return
		}
		requestArgs = abi.Arguments{
			{Name: "token", Type: addressTy},
			{Name: "recipient", Type: addressTy},
			{Name: "amount", Type: uint256Ty},
		}
	})
	return initErr
}

// Vault returns the parsed Vault contract ABI (the consumed subset).
func Vault() (abi.ABI, error) {
	if err := initABI(); err != nil {
		return abi.ABI{}, err
	}
	return vaultABI, nil
}

// Registry returns the parsed VaultRegistry contract ABI (the consumed subset).
func Registry() (abi.ABI, error) {
	if err := initABI(); err != nil {
		return abi.ABI{}, err
	}
	return registryABI, nil
}

// DecodeRequestCalldata recovers the arguments of a requestWithdrawal (or
// withdraw) call from raw transaction input: the 4-byte method selector is
// stripped and the remainder unpacked as (address token, address recipient,
// uint256 amount). This is the only place the reservation recipient can be
// recovered from; the WithdrawRequested event does not carry it.
func DecodeRequestCalldata(input []byte) (token, recipient common.Address, amount *big.Int, err error) {
	if err := initABI(); err != nil {
		return common.Address{}, common.Address{}, nil, err
	}
	if len(input) < 4 {
		return common.Address{}, common.Address{}, nil, fmt.Errorf("%w: input shorter than a selector (%d bytes)", ErrInvalidCalldata, len(input))
	}

	fields, err := requestArgs.Unpack(input[4:])
	if err != nil {
		return common.Address{}, common.Address{}, nil, fmt.Errorf("%w: %v", ErrInvalidCalldata, err)
	}
	if len(fields) != 3 {
		return common.Address{}, common.Address{}, nil, fmt.Errorf("%w: unexpected field count %d", ErrInvalidCalldata, len(fields))
	}

	token, ok := fields[0].(common.Address)
	if !ok {
		return common.Address{}, common.Address{}, nil, fmt.Errorf("%w: token is not an address", ErrInvalidCalldata)
	}
	recipient, ok = fields[1].(common.Address)
	if !ok {
		return common.Address{}, common.Address{}, nil, fmt.Errorf("%w: recipient is not an address", ErrInvalidCalldata)
	}
	amount, ok = fields[2].(*big.Int)
	if !ok {
		return common.Address{}, common.Address{}, nil, fmt.Errorf("%w: amount is not a uint256", ErrInvalidCalldata)
	}
	return token, recipient, amount, nil
}

// PackRequestWithdrawal builds requestWithdrawal(token, recipient, amount) calldata.
func PackRequestWithdrawal(token, recipient common.Address, amount *big.Int) ([]byte, error) {
	return packTransfer("requestWithdrawal", token, recipient, amount)
}

// PackWithdraw builds withdraw(token, recipient, amount) calldata.
func PackWithdraw(token, recipient common.Address, amount *big.Int) ([]byte, error) {
	return packTransfer("withdraw", token, recipient, amount)
}

func packTransfer(method string, token, recipient common.Address, amount *big.Int) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if (token == common.Address{}) {
		return nil, fmt.Errorf("%w: token must be non-zero", ErrInvalidInput)
	}
	if (recipient == common.Address{}) {
		return nil, fmt.Errorf("%w: recipient must be non-zero", ErrInvalidInput)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be > 0", ErrInvalidInput)
	}
	b, err := vaultABI.Pack(method, token, recipient, amount)
	if err != nil {
		return nil, fmt.Errorf("vaultabi: pack %s: %w", method, err)
	}
	return b, nil
}

// PackCancelRequest builds cancelWithdrawalRequest(token) calldata.
func PackCancelRequest(token common.Address) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if (token == common.Address{}) {
		return nil, fmt.Errorf("%w: token must be non-zero", ErrInvalidInput)
	}
	b, err := vaultABI.Pack("cancelWithdrawalRequest", token)
	if err != nil {
		return nil, fmt.Errorf("vaultabi: pack cancelWithdrawalRequest: %w", err)
	}
	return b, nil
}

// PackCreateVault builds createVault(owner) calldata for the registry.
func PackCreateVault(owner common.Address) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if (owner == common.Address{}) {
		return nil, fmt.Errorf("%w: owner must be non-zero", ErrInvalidInput)
	}
	b, err := registryABI.Pack("createVault", owner)
	if err != nil {
		return nil, fmt.Errorf("vaultabi: pack createVault: %w", err)
	}
	return b, nil
}

// PackVaultCall builds calldata for a no-argument Vault read method.
func PackVaultCall(method string) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := vaultABI.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("vaultabi: pack %s: %w", method, err)
	}
	return b, nil
}

// PackVaultAddressByOwner builds getVaultAddressByOwner(owner) calldata.
func PackVaultAddressByOwner(owner common.Address) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := registryABI.Pack("getVaultAddressByOwner", owner)
	if err != nil {
		return nil, fmt.Errorf("vaultabi: pack getVaultAddressByOwner: %w", err)
	}
	return b, nil
}

// PackLockDuration builds getWithdrawalReservationLockDuration() calldata.
func PackLockDuration() ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := registryABI.Pack("getWithdrawalReservationLockDuration")
	if err != nil {
		return nil, fmt.Errorf("vaultabi: pack getWithdrawalReservationLockDuration: %w", err)
	}
	return b, nil
}

// UnpackReservation decodes getWithdrawReservation() output into (amount, unlockTime).
func UnpackReservation(output []byte) (amount, unlockTime *big.Int, err error) {
	fields, err := unpackVault("getWithdrawReservation", output, 2)
	if err != nil {
		return nil, nil, err
	}
	amount, err = asBig(fields[0], "amount")
	if err != nil {
		return nil, nil, err
	}
	unlockTime, err = asBig(fields[1], "unlockTime")
	if err != nil {
		return nil, nil, err
	}
	return amount, unlockTime, nil
}

// Balances mirrors the getTokenBalances() return tuple, all in base units.
type Balances struct {
	AvailableBalance          *big.Int
	Balance                   *big.Int
	ProcessPaymentReservation *big.Int
	WithdrawalReservation     *big.Int
}

// UnpackBalances decodes getTokenBalances() output.
func UnpackBalances(output []byte) (Balances, error) {
	fields, err := unpackVault("getTokenBalances", output, 4)
	if err != nil {
		return Balances{}, err
	}
	var b Balances
	if b.AvailableBalance, err = asBig(fields[0], "availableBalance"); err != nil {
		return Balances{}, err
	}
	if b.Balance, err = asBig(fields[1], "balance"); err != nil {
		return Balances{}, err
	}
	if b.ProcessPaymentReservation, err = asBig(fields[2], "processPaymentReservation"); err != nil {
		return Balances{}, err
	}
	if b.WithdrawalReservation, err = asBig(fields[3], "withdrawalReservation"); err != nil {
		return Balances{}, err
	}
	return b, nil
}

// UnpackLockDuration decodes getWithdrawalReservationLockDuration() output (seconds).
func UnpackLockDuration(output []byte) (*big.Int, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	fields, err := registryABI.Unpack("getWithdrawalReservationLockDuration", output)
	if err != nil {
		return nil, fmt.Errorf("vaultabi: unpack getWithdrawalReservationLockDuration: %w", err)
	}
	if len(fields) != 1 {
		return nil, fmt.Errorf("%w: unexpected field count %d", ErrInvalidCalldata, len(fields))
	}
	return asBig(fields[0], "lockDuration")
}

// UnpackVaultAddress decodes getVaultAddressByOwner() output. The zero address
// means the owner has no vault yet.
func UnpackVaultAddress(output []byte) (common.Address, error) {
	if err := initABI(); err != nil {
		return common.Address{}, err
	}
	fields, err := registryABI.Unpack("getVaultAddressByOwner", output)
	if err != nil {
		return common.Address{}, fmt.Errorf("vaultabi: unpack getVaultAddressByOwner: %w", err)
	}
	if len(fields) != 1 {
		return common.Address{}, fmt.Errorf("%w: unexpected field count %d", ErrInvalidCalldata, len(fields))
	}
	addr, ok := fields[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: vault address is not an address", ErrInvalidCalldata)
	}
	return addr, nil
}

func unpackVault(method string, output []byte, want int) ([]any, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	fields, err := vaultABI.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("vaultabi: unpack %s: %w", method, err)
	}
	if len(fields) != want {
		return nil, fmt.Errorf("%w: %s returned %d fields, want %d", ErrInvalidCalldata, method, len(fields), want)
	}
	return fields, nil
}

func asBig(v any, name string) (*big.Int, error) {
	b, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a uint256", ErrInvalidCalldata, name)
	}
	return b, nil
}

const vaultABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "token", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "unlockTime", "type": "uint256"}
    ],
    "name": "WithdrawRequested",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "recipient", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"}
    ],
    "name": "Withdrawal",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "token", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"}
    ],
    "name": "CancelledReservation",
    "type": "event"
  },
  {
    "inputs": [
      {"internalType": "address", "name": "token", "type": "address"},
      {"internalType": "address", "name": "recipient", "type": "address"},
      {"internalType": "uint256", "name": "amount", "type": "uint256"}
    ],
    "name": "requestWithdrawal",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "address", "name": "token", "type": "address"},
      {"internalType": "address", "name": "recipient", "type": "address"},
      {"internalType": "uint256", "name": "amount", "type": "uint256"}
    ],
    "name": "withdraw",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "address", "name": "token", "type": "address"}
    ],
    "name": "cancelWithdrawalRequest",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "getWithdrawReservation",
    "outputs": [
      {"internalType": "uint256", "name": "amount", "type": "uint256"},
      {"internalType": "uint256", "name": "unlockTime", "type": "uint256"}
    ],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "getTokenBalances",
    "outputs": [
      {"internalType": "uint256", "name": "availableBalance", "type": "uint256"},
      {"internalType": "uint256", "name": "balance", "type": "uint256"},
      {"internalType": "uint256", "name": "processPaymentReservation", "type": "uint256"},
      {"internalType": "uint256", "name": "withdrawalReservation", "type": "uint256"}
    ],
    "stateMutability": "view",
    "type": "function"
  }
]`

const registryABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "internalType": "address", "name": "vault", "type": "address"}
    ],
    "name": "ContractInitialized",
    "type": "event"
  },
  {
    "inputs": [
      {"internalType": "address", "name": "owner", "type": "address"}
    ],
    "name": "createVault",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "address", "name": "owner", "type": "address"}
    ],
    "name": "getVaultAddressByOwner",
    "outputs": [
      {"internalType": "address", "name": "vault", "type": "address"}
    ],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "getWithdrawalReservationLockDuration",
    "outputs": [
      {"internalType": "uint256", "name": "seconds_", "type": "uint256"}
    ],
    "stateMutability": "view",
    "type": "function"
  }
]`
