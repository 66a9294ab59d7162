package vaultabi

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrUnknownEvent = errors.New("vaultabi: unknown event")
	ErrBadEventLog  = errors.New("vaultabi: malformed event log")
)

// EventMeta identifies an emitted log. (TxHash, BlockNumber, LogIndex) is the
// unique key; TxIndex participates in chain ordering.
type EventMeta struct {
	TxHash      common.Hash
	BlockNumber uint64
	TxIndex     uint
	LogIndex    uint
}

func metaOf(lg types.Log) EventMeta {
	return EventMeta{
		TxHash:      lg.TxHash,
		BlockNumber: lg.BlockNumber,
		TxIndex:     lg.TxIndex,
		LogIndex:    lg.Index,
	}
}

// Before reports whether m was emitted before other in chain order.
func (m EventMeta) Before(other EventMeta) bool {
	if m.BlockNumber != other.BlockNumber {
		return m.BlockNumber < other.BlockNumber
	}
	if m.TxIndex != other.TxIndex {
		return m.TxIndex < other.TxIndex
	}
	return m.LogIndex < other.LogIndex
}

// Event is the closed set of decoded vault log variants. Raw logs are decoded
// once at the ingestion boundary; everything downstream switches on these.
type Event interface {
	Meta() EventMeta
}

// WithdrawRequestedEvent is a reservation request. The recipient is absent by
// contract design; recover it with DecodeRequestCalldata on the originating
// transaction.
type WithdrawRequestedEvent struct {
	EventMeta
	Token      common.Address
	Amount     *big.Int
	UnlockTime *big.Int
}

// WithdrawalEvent is a completed withdrawal.
type WithdrawalEvent struct {
	EventMeta
	Recipient common.Address
	Amount    *big.Int
}

// CancelledReservationEvent is a cancelled reservation. Like the request
// event it carries no recipient.
type CancelledReservationEvent struct {
	EventMeta
	Token  common.Address
	Amount *big.Int
}

func (e WithdrawRequestedEvent) Meta() EventMeta    { return e.EventMeta }
func (e WithdrawalEvent) Meta() EventMeta           { return e.EventMeta }
func (e CancelledReservationEvent) Meta() EventMeta { return e.EventMeta }

// WithdrawRequestedID returns the topic0 of WithdrawRequested.
func WithdrawRequestedID() (common.Hash, error) { return eventID("WithdrawRequested") }

// WithdrawalID returns the topic0 of Withdrawal.
func WithdrawalID() (common.Hash, error) { return eventID("Withdrawal") }

// CancelledReservationID returns the topic0 of CancelledReservation.
func CancelledReservationID() (common.Hash, error) { return eventID("CancelledReservation") }

func eventID(name string) (common.Hash, error) {
	if err := initABI(); err != nil {
		return common.Hash{}, err
	}
	ev, ok := vaultABI.Events[name]
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: %s missing from Vault ABI", ErrUnknownEvent, name)
	}
	return ev.ID, nil
}

// DecodeVaultEvent decodes a raw vault log into its tagged variant. Logs whose
// topic0 does not belong to the consumed set return ErrUnknownEvent.
func DecodeVaultEvent(lg types.Log) (Event, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if len(lg.Topics) == 0 {
		return nil, fmt.Errorf("%w: no topics", ErrBadEventLog)
	}

	switch lg.Topics[0] {
	case vaultABI.Events["WithdrawRequested"].ID:
		token, err := indexedAddress(lg, "WithdrawRequested")
		if err != nil {
			return nil, err
		}
		fields, err := unpackEventData("WithdrawRequested", lg.Data, 2)
		if err != nil {
			return nil, err
		}
		amount, err := asBig(fields[0], "amount")
		if err != nil {
			return nil, err
		}
		unlockTime, err := asBig(fields[1], "unlockTime")
		if err != nil {
			return nil, err
		}
		return WithdrawRequestedEvent{
			EventMeta:  metaOf(lg),
			Token:      token,
			Amount:     amount,
			UnlockTime: unlockTime,
		}, nil

	case vaultABI.Events["Withdrawal"].ID:
		recipient, err := indexedAddress(lg, "Withdrawal")
		if err != nil {
			return nil, err
		}
		fields, err := unpackEventData("Withdrawal", lg.Data, 1)
		if err != nil {
			return nil, err
		}
		amount, err := asBig(fields[0], "amount")
		if err != nil {
			return nil, err
		}
		return WithdrawalEvent{
			EventMeta: metaOf(lg),
			Recipient: recipient,
			Amount:    amount,
		}, nil

	case vaultABI.Events["CancelledReservation"].ID:
		token, err := indexedAddress(lg, "CancelledReservation")
		if err != nil {
			return nil, err
		}
		fields, err := unpackEventData("CancelledReservation", lg.Data, 1)
		if err != nil {
			return nil, err
		}
		amount, err := asBig(fields[0], "amount")
		if err != nil {
			return nil, err
		}
		return CancelledReservationEvent{
			EventMeta: metaOf(lg),
			Token:     token,
			Amount:    amount,
		}, nil
	}

	return nil, fmt.Errorf("%w: topic0 %s", ErrUnknownEvent, lg.Topics[0])
}

func indexedAddress(lg types.Log, name string) (common.Address, error) {
	if len(lg.Topics) < 2 {
		return common.Address{}, fmt.Errorf("%w: %s missing indexed topic", ErrBadEventLog, name)
	}
	return common.BytesToAddress(lg.Topics[1].Bytes()), nil
}

func unpackEventData(name string, data []byte, want int) ([]any, error) {
	ev := vaultABI.Events[name]
	fields, err := ev.Inputs.NonIndexed().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s data: %v", ErrBadEventLog, name, err)
	}
	if len(fields) != want {
		return nil, fmt.Errorf("%w: %s field count got=%d want=%d", ErrBadEventLog, name, len(fields), want)
	}
	return fields, nil
}

// ParseContractInitialized extracts the vault address from a createVault
// receipt's logs.
func ParseContractInitialized(logs []*types.Log, registry common.Address) (common.Address, error) {
	if err := initABI(); err != nil {
		return common.Address{}, err
	}
	ev, ok := registryABI.Events["ContractInitialized"]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: ContractInitialized missing from registry ABI", ErrUnknownEvent)
	}

	for _, lg := range logs {
		if lg == nil || lg.Address != registry {
			continue
		}
		if len(lg.Topics) == 0 || lg.Topics[0] != ev.ID {
			continue
		}
		fields, err := ev.Inputs.NonIndexed().Unpack(lg.Data)
		if err != nil {
			return common.Address{}, fmt.Errorf("%w: decode ContractInitialized data: %v", ErrBadEventLog, err)
		}
		if len(fields) != 1 {
			return common.Address{}, fmt.Errorf("%w: ContractInitialized field count got=%d want=1", ErrBadEventLog, len(fields))
		}
		addr, ok := fields[0].(common.Address)
		if !ok {
			return common.Address{}, fmt.Errorf("%w: vault is not an address", ErrBadEventLog)
		}
		return addr, nil
	}
	return common.Address{}, errors.New("vaultabi: ContractInitialized event not found in receipt logs")
}
