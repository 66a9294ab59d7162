package eth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/stratos-custody/vaultsync/internal/chain"
)

var (
	ErrInvalidSubmitterConfig = errors.New("eth: invalid submitter config")
	// ErrRejected marks a transaction the signer refused to sign. Terminal
	// for the attempt; never retried.
	ErrRejected = errors.New("eth: transaction rejected by signer")
	// ErrReverted marks an on-chain execution failure. The mined receipt is
	// still returned alongside it.
	ErrReverted = errors.New("eth: transaction reverted")
)

// FeeParams carries caller-supplied fee parameters, typically produced by the
// sampling gas estimator. Any zero/nil field falls back to the submitter's own
// policy (estimate + suggested tip), so a submission never blocks on a missing
// estimate.
type FeeParams struct {
	GasLimit             uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// TxRequest is one mutating contract call to drive to a mined receipt.
type TxRequest struct {
	To    common.Address
	Data  []byte
	Value *big.Int
	Fees  FeeParams
}

type SubmitResult struct {
	From         common.Address
	Nonce        uint64
	TxHash       common.Hash
	Receipt      *types.Receipt
	Replacements int
}

type SubmitterConfig struct {
	ChainID            *big.Int
	GasLimitMultiplier float64
	MinTipCap          *big.Int

	ReceiptPollInterval time.Duration

	// Replacement policy for stuck submissions. MaxReplacements == 0 disables
	// replacement entirely.
	ReplaceAfter           time.Duration
	MaxReplacements        int
	ReplacementBumpPercent int
	MinReplacementTipBump  *big.Int
	MinReplacementFeeBump  *big.Int

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Submitter drives mutating vault calls from a single owner account to a
// mined receipt. A submission is only considered successful once a receipt is
// observed; the caller holds the per-account exclusion so at most one
// submission is in flight.
type Submitter struct {
	backend chain.Backend
	signer  Signer
	nonce   *NonceManager
	cfg     SubmitterConfig
}

func NewSubmitter(backend chain.Backend, signer Signer, cfg SubmitterConfig) (*Submitter, error) {
	if backend == nil || signer == nil {
		return nil, ErrInvalidSubmitterConfig
	}
	addr := signer.Address()
	if (addr == common.Address{}) {
		return nil, ErrInvalidSubmitterConfig
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, ErrInvalidSubmitterConfig
	}
	if cfg.GasLimitMultiplier <= 0 {
		cfg.GasLimitMultiplier = 1.2
	}
	if cfg.MinTipCap == nil || cfg.MinTipCap.Sign() < 0 {
		return nil, ErrInvalidSubmitterConfig
	}
	if cfg.ReceiptPollInterval <= 0 {
		return nil, ErrInvalidSubmitterConfig
	}
	if cfg.MaxReplacements < 0 {
		return nil, ErrInvalidSubmitterConfig
	}
	if cfg.MaxReplacements > 0 {
		if cfg.ReplaceAfter <= 0 || cfg.ReplacementBumpPercent <= 0 {
			return nil, ErrInvalidSubmitterConfig
		}
		if cfg.MinReplacementTipBump == nil || cfg.MinReplacementFeeBump == nil {
			return nil, ErrInvalidSubmitterConfig
		}
		if cfg.MinReplacementTipBump.Sign() < 0 || cfg.MinReplacementFeeBump.Sign() < 0 {
			return nil, ErrInvalidSubmitterConfig
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}

	return &Submitter{
		backend: backend,
		signer:  signer,
		nonce:   NewNonceManager(backend, addr),
		cfg:     cfg,
	}, nil
}

func (s *Submitter) From() common.Address { return s.signer.Address() }

// Submit signs, broadcasts and waits for a mined receipt, replacing the
// transaction with bumped fees when it stays unmined past ReplaceAfter.
// A receipt with failed status returns the result together with ErrReverted.
func (s *Submitter) Submit(ctx context.Context, req TxRequest) (SubmitResult, error) {
	from := s.signer.Address()

	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}

	gasLimit := req.Fees.GasLimit
	if gasLimit == 0 {
		est, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:  from,
			To:    &req.To,
			Value: value,
			Data:  req.Data,
		})
		if err != nil {
			return SubmitResult{}, err
		}
		gasLimit = applyGasMultiplier(est, s.cfg.GasLimitMultiplier)
	}

	tipCap, feeCap, err := s.resolveFees(ctx, req.Fees)
	if err != nil {
		return SubmitResult{}, err
	}

	nonce, err := s.nonce.Next(ctx)
	if err != nil {
		return SubmitResult{}, err
	}

	to := req.To
	data := req.Data

	makeSigned := func(tip, fee *big.Int) (*types.Transaction, common.Hash, error) {
		tx := types.NewTx(&types.DynamicFeeTx{
			ChainID:   s.cfg.ChainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: fee,
			Gas:       gasLimit,
			To:        &to,
			Value:     value,
			Data:      data,
		})
		signed, err := s.signer.SignTx(tx, s.cfg.ChainID)
		if err != nil {
			return nil, common.Hash{}, fmt.Errorf("%w: %v", ErrRejected, err)
		}
		return signed, signed.Hash(), nil
	}

	signed, h, err := makeSigned(tipCap, feeCap)
	if err != nil {
		return SubmitResult{}, err
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return SubmitResult{}, err
	}

	sent := []common.Hash{h}
	lastSentAt := s.cfg.Now()
	replacements := 0

	for {
		for _, txh := range sent {
			receipt, err := s.backend.TransactionReceipt(ctx, txh)
			if err == nil {
				res := SubmitResult{
					From:         from,
					Nonce:        nonce,
					TxHash:       txh,
					Receipt:      receipt,
					Replacements: replacements,
				}
				if receipt.Status == types.ReceiptStatusFailed {
					if reason := s.revertReason(ctx, from, req, receipt); reason != "" {
						return res, fmt.Errorf("%w: tx %s: %s", ErrReverted, txh, reason)
					}
					return res, fmt.Errorf("%w: tx %s", ErrReverted, txh)
				}
				return res, nil
			}
			if !errors.Is(err, ethereum.NotFound) {
				return SubmitResult{}, err
			}
		}

		if s.cfg.MaxReplacements > 0 && replacements < s.cfg.MaxReplacements && s.cfg.Now().Sub(lastSentAt) >= s.cfg.ReplaceAfter {
			tipCap, feeCap, err = Bump1559Fees(tipCap, feeCap, s.cfg.ReplacementBumpPercent, s.cfg.MinReplacementTipBump, s.cfg.MinReplacementFeeBump)
			if err != nil {
				return SubmitResult{}, err
			}

			signed, h, err := makeSigned(tipCap, feeCap)
			if err != nil {
				return SubmitResult{}, err
			}
			if err := s.backend.SendTransaction(ctx, signed); err != nil {
				return SubmitResult{}, err
			}
			sent = append(sent, h)
			lastSentAt = s.cfg.Now()
			replacements++
			continue
		}

		if err := s.cfg.Sleep(ctx, s.cfg.ReceiptPollInterval); err != nil {
			return SubmitResult{}, err
		}
	}
}

// resolveFees prefers caller-supplied caps; otherwise derives conservative
// caps from the latest base fee and the node's suggested tip.
func (s *Submitter) resolveFees(ctx context.Context, fees FeeParams) (tipCap, feeCap *big.Int, err error) {
	if fees.MaxFeePerGas != nil && fees.MaxFeePerGas.Sign() > 0 &&
		fees.MaxPriorityFeePerGas != nil && fees.MaxPriorityFeePerGas.Sign() >= 0 {
		tip := new(big.Int).Set(fees.MaxPriorityFeePerGas)
		fee := new(big.Int).Set(fees.MaxFeePerGas)
		if fee.Cmp(tip) < 0 {
			fee.Set(tip)
		}
		return tip, fee, nil
	}

	suggestedTip, err := s.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, err
	}
	header, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	if header.BaseFee == nil || header.BaseFee.Sign() < 0 {
		return nil, nil, fmt.Errorf("eth: missing baseFee in latest header")
	}
	return Calc1559Fees(header.BaseFee, suggestedTip, s.cfg.MinTipCap)
}

// revertReason replays the failed call at its mined block and decodes the
// Error(string) payload. Best effort: nodes without archive state or with
// non-standard revert data yield an empty string.
func (s *Submitter) revertReason(ctx context.Context, from common.Address, req TxRequest, receipt *types.Receipt) string {
	if receipt == nil || receipt.BlockNumber == nil {
		return ""
	}
	ret, err := s.backend.CallContract(ctx, ethereum.CallMsg{
		From:  from,
		To:    &req.To,
		Value: req.Value,
		Data:  req.Data,
	}, receipt.BlockNumber)
	data := ret
	if err != nil {
		var de interface{ ErrorData() interface{} }
		if !errors.As(err, &de) {
			return ""
		}
		hexData, ok := de.ErrorData().(string)
		if !ok {
			return ""
		}
		data = common.FromHex(hexData)
	}
	reason, err := abi.UnpackRevert(data)
	if err != nil {
		return ""
	}
	return reason
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func applyGasMultiplier(est uint64, mult float64) uint64 {
	if mult <= 1 {
		return est
	}
	out := uint64(math.Ceil(float64(est) * mult))
	if out < est {
		// overflow or float error; fall back to the estimate.
		return est
	}
	return out
}
