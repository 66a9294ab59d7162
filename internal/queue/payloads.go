package queue

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/stratos-custody/vaultsync/internal/idempotency"
	"github.com/stratos-custody/vaultsync/internal/ledger"
	"github.com/stratos-custody/vaultsync/internal/units"
)

// Topics published by the reconciler, one per lifecycle signal plus the full
// snapshot. Payloads are versioned JSON; the message key is the payload's
// idempotency id.
const (
	TopicSnapshot           = "vault.snapshot.v1"
	TopicWithdrawRequested  = "vault.withdrawal.requested.v1"
	TopicWithdrawCancelled  = "vault.withdrawal.cancelled.v1"
	TopicWithdrawCompleted  = "vault.withdrawal.completed.v1"
)

// RecordPayload is one withdrawal record on the wire. Amounts appear both in
// base units (authoritative) and decimal form (display).
type RecordPayload struct {
	Version   string         `json:"version"`
	ID        common.Hash    `json:"id"`
	Vault     common.Address `json:"vault"`
	Token     common.Address `json:"token,omitempty"`
	Recipient common.Address `json:"recipient"`
	BaseUnits string         `json:"baseUnits"`
	Amount    string         `json:"amount"`
	Status    string         `json:"status"`
	Date      time.Time      `json:"date"`
	TxHash    common.Hash    `json:"txHash"`
	Block     uint64         `json:"block"`
}

// SnapshotPayload is one full reconciliation pass on the wire.
type SnapshotPayload struct {
	Version     string          `json:"version"`
	ID          common.Hash     `json:"id"`
	Vault       common.Address  `json:"vault"`
	Head        uint64          `json:"head"`
	FromBlock   uint64          `json:"fromBlock"`
	GapDetected bool            `json:"gapDetected,omitempty"`
	Partial     []string        `json:"partial,omitempty"`
	Active      *RecordPayload  `json:"active,omitempty"`
	Records     []RecordPayload `json:"records"`
}

// NewRecordPayload maps a ledger record to its wire form.
func NewRecordPayload(vault common.Address, rec ledger.Record, decimals int) RecordPayload {
	return RecordPayload{
		Version:   "v1",
		ID:        idempotency.RecordIDV1(rec.TxHash, rec.LogIndex),
		Vault:     vault,
		Token:     rec.Token,
		Recipient: rec.Recipient,
		BaseUnits: rec.Amount.String(),
		Amount:    units.FromBaseUnits(rec.Amount, decimals),
		Status:    rec.Status.String(),
		Date:      rec.Date.UTC(),
		TxHash:    rec.TxHash,
		Block:     rec.BlockNumber,
	}
}

// NewSnapshotPayload maps a rebuilt snapshot to its wire form.
func NewSnapshotPayload(snap ledger.Snapshot, decimals int) SnapshotPayload {
	p := SnapshotPayload{
		Version:     "v1",
		ID:          idempotency.SnapshotIDV1(snap.Vault, snap.Window.LastScannedBlock),
		Vault:       snap.Vault,
		Head:        snap.Window.LastScannedBlock,
		FromBlock:   snap.Window.FromBlock(),
		GapDetected: snap.GapDetected,
		Partial:     snap.Partial,
		Records:     make([]RecordPayload, 0, len(snap.Records)),
	}
	for _, rec := range snap.Records {
		p.Records = append(p.Records, NewRecordPayload(snap.Vault, rec, decimals))
	}
	if snap.Active != nil && len(p.Records) > 0 {
		p.Active = &p.Records[0]
	}
	return p
}

// TopicForStatus maps a record status to its lifecycle topic. The empty
// string means the status has no dedicated topic (pending/ready records
// travel only inside the snapshot).
func TopicForStatus(s ledger.Status) string {
	switch s {
	case ledger.StatusCancelled:
		return TopicWithdrawCancelled
	case ledger.StatusComplete:
		return TopicWithdrawCompleted
	}
	return ""
}
