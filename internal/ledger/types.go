package ledger

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/stratos-custody/vaultsync/internal/window"
)

// Status is a withdrawal record's lifecycle state. Across a rebuilt ledger at
// most one record is Pending or Ready: the contract enforces a single
// outstanding reservation per account.
type Status uint8

const (
	StatusPending Status = iota + 1
	StatusReady
	StatusCancelled
	StatusComplete
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	case StatusCancelled:
		return "cancelled"
	case StatusComplete:
		return "complete"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Record is one reconstructed withdrawal. Amount is in base units. Records
// are derived in full on every pass; the event log is the single source of
// truth and nothing here is authoritative state.
type Record struct {
	Token       common.Address
	Recipient   common.Address
	Amount      *big.Int
	Date        time.Time
	Status      Status
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
}

// Snapshot is the result of one reconciliation pass.
type Snapshot struct {
	Vault  common.Address
	Window window.Window

	// Active is the single outstanding Pending/Ready reservation, nil when
	// the reservation slot is empty. When non-nil it is also Records[0].
	Active *Record

	// Records is the full ledger, newest first.
	Records []Record

	// Partial names the fetch categories that failed on this pass
	// ("reservation", "active", "cancelled", "completed", "timestamps").
	// A partial ledger is acceptable; an undetectable one is not.
	Partial []string

	// GapDetected reports that the contract holds an active reservation but
	// no request event fell inside the sync window.
	GapDetected bool
}

// IsPartial reports whether any fetch category failed during the rebuild.
func (s Snapshot) IsPartial() bool { return len(s.Partial) > 0 }
