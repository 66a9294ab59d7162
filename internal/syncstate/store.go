// Package syncstate persists per-vault reconciliation cursors so a
// restarted syncer resumes from its last scanned block instead of
// re-estimating the lookback window.
package syncstate

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/stratos-custody/vaultsync/internal/window"
)

var (
	ErrNotFound          = errors.New("syncstate: not found")
	ErrInvalidCheckpoint = errors.New("syncstate: invalid checkpoint")
	ErrInvalidConfig     = errors.New("syncstate: invalid config")
)

// Checkpoint is the durable cursor for one vault's event reconciliation.
type Checkpoint struct {
	Vault common.Address

	Window window.Window

	// SnapshotID identifies the last snapshot published for this cursor.
	// Zero when no snapshot has been published yet.
	SnapshotID common.Hash

	// UpdatedAt is set by the store on save.
	UpdatedAt time.Time
}

func (c Checkpoint) Validate() error {
	if c.Vault == (common.Address{}) {
		return ErrInvalidCheckpoint
	}
	if c.Window.LastScannedBlock == 0 {
		return ErrInvalidCheckpoint
	}
	return nil
}

// Store persists checkpoints keyed by vault address. Save is an upsert.
type Store interface {
	Save(ctx context.Context, cp Checkpoint) error
	Load(ctx context.Context, vault common.Address) (Checkpoint, error)
}
