// Package postgres implements syncstate.Store on a pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stratos-custody/vaultsync/internal/syncstate"
	"github.com/stratos-custody/vaultsync/internal/window"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", syncstate.ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return syncstate.ErrInvalidConfig
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("syncstate/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Save(ctx context.Context, cp syncstate.Checkpoint) error {
	if s == nil || s.pool == nil {
		return syncstate.ErrInvalidConfig
	}
	if err := cp.Validate(); err != nil {
		return err
	}

	var snapshotID []byte
	if cp.SnapshotID != (common.Hash{}) {
		snapshotID = cp.SnapshotID.Bytes()
	}

	const q = `
INSERT INTO sync_checkpoints (vault, last_scanned_block, block_offset, snapshot_id)
VALUES ($1, $2, $3, $4)
ON CONFLICT (vault) DO UPDATE SET
	last_scanned_block = EXCLUDED.last_scanned_block,
	block_offset = EXCLUDED.block_offset,
	snapshot_id = EXCLUDED.snapshot_id,
	updated_at = now()
`
	_, err := s.pool.Exec(ctx, q,
		cp.Vault.Bytes(),
		int64(cp.Window.LastScannedBlock),
		int64(cp.Window.BlockOffset),
		snapshotID,
	)
	if err != nil {
		return fmt.Errorf("syncstate/postgres: save checkpoint: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, vault common.Address) (syncstate.Checkpoint, error) {
	if s == nil || s.pool == nil {
		return syncstate.Checkpoint{}, syncstate.ErrInvalidConfig
	}

	const q = `
SELECT last_scanned_block, block_offset, snapshot_id, updated_at
FROM sync_checkpoints
WHERE vault = $1
`
	var (
		lastScanned int64
		blockOffset int64
		snapshotID  []byte
		updatedAt   time.Time
	)
	err := s.pool.QueryRow(ctx, q, vault.Bytes()).Scan(&lastScanned, &blockOffset, &snapshotID, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return syncstate.Checkpoint{}, syncstate.ErrNotFound
	}
	if err != nil {
		return syncstate.Checkpoint{}, fmt.Errorf("syncstate/postgres: load checkpoint: %w", err)
	}

	cp := syncstate.Checkpoint{
		Vault: vault,
		Window: window.Window{
			LastScannedBlock: uint64(lastScanned),
			BlockOffset:      uint64(blockOffset),
		},
		UpdatedAt: updatedAt,
	}
	if len(snapshotID) == common.HashLength {
		cp.SnapshotID = common.BytesToHash(snapshotID)
	}
	return cp, nil
}
