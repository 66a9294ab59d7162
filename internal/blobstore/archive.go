package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/stratos-custody/vaultsync/internal/queue"
)

// Archive persists one snapshot payload per reconciliation pass under
// snapshots/<vault>/<head-block>. Keys are deterministic, so re-running a
// pass at the same head overwrites its own blob instead of accumulating
// duplicates.
type Archive struct {
	store Store
}

func NewArchive(store Store) (*Archive, error) {
	if store == nil {
		return nil, errors.New("blobstore: nil store")
	}
	return &Archive{store: store}, nil
}

// ArchiveKey is the blob key for a vault's snapshot at a head block. The
// block is zero-padded so lexicographic listing follows chain order.
func ArchiveKey(vault common.Address, head uint64) string {
	return fmt.Sprintf("snapshots/%s/%012d.json", strings.ToLower(vault.Hex()), head)
}

// Put archives a snapshot payload.
func (a *Archive) Put(ctx context.Context, payload queue.SnapshotPayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("blobstore: marshal snapshot: %w", err)
	}
	key := ArchiveKey(payload.Vault, payload.Head)
	return a.store.Put(ctx, key, raw, PutOptions{
		ContentType: "application/json",
		Metadata: map[string]string{
			"snapshot-id": payload.ID.Hex(),
		},
	})
}

// Contains reports whether a snapshot for the vault at the head block was
// already archived. Consumers use it to skip redelivered payloads.
func (a *Archive) Contains(ctx context.Context, vault common.Address, head uint64) (bool, error) {
	return a.store.Exists(ctx, ArchiveKey(vault, head))
}

// Get retrieves the archived snapshot of a vault at a head block. ErrNotFound
// when no pass at that head was archived.
func (a *Archive) Get(ctx context.Context, vault common.Address, head uint64) (queue.SnapshotPayload, error) {
	obj, err := a.store.Get(ctx, ArchiveKey(vault, head))
	if err != nil {
		return queue.SnapshotPayload{}, err
	}
	var payload queue.SnapshotPayload
	if err := json.Unmarshal(obj.Data, &payload); err != nil {
		return queue.SnapshotPayload{}, fmt.Errorf("blobstore: decode snapshot %s: %w", obj.Key, err)
	}
	return payload, nil
}
