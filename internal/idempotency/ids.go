// Package idempotency computes the deterministic identifiers that make
// repeated reconciliation passes idempotent: the same event always maps to
// the same record id, the same pass to the same snapshot id, regardless of
// which run produced it. The ids key queue messages and archive blobs.
package idempotency

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

const (
	recordPrefixV1   = "VAULTSYNC_RECORD_V1"
	snapshotPrefixV1 = "VAULTSYNC_SNAPSHOT_V1"
)

// RecordIDV1 computes the canonical withdrawal record id:
//
//	keccak256("VAULTSYNC_RECORD_V1" || txHash || logIndexBE32)
//
// (txHash, logIndex) uniquely identifies the emitted log the record was
// derived from, so rebuilds across runs and hosts agree on the id.
func RecordIDV1(txHash common.Hash, logIndex uint) common.Hash {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(recordPrefixV1))
	_, _ = h.Write(txHash[:])

	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(logIndex))
	_, _ = h.Write(idx[:])
	return common.BytesToHash(h.Sum(nil))
}

// SnapshotIDV1 computes the canonical snapshot id for one reconciliation
// pass:
//
//	keccak256("VAULTSYNC_SNAPSHOT_V1" || vault || headBlockBE64)
//
// Two passes over the same vault at the same head produce the same id, which
// is what lets a crashed run re-publish its snapshot without duplication.
func SnapshotIDV1(vault common.Address, headBlock uint64) common.Hash {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(snapshotPrefixV1))
	_, _ = h.Write(vault[:])

	var head [8]byte
	binary.BigEndian.PutUint64(head[:], headBlock)
	_, _ = h.Write(head[:])
	return common.BytesToHash(h.Sum(nil))
}
