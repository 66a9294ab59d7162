package syncstate

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore is the in-process Store used by tests and one-shot runs.
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time

	checkpoints map[common.Address]Checkpoint
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:         now,
		checkpoints: make(map[common.Address]Checkpoint),
	}
}

func (s *MemoryStore) Save(_ context.Context, cp Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp.UpdatedAt = s.now().UTC()
	s.checkpoints[cp.Vault] = cp
	return nil
}

func (s *MemoryStore) Load(_ context.Context, vault common.Address) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.checkpoints[vault]
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	return cp, nil
}
