// Package walletevents fans wallet-provider notifications out to interested
// subscribers. Providers push account and chain switches at arbitrary times;
// the hub turns those into typed events on channels with deterministic
// subscribe/unsubscribe semantics, so no consumer is ever stuck on a
// subscription it cannot leave.
package walletevents

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Type discriminates wallet event variants.
type Type uint8

const (
	// AccountsChanged reports a new active account. Flow state bound to the
	// previous account is no longer meaningful.
	AccountsChanged Type = iota + 1
	// ChainChanged reports a network switch.
	ChainChanged
)

func (t Type) String() string {
	switch t {
	case AccountsChanged:
		return "accounts_changed"
	case ChainChanged:
		return "chain_changed"
	}
	return "unknown"
}

// Event is one provider notification. Account is set for AccountsChanged,
// ChainID for ChainChanged.
type Event struct {
	Type    Type
	Account common.Address
	ChainID *big.Int
}

// DefaultBuffer is the per-subscriber channel depth.
const DefaultBuffer = 8

// Hub distributes events to subscribers. The zero value is not usable; use
// NewHub.
type Hub struct {
	mu     sync.Mutex
	next   int
	subs   map[int]chan Event
	buffer int
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event), buffer: DefaultBuffer}
}

// Subscribe registers a new subscriber and returns its event channel plus an
// unsubscribe function. Unsubscribe is idempotent and closes the channel, so
// a range over it terminates. Subscribing to a closed hub returns a closed
// channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.next
	h.next++
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

// Publish delivers ev to every current subscriber. A subscriber whose buffer
// is full misses the event rather than blocking the publisher; wallet events
// are level signals, not a log, and the next one supersedes the last.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close terminates every subscription. Subsequent Publish calls are no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
