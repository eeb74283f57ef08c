package demo

import (
	"sync"

	cwring "github.com/cloudwego/gopkg/container/ring"

	"github.com/v4vfabric/v4v/internal/gmem"
	"github.com/v4vfabric/v4v/registry"
)

// signalHistory is a fixed-capacity, allocate-once log of the last N
// domains signaled, kept for demo introspection (e.g. printing what
// woke up after a Notify). cloudwego's Ring is a natural fit here: a
// small, fixed-size window that is overwritten in place rather than a
// growing slice nobody ever trims.
type signalHistory struct {
	mu   sync.Mutex
	ring *cwring.Ring[gmem.DomID]
	cur  int
	n    int
}

func newSignalHistory(capacity int) *signalHistory {
	return &signalHistory{ring: cwring.NewFromSlice(make([]gmem.DomID, capacity))}
}

func (h *signalHistory) record(dom gmem.DomID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	item, _ := h.ring.Get(h.cur)
	*item.Pointer() = dom
	if next, ok := h.ring.Next(h.cur); ok {
		h.cur = next.Index()
	}
	if h.n < h.ring.Len() {
		h.n++
	}
}

// recent returns up to the last N signaled domains, oldest first.
func (h *signalHistory) recent() []gmem.DomID {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]gmem.DomID, 0, h.n)
	start, _ := h.ring.Move(h.cur, -h.n)
	for i := 0; i < h.n; i++ {
		item, _ := h.ring.Move(start.Index(), i)
		out = append(out, item.Value())
	}
	return out
}

// EventBus is a registry.EventChannel fan-out: each domain gets a
// small non-blocking wakeup channel a dispatcher goroutine can select
// on, plus a shared history of who got signaled.
type EventBus struct {
	mu      sync.Mutex
	wakeups map[gmem.DomID]chan struct{}
	history *signalHistory
}

// NewEventBus returns a bus with no registered domains yet.
func NewEventBus() *EventBus {
	return &EventBus{
		wakeups: make(map[gmem.DomID]chan struct{}),
		history: newSignalHistory(32),
	}
}

// For returns the registry.EventChannel a given domain should be
// created with; it also opens that domain's wakeup channel.
func (b *EventBus) For(dom gmem.DomID) registry.EventChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wakeups[dom] = make(chan struct{}, 1)
	return busHandle{bus: b, dom: dom}
}

// Wakeups returns the channel a consumer should select on to learn
// when dom has been signaled. Receives are non-blocking sends, so
// multiple signals before a receive coalesce into one wakeup.
func (b *EventBus) Wakeups(dom gmem.DomID) <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wakeups[dom]
}

// Recent returns the last few domains signaled, oldest first.
func (b *EventBus) Recent() []gmem.DomID {
	return b.history.recent()
}

type busHandle struct {
	bus *EventBus
	dom gmem.DomID
}

func (h busHandle) Signal(dom gmem.DomID) {
	h.bus.mu.Lock()
	ch := h.bus.wakeups[dom]
	h.bus.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
	h.bus.history.record(dom)
}
