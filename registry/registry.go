// Package registry holds the L1/L2 domain and ring bookkeeping of the
// fabric: which domains exist, and which rings each one has published
// (C4). It owns no guest memory itself; registering a ring hands the
// pinned-frame work off to internal/gmem and stores the resulting
// *ringbuf.Ring under its hash bucket.
package registry

import (
	"sync"
	"syscall"

	"github.com/v4vfabric/v4v/internal/gmem"
	"github.com/v4vfabric/v4v/ringbuf"
	"github.com/v4vfabric/v4v/wire"
)

// EventChannel is how the fabric wakes a domain: unblocking a receiver
// after SendV, or a blocked sender after Notify finds room. Supplied by
// the embedder; this package never assumes anything about delivery
// beyond that Signal must not block the caller and must be safe to call
// with no registry locks held (§4.7's signal step always runs after L3,
// L2 and L1 have all been released).
type EventChannel interface {
	Signal(dom gmem.DomID)
}

// Domain is one guest's registered state: its own ring set (L2), the
// event channel used to wake it, and the event-channel port it was
// allocated on creation (PerDomainState.event_channel_port, reported
// back to the guest by the info hypercall).
type Domain struct {
	ID         gmem.DomID
	Events     EventChannel
	EvtchnPort gmem.EvtchnPort

	mu      sync.RWMutex // L2
	buckets [wire.HashBuckets][]*ringbuf.Ring
}

func newDomain(id gmem.DomID, events EventChannel, port gmem.EvtchnPort) *Domain {
	return &Domain{ID: id, Events: events, EvtchnPort: port}
}

// findLocked looks up the exact RingID under L2, already held by the
// caller. It performs no wildcard fallback; callers that want the
// partner-then-DomIDAny fallback use FindByDestination.
func (d *Domain) findLocked(id wire.RingID) *ringbuf.Ring {
	bucket := d.buckets[wire.Hash(id)]
	for _, r := range bucket {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// Find looks up a ring by its exact id (port, this domain, partner),
// performing no wildcard fallback.
func (d *Domain) Find(id wire.RingID) *ringbuf.Ring {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.findLocked(id)
}

// FindByDestination resolves the ring a message from sender should
// land in: the ring addressed exactly to sender if one exists,
// otherwise the wildcard-partner ring open to anyone
// (v4v_ring_find_info_by_addr's exact-then-DomIDAny fallback).
func (d *Domain) FindByDestination(port uint32, sender gmem.DomID) *ringbuf.Ring {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id := wire.RingID{Addr: wire.Address{Domain: uint16(d.ID), Port: port}, Partner: uint16(sender)}
	if r := d.findLocked(id); r != nil {
		return r
	}
	id.Partner = wire.DomIDAny
	return d.findLocked(id)
}

// Register publishes a new ring. A second Register for an id that is
// already registered fails EEXIST, matching v4v_ring_add; an existing
// ring's frames are never replaced.
//
// Register fails EINVAL unless length is a multiple of 16 and at least
// wire.MinPayloadLen, and unless frames covers the ring header plus
// length bytes; it then inserts the ring into its hash bucket. rxPtr
// is the guest-supplied consumer pointer,
// read from the same ring header as txPtr: a bogus txPtr is normalized
// to rxPtr rather than reset to 0, since a S4-resume re-register must
// not discard whatever the guest has already consumed.
func (d *Domain) Register(id wire.RingID, length, txPtr, rxPtr uint32, frames *gmem.FrameMapper) (*ringbuf.Ring, error) {
	if length < wire.MinPayloadLen || wire.RoundUp16(length) != length {
		return nil, syscall.EINVAL
	}
	if uint64(frames.NPage())*uint64(gmem.PageSize) < uint64(wire.RingHeaderSize)+uint64(length) {
		return nil, syscall.EINVAL
	}
	if txPtr >= length || wire.RoundUp16(txPtr) != txPtr {
		txPtr = rxPtr
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.findLocked(id) != nil {
		return nil, syscall.EEXIST
	}

	r := ringbuf.New(id, length, txPtr, frames)
	h := wire.Hash(id)
	d.buckets[h] = append(d.buckets[h], r)
	return r, nil
}

// Unregister removes and closes the ring with this exact id, returning
// ENOENT if none is registered (v4v_ring_remove).
func (d *Domain) Unregister(id wire.RingID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	h := wire.Hash(id)
	bucket := d.buckets[h]
	for i, r := range bucket {
		if r.ID == id {
			r.Close()
			d.buckets[h] = append(bucket[:i], bucket[i+1:]...)
			return nil
		}
	}
	return syscall.ENOENT
}

// Rings returns a snapshot of every ring currently registered to the
// domain, across all hash buckets, for callers (the notify path) that
// need to walk the whole set without holding L2 for the duration.
func (d *Domain) Rings() []*ringbuf.Ring {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*ringbuf.Ring
	for _, bucket := range d.buckets {
		out = append(out, bucket...)
	}
	return out
}

// closeAll tears down every ring the domain owns, used by RemoveDomain.
func (d *Domain) closeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, bucket := range d.buckets {
		for _, r := range bucket {
			r.Close()
		}
		d.buckets[i] = nil
	}
}

// Table is the global L1: domain existence plus the per-domain L2
// registries. Every lookup by domain id goes through it first, exactly
// as the original always takes R(L1) before touching a domain's own
// v4v_domain lock.
type Table struct {
	mu       sync.RWMutex // L1
	domains  map[gmem.DomID]*Domain
	nextPort gmem.EvtchnPort
}

// NewTable returns an empty registry.
func NewTable() *Table {
	return &Table{domains: make(map[gmem.DomID]*Domain)}
}

// AddDomain registers a new domain, e.g. on guest creation, allocating
// it an event-channel port the way PerDomainState's constructor calls
// evtchn_alloc_unbound_domain once up front. Calling it twice for the
// same id is a caller error and returns EEXIST.
func (t *Table) AddDomain(id gmem.DomID, events EventChannel) (*Domain, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.domains[id]; ok {
		return nil, syscall.EEXIST
	}
	t.nextPort++
	d := newDomain(id, events, t.nextPort)
	t.domains[id] = d
	return d, nil
}

// RemoveDomain tears down a domain's rings and drops it from the
// table, e.g. on guest destroy (v4v_destroy).
func (t *Table) RemoveDomain(id gmem.DomID) {
	t.mu.Lock()
	d, ok := t.domains[id]
	if ok {
		delete(t.domains, id)
	}
	t.mu.Unlock()
	if ok {
		d.closeAll()
	}
}

// Domain returns the registered Domain for id, or nil if it does not
// exist or has no v4v state (the original's "!d->v4v" check folds into
// this: a domain absent from the table behaves identically to one
// whose v4v state was never initialized).
func (t *Table) Domain(id gmem.DomID) *Domain {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.domains[id]
}
