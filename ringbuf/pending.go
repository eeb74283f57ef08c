package ringbuf

import "github.com/v4vfabric/v4v/internal/gmem"

// pendingEnt is one waiter: a sender domain blocked on this ring until
// it can fit a message of at least len bytes.
type pendingEnt struct {
	sender gmem.DomID
	len    uint32
}

// PendingSet is the per-ring waiter bookkeeping of §4.3. At most one
// entry exists per sender; requeueing a sender that is already waiting
// keeps the larger of the two lengths rather than creating a second
// entry. All methods assume the owning ring's L3 is already held.
type PendingSet struct {
	ents map[gmem.DomID]*pendingEnt
}

func newPendingSet() PendingSet {
	return PendingSet{ents: make(map[gmem.DomID]*pendingEnt)}
}

// Enqueue records that sender is blocked waiting for required free
// bytes, coalescing with any existing wait for the same sender by
// keeping the larger requirement (v4v_pending_requeue).
func (p *PendingSet) Enqueue(sender gmem.DomID, required uint32) {
	if ent, ok := p.ents[sender]; ok {
		if required > ent.len {
			ent.len = required
		}
		return
	}
	p.ents[sender] = &pendingEnt{sender: sender, len: required}
}

// Cancel removes any wait recorded for sender, e.g. because a space
// report found enough room for it (v4v_pending_cancel).
func (p *PendingSet) Cancel(sender gmem.DomID) {
	delete(p.ents, sender)
}

// Harvest moves every entry whose requirement is now satisfiable by
// available bytes out of this set and into out, leaving everything
// else waiting (v4v_pending_find).
func (p *PendingSet) Harvest(available uint32, out []gmem.DomID) []gmem.DomID {
	for sender, ent := range p.ents {
		if available >= ent.len {
			out = append(out, sender)
			delete(p.ents, sender)
		}
	}
	return out
}

// Drain calls signal for every domain in out. It does not touch the
// set itself: callers harvest first, then drain once outside L3 so the
// signal callback never runs while a ring lock is held
// (v4v_pending_notify).
func Drain(out []gmem.DomID, signal func(gmem.DomID)) {
	for _, sender := range out {
		signal(sender)
	}
}

// cancelAll discards every waiter without signaling anyone, used when
// the ring itself is being torn down.
func (p *PendingSet) cancelAll() {
	for sender := range p.ents {
		delete(p.ents, sender)
	}
}
