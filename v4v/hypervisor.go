// Package v4v is the top-level inter-domain messaging fabric: it wires
// together registry (C4), ringbuf (C2/C3) and filter (C5) into the two
// operations a domain actually performs, SendV and Notify (C6/C7), and
// enforces the lock hierarchy of C8 by construction — every method
// below takes registry's L1 first, a domain's L2 second, and only ever
// reaches a ring's own L3 through ringbuf's already-locked methods.
package v4v

import (
	"log"
	"syscall"

	"github.com/v4vfabric/v4v/filter"
	"github.com/v4vfabric/v4v/internal/gmem"
	"github.com/v4vfabric/v4v/registry"
	"github.com/v4vfabric/v4v/ringbuf"
	"github.com/v4vfabric/v4v/wire"
)

// Hypervisor is one fabric instance: a domain/ring registry plus one
// global filter table shared by every domain (v4vtables_rules is
// global in the original, not per-domain).
type Hypervisor struct {
	domains *registry.Table
	filters *filter.Table
}

// New returns an empty fabric with no domains and an accept-everything
// filter table.
func New() *Hypervisor {
	return &Hypervisor{
		domains: registry.NewTable(),
		filters: filter.NewTable(),
	}
}

// AddDomain registers a new guest domain capable of owning rings.
func (h *Hypervisor) AddDomain(id gmem.DomID, events registry.EventChannel) (*registry.Domain, error) {
	return h.domains.AddDomain(id, events)
}

// RemoveDomain tears down a domain's rings and removes it from the
// fabric (v4v_destroy).
func (h *Hypervisor) RemoveDomain(id gmem.DomID) {
	h.domains.RemoveDomain(id)
}

// RegisterRing pins npfn guest frames and publishes a new ring for
// caller at addr, restricted to partner (wire.DomIDAny for an
// open ring). length, txPtr and rxPtr are taken from the guest-visible
// header exactly as register_ring reads them before validating.
func (h *Hypervisor) RegisterRing(caller gmem.DomID, addr wire.Address, partner uint16, length, txPtr, rxPtr uint32, src gmem.FrameSource, mapper gmem.PageMapper, pfns []uint64) (*ringbuf.Ring, error) {
	dom := h.domains.Domain(caller)
	if dom == nil {
		return nil, syscall.EINVAL
	}

	frames, err := gmem.NewFrameMapper(src, mapper, caller, pfns)
	if err != nil {
		return nil, err
	}

	id := wire.RingID{Addr: wire.Address{Domain: uint16(caller), Port: addr.Port}, Partner: partner}
	r, err := dom.Register(id, length, txPtr, rxPtr, frames)
	if err != nil {
		frames.Release()
		return nil, err
	}
	return r, nil
}

// UnregisterRing unpublishes and closes the ring caller registered at
// addr for partner.
func (h *Hypervisor) UnregisterRing(caller gmem.DomID, addr wire.Address, partner uint16) error {
	dom := h.domains.Domain(caller)
	if dom == nil {
		return syscall.EINVAL
	}
	id := wire.RingID{Addr: wire.Address{Domain: uint16(caller), Port: addr.Port}, Partner: partner}
	return dom.Unregister(id)
}

// SendV is the send path (C6): filter the proposed send, resolve the
// destination ring by exact-partner-then-wildcard, insert the message,
// and wake the receiver. EAGAIN means the ring is full; the sender is
// left on that ring's pending list so a later Notify wakes it back up.
func (h *Hypervisor) SendV(src, dst wire.Address, proto uint32, iovs []gmem.IOVec) (uint32, error) {
	if h.domains.Domain(gmem.DomID(src.Domain)) == nil {
		return 0, syscall.EINVAL
	}

	if !h.filters.Check(src, dst) {
		log.Printf("v4v: filter rejected %s -> %s [%s]", src, dst, previewFirst(iovs))
		return 0, syscall.ECONNREFUSED
	}

	dstDom := h.domains.Domain(gmem.DomID(dst.Domain))
	if dstDom == nil {
		return 0, syscall.ECONNREFUSED
	}
	ring := dstDom.FindByDestination(dst.Port, gmem.DomID(src.Domain))
	if ring == nil {
		return 0, syscall.ECONNREFUSED
	}

	n, err := ring.Insert(src, proto, iovs)
	if err == syscall.EAGAIN {
		total, terr := gmem.TotalLen(iovs, wire.MaxMessageBytes)
		if terr != nil {
			return 0, terr
		}
		ring.AddPendingWaiter(gmem.DomID(src.Domain), uint32(total))
		return 0, syscall.EAGAIN
	}
	if err != nil {
		return 0, err
	}

	if dstDom.Events != nil {
		dstDom.Events.Signal(gmem.DomID(dst.Domain))
	}
	return n, nil
}

// SpaceQuery is one entry of a Notify call's space-required list: "how
// much room does the ring at Dst have, and is it enough for
// SpaceRequired more bytes" (v4v_ring_data_ent_t before it is filled
// in).
type SpaceQuery struct {
	Dst           wire.Address
	SpaceRequired uint32
}

// Notify implements C7 in its two independent phases: first it walks
// every ring the caller owns and wakes any sender whose wait it can
// now satisfy (v4v_notify's hlist walk + v4v_pending_notify); then,
// for each SpaceQuery, it computes a fresh space report against some
// other domain's ring and updates that ring's own pending set as a
// side effect (v4v_fill_ring_data) exactly as the original always
// does, whether or not the caller uses the answer to retry a send.
func (h *Hypervisor) Notify(caller gmem.DomID, queries []SpaceQuery) ([]ringbuf.RingReport, error) {
	dom := h.domains.Domain(caller)
	if dom == nil {
		return nil, syscall.ENODEV
	}

	var waiters []gmem.DomID
	for _, r := range dom.Rings() {
		w, err := r.HarvestPendingWaiters()
		if err != nil {
			log.Printf("v4v: notify: ring %s: %v", r.ID, err)
			continue
		}
		waiters = append(waiters, w...)
	}
	ringbuf.Drain(waiters, func(sender gmem.DomID) {
		senderDom := h.domains.Domain(sender)
		if senderDom == nil || senderDom.Events == nil {
			return
		}
		senderDom.Events.Signal(sender)
	})

	reports := make([]ringbuf.RingReport, len(queries))
	for i, q := range queries {
		dstDom := h.domains.Domain(gmem.DomID(q.Dst.Domain))
		if dstDom == nil {
			continue
		}
		ring := dstDom.FindByDestination(q.Dst.Port, caller)
		if ring == nil {
			continue
		}
		rep, err := ring.Report(caller, q.SpaceRequired)
		if err != nil {
			log.Printf("v4v: notify: space report for %s: %v", ring.ID, err)
			continue
		}
		reports[i] = rep
	}
	return reports, nil
}

// TablesAdd inserts a filter rule at 1-based position (0 or 1 both mean
// "head of the list").
func (h *Hypervisor) TablesAdd(rule filter.Rule, position int) {
	h.filters.Add(rule, position)
}

// TablesDelAt removes the filter rule at 1-based position.
func (h *Hypervisor) TablesDelAt(position int) error {
	return h.filters.DelAt(position)
}

// TablesDelMatching removes the first filter rule whose src/dst exactly
// match rule.
func (h *Hypervisor) TablesDelMatching(rule filter.Rule) error {
	return h.filters.DelMatching(rule)
}

// TablesFlush empties the filter table.
func (h *Hypervisor) TablesFlush() {
	h.filters.Flush()
}

// TablesList returns up to max filter rules starting at the given
// 0-based index.
func (h *Hypervisor) TablesList(start, max int) []filter.Rule {
	return h.filters.List(start, max)
}

// Info reports the wire-format magics, the same for every domain, plus
// the event-channel port caller itself was allocated (v4v_info).
type Info struct {
	RingMagic  uint64
	DataMagic  uint64
	EvtchnPort gmem.EvtchnPort
}

// Info returns caller's fabric info: the wire magics and caller's own
// event-channel port.
func (h *Hypervisor) Info(caller gmem.DomID) (Info, error) {
	dom := h.domains.Domain(caller)
	if dom == nil {
		return Info{}, syscall.EINVAL
	}
	return Info{RingMagic: wire.RingMagic, DataMagic: wire.DataMagic, EvtchnPort: dom.EvtchnPort}, nil
}

func previewFirst(iovs []gmem.IOVec) string {
	for _, v := range iovs {
		if len(v.Data) == 0 {
			continue
		}
		n := len(v.Data)
		if n > 32 {
			n = 32
		}
		return gmem.PreviewASCII(v.Data[:n])
	}
	return ""
}
