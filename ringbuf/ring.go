// Package ringbuf implements the ring buffer insertion engine (C2) and
// the per-ring pending-waiter set (C3). A Ring is the hypervisor-owned
// RingInfo of §3: cached header fields, pinned-frame mapper, and
// waiters, all guarded by the ring's own L3 lock.
package ringbuf

import (
	"sync"
	"syscall"

	"github.com/v4vfabric/v4v/internal/gmem"
	"github.com/v4vfabric/v4v/wire"
)

// Ring is one registered ring (RingInfo in §3). Every mutable field
// below is protected by mu (L3); callers outside this package never
// touch them directly.
type Ring struct {
	ID wire.RingID

	mu      sync.Mutex
	len     uint32
	txPtr   uint32
	frames  *gmem.FrameMapper
	pending PendingSet
}

// New wraps a pinned frame mapper as a registered ring. len and txPtr
// are the values register_ring already validated and normalized
// (§4.4); frames is the C1 mapper owning the ring's pinned pages.
func New(id wire.RingID, length, txPtr uint32, frames *gmem.FrameMapper) *Ring {
	return &Ring{
		ID:      id,
		len:     length,
		txPtr:   txPtr,
		frames:  frames,
		pending: newPendingSet(),
	}
}

// Len returns the cached payload length (constant for the ring's
// lifetime).
func (r *Ring) Len() uint32 {
	return r.len
}

// Close unmaps and unpins every frame backing the ring. Called by
// unregister_ring or domain teardown, which must already hold W(L2) and
// therefore need not separately take L3 (§4.8).
func (r *Ring) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending.cancelAll()
	r.frames.Release()
}

// headerPage returns the mapped first page of the ring, which always
// holds the full RingHeader (register_ring enforces npage*PAGE_SIZE >=
// HDR+len, and HDR < PAGE_SIZE on any real hypervisor page size).
func (r *Ring) headerPage() ([]byte, error) {
	return r.frames.MapPage(0)
}

// spaceAvailLocked computes the free-space formula of §4.2 without mutating
// anything: used by the notify path's space-report phase. Must be
// called with mu held.
func (r *Ring) spaceAvailLocked() (uint32, error) {
	page, err := r.headerPage()
	if err != nil {
		return 0, err
	}
	rx := gmem.LoadRxPtr(page)
	if rx == r.txPtr {
		return r.len - wire.HeaderSize, nil
	}
	diff := (rx - r.txPtr + r.len) % r.len
	if diff < wire.HeaderSize+16 {
		return 0, nil
	}
	return diff - wire.HeaderSize - 16, nil
}

// SpaceAvail is the locked, exported form of spaceAvailLocked, used by
// the notify path (§4.7) to report room without attempting an insert.
func (r *Ring) SpaceAvail() (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spaceAvailLocked()
}

// MaxMessageSize is the largest payload this ring can ever hold,
// reported alongside SpaceAvail by the notify path's space report
// (§4.7(b)). It is 16 bytes less than the space an empty ring reports,
// because Insert rejects any message whose header plus rounded payload
// reaches len.
func (r *Ring) MaxMessageSize() uint32 {
	return r.len - wire.HeaderSize - 16
}

// AddPendingWaiter records that sender is blocked on this ring until
// required bytes are free (§4.3 enqueue).
func (r *Ring) AddPendingWaiter(sender gmem.DomID, required uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending.Enqueue(sender, required)
}

// CancelPendingWaiter removes any wait recorded for sender.
func (r *Ring) CancelPendingWaiter(sender gmem.DomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending.Cancel(sender)
}

// HarvestPendingWaiters snapshots current free space and moves every
// waiter it now satisfies into the returned slice, ready for the
// caller to Drain once L3 (and L2/L1) are released (§4.7 phase one).
func (r *Ring) HarvestPendingWaiters() ([]gmem.DomID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	available, err := r.spaceAvailLocked()
	if err != nil {
		return nil, err
	}
	return r.pending.Harvest(available, nil), nil
}

// ReportFlags are the per-ring bits of a space-report (§4.7 phase two,
// v4v_fill_ring_data): Exists is always true for a Report that got this
// far, Sufficient means spaceRequired already fits, Pending means it
// doesn't and sender was (re)placed on the wait list, and Empty means
// the ring is provably at its maximum free space.
type ReportFlags struct {
	Exists     bool
	Sufficient bool
	Pending    bool
	Empty      bool
}

// RingReport is one ring's answer to a space-required query.
type RingReport struct {
	SpaceAvail     uint32
	MaxMessageSize uint32
	Flags          ReportFlags
}

// Report computes a space-report for sender, with the side effect the
// original always has: a sender that doesn't yet fit is (re)enqueued as
// a pending waiter, and one that does is removed from it
// (v4v_fill_ring_data under R(L1)+this ring's L3).
func (r *Ring) Report(sender gmem.DomID, spaceRequired uint32) (RingReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	available, err := r.spaceAvailLocked()
	if err != nil {
		return RingReport{}, err
	}
	rep := RingReport{
		SpaceAvail:     available,
		MaxMessageSize: r.MaxMessageSize(),
	}
	rep.Flags.Exists = true
	if available >= spaceRequired {
		r.pending.Cancel(sender)
		rep.Flags.Sufficient = true
	} else {
		r.pending.Enqueue(sender, spaceRequired)
		rep.Flags.Pending = true
	}
	if available == r.len-wire.HeaderSize {
		rep.Flags.Empty = true
	}
	return rep, nil
}

// Insert appends one framed message to the ring (§4.2). src is the
// sender's address (recorded as the message source, per the asymmetric
// convention noted in §9), proto is the message_type tag, and iovs is
// the sender's scatter list. On success it returns the number of
// payload bytes written. EAGAIN means the caller should enqueue a
// pending waiter; every other error is terminal for the send.
func (r *Ring) Insert(src wire.Address, proto uint32, iovs []gmem.IOVec) (uint32, error) {
	total, err := gmem.TotalLen(iovs, wire.MaxMessageBytes)
	if err != nil {
		return 0, err
	}
	payloadLen := uint32(total)
	required := wire.RoundUp16(payloadLen) + wire.HeaderSize

	r.mu.Lock()
	defer r.mu.Unlock()

	if required >= r.len {
		return 0, syscall.EMSGSIZE
	}

	page, err := r.headerPage()
	if err != nil {
		return 0, err
	}
	rx := gmem.LoadRxPtr(page)
	tx := r.txPtr

	if rx == tx && tx != 0 {
		// Empty-ring reset (§4.2): defragment before writing so the
		// message lands at offset 0. Both pointers are written before
		// we attempt the insert; on failure afterward the ring is
		// simply empty at 0/0, indistinguishable from its prior state.
		gmem.StoreTxPtr(page, 0)
		gmem.StoreRxPtr(page, 0)
		r.txPtr = 0
		tx = 0
		rx = 0
	}

	var available uint32
	if rx == tx {
		available = r.len - wire.HeaderSize
	} else {
		diff := (rx - tx + r.len) % r.len
		if diff < wire.HeaderSize+16 {
			return 0, syscall.EAGAIN
		}
		available = diff - wire.HeaderSize - 16
	}
	if available < wire.RoundUp16(payloadLen) {
		return 0, syscall.EAGAIN
	}

	mh := wire.MessageHeader{
		LenInclHdr:  payloadLen + wire.HeaderSize,
		Source:      src,
		MessageType: proto,
	}
	if err := r.writeAt(tx, headerBytes(mh)); err != nil {
		return 0, err
	}
	tx = wrapAdd(tx, wire.HeaderSize, r.len)

	for _, v := range iovs {
		if !v.Valid() {
			return 0, syscall.EFAULT
		}
		n := v.Len()
		if n == 0 {
			continue
		}
		spaceToWrap := r.len - tx
		if n > spaceToWrap {
			if err := r.copyIOVToRing(tx, v, 0, spaceToWrap); err != nil {
				return 0, err
			}
			tx = 0
			if err := r.copyIOVToRing(tx, v, spaceToWrap, n-spaceToWrap); err != nil {
				return 0, err
			}
			tx = n - spaceToWrap
			continue
		}
		if err := r.copyIOVToRing(tx, v, 0, n); err != nil {
			return 0, err
		}
		tx = wrapAdd(tx, n, r.len)
	}

	tx = wire.RoundUp16(tx)
	if tx >= r.len {
		tx -= r.len
	}

	r.txPtr = tx
	gmem.StoreTxPtr(page, tx) // mandatory fence: §4.2 step 7

	return payloadLen, nil
}

// copyIOVToRing copies n bytes starting at guestOff of v into the ring
// payload at byte offset ringOff, splitting across guest pages as
// needed via the frame mapper.
func (r *Ring) copyIOVToRing(ringOff uint32, v gmem.IOVec, guestOff, n uint32) error {
	return r.writeSpan(ringOff, n, func(dst []byte, done uint32) error {
		return gmem.CopySpanTo(dst, v, guestOff+done, uint32(len(dst)))
	})
}

// writeAt copies raw bytes (the message header) into the ring payload
// at offset off.
func (r *Ring) writeAt(off uint32, data []byte) error {
	return r.writeSpan(off, uint32(len(data)), func(dst []byte, done uint32) error {
		copy(dst, data[done:done+uint32(len(dst))])
		return nil
	})
}

// writeSpan writes n bytes of payload starting at offset off (measured
// from the start of the payload area, i.e. already past the header),
// calling fill once per guest page the span touches. This mirrors the
// original v4v_memcpy_to_guest_ring's per-page loop: a single message's
// bytes routinely straddle more than one backing frame whenever the
// ring spans multiple pages, and only the wrap-around boundary at
// r.len gets the explicit two-call treatment in Insert. fill receives
// a page-bounded destination slice and how many bytes of this span
// have already been written, so it can find its own source offset.
func (r *Ring) writeSpan(off, n uint32, fill func(dst []byte, done uint32) error) error {
	abs := off + wire.RingHeaderSize
	var done uint32
	for done < n {
		page := int(abs) / gmem.PageSize
		within := abs % uint32(gmem.PageSize)
		buf, err := r.frames.MapPage(page)
		if err != nil {
			return err
		}
		chunk := uint32(gmem.PageSize) - within
		if rem := n - done; chunk > rem {
			chunk = rem
		}
		if err := fill(buf[within:within+chunk], done); err != nil {
			return err
		}
		done += chunk
		abs += chunk
	}
	return nil
}

func headerBytes(mh wire.MessageHeader) []byte {
	b := make([]byte, wire.HeaderSize)
	putU32(b[0:4], mh.LenInclHdr)
	putU16(b[4:6], mh.Source.Domain)
	putU32(b[6:10], mh.Source.Port)
	putU32(b[12:16], mh.MessageType)
	return b
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putU16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func wrapAdd(off, n, cap uint32) uint32 {
	off += n
	if off >= cap {
		off -= cap
	}
	return off
}
