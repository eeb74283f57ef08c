// Package gmem is the one place in this module that touches guest
// memory. Every other package reaches a ring's bytes only through the
// typed, fallible helpers exported here — none of them does pointer
// arithmetic of its own (see design note in SPEC_FULL.md §9).
package gmem

import (
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// PageSize is the hypervisor's page size. Ring frame counts and mapping
// slots are always expressed in multiples of it.
var PageSize = unix.Getpagesize()

// FrameID identifies a pinned machine page frame. The zero value is
// never a valid frame.
type FrameID uint64

// DomID is the numeric id of a guest domain. Kept distinct from
// wire.Address's own uint16 domain field so this package has no
// dependency on the wire layout.
type DomID uint16

// EvtchnPort identifies the event channel a domain is woken through
// (evtchn_port_t in the original). PerDomainState allocates exactly one
// of these when a domain is created and reports it back via info.
type EvtchnPort uint32

// FrameSource pins and unpins guest page frames on the hypervisor's
// behalf. It is supplied by the embedder; this package never talks to
// real page tables.
type FrameSource interface {
	// PinWritable translates a guest pfn to a machine frame, verifies
	// it is a writable page owned by dom, and increments its pin/type
	// refcount. Returns EINVAL for a bad pfn, ENOMEM on exhaustion.
	PinWritable(dom DomID, pfn uint64) (FrameID, error)

	// Unpin releases one pin/type reference acquired by PinWritable.
	Unpin(FrameID)
}

// PageMapper provides temporary hypervisor-side mappings of pinned
// frames, backed by a shared, bounded pool (§5).
type PageMapper interface {
	// Map returns a PageSize-byte window onto frame, valid until the
	// matching Unmap. Returns EFAULT on transient pool exhaustion.
	Map(FrameID) ([]byte, error)
	Unmap(FrameID)
}

// FrameMapper owns the pinned frame list backing one ring and lazily
// maps pages on demand (C1). It is not safe for concurrent use; callers
// serialize access under the owning ring's L3 lock.
type FrameMapper struct {
	src    FrameSource
	mapper PageMapper

	frames   []FrameID
	mappings [][]byte // lazily populated, same length as frames
}

// NewFrameMapper pins npfn guest frames for dom and returns a mapper
// over them. On any pin failure, every frame pinned so far is released
// and the whole registration fails — register_ring never leaves
// partially-pinned state behind.
func NewFrameMapper(src FrameSource, mapper PageMapper, dom DomID, pfns []uint64) (*FrameMapper, error) {
	frames := make([]FrameID, 0, len(pfns))
	for _, pfn := range pfns {
		f, err := src.PinWritable(dom, pfn)
		if err != nil {
			for _, acquired := range frames {
				src.Unpin(acquired)
			}
			return nil, err
		}
		frames = append(frames, f)
	}
	return &FrameMapper{
		src:      src,
		mapper:   mapper,
		frames:   frames,
		mappings: make([][]byte, len(frames)),
	}, nil
}

// NPage returns the number of page frames backing the ring.
func (m *FrameMapper) NPage() int { return len(m.frames) }

// MapPage returns a stable, PageSize-byte window onto page i, mapping
// it on first use. Repeat calls are idempotent. i >= NPage() fails fast
// with EINVAL; a mapping-pool failure surfaces as EFAULT and leaves the
// ring retriable.
func (m *FrameMapper) MapPage(i int) ([]byte, error) {
	if i < 0 || i >= len(m.frames) {
		return nil, syscall.EINVAL
	}
	if m.mappings[i] != nil {
		return m.mappings[i], nil
	}
	page, err := m.mapper.Map(m.frames[i])
	if err != nil {
		return nil, syscall.EFAULT
	}
	m.mappings[i] = page
	return page, nil
}

// UnmapAll releases every currently-mapped page without unpinning the
// backing frames. Must be called while holding the owning ring's L3.
func (m *FrameMapper) UnmapAll() {
	for i, page := range m.mappings {
		if page == nil {
			continue
		}
		m.mapper.Unmap(m.frames[i])
		m.mappings[i] = nil
	}
}

// Release unmaps every page and unpins every frame. Called once, from
// unregister_ring or domain teardown.
func (m *FrameMapper) Release() {
	m.UnmapAll()
	for _, f := range m.frames {
		m.src.Unpin(f)
	}
	m.frames = nil
}

// pagePool is a pool of reusable single-page buffers, adapted from the
// teacher's fuse.BufferPoolImpl: free pages are kept on a free list and
// reused rather than garbage collected. It places no limit on how many
// buffers it creates, so its Map never fails. Pages are tracked by
// the frame they currently back, so Unmap can return the exact buffer
// to the free list.
type pagePool struct {
	mu      sync.Mutex
	free    [][]byte
	mapped  map[FrameID][]byte
	created int
}

// NewPagePool returns a PageMapper suitable for tests and in-process
// embedders: "mapping" a frame hands out a pooled, PageSize-byte
// buffer; "unmapping" returns it to the free list for reuse.
func NewPagePool() PageMapper {
	return &pagePool{mapped: make(map[FrameID][]byte)}
}

func (p *pagePool) Map(f FrameID) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b, ok := p.mapped[f]; ok {
		return b, nil
	}

	var b []byte
	if n := len(p.free); n > 0 {
		b = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		p.created++
		b = make([]byte, PageSize)
	}
	p.mapped[f] = b
	return b, nil
}

func (p *pagePool) Unmap(f FrameID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.mapped[f]
	if !ok {
		return
	}
	delete(p.mapped, f)
	p.free = append(p.free, b)
}
