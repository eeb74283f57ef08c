// Package demo is an in-process stand-in for the real hypervisor
// collaborators a guest driver would otherwise talk to through
// hypercalls: pinned frames backed by plain heap buffers instead of
// real machine pages, and wakeups delivered over Go channels instead
// of event channels. It exists to exercise the fabric end to end the
// way go-fuse's example/loopback exercises a full FUSE server against
// a real directory tree instead of a mock.
package demo

import (
	"sync"

	"github.com/cloudwego/gopkg/cache/mempool"

	"github.com/v4vfabric/v4v/internal/gmem"
)

// MemFrames is both a gmem.FrameSource and a gmem.PageMapper backed by
// mempool-allocated buffers keyed by FrameID. A real hypervisor keeps
// these as two separate subsystems (the p2m/grant code pins frames,
// a bounded mapcache maps them); here one type plays both roles since
// there is no real physical memory to separate them from.
type MemFrames struct {
	mu     sync.Mutex
	nextID gmem.FrameID
	bufs   map[gmem.FrameID][]byte
}

// NewMemFrames returns an empty frame source/mapper pair.
func NewMemFrames() *MemFrames {
	return &MemFrames{bufs: make(map[gmem.FrameID][]byte)}
}

// PinWritable allocates a fresh page-sized buffer and hands out a new
// FrameID for it. pfn is accepted but unused: there is no real guest
// page table here, so every pin is unconditionally successful.
func (f *MemFrames) PinWritable(dom gmem.DomID, pfn uint64) (gmem.FrameID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	id := f.nextID
	buf := mempool.Malloc(gmem.PageSize)
	f.bufs[id] = buf
	return id, nil
}

// Unpin releases the buffer backing a frame.
func (f *MemFrames) Unpin(id gmem.FrameID) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if buf, ok := f.bufs[id]; ok {
		mempool.Free(buf)
		delete(f.bufs, id)
	}
}

// Map returns the buffer backing id. There is no separate mapping
// window to exhaust in this backend, so it never fails.
func (f *MemFrames) Map(id gmem.FrameID) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bufs[id], nil
}

// Unmap is a no-op: MemFrames keeps every pinned buffer mapped for its
// whole lifetime, matching a backend with no mapping-slot pressure.
func (f *MemFrames) Unmap(gmem.FrameID) {}
