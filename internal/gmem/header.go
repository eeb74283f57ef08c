package gmem

import (
	"sync/atomic"
	"unsafe"

	"github.com/v4vfabric/v4v/wire"
)

// HeaderView reinterprets a ring's first mapped page as its guest-
// visible header. This is the only unsafe.Pointer cast in the module;
// every other package reaches ring bytes through the typed accessors
// below (§9 design note: "isolate guest-pointer dereferences into a
// single module").
//
// page must be at least wire.RingHeaderSize bytes (guaranteed by
// register_ring's npage*PAGE_SIZE >= len validation, §4.4).
func HeaderView(page []byte) *wire.RingHeader {
	return (*wire.RingHeader)(unsafe.Pointer(&page[0]))
}

// LoadRxPtr reads the guest-owned consumer pointer. The guest may be
// concurrently advancing it; §4.2 only ever wants a fresh snapshot, not
// a synchronized one.
func LoadRxPtr(page []byte) uint32 {
	h := HeaderView(page)
	return atomic.LoadUint32(&h.RxPtr)
}

// StoreTxPtr publishes the hypervisor-owned producer pointer. The
// atomic store is the mandatory memory fence of §4.2 step 7: the guest
// must never observe the new TxPtr before the payload bytes that
// precede it.
func StoreTxPtr(page []byte, v uint32) {
	h := HeaderView(page)
	atomic.StoreUint32(&h.TxPtr, v)
}

// StoreRxPtr is used only by the empty-ring reset of §4.2, which resets
// both pointers together before the hypervisor is done writing.
func StoreRxPtr(page []byte, v uint32) {
	h := HeaderView(page)
	atomic.StoreUint32(&h.RxPtr, v)
}
