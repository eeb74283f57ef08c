package gmem

import (
	"syscall"

	"github.com/cloudwego/gopkg/unsafex"
)

// IOVec is one element of a sender's scatter list. Data is the
// already-resolved guest buffer; a nil Data models an invalid guest
// handle (EFAULT), exactly the failure mode §4.2 expects copy-from-guest
// to surface. An element's length is len(Data).
type IOVec struct {
	Data []byte
}

// Len reports the iovec's length without requiring Data to be valid.
func (v IOVec) Len() uint32 { return uint32(len(v.Data)) }

// Valid reports whether this iovec's guest handle actually resolved.
func (v IOVec) Valid() bool { return v.Data != nil }

// TotalLen sums the length of every iovec, failing with EMSGSIZE before
// any copying starts if the total exceeds MaxMessageBytes (the 2 GiB
// cap of §4.2) or would overflow a 32-bit count.
func TotalLen(iovs []IOVec, max uint64) (uint64, error) {
	var total uint64
	for _, v := range iovs {
		total += uint64(v.Len())
		if total > max {
			return 0, syscall.EMSGSIZE
		}
	}
	return total, nil
}

// CopySpanTo copies the first n bytes of an iovec's guest buffer
// starting at guestOff into dst. It is the guest-memory failure point:
// an invalid handle or an out-of-range span is EFAULT, never a panic.
func CopySpanTo(dst []byte, v IOVec, guestOff, n uint32) error {
	if v.Data == nil && n > 0 {
		return syscall.EFAULT
	}
	if uint64(guestOff)+uint64(n) > uint64(len(v.Data)) {
		return syscall.EFAULT
	}
	copy(dst, v.Data[guestOff:guestOff+n])
	return nil
}

// PreviewASCII views a guest buffer as a string without copying it, for
// diagnostic logging (e.g. Hypervisor.SendV's filter-rejection log). The
// returned string aliases b and must not outlive it.
func PreviewASCII(b []byte) string {
	return unsafex.BinaryToString(b)
}
