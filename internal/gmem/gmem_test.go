package gmem

import (
	"syscall"
	"testing"
)

type fakeSource struct {
	pins   []uint64
	unpins []FrameID
	failAt int // PinWritable fails on the call with this index (0-based), -1 never
}

func (f *fakeSource) PinWritable(dom DomID, pfn uint64) (FrameID, error) {
	idx := len(f.pins)
	f.pins = append(f.pins, pfn)
	if f.failAt == idx {
		return 0, syscall.ENOMEM
	}
	return FrameID(idx + 1), nil
}

func (f *fakeSource) Unpin(id FrameID) {
	f.unpins = append(f.unpins, id)
}

func TestNewFrameMapperRollsBackOnFailure(t *testing.T) {
	src := &fakeSource{failAt: 2}
	mapper := NewPagePool()

	_, err := NewFrameMapper(src, mapper, DomID(1), []uint64{10, 11, 12, 13})
	if err != syscall.ENOMEM {
		t.Fatalf("err = %v, want ENOMEM", err)
	}
	if len(src.unpins) != 2 {
		t.Fatalf("unpinned %d frames, want 2 (the ones pinned before the failure)", len(src.unpins))
	}
}

func TestFrameMapperMapPageBounds(t *testing.T) {
	src := &fakeSource{failAt: -1}
	mapper := NewPagePool()

	fm, err := NewFrameMapper(src, mapper, DomID(1), []uint64{10, 11})
	if err != nil {
		t.Fatal(err)
	}
	if fm.NPage() != 2 {
		t.Fatalf("NPage() = %d, want 2", fm.NPage())
	}
	if _, err := fm.MapPage(2); err != syscall.EINVAL {
		t.Fatalf("MapPage(2) err = %v, want EINVAL", err)
	}
	buf, err := fm.MapPage(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) != PageSize {
		t.Fatalf("len(buf) = %d, want %d", len(buf), PageSize)
	}
	buf[0] = 0x42
	buf2, _ := fm.MapPage(0)
	if buf2[0] != 0x42 {
		t.Fatal("MapPage is not idempotent: second call returned a different buffer")
	}
}

func TestFrameMapperReleaseUnpinsEverything(t *testing.T) {
	src := &fakeSource{failAt: -1}
	mapper := NewPagePool()

	fm, err := NewFrameMapper(src, mapper, DomID(1), []uint64{10, 11, 12})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fm.MapPage(0); err != nil {
		t.Fatal(err)
	}
	fm.Release()
	if len(src.unpins) != 3 {
		t.Fatalf("unpinned %d frames, want 3", len(src.unpins))
	}
}

func TestPagePoolReusesFreedBuffers(t *testing.T) {
	pool := NewPagePool().(*pagePool)

	buf, _ := pool.Map(FrameID(1))
	buf[0] = 7
	pool.Unmap(FrameID(1))

	buf2, _ := pool.Map(FrameID(2))
	if pool.created != 1 {
		t.Fatalf("created %d buffers, want 1 (second Map should reuse the freed one)", pool.created)
	}
	if buf2[0] != 7 {
		t.Fatal("pooled buffer was not actually reused")
	}
}

func TestTotalLenCapsAtMax(t *testing.T) {
	iovs := []IOVec{{Data: make([]byte, 10)}, {Data: make([]byte, 10)}}
	if _, err := TotalLen(iovs, 15); err != syscall.EMSGSIZE {
		t.Fatalf("err = %v, want EMSGSIZE", err)
	}
	total, err := TotalLen(iovs, 20)
	if err != nil || total != 20 {
		t.Fatalf("TotalLen = %d, %v; want 20, nil", total, err)
	}
}

func TestCopySpanToFaults(t *testing.T) {
	dst := make([]byte, 4)
	if err := CopySpanTo(dst, IOVec{Data: nil}, 0, 4); err != syscall.EFAULT {
		t.Fatalf("nil data: err = %v, want EFAULT", err)
	}
	v := IOVec{Data: []byte{1, 2, 3}}
	if err := CopySpanTo(dst, v, 1, 4); err != syscall.EFAULT {
		t.Fatalf("out of range: err = %v, want EFAULT", err)
	}
	if err := CopySpanTo(dst, v, 0, 3); err != nil {
		t.Fatal(err)
	}
	if dst[0] != 1 || dst[1] != 2 || dst[2] != 3 {
		t.Fatalf("dst = %v, want [1 2 3 0]", dst)
	}
}

func TestHeaderViewRoundTrip(t *testing.T) {
	page := make([]byte, 128)
	StoreTxPtr(page, 128)
	StoreRxPtr(page, 64)
	if got := LoadRxPtr(page); got != 64 {
		t.Fatalf("LoadRxPtr = %d, want 64", got)
	}
	if got := HeaderView(page).TxPtr; got != 128 {
		t.Fatalf("TxPtr = %d, want 128", got)
	}
}
