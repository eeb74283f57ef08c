package v4v

import (
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/v4vfabric/v4v/filter"
	"github.com/v4vfabric/v4v/internal/gmem"
	"github.com/v4vfabric/v4v/wire"
)

type testEvents struct {
	mu      sync.Mutex
	signals []gmem.DomID
}

func (e *testEvents) Signal(dom gmem.DomID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signals = append(e.signals, dom)
}

func (e *testEvents) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.signals)
}

type testFrames struct {
	mu   sync.Mutex
	next gmem.FrameID
	bufs map[gmem.FrameID][]byte
}

func newTestFrames() *testFrames { return &testFrames{bufs: make(map[gmem.FrameID][]byte)} }

func (f *testFrames) PinWritable(dom gmem.DomID, pfn uint64) (gmem.FrameID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.bufs[f.next] = make([]byte, gmem.PageSize)
	return f.next, nil
}
func (f *testFrames) Unpin(id gmem.FrameID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.bufs, id)
}
func (f *testFrames) Map(id gmem.FrameID) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bufs[id], nil
}
func (f *testFrames) Unmap(gmem.FrameID) {}

const (
	server gmem.DomID = 1
	client gmem.DomID = 2
)

func newFabric(t *testing.T) (*Hypervisor, *testEvents, *testEvents) {
	t.Helper()
	h := New()
	srvEvents, cliEvents := &testEvents{}, &testEvents{}
	_, err := h.AddDomain(server, srvEvents)
	require.NoError(t, err)
	_, err = h.AddDomain(client, cliEvents)
	require.NoError(t, err)
	return h, srvEvents, cliEvents
}

func registerServerRing(t *testing.T, h *Hypervisor, length uint32) *testFrames {
	t.Helper()
	frames := newTestFrames()
	npage := (wire.RingHeaderSize + int(length) + gmem.PageSize - 1) / gmem.PageSize
	pfns := make([]uint64, npage)
	for i := range pfns {
		pfns[i] = uint64(i)
	}
	_, err := h.RegisterRing(server, wire.Address{Domain: uint16(server), Port: 1000}, wire.DomIDAny, length, 0, 0, frames, frames, pfns)
	require.NoError(t, err)
	return frames
}

func TestSendVDeliversAndSignals(t *testing.T) {
	h, srvEvents, _ := newFabric(t)
	registerServerRing(t, h, 4096)

	n, err := h.SendV(
		wire.Address{Domain: uint16(client), Port: 42},
		wire.Address{Domain: uint16(server), Port: 1000},
		7,
		[]gmem.IOVec{{Data: []byte("hi")}},
	)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.Equal(t, 1, srvEvents.count())
}

func TestSendVRejectedByFilter(t *testing.T) {
	h, _, _ := newFabric(t)
	registerServerRing(t, h, 4096)
	h.TablesAdd(filter.Rule{
		Src:    wire.Address{Domain: uint16(client), Port: wire.PortAny},
		Dst:    wire.Address{Domain: wire.DomIDAny, Port: wire.PortAny},
		Accept: false,
	}, 1)

	_, err := h.SendV(
		wire.Address{Domain: uint16(client), Port: 42},
		wire.Address{Domain: uint16(server), Port: 1000},
		7,
		[]gmem.IOVec{{Data: []byte("hi")}},
	)
	assert.Equal(t, syscall.ECONNREFUSED, err)
}

func TestSendVNoRingIsConnRefused(t *testing.T) {
	h, _, _ := newFabric(t)
	_, err := h.SendV(
		wire.Address{Domain: uint16(client), Port: 42},
		wire.Address{Domain: uint16(server), Port: 1000},
		7,
		[]gmem.IOVec{{Data: []byte("hi")}},
	)
	assert.Equal(t, syscall.ECONNREFUSED, err)
}

func TestSendVUnknownSenderIsEinval(t *testing.T) {
	h := New()
	_, err := h.AddDomain(server, &testEvents{})
	require.NoError(t, err)
	registerServerRing(t, h, 4096)

	_, err = h.SendV(
		wire.Address{Domain: 99, Port: 42},
		wire.Address{Domain: uint16(server), Port: 1000},
		7,
		[]gmem.IOVec{{Data: []byte("hi")}},
	)
	assert.Equal(t, syscall.EINVAL, err)
}

func TestNotifyWakesPendingSenderAfterSpaceFrees(t *testing.T) {
	h, srvEvents, cliEvents := newFabric(t)
	frames := registerServerRing(t, h, 128)

	// Fill the ring so the next send lands on the pending list.
	_, err := h.SendV(
		wire.Address{Domain: uint16(client), Port: 42},
		wire.Address{Domain: uint16(server), Port: 1000},
		1,
		[]gmem.IOVec{{Data: make([]byte, 64)}},
	)
	require.NoError(t, err)
	assert.Equal(t, 1, srvEvents.count())

	_, err = h.SendV(
		wire.Address{Domain: uint16(client), Port: 42},
		wire.Address{Domain: uint16(server), Port: 1000},
		1,
		[]gmem.IOVec{{Data: make([]byte, 64)}},
	)
	assert.Equal(t, syscall.EAGAIN, err)

	// Simulate the guest consumer draining the whole ring by advancing
	// rx_ptr to match tx_ptr directly on the ring's first (header) page.
	header := frames.bufs[1]
	txPtr := gmem.HeaderView(header).TxPtr
	gmem.StoreRxPtr(header, txPtr)

	reports, err := h.Notify(server, nil)
	require.NoError(t, err)
	assert.Empty(t, reports)
	assert.Equal(t, 1, cliEvents.count(), "client should be signaled once the ring has room again")
}

func TestInfoReturnsDistinctPortsPerDomain(t *testing.T) {
	h, _, _ := newFabric(t)

	srvInfo, err := h.Info(server)
	require.NoError(t, err)
	cliInfo, err := h.Info(client)
	require.NoError(t, err)

	assert.Equal(t, wire.RingMagic, srvInfo.RingMagic)
	assert.Equal(t, wire.DataMagic, srvInfo.DataMagic)
	assert.NotZero(t, srvInfo.EvtchnPort)
	assert.NotZero(t, cliInfo.EvtchnPort)
	assert.NotEqual(t, srvInfo.EvtchnPort, cliInfo.EvtchnPort, "each domain must get its own event-channel port")

	_, err = h.Info(gmem.DomID(99))
	assert.Equal(t, syscall.EINVAL, err)
}

func TestConcurrentSendersDoNotCorruptTheRing(t *testing.T) {
	h, _, _ := newFabric(t)
	registerServerRing(t, h, 1<<16)

	var g errgroup.Group
	const senders = 8
	const perSender = 20
	for i := 0; i < senders; i++ {
		i := i
		g.Go(func() error {
			for j := 0; j < perSender; j++ {
				_, err := h.SendV(
					wire.Address{Domain: uint16(client), Port: uint32(i)},
					wire.Address{Domain: uint16(server), Port: 1000},
					1,
					[]gmem.IOVec{{Data: []byte("x")}},
				)
				if err != nil && err != syscall.EAGAIN {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}
