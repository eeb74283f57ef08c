// Command v4vdemo wires a Hypervisor up to the in-memory demo backend
// and walks through a register/send/notify cycle between two domains,
// printing what happens at each step. It is not a server: there is
// nothing to mount or listen on, just a fixed scenario to exercise the
// fabric end to end the way go-fuse's example/loopback exercises a
// full FUSE server against a real directory tree.
package main

import (
	"log"
	"time"

	"github.com/v4vfabric/v4v/demo"
	"github.com/v4vfabric/v4v/filter"
	"github.com/v4vfabric/v4v/internal/gmem"
	"github.com/v4vfabric/v4v/v4v"
	"github.com/v4vfabric/v4v/wire"
)

const (
	server gmem.DomID = 1
	client gmem.DomID = 2
)

func main() {
	log.SetFlags(log.Lmicroseconds)

	h := v4v.New()
	bus := demo.NewEventBus()

	if _, err := h.AddDomain(server, bus.For(server)); err != nil {
		log.Fatalf("add server domain: %v", err)
	}
	if _, err := h.AddDomain(client, bus.For(client)); err != nil {
		log.Fatalf("add client domain: %v", err)
	}

	frames := demo.NewMemFrames()
	ringAddr := wire.Address{Domain: uint16(server), Port: 1000}
	_, err := h.RegisterRing(server, ringAddr, wire.DomIDAny, 4096, 0, 0, frames, frames, []uint64{0, 1})
	if err != nil {
		log.Fatalf("register ring: %v", err)
	}
	log.Printf("server registered ring %s", ringAddr)

	info, err := h.Info(server)
	if err != nil {
		log.Fatalf("info: %v", err)
	}
	log.Printf("server info: ring_magic=%#x data_magic=%#x evtchn_port=%d", info.RingMagic, info.DataMagic, info.EvtchnPort)

	h.TablesAdd(filter.Rule{
		Src:    wire.Address{Domain: wire.DomIDAny, Port: wire.PortAny},
		Dst:    wire.Address{Domain: wire.DomIDAny, Port: wire.PortAny},
		Accept: true,
	}, 1)

	msg := []byte("hello from the client domain")
	n, err := h.SendV(
		wire.Address{Domain: uint16(client), Port: 42},
		wire.Address{Domain: uint16(server), Port: 1000},
		7,
		[]gmem.IOVec{{Data: msg}},
	)
	if err != nil {
		log.Fatalf("sendv: %v", err)
	}
	log.Printf("sent %d payload bytes", n)

	select {
	case <-bus.Wakeups(server):
		log.Printf("server woke up")
	case <-time.After(time.Second):
		log.Printf("server never woke up")
	}

	big := make([]byte, 2000)
	for i := 0; i < 3; i++ {
		_, err := h.SendV(
			wire.Address{Domain: uint16(client), Port: 42},
			wire.Address{Domain: uint16(server), Port: 1000},
			7,
			[]gmem.IOVec{{Data: big}},
		)
		log.Printf("fill attempt %d: %v", i, err)
	}

	reports, err := h.Notify(server, []v4v.SpaceQuery{
		{Dst: wire.Address{Domain: uint16(server), Port: 1000}, SpaceRequired: 16},
	})
	if err != nil {
		log.Fatalf("notify: %v", err)
	}
	for _, r := range reports {
		log.Printf("space report: avail=%d max=%d flags=%+v", r.SpaceAvail, r.MaxMessageSize, r.Flags)
	}

	log.Printf("recent wakeups: %v", bus.Recent())
}
