package v4v

import (
	"syscall"

	"github.com/v4vfabric/v4v/filter"
	"github.com/v4vfabric/v4v/internal/gmem"
	"github.com/v4vfabric/v4v/wire"
)

// Cmd identifies one fabric operation, mirroring the V4VOP_* hypercall
// numbers of the original: a single dispatch point keeps every
// caller-facing entry point going through the same filter and registry
// lookups instead of letting each transport reimplement them.
type Cmd int

const (
	CmdRegisterRing Cmd = iota
	CmdUnregisterRing
	CmdSendV
	CmdNotify
	CmdTablesAdd
	CmdTablesDel
	CmdTablesList
	CmdInfo
)

// RegisterRingArgs is the argument struct for CmdRegisterRing.
type RegisterRingArgs struct {
	Addr                 wire.Address
	Partner              uint16
	Length, TxPtr, RxPtr uint32
	Source               gmem.FrameSource
	Mapper               gmem.PageMapper
	Pfns                 []uint64
}

// UnregisterRingArgs is the argument struct for CmdUnregisterRing.
type UnregisterRingArgs struct {
	Addr    wire.Address
	Partner uint16
}

// SendVArgs is the argument struct for CmdSendV.
type SendVArgs struct {
	Src, Dst wire.Address
	Proto    uint32
	Iovs     []gmem.IOVec
}

// NotifyArgs is the argument struct for CmdNotify.
type NotifyArgs struct {
	Queries []SpaceQuery
}

// TablesAddArgs is the argument struct for CmdTablesAdd.
type TablesAddArgs struct {
	Rule     filter.Rule
	Position int
}

// TablesDelArgs is the argument struct for CmdTablesDel. Position == 0
// and MatchRule's zero value both being valid means the same
// distinction the original hypercall makes (position versus rule body)
// has to be explicit: set ByPosition to choose which.
type TablesDelArgs struct {
	ByPosition bool
	Position   int
	MatchRule  filter.Rule
}

// TablesListArgs is the argument struct for CmdTablesList.
type TablesListArgs struct {
	Start, Max int
}

// Op is the single entry point every transport (a hypercall shim, an
// in-process test harness, a gRPC façade) dispatches through: one place
// that knows every operation's argument shape and return type, so a new
// transport never has to learn the fabric's internals.
func (h *Hypervisor) Op(caller gmem.DomID, cmd Cmd, args any) (any, error) {
	switch cmd {
	case CmdRegisterRing:
		a, ok := args.(RegisterRingArgs)
		if !ok {
			return nil, syscall.EINVAL
		}
		return h.RegisterRing(caller, a.Addr, a.Partner, a.Length, a.TxPtr, a.RxPtr, a.Source, a.Mapper, a.Pfns)

	case CmdUnregisterRing:
		a, ok := args.(UnregisterRingArgs)
		if !ok {
			return nil, syscall.EINVAL
		}
		return nil, h.UnregisterRing(caller, a.Addr, a.Partner)

	case CmdSendV:
		a, ok := args.(SendVArgs)
		if !ok {
			return nil, syscall.EINVAL
		}
		return h.SendV(a.Src, a.Dst, a.Proto, a.Iovs)

	case CmdNotify:
		a, ok := args.(NotifyArgs)
		if !ok {
			return nil, syscall.EINVAL
		}
		return h.Notify(caller, a.Queries)

	case CmdTablesAdd:
		a, ok := args.(TablesAddArgs)
		if !ok {
			return nil, syscall.EINVAL
		}
		h.TablesAdd(a.Rule, a.Position)
		return nil, nil

	case CmdTablesDel:
		a, ok := args.(TablesDelArgs)
		if !ok {
			return nil, syscall.EINVAL
		}
		if a.ByPosition {
			return nil, h.TablesDelAt(a.Position)
		}
		return nil, h.TablesDelMatching(a.MatchRule)

	case CmdTablesList:
		a, ok := args.(TablesListArgs)
		if !ok {
			return nil, syscall.EINVAL
		}
		return h.TablesList(a.Start, a.Max), nil

	case CmdInfo:
		return h.Info(caller)

	default:
		return nil, syscall.EINVAL
	}
}
