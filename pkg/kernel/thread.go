package kernel

import (
	"fmt"

	"github.com/faouellet/Tostitos/pkg/cpu"
)

type State int

const (
	Ready State = iota
	Running
	Blocked
	Terminated
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Thread is one schedulable unit. Terminated is final.
type Thread struct {
	ID       int
	Name     string
	State    State
	Ctx      *cpu.ThreadContext
	Parent   int
	Children []int

	Block  cpu.BlockReason
	WakeAt int64

	Fault    *cpu.Fault
	ExitCode int32
	// Final is the context as it was when the thread terminated.
	Final cpu.ContextSnapshot

	stack uint32
}

func (t *Thread) String() string {
	s := fmt.Sprintf("t%d %s %s", t.ID, t.Name, t.State)
	if t.State == Blocked {
		s += " on " + t.Block.String()
	}
	return s
}

// Snapshot returns the live context, or the final one once terminated.
func (t *Thread) Snapshot() cpu.ContextSnapshot {
	if t.State == Terminated {
		return t.Final
	}
	return t.Ctx.Snapshot()
}
