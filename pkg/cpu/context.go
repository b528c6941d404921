package cpu

// Flags are set by arithmetic and I/O instructions.
type Flags struct {
	Zero     bool
	Negative bool
	Overflow bool
	// IOErr records whether the last checked I/O instruction failed.
	IOErr bool
}

// Frame is a suspended caller.
type Frame struct {
	Func     int
	ReturnPC int
	Regs     []int32
	// Dst is the caller register receiving the result, or -1.
	Dst  int
	FP   uint32
	SP   uint32
	Args []int32
}

// ThreadContext is the full architectural state of one thread.
type ThreadContext struct {
	TID  int
	Regs []int32
	Func int
	PC   int
	SP   uint32
	FP   uint32

	// StackBase and StackTop bound the thread's stack region; it grows
	// down from StackTop.
	StackBase uint32
	StackTop  uint32

	Flags  Flags
	Frames []Frame
	Args   []int32
}

// NewThreadContext returns a context with a zeroed register file and the
// stack pointer at the top of [base, top).
func NewThreadContext(tid, registers int, base, top uint32) *ThreadContext {
	return &ThreadContext{
		TID:       tid,
		Regs:      make([]int32, registers),
		SP:        top,
		FP:        top,
		StackBase: base,
		StackTop:  top,
	}
}

// ContextSnapshot is an immutable copy of a ThreadContext.
type ContextSnapshot struct {
	TID       int
	Regs      []int32
	Func      int
	PC        int
	SP        uint32
	FP        uint32
	StackBase uint32
	StackTop  uint32
	Flags     Flags
	Depth     int
}

func (t *ThreadContext) Snapshot() ContextSnapshot {
	regs := make([]int32, len(t.Regs))
	copy(regs, t.Regs)
	return ContextSnapshot{
		TID:       t.TID,
		Regs:      regs,
		Func:      t.Func,
		PC:        t.PC,
		SP:        t.SP,
		FP:        t.FP,
		StackBase: t.StackBase,
		StackTop:  t.StackTop,
		Flags:     t.Flags,
		Depth:     len(t.Frames),
	}
}
