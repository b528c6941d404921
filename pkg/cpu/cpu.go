// Package cpu interprets allocated code one instruction at a time against a
// thread's context, the shared memory and the disk.
package cpu

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/faouellet/Tostitos/pkg/codegen"
	"github.com/faouellet/Tostitos/pkg/ir"
	"github.com/faouellet/Tostitos/pkg/memory"
	"github.com/faouellet/Tostitos/pkg/vfs"
)

// MaxString bounds PRINTS.
const MaxString = 4096

var (
	ErrBadInput       = errors.New("input is not an integer")
	ErrInputClosed    = errors.New("input closed")
	ErrUnknownFunc    = errors.New("unknown function")
	ErrNotAllocated   = errors.New("virtual register reached the interpreter")
	ErrParamRange     = errors.New("parameter index out of range")
	ErrRegisterRange  = errors.New("register index out of range")
	ErrBadDestination = errors.New("destination is not a register")
)

// Status says why Step or Run returned.
type Status int

const (
	// Continuing means the thread can run again right away; from Run it
	// means the quantum was used up.
	Continuing Status = iota
	Yielded
	Blocked
	Terminated
	Faulted
)

func (s Status) String() string {
	switch s {
	case Continuing:
		return "continuing"
	case Yielded:
		return "yielded"
	case Blocked:
		return "blocked"
	case Terminated:
		return "terminated"
	case Faulted:
		return "faulted"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

type BlockReason int

const (
	BlockNone BlockReason = iota
	BlockSleep
	BlockDisk
	BlockInput
	BlockChildren
)

func (r BlockReason) String() string {
	switch r {
	case BlockSleep:
		return "sleep"
	case BlockDisk:
		return "disk"
	case BlockInput:
		return "input"
	case BlockChildren:
		return "children"
	}
	return "none"
}

// Result reports one Step or Run.
type Result struct {
	Status Status
	Steps  int
	Block  BlockReason
	// Ticks is how long a sleep or disk block lasts.
	Ticks    int64
	ExitCode int32
	Fault    *Fault
}

// Host is what the interpreter needs from the kernel.
type Host interface {
	// Spawn starts a thread running function fn with args and returns its id.
	Spawn(parent, fn int, args []int32) (int, error)
	// ChildrenAlive reports whether any thread spawned by tid still runs.
	ChildrenAlive(tid int) bool
	// ReadInput returns the next input line, if one is available now.
	ReadInput() (string, bool)
	// InputClosed reports that no more input will ever arrive.
	InputClosed() bool
}

// Layout places the module's static segments in memory.
type Layout struct {
	Data   uint32
	Rodata uint32
}

type CPU struct {
	Module *codegen.Module
	Memory *memory.Memory
	Disk   *vfs.Disk
	Host   Host
	Layout Layout

	// DiskLatency is how many ticks a thread waits after a disk read.
	DiskLatency int64

	// Output is where PRINT and PRINTS go. If nil, os.Stdout is used.
	Output io.Writer
}

func (c *CPU) outputSink() io.Writer {
	if c.Output != nil {
		return c.Output
	}
	return os.Stdout
}

// FuncName names function index i for diagnostics.
func (c *CPU) FuncName(i int) string {
	if i >= 0 && i < len(c.Module.Functions) {
		return c.Module.Functions[i].Name
	}
	return fmt.Sprintf("func#%d", i)
}

// Enter starts t at the first instruction of fn, with a fresh frame on its
// stack.
func (c *CPU) Enter(t *ThreadContext, fn int, args []int32) *Fault {
	if fn < 0 || fn >= len(c.Module.Functions) {
		return &Fault{Thread: t.TID, Kind: FaultIllegalInstruction, Func: c.FuncName(fn), Err: ErrUnknownFunc}
	}
	f := c.Module.Functions[fn]
	sp := int64(t.StackTop) - int64(f.FrameSize)
	if sp < int64(t.StackBase) {
		return &Fault{Thread: t.TID, Kind: FaultStackOverflow, Func: f.Name, Addr: uint32(max(sp, 0))}
	}
	t.Func, t.PC = fn, 0
	t.SP, t.FP = uint32(sp), uint32(sp)
	t.Args = append([]int32(nil), args...)
	t.Frames = nil
	return nil
}

// Run steps t until it stops for a reason other than Continuing, or until
// quantum instructions have run and the last one transferred control.
// Preempting only there keeps every basic block atomic with respect to
// other threads.
func (c *CPU) Run(t *ThreadContext, quantum int) Result {
	steps := 0
	for {
		op, ok := c.peek(t)
		r := c.Step(t)
		steps += r.Steps
		if r.Status != Continuing {
			r.Steps = steps
			return r
		}
		if steps >= quantum && ok && op.TransfersControl() {
			return Result{Status: Continuing, Steps: steps}
		}
	}
}

func (c *CPU) peek(t *ThreadContext) (ir.Opcode, bool) {
	if t.Func < 0 || t.Func >= len(c.Module.Functions) {
		return 0, false
	}
	code := c.Module.Functions[t.Func].Code
	if t.PC < 0 || t.PC >= len(code) {
		return 0, false
	}
	return code[t.PC].Op, true
}

// exec carries the state of the instruction being executed.
type exec struct {
	c  *CPU
	t  *ThreadContext
	f  *codegen.Function
	in *ir.Instruction
	pc int
}

func (e *exec) fault(kind FaultKind, err error) *Fault {
	return &Fault{Thread: e.t.TID, Kind: kind, Func: e.f.Name, PC: e.pc, Op: e.in.Op, Err: err}
}

func (e *exec) memFault(err error) *Fault {
	flt := e.fault(FaultMemory, err)
	var ae *memory.AccessError
	if errors.As(err, &ae) {
		flt.Addr = ae.Addr
		if ae.Addr < e.t.StackBase && ae.Addr >= e.t.StackBase-e.c.Memory.PageSize {
			flt.Kind = FaultStackOverflow
		}
	}
	return flt
}

func (e *exec) reg(idx int) (*int32, *Fault) {
	if idx < 0 || idx >= len(e.t.Regs) {
		return nil, e.fault(FaultOperand, fmt.Errorf("%w: r%d", ErrRegisterRange, idx))
	}
	return &e.t.Regs[idx], nil
}

func (e *exec) addr(op ir.Operand) (uint32, *Fault) {
	if op.Kind != ir.KindMem {
		return 0, e.fault(FaultOperand, fmt.Errorf("want memory operand, got %s", op))
	}
	var base uint32
	switch op.Base {
	case ir.BaseData:
		base = e.c.Layout.Data
	case ir.BaseRodata:
		base = e.c.Layout.Rodata
	case ir.BaseFrame:
		base = e.t.FP
	case ir.BaseReg:
		r, flt := e.reg(op.Reg)
		if flt != nil {
			return 0, flt
		}
		base = uint32(*r)
	default:
		return 0, e.fault(FaultOperand, ErrNotAllocated)
	}
	return base + uint32(op.Offset), nil
}

func (e *exec) value(op ir.Operand) (int32, *Fault) {
	switch op.Kind {
	case ir.KindImm:
		return op.Imm, nil
	case ir.KindReg:
		r, flt := e.reg(op.Reg)
		if flt != nil {
			return 0, flt
		}
		return *r, nil
	case ir.KindMem:
		a, flt := e.addr(op)
		if flt != nil {
			return 0, flt
		}
		v, err := e.c.Memory.Load(a, 4)
		if err != nil {
			return 0, e.memFault(err)
		}
		return int32(v), nil
	case ir.KindVReg:
		return 0, e.fault(FaultOperand, ErrNotAllocated)
	}
	return 0, e.fault(FaultOperand, fmt.Errorf("operand %s has no value", op))
}

func (e *exec) arg(i int) (int32, *Fault) {
	if i >= len(e.in.Args) {
		return 0, e.fault(FaultOperand, fmt.Errorf("missing operand %d", i))
	}
	return e.value(e.in.Args[i])
}

func (e *exec) sym(i int) (string, *Fault) {
	if i >= len(e.in.Args) || e.in.Args[i].Kind != ir.KindSym {
		return "", e.fault(FaultOperand, fmt.Errorf("operand %d is not a symbol", i))
	}
	return e.in.Args[i].Sym, nil
}

func (e *exec) set(v int32) *Fault {
	if e.in.Dst.Kind != ir.KindReg {
		return e.fault(FaultOperand, ErrBadDestination)
	}
	r, flt := e.reg(e.in.Dst.Reg)
	if flt != nil {
		return flt
	}
	*r = v
	return nil
}

func (e *exec) setFlags(v int32) {
	e.t.Flags.Zero = v == 0
	e.t.Flags.Negative = v < 0
}

func (e *exec) jump(i int) *Fault {
	if i >= len(e.in.Args) || e.in.Args[i].Kind != ir.KindLabel {
		return e.fault(FaultOperand, fmt.Errorf("operand %d is not a label", i))
	}
	l := e.in.Args[i].Label
	if l < 0 || l >= len(e.f.BlockPC) || e.f.BlockPC[l] < 0 {
		return e.fault(FaultOperand, fmt.Errorf("no block L%d", l))
	}
	e.t.PC = e.f.BlockPC[l]
	return nil
}

// ioFailed applies the checked/unchecked policy to a failed I/O instruction
// whose checked flag is operand i.
func (e *exec) ioFailed(i int, err error) *Fault {
	checked, flt := e.arg(i)
	if flt != nil {
		return flt
	}
	if checked == 0 {
		return e.fault(FaultIO, err)
	}
	e.t.Flags.IOErr = true
	if flt := e.set(0); flt != nil {
		return flt
	}
	e.t.PC++
	return nil
}

func (c *CPU) faulted(flt *Fault) Result {
	return Result{Status: Faulted, Steps: 1, Fault: flt}
}

// Step executes one instruction of t.
func (c *CPU) Step(t *ThreadContext) Result {
	if t.Func < 0 || t.Func >= len(c.Module.Functions) {
		return c.faulted(&Fault{Thread: t.TID, Kind: FaultIllegalInstruction, Func: c.FuncName(t.Func), PC: t.PC, Err: ErrUnknownFunc})
	}
	f := c.Module.Functions[t.Func]
	if t.PC < 0 || t.PC >= len(f.Code) {
		return c.faulted(&Fault{Thread: t.TID, Kind: FaultIllegalInstruction, Func: f.Name, PC: t.PC,
			Err: fmt.Errorf("pc outside %d instructions", len(f.Code))})
	}
	e := &exec{c: c, t: t, f: f, in: &f.Code[t.PC], pc: t.PC}

	r, flt := e.run()
	if flt != nil {
		return c.faulted(flt)
	}
	return r
}

var binaryOps = map[ir.Opcode]func(a, b int32) int32{
	ir.ADD: func(a, b int32) int32 { return a + b },
	ir.SUB: func(a, b int32) int32 { return a - b },
	ir.MUL: func(a, b int32) int32 { return a * b },
	ir.AND: func(a, b int32) int32 { return a & b },
	ir.OR:  func(a, b int32) int32 { return a | b },
	ir.XOR: func(a, b int32) int32 { return a ^ b },
	ir.SHL: func(a, b int32) int32 { return a << (uint32(b) & 31) },
	ir.SHR: func(a, b int32) int32 { return a >> (uint32(b) & 31) },
}

var compareOps = map[ir.Opcode]func(a, b int32) bool{
	ir.CMPEQ: func(a, b int32) bool { return a == b },
	ir.CMPNE: func(a, b int32) bool { return a != b },
	ir.CMPLT: func(a, b int32) bool { return a < b },
	ir.CMPLE: func(a, b int32) bool { return a <= b },
	ir.CMPGT: func(a, b int32) bool { return a > b },
	ir.CMPGE: func(a, b int32) bool { return a >= b },
}

func overflows(op ir.Opcode, a, b int32) bool {
	wide := int64(a)
	switch op {
	case ir.ADD:
		wide += int64(b)
	case ir.SUB:
		wide -= int64(b)
	case ir.MUL:
		wide *= int64(b)
	default:
		return false
	}
	return wide > math.MaxInt32 || wide < math.MinInt32
}

func (e *exec) run() (Result, *Fault) {
	t, in := e.t, e.in
	next := Result{Status: Continuing, Steps: 1}

	if fn, ok := binaryOps[in.Op]; ok {
		a, flt := e.arg(0)
		if flt != nil {
			return next, flt
		}
		b, flt := e.arg(1)
		if flt != nil {
			return next, flt
		}
		v := fn(a, b)
		if flt := e.set(v); flt != nil {
			return next, flt
		}
		e.setFlags(v)
		t.Flags.Overflow = overflows(in.Op, a, b)
		t.PC++
		return next, nil
	}
	if fn, ok := compareOps[in.Op]; ok {
		a, flt := e.arg(0)
		if flt != nil {
			return next, flt
		}
		b, flt := e.arg(1)
		if flt != nil {
			return next, flt
		}
		v := int32(0)
		if fn(a, b) {
			v = 1
		}
		if flt := e.set(v); flt != nil {
			return next, flt
		}
		e.setFlags(a - b)
		t.PC++
		return next, nil
	}

	switch in.Op {
	case ir.NOP:

	case ir.LOADI, ir.MOV:
		v, flt := e.arg(0)
		if flt != nil {
			return next, flt
		}
		if flt := e.set(v); flt != nil {
			return next, flt
		}

	case ir.DIV, ir.MOD:
		a, flt := e.arg(0)
		if flt != nil {
			return next, flt
		}
		b, flt := e.arg(1)
		if flt != nil {
			return next, flt
		}
		if b == 0 {
			return next, e.fault(FaultDivideByZero, nil)
		}
		v := a / b
		if in.Op == ir.MOD {
			v = a % b
		}
		if flt := e.set(v); flt != nil {
			return next, flt
		}
		e.setFlags(v)

	case ir.NEG, ir.NOT:
		a, flt := e.arg(0)
		if flt != nil {
			return next, flt
		}
		v := -a
		if in.Op == ir.NOT {
			v = ^a
		}
		if flt := e.set(v); flt != nil {
			return next, flt
		}
		e.setFlags(v)

	case ir.LOAD:
		if len(in.Args) != 1 {
			return next, e.fault(FaultOperand, errors.New("LOAD takes one address"))
		}
		a, flt := e.addr(in.Args[0])
		if flt != nil {
			return next, flt
		}
		v, err := e.c.Memory.Load(a, in.Width.Bytes())
		if err != nil {
			return next, e.memFault(err)
		}
		if flt := e.set(int32(v)); flt != nil {
			return next, flt
		}

	case ir.STORE:
		if len(in.Args) != 2 {
			return next, e.fault(FaultOperand, errors.New("STORE takes an address and a value"))
		}
		a, flt := e.addr(in.Args[0])
		if flt != nil {
			return next, flt
		}
		v, flt := e.arg(1)
		if flt != nil {
			return next, flt
		}
		if err := e.c.Memory.Store(a, in.Width.Bytes(), uint32(v)); err != nil {
			return next, e.memFault(err)
		}

	case ir.LEA:
		if len(in.Args) != 1 {
			return next, e.fault(FaultOperand, errors.New("LEA takes one address"))
		}
		a, flt := e.addr(in.Args[0])
		if flt != nil {
			return next, flt
		}
		if flt := e.set(int32(a)); flt != nil {
			return next, flt
		}

	case ir.JMP:
		return next, e.jump(0)

	case ir.BR:
		cond, flt := e.arg(0)
		if flt != nil {
			return next, flt
		}
		if cond != 0 {
			return next, e.jump(1)
		}
		return next, e.jump(2)

	case ir.PARAM:
		i, flt := e.arg(0)
		if flt != nil {
			return next, flt
		}
		if i < 0 || int(i) >= len(t.Args) {
			return next, e.fault(FaultOperand, fmt.Errorf("%w: %d of %d", ErrParamRange, i, len(t.Args)))
		}
		if flt := e.set(t.Args[i]); flt != nil {
			return next, flt
		}

	case ir.CALL:
		return next, e.call()

	case ir.RET:
		return e.ret()

	case ir.SPAWN:
		fn, args, flt := e.target()
		if flt != nil {
			return next, flt
		}
		id, err := e.c.Host.Spawn(t.TID, fn, args)
		if err != nil {
			return next, e.fault(FaultResource, err)
		}
		if in.Dst.Kind != ir.KindNone {
			if flt := e.set(int32(id)); flt != nil {
				return next, flt
			}
		}

	case ir.SYNC:
		t.PC++
		if e.c.Host.ChildrenAlive(t.TID) {
			return Result{Status: Blocked, Steps: 1, Block: BlockChildren}, nil
		}
		return next, nil

	case ir.SLEEP:
		n, flt := e.arg(0)
		if flt != nil {
			return next, flt
		}
		t.PC++
		if n <= 0 {
			return Result{Status: Yielded, Steps: 1}, nil
		}
		return Result{Status: Blocked, Steps: 1, Block: BlockSleep, Ticks: int64(n)}, nil

	case ir.YIELD:
		t.PC++
		return Result{Status: Yielded, Steps: 1}, nil

	case ir.PRINT:
		v, flt := e.arg(0)
		if flt != nil {
			return next, flt
		}
		format, flt := e.arg(1)
		if flt != nil {
			return next, flt
		}
		if format == 1 {
			fmt.Fprintln(e.c.outputSink(), v != 0)
		} else {
			fmt.Fprintln(e.c.outputSink(), v)
		}

	case ir.PRINTS:
		if len(in.Args) != 1 {
			return next, e.fault(FaultOperand, errors.New("PRINTS takes one address"))
		}
		a, flt := e.addr(in.Args[0])
		if flt != nil {
			return next, flt
		}
		s, err := e.c.Memory.ReadCString(a, MaxString)
		if err != nil {
			return next, e.memFault(err)
		}
		fmt.Fprintln(e.c.outputSink(), s)

	case ir.SCAN:
		return e.scan()

	case ir.DREAD:
		return e.dread()

	case ir.DSIZE:
		name, flt := e.sym(0)
		if flt != nil {
			return next, flt
		}
		n, err := e.c.Disk.Size(name)
		if err != nil {
			return next, e.ioFailed(1, err)
		}
		t.Flags.IOErr = false
		if flt := e.set(int32(n)); flt != nil {
			return next, flt
		}

	case ir.IOSTAT:
		v := int32(1)
		if t.Flags.IOErr {
			v = 0
		}
		if flt := e.set(v); flt != nil {
			return next, flt
		}

	case ir.TRAP:
		code := int32(0)
		if len(in.Args) > 0 {
			v, flt := e.arg(0)
			if flt != nil {
				return next, flt
			}
			code = v
		}
		flt := e.fault(FaultTrap, nil)
		flt.Code = code
		return next, flt

	case ir.EXIT:
		code := int32(0)
		if len(in.Args) > 0 {
			v, flt := e.arg(0)
			if flt != nil {
				return next, flt
			}
			code = v
		}
		return Result{Status: Terminated, Steps: 1, ExitCode: code}, nil

	default:
		return next, e.fault(FaultIllegalInstruction, nil)
	}

	t.PC++
	return next, nil
}

// target resolves the callee symbol and argument values of CALL and SPAWN.
func (e *exec) target() (int, []int32, *Fault) {
	name, flt := e.sym(0)
	if flt != nil {
		return 0, nil, flt
	}
	fn, ok := e.c.Module.FuncIndex(name)
	if !ok {
		return 0, nil, e.fault(FaultOperand, fmt.Errorf("%w %q", ErrUnknownFunc, name))
	}
	args := make([]int32, 0, len(e.in.Args)-1)
	for i := 1; i < len(e.in.Args); i++ {
		v, flt := e.value(e.in.Args[i])
		if flt != nil {
			return 0, nil, flt
		}
		args = append(args, v)
	}
	return fn, args, nil
}

// call saves the caller's registers in a frame record, writes the return
// pc below the caller's stack pointer and opens the callee's frame under it.
func (e *exec) call() *Fault {
	t := e.t
	fn, args, flt := e.target()
	if flt != nil {
		return flt
	}
	dst := -1
	if e.in.Dst.Kind != ir.KindNone {
		if e.in.Dst.Kind != ir.KindReg {
			return e.fault(FaultOperand, ErrBadDestination)
		}
		dst = e.in.Dst.Reg
	}

	callee := e.c.Module.Functions[fn]
	link := int64(t.SP) - 4
	sp := link - int64(callee.FrameSize)
	if sp < int64(t.StackBase) {
		flt := e.fault(FaultStackOverflow, nil)
		flt.Addr = uint32(max(sp, 0))
		return flt
	}
	if err := e.c.Memory.Store(uint32(link), 4, uint32(t.PC+1)); err != nil {
		return e.memFault(err)
	}

	t.Frames = append(t.Frames, Frame{
		Func:     t.Func,
		ReturnPC: t.PC + 1,
		Regs:     append([]int32(nil), t.Regs...),
		Dst:      dst,
		FP:       t.FP,
		SP:       t.SP,
		Args:     t.Args,
	})
	t.Func, t.PC = fn, 0
	t.SP, t.FP = uint32(sp), uint32(sp)
	t.Args = args
	return nil
}

func (e *exec) ret() (Result, *Fault) {
	t := e.t
	v := int32(0)
	if len(e.in.Args) > 0 {
		var flt *Fault
		if v, flt = e.arg(0); flt != nil {
			return Result{}, flt
		}
	}
	if len(t.Frames) == 0 {
		return Result{Status: Terminated, Steps: 1, ExitCode: v}, nil
	}

	fr := t.Frames[len(t.Frames)-1]
	t.Frames = t.Frames[:len(t.Frames)-1]
	copy(t.Regs, fr.Regs)
	if fr.Dst >= 0 {
		r, flt := e.reg(fr.Dst)
		if flt != nil {
			return Result{}, flt
		}
		*r = v
	}
	t.Func, t.PC = fr.Func, fr.ReturnPC
	t.FP, t.SP = fr.FP, fr.SP
	t.Args = fr.Args
	return Result{Status: Continuing, Steps: 1}, nil
}

// scan reads one integer line. With no line available yet the thread
// blocks without advancing, so SCAN runs again once it is woken.
func (e *exec) scan() (Result, *Fault) {
	t := e.t
	line, ok := e.c.Host.ReadInput()
	if !ok {
		if !e.c.Host.InputClosed() {
			return Result{Status: Blocked, Block: BlockInput}, nil
		}
		return Result{Status: Continuing, Steps: 1}, e.ioFailed(0, ErrInputClosed)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(line), 10, 32)
	if err != nil {
		return Result{Status: Continuing, Steps: 1}, e.ioFailed(0, fmt.Errorf("%w: %q", ErrBadInput, line))
	}
	t.Flags.IOErr = false
	if flt := e.set(int32(n)); flt != nil {
		return Result{}, flt
	}
	t.PC++
	return Result{Status: Continuing, Steps: 1}, nil
}

// dread reads one byte from a mounted file, then waits out the disk
// latency.
func (e *exec) dread() (Result, *Fault) {
	t := e.t
	next := Result{Status: Continuing, Steps: 1}
	name, flt := e.sym(0)
	if flt != nil {
		return next, flt
	}
	off, flt := e.arg(1)
	if flt != nil {
		return next, flt
	}
	b, err := e.c.Disk.ByteAt(name, int(off))
	if err != nil {
		return next, e.ioFailed(2, err)
	}
	t.Flags.IOErr = false
	if flt := e.set(int32(b)); flt != nil {
		return next, flt
	}
	t.PC++
	if e.c.DiskLatency > 0 {
		return Result{Status: Blocked, Steps: 1, Block: BlockDisk, Ticks: e.c.DiskLatency}, nil
	}
	return next, nil
}
