// Package machine assembles memory, disk, CPU and kernel into one simulated
// computer that loads an allocated module and runs it to completion.
package machine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/faouellet/Tostitos/pkg/ast"
	"github.com/faouellet/Tostitos/pkg/codegen"
	"github.com/faouellet/Tostitos/pkg/cpu"
	"github.com/faouellet/Tostitos/pkg/ir"
	"github.com/faouellet/Tostitos/pkg/kernel"
	"github.com/faouellet/Tostitos/pkg/memory"
	"github.com/faouellet/Tostitos/pkg/regalloc"
	"github.com/faouellet/Tostitos/pkg/vfs"
)

var (
	ErrRegisterRange   = errors.New("register index outside the register file")
	ErrStaticRange     = errors.New("static offset outside its segment")
	ErrVirtualRegister = errors.New("virtual register left after allocation")
	ErrNoEntryPoint    = errors.New("no such entry point")
	ErrUnknownSymbol   = errors.New("unknown symbol")
	ErrBadLabel        = errors.New("branch to a block with no code")
	ErrNotAllocated    = errors.New("function has not been register allocated")
	ErrNotLoaded       = errors.New("no module loaded")
	ErrAlreadyLoaded   = errors.New("a module is already loaded")
	ErrNoRoom          = errors.New("module does not fit in memory")
)

// LoadError rejects a module before any of it runs. PC is -1 when the
// problem is not tied to one instruction.
type LoadError struct {
	Func string
	PC   int
	Err  error
}

func (e *LoadError) Error() string {
	if e.PC < 0 {
		return fmt.Sprintf("load: %s: %v", e.Func, e.Err)
	}
	return fmt.Sprintf("load: %s+%d: %v", e.Func, e.PC, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

type OutcomeKind int

const (
	Completed OutcomeKind = iota
	Faulted
)

func (k OutcomeKind) String() string {
	if k == Faulted {
		return "faulted"
	}
	return "completed"
}

// Outcome summarises a run. Fault is the first fault raised, if any.
type Outcome struct {
	Kind   OutcomeKind
	Fault  *cpu.Fault
	Faults []cpu.Fault
	Clock  int64
}

// ThreadInfo is a read-only view of one thread.
type ThreadInfo struct {
	ID       int
	Name     string
	State    kernel.State
	Parent   int
	Children []int
	Block    cpu.BlockReason
	WakeAt   int64
	ExitCode int32
	Fault    *cpu.Fault
	Context  cpu.ContextSnapshot
}

type Machine struct {
	// Output receives everything the program prints. If nil, os.Stdout is
	// used. It is read by Load.
	Output io.Writer

	cfg    Config
	log    *log.Logger
	mem    *memory.Memory
	disk   *vfs.Disk
	cpu    *cpu.CPU
	kern   *kernel.Kernel
	module *codegen.Module

	input   kernel.InputSource
	pending []string
}

// New builds an empty machine and mounts every file of cfg.StoragePath.
// Any file there that fails to mount fails New.
func New(cfg Config) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	// Address 0 stays unmapped so null pointers fault.
	mem, err := memory.New(cfg.PageSize, cfg.MemorySize, cfg.PageSize)
	if err != nil {
		return nil, err
	}
	lg := cfg.Logger
	if lg == nil {
		lg = log.New(io.Discard, "", 0)
	}
	m := &Machine{cfg: cfg, log: lg, mem: mem, disk: vfs.NewDisk()}
	if cfg.StoragePath != "" {
		names, err := m.disk.MountDir(cfg.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("machine: storage: %w", errors.Join(err, m.disk.Close()))
		}
		lg.Printf("mounted %d files from %s", len(names), cfg.StoragePath)
	}
	return m, nil
}

func (m *Machine) Config() Config          { return m.cfg }
func (m *Machine) Disk() *vfs.Disk         { return m.disk }
func (m *Machine) Memory() *memory.Memory  { return m.mem }
func (m *Machine) Module() *codegen.Module { return m.module }

// Mount makes a host file readable by name.
func (m *Machine) Mount(path string) error {
	f, err := m.disk.Mount(path)
	if err != nil {
		return err
	}
	m.log.Printf("mounted %s (%d bytes)", f.Name, len(f.Data))
	return nil
}

// Feed queues lines for SCAN, ahead of any input source.
func (m *Machine) Feed(lines ...string) {
	if m.kern != nil {
		m.kern.Feed(lines...)
		return
	}
	m.pending = append(m.pending, lines...)
}

// SetInput installs the source SCAN pulls from once fed lines run out.
func (m *Machine) SetInput(src kernel.InputSource) {
	m.input = src
	if m.kern != nil {
		m.kern.Input = src
	}
}

// Build compiles prog and allocates it for a machine configured with cfg.
// The module is returned with the error when compilation partly failed.
func Build(prog *ast.Program, cfg Config) (*codegen.Module, *regalloc.Report, error) {
	mod, err := codegen.Compile(prog)
	if err != nil {
		return mod, nil, err
	}
	rep, err := regalloc.Allocate(mod, regalloc.Config{Registers: cfg.Registers, MaxSpillSlots: cfg.MaxSpillSlots})
	if err != nil {
		return mod, nil, err
	}
	return mod, rep, nil
}

// BuildAndLoad compiles, allocates and loads prog.
func (m *Machine) BuildAndLoad(prog *ast.Program) (*regalloc.Report, error) {
	mod, rep, err := Build(prog, m.cfg)
	if err != nil {
		return nil, err
	}
	for _, d := range mod.Diagnostics {
		m.log.Printf("diagnostic: %s", d)
	}
	return rep, m.Load(mod)
}

// Load validates mod, maps its data and string segments and creates one
// thread per entry point. A machine loads at most one module.
func (m *Machine) Load(mod *codegen.Module) error {
	if m.module != nil {
		return ErrAlreadyLoaded
	}
	if mod == nil {
		return ErrNotLoaded
	}
	if err := m.validate(mod); err != nil {
		m.log.Printf("rejected module: %v", err)
		return err
	}

	layout, err := m.mapSegments(mod)
	if err != nil {
		m.freeSegments(layout)
		return &LoadError{Func: "<module>", PC: -1, Err: err}
	}

	m.cpu = &cpu.CPU{
		Module:      mod,
		Memory:      m.mem,
		Disk:        m.disk,
		Layout:      layout,
		DiskLatency: m.cfg.DiskLatency,
		Output:      m.Output,
	}
	m.kern = kernel.New(m.cpu, m.mem, kernel.Config{
		Registers:   m.cfg.Registers,
		Quantum:     m.cfg.Quantum,
		StackSize:   m.cfg.stackPages(),
		StepLimit:   m.cfg.StepLimit,
		HaltOnFault: m.cfg.HaltOnFault,
		Logger:      m.log,
	})
	if err := m.kern.Boot(mod.Entries); err != nil {
		m.unload()
		m.log.Printf("rejected module: %v", err)
		return &LoadError{Func: "<module>", PC: -1, Err: err}
	}
	m.kern.Input = m.input
	m.kern.Feed(m.pending...)
	m.pending = nil
	m.module = mod
	m.log.Printf("loaded %d functions, data %d bytes, rodata %d bytes", len(mod.Functions), len(mod.Data), len(mod.Rodata))
	return nil
}

// mapSegments maps and fills the data and string segments. On error the
// returned layout holds whatever was mapped before the failure.
func (m *Machine) mapSegments(mod *codegen.Module) (cpu.Layout, error) {
	var layout cpu.Layout
	if len(mod.Data) > 0 {
		addr, err := m.mem.Allocate(uint32(len(mod.Data)), memory.PermRW, "data")
		if err != nil {
			return layout, fmt.Errorf("data segment: %w", err)
		}
		layout.Data = addr
		if err := m.mem.WriteBytes(addr, mod.Data); err != nil {
			return layout, err
		}
	}
	if len(mod.Rodata) > 0 {
		addr, err := m.mem.Allocate(uint32(len(mod.Rodata)), memory.PermRW, "rodata")
		if err != nil {
			return layout, fmt.Errorf("string segment: %w", err)
		}
		layout.Rodata = addr
		if err := m.mem.WriteBytes(addr, mod.Rodata); err != nil {
			return layout, err
		}
		if err := m.mem.Protect(addr, memory.PermR); err != nil {
			return layout, err
		}
	}
	return layout, nil
}

// Address 0 is never mapped, so a zero segment address means absent.
func (m *Machine) freeSegments(layout cpu.Layout) {
	for _, addr := range []uint32{layout.Data, layout.Rodata} {
		if addr == 0 {
			continue
		}
		if err := m.mem.Free(addr); err != nil {
			m.log.Printf("unload: %v", err)
		}
	}
}

// unload undoes a partial Load: threads already booted are killed, which
// frees their stacks, and both segments are unmapped.
func (m *Machine) unload() {
	for _, t := range m.kern.Threads() {
		if t.State == kernel.Terminated {
			continue
		}
		if err := m.kern.Kill(t.ID); err != nil {
			m.log.Printf("unload: %v", err)
		}
	}
	m.freeSegments(m.cpu.Layout)
	m.cpu, m.kern, m.module = nil, nil, nil
}

func (m *Machine) validate(mod *codegen.Module) error {
	var errs []error
	if len(mod.Entries) == 0 {
		errs = append(errs, &LoadError{Func: "<module>", PC: -1, Err: ErrNoEntryPoint})
	}
	for _, e := range mod.Entries {
		if _, ok := mod.FuncIndex(e); !ok {
			errs = append(errs, &LoadError{Func: e, PC: -1, Err: ErrNoEntryPoint})
		}
	}
	for _, f := range mod.Functions {
		if !f.Allocated {
			errs = append(errs, &LoadError{Func: f.Name, PC: -1, Err: ErrNotAllocated})
			continue
		}
		for pc, in := range f.Code {
			if err := m.checkInstruction(mod, f, in); err != nil {
				errs = append(errs, &LoadError{Func: f.Name, PC: pc, Err: err})
			}
		}
	}
	if err := m.checkCapacity(mod); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// checkCapacity rejects a module whose segments and entry stacks cannot all
// be mapped in the memory still free.
func (m *Machine) checkCapacity(mod *codegen.Module) error {
	page := uint64(m.cfg.PageSize)
	pages := func(n int) uint64 { return (uint64(n) + page - 1) / page * page }
	need := pages(len(mod.Data)) + pages(len(mod.Rodata)) + uint64(len(mod.Entries))*uint64(m.cfg.stackPages())
	avail := uint64(m.cfg.MemorySize) - uint64(m.mem.InUse())
	if need > avail {
		return &LoadError{Func: "<module>", PC: -1, Err: fmt.Errorf("%w: %d bytes needed, %d free", ErrNoRoom, need, avail)}
	}
	return nil
}

// checkInstruction rejects what the interpreter could only discover as a
// fault at runtime but the module already gets wrong statically. Unknown
// opcodes are left to trap when executed.
func (m *Machine) checkInstruction(mod *codegen.Module, f *codegen.Function, in ir.Instruction) error {
	width := uint32(1)
	if in.Op == ir.LOAD || in.Op == ir.STORE {
		width = in.Width.Bytes()
	}
	for _, op := range in.Operands() {
		switch op.Kind {
		case ir.KindVReg:
			return fmt.Errorf("%w: %s", ErrVirtualRegister, op)
		case ir.KindReg:
			if op.Reg < 0 || op.Reg >= m.cfg.Registers {
				return fmt.Errorf("%w: %s with %d registers", ErrRegisterRange, op, m.cfg.Registers)
			}
		case ir.KindLabel:
			if op.Label < 0 || op.Label >= len(f.BlockPC) || f.BlockPC[op.Label] < 0 {
				return fmt.Errorf("%w: %s", ErrBadLabel, op)
			}
		case ir.KindSym:
			// Only the callee of CALL and SPAWN names a function; other
			// symbols are disk files, resolved when read.
			isCallee := (in.Op == ir.CALL || in.Op == ir.SPAWN) && len(in.Args) > 0 && op == &in.Args[0]
			if _, ok := mod.FuncIndex(op.Sym); isCallee && !ok {
				return fmt.Errorf("%w: %s", ErrUnknownSymbol, op)
			}
		case ir.KindMem:
			switch op.Base {
			case ir.BaseVReg:
				return fmt.Errorf("%w: %s", ErrVirtualRegister, op)
			case ir.BaseReg:
				if op.Reg < 0 || op.Reg >= m.cfg.Registers {
					return fmt.Errorf("%w: %s with %d registers", ErrRegisterRange, op, m.cfg.Registers)
				}
			case ir.BaseData:
				if !inSegment(op.Offset, width, len(mod.Data)) {
					return fmt.Errorf("%w: %s in %d data bytes", ErrStaticRange, op, len(mod.Data))
				}
			case ir.BaseRodata:
				if !inSegment(op.Offset, width, len(mod.Rodata)) {
					return fmt.Errorf("%w: %s in %d rodata bytes", ErrStaticRange, op, len(mod.Rodata))
				}
			}
		}
	}
	return nil
}

func inSegment(off int32, width uint32, size int) bool {
	return off >= 0 && int64(off)+int64(width) <= int64(size)
}

// Run drives the kernel until every thread has terminated. The error is
// non-nil when the run stopped early: deadlock, step limit or ctx.
func (m *Machine) Run(ctx context.Context) (Outcome, error) {
	if m.kern == nil {
		return Outcome{}, ErrNotLoaded
	}
	err := m.kern.Run(ctx)
	return m.outcome(), err
}

func (m *Machine) outcome() Outcome {
	out := Outcome{Kind: Completed, Faults: m.kern.Faults(), Clock: m.kern.Clock()}
	if len(out.Faults) > 0 {
		out.Kind = Faulted
		out.Fault = &out.Faults[0]
	}
	return out
}

// Step runs one scheduling turn. It reports false once nothing could run.
func (m *Machine) Step() (bool, error) {
	if m.kern == nil {
		return false, ErrNotLoaded
	}
	return m.kern.Step()
}

// Done is true when every thread has terminated or a fault halted the run.
func (m *Machine) Done() bool {
	return m.kern == nil || m.kern.Done() || m.kern.Halted()
}

func (m *Machine) Outcome() Outcome {
	if m.kern == nil {
		return Outcome{}
	}
	return m.outcome()
}

func (m *Machine) Clock() int64 {
	if m.kern == nil {
		return 0
	}
	return m.kern.Clock()
}

// Kill force-terminates a thread.
func (m *Machine) Kill(tid int) error {
	if m.kern == nil {
		return ErrNotLoaded
	}
	return m.kern.Kill(tid)
}

func (m *Machine) Thread(id int) (cpu.ContextSnapshot, kernel.State, bool) {
	if m.kern == nil {
		return cpu.ContextSnapshot{}, 0, false
	}
	t, ok := m.kern.Thread(id)
	if !ok {
		return cpu.ContextSnapshot{}, 0, false
	}
	return t.Snapshot(), t.State, true
}

// Threads lists every thread created so far, by id.
func (m *Machine) Threads() []ThreadInfo {
	if m.kern == nil {
		return nil
	}
	var out []ThreadInfo
	for _, t := range m.kern.Threads() {
		out = append(out, ThreadInfo{
			ID:       t.ID,
			Name:     t.Name,
			State:    t.State,
			Parent:   t.Parent,
			Children: append([]int(nil), t.Children...),
			Block:    t.Block,
			WakeAt:   t.WakeAt,
			ExitCode: t.ExitCode,
			Fault:    t.Fault,
			Context:  t.Snapshot(),
		})
	}
	return out
}

// Queue is the ready queue, head first.
func (m *Machine) Queue() []int {
	if m.kern == nil {
		return nil
	}
	return m.kern.Sched.Queue()
}

// Layout is where the data and rodata segments were mapped by Load.
func (m *Machine) Layout() cpu.Layout {
	if m.cpu == nil {
		return cpu.Layout{}
	}
	return m.cpu.Layout
}

// MemoryDump copies n bytes from addr regardless of protection.
func (m *Machine) MemoryDump(addr, n uint32) []byte {
	return m.mem.Dump(addr, n)
}

// Global reads the current value of a global variable.
func (m *Machine) Global(name string) (int32, error) {
	if m.module == nil {
		return 0, ErrNotLoaded
	}
	g, ok := m.module.Globals[name]
	if !ok {
		return 0, fmt.Errorf("machine: global %q: %w", name, ErrUnknownSymbol)
	}
	b := m.mem.Dump(m.cpu.Layout.Data+g.Offset, codegen.WordSize)
	return int32(binary.LittleEndian.Uint32(b)), nil
}

// Close unmaps every mounted file.
func (m *Machine) Close() error {
	return m.disk.Close()
}
