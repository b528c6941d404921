package cpu

import (
	"bytes"
	"errors"
	"testing"

	"github.com/faouellet/Tostitos/pkg/codegen"
	"github.com/faouellet/Tostitos/pkg/ir"
	"github.com/faouellet/Tostitos/pkg/memory"
	"github.com/faouellet/Tostitos/pkg/vfs"
)

type fakeHost struct {
	input    []string
	closed   bool
	children bool
	spawned  [][]int32
}

func (h *fakeHost) Spawn(parent, fn int, args []int32) (int, error) {
	h.spawned = append(h.spawned, args)
	return 100 + len(h.spawned), nil
}

func (h *fakeHost) ChildrenAlive(int) bool { return h.children }

func (h *fakeHost) ReadInput() (string, bool) {
	if len(h.input) == 0 {
		return "", false
	}
	line := h.input[0]
	h.input = h.input[1:]
	return line, true
}

func (h *fakeHost) InputClosed() bool { return h.closed }

func r(i int) ir.Operand     { return ir.Reg(i) }
func imm(v int32) ir.Operand { return ir.Imm(v) }

// fn builds an allocated function whose labels map to the given pcs.
func fn(name string, frame uint32, labels []int, code ...ir.Instruction) *codegen.Function {
	if labels == nil {
		labels = []int{0}
	}
	return &codegen.Function{Name: name, Code: code, FrameSize: frame, BlockPC: labels, Allocated: true}
}

type rig struct {
	cpu  *CPU
	th   *ThreadContext
	host *fakeHost
	out  *bytes.Buffer
}

func newRig(t testing.TB, funcs ...*codegen.Function) *rig {
	t.Helper()
	mem, err := memory.New(0x1000, 0x10000, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := mem.Allocate(0x100, memory.PermRW, "data")
	ro, _ := mem.Allocate(0x100, memory.PermRW, "rodata")
	mem.WriteBytes(ro, []byte("hi\x00"))
	mem.Protect(ro, memory.PermR)
	stack, _ := mem.Allocate(0x1000, memory.PermRW, "stack")

	mod := codegen.NewModule()
	for _, f := range funcs {
		mod.AddFunction(f)
	}
	g := &rig{host: &fakeHost{}, out: &bytes.Buffer{}}
	g.cpu = &CPU{
		Module: mod,
		Memory: mem,
		Disk:   vfs.NewDisk(),
		Host:   g.host,
		Layout: Layout{Data: data, Rodata: ro},
		Output: g.out,
	}
	g.th = NewThreadContext(1, 8, stack, stack+0x1000)
	if flt := g.cpu.Enter(g.th, 0, nil); flt != nil {
		t.Fatal(flt)
	}
	return g
}

func (g *rig) finish() Result {
	for {
		res := g.cpu.Run(g.th, 1000)
		if res.Status != Continuing {
			return res
		}
	}
}

func TestArithmetic(t *testing.T) {
	tests := []struct {
		name string
		op   ir.Opcode
		a, b int32
		want int32
	}{
		{"add", ir.ADD, 40, 2, 42},
		{"sub", ir.SUB, 2, 5, -3},
		{"mul", ir.MUL, 6, 7, 42},
		{"div truncates", ir.DIV, -7, 2, -3},
		{"mod", ir.MOD, 7, 3, 1},
		{"and", ir.AND, 0b1100, 0b1010, 0b1000},
		{"shl", ir.SHL, 1, 4, 16},
		{"shr is arithmetic", ir.SHR, -16, 2, -4},
		{"cmplt", ir.CMPLT, 1, 2, 1},
		{"cmpge", ir.CMPGE, 1, 2, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newRig(t, fn("main", 0, nil,
				ir.New(ir.LOADI, r(0), imm(tt.a)),
				ir.New(tt.op, r(1), r(0), imm(tt.b)),
				ir.NewVoid(ir.RET, r(1)),
			))
			res := g.finish()
			if res.Status != Terminated || res.ExitCode != tt.want {
				t.Fatalf("expected exit %d, got %v %d (%v)", tt.want, res.Status, res.ExitCode, res.Fault)
			}
		})
	}
}

func TestDivideByZeroFaults(t *testing.T) {
	g := newRig(t, fn("main", 0, nil,
		ir.New(ir.LOADI, r(0), imm(1)),
		ir.New(ir.LOADI, r(1), imm(0)),
		ir.New(ir.DIV, r(2), r(0), r(1)),
		ir.NewVoid(ir.RET),
	))
	res := g.finish()
	if res.Status != Faulted || res.Fault.Kind != FaultDivideByZero {
		t.Fatalf("expected divide fault, got %v %v", res.Status, res.Fault)
	}
	if res.Fault.PC != 2 || res.Fault.Func != "main" || res.Fault.Thread != 1 {
		t.Errorf("fault location: %+v", res.Fault)
	}
}

func TestCallPreservesCallerRegisters(t *testing.T) {
	g := newRig(t,
		fn("main", 0, nil,
			ir.New(ir.LOADI, r(0), imm(5)),
			ir.New(ir.LOADI, r(2), imm(9)),
			ir.New(ir.CALL, r(1), ir.Sym("sq"), r(0)),
			ir.New(ir.ADD, r(1), r(1), r(2)),
			ir.NewVoid(ir.RET, r(1)),
		),
		fn("sq", 4, nil,
			ir.New(ir.PARAM, r(0), imm(0)),
			ir.New(ir.LOADI, r(2), imm(-1)),
			ir.NewVoid(ir.STORE, ir.Frame(0), r(0)),
			ir.New(ir.LOAD, r(1), ir.Frame(0)),
			ir.New(ir.MUL, r(0), r(0), r(1)),
			ir.NewVoid(ir.RET, r(0)),
		),
	)
	res := g.finish()
	if res.Status != Terminated || res.ExitCode != 34 {
		t.Fatalf("expected 34, got %v %d (%v)", res.Status, res.ExitCode, res.Fault)
	}
	if g.th.SP != g.th.StackTop || len(g.th.Frames) != 0 {
		t.Errorf("stack not unwound: sp=0x%X frames=%d", g.th.SP, len(g.th.Frames))
	}
}

func TestStackOverflow(t *testing.T) {
	g := newRig(t, fn("rec", 0, nil,
		ir.NewVoid(ir.CALL, ir.Sym("rec")),
		ir.NewVoid(ir.RET),
	))
	res := g.finish()
	if res.Status != Faulted || res.Fault.Kind != FaultStackOverflow {
		t.Fatalf("expected stack overflow, got %v %v", res.Status, res.Fault)
	}
}

func TestMemoryAccess(t *testing.T) {
	g := newRig(t, fn("main", 0, nil,
		ir.NewVoid(ir.STORE, ir.Data(4), imm(7)),
		ir.New(ir.LOAD, r(0), ir.Data(4)),
		ir.New(ir.LEA, r(1), ir.Data(4)),
		ir.New(ir.LOAD, r(2), ir.Operand{Kind: ir.KindMem, Base: ir.BaseReg, Reg: 1}),
		ir.New(ir.ADD, r(0), r(0), r(2)),
		ir.NewVoid(ir.RET, r(0)),
	))
	res := g.finish()
	if res.ExitCode != 14 {
		t.Fatalf("expected 14, got %v %d (%v)", res.Status, res.ExitCode, res.Fault)
	}
}

func TestOutOfBoundsFaults(t *testing.T) {
	tests := []struct {
		name string
		in   ir.Instruction
		addr uint32
	}{
		{"null load", ir.New(ir.LOAD, r(1), ir.Operand{Kind: ir.KindMem, Base: ir.BaseReg, Reg: 0}), 0},
		{"write rodata", ir.NewVoid(ir.STORE, ir.Rodata(0), imm(1)), 0x2000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newRig(t, fn("main", 0, nil,
				ir.New(ir.LOADI, r(0), imm(0)),
				tt.in,
				ir.NewVoid(ir.RET),
			))
			res := g.finish()
			if res.Status != Faulted || res.Fault.Kind != FaultMemory {
				t.Fatalf("expected memory fault, got %v %v", res.Status, res.Fault)
			}
			if res.Fault.Addr != tt.addr {
				t.Errorf("Addr: expected 0x%X, got 0x%X", tt.addr, res.Fault.Addr)
			}
			var ae *memory.AccessError
			if !errors.As(res.Fault, &ae) {
				t.Errorf("expected wrapped AccessError, got %v", res.Fault.Err)
			}
		})
	}
}

func TestQuantumPreemptsAtBranch(t *testing.T) {
	g := newRig(t, fn("spin", 0, []int{0},
		ir.New(ir.ADD, r(0), r(0), imm(1)),
		ir.NewVoid(ir.JMP, ir.Label(0)),
	))
	res := g.cpu.Run(g.th, 5)
	if res.Status != Continuing || res.Steps != 6 {
		t.Fatalf("expected preemption after 6 steps, got %v after %d", res.Status, res.Steps)
	}
	if g.th.Regs[0] != 3 || g.th.PC != 0 {
		t.Errorf("expected r0=3 pc=0, got r0=%d pc=%d", g.th.Regs[0], g.th.PC)
	}
}

func TestScan(t *testing.T) {
	prog := func() *codegen.Function {
		return fn("main", 0, nil,
			ir.New(ir.SCAN, r(0), imm(1)),
			ir.New(ir.IOSTAT, r(1)),
			ir.New(ir.MUL, r(1), r(1), imm(100)),
			ir.New(ir.ADD, r(0), r(0), r(1)),
			ir.NewVoid(ir.RET, r(0)),
		)
	}

	t.Run("blocks until input", func(t *testing.T) {
		g := newRig(t, prog())
		res := g.cpu.Run(g.th, 10)
		if res.Status != Blocked || res.Block != BlockInput || res.Steps != 0 || g.th.PC != 0 {
			t.Fatalf("expected input block at pc 0, got %+v pc=%d", res, g.th.PC)
		}
		g.host.input = []string{" 42 "}
		if res := g.finish(); res.ExitCode != 142 {
			t.Errorf("expected 142, got %d (%v)", res.ExitCode, res.Fault)
		}
	})

	t.Run("checked failure", func(t *testing.T) {
		g := newRig(t, prog())
		g.host.closed = true
		if res := g.finish(); res.Status != Terminated || res.ExitCode != 0 {
			t.Errorf("expected clean exit 0, got %v %d (%v)", res.Status, res.ExitCode, res.Fault)
		}
	})

	t.Run("unchecked failure traps", func(t *testing.T) {
		g := newRig(t, fn("main", 0, nil,
			ir.New(ir.SCAN, r(0), imm(0)),
			ir.NewVoid(ir.RET, r(0)),
		))
		g.host.input = []string{"nope"}
		res := g.finish()
		if res.Status != Faulted || res.Fault.Kind != FaultIO || !errors.Is(res.Fault, ErrBadInput) {
			t.Errorf("expected I/O fault, got %v %v", res.Status, res.Fault)
		}
	})
}

func TestDiskRead(t *testing.T) {
	g := newRig(t, fn("main", 0, nil,
		ir.New(ir.DREAD, r(0), ir.Sym("f.txt"), imm(1), imm(0)),
		ir.New(ir.DSIZE, r(1), ir.Sym("f.txt"), imm(0)),
		ir.New(ir.ADD, r(0), r(0), r(1)),
		ir.NewVoid(ir.RET, r(0)),
	))
	g.cpu.Disk.MountBytes("f.txt", []byte("AB"))
	g.cpu.DiskLatency = 3

	res := g.cpu.Run(g.th, 10)
	if res.Status != Blocked || res.Block != BlockDisk || res.Ticks != 3 {
		t.Fatalf("expected disk block of 3 ticks, got %+v", res)
	}
	if g.th.Regs[0] != 'B' || g.th.PC != 1 {
		t.Errorf("expected r0='B' pc=1, got %d pc=%d", g.th.Regs[0], g.th.PC)
	}
	if res := g.finish(); res.ExitCode != 'B'+2 {
		t.Errorf("expected %d, got %d (%v)", 'B'+2, res.ExitCode, res.Fault)
	}
}

func TestDiskReadMissingFileTraps(t *testing.T) {
	g := newRig(t, fn("main", 0, nil,
		ir.New(ir.DREAD, r(0), ir.Sym("gone.txt"), imm(0), imm(0)),
		ir.NewVoid(ir.RET, r(0)),
	))
	res := g.finish()
	if res.Status != Faulted || !errors.Is(res.Fault, vfs.ErrFileNotFound) {
		t.Fatalf("expected not-found fault, got %v %v", res.Status, res.Fault)
	}
}

func TestPrint(t *testing.T) {
	g := newRig(t, fn("main", 0, nil,
		ir.NewVoid(ir.PRINT, imm(-5), imm(0)),
		ir.NewVoid(ir.PRINT, imm(1), imm(1)),
		ir.NewVoid(ir.PRINTS, ir.Rodata(0)),
		ir.NewVoid(ir.RET),
	))
	g.finish()
	if got, want := g.out.String(), "-5\ntrue\nhi\n"; got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestThreadInstructions(t *testing.T) {
	g := newRig(t, fn("main", 0, nil,
		ir.New(ir.SPAWN, r(0), ir.Sym("main"), imm(3), imm(4)),
		ir.NewVoid(ir.SYNC),
		ir.NewVoid(ir.SLEEP, imm(10)),
		ir.NewVoid(ir.YIELD),
		ir.NewVoid(ir.TRAP, imm(9)),
	))
	g.host.children = true

	want := []struct {
		status Status
		block  BlockReason
	}{
		{Blocked, BlockChildren},
		{Blocked, BlockSleep},
		{Yielded, BlockNone},
		{Faulted, BlockNone},
	}
	for i, w := range want {
		res := g.cpu.Run(g.th, 100)
		if res.Status != w.status || res.Block != w.block {
			t.Fatalf("step %d: expected %v/%v, got %v/%v", i, w.status, w.block, res.Status, res.Block)
		}
	}
	if g.th.Regs[0] != 101 || len(g.host.spawned) != 1 || g.host.spawned[0][1] != 4 {
		t.Errorf("spawn: r0=%d spawned=%v", g.th.Regs[0], g.host.spawned)
	}
}

func TestIllegalInstruction(t *testing.T) {
	g := newRig(t, fn("main", 0, nil, ir.Instruction{Op: ir.Opcode(200)}))
	res := g.finish()
	if res.Status != Faulted || res.Fault.Kind != FaultIllegalInstruction {
		t.Fatalf("expected illegal instruction, got %v %v", res.Status, res.Fault)
	}

	g = newRig(t, fn("main", 0, nil, ir.New(ir.ADD, ir.VReg(1), ir.VReg(2), imm(1))))
	if res := g.finish(); res.Fault == nil || res.Fault.Kind != FaultOperand {
		t.Fatalf("expected operand fault for virtual registers, got %v", res.Fault)
	}
}
