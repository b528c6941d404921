package kernel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/faouellet/Tostitos/pkg/codegen"
	"github.com/faouellet/Tostitos/pkg/cpu"
	"github.com/faouellet/Tostitos/pkg/ir"
	"github.com/faouellet/Tostitos/pkg/memory"
	"github.com/faouellet/Tostitos/pkg/vfs"
)

func r(i int) ir.Operand     { return ir.Reg(i) }
func imm(v int32) ir.Operand { return ir.Imm(v) }

func fn(name string, labels []int, code ...ir.Instruction) *codegen.Function {
	if labels == nil {
		labels = []int{0}
	}
	return &codegen.Function{Name: name, Code: code, BlockPC: labels, Allocated: true}
}

func newKernel(t *testing.T, cfg Config, funcs ...*codegen.Function) (*Kernel, *bytes.Buffer) {
	t.Helper()
	mem, err := memory.New(0x1000, 0x20000, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := mem.Allocate(0x100, memory.PermRW, "data")
	mod := codegen.NewModule()
	for _, f := range funcs {
		mod.AddFunction(f)
	}
	out := &bytes.Buffer{}
	c := &cpu.CPU{Module: mod, Memory: mem, Disk: vfs.NewDisk(), Layout: cpu.Layout{Data: data}, Output: out}
	if cfg.Registers == 0 {
		cfg.Registers = 8
	}
	if cfg.StackSize == 0 {
		cfg.StackSize = 0x1000
	}
	if cfg.Quantum == 0 {
		cfg.Quantum = 64
	}
	return New(c, mem, cfg), out
}

func TestRoundRobin(t *testing.T) {
	worker := func(name string, id int32) *codegen.Function {
		return fn(name, nil,
			ir.NewVoid(ir.PRINT, imm(id), imm(0)),
			ir.NewVoid(ir.YIELD),
			ir.NewVoid(ir.PRINT, imm(id), imm(0)),
			ir.NewVoid(ir.RET),
		)
	}
	k, out := newKernel(t, Config{}, worker("a", 1), worker("b", 2))
	if err := k.Boot([]string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	if err := k.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); got != "1\n2\n1\n2\n" {
		t.Errorf("expected alternating output, got %q", got)
	}
	if len(k.Threads()) != 2 || !k.Done() {
		t.Errorf("expected two finished threads, got %v", k.Threads())
	}
}

func TestSleepSkipsIdleTime(t *testing.T) {
	k, _ := newKernel(t, Config{}, fn("main", nil,
		ir.NewVoid(ir.SLEEP, imm(100)),
		ir.NewVoid(ir.RET),
	))
	k.Boot([]string{"main"})
	if err := k.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if k.Clock() != 102 {
		t.Errorf("expected clock 102, got %d", k.Clock())
	}
}

func TestSpawnAndSync(t *testing.T) {
	k, _ := newKernel(t, Config{},
		fn("main", nil,
			ir.New(ir.SPAWN, r(0), ir.Sym("child"), imm(5)),
			ir.NewVoid(ir.SYNC),
			ir.New(ir.LOAD, r(1), ir.Data(0)),
			ir.NewVoid(ir.RET, r(1)),
		),
		fn("child", nil,
			ir.New(ir.PARAM, r(0), imm(0)),
			ir.NewVoid(ir.SLEEP, imm(10)),
			ir.NewVoid(ir.STORE, ir.Data(0), r(0)),
			ir.NewVoid(ir.RET),
		),
	)
	k.Boot([]string{"main"})
	if err := k.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	main, _ := k.Thread(1)
	child, _ := k.Thread(2)
	if main.ExitCode != 5 {
		t.Errorf("expected main to see the child's store, got %d", main.ExitCode)
	}
	if child.Parent != 1 || len(main.Children) != 1 || main.Final.Regs[0] != 2 {
		t.Errorf("family: main=%+v child=%+v", main, child)
	}
}

func TestFaultIsolation(t *testing.T) {
	k, _ := newKernel(t, Config{},
		fn("bad", nil, ir.NewVoid(ir.TRAP, imm(3))),
		fn("good", nil,
			ir.NewVoid(ir.STORE, ir.Data(0), imm(11)),
			ir.NewVoid(ir.RET, imm(7)),
		),
	)
	k.Boot([]string{"bad", "good"})
	if err := k.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	faults := k.Faults()
	if len(faults) != 1 || faults[0].Thread != 1 || faults[0].Kind != cpu.FaultTrap {
		t.Fatalf("expected one trap from t1, got %v", faults)
	}
	good, _ := k.Thread(2)
	if good.State != Terminated || good.ExitCode != 7 || good.Fault != nil {
		t.Errorf("good thread: %+v", good)
	}
	for _, reg := range k.Memory.Regions() {
		if strings.HasPrefix(reg.Owner, "stack") {
			t.Errorf("stack not reclaimed: %v", reg)
		}
	}
}

func TestHaltOnFault(t *testing.T) {
	k, _ := newKernel(t, Config{HaltOnFault: true},
		fn("bad", nil, ir.NewVoid(ir.TRAP, imm(3))),
		fn("good", nil, ir.NewVoid(ir.RET)),
	)
	k.Boot([]string{"bad", "good"})
	if err := k.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !k.Halted() {
		t.Fatal("expected halt")
	}
	if good, _ := k.Thread(2); good.State != Ready {
		t.Errorf("expected t2 untouched, got %v", good.State)
	}
}

func TestKill(t *testing.T) {
	k, _ := newKernel(t, Config{}, fn("spin", []int{0}, ir.NewVoid(ir.JMP, ir.Label(0))))
	data := k.CPU.Layout.Data
	if err := k.Memory.Store(data, 4, 42); err != nil {
		t.Fatal(err)
	}
	k.Boot([]string{"spin", "spin"})
	k.Step()
	if !hasRegion(k.Memory, "stack t2") {
		t.Fatal("expected a stack for t2")
	}

	if err := k.Kill(2); err != nil {
		t.Fatal(err)
	}
	if err := k.Kill(2); !errors.Is(err, ErrTerminated) {
		t.Errorf("expected ErrTerminated, got %v", err)
	}
	if err := k.Kill(99); !errors.Is(err, ErrNoThread) {
		t.Errorf("expected ErrNoThread, got %v", err)
	}
	if q := k.Sched.Queue(); len(q) != 1 || q[0] != 1 {
		t.Errorf("expected only t1 queued, got %v", q)
	}
	if hasRegion(k.Memory, "stack t2") {
		t.Error("expected t2's stack to be freed")
	}
	if !hasRegion(k.Memory, "stack t1") {
		t.Error("expected t1's stack to stay mapped")
	}
	if v, err := k.Memory.Load(data, 4); err != nil || v != 42 {
		t.Errorf("expected globals untouched, got %d, %v", v, err)
	}
}

func hasRegion(mem *memory.Memory, owner string) bool {
	for _, r := range mem.Regions() {
		if r.Owner == owner {
			return true
		}
	}
	return false
}

func TestStepLimit(t *testing.T) {
	k, _ := newKernel(t, Config{StepLimit: 1000}, fn("spin", []int{0}, ir.NewVoid(ir.JMP, ir.Label(0))))
	k.Boot([]string{"spin"})
	if err := k.Run(context.Background()); !errors.Is(err, ErrStepLimit) {
		t.Fatalf("expected ErrStepLimit, got %v", err)
	}
}

func TestContextCancel(t *testing.T) {
	k, _ := newKernel(t, Config{}, fn("spin", []int{0}, ir.NewVoid(ir.JMP, ir.Label(0))))
	k.Boot([]string{"spin"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := k.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

type lineSource struct {
	lines []string
	block bool
}

func (s *lineSource) ReadLine() (string, error) {
	if len(s.lines) == 0 {
		if s.block {
			return "", ErrWouldBlock
		}
		return "", io.EOF
	}
	l := s.lines[0]
	s.lines = s.lines[1:]
	return l, nil
}

// echo prints every integer line until input runs out.
func echo() *codegen.Function {
	return fn("main", []int{0, 3, 4},
		ir.New(ir.SCAN, r(0), imm(1)),
		ir.New(ir.IOSTAT, r(1)),
		ir.NewVoid(ir.BR, r(1), ir.Label(2), ir.Label(1)),
		ir.NewVoid(ir.RET, imm(0)),
		ir.NewVoid(ir.PRINT, r(0), imm(0)),
		ir.NewVoid(ir.JMP, ir.Label(0)),
	)
}

func TestInputSource(t *testing.T) {
	k, out := newKernel(t, Config{}, echo())
	k.Input = &lineSource{lines: []string{"1", "2"}}
	k.Boot([]string{"main"})
	if err := k.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if out.String() != "1\n2\n" {
		t.Errorf("expected echoed lines, got %q", out.String())
	}
}

func TestFeedWithoutSource(t *testing.T) {
	k, out := newKernel(t, Config{}, echo())
	k.Feed("7")
	k.Boot([]string{"main"})
	if err := k.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if out.String() != "7\n" {
		t.Errorf("expected 7, got %q", out.String())
	}
}

func TestInputWouldBlock(t *testing.T) {
	k, _ := newKernel(t, Config{}, echo())
	k.Input = &lineSource{block: true}
	k.Boot([]string{"main"})
	k.Step()
	progressed, err := k.Step()
	if err != nil || progressed {
		t.Fatalf("expected to wait for input, got %v %v", progressed, err)
	}
	th, _ := k.Thread(1)
	if th.State != Blocked || th.Block != cpu.BlockInput {
		t.Errorf("expected input block, got %v", th)
	}
}

func TestBootUnknownEntry(t *testing.T) {
	k, _ := newKernel(t, Config{}, fn("main", nil, ir.NewVoid(ir.RET)))
	if err := k.Boot([]string{"nope"}); !errors.Is(err, ErrUnknownEntry) {
		t.Fatalf("expected ErrUnknownEntry, got %v", err)
	}
}
