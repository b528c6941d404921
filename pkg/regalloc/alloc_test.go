package regalloc

import (
	"errors"
	"sort"
	"testing"

	"github.com/faouellet/Tostitos/pkg/cfg"
	"github.com/faouellet/Tostitos/pkg/codegen"
	"github.com/faouellet/Tostitos/pkg/ir"
)

// buildFunc wires blocks in the given order. Each entry lists the block's
// successors; the last block is the exit sentinel and gets a bare RET.
func buildFunc(name string, code [][]ir.Instruction, succs [][]cfg.BlockID) *codegen.Function {
	g := &cfg.Graph{Func: name, Entry: 0, Exit: cfg.BlockID(len(code))}
	for i, insts := range code {
		g.Blocks = append(g.Blocks, &cfg.BasicBlock{ID: cfg.BlockID(i), Insts: insts, Succs: succs[i]})
	}
	g.Blocks = append(g.Blocks, &cfg.BasicBlock{
		ID:    g.Exit,
		Exit:  true,
		Term:  cfg.TermExit,
		Insts: []ir.Instruction{ir.NewVoid(ir.RET)},
	})
	g.Blocks[0].Entry = true
	for _, b := range g.Blocks {
		for _, s := range b.Succs {
			g.Blocks[s].Preds = append(g.Blocks[s].Preds, b.ID)
		}
	}
	f := &codegen.Function{Name: name, Graph: g, Entry: g.Entry, Exit: g.Exit}
	f.Layout()
	return f
}

// sumOf loads n constants and adds them in a chain, all in one block.
func sumOf(n int) *codegen.Function {
	var insts []ir.Instruction
	for i := 0; i < n; i++ {
		insts = append(insts, ir.New(ir.LOADI, ir.VReg(i), ir.Imm(int32(i+1))))
	}
	acc := 0
	for i := 1; i < n; i++ {
		next := n + i - 1
		insts = append(insts, ir.New(ir.ADD, ir.VReg(next), ir.VReg(acc), ir.VReg(i)))
		acc = next
	}
	insts = append(insts, ir.NewVoid(ir.RET, ir.VReg(acc)))
	return buildFunc("sum", [][]ir.Instruction{insts}, [][]cfg.BlockID{{1}})
}

// countTo is a loop whose counter and bound are live across every edge.
func countTo() *codegen.Function {
	return buildFunc("count", [][]ir.Instruction{
		{
			ir.New(ir.LOADI, ir.VReg(0), ir.Imm(0)),
			ir.New(ir.LOADI, ir.VReg(1), ir.Imm(10)),
			ir.NewVoid(ir.JMP, ir.Label(1)),
		},
		{
			ir.New(ir.CMPLT, ir.VReg(2), ir.VReg(0), ir.VReg(1)),
			ir.NewVoid(ir.BR, ir.VReg(2), ir.Label(2), ir.Label(3)),
		},
		{
			ir.New(ir.ADD, ir.VReg(0), ir.VReg(0), ir.Imm(1)),
			ir.NewVoid(ir.JMP, ir.Label(1)),
		},
		{
			ir.NewVoid(ir.RET, ir.VReg(0)),
		},
	}, [][]cfg.BlockID{{1}, {2, 3}, {1}, {4}})
}

func countOps(f *codegen.Function, op ir.Opcode) int {
	n := 0
	for _, in := range f.Code {
		if in.Op == op {
			n++
		}
	}
	return n
}

func assertNoVRegs(t *testing.T, f *codegen.Function) {
	t.Helper()
	for pc, in := range f.Code {
		for _, op := range in.Operands() {
			if op.Kind == ir.KindVReg || (op.Kind == ir.KindMem && op.Base == ir.BaseVReg) {
				t.Fatalf("%s pc %d: %s still names a virtual register", f.Name, pc, in)
			}
		}
	}
}

func assertDisjoint(t *testing.T, rep *FuncReport) {
	t.Helper()
	type key struct {
		block cfg.BlockID
		reg   int
	}
	byReg := make(map[key][]Interval)
	for _, iv := range rep.Intervals {
		if iv.From > iv.To {
			t.Errorf("interval %+v ends before it starts", iv)
		}
		k := key{iv.Block, iv.Reg}
		byReg[k] = append(byReg[k], iv)
	}
	for k, ivs := range byReg {
		sort.Slice(ivs, func(i, j int) bool {
			if ivs[i].From != ivs[j].From {
				return ivs[i].From < ivs[j].From
			}
			return ivs[i].To < ivs[j].To
		})
		for i := 1; i < len(ivs); i++ {
			if ivs[i-1].To > ivs[i].From {
				t.Errorf("block %d r%d: v%d [%d,%d] overlaps v%d [%d,%d]", k.block, k.reg,
					ivs[i-1].VReg, ivs[i-1].From, ivs[i-1].To, ivs[i].VReg, ivs[i].From, ivs[i].To)
			}
		}
	}
}

func TestAllocateNoPressure(t *testing.T) {
	f := sumOf(4)
	rep, err := AllocateFunction(f, Config{Registers: 8})
	if err != nil {
		t.Fatal(err)
	}
	if rep.SpillSlots != 0 || rep.Loads != 0 || rep.Stores != 0 {
		t.Errorf("expected no spill code, got slots=%d loads=%d stores=%d", rep.SpillSlots, rep.Loads, rep.Stores)
	}
	if f.FrameSize != 0 {
		t.Errorf("FrameSize: expected 0, got %d", f.FrameSize)
	}
	if !f.Allocated {
		t.Error("expected Allocated to be set")
	}
	assertNoVRegs(t, f)
	assertDisjoint(t, rep)
}

// Nine values summed in one block with eight registers need exactly one
// slot, one store and one reload.
func TestAllocateSingleSpill(t *testing.T) {
	f := sumOf(9)
	rep, err := AllocateFunction(f, Config{Registers: 8, MaxSpillSlots: 256})
	if err != nil {
		t.Fatal(err)
	}
	if rep.SpillSlots != 1 {
		t.Errorf("SpillSlots: expected 1, got %d", rep.SpillSlots)
	}
	if got := countOps(f, ir.STORE); got != 1 || rep.Stores != 1 {
		t.Errorf("expected 1 STORE, got %d (report %d)\n%s", got, rep.Stores, f.Listing())
	}
	if got := countOps(f, ir.LOAD); got != 1 || rep.Loads != 1 {
		t.Errorf("expected 1 LOAD, got %d (report %d)\n%s", got, rep.Loads, f.Listing())
	}
	if f.FrameSize != codegen.WordSize {
		t.Errorf("FrameSize: expected %d, got %d", codegen.WordSize, f.FrameSize)
	}
	// The evicted value is the one whose next use is farthest: v7.
	if _, ok := rep.Spilled[7]; !ok || len(rep.Spilled) != 1 {
		t.Errorf("expected only v7 spilled, got %v", rep.Spilled)
	}
	assertNoVRegs(t, f)
	assertDisjoint(t, rep)
}

func TestSpillCodeIsAdjacent(t *testing.T) {
	f := sumOf(9)
	if _, err := AllocateFunction(f, Config{Registers: 8}); err != nil {
		t.Fatal(err)
	}
	for pc, in := range f.Code {
		switch in.Op {
		case ir.STORE:
			// Stored right after the LOADI that produced the value.
			if pc == 0 || f.Code[pc-1].Op != ir.LOADI || f.Code[pc-1].Dst != in.Args[1] {
				t.Errorf("pc %d: STORE does not follow its definition\n%s", pc, f.Listing())
			}
		case ir.LOAD:
			next := f.Code[pc+1]
			if next.Op != ir.ADD || (next.Args[0] != in.Dst && next.Args[1] != in.Dst) {
				t.Errorf("pc %d: LOAD does not feed the next instruction\n%s", pc, f.Listing())
			}
		}
	}
}

func TestAllocatePinsGlobals(t *testing.T) {
	f := countTo()
	rep, err := AllocateFunction(f, Config{Registers: 8})
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Homes) != 0 {
		t.Errorf("expected no memory homes, got %v", rep.Homes)
	}
	want := map[int]int{0: 7, 1: 6}
	for v, r := range want {
		if rep.Pinned[v] != r {
			t.Errorf("v%d: expected r%d, got %v", v, r, rep.Pinned)
		}
	}
	if _, ok := rep.Pinned[2]; ok {
		t.Error("v2 is block-local and must not be pinned")
	}
	assertNoVRegs(t, f)
	assertDisjoint(t, rep)
}

func TestAllocateHomesMostCrossed(t *testing.T) {
	f := countTo()
	rep, err := AllocateFunction(f, Config{Registers: 4})
	if err != nil {
		t.Fatal(err)
	}
	// v0 crosses four edges, v1 three; only one register is left for
	// globals, so v0 lives in memory.
	if _, ok := rep.Homes[0]; !ok {
		t.Fatalf("expected v0 to get a memory home, got homes=%v pinned=%v", rep.Homes, rep.Pinned)
	}
	if rep.Pinned[1] != 3 {
		t.Errorf("expected v1 pinned to r3, got %v", rep.Pinned)
	}
	if rep.Loads == 0 || rep.Stores == 0 {
		t.Errorf("expected reloads and stores for v0, got loads=%d stores=%d", rep.Loads, rep.Stores)
	}
	assertNoVRegs(t, f)
	assertDisjoint(t, rep)
}

func TestAllocateConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{"too few registers", Config{Registers: 2}, ErrTooFewRegisters},
		{"spill capacity", Config{Registers: 3, MaxSpillSlots: 1}, ErrSpillCapacity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := AllocateFunction(countTo(), tt.cfg)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("expected *ConfigError, got %T", err)
			}
			if ce.Func != "count" {
				t.Errorf("Func: expected count, got %q", ce.Func)
			}
		})
	}
}

func TestAllocateTwice(t *testing.T) {
	f := sumOf(3)
	if _, err := AllocateFunction(f, Config{Registers: 8}); err != nil {
		t.Fatal(err)
	}
	if _, err := AllocateFunction(f, Config{Registers: 8}); !errors.Is(err, ErrAlreadyAllocated) {
		t.Fatalf("expected ErrAlreadyAllocated, got %v", err)
	}
}

func TestAllocateModule(t *testing.T) {
	m := codegen.NewModule()
	m.AddFunction(sumOf(9))
	m.AddFunction(countTo())
	rep, err := Allocate(m, Config{Registers: 8, MaxSpillSlots: 16})
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Functions) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(rep.Functions))
	}
	if rep.Func("sum") == nil || rep.Func("count") == nil || rep.Func("missing") != nil {
		t.Error("Func lookup mismatch")
	}
}
