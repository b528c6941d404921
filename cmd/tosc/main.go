// Command tosc compiles a JSON syntax tree and prints every backend stage:
// the control-flow graphs, the selected code, liveness, the allocation
// report and the final allocated assembly.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/faouellet/Tostitos/pkg/asm"
	"github.com/faouellet/Tostitos/pkg/ast"
	"github.com/faouellet/Tostitos/pkg/codegen"
	"github.com/faouellet/Tostitos/pkg/machine"
	"github.com/faouellet/Tostitos/pkg/regalloc"
)

func main() {
	regs := flag.Int("regs", machine.DefaultConfig().Registers, "physical registers")
	slots := flag.Int("spill-slots", machine.DefaultConfig().MaxSpillSlots, "spill slots per function, 0 for unlimited")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: tosc [flags] program.json")
		os.Exit(2)
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read error:", err)
		os.Exit(1)
	}
	prog, err := ast.Decode(f)
	f.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "decode error:", err)
		os.Exit(1)
	}
	fmt.Printf("Program: %d globals, %d functions, entries %v\n\n", len(prog.Globals), len(prog.Functions), prog.Entries)

	mod, err := codegen.Compile(prog)
	if err != nil {
		fmt.Fprintln(os.Stderr, "codegen error:", err)
		os.Exit(1)
	}
	for _, d := range mod.Diagnostics {
		fmt.Println("warning:", d)
	}

	fmt.Println("Control flow")
	for _, fn := range mod.Functions {
		fmt.Print(fn.Graph)
	}
	fmt.Println()

	fmt.Println("Selected code")
	for _, fn := range mod.Functions {
		fmt.Print(asm.FormatFunction(fn))
	}
	fmt.Println()

	fmt.Println("Liveness")
	for _, fn := range mod.Functions {
		live := regalloc.ComputeLiveness(fn)
		fmt.Printf("  %s\n", fn.Name)
		for _, id := range fn.Graph.Order() {
			fmt.Printf("    B%d in=%v out=%v\n", id, live.LiveInOf(id), live.LiveOutOf(id))
		}
	}
	fmt.Println()

	rep, err := regalloc.Allocate(mod, regalloc.Config{Registers: *regs, MaxSpillSlots: *slots})
	if err != nil {
		fmt.Fprintln(os.Stderr, "allocation error:", err)
		os.Exit(1)
	}
	fmt.Println("Allocation")
	for _, fr := range rep.Functions {
		printReport(fr)
	}
	fmt.Println()

	fmt.Println("Allocated assembly")
	fmt.Print(asm.Format(mod))
}

func printReport(fr *regalloc.FuncReport) {
	fmt.Printf("  %s: %d spill slots, %d loads, %d stores, registers %v\n", fr.Func, fr.SpillSlots, fr.Loads, fr.Stores, fr.Registers)
	for _, v := range sortedKeys(fr.Pinned) {
		fmt.Printf("    v%d -> r%d\n", v, fr.Pinned[v])
	}
	for _, v := range sortedKeys(fr.Homes) {
		fmt.Printf("    v%d -> [fp%+d]\n", v, fr.Homes[v])
	}
	for _, v := range sortedKeys(fr.Spilled) {
		fmt.Printf("    v%d spilled to [fp%+d]\n", v, fr.Spilled[v])
	}
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
