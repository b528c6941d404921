package cpu

import (
	"testing"

	"github.com/faouellet/Tostitos/pkg/ir"
)

// BenchmarkCPU_NOP measures raw dispatch overhead over a straight block of
// NOPs.
func BenchmarkCPU_NOP(b *testing.B) {
	const nopCount = 1000
	code := make([]ir.Instruction, 0, nopCount+1)
	for j := 0; j < nopCount; j++ {
		code = append(code, ir.NewVoid(ir.NOP))
	}
	code = append(code, ir.NewVoid(ir.RET))

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		g := newRig(b, fn("nops", 0, nil, code...))
		b.StartTimer()
		g.finish()
	}
}

// BenchmarkCPU_ALU_ADD measures ADD throughput.
func BenchmarkCPU_ALU_ADD(b *testing.B) {
	const addCount = 1000
	code := make([]ir.Instruction, 0, addCount+1)
	for j := 0; j < addCount; j++ {
		code = append(code, ir.New(ir.ADD, r(0), r(0), r(1)))
	}
	code = append(code, ir.NewVoid(ir.RET))

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		g := newRig(b, fn("adds", 0, nil, code...))
		b.StartTimer()
		g.finish()
	}
}

// BenchmarkCPU_Loop runs a counted loop so that every quantum ends at a
// branch.
func BenchmarkCPU_Loop(b *testing.B) {
	loop := fn("loop", 0, []int{0, 1, 4},
		ir.New(ir.LOADI, r(0), imm(0)),
		ir.New(ir.ADD, r(0), r(0), imm(1)),
		ir.New(ir.CMPLT, r(1), r(0), imm(10000)),
		ir.NewVoid(ir.BR, r(1), ir.Label(1), ir.Label(2)),
		ir.NewVoid(ir.RET),
	)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		g := newRig(b, loop)
		b.StartTimer()
		g.finish()
	}
}
