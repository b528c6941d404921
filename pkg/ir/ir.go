// Package ir defines the virtual instruction set shared by the code
// generator, the register allocator and the interpreter.
package ir

import (
	"fmt"
	"strings"
)

type Opcode uint8

const (
	NOP Opcode = iota
	LOADI
	MOV
	ADD
	SUB
	MUL
	DIV
	MOD
	AND
	OR
	XOR
	SHL
	SHR
	NEG
	NOT
	CMPEQ
	CMPNE
	CMPLT
	CMPLE
	CMPGT
	CMPGE
	LOAD
	STORE
	LEA
	JMP
	BR
	PARAM
	CALL
	RET
	SPAWN
	SYNC
	SLEEP
	YIELD
	PRINT
	PRINTS
	SCAN
	DREAD
	DSIZE
	IOSTAT
	TRAP
	EXIT

	numOpcodes
)

var opcodeNames = [numOpcodes]string{
	NOP: "NOP", LOADI: "LOADI", MOV: "MOV",
	ADD: "ADD", SUB: "SUB", MUL: "MUL", DIV: "DIV", MOD: "MOD",
	AND: "AND", OR: "OR", XOR: "XOR", SHL: "SHL", SHR: "SHR",
	NEG: "NEG", NOT: "NOT",
	CMPEQ: "CMPEQ", CMPNE: "CMPNE", CMPLT: "CMPLT", CMPLE: "CMPLE", CMPGT: "CMPGT", CMPGE: "CMPGE",
	LOAD: "LOAD", STORE: "STORE", LEA: "LEA",
	JMP: "JMP", BR: "BR", PARAM: "PARAM", CALL: "CALL", RET: "RET",
	SPAWN: "SPAWN", SYNC: "SYNC", SLEEP: "SLEEP", YIELD: "YIELD",
	PRINT: "PRINT", PRINTS: "PRINTS", SCAN: "SCAN", DREAD: "DREAD", DSIZE: "DSIZE", IOSTAT: "IOSTAT",
	TRAP: "TRAP", EXIT: "EXIT",
}

func (o Opcode) String() string {
	if o < numOpcodes {
		return opcodeNames[o]
	}
	return fmt.Sprintf("OP_%02X", uint8(o))
}

// Valid reports whether o is part of the instruction set.
func (o Opcode) Valid() bool { return o < numOpcodes }

// ParseOpcode maps a mnemonic back to its opcode.
func ParseOpcode(s string) (Opcode, bool) {
	s = strings.ToUpper(s)
	for i, name := range opcodeNames {
		if name == s {
			return Opcode(i), true
		}
	}
	return 0, false
}

// IsTerminator reports whether o ends a basic block.
func (o Opcode) IsTerminator() bool {
	switch o {
	case JMP, BR, RET, EXIT:
		return true
	}
	return false
}

// TransfersControl reports whether o moves the pc anywhere but the next
// instruction. The interpreter only preempts a thread after one of these.
func (o Opcode) TransfersControl() bool {
	switch o {
	case JMP, BR, CALL, RET:
		return true
	}
	return false
}

// HasDst reports whether the first operand of o is always a destination.
// CALL and SPAWN take an optional one.
func (o Opcode) HasDst() bool {
	switch o {
	case LOADI, MOV, ADD, SUB, MUL, DIV, MOD, AND, OR, XOR, SHL, SHR, NEG, NOT,
		CMPEQ, CMPNE, CMPLT, CMPLE, CMPGT, CMPGE, LOAD, LEA, PARAM, SCAN, DREAD, DSIZE, IOSTAT:
		return true
	}
	return false
}

// Width is the size of a memory access.
type Width uint8

const (
	W32 Width = iota
	W8
)

// Bytes returns the access size in bytes.
func (w Width) Bytes() uint32 {
	if w == W8 {
		return 1
	}
	return 4
}

// Instruction is one virtual instruction. Dst is KindNone when the opcode
// produces no value.
type Instruction struct {
	Op    Opcode
	Dst   Operand
	Args  []Operand
	Width Width
}

// New builds an instruction with a destination.
func New(op Opcode, dst Operand, args ...Operand) Instruction {
	return Instruction{Op: op, Dst: dst, Args: args}
}

// NewVoid builds an instruction without a destination.
func NewVoid(op Opcode, args ...Operand) Instruction {
	return Instruction{Op: op, Args: args}
}

// Uses returns the virtual registers read by the instruction, in operand
// order. A register read twice is listed twice.
func (in *Instruction) Uses() []int {
	var out []int
	for _, a := range in.Args {
		switch {
		case a.Kind == KindVReg:
			out = append(out, a.Reg)
		case a.Kind == KindMem && a.Base == BaseVReg:
			out = append(out, a.Reg)
		}
	}
	return out
}

// Def returns the virtual register written by the instruction, if any.
func (in *Instruction) Def() (int, bool) {
	if in.Dst.Kind == KindVReg {
		return in.Dst.Reg, true
	}
	return 0, false
}

// Operands returns pointers to every operand, destination first, so passes
// can rewrite them in place.
func (in *Instruction) Operands() []*Operand {
	out := make([]*Operand, 0, len(in.Args)+1)
	if in.Dst.Kind != KindNone {
		out = append(out, &in.Dst)
	}
	for i := range in.Args {
		out = append(out, &in.Args[i])
	}
	return out
}

// Clone returns a deep copy.
func (in Instruction) Clone() Instruction {
	in.Args = append([]Operand(nil), in.Args...)
	return in
}

func (in Instruction) String() string {
	var sb strings.Builder
	sb.WriteString(in.Op.String())
	if in.Width == W8 {
		sb.WriteString(".B")
	}
	sep := " "
	if in.Dst.Kind != KindNone {
		sb.WriteString(sep)
		sb.WriteString(in.Dst.String())
		sep = ", "
	}
	for _, a := range in.Args {
		sb.WriteString(sep)
		sb.WriteString(a.String())
		sep = ", "
	}
	return sb.String()
}
