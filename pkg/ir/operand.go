package ir

import "fmt"

// Kind tags the active variant of an Operand.
type Kind uint8

const (
	KindNone Kind = iota
	KindImm
	KindVReg
	KindReg
	KindMem
	KindLabel
	KindSym
)

// Base selects what a memory operand's offset is relative to.
type Base uint8

const (
	// BaseData addresses the writable global data segment.
	BaseData Base = iota
	// BaseRodata addresses the read-only string segment.
	BaseRodata
	// BaseFrame addresses the current call frame (escaped locals, spill slots).
	BaseFrame
	// BaseVReg addresses through a virtual register holding a pointer.
	BaseVReg
	// BaseReg addresses through a physical register holding a pointer.
	BaseReg
)

var baseNames = [...]string{
	BaseData:   "data",
	BaseRodata: "rodata",
	BaseFrame:  "fp",
}

// Operand is a tagged variant. Only the fields for Kind are meaningful:
//
//	KindImm    Imm
//	KindVReg   Reg (virtual id)
//	KindReg    Reg (physical index)
//	KindMem    Base, Offset, and Reg when Base is BaseVReg or BaseReg
//	KindLabel  Label (block id)
//	KindSym    Sym
type Operand struct {
	Kind   Kind
	Imm    int32
	Reg    int
	Base   Base
	Offset int32
	Label  int
	Sym    string
}

func Imm(v int32) Operand     { return Operand{Kind: KindImm, Imm: v} }
func VReg(id int) Operand     { return Operand{Kind: KindVReg, Reg: id} }
func Reg(idx int) Operand     { return Operand{Kind: KindReg, Reg: idx} }
func Label(id int) Operand    { return Operand{Kind: KindLabel, Label: id} }
func Sym(name string) Operand { return Operand{Kind: KindSym, Sym: name} }

// Data addresses offset bytes into the global data segment.
func Data(offset int32) Operand { return Operand{Kind: KindMem, Base: BaseData, Offset: offset} }

// Rodata addresses offset bytes into the string segment.
func Rodata(offset int32) Operand { return Operand{Kind: KindMem, Base: BaseRodata, Offset: offset} }

// Frame addresses offset bytes above the frame pointer.
func Frame(offset int32) Operand { return Operand{Kind: KindMem, Base: BaseFrame, Offset: offset} }

// Indirect addresses offset bytes past the pointer held in virtual register id.
func Indirect(id int, offset int32) Operand {
	return Operand{Kind: KindMem, Base: BaseVReg, Reg: id, Offset: offset}
}

// IsValue reports whether the operand can be read as a word.
func (o Operand) IsValue() bool {
	return o.Kind == KindImm || o.Kind == KindVReg || o.Kind == KindReg
}

func (o Operand) String() string {
	switch o.Kind {
	case KindNone:
		return "_"
	case KindImm:
		return fmt.Sprintf("#%d", o.Imm)
	case KindVReg:
		return fmt.Sprintf("v%d", o.Reg)
	case KindReg:
		return fmt.Sprintf("r%d", o.Reg)
	case KindMem:
		var base string
		switch o.Base {
		case BaseVReg:
			base = fmt.Sprintf("v%d", o.Reg)
		case BaseReg:
			base = fmt.Sprintf("r%d", o.Reg)
		default:
			base = baseNames[o.Base]
		}
		if o.Offset < 0 {
			return fmt.Sprintf("[%s%d]", base, o.Offset)
		}
		return fmt.Sprintf("[%s+%d]", base, o.Offset)
	case KindLabel:
		return fmt.Sprintf("L%d", o.Label)
	case KindSym:
		return "@" + o.Sym
	}
	return fmt.Sprintf("?%d", o.Kind)
}
