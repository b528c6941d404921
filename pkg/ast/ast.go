package ast

import (
	"fmt"
	"strings"
)

// Type is the static type the front end attached to a declaration.
type Type int

const (
	Void Type = iota
	Int
	Bool
	String
	Pointer
)

func (t Type) String() string {
	switch t {
	case Void:
		return "void"
	case Int:
		return "int"
	case Bool:
		return "bool"
	case String:
		return "string"
	case Pointer:
		return "ptr"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Op is a unary or binary operator.
type Op int

const (
	OpAdd Op = iota
	OpSub
	OpMul
	OpDiv
	OpMod
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpLogicalAnd
	OpLogicalOr
	OpPow
	OpNeg
	OpNot
)

var opSymbols = [...]string{
	OpAdd:        "+",
	OpSub:        "-",
	OpMul:        "*",
	OpDiv:        "/",
	OpMod:        "%",
	OpAnd:        "&",
	OpOr:         "|",
	OpXor:        "^",
	OpShl:        "<<",
	OpShr:        ">>",
	OpEq:         "==",
	OpNe:         "!=",
	OpLt:         "<",
	OpLe:         "<=",
	OpGt:         ">",
	OpGe:         ">=",
	OpLogicalAnd: "&&",
	OpLogicalOr:  "||",
	OpPow:        "**",
	OpNeg:        "neg",
	OpNot:        "!",
}

func (o Op) String() string {
	if int(o) >= 0 && int(o) < len(opSymbols) {
		return opSymbols[o]
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// IsComparison reports whether the operator yields a boolean.
func (o Op) IsComparison() bool {
	switch o {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe, OpLogicalAnd, OpLogicalOr, OpNot:
		return true
	}
	return false
}

//  Expression nodes

// Expr is implemented by every node that produces a value.
type Expr interface {
	exprNode()
	String() string
}

// NumberLit is a compile-time integer constant.
type NumberLit struct {
	Value int32
}

func (*NumberLit) exprNode()        {}
func (n *NumberLit) String() string { return fmt.Sprintf("%d", n.Value) }

// BoolLit is true or false.
type BoolLit struct {
	Value bool
}

func (*BoolLit) exprNode()        {}
func (b *BoolLit) String() string { return fmt.Sprintf("%t", b.Value) }

// StringLit is a string constant. Only print accepts one.
type StringLit struct {
	Value string
}

func (*StringLit) exprNode()        {}
func (s *StringLit) String() string { return fmt.Sprintf("%q", s.Value) }

// Ident is a read of a named variable.
//
//	return x;
//	       ^  Ident{Name: "x"}
type Ident struct {
	Name string
}

func (*Ident) exprNode()        {}
func (i *Ident) String() string { return i.Name }

// Binary represents Left Op Right.
//
//	x + 1
//	^ ^ ^
//	| | Right
//	| Op
//	Left
type Binary struct {
	Op    Op
	Left  Expr
	Right Expr
}

func (*Binary) exprNode() {}
func (b *Binary) String() string {
	return fmt.Sprintf("(%s %s %s)", b.Left, b.Op, b.Right)
}

// Unary represents Op X for negation and logical not.
type Unary struct {
	Op Op
	X  Expr
}

func (*Unary) exprNode()        {}
func (u *Unary) String() string { return fmt.Sprintf("(%s %s)", u.Op, u.X) }

// Call represents name(args).
type Call struct {
	Name string
	Args []Expr
}

func (*Call) exprNode() {}
func (c *Call) String() string {
	return fmt.Sprintf("Call(%s, args=%v)", c.Name, c.Args)
}

// AddrOf takes the address of a variable. The variable is forced into memory.
type AddrOf struct {
	Name string
}

func (*AddrOf) exprNode()        {}
func (a *AddrOf) String() string { return "&" + a.Name }

// Deref reads the word X points at.
type Deref struct {
	X Expr
}

func (*Deref) exprNode()        {}
func (d *Deref) String() string { return fmt.Sprintf("(*%s)", d.X) }

// FileSize yields the size in bytes of a mounted disk file.
type FileSize struct {
	File string
}

func (*FileSize) exprNode()        {}
func (f *FileSize) String() string { return fmt.Sprintf("size(%q)", f.File) }

//  Statement nodes

// Stmt is implemented by every node that does not produce a value.
type Stmt interface {
	stmtNode()
	String() string
}

// VarDecl represents  int name = expr;
type VarDecl struct {
	Name string
	Type Type
	Init Expr
}

func (*VarDecl) stmtNode() {}
func (d *VarDecl) String() string {
	if d.Init == nil {
		return fmt.Sprintf("VarDecl(%s %s)", d.Type, d.Name)
	}
	return fmt.Sprintf("VarDecl(%s %s = %s)", d.Type, d.Name, d.Init)
}

// AssignStmt represents name = value;
type AssignStmt struct {
	Name  string
	Value Expr
}

func (*AssignStmt) stmtNode()        {}
func (a *AssignStmt) String() string { return fmt.Sprintf("Assign(%s = %s)", a.Name, a.Value) }

// StoreStmt represents *addr = value;
type StoreStmt struct {
	Addr  Expr
	Value Expr
}

func (*StoreStmt) stmtNode()        {}
func (s *StoreStmt) String() string { return fmt.Sprintf("Store(*%s = %s)", s.Addr, s.Value) }

// ExprStmt evaluates X for its side effects.
type ExprStmt struct {
	X Expr
}

func (*ExprStmt) stmtNode()        {}
func (e *ExprStmt) String() string { return fmt.Sprintf("ExprStmt(%s)", e.X) }

// IfStmt represents if (Cond) Then else Else. Else may be nil.
type IfStmt struct {
	Cond Expr
	Then *BlockStmt
	Else *BlockStmt
}

func (*IfStmt) stmtNode() {}
func (s *IfStmt) String() string {
	if s.Else == nil {
		return fmt.Sprintf("If(%s) %s", s.Cond, s.Then)
	}
	return fmt.Sprintf("If(%s) %s Else %s", s.Cond, s.Then, s.Else)
}

// WhileStmt represents while (Cond) Body.
type WhileStmt struct {
	Cond Expr
	Body *BlockStmt
}

func (*WhileStmt) stmtNode()        {}
func (s *WhileStmt) String() string { return fmt.Sprintf("While(%s) %s", s.Cond, s.Body) }

type BreakStmt struct{}

func (*BreakStmt) stmtNode()      {}
func (*BreakStmt) String() string { return "Break" }

type ContinueStmt struct{}

func (*ContinueStmt) stmtNode()      {}
func (*ContinueStmt) String() string { return "Continue" }

// ReturnStmt represents return Value; Value is nil in void functions.
type ReturnStmt struct {
	Value Expr
}

func (*ReturnStmt) stmtNode() {}
func (r *ReturnStmt) String() string {
	if r.Value == nil {
		return "Return"
	}
	return fmt.Sprintf("Return(%s)", r.Value)
}

// PrintStmt writes Value followed by a newline to the machine console.
type PrintStmt struct {
	Value Expr
}

func (*PrintStmt) stmtNode()        {}
func (p *PrintStmt) String() string { return fmt.Sprintf("Print(%s)", p.Value) }

// ScanStmt reads one integer from the console into Name. When Status is set,
// it receives 1 on success and 0 on failure instead of the thread trapping.
type ScanStmt struct {
	Name   string
	Status string
}

func (*ScanStmt) stmtNode()        {}
func (s *ScanStmt) String() string { return fmt.Sprintf("Scan(%s)", s.Name) }

// ReadStmt reads the byte at Offset of a mounted file into Name.
// Status behaves as in ScanStmt.
type ReadStmt struct {
	File   string
	Offset Expr
	Name   string
	Status string
}

func (*ReadStmt) stmtNode() {}
func (r *ReadStmt) String() string {
	return fmt.Sprintf("Read(%s = %q[%s])", r.Name, r.File, r.Offset)
}

// SleepStmt suspends the thread for Ticks machine ticks.
type SleepStmt struct {
	Ticks Expr
}

func (*SleepStmt) stmtNode()        {}
func (s *SleepStmt) String() string { return fmt.Sprintf("Sleep(%s)", s.Ticks) }

// SyncStmt waits until every thread spawned by the current one has finished.
type SyncStmt struct{}

func (*SyncStmt) stmtNode()      {}
func (*SyncStmt) String() string { return "Sync" }

// SpawnStmt starts a new thread running Call. Name, if set, receives the
// new thread's id.
type SpawnStmt struct {
	Call *Call
	Name string
}

func (*SpawnStmt) stmtNode()        {}
func (s *SpawnStmt) String() string { return fmt.Sprintf("Spawn(%s)", s.Call) }

// YieldStmt gives up the rest of the current quantum.
type YieldStmt struct{}

func (*YieldStmt) stmtNode()      {}
func (*YieldStmt) String() string { return "Yield" }

// BlockStmt is a brace-delimited statement list.
type BlockStmt struct {
	Stmts []Stmt
}

func (*BlockStmt) stmtNode() {}
func (b *BlockStmt) String() string {
	parts := make([]string, len(b.Stmts))
	for i, s := range b.Stmts {
		parts[i] = s.String()
	}
	return "{" + strings.Join(parts, "; ") + "}"
}

//  Declarations

type Param struct {
	Name string
	Type Type
}

// FuncDecl is one function of the program.
type FuncDecl struct {
	Name   string
	Params []Param
	Result Type
	Body   *BlockStmt
}

func (f *FuncDecl) String() string {
	return fmt.Sprintf("FuncDecl(%s %s(%v) %s)", f.Result, f.Name, f.Params, f.Body)
}

// Program is a whole, already type checked translation unit.
type Program struct {
	Globals   []*VarDecl
	Functions []*FuncDecl
	// Entries name the functions that get a thread at load time.
	// Empty means "main".
	Entries []string
}

// EntryPoints returns the declared entry points, defaulting to main.
func (p *Program) EntryPoints() []string {
	if len(p.Entries) == 0 {
		return []string{"main"}
	}
	return p.Entries
}

// Func looks up a function by name.
func (p *Program) Func(name string) (*FuncDecl, bool) {
	for _, f := range p.Functions {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}
