package codegen

import (
	"errors"
	"fmt"

	"github.com/faouellet/Tostitos/pkg/ast"
	"github.com/faouellet/Tostitos/pkg/cfg"
	"github.com/faouellet/Tostitos/pkg/ir"
)

var (
	ErrUnsupportedOp    = errors.New("operation has no virtual instruction")
	ErrUnknownFunction  = errors.New("unknown function")
	ErrUnknownVariable  = errors.New("unknown variable")
	ErrArity            = errors.New("wrong number of arguments")
	ErrVoidValue        = errors.New("void call used as a value")
	ErrStringValue      = errors.New("string used as a value")
	ErrNonConstantInit  = errors.New("global initializer is not constant")
	ErrUnsupportedBlock = errors.New("block has no terminator")
	ErrRedeclared       = errors.New("variable declared twice in one function")
)

// SelectError reports a source construct that could not be lowered.
type SelectError struct {
	Func string
	Node string
	Err  error
}

func (e *SelectError) Error() string {
	return fmt.Sprintf("select: %s: %s: %v", e.Func, e.Node, e.Err)
}

func (e *SelectError) Unwrap() error { return e.Err }

var binaryOps = map[ast.Op]ir.Opcode{
	ast.OpAdd: ir.ADD, ast.OpSub: ir.SUB, ast.OpMul: ir.MUL, ast.OpDiv: ir.DIV, ast.OpMod: ir.MOD,
	ast.OpAnd: ir.AND, ast.OpOr: ir.OR, ast.OpXor: ir.XOR, ast.OpShl: ir.SHL, ast.OpShr: ir.SHR,
	ast.OpEq: ir.CMPEQ, ast.OpNe: ir.CMPNE, ast.OpLt: ir.CMPLT, ast.OpLe: ir.CMPLE, ast.OpGt: ir.CMPGT, ast.OpGe: ir.CMPGE,
}

// swapped gives the opcode to use when an immediate left operand is moved to
// the right. Missing entries cannot be swapped.
var swapped = map[ir.Opcode]ir.Opcode{
	ir.ADD: ir.ADD, ir.MUL: ir.MUL, ir.AND: ir.AND, ir.OR: ir.OR, ir.XOR: ir.XOR,
	ir.CMPEQ: ir.CMPEQ, ir.CMPNE: ir.CMPNE,
	ir.CMPLT: ir.CMPGT, ir.CMPGT: ir.CMPLT, ir.CMPLE: ir.CMPGE, ir.CMPGE: ir.CMPLE,
}

// selector lowers the blocks of one function.
type selector struct {
	fn   *ast.FuncDecl
	g    *cfg.Graph
	mod  *Module
	syms *SymbolTable
	sigs map[string]*ast.FuncDecl
	blk  *cfg.BasicBlock
}

// Select lowers every block of g into virtual-register instructions and
// returns the laid out function. sigs resolves callees.
func Select(fn *ast.FuncDecl, g *cfg.Graph, mod *Module, syms *SymbolTable, sigs map[string]*ast.FuncDecl) (*Function, error) {
	s := &selector{fn: fn, g: g, mod: mod, syms: syms, sigs: sigs}
	syms.EnterFunction()
	defer syms.ExitFunction()

	escaped := escapedLocals(fn)
	params := make([]Symbol, len(fn.Params))
	for i, p := range fn.Params {
		if syms.IsLocal(p.Name) {
			return nil, &SelectError{Func: fn.Name, Node: "param " + p.Name, Err: ErrRedeclared}
		}
		params[i] = syms.DefineLocal(p.Name, p.Type, escaped[p.Name])
	}
	// Locals share one scope per function, so a nested declaration may not
	// reuse a name.
	for _, d := range localDecls(fn.Body) {
		if syms.IsLocal(d.Name) {
			return nil, &SelectError{Func: fn.Name, Node: "var " + d.Name, Err: ErrRedeclared}
		}
		syms.DefineLocal(d.Name, d.Type, escaped[d.Name])
	}

	err := g.Walk(cfg.VisitorFunc(func(b *cfg.BasicBlock) error {
		s.blk = b
		b.Insts = nil
		if b.Entry {
			s.prologue(params)
		}
		for _, st := range b.Stmts {
			if err := s.stmt(st); err != nil {
				return err
			}
		}
		return s.terminator()
	}))
	if err != nil {
		return nil, err
	}

	f := &Function{
		Name:      fn.Name,
		NumParams: len(fn.Params),
		Void:      fn.Result == ast.Void,
		Graph:     g,
		Entry:     g.Entry,
		Exit:      g.Exit,
		FrameSize: syms.FrameSize(),
		NumVRegs:  syms.NumVRegs(),
	}
	f.Layout()
	return f, nil
}

func (s *selector) fail(node fmt.Stringer, err error) error {
	name := "<nil>"
	if node != nil {
		name = node.String()
	}
	return &SelectError{Func: s.fn.Name, Node: name, Err: err}
}

func (s *selector) emit(in ir.Instruction) {
	s.blk.Insts = append(s.blk.Insts, in)
}

func (s *selector) temp() ir.Operand { return ir.VReg(s.syms.NewTemp()) }

// prologue copies incoming arguments into their homes.
func (s *selector) prologue(params []Symbol) {
	for i, sym := range params {
		switch sym.Kind {
		case StorageReg:
			s.emit(ir.New(ir.PARAM, ir.VReg(sym.VReg), ir.Imm(int32(i))))
		case StorageFrame:
			t := s.temp()
			s.emit(ir.New(ir.PARAM, t, ir.Imm(int32(i))))
			s.emit(ir.NewVoid(ir.STORE, ir.Frame(sym.Offset), t))
		}
	}
}

func (s *selector) terminator() error {
	b := s.blk
	switch b.Term {
	case cfg.TermJump:
		s.emit(ir.NewVoid(ir.JMP, ir.Label(int(b.Succs[0]))))
	case cfg.TermBranch:
		c, err := s.expr(b.Cond)
		if err != nil {
			return err
		}
		s.emit(ir.NewVoid(ir.BR, c, ir.Label(int(b.Succs[0])), ir.Label(int(b.Succs[1]))))
	case cfg.TermReturn:
		if b.Ret.Value == nil {
			s.emit(ir.NewVoid(ir.RET))
			return nil
		}
		v, err := s.expr(b.Ret.Value)
		if err != nil {
			return err
		}
		s.emit(ir.NewVoid(ir.RET, v))
	case cfg.TermExit:
		s.emit(ir.NewVoid(ir.RET))
	default:
		return &SelectError{Func: s.fn.Name, Node: fmt.Sprintf("block %d", b.ID), Err: ErrUnsupportedBlock}
	}
	return nil
}

func (s *selector) stmt(st ast.Stmt) error {
	switch n := st.(type) {
	case *ast.VarDecl:
		if n.Init == nil {
			return s.assign(n, n.Name, ir.Imm(0))
		}
		v, err := s.expr(n.Init)
		if err != nil {
			return err
		}
		return s.assign(n, n.Name, v)

	case *ast.AssignStmt:
		v, err := s.expr(n.Value)
		if err != nil {
			return err
		}
		return s.assign(n, n.Name, v)

	case *ast.StoreStmt:
		addr, err := s.exprReg(n.Addr)
		if err != nil {
			return err
		}
		v, err := s.expr(n.Value)
		if err != nil {
			return err
		}
		s.emit(ir.NewVoid(ir.STORE, ir.Indirect(addr.Reg, 0), v))
		return nil

	case *ast.ExprStmt:
		if c, ok := n.X.(*ast.Call); ok {
			_, err := s.call(c, false)
			return err
		}
		_, err := s.expr(n.X)
		return err

	case *ast.PrintStmt:
		if str, ok := n.Value.(*ast.StringLit); ok {
			off := s.mod.InternString(str.Value)
			s.emit(ir.NewVoid(ir.PRINTS, ir.Rodata(off)))
			return nil
		}
		v, err := s.expr(n.Value)
		if err != nil {
			return err
		}
		format := int32(0)
		if s.typeOf(n.Value) == ast.Bool {
			format = 1
		}
		s.emit(ir.NewVoid(ir.PRINT, v, ir.Imm(format)))
		return nil

	case *ast.ScanStmt:
		t := s.temp()
		s.emit(ir.New(ir.SCAN, t, checked(n.Status)))
		if err := s.assign(n, n.Name, t); err != nil {
			return err
		}
		return s.status(n, n.Status)

	case *ast.ReadStmt:
		off, err := s.expr(n.Offset)
		if err != nil {
			return err
		}
		t := s.temp()
		s.emit(ir.New(ir.DREAD, t, ir.Sym(n.File), off, checked(n.Status)))
		if err := s.assign(n, n.Name, t); err != nil {
			return err
		}
		return s.status(n, n.Status)

	case *ast.SleepStmt:
		v, err := s.expr(n.Ticks)
		if err != nil {
			return err
		}
		s.emit(ir.NewVoid(ir.SLEEP, v))
		return nil

	case *ast.SyncStmt:
		s.emit(ir.NewVoid(ir.SYNC))
		return nil

	case *ast.YieldStmt:
		s.emit(ir.NewVoid(ir.YIELD))
		return nil

	case *ast.SpawnStmt:
		args, err := s.args(n.Call)
		if err != nil {
			return err
		}
		ops := append([]ir.Operand{ir.Sym(n.Call.Name)}, args...)
		if n.Name == "" {
			s.emit(ir.NewVoid(ir.SPAWN, ops...))
			return nil
		}
		t := s.temp()
		s.emit(ir.New(ir.SPAWN, t, ops...))
		return s.assign(n, n.Name, t)
	}
	return s.fail(st, ErrUnsupportedOp)
}

func checked(status string) ir.Operand {
	if status != "" {
		return ir.Imm(1)
	}
	return ir.Imm(0)
}

// status stores the outcome of the preceding I/O instruction into name.
func (s *selector) status(node fmt.Stringer, name string) error {
	if name == "" {
		return nil
	}
	t := s.temp()
	s.emit(ir.New(ir.IOSTAT, t))
	return s.assign(node, name, t)
}

// assign writes v into the home of name.
func (s *selector) assign(node fmt.Stringer, name string, v ir.Operand) error {
	sym, ok := s.syms.Lookup(name)
	if !ok {
		return s.fail(node, fmt.Errorf("%w %q", ErrUnknownVariable, name))
	}
	switch sym.Kind {
	case StorageReg:
		dst := ir.VReg(sym.VReg)
		switch {
		case v.Kind == ir.KindImm:
			s.emit(ir.New(ir.LOADI, dst, v))
		case v.Kind == ir.KindVReg && v.Reg == sym.VReg:
			// x = x
		case v.Kind == ir.KindVReg && !s.syms.IsVarReg(v.Reg) && s.retarget(v.Reg, sym.VReg):
			// the temporary was the last result; it now writes x directly
		default:
			s.emit(ir.New(ir.MOV, dst, v))
		}
	case StorageFrame:
		s.emit(ir.NewVoid(ir.STORE, ir.Frame(sym.Offset), v))
	case StorageGlobal:
		s.emit(ir.NewVoid(ir.STORE, ir.Data(sym.Offset), v))
	}
	return nil
}

// retarget rewrites the destination of the last instruction from temp to
// dst when that instruction produced temp.
func (s *selector) retarget(temp, dst int) bool {
	n := len(s.blk.Insts)
	if n == 0 {
		return false
	}
	last := &s.blk.Insts[n-1]
	if d, ok := last.Def(); !ok || d != temp {
		return false
	}
	last.Dst = ir.VReg(dst)
	return true
}

// exprReg is expr with constants materialised into a register.
func (s *selector) exprReg(e ast.Expr) (ir.Operand, error) {
	v, err := s.expr(e)
	if err != nil {
		return v, err
	}
	return s.toReg(v), nil
}

func (s *selector) toReg(v ir.Operand) ir.Operand {
	if v.Kind != ir.KindImm {
		return v
	}
	t := s.temp()
	s.emit(ir.New(ir.LOADI, t, v))
	return t
}

// expr lowers e and returns the operand holding its value: an immediate
// for compile-time constants, a virtual register otherwise.
func (s *selector) expr(e ast.Expr) (ir.Operand, error) {
	switch n := e.(type) {
	case *ast.NumberLit:
		return ir.Imm(n.Value), nil

	case *ast.BoolLit:
		if n.Value {
			return ir.Imm(1), nil
		}
		return ir.Imm(0), nil

	case *ast.StringLit:
		return ir.Operand{}, s.fail(n, ErrStringValue)

	case *ast.Ident:
		sym, ok := s.syms.Lookup(n.Name)
		if !ok {
			return ir.Operand{}, s.fail(n, ErrUnknownVariable)
		}
		switch sym.Kind {
		case StorageReg:
			return ir.VReg(sym.VReg), nil
		case StorageFrame:
			t := s.temp()
			s.emit(ir.New(ir.LOAD, t, ir.Frame(sym.Offset)))
			return t, nil
		default:
			t := s.temp()
			s.emit(ir.New(ir.LOAD, t, ir.Data(sym.Offset)))
			return t, nil
		}

	case *ast.AddrOf:
		sym, ok := s.syms.Lookup(n.Name)
		if !ok {
			return ir.Operand{}, s.fail(n, ErrUnknownVariable)
		}
		t := s.temp()
		switch sym.Kind {
		case StorageFrame:
			s.emit(ir.New(ir.LEA, t, ir.Frame(sym.Offset)))
		case StorageGlobal:
			s.emit(ir.New(ir.LEA, t, ir.Data(sym.Offset)))
		default:
			// escape analysis puts every address-taken local in the frame
			return ir.Operand{}, s.fail(n, ErrUnsupportedOp)
		}
		return t, nil

	case *ast.Deref:
		p, err := s.exprReg(n.X)
		if err != nil {
			return p, err
		}
		t := s.temp()
		s.emit(ir.New(ir.LOAD, t, ir.Indirect(p.Reg, 0)))
		return t, nil

	case *ast.FileSize:
		t := s.temp()
		s.emit(ir.New(ir.DSIZE, t, ir.Sym(n.File), ir.Imm(0)))
		return t, nil

	case *ast.Unary:
		return s.unary(n)

	case *ast.Binary:
		return s.binary(n)

	case *ast.Call:
		return s.call(n, true)
	}
	return ir.Operand{}, s.fail(e, ErrUnsupportedOp)
}

func (s *selector) unary(n *ast.Unary) (ir.Operand, error) {
	x, err := s.expr(n.X)
	if err != nil {
		return x, err
	}
	switch n.Op {
	case ast.OpNeg:
		if x.Kind == ir.KindImm {
			return ir.Imm(-x.Imm), nil
		}
		t := s.temp()
		s.emit(ir.New(ir.NEG, t, x))
		return t, nil
	case ast.OpNot:
		if x.Kind == ir.KindImm {
			return ir.Imm(boolWord(x.Imm == 0)), nil
		}
		t := s.temp()
		s.emit(ir.New(ir.CMPEQ, t, x, ir.Imm(0)))
		return t, nil
	}
	return ir.Operand{}, s.fail(n, ErrUnsupportedOp)
}

func (s *selector) binary(n *ast.Binary) (ir.Operand, error) {
	if n.Op == ast.OpLogicalAnd || n.Op == ast.OpLogicalOr {
		return s.logical(n)
	}
	op, ok := binaryOps[n.Op]
	if !ok {
		return ir.Operand{}, s.fail(n, fmt.Errorf("%w: %s", ErrUnsupportedOp, n.Op))
	}

	l, err := s.expr(n.Left)
	if err != nil {
		return l, err
	}
	r, err := s.expr(n.Right)
	if err != nil {
		return r, err
	}

	if l.Kind == ir.KindImm && r.Kind == ir.KindImm {
		if v, ok := Fold(op, l.Imm, r.Imm); ok {
			return ir.Imm(v), nil
		}
	}
	if l.Kind == ir.KindImm {
		if sw, ok := swapped[op]; ok {
			op, l, r = sw, r, l
		} else {
			l = s.toReg(l)
		}
	}

	t := s.temp()
	s.emit(ir.New(op, t, l, r))
	return t, nil
}

// logical lowers && and || over values normalised to 0 or 1. Both sides are
// evaluated; a basic block cannot branch in the middle.
func (s *selector) logical(n *ast.Binary) (ir.Operand, error) {
	norm := func(e ast.Expr) (ir.Operand, error) {
		v, err := s.expr(e)
		if err != nil {
			return v, err
		}
		if v.Kind == ir.KindImm {
			return ir.Imm(boolWord(v.Imm != 0)), nil
		}
		t := s.temp()
		s.emit(ir.New(ir.CMPNE, t, v, ir.Imm(0)))
		return t, nil
	}
	l, err := norm(n.Left)
	if err != nil {
		return l, err
	}
	r, err := norm(n.Right)
	if err != nil {
		return r, err
	}

	op := ir.AND
	if n.Op == ast.OpLogicalOr {
		op = ir.OR
	}
	if l.Kind == ir.KindImm && r.Kind == ir.KindImm {
		v, _ := Fold(op, l.Imm, r.Imm)
		return ir.Imm(v), nil
	}
	if l.Kind == ir.KindImm {
		l, r = r, l
	}
	t := s.temp()
	s.emit(ir.New(op, t, l, r))
	return t, nil
}

func (s *selector) args(c *ast.Call) ([]ir.Operand, error) {
	sig, ok := s.sigs[c.Name]
	if !ok {
		return nil, s.fail(c, ErrUnknownFunction)
	}
	if len(sig.Params) != len(c.Args) {
		return nil, s.fail(c, fmt.Errorf("%w: want %d, got %d", ErrArity, len(sig.Params), len(c.Args)))
	}
	out := make([]ir.Operand, 0, len(c.Args))
	for _, a := range c.Args {
		v, err := s.expr(a)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// call lowers a call. wantValue is false for calls in statement position.
func (s *selector) call(c *ast.Call, wantValue bool) (ir.Operand, error) {
	args, err := s.args(c)
	if err != nil {
		return ir.Operand{}, err
	}
	ops := append([]ir.Operand{ir.Sym(c.Name)}, args...)
	if s.sigs[c.Name].Result == ast.Void {
		if wantValue {
			return ir.Operand{}, s.fail(c, ErrVoidValue)
		}
		s.emit(ir.NewVoid(ir.CALL, ops...))
		return ir.Operand{}, nil
	}
	t := s.temp()
	s.emit(ir.New(ir.CALL, t, ops...))
	return t, nil
}

// typeOf is just precise enough to pick a print format.
func (s *selector) typeOf(e ast.Expr) ast.Type {
	switch n := e.(type) {
	case *ast.BoolLit:
		return ast.Bool
	case *ast.Binary:
		if n.Op.IsComparison() {
			return ast.Bool
		}
	case *ast.Unary:
		if n.Op == ast.OpNot {
			return ast.Bool
		}
	case *ast.Ident:
		if sym, ok := s.syms.Lookup(n.Name); ok {
			return sym.Type
		}
	case *ast.Call:
		if sig, ok := s.sigs[n.Name]; ok {
			return sig.Result
		}
	case *ast.StringLit:
		return ast.String
	}
	return ast.Int
}

func boolWord(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// Fold evaluates op on two constants the way the interpreter would. It
// refuses division by zero so the trap happens at run time.
func Fold(op ir.Opcode, a, b int32) (int32, bool) {
	switch op {
	case ir.ADD:
		return a + b, true
	case ir.SUB:
		return a - b, true
	case ir.MUL:
		return a * b, true
	case ir.DIV:
		if b == 0 {
			return 0, false
		}
		return a / b, true
	case ir.MOD:
		if b == 0 {
			return 0, false
		}
		return a % b, true
	case ir.AND:
		return a & b, true
	case ir.OR:
		return a | b, true
	case ir.XOR:
		return a ^ b, true
	case ir.SHL:
		return a << (uint32(b) & 31), true
	case ir.SHR:
		return a >> (uint32(b) & 31), true
	case ir.CMPEQ:
		return boolWord(a == b), true
	case ir.CMPNE:
		return boolWord(a != b), true
	case ir.CMPLT:
		return boolWord(a < b), true
	case ir.CMPLE:
		return boolWord(a <= b), true
	case ir.CMPGT:
		return boolWord(a > b), true
	case ir.CMPGE:
		return boolWord(a >= b), true
	}
	return 0, false
}
