package ast

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrMalformedTree is returned when the JSON interchange form does not
// describe a valid tree.
var ErrMalformedTree = errors.New("malformed syntax tree")

// rawNode is the JSON envelope the front end emits for every node. Which
// fields are meaningful depends on Kind.
type rawNode struct {
	Kind   string          `json:"kind"`
	Name   string          `json:"name,omitempty"`
	Type   string          `json:"type,omitempty"`
	Op     string          `json:"op,omitempty"`
	File   string          `json:"file,omitempty"`
	Status string          `json:"status,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
	Init   *rawNode        `json:"init,omitempty"`
	Addr   *rawNode        `json:"addr,omitempty"`
	Cond   *rawNode        `json:"cond,omitempty"`
	Left   *rawNode        `json:"left,omitempty"`
	Right  *rawNode        `json:"right,omitempty"`
	X      *rawNode        `json:"x,omitempty"`
	Offset *rawNode        `json:"offset,omitempty"`
	Ticks  *rawNode        `json:"ticks,omitempty"`
	Call   *rawNode        `json:"call,omitempty"`
	Args   []*rawNode      `json:"args,omitempty"`
	Then   []*rawNode      `json:"then,omitempty"`
	Else   []*rawNode      `json:"else,omitempty"`
	Body   []*rawNode      `json:"body,omitempty"`
}

type rawParam struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type rawFunc struct {
	Name   string     `json:"name"`
	Params []rawParam `json:"params"`
	Result string     `json:"result"`
	Body   []*rawNode `json:"body"`
}

type rawProgram struct {
	Globals   []*rawNode `json:"globals"`
	Functions []rawFunc  `json:"functions"`
	Entries   []string   `json:"entries"`
}

// Decode reads a program in the JSON interchange form.
func Decode(r io.Reader) (*Program, error) {
	var raw rawProgram
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode program: %w", err)
	}

	prog := &Program{Entries: raw.Entries}
	for _, g := range raw.Globals {
		s, err := g.stmt()
		if err != nil {
			return nil, fmt.Errorf("global: %w", err)
		}
		decl, ok := s.(*VarDecl)
		if !ok {
			return nil, fmt.Errorf("%w: global %q is a %s", ErrMalformedTree, g.Name, g.Kind)
		}
		prog.Globals = append(prog.Globals, decl)
	}

	for _, f := range raw.Functions {
		fn := &FuncDecl{Name: f.Name}
		var err error
		if fn.Result, err = parseType(f.Result); err != nil {
			return nil, fmt.Errorf("function %s: %w", f.Name, err)
		}
		for _, p := range f.Params {
			t, err := parseType(p.Type)
			if err != nil {
				return nil, fmt.Errorf("function %s param %s: %w", f.Name, p.Name, err)
			}
			fn.Params = append(fn.Params, Param{Name: p.Name, Type: t})
		}
		if fn.Body, err = block(f.Body); err != nil {
			return nil, fmt.Errorf("function %s: %w", f.Name, err)
		}
		prog.Functions = append(prog.Functions, fn)
	}
	return prog, nil
}

func parseType(s string) (Type, error) {
	switch s {
	case "", "void":
		return Void, nil
	case "int":
		return Int, nil
	case "bool":
		return Bool, nil
	case "string":
		return String, nil
	case "ptr", "pointer":
		return Pointer, nil
	}
	return Void, fmt.Errorf("%w: unknown type %q", ErrMalformedTree, s)
}

var opNames = map[string]Op{
	"+": OpAdd, "-": OpSub, "*": OpMul, "/": OpDiv, "%": OpMod,
	"&": OpAnd, "|": OpOr, "^": OpXor, "<<": OpShl, ">>": OpShr,
	"==": OpEq, "!=": OpNe, "<": OpLt, "<=": OpLe, ">": OpGt, ">=": OpGe,
	"&&": OpLogicalAnd, "||": OpLogicalOr, "**": OpPow,
	"neg": OpNeg, "!": OpNot,
}

func block(nodes []*rawNode) (*BlockStmt, error) {
	b := &BlockStmt{}
	for _, n := range nodes {
		s, err := n.stmt()
		if err != nil {
			return nil, err
		}
		b.Stmts = append(b.Stmts, s)
	}
	return b, nil
}

// optBlock is block for an optional else arm.
func optBlock(nodes []*rawNode) (*BlockStmt, error) {
	if nodes == nil {
		return nil, nil
	}
	return block(nodes)
}

func (n *rawNode) stmt() (Stmt, error) {
	if n == nil {
		return nil, fmt.Errorf("%w: missing statement", ErrMalformedTree)
	}
	switch n.Kind {
	case "var":
		t, err := parseType(n.Type)
		if err != nil {
			return nil, err
		}
		var init Expr
		if n.Init != nil {
			if init, err = n.Init.expr(); err != nil {
				return nil, err
			}
		}
		return &VarDecl{Name: n.Name, Type: t, Init: init}, nil
	case "assign":
		v, err := n.valueExpr()
		if err != nil {
			return nil, err
		}
		return &AssignStmt{Name: n.Name, Value: v}, nil
	case "store":
		addr, err := n.Addr.expr()
		if err != nil {
			return nil, err
		}
		v, err := n.valueExpr()
		if err != nil {
			return nil, err
		}
		return &StoreStmt{Addr: addr, Value: v}, nil
	case "expr":
		x, err := n.X.expr()
		if err != nil {
			return nil, err
		}
		return &ExprStmt{X: x}, nil
	case "if":
		cond, err := n.Cond.expr()
		if err != nil {
			return nil, err
		}
		then, err := block(n.Then)
		if err != nil {
			return nil, err
		}
		els, err := optBlock(n.Else)
		if err != nil {
			return nil, err
		}
		return &IfStmt{Cond: cond, Then: then, Else: els}, nil
	case "while":
		cond, err := n.Cond.expr()
		if err != nil {
			return nil, err
		}
		body, err := block(n.Body)
		if err != nil {
			return nil, err
		}
		return &WhileStmt{Cond: cond, Body: body}, nil
	case "break":
		return &BreakStmt{}, nil
	case "continue":
		return &ContinueStmt{}, nil
	case "return":
		if len(n.Value) == 0 {
			return &ReturnStmt{}, nil
		}
		v, err := n.valueExpr()
		if err != nil {
			return nil, err
		}
		return &ReturnStmt{Value: v}, nil
	case "print":
		v, err := n.valueExpr()
		if err != nil {
			return nil, err
		}
		return &PrintStmt{Value: v}, nil
	case "scan":
		return &ScanStmt{Name: n.Name, Status: n.Status}, nil
	case "read":
		off, err := n.Offset.expr()
		if err != nil {
			return nil, err
		}
		return &ReadStmt{File: n.File, Offset: off, Name: n.Name, Status: n.Status}, nil
	case "sleep":
		ticks, err := n.Ticks.expr()
		if err != nil {
			return nil, err
		}
		return &SleepStmt{Ticks: ticks}, nil
	case "sync":
		return &SyncStmt{}, nil
	case "yield":
		return &YieldStmt{}, nil
	case "spawn":
		x, err := n.Call.expr()
		if err != nil {
			return nil, err
		}
		call, ok := x.(*Call)
		if !ok {
			return nil, fmt.Errorf("%w: spawn of %s", ErrMalformedTree, x)
		}
		return &SpawnStmt{Call: call, Name: n.Name}, nil
	case "block":
		return block(n.Body)
	}
	return nil, fmt.Errorf("%w: unknown statement kind %q", ErrMalformedTree, n.Kind)
}

// valueExpr decodes Value as a nested expression node.
func (n *rawNode) valueExpr() (Expr, error) {
	if len(n.Value) == 0 {
		return nil, fmt.Errorf("%w: %s without value", ErrMalformedTree, n.Kind)
	}
	var inner rawNode
	if err := json.Unmarshal(n.Value, &inner); err != nil {
		return nil, fmt.Errorf("%w: %s value: %v", ErrMalformedTree, n.Kind, err)
	}
	return inner.expr()
}

func (n *rawNode) expr() (Expr, error) {
	if n == nil {
		return nil, fmt.Errorf("%w: missing expression", ErrMalformedTree)
	}
	switch n.Kind {
	case "number":
		var v int32
		if err := json.Unmarshal(n.Value, &v); err != nil {
			return nil, fmt.Errorf("%w: number: %v", ErrMalformedTree, err)
		}
		return &NumberLit{Value: v}, nil
	case "bool":
		var v bool
		if err := json.Unmarshal(n.Value, &v); err != nil {
			return nil, fmt.Errorf("%w: bool: %v", ErrMalformedTree, err)
		}
		return &BoolLit{Value: v}, nil
	case "string":
		var v string
		if err := json.Unmarshal(n.Value, &v); err != nil {
			return nil, fmt.Errorf("%w: string: %v", ErrMalformedTree, err)
		}
		return &StringLit{Value: v}, nil
	case "ident":
		return &Ident{Name: n.Name}, nil
	case "binary":
		op, ok := opNames[n.Op]
		if !ok {
			return nil, fmt.Errorf("%w: unknown operator %q", ErrMalformedTree, n.Op)
		}
		l, err := n.Left.expr()
		if err != nil {
			return nil, err
		}
		r, err := n.Right.expr()
		if err != nil {
			return nil, err
		}
		return &Binary{Op: op, Left: l, Right: r}, nil
	case "unary":
		op, ok := opNames[n.Op]
		if !ok {
			return nil, fmt.Errorf("%w: unknown operator %q", ErrMalformedTree, n.Op)
		}
		if op == OpSub {
			op = OpNeg
		}
		x, err := n.X.expr()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: op, X: x}, nil
	case "call":
		c := &Call{Name: n.Name}
		for _, a := range n.Args {
			x, err := a.expr()
			if err != nil {
				return nil, err
			}
			c.Args = append(c.Args, x)
		}
		return c, nil
	case "addr":
		return &AddrOf{Name: n.Name}, nil
	case "deref":
		x, err := n.X.expr()
		if err != nil {
			return nil, err
		}
		return &Deref{X: x}, nil
	case "size":
		return &FileSize{File: n.File}, nil
	}
	return nil, fmt.Errorf("%w: unknown expression kind %q", ErrMalformedTree, n.Kind)
}
