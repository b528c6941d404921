package codegen

import (
	"errors"
	"fmt"

	"github.com/faouellet/Tostitos/pkg/ast"
	"github.com/faouellet/Tostitos/pkg/cfg"
)

// Compile builds the graph of every function reachable from the program's
// entry points and selects its instructions. A function that fails is left
// out of the module; all failures are joined into the returned error, so a
// non-nil module may come back together with an error.
func Compile(prog *ast.Program) (*Module, error) {
	mod := NewModule()
	syms := NewSymbolTable()
	var errs []error

	for _, g := range prog.Globals {
		v, err := constValue(g.Init)
		if err != nil {
			errs = append(errs, &SelectError{Func: "<global>", Node: g.String(), Err: err})
			continue
		}
		glob := mod.DefineGlobal(g.Name, v)
		syms.DefineGlobal(g.Name, g.Type, glob.Offset)
	}

	sigs := make(map[string]*ast.FuncDecl, len(prog.Functions))
	for _, f := range prog.Functions {
		sigs[f.Name] = f
	}
	for _, e := range prog.EntryPoints() {
		if _, ok := sigs[e]; !ok {
			errs = append(errs, fmt.Errorf("entry point %q: %w", e, ErrUnknownFunction))
		}
	}
	mod.Entries = append(mod.Entries, prog.EntryPoints()...)

	live, dead := reachableFuncs(prog)
	for _, name := range dead {
		mod.Diagnostics = append(mod.Diagnostics, fmt.Sprintf("%s: function is never called", name))
	}

	for _, fn := range live {
		g, err := cfg.Build(fn)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		mod.Diagnostics = append(mod.Diagnostics, g.Diagnostics...)

		f, err := Select(fn, g, mod, syms, sigs)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		mod.AddFunction(f)
	}

	return mod, errors.Join(errs...)
}

// constValue folds a global initializer.
func constValue(e ast.Expr) (int32, error) {
	switch n := e.(type) {
	case nil:
		return 0, nil
	case *ast.NumberLit:
		return n.Value, nil
	case *ast.BoolLit:
		return boolWord(n.Value), nil
	case *ast.Unary:
		v, err := constValue(n.X)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case ast.OpNeg:
			return -v, nil
		case ast.OpNot:
			return boolWord(v == 0), nil
		}
	case *ast.Binary:
		l, err := constValue(n.Left)
		if err != nil {
			return 0, err
		}
		r, err := constValue(n.Right)
		if err != nil {
			return 0, err
		}
		if op, ok := binaryOps[n.Op]; ok {
			if v, ok := Fold(op, l, r); ok {
				return v, nil
			}
		}
	}
	return 0, ErrNonConstantInit
}
