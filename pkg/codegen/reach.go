package codegen

import (
	"github.com/faouellet/Tostitos/pkg/ast"
)

// reachableFuncs returns the functions reachable from the entry points
// through calls and spawns, in declaration order, plus the names of the
// ones that were dropped.
func reachableFuncs(prog *ast.Program) (live []*ast.FuncDecl, dead []string) {
	funcs := make(map[string]*ast.FuncDecl)
	for _, f := range prog.Functions {
		funcs[f.Name] = f
	}

	reachable := make(map[string]bool)
	var worklist []string
	addReachable := func(name string) {
		if !reachable[name] {
			reachable[name] = true
			worklist = append(worklist, name)
		}
	}

	for _, e := range prog.EntryPoints() {
		addReachable(e)
	}

	for len(worklist) > 0 {
		curr := worklist[0]
		worklist = worklist[1:]

		fDecl, exists := funcs[curr]
		if !exists {
			// Undefined; selection of the caller reports it.
			continue
		}
		for call := range findCalls(fDecl.Body) {
			addReachable(call)
		}
	}

	for _, f := range prog.Functions {
		if reachable[f.Name] {
			live = append(live, f)
		} else {
			dead = append(dead, f.Name)
		}
	}
	return live, dead
}

// findCalls collects the names of every function called or spawned in s.
func findCalls(s ast.Stmt) map[string]bool {
	calls := make(map[string]bool)
	ast.Inspect(s, func(e ast.Expr) {
		if c, ok := e.(*ast.Call); ok {
			calls[c.Name] = true
		}
	})
	return calls
}

// escapedLocals returns the names whose address is taken in fn.
func escapedLocals(fn *ast.FuncDecl) map[string]bool {
	escaped := make(map[string]bool)
	ast.Inspect(fn.Body, func(e ast.Expr) {
		if a, ok := e.(*ast.AddrOf); ok {
			escaped[a.Name] = true
		}
	})
	return escaped
}

// localDecls lists every variable declared anywhere in body, in source order.
func localDecls(body *ast.BlockStmt) []*ast.VarDecl {
	var out []*ast.VarDecl
	var walk func(s ast.Stmt)
	walk = func(s ast.Stmt) {
		switch n := s.(type) {
		case *ast.VarDecl:
			out = append(out, n)
		case *ast.BlockStmt:
			if n == nil {
				return
			}
			for _, c := range n.Stmts {
				walk(c)
			}
		case *ast.IfStmt:
			walk(n.Then)
			walk(n.Else)
		case *ast.WhileStmt:
			walk(n.Body)
		}
	}
	walk(body)
	return out
}
