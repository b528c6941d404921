package ast

// InspectExpr calls f for e and every sub-expression of e, depth first.
func InspectExpr(e Expr, f func(Expr)) {
	if e == nil {
		return
	}
	f(e)
	switch n := e.(type) {
	case *Binary:
		InspectExpr(n.Left, f)
		InspectExpr(n.Right, f)
	case *Unary:
		InspectExpr(n.X, f)
	case *Call:
		for _, a := range n.Args {
			InspectExpr(a, f)
		}
	case *Deref:
		InspectExpr(n.X, f)
	case *NumberLit, *BoolLit, *StringLit, *Ident, *AddrOf, *FileSize:
		// leaves
	}
}

// Inspect calls f for every expression reachable from s, including those
// nested in the bodies of compound statements.
func Inspect(s Stmt, f func(Expr)) {
	if s == nil {
		return
	}
	switch n := s.(type) {
	case *VarDecl:
		InspectExpr(n.Init, f)
	case *AssignStmt:
		InspectExpr(n.Value, f)
	case *StoreStmt:
		InspectExpr(n.Addr, f)
		InspectExpr(n.Value, f)
	case *ExprStmt:
		InspectExpr(n.X, f)
	case *IfStmt:
		InspectExpr(n.Cond, f)
		Inspect(n.Then, f)
		Inspect(n.Else, f)
	case *WhileStmt:
		InspectExpr(n.Cond, f)
		Inspect(n.Body, f)
	case *ReturnStmt:
		InspectExpr(n.Value, f)
	case *PrintStmt:
		InspectExpr(n.Value, f)
	case *ReadStmt:
		InspectExpr(n.Offset, f)
	case *SleepStmt:
		InspectExpr(n.Ticks, f)
	case *SpawnStmt:
		if n.Call != nil {
			InspectExpr(n.Call, f)
		}
	case *BlockStmt:
		if n == nil {
			return
		}
		for _, child := range n.Stmts {
			Inspect(child, f)
		}
	case *BreakStmt, *ContinueStmt, *ScanStmt, *SyncStmt, *YieldStmt:
		// no expressions
	}
}
