package cfg

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/faouellet/Tostitos/pkg/ast"
)

func num(v int32) ast.Expr { return &ast.NumberLit{Value: v} }

func ident(name string) ast.Expr { return &ast.Ident{Name: name} }

func lt(l, r ast.Expr) ast.Expr { return &ast.Binary{Op: ast.OpLt, Left: l, Right: r} }

func body(stmts ...ast.Stmt) *ast.BlockStmt { return &ast.BlockStmt{Stmts: stmts} }

func printStmt(e ast.Expr) ast.Stmt { return &ast.PrintStmt{Value: e} }

func ret(e ast.Expr) ast.Stmt { return &ast.ReturnStmt{Value: e} }

func fn(result ast.Type, stmts ...ast.Stmt) *ast.FuncDecl {
	return &ast.FuncDecl{Name: "f", Result: result, Body: body(stmts...)}
}

func mustBuild(t *testing.T, f *ast.FuncDecl) *Graph {
	t.Helper()
	g, err := Build(f)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return g
}

func succs(g *Graph, id BlockID) []BlockID { return g.Blocks[id].Succs }

func TestStraightLine(t *testing.T) {
	g := mustBuild(t, fn(ast.Void, printStmt(num(1)), printStmt(num(2))))
	if len(g.Blocks) != 2 {
		t.Fatalf("expected entry and exit only, got %d blocks", len(g.Blocks))
	}
	entry := g.Blocks[g.Entry]
	if !entry.Entry || len(entry.Stmts) != 2 || entry.Term != TermJump {
		t.Errorf("entry = %+v", entry)
	}
	if !reflect.DeepEqual(succs(g, g.Entry), []BlockID{g.Exit}) {
		t.Errorf("entry succs = %v", succs(g, g.Entry))
	}
	if exit := g.Blocks[g.Exit]; !exit.Exit || exit.Term != TermExit || len(exit.Succs) != 0 {
		t.Errorf("exit = %+v", exit)
	}
}

func TestIfWithoutElse(t *testing.T) {
	g := mustBuild(t, fn(ast.Void,
		&ast.IfStmt{Cond: lt(ident("x"), num(3)), Then: body(printStmt(num(1)))},
		printStmt(num(2)),
	))
	// entry 0, exit 1, then 2, join 3
	if len(g.Blocks) != 4 {
		t.Fatalf("got %d blocks:\n%s", len(g.Blocks), g)
	}
	if g.Blocks[0].Term != TermBranch || !reflect.DeepEqual(succs(g, 0), []BlockID{2, 3}) {
		t.Errorf("entry should branch to then and join: %v", succs(g, 0))
	}
	if !reflect.DeepEqual(succs(g, 2), []BlockID{3}) {
		t.Errorf("then succs = %v", succs(g, 2))
	}
	if !reflect.DeepEqual(g.Blocks[3].Preds, []BlockID{0, 2}) {
		t.Errorf("join preds = %v", g.Blocks[3].Preds)
	}
	if len(g.Blocks[3].Stmts) != 1 || !reflect.DeepEqual(succs(g, 3), []BlockID{g.Exit}) {
		t.Errorf("join = %+v", g.Blocks[3])
	}
}

func TestIfElseBothReturn(t *testing.T) {
	g := mustBuild(t, fn(ast.Int,
		&ast.IfStmt{Cond: lt(ident("x"), num(0)), Then: body(ret(num(-1))), Else: body(ret(num(1)))},
	))
	// No join block is created when every arm returns.
	if len(g.Blocks) != 4 {
		t.Fatalf("got %d blocks:\n%s", len(g.Blocks), g)
	}
	for _, id := range []BlockID{2, 3} {
		b := g.Blocks[id]
		if b.Term != TermReturn || b.Ret == nil || !reflect.DeepEqual(b.Succs, []BlockID{g.Exit}) {
			t.Errorf("block %d = %+v", id, b)
		}
	}
	if !reflect.DeepEqual(g.Blocks[g.Exit].Preds, []BlockID{2, 3}) {
		t.Errorf("exit preds = %v", g.Blocks[g.Exit].Preds)
	}
	if len(g.Diagnostics) != 0 {
		t.Errorf("unexpected diagnostics %v", g.Diagnostics)
	}
}

func TestWhileWithBreakAndContinue(t *testing.T) {
	g := mustBuild(t, fn(ast.Void,
		&ast.WhileStmt{Cond: lt(ident("i"), num(10)), Body: body(
			&ast.IfStmt{Cond: lt(ident("i"), num(5)), Then: body(&ast.ContinueStmt{})},
			&ast.BreakStmt{},
		)},
	))
	// entry 0, exit 1, header 2, body 3, after 4, then 5, join 6
	if g.Blocks[2].Term != TermBranch || !reflect.DeepEqual(succs(g, 2), []BlockID{3, 4}) {
		t.Fatalf("header succs = %v\n%s", succs(g, 2), g)
	}
	if !reflect.DeepEqual(succs(g, 5), []BlockID{2}) {
		t.Errorf("continue should jump to the header: %v", succs(g, 5))
	}
	if !reflect.DeepEqual(succs(g, 6), []BlockID{4}) {
		t.Errorf("break should jump past the loop: %v", succs(g, 6))
	}
	if !reflect.DeepEqual(g.Blocks[2].Preds, []BlockID{0, 5}) {
		t.Errorf("header preds = %v", g.Blocks[2].Preds)
	}
	if !reflect.DeepEqual(succs(g, 4), []BlockID{g.Exit}) {
		t.Errorf("after succs = %v", succs(g, 4))
	}
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name string
		fn   *ast.FuncDecl
		want error
	}{
		{"missing return", fn(ast.Int, &ast.IfStmt{Cond: ident("c"), Then: body(ret(num(1)))}), ErrMissingTerminator},
		{"empty int function", fn(ast.Int), ErrMissingTerminator},
		{"break outside loop", fn(ast.Void, &ast.BreakStmt{}), ErrInvalidBranchTarget},
		{"continue outside loop", fn(ast.Void, printStmt(num(1)), &ast.ContinueStmt{}), ErrInvalidBranchTarget},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Build(tc.fn)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			var be *BuildError
			if !errors.As(err, &be) || be.Func != "f" {
				t.Errorf("expected a BuildError for f, got %#v", err)
			}
		})
	}
}

func TestUnreachableCode(t *testing.T) {
	g := mustBuild(t, fn(ast.Void, ret(nil), printStmt(num(1))))
	dead := g.Blocks[2]
	if !dead.Unreachable || len(dead.Stmts) != 1 {
		t.Fatalf("block after return = %+v", dead)
	}
	if len(g.Diagnostics) != 1 || !strings.Contains(g.Diagnostics[0], "unreachable") {
		t.Errorf("diagnostics = %v", g.Diagnostics)
	}
	order := g.Order()
	if !reflect.DeepEqual(order, []BlockID{0, 2, 1}) {
		t.Errorf("order = %v, want entry, dead block, exit", order)
	}
	if rpo := g.ReversePostOrder(); !reflect.DeepEqual(rpo, []BlockID{0, 1}) {
		t.Errorf("rpo = %v", rpo)
	}
}

func TestWalkFollowsOrder(t *testing.T) {
	g := mustBuild(t, fn(ast.Void, &ast.WhileStmt{Cond: lt(ident("i"), num(3)), Body: body(printStmt(num(1)))}))
	var seen []BlockID
	err := g.Walk(VisitorFunc(func(b *BasicBlock) error {
		seen = append(seen, b.ID)
		return nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(seen, g.Order()) {
		t.Errorf("walk %v, order %v", seen, g.Order())
	}
	if seen[0] != g.Entry || seen[len(seen)-1] != g.Exit {
		t.Errorf("walk should start at the entry and end at the exit: %v", seen)
	}

	stop := errors.New("stop")
	calls := 0
	err = g.Walk(VisitorFunc(func(*BasicBlock) error { calls++; return stop }))
	if !errors.Is(err, stop) || calls != 1 {
		t.Errorf("walk should stop at the first error: %v after %d calls", err, calls)
	}
}
