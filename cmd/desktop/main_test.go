package main

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/faouellet/Tostitos/pkg/ast"
	"github.com/faouellet/Tostitos/pkg/cpu"
	"github.com/faouellet/Tostitos/pkg/kernel"
	"github.com/faouellet/Tostitos/pkg/machine"
)

func TestLineQueue(t *testing.T) {
	q := &lineQueue{}
	if _, err := q.ReadLine(); !errors.Is(err, kernel.ErrWouldBlock) {
		t.Fatalf("empty queue: got %v, want ErrWouldBlock", err)
	}
	q.Push("a")
	q.Push("b")
	q.Close()
	for _, want := range []string{"a", "b"} {
		got, err := q.ReadLine()
		if err != nil || got != want {
			t.Fatalf("ReadLine = %q, %v; want %q", got, err, want)
		}
	}
	if _, err := q.ReadLine(); !errors.Is(err, io.EOF) {
		t.Fatalf("closed queue: got %v, want EOF", err)
	}
}

func TestTail(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want []string
	}{
		{"a\nb\nc\n", 2, []string{"b", "c"}},
		{"a\nb", 5, []string{"a", "b"}},
		{"", 3, []string{""}},
	}
	for _, tc := range tests {
		if got := tail(tc.in, tc.n); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("tail(%q, %d) = %q; want %q", tc.in, tc.n, got, tc.want)
		}
	}
}

func TestThreadLines(t *testing.T) {
	lines := threadLines([]machine.ThreadInfo{
		{ID: 1, Name: "main", State: kernel.Blocked, Block: cpu.BlockInput},
		{ID: 2, Name: "worker", State: kernel.Terminated},
	})
	if len(lines) != 3 {
		t.Fatalf("expected header and two rows, got %q", lines)
	}
	if !strings.Contains(lines[1], "input") {
		t.Errorf("blocked thread should show its reason: %q", lines[1])
	}
	if !strings.Contains(lines[2], "terminated") {
		t.Errorf("row 2 = %q", lines[2])
	}
}

func TestGameStepWaitsForInput(t *testing.T) {
	prog := &ast.Program{Functions: []*ast.FuncDecl{{
		Name:   "main",
		Result: ast.Void,
		Body: &ast.BlockStmt{Stmts: []ast.Stmt{
			&ast.VarDecl{Name: "x", Type: ast.Int},
			&ast.ScanStmt{Name: "x"},
			&ast.PrintStmt{Value: &ast.Binary{Op: ast.OpMul, Left: &ast.Ident{Name: "x"}, Right: &ast.NumberLit{Value: 2}}},
		}},
	}}}
	m, err := machine.New(machine.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	out := new(bytes.Buffer)
	in := &lineQueue{}
	m.Output = out
	m.SetInput(in)
	if _, err := m.BuildAndLoad(prog); err != nil {
		t.Fatal(err)
	}

	g := newGame(m, out, in, 100)
	g.step(100)
	if g.err != nil || m.Done() {
		t.Fatalf("machine should be waiting for input: err=%v done=%v", g.err, m.Done())
	}

	in.Push("5")
	g.step(100)
	if g.err != nil {
		t.Fatal(g.err)
	}
	if !m.Done() {
		t.Fatal("machine should have finished")
	}
	if out.String() != "10\n" {
		t.Errorf("output = %q; want %q", out.String(), "10\n")
	}
	if s := statusLine(m.Outcome(), true, false, nil); !strings.Contains(s, "completed") {
		t.Errorf("status = %q", s)
	}
}
