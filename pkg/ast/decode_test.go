package ast

import (
	"errors"
	"strings"
	"testing"
)

const loopProgram = `{
  "globals": [{"kind": "var", "name": "total", "type": "int", "init": {"kind": "number", "value": 0}}],
  "functions": [
    {"name": "add", "params": [{"name": "n", "type": "int"}], "result": "int", "body": [
      {"kind": "return", "value": {"kind": "binary", "op": "+", "left": {"kind": "ident", "name": "n"}, "right": {"kind": "number", "value": 1}}}
    ]},
    {"name": "main", "params": [], "result": "void", "body": [
      {"kind": "var", "name": "i", "type": "int"},
      {"kind": "while", "cond": {"kind": "binary", "op": "<", "left": {"kind": "ident", "name": "i"}, "right": {"kind": "number", "value": 3}},
       "body": [
         {"kind": "assign", "name": "i", "value": {"kind": "call", "name": "add", "args": [{"kind": "ident", "name": "i"}]}},
         {"kind": "if", "cond": {"kind": "unary", "op": "-", "x": {"kind": "ident", "name": "i"}}, "then": [{"kind": "continue"}], "else": [{"kind": "break"}]}
       ]},
      {"kind": "print", "value": {"kind": "string", "value": "done"}},
      {"kind": "spawn", "call": {"kind": "call", "name": "add", "args": [{"kind": "number", "value": 2}]}},
      {"kind": "sync"},
      {"kind": "read", "file": "data.bin", "offset": {"kind": "number", "value": 4}, "name": "i", "status": "i"},
      {"kind": "return"}
    ]}
  ],
  "entries": ["main"]
}`

func TestDecodeProgram(t *testing.T) {
	prog, err := Decode(strings.NewReader(loopProgram))
	if err != nil {
		t.Fatal(err)
	}
	if len(prog.Globals) != 1 || prog.Globals[0].Name != "total" {
		t.Fatalf("globals = %v", prog.Globals)
	}
	add, ok := prog.Func("add")
	if !ok || add.Result != Int || len(add.Params) != 1 || add.Params[0].Type != Int {
		t.Fatalf("add = %v", add)
	}
	main, ok := prog.Func("main")
	if !ok {
		t.Fatal("main missing")
	}
	if got := len(main.Body.Stmts); got != 7 {
		t.Fatalf("main has %d statements, want 7", got)
	}

	loop, ok := main.Body.Stmts[1].(*WhileStmt)
	if !ok {
		t.Fatalf("stmt 1 is %T", main.Body.Stmts[1])
	}
	ifs := loop.Body.Stmts[1].(*IfStmt)
	if u, ok := ifs.Cond.(*Unary); !ok || u.Op != OpNeg {
		t.Errorf("unary minus should decode as negation, got %v", ifs.Cond)
	}
	if _, ok := ifs.Else.Stmts[0].(*BreakStmt); !ok {
		t.Errorf("else arm = %v", ifs.Else)
	}
	if rd := main.Body.Stmts[5].(*ReadStmt); rd.File != "data.bin" || rd.Status != "i" {
		t.Errorf("read = %+v", rd)
	}
	if ret := main.Body.Stmts[6].(*ReturnStmt); ret.Value != nil {
		t.Errorf("bare return decoded with value %v", ret.Value)
	}
	if got := prog.EntryPoints(); len(got) != 1 || got[0] != "main" {
		t.Errorf("entries = %v", got)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unknown statement", `{"functions": [{"name": "f", "body": [{"kind": "goto"}]}]}`},
		{"unknown operator", `{"functions": [{"name": "f", "body": [{"kind": "print", "value": {"kind": "binary", "op": "<>", "left": {"kind": "number", "value": 1}, "right": {"kind": "number", "value": 2}}}]}]}`},
		{"unknown type", `{"functions": [{"name": "f", "result": "float", "body": []}]}`},
		{"global not a declaration", `{"globals": [{"kind": "sync"}]}`},
		{"assign without value", `{"functions": [{"name": "f", "body": [{"kind": "assign", "name": "x"}]}]}`},
		{"bad number", `{"functions": [{"name": "f", "body": [{"kind": "print", "value": {"kind": "number", "value": "x"}}]}]}`},
		{"spawn of non-call", `{"functions": [{"name": "f", "body": [{"kind": "spawn", "call": {"kind": "ident", "name": "g"}}]}]}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tc.src))
			if !errors.Is(err, ErrMalformedTree) {
				t.Errorf("expected ErrMalformedTree, got %v", err)
			}
		})
	}

	if _, err := Decode(strings.NewReader(`{"bogus": 1}`)); err == nil {
		t.Error("unknown top-level field should be rejected")
	}
}

func TestInspectVisitsNestedExpressions(t *testing.T) {
	prog, err := Decode(strings.NewReader(loopProgram))
	if err != nil {
		t.Fatal(err)
	}
	main, _ := prog.Func("main")
	var idents []string
	Inspect(main.Body, func(e Expr) {
		if id, ok := e.(*Ident); ok {
			idents = append(idents, id.Name)
		}
	})
	want := []string{"i", "i", "i"}
	if strings.Join(idents, ",") != strings.Join(want, ",") {
		t.Errorf("idents = %v, want %v", idents, want)
	}
}
