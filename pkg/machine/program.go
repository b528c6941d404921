package machine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/faouellet/Tostitos/pkg/asm"
	"github.com/faouellet/Tostitos/pkg/ast"
	"github.com/faouellet/Tostitos/pkg/codegen"
	"github.com/faouellet/Tostitos/pkg/regalloc"
)

// ReadProgram loads a program file ready for Load. A .json file holds a
// syntax tree and goes through the whole backend. Anything else is read as
// assembly; functions it leaves unallocated are allocated for cfg.
func ReadProgram(path string, cfg Config) (*codegen.Module, *regalloc.Report, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		f, err := os.Open(path)
		if err != nil {
			return nil, nil, err
		}
		defer f.Close()
		prog, err := ast.Decode(f)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}
		return Build(prog, cfg)
	}

	text, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	mod, err := asm.Parse(string(text))
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	rep := &regalloc.Report{}
	for _, f := range mod.Functions {
		if f.Allocated {
			continue
		}
		fr, err := regalloc.AllocateFunction(f, regalloc.Config{Registers: cfg.Registers, MaxSpillSlots: cfg.MaxSpillSlots})
		if err != nil {
			return mod, rep, err
		}
		rep.Functions = append(rep.Functions, fr)
	}
	return mod, rep, nil
}
