package codegen

import (
	"fmt"
	"sort"
	"strings"

	"github.com/faouellet/Tostitos/pkg/ast"
)

// StorageKind says where a variable lives at run time.
type StorageKind int

const (
	// StorageReg variables live in one virtual register for the whole function.
	StorageReg StorageKind = iota
	// StorageFrame variables have their address taken and live in the frame.
	StorageFrame
	// StorageGlobal variables live in the data segment.
	StorageGlobal
)

func (k StorageKind) String() string {
	switch k {
	case StorageReg:
		return "reg"
	case StorageFrame:
		return "frame"
	case StorageGlobal:
		return "global"
	}
	return fmt.Sprintf("StorageKind(%d)", int(k))
}

type Symbol struct {
	Name   string
	Kind   StorageKind
	Type   ast.Type
	VReg   int   // StorageReg
	Offset int32 // StorageFrame: from FP; StorageGlobal: into the data segment
}

// SymbolTable maps variable names to their storage. Globals are shared by
// every function; locals are reset by EnterFunction.
//
// The front end has already resolved scopes, so a name denotes one variable
// per function.
type SymbolTable struct {
	globals map[string]Symbol
	locals  map[string]Symbol

	// varRegs marks virtual registers owned by a variable, as opposed to
	// temporaries.
	varRegs map[int]bool

	nextVReg  int
	frameSize uint32
}

func NewSymbolTable() *SymbolTable {
	return &SymbolTable{
		globals: make(map[string]Symbol),
	}
}

func (s *SymbolTable) EnterFunction() {
	s.locals = make(map[string]Symbol)
	s.varRegs = make(map[int]bool)
	s.nextVReg = 0
	s.frameSize = 0
}

func (s *SymbolTable) ExitFunction() {
	s.locals = nil
	s.varRegs = nil
}

// DefineGlobal records a global at the given data offset.
func (s *SymbolTable) DefineGlobal(name string, t ast.Type, offset uint32) Symbol {
	sym := Symbol{Name: name, Kind: StorageGlobal, Type: t, Offset: int32(offset)}
	s.globals[name] = sym
	return sym
}

// IsLocal reports whether name is already a parameter or local of the
// current function.
func (s *SymbolTable) IsLocal(name string) bool {
	_, ok := s.locals[name]
	return ok
}

// DefineLocal gives name a home. Escaped locals get a frame slot, the rest a
// dedicated virtual register. Redefining a name returns the existing symbol.
func (s *SymbolTable) DefineLocal(name string, t ast.Type, escaped bool) Symbol {
	if sym, ok := s.locals[name]; ok {
		return sym
	}
	sym := Symbol{Name: name, Type: t}
	if escaped {
		sym.Kind = StorageFrame
		sym.Offset = int32(s.frameSize)
		s.frameSize += WordSize
	} else {
		sym.Kind = StorageReg
		sym.VReg = s.NewTemp()
		s.varRegs[sym.VReg] = true
	}
	s.locals[name] = sym
	return sym
}

// NewTemp returns a fresh virtual register.
func (s *SymbolTable) NewTemp() int {
	id := s.nextVReg
	s.nextVReg++
	return id
}

// IsVarReg reports whether the virtual register belongs to a variable.
func (s *SymbolTable) IsVarReg(id int) bool { return s.varRegs[id] }

// NumVRegs is one past the last virtual register handed out.
func (s *SymbolTable) NumVRegs() int { return s.nextVReg }

// FrameSize is the number of bytes reserved for escaped locals.
func (s *SymbolTable) FrameSize() uint32 { return s.frameSize }

// Lookup returns the symbol and whether it was found. Locals shadow globals.
func (s *SymbolTable) Lookup(name string) (Symbol, bool) {
	if sym, ok := s.locals[name]; ok {
		return sym, true
	}
	sym, ok := s.globals[name]
	return sym, ok
}

// String returns a deterministically ordered dump of the table.
func (s *SymbolTable) String() string {
	var sb strings.Builder
	dump := func(title string, m map[string]Symbol) {
		if len(m) == 0 {
			fmt.Fprintf(&sb, "%s: (empty)\n", title)
			return
		}
		fmt.Fprintf(&sb, "%s:\n", title)
		names := make([]string, 0, len(m))
		for name := range m {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			sym := m[name]
			switch sym.Kind {
			case StorageReg:
				fmt.Fprintf(&sb, "  %-20s  %s v%d (%s)\n", name, sym.Kind, sym.VReg, sym.Type)
			default:
				fmt.Fprintf(&sb, "  %-20s  %s %+d (%s)\n", name, sym.Kind, sym.Offset, sym.Type)
			}
		}
	}
	dump("Globals", s.globals)
	if s.locals != nil {
		dump("Locals", s.locals)
	}
	return sb.String()
}
