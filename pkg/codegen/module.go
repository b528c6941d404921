package codegen

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/faouellet/Tostitos/pkg/cfg"
	"github.com/faouellet/Tostitos/pkg/ir"
)

// WordSize is the size in bytes of a machine word, a global, a frame slot
// and a spill slot.
const WordSize = 4

// Global is a named word of static storage in the data segment.
type Global struct {
	Name   string
	Offset uint32
	Size   uint32
}

// Function is one compiled function. Code is the flat instruction stream
// addressed by pc; BlockPC maps every block of Graph to its first pc.
type Function struct {
	Name      string
	NumParams int
	Void      bool

	Graph   *cfg.Graph
	Entry   cfg.BlockID
	Exit    cfg.BlockID
	Code    []ir.Instruction
	BlockPC []int

	// FrameSize covers escaped locals and, after allocation, spill slots.
	FrameSize uint32
	// NumVRegs is one past the highest virtual register id in use.
	NumVRegs int
	// Allocated is set once every virtual register has been rewritten.
	Allocated bool
}

// Layout flattens the blocks into Code in the graph's stable order. It must
// be rerun whenever a pass edits block instruction lists.
func (f *Function) Layout() {
	f.Code = f.Code[:0]
	f.BlockPC = make([]int, len(f.Graph.Blocks))
	for i := range f.BlockPC {
		f.BlockPC[i] = -1
	}
	for _, id := range f.Graph.Order() {
		f.BlockPC[id] = len(f.Code)
		f.Code = append(f.Code, f.Graph.Blocks[id].Insts...)
	}
}

// AllocFrameSlot reserves one more word in the frame and returns its offset.
func (f *Function) AllocFrameSlot() int32 {
	off := int32(f.FrameSize)
	f.FrameSize += WordSize
	return off
}

// Module is the backend's output: functions, the data image and the
// global symbol table.
type Module struct {
	Functions []*Function
	Globals   map[string]Global
	// Data is the initial image of the writable global segment.
	Data []byte
	// Rodata holds NUL-terminated string literals.
	Rodata []byte
	// Entries name the functions that get a thread at load time.
	Entries []string
	// Diagnostics lists non-fatal findings from every pass.
	Diagnostics []string

	index   map[string]int
	strings map[string]int32
}

// NewModule returns an empty module.
func NewModule() *Module {
	return &Module{
		Globals: make(map[string]Global),
		index:   make(map[string]int),
		strings: make(map[string]int32),
	}
}

// AddFunction appends f and indexes it by name.
func (m *Module) AddFunction(f *Function) {
	if m.index == nil {
		m.index = make(map[string]int)
	}
	m.index[f.Name] = len(m.Functions)
	m.Functions = append(m.Functions, f)
}

// FuncIndex resolves a function name to its position in Functions.
func (m *Module) FuncIndex(name string) (int, bool) {
	if m.index == nil || len(m.index) != len(m.Functions) {
		m.index = make(map[string]int, len(m.Functions))
		for i, f := range m.Functions {
			m.index[f.Name] = i
		}
	}
	i, ok := m.index[name]
	return i, ok
}

// Func returns the function called name.
func (m *Module) Func(name string) (*Function, bool) {
	i, ok := m.FuncIndex(name)
	if !ok {
		return nil, false
	}
	return m.Functions[i], true
}

// DefineGlobal reserves a word of static storage initialised to init.
func (m *Module) DefineGlobal(name string, init int32) Global {
	if g, ok := m.Globals[name]; ok {
		binary.LittleEndian.PutUint32(m.Data[g.Offset:], uint32(init))
		return g
	}
	g := Global{Name: name, Offset: uint32(len(m.Data)), Size: WordSize}
	m.Data = binary.LittleEndian.AppendUint32(m.Data, uint32(init))
	m.Globals[name] = g
	return g
}

// InternString places s in the read-only segment, once, and returns its offset.
func (m *Module) InternString(s string) int32 {
	if m.strings == nil {
		m.strings = make(map[string]int32)
	}
	if off, ok := m.strings[s]; ok {
		return off
	}
	off := int32(len(m.Rodata))
	m.Rodata = append(m.Rodata, s...)
	m.Rodata = append(m.Rodata, 0)
	m.strings[s] = off
	return off
}

// GlobalNames returns the global names sorted by offset.
func (m *Module) GlobalNames() []string {
	names := make([]string, 0, len(m.Globals))
	for n := range m.Globals {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		return m.Globals[names[i]].Offset < m.Globals[names[j]].Offset
	})
	return names
}

// Listing renders the function's code with block labels, one instruction
// per line.
func (f *Function) Listing() string {
	var sb strings.Builder
	starts := make(map[int][]int)
	for id, pc := range f.BlockPC {
		if pc >= 0 {
			starts[pc] = append(starts[pc], id)
		}
	}
	for pc := 0; pc <= len(f.Code); pc++ {
		ids := starts[pc]
		sort.Ints(ids)
		for _, id := range ids {
			fmt.Fprintf(&sb, "L%d:\n", id)
		}
		if pc < len(f.Code) {
			fmt.Fprintf(&sb, "    %s\n", f.Code[pc])
		}
	}
	return sb.String()
}
