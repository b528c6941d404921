// Package asm prints a module as text and reads that text back.
//
// The format is line based. Module directives come first, then one
// func ... end section per function:
//
//	.data 2a000000
//	.string "hello"
//	.global counter 0
//	.entry main
//	func main params=0 frame=0 entry=0 exit=1 void allocated
//	L0:
//	    LOADI r0, #3
//	    PRINT r0, #0
//	    JMP L1
//	L1:
//	    RET
//	end
//
// Comments start with ';' or '//'.
package asm

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/faouellet/Tostitos/pkg/cfg"
	"github.com/faouellet/Tostitos/pkg/codegen"
	"github.com/faouellet/Tostitos/pkg/ir"
)

var ErrSyntax = errors.New("assembly syntax error")

// bytesPerLine is how many data bytes one .data or .rodata line carries.
const bytesPerLine = 16

// Format renders m in the text form Parse accepts.
func Format(m *codegen.Module) string {
	var sb strings.Builder
	for i := 0; i < len(m.Data); i += bytesPerLine {
		fmt.Fprintf(&sb, ".data %s\n", hex.EncodeToString(m.Data[i:min(i+bytesPerLine, len(m.Data))]))
	}
	rest := m.Rodata
	for len(rest) > 0 {
		nul := strings.IndexByte(string(rest), 0)
		if nul < 0 {
			for i := 0; i < len(rest); i += bytesPerLine {
				fmt.Fprintf(&sb, ".rodata %s\n", hex.EncodeToString(rest[i:min(i+bytesPerLine, len(rest))]))
			}
			break
		}
		fmt.Fprintf(&sb, ".string %s\n", strconv.Quote(string(rest[:nul])))
		rest = rest[nul+1:]
	}
	for _, name := range m.GlobalNames() {
		fmt.Fprintf(&sb, ".global %s %d\n", name, m.Globals[name].Offset)
	}
	for _, e := range m.Entries {
		fmt.Fprintf(&sb, ".entry %s\n", e)
	}
	for _, f := range m.Functions {
		sb.WriteString("\n")
		sb.WriteString(FormatFunction(f))
	}
	return sb.String()
}

// FormatFunction renders one function section.
func FormatFunction(f *codegen.Function) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "func %s params=%d frame=%d entry=%d exit=%d", f.Name, f.NumParams, f.FrameSize, f.Entry, f.Exit)
	if f.Void {
		sb.WriteString(" void")
	}
	if f.Allocated {
		sb.WriteString(" allocated")
	}
	sb.WriteString("\n")
	sb.WriteString(f.Listing())
	sb.WriteString("end\n")
	return sb.String()
}

type parser struct {
	mod     *codegen.Module
	lineNo  int
	fn      *codegen.Function
	blocks  map[int]*cfg.BasicBlock
	order   []int
	current *cfg.BasicBlock
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: line %d: %s", ErrSyntax, p.lineNo, fmt.Sprintf(format, args...))
}

// Parse reads a module written by Format, or by hand in the same syntax.
// Each function gets a control flow graph rebuilt from its labels and
// terminators, so unallocated code can still go through the allocator.
func Parse(text string) (*codegen.Module, error) {
	p := &parser{mod: codegen.NewModule()}
	for i, raw := range strings.Split(text, "\n") {
		p.lineNo = i + 1
		if err := p.line(raw); err != nil {
			return nil, err
		}
	}
	if p.fn != nil {
		return nil, p.errorf("function %s is missing its end", p.fn.Name)
	}
	return p.mod, nil
}

func (p *parser) line(raw string) error {
	trimmed := strings.TrimSpace(raw)
	// .string carries its own quoting and may contain comment characters.
	if strings.HasPrefix(trimmed, ".string ") {
		s, err := strconv.Unquote(strings.TrimSpace(trimmed[len(".string "):]))
		if err != nil {
			return p.errorf("invalid string literal")
		}
		p.mod.InternString(s)
		return nil
	}

	line := strings.TrimSpace(stripComments(trimmed))
	if line == "" {
		return nil
	}
	fields := strings.Fields(line)

	if p.fn == nil {
		return p.directive(fields)
	}
	switch {
	case fields[0] == "end":
		return p.finish()
	case strings.HasSuffix(line, ":"):
		return p.label(strings.TrimSuffix(line, ":"))
	}
	if p.current == nil {
		return p.errorf("instruction before the first label")
	}
	in, err := p.instruction(line)
	if err != nil {
		return err
	}
	p.current.Insts = append(p.current.Insts, in)
	return nil
}

func (p *parser) directive(fields []string) error {
	switch fields[0] {
	case ".data", ".rodata":
		if len(fields) != 2 {
			return p.errorf("%s expects one hex operand", fields[0])
		}
		b, err := hex.DecodeString(fields[1])
		if err != nil {
			return p.errorf("%s: %v", fields[0], err)
		}
		if fields[0] == ".data" {
			p.mod.Data = append(p.mod.Data, b...)
		} else {
			p.mod.Rodata = append(p.mod.Rodata, b...)
		}
	case ".global":
		if len(fields) != 3 || !isIdentifier(fields[1]) {
			return p.errorf(".global expects a name and an offset")
		}
		off, err := strconv.ParseUint(fields[2], 0, 32)
		if err != nil {
			return p.errorf("invalid .global offset %q", fields[2])
		}
		p.mod.Globals[fields[1]] = codegen.Global{Name: fields[1], Offset: uint32(off), Size: codegen.WordSize}
	case ".entry":
		if len(fields) != 2 || !isIdentifier(fields[1]) {
			return p.errorf(".entry expects one function name")
		}
		p.mod.Entries = append(p.mod.Entries, fields[1])
	case "func":
		return p.header(fields[1:])
	default:
		return p.errorf("unknown directive %s", fields[0])
	}
	return nil
}

func (p *parser) header(fields []string) error {
	if len(fields) == 0 || !isIdentifier(fields[0]) {
		return p.errorf("func expects a name")
	}
	if _, dup := p.mod.Func(fields[0]); dup {
		return p.errorf("duplicate function %s", fields[0])
	}
	f := &codegen.Function{Name: fields[0], Entry: -1, Exit: -1}
	for _, kv := range fields[1:] {
		key, val, hasVal := strings.Cut(kv, "=")
		if !hasVal {
			switch key {
			case "void":
				f.Void = true
			case "allocated":
				f.Allocated = true
			default:
				return p.errorf("unknown function flag %s", key)
			}
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil || n < 0 {
			return p.errorf("invalid %s value %q", key, val)
		}
		switch key {
		case "params":
			f.NumParams = n
		case "frame":
			f.FrameSize = uint32(n)
		case "entry":
			f.Entry = cfg.BlockID(n)
		case "exit":
			f.Exit = cfg.BlockID(n)
		default:
			return p.errorf("unknown function attribute %s", key)
		}
	}
	p.fn = f
	p.blocks = make(map[int]*cfg.BasicBlock)
	p.order = nil
	p.current = nil
	return nil
}

func (p *parser) label(name string) error {
	id, ok := labelID(name)
	if !ok {
		return p.errorf("invalid label %s", name)
	}
	if _, dup := p.blocks[id]; dup {
		return p.errorf("duplicate label %s", name)
	}
	p.current = &cfg.BasicBlock{ID: cfg.BlockID(id)}
	p.blocks[id] = p.current
	p.order = append(p.order, id)
	return nil
}

// finish closes the current function: block ids must be dense, and edges
// come from each block's last instruction.
func (p *parser) finish() error {
	f := p.fn
	n := len(p.blocks)
	if n == 0 {
		return p.errorf("function %s has no blocks", f.Name)
	}
	g := &cfg.Graph{Func: f.Name, Blocks: make([]*cfg.BasicBlock, n)}
	for id, b := range p.blocks {
		if id >= n {
			return p.errorf("function %s: label L%d leaves a gap in block ids", f.Name, id)
		}
		g.Blocks[id] = b
	}
	if f.Entry < 0 {
		f.Entry = cfg.BlockID(p.order[0])
	}
	if f.Exit < 0 {
		f.Exit = cfg.BlockID(p.order[len(p.order)-1])
	}
	if int(f.Entry) >= n || int(f.Exit) >= n {
		return p.errorf("function %s: entry or exit block out of range", f.Name)
	}
	g.Entry, g.Exit = f.Entry, f.Exit
	g.Blocks[g.Entry].Entry = true
	exit := g.Blocks[g.Exit]
	exit.Exit = true
	exit.Term = cfg.TermExit

	for _, id := range p.order {
		b := g.Blocks[id]
		if b.ID == g.Exit {
			continue
		}
		var last ir.Instruction
		if len(b.Insts) > 0 {
			last = b.Insts[len(b.Insts)-1]
		}
		switch last.Op {
		case ir.JMP:
			b.Term = cfg.TermJump
		case ir.BR:
			b.Term = cfg.TermBranch
		case ir.RET, ir.EXIT:
			b.Term = cfg.TermReturn
			b.Succs = []cfg.BlockID{g.Exit}
		default:
			return p.errorf("function %s: block L%d does not end in a terminator", f.Name, id)
		}
		for _, a := range last.Args {
			if a.Kind != ir.KindLabel {
				continue
			}
			if a.Label < 0 || a.Label >= n {
				return p.errorf("function %s: branch to unknown label L%d", f.Name, a.Label)
			}
			b.Succs = append(b.Succs, cfg.BlockID(a.Label))
		}
	}
	for _, b := range g.Blocks {
		for _, s := range b.Succs {
			g.Blocks[s].Preds = append(g.Blocks[s].Preds, b.ID)
		}
	}
	reach := make(map[cfg.BlockID]bool)
	for _, id := range g.ReversePostOrder() {
		reach[id] = true
	}
	for _, b := range g.Blocks {
		b.Unreachable = !reach[b.ID] && b.ID != g.Exit
	}

	// Keep the text layout so pcs match what was written.
	f.Graph = g
	f.BlockPC = make([]int, n)
	for _, id := range p.order {
		f.BlockPC[id] = len(f.Code)
		f.Code = append(f.Code, g.Blocks[id].Insts...)
	}
	for _, in := range f.Code {
		for _, op := range in.Operands() {
			if op.Kind == ir.KindVReg || (op.Kind == ir.KindMem && op.Base == ir.BaseVReg) {
				f.NumVRegs = max(f.NumVRegs, op.Reg+1)
			}
		}
	}
	p.mod.AddFunction(f)
	p.fn = nil
	return nil
}

func (p *parser) instruction(line string) (ir.Instruction, error) {
	mnemonic, rest, _ := strings.Cut(line, " ")
	var in ir.Instruction
	if base, ok := strings.CutSuffix(strings.ToUpper(mnemonic), ".B"); ok {
		mnemonic = base
		in.Width = ir.W8
	}
	op, ok := ir.ParseOpcode(mnemonic)
	if !ok {
		// Opcodes outside the instruction set print as OP_XX and stay
		// representable so they can trap at runtime.
		hexCode, isRaw := strings.CutPrefix(strings.ToUpper(mnemonic), "OP_")
		v, err := strconv.ParseUint(hexCode, 16, 8)
		if !isRaw || err != nil {
			return in, p.errorf("unknown instruction %s", mnemonic)
		}
		op = ir.Opcode(v)
	}
	in.Op = op

	var ops []ir.Operand
	if rest = strings.TrimSpace(rest); rest != "" {
		for _, tok := range strings.Split(rest, ",") {
			o, err := p.operand(strings.TrimSpace(tok))
			if err != nil {
				return in, err
			}
			ops = append(ops, o)
		}
	}

	hasDst := op.HasDst()
	if op == ir.CALL || op == ir.SPAWN {
		hasDst = len(ops) > 0 && ops[0].Kind != ir.KindSym
	}
	if hasDst {
		if len(ops) == 0 {
			return in, p.errorf("%s needs a destination", op)
		}
		in.Dst, ops = ops[0], ops[1:]
	}
	in.Args = ops
	return in, nil
}

func (p *parser) operand(tok string) (ir.Operand, error) {
	switch {
	case tok == "":
		return ir.Operand{}, p.errorf("empty operand")
	case tok == "_":
		return ir.Operand{}, nil
	case tok[0] == '#':
		v, err := strconv.ParseInt(tok[1:], 0, 32)
		if err != nil {
			return ir.Operand{}, p.errorf("invalid immediate %s", tok)
		}
		return ir.Imm(int32(v)), nil
	case tok[0] == '@':
		if !isSymbol(tok[1:]) {
			return ir.Operand{}, p.errorf("invalid symbol %s", tok)
		}
		return ir.Sym(tok[1:]), nil
	case tok[0] == '[':
		return p.memory(tok)
	}
	if id, ok := labelID(tok); ok {
		return ir.Label(id), nil
	}
	if o, ok := register(tok); ok {
		return o, nil
	}
	return ir.Operand{}, p.errorf("invalid operand %s", tok)
}

// memory parses [base+off] and [base-off].
func (p *parser) memory(tok string) (ir.Operand, error) {
	inner, ok := strings.CutSuffix(tok[1:], "]")
	if !ok {
		return ir.Operand{}, p.errorf("unterminated memory operand %s", tok)
	}
	cut := strings.IndexAny(inner, "+-")
	if cut < 0 {
		return ir.Operand{}, p.errorf("memory operand %s needs an offset", tok)
	}
	off, err := strconv.ParseInt(inner[cut:], 0, 32)
	if err != nil {
		return ir.Operand{}, p.errorf("invalid offset in %s", tok)
	}
	o := ir.Operand{Kind: ir.KindMem, Offset: int32(off)}
	switch base := inner[:cut]; base {
	case "data":
		o.Base = ir.BaseData
	case "rodata":
		o.Base = ir.BaseRodata
	case "fp":
		o.Base = ir.BaseFrame
	default:
		r, ok := register(base)
		if !ok {
			return ir.Operand{}, p.errorf("invalid base %s in %s", base, tok)
		}
		o.Reg = r.Reg
		o.Base = ir.BaseReg
		if r.Kind == ir.KindVReg {
			o.Base = ir.BaseVReg
		}
	}
	return o, nil
}

func register(tok string) (ir.Operand, bool) {
	if len(tok) < 2 {
		return ir.Operand{}, false
	}
	n, err := strconv.Atoi(tok[1:])
	if err != nil || n < 0 {
		return ir.Operand{}, false
	}
	switch tok[0] {
	case 'r', 'R':
		return ir.Reg(n), true
	case 'v', 'V':
		return ir.VReg(n), true
	}
	return ir.Operand{}, false
}

func labelID(tok string) (int, bool) {
	if len(tok) < 2 || (tok[0] != 'L' && tok[0] != 'l') {
		return 0, false
	}
	n, err := strconv.Atoi(tok[1:])
	return n, err == nil && n >= 0
}

func stripComments(line string) string {
	semicolon := strings.Index(line, ";")
	doubleSlash := strings.Index(line, "//")

	cut := -1
	if semicolon >= 0 {
		cut = semicolon
	}
	if doubleSlash >= 0 && (cut == -1 || doubleSlash < cut) {
		cut = doubleSlash
	}
	if cut >= 0 {
		return line[:cut]
	}
	return line
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if i == 0 {
			if !unicode.IsLetter(r) && r != '_' {
				return false
			}
			continue
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			return false
		}
	}
	return true
}

// isSymbol also admits file names such as data.txt.
func isSymbol(s string) bool {
	return s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !strings.ContainsRune("_-.", r)
	}) < 0
}
