// Package regalloc rewrites the virtual registers of a selected module onto
// a fixed register file, spilling to frame slots under pressure.
package regalloc

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/faouellet/Tostitos/pkg/cfg"
	"github.com/faouellet/Tostitos/pkg/codegen"
	"github.com/faouellet/Tostitos/pkg/ir"
)

// minLocalRegs is the smallest pool the block allocator can work with: an
// instruction reads at most two registers and writes one.
const minLocalRegs = 3

var (
	ErrSpillCapacity    = errors.New("spill slots exhausted")
	ErrTooFewRegisters  = errors.New("register file too small")
	ErrAlreadyAllocated = errors.New("function already allocated")
	ErrUndefinedValue   = errors.New("virtual register read before any definition")
)

type Config struct {
	// Registers is the size of the physical register file.
	Registers int
	// MaxSpillSlots bounds the frame slots one function may use for homes
	// and spills. Zero means no bound.
	MaxSpillSlots int
}

// ConfigError is fatal: the module cannot be allocated under Config.
type ConfigError struct {
	Func  string
	Slots int
	Limit int
	Err   error
}

func (e *ConfigError) Error() string {
	if errors.Is(e.Err, ErrSpillCapacity) {
		return fmt.Sprintf("regalloc: %s: needs more than %d spill slots: %v", e.Func, e.Limit, e.Err)
	}
	return fmt.Sprintf("regalloc: %s: %v", e.Func, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Interval records that VReg occupied physical register Reg from
// instruction From to instruction To (both indices into the block's
// instructions before allocation).
type Interval struct {
	Block cfg.BlockID
	Reg   int
	VReg  int
	From  int
	To    int
}

// FuncReport describes what allocation did to one function.
type FuncReport struct {
	Func string
	// Pinned maps values live across blocks to their dedicated register.
	Pinned map[int]int
	// Homes maps values live across blocks that did not fit in registers to
	// their frame slot.
	Homes map[int]int32
	// Spilled maps block-local values evicted under pressure to their slot.
	Spilled map[int]int32
	// SpillSlots counts every frame slot added by allocation.
	SpillSlots int
	// Loads and Stores count inserted reload and spill instructions.
	Loads     int
	Stores    int
	Registers []int
	Intervals []Interval
}

type Report struct {
	Functions []*FuncReport
}

// Func returns the report for the named function, or nil.
func (r *Report) Func(name string) *FuncReport {
	for _, f := range r.Functions {
		if f.Func == name {
			return f
		}
	}
	return nil
}

// Allocate rewrites every function of m in place. A ConfigError aborts the
// whole module.
func Allocate(m *codegen.Module, c Config) (*Report, error) {
	rep := &Report{}
	for _, f := range m.Functions {
		fr, err := AllocateFunction(f, c)
		if err != nil {
			return rep, err
		}
		rep.Functions = append(rep.Functions, fr)
	}
	return rep, nil
}

type allocator struct {
	f     *codegen.Function
	cfg   Config
	live  *Liveness
	cross []int
	rep   *FuncReport
	used  map[int]bool
	slots int
}

// AllocateFunction rewrites f in place and lays it out again.
func AllocateFunction(f *codegen.Function, c Config) (*FuncReport, error) {
	if f.Allocated {
		return nil, fmt.Errorf("regalloc: %s: %w", f.Name, ErrAlreadyAllocated)
	}
	if c.Registers < minLocalRegs {
		return nil, &ConfigError{Func: f.Name, Limit: c.Registers, Err: ErrTooFewRegisters}
	}

	a := &allocator{
		f:    f,
		cfg:  c,
		live: ComputeLiveness(f),
		used: make(map[int]bool),
		rep: &FuncReport{
			Func:    f.Name,
			Pinned:  make(map[int]int),
			Homes:   make(map[int]int32),
			Spilled: make(map[int]int32),
		},
	}
	if err := a.assignHomes(); err != nil {
		return nil, err
	}
	for _, id := range f.Graph.Order() {
		if err := a.block(f.Graph.Blocks[id]); err != nil {
			return nil, err
		}
	}

	for r := range a.used {
		a.rep.Registers = append(a.rep.Registers, r)
	}
	sort.Ints(a.rep.Registers)
	f.Allocated = true
	f.Layout()
	return a.rep, nil
}

func (a *allocator) newSlot() (int32, error) {
	if a.cfg.MaxSpillSlots > 0 && a.slots >= a.cfg.MaxSpillSlots {
		return 0, &ConfigError{Func: a.f.Name, Slots: a.slots + 1, Limit: a.cfg.MaxSpillSlots, Err: ErrSpillCapacity}
	}
	a.slots++
	a.rep.SpillSlots = a.slots
	return a.f.AllocFrameSlot(), nil
}

// assignHomes gives every value live across a block boundary a home for
// the whole function. Up to Registers-minLocalRegs of them get a register;
// the rest go to memory, starting with the ones live across the most block
// boundaries, ties by ascending id.
func (a *allocator) assignHomes() error {
	n := a.live.NumVRegs
	a.cross = make([]int, n)
	global := newVset(n)
	for _, b := range a.f.Graph.Blocks {
		global.union(a.live.LiveIn[b.ID])
		for _, s := range b.Succs {
			for _, v := range a.live.LiveIn[s].members() {
				a.cross[v]++
			}
		}
	}

	cands := global.members()
	sort.SliceStable(cands, func(i, j int) bool {
		ci, cj := a.cross[cands[i]], a.cross[cands[j]]
		if ci != cj {
			return ci > cj
		}
		return cands[i] < cands[j]
	})

	excess := len(cands) - (a.cfg.Registers - minLocalRegs)
	next := a.cfg.Registers - 1
	for i, v := range cands {
		if i < excess {
			slot, err := a.newSlot()
			if err != nil {
				return err
			}
			a.rep.Homes[v] = slot
			continue
		}
		a.rep.Pinned[v] = next
		a.used[next] = true
		next--
	}
	return nil
}

// blockState is the register file as seen by the local allocator while it
// walks one block.
type blockState struct {
	b       *cfg.BasicBlock
	pool    []int
	holder  map[int]int // reg -> vreg
	where   map[int]int // resident local vreg -> reg
	start   map[int]int
	dirty   map[int]bool
	lastDef map[int]int
	uses    map[int][]int
	pre     [][]ir.Instruction
	post    [][]ir.Instruction
}

// nextUse is the first position after i where v is read, or -1.
func (st *blockState) nextUse(v, i int) int {
	pos := st.uses[v]
	k := sort.SearchInts(pos, i+1)
	if k == len(pos) {
		return -1
	}
	return pos[k]
}

func (a *allocator) isLocal(v int) bool {
	_, pinned := a.rep.Pinned[v]
	_, homed := a.rep.Homes[v]
	return !pinned && !homed
}

func (a *allocator) block(b *cfg.BasicBlock) error {
	st := &blockState{
		b:       b,
		holder:  make(map[int]int),
		where:   make(map[int]int),
		start:   make(map[int]int),
		dirty:   make(map[int]bool),
		lastDef: make(map[int]int),
		uses:    make(map[int][]int),
		pre:     make([][]ir.Instruction, len(b.Insts)),
		post:    make([][]ir.Instruction, len(b.Insts)),
	}

	referenced := make(map[int]bool)
	for i := range b.Insts {
		in := &b.Insts[i]
		for _, v := range in.Uses() {
			referenced[v] = true
			if p := st.uses[v]; len(p) == 0 || p[len(p)-1] != i {
				st.uses[v] = append(p, i)
			}
		}
		if v, ok := in.Def(); ok {
			referenced[v] = true
		}
	}

	// A pinned register is free for local values in blocks where its owner
	// is dead throughout.
	busy := make(map[int]bool)
	for v, r := range a.rep.Pinned {
		if referenced[v] || a.live.LiveIn[b.ID].has(v) || a.live.LiveOut[b.ID].has(v) {
			busy[r] = true
		}
	}
	for r := 0; r < a.cfg.Registers; r++ {
		if !busy[r] {
			st.pool = append(st.pool, r)
		}
	}

	out := make([]ir.Instruction, len(b.Insts))
	for i := range b.Insts {
		in, err := a.instruction(st, i)
		if err != nil {
			return err
		}
		out[i] = in
	}

	for v, r := range st.where {
		a.interval(st, v, r, st.start[v], len(b.Insts)-1)
	}

	var rewritten []ir.Instruction
	for i, in := range out {
		rewritten = append(rewritten, st.pre[i]...)
		rewritten = append(rewritten, in)
		rewritten = append(rewritten, st.post[i]...)
	}
	b.Insts = rewritten
	return nil
}

func (a *allocator) interval(st *blockState, v, r, from, to int) {
	a.rep.Intervals = append(a.rep.Intervals, Interval{Block: st.b.ID, Reg: r, VReg: v, From: from, To: to})
}

func (a *allocator) instruction(st *blockState, i int) (ir.Instruction, error) {
	in := st.b.Insts[i].Clone()

	locked := make(map[int]bool)
	for _, v := range in.Uses() {
		if r, ok := st.where[v]; ok {
			locked[r] = true
		}
	}
	scratch := make(map[int]int) // homed vreg -> reg, for this instruction only

	for j := range in.Args {
		op := &in.Args[j]
		switch {
		case op.Kind == ir.KindVReg:
			allowMem := (in.Op == ir.CALL || in.Op == ir.SPAWN) && j >= 1
			repl, err := a.use(st, op.Reg, i, locked, scratch, allowMem)
			if err != nil {
				return in, err
			}
			*op = repl
		case op.Kind == ir.KindMem && op.Base == ir.BaseVReg:
			repl, err := a.use(st, op.Reg, i, locked, scratch, false)
			if err != nil {
				return in, err
			}
			op.Base = ir.BaseReg
			op.Reg = repl.Reg
		}
	}

	// Values read here for the last time give their register back before
	// the destination is chosen; operands are read before the write.
	for _, v := range st.b.Insts[i].Uses() {
		if !a.isLocal(v) {
			continue
		}
		if r, ok := st.where[v]; ok && st.nextUse(v, i) < 0 {
			a.release(st, v, r, i)
		}
	}
	for v, r := range scratch {
		delete(st.holder, r)
		a.interval(st, v, r, i, i)
	}

	v, ok := st.b.Insts[i].Def()
	if !ok {
		return in, nil
	}
	if p, pinned := a.rep.Pinned[v]; pinned {
		in.Dst = ir.Reg(p)
		return in, nil
	}
	if home, homed := a.rep.Homes[v]; homed {
		r, err := a.allocReg(st, i, nil, true)
		if err != nil {
			return in, err
		}
		in.Dst = ir.Reg(r)
		st.post[i] = append(st.post[i], storeWord(home, r))
		a.rep.Stores++
		a.interval(st, v, r, i, i)
		return in, nil
	}

	r, resident := st.where[v]
	if !resident {
		var err error
		if r, err = a.allocReg(st, i, nil, true); err != nil {
			return in, err
		}
		st.where[v] = r
		st.holder[r] = v
		st.start[v] = i
	}
	in.Dst = ir.Reg(r)
	st.dirty[v] = true
	st.lastDef[v] = i
	if st.nextUse(v, i) < 0 {
		st.dirty[v] = false
		a.release(st, v, r, i)
	}
	return in, nil
}

func (a *allocator) release(st *blockState, v, r, at int) {
	delete(st.holder, r)
	delete(st.where, v)
	a.interval(st, v, r, st.start[v], at)
}

// use resolves a read of v at instruction i to a register, or to its frame
// slot when allowMem is set and v is not in a register.
func (a *allocator) use(st *blockState, v, i int, locked map[int]bool, scratch map[int]int, allowMem bool) (ir.Operand, error) {
	if p, ok := a.rep.Pinned[v]; ok {
		return ir.Reg(p), nil
	}

	if home, ok := a.rep.Homes[v]; ok {
		if r, ok := scratch[v]; ok {
			return ir.Reg(r), nil
		}
		if allowMem {
			return ir.Frame(home), nil
		}
		r, err := a.allocReg(st, i, locked, false)
		if err != nil {
			return ir.Operand{}, err
		}
		st.pre[i] = append(st.pre[i], loadWord(r, home))
		a.rep.Loads++
		st.holder[r] = v
		locked[r] = true
		scratch[v] = r
		return ir.Reg(r), nil
	}

	if r, ok := st.where[v]; ok {
		return ir.Reg(r), nil
	}
	slot, ok := a.rep.Spilled[v]
	if !ok {
		return ir.Operand{}, fmt.Errorf("regalloc: %s: block %d: v%d: %w", a.f.Name, st.b.ID, v, ErrUndefinedValue)
	}
	if allowMem {
		return ir.Frame(slot), nil
	}
	r, err := a.allocReg(st, i, locked, false)
	if err != nil {
		return ir.Operand{}, err
	}
	st.pre[i] = append(st.pre[i], loadWord(r, slot))
	a.rep.Loads++
	st.holder[r] = v
	st.where[v] = r
	st.start[v] = i
	st.dirty[v] = false
	locked[r] = true
	return ir.Reg(r), nil
}

// allocReg returns a free pool register, evicting the resident value whose
// next use is farthest away when none is free. After is set when the
// register is wanted for the destination, once operands have been read.
func (a *allocator) allocReg(st *blockState, i int, locked map[int]bool, after bool) (int, error) {
	for _, r := range st.pool {
		if _, taken := st.holder[r]; !taken {
			a.used[r] = true
			return r, nil
		}
	}

	victim, best, bestV := -1, -1, -1
	for _, r := range st.pool {
		if locked[r] {
			continue
		}
		v := st.holder[r]
		from := i - 1
		if after {
			from = i
		}
		d := st.nextUse(v, from)
		if d < 0 {
			d = math.MaxInt
		}
		better := d > best ||
			(d == best && a.crossings(v) > a.crossings(bestV)) ||
			(d == best && a.crossings(v) == a.crossings(bestV) && v < bestV)
		if victim < 0 || better {
			victim, best, bestV = r, d, v
		}
	}
	if victim < 0 {
		return 0, &ConfigError{Func: a.f.Name, Limit: len(st.pool), Err: ErrTooFewRegisters}
	}
	if err := a.evict(st, victim, i); err != nil {
		return 0, err
	}
	a.used[victim] = true
	return victim, nil
}

func (a *allocator) crossings(v int) int {
	if v < 0 || v >= len(a.cross) {
		return 0
	}
	return a.cross[v]
}

// evict frees register r at instruction i. A value that changed since it
// was last written to its slot is stored right after the instruction that
// defined it.
func (a *allocator) evict(st *blockState, r, i int) error {
	v := st.holder[r]
	if st.dirty[v] {
		slot, ok := a.rep.Spilled[v]
		if !ok {
			var err error
			if slot, err = a.newSlot(); err != nil {
				return err
			}
			a.rep.Spilled[v] = slot
		}
		d := st.lastDef[v]
		st.post[d] = append(st.post[d], storeWord(slot, r))
		a.rep.Stores++
		st.dirty[v] = false
	}
	a.release(st, v, r, i)
	return nil
}

func loadWord(r int, slot int32) ir.Instruction {
	return ir.New(ir.LOAD, ir.Reg(r), ir.Frame(slot))
}

func storeWord(slot int32, r int) ir.Instruction {
	return ir.NewVoid(ir.STORE, ir.Frame(slot), ir.Reg(r))
}
