package regalloc

import (
	"math/bits"

	"github.com/faouellet/Tostitos/pkg/cfg"
	"github.com/faouellet/Tostitos/pkg/codegen"
)

// vset is a fixed-size bit set of virtual register ids.
type vset []uint64

func newVset(n int) vset { return make(vset, (n+63)/64) }

func (s vset) add(v int)       { s[v/64] |= 1 << (uint(v) % 64) }
func (s vset) has(v int) bool  { return s[v/64]&(1<<(uint(v)%64)) != 0 }
func (s vset) copyFrom(o vset) { copy(s, o) }

func (s vset) union(o vset) {
	for i := range s {
		s[i] |= o[i]
	}
}

func (s vset) equal(o vset) bool {
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// members lists the ids in ascending order.
func (s vset) members() []int {
	var out []int
	for i, w := range s {
		for w != 0 {
			b := bits.TrailingZeros64(w)
			out = append(out, i*64+b)
			w &^= 1 << uint(b)
		}
	}
	return out
}

// Liveness holds the live-in and live-out sets of every block, indexed by
// block id.
type Liveness struct {
	NumVRegs int
	LiveIn   []vset
	LiveOut  []vset
}

// LiveInOf returns the sorted ids live on entry to block id.
func (l *Liveness) LiveInOf(id cfg.BlockID) []int { return l.LiveIn[id].members() }

// LiveOutOf returns the sorted ids live on exit from block id.
func (l *Liveness) LiveOutOf(id cfg.BlockID) []int { return l.LiveOut[id].members() }

// numVRegs is one past the highest virtual register id in f's blocks.
func numVRegs(f *codegen.Function) int {
	n := f.NumVRegs
	for _, b := range f.Graph.Blocks {
		for i := range b.Insts {
			in := &b.Insts[i]
			if d, ok := in.Def(); ok && d >= n {
				n = d + 1
			}
			for _, u := range in.Uses() {
				if u >= n {
					n = u + 1
				}
			}
		}
	}
	return n
}

// ComputeLiveness runs the backward dataflow over f's blocks until it
// reaches a fixed point:
//
//	live-out(b) = ∪ live-in(s) for s in succs(b)
//	live-in(b)  = uses(b) ∪ (live-out(b) − defs(b))
func ComputeLiveness(f *codegen.Function) *Liveness {
	g := f.Graph
	n := numVRegs(f)
	nb := len(g.Blocks)

	uses := make([]vset, nb)
	defs := make([]vset, nb)
	for _, b := range g.Blocks {
		u, d := newVset(n), newVset(n)
		for i := range b.Insts {
			in := &b.Insts[i]
			for _, v := range in.Uses() {
				if !d.has(v) {
					u.add(v)
				}
			}
			if v, ok := in.Def(); ok {
				d.add(v)
			}
		}
		uses[b.ID], defs[b.ID] = u, d
	}

	l := &Liveness{NumVRegs: n, LiveIn: make([]vset, nb), LiveOut: make([]vset, nb)}
	for i := 0; i < nb; i++ {
		l.LiveIn[i] = newVset(n)
		l.LiveOut[i] = newVset(n)
	}

	// Iterating in reverse layout order converges quickly for reducible
	// graphs; the loop is correct for any order.
	order := g.Order()
	tmp := newVset(n)
	for changed := true; changed; {
		changed = false
		for k := len(order) - 1; k >= 0; k-- {
			id := order[k]
			out := l.LiveOut[id]
			for _, s := range g.Blocks[id].Succs {
				out.union(l.LiveIn[s])
			}
			tmp.copyFrom(out)
			for i := range tmp {
				tmp[i] = uses[id][i] | (tmp[i] &^ defs[id][i])
			}
			if !tmp.equal(l.LiveIn[id]) {
				l.LiveIn[id].copyFrom(tmp)
				changed = true
			}
		}
	}
	return l
}
