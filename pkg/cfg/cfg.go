// Package cfg builds per-function control flow graphs from the typed tree.
//
// Blocks live in an arena owned by the Graph and refer to each other by
// BlockID, never by pointer.
package cfg

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/faouellet/Tostitos/pkg/ast"
	"github.com/faouellet/Tostitos/pkg/ir"
)

// BlockID indexes Graph.Blocks.
type BlockID int

// NoBlock marks the absence of a block.
const NoBlock BlockID = -1

var (
	ErrMissingTerminator   = errors.New("control reaches end of non-void function")
	ErrInvalidBranchTarget = errors.New("branch has no enclosing loop")
)

// BuildError reports a malformed construct found while building a graph.
type BuildError struct {
	Func  string
	Block BlockID
	Stmt  string
	Err   error
}

func (e *BuildError) Error() string {
	if e.Stmt != "" {
		return fmt.Sprintf("cfg: %s: block %d: %s: %v", e.Func, e.Block, e.Stmt, e.Err)
	}
	return fmt.Sprintf("cfg: %s: block %d: %v", e.Func, e.Block, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// TermKind says how control leaves a block.
type TermKind int

const (
	// TermOpen is only seen while the builder is still appending.
	TermOpen TermKind = iota
	// TermJump continues at Succs[0].
	TermJump
	// TermBranch continues at Succs[0] when Cond holds, Succs[1] otherwise.
	TermBranch
	// TermReturn leaves the function, Succs[0] is the exit sentinel.
	TermReturn
	// TermExit marks the exit sentinel itself.
	TermExit
)

func (k TermKind) String() string {
	switch k {
	case TermOpen:
		return "open"
	case TermJump:
		return "jump"
	case TermBranch:
		return "branch"
	case TermReturn:
		return "return"
	case TermExit:
		return "exit"
	}
	return fmt.Sprintf("TermKind(%d)", int(k))
}

// BasicBlock is a maximal run of statements with one entry and one exit.
type BasicBlock struct {
	ID    BlockID
	Stmts []ast.Stmt

	Term TermKind
	Cond ast.Expr        // TermBranch
	Ret  *ast.ReturnStmt // TermReturn

	Preds []BlockID
	Succs []BlockID

	Entry       bool
	Exit        bool
	Unreachable bool

	// Insts is filled by instruction selection and rewritten by register
	// allocation.
	Insts []ir.Instruction
}

// Graph owns every block of one function.
type Graph struct {
	Func   string
	Blocks []*BasicBlock
	Entry  BlockID
	Exit   BlockID

	// Diagnostics lists non-fatal findings such as unreachable code.
	Diagnostics []string
}

// Block returns the block with the given id.
func (g *Graph) Block(id BlockID) *BasicBlock { return g.Blocks[id] }

func (g *Graph) newBlock() BlockID {
	id := BlockID(len(g.Blocks))
	g.Blocks = append(g.Blocks, &BasicBlock{ID: id})
	return id
}

func (g *Graph) addEdge(from, to BlockID) {
	f, t := g.Blocks[from], g.Blocks[to]
	f.Succs = append(f.Succs, to)
	t.Preds = append(t.Preds, from)
}

// ReversePostOrder lists the blocks reachable from the entry in reverse
// postorder. Successors are visited in Succs order so the result is stable.
func (g *Graph) ReversePostOrder() []BlockID {
	visited := make([]bool, len(g.Blocks))
	post := make([]BlockID, 0, len(g.Blocks))

	type frame struct {
		id   BlockID
		next int
	}
	stack := []frame{{id: g.Entry}}
	visited[g.Entry] = true
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		succs := g.Blocks[top.id].Succs
		if top.next < len(succs) {
			s := succs[top.next]
			top.next++
			if !visited[s] {
				visited[s] = true
				stack = append(stack, frame{id: s})
			}
			continue
		}
		post = append(post, top.id)
		stack = stack[:len(stack)-1]
	}

	for i, j := 0, len(post)-1; i < j; i, j = i+1, j-1 {
		post[i], post[j] = post[j], post[i]
	}
	return post
}

// Order is the stable layout order used by every later pass: reverse
// postorder from the entry, then unreachable blocks by id, then the exit
// sentinel last.
func (g *Graph) Order() []BlockID {
	rpo := g.ReversePostOrder()
	seen := make([]bool, len(g.Blocks))
	out := make([]BlockID, 0, len(g.Blocks))
	for _, id := range rpo {
		seen[id] = true
		if id != g.Exit {
			out = append(out, id)
		}
	}
	for _, b := range g.Blocks {
		if !seen[b.ID] && b.ID != g.Exit {
			out = append(out, b.ID)
		}
	}
	return append(out, g.Exit)
}

// Visitor is implemented by passes that walk a graph block by block.
type Visitor interface {
	VisitBlock(b *BasicBlock) error
}

// VisitorFunc adapts a plain function to Visitor.
type VisitorFunc func(b *BasicBlock) error

func (f VisitorFunc) VisitBlock(b *BasicBlock) error { return f(b) }

// Walk calls v for every block in Order, stopping at the first error.
func (g *Graph) Walk(v Visitor) error {
	for _, id := range g.Order() {
		if err := v.VisitBlock(g.Blocks[id]); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) reachable() []bool {
	reached := make([]bool, len(g.Blocks))
	for _, id := range g.ReversePostOrder() {
		reached[id] = true
	}
	return reached
}

// markReachability flags blocks the entry cannot reach and records a
// diagnostic for each of them.
func (g *Graph) markReachability() {
	reached := g.reachable()
	for _, b := range g.Blocks {
		b.Unreachable = !reached[b.ID]
		if b.Unreachable && !b.Exit {
			g.Diagnostics = append(g.Diagnostics,
				fmt.Sprintf("%s: block %d is unreachable (%d statements)", g.Func, b.ID, len(b.Stmts)))
		}
	}
}

// String renders the graph for debugging dumps.
func (g *Graph) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "cfg %s (entry %d, exit %d)\n", g.Func, g.Entry, g.Exit)
	for _, id := range g.Order() {
		b := g.Blocks[id]
		var flags []string
		if b.Entry {
			flags = append(flags, "entry")
		}
		if b.Exit {
			flags = append(flags, "exit")
		}
		if b.Unreachable {
			flags = append(flags, "unreachable")
		}
		preds := append([]BlockID(nil), b.Preds...)
		sort.Slice(preds, func(i, j int) bool { return preds[i] < preds[j] })
		fmt.Fprintf(&sb, "  B%d %v preds=%v succs=%v %s\n", b.ID, flags, preds, b.Succs, b.Term)
		for _, s := range b.Stmts {
			fmt.Fprintf(&sb, "    %s\n", s)
		}
		switch b.Term {
		case TermBranch:
			fmt.Fprintf(&sb, "    br %s\n", b.Cond)
		case TermReturn:
			fmt.Fprintf(&sb, "    %s\n", b.Ret)
		}
	}
	return sb.String()
}
