package cfg

import (
	"github.com/faouellet/Tostitos/pkg/ast"
)

// loopContext holds the targets of break and continue for one loop.
type loopContext struct {
	continueTo BlockID
	breakTo    BlockID
}

// Builder turns one function body into a Graph.
type Builder struct {
	fn    *ast.FuncDecl
	g     *Graph
	cur   BlockID
	loops []loopContext
}

// Build constructs the graph of fn. A value-returning function whose end is
// reachable fails with ErrMissingTerminator; break or continue outside a
// loop fails with ErrInvalidBranchTarget.
func Build(fn *ast.FuncDecl) (*Graph, error) {
	b := &Builder{fn: fn, g: &Graph{Func: fn.Name}}
	return b.build()
}

func (b *Builder) build() (*Graph, error) {
	g := b.g
	g.Entry = g.newBlock()
	g.Blocks[g.Entry].Entry = true
	g.Exit = g.newBlock()
	exit := g.Blocks[g.Exit]
	exit.Exit = true
	exit.Term = TermExit

	b.cur = g.Entry
	if b.fn.Body != nil {
		if err := b.stmts(b.fn.Body.Stmts); err != nil {
			return nil, err
		}
	}

	// Whatever is still open falls off the end of the function.
	reached := g.reachable()
	for _, blk := range g.Blocks {
		if blk.Term != TermOpen {
			continue
		}
		if b.fn.Result != ast.Void && reached[blk.ID] {
			return nil, &BuildError{Func: b.fn.Name, Block: blk.ID, Err: ErrMissingTerminator}
		}
		blk.Term = TermJump
		g.addEdge(blk.ID, g.Exit)
	}

	g.markReachability()
	return g, nil
}

// current returns the block statements are appended to, opening a fresh
// one after a return, break or continue. Such a block has no predecessors
// and will be flagged unreachable.
func (b *Builder) current() *BasicBlock {
	if b.cur == NoBlock {
		b.cur = b.g.newBlock()
	}
	return b.g.Blocks[b.cur]
}

func (b *Builder) jump(to BlockID) {
	blk := b.current()
	blk.Term = TermJump
	b.g.addEdge(blk.ID, to)
}

func (b *Builder) stmts(list []ast.Stmt) error {
	for _, s := range list {
		if err := b.stmt(s); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) stmt(s ast.Stmt) error {
	switch n := s.(type) {
	case *ast.BlockStmt:
		if n == nil {
			return nil
		}
		return b.stmts(n.Stmts)

	case *ast.IfStmt:
		return b.ifStmt(n)

	case *ast.WhileStmt:
		return b.whileStmt(n)

	case *ast.ReturnStmt:
		blk := b.current()
		blk.Term = TermReturn
		blk.Ret = n
		b.g.addEdge(blk.ID, b.g.Exit)
		b.cur = NoBlock
		return nil

	case *ast.BreakStmt, *ast.ContinueStmt:
		if len(b.loops) == 0 {
			return &BuildError{Func: b.fn.Name, Block: b.current().ID, Stmt: s.String(), Err: ErrInvalidBranchTarget}
		}
		loop := b.loops[len(b.loops)-1]
		target := loop.breakTo
		if _, ok := n.(*ast.ContinueStmt); ok {
			target = loop.continueTo
		}
		b.jump(target)
		b.cur = NoBlock
		return nil

	default:
		blk := b.current()
		blk.Stmts = append(blk.Stmts, s)
		return nil
	}
}

func (b *Builder) ifStmt(n *ast.IfStmt) error {
	head := b.current()
	head.Term = TermBranch
	head.Cond = n.Cond

	thenID := b.g.newBlock()
	b.g.addEdge(head.ID, thenID)

	var elseID BlockID = NoBlock
	join := NoBlock
	if n.Else != nil {
		elseID = b.g.newBlock()
		b.g.addEdge(head.ID, elseID)
	} else {
		join = b.g.newBlock()
		b.g.addEdge(head.ID, join)
	}

	// toJoin wires a still-open arm to the join block, creating it lazily so
	// an if whose arms all return does not leave an empty dead block behind.
	toJoin := func() {
		if b.cur == NoBlock {
			return
		}
		if join == NoBlock {
			join = b.g.newBlock()
		}
		b.jump(join)
	}

	b.cur = thenID
	if err := b.stmt(n.Then); err != nil {
		return err
	}
	toJoin()

	if elseID != NoBlock {
		b.cur = elseID
		if err := b.stmt(n.Else); err != nil {
			return err
		}
		toJoin()
	}

	b.cur = join
	return nil
}

func (b *Builder) whileStmt(n *ast.WhileStmt) error {
	header := b.g.newBlock()
	b.jump(header)

	hdr := b.g.Blocks[header]
	hdr.Term = TermBranch
	hdr.Cond = n.Cond

	body := b.g.newBlock()
	after := b.g.newBlock()
	b.g.addEdge(header, body)
	b.g.addEdge(header, after)

	b.loops = append(b.loops, loopContext{continueTo: header, breakTo: after})
	b.cur = body
	if err := b.stmt(n.Body); err != nil {
		return err
	}
	if b.cur != NoBlock {
		b.jump(header)
	}
	b.loops = b.loops[:len(b.loops)-1]

	b.cur = after
	return nil
}
