// Package kernel multiplexes threads onto the single simulated CPU with a
// round-robin quantum scheduler.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"time"

	"github.com/faouellet/Tostitos/pkg/cpu"
	"github.com/faouellet/Tostitos/pkg/memory"
)

var (
	ErrDeadlock     = errors.New("every live thread is blocked and nothing can wake them")
	ErrStepLimit    = errors.New("step limit reached")
	ErrNoThread     = errors.New("no such thread")
	ErrTerminated   = errors.New("thread already terminated")
	ErrWouldBlock   = errors.New("no input available yet")
	ErrUnknownEntry = errors.New("unknown entry point")
)

// InputSource supplies lines to SCAN. ReadLine returns io.EOF once input is
// closed and ErrWouldBlock when a line may still come later.
type InputSource interface {
	ReadLine() (string, error)
}

type Config struct {
	Registers int
	Quantum   int
	StackSize uint32
	// StepLimit stops Run after that many ticks. Zero means no limit.
	StepLimit   int64
	HaltOnFault bool
	Logger      *log.Logger
}

// pollInterval is how long Run waits before asking an InputSource that
// would block again.
const pollInterval = time.Millisecond

type Kernel struct {
	CPU    *cpu.CPU
	Memory *memory.Memory
	Sched  Scheduler
	Input  InputSource

	cfg     Config
	log     *log.Logger
	threads map[int]*Thread
	nextID  int
	clock   int64

	pending     []string
	inputClosed bool

	faults []cpu.Fault
	halted bool
}

// New creates a kernel driving c. It installs itself as c's host.
func New(c *cpu.CPU, mem *memory.Memory, cfg Config) *Kernel {
	if cfg.Quantum < 1 {
		cfg.Quantum = 1
	}
	lg := cfg.Logger
	if lg == nil {
		lg = log.New(io.Discard, "", 0)
	}
	k := &Kernel{
		CPU:     c,
		Memory:  mem,
		cfg:     cfg,
		log:     lg,
		threads: make(map[int]*Thread),
		nextID:  1,
	}
	c.Host = k
	return k
}

// Boot creates one thread per entry function, in order.
func (k *Kernel) Boot(entries []string) error {
	for _, name := range entries {
		fn, ok := k.CPU.Module.FuncIndex(name)
		if !ok {
			return fmt.Errorf("kernel: %w %q", ErrUnknownEntry, name)
		}
		if _, err := k.Spawn(0, fn, nil); err != nil {
			return err
		}
	}
	return nil
}

// Spawn allocates a stack and starts a thread running fn. Parent 0 means
// the thread was created by Boot.
func (k *Kernel) Spawn(parent, fn int, args []int32) (int, error) {
	id := k.nextID
	name := k.CPU.FuncName(fn)
	base, err := k.Memory.Allocate(k.cfg.StackSize, memory.PermRW, fmt.Sprintf("stack t%d", id))
	if err != nil {
		return 0, fmt.Errorf("kernel: spawn %s: %w", name, err)
	}
	ctx := cpu.NewThreadContext(id, k.cfg.Registers, base, base+k.cfg.StackSize)
	if flt := k.CPU.Enter(ctx, fn, args); flt != nil {
		if err := k.Memory.Free(base); err != nil {
			k.log.Printf("t=%d spawn %s: %v", k.clock, name, err)
		}
		return 0, fmt.Errorf("kernel: spawn %s: %w", name, flt)
	}
	k.nextID++

	t := &Thread{ID: id, Name: name, State: Ready, Ctx: ctx, Parent: parent, stack: base}
	k.threads[id] = t
	if p, ok := k.threads[parent]; ok {
		p.Children = append(p.Children, id)
	}
	k.Sched.Enqueue(id)
	k.log.Printf("t=%d spawn t%d %s parent=%d", k.clock, id, name, parent)
	return id, nil
}

// ChildrenAlive reports whether any thread spawned by tid has not
// terminated.
func (k *Kernel) ChildrenAlive(tid int) bool {
	t, ok := k.threads[tid]
	if !ok {
		return false
	}
	for _, c := range t.Children {
		if k.threads[c].State != Terminated {
			return true
		}
	}
	return false
}

// Feed queues input lines for SCAN.
func (k *Kernel) Feed(lines ...string) {
	k.pending = append(k.pending, lines...)
}

func (k *Kernel) ReadInput() (string, bool) {
	if len(k.pending) == 0 {
		return "", false
	}
	line := k.pending[0]
	k.pending = k.pending[1:]
	return line, true
}

// InputClosed is true once the source reported EOF, or right away when
// there is no source.
func (k *Kernel) InputClosed() bool {
	return k.inputClosed || k.Input == nil
}

// Clock is the number of ticks elapsed: one per executed instruction, plus
// any idle time skipped while every thread slept.
func (k *Kernel) Clock() int64 { return k.clock }

// Threads returns every thread ever created, by id.
func (k *Kernel) Threads() []*Thread {
	out := make([]*Thread, 0, len(k.threads))
	for _, t := range k.threads {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (k *Kernel) Thread(id int) (*Thread, bool) {
	t, ok := k.threads[id]
	return t, ok
}

// Faults lists every fault raised so far, in order.
func (k *Kernel) Faults() []cpu.Fault { return append([]cpu.Fault(nil), k.faults...) }

// Halted reports that a fault stopped the machine under HaltOnFault.
func (k *Kernel) Halted() bool { return k.halted }

// Done is true when no thread is ready or blocked.
func (k *Kernel) Done() bool {
	for _, t := range k.threads {
		if t.State != Terminated {
			return false
		}
	}
	return true
}

func (k *Kernel) terminate(t *Thread, code int32) {
	t.Final = t.Ctx.Snapshot()
	t.State = Terminated
	t.ExitCode = code
	k.Sched.Remove(t.ID)
	if k.Sched.Running == t.ID {
		k.Sched.Running = 0
	}
	if err := k.Memory.Free(t.stack); err != nil {
		k.log.Printf("t=%d t%d: %v", k.clock, t.ID, err)
	}
}

// Kill force-terminates a thread and reclaims its stack. Globals are left
// as they are.
func (k *Kernel) Kill(id int) error {
	t, ok := k.threads[id]
	if !ok {
		return fmt.Errorf("kernel: kill t%d: %w", id, ErrNoThread)
	}
	if t.State == Terminated {
		return fmt.Errorf("kernel: kill t%d: %w", id, ErrTerminated)
	}
	k.terminate(t, -1)
	k.log.Printf("t=%d kill t%d", k.clock, id)
	return nil
}

// wake moves every blocked thread whose condition holds back to the ready
// queue, in id order.
func (k *Kernel) wake() {
	for _, t := range k.Threads() {
		if t.State != Blocked {
			continue
		}
		var ready bool
		switch t.Block {
		case cpu.BlockSleep, cpu.BlockDisk:
			ready = t.WakeAt <= k.clock
		case cpu.BlockChildren:
			ready = !k.ChildrenAlive(t.ID)
		case cpu.BlockInput:
			ready = len(k.pending) > 0 || k.InputClosed()
		}
		if ready {
			t.State = Ready
			t.Block = cpu.BlockNone
			k.Sched.Enqueue(t.ID)
		}
	}
}

func (k *Kernel) waitingFor(reason cpu.BlockReason) bool {
	for _, t := range k.threads {
		if t.State == Blocked && t.Block == reason {
			return true
		}
	}
	return false
}

// nextWake is the earliest wake-up time of a sleeping thread.
func (k *Kernel) nextWake() (int64, bool) {
	at, found := int64(0), false
	for _, t := range k.threads {
		if t.State == Blocked && (t.Block == cpu.BlockSleep || t.Block == cpu.BlockDisk) {
			if !found || t.WakeAt < at {
				at, found = t.WakeAt, true
			}
		}
	}
	return at, found
}

// idle runs when nothing is ready. Time skips to the next timed wake-up;
// failing that, threads waiting for input get to pull a line.
func (k *Kernel) idle() (bool, error) {
	if at, ok := k.nextWake(); ok {
		if at > k.clock {
			k.clock = at
		}
		return true, nil
	}
	if k.waitingFor(cpu.BlockInput) && !k.InputClosed() {
		line, err := k.Input.ReadLine()
		switch {
		case err == nil:
			k.pending = append(k.pending, line)
			return true, nil
		case errors.Is(err, io.EOF):
			k.inputClosed = true
			return true, nil
		case errors.Is(err, ErrWouldBlock):
			return false, nil
		default:
			return false, fmt.Errorf("kernel: input: %w", err)
		}
	}
	return false, ErrDeadlock
}

// Step runs the thread at the head of the ready queue for one quantum. It
// reports false when nothing could run and the kernel is waiting for input.
func (k *Kernel) Step() (bool, error) {
	if k.Done() || k.halted {
		return false, nil
	}
	k.wake()
	id, ok := k.Sched.Next()
	if !ok {
		return k.idle()
	}

	t := k.threads[id]
	t.State = Running
	k.Sched.Running = id
	res := k.CPU.Run(t.Ctx, k.cfg.Quantum)
	k.clock += int64(res.Steps)
	k.Sched.Running = 0

	switch res.Status {
	case cpu.Continuing, cpu.Yielded:
		t.State = Ready
		k.Sched.Enqueue(id)
	case cpu.Blocked:
		t.State = Blocked
		t.Block = res.Block
		t.WakeAt = k.clock + res.Ticks
	case cpu.Terminated:
		k.terminate(t, res.ExitCode)
		k.log.Printf("t=%d t%d exit %d", k.clock, id, res.ExitCode)
	case cpu.Faulted:
		t.Fault = res.Fault
		k.faults = append(k.faults, *res.Fault)
		k.terminate(t, -1)
		k.log.Printf("t=%d %v", k.clock, res.Fault)
		if k.cfg.HaltOnFault {
			k.halted = true
		}
	}
	return true, nil
}

// Run steps until every thread has terminated, a fault halts the machine,
// the step limit is hit or ctx is done.
func (k *Kernel) Run(ctx context.Context) error {
	for !k.Done() && !k.halted {
		if err := ctx.Err(); err != nil {
			return err
		}
		if k.cfg.StepLimit > 0 && k.clock >= k.cfg.StepLimit {
			return fmt.Errorf("kernel: %w after %d ticks", ErrStepLimit, k.clock)
		}
		progressed, err := k.Step()
		if err != nil {
			return err
		}
		if !progressed {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollInterval):
			}
		}
	}
	return nil
}
