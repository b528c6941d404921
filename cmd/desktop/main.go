// Command desktop runs a program in a window that shows the thread table,
// the program output and a live view of memory.
//
// Keys: F5 pauses and resumes, F10 runs one scheduling turn while paused,
// PageUp and PageDown scroll the memory view, Enter sends the typed line to
// the program and Escape closes its input.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"image/color"
	"io"
	"log"
	"os"
	"strings"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/inpututil"
	"github.com/hajimehoshi/ebiten/v2/text/v2"
	"golang.org/x/image/font/basicfont"

	"github.com/faouellet/Tostitos/pkg/grid"
	"github.com/faouellet/Tostitos/pkg/kernel"
	"github.com/faouellet/Tostitos/pkg/machine"
)

const (
	screenWidth  = 800
	screenHeight = 600
	lineHeight   = 14
	outputLines  = 14
	memoryBytes  = 256
	bytesPerRow  = 16
)

var (
	dimColor   = color.RGBA{0x90, 0x90, 0x90, 0xff}
	textColor  = color.RGBA{0xe0, 0xe0, 0xe0, 0xff}
	faultColor = color.RGBA{0xff, 0x60, 0x60, 0xff}
)

// lineQueue hands typed lines to scan without ever blocking the frame.
type lineQueue struct {
	lines  []string
	closed bool
}

func (q *lineQueue) Push(line string) { q.lines = append(q.lines, line) }

func (q *lineQueue) Close() { q.closed = true }

func (q *lineQueue) ReadLine() (string, error) {
	if len(q.lines) > 0 {
		line := q.lines[0]
		q.lines = q.lines[1:]
		return line, nil
	}
	if q.closed {
		return "", io.EOF
	}
	return "", kernel.ErrWouldBlock
}

type Game struct {
	m      *machine.Machine
	out    *bytes.Buffer
	in     *lineQueue
	face   text.Face
	turns  int
	paused bool
	typing []rune
	view   uint32
	err    error
}

func newGame(m *machine.Machine, out *bytes.Buffer, in *lineQueue, turns int) *Game {
	return &Game{
		m:     m,
		out:   out,
		in:    in,
		face:  text.NewGoXFace(basicfont.Face7x13),
		turns: turns,
		view:  m.Layout().Data,
	}
}

func (g *Game) Update() error {
	g.typing = ebiten.AppendInputChars(g.typing)
	if inpututil.IsKeyJustPressed(ebiten.KeyBackspace) && len(g.typing) > 0 {
		g.typing = g.typing[:len(g.typing)-1]
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyEnter) {
		g.in.Push(string(g.typing))
		fmt.Fprintf(g.out, "> %s\n", string(g.typing))
		g.typing = g.typing[:0]
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyEscape) {
		g.in.Close()
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyPageDown) {
		g.view += memoryBytes
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyPageUp) && g.view >= memoryBytes {
		g.view -= memoryBytes
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyF5) {
		g.paused = !g.paused
	}

	switch {
	case g.err != nil || g.m.Done():
	case g.paused:
		if inpututil.IsKeyJustPressed(ebiten.KeyF10) {
			g.step(1)
		}
	default:
		g.step(g.turns)
	}
	return nil
}

// step runs up to n scheduling turns and stops early when the machine
// waits for input.
func (g *Game) step(n int) {
	for i := 0; i < n && !g.m.Done(); i++ {
		progressed, err := g.m.Step()
		if err != nil {
			g.err = err
			return
		}
		if !progressed {
			return
		}
	}
}

func (g *Game) drawLines(screen *ebiten.Image, lines []string, x, y float64, clr color.Color) {
	op := &text.DrawOptions{}
	op.GeoM.Translate(x, y)
	op.ColorScale.ScaleWithColor(clr)
	op.LineSpacing = lineHeight
	text.Draw(screen, strings.Join(lines, "\n"), g.face, op)
}

func (g *Game) Draw(screen *ebiten.Image) {
	y := 8.0
	g.drawLines(screen, []string{statusLine(g.m.Outcome(), g.m.Done(), g.paused, g.err)}, 8, y, textColor)
	y += 2 * lineHeight

	threads := threadLines(g.m.Threads())
	g.drawLines(screen, threads, 8, y, textColor)
	y += float64(len(threads)+1) * lineHeight

	g.drawLines(screen, tail(g.out.String(), outputLines), 8, y, textColor)
	y += outputLines * lineHeight
	g.drawLines(screen, []string{"> " + string(g.typing) + "_"}, 8, y, dimColor)
	y += 2 * lineHeight

	dump := grid.HexLines(g.view, g.m.MemoryDump(g.view, memoryBytes), bytesPerRow)
	g.drawLines(screen, dump, 8, y, dimColor)

	if out := g.m.Outcome(); out.Fault != nil {
		g.drawLines(screen, []string{out.Fault.Error()}, 8, screenHeight-2*lineHeight, faultColor)
	}
}

func (g *Game) Layout(outsideWidth, outsideHeight int) (int, int) {
	return screenWidth, screenHeight
}

func statusLine(out machine.Outcome, done, paused bool, err error) string {
	state := "running"
	switch {
	case err != nil:
		state = "stopped: " + err.Error()
	case done:
		state = out.Kind.String()
	case paused:
		state = "paused"
	}
	return fmt.Sprintf("clock %-10d %s", out.Clock, state)
}

func threadLines(threads []machine.ThreadInfo) []string {
	lines := []string{fmt.Sprintf("%-5s %-14s %-11s %-6s %-10s", "tid", "name", "state", "pc", "sp")}
	for _, t := range threads {
		state := t.State.String()
		if t.State == kernel.Blocked {
			state = t.Block.String()
		}
		lines = append(lines, fmt.Sprintf("t%-4d %-14s %-11s %-6d %08X", t.ID, t.Name, state, t.Context.PC, t.Context.SP))
	}
	return lines
}

// tail returns the last n lines of s.
func tail(s string, n int) []string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

func main() {
	storage := flag.String("storage", "", "directory whose files are mounted on the disk")
	turns := flag.Int("turns", 8, "scheduling turns per frame")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: desktop [flags] program.json|program.vasm")
		os.Exit(2)
	}

	cfg, err := machine.ConfigFromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *storage != "" {
		cfg.StoragePath = *storage
	}
	mod, _, err := machine.ReadProgram(flag.Arg(0), cfg)
	if err != nil {
		log.Fatalf("build failed: %v", err)
	}
	m, err := machine.New(cfg)
	if err != nil {
		log.Fatalf("machine: %v", err)
	}
	defer m.Close()

	out := new(bytes.Buffer)
	in := &lineQueue{}
	m.Output = out
	m.SetInput(in)
	if err := m.Load(mod); err != nil {
		log.Fatalf("load failed: %v", err)
	}

	ebiten.SetWindowResizingMode(ebiten.WindowResizingModeEnabled)
	ebiten.SetWindowSize(screenWidth, screenHeight)
	ebiten.SetWindowTitle("Tostitos")
	if err := ebiten.RunGame(newGame(m, out, in, *turns)); err != nil {
		log.Fatal(err)
	}
}
