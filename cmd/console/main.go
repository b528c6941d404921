// Command console runs a program on the simulated machine and answers its
// scan statements from an interactive prompt.
//
// Lines starting with ':' are console commands instead of program input:
//
//	:threads        list every thread and its state
//	:mem ADDR N     hex dump N bytes at ADDR
//	:quit           close the input
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/faouellet/Tostitos/pkg/grid"
	"github.com/faouellet/Tostitos/pkg/machine"
)

const historyFile = ".tostitos_history"

// promptInput feeds scan from a liner prompt.
type promptInput struct {
	ln *liner.State
	m  *machine.Machine
}

func (p *promptInput) ReadLine() (string, error) {
	for {
		line, err := p.ln.Prompt("? ")
		if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
			return "", io.EOF
		}
		if err != nil {
			return "", err
		}
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, ":") {
			p.ln.AppendHistory(line)
			return line, nil
		}
		if quit := p.command(strings.Fields(trimmed)); quit {
			return "", io.EOF
		}
	}
}

func (p *promptInput) command(args []string) (quit bool) {
	switch args[0] {
	case ":quit":
		return true
	case ":threads":
		for _, t := range p.m.Threads() {
			fmt.Printf("t%-3d %-12s %-10s pc=%d sp=0x%08X", t.ID, t.Name, t.State, t.Context.PC, t.Context.SP)
			if t.Fault != nil {
				fmt.Printf(" %v", t.Fault)
			}
			fmt.Println()
		}
	case ":mem":
		if len(args) != 3 {
			fmt.Println("usage: :mem ADDR N")
			return false
		}
		addr, err1 := strconv.ParseUint(args[1], 0, 32)
		n, err2 := strconv.ParseUint(args[2], 0, 16)
		if err1 != nil || err2 != nil {
			fmt.Println("usage: :mem ADDR N")
			return false
		}
		for _, l := range grid.HexLines(uint32(addr), p.m.MemoryDump(uint32(addr), uint32(n)), 16) {
			fmt.Println(l)
		}
	default:
		fmt.Println("unknown command. Try :threads, :mem or :quit.")
	}
	return false
}

func main() {
	storage := flag.String("storage", "", "directory whose files are mounted on the disk")
	quantum := flag.Int("quantum", 0, "instructions per scheduling turn (default from environment)")
	trace := flag.Bool("trace", false, "log scheduling decisions to stderr")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: console [flags] program.json|program.vasm")
		os.Exit(2)
	}

	cfg, err := machine.ConfigFromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *storage != "" {
		cfg.StoragePath = *storage
	}
	if *quantum > 0 {
		cfg.Quantum = *quantum
	}
	if *trace {
		cfg.Logger = log.New(os.Stderr, "[machine] ", 0)
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

	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)

	home, _ := os.UserHomeDir()
	histPath := filepath.Join(home, historyFile)
	if f, err := os.Open(histPath); err == nil {
		_, _ = ln.ReadHistory(f)
		_ = f.Close()
	}
	defer func() {
		if f, err := os.Create(histPath); err == nil {
			_, _ = ln.WriteHistory(f)
			_ = f.Close()
		}
	}()

	m.SetInput(&promptInput{ln: ln, m: m})
	if err := m.Load(mod); err != nil {
		ln.Close()
		log.Fatalf("load failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	out, err := m.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run stopped: %v\n", err)
	}
	fmt.Fprintf(os.Stderr, "%s after %d ticks\n", out.Kind, out.Clock)
	for _, f := range out.Faults {
		fmt.Fprintf(os.Stderr, "  %v\n", &f)
	}
	if out.Kind == machine.Faulted || err != nil {
		ln.Close()
		os.Exit(1)
	}
}
