//go:build !js

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/faouellet/Tostitos/pkg/asm"
	"github.com/faouellet/Tostitos/pkg/codegen"
	"github.com/faouellet/Tostitos/pkg/machine"
)

func main() {
	inPath := flag.String("in", "", "input program: a .json syntax tree or .vasm assembly")
	outPath := flag.String("out", "", "output assembly path (default: input with .vasm extension)")
	runProgram := flag.Bool("run", false, "run the program given with -in")
	runAsmPath := flag.String("run-asm", "", "run an existing assembly file")
	storagePath := flag.String("storage", "", "directory whose files are mounted on the disk")
	snapshotPath := flag.String("snapshot", "", "write a machine snapshot archive here after the run")
	quantum := flag.Int("quantum", 0, "instructions per scheduling turn (default from environment)")
	regs := flag.Int("regs", 0, "physical registers (default from environment)")
	verbose := flag.Bool("v", false, "log machine events to stderr")
	flag.Parse()

	if *runProgram && *runAsmPath != "" {
		fmt.Fprintln(os.Stderr, "use either -run or -run-asm, not both")
		os.Exit(2)
	}
	if *inPath == "" && *runAsmPath == "" {
		fmt.Fprintln(os.Stderr, "nothing to do: provide -in to compile, -run to also run it, or -run-asm <file> to run existing assembly")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := machine.ConfigFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if *storagePath != "" {
		cfg.StoragePath = *storagePath
	}
	if *quantum > 0 {
		cfg.Quantum = *quantum
	}
	if *regs > 0 {
		cfg.Registers = *regs
	}
	if *verbose {
		cfg.Logger = log.New(os.Stderr, "[machine] ", log.Lmicroseconds)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	var mod *codegen.Module
	if *inPath != "" {
		mod, _, err = machine.ReadProgram(*inPath, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "build failed for %q: %v\n", *inPath, err)
			os.Exit(1)
		}
		for _, d := range mod.Diagnostics {
			fmt.Fprintln(os.Stderr, "warning:", d)
		}

		output := *outPath
		if output == "" {
			output = defaultOutputPath(*inPath)
		}
		if output != *inPath {
			text := asm.Format(mod)
			if err := os.WriteFile(output, []byte(text), 0o644); err != nil {
				fmt.Fprintf(os.Stderr, "failed to write assembly file %q: %v\n", output, err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stderr, "compiled %d functions -> %s\n", len(mod.Functions), output)
		}
	}

	switch {
	case *runAsmPath != "":
		mod, _, err = machine.ReadProgram(*runAsmPath, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "assembly failed for %q: %v\n", *runAsmPath, err)
			os.Exit(1)
		}
	case *runProgram:
	default:
		return
	}

	code, err := runModule(mod, cfg, *snapshotPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
		os.Exit(1)
	}
	os.Exit(code)
}

func defaultOutputPath(inPath string) string {
	ext := filepath.Ext(inPath)
	if ext == "" {
		return inPath + ".vasm"
	}
	return strings.TrimSuffix(inPath, ext) + ".vasm"
}

// lineInput feeds scan from a reader, one line at a time.
type lineInput struct {
	sc *bufio.Scanner
}

func (l *lineInput) ReadLine() (string, error) {
	if l.sc.Scan() {
		return l.sc.Text(), nil
	}
	if err := l.sc.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// runModule runs mod to completion with standard input as its input and
// returns the process exit code.
func runModule(mod *codegen.Module, cfg machine.Config, snapshotPath string) (int, error) {
	m, err := machine.New(cfg)
	if err != nil {
		return 1, err
	}
	defer m.Close()
	m.SetInput(&lineInput{sc: bufio.NewScanner(os.Stdin)})
	if err := m.Load(mod); err != nil {
		return 1, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	out, runErr := m.Run(ctx)

	if snapshotPath != "" {
		if err := m.SnapshotToFile(snapshotPath); err != nil {
			return 1, fmt.Errorf("snapshot: %w", err)
		}
		fmt.Fprintf(os.Stderr, "snapshot written to %s\n", snapshotPath)
	}
	if runErr != nil {
		return 1, runErr
	}

	fmt.Fprintf(os.Stderr, "run %s: clock=%d threads=%d\n", out.Kind, out.Clock, len(m.Threads()))
	for i := range out.Faults {
		fmt.Fprintf(os.Stderr, "  %v\n", &out.Faults[i])
	}
	if out.Kind == machine.Faulted {
		return 3, nil
	}
	return 0, nil
}
