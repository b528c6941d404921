package cpu

import (
	"fmt"

	"github.com/faouellet/Tostitos/pkg/ir"
)

type FaultKind int

const (
	FaultIllegalInstruction FaultKind = iota
	FaultOperand
	FaultMemory
	FaultStackOverflow
	FaultDivideByZero
	FaultIO
	FaultTrap
	FaultResource
)

var faultNames = [...]string{
	FaultIllegalInstruction: "illegal instruction",
	FaultOperand:            "malformed operand",
	FaultMemory:             "memory access violation",
	FaultStackOverflow:      "stack overflow",
	FaultDivideByZero:       "division by zero",
	FaultIO:                 "unhandled I/O error",
	FaultTrap:               "trap",
	FaultResource:           "out of resources",
}

func (k FaultKind) String() string {
	if int(k) < len(faultNames) {
		return faultNames[k]
	}
	return fmt.Sprintf("FaultKind(%d)", int(k))
}

// Fault is a runtime trap. It stops the thread that raised it and nothing
// else.
type Fault struct {
	Thread int
	Kind   FaultKind
	Func   string
	PC     int
	Op     ir.Opcode
	// Addr is the offending address for memory faults.
	Addr uint32
	// Code is the operand of an explicit TRAP.
	Code int32
	Err  error
}

func (f *Fault) Error() string {
	msg := fmt.Sprintf("thread %d: %s at %s+%d (%s)", f.Thread, f.Kind, f.Func, f.PC, f.Op)
	switch {
	case f.Kind == FaultTrap:
		msg += fmt.Sprintf(": code %d", f.Code)
	case f.Kind == FaultMemory || f.Kind == FaultStackOverflow:
		msg += fmt.Sprintf(": address 0x%08X", f.Addr)
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Fault) Unwrap() error { return f.Err }
