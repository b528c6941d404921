package machine

import (
	"errors"
	"fmt"
	"log"
	"math/bits"

	"github.com/xyproto/env/v2"
)

var ErrBadConfig = errors.New("invalid machine configuration")

// Config sizes the simulated machine. The zero value is not usable; start
// from DefaultConfig or ConfigFromEnv.
type Config struct {
	// Registers is the size of the physical register file (R).
	Registers int
	// MemorySize is the addressable range in bytes, excluding the
	// unmapped page at address 0.
	MemorySize uint32
	PageSize   uint32
	// StackSize is reserved per thread, rounded up to whole pages.
	StackSize uint32
	// Quantum is the instruction budget of one scheduling turn.
	Quantum int
	// DiskLatency is how many ticks a disk read keeps its thread blocked.
	DiskLatency int64
	// MaxSpillSlots bounds frame slots per function. Zero means no bound.
	MaxSpillSlots int
	HaltOnFault   bool
	// StepLimit aborts Run after that many ticks. Zero means no limit.
	StepLimit int64
	// StoragePath is a host directory whose files are mounted at New.
	StoragePath string

	Logger *log.Logger `json:"-"`
}

func DefaultConfig() Config {
	return Config{
		Registers:     8,
		MemorySize:    1 << 20,
		PageSize:      4096,
		StackSize:     16 << 10,
		Quantum:       64,
		MaxSpillSlots: 256,
	}
}

// ConfigFromEnv starts from DefaultConfig and applies the TOSTITOS_*
// environment overrides.
func ConfigFromEnv() (Config, error) {
	c := DefaultConfig()
	c.Registers = env.Int("TOSTITOS_REGISTERS", c.Registers)
	c.MemorySize = uint32(env.Int("TOSTITOS_MEMORY", int(c.MemorySize)))
	c.PageSize = uint32(env.Int("TOSTITOS_PAGE_SIZE", int(c.PageSize)))
	c.StackSize = uint32(env.Int("TOSTITOS_STACK", int(c.StackSize)))
	c.Quantum = env.Int("TOSTITOS_QUANTUM", c.Quantum)
	c.DiskLatency = int64(env.Int("TOSTITOS_DISK_LATENCY", int(c.DiskLatency)))
	c.MaxSpillSlots = env.Int("TOSTITOS_SPILL_SLOTS", c.MaxSpillSlots)
	c.HaltOnFault = env.Bool("TOSTITOS_HALT_ON_FAULT")
	c.StepLimit = int64(env.Int("TOSTITOS_STEP_LIMIT", int(c.StepLimit)))
	c.StoragePath = env.Str("TOSTITOS_STORAGE", c.StoragePath)
	return c, c.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.Registers < 3:
		return fmt.Errorf("%w: %d registers, need at least 3", ErrBadConfig, c.Registers)
	case c.PageSize == 0 || bits.OnesCount32(c.PageSize) != 1:
		return fmt.Errorf("%w: page size %d is not a power of two", ErrBadConfig, c.PageSize)
	case c.MemorySize == 0 || c.MemorySize%c.PageSize != 0:
		return fmt.Errorf("%w: memory size %d is not a multiple of the page size", ErrBadConfig, c.MemorySize)
	case c.StackSize == 0 || c.StackSize > c.MemorySize:
		return fmt.Errorf("%w: stack size %d", ErrBadConfig, c.StackSize)
	case c.Quantum < 1:
		return fmt.Errorf("%w: quantum %d", ErrBadConfig, c.Quantum)
	case c.MaxSpillSlots < 0 || c.DiskLatency < 0 || c.StepLimit < 0:
		return fmt.Errorf("%w: negative limit", ErrBadConfig)
	}
	return nil
}

func (c Config) stackPages() uint32 {
	return (c.StackSize + c.PageSize - 1) / c.PageSize * c.PageSize
}
