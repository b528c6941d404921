// Package memory implements the simulated machine's paged address space.
//
// The address space is a range [Base, Limit) carved into fixed-size pages.
// Regions are runs of pages handed out by Allocate; every access is checked
// byte by byte against the page that holds it.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
)

type Perm uint8

const (
	PermR Perm = 1 << iota
	PermW
	PermX

	PermRW = PermR | PermW
)

func (p Perm) String() string {
	b := []byte("---")
	if p&PermR != 0 {
		b[0] = 'r'
	}
	if p&PermW != 0 {
		b[1] = 'w'
	}
	if p&PermX != 0 {
		b[2] = 'x'
	}
	return string(b)
}

var (
	ErrUnmapped     = errors.New("address not mapped")
	ErrProtection   = errors.New("access violates page protection")
	ErrOutOfMemory  = errors.New("address space exhausted")
	ErrNotAllocated = errors.New("no region starts at address")
	ErrBadGeometry  = errors.New("invalid memory geometry")
)

// AccessKind says which check an access failed.
type AccessKind int

const (
	Unmapped AccessKind = iota
	Protection
)

func (k AccessKind) String() string {
	if k == Protection {
		return "protection"
	}
	return "unmapped"
}

// AccessError is returned for any load or store that touches an unmapped
// byte or a page without the needed permission.
type AccessError struct {
	Addr  uint32
	Kind  AccessKind
	Write bool
}

func (e *AccessError) Error() string {
	op := "read"
	if e.Write {
		op = "write"
	}
	return fmt.Sprintf("memory: %s of 0x%08X: %s", op, e.Addr, e.Unwrap())
}

func (e *AccessError) Unwrap() error {
	if e.Kind == Protection {
		return ErrProtection
	}
	return ErrUnmapped
}

// Page is one mapped page.
type Page struct {
	Addr uint32
	Perm Perm
	Data []byte
}

// Region describes one allocation.
type Region struct {
	Addr  uint32
	Size  uint32
	Perm  Perm
	Owner string
}

func (r Region) End() uint32 { return r.Addr + r.Size }

func (r Region) String() string {
	return fmt.Sprintf("0x%08X-0x%08X %s %s", r.Addr, r.End(), r.Perm, r.Owner)
}

type Memory struct {
	Base     uint32
	PageSize uint32
	Limit    uint32

	pages   map[uint32]*Page // keyed by page number
	regions map[uint32]*Region
	top     uint32 // first address never handed out
}

// New creates an empty address space of size bytes starting at base.
// Base and size must be multiples of pageSize, a power of two.
func New(base, size, pageSize uint32) (*Memory, error) {
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		return nil, fmt.Errorf("%w: page size %d is not a power of two", ErrBadGeometry, pageSize)
	}
	if base%pageSize != 0 || size%pageSize != 0 || size == 0 {
		return nil, fmt.Errorf("%w: base 0x%X size %d page %d", ErrBadGeometry, base, size, pageSize)
	}
	if uint64(base)+uint64(size) > 1<<32 {
		return nil, fmt.Errorf("%w: range exceeds 32-bit addresses", ErrBadGeometry)
	}
	return &Memory{
		Base:     base,
		PageSize: pageSize,
		Limit:    base + size,
		pages:    make(map[uint32]*Page),
		regions:  make(map[uint32]*Region),
		top:      base,
	}, nil
}

func (m *Memory) roundUp(n uint32) uint32 {
	return (n + m.PageSize - 1) &^ (m.PageSize - 1)
}

func (m *Memory) free(addr, size uint32) bool {
	for a := addr; a < addr+size; a += m.PageSize {
		if _, ok := m.pages[a/m.PageSize]; ok {
			return false
		}
	}
	return true
}

// Allocate maps size bytes, rounded up to whole pages, and returns the
// region's address. The lowest hole left by Free that fits is reused first;
// otherwise the mapped range grows upward.
func (m *Memory) Allocate(size uint32, perm Perm, owner string) (uint32, error) {
	if size == 0 {
		size = 1
	}
	n := m.roundUp(size)
	if n < size {
		return 0, ErrOutOfMemory
	}

	addr, found := uint32(0), false
	for a := m.Base; a+n <= m.top && a+n > a; a += m.PageSize {
		if m.free(a, n) {
			addr, found = a, true
			break
		}
	}
	if !found {
		if uint64(m.top)+uint64(n) > uint64(m.Limit) {
			return 0, fmt.Errorf("%w: %d bytes for %s", ErrOutOfMemory, size, owner)
		}
		addr = m.top
		m.top += n
	}

	for a := addr; a < addr+n; a += m.PageSize {
		m.pages[a/m.PageSize] = &Page{Addr: a, Perm: perm, Data: make([]byte, m.PageSize)}
	}
	m.regions[addr] = &Region{Addr: addr, Size: n, Perm: perm, Owner: owner}
	return addr, nil
}

// Free unmaps the region that starts at addr.
func (m *Memory) Free(addr uint32) error {
	r, ok := m.regions[addr]
	if !ok {
		return fmt.Errorf("memory: free 0x%08X: %w", addr, ErrNotAllocated)
	}
	for a := r.Addr; a < r.End(); a += m.PageSize {
		delete(m.pages, a/m.PageSize)
	}
	delete(m.regions, addr)
	return nil
}

// Protect changes the permissions of the region that starts at addr.
func (m *Memory) Protect(addr uint32, perm Perm) error {
	r, ok := m.regions[addr]
	if !ok {
		return fmt.Errorf("memory: protect 0x%08X: %w", addr, ErrNotAllocated)
	}
	r.Perm = perm
	for a := r.Addr; a < r.End(); a += m.PageSize {
		m.pages[a/m.PageSize].Perm = perm
	}
	return nil
}

// check verifies every byte of [addr, addr+n) and returns the first failure.
func (m *Memory) check(addr, n uint32, need Perm, write bool) error {
	for i := uint32(0); i < n; i++ {
		a := addr + i
		if a < addr {
			return &AccessError{Addr: a, Kind: Unmapped, Write: write}
		}
		p, ok := m.pages[a/m.PageSize]
		if !ok {
			return &AccessError{Addr: a, Kind: Unmapped, Write: write}
		}
		if p.Perm&need != need {
			return &AccessError{Addr: a, Kind: Protection, Write: write}
		}
	}
	return nil
}

func (m *Memory) byteAt(a uint32) *byte {
	p := m.pages[a/m.PageSize]
	return &p.Data[a%m.PageSize]
}

// ReadBytes copies n bytes starting at addr.
func (m *Memory) ReadBytes(addr, n uint32) ([]byte, error) {
	if err := m.check(addr, n, PermR, false); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = *m.byteAt(addr + uint32(i))
	}
	return out, nil
}

// WriteBytes stores b at addr. Nothing is written unless every byte is
// writable.
func (m *Memory) WriteBytes(addr uint32, b []byte) error {
	if err := m.check(addr, uint32(len(b)), PermW, true); err != nil {
		return err
	}
	for i, v := range b {
		*m.byteAt(addr + uint32(i)) = v
	}
	return nil
}

// Load reads a little-endian value of size 1 or 4 bytes.
func (m *Memory) Load(addr, size uint32) (uint32, error) {
	b, err := m.ReadBytes(addr, size)
	if err != nil {
		return 0, err
	}
	if size == 1 {
		return uint32(b[0]), nil
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Store writes a little-endian value of size 1 or 4 bytes.
func (m *Memory) Store(addr, size, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return m.WriteBytes(addr, b[:size])
}

// ReadCString reads a NUL-terminated string of at most max bytes.
func (m *Memory) ReadCString(addr, max uint32) (string, error) {
	var sb strings.Builder
	for i := uint32(0); i < max; i++ {
		c, err := m.Load(addr+i, 1)
		if err != nil {
			return "", err
		}
		if c == 0 {
			return sb.String(), nil
		}
		sb.WriteByte(byte(c))
	}
	return sb.String(), nil
}

// Dump returns a copy of n bytes from addr, ignoring protection. Unmapped
// bytes read as zero.
func (m *Memory) Dump(addr, n uint32) []byte {
	out := make([]byte, n)
	for i := range out {
		a := addr + uint32(i)
		if p, ok := m.pages[a/m.PageSize]; ok {
			out[i] = p.Data[a%m.PageSize]
		}
	}
	return out
}

// Mapped reports whether addr lies in a mapped page.
func (m *Memory) Mapped(addr uint32) bool {
	_, ok := m.pages[addr/m.PageSize]
	return ok
}

// Regions lists the live allocations by address.
func (m *Memory) Regions() []Region {
	out := make([]Region, 0, len(m.regions))
	for _, r := range m.regions {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// InUse is the number of mapped bytes.
func (m *Memory) InUse() uint32 {
	return uint32(len(m.pages)) * m.PageSize
}
