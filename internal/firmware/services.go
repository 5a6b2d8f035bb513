// Package firmware simulates the boot-services page allocator and physical
// memory a pre-OS loader runs against.
package firmware

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/tinyrange/kload/internal/align"
)

// PageSize is the firmware allocation granularity.
const PageSize = 0x1000

var (
	// ErrNotFound is returned when the requested pages are not free.
	ErrNotFound = errors.New("firmware: pages not found")
	// ErrInvalidParameter is returned for zero-length, unaligned or
	// out-of-range requests.
	ErrInvalidParameter = errors.New("firmware: invalid parameter")
)

// Region is a physical range given to Config.Reserved.
type Region struct {
	Base uint64
	Size uint64
}

// Config parameterises a BootServices instance.
type Config struct {
	// MemorySize is the amount of RAM, starting at physical address zero.
	MemorySize uint64
	// Reserved ranges are removed from conventional memory before any
	// allocation is served.
	Reserved []Region
	// RelocatePinned makes pinned requests for busy ranges succeed at the
	// lowest free fit instead of failing.
	RelocatePinned bool
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// BootServices owns simulated physical RAM and its memory map.
type BootServices struct {
	mu sync.Mutex

	ram     []byte
	release func() error
	descs   []Descriptor

	relocatePinned bool
	logger         *slog.Logger
}

// New maps cfg.MemorySize bytes of RAM and builds the initial memory map.
func New(cfg Config) (*BootServices, error) {
	size := align.Down(cfg.MemorySize, PageSize)
	if size < 2*PageSize {
		return nil, fmt.Errorf("%w: memory size %#x too small", ErrInvalidParameter, cfg.MemorySize)
	}
	if size > math.MaxInt {
		return nil, fmt.Errorf("%w: memory size %#x exceeds host limits", ErrInvalidParameter, size)
	}

	ram, release, err := mapRAM(int(size))
	if err != nil {
		return nil, fmt.Errorf("map firmware RAM: %w", err)
	}

	descs := DefaultMemoryMap(size)
	for _, r := range cfg.Reserved {
		descs = reserve(descs, r.Base, r.Size)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &BootServices{
		ram:            ram,
		release:        release,
		descs:          descs,
		relocatePinned: cfg.RelocatePinned,
		logger:         logger,
	}, nil
}

// Close releases the RAM backing. Views handed out by Region become invalid.
func (b *BootServices) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.release == nil {
		return nil
	}
	err := b.release()
	b.release = nil
	b.ram = nil
	return err
}

// MemorySize returns the number of bytes of RAM.
func (b *BootServices) MemorySize() uint64 {
	return uint64(len(b.ram))
}

func (b *BootServices) checkRange(addr, pages uint64) error {
	if pages == 0 {
		return fmt.Errorf("%w: zero pages", ErrInvalidParameter)
	}
	if !align.IsAligned(addr, PageSize) {
		return fmt.Errorf("%w: address %#x not page aligned", ErrInvalidParameter, addr)
	}
	if pages > (math.MaxUint64-addr)/PageSize {
		return fmt.Errorf("%w: %d pages at %#x overflow", ErrInvalidParameter, pages, addr)
	}
	if end := addr + pages*PageSize; end > uint64(len(b.ram)) {
		return fmt.Errorf("%w: [%#x-%#x) beyond RAM end %#x", ErrInvalidParameter, addr, end, len(b.ram))
	}
	return nil
}

// AllocatePagesAt requests pages of conventional memory starting exactly at
// addr and returns the address actually granted.
func (b *BootServices) AllocatePagesAt(addr, pages uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkRange(addr, pages); err != nil {
		return 0, err
	}
	if covered(b.descs, addr, pages, MemoryConventional) {
		b.descs = retype(b.descs, addr, pages, MemoryLoaderData)
		b.logger.Debug("allocate pages", "addr", fmt.Sprintf("%#x", addr), "pages", pages)
		return addr, nil
	}
	if !b.relocatePinned {
		return 0, fmt.Errorf("%w: [%#x-%#x) is not free", ErrNotFound, addr, addr+pages*PageSize)
	}

	got, err := b.allocateAnyLocked(pages)
	if err != nil {
		return 0, err
	}
	b.logger.Warn("pinned allocation relocated",
		"requested", fmt.Sprintf("%#x", addr), "granted", fmt.Sprintf("%#x", got), "pages", pages)
	return got, nil
}

func (b *BootServices) allocateAnyLocked(pages uint64) (uint64, error) {
	for _, d := range b.descs {
		if d.Type != MemoryConventional || d.Pages < pages {
			continue
		}
		b.descs = retype(b.descs, d.PhysStart, pages, MemoryLoaderData)
		return d.PhysStart, nil
	}
	return 0, fmt.Errorf("%w: no run of %d free pages", ErrNotFound, pages)
}

// Region returns a writable view of [addr, addr+size). The whole range must
// have been granted by AllocatePagesAt.
func (b *BootServices) Region(addr, size uint64) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if size == 0 {
		return nil, nil
	}
	if addr > uint64(len(b.ram)) || size > uint64(len(b.ram))-addr {
		return nil, fmt.Errorf("%w: [%#x-%#x) beyond RAM end %#x", ErrInvalidParameter, addr, addr+size, len(b.ram))
	}
	lo := align.Down(addr, PageSize)
	hi := align.Up(addr+size, PageSize)
	if !covered(b.descs, lo, (hi-lo)/PageSize, MemoryLoaderData) {
		return nil, fmt.Errorf("%w: [%#x-%#x) was not allocated", ErrNotFound, addr, addr+size)
	}
	return b.ram[addr : addr+size : addr+size], nil
}

// MemoryMap returns a copy of the current memory map in address order.
func (b *BootServices) MemoryMap() []Descriptor {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]Descriptor(nil), b.descs...)
}
