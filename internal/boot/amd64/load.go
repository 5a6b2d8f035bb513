package amd64

import (
	"errors"
	"fmt"
	"log/slog"
)

// PageAllocator is the firmware page allocator. AllocatePagesAt must grant
// pages starting exactly at addr; any other address is treated as fatal.
type PageAllocator interface {
	AllocatePagesAt(addr, pages uint64) (uint64, error)
}

// PhysicalMemory gives temporary write access to granted physical ranges.
// The returned slice is not retained past the copy.
type PhysicalMemory interface {
	Region(addr, size uint64) ([]byte, error)
}

// RangeRecorder is told about every physical range the loader claims.
type RangeRecorder interface {
	RecordAllocation(addr, pages uint64)
}

// Placement describes one segment that was written to physical memory.
type Placement struct {
	Segment  Segment
	PhysAddr uint64
	Pages    uint64
}

// Placer copies loadable segments to their physical addresses.
type Placer struct {
	Allocator PageAllocator
	Memory    PhysicalMemory
	Tracker   RangeRecorder

	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// OnPlaced, if set, is called after each segment is fully written.
	OnPlaced func(Placement)
}

func (p *Placer) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Place allocates, records and fills every segment in order. It stops at
// the first failure and does not undo segments already placed.
func (p *Placer) Place(raw []byte, segments []Segment) error {
	if p.Allocator == nil || p.Memory == nil || p.Tracker == nil {
		return errors.New("placer requires an allocator, physical memory and a tracker")
	}
	for _, seg := range segments {
		if err := p.placeSegment(raw, seg); err != nil {
			return err
		}
	}
	return nil
}

func (p *Placer) placeSegment(raw []byte, seg Segment) error {
	if err := checkSegment(seg, uint64(len(raw))); err != nil {
		return err
	}
	if seg.MemSize == 0 {
		p.logger().Debug("skipping empty segment", "index", seg.Index, "vaddr", fmt.Sprintf("%#x", seg.VirtAddr))
		return nil
	}

	phys := seg.PhysAddr()
	pages := seg.Pages()

	granted, err := p.Allocator.AllocatePagesAt(phys, pages)
	if err != nil {
		return fmt.Errorf("%w: segment %d: %d pages at %#x: %w", ErrAllocationFailed, seg.Index, pages, phys, err)
	}
	if granted != phys {
		return fmt.Errorf("%w: segment %d requested %#x, firmware granted %#x (sections might be misaligned)",
			ErrAllocationMismatch, seg.Index, phys, granted)
	}

	p.Tracker.RecordAllocation(phys, pages)

	dst, err := p.Memory.Region(phys, seg.MemSize)
	if err != nil {
		return fmt.Errorf("%w: segment %d: map [%#x + %#x): %w", ErrAllocationFailed, seg.Index, phys, seg.MemSize, err)
	}
	if uint64(len(dst)) < seg.MemSize {
		return fmt.Errorf("%w: segment %d: region at %#x is %#x bytes, want %#x",
			ErrAllocationFailed, seg.Index, phys, len(dst), seg.MemSize)
	}

	n := copy(dst, raw[seg.Offset:seg.Offset+seg.FileSize])
	clear(dst[n:seg.MemSize])

	p.logger().Debug("placed segment",
		"index", seg.Index,
		"paddr", fmt.Sprintf("%#x", phys),
		"pages", pages,
		"filesz", fmt.Sprintf("%#x", seg.FileSize),
		"memsz", fmt.Sprintf("%#x", seg.MemSize))

	if p.OnPlaced != nil {
		p.OnPlaced(Placement{Segment: seg, PhysAddr: phys, Pages: pages})
	}
	return nil
}

// Load validates raw and places its loadable segments. The entry point is
// returned only when every segment has been placed.
func Load(raw []byte, p *Placer) (EntryPoint, error) {
	if p == nil {
		return 0, errors.New("load kernel image: nil placer")
	}
	img, err := validate(raw, p.logger())
	if err != nil {
		return 0, fmt.Errorf("validate kernel image: %w", err)
	}
	if err := p.Place(raw, img.Segments); err != nil {
		return 0, fmt.Errorf("place kernel segments: %w", err)
	}
	return img.Entry, nil
}
