package firmware

import (
	"fmt"
	"sort"

	"github.com/tinyrange/kload/internal/align"
)

// MemoryType classifies a physical range in the firmware memory map.
type MemoryType uint32

const (
	MemoryReserved MemoryType = iota
	MemoryConventional
	MemoryLoaderData
)

func (t MemoryType) String() string {
	switch t {
	case MemoryReserved:
		return "reserved"
	case MemoryConventional:
		return "conventional"
	case MemoryLoaderData:
		return "loader-data"
	default:
		return fmt.Sprintf("MemoryType(%d)", uint32(t))
	}
}

// Descriptor is one entry of the firmware memory map.
type Descriptor struct {
	Type      MemoryType
	PhysStart uint64
	Pages     uint64
}

// End returns the first address past the descriptor.
func (d Descriptor) End() uint64 {
	return d.PhysStart + d.Pages*PageSize
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%-18s [%#x-%#x) %d pages", d.Type, d.PhysStart, d.End(), d.Pages)
}

const (
	isaMemEnd     = 0x0009f000
	biosRegionEnd = 0x00100000
)

// DefaultMemoryMap describes ramSize bytes of RAM at physical zero with the
// null page and the legacy ISA/BIOS hole reserved.
func DefaultMemoryMap(ramSize uint64) []Descriptor {
	end := align.Down(ramSize, PageSize)
	if end <= PageSize {
		return nil
	}

	var out []Descriptor
	add := func(typ MemoryType, start, stop uint64) {
		stop = min(stop, end)
		if stop <= start {
			return
		}
		out = append(out, Descriptor{Type: typ, PhysStart: start, Pages: (stop - start) / PageSize})
	}

	add(MemoryReserved, 0, PageSize)
	add(MemoryConventional, PageSize, isaMemEnd)
	add(MemoryReserved, isaMemEnd, biosRegionEnd)
	add(MemoryConventional, biosRegionEnd, end)
	return out
}

// reserve marks [start, start+size) as reserved, splitting descriptors as
// needed. The range is widened to page boundaries.
func reserve(descs []Descriptor, start, size uint64) []Descriptor {
	if size == 0 {
		return descs
	}
	lo := align.Down(start, PageSize)
	hi := align.Up(start+size, PageSize)
	return retype(descs, lo, (hi-lo)/PageSize, MemoryReserved)
}

// retype changes the type of [addr, addr+pages*PageSize) to typ. Parts of the
// range outside every descriptor are ignored.
func retype(descs []Descriptor, addr, pages uint64, typ MemoryType) []Descriptor {
	end := addr + pages*PageSize
	out := make([]Descriptor, 0, len(descs)+2)
	for _, d := range descs {
		if d.End() <= addr || d.PhysStart >= end {
			out = append(out, d)
			continue
		}
		if d.PhysStart < addr {
			out = append(out, Descriptor{Type: d.Type, PhysStart: d.PhysStart, Pages: (addr - d.PhysStart) / PageSize})
		}
		lo := max(d.PhysStart, addr)
		hi := min(d.End(), end)
		out = append(out, Descriptor{Type: typ, PhysStart: lo, Pages: (hi - lo) / PageSize})
		if d.End() > end {
			out = append(out, Descriptor{Type: d.Type, PhysStart: end, Pages: (d.End() - end) / PageSize})
		}
	}
	return coalesce(out)
}

// coalesce sorts descs and merges touching entries of the same type.
func coalesce(descs []Descriptor) []Descriptor {
	sort.Slice(descs, func(i, j int) bool { return descs[i].PhysStart < descs[j].PhysStart })
	out := descs[:0]
	for _, d := range descs {
		if d.Pages == 0 {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Type == d.Type && out[n-1].End() == d.PhysStart {
			out[n-1].Pages += d.Pages
			continue
		}
		out = append(out, d)
	}
	return out
}

// covered reports whether [addr, addr+pages*PageSize) lies entirely within
// descriptors of type typ.
func covered(descs []Descriptor, addr, pages uint64, typ MemoryType) bool {
	end := addr + pages*PageSize
	cursor := addr
	for _, d := range descs {
		if d.End() <= cursor || d.PhysStart > cursor {
			continue
		}
		if d.Type != typ {
			return false
		}
		cursor = d.End()
		if cursor >= end {
			return true
		}
	}
	return false
}
