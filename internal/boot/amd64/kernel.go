// Package amd64 loads higher-half ELF64 x86-64 kernels into physical memory
// handed out by boot firmware.
package amd64

import (
	"debug/elf"
	"errors"
	"fmt"

	"github.com/tinyrange/kload/internal/align"
)

const (
	// HigherHalfOffset separates kernel virtual addresses from their
	// physical backing: phys = virt - HigherHalfOffset.
	HigherHalfOffset uint64 = 0xFFFF_8000_0000_0000

	// PageSize is the base page size of the architecture.
	PageSize uint64 = 0x1000
)

var (
	ErrMalformedImage     = errors.New("malformed kernel image")
	ErrUnsupportedFormat  = errors.New("unsupported kernel image format")
	ErrInvalidLayout      = errors.New("invalid kernel image layout")
	ErrAllocationFailed   = errors.New("kernel segment allocation failed")
	ErrAllocationMismatch = errors.New("kernel segment allocated at wrong address")
)

// Profile is the combination of word width, byte order and machine an image
// must carry to be loadable.
type Profile struct {
	Class   elf.Class
	Data    elf.Data
	Machine elf.Machine
}

// AMD64 is the only profile the loader accepts.
var AMD64 = Profile{
	Class:   elf.ELFCLASS64,
	Data:    elf.ELFDATA2LSB,
	Machine: elf.EM_X86_64,
}

// Check reports the first field of hdr that differs from p.
func (p Profile) Check(hdr elf.FileHeader) error {
	switch {
	case hdr.Class != p.Class:
		return fmt.Errorf("%w: class %v, want %v", ErrUnsupportedFormat, hdr.Class, p.Class)
	case hdr.Data != p.Data:
		return fmt.Errorf("%w: byte order %v, want %v", ErrUnsupportedFormat, hdr.Data, p.Data)
	case hdr.Machine != p.Machine:
		return fmt.Errorf("%w: machine %v, want %v", ErrUnsupportedFormat, hdr.Machine, p.Machine)
	}
	return nil
}

// Header is the subset of the ELF file header the loader cares about.
type Header struct {
	Class   elf.Class
	Data    elf.Data
	Machine elf.Machine
	Type    elf.Type
	Entry   uint64
}

// Segment is a PT_LOAD program header.
type Segment struct {
	// Index is the position of the header in the program header table.
	Index    int
	Offset   uint64
	FileSize uint64
	MemSize  uint64
	VirtAddr uint64
	Flags    elf.ProgFlag
}

// PhysAddr returns the physical address the segment must be placed at.
func (s Segment) PhysAddr() uint64 {
	return s.VirtAddr - HigherHalfOffset
}

// Pages returns the number of pages backing MemSize bytes.
func (s Segment) Pages() uint64 {
	return align.Pages(s.MemSize, PageSize)
}

// EntryPoint is the virtual address execution of the kernel starts at. It
// is only valid to jump to once the higher-half mapping is in place.
type EntryPoint uint64

func (e EntryPoint) String() string {
	return fmt.Sprintf("%#x", uint64(e))
}

// Image is a validated kernel image.
type Image struct {
	Header   Header
	Segments []Segment
	Entry    EntryPoint
}
