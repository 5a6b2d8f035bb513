package amd64

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"
)

const (
	elf64HeaderSize = 64
	elf64PhdrSize   = 56
	elf32HeaderSize = 52
)

type testSegment struct {
	typ    elf.ProgType
	vaddr  uint64
	offset uint64
	data   []byte
	filesz uint64 // defaults to len(data)
	memsz  uint64
}

type testImage struct {
	order    binary.ByteOrder
	data     elf.Data
	machine  elf.Machine
	entry    uint64
	segments []testSegment
}

func newTestImage(entry uint64, segments ...testSegment) testImage {
	return testImage{
		order:    binary.LittleEndian,
		data:     elf.ELFDATA2LSB,
		machine:  elf.EM_X86_64,
		entry:    entry,
		segments: segments,
	}
}

// build lays out an ELF64 executable with the program header table directly
// after the file header and each segment's bytes at its declared offset.
func (ti testImage) build(t *testing.T) []byte {
	t.Helper()

	phoff := uint64(elf64HeaderSize)
	size := phoff + uint64(len(ti.segments))*elf64PhdrSize
	for _, seg := range ti.segments {
		if end := seg.offset + uint64(len(seg.data)); end > size {
			size = end
		}
	}
	buf := make([]byte, size)

	copy(buf, []byte{0x7f, 'E', 'L', 'F'})
	buf[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	buf[elf.EI_DATA] = byte(ti.data)
	buf[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	o := ti.order
	o.PutUint16(buf[16:], uint16(elf.ET_EXEC))
	o.PutUint16(buf[18:], uint16(ti.machine))
	o.PutUint32(buf[20:], uint32(elf.EV_CURRENT))
	o.PutUint64(buf[24:], ti.entry)
	o.PutUint64(buf[32:], phoff)
	o.PutUint64(buf[40:], 0)
	o.PutUint16(buf[52:], elf64HeaderSize)
	o.PutUint16(buf[54:], elf64PhdrSize)
	o.PutUint16(buf[56:], uint16(len(ti.segments)))

	for i, seg := range ti.segments {
		ph := buf[phoff+uint64(i)*elf64PhdrSize:]
		filesz := seg.filesz
		if filesz == 0 {
			filesz = uint64(len(seg.data))
		}
		o.PutUint32(ph[0:], uint32(seg.typ))
		o.PutUint32(ph[4:], uint32(elf.PF_R|elf.PF_W))
		o.PutUint64(ph[8:], seg.offset)
		o.PutUint64(ph[16:], seg.vaddr)
		o.PutUint64(ph[24:], seg.vaddr)
		o.PutUint64(ph[32:], filesz)
		o.PutUint64(ph[40:], seg.memsz)
		o.PutUint64(ph[48:], PageSize)
		copy(buf[seg.offset:], seg.data)
	}
	return buf
}

// buildELF32 returns a minimal ELF32 header with no program headers.
func buildELF32(entry uint32) []byte {
	buf := make([]byte, elf32HeaderSize)
	copy(buf, []byte{0x7f, 'E', 'L', 'F'})
	buf[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	buf[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	buf[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	o := binary.LittleEndian
	o.PutUint16(buf[16:], uint16(elf.ET_EXEC))
	o.PutUint16(buf[18:], uint16(elf.EM_386))
	o.PutUint32(buf[20:], uint32(elf.EV_CURRENT))
	o.PutUint32(buf[24:], entry)
	o.PutUint16(buf[40:], elf32HeaderSize)
	o.PutUint16(buf[42:], 32)
	return buf
}

// pattern returns n non-zero bytes derived from seed.
func pattern(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*7) + seed | 1
	}
	return out
}

type allocRequest struct {
	addr  uint64
	pages uint64
}

// fakeFirmware grants pages from a private buffer per allocation. Fresh
// pages are filled with 0xAA so untouched bytes are visible.
type fakeFirmware struct {
	requests []allocRequest
	mapped   []uint64
	regions  map[uint64][]byte

	// grantSkew is added to the granted address of every request.
	grantSkew uint64
	// failAt makes the allocation for this address fail.
	failAt *uint64
}

func newFakeFirmware() *fakeFirmware {
	return &fakeFirmware{regions: make(map[uint64][]byte)}
}

func (f *fakeFirmware) AllocatePagesAt(addr, pages uint64) (uint64, error) {
	f.requests = append(f.requests, allocRequest{addr: addr, pages: pages})
	if f.failAt != nil && *f.failAt == addr {
		return 0, errFakeOutOfResources
	}
	granted := addr + f.grantSkew
	f.regions[granted] = bytes.Repeat([]byte{0xAA}, int(pages*PageSize))
	return granted, nil
}

func (f *fakeFirmware) Region(addr, size uint64) ([]byte, error) {
	f.mapped = append(f.mapped, addr)
	r, ok := f.regions[addr]
	if !ok || uint64(len(r)) < size {
		return nil, errFakeNotMapped
	}
	return r[:size], nil
}

type fakeTracker struct {
	recorded []allocRequest
}

func (t *fakeTracker) RecordAllocation(addr, pages uint64) {
	t.recorded = append(t.recorded, allocRequest{addr: addr, pages: pages})
}

type fakeError string

func (e fakeError) Error() string { return string(e) }

const (
	errFakeOutOfResources = fakeError("out of resources")
	errFakeNotMapped      = fakeError("not mapped")
)

func newTestPlacer(fw *fakeFirmware, tr *fakeTracker) *Placer {
	return &Placer{Allocator: fw, Memory: fw, Tracker: tr}
}
