package amd64

import (
	"bytes"
	"debug/elf"
	"fmt"
	"log/slog"
	"math"
)

// Validate parses raw as a kernel image and checks it against the AMD64
// profile and the higher-half layout. It neither allocates nor copies
// physical memory. raw is not retained.
func Validate(raw []byte) (*Image, error) {
	return validate(raw, slog.Default())
}

func validate(raw []byte, logger *slog.Logger) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedImage, err)
	}
	defer f.Close()

	if err := AMD64.Check(f.FileHeader); err != nil {
		return nil, err
	}

	hdr := Header{
		Class:   f.Class,
		Data:    f.Data,
		Machine: f.Machine,
		Type:    f.Type,
		Entry:   f.Entry,
	}
	logger.Debug("kernel image header",
		"class", hdr.Class, "data", hdr.Data, "machine", hdr.Machine,
		"type", hdr.Type, "entry", fmt.Sprintf("%#x", hdr.Entry))

	if hdr.Entry < HigherHalfOffset {
		return nil, fmt.Errorf("%w: entry %#x below higher-half offset %#x", ErrInvalidLayout, hdr.Entry, HigherHalfOffset)
	}

	var segments []Segment
	for i, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		seg := Segment{
			Index:    i,
			Offset:   prog.Off,
			FileSize: prog.Filesz,
			MemSize:  prog.Memsz,
			VirtAddr: prog.Vaddr,
			Flags:    prog.Flags,
		}
		if err := checkSegment(seg, uint64(len(raw))); err != nil {
			return nil, err
		}
		logger.Debug("loadable segment",
			"index", seg.Index,
			"vaddr", fmt.Sprintf("%#x", seg.VirtAddr),
			"paddr", fmt.Sprintf("%#x", seg.PhysAddr()),
			"filesz", fmt.Sprintf("%#x", seg.FileSize),
			"memsz", fmt.Sprintf("%#x", seg.MemSize),
			"pages", seg.Pages())
		segments = append(segments, seg)
	}

	return &Image{
		Header:   hdr,
		Segments: segments,
		Entry:    EntryPoint(hdr.Entry),
	}, nil
}

func checkSegment(seg Segment, imageSize uint64) error {
	if seg.VirtAddr < HigherHalfOffset {
		return fmt.Errorf("%w: segment %d vaddr %#x below higher-half offset %#x",
			ErrInvalidLayout, seg.Index, seg.VirtAddr, HigherHalfOffset)
	}
	if seg.MemSize > math.MaxUint64-seg.VirtAddr {
		return fmt.Errorf("%w: segment %d [%#x + %#x) wraps the address space",
			ErrInvalidLayout, seg.Index, seg.VirtAddr, seg.MemSize)
	}
	if seg.FileSize > seg.MemSize {
		return fmt.Errorf("%w: segment %d file size %#x exceeds mem size %#x",
			ErrMalformedImage, seg.Index, seg.FileSize, seg.MemSize)
	}
	if seg.MemSize > uint64(math.MaxInt) {
		return fmt.Errorf("%w: segment %d mem size %#x exceeds host limits",
			ErrMalformedImage, seg.Index, seg.MemSize)
	}
	if seg.Offset > imageSize || seg.FileSize > imageSize-seg.Offset {
		return fmt.Errorf("%w: segment %d file range [%#x + %#x) outside image of %#x bytes",
			ErrMalformedImage, seg.Index, seg.Offset, seg.FileSize, imageSize)
	}
	return nil
}
