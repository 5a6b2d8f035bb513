// Package memmap records which physical page ranges the boot stage has
// claimed so later components do not hand them out again.
package memmap

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/btree"
)

// PageSize is the granularity of every recorded range.
const PageSize = 0x1000

// Range is a run of contiguous physical pages.
type Range struct {
	Start uint64
	Pages uint64
}

// End returns the first physical address past the range.
func (r Range) End() uint64 {
	return r.Start + r.Pages*PageSize
}

func (r Range) String() string {
	return fmt.Sprintf("[%#x-%#x) %d pages", r.Start, r.End(), r.Pages)
}

func (r Range) contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End()
}

func lessRange(a, b Range) bool {
	return a.Start < b.Start
}

// Tracker holds the claimed physical ranges ordered by start address.
// Neighbouring and overlapping ranges are coalesced on insert.
type Tracker struct {
	mu     sync.Mutex
	ranges *btree.BTreeG[Range]
	logger *slog.Logger
}

// NewTracker returns an empty tracker. A nil logger uses slog.Default().
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		ranges: btree.NewG(8, lessRange),
		logger: logger,
	}
}

// RecordAllocation marks pages starting at the page-aligned addr as claimed.
func (t *Tracker) RecordAllocation(addr, pages uint64) {
	if pages == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	merged := Range{Start: addr, Pages: pages}

	var absorbed []Range

	// Pull in the predecessor if it touches or overlaps the new range.
	t.ranges.DescendLessOrEqual(merged, func(prev Range) bool {
		if prev.End() >= merged.Start {
			if prev.End() > merged.Start {
				t.logger.Warn("recorded range overlaps existing claim",
					"new", merged.String(), "existing", prev.String())
			}
			absorbed = append(absorbed, prev)
			merged = union(prev, merged)
		}
		return false
	})

	// Then every successor that starts at or before the merged end.
	t.ranges.AscendGreaterOrEqual(Range{Start: merged.Start}, func(next Range) bool {
		if len(absorbed) > 0 && next == absorbed[0] {
			return true
		}
		if next.Start > merged.End() {
			return false
		}
		if next.Start < merged.End() {
			t.logger.Warn("recorded range overlaps existing claim",
				"new", merged.String(), "existing", next.String())
		}
		absorbed = append(absorbed, next)
		merged = union(merged, next)
		return true
	})
	for _, r := range absorbed {
		t.ranges.Delete(r)
	}

	t.ranges.ReplaceOrInsert(merged)
}

func union(a, b Range) Range {
	start := min(a.Start, b.Start)
	end := max(a.End(), b.End())
	return Range{Start: start, Pages: (end - start) / PageSize}
}

// Claimed reports whether addr falls inside a recorded range.
func (t *Tracker) Claimed(addr uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	found := false
	t.ranges.DescendLessOrEqual(Range{Start: addr}, func(r Range) bool {
		found = r.contains(addr)
		return false
	})
	return found
}

// Ranges returns the claimed ranges in ascending address order.
func (t *Tracker) Ranges() []Range {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Range, 0, t.ranges.Len())
	t.ranges.Ascend(func(r Range) bool {
		out = append(out, r)
		return true
	})
	return out
}

// TotalPages returns the number of claimed pages.
func (t *Tracker) TotalPages() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var total uint64
	t.ranges.Ascend(func(r Range) bool {
		total += r.Pages
		return true
	})
	return total
}
