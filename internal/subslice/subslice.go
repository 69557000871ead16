// Package subslice partitions half-open source-index ranges into
// contiguous chunks for dispatch across workers.
//
// A [Slice] is a half-open interval [Start, Stop). [Partition] splits a
// slice into a fixed number of contiguous sub-slices that together cover
// the input exactly, with no overlap. Boundaries use integer division, so
// remainder indices land in the chunks whose scaled boundary crosses a
// whole number — e.g. [0,10) in 4 chunks is [0,2) [2,5) [5,7) [7,10).
package subslice

import "fmt"

// Slice is a half-open index range [Start, Stop).
type Slice struct {
	Start int `json:"start"`
	Stop  int `json:"stop"`
}

// Len returns the number of indices covered by the slice.
// Negative widths count as zero.
func (s Slice) Len() int {
	if s.Stop <= s.Start {
		return 0
	}
	return s.Stop - s.Start
}

// Empty reports whether the slice covers no indices.
func (s Slice) Empty() bool { return s.Len() == 0 }

// String renders the slice in half-open interval notation.
func (s Slice) String() string { return fmt.Sprintf("[%d,%d)", s.Start, s.Stop) }

// Partition splits s into chunks contiguous sub-slices. Boundary i is
// Start + i*W/chunks (integer division), so the chunks cover [Start, Stop)
// exactly and are pairwise disjoint. Empty sub-slices are included in the
// result — the indexing scheme stays stable regardless of the slice
// width — and callers drop them at dispatch time.
//
// chunks must be positive.
func Partition(s Slice, chunks int) ([]Slice, error) {
	if chunks < 1 {
		return nil, fmt.Errorf("subslice: chunk count %d, want >= 1", chunks)
	}
	width := s.Len()
	out := make([]Slice, 0, chunks)
	for i := 0; i < chunks; i++ {
		out = append(out, Slice{
			Start: s.Start + i*width/chunks,
			Stop:  s.Start + (i+1)*width/chunks,
		})
	}
	return out, nil
}
