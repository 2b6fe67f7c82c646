package track

import (
	"fmt"
	"strconv"
	"strings"
)

// Filter restricts a job to a cylinder range and optionally one head.
// The zero value selects everything.
type Filter struct {
	CylStart int // -1 when open
	CylEnd   int // -1 when open
	Head     int // -1 for both heads
}

// NewFilter parses a filter expression: "N" selects a single cylinder,
// "A-B" an inclusive range.
func NewFilter(expr string) (Filter, error) {
	f := Filter{CylStart: -1, CylEnd: -1, Head: -1}

	parts := strings.SplitN(expr, "-", 2)
	switch len(parts) {
	case 1:
		n, err := strconv.Atoi(parts[0])
		if err != nil {
			return f, fmt.Errorf("invalid track filter %q: %w", expr, err)
		}
		f.CylStart = n
		f.CylEnd = n
	case 2:
		start, err := strconv.Atoi(parts[0])
		if err != nil {
			return f, fmt.Errorf("invalid track filter %q: %w", expr, err)
		}
		end, err := strconv.Atoi(parts[1])
		if err != nil {
			return f, fmt.Errorf("invalid track filter %q: %w", expr, err)
		}
		if end < start {
			return f, fmt.Errorf("invalid track filter %q: end before start", expr)
		}
		f.CylStart = start
		f.CylEnd = end
	}
	return f, nil
}

// Matches reports whether the filter selects the given track position.
func (f Filter) Matches(cylinder, head int) bool {
	if f.CylStart >= 0 && cylinder < f.CylStart {
		return false
	}
	if f.CylEnd >= 0 && cylinder > f.CylEnd {
		return false
	}
	if f.Head >= 0 && head != f.Head {
		return false
	}
	return true
}

// FilterTracks drops all tracks the filter does not select.
func (img *RawImage) FilterTracks(f Filter) {
	kept := img.Tracks[:0]
	for _, t := range img.Tracks {
		if f.Matches(t.Cylinder, t.Head) {
			kept = append(kept, t)
		}
	}
	img.Tracks = kept
}
