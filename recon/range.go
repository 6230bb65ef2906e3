package recon

import "github.com/gholt-successor/docs/entry"

// Range is a half-open, cyclic interval [X, Y) over the storage index's
// lexicographic identifier order. The whole set is marked by Full; X == Y
// without Full is an empty range.
type Range struct {
	X, Y entry.Identifier
	// Full marks the whole-set range. Needed because an Identifier zero
	// value is itself a valid (if unlikely) boundary, so X == Y alone
	// can't distinguish "whole set" from "empty range starting there".
	Full bool
}

// FullRange returns the range denoting the entire index for a namespace.
func FullRange() Range {
	return Range{Full: true}
}

// Contains reports whether id falls within r, honoring cyclic wraparound:
// when X > Y the range wraps past the end of the key space back to the
// start.
func (r Range) Contains(id entry.Identifier) bool {
	if r.Full {
		return true
	}
	if r.X.Compare(r.Y) <= 0 {
		return r.X.Compare(id) <= 0 && id.Compare(r.Y) < 0
	}
	// wraps around: [X, end) U [start, Y)
	return r.X.Compare(id) <= 0 || id.Compare(r.Y) < 0
}

// IsEmpty reports whether r denotes no identifiers at all (X == Y and not
// Full).
func (r Range) IsEmpty() bool {
	return !r.Full && r.X.Compare(r.Y) == 0
}

// Split partitions r into up to k child ranges of roughly equal count,
// given the sorted identifiers observed within r. Boundaries fall on
// keys in ids, approximating a median split; the last
// child's upper bound is always r.Y (or r.X again, for Full, closing the
// cycle).
func (r Range) Split(ids []entry.Identifier, k int) []Range {
	if k < 2 {
		k = 2
	}
	if len(ids) == 0 {
		return []Range{r}
	}
	chunks := k
	if chunks > len(ids) {
		chunks = len(ids)
	}
	if chunks < 1 {
		chunks = 1
	}
	if r.Full && chunks < 2 {
		// a single child {X, X} without Full would be empty
		chunks = 2
	}

	upper := r.Y
	if r.Full {
		upper = r.X
	}

	children := make([]Range, 0, chunks)
	start := r.X
	per := len(ids) / chunks
	if per == 0 {
		per = 1
	}
	idx := 0
	for c := 0; c < chunks; c++ {
		var end entry.Identifier
		if c == chunks-1 {
			end = upper
		} else {
			idx += per
			if idx >= len(ids) {
				idx = len(ids) - 1
			}
			end = ids[idx]
		}
		children = append(children, Range{X: start, Y: end})
		start = end
	}
	return children
}
