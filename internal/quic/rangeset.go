// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import "sort"

// A byteRange is a half-open interval [Start, End) of absolute
// stream byte offsets.
type byteRange struct {
	Start, End uint64
}

func (r byteRange) Size() uint64 { return r.End - r.Start }
func (r byteRange) Empty() bool  { return r.Start >= r.End }

// A rangeSet holds a set of disjoint, non-adjacent byteRanges in
// ascending order. It is used to track acknowledged and lost byte
// intervals in a SendBuffer, and received intervals in a
// ReceiveSequencer.
type rangeSet struct {
	r []byteRange
}

// Add inserts [start, end) into the set, merging with any
// overlapping or adjacent existing ranges. Multiple overlapping or
// disjoint calls, in any order, are supported; only the union is
// retained.
func (s *rangeSet) Add(start, end uint64) {
	if start >= end {
		return
	}
	add := byteRange{start, end}
	i := sort.Search(len(s.r), func(i int) bool { return s.r[i].End >= add.Start })
	j := i
	for j < len(s.r) && s.r[j].Start <= add.End {
		if s.r[j].Start < add.Start {
			add.Start = s.r[j].Start
		}
		if s.r[j].End > add.End {
			add.End = s.r[j].End
		}
		j++
	}
	merged := make([]byteRange, 0, len(s.r)-(j-i)+1)
	merged = append(merged, s.r[:i]...)
	merged = append(merged, add)
	merged = append(merged, s.r[j:]...)
	s.r = merged
}

// Contains reports whether every byte in [start, end) is in the set.
func (s *rangeSet) Contains(start, end uint64) bool {
	if start >= end {
		return true
	}
	for _, r := range s.r {
		if r.Start <= start && end <= r.End {
			return true
		}
	}
	return false
}

// Overlaps reports whether any byte in [start, end) is in the set.
func (s *rangeSet) Overlaps(start, end uint64) bool {
	for _, r := range s.r {
		if r.Start < end && start < r.End {
			return true
		}
	}
	return false
}

// Sum returns the total number of bytes covered by the set.
func (s *rangeSet) Sum() uint64 {
	var total uint64
	for _, r := range s.r {
		total += r.Size()
	}
	return total
}

// Ranges returns the set's disjoint ranges, in ascending order.
// The caller must not modify the result.
func (s *rangeSet) Ranges() []byteRange { return s.r }

// IsEmpty reports whether the set contains no bytes.
func (s *rangeSet) IsEmpty() bool { return len(s.r) == 0 }

// subtract returns the sub-ranges of [start, end) not covered by the
// set, in ascending order: used by SendBuffer to find unacked or
// unsent sub-ranges.
func (s *rangeSet) subtract(start, end uint64) []byteRange {
	var gaps []byteRange
	cur := start
	for _, r := range s.r {
		if r.End <= cur {
			continue
		}
		if r.Start >= end {
			break
		}
		if r.Start > cur {
			gaps = append(gaps, byteRange{cur, min64(r.Start, end)})
		}
		if r.End > cur {
			cur = r.End
		}
		if cur >= end {
			break
		}
	}
	if cur < end {
		gaps = append(gaps, byteRange{cur, end})
	}
	return gaps
}

// Remove deletes [start, end) from the set, splitting any range that
// straddles the boundary.
func (s *rangeSet) Remove(start, end uint64) {
	if start >= end {
		return
	}
	var out []byteRange
	for _, r := range s.r {
		if r.End <= start || r.Start >= end {
			out = append(out, r)
			continue
		}
		if r.Start < start {
			out = append(out, byteRange{r.Start, start})
		}
		if r.End > end {
			out = append(out, byteRange{end, r.End})
		}
	}
	s.r = out
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
