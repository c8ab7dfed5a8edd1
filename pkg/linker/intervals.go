package linker

import (
	"math"
	"sort"
)

// Interval is a closed range of addresses, both ends included.
type Interval struct {
	Lo uint64
	Hi uint64
}

// IntervalSet holds disjoint closed ranges in ascending order. Inserting a
// range that overlaps or touches stored ones collapses them into a single
// range, so the set never holds two ranges that could be one.
type IntervalSet struct {
	ranges []Interval
}

func NewIntervalSet() *IntervalSet {
	return &IntervalSet{}
}

// Insert adds [lo, hi] to the set, merging with every stored range it
// overlaps or is adjacent to.
func (set *IntervalSet) Insert(lo, hi uint64) {
	// First stored range whose end reaches lo-1, the leftmost merge candidate.
	touch := lo
	if lo > 0 {
		touch = lo - 1
	}
	first := sort.Search(len(set.ranges), func(i int) bool {
		return set.ranges[i].Hi >= touch
	})

	// Ranges starting at or before hi+1 merge as well.
	last := first
	for last < len(set.ranges) {
		reach := hi
		if hi < math.MaxUint64 {
			reach = hi + 1
		}
		if set.ranges[last].Lo > reach {
			break
		}
		last++
	}

	if first < last {
		if set.ranges[first].Lo < lo {
			lo = set.ranges[first].Lo
		}
		if set.ranges[last-1].Hi > hi {
			hi = set.ranges[last-1].Hi
		}
	}

	merged := append([]Interval{}, set.ranges[:first]...)
	merged = append(merged, Interval{Lo: lo, Hi: hi})
	merged = append(merged, set.ranges[last:]...)
	set.ranges = merged
}

// Overlaps reports whether [lo, hi] intersects any stored range. Adjacency
// is not an intersection.
func (set *IntervalSet) Overlaps(lo, hi uint64) bool {
	i := sort.Search(len(set.ranges), func(i int) bool {
		return set.ranges[i].Hi >= lo
	})

	return i < len(set.ranges) && set.ranges[i].Lo <= hi
}

// Len returns the number of stored disjoint ranges.
func (set *IntervalSet) Len() int {
	return len(set.ranges)
}

// Ranges returns the stored ranges in ascending order.
func (set *IntervalSet) Ranges() []Interval {
	out := make([]Interval, len(set.ranges))
	copy(out, set.ranges)
	return out
}
