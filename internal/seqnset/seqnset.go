// Package seqnset implements a range-compacted set of sequence numbers,
// used by the reliable transport to deduplicate inbound requests and detect
// gaps without storing one entry per sequence number.
package seqnset

import (
	"sort"
	"sync"
)

// rng is a closed, inclusive [start, end] run of sequence numbers.
type rng struct {
	start uint64
	end   uint64
}

// SequenceSet holds sequence numbers as a sorted list of disjoint, merged
// ranges. Lookups binary-search the ranges, O(log n) in the number of
// ranges rather than in the number of sequence numbers held; Add and Remove
// may also shift the slice to insert, merge or split a range.
type SequenceSet struct {
	mu     sync.Mutex
	ranges []rng
}

// New returns an empty SequenceSet.
func New() *SequenceSet {
	return &SequenceSet{}
}

// indexAfter returns the index of the first range whose start is strictly
// greater than seqn.
func (s *SequenceSet) indexAfter(seqn uint64) int {
	return sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].start > seqn
	})
}

// Contains reports whether seqn is a member of the set.
func (s *SequenceSet) Contains(seqn uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contains(seqn)
}

func (s *SequenceSet) contains(seqn uint64) bool {
	i := s.indexAfter(seqn)
	if i == 0 {
		return false
	}
	return s.ranges[i-1].end >= seqn
}

// Add inserts seqn, merging it with adjacent ranges. It reports whether
// seqn was newly added (false if it was already a member).
func (s *SequenceSet) Add(seqn uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.contains(seqn) {
		return false
	}

	i := s.indexAfter(seqn)
	mergeLeft := i > 0 && s.ranges[i-1].end+1 == seqn
	mergeRight := i < len(s.ranges) && s.ranges[i].start-1 == seqn

	switch {
	case mergeLeft && mergeRight:
		s.ranges[i-1].end = s.ranges[i].end
		s.ranges = append(s.ranges[:i], s.ranges[i+1:]...)
	case mergeLeft:
		s.ranges[i-1].end = seqn
	case mergeRight:
		s.ranges[i].start = seqn
	default:
		s.ranges = append(s.ranges, rng{})
		copy(s.ranges[i+1:], s.ranges[i:])
		s.ranges[i] = rng{start: seqn, end: seqn}
	}
	return true
}

// Remove deletes seqn from the set, splitting its containing range if
// necessary. It reports whether seqn was present.
func (s *SequenceSet) Remove(seqn uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexAfter(seqn)
	if i == 0 || s.ranges[i-1].end < seqn {
		return false
	}
	r := s.ranges[i-1]

	switch {
	case r.start == seqn && r.end == seqn:
		s.ranges = append(s.ranges[:i-1], s.ranges[i:]...)
	case r.start == seqn:
		s.ranges[i-1].start = seqn + 1
	case r.end == seqn:
		s.ranges[i-1].end = seqn - 1
	default:
		left := rng{start: r.start, end: seqn - 1}
		right := rng{start: seqn + 1, end: r.end}
		s.ranges = append(s.ranges, rng{})
		copy(s.ranges[i:], s.ranges[i-1:])
		s.ranges[i-1] = left
		s.ranges[i] = right
	}
	return true
}

// Max returns the highest sequence number held and whether the set is
// non-empty.
func (s *SequenceSet) Max() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ranges) == 0 {
		return 0, false
	}
	return s.ranges[len(s.ranges)-1].end, true
}

// MissingBelow returns, in ascending order, every sequence number that lies
// in a gap between two held ranges. Numbers below the lowest held sequence
// number are not reported, so an empty set or a single contiguous range
// returns nil.
func (s *SequenceSet) MissingBelow() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ranges) < 2 {
		return nil
	}
	var missing []uint64
	for i := 1; i < len(s.ranges); i++ {
		prevEnd := s.ranges[i-1].end
		start := s.ranges[i].start
		for gap := prevEnd + 1; gap < start; gap++ {
			missing = append(missing, gap)
		}
	}
	return missing
}

// Len returns the number of disjoint ranges currently held (not the count
// of sequence numbers, which may be unbounded).
func (s *SequenceSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ranges)
}
