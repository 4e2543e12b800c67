// Package series defines the meter reading series shared by the flowwatch
// analyses.
//
// A Series is an ordered, gap-free sequence of consumption samples for a
// single meter. An ImputedSet marks the timestamps whose value was filled in
// by an upstream imputation process rather than measured. Both are produced
// outside the analyses and are only ever read by them.
package series

import (
	"errors"
	"fmt"
	"time"
)

// ErrInconsistentGranularity is returned when the declared sample spacing does
// not match the spacing between consecutive samples of a series.
var ErrInconsistentGranularity = errors.New("inconsistent granularity")

// Sample is a single consumption reading.
type Sample struct {
	Time  time.Time `json:"ts"`
	Value float64   `json:"value"`
}

// Series is an ordered sequence of samples for one meter.
type Series []Sample

// Len returns the number of samples.
func (s Series) Len() int { return len(s) }

// Values returns the consumption values in position order.
func (s Series) Values() []float64 {
	out := make([]float64, len(s))
	for i, sm := range s {
		out[i] = sm.Value
	}
	return out
}

// CheckGranularity verifies that every consecutive pair of samples is exactly
// step apart. Series with fewer than two samples always pass once step is
// positive.
func (s Series) CheckGranularity(step time.Duration) error {
	if step <= 0 {
		return fmt.Errorf("%w: step must be > 0, got %v", ErrInconsistentGranularity, step)
	}
	for i := 1; i < len(s); i++ {
		if d := s[i].Time.Sub(s[i-1].Time); d != step {
			return fmt.Errorf("%w: samples %d and %d are %v apart, want %v",
				ErrInconsistentGranularity, i-1, i, d, step)
		}
	}
	return nil
}

// ImputedSet is a read-only set of imputed sample timestamps.
// The zero value is an empty set.
type ImputedSet struct {
	m map[int64]struct{}
}

// NewImputedSet builds a set from the given timestamps.
func NewImputedSet(times ...time.Time) ImputedSet {
	set := ImputedSet{m: make(map[int64]struct{}, len(times))}
	for _, t := range times {
		set.m[t.UnixNano()] = struct{}{}
	}
	return set
}

// Contains reports whether t is an imputed timestamp. Membership compares
// instants, so the location of t does not matter.
func (s ImputedSet) Contains(t time.Time) bool {
	if len(s.m) == 0 {
		return false
	}
	_, ok := s.m[t.UnixNano()]
	return ok
}

// Len returns the number of imputed timestamps.
func (s ImputedSet) Len() int { return len(s.m) }
