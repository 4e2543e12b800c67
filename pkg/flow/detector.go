// Package flow detects continuous flow events in meter consumption series.
//
// A continuous flow is a window of Period consecutive samples whose minimum
// consumption never drops below Threshold, the usual signature of a leak or a
// stuck-open fixture. Detect scans every window start once, classifies each
// detection as actual or imputed against an ImputedSet, and suppresses windows
// that start inside the range of the event just reported.
//
// Detect is pure: it never mutates its inputs and keeps no state between
// calls, so callers may run it for many meters concurrently.
package flow

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/HatiCode/flowwatch/pkg/series"
)

var (
	// ErrInvalidPeriod is returned when the window width is not positive.
	ErrInvalidPeriod = errors.New("invalid period")

	// ErrInvalidThreshold is returned when the threshold is NaN.
	ErrInvalidThreshold = errors.New("invalid threshold")

	// ErrInconsistentGranularity is returned when the declared granularity does
	// not describe the spacing of the series.
	ErrInconsistentGranularity = series.ErrInconsistentGranularity
)

// Params configures a detection scan.
type Params struct {
	// Threshold is the inclusive minimum consumption a window must sustain.
	Threshold float64
	// Period is the window width in samples.
	Period int
	// Granularity is the spacing between consecutive samples.
	Granularity time.Duration
}

// Validate checks the parameters independently of any series.
func (p Params) Validate() error {
	if p.Period <= 0 {
		return fmt.Errorf("%w: period must be > 0, got %d", ErrInvalidPeriod, p.Period)
	}
	if math.IsNaN(p.Threshold) {
		return fmt.Errorf("%w: threshold must be a number", ErrInvalidThreshold)
	}
	if p.Granularity <= 0 {
		return fmt.Errorf("%w: granularity must be > 0, got %v", ErrInconsistentGranularity, p.Granularity)
	}
	return nil
}

// Detect scans s for continuous flow events.
//
// Window starts run from 0 to len(s)-Period-1, so a series no longer than
// Period yields an empty result. After each report the positions
// [i, i+Period] are suppressed and the previous suppressed range is dropped.
func Detect(s series.Series, imputed series.ImputedSet, p Params) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, err
	}
	if err := s.CheckGranularity(p.Granularity); err != nil {
		return Result{}, err
	}

	var res Result
	n := len(s)
	if p.Period >= n {
		return res, nil
	}

	marks := imputedPrefix(s, imputed)

	var (
		win        WindowMinimum
		next       int
		suppressed = -1 // last suppressed position, inclusive
	)

	for i := 0; i <= n-p.Period-1; i++ {
		if i <= suppressed {
			continue
		}

		for ; next < i+p.Period; next++ {
			win.Push(next, s[next].Value)
		}
		win.Evict(i)

		minVal, ok := win.Min()
		if !ok || minVal < p.Threshold {
			continue
		}

		kind := KindActual
		if marks[i+p.Period]-marks[i] > 0 {
			kind = KindImputed
		}

		res.add(Event{
			Kind:  kind,
			Start: s[i].Time,
			End:   s[i+p.Period].Time,
			Index: i,
		})
		suppressed = i + p.Period
	}

	return res, nil
}

// imputedPrefix returns c where c[j] counts imputed samples among positions
// [0, j). The granularity check guarantees s[k].Time equals the window start
// plus k steps, so membership is looked up on the sample timestamps.
func imputedPrefix(s series.Series, imputed series.ImputedSet) []int {
	c := make([]int, len(s)+1)
	for j, sm := range s {
		c[j+1] = c[j]
		if imputed.Contains(sm.Time) {
			c[j+1]++
		}
	}
	return c
}
