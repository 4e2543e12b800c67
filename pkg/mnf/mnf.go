// Package mnf computes minimum night flow (MNF) statistics for meter series.
//
// For every calendar date present in a series, Nightly keeps the samples whose
// time of day falls inside a clock window (for example 02:00 to 04:00) and
// reports their minimum and mean. Summarize then averages those per-night
// figures for the meter. Overnight consumption that stays well above zero is
// a leak indicator independent of continuous flow detection.
package mnf

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/HatiCode/flowwatch/pkg/series"
)

// Clock is a time of day with second resolution.
type Clock struct {
	Hour, Minute, Second int
}

// ParseClock parses "15:04" or "15:04:05".
func ParseClock(s string) (Clock, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return Clock{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}, nil
		}
	}
	return Clock{}, fmt.Errorf("invalid clock time %q (want HH:MM or HH:MM:SS)", s)
}

func (c Clock) seconds() int { return c.Hour*3600 + c.Minute*60 + c.Second }

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", c.Hour, c.Minute, c.Second)
}

// Window is an inclusive clock window within a single date.
type Window struct {
	Start Clock
	End   Clock
}

// Validate checks that the window does not wrap past midnight.
func (w Window) Validate() error {
	if w.End.seconds() < w.Start.seconds() {
		return fmt.Errorf("mnf window end %s before start %s", w.End, w.Start)
	}
	return nil
}

// Contains reports whether the time of day of t lies inside the window.
func (w Window) Contains(t time.Time) bool {
	sec := t.Hour()*3600 + t.Minute()*60 + t.Second()
	return sec >= w.Start.seconds() && sec <= w.End.seconds()
}

// Night is the MNF result for one calendar date.
// Min and Mean are NaN when no sample of that date falls inside the window.
type Night struct {
	Date  string  `json:"date"`
	Min   float64 `json:"min"`
	Mean  float64 `json:"mean"`
	Count int     `json:"count"`
}

// Average summarises the nights of one meter.
type Average struct {
	MinMNF float64 `json:"minMnf"`
	AvgMNF float64 `json:"avgMnf"`
	Nights int     `json:"nights"`
}

// Nightly returns one Night per calendar date present in s, in date order.
// Dates and times of day are taken in loc; a nil loc means UTC.
func Nightly(s series.Series, w Window, loc *time.Location) []Night {
	if loc == nil {
		loc = time.UTC
	}

	type acc struct {
		min, sum float64
		count    int
	}
	byDate := make(map[string]*acc)
	var dates []string

	for _, sm := range s {
		t := sm.Time.In(loc)
		date := t.Format(time.DateOnly)
		a, ok := byDate[date]
		if !ok {
			a = &acc{min: math.Inf(1)}
			byDate[date] = a
			dates = append(dates, date)
		}
		if !w.Contains(t) || math.IsNaN(sm.Value) {
			continue
		}
		a.min = math.Min(a.min, sm.Value)
		a.sum += sm.Value
		a.count++
	}

	sort.Strings(dates)

	nights := make([]Night, 0, len(dates))
	for _, date := range dates {
		a := byDate[date]
		n := Night{Date: date, Min: math.NaN(), Mean: math.NaN(), Count: a.count}
		if a.count > 0 {
			n.Min = a.min
			n.Mean = a.sum / float64(a.count)
		}
		nights = append(nights, n)
	}
	return nights
}

// Summarize averages the per-night minima and means. Nights without samples
// are skipped; if none remain both averages are NaN.
func Summarize(nights []Night) Average {
	var minSum, meanSum float64
	var n int
	for _, night := range nights {
		if night.Count == 0 {
			continue
		}
		minSum += night.Min
		meanSum += night.Mean
		n++
	}
	if n == 0 {
		return Average{MinMNF: math.NaN(), AvgMNF: math.NaN()}
	}
	return Average{MinMNF: minSum / float64(n), AvgMNF: meanSum / float64(n), Nights: n}
}

// ProgressFunc observes batch progress: done meters out of total.
type ProgressFunc func(done, total int)

// Option configures Aggregate.
type Option func(*options)

type options struct {
	progress ProgressFunc
	loc      *time.Location
}

// WithProgress registers a progress observer called after every meter.
func WithProgress(fn ProgressFunc) Option {
	return func(o *options) { o.progress = fn }
}

// WithLocation sets the location used to split dates and read clock times.
func WithLocation(loc *time.Location) Option {
	return func(o *options) { o.loc = loc }
}

// Report holds the MNF analysis of one meter.
type Report struct {
	Nights  []Night `json:"nights"`
	Average Average `json:"average"`
}

// Aggregate runs Nightly and Summarize for every meter, in meter id order.
// It stops early only when ctx is canceled.
func Aggregate(ctx context.Context, meters map[string]series.Series, w Window, opts ...Option) (map[string]Report, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}

	o := options{loc: time.UTC}
	for _, opt := range opts {
		opt(&o)
	}

	ids := make([]string, 0, len(meters))
	for id := range meters {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make(map[string]Report, len(meters))
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		nights := Nightly(meters[id], w, o.loc)
		out[id] = Report{Nights: nights, Average: Summarize(nights)}
		if o.progress != nil {
			o.progress(i+1, len(ids))
		}
	}
	return out, nil
}
