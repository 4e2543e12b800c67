package flow

import (
	"math"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HatiCode/flowwatch/pkg/series"
)

var epoch = time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)

const step = 15 * time.Minute

func makeSeries(values ...float64) series.Series {
	s := make(series.Series, len(values))
	for i, v := range values {
		s[i] = series.Sample{Time: at(i), Value: v}
	}
	return s
}

func at(pos int) time.Time {
	return epoch.Add(time.Duration(pos) * step)
}

func params(threshold float64, period int) Params {
	return Params{Threshold: threshold, Period: period, Granularity: step}
}

func starts(events []Event) []int {
	out := make([]int, len(events))
	for i, e := range events {
		out[i] = e.Index
	}
	return out
}

func TestDetect_TwoActualFlows(t *testing.T) {
	s := makeSeries(2, 2, 2, 0, 5, 5, 5, 0)

	res, err := Detect(s, series.ImputedSet{}, params(1.0, 3))
	require.NoError(t, err)

	require.Len(t, res.All, 2)
	assert.Equal(t, []int{0, 4}, starts(res.All))
	assert.Equal(t, res.All, res.Actual)
	assert.Empty(t, res.Imputed)

	first := res.All[0]
	assert.Equal(t, KindActual, first.Kind)
	assert.Equal(t, at(0), first.Start)
	assert.Equal(t, at(3), first.End, "end labels the sample one past the window")

	second := res.All[1]
	assert.Equal(t, at(4), second.Start)
	assert.Equal(t, at(7), second.End)
}

func TestDetect_ImputedMemberReportedOnce(t *testing.T) {
	s := makeSeries(2, 2, 2, 0, 5, 5, 5, 0)
	imputed := series.NewImputedSet(at(1))

	res, err := Detect(s, imputed, params(1.0, 3))
	require.NoError(t, err)

	require.Len(t, res.All, 2)
	assert.Equal(t, KindImputed, res.All[0].Kind)
	assert.Equal(t, 0, res.All[0].Index)
	assert.Equal(t, []int{0}, starts(res.Imputed))
	assert.Equal(t, []int{4}, starts(res.Actual))
}

func TestDetect_SeveralImputedMembersSingleReport(t *testing.T) {
	s := makeSeries(3, 3, 3, 3, 3, 0)
	imputed := series.NewImputedSet(at(0), at(2), at(3))

	res, err := Detect(s, imputed, params(1.0, 4))
	require.NoError(t, err)

	require.Len(t, res.All, 1)
	assert.Equal(t, KindImputed, res.All[0].Kind)
	assert.Empty(t, res.Actual)
}

func TestDetect_ImputedEndLabelIsNotAMember(t *testing.T) {
	s := makeSeries(3, 3, 3, 0)
	// position 3 is the end label of the window [0,3) but not inside it
	imputed := series.NewImputedSet(at(3))

	res, err := Detect(s, imputed, params(1.0, 3))
	require.NoError(t, err)

	require.Len(t, res.All, 1)
	assert.Equal(t, KindActual, res.All[0].Kind)
}

func TestDetect_AllAboveThreshold(t *testing.T) {
	for period := 1; period <= 6; period++ {
		for n := period + 1; n <= 40; n++ {
			values := make([]float64, n)
			for i := range values {
				values[i] = 1.5
			}

			res, err := Detect(makeSeries(values...), series.ImputedSet{}, params(1.0, period))
			require.NoError(t, err)

			want := (n-period-1)/(period+1) + 1
			assert.Len(t, res.All, want, "n=%d period=%d", n, period)
			assert.Len(t, res.Actual, want)
			assert.Empty(t, res.Imputed)
			for k, e := range res.All {
				assert.Equal(t, k*(period+1), e.Index)
			}
		}
	}
}

func TestDetect_EveryWindowDips(t *testing.T) {
	s := makeSeries(5, 0, 5, 0, 5, 0, 5, 0, 5)
	res, err := Detect(s, series.NewImputedSet(at(2)), params(1.0, 2))
	require.NoError(t, err)
	assert.Empty(t, res.All)
	assert.Empty(t, res.Actual)
	assert.Empty(t, res.Imputed)
}

func TestDetect_ThresholdIsInclusive(t *testing.T) {
	s := makeSeries(1, 1, 1, 1)
	res, err := Detect(s, series.ImputedSet{}, params(1.0, 3))
	require.NoError(t, err)
	require.Len(t, res.All, 1)

	res, err = Detect(s, series.ImputedSet{}, params(1.0000001, 3))
	require.NoError(t, err)
	assert.Empty(t, res.All)
}

func TestDetect_LengthBoundaries(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		period int
	}{
		{name: "empty series", values: nil, period: 3},
		{name: "length equals period", values: []float64{9, 9, 9}, period: 3},
		{name: "period exceeds length", values: []float64{9, 9}, period: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Detect(makeSeries(tt.values...), series.ImputedSet{}, params(1.0, tt.period))
			require.NoError(t, err)
			assert.Empty(t, res.All)
			assert.Empty(t, res.Actual)
			assert.Empty(t, res.Imputed)
		})
	}
}

func TestDetect_InvalidPeriod(t *testing.T) {
	for _, period := range []int{0, -1} {
		_, err := Detect(makeSeries(1, 2, 3), series.ImputedSet{}, params(1.0, period))
		assert.ErrorIs(t, err, ErrInvalidPeriod)
	}
}

func TestDetect_NaNThreshold(t *testing.T) {
	res, err := Detect(makeSeries(0, 0, 0, 0), series.ImputedSet{}, params(math.NaN(), 2))
	assert.ErrorIs(t, err, ErrInvalidThreshold)
	assert.Empty(t, res.All)
}

func TestDetect_InconsistentGranularity(t *testing.T) {
	s := makeSeries(1, 1, 1, 1)

	_, err := Detect(s, series.ImputedSet{}, Params{Threshold: 1, Period: 2, Granularity: time.Hour})
	assert.ErrorIs(t, err, ErrInconsistentGranularity)

	_, err = Detect(s, series.ImputedSet{}, Params{Threshold: 1, Period: 2})
	assert.ErrorIs(t, err, ErrInconsistentGranularity)
}

func TestDetect_DoesNotMutateInputs(t *testing.T) {
	s := makeSeries(4, 4, 4, 4, 0, 4, 4, 4, 4)
	before := slices.Clone(s)

	_, err := Detect(s, series.NewImputedSet(at(5)), params(1.0, 3))
	require.NoError(t, err)
	assert.Equal(t, before, s)
}

func TestDetect_NaNSkipped(t *testing.T) {
	nan := math.NaN()

	res, err := Detect(makeSeries(2, nan, 2, 0), series.ImputedSet{}, params(1.0, 3))
	require.NoError(t, err)
	assert.Len(t, res.All, 1, "NaN is skipped when taking the window minimum")

	res, err = Detect(makeSeries(nan, nan, nan, 0), series.ImputedSet{}, params(-1.0, 3))
	require.NoError(t, err)
	assert.Empty(t, res.All, "an all-NaN window has no minimum")
}

func TestEvent_String(t *testing.T) {
	e := Event{Kind: KindActual, Start: at(0), End: at(4)}
	assert.Equal(t, "Cont. Flow in Range 2021-03-01 00:00:00 to 2021-03-01 01:00:00", e.String())

	e.Kind = KindImputed
	assert.Equal(t, "Imputed Cont. Flow in Range 2021-03-01 00:00:00 to 2021-03-01 01:00:00", e.String())
	assert.True(t, e.Imputed())

	res := Result{}
	res.add(e)
	assert.Equal(t, []string{e.String()}, res.Lines())
}

// referenceDetect is the direct scan: recompute each window minimum, walk
// the window timestamps and keep the suppressed positions as an explicit set.
func referenceDetect(s series.Series, imputed series.ImputedSet, p Params) Result {
	var res Result
	recent := map[int]bool{}
	reset := func(i int) {
		recent = map[int]bool{}
		for k := i; k <= i+p.Period; k++ {
			recent[k] = true
		}
	}

	for i := 0; i < len(s)-p.Period; i++ {
		if recent[i] {
			continue
		}
		minVal := math.Inf(1)
		for _, sm := range s[i : i+p.Period] {
			minVal = min(minVal, sm.Value)
		}
		if minVal < p.Threshold {
			continue
		}
		for k := 0; k < p.Period; k++ {
			if recent[i] {
				continue
			}
			if imputed.Contains(s[i].Time.Add(time.Duration(k) * p.Granularity)) {
				res.add(Event{Kind: KindImputed, Start: s[i].Time, End: s[i+p.Period].Time, Index: i})
				reset(i)
			}
		}
		if recent[i] {
			continue
		}
		res.add(Event{Kind: KindActual, Start: s[i].Time, End: s[i+p.Period].Time, Index: i})
		reset(i)
	}
	return res
}

func TestDetect_MatchesReferenceScan(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 42))

	for iter := 0; iter < 500; iter++ {
		n := rng.IntN(48)
		period := 1 + rng.IntN(7)

		values := make([]float64, n)
		var imputedTimes []time.Time
		for i := range values {
			values[i] = float64(rng.IntN(4))
			if rng.IntN(10) == 0 {
				imputedTimes = append(imputedTimes, at(i))
			}
		}
		s := makeSeries(values...)
		imputed := series.NewImputedSet(imputedTimes...)
		p := params(1.0, period)

		got, err := Detect(s, imputed, p)
		require.NoError(t, err)
		want := referenceDetect(s, imputed, p)

		require.Equal(t, want.All, got.All, "iteration %d: values=%v period=%d", iter, values, period)
		require.Equal(t, want.Actual, got.Actual)
		require.Equal(t, want.Imputed, got.Imputed)

		// suppression: consecutive starts are more than period apart
		for k := 1; k < len(got.All); k++ {
			assert.Greater(t, got.All[k].Index, got.All[k-1].Index+period)
		}
		assert.Equal(t, len(got.All), len(got.Actual)+len(got.Imputed))
	}
}
