package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/HatiCode/flowwatch/cmd/flowwatch/config"
	"github.com/HatiCode/flowwatch/cmd/flowwatch/metrics"
	"github.com/HatiCode/flowwatch/pkg/adapters"
	"github.com/HatiCode/flowwatch/pkg/flow"
	"github.com/HatiCode/flowwatch/pkg/mnf"
	"github.com/HatiCode/flowwatch/pkg/storage"
)

var seriesStart = time.Date(2021, 3, 1, 1, 30, 0, 0, time.UTC)

type fakeAdapter struct {
	rows []adapters.Row
	err  error

	mu     sync.Mutex
	window time.Duration
}

func (f *fakeAdapter) Collect(_ context.Context, window time.Duration) (*adapters.DataFrame, error) {
	f.mu.Lock()
	f.window = window
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &adapters.DataFrame{Rows: f.rows}, nil
}

func (f *fakeAdapter) Name() string { return "fake" }

// readings builds 15 minute rows starting at 01:30; positions listed in
// imputed are flagged.
func readings(values []float64, imputed ...int) []adapters.Row {
	return readingsFrom(seriesStart, values, imputed...)
}

func readingsFrom(start time.Time, values []float64, imputed ...int) []adapters.Row {
	rows := make([]adapters.Row, len(values))
	for i, v := range values {
		rows[i] = adapters.Row{
			"ts":    start.Add(time.Duration(i) * 15 * time.Minute).Format(time.RFC3339),
			"value": v,
		}
	}
	for _, i := range imputed {
		rows[i]["imputed"] = true
	}
	return rows
}

// leakValues holds one continuous flow over positions 0-3 for period 4.
var leakValues = []float64{0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0, 0}

type recordingNotifier struct {
	mu    sync.Mutex
	err   error
	calls [][]flow.Event
}

func (r *recordingNotifier) Notify(_ context.Context, _ string, events []flow.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, events)
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func testMeter(name string) config.MeterConfig {
	return config.MeterConfig{
		Name:        name,
		Adapter:     "fake",
		Threshold:   0.05,
		Period:      4,
		Granularity: 15 * time.Minute,
		Interval:    time.Minute,
		History:     3 * time.Hour,
		MNF:         mnf.Window{Start: mnf.Clock{Hour: 2}, End: mnf.Clock{Hour: 4}},
		Location:    time.UTC,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	monitor  *Monitor
	adapter  *fakeAdapter
	store    *storage.MemoryStore
	notifier *recordingNotifier
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T, name string, rows []adapters.Row) *fixture {
	t.Helper()
	f := &fixture{
		adapter:  &fakeAdapter{rows: rows},
		store:    storage.NewMemoryStore(),
		notifier: &recordingNotifier{},
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	f.monitor = NewMonitor(testMeter(name), f.adapter, f.store, f.notifier, f.metrics, discardLogger())
	return f
}

func TestMonitor_Tick(t *testing.T) {
	f := newFixture(t, "0012345", readings(leakValues))

	rep, err := f.monitor.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if f.adapter.window != 3*time.Hour {
		t.Errorf("collected window = %v, want history 3h", f.adapter.window)
	}
	if rep.Samples != 10 || rep.Period != 4 || rep.GranularitySeconds != 900 {
		t.Errorf("report = %+v", rep)
	}
	if len(rep.Events.Actual) != 1 || len(rep.Events.Imputed) != 0 {
		t.Fatalf("events = %+v", rep.Events)
	}
	e := rep.Events.Actual[0]
	if !e.Start.Equal(seriesStart) || !e.End.Equal(seriesStart.Add(time.Hour)) {
		t.Errorf("event = %s", e)
	}

	if len(rep.MNF.Nights) != 1 || rep.MNF.Nights[0].Count != 8 || rep.MNF.Nights[0].Min != 0 {
		t.Errorf("mnf nights = %+v", rep.MNF.Nights)
	}
	if rep.MNF.Average.Nights != 1 {
		t.Errorf("mnf average = %+v", rep.MNF.Average)
	}

	stored, found, err := f.store.GetLatest(context.Background(), "0012345")
	if err != nil || !found {
		t.Fatalf("GetLatest: found %v err %v", found, err)
	}
	if len(stored.Events.All) != 1 {
		t.Errorf("stored events = %d", len(stored.Events.All))
	}

	if got := testutil.ToFloat64(f.metrics.Events.WithLabelValues("0012345", "actual")); got != 1 {
		t.Errorf("events gauge = %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.SeriesSamples.WithLabelValues("0012345")); got != 10 {
		t.Errorf("samples gauge = %v", got)
	}
}

func TestMonitor_Tick_ImputedEvent(t *testing.T) {
	f := newFixture(t, "m1", readings(leakValues, 2))

	rep, err := f.monitor.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(rep.Events.Imputed) != 1 || len(rep.Events.Actual) != 0 {
		t.Errorf("events = %+v", rep.Events)
	}
	if got := testutil.ToFloat64(f.metrics.EventsDetected.WithLabelValues("m1", "imputed")); got != 1 {
		t.Errorf("imputed events counter = %v", got)
	}
}

func TestMonitor_NotifiesOnlyNewEvents(t *testing.T) {
	f := newFixture(t, "m1", readings(leakValues))
	ctx := context.Background()

	for range 3 {
		if _, err := f.monitor.Tick(ctx); err != nil {
			t.Fatalf("Tick: %v", err)
		}
	}
	if f.notifier.count() != 1 {
		t.Errorf("notifications = %d, want 1", f.notifier.count())
	}
	if got := testutil.ToFloat64(f.metrics.EventsDetected.WithLabelValues("m1", "actual")); got != 1 {
		t.Errorf("events counter = %v, want 1", got)
	}

	// The flow ends, then a new one starts at the same position.
	f.adapter.rows = readings(make([]float64, 10))
	if _, err := f.monitor.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	f.adapter.rows = readings(leakValues)
	if _, err := f.monitor.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if f.notifier.count() != 2 {
		t.Errorf("notifications = %d, want 2 after the flow reappeared", f.notifier.count())
	}
}

func TestMonitor_SlidingHistoryAnnouncesRunningFlowOnce(t *testing.T) {
	running := []float64{0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1}
	f := newFixture(t, "m1", readings(running))
	ctx := context.Background()

	rep, err := f.monitor.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(rep.Events.All) != 2 {
		t.Fatalf("events = %d, want 2", len(rep.Events.All))
	}

	// Each tick the history window moves forward by one sample while the
	// flow keeps running, so every window start shifts.
	for shift := 1; shift <= 3; shift++ {
		f.adapter.rows = readingsFrom(seriesStart.Add(time.Duration(shift)*15*time.Minute), running)
		rep, err := f.monitor.Tick(ctx)
		if err != nil {
			t.Fatalf("Tick: %v", err)
		}
		if len(rep.Events.All) != 2 || rep.Events.All[0].Start.Equal(seriesStart) {
			t.Fatalf("shift %d: events = %v", shift, rep.Events.Lines())
		}
	}

	if f.notifier.count() != 1 {
		t.Errorf("notifications = %d, want the running flow announced once", f.notifier.count())
	}
	if got := testutil.ToFloat64(f.metrics.EventsDetected.WithLabelValues("m1", "actual")); got != 2 {
		t.Errorf("events counter = %v, want 2", got)
	}

	// A flow of the other kind over the same range is still new.
	f.adapter.rows = readingsFrom(seriesStart.Add(3*15*time.Minute), running, 1, 6)
	if _, err := f.monitor.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if f.notifier.count() != 2 {
		t.Errorf("notifications = %d, want imputed flow announced", f.notifier.count())
	}
}

func TestMonitor_RetriesFailedNotification(t *testing.T) {
	f := newFixture(t, "m1", readings(leakValues))
	f.notifier.err = errors.New("broker down")
	ctx := context.Background()

	if _, err := f.monitor.Tick(ctx); err != nil {
		t.Fatalf("notification failure must not fail the tick: %v", err)
	}
	if got := testutil.ToFloat64(f.metrics.ErrorsTotal.WithLabelValues("m1", "notify", "publish_failed")); got != 1 {
		t.Errorf("notify errors = %v", got)
	}

	f.notifier.err = nil
	if _, err := f.monitor.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if _, err := f.monitor.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if f.notifier.count() != 2 {
		t.Errorf("notifications = %d, want one failed and one retried", f.notifier.count())
	}
}

func TestMonitor_PrimeFromStore(t *testing.T) {
	f := newFixture(t, "m1", readings(leakValues))
	ctx := context.Background()

	if _, err := f.monitor.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	// A restarted process shares the store but not the seen set.
	restarted := &recordingNotifier{}
	mon := NewMonitor(testMeter("m1"), f.adapter, f.store, restarted, nil, discardLogger())
	mon.prime(ctx)
	if _, err := mon.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if restarted.count() != 0 {
		t.Errorf("restart repeated %d notifications", restarted.count())
	}
}

func TestMonitor_Tick_Errors(t *testing.T) {
	tests := []struct {
		name      string
		adapter   *fakeAdapter
		meter     func(config.MeterConfig) config.MeterConfig
		component string
		reason    string
	}{
		{
			name:      "collect",
			adapter:   &fakeAdapter{err: errors.New("connection refused")},
			component: "adapter",
			reason:    "collect_failed",
		},
		{
			name:      "convert",
			adapter:   &fakeAdapter{rows: []adapters.Row{{"ts": "yesterday", "value": 1.0}}},
			component: "convert",
			reason:    "invalid_rows",
		},
		{
			name:    "granularity",
			adapter: &fakeAdapter{rows: readings(leakValues)},
			meter: func(m config.MeterConfig) config.MeterConfig {
				m.Granularity = time.Hour
				return m
			},
			component: "detector",
			reason:    "detect_failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meter := testMeter("m1")
			if tt.meter != nil {
				meter = tt.meter(meter)
			}
			m := metrics.New(prometheus.NewRegistry())
			store := storage.NewMemoryStore()

			var observed error
			mon := NewMonitor(meter, tt.adapter, store, nil, m, discardLogger())
			mon.OnTick = func(_ string, err error) { observed = err }

			if _, err := mon.Tick(context.Background()); err == nil {
				t.Fatal("expected error")
			}
			if observed == nil {
				t.Error("OnTick did not see the failure")
			}
			if got := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("m1", tt.component, tt.reason)); got != 1 {
				t.Errorf("errors{%s,%s} = %v", tt.component, tt.reason, got)
			}
			if store.Len() != 0 {
				t.Error("failed tick must not store a report")
			}
		})
	}
}

func TestMonitor_Run_StopsOnCancel(t *testing.T) {
	f := newFixture(t, "m1", readings(leakValues))

	var ticks int
	var mu sync.Mutex
	f.monitor.OnTick = func(string, error) {
		mu.Lock()
		ticks++
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.monitor.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if ticks < 1 {
		t.Error("Run should tick immediately")
	}
}

func TestRunMonitors(t *testing.T) {
	a := newFixture(t, "a", readings(leakValues))
	b := newFixture(t, "b", readings(leakValues))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := runMonitors(ctx, []*Monitor{a.monitor, b.monitor}); err != nil {
		t.Fatalf("runMonitors: %v", err)
	}
	if a.store.Len() != 1 || b.store.Len() != 1 {
		t.Error("every monitor should have stored a report")
	}
}

func TestRunOnce(t *testing.T) {
	good := newFixture(t, "b-meter", readings(leakValues))
	quiet := newFixture(t, "a-meter", readings(make([]float64, 10)))
	broken := newFixture(t, "c-meter", nil)
	broken.adapter.err = errors.New("timeout")

	var out bytes.Buffer
	err := runOnce(context.Background(), []*Monitor{good.monitor, broken.monitor, quiet.monitor}, 2, &out)
	if err == nil || !strings.Contains(err.Error(), "c-meter") {
		t.Fatalf("err = %v, want failure for c-meter", err)
	}

	text := out.String()
	for _, want := range []string{
		"meter b-meter: 1 events (1 actual, 0 imputed) in 10 samples",
		"  Cont. Flow in Range 2021-03-01 01:30:00 to 2021-03-01 02:30:00",
		"MNF: min 0.0000 avg 0.0750 over 1 nights",
		"meter c-meter: collect: timeout",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
	if strings.Index(text, "a-meter") > strings.Index(text, "b-meter") {
		t.Errorf("meters not in order:\n%s", text)
	}
}
