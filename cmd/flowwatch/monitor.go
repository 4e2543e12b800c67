// Package main implements the flowwatch detection loop.
//
// A Monitor owns one meter and runs the pipeline
//
//	collect → toSeries → detect → mnf → store → notify
//
// once per interval. The collected history slides forward with every tick, so
// the windows of a running flow shift with it. An event overlapping one that
// was announced on the previous tick, with the same kind, is the same flow and
// is not announced again. An event whose notification failed is retried on
// the next tick while it is still detected.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/HatiCode/flowwatch/cmd/flowwatch/config"
	"github.com/HatiCode/flowwatch/cmd/flowwatch/metrics"
	"github.com/HatiCode/flowwatch/pkg/adapters"
	"github.com/HatiCode/flowwatch/pkg/flow"
	"github.com/HatiCode/flowwatch/pkg/mnf"
	"github.com/HatiCode/flowwatch/pkg/notify"
	"github.com/HatiCode/flowwatch/pkg/storage"
)

// overlapsAny reports whether e shares at least one sample position with an
// event of the same kind in known.
func overlapsAny(e flow.Event, known []flow.Event) bool {
	for _, k := range known {
		if k.Kind == e.Kind && !e.Start.After(k.End) && !k.Start.After(e.End) {
			return true
		}
	}
	return false
}

// Monitor runs continuous flow and MNF analysis for a single meter.
type Monitor struct {
	meter    config.MeterConfig
	adapter  adapters.Adapter
	store    storage.Store
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	// OnTick, when set, observes the outcome of every tick.
	OnTick func(meter string, err error)

	mu        sync.Mutex
	announced []flow.Event
}

// NewMonitor creates a Monitor. notifier and m may be nil.
func NewMonitor(
	meter config.MeterConfig,
	adapter adapters.Adapter,
	store storage.Store,
	notifier notify.Notifier,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{
		meter:    meter,
		adapter:  adapter,
		store:    store,
		notifier: notifier,
		metrics:  m,
		logger:   logger.With("meter", meter.Name),
		now:      time.Now,
	}
}

// Name returns the meter id.
func (m *Monitor) Name() string { return m.meter.Name }

// Run ticks at the meter interval until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("starting detection loop",
		"adapter", m.adapter.Name(),
		"interval", m.meter.Interval,
		"period", m.meter.Period,
		"granularity", m.meter.Granularity,
		"threshold", m.meter.Threshold,
	)

	m.prime(ctx)

	ticker := time.NewTicker(m.meter.Interval)
	defer ticker.Stop()

	if _, err := m.Tick(ctx); err != nil {
		m.logger.Error("initial detection tick failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("detection loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Tick(ctx); err != nil {
				m.logger.Error("detection tick failed", "error", err)
			}
		}
	}
}

// prime marks the events of the stored report as already announced so a
// restart does not repeat them.
func (m *Monitor) prime(ctx context.Context) {
	rep, found, err := m.store.GetLatest(ctx, m.meter.Name)
	if err != nil {
		m.logger.Warn("could not load previous report", "error", err)
		return
	}
	if !found {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.announced = slices.Clone(rep.Events.All)
	m.logger.Debug("primed from stored report", "events", len(rep.Events.All), "generated_at", rep.GeneratedAt)
}

// Tick performs one detection cycle and returns the stored report.
func (m *Monitor) Tick(ctx context.Context) (rep storage.Report, err error) {
	defer func() {
		if m.OnTick != nil {
			m.OnTick(m.meter.Name, err)
		}
	}()

	start := m.now()

	collectStart := time.Now()
	df, err := m.adapter.Collect(ctx, m.meter.History)
	if err != nil {
		return storage.Report{}, m.fail("adapter", "collect_failed", fmt.Errorf("collect: %w", err))
	}
	collectDuration := time.Since(collectStart)
	if m.metrics != nil {
		m.metrics.RecordCollect(m.meter.Name, m.adapter.Name(), collectDuration)
	}

	s, imputed, err := adapters.ToSeries(df)
	if err != nil {
		return storage.Report{}, m.fail("convert", "invalid_rows", fmt.Errorf("convert: %w", err))
	}

	detectStart := time.Now()
	res, err := flow.Detect(s, imputed, flow.Params{
		Threshold:   m.meter.Threshold,
		Period:      m.meter.Period,
		Granularity: m.meter.Granularity,
	})
	if err != nil {
		return storage.Report{}, m.fail("detector", "detect_failed", fmt.Errorf("detect: %w", err))
	}
	detectDuration := time.Since(detectStart)
	if m.metrics != nil {
		m.metrics.RecordDetect(m.meter.Name, detectDuration)
	}

	nights := mnf.Nightly(s, m.meter.MNF, m.meter.Location)
	rep = storage.Report{
		Meter:              m.meter.Name,
		GeneratedAt:        start,
		Threshold:          m.meter.Threshold,
		Period:             m.meter.Period,
		GranularitySeconds: int64(m.meter.Granularity / time.Second),
		Samples:            len(s),
		Events:             res,
		MNF:                mnf.Report{Nights: nights, Average: mnf.Summarize(nights)},
	}

	if err := m.store.Put(ctx, rep); err != nil {
		return storage.Report{}, m.fail("store", "put_failed", fmt.Errorf("store: %w", err))
	}

	fresh := m.announce(ctx, res.All)

	if m.metrics != nil {
		m.metrics.SetReport(m.meter.Name, len(s), len(res.Actual), len(res.Imputed),
			rep.MNF.Average.MinMNF, rep.MNF.Average.AvgMNF, start)
	}

	m.logger.Info("detection tick complete",
		"samples", len(s),
		"imputed_samples", imputed.Len(),
		"actual_events", len(res.Actual),
		"imputed_events", len(res.Imputed),
		"new_events", fresh,
		"mnf_nights", rep.MNF.Average.Nights,
		"collect_ms", collectDuration.Milliseconds(),
		"detect_ms", detectDuration.Milliseconds(),
		"total_ms", time.Since(start).Milliseconds(),
	)

	return rep, nil
}

// announce notifies about events that overlap nothing announced before. The
// detected events that are known or were just delivered replace the announced
// set, so a flow that is no longer detected is forgotten. It returns how many
// events were delivered.
func (m *Monitor) announce(ctx context.Context, events []flow.Event) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var fresh, current []flow.Event
	for _, e := range events {
		if overlapsAny(e, m.announced) {
			current = append(current, e)
			continue
		}
		fresh = append(fresh, e)
	}

	delivered := 0
	if len(fresh) > 0 {
		var err error
		if m.notifier != nil {
			err = m.notifier.Notify(ctx, m.meter.Name, fresh)
		}
		if err != nil {
			m.logger.Warn("failed to deliver event notification, retrying next tick", "events", len(fresh), "error", err)
			if m.metrics != nil {
				m.metrics.RecordError(m.meter.Name, "notify", "publish_failed")
			}
		} else {
			actual := 0
			current = append(current, fresh...)
			for _, e := range fresh {
				if e.Kind == flow.KindActual {
					actual++
				}
			}
			delivered = len(fresh)
			if m.metrics != nil {
				m.metrics.RecordNewEvents(m.meter.Name, actual, delivered-actual)
			}
		}
	}

	m.announced = current
	return delivered
}

func (m *Monitor) fail(component, reason string, err error) error {
	if m.metrics != nil {
		m.metrics.RecordError(m.meter.Name, component, reason)
	}
	return err
}

// runMonitors runs every monitor until ctx is done.
func runMonitors(ctx context.Context, monitors []*Monitor) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, mon := range monitors {
		g.Go(func() error {
			if err := mon.Run(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("meter %s: %w", mon.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// runOnce ticks every monitor once, at most limit at a time, and writes the
// event lines and MNF figures of each meter to w in meter order. A failing
// meter does not stop the others; all failures are returned joined.
func runOnce(ctx context.Context, monitors []*Monitor, limit int, w io.Writer) error {
	reports := make([]storage.Report, len(monitors))
	errs := make([]error, len(monitors))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(limit, 1))
	for i, mon := range monitors {
		g.Go(func() error {
			rep, err := mon.Tick(ctx)
			if err != nil {
				errs[i] = fmt.Errorf("meter %s: %w", mon.Name(), err)
				return nil
			}
			reports[i] = rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	order := make([]int, len(monitors))
	for i := range order {
		order[i] = i
	}
	slices.SortFunc(order, func(a, b int) int {
		return strings.Compare(monitors[a].Name(), monitors[b].Name())
	})

	for _, i := range order {
		if errs[i] != nil {
			fmt.Fprintf(w, "%s\n", errs[i])
			continue
		}
		writeSummary(w, reports[i])
	}
	return errors.Join(errs...)
}

func writeSummary(w io.Writer, rep storage.Report) {
	fmt.Fprintf(w, "meter %s: %d events (%d actual, %d imputed) in %d samples\n",
		rep.Meter, len(rep.Events.All), len(rep.Events.Actual), len(rep.Events.Imputed), rep.Samples)
	for _, line := range rep.Events.Lines() {
		fmt.Fprintf(w, "  %s\n", line)
	}

	avg := rep.MNF.Average
	if avg.Nights == 0 || math.IsNaN(avg.MinMNF) {
		fmt.Fprintf(w, "  MNF: no readings in window\n")
		return
	}
	fmt.Fprintf(w, "  MNF: min %.4f avg %.4f over %d nights\n", avg.MinMNF, avg.AvgMNF, avg.Nights)
}
