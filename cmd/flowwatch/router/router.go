// Package router configures the detector's HTTP API.
//
// Routes:
//   - GET /events/current?meter=<id> - latest continuous flow events
//   - GET /mnf/current?meter=<id>    - latest minimum night flow figures
//   - GET /report.xlsx?meter=<id>    - latest report as a spreadsheet
//   - GET /healthz                   - 200 OK while all checks pass
//   - GET /metrics                   - Prometheus metrics
//
// Reports older than the stale threshold carry an X-Flowwatch-Stale header.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HatiCode/flowwatch/pkg/flow"
	"github.com/HatiCode/flowwatch/pkg/httpx"
	"github.com/HatiCode/flowwatch/pkg/mnf"
	"github.com/HatiCode/flowwatch/pkg/report"
	"github.com/HatiCode/flowwatch/pkg/storage"
)

const (
	staleHeader = "X-Flowwatch-Stale"
	xlsxType    = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// EventsResponse is the body of GET /events/current.
type EventsResponse struct {
	Meter              string      `json:"meter"`
	GeneratedAt        string      `json:"generatedAt"`
	Threshold          float64     `json:"threshold"`
	Period             int         `json:"period"`
	GranularitySeconds int64       `json:"granularitySeconds"`
	Samples            int         `json:"samples"`
	Events             flow.Result `json:"events"`
	Lines              []string    `json:"lines"`
}

// MNFResponse is the body of GET /mnf/current.
type MNFResponse struct {
	Meter       string      `json:"meter"`
	GeneratedAt string      `json:"generatedAt"`
	Nights      []mnf.Night `json:"nights"`
	Average     mnf.Average `json:"average"`
}

// SetupRoutes returns the API handler wrapped in recovery and request
// logging. checks back /healthz.
func SetupRoutes(store storage.Store, staleAfter time.Duration, gatherer prometheus.Gatherer, logger *slog.Logger, checks ...func(context.Context) error) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()

	mux.Handle("GET /healthz", httpx.HealthHandler(checks...))
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	lookup := reportLookup{store: store, staleAfter: staleAfter, logger: logger}
	mux.HandleFunc("GET /events/current", lookup.handle(writeEvents))
	mux.HandleFunc("GET /mnf/current", lookup.handle(writeMNF))
	mux.HandleFunc("GET /report.xlsx", lookup.handle(writeXLSX(logger)))

	return httpx.Chain(mux, httpx.RecoveryMiddleware(logger), httpx.LoggingMiddleware(logger))
}

type reportLookup struct {
	store      storage.Store
	staleAfter time.Duration
	logger     *slog.Logger
}

// handle resolves ?meter= to its latest report and hands it to write.
func (l reportLookup) handle(write func(http.ResponseWriter, storage.Report)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meter := r.URL.Query().Get("meter")
		if meter == "" {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "meter parameter required")
			return
		}
		if !storage.ValidMeterID(meter) {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "invalid meter id format")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		rep, found, err := l.store.GetLatest(ctx, meter)
		if err != nil {
			l.logger.Error("failed to get report", "meter", meter, "error", err)
			httpx.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if !found {
			httpx.WriteErrorMessage(w, http.StatusNotFound, fmt.Sprintf("report not found for meter %q", meter))
			return
		}

		if l.staleAfter > 0 && time.Since(rep.GeneratedAt) > l.staleAfter {
			w.Header().Set(staleHeader, "true")
		}
		write(w, rep)
	}
}

func writeEvents(w http.ResponseWriter, rep storage.Report) {
	httpx.WriteJSON(w, http.StatusOK, EventsResponse{
		Meter:              rep.Meter,
		GeneratedAt:        rep.GeneratedAt.UTC().Format(time.RFC3339),
		Threshold:          rep.Threshold,
		Period:             rep.Period,
		GranularitySeconds: rep.GranularitySeconds,
		Samples:            rep.Samples,
		Events:             rep.Events,
		Lines:              rep.Events.Lines(),
	})
}

func writeMNF(w http.ResponseWriter, rep storage.Report) {
	httpx.WriteJSON(w, http.StatusOK, MNFResponse{
		Meter:       rep.Meter,
		GeneratedAt: rep.GeneratedAt.UTC().Format(time.RFC3339),
		Nights:      rep.MNF.Nights,
		Average:     rep.MNF.Average,
	})
}

func writeXLSX(logger *slog.Logger) func(http.ResponseWriter, storage.Report) {
	return func(w http.ResponseWriter, rep storage.Report) {
		data, err := report.BuildXLSX(rep)
		if err != nil {
			logger.Error("failed to build spreadsheet", "meter", rep.Meter, "error", err)
			httpx.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
			return
		}
		w.Header().Set("Content-Type", xlsxType)
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="flowwatch-%s.xlsx"`, rep.Meter))
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(data); err != nil {
			logger.Error("failed to write spreadsheet", "meter", rep.Meter, "error", err)
		}
	}
}
