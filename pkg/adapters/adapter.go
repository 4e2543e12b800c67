// Package adapters provides flowwatch data source connectors that retrieve
// meter consumption readings from external systems and normalize them into a
// common DataFrame structure.
//
// Each adapter implements the Adapter interface. Available adapters:
//   - PrometheusAdapter      - range queries against the Prometheus HTTP API
//   - VictoriaMetricsAdapter - the same against VictoriaMetrics
//   - HTTPAdapter            - any REST API with JSON responses (gjson paths)
//   - PostgresAdapter        - a meter-read table in PostgreSQL
//
// Adapters only pull raw data. ToSeries turns a DataFrame into the
// series.Series and series.ImputedSet the analyses consume.
package adapters

import (
	"context"
	"time"
)

// Row is a single reading. Adapters populate:
//
//	"ts"      RFC3339 string
//	"value"   float64 consumption
//	"imputed" bool, optional; true when the value was filled in upstream
type Row map[string]any

// DataFrame is the tabular result of one collection.
type DataFrame struct {
	Rows []Row
}

// Adapter fetches the readings of one meter.
//
// Collect is synchronous and must respect context cancellation and deadlines.
type Adapter interface {
	// Collect returns the readings of the last window, oldest first.
	Collect(ctx context.Context, window time.Duration) (*DataFrame, error)

	// Name returns a short identifier, e.g. "prometheus" or "postgres".
	Name() string
}
