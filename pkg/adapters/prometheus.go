package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// PrometheusAdapter reads meter consumption through the Prometheus HTTP API.
// Query must select the consumption of a single meter; when several series
// match, values at the same timestamp are summed.
//
// ImputedQuery is optional. Any timestamp where it returns a non-zero value is
// marked imputed, e.g. `meter_reading_imputed{msn="0012345"}`.
type PrometheusAdapter struct {
	ServerURL    string
	Query        string
	ImputedQuery string
	// Step is the query resolution and should equal the meter granularity.
	// Defaults to 15 minutes.
	Step time.Duration
	// HTTPClient is optional; if nil a default client with timeout is used.
	HTTPClient *http.Client
}

func (p *PrometheusAdapter) Name() string { return "prometheus" }

// Collect implements Adapter.
func (p *PrometheusAdapter) Collect(ctx context.Context, window time.Duration) (*DataFrame, error) {
	if p.ServerURL == "" || p.Query == "" {
		return &DataFrame{}, errors.New("prometheus adapter: ServerURL and Query are required")
	}
	rq := rangeQuery{server: p.ServerURL, step: p.Step, client: p.HTTPClient, system: "prometheus"}
	return rq.collect(ctx, p.Query, p.ImputedQuery, window)
}

// VictoriaMetricsAdapter is PrometheusAdapter pointed at the
// Prometheus-compatible API of VictoriaMetrics.
type VictoriaMetricsAdapter struct {
	ServerURL    string
	Query        string
	ImputedQuery string
	Step         time.Duration
	HTTPClient   *http.Client
}

func (v *VictoriaMetricsAdapter) Name() string { return "victoria-metrics" }

// Collect implements Adapter.
func (v *VictoriaMetricsAdapter) Collect(ctx context.Context, window time.Duration) (*DataFrame, error) {
	if v.ServerURL == "" || v.Query == "" {
		return &DataFrame{}, errors.New("victoria metrics adapter: ServerURL and Query are required")
	}
	rq := rangeQuery{server: v.ServerURL, step: v.Step, client: v.HTTPClient, system: "victoria-metrics"}
	return rq.collect(ctx, v.Query, v.ImputedQuery, window)
}

type rangeQuery struct {
	server string
	step   time.Duration
	client *http.Client
	system string
}

func (r rangeQuery) collect(ctx context.Context, query, imputedQuery string, window time.Duration) (*DataFrame, error) {
	step := r.step
	if step <= 0 {
		step = 15 * time.Minute
	}
	end := time.Now().UTC().Truncate(step)
	start := end.Add(-window)

	values, err := r.fetch(ctx, query, start, end, step)
	if err != nil {
		return &DataFrame{}, err
	}

	var imputed map[int64]float64
	if imputedQuery != "" {
		imputed, err = r.fetch(ctx, imputedQuery, start, end, step)
		if err != nil {
			return &DataFrame{}, fmt.Errorf("imputed query: %w", err)
		}
	}

	rows := make([]Row, 0, len(values))
	for _, ts := range sortedKeys(values) {
		row := Row{
			"ts":    time.Unix(ts, 0).UTC().Format(time.RFC3339),
			"value": values[ts],
		}
		if imputed[ts] != 0 {
			row["imputed"] = true
		}
		rows = append(rows, row)
	}
	return &DataFrame{Rows: rows}, nil
}

func (r rangeQuery) fetch(ctx context.Context, query string, start, end time.Time, step time.Duration) (map[int64]float64, error) {
	u, err := url.Parse(r.server)
	if err != nil {
		return nil, fmt.Errorf("invalid ServerURL: %w", err)
	}
	u.Path = "/api/v1/query_range"

	q := u.Query()
	q.Set("query", query)
	q.Set("start", strconv.FormatInt(start.Unix(), 10))
	q.Set("end", strconv.FormatInt(end.Unix(), 10))
	q.Set("step", strconv.FormatInt(int64(step/time.Second), 10))
	u.RawQuery = q.Encode()

	cli := r.client
	if cli == nil {
		cli = &http.Client{Timeout: 10 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := cli.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d", r.system, resp.StatusCode)
	}

	var pr RangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", r.system, err)
	}
	if pr.Status != "success" {
		return nil, fmt.Errorf("%s status: %s", r.system, pr.Status)
	}

	return SumRangeResult(pr.Data.Result)
}

// RangeResponse is a Prometheus-compatible query_range response.
type RangeResponse struct {
	Status string    `json:"status"`
	Data   RangeData `json:"data"`
}

// RangeData contains the result of a range query.
type RangeData struct {
	ResultType string        `json:"resultType"`
	Result     []RangeSeries `json:"result"`
}

// RangeSeries is one series of a range query result.
type RangeSeries struct {
	Metric map[string]string `json:"metric"`
	// Values is an array of [ <unix_time_float>, "<value_string>" ]
	Values [][]any `json:"values"`
}

// SumRangeResult sums all series by unix timestamp.
func SumRangeResult(series []RangeSeries) (map[int64]float64, error) {
	acc := make(map[int64]float64)
	for _, s := range series {
		for _, pair := range s.Values {
			if len(pair) != 2 {
				return nil, fmt.Errorf("invalid value pair length: %d", len(pair))
			}

			var ts int64
			switch v := pair[0].(type) {
			case float64:
				ts = int64(v)
			case json.Number:
				f, err := v.Float64()
				if err != nil {
					return nil, fmt.Errorf("parse timestamp: %w", err)
				}
				ts = int64(f)
			default:
				return nil, fmt.Errorf("unexpected timestamp type %T", v)
			}

			var val float64
			switch vv := pair[1].(type) {
			case string:
				f, err := strconv.ParseFloat(vv, 64)
				if err != nil {
					return nil, fmt.Errorf("parse value: %w", err)
				}
				val = f
			case float64:
				val = vv
			case json.Number:
				f, err := vv.Float64()
				if err != nil {
					return nil, fmt.Errorf("parse value: %w", err)
				}
				val = f
			default:
				return nil, fmt.Errorf("unexpected value type %T", vv)
			}
			acc[ts] += val
		}
	}
	return acc, nil
}
