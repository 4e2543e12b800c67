package adapters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/tidwall/gjson"
)

// HTTPAdapter calls a REST endpoint, typically a head-end or MDM system, and
// extracts readings with gjson paths.
//
// Body and header values are text templates with the variables
// {{.Start}}, {{.End}} (unix seconds), {{.StartRFC3339}}, {{.EndRFC3339}},
// {{.WindowSeconds}}, {{.StepSeconds}} plus everything in TemplateVars.
//
// Example for an API returning {"reads":[{"at":"...","kwh":0.4,"est":false}]}:
//
//	adapter := &HTTPAdapter{
//	    URL:           "https://mdm.example.com/meters/0012345/reads",
//	    ValuePath:     "reads.#.kwh",
//	    TimestampPath: "reads.#.at",
//	    ImputedPath:   "reads.#.est",
//	}
type HTTPAdapter struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    string

	// ValuePath and TimestampPath must yield arrays of equal length.
	ValuePath     string
	TimestampPath string
	// ImputedPath is optional; when set it must yield one boolean per reading.
	ImputedPath string

	// TimestampFormat is "rfc3339" (default), "unix" or "unix_milli".
	TimestampFormat string

	Step         time.Duration
	HTTPClient   *http.Client
	TemplateVars map[string]string
}

func (h *HTTPAdapter) Name() string { return "http" }

// Validate checks the adapter configuration.
func (h *HTTPAdapter) Validate() error {
	if h.URL == "" {
		return errors.New("http adapter: url is required")
	}
	if h.ValuePath == "" || h.TimestampPath == "" {
		return errors.New("http adapter: valuePath and timestampPath are required")
	}
	switch h.TimestampFormat {
	case "", "rfc3339", "unix", "unix_milli":
	default:
		return fmt.Errorf("http adapter: invalid timestampFormat %q (must be rfc3339, unix, or unix_milli)", h.TimestampFormat)
	}
	return nil
}

// Collect implements Adapter.
func (h *HTTPAdapter) Collect(ctx context.Context, window time.Duration) (*DataFrame, error) {
	if err := h.Validate(); err != nil {
		return &DataFrame{}, err
	}

	step := h.Step
	if step <= 0 {
		step = 15 * time.Minute
	}
	end := time.Now().UTC().Truncate(time.Second)
	start := end.Add(-window)

	vars := map[string]any{
		"WindowSeconds": int64(window / time.Second),
		"StepSeconds":   int64(step / time.Second),
		"Start":         start.Unix(),
		"End":           end.Unix(),
		"StartRFC3339":  start.Format(time.RFC3339),
		"EndRFC3339":    end.Format(time.RFC3339),
	}
	for k, v := range h.TemplateVars {
		vars[k] = v
	}

	body, err := h.request(ctx, vars)
	if err != nil {
		return &DataFrame{}, err
	}

	values := gjson.GetBytes(body, h.ValuePath)
	if !values.Exists() {
		return &DataFrame{}, fmt.Errorf("value path %q not found in response", h.ValuePath)
	}
	stamps := gjson.GetBytes(body, h.TimestampPath)
	if !stamps.Exists() {
		return &DataFrame{}, fmt.Errorf("timestamp path %q not found in response", h.TimestampPath)
	}

	valArr, tsArr := values.Array(), stamps.Array()
	if len(valArr) != len(tsArr) {
		return &DataFrame{}, fmt.Errorf("value count (%d) != timestamp count (%d)", len(valArr), len(tsArr))
	}

	var flags []gjson.Result
	if h.ImputedPath != "" {
		flags = gjson.GetBytes(body, h.ImputedPath).Array()
		if len(flags) != len(valArr) {
			return &DataFrame{}, fmt.Errorf("imputed count (%d) != value count (%d)", len(flags), len(valArr))
		}
	}

	rows := make([]Row, 0, len(valArr))
	for i := range valArr {
		ts, err := h.parseTimestamp(tsArr[i])
		if err != nil {
			return &DataFrame{}, fmt.Errorf("parse timestamp[%d]: %w", i, err)
		}
		row := Row{"ts": ts, "value": valArr[i].Float()}
		if flags != nil && flags[i].Bool() {
			row["imputed"] = true
		}
		rows = append(rows, row)
	}

	sortRowsByTime(rows)
	return &DataFrame{Rows: rows}, nil
}

func (h *HTTPAdapter) request(ctx context.Context, vars map[string]any) ([]byte, error) {
	method := h.Method
	if method == "" {
		method = http.MethodGet
	}

	var reader io.Reader
	if h.Body != "" {
		rendered, err := renderTemplate(h.Body, vars)
		if err != nil {
			return nil, fmt.Errorf("render body template: %w", err)
		}
		reader = strings.NewReader(rendered)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.URL, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for key, value := range h.Headers {
		rendered, err := renderTemplate(value, vars)
		if err != nil {
			return nil, fmt.Errorf("render header %s: %w", key, err)
		}
		req.Header.Set(key, rendered)
	}

	cli := h.HTTPClient
	if cli == nil {
		cli = &http.Client{Timeout: 10 * time.Second}
	}

	resp, err := cli.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(msg))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

func (h *HTTPAdapter) parseTimestamp(v gjson.Result) (time.Time, error) {
	switch h.TimestampFormat {
	case "", "rfc3339":
		return time.Parse(time.RFC3339, v.String())
	case "unix":
		return time.Unix(int64(v.Float()), 0).UTC(), nil
	case "unix_milli":
		return time.UnixMilli(int64(v.Float())).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp format: %s", h.TimestampFormat)
	}
}

func renderTemplate(text string, data map[string]any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	tmpl, err := template.New("").Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
