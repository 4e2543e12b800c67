package adapters

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// New creates an adapter from its kind and a generic configuration map.
//
// Supported kinds and keys:
//   - "prometheus", "victoriametrics": query (required), url, imputedQuery
//   - "http": url, valuePath, timestampPath (required), method, body,
//     imputedPath, timestampFormat, headers (JSON), templateVars (JSON)
//   - "postgres": dsn, msn (required), table
//
// step is the meter granularity and doubles as the query resolution.
func New(kind string, config map[string]string, step time.Duration) (Adapter, error) {
	switch kind {
	case "prometheus":
		return newPrometheus(config, step)
	case "victoriametrics":
		return newVictoriaMetrics(config, step)
	case "http":
		return newHTTP(config, step)
	case "postgres":
		return newPostgres(config)
	default:
		return nil, fmt.Errorf("unknown adapter kind: %s (must be prometheus, victoriametrics, http, or postgres)", kind)
	}
}

func newPrometheus(config map[string]string, step time.Duration) (Adapter, error) {
	if config["query"] == "" {
		return nil, fmt.Errorf("prometheus adapter requires 'query' config")
	}
	url := config["url"]
	if url == "" {
		url = "http://localhost:9090"
	}
	return &PrometheusAdapter{
		ServerURL:    url,
		Query:        config["query"],
		ImputedQuery: config["imputedQuery"],
		Step:         step,
	}, nil
}

func newVictoriaMetrics(config map[string]string, step time.Duration) (Adapter, error) {
	if config["query"] == "" {
		return nil, fmt.Errorf("victoriametrics adapter requires 'query' config")
	}
	url := config["url"]
	if url == "" {
		url = "http://localhost:8428"
	}
	return &VictoriaMetricsAdapter{
		ServerURL:    url,
		Query:        config["query"],
		ImputedQuery: config["imputedQuery"],
		Step:         step,
	}, nil
}

func newHTTP(config map[string]string, step time.Duration) (Adapter, error) {
	adapter := &HTTPAdapter{
		URL:             config["url"],
		Method:          config["method"],
		Body:            config["body"],
		ValuePath:       config["valuePath"],
		TimestampPath:   config["timestampPath"],
		ImputedPath:     config["imputedPath"],
		TimestampFormat: config["timestampFormat"],
		Step:            step,
	}

	if raw := config["headers"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &adapter.Headers); err != nil {
			return nil, fmt.Errorf("invalid 'headers' JSON: %w", err)
		}
	}
	if raw := config["templateVars"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &adapter.TemplateVars); err != nil {
			return nil, fmt.Errorf("invalid 'templateVars' JSON: %w", err)
		}
	}

	if err := adapter.Validate(); err != nil {
		return nil, err
	}
	return adapter, nil
}

func newPostgres(config map[string]string) (Adapter, error) {
	dsn := config["dsn"]
	if dsn == "" {
		return nil, fmt.Errorf("postgres adapter requires 'dsn' config")
	}
	msn := config["msn"]
	if msn == "" {
		return nil, fmt.Errorf("postgres adapter requires 'msn' config")
	}
	table := config["table"]
	if table != "" && !tableNameRegex.MatchString(table) {
		return nil, fmt.Errorf("postgres adapter: invalid table name %q", table)
	}

	// sql.Open only validates the DSN; connections are made on first query.
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &PostgresAdapter{DB: db, Table: table, MSN: msn}, nil
}
