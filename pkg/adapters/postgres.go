package adapters

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	// registers the "pgx" database/sql driver
	_ "github.com/jackc/pgx/v5/stdlib"
)

const defaultReadsTable = "meter_reads"

var tableNameRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z_][a-zA-Z0-9_]*)?$`)

// PostgresAdapter reads one meter from a table of the form
//
//	CREATE TABLE meter_reads (
//	    msn         TEXT        NOT NULL,
//	    read_at     TIMESTAMPTZ NOT NULL,
//	    consumption DOUBLE PRECISION NOT NULL,
//	    imputed     BOOLEAN     NOT NULL DEFAULT FALSE,
//	    PRIMARY KEY (msn, read_at)
//	);
type PostgresAdapter struct {
	DB    *sql.DB
	Table string
	MSN   string
}

// OpenPostgres opens a pgx-backed *sql.DB and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func (p *PostgresAdapter) Name() string { return "postgres" }

// Collect implements Adapter.
func (p *PostgresAdapter) Collect(ctx context.Context, window time.Duration) (*DataFrame, error) {
	if p.DB == nil {
		return &DataFrame{}, errors.New("postgres adapter: DB is required")
	}
	if p.MSN == "" {
		return &DataFrame{}, errors.New("postgres adapter: MSN is required")
	}
	table := p.Table
	if table == "" {
		table = defaultReadsTable
	}
	if !tableNameRegex.MatchString(table) {
		return &DataFrame{}, fmt.Errorf("postgres adapter: invalid table name %q", table)
	}

	query := fmt.Sprintf(`
SELECT read_at, consumption, imputed
FROM %s
WHERE msn = $1
	AND read_at >= $2
ORDER BY read_at ASC`, table)

	since := time.Now().UTC().Add(-window)
	rows, err := p.DB.QueryContext(ctx, query, p.MSN, since)
	if err != nil {
		return &DataFrame{}, fmt.Errorf("query meter reads: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			readAt      time.Time
			consumption float64
			imputed     bool
		)
		if err := rows.Scan(&readAt, &consumption, &imputed); err != nil {
			return &DataFrame{}, fmt.Errorf("scan meter read: %w", err)
		}
		row := Row{"ts": readAt.UTC().Format(time.RFC3339), "value": consumption}
		if imputed {
			row["imputed"] = true
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return &DataFrame{}, err
	}
	return &DataFrame{Rows: out}, nil
}

// Close closes the underlying database handle.
func (p *PostgresAdapter) Close() error {
	if p.DB == nil {
		return nil
	}
	return p.DB.Close()
}
