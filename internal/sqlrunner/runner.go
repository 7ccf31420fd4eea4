// Package sqlrunner executes generated SQL against the business database in
// read-only transactions and describes that database's schema for SQL
// generation.
package sqlrunner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jellydator/ttlcache/v3"

	"github.com/kalambet/querysmith/internal/metrics"
)

// Defaults for Options.
const (
	DefaultMaxRows          = 1000
	DefaultStatementTimeout = 30 * time.Second
	DefaultSchemaCacheTTL   = 10 * time.Minute
	DefaultSchema           = "public"
)

// ErrEmptySQL is returned by Run for blank input.
var ErrEmptySQL = errors.New("sql is empty")

// Options tunes a Runner.
type Options struct {
	MaxRows          int
	StatementTimeout time.Duration
	SchemaCacheTTL   time.Duration
	// Schema is the database schema DescribeSchema reports on.
	Schema string
}

func (o *Options) setDefaults() {
	if o.MaxRows <= 0 {
		o.MaxRows = DefaultMaxRows
	}
	if o.StatementTimeout <= 0 {
		o.StatementTimeout = DefaultStatementTimeout
	}
	if o.SchemaCacheTTL <= 0 {
		o.SchemaCacheTTL = DefaultSchemaCacheTTL
	}
	if o.Schema == "" {
		o.Schema = DefaultSchema
	}
}

// Result is a fully materialized query result. Rows hold JSON-friendly
// values.
type Result struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	Truncated bool     `json:"truncated"`
}

// Runner executes SQL against the business database.
type Runner struct {
	pool  *pgxpool.Pool
	opts  Options
	cache *ttlcache.Cache[string, string]
}

// Open connects to dsn.
func Open(ctx context.Context, dsn string, opts Options) (*Runner, error) {
	opts.setDefaults()

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlrunner: parsing dsn: %w", err)
	}
	poolConfig.MaxConns = 5
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("sqlrunner: creating pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sqlrunner: ping: %w", err)
	}

	return &Runner{
		pool:  pool,
		opts:  opts,
		cache: ttlcache.New(ttlcache.WithTTL[string, string](opts.SchemaCacheTTL)),
	}, nil
}

// Close releases the pool.
func (r *Runner) Close() {
	r.pool.Close()
}

// Ping checks connectivity.
func (r *Runner) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Run executes sql in a read-only transaction bounded by the statement
// timeout. At most MaxRows rows are returned; Truncated reports whether more
// were available.
func (r *Runner) Run(ctx context.Context, sql string) (res Result, err error) {
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.BusinessQueries.WithLabelValues(status).Inc()
	}()

	sql = trimStatement(sql)
	if sql == "" {
		return Result{}, ErrEmptySQL
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return Result{}, fmt.Errorf("sqlrunner: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", r.opts.StatementTimeout.Milliseconds())); err != nil {
		return Result{}, fmt.Errorf("sqlrunner: setting timeout: %w", err)
	}

	rows, err := tx.Query(ctx, sql)
	if err != nil {
		return Result{}, err
	}
	defer rows.Close()

	for _, fd := range rows.FieldDescriptions() {
		res.Columns = append(res.Columns, fd.Name)
	}
	res.Rows = [][]any{}
	for rows.Next() {
		if len(res.Rows) == r.opts.MaxRows {
			res.Truncated = true
			break
		}
		vals, err := rows.Values()
		if err != nil {
			return Result{}, err
		}
		for i, v := range vals {
			vals[i] = jsonValue(v)
		}
		res.Rows = append(res.Rows, vals)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Result{}, err
	}
	return res, nil
}

// trimStatement drops surrounding whitespace and trailing semicolons.
func trimStatement(sql string) string {
	return strings.TrimSpace(strings.TrimRight(strings.TrimSpace(sql), ";"))
}

type column struct {
	table, name, dataType string
}

// DescribeSchema lists the tables and columns of the configured schema as
//
//	TABLE: policies
//	  - agency_name (text)
//
// The text is cached.
func (r *Runner) DescribeSchema(ctx context.Context) (string, error) {
	if item := r.cache.Get(r.opts.Schema); item != nil {
		return item.Value(), nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = $1
		ORDER BY table_name, ordinal_position`, r.opts.Schema)
	if err != nil {
		return "", fmt.Errorf("sqlrunner: describing schema: %w", err)
	}
	cols, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (column, error) {
		var c column
		err := row.Scan(&c.table, &c.name, &c.dataType)
		return c, err
	})
	if err != nil {
		return "", fmt.Errorf("sqlrunner: describing schema: %w", err)
	}

	text := formatSchema(cols)
	r.cache.Set(r.opts.Schema, text, ttlcache.DefaultTTL)
	return text, nil
}

func formatSchema(cols []column) string {
	var b strings.Builder
	current := ""
	for _, c := range cols {
		if c.table != current {
			if current != "" {
				b.WriteString("\n")
			}
			current = c.table
			fmt.Fprintf(&b, "TABLE: %s\n", c.table)
		}
		fmt.Fprintf(&b, "  - %s (%s)\n", c.name, c.dataType)
	}
	return strings.TrimRight(b.String(), "\n")
}
