package mysql

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tablesync/pkg/errors"
)

// Querier is the subset of Conn the read-only helpers need. Narrowing the
// dependency keeps the helpers testable against a plain *sql.DB.
type Querier interface {
	Query(ctx context.Context, query string) (*sql.Rows, error)
}

// Resolver discovers table column order from the live server and caches the
// result for the duration of one sync run. Column order drives both the
// output header and row field order, so it must come from the same source.
type Resolver struct {
	conn   Querier
	cache  map[string][]string
	logger *zap.Logger
}

// NewResolver creates a resolver with an empty per-run cache
func NewResolver(conn Querier, logger *zap.Logger) *Resolver {
	return &Resolver{
		conn:   conn,
		cache:  make(map[string][]string),
		logger: logger,
	}
}

// Columns returns the table's column names in server-defined order. The
// first lookup per table queries the server; later lookups in the same run
// hit the cache.
func (r *Resolver) Columns(ctx context.Context, table string) ([]string, error) {
	if cols, ok := r.cache[table]; ok {
		return cols, nil
	}

	rows, err := r.conn.Query(ctx, "DESCRIBE "+QuoteIdent(table))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to describe table "+table)
	}
	defer func() { _ = rows.Close() }()

	resultCols, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read describe result")
	}

	var cols []string
	for rows.Next() {
		// Only the Field column matters; the rest of the DESCRIBE row is
		// discarded.
		dest := make([]interface{}, len(resultCols))
		var field string
		dest[0] = &field
		for i := 1; i < len(dest); i++ {
			dest[i] = new(sql.RawBytes)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to scan describe row")
		}
		cols = append(cols, field)
	}
	if err := rows.Err(); err != nil {
		return nil, Classify(err)
	}
	if len(cols) == 0 {
		return nil, errors.New(errors.ErrorTypeQuery, "table has no columns: "+table)
	}

	r.cache[table] = cols
	r.logger.Debug("resolved schema",
		zap.String("table", table),
		zap.Int("columns", len(cols)))
	return cols, nil
}

// ColumnIndex returns the position of name in cols, or -1
func ColumnIndex(cols []string, name string) int {
	for i, c := range cols {
		if c == name {
			return i
		}
	}
	return -1
}

// QuoteIdent backtick-quotes an identifier for interpolation into a
// statement. Identifiers come from operator configuration, not row data.
func QuoteIdent(name string) string {
	quoted := make([]byte, 0, len(name)+2)
	quoted = append(quoted, '`')
	for i := 0; i < len(name); i++ {
		if name[i] == '`' {
			quoted = append(quoted, '`')
		}
		quoted = append(quoted, name[i])
	}
	quoted = append(quoted, '`')
	return string(quoted)
}
