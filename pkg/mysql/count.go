package mysql

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tablesync/pkg/errors"
)

// scalarQuerier adds single-value queries to Querier
type scalarQuerier interface {
	Querier
	QueryInt(ctx context.Context, query string) (int64, error)
}

// Counter answers row count questions for progress reporting and post-sync
// verification.
type Counter struct {
	conn   scalarQuerier
	logger *zap.Logger
}

// NewCounter creates a counter over the given connection
func NewCounter(conn scalarQuerier, logger *zap.Logger) *Counter {
	return &Counter{conn: conn, logger: logger}
}

// Count returns the exact row count, optionally restricted by a filter
// predicate. Used for verification, where the estimate is never acceptable.
func (c *Counter) Count(ctx context.Context, table, where string) (int64, error) {
	query := "SELECT COUNT(*) FROM " + QuoteIdent(table)
	if where != "" {
		query += " WHERE " + where
	}
	return c.conn.QueryInt(ctx, query)
}

// Remaining returns the exact number of rows past the cursor, for
// incremental progress totals.
func (c *Counter) Remaining(ctx context.Context, table, where, pk string, cursor int64) (int64, error) {
	pred := fmt.Sprintf("%s > %d", QuoteIdent(pk), cursor)
	if where != "" {
		pred = "(" + where + ") AND " + pred
	}
	return c.Count(ctx, table, pred)
}

// Estimate returns the storage engine's approximate row count, falling back
// to an exact count when the estimate is unavailable. The estimate ignores
// filter predicates and must only be used when no filter applies.
func (c *Counter) Estimate(ctx context.Context, table string) (int64, error) {
	n, err := c.estimate(ctx, table)
	if err != nil {
		c.logger.Warn("row estimate unavailable, falling back to exact count",
			zap.String("table", table),
			zap.Error(err))
		return c.Count(ctx, table, "")
	}
	return n, nil
}

func (c *Counter) estimate(ctx context.Context, table string) (int64, error) {
	rows, err := c.conn.Query(ctx, "SHOW TABLE STATUS LIKE "+quoteString(table))
	if err != nil {
		return 0, err
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read table status columns")
	}
	rowsIdx := ColumnIndex(cols, "Rows")
	if rowsIdx < 0 {
		return 0, errors.New(errors.ErrorTypeQuery, "table status has no Rows column")
	}

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return 0, Classify(err)
		}
		return 0, errors.New(errors.ErrorTypeQuery, "table not found in status: "+table)
	}

	dest := make([]interface{}, len(cols))
	var n sql.NullInt64
	for i := range dest {
		dest[i] = new(sql.RawBytes)
	}
	dest[rowsIdx] = &n
	if err := rows.Scan(dest...); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to scan table status")
	}
	if !n.Valid {
		return 0, errors.New(errors.ErrorTypeQuery, "row estimate is null for table: "+table)
	}
	return n.Int64, nil
}

// quoteString single-quote escapes a literal for SHOW TABLE STATUS LIKE,
// which does not accept placeholders.
func quoteString(s string) string {
	quoted := make([]byte, 0, len(s)+2)
	quoted = append(quoted, '\'')
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'', '\\':
			quoted = append(quoted, '\\')
		}
		quoted = append(quoted, s[i])
	}
	quoted = append(quoted, '\'')
	return string(quoted)
}
