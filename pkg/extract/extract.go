// Package extract implements cursor-based incremental extraction: paginated
// keyset fetches ordered by an integer key column, rows streamed to the
// destination sink in fetch-size chunks, and a checkpoint flush between
// batches. The loop is single-threaded per table; resilience comes from
// bounded page re-issues that resume from the last row already handed to
// the sink, and from never advancing the checkpoint past rows that are not
// yet durable in the sink.
package extract

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tablesync/pkg/errors"
	"github.com/ajitpratap0/tablesync/pkg/metrics"
	"github.com/ajitpratap0/tablesync/pkg/mysql"
	"github.com/ajitpratap0/tablesync/pkg/pacer"
	"github.com/ajitpratap0/tablesync/pkg/retry"
)

// Querier issues resilient read queries
type Querier interface {
	Query(ctx context.Context, query string) (*sql.Rows, error)
}

// Sink receives extracted rows. Flush must make previously written rows
// durable before the checkpoint may advance past them.
type Sink interface {
	WriteRows(rows [][]string) error
	Flush() error
}

// Checkpointer persists the cursor for the table being extracted
type Checkpointer interface {
	Cursor() int64
	Save(ctx context.Context, cursor int64) error
}

// Canceller exposes the cooperative stop request. Checked only at batch
// boundaries; BeginDrain marks the transition into final teardown once the
// request is observed.
type Canceller interface {
	Stopping() bool
	BeginDrain()
	Done() <-chan struct{}
}

// Options configures one table extraction
type Options struct {
	Database string
	Table    string

	// Columns in server-defined order; drives SELECT list and row order
	Columns []string
	// Where is an optional base filter predicate
	Where string
	// PK is the integer cursor column; PKIndex is its position in Columns
	PK      string
	PKIndex int

	// BatchSize rows per checkpoint interval
	BatchSize int
	// FetchSize rows held in memory and per sink write; caps peak memory
	// for one page
	FetchSize int

	// Retry bounds re-issues of a page that failed transiently mid-scan
	Retry *retry.Policy
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 10000
	}
	if o.FetchSize <= 0 {
		o.FetchSize = 1000
	}
	if o.FetchSize > o.BatchSize {
		o.FetchSize = o.BatchSize
	}
	if o.Retry == nil {
		o.Retry = retry.DefaultPolicy()
	}
	return o
}

// Result summarizes one extraction run
type Result struct {
	Rows    int64
	Batches int
	Cursor  int64
	// Cancelled is set when the loop exited early on a stop request. The
	// persisted checkpoint covers every row written.
	Cancelled bool
}

// Extractor drives the keyset pagination loop for one table
type Extractor struct {
	conn      Querier
	sink      Sink
	ckpt      Checkpointer
	pacer     *pacer.Pacer
	ctrl      Canceller
	collector *metrics.Collector
	opts      Options
	logger    *zap.Logger

	// progressFn, when set, observes cumulative row counts after each batch
	progressFn func(rows int64)
}

// New creates an extractor. pacer and ctrl may be nil: extraction then runs
// unpaced and uncancellable.
func New(conn Querier, sink Sink, ckpt Checkpointer, p *pacer.Pacer, ctrl Canceller, opts Options, logger *zap.Logger) *Extractor {
	opts = opts.withDefaults()
	return &Extractor{
		conn:      conn,
		sink:      sink,
		ckpt:      ckpt,
		pacer:     p,
		ctrl:      ctrl,
		collector: metrics.NewCollector(opts.Database, opts.Table),
		opts:      opts,
		logger: logger.With(
			zap.String("database", opts.Database),
			zap.String("table", opts.Table)),
	}
}

// OnProgress registers a callback invoked with the cumulative row count
// after every completed batch.
func (e *Extractor) OnProgress(fn func(rows int64)) {
	e.progressFn = fn
}

// Collector returns the per-run timing collector
func (e *Extractor) Collector() *metrics.Collector {
	return e.collector
}

// Run executes the extraction loop until the table is drained, the run is
// cancelled, or an unrecoverable error occurs. On any return the persisted
// checkpoint is consistent with the sink contents.
func (e *Extractor) Run(ctx context.Context) (Result, error) {
	cursor := e.ckpt.Cursor()
	res := Result{Cursor: cursor}

	e.logger.Info("starting extraction",
		zap.Int64("cursor", cursor),
		zap.Int("batch_size", e.opts.BatchSize))

	for {
		if e.stopping() {
			e.ctrl.BeginDrain()
			res.Cancelled = true
			e.logger.Info("stop requested, extraction halting at batch boundary",
				zap.Int64("rows", res.Rows),
				zap.Int64("cursor", res.Cursor))
			return res, nil
		}

		if err := e.paceDelay(ctx); err != nil {
			return res, err
		}

		batchStart := time.Now()
		n, next, err := e.extractBatch(ctx, cursor)
		if err != nil {
			return res, err
		}
		if n == 0 {
			break
		}

		if err := e.sink.Flush(); err != nil {
			return res, err
		}
		if err := e.ckpt.Save(ctx, next); err != nil {
			return res, errors.Wrap(err, errors.ErrorTypeFile, "failed to persist checkpoint")
		}

		cursor = next
		res.Rows += int64(n)
		res.Batches++
		res.Cursor = cursor

		if e.pacer != nil {
			e.pacer.Record(n, time.Since(batchStart))
		}
		if e.progressFn != nil {
			e.progressFn(res.Rows)
		}

		e.logger.Debug("batch complete",
			zap.Int("rows", n),
			zap.Int64("cursor", cursor),
			zap.Duration("elapsed", time.Since(batchStart)))

		if n < e.opts.BatchSize {
			// A short batch means the table is drained; skip the empty fetch
			break
		}
	}

	e.logger.Info("extraction complete",
		zap.Int64("rows", res.Rows),
		zap.Int("batches", res.Batches),
		zap.Int64("cursor", res.Cursor))
	return res, nil
}

func (e *Extractor) stopping() bool {
	return e.ctrl != nil && e.ctrl.Stopping()
}

// paceDelay sleeps the current adaptive pause, interruptible by context
// cancellation or a stop request.
func (e *Extractor) paceDelay(ctx context.Context) error {
	d := e.pacer.Pause()
	e.collector.ObservePause(d)
	if d <= 0 {
		return nil
	}

	var stopCh <-chan struct{}
	if e.ctrl != nil {
		stopCh = e.ctrl.Done()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "extraction cancelled during pause")
	case <-stopCh:
		// The loop head observes the stop request
		return nil
	case <-timer.C:
		return nil
	}
}

// extractBatch fills one checkpoint interval of up to BatchSize rows,
// streaming them to the sink as they arrive. Because every row carries the
// cursor column, the last row handed to the sink is itself a valid keyset
// position: a transient failure mid-page re-issues the query from there,
// so rows already written are never fetched twice. The retry budget bounds
// re-issues; it resets whenever a page makes progress.
func (e *Extractor) extractBatch(ctx context.Context, cursor int64) (int, int64, error) {
	var (
		written int
		sub     = cursor
		attempt int
	)

	for written < e.opts.BatchSize {
		limit := e.opts.BatchSize - written
		n, last, err := e.streamPage(ctx, sub, limit)
		written += n
		if n > 0 {
			sub = last
			attempt = 0
		}
		if err != nil {
			if !errors.IsRetryable(err) {
				return written, sub, err
			}
			attempt++
			if attempt >= e.opts.Retry.MaxAttempts {
				return written, sub, fmt.Errorf("all %d attempts failed: %w",
					e.opts.Retry.MaxAttempts, err)
			}
			e.logger.Warn("page fetch failed, re-issuing from last written row",
				zap.Int64("cursor", sub),
				zap.Int("attempt", attempt),
				zap.Error(err))
			if werr := e.backoff(ctx, attempt-1); werr != nil {
				return written, sub, werr
			}
			continue
		}
		if n < limit {
			// The source is exhausted below the batch boundary
			break
		}
	}
	return written, sub, nil
}

// streamPage issues one keyset query and drains the result set to the sink
// in fetch-size chunks, so peak memory is one chunk rather than a whole
// page. Rows buffered in a partial chunk are discarded on error and
// re-fetched later; n and last report only rows actually handed to the
// sink.
func (e *Extractor) streamPage(ctx context.Context, after int64, limit int) (n int, last int64, err error) {
	start := time.Now()
	rows, err := e.conn.Query(ctx, e.buildQuery(after, limit))
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return 0, 0, mysql.Classify(err)
	}
	if len(cols) != len(e.opts.Columns) {
		return 0, 0, errors.New(errors.ErrorTypeInternal,
			fmt.Sprintf("result width %d does not match schema width %d",
				len(cols), len(e.opts.Columns)))
	}

	raw := make([]sql.RawBytes, len(cols))
	dest := make([]interface{}, len(cols))
	for i := range raw {
		dest[i] = &raw[i]
	}

	var (
		chunk     = make([][]string, 0, e.opts.FetchSize)
		chunkLast int64
		prev      = after
	)
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		wstart := time.Now()
		if werr := e.sink.WriteRows(chunk); werr != nil {
			return werr
		}
		e.collector.ObserveWrite(time.Since(wstart), len(chunk))
		n += len(chunk)
		last = chunkLast
		chunk = chunk[:0]
		return nil
	}

	for rows.Next() {
		if serr := rows.Scan(dest...); serr != nil {
			return n, last, mysql.Classify(serr)
		}

		record := make([]string, len(raw))
		for i, v := range raw {
			// NULL renders as the empty field
			record[i] = string(v)
		}

		cur, perr := strconv.ParseInt(record[e.opts.PKIndex], 10, 64)
		if perr != nil {
			return n, last, errors.Wrap(perr, errors.ErrorTypeInternal,
				"cursor column "+e.opts.PK+" is not an integer")
		}
		if cur <= prev {
			// A non-advancing cursor would re-fetch the same window forever
			return n, last, errors.New(errors.ErrorTypeInternal,
				fmt.Sprintf("cursor did not advance: %d -> %d", prev, cur))
		}
		prev = cur
		chunkLast = cur

		chunk = append(chunk, record)
		if len(chunk) >= e.opts.FetchSize {
			if werr := flush(); werr != nil {
				return n, last, werr
			}
		}
	}
	if rerr := rows.Err(); rerr != nil {
		return n, last, mysql.Classify(rerr)
	}
	if werr := flush(); werr != nil {
		return n, last, werr
	}

	e.collector.ObserveQuery(time.Since(start))
	return n, last, nil
}

// backoff sleeps the policy delay for the given attempt, interruptible by
// context cancellation.
func (e *Extractor) backoff(ctx context.Context, attempt int) error {
	timer := time.NewTimer(e.opts.Retry.GetDelay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "extraction cancelled during retry backoff")
	case <-timer.C:
		return nil
	}
}

// buildQuery renders the keyset pagination statement for the current cursor
func (e *Extractor) buildQuery(cursor int64, limit int) string {
	sel := make([]byte, 0, 256)
	sel = append(sel, "SELECT "...)
	for i, col := range e.opts.Columns {
		if i > 0 {
			sel = append(sel, ", "...)
		}
		sel = append(sel, mysql.QuoteIdent(col)...)
	}
	sel = append(sel, " FROM "...)
	sel = append(sel, mysql.QuoteIdent(e.opts.Table)...)

	pred := fmt.Sprintf("%s > %d", mysql.QuoteIdent(e.opts.PK), cursor)
	if e.opts.Where != "" {
		pred = "(" + e.opts.Where + ") AND " + pred
	}
	sel = append(sel, " WHERE "...)
	sel = append(sel, pred...)

	sel = append(sel, fmt.Sprintf(" ORDER BY %s LIMIT %d",
		mysql.QuoteIdent(e.opts.PK), limit)...)
	return string(sel)
}
