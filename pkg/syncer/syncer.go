// Package syncer orchestrates a full sync run: databases in configuration
// order, tables in spec order, one connection per database. Per-table
// failures are contained; one broken table never stops the rest of the run.
package syncer

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tablesync/pkg/checkpoint"
	"github.com/ajitpratap0/tablesync/pkg/config"
	"github.com/ajitpratap0/tablesync/pkg/errors"
	"github.com/ajitpratap0/tablesync/pkg/extract"
	"github.com/ajitpratap0/tablesync/pkg/lifecycle"
	"github.com/ajitpratap0/tablesync/pkg/metrics"
	"github.com/ajitpratap0/tablesync/pkg/mysql"
	"github.com/ajitpratap0/tablesync/pkg/pacer"
	"github.com/ajitpratap0/tablesync/pkg/progress"
	"github.com/ajitpratap0/tablesync/pkg/retry"
	"github.com/ajitpratap0/tablesync/pkg/sink"
)

// Conn is the database session surface the orchestrator needs
type Conn interface {
	Query(ctx context.Context, query string) (*sql.Rows, error)
	QueryInt(ctx context.Context, query string) (int64, error)
	Close() error
}

// ConnectFunc opens a session; injectable for tests
type ConnectFunc func(ctx context.Context, cfg mysql.Config, logger *zap.Logger) (Conn, error)

// Options configures a sync run
type Options struct {
	OutputDir string

	// Tables restricts the run to the named tables; empty means all
	Tables []string
	// IncrementalOnly syncs only tables marked incremental
	IncrementalOnly bool
	// SkipIncremental syncs only full-refresh tables
	SkipIncremental bool
	// SkipVerify disables the post-sync row count comparison
	SkipVerify bool
	// FastCount uses the storage engine estimate for full-table totals
	FastCount bool

	BatchSize int
	FetchSize int

	MaxRetries     int
	RetryDelay     time.Duration
	ConnectTimeout time.Duration
	QueryTimeout   time.Duration

	Pacing pacer.Config

	Compression      string
	Delimiter        rune
	ProgressInterval time.Duration
}

// TableResult summarizes one table sync
type TableResult struct {
	Database string
	Table    string
	Output   string

	Rows      int64
	Total     int64
	Cursor    int64
	Cancelled bool

	// VerifyMismatch is advisory; a mismatch never fails the table.
	// VerifyErr carries the typed mismatch description when set.
	Verified       bool
	VerifyMismatch bool
	VerifyErr      error

	Elapsed   time.Duration
	QueryTime time.Duration
	WriteTime time.Duration

	Err error
}

// Summary aggregates a whole run
type Summary struct {
	Tables    []TableResult
	Rows      int64
	Failed    int
	Cancelled bool
	Elapsed   time.Duration
}

// Syncer drives one run over the configured databases
type Syncer struct {
	cfg     *config.Config
	store   checkpoint.Store
	ctrl    *lifecycle.Controller
	opts    Options
	logger  *zap.Logger
	connect ConnectFunc
}

// New creates a syncer. ctrl carries the cooperative cancellation state and
// is shared with the signal handler.
func New(cfg *config.Config, ctrl *lifecycle.Controller, opts Options, logger *zap.Logger) *Syncer {
	return &Syncer{
		cfg:    cfg,
		store:  checkpoint.NewFileStore(cfg),
		ctrl:   ctrl,
		opts:   opts,
		logger: logger,
		connect: func(ctx context.Context, cfg mysql.Config, logger *zap.Logger) (Conn, error) {
			return mysql.Connect(ctx, cfg, logger)
		},
	}
}

// Run executes the sync across all configured databases. The returned error
// is reserved for run-level failures, such as no database being reachable
// at all; per-table errors live in the summary.
func (s *Syncer) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	summary := &Summary{}
	attempted, connected := 0, 0

	for _, dbName := range s.cfg.DatabaseNames() {
		if s.ctrl.Stopping() {
			break
		}

		dbCfg, _ := s.cfg.Database(dbName)
		selected := s.selectTables(dbName, dbCfg)
		if len(selected) == 0 {
			continue
		}

		logger := s.logger.With(zap.String("database", dbName))
		logger.Info("connecting", zap.String("host", dbCfg.DBHost),
			zap.Int("tables", len(selected)))

		attempted++
		connCfg, err := s.connConfig(dbCfg)
		if err == nil {
			var conn Conn
			conn, err = s.connect(ctx, connCfg, logger)
			if err == nil {
				connected++
				s.syncDatabase(ctx, conn, dbName, selected, summary, logger)
				_ = conn.Close()
				continue
			}
		}

		// The whole database is unreachable; fail its tables and move on
		logger.Error("database unavailable, skipping its tables", zap.Error(err))
		for _, spec := range selected {
			metrics.TablesAbandoned.WithLabelValues(dbName).Inc()
			summary.Tables = append(summary.Tables, TableResult{
				Database: dbName,
				Table:    spec.Name,
				Err:      err,
			})
			summary.Failed++
		}
	}

	summary.Cancelled = s.ctrl.Stopping()
	summary.Elapsed = time.Since(start)
	s.ctrl.MarkStopped()

	s.logger.Info("run complete",
		zap.Int("tables", len(summary.Tables)),
		zap.Int64("rows", summary.Rows),
		zap.Int("failed", summary.Failed),
		zap.Bool("cancelled", summary.Cancelled),
		zap.Duration("elapsed", summary.Elapsed.Round(time.Millisecond)))

	if attempted > 0 && connected == 0 && !summary.Cancelled {
		return summary, errors.New(errors.ErrorTypeConnection,
			"no configured database was reachable")
	}
	return summary, nil
}

func (s *Syncer) syncDatabase(ctx context.Context, conn Conn, dbName string, specs []*config.TableSpec, summary *Summary, logger *zap.Logger) {
	resolver := mysql.NewResolver(conn, logger)
	counter := mysql.NewCounter(conn, logger)

	for _, spec := range specs {
		if s.ctrl.Stopping() {
			break
		}

		res := s.syncTable(ctx, conn, resolver, counter, dbName, spec, logger)
		summary.Tables = append(summary.Tables, res)
		summary.Rows += res.Rows
		if res.Err != nil {
			metrics.TablesAbandoned.WithLabelValues(dbName).Inc()
			summary.Failed++
			logger.Error("table sync failed",
				zap.String("table", spec.Name),
				zap.Error(res.Err))
		}
	}
}

// selectTables applies the allow-list and incremental filters. Allow-list
// entries may be bare table names or qualified as database.table.
func (s *Syncer) selectTables(dbName string, dbCfg *config.DatabaseConfig) []*config.TableSpec {
	allow := make(map[string]bool, len(s.opts.Tables))
	for _, t := range s.opts.Tables {
		allow[t] = true
	}

	var out []*config.TableSpec
	for _, spec := range dbCfg.Tables {
		if len(allow) > 0 && !allow[spec.Name] && !allow[dbName+"."+spec.Name] {
			continue
		}
		if s.opts.IncrementalOnly && !spec.Incremental {
			continue
		}
		if s.opts.SkipIncremental && spec.Incremental {
			continue
		}
		out = append(out, spec)
	}
	return out
}

func (s *Syncer) syncTable(ctx context.Context, conn Conn, resolver *mysql.Resolver, counter *mysql.Counter, dbName string, spec *config.TableSpec, logger *zap.Logger) TableResult {
	start := time.Now()
	res := TableResult{Database: dbName, Table: spec.Name}

	logger = logger.With(zap.String("table", spec.Name))
	logger.Info("syncing table",
		zap.Bool("incremental", spec.Incremental),
		zap.String("where", spec.Where))

	cols := spec.Columns
	if len(cols) == 0 {
		var err error
		cols, err = resolver.Columns(ctx, spec.Name)
		if err != nil {
			res.Err = err
			return res
		}
	}

	pkIdx := mysql.ColumnIndex(cols, spec.PK())
	if pkIdx < 0 {
		res.Err = errors.New(errors.ErrorTypeConfig,
			fmt.Sprintf("cursor column %s is not in the column list for %s", spec.PK(), spec.Name))
		return res
	}

	var ckpt extract.Checkpointer
	truncate := false
	if spec.Incremental {
		ckpt = checkpoint.ForTable(s.store, dbName, spec.Name)
	} else {
		ckpt = checkpoint.ForTable(checkpoint.NewMemStore(), dbName, spec.Name)
		truncate = true
	}

	res.Total = s.countTotal(ctx, counter, spec, ckpt.Cursor(), logger)

	res.Output = s.outputPath(dbName, spec.Name)
	snk, err := sink.Open(res.Output, cols, truncate, s.sinkOptions())
	if err != nil {
		res.Err = err
		return res
	}

	reporter := progress.NewReporter(logger, dbName, spec.Name, res.Total, s.opts.ProgressInterval)
	reporter.Start()

	ext := extract.New(conn, snk, ckpt, pacer.New(s.opts.Pacing), s.ctrl, extract.Options{
		Database:  dbName,
		Table:     spec.Name,
		Columns:   cols,
		Where:     spec.Where,
		PK:        spec.PK(),
		PKIndex:   pkIdx,
		BatchSize: s.opts.BatchSize,
		FetchSize: s.opts.FetchSize,
		Retry:     s.retryPolicy(),
	}, logger)
	ext.OnProgress(reporter.Observe)

	eres, runErr := ext.Run(ctx)
	reporter.Stop()

	if closeErr := snk.Close(); closeErr != nil && runErr == nil {
		runErr = closeErr
	}

	res.Rows = eres.Rows
	res.Cursor = eres.Cursor
	res.Cancelled = eres.Cancelled
	res.Elapsed = time.Since(start)
	res.QueryTime = ext.Collector().QueryTime()
	res.WriteTime = ext.Collector().WriteTime()
	if runErr != nil {
		res.Err = runErr
		return res
	}

	if !s.opts.SkipVerify && !eres.Cancelled {
		s.verify(ctx, counter, spec, &res, logger)
	}

	logger.Info("table sync complete",
		zap.Int64("rows", res.Rows),
		zap.Int64("cursor", res.Cursor),
		zap.Bool("cancelled", res.Cancelled),
		zap.Duration("query_time", res.QueryTime.Round(time.Millisecond)),
		zap.Duration("write_time", res.WriteTime.Round(time.Millisecond)),
		zap.Duration("elapsed", res.Elapsed.Round(time.Millisecond)))
	return res
}

// countTotal computes the expected row count for progress reporting. A
// failure here degrades to an unknown total, never a failed table.
func (s *Syncer) countTotal(ctx context.Context, counter *mysql.Counter, spec *config.TableSpec, cursor int64, logger *zap.Logger) int64 {
	var (
		total int64
		err   error
	)
	switch {
	case spec.Incremental && cursor > 0:
		total, err = counter.Remaining(ctx, spec.Name, spec.Where, spec.PK(), cursor)
	case s.opts.FastCount && spec.Where == "":
		total, err = counter.Estimate(ctx, spec.Name)
	default:
		total, err = counter.Count(ctx, spec.Name, spec.Where)
	}
	if err != nil {
		logger.Warn("row count unavailable, progress will omit totals", zap.Error(err))
		return 0
	}
	return total
}

// verify compares destination and source row counts. Mismatches are logged,
// not failed: concurrent writes to the source make small drifts routine.
func (s *Syncer) verify(ctx context.Context, counter *mysql.Counter, spec *config.TableSpec, res *TableResult, logger *zap.Logger) {
	fileRows, err := sink.RowCount(res.Output, s.sinkOptions())
	if err != nil {
		logger.Warn("verification skipped: cannot count destination rows", zap.Error(err))
		return
	}
	dbRows, err := counter.Count(ctx, spec.Name, spec.Where)
	if err != nil {
		logger.Warn("verification skipped: cannot count source rows", zap.Error(err))
		return
	}

	res.Verified = true
	if fileRows != dbRows {
		res.VerifyMismatch = true
		res.VerifyErr = errors.New(errors.ErrorTypeVerification,
			fmt.Sprintf("row count mismatch: destination has %d rows, source has %d", fileRows, dbRows)).
			WithDetail("file_rows", fileRows).
			WithDetail("db_rows", dbRows)
		logger.Warn("row count mismatch after sync",
			zap.Int64("file_rows", fileRows),
			zap.Int64("db_rows", dbRows))
		return
	}
	logger.Info("row counts verified", zap.Int64("rows", fileRows))
}

func (s *Syncer) outputPath(dbName, table string) string {
	path := s.cfg.OutputFilename(dbName, table, s.opts.OutputDir)
	switch s.opts.Compression {
	case sink.CompressionGzip:
		path += ".gz"
	case sink.CompressionZstd:
		path += ".zst"
	}
	return path
}

func (s *Syncer) sinkOptions() sink.Options {
	return sink.Options{
		Delimiter:   s.opts.Delimiter,
		Compression: s.opts.Compression,
	}
}

func (s *Syncer) retryPolicy() *retry.Policy {
	if s.opts.MaxRetries <= 0 {
		return retry.DefaultPolicy()
	}
	delay := s.opts.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	return retry.NewPolicy(s.opts.MaxRetries, delay)
}

// connConfig maps a configured database entry onto a connection config
func (s *Syncer) connConfig(dbCfg *config.DatabaseConfig) (mysql.Config, error) {
	cfg := mysql.Config{
		Host:           dbCfg.DBHost,
		Port:           dbCfg.DBPort,
		User:           dbCfg.DBUsername,
		Password:       dbCfg.DBPassword,
		Database:       dbCfg.DBName,
		ConnectTimeout: s.opts.ConnectTimeout,
		QueryTimeout:   s.opts.QueryTimeout,
		MaxRetries:     s.opts.MaxRetries,
		RetryBaseDelay: s.opts.RetryDelay,
	}

	if dbCfg.SSHHost != "" {
		ssh := &mysql.SSHConfig{
			Host:     dbCfg.SSHHost,
			Port:     dbCfg.SSHPort,
			User:     dbCfg.SSHUsername,
			Password: dbCfg.SSHPassword,
		}
		if dbCfg.SSHPrivateKey != "" {
			key, err := os.ReadFile(dbCfg.SSHPrivateKey)
			if err != nil {
				return cfg, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read ssh private key")
			}
			ssh.PrivateKey = key
		}
		cfg.SSH = ssh
	}
	return cfg, nil
}
