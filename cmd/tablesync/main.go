// Command tablesync extracts database tables to flat files, incrementally
// where the configuration asks for it. Configuration lives in a JSON file
// that also carries the per-table cursors; credentials may come from the
// environment via a .env file.
package main

import (
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tablesync/pkg/config"
	"github.com/ajitpratap0/tablesync/pkg/lifecycle"
	"github.com/ajitpratap0/tablesync/pkg/logger"
	"github.com/ajitpratap0/tablesync/pkg/pacer"
	"github.com/ajitpratap0/tablesync/pkg/syncer"
)

// Populated at build time via -ldflags
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var (
	configPath  string
	logLevel    string
	logEncoding string

	outputDir        string
	tables           []string
	incrementalOnly  bool
	skipIncremental  bool
	skipVerify       bool
	fastCount        bool
	batchSize        int
	fetchSize        int
	maxRetries       int
	retryDelay       time.Duration
	connectTimeout   time.Duration
	queryTimeout     time.Duration
	minPause         time.Duration
	maxPause         time.Duration
	degradeThreshold float64
	compression      string
	delimiter        string
	progressInterval time.Duration
	metricsAddr      string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tablesync",
		Short: "Incremental database table to flat file extraction",
		Long: `tablesync extracts configured tables from MySQL databases into
delimited files. Tables marked incremental resume from a persisted cursor;
the rest are fully rewritten on every run.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Missing .env is fine; explicit files are the config's job
			_ = godotenv.Load()
			return logger.Init(logger.Config{
				Level:    logLevel,
				Encoding: logEncoding,
			})
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.json", "path to the sync configuration file")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logEncoding, "log-encoding", "console", "log encoding (console or json)")

	cmd.AddCommand(syncCmd(), checkCmd(), tablesCmd(), versionCmd())
	return cmd
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run the extraction across all configured databases",
		RunE:  runSync,
	}

	cmd.Flags().StringVarP(&outputDir, "output-path", "o", ".", "directory for destination files")
	cmd.Flags().StringSliceVarP(&tables, "tables", "t", nil, "restrict the run to these tables")
	cmd.Flags().BoolVar(&incrementalOnly, "incremental-only", false, "sync only tables marked incremental")
	cmd.Flags().BoolVar(&skipIncremental, "skip-incremental", false, "sync only full-refresh tables")
	cmd.Flags().BoolVar(&skipVerify, "skip-verify", false, "skip the post-sync row count comparison")
	cmd.Flags().BoolVar(&fastCount, "fast-count", false, "use the storage engine row estimate for totals")
	cmd.Flags().IntVar(&batchSize, "batch-size", 10000, "rows per paginated query")
	cmd.Flags().IntVar(&fetchSize, "fetch-size", 1000, "rows per destination write")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 3, "attempts per transient failure")
	cmd.Flags().DurationVar(&retryDelay, "retry-delay", time.Second, "initial retry backoff delay")
	cmd.Flags().DurationVar(&connectTimeout, "connect-timeout", 30*time.Second, "connection and tunnel timeout")
	cmd.Flags().DurationVar(&queryTimeout, "query-timeout", 5*time.Minute, "per-query read timeout")
	cmd.Flags().DurationVar(&minPause, "min-pause", 0, "adaptive pacing floor")
	cmd.Flags().DurationVar(&maxPause, "max-pause", time.Second, "adaptive pacing cap")
	cmd.Flags().Float64Var(&degradeThreshold, "degradation-threshold", 0.7, "throughput ratio that increases the pause")
	cmd.Flags().StringVar(&compression, "compression", "", "compress output files (gzip or zstd)")
	cmd.Flags().StringVar(&delimiter, "delimiter", ",", "output field delimiter")
	cmd.Flags().DurationVar(&progressInterval, "progress-interval", 30*time.Second, "progress log interval")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")
	return cmd
}

func runSync(cmd *cobra.Command, args []string) error {
	log := logger.Get()
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	delim := ','
	if delimiter != "" {
		runes := []rune(delimiter)
		if len(runes) != 1 {
			return fmt.Errorf("delimiter must be a single character, got %q", delimiter)
		}
		delim = runes[0]
	}

	// Checkpoints are flushed synchronously per batch; the forced-exit hook
	// only needs to drain buffered log output.
	ctrl := lifecycle.NewController(log, func() { _ = logger.Sync() })
	uninstall := ctrl.Watch(os.Interrupt, syscall.SIGTERM)
	defer uninstall()

	if metricsAddr != "" {
		go serveMetrics(metricsAddr, log)
	}

	s := syncer.New(cfg, ctrl, syncer.Options{
		OutputDir:       outputDir,
		Tables:          tables,
		IncrementalOnly: incrementalOnly,
		SkipIncremental: skipIncremental,
		SkipVerify:      skipVerify,
		FastCount:       fastCount,
		BatchSize:       batchSize,
		FetchSize:       fetchSize,
		MaxRetries:      maxRetries,
		RetryDelay:      retryDelay,
		ConnectTimeout:  connectTimeout,
		QueryTimeout:    queryTimeout,
		Pacing: pacer.Config{
			DegradationThreshold: degradeThreshold,
			MinPause:             minPause,
			MaxPause:             maxPause,
		},
		Compression:      compression,
		Delimiter:        delim,
		ProgressInterval: progressInterval,
	}, log)

	summary, err := s.Run(cmd.Context())
	if err != nil {
		return err
	}
	// Per-table failures are logged and skipped, never fatal to the run;
	// the next invocation resumes them from their checkpoints.
	if summary.Failed > 0 {
		log.Warn("run finished with failed tables",
			zap.Int("failed", summary.Failed),
			zap.Int("tables", len(summary.Tables)))
	}
	return nil
}

func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Probe every configured database connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.Get()
			defer func() { _ = logger.Sync() }()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ctrl := lifecycle.NewController(log, nil)
			s := syncer.New(cfg, ctrl, syncer.Options{
				ConnectTimeout: connectTimeout,
			}, log)

			failed := 0
			for _, r := range s.Check(cmd.Context()) {
				if r.Err != nil {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d database(s) unreachable", failed)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&connectTimeout, "connect-timeout", 30*time.Second, "connection and tunnel timeout")
	return cmd
}

func tablesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "List configured tables and their cursors",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			for _, dbName := range cfg.DatabaseNames() {
				dbCfg, _ := cfg.Database(dbName)
				fmt.Fprintf(w, "%s (%s@%s)\n", dbName, dbCfg.DBName, dbCfg.DBHost)
				for _, t := range dbCfg.Tables {
					mode := "full"
					if t.Incremental {
						mode = fmt.Sprintf("incremental last_id=%d", t.LastID)
					}
					fmt.Fprintf(w, "  %-30s %s\n", t.Name, mode)
				}
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tablesync %s (commit %s, built %s)\n",
				version, commit, buildDate)
		},
	}
}

func serveMetrics(addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info("serving metrics", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn("metrics server stopped", zap.Error(err))
	}
}
