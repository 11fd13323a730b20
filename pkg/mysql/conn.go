// Package mysql owns the source database session: connection lifecycle
// (optionally through an SSH tunnel), liveness probing, reconnection with
// backoff, and transient-error retry around query execution. It is the only
// component permitted to open or close the connection handle.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tablesync/pkg/errors"
	"github.com/ajitpratap0/tablesync/pkg/metrics"
	"github.com/ajitpratap0/tablesync/pkg/retry"
)

// SSHConfig describes the optional tunnel endpoint
type SSHConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	PrivateKey []byte
}

// Config describes one database connection
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string

	// SSH, when set, routes the database connection through the tunnel
	SSH *SSHConfig

	ConnectTimeout time.Duration
	QueryTimeout   time.Duration

	MaxRetries     int
	RetryBaseDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 3306
	}
	if c.SSH != nil && c.SSH.Port == 0 {
		c.SSH.Port = 22
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 5 * time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	return c
}

// Conn is the live connection handle. It is owned by a single extraction
// loop at a time and is not safe for concurrent use.
type Conn struct {
	cfg    Config
	db     *sql.DB
	tun    atomic.Pointer[tunnel]
	retry  *retry.Policy
	logger *zap.Logger
}

// Connect establishes the session, opening the tunnel first when one is
// configured, within the configured connect timeout.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Conn, error) {
	cfg = cfg.withDefaults()

	c := &Conn{
		cfg:    cfg,
		retry:  retry.NewPolicy(cfg.MaxRetries, cfg.RetryBaseDelay),
		logger: logger.With(zap.String("database", cfg.Database)),
	}

	if cfg.SSH != nil {
		c.registerTunnelDialer()
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// connect opens tunnel and database session. Any previous session must be
// closed first.
func (c *Conn) connect(ctx context.Context) error {
	dsn := mysql.Config{
		User:                 c.cfg.User,
		Passwd:               c.cfg.Password,
		Net:                  "tcp",
		Addr:                 net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port)),
		DBName:               c.cfg.Database,
		Timeout:              c.cfg.ConnectTimeout,
		ReadTimeout:          c.cfg.QueryTimeout,
		WriteTimeout:         c.cfg.QueryTimeout,
		AllowNativePasswords: true,
	}

	if c.cfg.SSH != nil {
		tun, err := dialTunnel(c.cfg.SSH, c.cfg.ConnectTimeout)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to open ssh tunnel")
		}
		c.tun.Store(tun)
		dsn.Net = c.tunnelNetwork()
	}

	db, err := sql.Open("mysql", dsn.FormatDSN())
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to open database handle")
	}

	// The engine is single-threaded per table; one session is all we need,
	// and it keeps server-side state (and the tunnel) on a single stream.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		c.closeTunnel()
		return errors.Wrap(err, errors.ErrorTypeConnection, "database handshake failed")
	}

	c.db = db
	c.logger.Debug("connected",
		zap.String("host", c.cfg.Host),
		zap.Bool("tunnel", c.cfg.SSH != nil))
	return nil
}

// IsAlive performs a lightweight, non-destructive liveness probe. It never
// returns an error; a dead or absent session reports false.
func (c *Conn) IsAlive(ctx context.Context) bool {
	if c.db == nil {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.db.PingContext(pingCtx) == nil
}

// Reconnect closes any existing session and retries connect with
// exponential backoff and jitter, up to the configured retry budget. Any
// server-side cursor state is lost; callers must re-issue cursor-based
// queries.
func (c *Conn) Reconnect(ctx context.Context) error {
	c.closeSession()

	attempt := 0
	err := c.retry.Execute(ctx, func() error {
		attempt++
		metrics.Reconnects.WithLabelValues(c.cfg.Database).Inc()
		c.logger.Info("reconnecting",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.retry.MaxAttempts))
		return c.connect(ctx)
	})
	if err != nil {
		c.logger.Error("all reconnection attempts failed",
			zap.Int("attempts", attempt),
			zap.Error(err))
		return errors.Wrap(err, errors.ErrorTypeConnection, "reconnect failed")
	}
	return nil
}

// Query executes a query with the full resilience path: verify liveness
// (reconnecting if needed), execute, and on a transient error reconnect and
// re-issue up to the retry budget. Permanent errors propagate immediately.
func (c *Conn) Query(ctx context.Context, query string) (*sql.Rows, error) {
	var rows *sql.Rows

	op := func() error {
		if !c.IsAlive(ctx) {
			c.logger.Warn("connection lost before query, reconnecting")
			if err := c.Reconnect(ctx); err != nil {
				return err
			}
		}

		r, err := c.db.QueryContext(ctx, query)
		if err != nil {
			return Classify(err)
		}
		rows = r
		return nil
	}

	err := c.retry.ExecuteWithCondition(ctx, op, func(err error) bool {
		retryable := errors.IsRetryable(err)
		if retryable {
			c.logger.Warn("transient query failure, will reconnect and retry",
				zap.Error(err))
		}
		return retryable
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// QueryInt runs a single-value query and returns the first column of the
// first row as an int64. A NULL result maps to zero.
func (c *Conn) QueryInt(ctx context.Context, query string) (int64, error) {
	rows, err := c.Query(ctx, query)
	if err != nil {
		return 0, err
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return 0, Classify(err)
		}
		return 0, errors.New(errors.ErrorTypeQuery, "scalar query returned no rows")
	}

	var v sql.NullInt64
	if err := rows.Scan(&v); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to scan scalar result")
	}
	return v.Int64, nil
}

// Database returns the configured database name
func (c *Conn) Database() string {
	return c.cfg.Database
}

// Close tears down the session and tunnel
func (c *Conn) Close() error {
	c.closeSession()
	return nil
}

func (c *Conn) closeSession() {
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			c.logger.Debug("error closing database handle", zap.Error(err))
		}
		c.db = nil
	}
	c.closeTunnel()
}

func (c *Conn) closeTunnel() {
	if tun := c.tun.Swap(nil); tun != nil {
		if err := tun.Close(); err != nil {
			c.logger.Debug("error closing ssh tunnel", zap.Error(err))
		}
	}
}
