package syncer

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tablesync/pkg/config"
	"github.com/ajitpratap0/tablesync/pkg/errors"
	"github.com/ajitpratap0/tablesync/pkg/lifecycle"
	"github.com/ajitpratap0/tablesync/pkg/mysql"
)

// mockConn adapts a sqlmock handle to the orchestrator's session surface
type mockConn struct {
	db     *sql.DB
	closed bool
}

func (c *mockConn) Query(ctx context.Context, query string) (*sql.Rows, error) {
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, mysql.Classify(err)
	}
	return rows, nil
}

func (c *mockConn) QueryInt(ctx context.Context, query string) (int64, error) {
	rows, err := c.Query(ctx, query)
	if err != nil {
		return 0, err
	}
	defer func() { _ = rows.Close() }()
	var n sql.NullInt64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, err
		}
	}
	return n.Int64, rows.Err()
}

func (c *mockConn) Close() error {
	c.closed = true
	return nil
}

func writeConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func testSyncer(t *testing.T, cfg *config.Config, opts Options) (*Syncer, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	if opts.OutputDir == "" {
		opts.OutputDir = t.TempDir()
	}

	ctrl := lifecycle.NewController(zap.NewNop(), nil)
	s := New(cfg, ctrl, opts, zap.NewNop())
	s.connect = func(context.Context, mysql.Config, *zap.Logger) (Conn, error) {
		return &mockConn{db: db}, nil
	}
	return s, mock
}

func describeRows(fields ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"Field", "Type", "Null", "Key", "Default", "Extra"})
	for _, f := range fields {
		rows.AddRow(f, "int", "NO", "", nil, "")
	}
	return rows
}

const oneTableConfig = `{
  "databases": {
    "shop": {
      "db_host": "localhost",
      "db_username": "u",
      "db_password": "p",
      "db_name": "shop",
      "tables": [{"name": "orders", "incremental": true}]
    }
  }
}`

func TestRunSyncsIncrementalTable(t *testing.T) {
	cfg := writeConfig(t, oneTableConfig)
	s, mock := testSyncer(t, cfg, Options{})

	mock.ExpectQuery("DESCRIBE .orders.").WillReturnRows(describeRows("id", "total"))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM .orders.`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery("SELECT .id., .total. FROM .orders. WHERE .id. > 0").
		WillReturnRows(sqlmock.NewRows([]string{"id", "total"}).
			AddRow(1, 10).AddRow(2, 20))
	// Post-sync verification re-counts the source
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM .orders.`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Tables, 1)
	require.Zero(t, summary.Failed)
	require.Equal(t, int64(2), summary.Rows)

	res := summary.Tables[0]
	require.NoError(t, res.Err)
	require.Equal(t, int64(2), res.Cursor)
	require.True(t, res.Verified)
	require.False(t, res.VerifyMismatch)

	// The cursor survives in the configuration file
	reloaded, err := config.Load(cfg.Path())
	require.NoError(t, err)
	require.Equal(t, int64(2), reloaded.LastID("shop", "orders"))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunResumesIncrementalFromCursor(t *testing.T) {
	cfg := writeConfig(t, `{
	  "databases": {
	    "shop": {
	      "db_host": "localhost", "db_username": "u", "db_password": "p", "db_name": "shop",
	      "tables": [{"name": "orders", "incremental": true, "last_id": 100}]
	    }
	  }
	}`)
	s, mock := testSyncer(t, cfg, Options{SkipVerify: true})

	mock.ExpectQuery("DESCRIBE .orders.").WillReturnRows(describeRows("id", "total"))
	// Remaining count is scoped past the cursor
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM .orders. WHERE .id. > 100`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT .id., .total. FROM .orders. WHERE .id. > 100").
		WillReturnRows(sqlmock.NewRows([]string{"id", "total"}).AddRow(101, 5))

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), summary.Rows)
	require.Equal(t, int64(101), summary.Tables[0].Cursor)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunFullRefreshRewritesFile(t *testing.T) {
	outDir := t.TempDir()
	outPath := filepath.Join(outDir, "shop_orders.csv")
	require.NoError(t, os.WriteFile(outPath, []byte("id,total\n9,90\n"), 0o644))

	cfg := writeConfig(t, `{
	  "databases": {
	    "shop": {
	      "db_host": "localhost", "db_username": "u", "db_password": "p", "db_name": "shop",
	      "tables": [{"name": "orders"}]
	    }
	  }
	}`)
	s, mock := testSyncer(t, cfg, Options{OutputDir: outDir, SkipVerify: true})

	mock.ExpectQuery("DESCRIBE .orders.").WillReturnRows(describeRows("id", "total"))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM .orders.`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("WHERE .id. > 0").
		WillReturnRows(sqlmock.NewRows([]string{"id", "total"}).AddRow(1, 10))

	_, err := s.Run(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Equal(t, "id,total\n1,10\n", string(data), "stale rows must not survive a full refresh")

	// Full refresh never persists a cursor
	reloaded, err := config.Load(cfg.Path())
	require.NoError(t, err)
	require.Zero(t, reloaded.LastID("shop", "orders"))
}

func TestTableFailureDoesNotStopRun(t *testing.T) {
	cfg := writeConfig(t, `{
	  "databases": {
	    "shop": {
	      "db_host": "localhost", "db_username": "u", "db_password": "p", "db_name": "shop",
	      "tables": [{"name": "broken"}, {"name": "orders"}]
	    }
	  }
	}`)
	s, mock := testSyncer(t, cfg, Options{SkipVerify: true})

	mock.ExpectQuery("DESCRIBE .broken.").
		WillReturnError(errors.New(errors.ErrorTypeQuery, "table does not exist"))

	mock.ExpectQuery("DESCRIBE .orders.").WillReturnRows(describeRows("id"))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM .orders.`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("WHERE .id. > 0").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Tables, 2)
	require.Equal(t, 1, summary.Failed)
	require.Error(t, summary.Tables[0].Err)
	require.NoError(t, summary.Tables[1].Err)
	require.Equal(t, int64(1), summary.Rows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNoReachableDatabaseIsRunLevelFailure(t *testing.T) {
	cfg := writeConfig(t, oneTableConfig)
	ctrl := lifecycle.NewController(zap.NewNop(), nil)
	s := New(cfg, ctrl, Options{OutputDir: t.TempDir()}, zap.NewNop())
	s.connect = func(context.Context, mysql.Config, *zap.Logger) (Conn, error) {
		return nil, errors.New(errors.ErrorTypeConnection, "host unreachable")
	}

	summary, err := s.Run(context.Background())
	require.Error(t, err)
	require.True(t, errors.IsType(err, errors.ErrorTypeConnection))
	require.Len(t, summary.Tables, 1)
	require.Equal(t, 1, summary.Failed)
	require.Error(t, summary.Tables[0].Err)
}

func TestUnreachableDatabaseDoesNotFailRunWhenAnotherConnects(t *testing.T) {
	cfg := writeConfig(t, `{
	  "databases": {
	    "crm": {
	      "db_host": "crm.internal", "db_username": "u", "db_password": "p", "db_name": "crm",
	      "tables": [{"name": "leads"}]
	    },
	    "shop": {
	      "db_host": "localhost", "db_username": "u", "db_password": "p", "db_name": "shop",
	      "tables": [{"name": "orders", "incremental": true}]
	    }
	  }
	}`)
	s, mock := testSyncer(t, cfg, Options{SkipVerify: true})

	connect := s.connect
	s.connect = func(ctx context.Context, c mysql.Config, l *zap.Logger) (Conn, error) {
		if c.Database == "crm" {
			return nil, errors.New(errors.ErrorTypeConnection, "host unreachable")
		}
		return connect(ctx, c, l)
	}

	mock.ExpectQuery("DESCRIBE .orders.").WillReturnRows(describeRows("id"))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM .orders.`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("WHERE .id. > 0").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	summary, err := s.Run(context.Background())
	require.NoError(t, err, "partial connectivity is a per-table failure, not a run failure")
	require.Len(t, summary.Tables, 2)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, int64(1), summary.Rows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyMismatchIsTypedAndNonFatal(t *testing.T) {
	cfg := writeConfig(t, oneTableConfig)
	s, mock := testSyncer(t, cfg, Options{})

	mock.ExpectQuery("DESCRIBE .orders.").WillReturnRows(describeRows("id", "total"))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM .orders.`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))
	mock.ExpectQuery("WHERE .id. > 0").
		WillReturnRows(sqlmock.NewRows([]string{"id", "total"}).AddRow(1, 10))
	// The source gained rows since the extraction finished
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM .orders.`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, summary.Failed, "a count mismatch is advisory")

	res := summary.Tables[0]
	require.NoError(t, res.Err)
	require.True(t, res.Verified)
	require.True(t, res.VerifyMismatch)
	require.True(t, errors.IsType(res.VerifyErr, errors.ErrorTypeVerification))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSelectTablesFilters(t *testing.T) {
	dbCfg := &config.DatabaseConfig{Tables: []*config.TableSpec{
		{Name: "orders", Incremental: true},
		{Name: "users"},
		{Name: "events", Incremental: true},
	}}

	s := &Syncer{opts: Options{}}
	require.Len(t, s.selectTables("shop", dbCfg), 3)

	s = &Syncer{opts: Options{Tables: []string{"users"}}}
	selected := s.selectTables("shop", dbCfg)
	require.Len(t, selected, 1)
	require.Equal(t, "users", selected[0].Name)

	// Qualified names scope the allow-list to one database
	s = &Syncer{opts: Options{Tables: []string{"shop.orders"}}}
	require.Len(t, s.selectTables("shop", dbCfg), 1)
	require.Empty(t, s.selectTables("crm", dbCfg))

	s = &Syncer{opts: Options{IncrementalOnly: true}}
	require.Len(t, s.selectTables("shop", dbCfg), 2)

	s = &Syncer{opts: Options{SkipIncremental: true}}
	selected = s.selectTables("shop", dbCfg)
	require.Len(t, selected, 1)
	require.Equal(t, "users", selected[0].Name)
}

func TestMissingCursorColumnFailsTable(t *testing.T) {
	cfg := writeConfig(t, `{
	  "databases": {
	    "shop": {
	      "db_host": "localhost", "db_username": "u", "db_password": "p", "db_name": "shop",
	      "tables": [{"name": "orders", "columns": ["name", "total"]}]
	    }
	  }
	}`)
	s, _ := testSyncer(t, cfg, Options{SkipVerify: true})

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)
	require.True(t, errors.IsType(summary.Tables[0].Err, errors.ErrorTypeConfig))
}

func TestCheckReportsServerVersion(t *testing.T) {
	cfg := writeConfig(t, oneTableConfig)
	s, mock := testSyncer(t, cfg, Options{})

	mock.ExpectQuery(`SELECT VERSION\(\)`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("8.0.36"))

	results := s.Check(context.Background())
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	require.Equal(t, "8.0.36", results[0].Version)
	require.Equal(t, 1, results[0].Tables)
}

func TestCheckReportsFailure(t *testing.T) {
	cfg := writeConfig(t, oneTableConfig)
	ctrl := lifecycle.NewController(zap.NewNop(), nil)
	s := New(cfg, ctrl, Options{}, zap.NewNop())
	s.connect = func(context.Context, mysql.Config, *zap.Logger) (Conn, error) {
		return nil, errors.New(errors.ErrorTypeConnection, "timeout")
	}

	results := s.Check(context.Background())
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
}

func TestConnConfigMapsSSH(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_rsa")
	require.NoError(t, os.WriteFile(keyPath, []byte("fake-key"), 0o600))

	s := &Syncer{opts: Options{}}
	cfg, err := s.connConfig(&config.DatabaseConfig{
		DBHost: "db.internal", DBPort: 3307,
		DBUsername: "u", DBPassword: "p", DBName: "shop",
		SSHHost: "bastion", SSHUsername: "ops", SSHPrivateKey: keyPath,
	})
	require.NoError(t, err)
	require.Equal(t, "db.internal", cfg.Host)
	require.Equal(t, 3307, cfg.Port)
	require.NotNil(t, cfg.SSH)
	require.Equal(t, "bastion", cfg.SSH.Host)
	require.Equal(t, []byte("fake-key"), cfg.SSH.PrivateKey)
}
