package syncer

import (
	"context"
	"database/sql"

	"go.uber.org/zap"
)

// CheckResult reports the connection probe outcome for one database
type CheckResult struct {
	Database string
	Version  string
	Tables   int
	Err      error
}

// Check probes every configured database: open a session (through the
// tunnel when configured), read the server version, and close. It never
// aborts early; every database gets probed.
func (s *Syncer) Check(ctx context.Context) []CheckResult {
	var results []CheckResult

	for _, dbName := range s.cfg.DatabaseNames() {
		dbCfg, _ := s.cfg.Database(dbName)
		logger := s.logger.With(zap.String("database", dbName))

		result := CheckResult{Database: dbName, Tables: len(dbCfg.Tables)}

		connCfg, err := s.connConfig(dbCfg)
		if err == nil {
			var conn Conn
			conn, err = s.connect(ctx, connCfg, logger)
			if err == nil {
				result.Version, err = queryVersion(ctx, conn)
				_ = conn.Close()
			}
		}
		result.Err = err

		if err != nil {
			logger.Error("connection check failed", zap.Error(err))
		} else {
			logger.Info("connection check ok",
				zap.String("server_version", result.Version),
				zap.Int("tables", result.Tables))
		}
		results = append(results, result)
	}
	return results
}

func queryVersion(ctx context.Context, conn Conn) (string, error) {
	rows, err := conn.Query(ctx, "SELECT VERSION()")
	if err != nil {
		return "", err
	}
	defer func() { _ = rows.Close() }()

	var version string
	if rows.Next() {
		var v sql.NullString
		if err := rows.Scan(&v); err != nil {
			return "", err
		}
		version = v.String
	}
	return version, rows.Err()
}
