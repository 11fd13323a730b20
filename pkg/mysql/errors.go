package mysql

import (
	"context"
	"database/sql/driver"
	stderrors "errors"
	"io"
	"net"
	"syscall"

	"github.com/go-sql-driver/mysql"

	"github.com/ajitpratap0/tablesync/pkg/errors"
)

// Server error numbers that indicate a recoverable condition: the statement
// can be re-issued, possibly after reconnecting.
var transientServerErrors = map[uint16]bool{
	1040: true, // ER_CON_COUNT_ERROR: too many connections
	1053: true, // ER_SERVER_SHUTDOWN
	1205: true, // ER_LOCK_WAIT_TIMEOUT
	1213: true, // ER_LOCK_DEADLOCK
	2002: true, // CR_CONNECTION_ERROR
	2003: true, // CR_CONN_HOST_ERROR: can't connect to server
	2006: true, // CR_SERVER_GONE_ERROR
	2013: true, // CR_SERVER_LOST: lost connection during query
}

// Classify maps driver, network, and server errors into the engine's error
// taxonomy. Anything not recognized as recoverable is treated as a
// permanent query failure so a malformed statement never burns the retry
// budget.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	// Already classified upstream
	var typed *errors.Error
	if stderrors.As(err, &typed) {
		return err
	}

	switch {
	case stderrors.Is(err, context.Canceled):
		return errors.Wrap(err, errors.ErrorTypeCancelled, "query cancelled")
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(err, errors.ErrorTypeTimeout, "query timed out")
	case stderrors.Is(err, driver.ErrBadConn),
		stderrors.Is(err, mysql.ErrInvalidConn),
		stderrors.Is(err, io.EOF),
		stderrors.Is(err, io.ErrUnexpectedEOF),
		stderrors.Is(err, syscall.ECONNRESET),
		stderrors.Is(err, syscall.ECONNREFUSED),
		stderrors.Is(err, syscall.EPIPE):
		return errors.Wrap(err, errors.ErrorTypeTransient, "connection failure during query")
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		if netErr.Timeout() {
			return errors.Wrap(err, errors.ErrorTypeTimeout, "network timeout during query")
		}
		return errors.Wrap(err, errors.ErrorTypeTransient, "network failure during query")
	}

	var serverErr *mysql.MySQLError
	if stderrors.As(err, &serverErr) {
		if transientServerErrors[serverErr.Number] {
			return errors.Wrap(err, errors.ErrorTypeTransient, "transient server error").
				WithDetail("mysql_errno", serverErr.Number)
		}
		return errors.Wrap(err, errors.ErrorTypeQuery, "query failed").
			WithDetail("mysql_errno", serverErr.Number)
	}

	return errors.Wrap(err, errors.ErrorTypeQuery, "query failed")
}
