package mysql

import (
	"context"
	"database/sql/driver"
	"fmt"
	"io"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tablesync/pkg/errors"
)

type fakeNetError struct{ timeout bool }

func (e fakeNetError) Error() string   { return "fake net error" }
func (e fakeNetError) Timeout() bool   { return e.timeout }
func (e fakeNetError) Temporary() bool { return true }

func TestClassifyNil(t *testing.T) {
	require.NoError(t, Classify(nil))
}

func TestClassifyServerErrors(t *testing.T) {
	tests := []struct {
		name      string
		errno     uint16
		wantType  errors.ErrorType
		retryable bool
	}{
		{"server gone away", 2006, errors.ErrorTypeTransient, true},
		{"lost connection", 2013, errors.ErrorTypeTransient, true},
		{"cannot connect", 2003, errors.ErrorTypeTransient, true},
		{"lock wait timeout", 1205, errors.ErrorTypeTransient, true},
		{"deadlock", 1213, errors.ErrorTypeTransient, true},
		{"syntax error", 1064, errors.ErrorTypeQuery, false},
		{"permission denied", 1142, errors.ErrorTypeQuery, false},
		{"missing table", 1146, errors.ErrorTypeQuery, false},
		{"unknown column", 1054, errors.ErrorTypeQuery, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify(&mysql.MySQLError{Number: tt.errno, Message: tt.name})
			require.True(t, errors.IsType(err, tt.wantType), "got %v", err)
			require.Equal(t, tt.retryable, errors.IsRetryable(err))
		})
	}
}

func TestClassifyDriverAndNetworkErrors(t *testing.T) {
	for _, err := range []error{
		driver.ErrBadConn,
		mysql.ErrInvalidConn,
		io.EOF,
		io.ErrUnexpectedEOF,
		fakeNetError{timeout: false},
	} {
		classified := Classify(err)
		require.True(t, errors.IsRetryable(classified), "%v must be retryable", err)
	}
}

func TestClassifyNetworkTimeout(t *testing.T) {
	err := Classify(fakeNetError{timeout: true})
	require.True(t, errors.IsType(err, errors.ErrorTypeTimeout))
	require.True(t, errors.IsRetryable(err))
}

func TestClassifyContextErrors(t *testing.T) {
	cancelled := Classify(context.Canceled)
	require.True(t, errors.IsType(cancelled, errors.ErrorTypeCancelled))
	require.False(t, errors.IsRetryable(cancelled))

	timedOut := Classify(context.DeadlineExceeded)
	require.True(t, errors.IsType(timedOut, errors.ErrorTypeTimeout))
	require.True(t, errors.IsRetryable(timedOut))
}

func TestClassifyUnknownErrorIsPermanent(t *testing.T) {
	err := Classify(fmt.Errorf("something unexpected"))
	require.True(t, errors.IsType(err, errors.ErrorTypeQuery))
	require.False(t, errors.IsRetryable(err))
}

func TestClassifyPreservesTypedErrors(t *testing.T) {
	orig := errors.New(errors.ErrorTypeConnection, "reconnect failed")
	require.Same(t, error(orig), Classify(orig))
}
