package errors_test

import (
	"fmt"
	"io"

	"github.com/ajitpratap0/tablesync/pkg/errors"
)

// Example demonstrates basic error creation and wrapping.
func Example() {
	err := errors.New(errors.ErrorTypeConnection, "failed to connect to database")

	err = err.WithDetail("host", "localhost").
		WithDetail("port", 3306).
		WithDetail("database", "shop")

	fmt.Println(err.Error())

	// Output:
	// connection: failed to connect to database
}

// ExampleWrap shows how to wrap existing errors with context.
func ExampleWrap() {
	originalErr := io.EOF

	err := errors.Wrap(originalErr, errors.ErrorTypeFile, "failed to read output file").
		WithDetail("file", "shop_orders.csv")

	if errors.IsType(err, errors.ErrorTypeFile) {
		fmt.Println("This is a file error")
	}

	// Output:
	// This is a file error
}

// ExampleIsRetryable shows how retry decisions key on the error type.
func ExampleIsRetryable() {
	transientErr := errors.New(errors.ErrorTypeTransient, "lost connection during query")
	queryErr := errors.New(errors.ErrorTypeQuery, "unknown column in field list")

	if errors.IsRetryable(transientErr) {
		fmt.Println("Transient error is retryable")
	}
	if !errors.IsRetryable(queryErr) {
		fmt.Println("Query error is not retryable")
	}

	// Output:
	// Transient error is retryable
	// Query error is not retryable
}

// ExampleIsType demonstrates type checks through wrapped errors.
func ExampleIsType() {
	connErr := errors.New(errors.ErrorTypeConnection, "connection refused")
	wrapped := errors.Wrap(connErr, errors.ErrorTypeTransient, "query failed mid-batch")

	fmt.Printf("Is transient: %v\n", errors.IsType(wrapped, errors.ErrorTypeTransient))
	fmt.Printf("Contains connection type: %v\n", errors.IsType(wrapped, errors.ErrorTypeConnection))

	// Output:
	// Is transient: true
	// Contains connection type: false
}

// Example_errorChain shows context accumulating across layers.
func Example_errorChain() {
	err := errors.New(errors.ErrorTypeConnection, "connection timeout")
	err = errors.Wrap(err, errors.ErrorTypeTransient, "failed to fetch batch")
	err = errors.Wrap(err, errors.ErrorTypeInternal, "table sync failed")

	fmt.Println("Full error chain:", err)

	// Output:
	// Full error chain: internal: table sync failed: transient: failed to fetch batch: connection: connection timeout
}
