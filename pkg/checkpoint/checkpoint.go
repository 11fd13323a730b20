// Package checkpoint persists the last successfully extracted cursor per
// (database, table). The store is flushed after every batch so that a crash
// between batches never re-extracts rows already on disk.
package checkpoint

import (
	"context"
	"fmt"
	"sync"

	"github.com/ajitpratap0/tablesync/pkg/config"
	"github.com/ajitpratap0/tablesync/pkg/errors"
)

// Store is a durable cursor mapping. Save must be atomic: once it returns
// nil the cursor survives a process crash.
type Store interface {
	// Cursor returns the persisted cursor for a table; zero means extract
	// from the beginning
	Cursor(database, table string) int64

	// Save advances and flushes the cursor for a table
	Save(ctx context.Context, database, table string, cursor int64) error
}

// FileStore persists cursors into the sync configuration file, matching the
// on-disk format the configuration editor maintains (last_id on the table
// entry). Cursors are non-decreasing; a save below the persisted value is
// refused.
type FileStore struct {
	cfg *config.Config
}

// NewFileStore creates a store backed by the given configuration
func NewFileStore(cfg *config.Config) *FileStore {
	return &FileStore{cfg: cfg}
}

// Cursor returns the persisted cursor for a table
func (s *FileStore) Cursor(database, table string) int64 {
	return s.cfg.LastID(database, table)
}

// Save advances the cursor and flushes the configuration file atomically
func (s *FileStore) Save(ctx context.Context, database, table string, cursor int64) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeCancelled, "checkpoint save aborted")
	}

	current := s.cfg.LastID(database, table)
	if cursor < current {
		return errors.New(errors.ErrorTypeInternal,
			fmt.Sprintf("checkpoint for %s.%s would move backwards: %d < %d",
				database, table, cursor, current))
	}
	if cursor == current {
		return nil
	}

	if err := s.cfg.SetLastID(database, table, cursor); err != nil {
		return err
	}
	return s.cfg.Save()
}

// MemStore keeps cursors in memory only. Full-refresh extractions use it:
// their destination file is rewritten from scratch, so persisting a cursor
// across runs would be wrong.
type MemStore struct {
	mu      sync.Mutex
	cursors map[string]int64
}

// NewMemStore creates an empty in-memory store
func NewMemStore() *MemStore {
	return &MemStore{cursors: make(map[string]int64)}
}

// Cursor returns the in-memory cursor for a table
func (s *MemStore) Cursor(database, table string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[database+"."+table]
}

// Save advances the in-memory cursor
func (s *MemStore) Save(ctx context.Context, database, table string, cursor int64) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeCancelled, "checkpoint save aborted")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[database+"."+table] = cursor
	return nil
}

// TableStore binds a Store to one (database, table) pair so the extraction
// loop only ever sees a single-cursor saver.
type TableStore struct {
	store    Store
	database string
	table    string
}

// ForTable binds a store to one table
func ForTable(store Store, database, table string) *TableStore {
	return &TableStore{store: store, database: database, table: table}
}

// Cursor returns the persisted cursor for the bound table
func (t *TableStore) Cursor() int64 {
	return t.store.Cursor(t.database, t.table)
}

// Save advances the cursor for the bound table
func (t *TableStore) Save(ctx context.Context, cursor int64) error {
	return t.store.Save(ctx, t.database, t.table, cursor)
}
