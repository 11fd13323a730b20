// Package config loads and persists the per-table sync specification file.
// The file is JSON, keyed by database, each database carrying connection
// details and an ordered list of table specs. The engine treats table specs
// as read-only; the only field written back is the per-table cursor, and
// every write goes through an atomic tmp+rename flush.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ajitpratap0/tablesync/pkg/errors"
)

// TableSpec describes one table extraction. Immutable per run apart from
// LastID, which the checkpoint store advances after each batch.
type TableSpec struct {
	// Name is the table name in the source database
	Name string `json:"name"`
	// Columns is an optional column subset; empty means all columns
	Columns []string `json:"columns,omitempty"`
	// Where is a raw filter predicate ANDed with any cursor condition
	Where string `json:"where,omitempty"`
	// PrimaryKey is the keyset pagination column; defaults to "id"
	PrimaryKey string `json:"primary_key,omitempty"`
	// Incremental marks the table for cursor-based append extraction
	Incremental bool `json:"incremental,omitempty"`
	// IncrementalColumn is reserved for future non-PK incremental drivers;
	// pagination is driven off the primary key today
	IncrementalColumn string `json:"incremental_column,omitempty"`
	// LastID is the persisted cursor; zero means extract from the beginning
	LastID int64 `json:"last_id,omitempty"`
	// Output overrides the destination filename
	Output string `json:"output,omitempty"`
}

// PK returns the pagination column, defaulting to "id"
func (t *TableSpec) PK() string {
	if t.PrimaryKey == "" {
		return "id"
	}
	return t.PrimaryKey
}

// DatabaseConfig holds connection details and table specs for one database
type DatabaseConfig struct {
	DBHost     string `json:"db_host"`
	DBPort     int    `json:"db_port,omitempty"`
	DBUsername string `json:"db_username"`
	DBPassword string `json:"db_password"`
	DBName     string `json:"db_name"`

	// Optional SSH tunnel; the database is dialed through it when SSHHost is set
	SSHHost       string `json:"ssh_host,omitempty"`
	SSHPort       int    `json:"ssh_port,omitempty"`
	SSHUsername   string `json:"ssh_username,omitempty"`
	SSHPassword   string `json:"ssh_password,omitempty"`
	SSHPrivateKey string `json:"ssh_private_key,omitempty"`

	Tables []*TableSpec `json:"tables"`
}

// Config is the root of the sync specification file
type Config struct {
	Databases map[string]*DatabaseConfig `json:"databases"`

	path string
	mu   sync.Mutex
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read config file")
	}

	cfg := &Config{path: path}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse config file")
	}
	if cfg.Databases == nil {
		cfg.Databases = make(map[string]*DatabaseConfig)
	}

	return cfg, nil
}

// Path returns the file the config was loaded from
func (c *Config) Path() string {
	return c.path
}

// Save writes the configuration back to disk atomically
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.MarshalIndent(c, "", "    ")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to encode config")
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to write config temp file")
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to replace config file")
	}

	return nil
}

// DatabaseNames returns the configured database names in stable order
func (c *Config) DatabaseNames() []string {
	names := make([]string, 0, len(c.Databases))
	for name := range c.Databases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Database returns the configuration for the named database
func (c *Config) Database(name string) (*DatabaseConfig, bool) {
	db, ok := c.Databases[name]
	return db, ok
}

// Table returns the spec for the named table in the named database
func (c *Config) Table(database, table string) (*TableSpec, bool) {
	db, ok := c.Databases[database]
	if !ok {
		return nil, false
	}
	for _, t := range db.Tables {
		if t.Name == table {
			return t, true
		}
	}
	return nil, false
}

// LastID returns the persisted cursor for a table; zero means no checkpoint
func (c *Config) LastID(database, table string) int64 {
	if t, ok := c.Table(database, table); ok {
		return t.LastID
	}
	return 0
}

// SetLastID updates the in-memory cursor for a table. Callers are expected
// to follow with Save to make the cursor durable.
func (c *Config) SetLastID(database, table string, lastID int64) error {
	t, ok := c.Table(database, table)
	if !ok {
		return errors.New(errors.ErrorTypeConfig,
			fmt.Sprintf("no table named %s in database %s", table, database))
	}
	t.LastID = lastID
	return nil
}

// OutputFilename returns the destination path for a table, honoring the
// per-table output override
func (c *Config) OutputFilename(database, table, outputDir string) string {
	if t, ok := c.Table(database, table); ok && t.Output != "" {
		return filepath.Join(outputDir, t.Output)
	}
	return filepath.Join(outputDir, fmt.Sprintf("%s_%s.csv", database, table))
}
