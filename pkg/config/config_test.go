package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `{
    "databases": {
        "shop": {
            "db_host": "db.internal",
            "db_port": 3306,
            "db_username": "sync",
            "db_password": "secret",
            "db_name": "shop",
            "ssh_host": "bastion.internal",
            "ssh_username": "deploy",
            "ssh_password": "hunter2",
            "tables": [
                {
                    "name": "orders",
                    "primary_key": "order_id",
                    "incremental": true,
                    "last_id": 4200
                },
                {
                    "name": "products",
                    "output": "catalog.csv"
                }
            ]
        }
    }
}`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	db, ok := cfg.Database("shop")
	require.True(t, ok)
	require.Equal(t, "db.internal", db.DBHost)
	require.Equal(t, "bastion.internal", db.SSHHost)
	require.Len(t, db.Tables, 2)

	orders, ok := cfg.Table("shop", "orders")
	require.True(t, ok)
	require.True(t, orders.Incremental)
	require.Equal(t, "order_id", orders.PK())
	require.Equal(t, int64(4200), cfg.LastID("shop", "orders"))

	products, ok := cfg.Table("shop", "products")
	require.True(t, ok)
	require.False(t, products.Incremental)
	require.Equal(t, "id", products.PK(), "primary key defaults to id")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestLoadInvalidJSON(t *testing.T) {
	_, err := Load(writeConfig(t, "{not json"))
	require.Error(t, err)
}

func TestSetLastIDAndSaveRoundTrip(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, cfg.SetLastID("shop", "orders", 9000))
	require.NoError(t, cfg.Save())

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, int64(9000), reloaded.LastID("shop", "orders"))
}

func TestSetLastIDUnknownTable(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	require.Error(t, cfg.SetLastID("shop", "missing", 1))
	require.Error(t, cfg.SetLastID("nope", "orders", 1))
}

func TestSaveLeavesNoTempFile(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Save())

	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestOutputFilename(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	require.Equal(t, filepath.Join("/out", "shop_orders.csv"),
		cfg.OutputFilename("shop", "orders", "/out"))
	require.Equal(t, filepath.Join("/out", "catalog.csv"),
		cfg.OutputFilename("shop", "products", "/out"),
		"explicit output override wins")
}

func TestDatabaseNamesStableOrder(t *testing.T) {
	cfg := &Config{Databases: map[string]*DatabaseConfig{
		"zeta": {}, "alpha": {}, "mid": {},
	}}
	require.Equal(t, []string{"alpha", "mid", "zeta"}, cfg.DatabaseNames())
}
