package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiltfs/quiltfs/pkg/front/metadata"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "quiltfs.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

const minimalConfig = `
[database_connection]
type = "sqlite"

[database_connection.sqlite]
path = ":memory:"

[http_server]
listen_addr = "127.0.0.1:8080"

[sftp_server]
listen_addr = "127.0.0.1:2222"
public_key = "/etc/quiltfs/host.pub"
private_key = "/etc/quiltfs/host"
`

func TestLoad_Minimal(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, metadata.DatabaseTypeSQLite, cfg.Database.Type)
	assert.Equal(t, "127.0.0.1:8080", cfg.HTTPServer.ListenAddr)
	assert.Equal(t, "127.0.0.1:2222", cfg.SFTPServer.ListenAddr)
	assert.Empty(t, cfg.StorageNodes)
}

func TestLoad_StorageNodes(t *testing.T) {
	path := writeConfig(t, minimalConfig+`
[storage_nodes.shelf-1]
addr = "10.0.0.5:7001"
timeout_s = 2.5

[storage_nodes.shelf-2]
addr = "10.0.0.6:7001"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.StorageNodes, 2)
	assert.Equal(t, "10.0.0.5:7001", cfg.StorageNodes["shelf-1"].Addr)
	assert.Equal(t, 2500*time.Millisecond, cfg.StorageNodes["shelf-1"].Timeout())

	// Unset timeout defaults to one second.
	assert.Equal(t, time.Second, cfg.StorageNodes["shelf-2"].Timeout())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoad_MissingHTTPListenAddr(t *testing.T) {
	path := writeConfig(t, `
[database_connection]
type = "sqlite"

[database_connection.sqlite]
path = ":memory:"

[sftp_server]
listen_addr = "127.0.0.1:2222"
public_key = "pub"
private_key = "priv"
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_BadLogLevel(t *testing.T) {
	path := writeConfig(t, minimalConfig+`
[logging]
level = "LOUD"
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_PostgresDefaults(t *testing.T) {
	path := writeConfig(t, `
[database_connection]
type = "postgres"

[database_connection.postgres]
host = "db.internal"
database = "quiltfs"
user = "quiltfs"
password = "secret"

[http_server]
listen_addr = "127.0.0.1:8080"

[sftp_server]
listen_addr = "127.0.0.1:2222"
public_key = "pub"
private_key = "priv"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5432, cfg.Database.Postgres.Port)
	assert.Equal(t, "disable", cfg.Database.Postgres.SSLMode)
	assert.Contains(t, cfg.Database.Postgres.DSN(), "host=db.internal")
}
