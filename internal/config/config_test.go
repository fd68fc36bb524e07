package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "")
	t.Setenv("API_ADDR", "")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.APIAddr)
	require.Equal(t, StorageBackendMemory, cfg.Storage.Backend)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
apiAddr: ":9090"
logLevel: debug
storage:
  backend: KeyDB
  maxRetries: 4
  keydb:
    addr: "keydb:6379"
    database: 2
`), 0o600))

	t.Setenv("KEYDB_DB", "5")
	t.Setenv("API_ADDR", "")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.APIAddr)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, StorageBackendKeyDB, cfg.Storage.Backend)
	require.Equal(t, 4, cfg.Storage.MaxRetries)
	require.Equal(t, "keydb:6379", cfg.Storage.KeyDB.Addr)
	require.Equal(t, 5, cfg.Storage.KeyDB.Database)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "postgres")

	_, err := Load("")
	require.Error(t, err)
}

func TestLoadAgents(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "")

	hash, err := bcrypt.GenerateFromPassword([]byte("somePassword"), bcrypt.MinCost)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agents:\n  - name: someSlave\n    passwordHash: '"+string(hash)+"'\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Agents, 1)
	require.Equal(t, "someSlave", cfg.Agents[0].Name)
	require.Equal(t, string(hash), cfg.Agents[0].PasswordHash)
}

func TestLoadRejectsPlaintextAgentPassword(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "")

	path := filepath.Join(t.TempDir(), "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agents:\n  - name: someSlave\n    passwordHash: somePassword\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}
