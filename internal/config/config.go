package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/onexay/perf-ledger/internal/storage"
)

// StorageBackend enumerates supported persistence layers.
type StorageBackend string

const (
	// StorageBackendMemory keeps data in-process.
	StorageBackendMemory StorageBackend = "memory"
	// StorageBackendKeyDB persists data to KeyDB/Redis.
	StorageBackendKeyDB StorageBackend = "keydb"
	// StorageBackendBolt persists data to a local BoltDB file.
	StorageBackendBolt StorageBackend = "bolt"
	// StorageBackendSQLite persists data to a SQLite database.
	StorageBackendSQLite StorageBackend = "sqlite"
)

// Config aggregates runtime configuration.
type Config struct {
	APIAddr  string        `yaml:"apiAddr"`
	LogLevel string        `yaml:"logLevel"`
	Storage  StorageConfig `yaml:"storage"`
	Agents   []AgentConfig `yaml:"agents"`
}

// AgentConfig is a build agent registered at startup. PasswordHash is a
// bcrypt hash, as printed by `ledger-admin agent hash`.
type AgentConfig struct {
	Name         string `yaml:"name"`
	PasswordHash string `yaml:"passwordHash"`
}

// StorageConfig contains backend selection and nested settings.
type StorageConfig struct {
	Backend    StorageBackend `yaml:"backend"`
	MaxRetries int            `yaml:"maxRetries"`
	KeyDB      storage.Config `yaml:"keydb"`
	BoltPath   string         `yaml:"boltPath"`
	SQLiteDSN  string         `yaml:"sqliteDSN"`
}

// Default returns the configuration used when nothing else is set.
func Default() Config {
	return Config{
		APIAddr:  ":8080",
		LogLevel: "info",
		Storage: StorageConfig{
			Backend:   StorageBackendMemory,
			BoltPath:  "data/ledger.db",
			SQLiteDSN: "file:data/ledger.sqlite",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, and environment variables, in that order of precedence.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	cfg.Storage.Backend = StorageBackend(strings.ToLower(string(cfg.Storage.Backend)))

	switch cfg.Storage.Backend {
	case StorageBackendMemory, StorageBackendKeyDB, StorageBackendBolt, StorageBackendSQLite:
	default:
		return Config{}, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	for i, agent := range cfg.Agents {
		if agent.Name == "" {
			return Config{}, fmt.Errorf("agents[%d]: name is required", i)
		}
		if _, err := bcrypt.Cost([]byte(agent.PasswordHash)); err != nil {
			return Config{}, fmt.Errorf("agents[%d] %s: invalid password hash: %w", i, agent.Name, err)
		}
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.APIAddr = envDefault("API_ADDR", cfg.APIAddr)
	cfg.LogLevel = envDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.Storage.Backend = StorageBackend(envDefault("STORAGE_BACKEND", string(cfg.Storage.Backend)))
	cfg.Storage.MaxRetries = envInt("STORAGE_MAX_RETRIES", cfg.Storage.MaxRetries)
	cfg.Storage.KeyDB.Addr = envDefault("KEYDB_ADDR", cfg.Storage.KeyDB.Addr)
	cfg.Storage.KeyDB.Username = envDefault("KEYDB_USERNAME", cfg.Storage.KeyDB.Username)
	cfg.Storage.KeyDB.Password = envDefault("KEYDB_PASSWORD", cfg.Storage.KeyDB.Password)
	cfg.Storage.KeyDB.Database = envInt("KEYDB_DB", cfg.Storage.KeyDB.Database)
	cfg.Storage.BoltPath = envDefault("BOLT_PATH", cfg.Storage.BoltPath)
	cfg.Storage.SQLiteDSN = envDefault("SQLITE_DSN", cfg.Storage.SQLiteDSN)
}

func envDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func envInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return def
}
