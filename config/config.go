// Package config resolves the framework's environment configuration: the
// persisted-state layout under a base directory, vector-backend selection,
// model defaults, and the approval timeout. Credentials are never read
// here; provider adapters resolve API keys through the caller's own
// credential handling.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Vector backend selectors for HIVE_VECTOR_BACKEND.
const (
	VectorMemory   = "memory"
	VectorSQLite   = "sqlite"
	VectorWeaviate = "weaviate"
)

// Config is the resolved environment configuration. Path fields are
// absolute or relative exactly as given; relative paths resolve against
// the process working directory.
type Config struct {
	// BaseDir anchors the persisted-state layout. Unset path fields are
	// derived from it. Default ".hive".
	BaseDir string

	// SessionsDir holds sessions/{session_id}/state.json trees.
	// Default {BaseDir}/sessions.
	SessionsDir string

	// EpisodesPath is the append-only episode log.
	// Default {BaseDir}/episodes.jsonl.
	EpisodesPath string

	// AuditLogPath is the newline-JSON guardrail audit log.
	// Default {BaseDir}/audit.log.
	AuditLogPath string

	// TracesDir holds traces/{trace_id}.json archives.
	// Default {BaseDir}/traces.
	TracesDir string

	// VectorBackend selects the episodic vector index: memory, sqlite,
	// or weaviate. Default memory.
	VectorBackend string

	// VectorIndexDir holds the sqlite backend's index files.
	// Default {BaseDir}/vector_index.
	VectorIndexDir string

	// WeaviateHost and WeaviateScheme locate the weaviate backend.
	// Defaults localhost:8080 and http.
	WeaviateHost   string
	WeaviateScheme string

	// DefaultModel is used when a graph declares no model of its own.
	// CleanupModel repairs malformed structured output; empty disables
	// the cleanup pass.
	DefaultModel string
	CleanupModel string

	// ApprovalTimeout bounds how long a pending tool approval waits
	// before it is denied. Default 300s, matching the guard policy
	// baseline.
	ApprovalTimeout time.Duration

	// Environment tags audit events and risk evaluation (development,
	// staging, production). Default development.
	Environment string

	// MySQLDSN enables the MySQL session store when set. Empty keeps
	// the file store.
	MySQLDSN string
}

// Default returns the baseline configuration before any environment
// overrides. Derived paths are left empty until resolve fills them from
// BaseDir.
func Default() Config {
	return Config{
		BaseDir:         ".hive",
		VectorBackend:   VectorMemory,
		WeaviateHost:    "localhost:8080",
		WeaviateScheme:  "http",
		DefaultModel:    "claude-sonnet-4-5",
		CleanupModel:    "claude-3-5-haiku-20241022",
		ApprovalTimeout: 300 * time.Second,
		Environment:     "development",
	}
}

// Load resolves configuration from the environment. A .env file in the
// working directory is folded in first when present; real environment
// variables win over .env entries per godotenv semantics.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	cfg.BaseDir = getenv("HIVE_BASE_DIR", cfg.BaseDir)
	cfg.SessionsDir = os.Getenv("HIVE_SESSIONS_DIR")
	cfg.EpisodesPath = os.Getenv("HIVE_EPISODES_PATH")
	cfg.AuditLogPath = os.Getenv("HIVE_AUDIT_LOG_PATH")
	cfg.TracesDir = os.Getenv("HIVE_TRACES_DIR")
	cfg.VectorBackend = getenv("HIVE_VECTOR_BACKEND", cfg.VectorBackend)
	cfg.VectorIndexDir = os.Getenv("HIVE_VECTOR_INDEX_DIR")
	cfg.WeaviateHost = getenv("HIVE_WEAVIATE_HOST", cfg.WeaviateHost)
	cfg.WeaviateScheme = getenv("HIVE_WEAVIATE_SCHEME", cfg.WeaviateScheme)
	cfg.DefaultModel = getenv("HIVE_DEFAULT_MODEL", cfg.DefaultModel)
	cfg.CleanupModel = getenv("HIVE_CLEANUP_MODEL", cfg.CleanupModel)
	cfg.Environment = getenv("HIVE_ENVIRONMENT", cfg.Environment)
	cfg.MySQLDSN = os.Getenv("HIVE_MYSQL_DSN")

	if raw := os.Getenv("HIVE_APPROVAL_TIMEOUT_SECONDS"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse HIVE_APPROVAL_TIMEOUT_SECONDS %q: %w", raw, err)
		}
		cfg.ApprovalTimeout = time.Duration(secs) * time.Second
	}

	cfg.resolve()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// resolve fills unset derived paths from BaseDir.
func (c *Config) resolve() {
	if c.SessionsDir == "" {
		c.SessionsDir = filepath.Join(c.BaseDir, "sessions")
	}
	if c.EpisodesPath == "" {
		c.EpisodesPath = filepath.Join(c.BaseDir, "episodes.jsonl")
	}
	if c.AuditLogPath == "" {
		c.AuditLogPath = filepath.Join(c.BaseDir, "audit.log")
	}
	if c.TracesDir == "" {
		c.TracesDir = filepath.Join(c.BaseDir, "traces")
	}
	if c.VectorIndexDir == "" {
		c.VectorIndexDir = filepath.Join(c.BaseDir, "vector_index")
	}
}

// Validate checks enum fields and bounds.
func (c Config) Validate() error {
	switch c.VectorBackend {
	case VectorMemory, VectorSQLite, VectorWeaviate:
	default:
		return fmt.Errorf("invalid HIVE_VECTOR_BACKEND %q (want memory, sqlite, or weaviate)", c.VectorBackend)
	}
	switch c.WeaviateScheme {
	case "http", "https":
	default:
		return fmt.Errorf("invalid HIVE_WEAVIATE_SCHEME %q (want http or https)", c.WeaviateScheme)
	}
	if c.ApprovalTimeout < 0 {
		return fmt.Errorf("HIVE_APPROVAL_TIMEOUT_SECONDS must be >= 0, got %v", c.ApprovalTimeout)
	}
	if c.BaseDir == "" {
		return fmt.Errorf("HIVE_BASE_DIR must not be empty")
	}
	return nil
}

// EnsureDirs creates the directories the configuration points at. Files
// (episodes.jsonl, audit.log) are created lazily by their stores; only
// their parent directories are made here.
func (c Config) EnsureDirs() error {
	dirs := []string{
		c.BaseDir,
		c.SessionsDir,
		c.TracesDir,
		filepath.Dir(c.EpisodesPath),
		filepath.Dir(c.AuditLogPath),
	}
	if c.VectorBackend == VectorSQLite {
		dirs = append(dirs, c.VectorIndexDir)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
