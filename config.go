package pdtmatch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the query engine.
type Config struct {
	// DataPath is the path to the Parquet fact table. When the file is
	// absent and DataURL is set, the file is downloaded there on first use.
	DataPath string `json:"data_path" yaml:"data_path"`

	// DataURL optionally points at a downloadable copy of the dataset.
	DataURL string `json:"data_url" yaml:"data_url"`

	// MemoryLimit is passed to DuckDB (e.g. "500MB", "2GB"). Small
	// deployments run with as little as 256-512MB total, so this defaults
	// conservatively.
	MemoryLimit string `json:"memory_limit" yaml:"memory_limit"`

	// Threads limits DuckDB query parallelism.
	Threads int `json:"threads" yaml:"threads"`

	// DefaultThreshold is the similarity threshold applied when a filter
	// spec does not set one. 0.65 is the domain-recommended balance
	// between coverage and match quality.
	DefaultThreshold float64 `json:"default_threshold" yaml:"default_threshold"`

	// CacheTTL is how long filter-dependent aggregation results stay
	// cached. Reference data (catalogs, global metadata) never expires.
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl"`

	// IdleTimeout releases the dataset handle after this much inactivity
	// to reclaim memory. The next request reloads it.
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// FetchAttempts bounds dataset download retries. Delays double from
	// FetchBackoff between attempts.
	FetchAttempts int           `json:"fetch_attempts" yaml:"fetch_attempts"`
	FetchBackoff  time.Duration `json:"fetch_backoff" yaml:"fetch_backoff"`

	// AuditDBPath is the SQLite file for the query audit log. Empty
	// disables audit logging.
	AuditDBPath string `json:"audit_db_path" yaml:"audit_db_path"`
}

// DefaultConfig returns a Config tuned for the smallest deployment target.
func DefaultConfig() Config {
	return Config{
		DataPath:         filepath.Join("data", "matches.parquet"),
		MemoryLimit:      "500MB",
		Threads:          2,
		DefaultThreshold: 0.65,
		CacheTTL:         5 * time.Minute,
		IdleTimeout:      30 * time.Minute,
		FetchAttempts:    3,
		FetchBackoff:     5 * time.Second,
	}
}

// LoadConfig reads a JSON or YAML config file (by extension) on top of the
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.DataPath == "" {
		return fmt.Errorf("%w: data_path is required", ErrInvalidConfig)
	}
	if c.DefaultThreshold < 0 || c.DefaultThreshold > 1 {
		return fmt.Errorf("%w: default_threshold must be in [0,1], got %v", ErrInvalidConfig, c.DefaultThreshold)
	}
	if c.Threads < 0 {
		return fmt.Errorf("%w: threads must be >= 0", ErrInvalidConfig)
	}
	if c.FetchAttempts < 1 {
		c.FetchAttempts = 1
	}
	return nil
}
