// Package config loads and validates the engine's process-wide
// configuration from TOML, following the struct-plus-Validate() shape of
// the teacher's cmn/config.go. Configuration is read once at startup and
// is thereafter a read-only value threaded explicitly into constructors —
// no package-level mutable singleton (spec.md §9, "Global state").
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// EnvPrefix is the documented prefix for environment variable overrides,
// e.g. RODEPUSH_SERVER_PORT overrides server.port.
const EnvPrefix = "RODEPUSH_"

type Config struct {
	Server      ServerConfig      `toml:"server"`
	Database    DatabaseConfig    `toml:"database"`
	Storage     StorageConfig     `toml:"storage"`
	Cache       CacheConfig       `toml:"cache"`
	Diff        DiffConfig        `toml:"diff"`
	Compression CompressionConfig `toml:"compression"`
	Logging     LoggingConfig     `toml:"logging"`
}

type ServerConfig struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	Workers int    `toml:"workers"`
}

// DatabaseConfig.URL is the catalog's on-disk buntdb file path (C7 is an
// embedded store, not a client/server database, so "url" names a path
// rather than a DSN). MaxConnections is retained for a future networked
// backend and currently unused by the buntdb-backed Catalog.
type DatabaseConfig struct {
	URL            string `toml:"url"`
	MaxConnections int    `toml:"max_connections"`
}

// StorageConfig.Type extends the three names from spec.md §6.4 with an
// "azure" bonus backend (see SPEC_FULL.md §3) — the Dynamic Dispatch design
// note requires preserving {filesystem,s3,gcs} as capability variants; it
// does not forbid a fourth.
type StorageConfig struct {
	Type     string `toml:"type"`
	BasePath string `toml:"base_path"`
	Bucket   string `toml:"bucket"`   // s3 / gcs / azure container name
	Region   string `toml:"region"`   // s3
	Endpoint string `toml:"endpoint"` // s3 custom endpoint override
}

type CacheConfig struct {
	Type       string `toml:"type"`
	URL        string `toml:"url"`
	TTLSeconds int    `toml:"ttl_seconds"`
}

type DiffConfig struct {
	DeltaThreshold       float64 `toml:"delta_threshold"`
	MaxInFlight          int     `toml:"max_in_flight"`
	TimeoutSeconds       int     `toml:"timeout_seconds"`
	EvictionBudgetMiB    int64   `toml:"eviction_budget_mib"`
	SweepIntervalSeconds int     `toml:"sweep_interval_seconds"`
}

type CompressionConfig struct {
	Codec string `toml:"codec"`
	Level int    `toml:"level"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the documented defaults from spec.md §4.2-§6.4.
func Default() Config {
	return Config{
		Server:   ServerConfig{Host: "0.0.0.0", Port: 8080, Workers: 0},
		Database: DatabaseConfig{URL: "./data/catalog.db", MaxConnections: 10},
		Storage:  StorageConfig{Type: "filesystem", BasePath: "./data"},
		Cache:    CacheConfig{Type: "memory", TTLSeconds: 3600},
		Diff: DiffConfig{
			DeltaThreshold:       0.7,
			MaxInFlight:          8,
			TimeoutSeconds:       600,
			EvictionBudgetMiB:    10240,
			SweepIntervalSeconds: 300,
		},
		Compression: CompressionConfig{Codec: "zstd", Level: 3},
		Logging:     LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads path, decodes strictly (unknown keys are an error, never a
// warning, to prevent silent misconfiguration), applies environment
// overrides, then validates.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides scans a fixed list of RODEPUSH_-prefixed variables.
// This mirrors aistore's convention of explicit, named overrides rather
// than reflection-driven magic, so the override surface stays auditable.
func applyEnvOverrides(cfg *Config) {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}
	intv := func(key string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	floatv := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	int64v := func(key string, dst *int64) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}

	str("SERVER_HOST", &cfg.Server.Host)
	intv("SERVER_PORT", &cfg.Server.Port)
	intv("SERVER_WORKERS", &cfg.Server.Workers)
	str("DATABASE_URL", &cfg.Database.URL)
	intv("DATABASE_MAX_CONNECTIONS", &cfg.Database.MaxConnections)
	str("STORAGE_TYPE", &cfg.Storage.Type)
	str("STORAGE_BASE_PATH", &cfg.Storage.BasePath)
	str("CACHE_TYPE", &cfg.Cache.Type)
	str("CACHE_URL", &cfg.Cache.URL)
	intv("CACHE_TTL_SECONDS", &cfg.Cache.TTLSeconds)
	floatv("DIFF_DELTA_THRESHOLD", &cfg.Diff.DeltaThreshold)
	intv("DIFF_MAX_IN_FLIGHT", &cfg.Diff.MaxInFlight)
	intv("DIFF_TIMEOUT_SECONDS", &cfg.Diff.TimeoutSeconds)
	int64v("DIFF_EVICTION_BUDGET_MIB", &cfg.Diff.EvictionBudgetMiB)
	intv("DIFF_SWEEP_INTERVAL_SECONDS", &cfg.Diff.SweepIntervalSeconds)
	str("COMPRESSION_CODEC", &cfg.Compression.Codec)
	intv("COMPRESSION_LEVEL", &cfg.Compression.Level)
	str("LOGGING_LEVEL", &cfg.Logging.Level)
	str("LOGGING_FORMAT", &cfg.Logging.Format)
}

func (c Config) Validate() error {
	switch c.Storage.Type {
	case "filesystem", "s3", "gcs", "azure":
	default:
		return fmt.Errorf("storage.type %q not in {filesystem,s3,gcs,azure}", c.Storage.Type)
	}
	switch c.Cache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("cache.type %q not in {memory,redis}", c.Cache.Type)
	}
	switch c.Compression.Codec {
	case "zstd", "deflate", "brotli":
	default:
		return fmt.Errorf("compression.codec %q not in {zstd,deflate,brotli}", c.Compression.Codec)
	}
	if c.Diff.DeltaThreshold < 0 || c.Diff.DeltaThreshold > 1 {
		return fmt.Errorf("diff.delta_threshold %f out of [0,1]", c.Diff.DeltaThreshold)
	}
	if c.Diff.EvictionBudgetMiB < 0 {
		return fmt.Errorf("diff.eviction_budget_mib must be >= 0")
	}
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q not in {trace,debug,info,warn,error}", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q not in {text,json}", c.Logging.Format)
	}
	return nil
}

func (c DiffConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BudgetBytes is the eviction sweeper's on-disk ceiling for served diff
// packages (spec.md §4.8).
func (c DiffConfig) BudgetBytes() int64 {
	return c.EvictionBudgetMiB << 20
}

func (c DiffConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}
