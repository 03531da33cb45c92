// Package config provides configuration for the demolyzer pipeline and its
// collaborators.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "DEMOLYZER_"

// Config holds the configuration of an analyzer and its services.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir" env:"DATA_DIR"`

	Decoder  DecoderConfig  `json:"decoder" yaml:"decoder" envPrefix:"DECODER_"`
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline" envPrefix:"PIPELINE_"`
	Identity IdentityConfig `json:"identity" yaml:"identity" envPrefix:"IDENTITY_"`
	Window   WindowConfig   `json:"window" yaml:"window" envPrefix:"WINDOW_"`
	Stats    StatsConfig    `json:"stats" yaml:"stats" envPrefix:"STATS_"`
	Cache    CacheConfig    `json:"cache" yaml:"cache" envPrefix:"CACHE_"`
	GRPC     GRPCConfig     `json:"grpc" yaml:"grpc" envPrefix:"GRPC_"`
	Log      LogConfig      `json:"log" yaml:"log" envPrefix:"LOG_"`
}

// DecoderConfig configures how sessions are decoded.
type DecoderConfig struct {
	// TickFrequency is the sampling interval passed to the decoder
	TickFrequency int `json:"tick_frequency" yaml:"tick_frequency" env:"TICK_FREQUENCY"`

	// Command runs an external unspooler; empty reads record files directly.
	// {source} and {tick_frequency} are substituted in the arguments.
	Command []string `json:"command" yaml:"command" env:"COMMAND" envSeparator:" "`

	// SourceRoot confines the session paths remote callers may name
	SourceRoot string `json:"source_root" yaml:"source_root" env:"SOURCE_ROOT"`
}

// PipelineConfig configures table construction.
type PipelineConfig struct {
	// Workers is the normalization parallelism; 1 builds sequentially
	Workers int `json:"workers" yaml:"workers" env:"WORKERS"`
}

// IdentityConfig configures identity resolution.
type IdentityConfig struct {
	PlayerField      string   `json:"player_field" yaml:"player_field" env:"PLAYER_FIELD"`
	TransientColumn  string   `json:"transient_column" yaml:"transient_column" env:"TRANSIENT_COLUMN"`
	PersistentColumn string   `json:"persistent_column" yaml:"persistent_column" env:"PERSISTENT_COLUMN"`
	RewriteColumns   []string `json:"rewrite_columns" yaml:"rewrite_columns" env:"REWRITE_COLUMNS"`

	// Strategy is last_write_wins, as_of_tick or reject_on_conflict
	Strategy string `json:"strategy" yaml:"strategy" env:"STRATEGY"`
}

// WindowConfig configures event window extraction.
type WindowConfig struct {
	TicksBefore    int64  `json:"ticks_before" yaml:"ticks_before" env:"TICKS_BEFORE"`
	TicksAfter     int64  `json:"ticks_after" yaml:"ticks_after" env:"TICKS_AFTER"`
	AttackerColumn string `json:"attacker_column" yaml:"attacker_column" env:"ATTACKER_COLUMN"`
	VictimColumn   string `json:"victim_column" yaml:"victim_column" env:"VICTIM_COLUMN"`

	// Participants is attacker, victim or both
	Participants string `json:"participants" yaml:"participants" env:"PARTICIPANTS"`
}

// StatsConfig configures the player statistics.
type StatsConfig struct {
	StatusColumn string `json:"status_column" yaml:"status_column" env:"STATUS_COLUMN"`
	NameColumn   string `json:"name_column" yaml:"name_column" env:"NAME_COLUMN"`
	AliveStatus  string `json:"alive_status" yaml:"alive_status" env:"ALIVE_STATUS"`
	DeathStatus  string `json:"death_status" yaml:"death_status" env:"DEATH_STATUS"`
}

// CacheConfig configures the table cache.
type CacheConfig struct {
	// Enabled turns caching on
	Enabled bool `json:"enabled" yaml:"enabled" env:"ENABLED"`

	// Type is the persistent tier: none, local, s3
	Type string `json:"type" yaml:"type" env:"TYPE"`

	// Path is the local cache directory, or the scratch directory for s3
	Path string `json:"path" yaml:"path" env:"PATH"`

	// MemoryEntries sizes the in-memory tier; 0 disables it
	MemoryEntries int `json:"memory_entries" yaml:"memory_entries" env:"MEMORY_ENTRIES"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3" envPrefix:"S3_"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket" env:"BUCKET"`

	// Prefix is prepended to every cached object
	Prefix string `json:"prefix" yaml:"prefix" env:"PREFIX"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region" env:"REGION"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint" env:"ENDPOINT"`

	// UsePathStyle enables path-style addressing (required for MinIO)
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style" env:"USE_PATH_STYLE"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	// Addr is the gRPC server address
	Addr string `json:"addr" yaml:"addr" env:"ADDR"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Debug switches to the development logger
	Debug bool `json:"debug" yaml:"debug" env:"DEBUG"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/demolyzer",
		Decoder: DecoderConfig{
			TickFrequency: 100,
		},
		Pipeline: PipelineConfig{
			Workers: 1,
		},
		Identity: IdentityConfig{
			PlayerField:      "players",
			TransientColumn:  "players_info.userId",
			PersistentColumn: "players_info.steamId",
			RewriteColumns:   []string{"kills_assister_id", "kills_attacker_id", "kills_victim_id"},
			Strategy:         "last_write_wins",
		},
		Window: WindowConfig{
			TicksBefore:    100,
			TicksAfter:     100,
			AttackerColumn: "kills_attacker_id",
			VictimColumn:   "kills_victim_id",
			Participants:   "attacker",
		},
		Stats: StatsConfig{
			StatusColumn: "players_state",
			NameColumn:   "players_info.name",
			AliveStatus:  "Alive",
			DeathStatus:  "Death",
		},
		Cache: CacheConfig{
			Enabled:       true,
			Type:          "local",
			MemoryEntries: 8,
			S3: S3Config{
				Region: "us-east-1",
			},
		},
		GRPC: GRPCConfig{
			Addr: ":9090",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/demolyzer"
	}
	if c.Cache.Path == "" {
		c.Cache.Path = filepath.Join(c.DataDir, "cache")
	}
	if c.Decoder.SourceRoot == "" {
		c.Decoder.SourceRoot = filepath.Join(c.DataDir, "sources")
	}
	if c.Pipeline.Workers < 1 {
		c.Pipeline.Workers = 1
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Decoder.TickFrequency < 1 {
		return fmt.Errorf("decoder.tick_frequency must be positive, got %d", c.Decoder.TickFrequency)
	}

	if c.Decoder.SourceRoot == "" {
		return fmt.Errorf("decoder.source_root is required")
	}

	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be at least 1, got %d", c.Pipeline.Workers)
	}

	switch c.Identity.Strategy {
	case "last_write_wins", "as_of_tick", "reject_on_conflict":
	default:
		return fmt.Errorf("invalid identity.strategy: %s (must be last_write_wins, as_of_tick, or reject_on_conflict)", c.Identity.Strategy)
	}

	if c.Window.TicksBefore < 0 || c.Window.TicksAfter < 0 {
		return fmt.Errorf("window.ticks_before and window.ticks_after must be non-negative")
	}

	switch c.Window.Participants {
	case "attacker", "victim", "both":
	default:
		return fmt.Errorf("invalid window.participants: %s (must be attacker, victim, or both)", c.Window.Participants)
	}

	switch c.Cache.Type {
	case "none", "local", "s3":
	default:
		return fmt.Errorf("invalid cache type: %s (must be none, local, or s3)", c.Cache.Type)
	}

	if c.Cache.Enabled && c.Cache.Type == "s3" && c.Cache.S3.Bucket == "" {
		return fmt.Errorf("cache.s3.bucket is required when cache type is s3")
	}

	if c.Cache.MemoryEntries < 0 {
		return fmt.Errorf("cache.memory_entries must not be negative, got %d", c.Cache.MemoryEntries)
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file on top of the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv overlays DEMOLYZER_* environment variables onto cfg, for
// example DEMOLYZER_WINDOW_TICKS_BEFORE or DEMOLYZER_CACHE_S3_BUCKET.
// Unset variables leave the current values in place.
func LoadFromEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load builds the effective configuration: defaults, then the file at path
// when path is not empty, then the environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, c.Decoder.SourceRoot}
	if c.Cache.Enabled && c.Cache.Type != "none" {
		dirs = append(dirs, c.Cache.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
