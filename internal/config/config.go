// Package config handles configuration loading, validation, and management for pinguard.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"pinguard/internal/logging"
	"pinguard/internal/verifypin"
)

// Config holds the complete pinguard configuration.
type Config struct {
	// Card selects the card identity and the hardening policy of its engine.
	Card CardConfig `toml:"card" json:"card" yaml:"card"`

	// Storage configuration for persistence.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Tamper configuration for the monotonic tamper counter.
	Tamper TamperConfig `toml:"tamper" json:"tamper" yaml:"tamper"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Audit configuration.
	Audit AuditConfig `toml:"audit" json:"audit" yaml:"audit"`

	// Campaign configuration for fault injection runs.
	Campaign CampaignConfig `toml:"campaign" json:"campaign" yaml:"campaign"`
}

// CardConfig holds the card identity and countermeasure policy.
type CardConfig struct {
	// ID names the card record in the state store.
	ID string `toml:"card_id" json:"card_id" yaml:"card_id"`

	// Preset is a ladder rung name such as "v4" or "hardened".
	Preset string `toml:"preset" json:"preset" yaml:"preset"`

	// ExtraTechniques are added on top of the preset, e.g. "DT+SC".
	ExtraTechniques string `toml:"extra_techniques" json:"extra_techniques" yaml:"extra_techniques"`

	// TrailingCountermeasure fires the countermeasure on every rejected PIN.
	TrailingCountermeasure bool `toml:"trailing_countermeasure" json:"trailing_countermeasure" yaml:"trailing_countermeasure"`

	// Trigger is the countermeasure response: "mute" latches the card,
	// "exit" latches it and terminates the process.
	Trigger string `toml:"trigger" json:"trigger" yaml:"trigger"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Type is "sqlite" or "memory".
	Type string `toml:"type" json:"type" yaml:"type"`

	// Path is the sqlite database path.
	Path string `toml:"path" json:"path" yaml:"path"`

	// SecretPath holds the master secret the state MAC key is derived from.
	SecretPath string `toml:"secret_path" json:"secret_path" yaml:"secret_path"`
}

// TamperConfig selects the tamper counter backend.
type TamperConfig struct {
	// Backend is "none", "software" or "tpm".
	Backend string `toml:"backend" json:"backend" yaml:"backend"`

	// DevicePath overrides TPM device auto-detection.
	DevicePath string `toml:"device_path" json:"device_path" yaml:"device_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file path when Output includes a file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the rotation threshold.
	MaxSizeMB int64 `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files kept.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
}

// AuditConfig holds audit trail configuration.
type AuditConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int64  `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
}

// CampaignConfig holds the defaults of the campaign command.
type CampaignConfig struct {
	// Presets to attack. Empty means the whole ladder.
	Presets []string `toml:"presets" json:"presets" yaml:"presets"`

	// Models to inject. Empty means every model.
	Models []string `toml:"models" json:"models" yaml:"models"`

	// MaxHit bounds the hit index of each fault. Zero means every hit
	// observed in a clean trace.
	MaxHit int `toml:"max_hit" json:"max_hit" yaml:"max_hit"`

	// DoubleFaults also enumerates pairs of branch inversions.
	DoubleFaults bool `toml:"double_faults" json:"double_faults" yaml:"double_faults"`

	// ReportPath receives the JSON report when set.
	ReportPath string `toml:"report_path" json:"report_path" yaml:"report_path"`

	// Persist stores per-fault results in the sqlite database.
	Persist bool `toml:"persist" json:"persist" yaml:"persist"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()
	return &Config{
		Card: CardConfig{
			ID:      "default",
			Preset:  verifypin.DefaultPreset,
			Trigger: "mute",
		},
		Storage: StorageConfig{
			Type:       "sqlite",
			Path:       filepath.Join(dir, "pinguard.db"),
			SecretPath: filepath.Join(dir, "secret.key"),
		},
		Tamper: TamperConfig{
			Backend: "software",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "logs", "pinguard.log"),
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Audit: AuditConfig{
			Enabled:    true,
			FilePath:   filepath.Join(dir, "logs", "audit.log"),
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
		Campaign: CampaignConfig{
			MaxHit: 0,
		},
	}
}

// DataDir returns the pinguard data directory. PINGUARD_DATA_DIR wins over
// the per-user default.
func DataDir() string {
	if dir := os.Getenv("PINGUARD_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pinguard"
	}
	return filepath.Join(home, ".pinguard")
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	if p := os.Getenv("PINGUARD_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(DataDir(), "config.toml")
}

// Load reads the configuration from path, falling back to defaults when the
// file does not exist. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// loadConfigFromFile reads and parses a config file based on its extension.
// The raw document is checked against the embedded schema before decoding.
func loadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	format := formatFor(path)
	if err := ValidateDocument(data, format); err != nil {
		return nil, err
	}
	if err := decode(data, format, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func formatFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "toml"
	}
}

func decode(data []byte, format string, v any) error {
	switch format {
	case "json":
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("decode JSON: %w", err)
		}
	case "yaml":
		if err := yaml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), v); err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// ApplyEnvOverrides applies PINGUARD_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("PINGUARD_CARD_ID"); v != "" {
		c.Card.ID = v
	}
	if v := os.Getenv("PINGUARD_PRESET"); v != "" {
		c.Card.Preset = v
	}
	if v := os.Getenv("PINGUARD_TRIGGER"); v != "" {
		c.Card.Trigger = v
	}
	if v := os.Getenv("PINGUARD_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("PINGUARD_SECRET_PATH"); v != "" {
		c.Storage.SecretPath = v
	}
	if v := os.Getenv("PINGUARD_TAMPER_BACKEND"); v != "" {
		c.Tamper.Backend = v
	}
	if v := os.Getenv("PINGUARD_TPM_PATH"); v != "" {
		c.Tamper.DevicePath = v
	}
	if v := os.Getenv("PINGUARD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PINGUARD_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("PINGUARD_AUDIT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Audit.Enabled = b
		}
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	cp := *c
	cp.Campaign.Presets = append([]string(nil), c.Campaign.Presets...)
	cp.Campaign.Models = append([]string(nil), c.Campaign.Models...)
	return &cp
}

// Policy resolves the card section into an engine policy.
func (c *Config) Policy() (verifypin.Policy, error) {
	preset, err := verifypin.Lookup(c.Card.Preset)
	if err != nil {
		return verifypin.Policy{}, err
	}
	p := preset.Policy
	if c.Card.ExtraTechniques != "" {
		extra, err := verifypin.ParseTechniques(c.Card.ExtraTechniques)
		if err != nil {
			return verifypin.Policy{}, err
		}
		p.Techniques |= extra
	}
	if c.Card.TrailingCountermeasure {
		p.TrailingCountermeasure = true
	}
	return p, nil
}

// LoggerConfig converts the logging section for logging.New.
func (c *Config) LoggerConfig() (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		return nil, err
	}
	return &logging.Config{
		Level:      level,
		Format:     format,
		Output:     c.Logging.Output,
		FilePath:   c.Logging.FilePath,
		MaxSize:    c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		Component:  "pinguard",
	}, nil
}
