package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Dir is the per-workspace directory holding config, database, and
// profile files.
const Dir = ".coach"

// Config represents the complete coach configuration
type Config struct {
	Version int `json:"version" mapstructure:"version"`

	Database DatabaseConfig `json:"database" mapstructure:"database"`
	Cache    CacheConfig    `json:"cache" mapstructure:"cache"`
	Producer ProducerConfig `json:"producer" mapstructure:"producer"`
	Scoring  ScoringConfig  `json:"scoring" mapstructure:"scoring"`
	Server   ServerConfig   `json:"server" mapstructure:"server"`
	Logging  LoggingConfig  `json:"logging" mapstructure:"logging"`
}

// DatabaseConfig contains SQLite settings
type DatabaseConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// CacheConfig contains analysis cache settings
type CacheConfig struct {
	// TTLDays is how long a cached analysis stays eligible before the
	// sweep removes it.
	TTLDays int `json:"ttlDays" mapstructure:"ttlDays"`
	// LockWaitMs bounds how long a caller waits for the per-key compute
	// lock. 0 means fail fast when another compute is in flight.
	LockWaitMs int `json:"lockWaitMs" mapstructure:"lockWaitMs"`
	// SweepIntervalMinutes is the background sweep cadence in serve mode.
	SweepIntervalMinutes int `json:"sweepIntervalMinutes" mapstructure:"sweepIntervalMinutes"`
}

// ProducerConfig contains analysis producer settings
type ProducerConfig struct {
	Provider       string `json:"provider" mapstructure:"provider"`
	Model          string `json:"model" mapstructure:"model"`
	APIKeyEnv      string `json:"apiKeyEnv" mapstructure:"apiKeyEnv"`
	TimeoutSeconds int    `json:"timeoutSeconds" mapstructure:"timeoutSeconds"`
}

// ScoringConfig contains rubric and aggregation settings
type ScoringConfig struct {
	// Category selects the rubric family whose active version scores
	// analyses.
	Category string `json:"category" mapstructure:"category"`
	// ProfilesPath points at the call-type weight profiles file.
	ProfilesPath string `json:"profilesPath" mapstructure:"profilesPath"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Addr string `json:"addr" mapstructure:"addr"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Format string `json:"format" mapstructure:"format"`
	Level  string `json:"level" mapstructure:"level"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Database: DatabaseConfig{
			Path: filepath.Join(Dir, "coach.db"),
		},
		Cache: CacheConfig{
			TTLDays:              7,
			LockWaitMs:           5000,
			SweepIntervalMinutes: 60,
		},
		Producer: ProducerConfig{
			Provider:       "openai",
			Model:          "gpt-4o",
			APIKeyEnv:      "OPENAI_API_KEY",
			TimeoutSeconds: 120,
		},
		Scoring: ScoringConfig{
			Category:     "coaching",
			ProfilesPath: filepath.Join(Dir, "profiles.toml"),
		},
		Server: ServerConfig{
			Addr: ":8787",
		},
		Logging: LoggingConfig{
			Format: "human",
			Level:  "info",
		},
	}
}

// Load reads configuration from <root>/.coach/config.json, falling back
// to defaults when the file does not exist. Values present in the file
// override defaults field by field.
func Load(root string) (*Config, error) {
	v := viper.New()

	def := DefaultConfig()
	v.SetDefault("version", def.Version)
	v.SetDefault("database.path", def.Database.Path)
	v.SetDefault("cache.ttlDays", def.Cache.TTLDays)
	v.SetDefault("cache.lockWaitMs", def.Cache.LockWaitMs)
	v.SetDefault("cache.sweepIntervalMinutes", def.Cache.SweepIntervalMinutes)
	v.SetDefault("producer.provider", def.Producer.Provider)
	v.SetDefault("producer.model", def.Producer.Model)
	v.SetDefault("producer.apiKeyEnv", def.Producer.APIKeyEnv)
	v.SetDefault("producer.timeoutSeconds", def.Producer.TimeoutSeconds)
	v.SetDefault("scoring.category", def.Scoring.Category)
	v.SetDefault("scoring.profilesPath", def.Scoring.ProfilesPath)
	v.SetDefault("server.addr", def.Server.Addr)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("logging.level", def.Logging.Level)

	v.SetConfigName("config")
	v.SetConfigType("json")
	v.AddConfigPath(filepath.Join(root, Dir))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return def, nil
		}
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the configuration to <root>/.coach/config.json
func (c *Config) Save(root string) error {
	dir := filepath.Join(root, Dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Version != 1 {
		return &ConfigError{Field: "version", Message: "unsupported config version"}
	}
	if c.Cache.TTLDays <= 0 {
		return &ConfigError{Field: "cache.ttlDays", Message: "must be positive"}
	}
	if c.Cache.LockWaitMs < 0 {
		return &ConfigError{Field: "cache.lockWaitMs", Message: "must not be negative"}
	}
	if c.Producer.TimeoutSeconds <= 0 {
		return &ConfigError{Field: "producer.timeoutSeconds", Message: "must be positive"}
	}
	if c.Scoring.Category == "" {
		return &ConfigError{Field: "scoring.category", Message: "must not be empty"}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}
