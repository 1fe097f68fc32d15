package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/user/termcore/configs"
)

// EnvPrefix prefixes every environment override, e.g. TERMCORE_PORT.
const EnvPrefix = "TERMCORE"

// Config fields carry no envconfig names. Only TERMCORE_* variables apply;
// a named tag would also read the unprefixed name, such as $SHELL.
type Config struct {
	Port  int    `yaml:"port" split_words:"true"`
	Token string `yaml:"token" split_words:"true"`

	Shell string `yaml:"shell" split_words:"true"`
	Dir   string `yaml:"dir" split_words:"true"`

	OutputBuffer int `yaml:"output_buffer" split_words:"true"`
	ReadChunk    int `yaml:"read_chunk" split_words:"true"`

	BatchInterval time.Duration `yaml:"batch_interval" split_words:"true"`
	InputRate     float64       `yaml:"input_rate" split_words:"true"`
	InputBurst    int           `yaml:"input_burst" split_words:"true"`

	History          bool          `yaml:"history" split_words:"true"`
	DBPath           string        `yaml:"db_path" split_words:"true"`
	HistoryRetention time.Duration `yaml:"history_retention" split_words:"true"`

	Metrics bool `yaml:"metrics" split_words:"true"`

	LogLevel  string `yaml:"log_level" split_words:"true"`
	LogFormat string `yaml:"log_format" split_words:"true"`

	ConfigPath string `yaml:"-" ignored:"true"`
}

// Default returns the shipped defaults.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(configs.DefaultConfig, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse default config: %w", err)
	}
	return cfg, nil
}

// Load resolves configuration in order: shipped defaults, the YAML file at
// path (~/.config/termcore/config.yaml when empty), TERMCORE_* environment
// variables, then overrides. A missing token is generated and written back
// to the config file.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	if path == "" {
		dir, err := defaultDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "config.yaml")
	}
	cfg.ConfigPath = path

	if err := cfg.loadFromFile(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	for _, apply := range overrides {
		apply(cfg)
	}

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(filepath.Dir(cfg.ConfigPath), "termcore.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Token == "" {
		token, err := generateToken()
		if err != nil {
			return nil, fmt.Errorf("failed to generate token: %w", err)
		}
		cfg.Token = token
		if err := cfg.saveToFile(); err != nil {
			return nil, fmt.Errorf("failed to save config file: %w", err)
		}
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.Port)
	}
	if c.OutputBuffer < 1 {
		return fmt.Errorf("invalid output_buffer %d: must be positive", c.OutputBuffer)
	}
	if c.ReadChunk < 1 {
		return fmt.Errorf("invalid read_chunk %d: must be positive", c.ReadChunk)
	}
	if c.BatchInterval < 0 {
		return fmt.Errorf("invalid batch_interval %s: must not be negative", c.BatchInterval)
	}
	if c.InputRate < 0 || c.InputBurst < 0 {
		return fmt.Errorf("invalid input rate %v/%d: must not be negative", c.InputRate, c.InputBurst)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "auto", "text", "json":
	default:
		return fmt.Errorf("invalid log_format %q: want auto, text or json", c.LogFormat)
	}
	return nil
}

func (c *Config) loadFromFile() error {
	data, err := os.ReadFile(c.ConfigPath)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("invalid YAML in %s: %w", c.ConfigPath, err)
	}
	return nil
}

func (c *Config) saveToFile() error {
	dir := filepath.Dir(c.ConfigPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.ConfigPath, data, 0600)
}

func defaultDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "termcore"), nil
}

func generateToken() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
