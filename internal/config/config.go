// Package config loads massmailer settings from a YAML file and the
// environment.
//
// Precedence, lowest first: defaults, the file, MASSMAILER_* environment
// variables. Command-line flags are applied on top by the CLI.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/roach88/massmailer/internal/mailer"
	"github.com/roach88/massmailer/internal/taskqueue"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MASSMAILER"

// Config holds every setting.
type Config struct {
	// Database is the SQLite file holding application and massmailer tables.
	Database string `yaml:"database"`
	// Schema is the CUE file describing queryable entities.
	Schema string `yaml:"schema"`
	// From is the sender address of every message.
	From string `yaml:"from"`

	SMTP  SMTP  `yaml:"smtp"`
	Retry Retry `yaml:"retry"`

	Workers     int    `yaml:"workers"`
	MetricsAddr string `yaml:"metrics_addr"`
	// Language is the default template language.
	Language string `yaml:"language"`
}

// SMTP addresses the outgoing mail relay.
type SMTP struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Retry bounds delivery retries.
type Retry struct {
	Delay      Duration `yaml:"delay"`
	MaxRetries int      `yaml:"max_retries"`
}

// Duration is a time.Duration read from strings like "90s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Database: "massmailer.db",
		Schema:   "schema.cue",
		From:     "noreply@localhost",
		SMTP:     SMTP{Host: "localhost", Port: 25},
		Retry: Retry{
			Delay:      Duration(taskqueue.DefaultRetryDelay),
			MaxRetries: taskqueue.DefaultMaxRetries,
		},
		Workers:  4,
		Language: mailer.DefaultLanguage,
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg, newEnv()); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	// Strict: misspelled keys are errors, not silently ignored settings
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// newEnv returns a viper instance reading MASSMAILER_* variables. The
// variable for a key is the key upper-cased with dots as underscores, so
// smtp.host is MASSMAILER_SMTP_HOST.
func newEnv() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// envName is the variable viper reads for key.
func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// applyEnv overrides cfg with the keys set in v. Empty variables are
// treated as unset.
func applyEnv(cfg *Config, v *viper.Viper) error {
	strs := map[string]*string{
		"database":      &cfg.Database,
		"schema":        &cfg.Schema,
		"from":          &cfg.From,
		"smtp.host":     &cfg.SMTP.Host,
		"smtp.username": &cfg.SMTP.Username,
		"smtp.password": &cfg.SMTP.Password,
		"metrics_addr":  &cfg.MetricsAddr,
		"language":      &cfg.Language,
	}
	for key, dst := range strs {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}

	ints := map[string]*int{
		"smtp.port":         &cfg.SMTP.Port,
		"workers":           &cfg.Workers,
		"retry.max_retries": &cfg.Retry.MaxRetries,
	}
	for key, dst := range ints {
		if !v.IsSet(key) {
			continue
		}
		n, err := cast.ToIntE(v.Get(key))
		if err != nil {
			return fmt.Errorf("%s: %w", envName(key), err)
		}
		*dst = n
	}

	if v.IsSet("retry.delay") {
		d, err := cast.ToDurationE(v.Get("retry.delay"))
		if err != nil {
			return fmt.Errorf("%s: %w", envName("retry.delay"), err)
		}
		cfg.Retry.Delay = Duration(d)
	}
	return nil
}

// Validate checks that settings are usable.
func (c Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.Delay <= 0 {
		return fmt.Errorf("retry.delay must be positive")
	}
	if c.SMTP.Port < 0 || c.SMTP.Port > 65535 {
		return fmt.Errorf("smtp.port %d out of range", c.SMTP.Port)
	}
	return nil
}

// RunnerOptions maps the retry and worker settings onto taskqueue.Options.
func (c Config) RunnerOptions() taskqueue.Options {
	return taskqueue.Options{
		Workers:    c.Workers,
		RetryDelay: time.Duration(c.Retry.Delay),
		MaxRetries: c.Retry.MaxRetries,
	}
}

// SMTPConfig maps the SMTP settings onto mailer.SMTPConfig.
func (c Config) SMTPConfig() mailer.SMTPConfig {
	return mailer.SMTPConfig{
		Host:     c.SMTP.Host,
		Port:     c.SMTP.Port,
		Username: c.SMTP.Username,
		Password: c.SMTP.Password,
	}
}
