package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/syssam/tombstone/dialect"
	"github.com/syssam/tombstone/graph"
	"github.com/syssam/tombstone/unique"
)

// Config holds the configuration of the tombstone command.
// Configuration can come from a YAML file (tombstone.yaml) or environment
// variables. Environment variables override YAML values. The DSN may hold
// a password and is only read from the environment.
type Config struct {
	// Schemas are the schema description files to work on. Files named on
	// the command line replace them.
	Schemas []string `yaml:"schemas" env:"TOMBSTONE_SCHEMAS" env-separator:","`

	Strategy       string `yaml:"strategy" env:"TOMBSTONE_STRATEGY" env-default:"mangle"`
	Strict         bool   `yaml:"strict" env:"TOMBSTONE_STRICT" env-default:"false"`
	DeletionField  string `yaml:"deletion_field" env:"TOMBSTONE_DELETION_FIELD" env-default:""`
	DeletedByField string `yaml:"deleted_by_field" env:"TOMBSTONE_DELETED_BY_FIELD" env-default:""`

	// Workers bounds the number of schema files processed concurrently.
	Workers int `yaml:"workers" env:"TOMBSTONE_WORKERS" env-default:"4"`

	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig selects the database inspected by the check command.
type DatabaseConfig struct {
	Dialect string `yaml:"dialect" env:"TOMBSTONE_DIALECT" env-default:"postgres"`
	// Driver is the database/sql driver name. Empty selects pgx for
	// postgres, mysql for mysql and sqlite for sqlite.
	Driver string `yaml:"driver" env:"TOMBSTONE_DRIVER" env-default:""`
	DSN    string `yaml:"-" env:"TOMBSTONE_DSN"` // Secret - not in YAML
	// Schema is the database schema to inspect. Empty inspects the
	// current schema of the connection.
	Schema string `yaml:"schema" env:"TOMBSTONE_DB_SCHEMA" env-default:""`
}

// LogConfig configures the command logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"TOMBSTONE_LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"TOMBSTONE_LOG_FORMAT" env-default:"console"`
}

const defaultConfigPath = "tombstone.yaml"

// LoadConfig reads the configuration file at path with environment
// variable overrides. A missing default configuration file is not an
// error, and neither is an empty one; the configuration then comes from
// the environment alone.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		path = defaultConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		// An empty document decodes to io.EOF.
		if err := cleanenv.ParseYAML(bytes.NewReader(data), cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && path == defaultConfigPath:
	default:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if _, err := unique.ParseStrategy(c.Strategy); err != nil {
		return err
	}
	if !slices.Contains([]string{dialect.Postgres, dialect.MySQL, dialect.SQLite}, c.Database.Dialect) {
		return fmt.Errorf("unsupported dialect %q", c.Database.Dialect)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	return nil
}

// GraphOptions returns the build options of the configuration.
func (c *Config) GraphOptions() []graph.Option {
	s, _ := unique.ParseStrategy(c.Strategy)
	return []graph.Option{
		graph.WithStrategy(s),
		graph.WithStrict(c.Strict),
		graph.WithDeletionField(c.DeletionField),
		graph.WithDeletedByField(c.DeletedByField),
	}
}

// DriverName returns the database/sql driver used to open the DSN.
func (c *DatabaseConfig) DriverName() string {
	if c.Driver != "" {
		return c.Driver
	}
	switch c.Dialect {
	case dialect.Postgres:
		return "pgx"
	case dialect.SQLite:
		return "sqlite"
	}
	return c.Dialect
}

// Usage returns the configuration keys and environment variables.
func Usage() string {
	text, err := cleanenv.GetDescription(&Config{}, nil)
	if err != nil {
		return ""
	}
	return text
}
