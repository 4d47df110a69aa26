// Package config loads survey-loader settings from a YAML file with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/vitebski/survey-loader/internal/connector"
	"github.com/vitebski/survey-loader/internal/loader"
	"github.com/vitebski/survey-loader/internal/normalizer"
	"github.com/vitebski/survey-loader/internal/planner"
	"github.com/vitebski/survey-loader/internal/sink"
	"github.com/vitebski/survey-loader/internal/sqlbuilder"
)

// DefaultFile is read when no --config flag is given
const DefaultFile = "survey-loader.yaml"

// Config holds all configuration for survey-loader.
// Environment variables always override YAML values.
type Config struct {
	LogLevel    string            `yaml:"log_level" env:"LOG_LEVEL" env-default:""`
	Destination DestinationConfig `yaml:"destination"`
	Store       StoreConfig       `yaml:"store"`
	Normalizer  NormalizerConfig  `yaml:"normalizer"`
	Loader      LoaderConfig      `yaml:"loader"`
	Export      ExportConfig      `yaml:"export"`
}

// DestinationConfig is the database the mapped rows are written to
type DestinationConfig struct {
	Driver   string `yaml:"driver" env:"DEST_DRIVER" env-default:"mysql"`
	Host     string `yaml:"host" env:"DEST_HOST" env-default:"localhost"`
	Port     string `yaml:"port" env:"DEST_PORT" env-default:""`
	User     string `yaml:"user" env:"DEST_USER" env-default:"root"`
	Password string `yaml:"-" env:"DEST_PASSWORD"` // Secret - not in YAML
	Database string `yaml:"database" env:"DEST_DATABASE" env-default:""`
	DSN      string `yaml:"-" env:"DEST_DSN"`
}

// StoreConfig locates the control store
type StoreConfig struct {
	Path string `yaml:"path" env:"STORE_PATH" env-default:"survey-loader.db"`
}

// NormalizerConfig tunes how submissions are flattened
type NormalizerConfig struct {
	TopSheet  string `yaml:"top_sheet" env:"NORMALIZER_TOP_SHEET" env-default:"main"`
	TopPrefix string `yaml:"top_prefix" env:"NORMALIZER_TOP_PREFIX" env-default:"hh_"`
	ZeroValue string `yaml:"zero_value" env:"NORMALIZER_ZERO_VALUE" env-default:"0"`
	NAValue   string `yaml:"na_value" env:"NORMALIZER_NA_VALUE" env-default:"N/A"`
	AddTopID  bool   `yaml:"add_top_id" env:"NORMALIZER_ADD_TOP_ID" env-default:"true"`
}

// LoaderConfig tunes the load path
type LoaderConfig struct {
	Joiner           string   `yaml:"joiner" env:"LOADER_JOINER" env-default:", "`
	DryRunLimit      int      `yaml:"dry_run_limit" env:"LOADER_DRY_RUN_LIMIT" env-default:"10"`
	DictionaryTable  string   `yaml:"dictionary_table" env:"LOADER_DICTIONARY_TABLE" env-default:"dictionary_items"`
	SelectKeyColumns []string `yaml:"select_key_columns" env:"LOADER_SELECT_KEY_COLUMNS" env-default:"form_group,parent_node,t_key"`
	PlainKeyColumns  []string `yaml:"plain_key_columns" env:"LOADER_PLAIN_KEY_COLUMNS" env-default:"form_group,t_key"`
}

// ExportConfig sets where exported sheets go
type ExportConfig struct {
	Dir         string `yaml:"dir" env:"EXPORT_DIR" env-default:"export"`
	S3Bucket    string `yaml:"s3_bucket" env:"EXPORT_S3_BUCKET" env-default:""`
	S3Prefix    string `yaml:"s3_prefix" env:"EXPORT_S3_PREFIX" env-default:""`
	S3Region    string `yaml:"s3_region" env:"EXPORT_S3_REGION" env-default:"us-east-1"`
	S3Endpoint  string `yaml:"s3_endpoint" env:"EXPORT_S3_ENDPOINT" env-default:""`
	S3PathStyle bool   `yaml:"s3_path_style" env:"EXPORT_S3_PATH_STYLE" env-default:"false"`
}

// Load reads path if it exists, then applies environment overrides. A
// missing file is only an error when required is set.
func Load(path string, required bool) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else {
		if required {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	}
	return cfg, nil
}

// Validate checks the destination parameters
func (c *Config) Validate() error {
	if c.Loader.DryRunLimit < 0 {
		return errors.New("dry_run_limit must not be negative")
	}
	d := c.Destination
	dialect, err := sqlbuilder.ParseDialect(d.Driver)
	if err != nil {
		return err
	}
	if d.DSN != "" {
		return nil
	}
	if d.Database == "" {
		return errors.New("database name is required")
	}
	if dialect == sqlbuilder.SQLite {
		return nil
	}
	if d.Host == "" {
		return errors.New("database host is required")
	}
	if d.User == "" {
		return errors.New("database user is required")
	}
	if d.Port != "" {
		if _, err := strconv.Atoi(d.Port); err != nil {
			return fmt.Errorf("invalid port number: %s", d.Port)
		}
	}
	return nil
}

// ConnectorConfig returns the destination connection settings
func (c *Config) ConnectorConfig() connector.Config {
	d := c.Destination
	return connector.Config{
		Driver:   d.Driver,
		Host:     d.Host,
		Port:     d.Port,
		User:     d.User,
		Password: d.Password,
		Database: d.Database,
		DSN:      d.DSN,
	}
}

// NormalizerOptions returns the normalizer settings
func (c *Config) NormalizerOptions() normalizer.Options {
	opts := normalizer.DefaultOptions()
	n := c.Normalizer
	if n.TopSheet != "" {
		opts.TopSheet = n.TopSheet
	}
	if n.TopPrefix != "" {
		opts.TopPrefix = n.TopPrefix
	}
	opts.ZeroValue = n.ZeroValue
	opts.NAValue = n.NAValue
	opts.AddTopID = n.AddTopID
	return opts
}

// PlannerOptions returns the lookup target settings
func (c *Config) PlannerOptions() planner.Options {
	opts := planner.DefaultOptions()
	l := c.Loader
	if l.DictionaryTable != "" {
		opts.DictionaryTable = l.DictionaryTable
	}
	if cols := trimAll(l.SelectKeyColumns); len(cols) > 0 {
		opts.SelectKeyColumns = cols
	}
	if cols := trimAll(l.PlainKeyColumns); len(cols) > 0 {
		opts.PlainKeyColumns = cols
	}
	return opts
}

// LoaderOptions returns the row writer settings
func (c *Config) LoaderOptions() loader.Options {
	opts := loader.DefaultOptions()
	if c.Loader.Joiner != "" {
		opts.Joiner = c.Loader.Joiner
	}
	return opts
}

// S3Config returns the export bucket settings
func (c *Config) S3Config() sink.S3Config {
	e := c.Export
	return sink.S3Config{
		Bucket:          e.S3Bucket,
		Prefix:          e.S3Prefix,
		Region:          e.S3Region,
		Endpoint:        e.S3Endpoint,
		PathStyle:       e.S3PathStyle,
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
	}
}

func trimAll(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
