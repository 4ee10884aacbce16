package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

const (
	StorageLocal  = "local"
	StorageS3     = "s3"
	StorageMemory = "memory"

	RegistryStorage  = "storage"
	RegistryPostgres = "postgres"
)

type Table struct {
	Schema string `yaml:"schema"`
	Name   string `yaml:"name"`
	// Partitioning lists partition fields as "column" or "transform(column)".
	Partitioning []string `yaml:"partitioning"`
}

type Config struct {
	Postgres struct {
		Host        string `yaml:"host"`
		Port        int    `yaml:"port"`
		User        string `yaml:"user"`
		Password    string `yaml:"password"`
		Database    string `yaml:"database"`
		Slot        string `yaml:"slot"`
		Publication string `yaml:"publication"`
	} `yaml:"postgres"`

	Tables []Table `yaml:"tables"`

	Iceberg struct {
		Warehouse string `yaml:"warehouse"`
		Storage   string `yaml:"storage"`
		Path      string `yaml:"path"`
		S3        struct {
			Bucket          string `yaml:"bucket"`
			Prefix          string `yaml:"prefix"`
			Region          string `yaml:"region"`
			Endpoint        string `yaml:"endpoint"`
			AccessKeyID     string `yaml:"access_key_id"`
			SecretAccessKey string `yaml:"secret_access_key"`
			UsePathStyle    bool   `yaml:"use_path_style"`
		} `yaml:"s3"`
	} `yaml:"iceberg"`

	Catalog struct {
		Registry       string `yaml:"registry"`
		DSN            string `yaml:"dsn"`
		// SoftDelete keeps dropped tables restorable for this long. Empty
		// drops tables immediately.
		SoftDelete     string `yaml:"soft_delete"`
		ExpiryInterval string `yaml:"expiry_interval"`
	} `yaml:"catalog"`

	Maintenance struct {
		MinRetention      string `yaml:"min_retention"`
		FileSizeThreshold string `yaml:"file_size_threshold"`
		CommitRetries     int    `yaml:"commit_retries"`
	} `yaml:"maintenance"`

	Proxy struct {
		Port int `yaml:"port"`
	} `yaml:"proxy"`

	Metrics struct {
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.Slot == "" {
		c.Postgres.Slot = "arctic_lake"
	}
	if c.Postgres.Publication == "" {
		c.Postgres.Publication = "arctic_lake_pub"
	}
	if c.Iceberg.Storage == "" {
		c.Iceberg.Storage = StorageLocal
	}
	if c.Iceberg.Path == "" {
		c.Iceberg.Path = "./data"
	}
	if c.Iceberg.Warehouse == "" {
		c.Iceberg.Warehouse = "warehouse"
	}
	if c.Catalog.Registry == "" {
		c.Catalog.Registry = RegistryStorage
	}
	if c.Catalog.ExpiryInterval == "" {
		c.Catalog.ExpiryInterval = "1m"
	}
	if c.Maintenance.MinRetention == "" {
		c.Maintenance.MinRetention = "7d"
	}
	if c.Maintenance.FileSizeThreshold == "" {
		c.Maintenance.FileSizeThreshold = "100MB"
	}
	if c.Maintenance.CommitRetries == 0 {
		c.Maintenance.CommitRetries = 4
	}
	if c.Proxy.Port == 0 {
		c.Proxy.Port = 5433
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9090"
	}
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Iceberg.Storage {
	case StorageLocal, StorageMemory:
	case StorageS3:
		if c.Iceberg.S3.Bucket == "" {
			errs = append(errs, errors.New("iceberg.s3.bucket is required for s3 storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("iceberg.storage: unknown backend %q", c.Iceberg.Storage))
	}

	switch c.Catalog.Registry {
	case RegistryStorage:
	case RegistryPostgres:
		if c.Catalog.DSN == "" {
			errs = append(errs, errors.New("catalog.dsn is required for the postgres registry"))
		}
	default:
		errs = append(errs, fmt.Errorf("catalog.registry: unknown registry %q", c.Catalog.Registry))
	}

	if _, err := c.SoftDelete(); err != nil {
		errs = append(errs, fmt.Errorf("catalog.soft_delete: %w", err))
	}
	if d, err := c.ExpiryInterval(); err != nil {
		errs = append(errs, fmt.Errorf("catalog.expiry_interval: %w", err))
	} else if d <= 0 {
		errs = append(errs, errors.New("catalog.expiry_interval must be positive"))
	}

	if _, err := c.MinRetention(); err != nil {
		errs = append(errs, fmt.Errorf("maintenance.min_retention: %w", err))
	}
	if _, err := c.FileSizeThreshold(); err != nil {
		errs = append(errs, fmt.Errorf("maintenance.file_size_threshold: %w", err))
	}
	if c.Maintenance.CommitRetries < 0 {
		errs = append(errs, errors.New("maintenance.commit_retries must not be negative"))
	}

	for i, t := range c.Tables {
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("tables[%d]: name is required", i))
		}
	}
	return errors.Join(errs...)
}

// SoftDelete returns how long dropped tables stay restorable, zero when
// tables are dropped immediately.
func (c *Config) SoftDelete() (time.Duration, error) {
	if strings.TrimSpace(c.Catalog.SoftDelete) == "" {
		return 0, nil
	}
	d, err := ParseDuration(c.Catalog.SoftDelete)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", c.Catalog.SoftDelete)
	}
	return d, nil
}

func (c *Config) ExpiryInterval() (time.Duration, error) {
	return ParseDuration(c.Catalog.ExpiryInterval)
}

func (c *Config) MinRetention() (time.Duration, error) {
	return ParseDuration(c.Maintenance.MinRetention)
}

func (c *Config) FileSizeThreshold() (int64, error) {
	n, err := humanize.ParseBytes(c.Maintenance.FileSizeThreshold)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

// ConnString is the libpq URL for the replication source.
func (c *Config) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		c.Postgres.User, c.Postgres.Password, c.Postgres.Host, c.Postgres.Port, c.Postgres.Database)
}

// ParseDuration extends time.ParseDuration with a whole-day "d" unit, as in
// "7d" or "1d12h".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	days, rest, found := strings.Cut(s, "d")
	if !found {
		return time.ParseDuration(s)
	}
	n, err := strconv.Atoi(days)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	d := time.Duration(n) * 24 * time.Hour
	if rest == "" {
		return d, nil
	}
	extra, err := time.ParseDuration(rest)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d + extra, nil
}
