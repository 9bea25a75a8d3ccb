// Package config loads the cireport configuration from a TOML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	DataDir     string            `toml:"data_dir"`
	LogDir      string            `toml:"log_dir"`
	Database    DatabaseConfig    `toml:"database"`
	Cache       CacheConfig       `toml:"cache"`
	Concurrency ConcurrencyConfig `toml:"concurrency"`
	Costs       CostsConfig       `toml:"costs"`
	PushLog     PushLogConfig     `toml:"pushlog"`
	Monthly     MonthlyConfig     `toml:"monthly"`
	Email       EmailConfig       `toml:"email"`
	Metrics     MetricsConfig     `toml:"metrics"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite". SQLite only serves task intervals.
	Driver        string `toml:"driver"`
	DSN           string `toml:"dsn"`
	SQLitePath    string `toml:"sqlite_path"`
	IntervalTable string `toml:"interval_table"`
	// ClassifyBy is "worker_type" or "instance_type".
	ClassifyBy string `toml:"classify_by"`
}

type CacheConfig struct {
	// Backend is "file", "redis" or "memory".
	Backend   string `toml:"backend"`
	RedisAddr string `toml:"redis_addr"`
}

type ConcurrencyConfig struct {
	Tags        []string      `toml:"tags"`
	BucketWidth time.Duration `toml:"bucket_width"`
	// UnknownTags is "drop", "other" or "strict".
	UnknownTags string `toml:"unknown_tags"`
	TopN        int    `toml:"top_n"`
	Workers     int    `toml:"workers"`
}

type PlatformBucket struct {
	Name    string   `toml:"name"`
	Matches []string `toml:"matches"`
}

type CostsConfig struct {
	Provisioner string           `toml:"provisioner"`
	AWSRegion   string           `toml:"aws_region"`
	Platforms   []PlatformBucket `toml:"platforms"`
}

type PushLogConfig struct {
	BaseURL string `toml:"base_url"`
	Repo    string `toml:"repo"`
}

type MonthlyConfig struct {
	Hashtags []string `toml:"hashtags"`
}

type EmailConfig struct {
	APIKey      string   `toml:"api_key"`
	FromName    string   `toml:"from_name"`
	FromAddress string   `toml:"from_address"`
	To          []string `toml:"to"`
}

type MetricsConfig struct {
	PushgatewayURL string `toml:"pushgateway_url"`
	Job            string `toml:"job"`
}

func Default() *Config {
	return &Config{
		DataDir: "data",
		LogDir:  "logs",
		Database: DatabaseConfig{
			Driver:        "postgres",
			SQLitePath:    "data/intervals.db",
			IntervalTable: "tasks",
			ClassifyBy:    "instance_type",
		},
		Cache: CacheConfig{
			Backend:   "file",
			RedisAddr: "localhost:6379",
		},
		Concurrency: ConcurrencyConfig{
			Tags: []string{
				"g2.2xlarge",
				"g3.4xlarge",
				"m5d.2xlarge",
				"c5.xlarge",
				"c5d.18xlarge",
				"c4.2xlarge",
				"m3.2xlarge",
				"g3s.xlarge",
				"c5.4xlarge",
				"c5.2xlarge",
			},
			BucketWidth: time.Minute,
			UnknownTags: "drop",
			Workers:     1,
		},
		Costs: CostsConfig{
			Provisioner: "aws-provisioner-v1",
			AWSRegion:   "us-east-1",
			Platforms: []PlatformBucket{
				{Name: "Linux64", Matches: []string{"linux64"}},
				{Name: "Linux32", Matches: []string{"linux32"}},
				{Name: "OS X", Matches: []string{"osx"}},
				{Name: "Android", Matches: []string{"android", "Android", "mobile"}},
				{Name: "Windows Server 2012", Matches: []string{"windows2012", "win2012"}},
				{Name: "Windows 7", Matches: []string{"windows7", "win7"}},
				{Name: "Windows 10", Matches: []string{"windows10", "win10"}},
				{Name: "b2g", Matches: []string{"mulet", "gaia", "b2g", "flame"}},
			},
		},
		PushLog: PushLogConfig{
			BaseURL: "https://hg.mozilla.org",
			Repo:    "mozilla-central",
		},
		Monthly: MonthlyConfig{
			Hashtags: []string{"#Mozilla", "#ContinuousIntegration", "#Taskcluster"},
		},
		Email: EmailConfig{
			FromName: "Firefox CI Reports",
		},
		Metrics: MetricsConfig{
			Job: "cireport",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		// A platforms table in the file replaces the default list entirely.
		platforms := cfg.Costs.Platforms
		cfg.Costs.Platforms = nil

		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to decode TOML file %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, key := range undecoded {
				keys[i] = key.String()
			}
			return nil, fmt.Errorf("unknown configuration keys in %s: %s", path, strings.Join(keys, ", "))
		}
		if !md.IsDefined("costs", "platforms") {
			cfg.Costs.Platforms = platforms
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (c *Config) ApplyEnvOverrides() {
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Cache.RedisAddr = addr
	}
	if key := os.Getenv("SENDGRID_API_KEY"); key != "" {
		c.Email.APIKey = key
	}
	if name := os.Getenv("FROM_NAME"); name != "" {
		c.Email.FromName = name
	}
	if address := os.Getenv("FROM_ADDRESS"); address != "" {
		c.Email.FromAddress = address
	}
	if url := os.Getenv("PUSHGATEWAY_URL"); url != "" {
		c.Metrics.PushgatewayURL = url
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		c.Costs.AWSRegion = region
	}
}

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

func (c *Config) Validate() error {
	var errs ValidateErrors
	invalid := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch c.Database.Driver {
	case "postgres":
	case "sqlite":
		if c.Database.SQLitePath == "" {
			invalid("database.sqlite_path", "required when driver is sqlite")
		}
	default:
		invalid("database.driver", "invalid driver '%s', must be one of: postgres, sqlite", c.Database.Driver)
	}

	if !slices.Contains([]string{"worker_type", "instance_type"}, c.Database.ClassifyBy) {
		invalid("database.classify_by", "invalid value '%s', must be one of: worker_type, instance_type", c.Database.ClassifyBy)
	}

	switch c.Cache.Backend {
	case "file", "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			invalid("cache.redis_addr", "required when backend is redis")
		}
	default:
		invalid("cache.backend", "invalid backend '%s', must be one of: file, redis, memory", c.Cache.Backend)
	}

	if len(c.Concurrency.Tags) == 0 {
		invalid("concurrency.tags", "at least one tag is required")
	}
	if c.Concurrency.BucketWidth < time.Second {
		invalid("concurrency.bucket_width", "must be at least 1s, got %v", c.Concurrency.BucketWidth)
	}
	if !slices.Contains([]string{"drop", "other", "strict"}, c.Concurrency.UnknownTags) {
		invalid("concurrency.unknown_tags", "invalid policy '%s', must be one of: drop, other, strict", c.Concurrency.UnknownTags)
	}
	if c.Concurrency.TopN < 0 {
		invalid("concurrency.top_n", "must not be negative")
	}
	if c.Concurrency.Workers < 1 {
		invalid("concurrency.workers", "must be at least 1")
	}

	for i, bucket := range c.Costs.Platforms {
		if bucket.Name == "" || len(bucket.Matches) == 0 {
			invalid(fmt.Sprintf("costs.platforms[%d]", i), "name and matches are required")
		}
	}

	if c.DataDir == "" {
		invalid("data_dir", "must not be empty")
	}
	if c.LogDir == "" {
		invalid("log_dir", "must not be empty")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// RequireDSN reports a missing Postgres DSN for commands that need the
// full datastore.
func (c *Config) RequireDSN() error {
	if c.Database.DSN == "" {
		return errors.New("database DSN is not set (database.dsn or POSTGRES_DSN)")
	}
	return nil
}
