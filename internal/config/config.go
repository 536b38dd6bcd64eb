package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig                `mapstructure:"server"`
	Roles       RolesConfig                 `mapstructure:"roles"`
	Tasks       TasksConfig                 `mapstructure:"tasks"`
	Database    DatabaseConfig              `mapstructure:"database"`
	Blob        BlobConfig                  `mapstructure:"blob"`
	SignalTypes map[string]SignalTypeConfig `mapstructure:"signal_types"`
	Match       MatchConfig                 `mapstructure:"match"`
	Fetcher     FetcherConfig               `mapstructure:"fetcher"`
	Redis       RedisConfig                 `mapstructure:"redis"`
	Sink        SinkConfig                  `mapstructure:"sink"`
	Ingest      IngestConfig                `mapstructure:"ingest"`
	Sources     []SourceConfig              `mapstructure:"sources"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

// RolesConfig selects which HTTP route groups the process serves.
type RolesConfig struct {
	Hasher  bool `mapstructure:"hasher"`
	Matcher bool `mapstructure:"matcher"`
	Curator bool `mapstructure:"curator"`
}

// TasksConfig selects background tasks.
type TasksConfig struct {
	Indexer                bool `mapstructure:"indexer"`
	IndexerIntervalSeconds int  `mapstructure:"indexer_interval_seconds"`
	Fetcher                bool `mapstructure:"fetcher"`
	FetcherIntervalSeconds int  `mapstructure:"fetcher_interval_seconds"`
	// ChangeLogRetention is how many generations of change log the indexer keeps.
	ChangeLogRetention uint64 `mapstructure:"change_log_retention"`
}

// IndexerInterval returns the periodic rebuild interval.
func (t TasksConfig) IndexerInterval() time.Duration {
	return time.Duration(t.IndexerIntervalSeconds) * time.Second
}

// FetcherInterval returns the source polling interval.
func (t TasksConfig) FetcherInterval() time.Duration {
	return time.Duration(t.FetcherIntervalSeconds) * time.Second
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	URI             string        `mapstructure:"uri"`
	Path            string        `mapstructure:"path"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogLevel        string        `mapstructure:"log_level"`
}

// DriverName resolves the driver, inferring it from DATABASE_URI when unset.
func (d *DatabaseConfig) DriverName() string {
	if d.Driver != "" {
		return strings.ToLower(d.Driver)
	}
	uri := strings.ToLower(d.URI)
	if strings.HasPrefix(uri, "postgres://") || strings.HasPrefix(uri, "postgresql://") {
		return "postgres"
	}
	return "sqlite"
}

// DSN returns the connection string for the resolved driver.
func (d *DatabaseConfig) DSN() string {
	if d.DriverName() == "postgres" {
		return d.URI
	}
	path := d.Path
	if d.URI != "" {
		path = strings.TrimPrefix(strings.TrimPrefix(d.URI, "sqlite://"), "file:")
	}
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_busy_timeout=5000"
}

// BlobConfig selects where index artifacts are persisted.
type BlobConfig struct {
	Type             string `mapstructure:"type"` // local, s3, r2, minio, memory
	Dir              string `mapstructure:"dir"`
	Prefix           string `mapstructure:"prefix"`
	Endpoint         string `mapstructure:"endpoint"`
	Region           string `mapstructure:"region"`
	AccessKey        string `mapstructure:"access_key"`
	SecretKey        string `mapstructure:"secret_key"`
	UseSSL           bool   `mapstructure:"use_ssl"`
	Bucket           string `mapstructure:"bucket"`
	ForcePathStyle   bool   `mapstructure:"force_path_style"`
	CompressionLevel int    `mapstructure:"compression_level"`
}

// SignalTypeConfig is the start-up seed of a signal type's runtime config.
type SignalTypeConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	Threshold int  `mapstructure:"threshold"`
}

type MatchConfig struct {
	DefaultSeed       string        `mapstructure:"default_seed"`
	SubmissionTimeout time.Duration `mapstructure:"submission_timeout"`
	BankCacheTTL      time.Duration `mapstructure:"bank_cache_ttl"`
	ExpandRotations   bool          `mapstructure:"expand_rotations"`
}

// FetcherConfig bounds remote content retrieval.
type FetcherConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	MaxBytes      int64         `mapstructure:"max_bytes"`
	UserAgent     string        `mapstructure:"user_agent"`
}

// RedisConfig configures the cross-process change bus.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// SinkConfig configures where match events are delivered.
type SinkConfig struct {
	LogMatches     bool          `mapstructure:"log_matches"`
	WebhookURL     string        `mapstructure:"webhook_url"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
}

type IngestConfig struct {
	Workers   int `mapstructure:"workers"`
	BatchSize int `mapstructure:"batch_size"`
}

func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	bindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.cors.allow_all_origins", false)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("roles.hasher", true)
	v.SetDefault("roles.matcher", true)
	v.SetDefault("roles.curator", true)

	v.SetDefault("tasks.indexer", true)
	v.SetDefault("tasks.indexer_interval_seconds", 60)
	v.SetDefault("tasks.fetcher", false)
	v.SetDefault("tasks.fetcher_interval_seconds", 240)
	v.SetDefault("tasks.change_log_retention", 100000)

	v.SetDefault("database.driver", "")
	v.SetDefault("database.uri", "")
	v.SetDefault("database.path", "./data/mediamatch.db")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("blob.type", "local")
	v.SetDefault("blob.dir", "./data/indexes")
	v.SetDefault("blob.prefix", "indexes")
	v.SetDefault("blob.bucket", "mediamatch")
	v.SetDefault("blob.compression_level", 3)

	v.SetDefault("signal_types.pdq.enabled", true)
	v.SetDefault("signal_types.pdq.threshold", 31)
	v.SetDefault("signal_types.video_md5.enabled", true)
	v.SetDefault("signal_types.video_md5.threshold", 0)

	v.SetDefault("match.default_seed", "")
	v.SetDefault("match.submission_timeout", 30*time.Second)
	v.SetDefault("match.bank_cache_ttl", 5*time.Second)
	v.SetDefault("match.expand_rotations", false)

	v.SetDefault("fetcher.timeout", 20*time.Second)
	v.SetDefault("fetcher.rate_per_second", 20.0)
	v.SetDefault("fetcher.burst", 5)
	v.SetDefault("fetcher.max_bytes", 64<<20)
	v.SetDefault("fetcher.user_agent", "mediamatch/1.0")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "mediamatch:changes")

	v.SetDefault("sink.log_matches", true)
	v.SetDefault("sink.webhook_timeout", 10*time.Second)

	v.SetDefault("ingest.workers", 4)
	v.SetDefault("ingest.batch_size", 500)
}

func bindEnv(v *viper.Viper) {
	v.BindEnv("database.uri", "DATABASE_URI")
	v.BindEnv("blob.dir", "INDEX_BLOB_DIR")
	v.BindEnv("blob.type", "INDEX_BLOB_TYPE")
	v.BindEnv("blob.endpoint", "INDEX_BLOB_ENDPOINT")
	v.BindEnv("blob.access_key", "INDEX_BLOB_ACCESS_KEY")
	v.BindEnv("blob.secret_key", "INDEX_BLOB_SECRET_KEY")
	v.BindEnv("blob.bucket", "INDEX_BLOB_BUCKET")
	v.BindEnv("tasks.indexer", "TASK_INDEXER")
	v.BindEnv("tasks.indexer_interval_seconds", "TASK_INDEXER_INTERVAL_SECONDS")
	v.BindEnv("tasks.fetcher", "TASK_FETCHER")
	v.BindEnv("tasks.fetcher_interval_seconds", "TASK_FETCHER_INTERVAL_SECONDS")
	v.BindEnv("roles.hasher", "ROLE_HASHER")
	v.BindEnv("roles.matcher", "ROLE_MATCHER")
	v.BindEnv("roles.curator", "ROLE_CURATOR")
	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("sink.webhook_url", "MATCH_WEBHOOK_URL")
	v.BindEnv("server.port", "PORT")
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Tasks.IndexerIntervalSeconds <= 0 {
		return fmt.Errorf("tasks.indexer_interval_seconds must be positive, got %d", c.Tasks.IndexerIntervalSeconds)
	}
	if c.Tasks.FetcherIntervalSeconds <= 0 {
		return fmt.Errorf("tasks.fetcher_interval_seconds must be positive, got %d", c.Tasks.FetcherIntervalSeconds)
	}
	switch c.Database.DriverName() {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	for name, st := range c.SignalTypes {
		if st.Threshold < 0 {
			return fmt.Errorf("signal_types.%s.threshold must not be negative", name)
		}
	}
	seen := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		c.Sources[i].ResolveEnvVars()
		if err := c.Sources[i].Validate(); err != nil {
			return err
		}
		if seen[c.Sources[i].Name] {
			return fmt.Errorf("source %q declared twice", c.Sources[i].Name)
		}
		seen[c.Sources[i].Name] = true
	}
	return nil
}
