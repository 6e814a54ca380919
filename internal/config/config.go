package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the DAL services.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	EntityStore EntityStoreConfig `yaml:"entity_store"`
	Worker      WorkerConfig      `yaml:"worker"`
	Export      ExportConfig      `yaml:"export"`
	Import      ImportConfig      `yaml:"import"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig holds Redis connection settings for progress tracking
// and distributed locks.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// EntityStoreConfig holds connection settings for the content store
// that owns CRM entity storage.
type EntityStoreConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIToken   string        `yaml:"api_token"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`

	// MutableEntities is the closed set of entity kinds that bulk
	// actions may target. Requests for any other kind are rejected.
	MutableEntities []string `yaml:"mutable_entities"`
}

// WorkerConfig holds job worker settings.
type WorkerConfig struct {
	NumWorkers        int           `yaml:"num_workers"`
	BatchSize         int           `yaml:"batch_size"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	BatchPause        time.Duration `yaml:"batch_pause"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	RecoveryInterval  time.Duration `yaml:"recovery_interval"`
	MaxDeliveries     int           `yaml:"max_deliveries"`

	// CompletionWebhookURL, when set, receives a POST with the job
	// summary after a job reaches a terminal status. Delivery failures
	// are logged and never affect the job itself.
	CompletionWebhookURL string `yaml:"completion_webhook_url"`
}

// ExportConfig holds S3 settings for export artifacts.
type ExportConfig struct {
	S3Bucket   string `yaml:"s3_bucket"`
	S3Region   string `yaml:"s3_region"`
	AWSProfile string `yaml:"aws_profile"`
	KeyPrefix  string `yaml:"key_prefix"`
}

// ImportConfig holds CSV import limits.
type ImportConfig struct {
	MaxFileSize     int64         `yaml:"max_file_size"`
	MaxFailedSample int           `yaml:"max_failed_sample"`
	ProgressTTL     time.Duration `yaml:"progress_ttl"`
}

// Load reads configuration from a YAML file, applying environment
// variable overrides afterwards. A missing file is not an error; the
// config then comes entirely from defaults and the environment.
func Load(path string) (*Config, error) {
	// Load .env if present (development convenience)
	_ = godotenv.Load()

	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database url is required (set DATABASE_URL or database.url)")
	}
	if cfg.EntityStore.BaseURL == "" {
		return nil, fmt.Errorf("entity store base url is required (set ENTITY_STORE_URL or entity_store.base_url)")
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8085,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		EntityStore: EntityStoreConfig{
			Timeout:         30 * time.Second,
			MaxRetries:      3,
			MutableEntities: []string{"contacts", "organizations", "subscriptions", "events"},
		},
		Worker: WorkerConfig{
			NumWorkers:        4,
			BatchSize:         100,
			PollInterval:      time.Second,
			BatchPause:        100 * time.Millisecond,
			VisibilityTimeout: 5 * time.Minute,
			RecoveryInterval:  2 * time.Minute,
			MaxDeliveries:     5,
		},
		Export: ExportConfig{
			KeyPrefix: "exports",
		},
		Import: ImportConfig{
			MaxFileSize:     512 * 1024 * 1024, // 512MB
			MaxFailedSample: 1000,
			ProgressTTL:     24 * time.Hour,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("ENTITY_STORE_URL"); v != "" {
		cfg.EntityStore.BaseURL = v
	}
	if v := os.Getenv("ENTITY_STORE_TOKEN"); v != "" {
		cfg.EntityStore.APIToken = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Worker.NumWorkers = n
		}
	}
	if v := os.Getenv("WORKER_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Worker.BatchSize = n
		}
	}
	if v := os.Getenv("EXPORT_S3_BUCKET"); v != "" {
		cfg.Export.S3Bucket = v
	}
	if v := os.Getenv("EXPORT_S3_REGION"); v != "" {
		cfg.Export.S3Region = v
	}
	if v := os.Getenv("COMPLETION_WEBHOOK_URL"); v != "" {
		cfg.Worker.CompletionWebhookURL = v
	}
}

// IsMutableEntity reports whether the given entity kind is in the
// configured closed set of bulk-mutable entities.
func (c *EntityStoreConfig) IsMutableEntity(kind string) bool {
	for _, e := range c.MutableEntities {
		if e == kind {
			return true
		}
	}
	return false
}
