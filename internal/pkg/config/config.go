// Package config collects the runtime settings read from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/PixelForge/internal/pkg/env"
)

type DatabaseConfig struct {
	Driver   string // mysql or sqlite
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	Path     string // sqlite file, used when Driver is sqlite
}

// DSN returns the go-sql-driver/mysql data source name.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.Name)
}

type CacheConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

func (c CacheConfig) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
}

type WebhookConfig struct {
	SigningSecret string
	Tolerance     time.Duration
	ArchiveRaw    bool
}

// ArchiveConfig points at the S3 compatible bucket holding raw webhook payloads.
type ArchiveConfig struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // optional, for S3 compatible services
	Prefix          string
}

type FulfillmentConfig struct {
	ChargeTimeout time.Duration
	QueueTimeout  time.Duration
	AuditTimeout  time.Duration
	TaskVersion   string
}

type RecoveryConfig struct {
	Schedule   string
	StuckAfter time.Duration
	BatchSize  int
}

type HTTPConfig struct {
	Host            string
	Port            string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MonitorUser     string
	MonitorPassword string
}

// Config is the full application configuration.
type Config struct {
	Env         string
	HTTP        HTTPConfig
	Database    DatabaseConfig
	Cache       CacheConfig
	Stripe      StripeConfig
	Webhook     WebhookConfig
	Archive     ArchiveConfig
	Fulfillment FulfillmentConfig
	Recovery    RecoveryConfig
}

// Load reads the configuration. env.SetupEnvFile must run first when a .env
// file is used.
func Load() (*Config, error) {
	cfg := &Config{
		Env: env.GetEnv("APP_ENV", "prod"),
		HTTP: HTTPConfig{
			Host:            env.GetEnv("APP_HOST", "localhost"),
			Port:            env.GetEnv("APP_PORT", "4000"),
			RateLimitMax:    env.GetEnvInt("RATE_LIMIT_MAX", 60),
			RateLimitWindow: env.GetEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
			MonitorUser:     env.GetEnv("MONITOR_USER", "admin"),
			MonitorPassword: env.GetEnv("MONITOR_PASSWORD", ""),
		},
		Database: DatabaseConfig{
			Driver:   strings.ToLower(env.GetEnv("DB_DRIVER", "mysql")),
			Host:     env.GetEnv("DB_HOST", "127.0.0.1"),
			Port:     env.GetEnv("DB_PORT", "3306"),
			User:     env.GetEnv("DB_USER", ""),
			Password: env.GetEnv("DB_PASSWORD", ""),
			Name:     env.GetEnv("DB_NAME", ""),
			Path:     env.GetEnv("DB_PATH", "pixelforge.db"),
		},
		Cache: CacheConfig{
			Host:     env.GetEnv("CACHE_HOST", "localhost"),
			Port:     env.GetEnv("CACHE_PORT", "6379"),
			Password: env.GetEnv("CACHE_PASSWORD", ""),
			DB:       env.GetEnvInt("CACHE_DB", 0),
		},
		Stripe: StripeConfig{
			SecretKey:     env.GetEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret: env.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
		},
		Webhook: WebhookConfig{
			SigningSecret: env.GetEnv("WEBHOOK_SIGNING_SECRET", ""),
			Tolerance:     env.GetEnvDuration("WEBHOOK_TOLERANCE", 5*time.Minute),
			ArchiveRaw:    env.GetEnvBool("WEBHOOK_ARCHIVE_ENABLED", false),
		},
		Archive: ArchiveConfig{
			AccessKeyID:     env.GetEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: env.GetEnv("S3_SECRET_ACCESS_KEY", ""),
			Region:          env.GetEnv("S3_REGION", "us-east-1"),
			BucketName:      env.GetEnv("S3_BUCKET_NAME", ""),
			EndpointURL:     env.GetEnv("S3_ENDPOINT_URL", ""),
			Prefix:          env.GetEnv("S3_ARCHIVE_PREFIX", "webhooks"),
		},
		Fulfillment: FulfillmentConfig{
			ChargeTimeout: env.GetEnvDuration("CHARGE_TIMEOUT", 10*time.Second),
			QueueTimeout:  env.GetEnvDuration("QUEUE_TIMEOUT", 3*time.Second),
			AuditTimeout:  env.GetEnvDuration("AUDIT_TIMEOUT", 5*time.Second),
			TaskVersion:   env.GetEnv("TASK_VERSION", "1"),
		},
		Recovery: RecoveryConfig{
			Schedule:   env.GetEnv("RECOVERY_SCHEDULE", "@every 5m"),
			StuckAfter: env.GetEnvDuration("RECOVERY_STUCK_AFTER", 30*time.Minute),
			BatchSize:  env.GetEnvInt("RECOVERY_BATCH_SIZE", 100),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "dev"
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "mysql":
		if c.Database.Name == "" {
			return errors.New("DB_NAME is required for the mysql driver")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("DB_PATH is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}
	if c.Fulfillment.ChargeTimeout <= 0 || c.Fulfillment.QueueTimeout <= 0 {
		return errors.New("CHARGE_TIMEOUT and QUEUE_TIMEOUT must be positive")
	}
	if c.Webhook.Tolerance <= 0 {
		return errors.New("WEBHOOK_TOLERANCE must be positive")
	}
	if c.Webhook.ArchiveRaw {
		if c.Archive.AccessKeyID == "" || c.Archive.SecretAccessKey == "" {
			return errors.New("S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY are required when webhook archiving is enabled")
		}
		if c.Archive.BucketName == "" {
			return errors.New("S3_BUCKET_NAME is required when webhook archiving is enabled")
		}
	}
	if c.Recovery.StuckAfter <= 0 {
		return errors.New("RECOVERY_STUCK_AFTER must be positive")
	}
	if c.Recovery.BatchSize <= 0 {
		c.Recovery.BatchSize = 100
	}
	return nil
}
