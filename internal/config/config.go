package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"

	"github.com/jwalitptl/ehr-access/internal/repository"
	"github.com/jwalitptl/ehr-access/pkg/security"
)

// EnvPrefix prefixes every environment variable the service reads.
const EnvPrefix = "EHR"

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	Encryption EncryptionConfig `mapstructure:"encryption"`
	Access     AccessConfig     `mapstructure:"access"`
	Outbox     OutboxConfig     `mapstructure:"outbox"`
	Workers    WorkersConfig    `mapstructure:"workers"`
	SMTP       SMTPConfig       `mapstructure:"smtp"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MetricsEnabled  bool          `mapstructure:"metrics_enabled"`

	// RequestsPerSecond caps each client IP; zero disables the limiter.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Name         string `mapstructure:"name"`
	SSLMode      string `mapstructure:"sslmode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

type EncryptionConfig struct {
	ActiveKeyID string `mapstructure:"active_key_id"`

	// MasterKeys is "kid:base64,kid:base64". It is normally only set from
	// the environment.
	MasterKeys string `mapstructure:"master_keys"`

	// UnitClause adds a unit-only clause to every record policy, so that
	// clinicians who keep their unit across an org move can still read.
	UnitClause bool `mapstructure:"unit_clause"`
}

type AccessConfig struct {
	GrantTTLDays          int           `mapstructure:"grant_ttl_days"`
	CodeLength            int           `mapstructure:"code_length"`
	CodeAttemptsPerMinute int           `mapstructure:"code_attempts_per_minute"`
	DirectoryCacheTTL     time.Duration `mapstructure:"directory_cache_ttl"`
}

type OutboxConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	Retention     time.Duration `mapstructure:"retention"`
}

type WorkersConfig struct {
	GrantExpiryInterval time.Duration `mapstructure:"grant_expiry_interval"`
	GrantExpiryBatch    int           `mapstructure:"grant_expiry_batch"`
	AuditCleanupEvery   time.Duration `mapstructure:"audit_cleanup_every"`
	AuditRetention      time.Duration `mapstructure:"audit_retention"`
	HealthPort          int           `mapstructure:"health_port"`
}

type SMTPConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// secrets are read straight from the environment and win over the file.
type secrets struct {
	DatabaseHost     string `envconfig:"DATABASE_HOST"`
	DatabasePassword string `envconfig:"DATABASE_PASSWORD"`
	RedisURL         string `envconfig:"REDIS_URL"`
	JWTSecret        string `envconfig:"JWT_SECRET"`
	MasterKeys       string `envconfig:"MASTER_KEYS"`
	ActiveKeyID      string `envconfig:"ACTIVE_KEY_ID"`
	SMTPPassword     string `envconfig:"SMTP_PASSWORD"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.metrics_enabled", true)
	v.SetDefault("server.requests_per_second", 20.0)
	v.SetDefault("server.burst", 40)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.name", "ehr_access")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.retry_backoff", 100*time.Millisecond)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)

	v.SetDefault("jwt.issuer", "ehr-access")

	v.SetDefault("encryption.unit_clause", false)

	v.SetDefault("access.grant_ttl_days", 30)
	v.SetDefault("access.code_length", 8)
	v.SetDefault("access.code_attempts_per_minute", 5)
	v.SetDefault("access.directory_cache_ttl", time.Minute)

	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.poll_interval", 5*time.Second)
	v.SetDefault("outbox.retry_attempts", 5)
	v.SetDefault("outbox.retry_delay", 10*time.Second)
	v.SetDefault("outbox.retention", 7*24*time.Hour)

	v.SetDefault("workers.grant_expiry_interval", time.Minute)
	v.SetDefault("workers.grant_expiry_batch", 500)
	v.SetDefault("workers.audit_cleanup_every", time.Hour)
	v.SetDefault("workers.audit_retention", 6*365*24*time.Hour)
	v.SetDefault("workers.health_port", 8081)

	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.from", "no-reply@ehr-access.local")

	v.SetDefault("log.level", "info")
}

// LoadConfig reads config.yml from path (or the usual locations when path is
// empty), applies EHR_* environment overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/app/config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.applySecrets(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applySecrets() error {
	var s secrets
	if err := envconfig.Process(EnvPrefix, &s); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	override := func(dst *string, val string) {
		if val != "" {
			*dst = val
		}
	}
	override(&c.Database.Host, s.DatabaseHost)
	override(&c.Database.Password, s.DatabasePassword)
	override(&c.Redis.URL, s.RedisURL)
	override(&c.JWT.Secret, s.JWTSecret)
	override(&c.Encryption.MasterKeys, s.MasterKeys)
	override(&c.Encryption.ActiveKeyID, s.ActiveKeyID)
	override(&c.SMTP.Password, s.SMTPPassword)
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Database.Host == "" || c.Database.Name == "" {
		errs = append(errs, errors.New("database host and name are required"))
	}
	if len(c.JWT.Secret) < 32 {
		errs = append(errs, errors.New("jwt secret must be at least 32 bytes"))
	}
	if c.Encryption.MasterKeys == "" {
		errs = append(errs, fmt.Errorf("%s_MASTER_KEYS is required", EnvPrefix))
	}
	if c.Encryption.ActiveKeyID == "" {
		errs = append(errs, errors.New("encryption.active_key_id is required"))
	}
	if c.Access.GrantTTLDays <= 0 {
		errs = append(errs, errors.New("access.grant_ttl_days must be positive"))
	}
	if c.Access.CodeLength < 6 || c.Access.CodeLength > 32 {
		errs = append(errs, errors.New("access.code_length must be between 6 and 32"))
	}
	if c.Access.CodeAttemptsPerMinute <= 0 {
		errs = append(errs, errors.New("access.code_attempts_per_minute must be positive"))
	}
	if c.Outbox.BatchSize <= 0 {
		errs = append(errs, errors.New("outbox.batch_size must be positive"))
	}
	if c.SMTP.Enabled && c.SMTP.Host == "" {
		errs = append(errs, errors.New("smtp.host is required when smtp is enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Keyring parses the master keys and derives the key-encryption keys.
func (c EncryptionConfig) Keyring() (*security.Keyring, error) {
	masters, err := security.ParseMasterKeys(c.MasterKeys)
	if err != nil {
		return nil, fmt.Errorf("invalid master keys: %w", err)
	}
	return security.NewKeyring(c.ActiveKeyID, masters)
}

// GrantTTL is how long an approved or granted access lasts.
func (c AccessConfig) GrantTTL() time.Duration {
	return time.Duration(c.GrantTTLDays) * 24 * time.Hour
}

func (c OutboxConfig) RetryPolicy() repository.RetryPolicy {
	return repository.RetryPolicy{
		MaxAttempts: c.RetryAttempts,
		Backoff:     c.RetryDelay,
	}
}
