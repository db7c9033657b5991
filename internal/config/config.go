// Package config resolves relaysync server settings. Sources are applied in
// order, later ones winning: defaults, a .env file, a YAML file, RELAYSYNC_*
// environment variables, then command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/agentworkforce/relaysync/internal/logging"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "RELAYSYNC_"

type Config struct {
	Addr            string          `yaml:"addr"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	Log             LogConfig       `yaml:"log"`
	Storage         StorageConfig   `yaml:"storage"`
	Auth            AuthConfig      `yaml:"auth"`
	Limits          LimitsConfig    `yaml:"limits"`
	Stream          StreamConfig    `yaml:"stream"`
	Retention       RetentionConfig `yaml:"retention"`

	// SchemaValidation rejects writes whose payload fails the built-in
	// per-kind schema.
	SchemaValidation bool `yaml:"schema_validation"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StorageConfig struct {
	Profile       string `yaml:"profile"`
	DSN           string `yaml:"dsn"`
	DataDir       string `yaml:"data_dir"`
	ProductionDSN string `yaml:"production_dsn"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Audience  string `yaml:"audience"`
}

type LimitsConfig struct {
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
	MaxBodyBytes   int64   `yaml:"max_body_bytes"`
}

type StreamConfig struct {
	PingInterval     time.Duration `yaml:"ping_interval"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	SubscriberBuffer int           `yaml:"subscriber_buffer"`
}

type RetentionConfig struct {
	Enabled bool          `yaml:"enabled"`
	Cron    string        `yaml:"cron"`
	TTL     time.Duration `yaml:"ttl"`
}

func Defaults() Config {
	return Config{
		Addr:             ":8080",
		ShutdownTimeout:  10 * time.Second,
		Log:              LogConfig{Level: "info", Format: "text"},
		Storage:          StorageConfig{Profile: "memory", DataDir: ".relaysync"},
		Auth:             AuthConfig{JWTSecret: "dev-secret", Audience: "relaysync"},
		Limits:           LimitsConfig{MaxBodyBytes: 1 << 20},
		Stream:           StreamConfig{PingInterval: 30 * time.Second, WriteTimeout: 10 * time.Second},
		Retention:        RetentionConfig{Enabled: true, Cron: "0 3 * * *", TTL: 7 * 24 * time.Hour},
		SchemaValidation: true,
	}
}

// Load resolves the configuration for the given command-line arguments.
// The YAML file comes from -config or RELAYSYNC_CONFIG and the dotenv file
// from -env-file (default .env); a missing default .env is not an error.
func Load(args []string) (Config, error) {
	flags := flag.NewFlagSet("relaysync", flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	configPath := flags.String("config", "", "YAML config file")
	envFile := flags.String("env-file", "", "dotenv file (default .env)")
	addr := flags.String("addr", "", "listen address")
	logLevel := flags.String("log-level", "", "debug, info, warn or error")
	logFormat := flags.String("log-format", "", "text or json")
	profile := flags.String("profile", "", "storage profile: memory, durable-local, embedded, production or custom")
	dsn := flags.String("dsn", "", "storage backend DSN, overrides the profile")
	dataDir := flags.String("data-dir", "", "data directory for local profiles")
	jwtSecret := flags.String("jwt-secret", "", "HS256 secret for bearer tokens")
	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}

	explicitEnv := *envFile != ""
	if !explicitEnv {
		*envFile = ".env"
	}
	if err := godotenv.Load(*envFile); err != nil {
		if explicitEnv || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", *envFile, err)
		}
	}

	cfg := Defaults()
	path := *configPath
	if path == "" {
		path = strings.TrimSpace(os.Getenv(envPrefix + "CONFIG"))
	}
	if path != "" {
		if err := cfg.mergeYAMLFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()

	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = *addr
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-format":
			cfg.Log.Format = *logFormat
		case "profile":
			cfg.Storage.Profile = *profile
		case "dsn":
			cfg.Storage.DSN = *dsn
		case "data-dir":
			cfg.Storage.DataDir = *dataDir
		case "jwt-secret":
			cfg.Auth.JWTSecret = *jwtSecret
		}
	})
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeYAMLFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Addr = envOrDefault(envPrefix+"ADDR", c.Addr)
	c.ShutdownTimeout = durationEnv(envPrefix+"SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
	c.Log.Level = envOrDefault(envPrefix+"LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOrDefault(envPrefix+"LOG_FORMAT", c.Log.Format)
	c.Storage.Profile = envOrDefault(envPrefix+"BACKEND_PROFILE", c.Storage.Profile)
	c.Storage.DSN = envOrDefault(envPrefix+"BACKEND_DSN", c.Storage.DSN)
	c.Storage.DataDir = envOrDefault(envPrefix+"DATA_DIR", c.Storage.DataDir)
	c.Storage.ProductionDSN = envOrDefault(envPrefix+"PRODUCTION_DSN", c.Storage.ProductionDSN)
	if c.Storage.ProductionDSN == "" {
		c.Storage.ProductionDSN = envOrDefault(envPrefix+"POSTGRES_DSN", "")
	}
	c.Auth.JWTSecret = envOrDefault(envPrefix+"JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.Audience = envOrDefault(envPrefix+"JWT_AUDIENCE", c.Auth.Audience)
	c.Limits.RateLimitRPS = floatEnv(envPrefix+"RATE_LIMIT_RPS", c.Limits.RateLimitRPS)
	c.Limits.RateLimitBurst = intEnv(envPrefix+"RATE_LIMIT_BURST", c.Limits.RateLimitBurst)
	c.Limits.MaxBodyBytes = int64Env(envPrefix+"MAX_BODY_BYTES", c.Limits.MaxBodyBytes)
	c.Stream.PingInterval = durationEnv(envPrefix+"PING_INTERVAL", c.Stream.PingInterval)
	c.Stream.WriteTimeout = durationEnv(envPrefix+"WRITE_TIMEOUT", c.Stream.WriteTimeout)
	c.Stream.SubscriberBuffer = intEnv(envPrefix+"SUBSCRIBER_BUFFER", c.Stream.SubscriberBuffer)
	c.Retention.Enabled = boolEnv(envPrefix+"RETENTION_ENABLED", c.Retention.Enabled)
	c.Retention.Cron = envOrDefault(envPrefix+"RETENTION_CRON", c.Retention.Cron)
	c.Retention.TTL = durationEnv(envPrefix+"RETENTION_TTL", c.Retention.TTL)
	c.SchemaValidation = boolEnv(envPrefix+"SCHEMA_VALIDATION", c.SchemaValidation)
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Format)) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	if _, err := c.StorageDSN(); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, errors.New("jwt secret is required"))
	}
	if c.Limits.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("rate limit rps must not be negative, got %v", c.Limits.RateLimitRPS))
	}
	if c.Retention.Enabled {
		if !gronx.IsValid(c.Retention.Cron) {
			errs = append(errs, fmt.Errorf("invalid retention cron expression: %s", c.Retention.Cron))
		}
		if c.Retention.TTL <= 0 {
			errs = append(errs, fmt.Errorf("retention ttl must be positive, got %s", c.Retention.TTL))
		}
	}
	return errors.Join(errs...)
}

// StorageDSN is the backend DSN: an explicit DSN wins over the profile.
func (c Config) StorageDSN() (string, error) {
	if dsn := strings.TrimSpace(c.Storage.DSN); dsn != "" {
		return dsn, nil
	}
	dsn, err := storageProfileDefaults(c.Storage.Profile, c.Storage.DataDir, c.Storage.ProductionDSN)
	if err != nil {
		return "", err
	}
	if dsn == "" {
		return "memory://", nil
	}
	return dsn, nil
}

func storageProfileDefaults(profile, dataDir, productionDSN string) (string, error) {
	profile = strings.ToLower(strings.TrimSpace(profile))
	dataDir = strings.TrimSpace(dataDir)
	if dataDir == "" {
		dataDir = ".relaysync"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "records.json"), nil
	case "embedded", "pebble":
		return "pebble://" + filepath.Join(dataDir, "pebble"), nil
	case "production", "prod":
		productionDSN = strings.TrimSpace(productionDSN)
		if productionDSN == "" {
			return "", fmt.Errorf("%sPRODUCTION_DSN or %sPOSTGRES_DSN is required for storage profile %s", envPrefix, envPrefix, profile)
		}
		return productionDSN, nil
	default:
		return "", fmt.Errorf("unsupported storage profile: %s", profile)
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer setting, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("invalid integer setting, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("invalid number setting, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("invalid boolean setting, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration setting, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}
