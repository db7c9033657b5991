package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, Defaults(), cfg)

	dsn, err := cfg.StorageDSN()
	require.NoError(t, err)
	require.Equal(t, "memory://", dsn)
}

func TestLoadLayersYAMLEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := writeFile(t, dir, "relaysync.yaml", `
addr: ":9000"
log:
  level: debug
  format: json
storage:
  profile: embedded
  data_dir: /var/lib/relaysync
limits:
  rate_limit_rps: 2.5
stream:
  ping_interval: 15s
retention:
  cron: "*/30 * * * *"
  ttl: 48h
`)
	t.Setenv("RELAYSYNC_ADDR", ":9100")
	t.Setenv("RELAYSYNC_RATE_LIMIT_BURST", "7")

	cfg, err := Load([]string{"-config", path})
	require.NoError(t, err)
	require.Equal(t, ":9100", cfg.Addr, "env overrides yaml")
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "json", cfg.Log.Format)
	require.Equal(t, 2.5, cfg.Limits.RateLimitRPS)
	require.Equal(t, 7, cfg.Limits.RateLimitBurst)
	require.Equal(t, 15*time.Second, cfg.Stream.PingInterval)
	require.Equal(t, "*/30 * * * *", cfg.Retention.Cron)
	require.Equal(t, 48*time.Hour, cfg.Retention.TTL)
	require.Equal(t, 10*time.Second, cfg.ShutdownTimeout, "unset yaml keys keep defaults")
	dsn, err := cfg.StorageDSN()
	require.NoError(t, err)
	require.Equal(t, "pebble:///var/lib/relaysync/pebble", dsn)

	cfg, err = Load([]string{"-config", path, "-addr", ":9200", "-dsn", "memory://"})
	require.NoError(t, err)
	require.Equal(t, ":9200", cfg.Addr, "flags override env")
	dsn, err = cfg.StorageDSN()
	require.NoError(t, err)
	require.Equal(t, "memory://", dsn, "explicit dsn wins over the profile")
}

func TestLoadReadsConfigPathFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := writeFile(t, dir, "custom.yaml", "addr: \":7000\"\n")
	t.Setenv("RELAYSYNC_CONFIG", path)

	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.Addr)
}

func TestLoadDotenv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	writeFile(t, dir, ".env", "RELAYSYNC_LOG_FORMAT=json\nRELAYSYNC_JWT_SECRET=from-dotenv\n")
	t.Cleanup(func() { _ = os.Unsetenv("RELAYSYNC_LOG_FORMAT") })
	t.Setenv("RELAYSYNC_JWT_SECRET", "from-env")

	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, "json", cfg.Log.Format)
	require.Equal(t, "from-env", cfg.Auth.JWTSecret, "process env is not overwritten by dotenv")
}

func TestLoadFileErrors(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	_, err := Load([]string{"-env-file", filepath.Join(dir, "missing.env")})
	require.Error(t, err)

	_, err = Load([]string{"-config", filepath.Join(dir, "missing.yaml")})
	require.ErrorContains(t, err, "read config file")

	bad := writeFile(t, dir, "bad.yaml", "addr: [unterminated\n")
	_, err = Load([]string{"-config", bad})
	require.ErrorContains(t, err, "parse config file")

	_, err = Load([]string{"-no-such-flag"})
	require.Error(t, err)
}

func TestStorageProfiles(t *testing.T) {
	cases := []struct {
		profile, dsn, want string
	}{
		{"memory", "", "memory://"},
		{"inmemory", "", "memory://"},
		{"durable-local", "", "file://data/records.json"},
		{"embedded", "", "pebble://data/pebble"},
		{"production", "postgres://db/relaysync", "postgres://db/relaysync"},
		{"", "", "memory://"},
		{"custom", "", "memory://"},
	}
	for _, tc := range cases {
		cfg := Defaults()
		cfg.Storage.Profile = tc.profile
		cfg.Storage.DataDir = "data"
		cfg.Storage.ProductionDSN = tc.dsn
		got, err := cfg.StorageDSN()
		require.NoError(t, err, tc.profile)
		require.Equal(t, tc.want, got, tc.profile)
	}

	cfg := Defaults()
	cfg.Storage.Profile = "production"
	_, err := cfg.StorageDSN()
	require.ErrorContains(t, err, "RELAYSYNC_PRODUCTION_DSN")

	cfg.Storage.Profile = "cassandra"
	_, err = cfg.StorageDSN()
	require.ErrorContains(t, err, "unsupported storage profile")
}

func TestValidate(t *testing.T) {
	require.NoError(t, Defaults().Validate())

	cfg := Defaults()
	cfg.Retention.Cron = "every tuesday"
	cfg.Retention.TTL = 0
	cfg.Log.Level = "chatty"
	cfg.Log.Format = "xml"
	cfg.Auth.JWTSecret = " "
	cfg.Limits.RateLimitRPS = -1
	err := cfg.Validate()
	require.ErrorContains(t, err, "invalid retention cron expression")
	require.ErrorContains(t, err, "retention ttl must be positive")
	require.ErrorContains(t, err, "unknown log level")
	require.ErrorContains(t, err, "unknown log format")
	require.ErrorContains(t, err, "jwt secret is required")
	require.ErrorContains(t, err, "rate limit rps")

	cfg = Defaults()
	cfg.Retention.Enabled = false
	cfg.Retention.Cron = "not checked"
	require.NoError(t, cfg.Validate())
}

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("RELAYSYNC_TEST_INT", "42")
	if got := intEnv("RELAYSYNC_TEST_INT", 7); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("RELAYSYNC_TEST_INT_BAD", "not-a-number")
	if got := intEnv("RELAYSYNC_TEST_INT_BAD", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("RELAYSYNC_TEST_DURATION", "150ms")
	if got := durationEnv("RELAYSYNC_TEST_DURATION", time.Second); got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("RELAYSYNC_TEST_DURATION_BAD", "soon")
	if got := durationEnv("RELAYSYNC_TEST_DURATION_BAD", 2*time.Second); got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestFloatAndBoolEnv(t *testing.T) {
	t.Setenv("RELAYSYNC_TEST_FLOAT", "0.35")
	t.Setenv("RELAYSYNC_TEST_BOOL", "false")
	t.Setenv("RELAYSYNC_TEST_BOOL_BAD", "maybe")
	if got := floatEnv("RELAYSYNC_TEST_FLOAT", 0.1); got != 0.35 {
		t.Fatalf("expected 0.35, got %f", got)
	}
	if got := boolEnv("RELAYSYNC_TEST_BOOL", true); got {
		t.Fatalf("expected false")
	}
	if got := boolEnv("RELAYSYNC_TEST_BOOL_BAD", true); !got {
		t.Fatalf("expected fallback true")
	}
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("RELAYSYNC_TEST_INT_UNSET")
	_ = os.Unsetenv("RELAYSYNC_TEST_DURATION_UNSET")

	if got := intEnv("RELAYSYNC_TEST_INT_UNSET", 9); got != 9 {
		t.Fatalf("expected fallback 9, got %d", got)
	}
	if got := durationEnv("RELAYSYNC_TEST_DURATION_UNSET", 3*time.Second); got != 3*time.Second {
		t.Fatalf("expected fallback 3s, got %s", got)
	}
	if got := envOrDefault("RELAYSYNC_TEST_STRING_UNSET", "x"); got != "x" {
		t.Fatalf("expected fallback x, got %s", got)
	}
}
