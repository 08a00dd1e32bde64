package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
server:
  host: "0.0.0.0"
  port: 9090
hot:
  endpoint: "redis:6379"
database:
  host: "db"
  port: 5432
  dbname: "slopestream"
jwt:
  secret: "from-yaml"
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsForOmittedSections(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Throttle.PingThrottleMs != 1000 {
		t.Errorf("Throttle.PingThrottleMs = %d, want default 1000", cfg.Throttle.PingThrottleMs)
	}
	if cfg.Chat.CacheSize != 50 {
		t.Errorf("Chat.CacheSize = %d, want default 50", cfg.Chat.CacheSize)
	}
	if cfg.Timeouts.WarmTimeoutMs != 5000 {
		t.Errorf("Timeouts.WarmTimeoutMs = %d, want default 5000", cfg.Timeouts.WarmTimeoutMs)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error loading a nonexistent config file")
	}
}

func TestEnvOverridesTakePrecedenceOverYAML(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)

	t.Setenv("SLOPESTREAM_JWT_SECRET", "from-env")
	t.Setenv("SLOPESTREAM_PING_THROTTLE_MS", "2500")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.JWT.Secret != "from-env" {
		t.Errorf("JWT.Secret = %q, want env override", cfg.JWT.Secret)
	}
	if cfg.Throttle.PingThrottleMs != 2500 {
		t.Errorf("Throttle.PingThrottleMs = %d, want env override 2500", cfg.Throttle.PingThrottleMs)
	}
}

func TestDSNFormat(t *testing.T) {
	db := DatabaseConfig{Host: "h", Port: 5432, User: "u", Password: "p", DBName: "d", SSLMode: "disable"}
	want := "host=h port=5432 user=u password=p dbname=d sslmode=disable"
	if got := db.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}
