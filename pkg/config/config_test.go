package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bbblb/bbblb/internal/bytesize"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return configPath
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, `
domain: "bbb.example.org"
secret: "`+testSecret+`"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Domain != "bbb.example.org" {
		t.Errorf("Expected domain 'bbb.example.org', got %q", cfg.Domain)
	}
	if cfg.DBURI != "sqlite://bbblb.sqlite3" {
		t.Errorf("Expected default db_uri, got %q", cfg.DBURI)
	}
	if cfg.TenantHeader != "X-Tenant-Realm" {
		t.Errorf("Expected default tenant_header 'X-Tenant-Realm', got %q", cfg.TenantHeader)
	}
	if cfg.Listen != ":8080" {
		t.Errorf("Expected default listen ':8080', got %q", cfg.Listen)
	}
	if cfg.MaxBody != 1*bytesize.MiB {
		t.Errorf("Expected default max_body 1MiB, got %d", cfg.MaxBody)
	}
	if cfg.MaxItems != 100 {
		t.Errorf("Expected default max_items 100, got %d", cfg.MaxItems)
	}
	if cfg.PollInterval.Std() != 30*time.Second {
		t.Errorf("Expected default poll_interval 30s, got %v", cfg.PollInterval)
	}
	if cfg.LoadCooldown.Std() != 15*time.Minute {
		t.Errorf("Expected default load_cooldown 15m, got %v", cfg.LoadCooldown)
	}
	if cfg.LoadFactorInitial != 10.0 {
		t.Errorf("Expected default loadfactor_initial 10.0, got %v", cfg.LoadFactorInitial)
	}
	if cfg.RecordingPath != "" {
		t.Errorf("Expected recording import disabled by default, got %q", cfg.RecordingPath)
	}
	if cfg.Telemetry.Enabled || cfg.Profiling.Enabled {
		t.Error("Expected telemetry and profiling disabled by default")
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	// Environment-only deployments carry no config file at all.
	_ = os.Setenv("BBBLB_DOMAIN", "bbb.example.org")
	_ = os.Setenv("BBBLB_SECRET", testSecret)
	defer func() {
		_ = os.Unsetenv("BBBLB_DOMAIN")
		_ = os.Unsetenv("BBBLB_SECRET")
	}()

	tmpDir := t.TempDir()
	cfg, err := Load(filepath.Join(tmpDir, "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Expected env-only load to succeed, got: %v", err)
	}

	if cfg.Domain != "bbb.example.org" {
		t.Errorf("Expected domain from env, got %q", cfg.Domain)
	}
	if cfg.MaxItems != 100 {
		t.Errorf("Expected default max_items 100, got %d", cfg.MaxItems)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, `
domain: bbb.example.org
  invalid yaml here [[[
`)

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected error with invalid YAML, got nil")
	}
}

func TestLoad_UnknownKey(t *testing.T) {
	configPath := writeConfig(t, `
domain: "bbb.example.org"
secret: "`+testSecret+`"
pol_interval: 60
`)

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected misspelled key to be rejected, got nil")
	}
}

func TestLoad_TOML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	configContent := `
domain = "bbb.example.org"
secret = "` + testSecret + `"
max_items = 50

[telemetry]
enabled = true
endpoint = "otel:4317"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load TOML config: %v", err)
	}

	if cfg.MaxItems != 50 {
		t.Errorf("Expected max_items 50, got %d", cfg.MaxItems)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Endpoint != "otel:4317" {
		t.Errorf("Expected telemetry from TOML, got %+v", cfg.Telemetry)
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	_ = os.Setenv("BBBLB_MAX_ITEMS", "25")
	_ = os.Setenv("BBBLB_POLL_INTERVAL", "45s")
	_ = os.Setenv("BBBLB_TELEMETRY_ENDPOINT", "collector:4317")
	defer func() {
		_ = os.Unsetenv("BBBLB_MAX_ITEMS")
		_ = os.Unsetenv("BBBLB_POLL_INTERVAL")
		_ = os.Unsetenv("BBBLB_TELEMETRY_ENDPOINT")
	}()

	configPath := writeConfig(t, `
domain: "bbb.example.org"
secret: "`+testSecret+`"
max_items: 100
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// Environment variables override config file values.
	if cfg.MaxItems != 25 {
		t.Errorf("Expected max_items 25 from env var, got %d", cfg.MaxItems)
	}
	if cfg.PollInterval.Std() != 45*time.Second {
		t.Errorf("Expected poll_interval 45s from env var, got %v", cfg.PollInterval)
	}
	if cfg.Telemetry.Endpoint != "collector:4317" {
		t.Errorf("Expected telemetry endpoint from env var, got %q", cfg.Telemetry.Endpoint)
	}
}

func TestLoad_ByteSizes(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  bytesize.ByteSize
	}{
		{"binary unit", `"2Mi"`, 2 * bytesize.MiB},
		{"decimal unit", `"1MB"`, 1 * bytesize.MB},
		{"plain number", "4096", 4096},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, `
domain: "bbb.example.org"
secret: "`+testSecret+`"
max_body: `+tt.value+`
`)
			cfg, err := Load(configPath)
			if err != nil {
				t.Fatalf("Failed to load config: %v", err)
			}
			if cfg.MaxBody != tt.want {
				t.Errorf("max_body %s = %d, want %d", tt.value, cfg.MaxBody, tt.want)
			}
		})
	}
}

func TestLoad_Durations(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"duration string", `"1m30s"`, 90 * time.Second},
		// Bare numbers are seconds, for compatibility with numeric
		// environment files.
		{"bare number", "45", 45 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, `
domain: "bbb.example.org"
secret: "`+testSecret+`"
poll_interval: `+tt.value+`
`)
			cfg, err := Load(configPath)
			if err != nil {
				t.Fatalf("Failed to load config: %v", err)
			}
			if cfg.PollInterval.Std() != tt.want {
				t.Errorf("poll_interval %s = %v, want %v", tt.value, cfg.PollInterval, tt.want)
			}
		})
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	configPath := writeConfig(t, `
domain: "bbb.example.org"
secret: "too-short"
`)

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected validation error for short secret, got nil")
	}
}

func TestMustLoad_MissingExplicitFile(t *testing.T) {
	tmpDir := t.TempDir()

	_, err := MustLoad(filepath.Join(tmpDir, "missing.yaml"))
	if err == nil {
		t.Fatal("Expected error for missing explicit config file")
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "sub", "config.yaml")

	cfg := GetDefaultConfig()
	cfg.Domain = "bbb.example.org"
	cfg.Secret = testSecret
	cfg.MaxItems = 42

	if err := SaveConfig(cfg, configPath); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	info, err := os.Stat(configPath)
	if err != nil {
		t.Fatalf("Saved config missing: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Expected mode 0600 on saved config, got %v", info.Mode().Perm())
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to reload saved config: %v", err)
	}
	if loaded.Domain != cfg.Domain || loaded.Secret != cfg.Secret || loaded.MaxItems != 42 {
		t.Errorf("Round trip mismatch: %+v", loaded)
	}
	// Durations and byte sizes survive the YAML round trip as strings.
	if loaded.PollInterval != cfg.PollInterval {
		t.Errorf("poll_interval round trip = %v, want %v", loaded.PollInterval, cfg.PollInterval)
	}
	if loaded.MaxBody != cfg.MaxBody {
		t.Errorf("max_body round trip = %v, want %v", loaded.MaxBody, cfg.MaxBody)
	}
}

func TestGetDefaultConfigPath(t *testing.T) {
	path := GetDefaultConfigPath()

	if !filepath.IsAbs(path) {
		t.Errorf("Expected absolute path, got %q", path)
	}
	if filepath.Base(path) != "config.yaml" {
		t.Errorf("Expected filename 'config.yaml', got %q", filepath.Base(path))
	}
}

func TestGetConfigDir(t *testing.T) {
	dir := GetConfigDir()

	if filepath.Base(dir) != "bbblb" {
		t.Errorf("Expected directory name 'bbblb', got %q", filepath.Base(dir))
	}
}

func TestSchema(t *testing.T) {
	data, err := Schema()
	if err != nil {
		t.Fatalf("Failed to build schema: %v", err)
	}

	schema := string(data)
	for _, key := range []string{"db_uri", "tenant_header", "loadfactor_initial", "telemetry"} {
		if !strings.Contains(schema, key) {
			t.Errorf("Expected schema to mention %q", key)
		}
	}
}
