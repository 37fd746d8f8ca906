package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config is invalid: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("INVOICEWATCH_ADDR", ":9090")
	t.Setenv("INVOICEWATCH_TRACKER_POLL_INTERVAL", "10s")
	t.Setenv("INVOICEWATCH_TRACKER_SMALL_AMOUNT_THRESHOLD", "5000")
	t.Setenv("INVOICEWATCH_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("ALBY_TOKEN", "legacy-token")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9090" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.Tracker.PollInterval != 10*time.Second {
		t.Errorf("PollInterval = %s", cfg.Tracker.PollInterval)
	}
	if cfg.Tracker.SmallAmountThreshold != 5000 {
		t.Errorf("SmallAmountThreshold = %d", cfg.Tracker.SmallAmountThreshold)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if cfg.Alby.Token != "legacy-token" {
		t.Errorf("expected legacy ALBY_TOKEN to be picked up, got %q", cfg.Alby.Token)
	}

	tc := cfg.TrackerConfig()
	if tc.PollInterval != 10*time.Second || tc.SmallAmountThreshold != 5000 {
		t.Errorf("unexpected tracker config: %+v", tc)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invoicewatch.yaml")
	yaml := `
addr: ":7070"
db: /var/lib/invoicewatch/journal.db
tracker:
  settle_timeout: 5m
  disable_defect_fallback: true
reports:
  dir: /tmp/review
  retention: 168h
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("INVOICEWATCH_DB", "/override.db")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":7070" || cfg.Reports.Dir != "/tmp/review" || cfg.Reports.Retention != 7*24*time.Hour {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.DBPath != "/override.db" {
		t.Errorf("env should win over the file, got %q", cfg.DBPath)
	}
	if cfg.Tracker.SettleTimeout != 5*time.Minute || !cfg.Tracker.DisableDefectFallback {
		t.Errorf("unexpected tracker section: %+v", cfg.Tracker)
	}
	if cfg.Tracker.FetchWindow != 50 {
		t.Errorf("unset keys should keep defaults, FetchWindow = %d", cfg.Tracker.FetchWindow)
	}
	if !cfg.TrackerConfig().Matcher.DisableDefectFallback {
		t.Error("DisableDefectFallback not carried into the matcher config")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty addr", func(c *Config) { c.Addr = "" }, "addr"},
		{"empty db", func(c *Config) { c.DBPath = "" }, "db"},
		{"negative pending limit", func(c *Config) { c.MaxPendingPerIP = -1 }, "max_pending_per_ip"},
		{"secret without token", func(c *Config) { c.Alby.WebhookSecret = "whsec_x" }, "alby.token"},
		{"zero poll interval", func(c *Config) { c.Tracker.PollInterval = 0 }, "tracker.poll_interval"},
		{"zero fetch window", func(c *Config) { c.Tracker.FetchWindow = 0 }, "tracker.fetch_window"},
		{"final scan smaller than fetch", func(c *Config) { c.Tracker.FinalScanWindow = 10 }, "final_scan_window"},
		{"retention shorter than expiry", func(c *Config) { c.Tracker.Retention = time.Minute }, "tracker.retention"},
		{"zero report retention", func(c *Config) { c.Reports.Retention = 0 }, "reports.retention"},
		{"incomplete b2", func(c *Config) { c.Reports.B2.Bucket = "reports" }, "reports.b2"},
		{"negative redis db", func(c *Config) { c.Rates.RedisDB = -1 }, "redis_db"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("INVOICEWATCH_TEST_DOTENV=from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("INVOICEWATCH_TEST_DOTENV", "")
	os.Unsetenv("INVOICEWATCH_TEST_DOTENV")

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("INVOICEWATCH_TEST_DOTENV"); got != "from-file" {
		t.Errorf("expected value from .env, got %q", got)
	}
}
