package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"invoicewatch/internal/tracker"
)

// EnvPrefix is prepended to every environment override, e.g.
// INVOICEWATCH_TRACKER_POLL_INTERVAL=10s.
const EnvPrefix = "INVOICEWATCH"

// Config is the complete runtime configuration.
type Config struct {
	Addr             string        `mapstructure:"addr"`
	DBPath           string        `mapstructure:"db"`
	Dev              bool          `mapstructure:"dev"`
	CORSOrigins      []string      `mapstructure:"cors_origins"`
	MaxPendingPerIP  int           `mapstructure:"max_pending_per_ip"`
	JournalRetention time.Duration `mapstructure:"journal_retention"`

	Alby    AlbyConfig    `mapstructure:"alby"`
	Rates   RatesConfig   `mapstructure:"rates"`
	Tracker TrackerConfig `mapstructure:"tracker"`
	Reports ReportsConfig `mapstructure:"reports"`
}

type AlbyConfig struct {
	Token         string        `mapstructure:"token"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	BaseURL       string        `mapstructure:"base_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type RatesConfig struct {
	AlbyURL       string        `mapstructure:"alby_url"`
	CoinGeckoURL  string        `mapstructure:"coingecko_url"`
	TTL           time.Duration `mapstructure:"ttl"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
}

type TrackerConfig struct {
	PollInterval          time.Duration `mapstructure:"poll_interval"`
	FetchWindow           int           `mapstructure:"fetch_window"`
	FetchTimeout          time.Duration `mapstructure:"fetch_timeout"`
	FinalScanWindow       int           `mapstructure:"final_scan_window"`
	SettleTimeout         time.Duration `mapstructure:"settle_timeout"`
	SmallAmountThreshold  int64         `mapstructure:"small_amount_threshold"`
	DefaultExpiry         time.Duration `mapstructure:"default_expiry"`
	Retention             time.Duration `mapstructure:"retention"`
	SweepInterval         time.Duration `mapstructure:"sweep_interval"`
	DisableDefectFallback bool          `mapstructure:"disable_defect_fallback"`
}

type ReportsConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Retention time.Duration `mapstructure:"retention"`
	Dir       string        `mapstructure:"dir"`
	B2        B2Config      `mapstructure:"b2"`
}

type B2Config struct {
	KeyID     string `mapstructure:"key_id"`
	AppKey    string `mapstructure:"app_key"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	PublicURL string `mapstructure:"public_url"`
	Endpoint  string `mapstructure:"endpoint"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	tc := tracker.DefaultConfig()
	return &Config{
		Addr:             ":8080",
		DBPath:           "invoicewatch.db",
		CORSOrigins:      []string{"http://localhost:3000"},
		MaxPendingPerIP:  10,
		JournalRetention: 90 * 24 * time.Hour,
		Alby: AlbyConfig{
			BaseURL: "https://api.getalby.com",
			Timeout: 30 * time.Second,
		},
		Rates: RatesConfig{
			AlbyURL:      "https://getalby.com/api/rates",
			CoinGeckoURL: "https://api.coingecko.com/api/v3",
			TTL:          5 * time.Minute,
			Timeout:      10 * time.Second,
		},
		Tracker: TrackerConfig{
			PollInterval:         tc.PollInterval,
			FetchWindow:          tc.FetchWindow,
			FetchTimeout:         tc.FetchTimeout,
			FinalScanWindow:      tc.FinalScanWindow,
			SettleTimeout:        tc.SettleTimeout,
			SmallAmountThreshold: tc.SmallAmountThreshold,
			DefaultExpiry:        tc.DefaultExpiry,
			Retention:            tc.Retention,
			SweepInterval:        tc.SweepInterval,
		},
		Reports: ReportsConfig{
			Interval:  time.Hour,
			Retention: 30 * 24 * time.Hour,
			Dir:       "./reports",
		},
	}
}

// legacyEnv maps keys to the unprefixed variable names older deployments use.
var legacyEnv = map[string]string{
	"alby.token":            "ALBY_TOKEN",
	"alby.webhook_secret":   "ALBY_WEBHOOK_SECRET",
	"rates.redis_addr":      "REDIS_ADDR",
	"reports.b2.key_id":     "B2_KEY_ID",
	"reports.b2.app_key":    "B2_APP_KEY",
	"reports.b2.bucket":     "B2_BUCKET",
	"reports.b2.prefix":     "B2_PREFIX",
	"reports.b2.public_url": "B2_PUBLIC_URL",
}

// LoadDotEnv loads variables from the given .env files (".env" when none
// are given) without overriding ones already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load builds the configuration from defaults, the optional YAML file at
// path, and environment variables, in increasing order of precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		envKey := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.CORSOrigins = splitOrigins(cfg.CORSOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("addr", d.Addr)
	v.SetDefault("db", d.DBPath)
	v.SetDefault("dev", d.Dev)
	v.SetDefault("cors_origins", d.CORSOrigins)
	v.SetDefault("max_pending_per_ip", d.MaxPendingPerIP)
	v.SetDefault("journal_retention", d.JournalRetention)

	v.SetDefault("alby.token", d.Alby.Token)
	v.SetDefault("alby.webhook_secret", d.Alby.WebhookSecret)
	v.SetDefault("alby.base_url", d.Alby.BaseURL)
	v.SetDefault("alby.timeout", d.Alby.Timeout)

	v.SetDefault("rates.alby_url", d.Rates.AlbyURL)
	v.SetDefault("rates.coingecko_url", d.Rates.CoinGeckoURL)
	v.SetDefault("rates.ttl", d.Rates.TTL)
	v.SetDefault("rates.timeout", d.Rates.Timeout)
	v.SetDefault("rates.redis_addr", d.Rates.RedisAddr)
	v.SetDefault("rates.redis_password", d.Rates.RedisPassword)
	v.SetDefault("rates.redis_db", d.Rates.RedisDB)

	v.SetDefault("tracker.poll_interval", d.Tracker.PollInterval)
	v.SetDefault("tracker.fetch_window", d.Tracker.FetchWindow)
	v.SetDefault("tracker.fetch_timeout", d.Tracker.FetchTimeout)
	v.SetDefault("tracker.final_scan_window", d.Tracker.FinalScanWindow)
	v.SetDefault("tracker.settle_timeout", d.Tracker.SettleTimeout)
	v.SetDefault("tracker.small_amount_threshold", d.Tracker.SmallAmountThreshold)
	v.SetDefault("tracker.default_expiry", d.Tracker.DefaultExpiry)
	v.SetDefault("tracker.retention", d.Tracker.Retention)
	v.SetDefault("tracker.sweep_interval", d.Tracker.SweepInterval)
	v.SetDefault("tracker.disable_defect_fallback", d.Tracker.DisableDefectFallback)

	v.SetDefault("reports.interval", d.Reports.Interval)
	v.SetDefault("reports.retention", d.Reports.Retention)
	v.SetDefault("reports.dir", d.Reports.Dir)
	v.SetDefault("reports.b2.key_id", d.Reports.B2.KeyID)
	v.SetDefault("reports.b2.app_key", d.Reports.B2.AppKey)
	v.SetDefault("reports.b2.bucket", d.Reports.B2.Bucket)
	v.SetDefault("reports.b2.prefix", d.Reports.B2.Prefix)
	v.SetDefault("reports.b2.public_url", d.Reports.B2.PublicURL)
	v.SetDefault("reports.b2.endpoint", d.Reports.B2.Endpoint)
}

// splitOrigins accepts both a list and a single comma-separated value.
func splitOrigins(in []string) []string {
	var out []string
	for _, item := range in {
		for _, o := range strings.Split(item, ",") {
			if o = strings.TrimSpace(o); o != "" {
				out = append(out, o)
			}
		}
	}
	return out
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db is required")
	}
	if c.MaxPendingPerIP < 0 {
		return fmt.Errorf("max_pending_per_ip must not be negative")
	}
	if c.Alby.WebhookSecret != "" && c.Alby.Token == "" {
		return fmt.Errorf("alby.webhook_secret is set but alby.token is missing")
	}
	if c.Rates.RedisDB < 0 {
		return fmt.Errorf("rates.redis_db must not be negative")
	}

	t := c.Tracker
	for name, d := range map[string]time.Duration{
		"tracker.poll_interval":  t.PollInterval,
		"tracker.fetch_timeout":  t.FetchTimeout,
		"tracker.settle_timeout": t.SettleTimeout,
		"tracker.default_expiry": t.DefaultExpiry,
		"tracker.retention":      t.Retention,
		"tracker.sweep_interval": t.SweepInterval,
		"reports.interval":       c.Reports.Interval,
		"reports.retention":      c.Reports.Retention,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if t.FetchWindow <= 0 {
		return fmt.Errorf("tracker.fetch_window must be positive")
	}
	if t.FinalScanWindow < t.FetchWindow {
		return fmt.Errorf("tracker.final_scan_window must be >= tracker.fetch_window")
	}
	if t.Retention < t.DefaultExpiry {
		return fmt.Errorf("tracker.retention must be >= tracker.default_expiry")
	}

	b2 := c.Reports.B2
	if b2.Bucket != "" && (b2.KeyID == "" || b2.AppKey == "") {
		return fmt.Errorf("reports.b2 configuration incomplete")
	}
	return nil
}

// TrackerConfig converts the tracker section into tracker.Config.
func (c *Config) TrackerConfig() tracker.Config {
	tc := tracker.DefaultConfig()
	tc.PollInterval = c.Tracker.PollInterval
	tc.FetchWindow = c.Tracker.FetchWindow
	tc.FetchTimeout = c.Tracker.FetchTimeout
	tc.FinalScanWindow = c.Tracker.FinalScanWindow
	tc.SettleTimeout = c.Tracker.SettleTimeout
	tc.SmallAmountThreshold = c.Tracker.SmallAmountThreshold
	tc.DefaultExpiry = c.Tracker.DefaultExpiry
	tc.Retention = c.Tracker.Retention
	tc.SweepInterval = c.Tracker.SweepInterval
	tc.Matcher.DisableDefectFallback = c.Tracker.DisableDefectFallback
	return tc
}
