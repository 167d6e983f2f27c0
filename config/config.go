package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// TierConfig is one row of the anomaly threshold table.
type TierConfig struct {
	Name             string  `yaml:"name"`
	MinPrice         float64 `yaml:"min_price"`
	MaxChangePercent float64 `yaml:"max_change_percent"`
}

// Config holds updater configuration.
type Config struct {
	DBDriver string `yaml:"db_driver"` // sqlite3 or pgx
	DSN      string `yaml:"dsn"`

	MarketplaceBaseURL string        `yaml:"marketplace_base_url"`
	AllowedDomains     []string      `yaml:"allowed_domains"`
	UserAgent          string        `yaml:"user_agent"`
	Timeout            time.Duration `yaml:"timeout"`
	MaxRetries         int           `yaml:"max_retries"`
	RetryBackoff       time.Duration `yaml:"retry_backoff"`
	RetryBackoffMax    time.Duration `yaml:"retry_backoff_max"`

	Workers         int           `yaml:"workers"`
	Delay           time.Duration `yaml:"delay"`
	RandomDelay     time.Duration `yaml:"random_delay"`
	FreshnessWindow time.Duration `yaml:"freshness_window"`
	MaxAttempts     int           `yaml:"max_attempts"`
	RunLockTTL      time.Duration `yaml:"run_lock_ttl"`
	CacheSize       int           `yaml:"cache_size"`

	Tiers             []TierConfig `yaml:"tiers"`
	MaxPlausiblePrice float64      `yaml:"max_plausible_price"`
	MinPlausiblePrice float64      `yaml:"min_plausible_price"`

	Schedule       string  `yaml:"schedule"`
	Timezone       string  `yaml:"timezone"`
	ListenAddr     string  `yaml:"listen_addr"`
	ReportDir      string  `yaml:"report_dir"`
	OutputFormat   string  `yaml:"output_format"` // csv, json, dual or none
	MinSuccessRate float64 `yaml:"min_success_rate"`
	Verbose        bool    `yaml:"verbose"`

	Location *time.Location `yaml:"-"`
}

// DefaultTiers mirrors the thresholds used for book-priced items: cheap
// items tolerate larger relative swings.
func DefaultTiers() []TierConfig {
	return []TierConfig{
		{Name: "high_value", MinPrice: 50, MaxChangePercent: 15},
		{Name: "medium_value", MinPrice: 20, MaxChangePercent: 25},
		{Name: "low_value", MinPrice: 10, MaxChangePercent: 35},
		{Name: "micro_value", MinPrice: 0, MaxChangePercent: 50},
	}
}

// DefaultConfig returns conservative defaults for a daily run.
func DefaultConfig() *Config {
	return &Config{
		DBDriver:           "sqlite3",
		DSN:                "price_updater.db",
		MarketplaceBaseURL: "https://www.amazon.com",
		AllowedDomains:     []string{"www.amazon.com", "amazon.com"},
		UserAgent:          "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		Timeout:            15 * time.Second,
		MaxRetries:         1,
		RetryBackoff:       500 * time.Millisecond,
		RetryBackoffMax:    2 * time.Second,
		Workers:            1,
		Delay:              2 * time.Second,
		RandomDelay:        2 * time.Second,
		FreshnessWindow:    23 * time.Hour,
		MaxAttempts:        5,
		RunLockTTL:         2 * time.Hour,
		CacheSize:          1024,
		Tiers:              DefaultTiers(),
		MaxPlausiblePrice:  1000,
		MinPlausiblePrice:  1,
		Schedule:           "0 1 * * *",
		Timezone:           "Local",
		ListenAddr:         ":8080",
		ReportDir:          "reports",
		OutputFormat:       "json",
		MinSuccessRate:     80,
		Location:           time.Local,
	}
}

// Load reads the YAML file at path (missing files are ignored) on top of
// the defaults, then applies PRICE_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.resolveLocation(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v, ok := EnvString("PRICE_DB_DRIVER"); ok {
		c.DBDriver = v
	}
	if v, ok := EnvString("PRICE_DSN"); ok {
		c.DSN = v
	}
	if v, ok := EnvString("PRICE_MARKETPLACE_URL"); ok {
		c.MarketplaceBaseURL = v
	}
	if v, ok := EnvString("PRICE_ALLOWED_DOMAINS"); ok {
		c.AllowedDomains = splitList(v)
	}
	if v, ok := EnvString("PRICE_SCHEDULE"); ok {
		c.Schedule = v
	}
	if v, ok := EnvString("PRICE_TIMEZONE"); ok {
		c.Timezone = v
	}
	if v, ok := EnvString("PRICE_LISTEN_ADDR"); ok {
		c.ListenAddr = v
	}
	if v, ok := EnvString("PRICE_REPORT_DIR"); ok {
		c.ReportDir = v
	}
	ints := map[string]*int{
		"PRICE_WORKERS":      &c.Workers,
		"PRICE_MAX_ATTEMPTS": &c.MaxAttempts,
		"PRICE_MAX_RETRIES":  &c.MaxRetries,
	}
	for key, field := range ints {
		v, ok, err := EnvInt(key)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		if ok {
			*field = v
		}
	}
	durations := map[string]*time.Duration{
		"PRICE_TIMEOUT":          &c.Timeout,
		"PRICE_DELAY":            &c.Delay,
		"PRICE_RANDOM_DELAY":     &c.RandomDelay,
		"PRICE_FRESHNESS_WINDOW": &c.FreshnessWindow,
	}
	for key, field := range durations {
		v, ok := EnvString(key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*field = d
	}
	return nil
}

func (c *Config) resolveLocation() error {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "Local") {
		c.Location = time.Local
		return nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	c.Location = loc
	return nil
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.DBDriver != "sqlite3" && c.DBDriver != "pgx" {
		return fmt.Errorf("db driver must be sqlite3 or pgx")
	}
	if c.DSN == "" {
		return fmt.Errorf("dsn cannot be empty")
	}

	if c.MarketplaceBaseURL == "" {
		return fmt.Errorf("marketplace base URL cannot be empty")
	}
	parsedURL, err := url.Parse(c.MarketplaceBaseURL)
	if err != nil {
		return fmt.Errorf("invalid marketplace base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("marketplace base URL must include a host")
	}
	if len(c.AllowedDomains) == 0 {
		return fmt.Errorf("allowed domains cannot be empty")
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.RandomDelay < 0 {
		return fmt.Errorf("random delay cannot be negative")
	}
	if c.FreshnessWindow <= 0 {
		return fmt.Errorf("freshness window must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	if c.RunLockTTL <= 0 {
		return fmt.Errorf("run lock ttl must be positive")
	}
	if c.CacheSize <= 0 {
		return fmt.Errorf("cache size must be positive")
	}

	if err := validateTiers(c.Tiers); err != nil {
		return err
	}
	if c.MaxPlausiblePrice < 0 || c.MinPlausiblePrice < 0 {
		return fmt.Errorf("plausible price bounds cannot be negative")
	}
	if c.MaxPlausiblePrice > 0 && c.MinPlausiblePrice > c.MaxPlausiblePrice {
		return fmt.Errorf("min plausible price cannot exceed max plausible price")
	}

	if c.Schedule != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if _, err := parser.Parse(c.Schedule); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", c.Schedule, err)
		}
	}
	switch c.OutputFormat {
	case "csv", "json", "dual", "none":
	default:
		return fmt.Errorf("output format must be csv, json, dual, or none")
	}
	if c.MinSuccessRate < 0 || c.MinSuccessRate > 100 {
		return fmt.Errorf("min success rate must be between 0 and 100")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	return nil
}

func validateTiers(tiers []TierConfig) error {
	if len(tiers) == 0 {
		return fmt.Errorf("tier table cannot be empty")
	}
	hasFloor := false
	seen := make(map[string]struct{}, len(tiers))
	for _, tier := range tiers {
		if strings.TrimSpace(tier.Name) == "" {
			return fmt.Errorf("tier name cannot be empty")
		}
		if _, dup := seen[tier.Name]; dup {
			return fmt.Errorf("duplicate tier %q", tier.Name)
		}
		seen[tier.Name] = struct{}{}
		if tier.MinPrice < 0 {
			return fmt.Errorf("tier %q min price cannot be negative", tier.Name)
		}
		if tier.MaxChangePercent <= 0 {
			return fmt.Errorf("tier %q max change percent must be positive", tier.Name)
		}
		if tier.MinPrice == 0 {
			hasFloor = true
		}
	}
	if !hasFloor {
		return fmt.Errorf("tier table needs a tier with min_price 0")
	}
	return nil
}

// EnvString returns a trimmed, non-empty environment value.
func EnvString(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", false
	}
	return v, true
}

// EnvInt parses an integer environment value.
func EnvInt(key string) (int, bool, error) {
	v, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, err
	}
	return parsed, true, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
