// Package config exposes strongly typed application configuration structs loaded from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// App captures process-wide runtime settings such as name, environment, and logging.
type App struct {
	Name     string `yaml:"name"`
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error"`
	LogFile  string `yaml:"log_file"`

	// MetricsAddr starts a bare /metrics listener next to the status API.
	MetricsAddr string `yaml:"metrics_addr"`
	// DataDir holds the store, subscriber registry, journal and archive.
	DataDir string `yaml:"data_dir" validate:"required"`
}

// Exchange describes the market data source.
type Exchange struct {
	Provider        string  `yaml:"provider" validate:"oneof=bingx stub"`
	BaseURL         string  `yaml:"base_url" validate:"omitempty,url"`
	APIKey          string  `yaml:"api_key"`
	APISecret       string  `yaml:"api_secret"`
	RetryAttempts   int     `yaml:"retry_attempts" validate:"gte=1,lte=10"`
	RetryBaseMs     int     `yaml:"retry_base_ms" validate:"gte=0"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec" validate:"gt=0"`
	KlineLimit      int     `yaml:"kline_limit" validate:"gte=2,lte=1440"`
	Concurrency     int     `yaml:"concurrency" validate:"gte=1,lte=64"`
}

// Universe configures automatic symbol selection.
type Universe struct {
	SymbolCount     int      `yaml:"symbol_count" validate:"gte=1"`
	MinVolumeUSDT   float64  `yaml:"min_volume_usdt" validate:"gte=0"`
	Priority        []string `yaml:"priority"`
	Exclude         []string `yaml:"exclude"`
	Symbols         []string `yaml:"symbols"`
	RefreshInterval int      `yaml:"refresh_interval_sec" validate:"gte=10"`
}

// Strategy groups the touch detector knobs.
type Strategy struct {
	Mode                  string  `yaml:"mode" validate:"oneof=touch touch_slope"`
	EMAPeriod             int     `yaml:"ema_period" validate:"gte=2,lte=500"`
	Timeframe             string  `yaml:"timeframe" validate:"required"`
	TouchTolerance        float64 `yaml:"touch_tolerance" validate:"gt=0,lt=0.1"`
	SideEpsilon           float64 `yaml:"side_epsilon" validate:"gte=0"`
	MaxCandleAgeHours     float64 `yaml:"max_candle_age_hours" validate:"gt=0"`
	RequireSlopeAlignment bool    `yaml:"require_slope_alignment"`
}

// Signals bounds signal creation.
type Signals struct {
	CooldownMinutes    int `yaml:"cooldown_minutes" validate:"gte=0"`
	GlobalLimitPerMin  int `yaml:"global_limit_per_min" validate:"gte=1"`
	PollIntervalSec    int `yaml:"poll_interval_sec" validate:"gte=1"`
	LockTimeoutSec     int `yaml:"lock_timeout_sec" validate:"gte=1"`
	CleanupAfterDays   int `yaml:"cleanup_after_days" validate:"gte=1"`
	BookmarkFlushEvery int `yaml:"bookmark_flush_every" validate:"gte=1"`
	CleanupEvery       int `yaml:"cleanup_every" validate:"gte=1"`
}

// Monitor tunes position tracking.
type Monitor struct {
	WideBarPolicy string  `yaml:"wide_bar_policy" validate:"oneof=tp2_first tp1_then_tp2"`
	Notional      float64 `yaml:"notional_usdt" validate:"gte=0"`
	LedgerSize    int     `yaml:"ledger_size" validate:"gte=1"`
}

// Store locates the persisted document and its backups.
type Store struct {
	File               string `yaml:"file" validate:"required"`
	BackupDir          string `yaml:"backup_dir"`
	BackupIntervalSec  int    `yaml:"backup_interval_sec" validate:"gte=0"`
	BackupRetentionDay int    `yaml:"backup_retention_days" validate:"gte=1"`
	JournalFile        string `yaml:"journal_file"`
	ArchiveFile        string `yaml:"archive_file"`
}

// Telegram configures chat delivery. An empty token disables it.
type Telegram struct {
	BotToken        string  `yaml:"bot_token"`
	BaseURL         string  `yaml:"base_url" validate:"omitempty,url"`
	SubscribersFile string  `yaml:"subscribers_file"`
	SendRatePerSec  float64 `yaml:"send_rate_per_sec" validate:"gte=0"`
}

// API configures the status HTTP server. An empty address disables it.
type API struct {
	Addr     string `yaml:"addr"`
	WSBuffer int    `yaml:"ws_buffer" validate:"gte=0"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App      App      `yaml:"app"`
	Exchange Exchange `yaml:"exchange"`
	Universe Universe `yaml:"universe"`
	Strategy Strategy `yaml:"strategy"`
	Signals  Signals  `yaml:"signals"`
	Monitor  Monitor  `yaml:"monitor"`
	Store    Store    `yaml:"store"`
	Telegram Telegram `yaml:"telegram"`
	API      API      `yaml:"api"`
}

// Defaults returns the production configuration.
func Defaults() *Config {
	return &Config{
		App: App{Name: "ema20-signals", Env: "production", LogLevel: "info", DataDir: "data"},
		Exchange: Exchange{
			Provider:        "bingx",
			BaseURL:         "https://open-api.bingx.com",
			RetryAttempts:   5,
			RetryBaseMs:     1000,
			RateLimitPerSec: 10,
			KlineLimit:      100,
			Concurrency:     8,
		},
		Universe: Universe{
			SymbolCount:     70,
			MinVolumeUSDT:   1_000_000,
			Priority:        []string{"BTC-USDT", "ETH-USDT", "BNB-USDT"},
			Exclude:         []string{"X-USDT", "TOWNS-USDT"},
			RefreshInterval: 600,
		},
		Strategy: Strategy{
			Mode:              "touch",
			EMAPeriod:         20,
			Timeframe:         "1h",
			TouchTolerance:    0.001,
			SideEpsilon:       0.00005,
			MaxCandleAgeHours: 3,
		},
		Signals: Signals{
			CooldownMinutes:    60,
			GlobalLimitPerMin:  5,
			PollIntervalSec:    30,
			LockTimeoutSec:     2,
			CleanupAfterDays:   7,
			BookmarkFlushEvery: 50,
			CleanupEvery:       100,
		},
		Monitor: Monitor{WideBarPolicy: "tp2_first", Notional: 100, LedgerSize: 500},
		Store: Store{
			File:               "signals.json",
			BackupIntervalSec:  60,
			BackupRetentionDay: 30,
			JournalFile:        "updates.jsonl",
			ArchiveFile:        "archive.db",
		},
		Telegram: Telegram{SubscribersFile: "subscribers.json", SendRatePerSec: 25},
		API:      API{Addr: ":8080", WSBuffer: 64},
	}
}

// Load reads a YAML file on top of Defaults, then applies environment overrides.
// A missing file is not an error when path is empty.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs without overriding the real environment.
// A missing file is ignored.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

var validate = validator.New()

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.BarInterval(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Save persists a Config struct to disk as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Resolve joins a relative file name onto the data directory.
func (c *Config) Resolve(name string) string {
	if name == "" || filepath.IsAbs(name) || c.App.DataDir == "" {
		return name
	}
	return filepath.Join(c.App.DataDir, name)
}

// Durations derived from the integer fields.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Signals.PollIntervalSec) * time.Second
}

func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Signals.CooldownMinutes) * time.Minute
}

func (c *Config) MaxCandleAge() time.Duration {
	return time.Duration(c.Strategy.MaxCandleAgeHours * float64(time.Hour))
}

func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Signals.LockTimeoutSec) * time.Second
}

// BarInterval parses the timeframe ("15m", "1h", "4h", "1d").
func (c *Config) BarInterval() (time.Duration, error) {
	return ParseTimeframe(c.Strategy.Timeframe)
}

// ParseTimeframe understands exchange interval strings.
func ParseTimeframe(tf string) (time.Duration, error) {
	tf = strings.TrimSpace(tf)
	if len(tf) < 2 {
		return 0, fmt.Errorf("bad timeframe %q", tf)
	}
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("bad timeframe %q", tf)
	}
	switch tf[len(tf)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("bad timeframe %q", tf)
}
