package config

import (
	"fmt"
	"strconv"
	"strings"
)

type lookupFunc func(string) (string, bool)

// applyEnv overlays the supported environment variables onto cfg.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	strs := map[string]*string{
		"BINGX_API_KEY":      &cfg.Exchange.APIKey,
		"BINGX_SECRET_KEY":   &cfg.Exchange.APISecret,
		"BINGX_BASE_URL":     &cfg.Exchange.BaseURL,
		"MARKET_PROVIDER":    &cfg.Exchange.Provider,
		"TELEGRAM_BOT_TOKEN": &cfg.Telegram.BotToken,
		"TIMEFRAME":          &cfg.Strategy.Timeframe,
		"JSON_FILE":          &cfg.Store.File,
		"DATA_DIR":           &cfg.App.DataDir,
		"LOG_LEVEL":          &cfg.App.LogLevel,
		"API_ADDR":           &cfg.API.Addr,
		"WIDE_BAR_POLICY":    &cfg.Monitor.WideBarPolicy,
	}
	ints := map[string]*int{
		"SYMBOL_COUNT":                &cfg.Universe.SymbolCount,
		"POLL_INTERVAL_SEC":           &cfg.Signals.PollIntervalSec,
		"MIN_SIGNAL_COOLDOWN_MIN":     &cfg.Signals.CooldownMinutes,
		"EMA_PERIOD":                  &cfg.Strategy.EMAPeriod,
		"GLOBAL_SIGNAL_LIMIT_PER_MIN": &cfg.Signals.GlobalLimitPerMin,
	}
	floats := map[string]*float64{
		"TOUCH_TOLERANCE_PCT":  &cfg.Strategy.TouchTolerance,
		"MIN_VOLUME_USDT":      &cfg.Universe.MinVolumeUSDT,
		"MAX_CANDLE_AGE_HOURS": &cfg.Strategy.MaxCandleAgeHours,
	}

	for key, dst := range strs {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
		*dst = n
	}
	for key, dst := range floats {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
		*dst = f
	}
	if v, ok := lookup("SYMBOLS"); ok && strings.TrimSpace(v) != "" {
		cfg.Universe.Symbols = splitList(v)
	}
	if v, ok := lookup("REQUIRE_SLOPE_ALIGNMENT"); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("env REQUIRE_SLOPE_ALIGNMENT: %w", err)
		}
		cfg.Strategy.RequireSlopeAlignment = b
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.ToUpper(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
