package store

import (
	"strings"
	"time"

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/signal"
)

// legacy field names written by earlier releases.
var aliases = map[string]string{
	"id":        "signal_id",
	"entry":     "entry_price",
	"sl":        "sl_price",
	"tp1":       "tp1_price",
	"tp2":       "tp2_price",
	"timestamp": "created_at",
	"ema":       "ema_value",
	"pnl":       "final_pnl",
}

var timeFields = []string{"created_at", "updated_at", "closed_at", "entry_candle_time", "monitor_from", "cooldown_until"}

// migrate rewrites a raw decoded document into the current layout in place and
// reports whether anything changed.
func migrate(raw map[string]any) bool {
	changed := false
	positions, _ := raw["positions"].(map[string]any)
	if positions == nil {
		positions = map[string]any{}
		raw["positions"] = positions
		changed = true
	}
	for id, v := range positions {
		pos, ok := v.(map[string]any)
		if !ok {
			delete(positions, id)
			changed = true
			continue
		}
		if migratePosition(id, pos) {
			changed = true
		}
	}

	meta, _ := raw["metadata"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
		raw["metadata"] = meta
		changed = true
	}
	if meta["version"] != Version {
		meta["version"] = Version
		changed = true
	}
	if candles, ok := meta["last_signal_candle"].(map[string]any); ok {
		for sym, v := range candles {
			t, err := signal.ParseTimestamp(v)
			if err != nil {
				delete(candles, sym)
				changed = true
				continue
			}
			if s := signal.FormatBookmark(t); s != v {
				candles[sym] = s
				changed = true
			}
		}
	}
	return changed
}

func migratePosition(id string, pos map[string]any) bool {
	changed := false
	for old, cur := range aliases {
		v, ok := pos[old]
		if !ok {
			continue
		}
		if _, exists := pos[cur]; !exists {
			pos[cur] = v
		}
		delete(pos, old)
		changed = true
	}
	for k, v := range pos {
		if v == nil {
			delete(pos, k)
			changed = true
		}
	}
	if _, ok := pos["signal_id"]; !ok {
		pos["signal_id"] = id
		changed = true
	}

	if dir, ok := pos["direction"].(string); ok && dir != strings.ToUpper(dir) {
		pos["direction"] = strings.ToUpper(dir)
		changed = true
	}
	if st, ok := pos["status"].(string); ok {
		if migrateStatus(pos, strings.ToUpper(st)) || st != pos["status"] {
			changed = true
		}
	}

	for _, f := range timeFields {
		v, ok := pos[f]
		if !ok {
			continue
		}
		t, err := signal.ParseTimestamp(v)
		if err != nil {
			delete(pos, f)
			changed = true
			continue
		}
		s := t.Format(time.RFC3339)
		if s != v {
			pos[f] = s
			changed = true
		}
	}
	if _, ok := pos["monitor_from"]; !ok {
		if raw, ok := pos["entry_candle_time"].(string); ok {
			if t, err := time.Parse(time.RFC3339, raw); err == nil {
				pos["monitor_from"] = t.Add(time.Hour).Format(time.RFC3339)
				changed = true
			}
		}
	}

	if history, ok := pos["pnl_history"].([]any); ok {
		for _, h := range history {
			if rec, ok := h.(map[string]any); ok && normalizeTime(rec, "timestamp") {
				changed = true
			}
		}
	}
	if history, ok := pos["history"].([]any); ok {
		for _, h := range history {
			if ev, ok := h.(map[string]any); ok && normalizeTime(ev, "ts") {
				changed = true
			}
		}
	}
	return changed
}

// migrateStatus maps the level-named statuses of earlier releases.
func migrateStatus(pos map[string]any, st string) bool {
	switch st {
	case "TP1_HIT":
		pos["status"] = string(signal.StatusPartial)
		pos["partial_hit"] = true
	case "TP2_HIT":
		pos["status"] = string(signal.StatusClosed)
		pos["exit_reason"] = string(signal.ExitTP2)
	case "SL_HIT":
		pos["status"] = string(signal.StatusClosed)
		pos["exit_reason"] = string(signal.ExitSL)
	case "ACTIVE":
		pos["status"] = string(signal.StatusOpen)
	default:
		pos["status"] = st
		return false
	}
	return true
}

func normalizeTime(m map[string]any, key string) bool {
	v, ok := m[key]
	if !ok {
		return false
	}
	t, err := signal.ParseTimestamp(v)
	if err != nil {
		delete(m, key)
		return true
	}
	s := t.Format(time.RFC3339)
	if s == v {
		return false
	}
	m[key] = s
	return true
}
