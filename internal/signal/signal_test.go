package signal

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestParseTimestampForms(t *testing.T) {
	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	inputs := []any{
		want,
		want.Unix(),
		want.UnixMilli(),
		float64(want.UnixMilli()),
		"1709287200000",
		"1709287200",
		"2024-03-01T10:00:00Z",
		"2024-03-01T10:00:00",
		"2024-03-01T12:00:00+02:00",
	}
	for _, in := range inputs {
		got, err := ParseTimestamp(in)
		if err != nil {
			t.Fatalf("ParseTimestamp(%v) error: %v", in, err)
		}
		if !got.Equal(want) {
			t.Fatalf("ParseTimestamp(%v) = %s, want %s", in, got, want)
		}
	}
	if FormatBookmark(want) != "2024-03-01T10:00:00Z" {
		t.Fatalf("unexpected bookmark format %s", FormatBookmark(want))
	}
}

func TestParseTimestampRejectsGarbage(t *testing.T) {
	for _, in := range []any{"", "yesterday", struct{}{}, time.Time{}} {
		if _, err := ParseTimestamp(in); err == nil {
			t.Fatalf("expected error for %v", in)
		}
	}
}

func TestParseDirection(t *testing.T) {
	if d, err := ParseDirection(" long "); err != nil || d != Long {
		t.Fatalf("expected LONG, got %q err=%v", d, err)
	}
	if _, err := ParseDirection("flat"); err == nil {
		t.Fatalf("expected error for unknown direction")
	}
}

func TestTickerMid(t *testing.T) {
	tk := Ticker{Bid: decimal.RequireFromString("99.5"), Ask: decimal.RequireFromString("100.5")}
	mid, ok := tk.Mid()
	if !ok || !mid.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected mid 100, got %s ok=%v", mid, ok)
	}
	if _, ok := (Ticker{Ask: decimal.NewFromInt(1)}).Mid(); ok {
		t.Fatalf("expected no mid without bid")
	}
}

func TestBarValid(t *testing.T) {
	bar := Bar{
		Time:  time.Now(),
		Open:  decimal.NewFromInt(10),
		High:  decimal.NewFromInt(12),
		Low:   decimal.NewFromInt(9),
		Close: decimal.NewFromInt(11),
	}
	if err := bar.Valid(); err != nil {
		t.Fatalf("expected valid bar: %v", err)
	}
	bar.Low = decimal.NewFromInt(13)
	if err := bar.Valid(); err == nil {
		t.Fatalf("expected inverted range to fail")
	}
	bar.Low = decimal.Zero
	if err := bar.Valid(); err == nil {
		t.Fatalf("expected zero low to fail")
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	closed := time.Now()
	orig := &Signal{ID: "a", History: []Event{{Kind: "CREATED"}}, ClosedAt: &closed}
	cp := orig.Clone()
	cp.History[0].Kind = "MUTATED"
	*cp.ClosedAt = closed.Add(time.Hour)
	if orig.History[0].Kind != "CREATED" {
		t.Fatalf("history aliased")
	}
	if !orig.ClosedAt.Equal(closed) {
		t.Fatalf("closed_at aliased")
	}
}
