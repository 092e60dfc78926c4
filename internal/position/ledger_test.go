package position

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/signal"
)

func TestLedgerRecordSnapshotReset(t *testing.T) {
	ledger := NewLedger(2)
	ledger.Record(signal.PositionUpdate{SignalID: "a"})
	ledger.Record(signal.PositionUpdate{SignalID: "b"}, signal.PositionUpdate{SignalID: "c"})

	snap := ledger.Snapshot()
	if len(snap) != 2 || snap[0].SignalID != "b" || snap[1].SignalID != "c" {
		t.Fatalf("expected last two updates, got %+v", snap)
	}
	snap[0].SignalID = "mutated"
	if ledger.Snapshot()[0].SignalID != "b" {
		t.Fatalf("snapshot must be a copy")
	}

	ledger.Reset()
	if len(ledger.Snapshot()) != 0 {
		t.Fatalf("expected empty ledger after reset")
	}
}

func TestJSONLJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal", "events.jsonl")

	journal, err := NewJSONLJournal(path)
	if err != nil {
		t.Fatalf("NewJSONLJournal error: %v", err)
	}
	sig := &signal.Signal{ID: "sig-1", Symbol: "BTC-USDT", Direction: signal.Long, CreatedAt: time.Now().UTC()}
	if err := journal.RecordSignal(sig); err != nil {
		t.Fatalf("RecordSignal error: %v", err)
	}
	if err := journal.RecordUpdate(signal.PositionUpdate{SignalID: "sig-1", Level: signal.LevelTP1}); err != nil {
		t.Fatalf("RecordUpdate error: %v", err)
	}
	if err := journal.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := journal.RecordUpdate(signal.PositionUpdate{}); err == nil {
		t.Fatalf("expected write after close to fail")
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer file.Close()

	var kinds []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry JournalEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("json decode: %v", err)
		}
		kinds = append(kinds, entry.Kind)
	}
	if len(kinds) != 2 || kinds[0] != "signal" || kinds[1] != "update" {
		t.Fatalf("unexpected journal entries %v", kinds)
	}
}
