package position

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/signal"
)

// JournalEntry is one line of the journal file.
type JournalEntry struct {
	Time   time.Time              `json:"time"`
	Kind   string                 `json:"kind"`
	Signal *signal.Signal         `json:"signal,omitempty"`
	Update *signal.PositionUpdate `json:"update,omitempty"`
}

// JSONLJournal appends created signals and position updates as JSON lines
// for later analysis.
type JSONLJournal struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewJSONLJournal creates/opens the target file and returns a journal.
func NewJSONLJournal(path string) (*JSONLJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &JSONLJournal{
		file: file,
		enc:  json.NewEncoder(file),
	}, nil
}

// RecordSignal writes a created signal.
func (j *JSONLJournal) RecordSignal(s *signal.Signal) error {
	return j.write(JournalEntry{Time: s.CreatedAt, Kind: "signal", Signal: s})
}

// RecordUpdate writes a position update.
func (j *JSONLJournal) RecordUpdate(u signal.PositionUpdate) error {
	return j.write(JournalEntry{Time: u.Time, Kind: "update", Update: &u})
}

func (j *JSONLJournal) write(e JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return os.ErrClosed
	}
	return j.enc.Encode(e)
}

// Close flushes and closes the file handle.
func (j *JSONLJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
