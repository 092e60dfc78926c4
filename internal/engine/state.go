package engine

import "time"

// RuntimeState is what /status reports about the loop.
type RuntimeState struct {
	Running           bool          `json:"running"`
	Strategy          string        `json:"strategy"`
	StartedAt         time.Time     `json:"started_at"`
	Cycles            int64         `json:"cycles"`
	LastCycle         time.Time     `json:"last_cycle"`
	LastCycleDuration time.Duration `json:"last_cycle_duration_ns"`
	SymbolsTracked    int           `json:"symbols_tracked"`
	ActiveSignals     int           `json:"active_signals"`
	SignalsCreated    int           `json:"signals_created"`
	UpdatesEmitted    int           `json:"updates_emitted"`
	Errors            int           `json:"errors"`
	LastError         string        `json:"last_error,omitempty"`
	LastErrorAt       time.Time     `json:"last_error_at,omitempty"`
}
