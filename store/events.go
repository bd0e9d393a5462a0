package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ProtectionEvent is one protective action taken by any risk layer, appended
// to a durable audit log.
type ProtectionEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Layer     string    `json:"layer"`  // risk_manager | margin_trend | emergency
	Action    string    `json:"action"` // cancel_orders | reduce_positions | pause | shutdown | close
	Symbol    string    `json:"symbol"`
	Detail    string    `json:"detail"`
	Value     float64   `json:"value,omitempty"` // drop percent, pnl percent, ...
}

// EventLog appends protection events and per-tick check entries as JSON lines.
// Each line is written with a single O_APPEND write and fsynced for the
// protection log, which must survive a crash for audit.
type EventLog struct {
	mu        sync.Mutex
	eventPath string
	checkPath string
}

// NewEventLog creates the audit log files under dir
func NewEventLog(dir string) (*EventLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &EventLog{
		eventPath: filepath.Join(dir, "protection_events.jsonl"),
		checkPath: filepath.Join(dir, "checks.jsonl"),
	}, nil
}

// AppendProtectionEvent durably records one protective action
func (l *EventLog) AppendProtectionEvent(ev ProtectionEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return appendLine(l.eventPath, ev, true)
}

// AppendCheck records one per-tick check entry. Best effort: the core must
// keep functioning even if nothing reads or writes these.
func (l *EventLog) AppendCheck(entry any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return appendLine(l.checkPath, entry, false)
}

func appendLine(path string, v any, durable bool) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	if durable {
		return f.Sync()
	}
	return nil
}
