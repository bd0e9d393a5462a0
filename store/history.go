package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gridbot/logger"
)

// CycleRecord is one closed risk cycle, appended to the history file
type CycleRecord struct {
	ID             int       `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Symbol         string    `json:"symbol"`
	PnLUSD         float64   `json:"pnl_usd"`
	PnLPercent     float64   `json:"pnl_percent"`
	DurationSec    float64   `json:"duration_sec"`
	Reason         string    `json:"reason"`
	AccumulatedPnL float64   `json:"accumulated_pnl"`
}

// SessionSummary heads the history file
type SessionSummary struct {
	StartedAt      time.Time `json:"started_at"`
	Symbol         string    `json:"symbol"`
	InitialBalance float64   `json:"initial_balance"`
	AccumulatedPnL float64   `json:"accumulated_pnl"`
	CyclesClosed   int       `json:"cycles_closed"`
	CyclesProfit   int       `json:"cycles_profit"`
	CyclesLoss     int       `json:"cycles_loss"`
}

// HistoryFile is the on-disk shape of the cycle history
type HistoryFile struct {
	Session SessionSummary `json:"session"`
	Cycles  []CycleRecord  `json:"cycles"`
}

// History persists the session summary and the append-only cycle records.
// Every write rewrites the file through a temp file + rename, so readers
// never observe a torn file. A fresh process always starts a new session;
// the previous session's file is rotated to a timestamped name, never
// destroyed.
type History struct {
	mu   sync.Mutex
	path string
	file HistoryFile
}

// NewHistory opens (and rotates) the cycle history under dir
func NewHistory(dir string, summary SessionSummary) (*History, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	h := &History{
		path: filepath.Join(dir, "cycle_history.json"),
		file: HistoryFile{Session: summary},
	}

	if prev, err := h.loadPrevious(); err == nil && prev != nil {
		logger.Infof("[Store] previous session: %d cycles, accumulated PnL $%.2f (informational only)",
			prev.Session.CyclesClosed, prev.Session.AccumulatedPnL)
		archive := filepath.Join(dir, fmt.Sprintf("cycle_history-%s.json",
			time.Now().Format("20060102-150405")))
		if err := os.Rename(h.path, archive); err != nil {
			return nil, fmt.Errorf("failed to archive previous history: %w", err)
		}
	}

	if err := h.flushLocked(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *History) loadPrevious() (*HistoryFile, error) {
	data, err := os.ReadFile(h.path)
	if err != nil {
		return nil, err
	}
	var prev HistoryFile
	if err := json.Unmarshal(data, &prev); err != nil {
		return nil, err
	}
	return &prev, nil
}

// AppendCycle records one closed cycle and updates the session summary
func (h *History) AppendCycle(rec CycleRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.file.Cycles = append(h.file.Cycles, rec)
	h.file.Session.AccumulatedPnL = rec.AccumulatedPnL
	h.file.Session.CyclesClosed++
	if rec.PnLUSD >= 0 {
		h.file.Session.CyclesProfit++
	} else {
		h.file.Session.CyclesLoss++
	}
	return h.flushLocked()
}

// Summary returns the current session summary
func (h *History) Summary() SessionSummary {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.file.Session
}

func (h *History) flushLocked() error {
	data, err := json.MarshalIndent(&h.file, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(h.path, data)
}

// writeAtomic writes data via a temp file in the same directory followed by a
// rename, so a crash mid-write never leaves a partial file behind.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}
