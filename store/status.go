package store

import (
	"encoding/json"
	"path/filepath"
	"time"
)

// StatusSnapshot is the per-tick state exported for external read-only
// consumers (dashboards). The core works the same whether or not anything
// reads it.
type StatusSnapshot struct {
	Timestamp      time.Time `json:"timestamp"`
	Symbol         string    `json:"symbol"`
	Price          float64   `json:"price"`
	GridActive     bool      `json:"grid_active"`
	OpenOrders     int       `json:"open_orders"`
	PositionQty    float64   `json:"position_qty"`
	EntryPrice     float64   `json:"entry_price"`
	UnrealizedPnL  float64   `json:"unrealized_pnl"`
	RealizedPnL    float64   `json:"realized_pnl"`
	Balance        float64   `json:"balance"`
	MarginPercent  float64   `json:"margin_percent"`
	CycleID        int       `json:"cycle_id"`
	AccumulatedPnL float64   `json:"accumulated_pnl"`
	SessionPaused  bool      `json:"session_paused"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct"`
	SessionFills   int       `json:"session_fills"`
	CyclesProfit   int       `json:"cycles_profit"`
	CyclesLoss     int       `json:"cycles_loss"`
}

// WriteStatus atomically replaces the status snapshot file
func WriteStatus(dir string, s *StatusSnapshot) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, "status.json"), data)
}
