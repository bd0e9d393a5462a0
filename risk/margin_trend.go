package risk

import (
	"fmt"
	"sync"
	"time"

	"gridbot/config"
	"gridbot/logger"
	"gridbot/metrics"
	"gridbot/store"
)

// Protective actions the margin trend protector can fire
const (
	TrendActionCancelOrders    = "cancel_orders"
	TrendActionReducePositions = "reduce_positions"
	TrendActionPause           = "pause"
	TrendActionShutdown        = "shutdown"
)

// MarginSnapshot is one point in the rolling margin history
type MarginSnapshot struct {
	Timestamp     time.Time `json:"timestamp"`
	MarginPercent float64   `json:"margin_percent"`
	Balance       float64   `json:"balance"`
}

// TrendCallbacks are the protective hooks a strategy registers. The protector
// is decoupled from any particular strategy through these; it runs the same
// next to the grid engine or anything else.
type TrendCallbacks struct {
	CancelOrders    func() error
	ReducePositions func() error
	Shutdown        func(reason string)
}

// MarginTrendProtector watches a time-bounded window of margin snapshots and
// fires exactly one protective action when margin drops too fast. Fully
// independent of the RiskManager, including its own pause timer.
type MarginTrendProtector struct {
	mu     sync.Mutex
	cfg    *config.Config
	events *store.EventLog
	cbs    TrendCallbacks

	window     []MarginSnapshot
	windowSpan time.Duration

	pausedUntil time.Time
}

// NewMarginTrendProtector creates the watchdog with an empty history
func NewMarginTrendProtector(cfg *config.Config, events *store.EventLog) *MarginTrendProtector {
	return &MarginTrendProtector{
		cfg:        cfg,
		events:     events,
		windowSpan: time.Duration(cfg.MarginHistoryMinutes) * time.Minute,
	}
}

// RegisterCallbacks installs the protective hooks
func (p *MarginTrendProtector) RegisterCallbacks(cbs TrendCallbacks) {
	p.mu.Lock()
	p.cbs = cbs
	p.mu.Unlock()
}

// AddSnapshot appends a margin observation and drops entries older than the
// configured window.
func (p *MarginTrendProtector) AddSnapshot(marginPercent, balance float64) {
	p.addSnapshotAt(time.Now(), marginPercent, balance)
}

func (p *MarginTrendProtector) addSnapshotAt(t time.Time, marginPercent, balance float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.window = append(p.window, MarginSnapshot{Timestamp: t, MarginPercent: marginPercent, Balance: balance})
	cutoff := t.Add(-p.windowSpan)
	for len(p.window) > 0 && p.window[0].Timestamp.Before(cutoff) {
		p.window = p.window[1:]
	}
}

// DropPercent compares the oldest and newest snapshots in the window. Zero
// when there is not enough history or the old margin was already zero.
func (p *MarginTrendProtector) DropPercent() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropPercentLocked()
}

func (p *MarginTrendProtector) dropPercentLocked() float64 {
	if len(p.window) < 2 {
		return 0
	}
	oldest := p.window[0].MarginPercent
	newest := p.window[len(p.window)-1].MarginPercent
	if oldest <= 0 {
		return 0
	}
	return (oldest - newest) / oldest * 100
}

// CheckTrend fires the configured protective action when the margin drop over
// the window reaches the threshold. The window is cleared on trigger so one
// breach fires exactly once; fresh snapshots rebuild the history afterwards.
func (p *MarginTrendProtector) CheckTrend() (bool, float64) {
	p.mu.Lock()
	drop := p.dropPercentLocked()
	if drop < p.cfg.MarginDropThresholdPercent {
		p.mu.Unlock()
		return false, drop
	}
	action := p.cfg.MarginDropAction
	cbs := p.cbs
	p.window = nil
	if action == TrendActionPause {
		p.pausedUntil = time.Now().Add(p.cfg.PauseDuration)
	}
	p.mu.Unlock()

	logger.Warnf("[MarginGuard] margin dropped %.2f%% over %s window (threshold %.2f%%), action=%s",
		drop, p.windowSpan, p.cfg.MarginDropThresholdPercent, action)

	metrics.ProtectionTriggers.WithLabelValues("margin_trend", action).Inc()
	if err := p.events.AppendProtectionEvent(store.ProtectionEvent{
		Timestamp: time.Now(),
		Layer:     "margin_trend",
		Action:    action,
		Symbol:    p.cfg.Symbol,
		Detail:    fmt.Sprintf("margin drop %.2f%% over %s", drop, p.windowSpan),
		Value:     drop,
	}); err != nil {
		logger.Warnf("[MarginGuard] failed to log protection event: %v", err)
	}

	switch action {
	case TrendActionCancelOrders:
		if cbs.CancelOrders != nil {
			if err := cbs.CancelOrders(); err != nil {
				logger.Errorf("[MarginGuard] cancel-orders callback failed: %v", err)
			}
		}
	case TrendActionReducePositions:
		if cbs.ReducePositions != nil {
			if err := cbs.ReducePositions(); err != nil {
				logger.Errorf("[MarginGuard] reduce-positions callback failed: %v", err)
			}
		}
	case TrendActionPause:
		// self-contained timer, checked via IsPaused on subsequent ticks
	case TrendActionShutdown:
		if cbs.Shutdown != nil {
			cbs.Shutdown(fmt.Sprintf("margin drop %.2f%%", drop))
		}
	default:
		logger.Warnf("[MarginGuard] unknown action %q, treating as cancel_orders", action)
		if cbs.CancelOrders != nil {
			_ = cbs.CancelOrders()
		}
	}

	return true, drop
}

// IsPaused reports whether the protector's own pause timer is running.
// Independent of the RiskManager's pause.
func (p *MarginTrendProtector) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Now().Before(p.pausedUntil)
}

// WindowLen returns the number of snapshots currently held
func (p *MarginTrendProtector) WindowLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.window)
}
