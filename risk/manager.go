package risk

import (
	"fmt"
	"sync"
	"time"

	"gridbot/config"
	"gridbot/ledger"
	"gridbot/logger"
	"gridbot/metrics"
	"gridbot/store"
)

// Cycle close reasons
const (
	ReasonCycleStopLoss   = "CYCLE_STOP_LOSS"
	ReasonCycleTakeProfit = "CYCLE_TAKE_PROFIT"
	ReasonManualReset     = "MANUAL_RESET"
)

// Session stop reasons
const (
	ReasonSessionMaxLossUSD    = "SESSION_MAX_LOSS_USD"
	ReasonSessionMaxLossPct    = "SESSION_MAX_LOSS_PERCENT"
	ReasonSessionProfitUSD     = "SESSION_PROFIT_TARGET_USD"
	ReasonSessionProfitPct     = "SESSION_PROFIT_TARGET_PERCENT"
)

// Manager is the two-level risk layer: level 1 wraps one trading cycle (grid
// creation to position flatten) with stop-loss/take-profit, level 2 wraps the
// session with accumulated-PnL limits. It only ever reports decisions; it
// never places orders or kills the process itself.
type Manager struct {
	mu     sync.Mutex
	cfg    *config.Config
	ledger *ledger.PositionLedger
	hist   *store.History
	events *store.EventLog

	initialBalance float64

	// session state
	accumulatedPnL    float64
	cyclesProfit      int
	cyclesLoss        int
	paused            bool
	pauseUntil        time.Time
	shutdownRequested bool

	// current cycle
	cycleID            int
	cycleStart         time.Time
	cycleStartRealized float64

	// drawdown tracking
	peakEquity  float64
	maxDrawdown float64
}

// NewManager starts the session at cycle 1
func NewManager(cfg *config.Config, lg *ledger.PositionLedger, hist *store.History, events *store.EventLog, initialBalance float64) *Manager {
	return &Manager{
		cfg:            cfg,
		ledger:         lg,
		hist:           hist,
		events:         events,
		initialBalance: initialBalance,
		cycleID:        1,
		cycleStart:     time.Now(),
		peakEquity:     initialBalance,
	}
}

// CycleID returns the current cycle number
func (m *Manager) CycleID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cycleID
}

// AccumulatedPnL returns the session PnL across closed cycles
func (m *Manager) AccumulatedPnL() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accumulatedPnL
}

// CycleStats returns how many closed cycles ended in profit and in loss
func (m *Manager) CycleStats() (profit, loss int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cyclesProfit, m.cyclesLoss
}

// MaxDrawdown returns the worst observed equity drawdown percent
func (m *Manager) MaxDrawdown() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxDrawdown
}

// CheckPositionRisk evaluates level 1 for the tracked position at the given
// price. Returns (true, reason) when the cycle must be closed: the caller
// flattens the position and then calls CloseCycle with the same reason.
func (m *Manager) CheckPositionRisk(price float64) (bool, string) {
	pos := m.ledger.Position()
	if pos.Quantity == 0 || pos.EntryPrice <= 0 || price <= 0 {
		return false, ""
	}

	var pnlPct float64
	if pos.Quantity > 0 {
		pnlPct = (price - pos.EntryPrice) / pos.EntryPrice * 100
	} else {
		pnlPct = (pos.EntryPrice - price) / pos.EntryPrice * 100
	}

	if m.cfg.CycleStopLossPercent > 0 && pnlPct <= -m.cfg.CycleStopLossPercent {
		return true, fmt.Sprintf("%s: pnl %.2f%% <= -%.2f%%", ReasonCycleStopLoss, pnlPct, m.cfg.CycleStopLossPercent)
	}
	if m.cfg.CycleTakeProfitPercent > 0 && pnlPct >= m.cfg.CycleTakeProfitPercent {
		return true, fmt.Sprintf("%s: pnl %.2f%% >= %.2f%%", ReasonCycleTakeProfit, pnlPct, m.cfg.CycleTakeProfitPercent)
	}
	return false, ""
}

// CloseCycle finalizes the current cycle: the realized-PnL delta since cycle
// start is folded into the session accumulator, the cycle record is appended
// to the history file, and a new cycle timer starts. Accounting completes
// before the new cycle begins.
func (m *Manager) CloseCycle(reason string) store.CycleRecord {
	realized := m.ledger.Position().RealizedPnL

	m.mu.Lock()
	pnl := realized - m.cycleStartRealized
	m.accumulatedPnL += pnl
	if pnl >= 0 {
		m.cyclesProfit++
	} else {
		m.cyclesLoss++
	}

	pnlPct := 0.0
	if m.initialBalance > 0 {
		pnlPct = pnl / m.initialBalance * 100
	}

	rec := store.CycleRecord{
		ID:             m.cycleID,
		Timestamp:      time.Now(),
		Symbol:         m.cfg.Symbol,
		PnLUSD:         pnl,
		PnLPercent:     pnlPct,
		DurationSec:    time.Since(m.cycleStart).Seconds(),
		Reason:         reason,
		AccumulatedPnL: m.accumulatedPnL,
	}

	m.cycleID++
	m.cycleStart = time.Now()
	m.cycleStartRealized = realized
	m.mu.Unlock()

	if err := m.hist.AppendCycle(rec); err != nil {
		logger.Warnf("[Risk] failed to persist cycle %d: %v", rec.ID, err)
	}
	metrics.CyclesClosed.WithLabelValues(m.cfg.Symbol, reason).Inc()
	metrics.AccumulatedPnL.Set(rec.AccumulatedPnL)

	logger.Infof("[Risk] cycle %d closed: pnl $%.2f (%.2f%%) in %.0fs, reason=%s, session total $%.2f",
		rec.ID, pnl, pnlPct, rec.DurationSec, reason, rec.AccumulatedPnL)
	return rec
}

// CheckSessionLimits evaluates level 2 against the four independent
// thresholds. Returns (true, reason) on the first crossing; while paused it
// returns false so one breach cannot fire twice in a single pause window.
func (m *Manager) CheckSessionLimits() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.paused || m.shutdownRequested {
		return false, ""
	}

	pnl := m.accumulatedPnL
	if m.cfg.SessionMaxLossUSD > 0 && pnl <= -m.cfg.SessionMaxLossUSD {
		return true, fmt.Sprintf("%s: $%.2f <= -$%.2f", ReasonSessionMaxLossUSD, pnl, m.cfg.SessionMaxLossUSD)
	}
	if m.cfg.SessionMaxLossPercent > 0 && m.initialBalance > 0 {
		lossPct := -pnl / m.initialBalance * 100
		if lossPct >= m.cfg.SessionMaxLossPercent {
			return true, fmt.Sprintf("%s: loss %.2f%% >= %.2f%%", ReasonSessionMaxLossPct, lossPct, m.cfg.SessionMaxLossPercent)
		}
	}
	if m.cfg.SessionProfitTargetUSD > 0 && pnl >= m.cfg.SessionProfitTargetUSD {
		return true, fmt.Sprintf("%s: $%.2f >= $%.2f", ReasonSessionProfitUSD, pnl, m.cfg.SessionProfitTargetUSD)
	}
	if m.cfg.SessionProfitTargetPercent > 0 && m.initialBalance > 0 {
		gainPct := pnl / m.initialBalance * 100
		if gainPct >= m.cfg.SessionProfitTargetPercent {
			return true, fmt.Sprintf("%s: gain %.2f%% >= %.2f%%", ReasonSessionProfitPct, gainPct, m.cfg.SessionProfitTargetPercent)
		}
	}
	return false, ""
}

// ApplyLimitAction executes the configured session action for a crossed
// threshold: pause sets a wall-clock resume deadline, shutdown flags the
// caller to stop the process.
func (m *Manager) ApplyLimitAction(reason string) {
	m.mu.Lock()
	action := m.cfg.ActionOnLimit
	if action == config.ActionPause {
		m.paused = true
		m.pauseUntil = time.Now().Add(m.cfg.PauseDuration)
		logger.Warnf("[Risk] session limit crossed (%s), pausing until %s", reason, m.pauseUntil.Format(time.RFC3339))
	} else {
		m.shutdownRequested = true
		logger.Errorf("[Risk] session limit crossed (%s), requesting shutdown", reason)
	}
	m.mu.Unlock()

	metrics.ProtectionTriggers.WithLabelValues("risk_manager", action).Inc()
	if err := m.events.AppendProtectionEvent(store.ProtectionEvent{
		Timestamp: time.Now(),
		Layer:     "risk_manager",
		Action:    action,
		Symbol:    m.cfg.Symbol,
		Detail:    reason,
	}); err != nil {
		logger.Warnf("[Risk] failed to log protection event: %v", err)
	}
}

// CheckIfPaused must be polled every tick. It reports whether the session is
// paused and auto-resumes once the pause deadline passes.
func (m *Manager) CheckIfPaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.paused {
		return false
	}
	if time.Now().Before(m.pauseUntil) {
		return true
	}

	m.paused = false
	// the pause window never counts toward the fresh cycle's duration
	m.cycleStart = time.Now()
	logger.Infof("[Risk] pause window elapsed, session resuming with cycle %d", m.cycleID)
	return false
}

// ShutdownRequested reports whether the session decided to stop. Terminal
// from the risk manager's point of view; only the caller ends the process.
func (m *Manager) ShutdownRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdownRequested
}

// UpdateDrawdown tracks peak equity and the worst drawdown from it
func (m *Manager) UpdateDrawdown(equity float64) {
	if equity <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if equity > m.peakEquity {
		m.peakEquity = equity
	}
	if m.peakEquity > 0 {
		dd := (m.peakEquity - equity) / m.peakEquity * 100
		if dd > m.maxDrawdown {
			m.maxDrawdown = dd
		}
	}
}

// Paused reports the raw paused flag without the auto-resume side effect
func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}
