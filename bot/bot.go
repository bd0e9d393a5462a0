package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gridbot/config"
	"gridbot/exchange"
	"gridbot/grid"
	"gridbot/ledger"
	"gridbot/logger"
	"gridbot/metrics"
	"gridbot/risk"
	"gridbot/store"
)

// Bot sequences the whole stack once per tick on a single cooperative control
// loop: account refresh, the three protection layers, fill detection, then
// rebalancing. All exchange calls are synchronous; a slow call delays one
// tick, never the monitoring state.
type Bot struct {
	cfg    *config.Config
	client exchange.Client

	calc      *grid.Calculator
	engine    *grid.Engine
	ledger    *ledger.PositionLedger
	riskMgr   *risk.Manager
	trendProt *risk.MarginTrendProtector
	emergency *risk.EmergencyStopLoss
	hist      *store.History
	events    *store.EventLog

	isRunning      bool
	isRunningMutex sync.RWMutex

	lastReset time.Time
	tickCount int
}

// checkEntry is one line of the per-tick JSONL check log
type checkEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	Tick          int       `json:"tick"`
	Price         float64   `json:"price"`
	MarginPercent float64   `json:"margin_percent"`
	MarginSafe    bool      `json:"margin_safe"`
	TrendDropPct  float64   `json:"trend_drop_pct"`
	Fills         int       `json:"fills,omitempty"`
	Paused        bool      `json:"paused"`
	Note          string    `json:"note,omitempty"`
}

// addNote appends to the entry note; one tick can carry several findings
func (e *checkEntry) addNote(note string) {
	if e.Note != "" {
		e.Note += "; " + note
		return
	}
	e.Note = note
}

// New wires every component against one exchange client. Symbol trading rules
// and the starting balance come from the exchange before anything trades.
func New(cfg *config.Config, client exchange.Client) (*Bot, error) {
	info, err := client.GetSymbolInfo(cfg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to load symbol info for %s: %w", cfg.Symbol, err)
	}

	calc, err := grid.NewCalculator(cfg, info)
	if err != nil {
		return nil, err
	}

	account, err := client.GetAccountInfo()
	if err != nil {
		return nil, fmt.Errorf("failed to load account info: %w", err)
	}

	hist, err := store.NewHistory(cfg.DataDir, store.SessionSummary{
		StartedAt:      time.Now(),
		Symbol:         cfg.Symbol,
		InitialBalance: account.Balance,
	})
	if err != nil {
		return nil, err
	}
	events, err := store.NewEventLog(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	lg := ledger.New(cfg, client)

	var policy grid.RebalancePolicy = grid.NewStaticPolicy()
	if cfg.DynamicGrid {
		policy = grid.NewTrendPolicy(cfg.TrendWindow)
		logger.Infof("[Bot] dynamic grid enabled: trend window %d, threshold %.2f%%", cfg.TrendWindow, cfg.TrendThresholdPercent)
	}
	engine := grid.NewEngine(cfg, client, calc, lg, policy)

	riskMgr := risk.NewManager(cfg, lg, hist, events, account.Balance)
	trendProt := risk.NewMarginTrendProtector(cfg, events)
	emergency := risk.NewEmergencyStopLoss(cfg, client, events)

	b := &Bot{
		cfg:       cfg,
		client:    client,
		calc:      calc,
		engine:    engine,
		ledger:    lg,
		riskMgr:   riskMgr,
		trendProt: trendProt,
		emergency: emergency,
		hist:      hist,
		events:    events,
		lastReset: time.Now(),
	}

	trendProt.RegisterCallbacks(risk.TrendCallbacks{
		CancelOrders: func() error {
			engine.CancelAllOrders()
			return nil
		},
		ReducePositions: func() error {
			lg.ForceReduce()
			return nil
		},
		Shutdown: func(reason string) {
			logger.Errorf("[Bot] margin guard requested shutdown: %s", reason)
			b.Stop()
		},
	})

	if err := client.SetLeverage(cfg.Symbol, cfg.Leverage); err != nil {
		// some venues manage leverage per order, not per symbol
		logger.Warnf("[Bot] failed to set leverage %dx: %v", cfg.Leverage, err)
	} else {
		logger.Infof("[Bot] leverage set to %dx for %s", cfg.Leverage, cfg.Symbol)
	}

	return b, nil
}

// Run drives the control loop until the context is cancelled or a shutdown
// decision is reported. The tick in flight always finishes.
func (b *Bot) Run(ctx context.Context) error {
	b.isRunningMutex.Lock()
	b.isRunning = true
	b.isRunningMutex.Unlock()

	logger.Infof("[Bot] starting: %s, %d levels, %.3f%% spacing, tick %s",
		b.cfg.Symbol, b.cfg.GridLevels, b.cfg.SpacingPercent, b.cfg.TickInterval)

	ticker := time.NewTicker(b.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Infof("[Bot] shutdown signal received, finishing current tick")
			b.Stop()
			return nil
		case <-ticker.C:
			if !b.Running() {
				logger.Infof("[Bot] stopped")
				return nil
			}
			b.runTick()
			if b.riskMgr.ShutdownRequested() {
				logger.Errorf("[Bot] risk manager requested shutdown, stopping")
				b.Stop()
				return nil
			}
		}
	}
}

// Running reports whether the loop is live
func (b *Bot) Running() bool {
	b.isRunningMutex.RLock()
	defer b.isRunningMutex.RUnlock()
	return b.isRunning
}

// Stop flags the loop to exit after the tick in flight
func (b *Bot) Stop() {
	b.isRunningMutex.Lock()
	b.isRunning = false
	b.isRunningMutex.Unlock()
}

// runTick executes one full control cycle. Any single failure inside it is
// logged and retried next tick; nothing here aborts the loop.
func (b *Bot) runTick() {
	started := time.Now()
	b.tickCount++
	entry := checkEntry{Timestamp: started, Tick: b.tickCount}

	price, err := exchange.GetPrice(b.client, b.cfg.Symbol)
	if err != nil {
		logger.Warnf("[Bot] price fetch failed: %v", err)
		return
	}
	entry.Price = price
	b.calc.RecordPrice(price)

	// margin refresh comes before every admission decision this tick
	if err := b.ledger.RefreshAccount(); err != nil {
		logger.Warnf("[Bot] %v", err)
		return
	}
	account := b.ledger.Account()
	metrics.MarginPercent.Set(account.MarginPercent())
	entry.MarginPercent = account.MarginPercent()
	b.riskMgr.UpdateDrawdown(account.Balance)

	// layer 3 first: it must run even when everything else is paused
	if err := b.emergency.Check(); err != nil {
		logger.Warnf("[Bot] %v", err)
	}

	// margin trend watchdog
	b.trendProt.AddSnapshot(account.MarginPercent(), account.Balance)
	triggered, drop := b.trendProt.CheckTrend()
	entry.TrendDropPct = drop
	if triggered {
		entry.addNote(fmt.Sprintf("margin trend protection fired (drop %.2f%%)", drop))
	}

	paused := b.riskMgr.CheckIfPaused() || b.trendProt.IsPaused()
	entry.Paused = paused
	if paused {
		b.finishTick(started, price, entry)
		return
	}

	// margin safety: query and remediation are the same call
	safe, msg := b.ledger.CheckMarginSafety()
	entry.MarginSafe = safe
	if !safe {
		entry.addNote(msg)
	}

	if !b.engine.Active() {
		if ok, err := b.engine.InitializeGrid(price); err != nil {
			logger.Warnf("[Bot] grid initialization failed: %v", err)
		} else if !ok {
			logger.Infof("[Bot] grid not initialized this tick (no placeable orders)")
		}
		b.finishTick(started, price, entry)
		return
	}

	if err := b.engine.CheckFilledOrders(price); err != nil {
		logger.Warnf("[Bot] fill check failed: %v", err)
	}
	entry.Fills = len(b.engine.TakeFills())
	b.ledger.MarkUnrealized(price)

	// level 1: per-cycle stop loss / take profit
	if shouldClose, reason := b.riskMgr.CheckPositionRisk(price); shouldClose {
		logger.Warnf("[Bot] cycle close triggered: %s", reason)
		b.flattenPosition(price)
		b.riskMgr.CloseCycle(reason)
		if _, err := b.engine.ResetGrid(price); err != nil {
			logger.Warnf("[Bot] grid reset after cycle close failed: %v", err)
		}
		b.finishTick(started, price, entry)
		return
	}

	// level 2: session limits. The running cycle closes before the pause so
	// the session resumes with a fresh cycle, never a half-finished one.
	if shouldStop, reason := b.riskMgr.CheckSessionLimits(); shouldStop {
		b.flattenPosition(price)
		b.riskMgr.CloseCycle(reason)
		b.riskMgr.ApplyLimitAction(reason)
		b.engine.PauseGrid()
		b.finishTick(started, price, entry)
		return
	}

	if err := b.engine.RebalanceGridOrders(price); err != nil {
		logger.Warnf("[Bot] rebalance failed: %v", err)
	}

	// periodic full reset starts a fresh cycle
	if b.cfg.ResetInterval > 0 && time.Since(b.lastReset) >= b.cfg.ResetInterval {
		logger.Infof("[Bot] periodic grid reset")
		b.flattenPosition(price)
		b.riskMgr.CloseCycle(risk.ReasonManualReset)
		if _, err := b.engine.ResetGrid(price); err != nil {
			logger.Warnf("[Bot] periodic reset failed: %v", err)
		}
		b.lastReset = time.Now()
	}

	b.finishTick(started, price, entry)
}

// flattenPosition closes the net position with a reduce-only market order and
// records the exit into the ledger so cycle accounting sees the realized PnL.
func (b *Bot) flattenPosition(price float64) {
	pos := b.ledger.Position()
	if pos.Quantity == 0 {
		return
	}

	side := exchange.SideSell
	qty := pos.Quantity
	if pos.Quantity < 0 {
		side = exchange.SideBuy
		qty = -pos.Quantity
	}

	res, err := b.client.CreateOrder(&exchange.OrderRequest{
		Symbol:     b.cfg.Symbol,
		Side:       side,
		Quantity:   qty,
		OrderType:  exchange.OrderTypeMarket,
		ReduceOnly: true,
	})
	if err == nil && res != nil && !res.Success && exchange.IsPositionNotFound(res.Error) {
		// already flat on the exchange side; align the mirror
		logger.Warnf("[Bot] flatten skipped, exchange reports no position (%s)", res.Error)
		b.ledger.ResetPosition()
		return
	}
	if err != nil || res == nil || !res.Success {
		logger.Errorf("[Bot] failed to flatten position: %v", err)
		return
	}

	b.ledger.UpdatePosition(side, qty, price)
	logger.Infof("[Bot] position flattened: %s %.6f @ ~$%.4f", side, qty, price)
}

// finishTick emits the status snapshot, the check-log line and the tick
// duration metric. Telemetry failure never affects the loop.
func (b *Bot) finishTick(started time.Time, price float64, entry checkEntry) {
	pos := b.ledger.Position()
	account := b.ledger.Account()

	snapshot := &store.StatusSnapshot{
		Timestamp:      time.Now(),
		Symbol:         b.cfg.Symbol,
		Price:          price,
		GridActive:     b.engine.Active(),
		OpenOrders:     b.ledger.OpenOrderCount(),
		PositionQty:    pos.Quantity,
		EntryPrice:     pos.EntryPrice,
		UnrealizedPnL:  pos.UnrealizedPnL,
		RealizedPnL:    pos.RealizedPnL,
		Balance:        account.Balance,
		MarginPercent:  account.MarginPercent(),
		CycleID:        b.riskMgr.CycleID(),
		AccumulatedPnL: b.riskMgr.AccumulatedPnL(),
		SessionPaused:  b.riskMgr.Paused(),
		MaxDrawdownPct: b.riskMgr.MaxDrawdown(),
		SessionFills:   b.engine.FillCount(),
	}
	snapshot.CyclesProfit, snapshot.CyclesLoss = b.riskMgr.CycleStats()
	metrics.AccumulatedPnL.Set(snapshot.AccumulatedPnL)
	if err := store.WriteStatus(b.cfg.DataDir, snapshot); err != nil {
		logger.Debugf("[Bot] status snapshot write failed: %v", err)
	}
	if err := b.events.AppendCheck(entry); err != nil {
		logger.Debugf("[Bot] check log write failed: %v", err)
	}
	metrics.TickDuration.Observe(float64(time.Since(started).Milliseconds()))
}
