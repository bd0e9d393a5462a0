package risk

import (
	"fmt"
	"sync"
	"time"

	"gridbot/config"
	"gridbot/exchange"
	"gridbot/logger"
	"gridbot/metrics"
	"gridbot/store"
)

// Price offset applied to emergency close orders: 0.5% through the mark in
// the taker direction so the IOC order crosses immediately.
const emergencyPriceOffset = 0.005

// lossEntry tracks one position that is currently under water
type lossEntry struct {
	firstSeenInLoss time.Time
	worstPnLPercent float64
}

// EmergencyStopLoss is the last-resort layer. It polls raw exchange positions
// directly, bypassing the strategy's own bookkeeping, so it keeps protecting
// the account even if the grid engine or risk manager state is corrupted. It
// depends only on the exchange client.
type EmergencyStopLoss struct {
	mu     sync.Mutex
	cfg    *config.Config
	client exchange.Client
	events *store.EventLog

	// keyed by symbol+side so a flip is tracked as a fresh position
	tracked map[string]*lossEntry
}

// NewEmergencyStopLoss creates the failsafe layer
func NewEmergencyStopLoss(cfg *config.Config, client exchange.Client, events *store.EventLog) *EmergencyStopLoss {
	return &EmergencyStopLoss{
		cfg:     cfg,
		client:  client,
		events:  events,
		tracked: make(map[string]*lossEntry),
	}
}

// Check polls all open positions and closes any that crossed the emergency
// thresholds: hard stop loss, windfall take profit, or too long continuously
// in loss. Transient API errors are returned for logging and retried next
// tick; they never stop the layer.
func (e *EmergencyStopLoss) Check() error {
	positions, err := e.client.GetPositions()
	if err != nil {
		return fmt.Errorf("emergency layer position poll failed: %w", err)
	}

	live := make(map[string]bool, len(positions))
	for _, pos := range positions {
		if pos.Amount <= 0 || pos.EntryPrice <= 0 {
			continue
		}
		key := pos.Symbol + "/" + pos.Side
		live[key] = true

		mark := pos.MarkPrice
		if mark <= 0 {
			mark, err = exchange.GetPrice(e.client, pos.Symbol)
			if err != nil || mark <= 0 {
				continue
			}
		}

		var pnlPct float64
		if pos.Side == "long" {
			pnlPct = (mark - pos.EntryPrice) / pos.EntryPrice * 100
		} else {
			pnlPct = (pos.EntryPrice - mark) / pos.EntryPrice * 100
		}

		e.trackLoss(key, pnlPct)

		if reason := e.closeReason(key, pnlPct); reason != "" {
			e.closePosition(pos, mark, pnlPct, reason)
		}
	}

	// positions that disappeared are no longer tracked
	e.mu.Lock()
	for key := range e.tracked {
		if !live[key] {
			delete(e.tracked, key)
		}
	}
	e.mu.Unlock()

	return nil
}

// trackLoss maintains the first-seen-in-loss timestamp and worst PnL per
// position, clearing the entry when it returns to profit.
func (e *EmergencyStopLoss) trackLoss(key string, pnlPct float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if pnlPct >= 0 {
		delete(e.tracked, key)
		return
	}
	entry, ok := e.tracked[key]
	if !ok {
		e.tracked[key] = &lossEntry{firstSeenInLoss: time.Now(), worstPnLPercent: pnlPct}
		return
	}
	if pnlPct < entry.worstPnLPercent {
		entry.worstPnLPercent = pnlPct
	}
}

func (e *EmergencyStopLoss) closeReason(key string, pnlPct float64) string {
	if e.cfg.EmergencySLPercent > 0 && pnlPct <= -e.cfg.EmergencySLPercent {
		return fmt.Sprintf("EMERGENCY_STOP_LOSS: %.2f%% <= -%.2f%%", pnlPct, e.cfg.EmergencySLPercent)
	}
	if e.cfg.EmergencyTPPercent > 0 && pnlPct >= e.cfg.EmergencyTPPercent {
		return fmt.Sprintf("EMERGENCY_TAKE_PROFIT: %.2f%% >= %.2f%%", pnlPct, e.cfg.EmergencyTPPercent)
	}
	if e.cfg.EmergencyMaxLossMinutes > 0 {
		e.mu.Lock()
		entry, ok := e.tracked[key]
		e.mu.Unlock()
		if ok {
			inLoss := time.Since(entry.firstSeenInLoss)
			if inLoss >= time.Duration(e.cfg.EmergencyMaxLossMinutes)*time.Minute {
				return fmt.Sprintf("EMERGENCY_TIME_IN_LOSS: %.0f min in loss (worst %.2f%%)",
					inLoss.Minutes(), entry.worstPnLPercent)
			}
		}
	}
	return ""
}

// closePosition flattens one position with an immediate-or-cancel order at a
// price 0.5% through the mark for fast execution, falling back to a standard
// resting order when the exchange rejects IOC.
func (e *EmergencyStopLoss) closePosition(pos exchange.PositionInfo, mark, pnlPct float64, reason string) {
	side := exchange.SideSell
	price := mark * (1 - emergencyPriceOffset)
	if pos.Side == "short" {
		side = exchange.SideBuy
		price = mark * (1 + emergencyPriceOffset)
	}

	logger.Errorf("[Emergency] closing %s %s %.6f @ ~$%.4f: %s", pos.Side, pos.Symbol, pos.Amount, mark, reason)

	req := &exchange.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       side,
		Quantity:   pos.Amount,
		Price:      price,
		OrderType:  exchange.OrderTypeIOC,
		ReduceOnly: true,
	}
	res, err := e.client.CreateOrder(req)
	if err == nil && res != nil && !res.Success && exchange.IsIOCRejected(res.Error) {
		logger.Warnf("[Emergency] IOC rejected (%s), falling back to resting limit order", res.Error)
		req.OrderType = exchange.OrderTypeLimit
		res, err = e.client.CreateOrder(req)
	}
	if err != nil || res == nil || !res.Success {
		// retried next tick; the position stays tracked
		logger.Errorf("[Emergency] close order failed for %s: %v", pos.Symbol, err)
		return
	}

	e.mu.Lock()
	delete(e.tracked, pos.Symbol+"/"+pos.Side)
	e.mu.Unlock()

	metrics.ProtectionTriggers.WithLabelValues("emergency", "close").Inc()
	if logErr := e.events.AppendProtectionEvent(store.ProtectionEvent{
		Timestamp: time.Now(),
		Layer:     "emergency",
		Action:    "close",
		Symbol:    pos.Symbol,
		Detail:    reason,
		Value:     pnlPct,
	}); logErr != nil {
		logger.Warnf("[Emergency] failed to log protection event: %v", logErr)
	}
}

// TrackedCount returns the number of positions currently tracked in loss
func (e *EmergencyStopLoss) TrackedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tracked)
}
