package ledger

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gridbot/config"
	"gridbot/exchange"
	"gridbot/logger"
)

// Margin level below which a partial close is forced regardless of the
// cancel-first strategies (half of the default 20% safety floor).
const criticalMarginFraction = 0.5

// CheckMarginSafety reports whether available margin is above the configured
// safety floor. When it is not and auto-reduce is enabled, remediation runs
// synchronously inside this call: callers never need a separate step, checking
// and remediating are the same operation. The returned message describes what
// happened either way.
func (l *PositionLedger) CheckMarginSafety() (bool, string) {
	l.mu.RLock()
	mp := l.account.MarginPercent()
	safety := l.cfg.MarginSafetyPercent
	l.mu.RUnlock()

	if mp >= safety {
		return true, fmt.Sprintf("margin %.1f%% above safety floor %.1f%%", mp*100, safety*100)
	}

	msg := fmt.Sprintf("margin %.1f%% below safety floor %.1f%%", mp*100, safety*100)
	logger.Warnf("[Ledger] %s", msg)

	if !l.cfg.AutoReduce {
		return false, msg
	}

	if mp < safety*criticalMarginFraction {
		// below half the floor: cancelling resting orders is not enough
		l.forcePartialClose()
		return false, msg + " (forced partial close)"
	}

	l.runAutoCloseStrategy()
	return false, msg + " (auto-reduce triggered)"
}

// ForceReduce immediately closes part of the position, bypassing the staged
// strategies. Exposed for external protection layers.
func (l *PositionLedger) ForceReduce() {
	l.forcePartialClose()
}

// runAutoCloseStrategy executes the configured first-stage response
func (l *PositionLedger) runAutoCloseStrategy() {
	switch l.cfg.AutoCloseStrategy {
	case config.AutoCloseCancelOrders:
		l.cancelDistantOrders()
	case config.AutoCloseForceSell:
		l.forcePartialClose()
	case config.AutoCloseLossManagement:
		// stop accumulating exposure but let existing sells reduce it
		l.cancelBuyOrders()
	case config.AutoCloseHybrid:
		l.cancelDistantOrders()
		if err := l.RefreshAccount(); err == nil {
			if l.MarginPercent() < l.cfg.MarginSafetyPercent {
				l.forcePartialClose()
			}
		}
	}
}

// cancelDistantOrders cancels the half of the tracked grid orders farthest
// from the current price, freeing their margin while keeping the quotes
// nearest the market alive.
func (l *PositionLedger) cancelDistantOrders() {
	price, err := exchange.GetPrice(l.client, l.cfg.Symbol)
	if err != nil {
		logger.Warnf("[Ledger] cannot price-sort orders for cancellation: %v", err)
		return
	}

	l.mu.RLock()
	orders := make([]exchange.OpenOrder, 0, len(l.openOrders))
	for _, o := range l.openOrders {
		if !o.IsProtective() {
			orders = append(orders, o)
		}
	}
	l.mu.RUnlock()

	if len(orders) == 0 {
		return
	}

	sort.Slice(orders, func(i, j int) bool {
		return math.Abs(orders[i].Price-price) > math.Abs(orders[j].Price-price)
	})

	toCancel := orders[:(len(orders)+1)/2]
	logger.Infof("[Ledger] margin pressure: cancelling %d distant orders of %d", len(toCancel), len(orders))
	for _, o := range toCancel {
		l.cancelTracked(o)
	}
}

// cancelBuyOrders cancels only the buy side, the loss-management response
func (l *PositionLedger) cancelBuyOrders() {
	l.mu.RLock()
	orders := make([]exchange.OpenOrder, 0, len(l.openOrders))
	for _, o := range l.openOrders {
		if !o.IsProtective() && o.Side == exchange.SideBuy {
			orders = append(orders, o)
		}
	}
	l.mu.RUnlock()

	if len(orders) == 0 {
		return
	}
	logger.Infof("[Ledger] loss management: cancelling %d buy orders, keeping sells", len(orders))
	for _, o := range orders {
		l.cancelTracked(o)
	}
}

func (l *PositionLedger) cancelTracked(o exchange.OpenOrder) {
	ok, err := l.client.CancelOrder(o.OrderID, o.Symbol)
	if err != nil || !ok {
		// transient; the order stays tracked and the next pass retries
		logger.Warnf("[Ledger] failed to cancel order %s: %v", o.OrderID, err)
		return
	}
	l.UntrackOrder(o.OrderID)

	l.mu.RLock()
	notify := l.onCancel
	l.mu.RUnlock()
	if notify != nil {
		notify(o.OrderID)
	}

	time.Sleep(l.cfg.CancelDelay)
}

// forcePartialClose sells PartialClosePercent of the live position with a
// reduce-only market order. The exchange position is re-verified first:
// reduce-only orders bounce off a position that has already closed, and that
// is a soft failure here, not a crash.
func (l *PositionLedger) forcePartialClose() {
	positions, err := l.client.GetPositions()
	if err != nil {
		logger.Warnf("[Ledger] cannot verify position before forced close: %v", err)
		return
	}

	var live *exchange.PositionInfo
	for i := range positions {
		if positions[i].Symbol == l.cfg.Symbol && positions[i].Amount > 0 {
			live = &positions[i]
			break
		}
	}
	if live == nil {
		logger.Infof("[Ledger] forced close skipped: no live position for %s", l.cfg.Symbol)
		l.ResetPosition()
		return
	}

	closeQty := live.Amount * l.cfg.PartialClosePercent / 100
	if closeQty <= 0 {
		return
	}

	side := exchange.SideSell
	if live.Side == "short" {
		side = exchange.SideBuy
	}

	req := &exchange.OrderRequest{
		Symbol:     l.cfg.Symbol,
		Side:       side,
		Quantity:   closeQty,
		OrderType:  exchange.OrderTypeMarket,
		ReduceOnly: true,
	}
	res, err := l.client.CreateOrder(req)
	if err == nil && res != nil && !res.Success && exchange.IsPositionNotFound(res.Error) {
		// position vanished between the check and the order; retry without
		// the reduce-only flag per the exchange's documented behavior
		logger.Warnf("[Ledger] reduce-only rejected (%s), retrying without flag", res.Error)
		req.ReduceOnly = false
		res, err = l.client.CreateOrder(req)
	}
	if err != nil || res == nil || !res.Success {
		logger.Errorf("[Ledger] forced partial close failed: %v", err)
		return
	}

	logger.Infof("[Ledger] forced partial close: %s %.6f %s (%.0f%% of position)",
		side, closeQty, l.cfg.Symbol, l.cfg.PartialClosePercent)

	closePrice := live.MarkPrice
	if closePrice <= 0 {
		closePrice = live.EntryPrice
	}
	l.UpdatePosition(side, closeQty, closePrice)
}
