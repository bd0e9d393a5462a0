package ledger

import (
	"fmt"
	"math"
	"sync"
	"time"

	"gridbot/config"
	"gridbot/exchange"
	"gridbot/logger"
)

// orderSyncInterval throttles open-order resyncs during admission checks so a
// stale local count cannot produce false rejections without hammering the API.
const orderSyncInterval = 30 * time.Second

// Position is the local mirror of the net position for the grid symbol.
// Quantity is signed (negative = short). Never deleted, only zeroed.
type Position struct {
	Symbol        string  `json:"symbol"`
	Quantity      float64 `json:"quantity"`
	EntryPrice    float64 `json:"entry_price"`
	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// PositionLedger owns the account balance/margin mirror, the open-order map
// and the net position. It is the single admission-control authority: nothing
// places an order without asking it first. The exchange stays authoritative;
// the ledger is a cache refreshed every tick.
type PositionLedger struct {
	mu     sync.RWMutex
	cfg    *config.Config
	client exchange.Client

	account  exchange.AccountInfo
	position Position

	openOrders    map[string]exchange.OpenOrder // by order id
	lastOrderSync time.Time

	onCancel func(orderID string)
}

// New creates a ledger for the configured symbol
func New(cfg *config.Config, client exchange.Client) *PositionLedger {
	return &PositionLedger{
		cfg:        cfg,
		client:     client,
		position:   Position{Symbol: cfg.Symbol},
		openOrders: make(map[string]exchange.OpenOrder),
	}
}

// RefreshAccount pulls a fresh balance/margin snapshot from the exchange.
// Called at the top of every tick, before any admission decision.
func (l *PositionLedger) RefreshAccount() error {
	info, err := l.client.GetAccountInfo()
	if err != nil {
		return fmt.Errorf("failed to refresh account: %w", err)
	}
	info.FetchedAt = time.Now()

	l.mu.Lock()
	l.account = *info
	l.mu.Unlock()
	return nil
}

// Account returns the latest account snapshot
func (l *PositionLedger) Account() exchange.AccountInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.account
}

// MarginPercent returns available margin as a fraction of balance
func (l *PositionLedger) MarginPercent() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.account.MarginPercent()
}

// Position returns a copy of the current net position
func (l *PositionLedger) Position() Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.position
}

// TrackOrder mirrors a successfully placed order into the open-order map
func (l *PositionLedger) TrackOrder(o exchange.OpenOrder) {
	l.mu.Lock()
	l.openOrders[o.OrderID] = o
	l.mu.Unlock()
}

// SetCancelNotifier registers a callback invoked whenever the margin safety
// layer cancels an order it tracks. Order owners use it to drop their own
// tracking, otherwise the next fill-detection diff would mistake the
// cancellation for a fill.
func (l *PositionLedger) SetCancelNotifier(fn func(orderID string)) {
	l.mu.Lock()
	l.onCancel = fn
	l.mu.Unlock()
}

// UntrackOrder removes an order after fill detection or cancellation
func (l *PositionLedger) UntrackOrder(orderID string) {
	l.mu.Lock()
	delete(l.openOrders, orderID)
	l.mu.Unlock()
}

// OpenOrderCount returns the number of tracked non-protective orders
func (l *PositionLedger) OpenOrderCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.countGridOrdersLocked()
}

func (l *PositionLedger) countGridOrdersLocked() int {
	n := 0
	for _, o := range l.openOrders {
		if !o.IsProtective() {
			n++
		}
	}
	return n
}

// syncOpenOrders rebuilds the order map from the exchange, at most once per
// orderSyncInterval unless force is set.
func (l *PositionLedger) syncOpenOrders(force bool) {
	l.mu.RLock()
	stale := force || time.Since(l.lastOrderSync) > orderSyncInterval
	l.mu.RUnlock()
	if !stale {
		return
	}

	orders, err := l.client.GetOpenOrders(l.cfg.Symbol)
	if err != nil {
		// transient: keep the cached view, the next tick retries
		logger.Warnf("[Ledger] open order sync failed: %v", err)
		return
	}

	l.mu.Lock()
	l.openOrders = make(map[string]exchange.OpenOrder, len(orders))
	for _, o := range orders {
		l.openOrders[o.OrderID] = o
	}
	l.lastOrderSync = time.Now()
	l.mu.Unlock()
}

// CanPlaceOrder decides whether a new order of the given notional value may be
// placed. Rejections are expected control flow, not errors: the reason string
// is logged by the caller and the level is simply skipped.
func (l *PositionLedger) CanPlaceOrder(notionalValue float64) (bool, string) {
	if notionalValue <= 0 {
		return false, "order notional must be > 0"
	}

	l.syncOpenOrders(false)

	l.mu.RLock()
	defer l.mu.RUnlock()

	required := notionalValue / float64(l.cfg.Leverage)
	if required > l.account.AvailableToSpend {
		return false, fmt.Sprintf("insufficient margin: need $%.2f, available $%.2f",
			required, l.account.AvailableToSpend)
	}
	if l.account.TotalMarginUsed+required > l.account.Balance {
		return false, fmt.Sprintf("margin used $%.2f + $%.2f would exceed balance $%.2f",
			l.account.TotalMarginUsed, required, l.account.Balance)
	}

	if n := l.countGridOrdersLocked(); n >= l.cfg.MaxOpenOrders {
		return false, fmt.Sprintf("open order limit reached: %d/%d", n, l.cfg.MaxOpenOrders)
	}

	if l.cfg.MaxPositionSizeUSD > 0 {
		exposure := math.Abs(l.position.Quantity) * l.position.EntryPrice
		if exposure+notionalValue > l.cfg.MaxPositionSizeUSD {
			return false, fmt.Sprintf("exposure $%.2f + $%.2f would exceed max position $%.2f",
				exposure, notionalValue, l.cfg.MaxPositionSizeUSD)
		}
	}

	return true, ""
}

// UpdatePosition applies one fill to the net position. Same-side fills move
// the weighted average entry; opposite-side fills realize PnL and may flip
// the position through zero into the opposite sign.
func (l *PositionLedger) UpdatePosition(side string, qty, price float64) {
	if qty <= 0 || price <= 0 {
		return
	}

	delta := qty
	if side == exchange.SideSell {
		delta = -qty
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cur := l.position.Quantity
	switch {
	case cur == 0 || (cur > 0) == (delta > 0):
		// opening or adding: weighted average entry
		total := math.Abs(cur) + math.Abs(delta)
		l.position.EntryPrice = (l.position.EntryPrice*math.Abs(cur) + price*math.Abs(delta)) / total
		l.position.Quantity = cur + delta

	default:
		// reducing, possibly through zero
		closeQty := math.Min(math.Abs(delta), math.Abs(cur))
		if cur > 0 {
			l.position.RealizedPnL += (price - l.position.EntryPrice) * closeQty
		} else {
			l.position.RealizedPnL += (l.position.EntryPrice - price) * closeQty
		}
		l.position.Quantity = cur + delta
		if l.position.Quantity != 0 && (l.position.Quantity > 0) != (cur > 0) {
			// flipped: the remainder is a fresh position at the fill price
			l.position.EntryPrice = price
		}
	}

	logger.Debugf("[Ledger] position updated: %s %.6f @ %.4f -> qty=%.6f entry=%.4f realized=%.2f",
		side, qty, price, l.position.Quantity, l.position.EntryPrice, l.position.RealizedPnL)
}

// MarkUnrealized recomputes unrealized PnL against the given mark price
func (l *PositionLedger) MarkUnrealized(markPrice float64) {
	if markPrice <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.position.Quantity == 0 {
		l.position.UnrealizedPnL = 0
		return
	}
	if l.position.Quantity > 0 {
		l.position.UnrealizedPnL = (markPrice - l.position.EntryPrice) * l.position.Quantity
	} else {
		l.position.UnrealizedPnL = (l.position.EntryPrice - markPrice) * -l.position.Quantity
	}
}

// ResetPosition zeroes the mirror after a full flatten, keeping realized PnL
func (l *PositionLedger) ResetPosition() {
	l.mu.Lock()
	l.position.Quantity = 0
	l.position.UnrealizedPnL = 0
	l.mu.Unlock()
}
