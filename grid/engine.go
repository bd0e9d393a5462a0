package grid

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"gridbot/config"
	"gridbot/exchange"
	"gridbot/ledger"
	"gridbot/logger"
	"gridbot/metrics"
)

// PlacedOrder is one live grid order. Owned exclusively by the engine, keyed
// by its tick-aligned price (one active order per price level) and mirrored
// into the ledger's open-order map by id.
type PlacedOrder struct {
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Side      string    `json:"side"` // BUY/SELL
	OrderID   string    `json:"order_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Fill describes a detected fill, reported to the risk layer via FillCount
// and the cycle accounting in the orchestrator.
type Fill struct {
	Order    PlacedOrder
	Detected time.Time
}

// Engine is the grid lifecycle state machine for one symbol. It consumes the
// Calculator for pricing and the PositionLedger for admission control, detects
// fills by diffing its tracked order ids against the exchange's live set, and
// re-quotes the opposite side after every fill.
type Engine struct {
	mu     sync.RWMutex
	cfg    *config.Config
	client exchange.Client
	calc   *Calculator
	ledger *ledger.PositionLedger
	policy RebalancePolicy

	orders    map[float64]*PlacedOrder // keyed by tick-aligned price
	active    bool
	fillCount int
	lastFills []Fill
}

// NewEngine wires a grid engine. The rebalance policy is pluggable: static
// top-up or the trend-aware variant.
func NewEngine(cfg *config.Config, client exchange.Client, calc *Calculator, lg *ledger.PositionLedger, policy RebalancePolicy) *Engine {
	if policy == nil {
		policy = NewStaticPolicy()
	}
	e := &Engine{
		cfg:    cfg,
		client: client,
		calc:   calc,
		ledger: lg,
		policy: policy,
		orders: make(map[float64]*PlacedOrder),
	}
	// the margin safety layer cancels through the ledger, not the engine;
	// without this hook those orders would look like fills on the next diff
	lg.SetCancelNotifier(e.dropTrackedOrder)
	return e
}

// dropTrackedOrder removes a tracked level by order id after an external
// cancellation.
func (e *Engine) dropTrackedOrder(orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for price, o := range e.orders {
		if o.OrderID == orderID {
			delete(e.orders, price)
			return
		}
	}
}

// Active reports whether the grid currently has tracked orders
func (e *Engine) Active() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}

// Orders returns a snapshot of the tracked orders
func (e *Engine) Orders() []PlacedOrder {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]PlacedOrder, 0, len(e.orders))
	for _, o := range e.orders {
		out = append(out, *o)
	}
	return out
}

// FillCount returns the number of fills detected since initialization
func (e *Engine) FillCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fillCount
}

// TakeFills drains the fills detected since the last call
func (e *Engine) TakeFills() []Fill {
	e.mu.Lock()
	defer e.mu.Unlock()
	fills := e.lastFills
	e.lastFills = nil
	return fills
}

// InitializeGrid brings the grid up around currentPrice. If the exchange
// already reports open orders for the symbol they are adopted instead of
// re-placed (the resume path). Returns true once at least one order is
// tracked; zero placeable orders leaves the grid inactive.
func (e *Engine) InitializeGrid(currentPrice float64) (bool, error) {
	live, err := e.client.GetOpenOrders(e.cfg.Symbol)
	if err != nil {
		return false, fmt.Errorf("failed to query open orders: %w", err)
	}

	adopted := 0
	for _, o := range live {
		if o.IsProtective() {
			continue
		}
		e.adoptOrder(o)
		adopted++
	}
	if adopted > 0 {
		e.mu.Lock()
		e.active = true
		e.mu.Unlock()
		logger.Infof("[Grid] adopted %d live orders for %s, resuming existing grid", adopted, e.cfg.Symbol)
		return true, nil
	}

	levels, err := e.calc.ComputeLevels(currentPrice)
	if err != nil {
		return false, err
	}

	placed := 0
	for _, price := range levels.Buy {
		if e.placeLevelOrder(exchange.SideBuy, price) {
			placed++
		}
	}
	for _, price := range levels.Sell {
		if e.placeLevelOrder(exchange.SideSell, price) {
			placed++
		}
	}

	if placed == 0 {
		logger.Warnf("[Grid] no orders could be placed at $%.4f, grid stays inactive", currentPrice)
		return false, nil
	}

	e.mu.Lock()
	e.active = true
	e.mu.Unlock()
	logger.Infof("[Grid] initialized with %d orders around $%.4f (spacing %.3f%%)",
		placed, currentPrice, e.calc.EffectiveSpacing())
	return true, nil
}

// adoptOrder reconstructs a tracked level from a live exchange order
func (e *Engine) adoptOrder(o exchange.OpenOrder) {
	key := e.calc.RoundPrice(o.Price)
	e.mu.Lock()
	e.orders[key] = &PlacedOrder{
		Price:     key,
		Quantity:  o.Quantity,
		Side:      o.Side,
		OrderID:   o.OrderID,
		CreatedAt: time.Now(),
	}
	e.mu.Unlock()
	e.ledger.TrackOrder(o)
}

// placeLevelOrder places one grid order, skipping (not failing) when the
// ledger rejects it or the level is already occupied. Single placement
// failures are logged and retried naturally on a later rebalance.
func (e *Engine) placeLevelOrder(side string, price float64) bool {
	price = e.calc.RoundPrice(price)
	if price <= 0 {
		return false
	}

	e.mu.RLock()
	_, occupied := e.orders[price]
	e.mu.RUnlock()
	if occupied {
		return false
	}

	qty := e.calc.OrderQuantity(price)
	if qty <= 0 {
		return false
	}

	if ok, reason := e.ledger.CanPlaceOrder(price * qty); !ok {
		logger.Infof("[Grid] skipping %s level $%.4f: %s", side, price, reason)
		return false
	}

	req := &exchange.OrderRequest{
		Symbol:    e.cfg.Symbol,
		Side:      side,
		Quantity:  qty,
		Price:     price,
		OrderType: exchange.OrderTypeLimit,
		PostOnly:  e.cfg.PostOnly,
		ClientID:  fmt.Sprintf("grid-%s", uuid.NewString()[:8]),
	}
	res, err := e.client.CreateOrder(req)
	if err != nil {
		logger.Warnf("[Grid] failed to place %s order at $%.4f: %v", side, price, err)
		return false
	}
	if res == nil || !res.Success {
		msg := ""
		if res != nil {
			msg = res.Error
		}
		logger.Warnf("[Grid] exchange rejected %s order at $%.4f: %s", side, price, msg)
		return false
	}

	order := &PlacedOrder{
		Price:     price,
		Quantity:  qty,
		Side:      side,
		OrderID:   res.OrderID,
		CreatedAt: time.Now(),
	}
	e.mu.Lock()
	e.orders[price] = order
	e.mu.Unlock()

	e.ledger.TrackOrder(exchange.OpenOrder{
		OrderID:  res.OrderID,
		Symbol:   e.cfg.Symbol,
		Side:     side,
		Type:     exchange.OrderTypeLimit,
		Price:    price,
		Quantity: qty,
	})

	metrics.OrdersPlaced.WithLabelValues(e.cfg.Symbol, side).Inc()
	logger.Infof("[Grid] placed %s $%.4f x %.6f (order %s)", side, price, qty, res.OrderID)
	return true
}

// CheckFilledOrders diffs tracked order ids against the exchange's live set.
// Any tracked id no longer open is a fill: the position is updated first, then
// the opposite side is re-quoted at the profit-target price. A stale order
// already resting at that exact price is cancelled before the replacement so
// a price level never carries two orders.
func (e *Engine) CheckFilledOrders(currentPrice float64) error {
	live, err := e.client.GetOpenOrders(e.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("failed to query open orders: %w", err)
	}

	liveIDs := make(map[string]bool, len(live))
	for _, o := range live {
		liveIDs[o.OrderID] = true
	}

	e.mu.RLock()
	var filled []PlacedOrder
	for _, o := range e.orders {
		if !liveIDs[o.OrderID] {
			filled = append(filled, *o)
		}
	}
	e.mu.RUnlock()

	for _, o := range filled {
		e.handleFill(o)
	}
	return nil
}

func (e *Engine) handleFill(o PlacedOrder) {
	logger.Infof("[Grid] fill detected: %s $%.4f x %.6f (order %s)", o.Side, o.Price, o.Quantity, o.OrderID)

	// the fill must be fully recorded before the re-quote goes out
	e.ledger.UpdatePosition(o.Side, o.Quantity, o.Price)
	e.ledger.UntrackOrder(o.OrderID)

	e.mu.Lock()
	delete(e.orders, o.Price)
	e.fillCount++
	e.lastFills = append(e.lastFills, Fill{Order: o, Detected: time.Now()})
	e.mu.Unlock()

	metrics.OrdersFilled.WithLabelValues(e.cfg.Symbol, o.Side).Inc()

	// re-quote the opposite side one spacing step in the profitable direction
	target := e.calc.ProfitTarget(o.Price, o.Side)
	opposite := exchange.SideSell
	if o.Side == exchange.SideSell {
		opposite = exchange.SideBuy
	}

	e.mu.RLock()
	existing, occupied := e.orders[target]
	e.mu.RUnlock()
	if occupied {
		// never leave two orders on one price level: if the stale order
		// cannot be cancelled, skip the re-quote and retry next tick
		if !e.cancelOrder(existing) {
			logger.Warnf("[Grid] level $%.4f still occupied by order %s, re-quote deferred", target, existing.OrderID)
			return
		}
	}

	if !e.placeRequote(opposite, target, o.Quantity) {
		logger.Warnf("[Grid] could not re-quote %s at $%.4f after fill", opposite, target)
	}
}

// placeRequote places the profit-taking order with the filled quantity rather
// than a freshly sized one, so the position locked by the fill is what gets
// unwound.
func (e *Engine) placeRequote(side string, price, qty float64) bool {
	price = e.calc.RoundPrice(price)
	qty = e.calc.RoundQuantity(qty)
	if price <= 0 || qty <= 0 {
		return false
	}

	if ok, reason := e.ledger.CanPlaceOrder(price * qty); !ok {
		logger.Infof("[Grid] re-quote %s $%.4f rejected: %s", side, price, reason)
		return false
	}

	req := &exchange.OrderRequest{
		Symbol:    e.cfg.Symbol,
		Side:      side,
		Quantity:  qty,
		Price:     price,
		OrderType: exchange.OrderTypeLimit,
		PostOnly:  e.cfg.PostOnly,
		ClientID:  fmt.Sprintf("grid-tp-%s", uuid.NewString()[:8]),
	}
	res, err := e.client.CreateOrder(req)
	if err != nil || res == nil || !res.Success {
		logger.Warnf("[Grid] re-quote %s $%.4f failed: %v", side, price, err)
		return false
	}

	order := &PlacedOrder{
		Price:     price,
		Quantity:  qty,
		Side:      side,
		OrderID:   res.OrderID,
		CreatedAt: time.Now(),
	}
	e.mu.Lock()
	e.orders[price] = order
	e.mu.Unlock()

	e.ledger.TrackOrder(exchange.OpenOrder{
		OrderID:  res.OrderID,
		Symbol:   e.cfg.Symbol,
		Side:     side,
		Type:     exchange.OrderTypeLimit,
		Price:    price,
		Quantity: qty,
	})
	metrics.OrdersPlaced.WithLabelValues(e.cfg.Symbol, side).Inc()
	logger.Infof("[Grid] re-quoted %s $%.4f x %.6f", side, price, qty)
	return true
}

// RebalanceGridOrders tops up whichever side fell short, delegating to the
// configured policy.
func (e *Engine) RebalanceGridOrders(currentPrice float64) error {
	if currentPrice <= 0 {
		return fmt.Errorf("invalid price %v", currentPrice)
	}
	if !e.Active() {
		return nil
	}
	return e.policy.Rebalance(e, currentPrice)
}

// cancelOrder cancels one tracked order and clears its tracking, reporting
// whether the level is actually free. Failures are logged; the next tick
// retries.
func (e *Engine) cancelOrder(o *PlacedOrder) bool {
	ok, err := e.client.CancelOrder(o.OrderID, e.cfg.Symbol)
	if err != nil || !ok {
		logger.Warnf("[Grid] failed to cancel order %s at $%.4f: %v", o.OrderID, o.Price, err)
		return false
	}
	e.mu.Lock()
	delete(e.orders, o.Price)
	e.mu.Unlock()
	e.ledger.UntrackOrder(o.OrderID)
	metrics.OrdersCancelled.WithLabelValues(e.cfg.Symbol).Inc()
	return true
}

// CancelAllOrders cancels every tracked order with the configured rate-limit
// delay between cancellations.
func (e *Engine) CancelAllOrders() {
	for _, o := range e.Orders() {
		o := o
		e.cancelOrder(&o)
		time.Sleep(e.cfg.CancelDelay)
	}
}

// PauseGrid cancels all tracked orders and deactivates the grid
func (e *Engine) PauseGrid() {
	logger.Infof("[Grid] pausing: cancelling %d orders", len(e.Orders()))
	e.CancelAllOrders()
	e.mu.Lock()
	e.orders = make(map[float64]*PlacedOrder)
	e.active = false
	e.mu.Unlock()
}

// ResumeGrid re-runs initialization at the current price
func (e *Engine) ResumeGrid(currentPrice float64) (bool, error) {
	logger.Infof("[Grid] resuming at $%.4f", currentPrice)
	return e.InitializeGrid(currentPrice)
}

// ResetGrid performs a full reset: cancel everything, let cancellations
// settle, then re-initialize at the current price. The orchestrator starts a
// new risk cycle around this call.
func (e *Engine) ResetGrid(currentPrice float64) (bool, error) {
	logger.Infof("[Grid] full reset at $%.4f", currentPrice)
	e.PauseGrid()
	time.Sleep(e.cfg.CancelDelay * 2)
	return e.InitializeGrid(currentPrice)
}

// GridSkew reports whether fills have been heavily one-sided: one side of the
// ladder empty while the other still carries most of its orders. Logged and
// counted; the rebalance path corrects it.
func (e *Engine) GridSkew() (skewed bool, buys, sells int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, o := range e.orders {
		if o.Side == exchange.SideBuy {
			buys++
		} else {
			sells++
		}
	}
	targetBuys, targetSells := e.calc.SideCounts()
	skewed = (buys == 0 && sells > targetSells/2) || (sells == 0 && buys > targetBuys/2)
	return skewed, buys, sells
}
