package grid

import (
	"fmt"
	"math"
	"sync"
	"testing"

	"gridbot/config"
	"gridbot/exchange"
	"gridbot/ledger"
)

// fakeExchange is an in-memory exchange.Client. Fills are simulated by
// removing an order from the open set, exactly how the engine observes them.
type fakeExchange struct {
	mu         sync.Mutex
	nextID     int
	openOrders map[string]exchange.OpenOrder
	created    []exchange.OrderRequest
	cancelled  []string
	positions  []exchange.PositionInfo
	balance    float64
	avail      float64 // overrides balance as available margin when set
	failCreate bool
	failCancel bool
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		openOrders: make(map[string]exchange.OpenOrder),
		balance:    100000,
	}
}

func (f *fakeExchange) GetOpenOrders(symbol string) ([]exchange.OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]exchange.OpenOrder, 0, len(f.openOrders))
	for _, o := range f.openOrders {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeExchange) CreateOrder(req *exchange.OrderRequest) (*exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate {
		return &exchange.OrderResult{Success: false, Error: "rejected"}, nil
	}
	f.nextID++
	id := fmt.Sprintf("%d", f.nextID)
	f.created = append(f.created, *req)
	if req.OrderType == exchange.OrderTypeLimit {
		f.openOrders[id] = exchange.OpenOrder{
			OrderID:  id,
			Symbol:   req.Symbol,
			Side:     req.Side,
			Type:     exchange.OrderTypeLimit,
			Price:    req.Price,
			Quantity: req.Quantity,
		}
	}
	return &exchange.OrderResult{Success: true, OrderID: id, Price: req.Price}, nil
}

func (f *fakeExchange) CancelOrder(orderID, symbol string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCancel {
		return false, fmt.Errorf("cancel rejected")
	}
	if _, ok := f.openOrders[orderID]; !ok {
		return false, nil
	}
	delete(f.openOrders, orderID)
	f.cancelled = append(f.cancelled, orderID)
	return true, nil
}

func (f *fakeExchange) GetPositions() ([]exchange.PositionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exchange.PositionInfo(nil), f.positions...), nil
}

func (f *fakeExchange) GetPrices() ([]exchange.PriceInfo, error) {
	return []exchange.PriceInfo{{Symbol: "BTCUSDT", Mark: 100, Mid: 100}}, nil
}

func (f *fakeExchange) GetSymbolInfo(symbol string) (*exchange.SymbolInfo, error) {
	return testSymbolInfo(), nil
}

func (f *fakeExchange) GetAccountInfo() (*exchange.AccountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	avail := f.balance
	if f.avail != 0 {
		avail = f.avail
	}
	return &exchange.AccountInfo{
		Balance:          f.balance,
		AvailableToSpend: avail,
	}, nil
}

func (f *fakeExchange) setAvailable(v float64) {
	f.mu.Lock()
	f.avail = v
	f.mu.Unlock()
}

func (f *fakeExchange) SetLeverage(symbol string, leverage int) error { return nil }

// removeOrder simulates a fill: the order disappears from the live set
func (f *fakeExchange) removeOrder(orderID string) {
	f.mu.Lock()
	delete(f.openOrders, orderID)
	f.mu.Unlock()
}

func (f *fakeExchange) orderIDAt(price float64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, o := range f.openOrders {
		if math.Abs(o.Price-price) < 1e-9 {
			return id
		}
	}
	return ""
}

func engineTestConfig() *config.Config {
	cfg := testConfig()
	cfg.MaxOpenOrders = 20
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, fake *fakeExchange, policy RebalancePolicy) (*Engine, *ledger.PositionLedger) {
	t.Helper()
	calc := newTestCalculator(t, cfg)
	lg := ledger.New(cfg, fake)
	if err := lg.RefreshAccount(); err != nil {
		t.Fatalf("RefreshAccount failed: %v", err)
	}
	return NewEngine(cfg, fake, calc, lg, policy), lg
}

func TestInitializeGridPlacesLadder(t *testing.T) {
	fake := newFakeExchange()
	eng, _ := newTestEngine(t, engineTestConfig(), fake, nil)

	ok, err := eng.InitializeGrid(100)
	if err != nil {
		t.Fatalf("InitializeGrid failed: %v", err)
	}
	if !ok || !eng.Active() {
		t.Fatal("Expected grid to become active")
	}

	orders := eng.Orders()
	if len(orders) != 4 {
		t.Fatalf("Expected 4 orders, got %d", len(orders))
	}
	buys, sells := 0, 0
	for _, o := range orders {
		if o.Side == exchange.SideBuy {
			if o.Price >= 100 {
				t.Errorf("buy order at %v not below price", o.Price)
			}
			buys++
		} else {
			if o.Price <= 100 {
				t.Errorf("sell order at %v not above price", o.Price)
			}
			sells++
		}
	}
	if buys != 2 || sells != 2 {
		t.Errorf("Expected 2 buys / 2 sells, got %d / %d", buys, sells)
	}
}

func TestInitializeGridAdoptsLiveOrders(t *testing.T) {
	fake := newFakeExchange()
	fake.openOrders["77"] = exchange.OpenOrder{
		OrderID: "77", Symbol: "BTCUSDT", Side: exchange.SideBuy,
		Type: exchange.OrderTypeLimit, Price: 99, Quantity: 1,
	}
	fake.openOrders["78"] = exchange.OpenOrder{
		OrderID: "78", Symbol: "BTCUSDT", Side: exchange.SideSell,
		Type: exchange.OrderTypeLimit, Price: 101, Quantity: 1,
	}
	// protective orders are not part of the grid
	fake.openOrders["79"] = exchange.OpenOrder{
		OrderID: "79", Symbol: "BTCUSDT", Side: exchange.SideSell,
		Type: "STOP_MARKET", Price: 90, Quantity: 1,
	}

	eng, _ := newTestEngine(t, engineTestConfig(), fake, nil)
	ok, err := eng.InitializeGrid(100)
	if err != nil {
		t.Fatalf("InitializeGrid failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected grid to resume")
	}
	if len(fake.created) != 0 {
		t.Errorf("Expected no new orders on resume, got %d", len(fake.created))
	}
	if len(eng.Orders()) != 2 {
		t.Errorf("Expected 2 adopted orders, got %d", len(eng.Orders()))
	}
}

func TestInitializeGridInactiveWhenNothingPlaceable(t *testing.T) {
	fake := newFakeExchange()
	fake.failCreate = true
	eng, _ := newTestEngine(t, engineTestConfig(), fake, nil)

	ok, err := eng.InitializeGrid(100)
	if err != nil {
		t.Fatalf("InitializeGrid failed: %v", err)
	}
	if ok || eng.Active() {
		t.Error("Grid must stay inactive when no order could be placed")
	}
}

func TestCheckFilledOrdersRequotesOppositeSide(t *testing.T) {
	fake := newFakeExchange()
	eng, lg := newTestEngine(t, engineTestConfig(), fake, nil)
	if _, err := eng.InitializeGrid(100); err != nil {
		t.Fatalf("InitializeGrid failed: %v", err)
	}

	buyID := fake.orderIDAt(99)
	if buyID == "" {
		t.Fatal("expected a buy order at 99")
	}
	fake.removeOrder(buyID)

	if err := eng.CheckFilledOrders(99); err != nil {
		t.Fatalf("CheckFilledOrders failed: %v", err)
	}

	if eng.FillCount() != 1 {
		t.Fatalf("Expected 1 fill, got %d", eng.FillCount())
	}

	// position recorded before the re-quote
	pos := lg.Position()
	if pos.Quantity <= 0 {
		t.Errorf("Expected long position after buy fill, got %v", pos.Quantity)
	}
	if math.Abs(pos.EntryPrice-99) > 1e-9 {
		t.Errorf("Expected entry 99, got %v", pos.EntryPrice)
	}

	// re-quote is a sell one spacing step above entry, with the filled quantity
	last := fake.created[len(fake.created)-1]
	if last.Side != exchange.SideSell {
		t.Fatalf("Expected sell re-quote, got %s", last.Side)
	}
	if math.Abs(last.Price-99.99) > 1e-9 {
		t.Errorf("Expected re-quote at 99.99, got %v", last.Price)
	}
	if math.Abs(last.Quantity-pos.Quantity) > 1e-9 {
		t.Errorf("Re-quote quantity %v does not match filled quantity %v", last.Quantity, pos.Quantity)
	}

	// the filled level is no longer tracked
	for _, o := range eng.Orders() {
		if math.Abs(o.Price-99) < 1e-9 {
			t.Error("Filled order still tracked at 99")
		}
	}

	fills := eng.TakeFills()
	if len(fills) != 1 {
		t.Fatalf("Expected 1 drained fill, got %d", len(fills))
	}
	if eng.TakeFills() != nil {
		t.Error("TakeFills must drain")
	}
}

func TestSellFillRequotesBuyBelow(t *testing.T) {
	fake := newFakeExchange()
	eng, lg := newTestEngine(t, engineTestConfig(), fake, nil)
	if _, err := eng.InitializeGrid(100); err != nil {
		t.Fatalf("InitializeGrid failed: %v", err)
	}

	sellID := fake.orderIDAt(101)
	fake.removeOrder(sellID)
	if err := eng.CheckFilledOrders(101); err != nil {
		t.Fatalf("CheckFilledOrders failed: %v", err)
	}

	pos := lg.Position()
	if pos.Quantity >= 0 {
		t.Errorf("Expected short position after sell fill, got %v", pos.Quantity)
	}

	last := fake.created[len(fake.created)-1]
	if last.Side != exchange.SideBuy {
		t.Fatalf("Expected buy re-quote, got %s", last.Side)
	}
	if math.Abs(last.Price-99.99) > 1e-9 {
		t.Errorf("Expected re-quote at 99.99, got %v", last.Price)
	}
}

func TestPauseGridCancelsEverything(t *testing.T) {
	fake := newFakeExchange()
	eng, _ := newTestEngine(t, engineTestConfig(), fake, nil)
	if _, err := eng.InitializeGrid(100); err != nil {
		t.Fatalf("InitializeGrid failed: %v", err)
	}

	eng.PauseGrid()
	if eng.Active() {
		t.Error("Grid should be inactive after pause")
	}
	if len(eng.Orders()) != 0 {
		t.Errorf("Expected no tracked orders after pause, got %d", len(eng.Orders()))
	}
	if len(fake.cancelled) != 4 {
		t.Errorf("Expected 4 cancellations, got %d", len(fake.cancelled))
	}
}

func TestResetGridReinitializes(t *testing.T) {
	fake := newFakeExchange()
	eng, _ := newTestEngine(t, engineTestConfig(), fake, nil)
	if _, err := eng.InitializeGrid(100); err != nil {
		t.Fatalf("InitializeGrid failed: %v", err)
	}

	ok, err := eng.ResetGrid(110)
	if err != nil {
		t.Fatalf("ResetGrid failed: %v", err)
	}
	if !ok || !eng.Active() {
		t.Fatal("Expected active grid after reset")
	}

	for _, o := range eng.Orders() {
		if o.Side == exchange.SideBuy && o.Price >= 110 {
			t.Errorf("buy at %v not below new reference 110", o.Price)
		}
		if o.Side == exchange.SideSell && o.Price <= 110 {
			t.Errorf("sell at %v not above new reference 110", o.Price)
		}
	}
}

func TestGridSkewDetection(t *testing.T) {
	fake := newFakeExchange()
	eng, _ := newTestEngine(t, engineTestConfig(), fake, nil)
	if _, err := eng.InitializeGrid(100); err != nil {
		t.Fatalf("InitializeGrid failed: %v", err)
	}

	if skewed, _, _ := eng.GridSkew(); skewed {
		t.Error("Fresh symmetric grid must not be skewed")
	}

	// both buys fill, their re-quotes land on the sell side
	for _, p := range []float64{99, 98} {
		id := fake.orderIDAt(p)
		fake.removeOrder(id)
	}
	if err := eng.CheckFilledOrders(98); err != nil {
		t.Fatalf("CheckFilledOrders failed: %v", err)
	}

	skewed, buys, sells := eng.GridSkew()
	if buys != 0 {
		t.Fatalf("Expected 0 buys, got %d", buys)
	}
	if !skewed {
		t.Errorf("Expected skew with %d buys / %d sells", buys, sells)
	}
}

func TestMarginSafetyCancellationsAreNotFills(t *testing.T) {
	fake := newFakeExchange()
	cfg := engineTestConfig()
	cfg.MarginSafetyPercent = 0.20
	cfg.AutoReduce = true
	cfg.AutoCloseStrategy = config.AutoCloseCancelOrders

	eng, lg := newTestEngine(t, cfg, fake, nil)
	if _, err := eng.InitializeGrid(100); err != nil {
		t.Fatalf("InitializeGrid failed: %v", err)
	}
	placed := len(fake.created)

	// margin collapses below the safety floor; remediation cancels the
	// distant half of the grid through the ledger, not the engine
	fake.setAvailable(fake.balance * 0.15)
	if err := lg.RefreshAccount(); err != nil {
		t.Fatalf("RefreshAccount failed: %v", err)
	}
	if safe, _ := lg.CheckMarginSafety(); safe {
		t.Fatal("Expected margin breach")
	}
	if len(fake.cancelled) == 0 {
		t.Fatal("Expected auto-reduce to cancel orders")
	}

	if err := eng.CheckFilledOrders(100); err != nil {
		t.Fatalf("CheckFilledOrders failed: %v", err)
	}

	// cancellations must not be booked as fills
	if eng.FillCount() != 0 {
		t.Fatalf("Cancelled orders booked as %d fills", eng.FillCount())
	}
	pos := lg.Position()
	if pos.Quantity != 0 || pos.RealizedPnL != 0 {
		t.Errorf("Position fabricated from cancellations: qty=%v realized=%v", pos.Quantity, pos.RealizedPnL)
	}
	if len(fake.created) != placed {
		t.Errorf("Expected no re-quotes after cancellations, got %d new orders", len(fake.created)-placed)
	}
	if got := len(eng.Orders()); got != placed-len(fake.cancelled) {
		t.Errorf("Expected %d tracked orders after %d cancellations, got %d",
			placed-len(fake.cancelled), len(fake.cancelled), got)
	}
}

func TestFailedCancelDefersRequote(t *testing.T) {
	fake := newFakeExchange()
	// a buy whose profit target is already occupied by a resting sell
	fake.openOrders["11"] = exchange.OpenOrder{
		OrderID: "11", Symbol: "BTCUSDT", Side: exchange.SideBuy,
		Type: exchange.OrderTypeLimit, Price: 99, Quantity: 1,
	}
	fake.openOrders["12"] = exchange.OpenOrder{
		OrderID: "12", Symbol: "BTCUSDT", Side: exchange.SideSell,
		Type: exchange.OrderTypeLimit, Price: 99.99, Quantity: 1,
	}

	eng, _ := newTestEngine(t, engineTestConfig(), fake, nil)
	if _, err := eng.InitializeGrid(100); err != nil {
		t.Fatalf("InitializeGrid failed: %v", err)
	}
	if len(eng.Orders()) != 2 {
		t.Fatalf("Expected 2 adopted orders, got %d", len(eng.Orders()))
	}

	fake.failCancel = true
	fake.removeOrder("11")
	if err := eng.CheckFilledOrders(99); err != nil {
		t.Fatalf("CheckFilledOrders failed: %v", err)
	}

	if eng.FillCount() != 1 {
		t.Fatalf("Expected 1 fill, got %d", eng.FillCount())
	}
	// the occupied level could not be cleared: no replacement may go out
	if len(fake.created) != 0 {
		t.Fatalf("Expected no re-quote while level occupied, got %d orders", len(fake.created))
	}
	found := false
	for _, o := range eng.Orders() {
		if o.OrderID == "12" {
			found = true
		}
	}
	if !found {
		t.Error("Stale order at the target level must stay tracked after failed cancel")
	}
}
