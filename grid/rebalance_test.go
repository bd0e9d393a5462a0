package grid

import (
	"math"
	"testing"

	"gridbot/exchange"
)

func TestStaticRebalanceTopsUpShortSide(t *testing.T) {
	fake := newFakeExchange()
	eng, _ := newTestEngine(t, engineTestConfig(), fake, NewStaticPolicy())
	if _, err := eng.InitializeGrid(100); err != nil {
		t.Fatalf("InitializeGrid failed: %v", err)
	}

	// a buy fills and its re-quote lands on the sell side
	id := fake.orderIDAt(99)
	fake.removeOrder(id)
	if err := eng.CheckFilledOrders(99); err != nil {
		t.Fatalf("CheckFilledOrders failed: %v", err)
	}
	if eng.sideCount(exchange.SideBuy) != 1 {
		t.Fatalf("Expected 1 buy before rebalance, got %d", eng.sideCount(exchange.SideBuy))
	}

	if err := eng.RebalanceGridOrders(100); err != nil {
		t.Fatalf("RebalanceGridOrders failed: %v", err)
	}

	if got := eng.sideCount(exchange.SideBuy); got != 2 {
		t.Errorf("Expected buy side topped up to 2, got %d", got)
	}
	for _, o := range eng.Orders() {
		if o.Side == exchange.SideBuy && o.Price >= 100 {
			t.Errorf("topped-up buy at %v not below current price", o.Price)
		}
	}
}

func TestStaticRebalanceLeavesFullGridAlone(t *testing.T) {
	fake := newFakeExchange()
	eng, _ := newTestEngine(t, engineTestConfig(), fake, NewStaticPolicy())
	if _, err := eng.InitializeGrid(100); err != nil {
		t.Fatalf("InitializeGrid failed: %v", err)
	}

	before := len(fake.created)
	if err := eng.RebalanceGridOrders(100); err != nil {
		t.Fatalf("RebalanceGridOrders failed: %v", err)
	}
	if len(fake.created) != before {
		t.Errorf("Expected no new orders on a full grid, got %d", len(fake.created)-before)
	}
}

func TestRebalanceInactiveGridIsNoop(t *testing.T) {
	fake := newFakeExchange()
	eng, _ := newTestEngine(t, engineTestConfig(), fake, NewStaticPolicy())
	if err := eng.RebalanceGridOrders(100); err != nil {
		t.Fatalf("RebalanceGridOrders failed: %v", err)
	}
	if len(fake.created) != 0 {
		t.Error("Inactive grid must not place orders")
	}
}

func TestTrendScore(t *testing.T) {
	tests := []struct {
		name   string
		prices []float64
		check  func(t *testing.T, score float64)
	}{
		{"empty window", nil, func(t *testing.T, s float64) {
			if s != 0 {
				t.Errorf("Expected 0, got %v", s)
			}
		}},
		{"strong uptrend saturates", []float64{100, 101, 102, 103, 104}, func(t *testing.T, s float64) {
			if s != 1 {
				t.Errorf("Expected saturated +1, got %v", s)
			}
		}},
		{"strong downtrend saturates", []float64{104, 103, 102, 101, 100}, func(t *testing.T, s float64) {
			if s != -1 {
				t.Errorf("Expected saturated -1, got %v", s)
			}
		}},
		{"sideways stays weak", []float64{100, 100.01, 99.99, 100.02, 100}, func(t *testing.T, s float64) {
			if math.Abs(s) >= 0.5 {
				t.Errorf("Expected weak score for sideways prices, got %v", s)
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewTrendPolicy(10)
			for _, price := range tt.prices {
				p.observe(price)
			}
			tt.check(t, p.TrendScore())
		})
	}
}

func TestTrendPolicyRelocatesLaggingSide(t *testing.T) {
	cfg := engineTestConfig()
	cfg.DynamicGrid = true
	cfg.TrendWindow = 5
	cfg.TrendThresholdPercent = 1.0
	cfg.TrendMaxDistancePercent = 3.0

	fake := newFakeExchange()
	policy := NewTrendPolicy(cfg.TrendWindow)
	eng, _ := newTestEngine(t, cfg, fake, policy)
	if _, err := eng.InitializeGrid(100); err != nil {
		t.Fatalf("InitializeGrid failed: %v", err)
	}

	// price grinds upward past the threshold, buys at 99/98 fall behind
	for _, price := range []float64{100, 101, 102, 103, 104} {
		if err := eng.RebalanceGridOrders(price); err != nil {
			t.Fatalf("RebalanceGridOrders failed: %v", err)
		}
	}

	if len(fake.cancelled) == 0 {
		t.Fatal("Expected lagging buy orders to be cancelled")
	}
	for _, o := range eng.Orders() {
		if o.Side != exchange.SideBuy {
			continue
		}
		distance := (104 - o.Price) / 104 * 100
		if distance > cfg.TrendMaxDistancePercent {
			t.Errorf("buy at %v still %.2f%% behind current price", o.Price, distance)
		}
	}
}

func TestTrendPolicySidewaysFallsBackToStatic(t *testing.T) {
	cfg := engineTestConfig()
	cfg.TrendWindow = 5
	cfg.TrendThresholdPercent = 1.0
	cfg.TrendMaxDistancePercent = 3.0

	fake := newFakeExchange()
	eng, _ := newTestEngine(t, cfg, fake, NewTrendPolicy(cfg.TrendWindow))
	if _, err := eng.InitializeGrid(100); err != nil {
		t.Fatalf("InitializeGrid failed: %v", err)
	}

	for _, price := range []float64{100, 100.05, 99.95, 100.02, 100.01} {
		if err := eng.RebalanceGridOrders(price); err != nil {
			t.Fatalf("RebalanceGridOrders failed: %v", err)
		}
	}

	if len(fake.cancelled) != 0 {
		t.Errorf("Sideways market must not relocate orders, cancelled %d", len(fake.cancelled))
	}
	if got := len(eng.Orders()); got != 4 {
		t.Errorf("Expected stable 4-order grid, got %d", got)
	}
}
