package grid

import (
	"math"
	"testing"

	"gridbot/config"
	"gridbot/exchange"
)

func testConfig() *config.Config {
	return &config.Config{
		Symbol:           "BTCUSDT",
		Leverage:         5,
		GridLevels:       4,
		SpacingPercent:   1.0,
		OrderSizeUSD:     100,
		Distribution:     config.DistributionSymmetric,
		VolatilityWindow: 20,
		VolMultiplierMin: 0.5,
		VolMultiplierMax: 3.0,
	}
}

func testSymbolInfo() *exchange.SymbolInfo {
	return &exchange.SymbolInfo{
		Symbol:       "BTCUSDT",
		TickSize:     0.01,
		LotSize:      0.001,
		MinOrderSize: 5,
	}
}

func newTestCalculator(t *testing.T, cfg *config.Config) *Calculator {
	t.Helper()
	calc, err := NewCalculator(cfg, testSymbolInfo())
	if err != nil {
		t.Fatalf("NewCalculator failed: %v", err)
	}
	return calc
}

func TestNewCalculatorRejectsInvalidSymbolInfo(t *testing.T) {
	_, err := NewCalculator(testConfig(), &exchange.SymbolInfo{Symbol: "X", TickSize: 0, LotSize: 0.001})
	if err == nil {
		t.Error("Expected error for zero tick size")
	}
}

func TestRoundPrice(t *testing.T) {
	cfg := testConfig()
	tests := []struct {
		name     string
		tick     float64
		price    float64
		expected float64
	}{
		{"half tick down", 0.5, 100.2, 100.0},
		{"half tick up", 0.5, 100.3, 100.5},
		{"already aligned", 0.01, 99.0, 99.0},
		{"cent rounding", 0.01, 100.456, 100.46},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := testSymbolInfo()
			info.TickSize = tt.tick
			calc, err := NewCalculator(cfg, info)
			if err != nil {
				t.Fatalf("NewCalculator failed: %v", err)
			}
			got := calc.RoundPrice(tt.price)
			if math.Abs(got-tt.expected) > 1e-9 {
				t.Errorf("RoundPrice(%v) = %v, expected %v", tt.price, got, tt.expected)
			}
		})
	}
}

func TestRoundPriceIdempotent(t *testing.T) {
	calc := newTestCalculator(t, testConfig())
	for _, price := range []float64{100.456, 99.999, 0.013, 12345.678} {
		once := calc.RoundPrice(price)
		twice := calc.RoundPrice(once)
		if math.Abs(once-twice) > 1e-9 {
			t.Errorf("RoundPrice not idempotent for %v: %v != %v", price, once, twice)
		}
	}
}

func TestRoundQuantityNeverRoundsUp(t *testing.T) {
	calc := newTestCalculator(t, testConfig())
	tests := []struct {
		qty      float64
		expected float64
	}{
		{0.1234, 0.123},
		{2.5, 2.5},
		{0.0009, 0},
	}
	for _, tt := range tests {
		got := calc.RoundQuantity(tt.qty)
		if math.Abs(got-tt.expected) > 1e-9 {
			t.Errorf("RoundQuantity(%v) = %v, expected %v", tt.qty, got, tt.expected)
		}
		if got > tt.qty+1e-12 {
			t.Errorf("RoundQuantity(%v) = %v rounded up", tt.qty, got)
		}
	}
}

func TestSideCounts(t *testing.T) {
	tests := []struct {
		name         string
		levels       int
		distribution string
		wantBuys     int
		wantSells    int
	}{
		{"symmetric 10", 10, config.DistributionSymmetric, 5, 5},
		{"symmetric 4", 4, config.DistributionSymmetric, 2, 2},
		{"bullish 10", 10, config.DistributionBullish, 7, 3},
		{"bearish 10", 10, config.DistributionBearish, 3, 7},
		{"bullish 4", 4, config.DistributionBullish, 3, 1},
		{"bearish 2 keeps one buy", 2, config.DistributionBearish, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.GridLevels = tt.levels
			cfg.Distribution = tt.distribution
			calc := newTestCalculator(t, cfg)
			buys, sells := calc.SideCounts()
			if buys != tt.wantBuys || sells != tt.wantSells {
				t.Errorf("SideCounts() = %d/%d, expected %d/%d", buys, sells, tt.wantBuys, tt.wantSells)
			}
			if buys+sells != tt.levels {
				t.Errorf("side counts %d+%d do not sum to %d", buys, sells, tt.levels)
			}
		})
	}
}

func TestComputeLevelsMarketMaking(t *testing.T) {
	calc := newTestCalculator(t, testConfig())
	levels, err := calc.ComputeLevels(100)
	if err != nil {
		t.Fatalf("ComputeLevels failed: %v", err)
	}

	wantBuy := []float64{99, 98}
	wantSell := []float64{101, 102}
	if len(levels.Buy) != len(wantBuy) || len(levels.Sell) != len(wantSell) {
		t.Fatalf("got %d buys / %d sells, expected %d / %d",
			len(levels.Buy), len(levels.Sell), len(wantBuy), len(wantSell))
	}
	for i, want := range wantBuy {
		if math.Abs(levels.Buy[i]-want) > 1e-9 {
			t.Errorf("Buy[%d] = %v, expected %v", i, levels.Buy[i], want)
		}
	}
	for i, want := range wantSell {
		if math.Abs(levels.Sell[i]-want) > 1e-9 {
			t.Errorf("Sell[%d] = %v, expected %v", i, levels.Sell[i], want)
		}
	}
}

func TestComputeLevelsFixedRange(t *testing.T) {
	cfg := testConfig()
	cfg.RangeMin = 90
	cfg.RangeMax = 110
	calc := newTestCalculator(t, cfg)

	levels, err := calc.ComputeLevels(100)
	if err != nil {
		t.Fatalf("ComputeLevels failed: %v", err)
	}
	if len(levels.Buy) != 2 || len(levels.Sell) != 2 {
		t.Fatalf("got %d buys / %d sells, expected 2 / 2", len(levels.Buy), len(levels.Sell))
	}
	// buys walk downward from the price
	if levels.Buy[0] < levels.Buy[1] {
		t.Errorf("buy levels not ordered outward: %v", levels.Buy)
	}
	for _, p := range levels.Buy {
		if p >= 100 {
			t.Errorf("buy level %v not below current price", p)
		}
	}
	for _, p := range levels.Sell {
		if p <= 100 {
			t.Errorf("sell level %v not above current price", p)
		}
	}
}

func TestComputeLevelsSkipsLevelAtCurrentPrice(t *testing.T) {
	cfg := testConfig()
	cfg.GridLevels = 2
	cfg.RangeMin = 90
	cfg.RangeMax = 110
	calc := newTestCalculator(t, cfg)

	levels, err := calc.ComputeLevels(90)
	if err != nil {
		t.Fatalf("ComputeLevels failed: %v", err)
	}
	if len(levels.Buy) != 0 {
		t.Errorf("level at current price should be skipped, got buys %v", levels.Buy)
	}
	if len(levels.Sell) != 1 || math.Abs(levels.Sell[0]-110) > 1e-9 {
		t.Errorf("expected single sell at 110, got %v", levels.Sell)
	}
}

func TestComputeLevelsRejectsInvalidPrice(t *testing.T) {
	calc := newTestCalculator(t, testConfig())
	if _, err := calc.ComputeLevels(0); err == nil {
		t.Error("Expected error for zero price")
	}
	if _, err := calc.ComputeLevels(-5); err == nil {
		t.Error("Expected error for negative price")
	}
}

func TestEffectiveSpacingStatic(t *testing.T) {
	calc := newTestCalculator(t, testConfig())
	if got := calc.EffectiveSpacing(); got != 1.0 {
		t.Errorf("EffectiveSpacing() = %v, expected base 1.0", got)
	}
}

func TestEffectiveSpacingAdaptive(t *testing.T) {
	t.Run("no history falls back to base", func(t *testing.T) {
		cfg := testConfig()
		cfg.AdaptiveGrid = true
		calc := newTestCalculator(t, cfg)
		if got := calc.EffectiveSpacing(); got != 1.0 {
			t.Errorf("EffectiveSpacing() = %v, expected base 1.0", got)
		}
	})

	t.Run("flat market clamps to min multiplier", func(t *testing.T) {
		cfg := testConfig()
		cfg.AdaptiveGrid = true
		calc := newTestCalculator(t, cfg)
		for i := 0; i < 10; i++ {
			calc.RecordPrice(100)
		}
		// zero stdev clamps to the volatility floor, multiplier to its min
		if got := calc.EffectiveSpacing(); math.Abs(got-0.5) > 1e-9 {
			t.Errorf("EffectiveSpacing() = %v, expected 0.5", got)
		}
	})

	t.Run("volatile market clamps to max multiplier", func(t *testing.T) {
		cfg := testConfig()
		cfg.AdaptiveGrid = true
		calc := newTestCalculator(t, cfg)
		for i := 0; i < 10; i++ {
			if i%2 == 0 {
				calc.RecordPrice(100)
			} else {
				calc.RecordPrice(105)
			}
		}
		if got := calc.EffectiveSpacing(); math.Abs(got-3.0) > 1e-9 {
			t.Errorf("EffectiveSpacing() = %v, expected 3.0", got)
		}
	})

	t.Run("always positive after garbage samples", func(t *testing.T) {
		cfg := testConfig()
		cfg.AdaptiveGrid = true
		calc := newTestCalculator(t, cfg)
		calc.RecordPrice(math.NaN())
		calc.RecordPrice(math.Inf(1))
		calc.RecordPrice(-100)
		calc.RecordPrice(0)
		calc.RecordPrice(100)
		calc.RecordPrice(100.5)
		got := calc.EffectiveSpacing()
		if got <= 0 || math.IsNaN(got) || math.IsInf(got, 0) {
			t.Errorf("EffectiveSpacing() = %v, expected finite positive", got)
		}
	})
}

func TestOrderQuantity(t *testing.T) {
	calc := newTestCalculator(t, testConfig())

	// $100 at price 100 is exactly 1.0
	if got := calc.OrderQuantity(100); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("OrderQuantity(100) = %v, expected 1.0", got)
	}

	// below the exchange minimum the quantity is floored at min notional
	cfg := testConfig()
	cfg.OrderSizeUSD = 1
	small := newTestCalculator(t, cfg)
	got := small.OrderQuantity(100)
	if got*100 < 5 {
		t.Errorf("OrderQuantity(100) = %v, notional %.2f below exchange minimum 5", got, got*100)
	}

	if got := calc.OrderQuantity(0); got != 0 {
		t.Errorf("OrderQuantity(0) = %v, expected 0", got)
	}
}

func TestProfitTarget(t *testing.T) {
	calc := newTestCalculator(t, testConfig())
	tests := []struct {
		name     string
		entry    float64
		side     string
		expected float64
	}{
		{"buy fill requotes above", 100, exchange.SideBuy, 101},
		{"sell fill requotes below", 100, exchange.SideSell, 99},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := calc.ProfitTarget(tt.entry, tt.side)
			if math.Abs(got-tt.expected) > 1e-9 {
				t.Errorf("ProfitTarget(%v, %s) = %v, expected %v", tt.entry, tt.side, got, tt.expected)
			}
		})
	}
}

func TestRequiredMargin(t *testing.T) {
	calc := newTestCalculator(t, testConfig())
	if got := calc.RequiredMargin(500); math.Abs(got-100) > 1e-9 {
		t.Errorf("RequiredMargin(500) = %v, expected 100 at 5x", got)
	}
}
