package grid

import (
	"fmt"
	"math"

	"gridbot/config"
	"gridbot/exchange"
	"gridbot/logger"
)

// Reference volatility that maps to a 1.0 spacing multiplier
const referenceVolatility = 0.005

// Volatility clamp bounds; pathological inputs degrade to these instead of
// corrupting the spacing
const (
	minVolatility = 0.001
	maxVolatility = 0.1
)

// Levels is the output of ComputeLevels: buy prices below the reference,
// sell prices above it, both tick-aligned and sorted outward from the
// reference price.
type Levels struct {
	Buy  []float64
	Sell []float64
}

// Calculator computes grid price ladders, adaptive spacing and exchange
// rounding. It is pure computation over the immutable config plus a rolling
// price history; the engine drives it from the single control loop.
type Calculator struct {
	cfg  *config.Config
	info *exchange.SymbolInfo

	// rolling window of valid prices for adaptive spacing
	priceHistory []float64
}

// NewCalculator creates a calculator bound to one symbol's trading rules
func NewCalculator(cfg *config.Config, info *exchange.SymbolInfo) (*Calculator, error) {
	if info.TickSize <= 0 || info.LotSize <= 0 {
		return nil, fmt.Errorf("invalid symbol info for %s: tick=%v lot=%v", info.Symbol, info.TickSize, info.LotSize)
	}
	return &Calculator{
		cfg:          cfg,
		info:         info,
		priceHistory: make([]float64, 0, cfg.VolatilityWindow),
	}, nil
}

// RecordPrice appends a price sample to the volatility window. Non-positive
// prices are discarded rather than poisoning the stdev.
func (c *Calculator) RecordPrice(price float64) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return
	}
	c.priceHistory = append(c.priceHistory, price)
	if len(c.priceHistory) > c.cfg.VolatilityWindow {
		c.priceHistory = c.priceHistory[len(c.priceHistory)-c.cfg.VolatilityWindow:]
	}
}

// EffectiveSpacing returns the spacing percent to quote with: the configured
// base when adaptive mode is off, otherwise base scaled by the clamped
// volatility multiplier. Always > 0; any invalid intermediate result falls
// back to the base spacing.
func (c *Calculator) EffectiveSpacing() float64 {
	base := c.cfg.SpacingPercent
	if !c.cfg.AdaptiveGrid {
		return base
	}

	vol := c.realizedVolatility()
	if vol <= 0 {
		return base
	}

	multiplier := vol / referenceVolatility
	if multiplier < c.cfg.VolMultiplierMin {
		multiplier = c.cfg.VolMultiplierMin
	} else if multiplier > c.cfg.VolMultiplierMax {
		multiplier = c.cfg.VolMultiplierMax
	}

	spacing := base * multiplier
	if spacing <= 0 || math.IsNaN(spacing) || math.IsInf(spacing, 0) {
		return base
	}
	return spacing
}

// realizedVolatility is the stdev of consecutive returns over the price
// window, clamped to [minVolatility, maxVolatility]. Returns 0 when there is
// not enough history.
func (c *Calculator) realizedVolatility() float64 {
	if len(c.priceHistory) < 2 {
		return 0
	}

	returns := make([]float64, 0, len(c.priceHistory)-1)
	for i := 1; i < len(c.priceHistory); i++ {
		prev := c.priceHistory[i-1]
		if prev <= 0 {
			continue
		}
		returns = append(returns, (c.priceHistory[i]-prev)/prev)
	}
	if len(returns) < 1 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))

	vol := math.Sqrt(variance)
	if math.IsNaN(vol) || math.IsInf(vol, 0) {
		return 0
	}
	if vol < minVolatility {
		vol = minVolatility
	} else if vol > maxVolatility {
		vol = maxVolatility
	}
	return vol
}

// ComputeLevels builds the grid ladder around currentPrice. Fixed-range mode
// spreads levels evenly across [RangeMin, RangeMax]; market-making mode walks
// outward from currentPrice by the effective spacing.
func (c *Calculator) ComputeLevels(currentPrice float64) (*Levels, error) {
	if currentPrice <= 0 {
		return nil, fmt.Errorf("current price must be > 0, got %v", currentPrice)
	}
	if c.cfg.FixedRange() {
		return c.computeFixedRangeLevels(currentPrice), nil
	}
	return c.computeMarketMakingLevels(currentPrice), nil
}

func (c *Calculator) computeFixedRangeLevels(currentPrice float64) *Levels {
	levels := &Levels{}
	n := c.cfg.GridLevels
	step := (c.cfg.RangeMax - c.cfg.RangeMin) / float64(n-1)

	for i := 0; i < n; i++ {
		price := c.RoundPrice(c.cfg.RangeMin + step*float64(i))
		if price <= 0 {
			continue
		}
		if price < currentPrice {
			levels.Buy = append(levels.Buy, price)
		} else if price > currentPrice {
			levels.Sell = append(levels.Sell, price)
		}
		// a level exactly at current price is skipped: quoting on top of the
		// mark would fill immediately
	}

	// buy levels walk downward from the price, sells upward
	reverseFloats(levels.Buy)
	return levels
}

func (c *Calculator) computeMarketMakingLevels(currentPrice float64) *Levels {
	levels := &Levels{}
	spacing := c.EffectiveSpacing() / 100
	buyCount, sellCount := c.SideCounts()

	for i := 1; i <= buyCount; i++ {
		price := c.RoundPrice(currentPrice * (1 - spacing*float64(i)))
		if price <= 0 || price >= currentPrice {
			continue
		}
		levels.Buy = append(levels.Buy, price)
	}
	for i := 1; i <= sellCount; i++ {
		price := c.RoundPrice(currentPrice * (1 + spacing*float64(i)))
		if price <= currentPrice {
			continue
		}
		levels.Sell = append(levels.Sell, price)
	}
	return levels
}

// SideCounts returns the target number of buy and sell levels for the
// configured distribution.
func (c *Calculator) SideCounts() (buys, sells int) {
	n := c.cfg.GridLevels
	switch c.cfg.Distribution {
	case config.DistributionBullish:
		buys = (n*7 + 5) / 10 // 70% buy side
	case config.DistributionBearish:
		buys = (n*3 + 5) / 10 // 30% buy side
	default:
		buys = n / 2
	}
	if buys < 1 {
		buys = 1
	}
	if buys > n-1 {
		buys = n - 1
	}
	return buys, n - buys
}

// RoundPrice rounds to the nearest tick, half away from zero
func (c *Calculator) RoundPrice(price float64) float64 {
	if c.info.TickSize <= 0 {
		return price
	}
	return math.Floor(price/c.info.TickSize+0.5) * c.info.TickSize
}

// RoundQuantity rounds DOWN to the nearest lot. Never rounds up: a rounded-up
// quantity could exceed the per-order USD budget.
func (c *Calculator) RoundQuantity(qty float64) float64 {
	if c.info.LotSize <= 0 {
		return qty
	}
	return math.Floor(qty/c.info.LotSize) * c.info.LotSize
}

// OrderQuantity sizes one grid order at the given price: OrderSizeUSD worth,
// lot-rounded down, floored at the exchange minimum notional.
func (c *Calculator) OrderQuantity(price float64) float64 {
	if price <= 0 {
		return 0
	}
	qty := c.RoundQuantity(c.cfg.OrderSizeUSD / price)
	minQty := c.minQuantity(price)
	if qty < minQty {
		logger.Debugf("[Grid] order size $%.2f below exchange minimum at $%.4f, using min qty %.6f",
			c.cfg.OrderSizeUSD, price, minQty)
		qty = minQty
	}
	return qty
}

// minQuantity is the smallest lot-aligned quantity satisfying the exchange's
// minimum notional. This is the one place quantity rounds up: below it the
// exchange rejects the order outright.
func (c *Calculator) minQuantity(price float64) float64 {
	if c.info.MinOrderSize <= 0 || price <= 0 {
		return c.info.LotSize
	}
	lots := math.Ceil(c.info.MinOrderSize / price / c.info.LotSize)
	return lots * c.info.LotSize
}

// ProfitTarget returns the re-quote price after a fill: one effective spacing
// step in the profitable direction, tick-rounded. filledSide is the side of
// the order that filled.
func (c *Calculator) ProfitTarget(entryPrice float64, filledSide string) float64 {
	spacing := c.EffectiveSpacing() / 100
	if filledSide == exchange.SideBuy {
		return c.RoundPrice(entryPrice * (1 + spacing))
	}
	return c.RoundPrice(entryPrice * (1 - spacing))
}

// RequiredMargin returns the margin a notional position consumes at the
// configured leverage.
func (c *Calculator) RequiredMargin(notional float64) float64 {
	if c.cfg.Leverage <= 0 {
		return notional
	}
	return notional / float64(c.cfg.Leverage)
}

func reverseFloats(s []float64) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
