package grid

import (
	"math"

	"gridbot/exchange"
	"gridbot/logger"
)

// RebalancePolicy decides how the engine keeps both sides of the ladder
// quoted as price moves. The static policy tops up the short side in place;
// the trend policy additionally relocates orders left behind by a directional
// move.
type RebalancePolicy interface {
	Rebalance(e *Engine, currentPrice float64) error
}

// how many candidate levels beyond the target to probe before giving up on a
// side (occupied or rejected levels consume attempts)
const rebalanceProbeFactor = 3

// ============================================================================
// Static policy
// ============================================================================

// StaticPolicy restores each side to its target count by walking outward from
// the current price one spacing step at a time. Correctly priced existing
// orders are never touched.
type StaticPolicy struct{}

// NewStaticPolicy creates the default rebalance policy
func NewStaticPolicy() *StaticPolicy {
	return &StaticPolicy{}
}

func (p *StaticPolicy) Rebalance(e *Engine, currentPrice float64) error {
	topUpSide(e, exchange.SideBuy, currentPrice)
	topUpSide(e, exchange.SideSell, currentPrice)

	if skewed, buys, sells := e.GridSkew(); skewed {
		logger.Warnf("[Grid] ladder skewed after rebalance: %d buys / %d sells", buys, sells)
	}
	return nil
}

// topUpSide places orders on one side until it reaches its target count,
// walking outward at spacing*level and skipping occupied or rejected levels.
func topUpSide(e *Engine, side string, currentPrice float64) {
	targetBuys, targetSells := e.calc.SideCounts()
	target := targetBuys
	if side == exchange.SideSell {
		target = targetSells
	}

	have := e.sideCount(side)
	if have >= target {
		return
	}

	spacing := e.calc.EffectiveSpacing() / 100
	missing := target - have
	placed := 0
	for i := 1; i <= target*rebalanceProbeFactor && placed < missing; i++ {
		var price float64
		if side == exchange.SideBuy {
			price = currentPrice * (1 - spacing*float64(i))
		} else {
			price = currentPrice * (1 + spacing*float64(i))
		}
		if price <= 0 {
			break
		}
		if e.placeLevelOrder(side, price) {
			placed++
		}
	}
	if placed > 0 {
		logger.Infof("[Grid] topped up %s side with %d orders", side, placed)
	}
}

// sideCount returns the number of tracked orders on one side
func (e *Engine) sideCount(side string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, o := range e.orders {
		if o.Side == side {
			n++
		}
	}
	return n
}

// ============================================================================
// Trend-aware policy (dynamic grid)
// ============================================================================

// TrendPolicy is the dynamic variant: it watches a bounded window of recent
// prices and, when price has trended past the configured threshold, relocates
// only the lagging-side orders that drifted beyond the max-distance bound.
// Sideways movement falls back to the static behavior.
type TrendPolicy struct {
	static *StaticPolicy

	window      []float64
	windowSize  int
	anchorPrice float64 // price at last relocation or first observation
}

// NewTrendPolicy creates the trend-aware rebalance policy
func NewTrendPolicy(windowSize int) *TrendPolicy {
	if windowSize < 2 {
		windowSize = 2
	}
	return &TrendPolicy{
		static:     NewStaticPolicy(),
		windowSize: windowSize,
	}
}

func (p *TrendPolicy) Rebalance(e *Engine, currentPrice float64) error {
	p.observe(currentPrice)

	score := p.TrendScore()
	moved := p.movePercent(currentPrice)

	trending := math.Abs(moved) >= e.cfg.TrendThresholdPercent &&
		math.Abs(score) >= 0.5 &&
		(score > 0) == (moved > 0)

	if !trending {
		return p.static.Rebalance(e, currentPrice)
	}

	logger.Infof("[Grid] trend detected: moved %.2f%%, score %.2f, relocating lagging side", moved, score)
	p.relocateLaggingSide(e, currentPrice, moved > 0)
	p.anchorPrice = currentPrice

	// the leading side may still be short after a string of fills
	return p.static.Rebalance(e, currentPrice)
}

func (p *TrendPolicy) observe(price float64) {
	if price <= 0 {
		return
	}
	if p.anchorPrice == 0 {
		p.anchorPrice = price
	}
	p.window = append(p.window, price)
	if len(p.window) > p.windowSize {
		p.window = p.window[len(p.window)-p.windowSize:]
	}
}

// TrendScore is the normalized direction score in [-1, 1]: the average
// step-wise return scaled so that a cumulative drift equal to the window's
// span saturates at ±1.
func (p *TrendPolicy) TrendScore() float64 {
	if len(p.window) < 2 {
		return 0
	}
	sum := 0.0
	steps := 0
	for i := 1; i < len(p.window); i++ {
		prev := p.window[i-1]
		if prev <= 0 {
			continue
		}
		sum += (p.window[i] - prev) / prev
		steps++
	}
	if steps == 0 {
		return 0
	}
	avg := sum / float64(steps)

	// scale: an average step return of 0.1% per step counts as fully trending
	score := avg / 0.001
	if score > 1 {
		score = 1
	} else if score < -1 {
		score = -1
	}
	return score
}

func (p *TrendPolicy) movePercent(currentPrice float64) float64 {
	if p.anchorPrice <= 0 {
		return 0
	}
	return (currentPrice - p.anchorPrice) / p.anchorPrice * 100
}

// relocateLaggingSide cancels the lagging-side orders that fell farther than
// the max-distance threshold behind the move and recreates that side near the
// current price. Orders still within range are left alone.
func (p *TrendPolicy) relocateLaggingSide(e *Engine, currentPrice float64, movedUp bool) {
	laggingSide := exchange.SideBuy // price moved up: buys trail below
	if !movedUp {
		laggingSide = exchange.SideSell
	}

	var stale []*PlacedOrder
	e.mu.RLock()
	for _, o := range e.orders {
		if o.Side != laggingSide {
			continue
		}
		distance := math.Abs(currentPrice-o.Price) / currentPrice * 100
		if distance > e.cfg.TrendMaxDistancePercent {
			stale = append(stale, o)
		}
	}
	e.mu.RUnlock()

	if len(stale) == 0 {
		return
	}

	logger.Infof("[Grid] relocating %d %s orders beyond %.2f%% of $%.4f",
		len(stale), laggingSide, e.cfg.TrendMaxDistancePercent, currentPrice)
	for _, o := range stale {
		e.cancelOrder(o)
	}

	topUpSide(e, laggingSide, currentPrice)
}
