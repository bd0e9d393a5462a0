package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Grid distribution modes
const (
	DistributionSymmetric = "symmetric"
	DistributionBullish   = "bullish"
	DistributionBearish   = "bearish"
)

// Actions taken when a session limit is crossed
const (
	ActionPause    = "pause"
	ActionShutdown = "shutdown"
)

// Auto-close strategies for margin remediation
const (
	AutoCloseCancelOrders   = "cancel_orders"
	AutoCloseForceSell      = "force_sell"
	AutoCloseLossManagement = "loss_management"
	AutoCloseHybrid         = "hybrid"
)

// Config is the immutable process configuration, built once at startup from
// the environment and passed by pointer to every component constructor.
type Config struct {
	// Exchange selection and credentials
	Exchange           string // binance | hyperliquid
	BinanceAPIKey      string
	BinanceSecretKey   string
	HyperliquidKey     string // agent private key
	HyperliquidWallet  string // main wallet address
	HyperliquidTestnet bool

	// Grid parameters
	Symbol           string
	Leverage         int
	GridLevels       int // even, >= 2
	SpacingPercent   float64
	OrderSizeUSD     float64
	Distribution     string
	AdaptiveGrid     bool
	VolatilityWindow int
	VolMultiplierMin float64
	VolMultiplierMax float64
	RangeMin         float64 // fixed-range mode when both > 0
	RangeMax         float64
	PostOnly         bool

	// Dynamic (trend-aware) variant
	DynamicGrid             bool
	TrendWindow             int
	TrendThresholdPercent   float64 // price move before relocating
	TrendMaxDistancePercent float64 // orders farther than this get relocated

	// Risk: per-cycle and session
	CycleStopLossPercent       float64
	CycleTakeProfitPercent     float64
	SessionMaxLossUSD          float64
	SessionMaxLossPercent      float64
	SessionProfitTargetUSD     float64
	SessionProfitTargetPercent float64
	ActionOnLimit              string // pause | shutdown
	PauseDuration              time.Duration

	// Position ledger
	MarginSafetyPercent float64 // fraction, e.g. 0.20
	MaxPositionSizeUSD  float64
	MaxOpenOrders       int
	AutoCloseStrategy   string
	AutoReduce          bool
	PartialClosePercent float64 // share of position sold on forced reduce

	// Margin trend protector
	MarginDropThresholdPercent float64
	MarginHistoryMinutes       int
	MarginDropAction           string // cancel_orders | reduce_positions | pause | shutdown

	// Emergency stop loss
	EmergencySLPercent      float64
	EmergencyTPPercent      float64
	EmergencyMaxLossMinutes int

	// Loop and housekeeping
	TickInterval  time.Duration
	ResetInterval time.Duration // periodic full grid reset, 0 disables
	CancelDelay   time.Duration // sleep between bulk cancellations
	DataDir       string
	MetricsPort   int // 0 disables the /metrics listener
	LogLevel      string
	LogFile       string
}

// Load builds the configuration from environment variables and validates it.
// Invalid grid parameters are fatal: the process must not trade on them.
func Load() (*Config, error) {
	cfg := &Config{
		Exchange:           strings.ToLower(getEnv("EXCHANGE", "binance")),
		BinanceAPIKey:      os.Getenv("BINANCE_API_KEY"),
		BinanceSecretKey:   os.Getenv("BINANCE_SECRET_KEY"),
		HyperliquidKey:     os.Getenv("HYPERLIQUID_PRIVATE_KEY"),
		HyperliquidWallet:  os.Getenv("HYPERLIQUID_WALLET_ADDR"),
		HyperliquidTestnet: getEnvBool("HYPERLIQUID_TESTNET", false),

		Symbol:           getEnv("SYMBOL", "BTCUSDT"),
		Leverage:         getEnvInt("LEVERAGE", 5),
		GridLevels:       getEnvInt("GRID_LEVELS", 10),
		SpacingPercent:   getEnvFloat("GRID_SPACING_PERCENT", 0.5),
		OrderSizeUSD:     getEnvFloat("ORDER_SIZE_USD", 100),
		Distribution:     strings.ToLower(getEnv("GRID_DISTRIBUTION", DistributionSymmetric)),
		AdaptiveGrid:     getEnvBool("ADAPTIVE_GRID", false),
		VolatilityWindow: getEnvInt("VOLATILITY_WINDOW", 20),
		VolMultiplierMin: getEnvFloat("VOL_MULTIPLIER_MIN", 0.5),
		VolMultiplierMax: getEnvFloat("VOL_MULTIPLIER_MAX", 3.0),
		RangeMin:         getEnvFloat("RANGE_MIN", 0),
		RangeMax:         getEnvFloat("RANGE_MAX", 0),
		PostOnly:         getEnvBool("GRID_POST_ONLY", false),

		DynamicGrid:             getEnvBool("DYNAMIC_GRID", false),
		TrendWindow:             getEnvInt("TREND_WINDOW", 30),
		TrendThresholdPercent:   getEnvFloat("TREND_THRESHOLD_PERCENT", 1.0),
		TrendMaxDistancePercent: getEnvFloat("TREND_MAX_DISTANCE_PERCENT", 3.0),

		CycleStopLossPercent:       getEnvFloat("GRID_CYCLE_STOP_LOSS_PERCENT", 5.0),
		CycleTakeProfitPercent:     getEnvFloat("GRID_CYCLE_TAKE_PROFIT_PERCENT", 10.0),
		SessionMaxLossUSD:          getEnvFloat("GRID_SESSION_MAX_LOSS_USD", 0),
		SessionMaxLossPercent:      getEnvFloat("GRID_SESSION_MAX_LOSS_PERCENT", 0),
		SessionProfitTargetUSD:     getEnvFloat("GRID_SESSION_PROFIT_TARGET_USD", 0),
		SessionProfitTargetPercent: getEnvFloat("GRID_SESSION_PROFIT_TARGET_PERCENT", 0),
		ActionOnLimit:              strings.ToLower(getEnv("GRID_ACTION_ON_LIMIT", ActionPause)),
		PauseDuration:              time.Duration(getEnvInt("GRID_PAUSE_DURATION_MINUTES", 60)) * time.Minute,

		MarginSafetyPercent: getEnvFloat("MARGIN_SAFETY_PERCENT", 20) / 100,
		MaxPositionSizeUSD:  getEnvFloat("MAX_POSITION_SIZE_USD", 0),
		MaxOpenOrders:       getEnvInt("MAX_OPEN_ORDERS", 20),
		AutoCloseStrategy:   strings.ToLower(getEnv("AUTO_CLOSE_STRATEGY", AutoCloseHybrid)),
		AutoReduce:          getEnvBool("AUTO_REDUCE", true),
		PartialClosePercent: getEnvFloat("PARTIAL_CLOSE_PERCENT", 25),

		MarginDropThresholdPercent: getEnvFloat("MARGIN_DROP_THRESHOLD_PERCENT", 15),
		MarginHistoryMinutes:       getEnvInt("MARGIN_HISTORY_MINUTES", 3),
		MarginDropAction:           strings.ToLower(getEnv("MARGIN_DROP_ACTION", "cancel_orders")),

		EmergencySLPercent:      getEnvFloat("EMERGENCY_SL_PERCENT", 15),
		EmergencyTPPercent:      getEnvFloat("EMERGENCY_TP_PERCENT", 30),
		EmergencyMaxLossMinutes: getEnvInt("EMERGENCY_MAX_LOSS_MINUTES", 120),

		TickInterval:  time.Duration(getEnvInt("TICK_INTERVAL_SECONDS", 1)) * time.Second,
		ResetInterval: time.Duration(getEnvInt("GRID_RESET_MINUTES", 0)) * time.Minute,
		CancelDelay:   time.Duration(getEnvInt("CANCEL_DELAY_MS", 150)) * time.Millisecond,
		DataDir:       getEnv("DATA_DIR", "data"),
		MetricsPort:   getEnvInt("METRICS_PORT", 0),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFile:       os.Getenv("LOG_FILE"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks grid parameters. Errors here are fatal at startup, never
// recoverable at runtime.
func (c *Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("SYMBOL must not be empty")
	}
	if c.Leverage < 1 {
		return fmt.Errorf("LEVERAGE must be >= 1, got %d", c.Leverage)
	}
	if c.GridLevels < 2 || c.GridLevels%2 != 0 {
		return fmt.Errorf("GRID_LEVELS must be an even number >= 2, got %d", c.GridLevels)
	}
	if c.SpacingPercent <= 0 {
		return fmt.Errorf("GRID_SPACING_PERCENT must be > 0, got %v", c.SpacingPercent)
	}
	if c.OrderSizeUSD <= 0 {
		return fmt.Errorf("ORDER_SIZE_USD must be > 0, got %v", c.OrderSizeUSD)
	}
	switch c.Distribution {
	case DistributionSymmetric, DistributionBullish, DistributionBearish:
	default:
		return fmt.Errorf("GRID_DISTRIBUTION must be symmetric/bullish/bearish, got %q", c.Distribution)
	}
	if c.FixedRange() {
		if c.RangeMin <= 0 || c.RangeMax <= 0 || c.RangeMin >= c.RangeMax {
			return fmt.Errorf("fixed range requires 0 < RANGE_MIN < RANGE_MAX, got [%v, %v]", c.RangeMin, c.RangeMax)
		}
	}
	if c.ActionOnLimit != ActionPause && c.ActionOnLimit != ActionShutdown {
		return fmt.Errorf("GRID_ACTION_ON_LIMIT must be pause or shutdown, got %q", c.ActionOnLimit)
	}
	switch c.AutoCloseStrategy {
	case AutoCloseCancelOrders, AutoCloseForceSell, AutoCloseLossManagement, AutoCloseHybrid:
	default:
		return fmt.Errorf("AUTO_CLOSE_STRATEGY must be cancel_orders/force_sell/loss_management/hybrid, got %q", c.AutoCloseStrategy)
	}
	if c.VolatilityWindow < 2 {
		return fmt.Errorf("VOLATILITY_WINDOW must be >= 2, got %d", c.VolatilityWindow)
	}
	if c.VolMultiplierMin <= 0 || c.VolMultiplierMax < c.VolMultiplierMin {
		return fmt.Errorf("volatility multiplier bounds invalid: [%v, %v]", c.VolMultiplierMin, c.VolMultiplierMax)
	}
	return nil
}

// FixedRange reports whether the grid runs in pure-grid mode over a fixed
// [RangeMin, RangeMax] band instead of market-making around current price.
func (c *Config) FixedRange() bool {
	return c.RangeMin != 0 || c.RangeMax != 0
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return strings.ToLower(strings.TrimSpace(v)) == "true"
	}
	return fallback
}
