package exchange

import "time"

// Order sides and types as sent to the exchange.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	OrderTypeLimit  = "LIMIT"
	OrderTypeMarket = "MARKET"
	OrderTypeIOC    = "IOC" // immediate-or-cancel limit
)

// OpenOrder represents a pending order on the exchange
type OpenOrder struct {
	OrderID  string  `json:"order_id"`
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"` // BUY/SELL
	Type     string  `json:"type"` // LIMIT/STOP_MARKET/TAKE_PROFIT_MARKET
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	Status   string  `json:"status"`
}

// IsProtective reports whether this is a stop-loss/take-profit order rather
// than a resting grid order. Protective orders are excluded from the open
// order count used for admission control.
func (o *OpenOrder) IsProtective() bool {
	return o.Type != OrderTypeLimit && o.Type != OrderTypeIOC && o.Type != ""
}

// OrderRequest is a typed CreateOrder payload
type OrderRequest struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"` // BUY/SELL
	Quantity   float64 `json:"quantity"`
	Price      float64 `json:"price"`      // 0 for market orders
	OrderType  string  `json:"order_type"` // LIMIT/MARKET/IOC
	ReduceOnly bool    `json:"reduce_only"`
	PostOnly   bool    `json:"post_only"`
	ClientID   string  `json:"client_id"`
}

// OrderResult is the outcome of CreateOrder
type OrderResult struct {
	Success bool    `json:"success"`
	OrderID string  `json:"order_id"`
	Price   float64 `json:"price"`
	Error   string  `json:"error,omitempty"`
}

// PositionInfo is a raw position as reported by the exchange
type PositionInfo struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`   // long/short
	Amount     float64 `json:"amount"` // always positive, direction in Side
	EntryPrice float64 `json:"entry_price"`
	MarkPrice  float64 `json:"mark_price"`
}

// PriceInfo carries mark and mid price for one symbol
type PriceInfo struct {
	Symbol string  `json:"symbol"`
	Mark   float64 `json:"mark"`
	Mid    float64 `json:"mid"`
}

// SymbolInfo carries exchange trading rules for one symbol
type SymbolInfo struct {
	Symbol       string  `json:"symbol"`
	TickSize     float64 `json:"tick_size"`
	LotSize      float64 `json:"lot_size"`
	MinOrderSize float64 `json:"min_order_size"` // min notional in USD
}

// AccountInfo is the account margin snapshot
type AccountInfo struct {
	Balance          float64   `json:"balance"`
	AvailableToSpend float64   `json:"available_to_spend"`
	TotalMarginUsed  float64   `json:"total_margin_used"`
	FetchedAt        time.Time `json:"fetched_at"`
}

// MarginPercent returns available margin as a fraction of balance (0..1)
func (a *AccountInfo) MarginPercent() float64 {
	if a.Balance <= 0 {
		return 0
	}
	return a.AvailableToSpend / a.Balance
}

// Client is the unified exchange interface the engine trades through.
// Implementations exist for Binance USD-M futures and Hyperliquid; tests use
// in-memory fakes.
type Client interface {
	// GetOpenOrders returns pending orders, all symbols when symbol is empty
	GetOpenOrders(symbol string) ([]OpenOrder, error)

	// CreateOrder places an order and reports the exchange order id
	CreateOrder(req *OrderRequest) (*OrderResult, error)

	// CancelOrder cancels one order, true when the exchange accepted it
	CancelOrder(orderID, symbol string) (bool, error)

	// GetPositions returns all non-zero positions
	GetPositions() ([]PositionInfo, error)

	// GetPrices returns mark/mid prices for all tradable symbols
	GetPrices() ([]PriceInfo, error)

	// GetSymbolInfo returns tick size, lot size and min order size
	GetSymbolInfo(symbol string) (*SymbolInfo, error)

	// GetAccountInfo returns the current balance/margin snapshot
	GetAccountInfo() (*AccountInfo, error)

	// SetLeverage sets leverage for a symbol (non-fatal when unsupported)
	SetLeverage(symbol string, leverage int) error
}

// GetPrice is a convenience helper returning the mark price for one symbol,
// falling back to mid when mark is missing.
func GetPrice(c Client, symbol string) (float64, error) {
	prices, err := c.GetPrices()
	if err != nil {
		return 0, err
	}
	for _, p := range prices {
		if p.Symbol != symbol {
			continue
		}
		if p.Mark > 0 {
			return p.Mark, nil
		}
		return p.Mid, nil
	}
	return 0, ErrSymbolNotFound
}
