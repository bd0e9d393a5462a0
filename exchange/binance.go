package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"

	"gridbot/config"
	"gridbot/logger"
)

const (
	binanceBaseURL        = "https://fapi.binance.com"
	binanceRequestTimeout = 10 * time.Second
)

// binanceRules caches per-symbol trading rules so order formatting does not
// hit the exchange-info endpoint on every call.
type binanceRules struct {
	info         *SymbolInfo
	pricePrec    int
	quantityPrec int
}

// BinanceClient trades USD-M perpetual futures through the official REST API
type BinanceClient struct {
	api *futures.Client

	mu    sync.RWMutex
	rules map[string]*binanceRules
}

// NewBinanceClient builds a futures client from the configured credentials
func NewBinanceClient(cfg *config.Config) (*BinanceClient, error) {
	if cfg.BinanceAPIKey == "" || cfg.BinanceSecretKey == "" {
		return nil, fmt.Errorf("BINANCE_API_KEY and BINANCE_SECRET_KEY are required")
	}
	api := futures.NewClient(cfg.BinanceAPIKey, cfg.BinanceSecretKey)
	api.BaseURL = binanceBaseURL
	return &BinanceClient{api: api, rules: make(map[string]*binanceRules)}, nil
}

func binanceCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), binanceRequestTimeout)
}

// GetOpenOrders returns pending orders, all symbols when symbol is empty
func (b *BinanceClient) GetOpenOrders(symbol string) ([]OpenOrder, error) {
	ctx, cancel := binanceCtx()
	defer cancel()

	svc := b.api.NewListOpenOrdersService()
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}
	raw, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open orders failed: %w", err)
	}

	orders := make([]OpenOrder, 0, len(raw))
	for _, o := range raw {
		price, _ := strconv.ParseFloat(o.Price, 64)
		qty, _ := strconv.ParseFloat(o.OrigQuantity, 64)
		orders = append(orders, OpenOrder{
			OrderID:  strconv.FormatInt(o.OrderID, 10),
			Symbol:   o.Symbol,
			Side:     string(o.Side),
			Type:     string(o.Type),
			Price:    price,
			Quantity: qty,
			Status:   string(o.Status),
		})
	}
	return orders, nil
}

// CreateOrder places an order. Exchange-side rejections come back as an
// unsuccessful result with the API message, not as an error: callers decide
// whether a rejection (reduce-only on a gone position, post-only crossing) is
// retryable.
func (b *BinanceClient) CreateOrder(req *OrderRequest) (*OrderResult, error) {
	rules, err := b.symbolRules(req.Symbol)
	if err != nil {
		return nil, err
	}

	svc := b.api.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Quantity(strconv.FormatFloat(req.Quantity, 'f', rules.quantityPrec, 64))

	switch req.OrderType {
	case OrderTypeMarket:
		svc = svc.Type(futures.OrderTypeMarket)
	case OrderTypeIOC:
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeIOC).
			Price(strconv.FormatFloat(req.Price, 'f', rules.pricePrec, 64))
	default:
		tif := futures.TimeInForceTypeGTC
		if req.PostOnly {
			tif = futures.TimeInForceTypeGTX
		}
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(tif).
			Price(strconv.FormatFloat(req.Price, 'f', rules.pricePrec, 64))
	}

	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.ClientID != "" {
		svc = svc.NewClientOrderID(req.ClientID)
	}

	ctx, cancel := binanceCtx()
	defer cancel()
	resp, err := svc.Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) {
			return &OrderResult{Success: false, Error: apiErr.Message}, nil
		}
		return nil, fmt.Errorf("create order failed: %w", err)
	}

	price, _ := strconv.ParseFloat(resp.Price, 64)
	if price == 0 {
		price, _ = strconv.ParseFloat(resp.AvgPrice, 64)
	}
	return &OrderResult{
		Success: true,
		OrderID: strconv.FormatInt(resp.OrderID, 10),
		Price:   price,
	}, nil
}

// CancelOrder cancels one order. An order the exchange no longer knows about
// counts as not-cancelled without an error: it was most likely filled.
func (b *BinanceClient) CancelOrder(orderID, symbol string) (bool, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return false, fmt.Errorf("invalid order id %q: %w", orderID, err)
	}

	ctx, cancel := binanceCtx()
	defer cancel()
	_, err = b.api.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && (apiErr.Code == -2011 || apiErr.Code == -2013) {
			logger.Debugf("[Binance] cancel %s: order already gone (%s)", orderID, apiErr.Message)
			return false, nil
		}
		return false, fmt.Errorf("cancel order %s failed: %w", orderID, err)
	}
	return true, nil
}

// GetPositions returns all non-zero positions
func (b *BinanceClient) GetPositions() ([]PositionInfo, error) {
	ctx, cancel := binanceCtx()
	defer cancel()

	raw, err := b.api.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("position risk query failed: %w", err)
	}

	var positions []PositionInfo
	for _, p := range raw {
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(p.MarkPrice, 64)
		side := "long"
		if amt < 0 {
			side = "short"
			amt = -amt
		}
		positions = append(positions, PositionInfo{
			Symbol:     p.Symbol,
			Side:       side,
			Amount:     amt,
			EntryPrice: entry,
			MarkPrice:  mark,
		})
	}
	return positions, nil
}

// GetPrices returns mark and mid prices for all tradable symbols
func (b *BinanceClient) GetPrices() ([]PriceInfo, error) {
	ctx, cancel := binanceCtx()
	defer cancel()

	marks, err := b.api.NewPremiumIndexService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("premium index query failed: %w", err)
	}
	books, err := b.api.NewListBookTickersService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("book ticker query failed: %w", err)
	}

	mids := make(map[string]float64, len(books))
	for _, t := range books {
		bid, _ := strconv.ParseFloat(t.BidPrice, 64)
		ask, _ := strconv.ParseFloat(t.AskPrice, 64)
		if bid > 0 && ask > 0 {
			mids[t.Symbol] = (bid + ask) / 2
		}
	}

	prices := make([]PriceInfo, 0, len(marks))
	for _, m := range marks {
		mark, _ := strconv.ParseFloat(m.MarkPrice, 64)
		prices = append(prices, PriceInfo{
			Symbol: m.Symbol,
			Mark:   mark,
			Mid:    mids[m.Symbol],
		})
	}
	return prices, nil
}

// GetSymbolInfo returns tick size, lot size and min notional for one symbol
func (b *BinanceClient) GetSymbolInfo(symbol string) (*SymbolInfo, error) {
	rules, err := b.symbolRules(symbol)
	if err != nil {
		return nil, err
	}
	info := *rules.info
	return &info, nil
}

// GetAccountInfo returns the balance/margin snapshot
func (b *BinanceClient) GetAccountInfo() (*AccountInfo, error) {
	ctx, cancel := binanceCtx()
	defer cancel()

	acct, err := b.api.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("account query failed: %w", err)
	}

	balance, _ := strconv.ParseFloat(acct.TotalWalletBalance, 64)
	available, _ := strconv.ParseFloat(acct.AvailableBalance, 64)
	marginUsed, _ := strconv.ParseFloat(acct.TotalInitialMargin, 64)

	return &AccountInfo{
		Balance:          balance,
		AvailableToSpend: available,
		TotalMarginUsed:  marginUsed,
		FetchedAt:        time.Now(),
	}, nil
}

// SetLeverage sets the symbol leverage
func (b *BinanceClient) SetLeverage(symbol string, leverage int) error {
	ctx, cancel := binanceCtx()
	defer cancel()
	_, err := b.api.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	if err != nil {
		return fmt.Errorf("change leverage failed: %w", err)
	}
	return nil
}

// symbolRules loads and caches the trading rules for a symbol
func (b *BinanceClient) symbolRules(symbol string) (*binanceRules, error) {
	b.mu.RLock()
	cached, ok := b.rules[symbol]
	b.mu.RUnlock()
	if ok {
		return cached, nil
	}

	ctx, cancel := binanceCtx()
	defer cancel()
	info, err := b.api.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("exchange info query failed: %w", err)
	}

	for i := range info.Symbols {
		s := info.Symbols[i]
		if s.Symbol != symbol {
			continue
		}

		var tick, lot, minNotional float64
		if pf := s.PriceFilter(); pf != nil {
			tick, _ = strconv.ParseFloat(pf.TickSize, 64)
		}
		if lf := s.LotSizeFilter(); lf != nil {
			lot, _ = strconv.ParseFloat(lf.StepSize, 64)
		}
		if nf := s.MinNotionalFilter(); nf != nil {
			minNotional, _ = strconv.ParseFloat(nf.Notional, 64)
		}
		if tick <= 0 || lot <= 0 {
			return nil, fmt.Errorf("symbol %s has invalid filters (tick %v, lot %v)", symbol, tick, lot)
		}

		rules := &binanceRules{
			info: &SymbolInfo{
				Symbol:       symbol,
				TickSize:     tick,
				LotSize:      lot,
				MinOrderSize: minNotional,
			},
			pricePrec:    s.PricePrecision,
			quantityPrec: s.QuantityPrecision,
		}
		b.mu.Lock()
		b.rules[symbol] = rules
		b.mu.Unlock()
		return rules, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
}
