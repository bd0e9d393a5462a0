package exchange

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sonirico/go-hyperliquid"

	"gridbot/config"
	"gridbot/logger"
)

// Hyperliquid enforces a $10 minimum order notional and 5 significant figures
// on prices.
const (
	hlMinNotional  = 10.0
	hlPriceSigfigs = 5
)

// HyperliquidClient trades perpetuals through an authorized agent wallet.
// Symbols use the Binance-style convention (BTCUSDT) and are translated to
// Hyperliquid coin names (BTC) at the boundary.
type HyperliquidClient struct {
	exchange   *hyperliquid.Exchange
	ctx        context.Context
	walletAddr string

	metaMu sync.RWMutex
	meta   *hyperliquid.Meta
}

// NewHyperliquidClient creates a client signing with the agent private key
// against the configured main wallet.
func NewHyperliquidClient(cfg *config.Config) (*HyperliquidClient, error) {
	keyHex := strings.TrimPrefix(strings.ToLower(cfg.HyperliquidKey), "0x")
	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	if cfg.HyperliquidWallet == "" {
		return nil, fmt.Errorf("HYPERLIQUID_WALLET_ADDR is required: the agent key signs, the main wallet holds funds")
	}

	agentAddr := crypto.PubkeyToAddress(*privateKey.Public().(*ecdsa.PublicKey)).Hex()
	if strings.EqualFold(cfg.HyperliquidWallet, agentAddr) {
		logger.Warnf("[Hyperliquid] wallet address equals agent address: you may be signing with the main wallet key, create a separate agent wallet")
	}

	apiURL := hyperliquid.MainnetAPIURL
	if cfg.HyperliquidTestnet {
		apiURL = hyperliquid.TestnetAPIURL
	}

	ctx := context.Background()
	exchange := hyperliquid.NewExchange(ctx, privateKey, apiURL, nil, "", cfg.HyperliquidWallet, nil)

	meta, err := exchange.Info().Meta(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load asset metadata: %w", err)
	}

	logger.Infof("[Hyperliquid] client ready (testnet=%v, wallet=%s, %d assets)",
		cfg.HyperliquidTestnet, cfg.HyperliquidWallet, len(meta.Universe))

	return &HyperliquidClient{
		exchange:   exchange,
		ctx:        ctx,
		walletAddr: cfg.HyperliquidWallet,
		meta:       meta,
	}, nil
}

// GetOpenOrders returns resting orders, all coins when symbol is empty.
// Hyperliquid does not expose the trigger flag on open orders, so everything
// is reported as a limit order.
func (h *HyperliquidClient) GetOpenOrders(symbol string) ([]OpenOrder, error) {
	coin := hlCoin(symbol)
	raw, err := h.exchange.Info().OpenOrders(h.ctx, h.walletAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to get open orders: %w", err)
	}

	orders := make([]OpenOrder, 0, len(raw))
	for _, o := range raw {
		if coin != "" && o.Coin != coin {
			continue
		}
		price := o.LimitPx
		qty := o.Size
		side := SideSell
		if o.Side == "B" {
			side = SideBuy
		}
		orders = append(orders, OpenOrder{
			OrderID:  strconv.FormatInt(o.Oid, 10),
			Symbol:   o.Coin + "USDT",
			Side:     side,
			Type:     OrderTypeLimit,
			Price:    price,
			Quantity: qty,
			Status:   "NEW",
		})
	}
	return orders, nil
}

// CreateOrder places an order. Market orders become aggressive IOC limits
// priced 1% through the book, as Hyperliquid has no native market order.
// The resting order id for limit orders is resolved by re-querying open
// orders, the SDK does not surface it from the placement call.
func (h *HyperliquidClient) CreateOrder(req *OrderRequest) (*OrderResult, error) {
	coin := hlCoin(req.Symbol)
	size := h.roundSize(coin, req.Quantity)
	if size <= 0 {
		return &OrderResult{Success: false, Error: "quantity rounds to zero"}, nil
	}

	isBuy := req.Side == SideBuy
	price := req.Price
	tif := hyperliquid.TifGtc

	switch req.OrderType {
	case OrderTypeMarket:
		mid, err := h.midPrice(coin)
		if err != nil {
			return nil, err
		}
		if isBuy {
			price = mid * 1.01
		} else {
			price = mid * 0.99
		}
		tif = hyperliquid.TifIoc
	case OrderTypeIOC:
		tif = hyperliquid.TifIoc
	default:
		if req.PostOnly {
			tif = hyperliquid.TifAlo
		}
	}
	price = hlRoundPrice(price)

	var before map[int64]bool
	if tif == hyperliquid.TifGtc || tif == hyperliquid.TifAlo {
		before = h.restingOids(coin)
	}

	order := hyperliquid.CreateOrderRequest{
		Coin:       coin,
		IsBuy:      isBuy,
		Size:       size,
		Price:      price,
		OrderType:  hyperliquid.OrderType{Limit: &hyperliquid.LimitOrderType{Tif: tif}},
		ReduceOnly: req.ReduceOnly,
	}
	if _, err := h.exchange.Order(h.ctx, order, nil); err != nil {
		msg := err.Error()
		if IsPositionNotFound(msg) || IsIOCRejected(msg) {
			return &OrderResult{Success: false, Error: msg}, nil
		}
		return nil, fmt.Errorf("order placement failed: %w", err)
	}

	result := &OrderResult{Success: true, Price: price}
	if before != nil {
		result.OrderID = h.findNewOid(coin, isBuy, price, before)
	}
	return result, nil
}

// CancelOrder cancels one resting order
func (h *HyperliquidClient) CancelOrder(orderID, symbol string) (bool, error) {
	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return false, fmt.Errorf("invalid order id %q: %w", orderID, err)
	}
	if _, err := h.exchange.Cancel(h.ctx, hlCoin(symbol), oid); err != nil {
		if strings.Contains(err.Error(), "never placed") || strings.Contains(err.Error(), "already canceled") {
			return false, nil
		}
		return false, fmt.Errorf("cancel %s failed: %w", orderID, err)
	}
	return true, nil
}

// GetPositions returns all non-zero positions
func (h *HyperliquidClient) GetPositions() ([]PositionInfo, error) {
	state, err := h.exchange.Info().UserState(h.ctx, h.walletAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}

	var positions []PositionInfo
	for _, ap := range state.AssetPositions {
		p := ap.Position
		amt, _ := strconv.ParseFloat(p.Szi, 64)
		if amt == 0 {
			continue
		}

		side := "long"
		if amt < 0 {
			side = "short"
			amt = -amt
		}

		var entry float64
		if p.EntryPx != nil {
			entry, _ = strconv.ParseFloat(*p.EntryPx, 64)
		}
		posValue, _ := strconv.ParseFloat(p.PositionValue, 64)

		positions = append(positions, PositionInfo{
			Symbol:     p.Coin + "USDT",
			Side:       side,
			Amount:     amt,
			EntryPrice: entry,
			MarkPrice:  posValue / amt,
		})
	}
	return positions, nil
}

// GetPrices returns mid prices for all coins. Hyperliquid's allMids feed has
// no separate mark price, mid doubles for both.
func (h *HyperliquidClient) GetPrices() ([]PriceInfo, error) {
	mids, err := h.exchange.Info().AllMids(h.ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get prices: %w", err)
	}

	prices := make([]PriceInfo, 0, len(mids))
	for coin, priceStr := range mids {
		price, err := strconv.ParseFloat(priceStr, 64)
		if err != nil || price <= 0 {
			continue
		}
		prices = append(prices, PriceInfo{Symbol: coin + "USDT", Mark: price, Mid: price})
	}
	return prices, nil
}

// GetSymbolInfo derives trading rules from asset metadata. The price tick is
// the 5-significant-figure step at the current price level; the lot is
// 10^-szDecimals.
func (h *HyperliquidClient) GetSymbolInfo(symbol string) (*SymbolInfo, error) {
	coin := hlCoin(symbol)
	sz := h.szDecimals(coin)
	if sz < 0 {
		return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}

	mid, err := h.midPrice(coin)
	if err != nil {
		return nil, err
	}

	return &SymbolInfo{
		Symbol:       symbol,
		TickSize:     hlTickAt(mid),
		LotSize:      math.Pow(10, -float64(sz)),
		MinOrderSize: hlMinNotional,
	}, nil
}

// GetAccountInfo returns the cross-margin account snapshot
func (h *HyperliquidClient) GetAccountInfo() (*AccountInfo, error) {
	state, err := h.exchange.Info().UserState(h.ctx, h.walletAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to get account state: %w", err)
	}

	balance, _ := strconv.ParseFloat(state.CrossMarginSummary.AccountValue, 64)
	marginUsed, _ := strconv.ParseFloat(state.CrossMarginSummary.TotalMarginUsed, 64)

	available := balance - marginUsed
	if state.Withdrawable != "" {
		if w, err := strconv.ParseFloat(state.Withdrawable, 64); err == nil && w > 0 {
			available = w
		}
	}
	if available < 0 {
		available = 0
	}

	return &AccountInfo{
		Balance:          balance,
		AvailableToSpend: available,
		TotalMarginUsed:  marginUsed,
		FetchedAt:        time.Now(),
	}, nil
}

// SetLeverage updates cross-margin leverage for the coin
func (h *HyperliquidClient) SetLeverage(symbol string, leverage int) error {
	if _, err := h.exchange.UpdateLeverage(h.ctx, leverage, hlCoin(symbol), true); err != nil {
		return fmt.Errorf("failed to set leverage: %w", err)
	}
	return nil
}

func (h *HyperliquidClient) midPrice(coin string) (float64, error) {
	mids, err := h.exchange.Info().AllMids(h.ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get prices: %w", err)
	}
	if s, ok := mids[coin]; ok {
		if p, err := strconv.ParseFloat(s, 64); err == nil && p > 0 {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, coin)
}

// restingOids snapshots the ids of currently resting orders for one coin
func (h *HyperliquidClient) restingOids(coin string) map[int64]bool {
	oids := make(map[int64]bool)
	raw, err := h.exchange.Info().OpenOrders(h.ctx, h.walletAddr)
	if err != nil {
		return oids
	}
	for _, o := range raw {
		if o.Coin == coin {
			oids[o.Oid] = true
		}
	}
	return oids
}

// findNewOid locates the order that appeared since the snapshot. A resting
// order that filled before the re-query simply yields an empty id and is
// picked up as a fill on the next reconciliation pass.
func (h *HyperliquidClient) findNewOid(coin string, isBuy bool, price float64, before map[int64]bool) string {
	raw, err := h.exchange.Info().OpenOrders(h.ctx, h.walletAddr)
	if err != nil {
		return ""
	}
	wantSide := "A"
	if isBuy {
		wantSide = "B"
	}
	for _, o := range raw {
		if o.Coin != coin || before[o.Oid] || o.Side != wantSide {
			continue
		}
		px := o.LimitPx
		if math.Abs(px-price) < 1e-9 {
			return strconv.FormatInt(o.Oid, 10)
		}
	}
	return ""
}

// szDecimals returns the quantity precision for a coin, -1 when unknown
func (h *HyperliquidClient) szDecimals(coin string) int {
	h.metaMu.RLock()
	defer h.metaMu.RUnlock()
	if h.meta == nil {
		return -1
	}
	for _, asset := range h.meta.Universe {
		if asset.Name == coin {
			return asset.SzDecimals
		}
	}
	return -1
}

// roundSize rounds a quantity half-up to the coin's size precision
func (h *HyperliquidClient) roundSize(coin string, qty float64) float64 {
	sz := h.szDecimals(coin)
	if sz < 0 {
		sz = 4
	}
	mult := math.Pow(10, float64(sz))
	return math.Floor(qty*mult+0.5) / mult
}

// hlRoundPrice rounds a price to 5 significant figures
func hlRoundPrice(price float64) float64 {
	if price <= 0 {
		return price
	}
	scale := math.Pow(10, float64(hlPriceSigfigs-1)-math.Floor(math.Log10(price)))
	return math.Floor(price*scale+0.5) / scale
}

// hlTickAt returns the 5-sigfig price step at the given price level
func hlTickAt(price float64) float64 {
	if price <= 0 {
		return 0
	}
	return math.Pow(10, math.Floor(math.Log10(price))-float64(hlPriceSigfigs-1))
}

// hlCoin converts BTCUSDT-style symbols to Hyperliquid coin names
func hlCoin(symbol string) string {
	return strings.TrimSuffix(symbol, "USDT")
}
