package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/ports"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"

	// fetch window is widened to tolerate clock skew between us and the venue
	recentOrdersSkew  = 10 * time.Second
	recentOrdersLimit = 100
)

// Client implements ports.ExchangeClient for Binance USDⓈ-M futures.
type Client struct {
	futuresClient *futures.Client
	logger        ports.Logger
	limiter       *rate.Limiter
	feeRate       float64

	rulesMu sync.RWMutex
	rules   map[string]*domain.MarketRules
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey            string
	SecretKey         string
	UseTestnet        bool
	Logger            ports.Logger
	RequestsPerSecond float64 // e.g., 10
	Burst             int     // e.g., 20
	FeeRate           float64 // taker fee used to estimate commissions, e.g., 0.0004
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
	} else {
		client.BaseURL = baseURLProduction
	}
	cfg.Logger.Info(context.Background(), "Binance client configured", map[string]interface{}{"baseURL": client.BaseURL})

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 20
	}

	return &Client{
		futuresClient: client,
		logger:        cfg.Logger,
		limiter:       rate.NewLimiter(rate.Limit(rps), burst),
		feeRate:       cfg.FeeRate,
		rules:         make(map[string]*domain.MarketRules),
	}, nil
}

// symbolOf converts "BTC/USDT" (or "BTC/USDT:USDT") to "BTCUSDT".
func symbolOf(pair string) string {
	base, quote := domain.SplitPair(pair)
	return base + quote
}

func (c *Client) wait(ctx context.Context, op string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s failed: %w: %w", op, ports.ErrRateLimited, err)
	}
	return nil
}

// mapAPICode translates Binance API error codes into the engine's error taxonomy.
func mapAPICode(code int64) error {
	switch code {
	case 0, -1000, -1001, -1016: // unknown, disconnected, service shutting down
		return ports.ErrExchangeUnavailable
	case -1003, -1015: // Too many requests / orders
		return ports.ErrRateLimited
	case -1007, -1021: // backend timeout, recvWindow
		return ports.ErrTimeout
	case -1022, -2014, -2015:
		return ports.ErrAuthenticationFailed
	case -1100, -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130:
		return ports.ErrInvalidRequest
	case -2010, -2021, -2022: // rejected, would trigger immediately, reduce-only rejected
		return ports.ErrOrderPlacementFailed
	case -2011, -2013: // cancel rejected / order does not exist
		return ports.ErrOrderNotFound
	case -2019, -3005, -3041, -4047:
		return ports.ErrInsufficientFunds
	case -4003, -4014, -4015, -4164: // qty/price/leverage/notional out of range
		return ports.ErrInvalidRequest
	default:
		return ports.ErrUnknown
	}
}

// handleError translates Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message
		mappedErr := mapAPICode(apiErr.Code)
		c.logger.Error(ctx, err, operation+" failed with API error", fields)
		return fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
	}

	var finalErr error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	case strings.Contains(err.Error(), "use of closed network connection"),
		strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "connection reset by peer"),
		strings.Contains(err.Error(), "i/o timeout"):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	default:
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}
	c.logger.Error(ctx, err, operation+" failed", fields)
	return finalErr
}

func isAPICode(err error, code int64) bool {
	var apiErr *common.APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// PlaceOrder submits a limit, market or stop-market order carrying
// req.ClientOrderID. Stops trigger on the mark price.
// A duplicate client id means the order already exists; it is returned as is.
func (c *Client) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*domain.ExchangeOrder, error) {
	op := "PlaceOrder"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}

	svc := c.futuresClient.NewCreateOrderService().
		Symbol(symbolOf(req.Pair)).
		Side(futures.SideType(req.Action)).
		Quantity(decimal.NewFromFloat(req.Amount).String()).
		NewClientOrderID(req.ClientOrderID)
	switch req.Type {
	case domain.OrderTypeMarket:
		svc = svc.Type(futures.OrderTypeMarket)
	case domain.OrderTypeLimit:
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(decimal.NewFromFloat(req.Price).String())
	case domain.OrderTypeStoploss:
		svc = svc.Type(futures.OrderTypeStopMarket).
			StopPrice(decimal.NewFromFloat(req.Price).String()).
			WorkingType(futures.WorkingTypeMarkPrice)
	default:
		return nil, fmt.Errorf("%s failed: %w: order type %s not supported by venue", op, ports.ErrInvalidRequest, req.Type)
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		if isAPICode(err, -4116) { // ClientOrderId is duplicated
			c.logger.Warn(ctx, op+": duplicate client order id, fetching existing order", map[string]interface{}{"clientOrderID": req.ClientOrderID})
			return c.FetchOrderByClientID(ctx, req.Pair, req.ClientOrderID)
		}
		return nil, c.handleError(ctx, err, op)
	}

	eo := c.fromCreateResponse(req.Pair, res)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"pair": req.Pair, "action": req.Action, "type": req.Type, "amount": req.Amount,
		"price": req.Price, "orderID": eo.ExchangeOrderID, "clientOrderID": req.ClientOrderID, "status": eo.Status,
	})
	return eo, nil
}

// CancelOrder cancels an open order. Binance answers -2011 both for unknown and
// already-final orders, so the order is re-fetched to tell them apart.
func (c *Client) CancelOrder(ctx context.Context, pair, exchangeOrderID string) (*domain.ExchangeOrder, error) {
	op := "CancelOrder"
	id, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w: bad order id %q", op, ports.ErrInvalidRequest, exchangeOrderID)
	}
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}

	res, err := c.futuresClient.NewCancelOrderService().Symbol(symbolOf(pair)).OrderID(id).Do(ctx)
	if err != nil {
		if isAPICode(err, -2011) {
			eo, fetchErr := c.FetchOrder(ctx, pair, exchangeOrderID)
			if fetchErr != nil {
				return nil, fetchErr
			}
			if eo.Status == domain.OrderClosed {
				return eo, fmt.Errorf("%s failed: %w", op, ports.ErrOrderAlreadyFilled)
			}
			return eo, nil
		}
		return nil, c.handleError(ctx, err, op)
	}

	eo := &domain.ExchangeOrder{
		ExchangeOrderID: strconv.FormatInt(res.OrderID, 10),
		ClientOrderID:   res.ClientOrderID,
		Pair:            pair,
		Action:          domain.Action(res.Side),
		Type:            orderTypeOf(res.Type),
		Price:           priceOf(res.Type, res.Price, res.StopPrice),
		Amount:          parseFloat(res.OrigQuantity),
		Status:          statusOf(res.Status),
		Timestamp:       time.Now(),
	}
	c.logger.Info(ctx, op+" requested", map[string]interface{}{"pair": pair, "orderID": exchangeOrderID, "status": eo.Status})
	return eo, nil
}

// FetchOrder returns the venue state of an order by exchange id.
func (c *Client) FetchOrder(ctx context.Context, pair, exchangeOrderID string) (*domain.ExchangeOrder, error) {
	op := "FetchOrder"
	id, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w: bad order id %q", op, ports.ErrInvalidRequest, exchangeOrderID)
	}
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	res, err := c.futuresClient.NewGetOrderService().Symbol(symbolOf(pair)).OrderID(id).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	return c.fromOrder(pair, res), nil
}

// FetchOrderByClientID returns the venue state of an order by client id.
func (c *Client) FetchOrderByClientID(ctx context.Context, pair, clientOrderID string) (*domain.ExchangeOrder, error) {
	op := "FetchOrderByClientID"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	res, err := c.futuresClient.NewGetOrderService().Symbol(symbolOf(pair)).OrigClientOrderID(clientOrderID).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	return c.fromOrder(pair, res), nil
}

// FetchRecentOrders lists orders created on pair since the given time.
func (c *Client) FetchRecentOrders(ctx context.Context, pair string, since time.Time) ([]*domain.ExchangeOrder, error) {
	op := "FetchRecentOrders"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	res, err := c.futuresClient.NewListOrdersService().
		Symbol(symbolOf(pair)).
		StartTime(since.Add(-recentOrdersSkew).UnixMilli()).
		Limit(recentOrdersLimit).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	out := make([]*domain.ExchangeOrder, 0, len(res))
	for _, o := range res {
		out = append(out, c.fromOrder(pair, o))
	}
	return out, nil
}

// FetchBalance returns futures wallet balances per asset.
func (c *Client) FetchBalance(ctx context.Context) (map[string]domain.Balance, error) {
	op := "FetchBalance"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	res, err := c.futuresClient.NewGetBalanceService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	out := make(map[string]domain.Balance, len(res))
	for _, b := range res {
		total := parseFloat(b.Balance)
		free := parseFloat(b.AvailableBalance)
		out[b.Asset] = domain.Balance{Free: free, Used: total - free, Total: total}
	}
	return out, nil
}

// FetchOrderBook returns a depth snapshot for pair.
func (c *Client) FetchOrderBook(ctx context.Context, pair string, depth int) (*domain.OrderBook, error) {
	op := "FetchOrderBook"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	res, err := c.futuresClient.NewDepthService().Symbol(symbolOf(pair)).Limit(depthLimit(depth)).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	book := &domain.OrderBook{Pair: pair, Timestamp: time.Now()}
	for _, b := range res.Bids {
		book.Bids = append(book.Bids, domain.PriceLevel{Price: parseFloat(b.Price), Amount: parseFloat(b.Quantity)})
	}
	for _, a := range res.Asks {
		book.Asks = append(book.Asks, domain.PriceLevel{Price: parseFloat(a.Price), Amount: parseFloat(a.Quantity)})
	}
	return book, nil
}

// depthLimit rounds depth up to a value the depth endpoint accepts.
func depthLimit(depth int) int {
	for _, l := range []int{5, 10, 20, 50, 100, 500, 1000} {
		if depth <= l {
			return l
		}
	}
	return 1000
}

// FetchTicker returns best bid/ask and last trade price.
func (c *Client) FetchTicker(ctx context.Context, pair string) (*domain.Ticker, error) {
	op := "FetchTicker"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	symbol := symbolOf(pair)
	books, err := c.futuresClient.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	if len(books) == 0 {
		return nil, fmt.Errorf("%s failed: %w: no book ticker for %s", op, ports.ErrPricing, pair)
	}
	stats, err := c.futuresClient.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	t := &domain.Ticker{
		Pair:      pair,
		Bid:       parseFloat(books[0].BidPrice),
		Ask:       parseFloat(books[0].AskPrice),
		Timestamp: time.Now(),
	}
	if len(stats) > 0 {
		t.Last = parseFloat(stats[0].LastPrice)
	}
	return t, nil
}

// GetKlines retrieves historical klines for pair.
func (c *Client) GetKlines(ctx context.Context, pair, interval string, limit int) ([]*domain.Kline, error) {
	op := "GetKlines"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	binanceKlines, err := c.futuresClient.NewKlinesService().Symbol(symbolOf(pair)).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	klines := make([]*domain.Kline, 0, len(binanceKlines))
	for _, bk := range binanceKlines {
		k, err := translateKline(bk, pair, interval)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("failed to translate historical kline: %w", err), op)
		}
		klines = append(klines, k)
	}
	return klines, nil
}

// MarketRules returns lot/tick restrictions for pair, loading exchange info once.
func (c *Client) MarketRules(ctx context.Context, pair string) (*domain.MarketRules, error) {
	c.rulesMu.RLock()
	r, ok := c.rules[pair]
	c.rulesMu.RUnlock()
	if ok {
		return r, nil
	}

	op := "MarketRules"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	info, err := c.futuresClient.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	symbol := symbolOf(pair)
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		rules := rulesFromFilters(pair, s.Filters)
		c.rulesMu.Lock()
		c.rules[pair] = rules
		c.rulesMu.Unlock()
		return rules, nil
	}
	return nil, fmt.Errorf("%s failed: %w: pair %s not listed", op, ports.ErrConfigurationError, pair)
}

// SupportedOrderTypes lists venue-executable order types.
func (c *Client) SupportedOrderTypes() []domain.OrderType {
	return []domain.OrderType{domain.OrderTypeLimit, domain.OrderTypeMarket, domain.OrderTypeStoploss}
}

// SetLeverage sets the leverage for pair.
func (c *Client) SetLeverage(ctx context.Context, pair string, leverage int) error {
	op := "SetLeverage"
	if err := c.wait(ctx, op); err != nil {
		return err
	}
	_, err := c.futuresClient.NewChangeLeverageService().Symbol(symbolOf(pair)).Leverage(leverage).Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"pair": pair, "leverage": leverage})
	return nil
}

// --- Translation Helpers ---

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func statusOf(s futures.OrderStatusType) domain.OrderStatus {
	switch s {
	case futures.OrderStatusTypePartiallyFilled:
		return domain.OrderPartiallyFilled
	case futures.OrderStatusTypeFilled:
		return domain.OrderClosed
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeRejected:
		return domain.OrderCanceled
	case futures.OrderStatusTypeExpired:
		return domain.OrderExpired
	default:
		return domain.OrderOpen
	}
}

func orderTypeOf(t futures.OrderType) domain.OrderType {
	switch t {
	case futures.OrderTypeLimit:
		return domain.OrderTypeLimit
	case futures.OrderTypeStopMarket:
		return domain.OrderTypeStoploss
	default:
		return domain.OrderTypeMarket
	}
}

// priceOf reports the trigger price for stop orders, which carry no limit price.
func priceOf(t futures.OrderType, price, stopPrice string) float64 {
	if t == futures.OrderTypeStopMarket {
		return parseFloat(stopPrice)
	}
	return parseFloat(price)
}

func (c *Client) fee(cumQuote string) float64 {
	return parseFloat(cumQuote) * c.feeRate
}

func (c *Client) fromCreateResponse(pair string, r *futures.CreateOrderResponse) *domain.ExchangeOrder {
	return &domain.ExchangeOrder{
		ExchangeOrderID: strconv.FormatInt(r.OrderID, 10),
		ClientOrderID:   r.ClientOrderID,
		Pair:            pair,
		Action:          domain.Action(r.Side),
		Type:            orderTypeOf(r.Type),
		Price:           priceOf(r.Type, r.Price, r.StopPrice),
		Amount:          parseFloat(r.OrigQuantity),
		Filled:          parseFloat(r.ExecutedQuantity),
		AvgPrice:        parseFloat(r.AvgPrice),
		Fee:             c.fee(r.CumQuote),
		Status:          statusOf(r.Status),
		Timestamp:       time.UnixMilli(r.UpdateTime),
	}
}

func (c *Client) fromOrder(pair string, o *futures.Order) *domain.ExchangeOrder {
	return &domain.ExchangeOrder{
		ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
		ClientOrderID:   o.ClientOrderID,
		Pair:            pair,
		Action:          domain.Action(o.Side),
		Type:            orderTypeOf(o.Type),
		Price:           priceOf(o.Type, o.Price, o.StopPrice),
		Amount:          parseFloat(o.OrigQuantity),
		Filled:          parseFloat(o.ExecutedQuantity),
		AvgPrice:        parseFloat(o.AvgPrice),
		Fee:             c.fee(o.CumQuote),
		Status:          statusOf(o.Status),
		Timestamp:       time.UnixMilli(o.Time),
	}
}

func rulesFromFilters(pair string, filters []map[string]interface{}) *domain.MarketRules {
	rules := &domain.MarketRules{Pair: pair}
	str := func(m map[string]interface{}, k string) float64 {
		s, _ := m[k].(string)
		return parseFloat(s)
	}
	for _, f := range filters {
		switch f["filterType"] {
		case "LOT_SIZE":
			rules.AmountStep = str(f, "stepSize")
			rules.MinAmount = str(f, "minQty")
		case "PRICE_FILTER":
			rules.PriceTick = str(f, "tickSize")
		case "MIN_NOTIONAL":
			rules.MinNotional = str(f, "notional")
		}
	}
	return rules
}

func translateKline(bk *futures.Kline, pair, interval string) (*domain.Kline, error) {
	if bk == nil {
		return nil, errors.New("received nil historical kline")
	}
	open, err := strconv.ParseFloat(bk.Open, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing open price '%s': %w", bk.Open, err)
	}
	high, err := strconv.ParseFloat(bk.High, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing high price '%s': %w", bk.High, err)
	}
	low, err := strconv.ParseFloat(bk.Low, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing low price '%s': %w", bk.Low, err)
	}
	cls, err := strconv.ParseFloat(bk.Close, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing close price '%s': %w", bk.Close, err)
	}
	vol, err := strconv.ParseFloat(bk.Volume, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing volume '%s': %w", bk.Volume, err)
	}

	return &domain.Kline{
		OpenTime:  time.UnixMilli(bk.OpenTime),
		CloseTime: time.UnixMilli(bk.CloseTime),
		Pair:      pair,
		Interval:  interval,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cls,
		Volume:    vol,
	}, nil
}
