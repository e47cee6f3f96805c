// Package paper is a dry-run exchange: it simulates order placement and fills
// against order-book snapshots while keeping virtual balances.
package paper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/ports"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	maxSlippage       = 0.05 // market fills never worse than 5% from best price
	crossToMarket     = 0.01 // limit orders crossing the spread by more than this become market orders
	recentOrdersSkew  = 10 * time.Second
	defaultQuoteAsset = "USDT"
)

// MarketFeed supplies live market data to the simulator. Optional.
type MarketFeed interface {
	FetchOrderBook(ctx context.Context, pair string, depth int) (*domain.OrderBook, error)
	FetchTicker(ctx context.Context, pair string) (*domain.Ticker, error)
	GetKlines(ctx context.Context, pair, interval string, limit int) ([]*domain.Kline, error)
	MarketRules(ctx context.Context, pair string) (*domain.MarketRules, error)
}

// Config holds configuration for the paper exchange.
type Config struct {
	Logger          ports.Logger
	FeeRate         float64            // applied to every fill, e.g., 0.001
	StartingBalance map[string]float64 // e.g., {"USDT": 1000}
	Rules           map[string]*domain.MarketRules
	OrderTypes      []domain.OrderType // venue-supported types, default limit, market and stoploss
	Feed            MarketFeed
	Clock           func() time.Time
	Margin          bool // shorts are backed by quote collateral instead of base holdings
}

type paperOrder struct {
	eo         domain.ExchangeOrder
	reduceOnly bool
}

// Exchange implements ports.ExchangeClient without touching a real venue.
type Exchange struct {
	mu       sync.Mutex
	logger   ports.Logger
	feeRate  float64
	margin   bool
	feed     MarketFeed
	clock    func() time.Time
	types    []domain.OrderType
	rules    map[string]*domain.MarketRules
	balances map[string]domain.Balance
	books    map[string]*domain.OrderBook
	tickers  map[string]*domain.Ticker
	orders   map[string]*paperOrder
	byClient map[string]string
}

// New creates a paper exchange.
func New(cfg Config) (*Exchange, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for paper exchange")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	types := cfg.OrderTypes
	if len(types) == 0 {
		types = []domain.OrderType{domain.OrderTypeLimit, domain.OrderTypeMarket, domain.OrderTypeStoploss}
	}
	e := &Exchange{
		logger:   cfg.Logger,
		feeRate:  cfg.FeeRate,
		margin:   cfg.Margin,
		feed:     cfg.Feed,
		clock:    clock,
		types:    types,
		rules:    make(map[string]*domain.MarketRules),
		balances: make(map[string]domain.Balance),
		books:    make(map[string]*domain.OrderBook),
		tickers:  make(map[string]*domain.Ticker),
		orders:   make(map[string]*paperOrder),
		byClient: make(map[string]string),
	}
	for k, v := range cfg.Rules {
		e.rules[k] = v
	}
	for cur, amt := range cfg.StartingBalance {
		e.balances[cur] = domain.Balance{Free: amt, Total: amt}
	}
	return e, nil
}

// SetOrderBook installs a static book for pair; it also derives the ticker.
func (e *Exchange) SetOrderBook(pair string, book *domain.OrderBook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	book.Pair = pair
	e.books[pair] = book
	t := &domain.Ticker{Pair: pair, Timestamp: e.clock()}
	if len(book.Bids) > 0 {
		t.Bid = book.Bids[0].Price
	}
	if len(book.Asks) > 0 {
		t.Ask = book.Asks[0].Price
	}
	if prev, ok := e.tickers[pair]; ok && prev.Last > 0 {
		t.Last = prev.Last
	} else {
		t.Last = (t.Bid + t.Ask) / 2
	}
	e.tickers[pair] = t
}

// SetPrice installs a one-level book around a single price, with last = price.
func (e *Exchange) SetPrice(pair string, bid, ask float64) {
	e.SetOrderBook(pair, &domain.OrderBook{
		Bids: []domain.PriceLevel{{Price: bid, Amount: 1e6}},
		Asks: []domain.PriceLevel{{Price: ask, Amount: 1e6}},
	})
	e.mu.Lock()
	e.tickers[pair].Last = (bid + ask) / 2
	e.mu.Unlock()
}

// SetBalance overrides the free balance of a currency.
func (e *Exchange) SetBalance(currency string, free float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.balances[currency]
	b.Free = free
	b.Total = free + b.Used
	e.balances[currency] = b
}

// FillOrder fills an open order out of band, as a venue would between polls.
func (e *Exchange) FillOrder(exchangeOrderID string, amount, price float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	po, ok := e.orders[exchangeOrderID]
	if !ok {
		return fmt.Errorf("%w: %s", ports.ErrOrderNotFound, exchangeOrderID)
	}
	e.fill(po, amount, price)
	return nil
}

// Forget drops an order from the venue's history.
func (e *Exchange) Forget(exchangeOrderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if po, ok := e.orders[exchangeOrderID]; ok {
		delete(e.byClient, po.eo.ClientOrderID)
		delete(e.orders, exchangeOrderID)
	}
}

// OrderCount returns how many orders the venue knows about.
func (e *Exchange) OrderCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.orders)
}

// PlaceOrder simulates a submission. Repeating a client id returns the existing order.
func (e *Exchange) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*domain.ExchangeOrder, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("PlaceOrder failed: %w: amount must be positive", ports.ErrInvalidRequest)
	}
	if req.Type != domain.OrderTypeMarket && req.Price <= 0 {
		return nil, fmt.Errorf("PlaceOrder failed: %w: %s order needs a price", ports.ErrInvalidRequest, req.Type)
	}
	if !e.supports(req.Type) {
		return nil, fmt.Errorf("PlaceOrder failed: %w: order type %s not supported", ports.ErrInvalidRequest, req.Type)
	}
	book, err := e.book(ctx, req.Pair)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if id, ok := e.byClient[req.ClientOrderID]; ok && req.ClientOrderID != "" {
		existing := e.orders[id].eo
		return &existing, nil
	}

	ref := refPrice(book, req.Action)
	if ref <= 0 {
		return nil, fmt.Errorf("PlaceOrder failed: %w: no liquidity for %s", ports.ErrExchangeUnavailable, req.Pair)
	}
	if req.Type == domain.OrderTypeStoploss && triggered(book, req.Action, req.Price) {
		return nil, fmt.Errorf("PlaceOrder failed: %w: stop %.8f would trigger immediately", ports.ErrInvalidRequest, req.Price)
	}
	notional := req.Amount * ref
	if req.Type != domain.OrderTypeMarket {
		notional = req.Amount * req.Price
	}
	base, quote := domain.SplitPair(req.Pair)
	if quote == "" {
		quote = defaultQuoteAsset
	}
	switch {
	case req.ReduceOnly:
	case req.Action == domain.Buy || e.margin:
		if e.balances[quote].Free < notional*(1+e.feeRate) {
			return nil, fmt.Errorf("PlaceOrder failed: %w: need %.8f %s, have %.8f", ports.ErrInsufficientFunds, notional, quote, e.balances[quote].Free)
		}
	default:
		if e.balances[base].Free < req.Amount-domain.AmountEpsilon {
			return nil, fmt.Errorf("PlaceOrder failed: %w: need %.8f %s, have %.8f", ports.ErrInsufficientFunds, req.Amount, base, e.balances[base].Free)
		}
	}

	po := &paperOrder{
		eo: domain.ExchangeOrder{
			ExchangeOrderID: "dry_run_" + uuid.NewString(),
			ClientOrderID:   req.ClientOrderID,
			Pair:            req.Pair,
			Action:          req.Action,
			Type:            req.Type,
			Price:           req.Price,
			Amount:          req.Amount,
			Status:          domain.OrderOpen,
			Timestamp:       e.clock(),
		},
		reduceOnly: req.ReduceOnly,
	}
	e.orders[po.eo.ExchangeOrderID] = po
	if req.ClientOrderID != "" {
		e.byClient[req.ClientOrderID] = po.eo.ExchangeOrderID
	}

	switch {
	case req.Type == domain.OrderTypeStoploss:
		// rests until the trigger is touched
	case req.Type == domain.OrderTypeMarket:
		e.fill(po, req.Amount, marketFillPrice(book, req.Action, req.Amount))
	case crossedBy(req.Action, req.Price, ref) > crossToMarket:
		po.eo.Type = domain.OrderTypeMarket
		e.fill(po, req.Amount, marketFillPrice(book, req.Action, req.Amount))
	case crossedBy(req.Action, req.Price, ref) >= 0:
		e.fill(po, req.Amount, req.Price)
	}

	e.logger.Info(ctx, "PAPER: order placed", map[string]interface{}{
		"pair": req.Pair, "action": req.Action, "type": po.eo.Type, "amount": req.Amount,
		"price": req.Price, "orderID": po.eo.ExchangeOrderID, "status": po.eo.Status,
	})
	out := po.eo
	return &out, nil
}

// CancelOrder cancels an open simulated order.
func (e *Exchange) CancelOrder(ctx context.Context, pair, exchangeOrderID string) (*domain.ExchangeOrder, error) {
	e.refresh(ctx, pair)
	e.mu.Lock()
	defer e.mu.Unlock()
	po, ok := e.orders[exchangeOrderID]
	if !ok {
		return nil, fmt.Errorf("CancelOrder failed: %w: %s", ports.ErrOrderNotFound, exchangeOrderID)
	}
	out := po.eo
	if po.eo.Status == domain.OrderClosed {
		return &out, fmt.Errorf("CancelOrder failed: %w: %s", ports.ErrOrderAlreadyFilled, exchangeOrderID)
	}
	if !po.eo.Status.IsTerminal() {
		po.eo.Status = domain.OrderCanceled
		out = po.eo
	}
	e.logger.Info(ctx, "PAPER: order canceled", map[string]interface{}{"orderID": exchangeOrderID, "filled": po.eo.Filled})
	return &out, nil
}

// FetchOrder returns the simulated order, checking whether a resting limit
// filled or a stop triggered.
func (e *Exchange) FetchOrder(ctx context.Context, pair, exchangeOrderID string) (*domain.ExchangeOrder, error) {
	e.refresh(ctx, pair)
	e.mu.Lock()
	defer e.mu.Unlock()
	po, ok := e.orders[exchangeOrderID]
	if !ok {
		return nil, fmt.Errorf("FetchOrder failed: %w: %s", ports.ErrOrderNotFound, exchangeOrderID)
	}
	e.checkResting(po)
	out := po.eo
	return &out, nil
}

// FetchOrderByClientID looks an order up by idempotency key.
func (e *Exchange) FetchOrderByClientID(ctx context.Context, pair, clientOrderID string) (*domain.ExchangeOrder, error) {
	e.mu.Lock()
	id, ok := e.byClient[clientOrderID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("FetchOrderByClientID failed: %w: %s", ports.ErrOrderNotFound, clientOrderID)
	}
	return e.FetchOrder(ctx, pair, id)
}

// FetchRecentOrders lists orders on pair created since the given time.
func (e *Exchange) FetchRecentOrders(ctx context.Context, pair string, since time.Time) ([]*domain.ExchangeOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	from := since.Add(-recentOrdersSkew)
	var out []*domain.ExchangeOrder
	for _, po := range e.orders {
		if po.eo.Pair == pair && !po.eo.Timestamp.Before(from) {
			cp := po.eo
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// FetchBalance returns a copy of the virtual balances.
func (e *Exchange) FetchBalance(ctx context.Context) (map[string]domain.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]domain.Balance, len(e.balances))
	for k, v := range e.balances {
		out[k] = v
	}
	return out, nil
}

// FetchOrderBook returns the static book or the feed's book.
func (e *Exchange) FetchOrderBook(ctx context.Context, pair string, depth int) (*domain.OrderBook, error) {
	book, err := e.book(ctx, pair)
	if err != nil {
		return nil, err
	}
	cp := *book
	if depth > 0 {
		if len(cp.Bids) > depth {
			cp.Bids = cp.Bids[:depth]
		}
		if len(cp.Asks) > depth {
			cp.Asks = cp.Asks[:depth]
		}
	}
	return &cp, nil
}

// FetchTicker returns the static ticker or the feed's ticker.
func (e *Exchange) FetchTicker(ctx context.Context, pair string) (*domain.Ticker, error) {
	e.mu.Lock()
	t, ok := e.tickers[pair]
	e.mu.Unlock()
	if ok {
		cp := *t
		return &cp, nil
	}
	if e.feed != nil {
		return e.feed.FetchTicker(ctx, pair)
	}
	return nil, fmt.Errorf("FetchTicker failed: %w: no market data for %s", ports.ErrExchangeUnavailable, pair)
}

// GetKlines delegates to the feed.
func (e *Exchange) GetKlines(ctx context.Context, pair, interval string, limit int) ([]*domain.Kline, error) {
	if e.feed == nil {
		return nil, fmt.Errorf("GetKlines failed: %w: no market feed", ports.ErrExchangeUnavailable)
	}
	return e.feed.GetKlines(ctx, pair, interval, limit)
}

// MarketRules returns configured rules, then the feed's, then no restrictions.
func (e *Exchange) MarketRules(ctx context.Context, pair string) (*domain.MarketRules, error) {
	e.mu.Lock()
	r, ok := e.rules[pair]
	e.mu.Unlock()
	if ok {
		return r, nil
	}
	if e.feed != nil {
		return e.feed.MarketRules(ctx, pair)
	}
	return &domain.MarketRules{Pair: pair}, nil
}

// SupportedOrderTypes lists the configured venue order types.
func (e *Exchange) SupportedOrderTypes() []domain.OrderType {
	return append([]domain.OrderType(nil), e.types...)
}

// SetLeverage is a no-op for the simulator.
func (e *Exchange) SetLeverage(ctx context.Context, pair string, leverage int) error {
	return nil
}

func (e *Exchange) supports(t domain.OrderType) bool {
	for _, s := range e.types {
		if s == t {
			return true
		}
	}
	return false
}

func (e *Exchange) book(ctx context.Context, pair string) (*domain.OrderBook, error) {
	e.mu.Lock()
	b, ok := e.books[pair]
	e.mu.Unlock()
	if ok {
		return b, nil
	}
	if e.feed != nil {
		return e.feed.FetchOrderBook(ctx, pair, 20)
	}
	return nil, fmt.Errorf("%w: no order book for %s", ports.ErrExchangeUnavailable, pair)
}

// refresh pulls a fresh book from the feed so resting limits can fill.
func (e *Exchange) refresh(ctx context.Context, pair string) {
	if e.feed == nil {
		return
	}
	book, err := e.feed.FetchOrderBook(ctx, pair, 20)
	if err != nil {
		return
	}
	e.mu.Lock()
	e.books[pair] = book
	e.mu.Unlock()
}

func (e *Exchange) checkResting(po *paperOrder) {
	if po.eo.Status.IsTerminal() {
		return
	}
	book, ok := e.books[po.eo.Pair]
	if !ok {
		return
	}
	remaining := po.eo.Amount - po.eo.Filled
	switch po.eo.Type {
	case domain.OrderTypeLimit:
		if crossedBy(po.eo.Action, po.eo.Price, refPrice(book, po.eo.Action)) >= 0 {
			e.fill(po, remaining, po.eo.Price)
		}
	case domain.OrderTypeStoploss:
		if triggered(book, po.eo.Action, po.eo.Price) {
			e.fill(po, remaining, marketFillPrice(book, po.eo.Action, remaining))
		}
	}
}

// triggered reports whether a stop at price fires against book: a sell stop
// when the bid falls to it, a buy stop when the ask rises to it.
func triggered(book *domain.OrderBook, action domain.Action, price float64) bool {
	ref := refPrice(book, action)
	if ref <= 0 {
		return false
	}
	if action == domain.Sell {
		return ref <= price
	}
	return ref >= price
}

// fill applies a fill of amount at price and settles balances. Caller holds mu.
func (e *Exchange) fill(po *paperOrder, amount, price float64) {
	remaining := po.eo.Amount - po.eo.Filled
	if amount > remaining {
		amount = remaining
	}
	if amount <= 0 || po.eo.Status.IsTerminal() {
		return
	}
	prevCost := decimal.NewFromFloat(po.eo.Filled).Mul(decimal.NewFromFloat(po.eo.AvgPrice))
	cost := decimal.NewFromFloat(amount).Mul(decimal.NewFromFloat(price))
	fee := cost.Mul(decimal.NewFromFloat(e.feeRate))
	filled := decimal.NewFromFloat(po.eo.Filled).Add(decimal.NewFromFloat(amount))

	po.eo.Filled, _ = filled.Float64()
	po.eo.AvgPrice, _ = prevCost.Add(cost).Div(filled).Float64()
	feeF, _ := fee.Float64()
	po.eo.Fee += feeF
	if po.eo.Amount-po.eo.Filled <= domain.AmountEpsilon {
		po.eo.Status = domain.OrderClosed
	} else {
		po.eo.Status = domain.OrderPartiallyFilled
	}

	base, quote := domain.SplitPair(po.eo.Pair)
	if quote == "" {
		quote = defaultQuoteAsset
	}
	costF, _ := cost.Float64()
	qb, bb := e.balances[quote], e.balances[base]
	if po.eo.Action == domain.Buy {
		qb.Free -= costF + feeF
		bb.Free += amount
	} else {
		qb.Free += costF - feeF
		bb.Free -= amount
	}
	qb.Total = qb.Free + qb.Used
	bb.Total = bb.Free + bb.Used
	e.balances[quote], e.balances[base] = qb, bb
}

// refPrice is the best opposing price an order of action would trade against.
func refPrice(book *domain.OrderBook, action domain.Action) float64 {
	if action == domain.Buy {
		if len(book.Asks) == 0 {
			return 0
		}
		return book.Asks[0].Price
	}
	if len(book.Bids) == 0 {
		return 0
	}
	return book.Bids[0].Price
}

// crossedBy returns how far (as a ratio) a limit price crosses ref; negative
// means the order rests on the book.
func crossedBy(action domain.Action, price, ref float64) float64 {
	if ref <= 0 {
		return -1
	}
	if action == domain.Buy {
		return price/ref - 1
	}
	return 1 - price/ref
}

// marketFillPrice walks the book for amount and caps slippage.
func marketFillPrice(book *domain.OrderBook, action domain.Action, amount float64) float64 {
	levels := book.Asks
	if action == domain.Sell {
		levels = book.Bids
	}
	if len(levels) == 0 {
		return 0
	}
	best := levels[0].Price
	remaining := amount
	cost := 0.0
	for _, l := range levels {
		take := l.Amount
		if take > remaining {
			take = remaining
		}
		cost += take * l.Price
		remaining -= take
		if remaining <= 0 {
			break
		}
	}
	if remaining > 0 {
		cost += remaining * levels[len(levels)-1].Price
	}
	avg := cost / amount
	if action == domain.Buy && avg > best*(1+maxSlippage) {
		avg = best * (1 + maxSlippage)
	}
	if action == domain.Sell && avg < best*(1-maxSlippage) {
		avg = best * (1 - maxSlippage)
	}
	return avg
}
