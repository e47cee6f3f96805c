package domain

// Direction is the market direction of a trade.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Sign returns +1 for long and -1 for short, used in profit math.
func (d Direction) Sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

// OrderSide tells whether an order opens (entry) or reduces (exit) a trade.
type OrderSide string

const (
	SideEntry OrderSide = "entry"
	SideExit  OrderSide = "exit"
)

// Action is the venue-level side of an order (BUY or SELL).
type Action string

const (
	Buy  Action = "BUY"
	Sell Action = "SELL"
)

// ActionFor maps a trade direction and order side to the venue action.
func ActionFor(dir Direction, side OrderSide) Action {
	if (dir == Long) == (side == SideEntry) {
		return Buy
	}
	return Sell
}

// OrderType is the engine-level order type.
type OrderType string

const (
	OrderTypeLimit    OrderType = "limit"
	OrderTypeMarket   OrderType = "market"
	OrderTypeStoploss OrderType = "stoploss"
)

// TradeStatus represents the status of a trade.
type TradeStatus string

const (
	StatusOpen      TradeStatus = "open"
	StatusClosed    TradeStatus = "closed"
	StatusUnmanaged TradeStatus = "unmanaged"
)

// ExitReason indicates why a trade was (or is being) closed.
type ExitReason string

const (
	ExitReasonNone          ExitReason = ""
	ExitReasonROI           ExitReason = "roi"
	ExitReasonStoploss      ExitReason = "stoploss"
	ExitReasonTrailingStop  ExitReason = "trailing_stop"
	ExitReasonSellSignal    ExitReason = "sell_signal"
	ExitReasonForceExit     ExitReason = "force_exit"
	ExitReasonTimeout       ExitReason = "timeout"
	ExitReasonEmergency     ExitReason = "emergency"
	ExitReasonEntryUnfilled ExitReason = "entry_unfilled" // entry never filled; trade closed flat
)

// TradingMode is the kind of market the engine trades on.
type TradingMode string

const (
	ModeSpot    TradingMode = "spot"
	ModeFutures TradingMode = "futures"
)
