package match

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side int8

const (
	Buy  Side = 1
	Sell Side = 2
)

// String returns the wire form of the side ("buy" or "sell").
func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func sideFromString(s string) Side {
	if s == "buy" {
		return Buy
	}
	return Sell
}

// OrderType identifies the matching policy of an order. The numeric
// values are the wire tags used by the WAL and the persisted book files.
type OrderType int8

const (
	Market OrderType = iota
	Limit
	IOC // Immediate Or Cancel
	FOK // Fill Or Kill
	StopLoss
	StopLimit
	TakeProfit
)

// IsTrigger reports whether the order rests in the trigger store instead
// of the book until its price condition activates it.
func (t OrderType) IsTrigger() bool {
	return t == StopLoss || t == StopLimit || t == TakeProfit
}

// Valid reports whether t is a known order type tag.
func (t OrderType) Valid() bool {
	return t >= Market && t <= TakeProfit
}

func (t OrderType) String() string {
	switch t {
	case Market:
		return "market"
	case Limit:
		return "limit"
	case IOC:
		return "ioc"
	case FOK:
		return "fok"
	case StopLoss:
		return "stop_loss"
	case StopLimit:
		return "stop_limit"
	case TakeProfit:
		return "take_profit"
	}
	return "unknown"
}

// Order represents the state of an order. While resting it is owned by
// exactly one price level of its book (or by the trigger store for
// trigger types); everything else refers to it by ID.
//
// For trigger types, Price is the trigger price. The activated child
// order inherits it as a limit price (StopLimit) or becomes a Market
// order (StopLoss, TakeProfit).
type Order struct {
	ID               string          `json:"id"`
	Symbol           string          `json:"symbol"`
	Side             Side            `json:"side"`
	Type             OrderType       `json:"type"`
	Price            decimal.Decimal `json:"price"`
	Quantity         decimal.Decimal `json:"quantity"` // remaining
	OriginalQuantity decimal.Decimal `json:"original_quantity"`
	Timestamp        int64           `json:"timestamp"` // Unix nano, creation time

	// Intrusive linked list pointers for the price level FIFO (never serialized)
	next *Order
	prev *Order
}

// NewOrder builds an order with the remaining quantity initialised and
// the arrival timestamp stamped.
func NewOrder(id, symbol string, side Side, typ OrderType, price, quantity decimal.Decimal) *Order {
	return &Order{
		ID:               id,
		Symbol:           symbol,
		Side:             side,
		Type:             typ,
		Price:            price,
		Quantity:         quantity,
		OriginalQuantity: quantity,
		Timestamp:        time.Now().UnixNano(),
	}
}

// Trade is one execution between a resting maker and an aggressing
// taker. Price is always the maker's resting price.
type Trade struct {
	TradeID       string          `json:"trade_id"`
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	MakerOrderID  string          `json:"maker_order_id"`
	TakerOrderID  string          `json:"taker_order_id"`
	AggressorSide string          `json:"aggressor_side"` // "buy" or "sell"
	MakerFee      decimal.Decimal `json:"maker_fee"`
	TakerFee      decimal.Decimal `json:"taker_fee"`
	Timestamp     time.Time       `json:"timestamp"`
	SeqNum        uint64          `json:"seq_num"` // per-symbol, stamped at publication
}

// PriceLevelView is one aggregated price level as seen by market data.
type PriceLevelView struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// UpdateType distinguishes full snapshots from incremental change sets.
type UpdateType string

const (
	UpdateSnapshot  UpdateType = "snapshot"
	UpdateIncrement UpdateType = "increment"
)

// ChangeOp is the per-level operation carried by an increment.
type ChangeOp int8

const (
	ChangeAdd ChangeOp = iota
	ChangeUpdate
	ChangeRemove
)

// LevelChange is a single per-level mutation. Quantity is zero for
// ChangeRemove.
type LevelChange struct {
	Op       ChangeOp        `json:"op"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// MarketDataUpdate is one message on the market data feed. SeqNum is
// per-symbol, monotonic and gap-free on the producer side. Gap is kept
// as a field receivers may set when they observe a non-contiguous
// sequence; the producer always emits it false.
type MarketDataUpdate struct {
	Symbol     string     `json:"symbol"`
	Type       UpdateType `json:"type"`
	SeqNum     uint64     `json:"seq_num"`
	PrevSeqNum uint64     `json:"prev_seq_num,omitempty"`
	Gap        bool       `json:"gap,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`

	BestBidPrice    decimal.Decimal `json:"best_bid_price"`
	BestBidQuantity decimal.Decimal `json:"best_bid_quantity"`
	BestAskPrice    decimal.Decimal `json:"best_ask_price"`
	BestAskQuantity decimal.Decimal `json:"best_ask_quantity"`

	Bids []PriceLevelView `json:"bids,omitempty"`
	Asks []PriceLevelView `json:"asks,omitempty"`

	BidChanges []LevelChange `json:"bid_changes,omitempty"`
	AskChanges []LevelChange `json:"ask_changes,omitempty"`
}

// EngineMetrics is the engine-level counters document.
type EngineMetrics struct {
	OrdersReceived  uint64 `json:"orders_received"`
	OrdersCancelled uint64 `json:"orders_cancelled"`
	TradesExecuted  uint64 `json:"trades_executed"`
	SymbolsTracked  int    `json:"symbols_tracked"`
}
