package match

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// OrderBook is the per-symbol price level structure. It is not
// self-locking: every mutation and every read used for publication runs
// under the symbol's exclusive lock held by the engine, which keeps the
// book from ever being observed crossed or mid-match.
type OrderBook struct {
	symbol string
	bids   *queue
	asks   *queue
}

// NewOrderBook creates an empty book for the symbol.
func NewOrderBook(symbol string) *OrderBook {
	return &OrderBook{
		symbol: symbol,
		bids:   newBidQueue(),
		asks:   newAskQueue(),
	}
}

// Symbol returns the book's symbol.
func (book *OrderBook) Symbol() string {
	return book.symbol
}

func (book *OrderBook) sideQueue(side Side) *queue {
	if side == Buy {
		return book.bids
	}
	return book.asks
}

// AddOrder parks a resting order at the tail of its price level.
// Market, IOC and FOK orders never rest; the matcher either fills or
// discards them and must not call AddOrder for them.
func (book *OrderBook) AddOrder(order *Order) {
	book.sideQueue(order.Side).insertOrder(order)
}

// CancelOrder removes the order from its level and the id index.
// Cancelling an unknown id returns false, not an error.
func (book *OrderBook) CancelOrder(id string) bool {
	if book.bids.removeOrder(id) {
		return true
	}
	return book.asks.removeOrder(id)
}

// ModifyOrder changes the remaining quantity of a resting order.
// Quantity-only: time priority is preserved. A new quantity of zero
// behaves as cancel; a size-up past the original quantity is rejected
// because it cannot keep the order's time priority.
func (book *OrderBook) ModifyOrder(id string, newQuantity decimal.Decimal) bool {
	q := book.bids
	order := q.order(id)
	if order == nil {
		q = book.asks
		order = q.order(id)
	}
	if order == nil {
		return false
	}

	if newQuantity.Sign() < 0 || newQuantity.GreaterThan(order.OriginalQuantity) {
		return false
	}
	if newQuantity.IsZero() {
		return q.removeOrder(id)
	}

	q.setOrderQuantity(id, newQuantity)
	return true
}

// DecreaseOrder reduces an order's remaining quantity by amount, removing
// it from the book when fully consumed. Returns the remaining quantity.
func (book *OrderBook) DecreaseOrder(id string, amount decimal.Decimal) decimal.Decimal {
	if book.bids.order(id) != nil {
		return book.bids.decreaseOrder(id, amount)
	}
	return book.asks.decreaseOrder(id, amount)
}

// HasOrder reports whether an order with the id rests in the book.
func (book *OrderBook) HasOrder(id string) bool {
	return book.Order(id) != nil
}

// Order returns the resting order with the id, or nil.
func (book *OrderBook) Order(id string) *Order {
	if o := book.bids.order(id); o != nil {
		return o
	}
	return book.asks.order(id)
}

// BestBid returns the highest bid level.
func (book *OrderBook) BestBid() (price, quantity decimal.Decimal, ok bool) {
	return book.bids.bestLevel()
}

// BestAsk returns the lowest ask level.
func (book *OrderBook) BestAsk() (price, quantity decimal.Decimal, ok bool) {
	return book.asks.bestLevel()
}

// TopBids returns up to depth aggregated bid levels, best first.
func (book *OrderBook) TopBids(depth int) []PriceLevelView {
	return book.bids.top(depth)
}

// TopAsks returns up to depth aggregated ask levels, best first.
func (book *OrderBook) TopAsks(depth int) []PriceLevelView {
	return book.asks.top(depth)
}

// OrderCount returns the number of resting orders across both sides.
func (book *OrderBook) OrderCount() int {
	return int(book.bids.orderCount() + book.asks.orderCount())
}

// priceEligible reports whether a maker at makerPrice is within the
// taker's limit. Market takers accept any price.
func priceEligible(taker *Order, makerPrice decimal.Decimal) bool {
	if taker.Type == Market {
		return true
	}
	if taker.Side == Buy {
		return makerPrice.LessThanOrEqual(taker.Price)
	}
	return makerPrice.GreaterThanOrEqual(taker.Price)
}

// MatchingOrders enumerates the maker orders eligible against the taker,
// walking the opposite side best-first and stopping once the taker's
// quantity is covered, the next level is outside the taker's limit, or
// the side is exhausted.
func (book *OrderBook) MatchingOrders(taker *Order) []*Order {
	var matches []*Order

	remaining := taker.Quantity
	book.sideQueue(taker.Side.Opposite()).walkLevels(func(unit *priceUnit) bool {
		if !priceEligible(taker, unit.price) {
			return false
		}
		for o := unit.head; o != nil; o = o.next {
			if remaining.Sign() <= 0 {
				return false
			}
			matches = append(matches, o)
			remaining = remaining.Sub(o.Quantity)
		}
		return remaining.Sign() > 0
	})

	return matches
}

// HasMatchingOrders reports whether at least one maker is eligible
// against the taker.
func (book *OrderBook) HasMatchingOrders(taker *Order) bool {
	maker := book.sideQueue(taker.Side.Opposite()).peekHeadOrder()
	if maker == nil {
		return false
	}
	return priceEligible(taker, maker.Price)
}

// Persisted book schema: one file per symbol, full per-order form so
// ids survive a reload and stay addressable by cancel/modify.

type persistedOrder struct {
	ID          string          `json:"id"`
	Side        string          `json:"side"`
	Type        int             `json:"type"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	TimestampMS int64           `json:"timestamp_ms"`
}

type persistedLevel struct {
	Price         decimal.Decimal `json:"price"`
	TotalQuantity decimal.Decimal `json:"totalQuantity"`
	Orders        []persistedOrder `json:"orders"`
}

type persistedBook struct {
	Symbol string           `json:"symbol"`
	Bids   []persistedLevel `json:"bids"`
	Asks   []persistedLevel `json:"asks"`
}

func persistQueue(q *queue) []persistedLevel {
	levels := make([]persistedLevel, 0, q.depthCount())
	q.walkLevels(func(unit *priceUnit) bool {
		lvl := persistedLevel{
			Price:         unit.price,
			TotalQuantity: unit.totalQuantity,
			Orders:        make([]persistedOrder, 0, unit.count),
		}
		for o := unit.head; o != nil; o = o.next {
			lvl.Orders = append(lvl.Orders, persistedOrder{
				ID:          o.ID,
				Side:        o.Side.String(),
				Type:        int(o.Type),
				Price:       o.Price,
				Quantity:    o.Quantity,
				TimestampMS: o.Timestamp / int64(time.Millisecond),
			})
		}
		levels = append(levels, lvl)
		return true
	})
	return levels
}

// MarshalState serializes the book into the per-symbol JSON document.
func (book *OrderBook) MarshalState() ([]byte, error) {
	state := persistedBook{
		Symbol: book.symbol,
		Bids:   persistQueue(book.bids),
		Asks:   persistQueue(book.asks),
	}
	return json.Marshal(state)
}

// RestoreState clears the book and rebuilds it from a serialized state.
// Level order in the document follows best-first iteration, so plain
// tail insertion reproduces both price and time priority.
func (book *OrderBook) RestoreState(data []byte) error {
	var state persistedBook
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}

	book.bids = newBidQueue()
	book.asks = newAskQueue()
	if state.Symbol != "" {
		book.symbol = state.Symbol
	}

	restore := func(levels []persistedLevel) {
		for _, lvl := range levels {
			for _, po := range lvl.Orders {
				order := &Order{
					ID:               po.ID,
					Symbol:           book.symbol,
					Side:             sideFromString(po.Side),
					Type:             OrderType(po.Type),
					Price:            po.Price,
					Quantity:         po.Quantity,
					OriginalQuantity: po.Quantity,
					Timestamp:        po.TimestampMS * int64(time.Millisecond),
				}
				book.AddOrder(order)
			}
		}
	}

	restore(state.Bids)
	restore(state.Asks)
	return nil
}
