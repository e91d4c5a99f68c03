package match

import (
	"github.com/shopspring/decimal"
)

// TriggerStore holds stop-loss, stop-limit and take-profit orders for
// one symbol until a trade print satisfies their activation condition.
// Orders are kept in submission order; a single print that triggers
// several orders activates them in that order.
type TriggerStore struct {
	orders []*Order
}

// NewTriggerStore creates an empty store.
func NewTriggerStore() *TriggerStore {
	return &TriggerStore{}
}

// Add appends a trigger order to the store.
func (s *TriggerStore) Add(order *Order) {
	s.orders = append(s.orders, order)
}

// Cancel removes the trigger order with the id. Returns false when the
// id is not resting in the store.
func (s *TriggerStore) Cancel(id string) bool {
	for i, o := range s.orders {
		if o.ID == id {
			s.orders = append(s.orders[:i], s.orders[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of resting trigger orders.
func (s *TriggerStore) Len() int {
	return len(s.orders)
}

// triggered evaluates the activation condition for a print at price.
//
//	STOP_LOSS / STOP_LIMIT  sell: price <= trigger   buy: price >= trigger
//	TAKE_PROFIT             sell: price >= trigger   buy: price <= trigger
func triggered(order *Order, price decimal.Decimal) bool {
	switch order.Type {
	case StopLoss, StopLimit:
		if order.Side == Sell {
			return price.LessThanOrEqual(order.Price)
		}
		return price.GreaterThanOrEqual(order.Price)
	case TakeProfit:
		if order.Side == Sell {
			return price.GreaterThanOrEqual(order.Price)
		}
		return price.LessThanOrEqual(order.Price)
	}
	return false
}

// Activatable removes and returns, in submission order, every resting
// order whose condition is satisfied by a print at price. Orders that
// do not trigger stay in the store.
func (s *TriggerStore) Activatable(price decimal.Decimal) []*Order {
	var activated []*Order
	remaining := s.orders[:0]

	for _, o := range s.orders {
		if triggered(o, price) {
			activated = append(activated, o)
		} else {
			remaining = append(remaining, o)
		}
	}

	s.orders = remaining
	return activated
}

// activateOrder synthesizes the child active order: same id, symbol,
// side and remaining quantity. A stop-limit becomes a limit at the
// trigger price; stop-loss and take-profit become market orders.
func activateOrder(order *Order) *Order {
	child := NewOrder(order.ID, order.Symbol, order.Side, Market, decimal.Zero, order.Quantity)
	if order.Type == StopLimit {
		child.Type = Limit
		child.Price = order.Price
	}
	return child
}
