package match

import (
	"strings"

	"github.com/huandu/skiplist"
	"github.com/shopspring/decimal"
)

// priceKey canonicalizes a price for map indexing. Equal prices with
// different exponents ("100" vs "100.00") compare equal in the skip list
// and must land on the same index key.
func priceKey(price decimal.Decimal) string {
	s := price.String()
	if strings.ContainsRune(s, '.') {
		s = strings.TrimRight(s, "0")
		s = strings.TrimRight(s, ".")
	}
	return s
}

// priceUnit is one price level: a FIFO of resting orders linked through
// the orders' intrusive pointers, plus the level aggregate.
// Invariant: totalQuantity equals the sum of the remaining quantities of
// the orders on the level, and an empty unit never stays in the queue.
type priceUnit struct {
	price         decimal.Decimal
	totalQuantity decimal.Decimal
	head          *Order
	tail          *Order
	count         int64
}

// queue holds one side of a book: price levels ordered best-first in a
// skip list, with a price index and an order id index for O(1) lookup.
type queue struct {
	side        Side
	totalOrders int64
	depths      int64
	depthList   *skiplist.SkipList
	priceIndex  map[string]*skiplist.Element
	orders      map[string]*Order
}

// newBidQueue creates a queue for buy orders, sorted by price in
// descending order (highest price first).
func newBidQueue() *queue {
	return &queue{
		side: Buy,
		depthList: skiplist.New(skiplist.GreaterThanFunc(func(lhs, rhs any) int {
			d1, _ := lhs.(decimal.Decimal)
			d2, _ := rhs.(decimal.Decimal)
			return d2.Cmp(d1)
		})),
		priceIndex: make(map[string]*skiplist.Element),
		orders:     make(map[string]*Order),
	}
}

// newAskQueue creates a queue for sell orders, sorted by price in
// ascending order (lowest price first).
func newAskQueue() *queue {
	return &queue{
		side: Sell,
		depthList: skiplist.New(skiplist.GreaterThanFunc(func(lhs, rhs any) int {
			d1, _ := lhs.(decimal.Decimal)
			d2, _ := rhs.(decimal.Decimal)
			return d1.Cmp(d2)
		})),
		priceIndex: make(map[string]*skiplist.Element),
		orders:     make(map[string]*Order),
	}
}

// order finds an order by its ID.
func (q *queue) order(id string) *Order {
	return q.orders[id]
}

// insertOrder appends an order at the tail of its price level, creating
// the level when absent. Tail insertion is the only mode needed: makers
// are decreased in place during matching, never popped and re-inserted.
func (q *queue) insertOrder(order *Order) {
	key := priceKey(order.Price)
	el, ok := q.priceIndex[key]
	if ok {
		unit, _ := el.Value.(*priceUnit)
		order.prev = unit.tail
		order.next = nil
		if unit.tail != nil {
			unit.tail.next = order
		}
		unit.tail = order
		if unit.head == nil {
			unit.head = order
		}

		unit.totalQuantity = unit.totalQuantity.Add(order.Quantity)
		unit.count++
		q.orders[order.ID] = order
		q.totalOrders++
	} else {
		unit := &priceUnit{
			price:         order.Price,
			head:          order,
			tail:          order,
			totalQuantity: order.Quantity,
			count:         1,
		}
		order.next = nil
		order.prev = nil

		q.orders[order.ID] = order

		el := q.depthList.Set(order.Price, unit)
		q.priceIndex[key] = el

		q.totalOrders++
		q.depths++
	}
}

// removeOrder removes an order by ID and cleans up its price level if it
// becomes empty. Returns false when the ID is unknown.
func (q *queue) removeOrder(id string) bool {
	order, ok := q.orders[id]
	if !ok {
		return false
	}

	key := priceKey(order.Price)
	skipElement, ok := q.priceIndex[key]
	if !ok {
		return false
	}
	unit, _ := skipElement.Value.(*priceUnit)

	if order.prev != nil {
		order.prev.next = order.next
	} else {
		unit.head = order.next
	}

	if order.next != nil {
		order.next.prev = order.prev
	} else {
		unit.tail = order.prev
	}

	// Clear pointers to avoid leaks
	order.next = nil
	order.prev = nil

	unit.totalQuantity = unit.totalQuantity.Sub(order.Quantity)
	unit.count--
	delete(q.orders, id)
	q.totalOrders--

	if unit.count == 0 {
		q.depthList.RemoveElement(skipElement)
		delete(q.priceIndex, key)
		q.depths--
	}

	return true
}

// setOrderQuantity updates the remaining quantity of an order in place,
// preserving its position in the level FIFO. The level aggregate moves
// by the difference.
func (q *queue) setOrderQuantity(id string, newQuantity decimal.Decimal) {
	order, ok := q.orders[id]
	if !ok {
		return
	}

	skipElement, ok := q.priceIndex[priceKey(order.Price)]
	if ok {
		unit, _ := skipElement.Value.(*priceUnit)
		unit.totalQuantity = unit.totalQuantity.Sub(order.Quantity.Sub(newQuantity))
		order.Quantity = newQuantity
	}
}

// decreaseOrder reduces an order's remaining quantity by amount,
// removing it when it reaches zero. Returns the remaining quantity.
func (q *queue) decreaseOrder(id string, amount decimal.Decimal) decimal.Decimal {
	order, ok := q.orders[id]
	if !ok {
		return decimal.Zero
	}

	newQuantity := order.Quantity.Sub(amount)
	if newQuantity.Sign() <= 0 {
		q.removeOrder(id)
		order.Quantity = decimal.Zero
		return decimal.Zero
	}

	q.setOrderQuantity(id, newQuantity)
	return newQuantity
}

// peekHeadOrder returns the order at the front of the best price level
// without removing it.
func (q *queue) peekHeadOrder() *Order {
	el := q.depthList.Front()
	if el == nil {
		return nil
	}

	unit, _ := el.Value.(*priceUnit)
	return unit.head
}

// bestLevel returns the best price and its aggregate quantity.
func (q *queue) bestLevel() (price, quantity decimal.Decimal, ok bool) {
	el := q.depthList.Front()
	if el == nil {
		return decimal.Zero, decimal.Zero, false
	}

	unit, _ := el.Value.(*priceUnit)
	return unit.price, unit.totalQuantity, true
}

// top returns the aggregated depth up to limit levels, best first.
func (q *queue) top(limit int) []PriceLevelView {
	result := make([]PriceLevelView, 0, limit)

	el := q.depthList.Front()
	for i := 0; i < limit && el != nil; i++ {
		unit, _ := el.Value.(*priceUnit)
		result = append(result, PriceLevelView{
			Price:    unit.price,
			Quantity: unit.totalQuantity,
		})
		el = el.Next()
	}

	return result
}

// walkLevels visits price levels best-first until fn returns false.
func (q *queue) walkLevels(fn func(unit *priceUnit) bool) {
	for el := q.depthList.Front(); el != nil; el = el.Next() {
		unit, _ := el.Value.(*priceUnit)
		if !fn(unit) {
			return
		}
	}
}

// orderCount returns the total number of orders in the queue.
func (q *queue) orderCount() int64 {
	return q.totalOrders
}

// depthCount returns the number of price levels in the queue.
func (q *queue) depthCount() int64 {
	return q.depths
}
