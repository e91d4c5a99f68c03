package match

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

var tradeIDCounter atomic.Uint64

func nextTradeID() string {
	return "TRD" + strconv.FormatUint(tradeIDCounter.Add(1), 10)
}

// Matcher executes taker orders against a book under strict price-time
// priority. Within a level makers fill in arrival order; across levels
// the walk always starts from the best. Execution price is the maker's
// resting price.
//
// Process must run under the book's exclusive lock: the fill loop and
// the FOK precheck are atomic with respect to every reader.
type Matcher struct {
	fees FeeModel
}

// NewMatcher creates a matcher. A nil fee model means zero fees.
func NewMatcher(fees FeeModel) *Matcher {
	return &Matcher{fees: fees}
}

// Process matches the taker against the book per its type policy and
// returns the resulting trades in execution order. Trigger types never
// reach the matcher; they rest in the trigger store until activated.
func (m *Matcher) Process(book *OrderBook, taker *Order) []*Trade {
	switch taker.Type {
	case Market:
		// Residual is discarded when liquidity runs out.
		return m.fill(book, taker)
	case Limit:
		trades := m.fill(book, taker)
		if taker.Quantity.Sign() > 0 {
			// The fill loop only exits once no eligible maker remains,
			// so the residual is no longer marketable and can rest.
			book.AddOrder(taker)
		}
		return trades
	case IOC:
		return m.fill(book, taker)
	case FOK:
		if !m.fillable(book, taker) {
			return nil
		}
		return m.fill(book, taker)
	}

	return nil
}

// fill runs the shared loop: pick the best eligible maker, execute
// min(remaining quantities), repeat until the taker is exhausted or no
// eligible maker remains.
func (m *Matcher) fill(book *OrderBook, taker *Order) []*Trade {
	var trades []*Trade

	opposite := book.sideQueue(taker.Side.Opposite())
	for taker.Quantity.Sign() > 0 {
		maker := opposite.peekHeadOrder()
		if maker == nil || !priceEligible(taker, maker.Price) {
			break
		}

		quantity := decimal.Min(taker.Quantity, maker.Quantity)
		trades = append(trades, m.executeTrade(book, maker, taker, quantity))
	}

	return trades
}

// fillable is the FOK precheck: the sum of eligible maker quantities
// must cover the full taker quantity before any fill happens.
func (m *Matcher) fillable(book *OrderBook, taker *Order) bool {
	available := decimal.Zero

	book.sideQueue(taker.Side.Opposite()).walkLevels(func(unit *priceUnit) bool {
		if !priceEligible(taker, unit.price) {
			return false
		}
		available = available.Add(unit.totalQuantity)
		return available.LessThan(taker.Quantity)
	})

	return available.GreaterThanOrEqual(taker.Quantity)
}

// executeTrade prints one execution at the maker's resting price,
// decreases the maker in the book (removing it when exhausted) and the
// taker's remaining quantity.
func (m *Matcher) executeTrade(book *OrderBook, maker, taker *Order, quantity decimal.Decimal) *Trade {
	price := maker.Price

	book.DecreaseOrder(maker.ID, quantity)
	taker.Quantity = taker.Quantity.Sub(quantity)

	trade := &Trade{
		TradeID:       nextTradeID(),
		Symbol:        book.symbol,
		Price:         price,
		Quantity:      quantity,
		MakerOrderID:  maker.ID,
		TakerOrderID:  taker.ID,
		AggressorSide: taker.Side.String(),
		Timestamp:     time.Now().UTC(),
	}

	if m.fees != nil {
		calc := m.fees.CalculateFees(book.symbol, price, quantity)
		// Maker rebates are expressed as a negative effective maker fee.
		trade.MakerFee = calc.MakerFee.Sub(calc.MakerRebate)
		trade.TakerFee = calc.TakerFee
	}

	return trade
}
