package match

import (
	"time"

	"github.com/igrmk/treemap/v2"
	"github.com/shopspring/decimal"
)

// differ turns successive top-N book snapshots into a sequenced market
// data feed for one symbol. The first update is always a SNAPSHOT;
// subsequent book mutations produce INCREMENTs holding the per-level
// symmetric difference against the previous snapshot. Updates with empty
// change sets are not emitted, and the sequence number only advances on
// emission, so the produced feed is gap-free.
//
// The differ is owned by the engine's per-symbol state and runs under
// the symbol lock; exactly one producer updates the stored snapshot.
type differ struct {
	symbol string
	depth  int
	seq    uint64
	last   *MarketDataUpdate
}

func newDiffer(symbol string, depth int) *differ {
	if depth <= 0 {
		depth = defaultMarketDataDepth
	}
	return &differ{symbol: symbol, depth: depth}
}

func levelTree(levels []PriceLevelView) *treemap.TreeMap[decimal.Decimal, decimal.Decimal] {
	tree := treemap.NewWithKeyCompare[decimal.Decimal, decimal.Decimal](func(a, b decimal.Decimal) bool {
		return a.LessThan(b)
	})
	for _, lvl := range levels {
		tree.Set(lvl.Price, lvl.Quantity)
	}
	return tree
}

// diffLevels computes the per-level change set between two depth views.
// Prices only in the new view become ADD, prices in both with a changed
// quantity become UPDATE, prices only in the old view become REMOVE.
// Changes come out in ascending price order.
func diffLevels(oldLevels, newLevels []PriceLevelView) []LevelChange {
	oldTree := levelTree(oldLevels)
	newTree := levelTree(newLevels)

	var changes []LevelChange

	for it := newTree.Iterator(); it.Valid(); it.Next() {
		oldQty, ok := oldTree.Get(it.Key())
		if !ok {
			changes = append(changes, LevelChange{Op: ChangeAdd, Price: it.Key(), Quantity: it.Value()})
		} else if !oldQty.Equal(it.Value()) {
			changes = append(changes, LevelChange{Op: ChangeUpdate, Price: it.Key(), Quantity: it.Value()})
		}
	}

	for it := oldTree.Iterator(); it.Valid(); it.Next() {
		if _, ok := newTree.Get(it.Key()); !ok {
			changes = append(changes, LevelChange{Op: ChangeRemove, Price: it.Key(), Quantity: decimal.Zero})
		}
	}

	return changes
}

// capture builds an unsequenced snapshot of the book at the differ's depth.
func (d *differ) capture(book *OrderBook) *MarketDataUpdate {
	return d.captureAt(book, d.depth)
}

func (d *differ) captureAt(book *OrderBook, depth int) *MarketDataUpdate {
	update := &MarketDataUpdate{
		Symbol:    d.symbol,
		Type:      UpdateSnapshot,
		Timestamp: time.Now().UTC(),
		Bids:      book.TopBids(depth),
		Asks:      book.TopAsks(depth),
	}

	if price, qty, ok := book.BestBid(); ok {
		update.BestBidPrice, update.BestBidQuantity = price, qty
	}
	if price, qty, ok := book.BestAsk(); ok {
		update.BestAskPrice, update.BestAskQuantity = price, qty
	}

	return update
}

// snapshot returns a read-only snapshot at the requested depth, stamped
// with the current sequence number. It does not advance the feed. A
// non-positive depth falls back to the differ's configured depth.
func (d *differ) snapshot(book *OrderBook, depth int) *MarketDataUpdate {
	if depth <= 0 {
		depth = d.depth
	}
	update := d.captureAt(book, depth)
	update.SeqNum = d.seq
	return update
}

// publish diffs the fresh book state against the previous snapshot and
// returns the next feed update, or nil when nothing changed at the
// configured depth. The fresh snapshot becomes the new baseline.
func (d *differ) publish(book *OrderBook) *MarketDataUpdate {
	fresh := d.capture(book)

	if d.last == nil {
		d.seq++
		fresh.SeqNum = d.seq
		d.last = fresh
		return fresh
	}

	bidChanges := diffLevels(d.last.Bids, fresh.Bids)
	askChanges := diffLevels(d.last.Asks, fresh.Asks)
	if len(bidChanges) == 0 && len(askChanges) == 0 {
		return nil
	}

	d.seq++
	fresh.SeqNum = d.seq

	inc := &MarketDataUpdate{
		Symbol:          d.symbol,
		Type:            UpdateIncrement,
		SeqNum:          fresh.SeqNum,
		PrevSeqNum:      d.last.SeqNum,
		Gap:             false,
		Timestamp:       fresh.Timestamp,
		BestBidPrice:    fresh.BestBidPrice,
		BestBidQuantity: fresh.BestBidQuantity,
		BestAskPrice:    fresh.BestAskPrice,
		BestAskQuantity: fresh.BestAskQuantity,
		BidChanges:      bidChanges,
		AskChanges:      askChanges,
	}

	d.last = fresh
	return inc
}
