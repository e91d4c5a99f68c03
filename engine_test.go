package match

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func submitLimit(t *testing.T, e *MatchingEngine, id string, side Side, price, quantity int64) {
	t.Helper()
	order := NewOrder(id, "BTC-USD", side, Limit, decimal.NewFromInt(price), decimal.NewFromInt(quantity))
	assert.NoError(t, e.SubmitOrder(order))
}

func TestEngineSubmitAndMatch(t *testing.T) {
	e := NewMatchingEngine()

	var trades []*Trade
	e.SubscribeTrades("BTC-USD", func(tr *Trade) { trades = append(trades, tr) })

	var updates []*MarketDataUpdate
	e.SubscribeMarketData("BTC-USD", func(u *MarketDataUpdate) { updates = append(updates, u) })

	submitLimit(t, e, "sell-1", Sell, 100, 5)
	submitLimit(t, e, "buy-1", Buy, 100, 3)

	assert.Len(t, trades, 1)
	assert.True(t, trades[0].Price.Equal(decimal.NewFromInt(100)))
	assert.True(t, trades[0].Quantity.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, uint64(1), trades[0].SeqNum)

	// First update is a snapshot, the rest are increments with a
	// contiguous sequence.
	assert.GreaterOrEqual(t, len(updates), 2)
	assert.Equal(t, UpdateSnapshot, updates[0].Type)
	for i, u := range updates {
		assert.Equal(t, uint64(i+1), u.SeqNum)
		if i > 0 {
			assert.Equal(t, UpdateIncrement, u.Type)
			assert.Equal(t, u.SeqNum-1, u.PrevSeqNum)
			assert.False(t, u.Gap)
		}
	}

	assert.Equal(t, 1, e.OrderCount("BTC-USD"))
	assert.True(t, e.HasSymbol("BTC-USD"))
	assert.False(t, e.HasSymbol("ETH-USD"))
}

func TestEngineValidation(t *testing.T) {
	e := NewMatchingEngine()

	assert.ErrorIs(t, e.SubmitOrder(nil), ErrInvalidParam)

	order := NewOrder("", "BTC-USD", Buy, Limit, decimal.NewFromInt(100), decimal.NewFromInt(1))
	assert.ErrorIs(t, e.SubmitOrder(order), ErrInvalidParam)

	order = NewOrder("o-1", "BTC-USD", Buy, OrderType(42), decimal.NewFromInt(100), decimal.NewFromInt(1))
	assert.ErrorIs(t, e.SubmitOrder(order), ErrUnknownOrderType)

	order = NewOrder("o-1", "BTC-USD", Buy, Limit, decimal.NewFromInt(100), decimal.Zero)
	assert.ErrorIs(t, e.SubmitOrder(order), ErrInvalidParam)

	// Limit-bearing types need a positive price; market does not.
	order = NewOrder("o-1", "BTC-USD", Buy, Limit, decimal.Zero, decimal.NewFromInt(1))
	assert.ErrorIs(t, e.SubmitOrder(order), ErrInvalidParam)
	order = NewOrder("o-1", "BTC-USD", Buy, Market, decimal.Zero, decimal.NewFromInt(1))
	assert.NoError(t, e.SubmitOrder(order))
}

func TestEngineTickAndLotAlignment(t *testing.T) {
	e := NewMatchingEngine(WithSymbolConfigs([]SymbolConfig{{
		Symbol:   "BTC-USD",
		TickSize: decimal.NewFromFloat(0.5),
		LotSize:  decimal.NewFromFloat(0.1),
	}}))

	order := NewOrder("o-1", "BTC-USD", Buy, Limit, decimal.NewFromFloat(100.3), decimal.NewFromInt(1))
	assert.ErrorIs(t, e.SubmitOrder(order), ErrInvalidParam)

	order = NewOrder("o-2", "BTC-USD", Buy, Limit, decimal.NewFromFloat(100.5), decimal.NewFromFloat(0.15))
	assert.ErrorIs(t, e.SubmitOrder(order), ErrInvalidParam)

	order = NewOrder("o-3", "BTC-USD", Buy, Limit, decimal.NewFromFloat(100.5), decimal.NewFromFloat(0.2))
	assert.NoError(t, e.SubmitOrder(order))

	// Unconfigured symbols are not constrained.
	order = NewOrder("o-4", "ETH-USD", Buy, Limit, decimal.NewFromFloat(100.3), decimal.NewFromFloat(0.15))
	assert.NoError(t, e.SubmitOrder(order))
}

type denyGate struct{}

func (denyGate) TryAccept(string) bool { return false }

func TestEngineRateLimit(t *testing.T) {
	e := NewMatchingEngine(WithRateLimitGate(denyGate{}))

	order := NewOrder("o-1", "BTC-USD", Buy, Limit, decimal.NewFromInt(100), decimal.NewFromInt(1))
	assert.ErrorIs(t, e.SubmitOrder(order), ErrRateLimited)
	assert.Equal(t, uint64(0), e.Metrics().OrdersReceived)
}

func TestTokenBucketGateBurst(t *testing.T) {
	gate := NewTokenBucketGate(1, 2)

	assert.True(t, gate.TryAccept("BTC-USD"))
	assert.True(t, gate.TryAccept("BTC-USD"))
	assert.False(t, gate.TryAccept("BTC-USD"))

	// Buckets are per symbol.
	assert.True(t, gate.TryAccept("ETH-USD"))
}

func TestEngineCancelAndModify(t *testing.T) {
	e := NewMatchingEngine()

	submitLimit(t, e, "buy-1", Buy, 100, 10)

	assert.True(t, e.ModifyOrder("buy-1", decimal.NewFromInt(4)))
	assert.False(t, e.ModifyOrder("buy-1", decimal.NewFromInt(11)))
	assert.False(t, e.ModifyOrder("absent", decimal.NewFromInt(1)))

	assert.True(t, e.CancelOrder("buy-1"))
	assert.False(t, e.CancelOrder("buy-1"))
	assert.Equal(t, 0, e.OrderCount("BTC-USD"))

	// Cancel also reaches resting trigger orders.
	stop := NewOrder("stop-1", "BTC-USD", Sell, StopLoss, decimal.NewFromInt(90), decimal.NewFromInt(1))
	assert.NoError(t, e.SubmitOrder(stop))
	assert.Equal(t, 1, e.TriggerOrderCount("BTC-USD"))
	assert.True(t, e.CancelOrder("stop-1"))
	assert.Equal(t, 0, e.TriggerOrderCount("BTC-USD"))
}

func TestEngineTriggerActivation(t *testing.T) {
	e := NewMatchingEngine()

	var trades []*Trade
	e.SubscribeTrades("BTC-USD", func(tr *Trade) { trades = append(trades, tr) })

	// Resting bid at 95 gives the activated stop market order liquidity.
	submitLimit(t, e, "buy-1", Buy, 95, 5)

	stop := NewOrder("stop-1", "BTC-USD", Sell, StopLoss, decimal.NewFromInt(96), decimal.NewFromInt(2))
	assert.NoError(t, e.SubmitOrder(stop))
	assert.Equal(t, 1, e.TriggerOrderCount("BTC-USD"))
	assert.Empty(t, trades)

	// A print at 96 fires the stop; its market child hits the 95 bid.
	submitLimit(t, e, "sell-1", Sell, 96, 1)
	submitLimit(t, e, "buy-2", Buy, 96, 1)

	assert.Equal(t, 0, e.TriggerOrderCount("BTC-USD"))
	assert.Len(t, trades, 2)
	assert.True(t, trades[0].Price.Equal(decimal.NewFromInt(96)))
	assert.Equal(t, "stop-1", trades[1].TakerOrderID)
	assert.True(t, trades[1].Price.Equal(decimal.NewFromInt(95)))
	assert.Equal(t, uint64(2), trades[1].SeqNum)
}

func TestEngineTriggerCascade(t *testing.T) {
	e := NewMatchingEngine()

	// Ladder of bids, then stops that fire each other on the way down.
	submitLimit(t, e, "buy-1", Buy, 100, 1)
	submitLimit(t, e, "buy-2", Buy, 98, 1)
	submitLimit(t, e, "buy-3", Buy, 96, 1)

	stop1 := NewOrder("stop-1", "BTC-USD", Sell, StopLoss, decimal.NewFromInt(99), decimal.NewFromInt(1))
	assert.NoError(t, e.SubmitOrder(stop1))
	stop2 := NewOrder("stop-2", "BTC-USD", Sell, StopLoss, decimal.NewFromInt(97), decimal.NewFromInt(1))
	assert.NoError(t, e.SubmitOrder(stop2))

	// The sell prints at 100 (no stop fires) then at 98, firing stop-1.
	// Its market child prints at 96, firing stop-2 in turn; stop-2 finds
	// no liquidity left and its residual is discarded.
	submitLimit(t, e, "sell-1", Sell, 98, 2)

	assert.Equal(t, 0, e.TriggerOrderCount("BTC-USD"))
	history := e.GetRecentTrades("BTC-USD", 10)
	assert.Len(t, history, 3)
	assert.True(t, history[0].Price.Equal(decimal.NewFromInt(100)))
	assert.True(t, history[1].Price.Equal(decimal.NewFromInt(98)))
	assert.True(t, history[2].Price.Equal(decimal.NewFromInt(96)))
}

func TestEngineStopLimitActivation(t *testing.T) {
	e := NewMatchingEngine()

	stopLimit := NewOrder("sl-1", "BTC-USD", Buy, StopLimit, decimal.NewFromInt(105), decimal.NewFromInt(2))
	assert.NoError(t, e.SubmitOrder(stopLimit))

	// Print at 105 activates the stop-limit as a limit buy at 105 which
	// rests, since the crossing ask is consumed by the activating trade.
	submitLimit(t, e, "sell-1", Sell, 105, 1)
	submitLimit(t, e, "buy-1", Buy, 105, 1)

	assert.Equal(t, 0, e.TriggerOrderCount("BTC-USD"))
	assert.Equal(t, 1, e.OrderCount("BTC-USD"))

	md := e.GetMarketData("BTC-USD", 5)
	assert.True(t, md.BestBidPrice.Equal(decimal.NewFromInt(105)))
	assert.True(t, md.BestBidQuantity.Equal(decimal.NewFromInt(2)))
}

func TestEngineRecentTradesRing(t *testing.T) {
	e := NewMatchingEngine(WithTradeHistoryLimit(3))

	for i := int64(0); i < 5; i++ {
		submitLimit(t, e, "s", Sell, 100+i, 1)
		submitLimit(t, e, "b", Buy, 100+i, 1)
	}

	history := e.GetRecentTrades("BTC-USD", 10)
	assert.Len(t, history, 3)
	// Oldest first, capped to the three most recent prints.
	assert.True(t, history[0].Price.Equal(decimal.NewFromInt(102)))
	assert.True(t, history[2].Price.Equal(decimal.NewFromInt(104)))

	history = e.GetRecentTrades("BTC-USD", 2)
	assert.Len(t, history, 2)
	assert.True(t, history[0].Price.Equal(decimal.NewFromInt(103)))

	assert.Nil(t, e.GetRecentTrades("ETH-USD", 10))
}

func TestEngineGetMarketDataUnknownSymbol(t *testing.T) {
	e := NewMatchingEngine()

	md := e.GetMarketData("ETH-USD", 5)
	assert.Equal(t, UpdateSnapshot, md.Type)
	assert.Equal(t, uint64(0), md.SeqNum)
	assert.Empty(t, md.Bids)
	assert.Empty(t, md.Asks)
}

func TestEngineWALReplay(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "engine.wal")

	e1 := NewMatchingEngine()
	assert.True(t, e1.StartWAL(walPath))

	submitLimit(t, e1, "sell-1", Sell, 100, 5)
	submitLimit(t, e1, "buy-1", Buy, 100, 3)
	submitLimit(t, e1, "buy-2", Buy, 95, 4)
	assert.True(t, e1.ModifyOrder("buy-2", decimal.NewFromInt(2)))
	submitLimit(t, e1, "buy-3", Buy, 90, 1)
	assert.True(t, e1.CancelOrder("buy-3"))
	stop := NewOrder("stop-1", "BTC-USD", Sell, StopLoss, decimal.NewFromInt(80), decimal.NewFromInt(1))
	assert.NoError(t, e1.SubmitOrder(stop))
	e1.StopWAL()

	e2 := NewMatchingEngine()
	assert.True(t, e2.ReplayWAL(walPath))

	assert.Equal(t, e1.OrderCount("BTC-USD"), e2.OrderCount("BTC-USD"))
	assert.Equal(t, 1, e2.TriggerOrderCount("BTC-USD"))

	md1 := e1.GetMarketData("BTC-USD", 10)
	md2 := e2.GetMarketData("BTC-USD", 10)
	assert.Equal(t, len(md1.Bids), len(md2.Bids))
	for i := range md1.Bids {
		assert.True(t, md1.Bids[i].Price.Equal(md2.Bids[i].Price))
		assert.True(t, md1.Bids[i].Quantity.Equal(md2.Bids[i].Quantity))
	}
	assert.Equal(t, len(md1.Asks), len(md2.Asks))

	// Replayed trades reproduce the original prints.
	h1 := e1.GetRecentTrades("BTC-USD", 10)
	h2 := e2.GetRecentTrades("BTC-USD", 10)
	assert.Equal(t, len(h1), len(h2))
	for i := range h1 {
		assert.True(t, h1[i].Price.Equal(h2[i].Price))
		assert.True(t, h1[i].Quantity.Equal(h2[i].Quantity))
		assert.Equal(t, h1[i].SeqNum, h2[i].SeqNum)
	}
}

func TestEngineWALReplayIdempotent(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "engine.wal")

	e1 := NewMatchingEngine()
	assert.True(t, e1.StartWAL(walPath))
	submitLimit(t, e1, "buy-1", Buy, 100, 5)
	submitLimit(t, e1, "buy-2", Buy, 99, 5)
	e1.StopWAL()

	e2 := NewMatchingEngine()
	assert.True(t, e2.ReplayWAL(walPath))
	assert.True(t, e2.ReplayWAL(walPath))

	// Double replay converges: resting orders are not duplicated.
	assert.Equal(t, 2, e2.OrderCount("BTC-USD"))
	md := e2.GetMarketData("BTC-USD", 10)
	assert.True(t, md.BestBidQuantity.Equal(decimal.NewFromInt(5)))
}

func TestEngineWALReplayIdempotentAfterFill(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "engine.wal")

	e1 := NewMatchingEngine()
	assert.True(t, e1.StartWAL(walPath))
	submitLimit(t, e1, "sell-1", Sell, 100, 5)
	submitLimit(t, e1, "buy-1", Buy, 100, 3)
	stop := NewOrder("stop-1", "BTC-USD", Sell, StopLoss, decimal.NewFromInt(90), decimal.NewFromInt(1))
	assert.NoError(t, e1.SubmitOrder(stop))
	e1.StopWAL()

	e2 := NewMatchingEngine()
	assert.True(t, e2.ReplayWAL(walPath))
	assert.True(t, e2.ReplayWAL(walPath))

	// buy-1 filled completely on the first pass and left no trace in the
	// book; the second pass must not re-match it against the maker
	// residual.
	assert.Equal(t, 1, e2.OrderCount("BTC-USD"))
	md := e2.GetMarketData("BTC-USD", 5)
	assert.True(t, md.BestAskPrice.Equal(decimal.NewFromInt(100)))
	assert.True(t, md.BestAskQuantity.Equal(decimal.NewFromInt(2)))

	// The trigger order is stored exactly once.
	assert.Equal(t, 1, e2.TriggerOrderCount("BTC-USD"))

	// And the second pass printed nothing new.
	assert.Len(t, e2.GetRecentTrades("BTC-USD", 10), 1)
}

func TestEngineReplayDoesNotRewriteWAL(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "source.wal")
	target := filepath.Join(dir, "target.wal")

	e1 := NewMatchingEngine()
	assert.True(t, e1.StartWAL(source))
	submitLimit(t, e1, "buy-1", Buy, 100, 5)
	e1.StopWAL()

	e2 := NewMatchingEngine()
	assert.True(t, e2.StartWAL(target))
	assert.True(t, e2.ReplayWAL(source))
	e2.StopWAL()

	count := 0
	assert.True(t, scanWAL(target, func(*walRecord) { count++ }))
	assert.Equal(t, 0, count)
}

func TestEngineSaveLoadState(t *testing.T) {
	dir := t.TempDir()

	e1 := NewMatchingEngine()
	submitLimit(t, e1, "buy-1", Buy, 100, 3)
	submitLimit(t, e1, "buy-2", Buy, 100, 7)
	submitLimit(t, e1, "sell-1", Sell, 110, 2)
	eth := NewOrder("eth-1", "ETH-USD", Buy, Limit, decimal.NewFromInt(50), decimal.NewFromInt(1))
	assert.NoError(t, e1.SubmitOrder(eth))

	assert.True(t, e1.SaveState(dir))

	e2 := NewMatchingEngine()
	assert.True(t, e2.LoadState(dir))

	assert.Equal(t, 3, e2.OrderCount("BTC-USD"))
	assert.Equal(t, 1, e2.OrderCount("ETH-USD"))

	// Restored orders are addressable and priority survives.
	assert.True(t, e2.CancelOrder("buy-1"))
	md := e2.GetMarketData("BTC-USD", 5)
	assert.True(t, md.BestBidPrice.Equal(decimal.NewFromInt(100)))
	assert.True(t, md.BestBidQuantity.Equal(decimal.NewFromInt(7)))
}

func TestEngineLoadStateMissingDir(t *testing.T) {
	e := NewMatchingEngine()
	assert.False(t, e.LoadState(filepath.Join(t.TempDir(), "absent")))
}

func TestEngineMetrics(t *testing.T) {
	e := NewMatchingEngine(WithMetricsSink(NewPrometheusMetrics()))

	submitLimit(t, e, "sell-1", Sell, 100, 1)
	submitLimit(t, e, "buy-1", Buy, 100, 1)
	submitLimit(t, e, "buy-2", Buy, 90, 1)
	assert.True(t, e.CancelOrder("buy-2"))

	m := e.Metrics()
	assert.Equal(t, uint64(3), m.OrdersReceived)
	assert.Equal(t, uint64(1), m.OrdersCancelled)
	assert.Equal(t, uint64(1), m.TradesExecuted)
	assert.Equal(t, 1, m.SymbolsTracked)

	var decoded EngineMetrics
	assert.NoError(t, json.Unmarshal([]byte(e.MetricsJSON()), &decoded))
	assert.Equal(t, m, decoded)
}

func TestEngineBufferedSubscriber(t *testing.T) {
	e := NewMatchingEngine()

	done := make(chan *Trade, 8)
	e.SubscribeTradesBuffered("BTC-USD", func(tr *Trade) { done <- tr }, 8)

	submitLimit(t, e, "sell-1", Sell, 100, 1)
	submitLimit(t, e, "buy-1", Buy, 100, 1)

	trade := <-done
	assert.True(t, trade.Price.Equal(decimal.NewFromInt(100)))
}

func TestEngineShutdown(t *testing.T) {
	e := NewMatchingEngine()
	submitLimit(t, e, "buy-1", Buy, 100, 1)

	assert.NoError(t, e.Shutdown(context.Background()))
	order := NewOrder("buy-2", "BTC-USD", Buy, Limit, decimal.NewFromInt(100), decimal.NewFromInt(1))
	assert.ErrorIs(t, e.SubmitOrder(order), ErrShutdown)

	// Shutdown is idempotent.
	assert.NoError(t, e.Shutdown(context.Background()))
}

func TestGenerateOrderID(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := GenerateOrderID()
		_, dup := seen[id]
		assert.False(t, dup)
		seen[id] = struct{}{}
	}
}
