package match

import "sync"

// MarketDataCallback receives market data updates for a subscribed
// symbol. Synchronous subscribers run inside the symbol's critical
// section and must be non-blocking and fast.
type MarketDataCallback func(*MarketDataUpdate)

// TradeCallback receives trade prints for a subscribed symbol, in
// execution order. The synchronous contract matches MarketDataCallback.
type TradeCallback func(*Trade)

type overflowPolicy int8

const (
	// dropOldest discards the oldest queued element to admit the new
	// one. Used for market data: a later snapshot supersedes older
	// increments anyway.
	dropOldest overflowPolicy = iota
	// disconnect closes the ring on overflow. Used for trades, where
	// silently dropping a print would corrupt the subscriber's view.
	disconnect
)

// ring is a bounded FIFO between one producer (the engine, under the
// symbol lock) and one consumer goroutine draining into a callback.
// Pushing never blocks; the overflow policy decides what full means.
type ring[T any] struct {
	mu     sync.Mutex
	buf    []T
	head   int
	size   int
	policy overflowPolicy
	closed bool
	wake   chan struct{}
}

func newRing[T any](capacity int, policy overflowPolicy) *ring[T] {
	if capacity <= 0 {
		capacity = 256
	}
	return &ring[T]{
		buf:    make([]T, capacity),
		policy: policy,
		wake:   make(chan struct{}, 1),
	}
}

// push enqueues v. Returns false once the ring is disconnected.
func (r *ring[T]) push(v T) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}

	if r.size == len(r.buf) {
		if r.policy == disconnect {
			r.closed = true
			r.mu.Unlock()
			r.signal()
			return false
		}
		// Drop oldest
		r.head = (r.head + 1) % len(r.buf)
		r.size--
	}

	r.buf[(r.head+r.size)%len(r.buf)] = v
	r.size++
	r.mu.Unlock()

	r.signal()
	return true
}

func (r *ring[T]) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// pop dequeues the next element, blocking until one is available.
// Returns false when the ring is closed and drained.
func (r *ring[T]) pop() (T, bool) {
	for {
		r.mu.Lock()
		if r.size > 0 {
			v := r.buf[r.head]
			var zero T
			r.buf[r.head] = zero
			r.head = (r.head + 1) % len(r.buf)
			r.size--
			r.mu.Unlock()
			return v, true
		}
		closed := r.closed
		r.mu.Unlock()

		if closed {
			var zero T
			return zero, false
		}
		<-r.wake
	}
}

func (r *ring[T]) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.signal()
}

// utilization returns the fill ratio in [0, 1].
func (r *ring[T]) utilization() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return float64(r.size) / float64(len(r.buf))
}

// mdSubscriber delivers market data either synchronously (nil ring) or
// through a bounded drop-oldest ring drained by its own goroutine.
type mdSubscriber struct {
	cb   MarketDataCallback
	ring *ring[*MarketDataUpdate]
}

func newMDSubscriber(cb MarketDataCallback, buffer int) *mdSubscriber {
	sub := &mdSubscriber{cb: cb}
	if buffer > 0 {
		sub.ring = newRing[*MarketDataUpdate](buffer, dropOldest)
		go drain(sub.ring, cb)
	}
	return sub
}

func (s *mdSubscriber) deliver(u *MarketDataUpdate) {
	if s.ring == nil {
		s.cb(u)
		return
	}
	s.ring.push(u)
}

// tradeSubscriber is the trade-feed counterpart; its ring disconnects on
// overflow instead of dropping prints.
type tradeSubscriber struct {
	cb   TradeCallback
	ring *ring[*Trade]
}

func newTradeSubscriber(cb TradeCallback, buffer int) *tradeSubscriber {
	sub := &tradeSubscriber{cb: cb}
	if buffer > 0 {
		sub.ring = newRing[*Trade](buffer, disconnect)
		go drain(sub.ring, cb)
	}
	return sub
}

func (s *tradeSubscriber) deliver(t *Trade) {
	if s.ring == nil {
		s.cb(t)
		return
	}
	s.ring.push(t)
}

func drain[T any](r *ring[T], cb func(T)) {
	for {
		v, ok := r.pop()
		if !ok {
			return
		}
		cb(v)
	}
}
