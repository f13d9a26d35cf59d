package mq

import (
	"log/slog"
	"sync"
	"sync/atomic"

	ferrors "git.home.luguber.info/inful/forgeci/internal/foundation/errors"
)

// Bus is the in-process MessageQueue backend.
//
// Design goals:
//   - Per-subscriber FIFO delivery matching publish order
//   - Subscriber isolation: each subscription drains on its own goroutine,
//     so a slow or panicking consumer never blocks the others
//   - Snapshot-before-iterate: a subscription added while a message is being
//     fanned out does not receive that message
//   - Clean shutdown (Close stops all subscription drainers)
type Bus struct {
	mu       sync.RWMutex
	subs     map[uint64]*Subscription
	nextID   atomic.Uint64
	isClosed atomic.Bool
}

// Subscription is a registered consumer. Stop unregisters it; messages
// already queued for it are dropped.
type Subscription struct {
	id     uint64
	filter RoutingKey
	fn     ConsumerFunc

	mu      sync.Mutex
	cond    *sync.Cond
	pending []Message
	stopped bool

	stopOnce sync.Once
	detach   func(id uint64)
}

// NewBus creates an in-process bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// StartConsuming implements MessageQueue.
func (b *Bus) StartConsuming(filter RoutingKey, fn ConsumerFunc) (*Subscription, error) {
	if fn == nil {
		return nil, ferrors.ValidationError("consumer callback is required").Build()
	}
	if b.isClosed.Load() {
		return nil, ferrors.NewError(ferrors.CategoryMQ, "bus is closed").Build()
	}

	sub := &Subscription{
		id:     b.nextID.Add(1),
		filter: filter,
		fn:     fn,
		detach: b.remove,
	}
	sub.cond = sync.NewCond(&sub.mu)

	b.mu.Lock()
	if b.isClosed.Load() {
		b.mu.Unlock()
		return nil, ferrors.NewError(ferrors.CategoryMQ, "bus is closed").Build()
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.drain()
	return sub, nil
}

// Produce implements MessageQueue. It never blocks on consumers: matching
// subscriptions are snapshotted under the read lock and the message is
// appended to each one's queue.
func (b *Bus) Produce(key RoutingKey, payload any) {
	if b.isClosed.Load() {
		return
	}

	b.mu.RLock()
	var targets []*Subscription
	for _, sub := range b.subs {
		if key.Match(sub.filter) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	msg := Message{Key: key, Payload: payload}
	for _, sub := range targets {
		sub.enqueue(msg)
	}
}

// Close stops all subscriptions.
func (b *Bus) Close() {
	if !b.isClosed.CompareAndSwap(false, true) {
		return
	}

	b.mu.Lock()
	toStop := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		toStop = append(toStop, sub)
	}
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, sub := range toStop {
		sub.Stop()
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Stop unregisters the subscription and ends its drain goroutine.
func (s *Subscription) Stop() {
	s.stopOnce.Do(func() {
		s.detach(s.id)

		s.mu.Lock()
		s.stopped = true
		s.pending = nil
		s.mu.Unlock()
		s.cond.Signal()
	})
}

func (s *Subscription) enqueue(msg Message) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, msg)
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *Subscription) drain() {
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped {
			s.mu.Unlock()
			return
		}
		msg := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		s.deliver(msg)
	}
}

func (s *Subscription) deliver(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("mq consumer panicked; continuing",
				slog.String("key", msg.Key.String()),
				slog.Any("panic", r))
		}
	}()
	s.fn(msg)
}
