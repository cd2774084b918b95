package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gaspardpetit/protobridge/internal/logx"
)

// DefaultQueueSize bounds each subscriber's pending event queue.
const DefaultQueueSize = 256

// Handler consumes an event.
type Handler func(Event)

type subscriber struct {
	id   uint64
	name Name // empty matches every event
	fn   Handler
	ch   chan Event
	done chan struct{}
}

// Bus fans events out to subscribers. Publish never blocks: every
// subscriber drains its own bounded queue on a dedicated goroutine and
// events that do not fit are dropped.
type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]*subscriber
	nextID    uint64
	queueSize int
	closed    bool
	now       func() time.Time

	dropped atomic.Uint64
	faults  atomic.Uint64
}

// NewBus returns a Bus whose subscribers each buffer up to queueSize events.
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{subs: make(map[uint64]*subscriber), queueSize: queueSize, now: time.Now}
}

// Subscribe registers fn for events named name. The returned function
// removes the subscription.
func (b *Bus) Subscribe(name Name, fn Handler) func() {
	return b.add(name, fn)
}

// SubscribeAll registers fn for every event.
func (b *Bus) SubscribeAll(fn Handler) func() {
	return b.add("", fn)
}

func (b *Bus) add(name Name, fn Handler) func() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.nextID++
	s := &subscriber{id: b.nextID, name: name, fn: fn, ch: make(chan Event, b.queueSize), done: make(chan struct{})}
	b.subs[s.id] = s
	b.mu.Unlock()

	go b.loop(s)
	return func() { b.remove(s.id) }
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(s.ch)
	}
	b.mu.Unlock()
	if ok {
		<-s.done
	}
}

// Publish delivers p to every matching subscriber queue.
func (b *Bus) Publish(p Payload) {
	if p == nil {
		return
	}
	ev := Event{Name: p.EventName(), Time: b.now(), Data: p}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.name != "" && s.name != ev.Name {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			b.dropped.Add(1)
			logx.Log.Warn().Str("event", string(ev.Name)).Uint64("subscriber", s.id).Msg("event queue full; dropped")
		}
	}
}

func (b *Bus) loop(s *subscriber) {
	defer close(s.done)
	for ev := range s.ch {
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s *subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.faults.Add(1)
			logx.Log.Error().Interface("panic", r).Str("event", string(ev.Name)).Uint64("subscriber", s.id).Msg("event subscriber fault")
		}
	}()
	s.fn(ev)
}

// Dropped returns how many events were discarded because a queue was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Faults returns how many subscriber invocations panicked.
func (b *Bus) Faults() uint64 { return b.faults.Load() }

// Close stops every subscriber after its queue drains.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = map[uint64]*subscriber{}
	for _, s := range subs {
		close(s.ch)
	}
	b.mu.Unlock()
	for _, s := range subs {
		<-s.done
	}
}
