package eventbus

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "tubeq/pkg/logx"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish never blocks on channel subscribers.
//   - Channel subscribers use buffered channels; slow ones drop events.
//   - Listeners registered with On run synchronously on the publisher's
//     goroutine, in registration order. A panicking listener is recovered
//     and logged; the remaining listeners still run.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Listener handles one event.
type Listener func(e Event)

// AllEvents subscribes a listener to every event type.
const AllEvents = "*"

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	On(eventType string, fn Listener) (unsubscribe func())
}

type Option func(*memBus)

// WithLogger sets the logger used to report listener panics.
func WithLogger(log logx.Logger) Option {
	return func(b *memBus) { b.log = log }
}

// New returns a simple in-memory fanout bus.
//
// It does not own any background goroutines.
func New(opts ...Option) Bus {
	b := &memBus{subs: map[uint64]chan Event{}, log: logx.Nop()}
	for _, o := range opts {
		o(b)
	}
	if b.log.IsZero() {
		b.log = logx.Nop()
	}
	return b
}

type listenerEntry struct {
	id   uint64
	typ  string
	fn   Listener
	dead atomic.Bool
}

type memBus struct {
	mu        sync.RWMutex
	subs      map[uint64]chan Event
	listeners []*listenerEntry
	seq       atomic.Uint64

	log     logx.Logger
	panics  atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot so Publish doesn't hold locks while delivering.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	ls := make([]*listenerEntry, 0, len(b.listeners))
	for _, l := range b.listeners {
		if l.typ == e.Type || l.typ == AllEvents {
			ls = append(ls, l)
		}
	}
	b.mu.RUnlock()

	for _, l := range ls {
		if l.dead.Load() {
			continue
		}
		b.invoke(l, e)
	}

	for _, ch := range chs {
		// If a subscriber unsubscribes concurrently and the channel closes,
		// recover from a possible panic (send on closed channel).
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) invoke(l *listenerEntry, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			b.log.Error("event listener panicked",
				logx.String("type", e.Type),
				logx.Uint64("listener", l.id),
				logx.String("panic", fmt.Sprint(r)),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	l.fn(e)
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}

func (b *memBus) On(eventType string, fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	if eventType == "" {
		eventType = AllEvents
	}
	l := &listenerEntry{id: b.seq.Add(1), typ: eventType, fn: fn}

	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			// Mark first so an in-flight Publish snapshot skips it.
			l.dead.Store(true)
			b.mu.Lock()
			for i, cur := range b.listeners {
				if cur == l {
					b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
		})
	}
}

// Stats is a diagnostic counter snapshot.
type Stats struct {
	Listeners   int    `json:"listeners"`
	Subscribers int    `json:"subscribers"`
	Panics      uint64 `json:"panics"`
	Dropped     uint64 `json:"dropped"`
}

// StatsOf returns counters for buses created by New; other implementations
// yield a zero Stats.
func StatsOf(bus Bus) Stats {
	b, ok := bus.(*memBus)
	if !ok || b == nil {
		return Stats{}
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		Listeners:   len(b.listeners),
		Subscribers: len(b.subs),
		Panics:      b.panics.Load(),
		Dropped:     b.dropped.Load(),
	}
}
