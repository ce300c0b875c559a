package broker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cskr/pubsub"
)

// EventKind names a hub lifecycle event. Kinds double as pubsub topics.
type EventKind string

const (
	EventConnectionAdded   EventKind = "connection-added"
	EventConnectionRemoved EventKind = "connection-removed"
	EventDecodeError       EventKind = "decode-error"
	EventChannelCreated    EventKind = "channel-created"
)

// Event is delivered to Events subscribers.
type Event struct {
	Kind      EventKind
	ConnID    string
	ChannelID string
	Reason    error
	Time      time.Time
}

// eventBus fans events out through cskr/pubsub. Emitting never blocks: events
// are queued for one publisher goroutine and dropped when the queue is full.
type eventBus struct {
	ps      *pubsub.PubSub
	queue   chan Event
	buffer  int
	dropped atomic.Uint64
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newEventBus(buffer int) *eventBus {
	e := &eventBus{
		ps:     pubsub.New(buffer),
		queue:  make(chan Event, buffer),
		buffer: buffer,
		done:   make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *eventBus) run() {
	defer close(e.done)
	for ev := range e.queue {
		e.ps.Pub(ev, string(ev.Kind))
	}
	e.ps.Shutdown()
}

func (e *eventBus) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.queue <- ev:
	default:
		e.dropped.Add(1)
	}
}

// subscribe returns a typed channel of events. A converter goroutine keeps
// the pubsub channel drained so one slow reader cannot stall the bus; events
// it cannot hand over are dropped.
func (e *eventBus) subscribe(kinds ...EventKind) (<-chan Event, func()) {
	out := make(chan Event, e.buffer)
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		close(out)
		return out, func() {}
	}
	topics := make([]string, len(kinds))
	for i, k := range kinds {
		topics[i] = string(k)
	}
	raw := e.ps.Sub(topics...)
	e.mu.RUnlock()

	go func() {
		defer close(out)
		for v := range raw {
			ev, ok := v.(Event)
			if !ok {
				continue
			}
			select {
			case out <- ev:
			default:
				e.dropped.Add(1)
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			// Holding the read lock keeps the pubsub goroutine alive for
			// Unsub; after close, Shutdown closes raw instead.
			e.mu.RLock()
			defer e.mu.RUnlock()
			if !e.closed {
				e.ps.Unsub(raw)
			}
		})
	}
	return out, cancel
}

func (e *eventBus) close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()
	<-e.done
}
