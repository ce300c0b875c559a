// Package telemetry defines the record-event sink that hub and peers report
// lifecycle events to, plus a few implementations.
//
// Record must never block the caller or panic into it. Sinks that talk to the
// network should be wrapped in an Async.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Event ids recorded by this module.
const (
	EventConnectionAdded   = "hub.connection-added"
	EventConnectionRemoved = "hub.connection-removed"
	EventDecodeError       = "frame.decode-error"
	EventUnrecognizedFrame = "frame.unrecognized"
	EventChannelCreated    = "hub.channel-created"
	EventSlowConsumer      = "hub.slow-consumer"
	EventClientState       = "client.state-change"
	EventConfigReloaded    = "config.reloaded"
)

// Sink accepts fire-and-forget events.
type Sink interface {
	Record(eventID string, data map[string]any)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(eventID string, data map[string]any)

func (f SinkFunc) Record(eventID string, data map[string]any) { f(eventID, data) }

// Nop discards every event.
type Nop struct{}

func (Nop) Record(string, map[string]any) {}

// SlogSink writes events to a logger at a fixed level.
type SlogSink struct {
	Logger *slog.Logger
	Level  slog.Level
}

// NewSlogSink returns a sink logging at Info on logger (slog.Default() if nil).
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{Logger: logger, Level: slog.LevelInfo}
}

func (s *SlogSink) Record(eventID string, data map[string]any) {
	attrs := make([]slog.Attr, 0, len(data)+1)
	attrs = append(attrs, slog.String("event", eventID))
	for k, v := range data {
		attrs = append(attrs, slog.Any(k, v))
	}
	s.Logger.LogAttrs(context.Background(), s.Level, "Telemetry: "+eventID, attrs...)
}

// Multi fans an event out to every sink in order.
type Multi []Sink

func (m Multi) Record(eventID string, data map[string]any) {
	for _, s := range m {
		if s != nil {
			s.Record(eventID, data)
		}
	}
}

type record struct {
	id   string
	data map[string]any
}

// Async decouples a slow sink from its callers. Events are queued and
// delivered by one goroutine; when the queue is full they are dropped.
type Async struct {
	next    Sink
	logger  *slog.Logger
	queue   chan record
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsync starts the delivery goroutine. Call Close to stop it.
func NewAsync(next Sink, buffer int, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		next:   next,
		logger: logger,
		queue:  make(chan record, buffer),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) Record(eventID string, data map[string]any) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- record{id: eventID, data: data}:
	default:
		a.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (a *Async) Dropped() uint64 { return a.dropped.Load() }

// Close stops accepting events and waits until the queue is drained.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}

func (a *Async) run() {
	defer close(a.done)
	for r := range a.queue {
		a.deliver(r)
	}
}

func (a *Async) deliver(r record) {
	defer func() {
		if p := recover(); p != nil {
			a.logger.Error(fmt.Sprintf("Telemetry: sink panicked on %s: %v", r.id, p))
		}
	}()
	a.next.Record(r.id, r.data)
}
