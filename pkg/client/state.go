package client

import (
	"fmt"
	"sync"
	"time"
)

// State is a phase of the client session lifecycle.
//
//	closed → connecting → open
//	open → closing → closed                 (Disconnect)
//	open → closed → reconnecting → open     (unexpected loss)
//	reconnecting → failed                   (attempts exhausted)
//	connecting → failed                     (reconnect disabled)
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateChange describes one transition. Err is the cause, if any.
type StateChange struct {
	From    State
	To      State
	Err     error
	Attempt int // Reconnect attempts made so far
	Time    time.Time
}

// validTransitions is the closed set of edges the session may take.
var validTransitions = map[State][]State{
	StateClosed:       {StateConnecting, StateReconnecting},
	StateConnecting:   {StateOpen, StateFailed, StateReconnecting, StateClosed},
	StateOpen:         {StateClosing, StateClosed},
	StateClosing:      {StateClosed},
	StateReconnecting: {StateOpen, StateFailed, StateClosed},
	StateFailed:       {StateConnecting, StateClosed},
}

func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// notifier delivers state changes to listeners in transition order on a
// single goroutine, so listeners never run under the client's lock. The queue
// is unbounded; push never blocks.
type notifier struct {
	mu     sync.Mutex
	queue  []StateChange
	closed bool
	wake   chan struct{}
	listen func(StateChange)
}

func newNotifier(listen func(StateChange)) *notifier {
	n := &notifier{
		wake:   make(chan struct{}, 1),
		listen: listen,
	}
	go n.run()
	return n
}

func (n *notifier) push(sc StateChange) {
	n.mu.Lock()
	n.queue = append(n.queue, sc)
	n.mu.Unlock()
	n.signal()
}

func (n *notifier) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	for {
		n.mu.Lock()
		batch, closed := n.queue, n.closed
		n.queue = nil
		n.mu.Unlock()

		for _, sc := range batch {
			n.listen(sc)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-n.wake
	}
}

// close lets the notifier exit once everything queued has been delivered.
func (n *notifier) close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.signal()
}

// listenerList keeps callbacks in registration order. The owner guards it.
type listenerList[T any] struct {
	next    uint64
	entries []listenerEntry[T]
}

type listenerEntry[T any] struct {
	id uint64
	fn func(T)
}

func (l *listenerList[T]) add(fn func(T)) uint64 {
	l.next++
	l.entries = append(l.entries, listenerEntry[T]{id: l.next, fn: fn})
	return l.next
}

func (l *listenerList[T]) remove(id uint64) {
	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			return
		}
	}
}

func (l *listenerList[T]) snapshot() []func(T) {
	fns := make([]func(T), len(l.entries))
	for i, e := range l.entries {
		fns[i] = e.fn
	}
	return fns
}
