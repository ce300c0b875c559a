// Package correlator matches correlated requests to their responses over an
// asynchronous transport. Every pending request settles exactly once: by a
// matching response, by its deadline, or by cancellation.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lightforgemedia/go-wshub/pkg/ergosockets"
)

const defaultTimeout = 10 * time.Second

var (
	// ErrRequestTimedOut settles a request whose deadline fired first.
	ErrRequestTimedOut = errors.New("request timed out")
	// ErrCancelled settles a request abandoned by its caller.
	ErrCancelled = errors.New("request cancelled")
)

// Sender puts a correlated frame on the wire. Clients and hub connections
// implement it.
type Sender interface {
	SendEnvelope(ctx context.Context, typ, id, topic string, payload any) error
}

// Correlator owns the table of pending requests.
type Correlator struct {
	prefix         string
	seq            atomic.Uint64
	defaultTimeout time.Duration
	logger         *slog.Logger

	mu      sync.Mutex
	pending map[string]*Pending
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithDefaultTimeout sets the timeout used when Register gets timeout <= 0.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Correlator) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Correlator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates an empty Correlator.
func New(opts ...Option) *Correlator {
	c := &Correlator{
		prefix:         uuid.NewString()[:8],
		defaultTimeout: defaultTimeout,
		logger:         slog.Default(),
		pending:        make(map[string]*Pending),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Pending is the caller's handle on one outstanding request.
type Pending struct {
	id       string
	deadline time.Time
	c        *Correlator
	timer    *time.Timer
	done     chan struct{}

	// Written once by settle before done is closed.
	resp *ergosockets.Envelope
	err  error
}

// ID is the correlation id to put on the outgoing frame.
func (p *Pending) ID() string { return p.id }

// Deadline is when the request times out.
func (p *Pending) Deadline() time.Time { return p.deadline }

// Done is closed once the request has settled.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Await blocks until the request settles or ctx is done. Timeouts are
// reported as ErrRequestTimedOut. If ctx ends first the entry is removed from
// the table, so abandoning a request never leaks it.
func (p *Pending) Await(ctx context.Context) (*ergosockets.Envelope, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		if p.c.settle(p.id, nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())) {
			return nil, ctx.Err()
		}
		// Lost the race against a response or timeout; report that instead.
		<-p.done
		return p.resp, p.err
	}
}

// Cancel abandons the request. It reports whether this call settled it.
func (p *Pending) Cancel() bool {
	return p.c.settle(p.id, nil, ErrCancelled)
}

// Register adds a pending request with a fresh id. Ids are never reused for
// the lifetime of the Correlator.
func (c *Correlator) Register(timeout time.Duration) *Pending {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	id := fmt.Sprintf("%s-%d", c.prefix, c.seq.Add(1))
	p := &Pending{
		id:       id,
		deadline: time.Now().Add(timeout),
		c:        c,
		done:     make(chan struct{}),
	}

	c.mu.Lock()
	// The timer callback needs c.mu, so it cannot observe the entry before
	// p.timer is set.
	p.timer = time.AfterFunc(timeout, func() {
		if c.settle(id, nil, ErrRequestTimedOut) {
			c.logger.Debug(fmt.Sprintf("Correlator: request %s timed out after %v", id, timeout))
		}
	})
	c.pending[id] = p
	c.mu.Unlock()
	return p
}

// Send registers a request and hands it to sender. If sending fails the entry
// is removed before returning.
func (c *Correlator) Send(ctx context.Context, sender Sender, typ, topic string, payload any, timeout time.Duration) (*Pending, error) {
	p := c.Register(timeout)
	if err := sender.SendEnvelope(ctx, typ, p.id, topic, payload); err != nil {
		p.Cancel()
		return nil, fmt.Errorf("send correlated %s: %w", typ, err)
	}
	return p, nil
}

// Resolve settles the request with id. It returns false for unknown ids,
// including requests that already timed out; late responses are a no-op.
func (c *Correlator) Resolve(id string, resp *ergosockets.Envelope) bool {
	if id == "" {
		return false
	}
	return c.settle(id, resp, nil)
}

// CancelAll settles every pending request with err, e.g. on connection loss.
func (c *Correlator) CancelAll(err error) int {
	c.mu.Lock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	n := 0
	for _, id := range ids {
		if c.settle(id, nil, err) {
			n++
		}
	}
	return n
}

// Len returns the number of unsettled requests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// settle removes the entry and publishes the outcome. Only the caller that
// removes the entry publishes, which makes settlement exactly-once.
func (c *Correlator) settle(id string, resp *ergosockets.Envelope, err error) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	p.timer.Stop()
	p.resp, p.err = resp, err
	close(p.done)
	return true
}
