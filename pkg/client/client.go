// Package client is the peer side of the hub protocol: one outbound
// WebSocket session driven through an explicit state machine, with automatic
// reconnection and replay of the desired subscription set.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-wshub/pkg/correlator"
	"github.com/lightforgemedia/go-wshub/pkg/ergosockets"
	"github.com/lightforgemedia/go-wshub/pkg/telemetry"
)

// Client is a WebSocket peer of the hub.
type Client struct {
	config  clientConfig
	pending *correlator.Correlator
	notify  *notifier

	// Overall client lifetime context
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	url     string // Port discovery may rewrite it between attempts
	state   State
	sess    *session
	connID  string
	attempt int
	lastErr error
	timer   *time.Timer   // Scheduled reconnect attempt
	gen     uint64        // Bumped by Connect and Close; stale attempts compare it
	changed chan struct{} // Closed and replaced on every transition
	closed  bool

	subsMu sync.Mutex
	subs   *subscriptionSet

	listenersMu    sync.RWMutex
	listeners      listenerList[StateChange]
	resultHandlers listenerList[SubscriptionResult]

	requestHandlersMu sync.RWMutex
	requestHandlers   map[string]RequestHandler
}

// session is one physical connection. It is owned by the client and replaced
// wholesale on reconnect.
type session struct {
	ws          *websocket.Conn
	codec       ergosockets.Codec // Set before the welcome frame is handled
	send        chan []byte
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{} // Closed when the read pump exits
	welcomed    atomic.Bool
	welcomeWait *time.Timer
	readTimeout time.Duration // Read pump only
}

func newSession(parent context.Context, ws *websocket.Conn, buffer int) *session {
	ctx, cancel := context.WithCancel(parent)
	return &session{
		ws:     ws,
		send:   make(chan []byte, buffer),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// closeSocket starts the close handshake and waits a bounded time for the
// read pump to observe it.
func (s *session) closeSocket(code websocket.StatusCode, reason string) {
	go s.ws.Close(code, reason)
	select {
	case <-s.done:
	case <-time.After(closeWait):
	}
}

// New creates a client for urlStr in the closed state. Call Connect to start
// the session.
func New(urlStr string, opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.reconnect.Validate(); err != nil {
		return nil, err
	}
	if _, err := ergosockets.NewCodec(cfg.format); err != nil {
		return nil, err
	}
	if cfg.dialOptions == nil {
		cfg.dialOptions = &websocket.DialOptions{HTTPClient: http.DefaultClient}
	}

	ctx, cancel := context.WithCancel(cfg.parent)
	c := &Client{
		config: cfg,
		pending: correlator.New(
			correlator.WithDefaultTimeout(cfg.defaultRequestTimeout),
			correlator.WithLogger(cfg.logger),
		),
		ctx:             ctx,
		cancel:          cancel,
		url:             urlStr,
		state:           StateClosed,
		changed:         make(chan struct{}),
		subs:            newSubscriptionSet(),
		requestHandlers: make(map[string]RequestHandler),
	}
	c.notify = newNotifier(c.deliverStateChange)

	// A cancelled parent tears the client down like Close.
	context.AfterFunc(ctx, func() { _ = c.Close() })
	return c, nil
}

// Dial creates a client, connects it and waits until the session is open or
// has failed. On failure the client is closed.
func Dial(ctx context.Context, urlStr string, opts ...Option) (*Client, error) {
	c, err := New(urlStr, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.AwaitOpen(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// ID returns the connection id assigned by the hub in the welcome frame, or
// "" while no session is open.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// URL returns the address the next attempt will dial.
func (c *Client) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the cause of the most recent failure transition.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Format returns the wire format of the open session.
func (c *Client) Format() (ergosockets.Format, bool) {
	s, err := c.openSession()
	if err != nil {
		return "", false
	}
	return s.codec.Format(), true
}

// OnStateChange registers fn for every transition. Listeners run in
// registration order on a dedicated goroutine. The returned func removes the listener.
func (c *Client) OnStateChange(fn func(StateChange)) (remove func()) {
	c.listenersMu.Lock()
	id := c.listeners.add(fn)
	c.listenersMu.Unlock()
	return func() {
		c.listenersMu.Lock()
		c.listeners.remove(id)
		c.listenersMu.Unlock()
	}
}

func (c *Client) deliverStateChange(sc StateChange) {
	c.listenersMu.RLock()
	fns := c.listeners.snapshot()
	c.listenersMu.RUnlock()
	for _, fn := range fns {
		fn(sc)
	}
}

// AwaitOpen blocks until the session is open. It returns the failure cause
// if the client reaches failed, ErrNotOpen if it settles in closed, and
// ErrClientClosed after Close.
func (c *Client) AwaitOpen(ctx context.Context) error {
	for {
		c.mu.Lock()
		st, cause, changed, closed := c.state, c.lastErr, c.changed, c.closed
		c.mu.Unlock()

		switch {
		case closed:
			return ErrClientClosed
		case st == StateOpen:
			return nil
		case st == StateFailed:
			return cause
		case st == StateClosed:
			return fmt.Errorf("%w (state %s)", ErrNotOpen, st)
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// transitionLocked moves the state machine along one edge. c.mu must be held.
func (c *Client) transitionLocked(to State, cause error) bool {
	from := c.state
	if from == to {
		return false
	}
	if !canTransition(from, to) {
		c.config.logger.Error(fmt.Sprintf("Client %s: Refusing invalid transition %s -> %s", c.url, from, to))
		return false
	}
	c.state = to
	if cause != nil {
		c.lastErr = cause
	}
	close(c.changed)
	c.changed = make(chan struct{})

	sc := StateChange{From: from, To: to, Err: cause, Attempt: c.attempt, Time: ergosockets.TimeNow()}
	c.notify.push(sc)
	if cause != nil {
		c.config.logger.Info(fmt.Sprintf("Client %s: State %s -> %s: %v", c.url, from, to, cause))
	} else {
		c.config.logger.Info(fmt.Sprintf("Client %s: State %s -> %s", c.url, from, to))
	}
	data := map[string]any{"from": from.String(), "to": to.String(), "attempt": c.attempt, "url": c.url}
	if cause != nil {
		data["error"] = cause
	}
	c.config.telemetry.Record(telemetry.EventClientState, data)
	return true
}

// Connect starts a session in the background. It is valid from closed and
// failed only, and never blocks on the network; use AwaitOpen or
// OnStateChange to follow progress.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if c.state != StateClosed && c.state != StateFailed {
		return fmt.Errorf("%w: connect while %s", ErrInvalidState, c.state)
	}
	c.gen++
	c.attempt = 0
	c.lastErr = nil
	c.transitionLocked(StateConnecting, nil)
	go c.attemptConnect(c.gen)
	return nil
}

func (c *Client) dialOptions() *websocket.DialOptions {
	opts := *c.config.dialOptions
	opts.Subprotocols = []string{c.config.format.Subprotocol()}
	return &opts
}

// attemptConnect dials once. Success installs a session that becomes open
// when the welcome frame arrives; failure feeds the reconnect policy.
func (c *Client) attemptConnect(gen uint64) {
	urlStr := c.dialURL()

	dialCtx, cancel := context.WithTimeout(c.ctx, c.config.dialTimeout)
	ws, resp, err := websocket.Dial(dialCtx, urlStr, c.dialOptions())
	cancel()
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status: %s)", err, resp.Status)
		}
		c.connectFailed(gen, fmt.Errorf("%w: dial %s: %v", ErrConnectFailed, urlStr, err))
		return
	}

	s := newSession(c.ctx, ws, c.config.sendBuffer)
	if f, ok := ergosockets.FormatFromSubprotocol(ws.Subprotocol()); ok {
		s.codec = ergosockets.MustCodec(f)
	}

	c.mu.Lock()
	if c.gen != gen || c.closed || (c.state != StateConnecting && c.state != StateReconnecting) {
		c.mu.Unlock()
		s.cancel()
		ws.Close(websocket.StatusNormalClosure, "connect superseded")
		return
	}
	c.sess = s
	c.mu.Unlock()

	c.config.logger.Debug(fmt.Sprintf("Client %s: Socket established, waiting for welcome", urlStr))
	ws.SetReadLimit(c.config.readLimit)
	s.welcomeWait = time.AfterFunc(c.config.dialTimeout, func() {
		if !s.welcomed.Load() {
			c.config.logger.Warn(fmt.Sprintf("Client %s: No welcome frame within %v", urlStr, c.config.dialTimeout))
			s.ws.Close(websocket.StatusPolicyViolation, "no welcome frame")
		}
	})
	go c.writePump(s)
	go c.readPump(s)
}

func (c *Client) connectFailed(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.closed {
		return
	}
	c.failLocked(err)
}

// failLocked handles a failed attempt from connecting or reconnecting.
func (c *Client) failLocked(err error) {
	switch c.state {
	case StateConnecting:
		if !c.config.reconnect.Enabled {
			c.transitionLocked(StateFailed, err)
			return
		}
		c.transitionLocked(StateReconnecting, err)
		c.scheduleLocked(err)
	case StateReconnecting:
		c.scheduleLocked(err)
	}
}

// scheduleLocked arms the timer for the next attempt, or gives up.
func (c *Client) scheduleLocked(cause error) {
	p := c.config.reconnect
	if p.Exhausted(c.attempt) {
		c.transitionLocked(StateFailed, fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, c.attempt, cause))
		return
	}
	delay := p.Delay(c.attempt, c.config.jitter())
	c.attempt++
	gen := c.gen
	c.config.logger.Info(fmt.Sprintf("Client %s: Waiting %v before reconnect attempt %d...", c.url, delay, c.attempt))
	c.timer = time.AfterFunc(delay, func() { c.reconnect(gen) })
}

func (c *Client) reconnect(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.closed || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	attempt := c.attempt
	c.mu.Unlock()

	c.config.logger.Info(fmt.Sprintf("Client %s: Attempting to reconnect (attempt %d)...", c.URL(), attempt))
	c.attemptConnect(gen)
}

// dialURL applies port discovery while reconnecting.
func (c *Client) dialURL() string {
	c.mu.Lock()
	urlStr, reconnecting := c.url, c.state == StateReconnecting
	c.mu.Unlock()
	if !reconnecting || c.config.portDiscovery == nil {
		return urlStr
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.config.dialTimeout)
	defer cancel()
	port, err := c.config.portDiscovery(ctx)
	if err != nil {
		c.config.logger.Info(fmt.Sprintf("Client %s: Port discovery failed, keeping current address: %v", urlStr, err))
		return urlStr
	}
	rewritten, err := withPort(urlStr, port)
	if err != nil {
		c.config.logger.Warn(fmt.Sprintf("Client %s: Cannot apply discovered port %d: %v", urlStr, port, err))
		return urlStr
	}
	if rewritten != urlStr {
		c.config.logger.Info(fmt.Sprintf("Client %s: Hub moved to port %d", urlStr, port))
		c.mu.Lock()
		c.url = rewritten
		c.mu.Unlock()
	}
	return rewritten
}

// connectionLost retires s. Losing an open session schedules a reconnect when
// the policy allows it.
func (c *Client) connectionLost(s *session, cause error) {
	s.cancel()
	if s.welcomeWait != nil {
		s.welcomeWait.Stop()
	}

	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	c.connID = ""
	switch c.state {
	case StateOpen:
		c.transitionLocked(StateClosed, cause)
		if c.config.reconnect.Enabled && !c.closed {
			c.attempt = 0
			c.transitionLocked(StateReconnecting, cause)
			c.scheduleLocked(cause)
		}
	case StateClosing:
		c.transitionLocked(StateClosed, nil)
	case StateConnecting, StateReconnecting:
		if !errors.Is(cause, ErrConnectFailed) {
			cause = fmt.Errorf("%w: %v", ErrConnectFailed, cause)
		}
		c.failLocked(cause)
	}
	c.mu.Unlock()

	if n := c.pending.CancelAll(fmt.Errorf("%w: %v", ErrConnectionLost, cause)); n > 0 {
		c.config.logger.Info(fmt.Sprintf("Client %s: Cancelled %d pending requests", c.URL(), n))
	}
}

// Disconnect closes an open session gracefully. It is the only way out of
// open that never triggers a reconnect.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.state != StateOpen {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: disconnect while %s", ErrInvalidState, st)
	}
	s := c.sess
	c.transitionLocked(StateClosing, nil)
	c.mu.Unlock()

	go s.ws.Close(websocket.StatusNormalClosure, "client disconnect")
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears the client down from any state. A scheduled reconnect attempt
// is cancelled and every pending request settles with ErrClientClosed.
// Close is idempotent; the client cannot be reused afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	s := c.sess
	c.sess = nil
	c.connID = ""
	c.transitionLocked(StateClosed, nil)
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()

	c.config.logger.Info(fmt.Sprintf("Client %s: Initiating close...", c.URL()))
	if s != nil {
		if s.welcomeWait != nil {
			s.welcomeWait.Stop()
		}
		s.closeSocket(websocket.StatusNormalClosure, "client closed")
		s.cancel()
	}
	c.pending.CancelAll(ErrClientClosed)
	c.cancel()
	c.notify.close()
	c.config.logger.Info(fmt.Sprintf("Client %s: Close sequence complete.", c.URL()))
	return nil
}

// openSession returns the current session if the client is open.
func (c *Client) openSession() (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	if c.state != StateOpen || c.sess == nil {
		return nil, fmt.Errorf("%w (state %s)", ErrNotOpen, c.state)
	}
	return c.sess, nil
}

// SendEnvelope queues a frame on the open session. It implements
// correlator.Sender.
func (c *Client) SendEnvelope(ctx context.Context, typ, id, topic string, payload any) error {
	s, err := c.openSession()
	if err != nil {
		return err
	}
	return c.sendOn(ctx, s, typ, id, topic, payload)
}

func (c *Client) sendOn(ctx context.Context, s *session, typ, id, topic string, payload any) error {
	frame, err := s.codec.Encode(typ, id, topic, payload)
	if err != nil {
		return fmt.Errorf("client: failed to encode %s frame: %w", typ, err)
	}
	select {
	case s.send <- frame:
		return nil
	case <-s.ctx.Done():
		return fmt.Errorf("%w: session ended", ErrNotOpen)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trySend queues a frame without blocking. The read pump uses it for
// replies so a stalled writer can never stall reading.
func (c *Client) trySend(s *session, typ, id, topic string, payload any) {
	frame, err := s.codec.Encode(typ, id, topic, payload)
	if err != nil {
		c.config.logger.Error(fmt.Sprintf("Client %s: Failed to encode %s frame: %v", c.URL(), typ, err))
		return
	}
	select {
	case s.send <- frame:
	case <-s.ctx.Done():
	default:
		c.config.logger.Warn(fmt.Sprintf("Client %s: Send queue full, %s frame dropped", c.URL(), typ))
	}
}

func (c *Client) writePump(s *session) {
	defer c.config.logger.Debug(fmt.Sprintf("Client %s: writePump stopping for connection.", c.URL()))
	for {
		select {
		case frame := <-s.send:
			writeCtx, cancel := context.WithTimeout(s.ctx, c.config.writeTimeout)
			err := s.ws.Write(writeCtx, s.codec.MessageType(), frame)
			cancel()
			if err != nil {
				c.config.logger.Info(fmt.Sprintf("Client %s: write error in writePump: %v", c.URL(), err))
				c.connectionLost(s, fmt.Errorf("write: %w", err))
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (c *Client) readPump(s *session) {
	defer close(s.done)

	// Reads are not bound to s.ctx: cancelling a read makes the library close
	// the socket with its own status code.
	base := context.WithoutCancel(s.ctx)
	for {
		readCtx, cancel := base, context.CancelFunc(func() {})
		if s.readTimeout > 0 {
			readCtx, cancel = context.WithTimeout(base, s.readTimeout)
		}
		typ, data, err := s.ws.Read(readCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w: hub silent for %v", ergosockets.ErrHeartbeatTimeout, s.readTimeout)
			}
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				c.config.logger.Info(fmt.Sprintf("Client %s: readPump normal websocket closure: %v", c.URL(), err))
			} else {
				c.config.logger.Info(fmt.Sprintf("Client %s: read error in readPump: %v (status: %d)", c.URL(), err, status))
			}
			c.connectionLost(s, err)
			return
		}

		if s.codec == nil {
			// No subprotocol negotiated: the hub speaks its default, which the
			// frame type reveals.
			s.codec = ergosockets.MustCodec(ergosockets.FormatJSON)
			if typ == websocket.MessageBinary {
				s.codec = ergosockets.MustCodec(ergosockets.FormatBSON)
			}
		}
		env, err := s.codec.Decode(data)
		if err != nil {
			c.reportDecodeError(err)
			continue
		}
		c.dispatch(s, env)
	}
}

func (c *Client) reportError(err error) {
	if c.config.errorHandler != nil {
		c.config.errorHandler(err)
	}
}

func (c *Client) reportDecodeError(err error) {
	c.config.logger.Warn(fmt.Sprintf("Client %s: Received malformed frame: %v", c.URL(), err))
	c.config.telemetry.Record(telemetry.EventDecodeError, map[string]any{"url": c.URL(), "error": err})
	c.reportError(err)
}
