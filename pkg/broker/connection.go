package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-wshub/pkg/correlator"
	"github.com/lightforgemedia/go-wshub/pkg/ergosockets"
)

// Connection is the hub-side state of one peer. Its socket is written only by
// its own write pump.
type Connection struct {
	id         string
	remoteAddr string
	codec      ergosockets.Codec
	conn       *websocket.Conn
	broker     *Broker
	send       chan []byte // Buffered channel of encoded outgoing frames
	logger     *slog.Logger
	pending    *correlator.Correlator

	ctx    context.Context    // Derived from broker.mainCtx
	cancel context.CancelFunc // Cancels this connection's context

	dropped atomic.Int32 // Frames dropped due to a full send buffer

	mu       sync.Mutex
	liveness Liveness
	lastPong time.Time
	channels map[string]struct{}
}

func newConnection(b *Broker, id, remoteAddr string, codec ergosockets.Codec, ws *websocket.Conn) *Connection {
	ctx, cancel := context.WithCancel(b.mainCtx)
	return &Connection{
		id:         id,
		remoteAddr: remoteAddr,
		codec:      codec,
		conn:       ws,
		broker:     b,
		send:       make(chan []byte, b.config.clientSendBuffer),
		logger:     b.config.logger,
		pending: correlator.New(
			correlator.WithDefaultTimeout(b.config.serverRequestTimeout),
			correlator.WithLogger(b.config.logger),
		),
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[string]struct{}),
	}
}

// Methods for ConnectionHandle interface
func (c *Connection) ID() string                 { return c.id }
func (c *Connection) RemoteAddr() string         { return c.remoteAddr }
func (c *Connection) Format() ergosockets.Format { return c.codec.Format() }
func (c *Connection) Context() context.Context   { return c.ctx }

func (c *Connection) Liveness() Liveness {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveness
}

// LastPong is the time of the last pong, or of registration.
func (c *Connection) LastPong() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

// Channels returns the subscribed channel ids, sorted.
func (c *Connection) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for id := range c.channels {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (c *Connection) markSuspected() {
	c.mu.Lock()
	if c.liveness == LivenessAlive {
		c.liveness = LivenessSuspected
	}
	c.mu.Unlock()
}

// markClosed moves the connection to closed and hands back its channels.
// Afterwards trackChannel refuses new subscriptions.
func (c *Connection) markClosed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.liveness = LivenessClosed
	out := make([]string, 0, len(c.channels))
	for id := range c.channels {
		out = append(out, id)
	}
	c.channels = make(map[string]struct{})
	return out
}

func (c *Connection) trackChannel(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.liveness == LivenessClosed {
		return false
	}
	c.channels[id] = struct{}{}
	return true
}

func (c *Connection) untrackChannel(id string) {
	c.mu.Lock()
	delete(c.channels, id)
	c.mu.Unlock()
}

// enqueue encodes a frame in the connection's format and queues it.
func (c *Connection) enqueue(typ, id, topic string, payload any) bool {
	frame, err := c.codec.Encode(typ, id, topic, payload)
	if err != nil {
		c.logger.Error(fmt.Sprintf("Broker: Connection %s failed to encode %s frame: %v", c.id, typ, err))
		return false
	}
	return c.enqueueFrame(frame)
}

// enqueueFrame attempts to queue a frame without blocking. A connection that
// keeps its buffer full is removed as a slow consumer.
func (c *Connection) enqueueFrame(frame []byte) bool {
	if c.ctx.Err() != nil {
		return false
	}
	select {
	case c.send <- frame:
		return true
	case <-c.ctx.Done():
		return false
	default:
		dropped := c.dropped.Add(1)
		c.broker.metrics.Dropped.Inc()
		c.logger.Warn(fmt.Sprintf("Broker: Connection %s send buffer full, frame dropped (%d total)", c.id, dropped))
		if dropped == maxDroppedMessages {
			c.logger.Info(fmt.Sprintf("Broker: Connection %s dropped %d frames, disconnecting slow client.", c.id, dropped))
			go c.broker.removeConnection(c, ErrSlowConsumer)
		}
		return false
	}
}

// SendEnvelope queues a frame with an explicit correlation id.
func (c *Connection) SendEnvelope(ctx context.Context, typ, id, topic string, payload any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return fmt.Errorf("connection %s: %w", c.id, ErrConnectionClosed)
	default:
	}
	if !c.enqueue(typ, id, topic, payload) {
		if c.ctx.Err() != nil {
			return fmt.Errorf("connection %s: %w", c.id, ErrConnectionClosed)
		}
		return fmt.Errorf("connection %s: %s frame not queued", c.id, typ)
	}
	return nil
}

// Send pushes an uncorrelated frame to this peer.
func (c *Connection) Send(ctx context.Context, typ string, payload any) error {
	return c.SendEnvelope(ctx, typ, "", "", payload)
}

// Request sends a correlated request to the peer and decodes the response
// into result (which may be nil). Timeout <= 0 uses the broker default.
func (c *Connection) Request(ctx context.Context, method string, params any, result any, timeout time.Duration) error {
	p, err := c.pending.Send(ctx, c, ergosockets.TypeRequest, method, params, timeout)
	if err != nil {
		return err
	}
	c.logger.Debug(fmt.Sprintf("Broker: Sent request (ID: %s) '%s' to connection %s", p.ID(), method, c.id))
	env, err := p.Await(ctx)
	if err != nil {
		return fmt.Errorf("request '%s' to connection %s: %w", method, c.id, err)
	}
	if env.Tag() == ergosockets.TagError {
		ep := &ergosockets.ErrorPayload{}
		if err := c.codec.DecodePayload(env.Payload, ep); err != nil {
			return err
		}
		return ep
	}
	if result != nil {
		if err := c.codec.DecodePayload(env.Payload, result); err != nil {
			return fmt.Errorf("failed to decode response from connection %s: %w", c.id, err)
		}
	}
	return nil
}

func (c *Connection) readPump() {
	b := c.broker
	c.conn.SetReadLimit(b.config.readLimit)

	// Reads are not bound to c.ctx: cancelling a read makes the library close
	// with its own status, while removal wants to pick the close code. The
	// read returns once removeConnection has closed the socket.
	readCtx := context.WithoutCancel(c.ctx)
	for {
		_, data, err := c.conn.Read(readCtx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if errors.Is(err, context.Canceled) || status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				c.logger.Info(fmt.Sprintf("Broker: Connection %s readPump closing gracefully: %v", c.id, err))
			} else {
				c.logger.Info(fmt.Sprintf("Broker: Connection %s read error in readPump: %v (status: %d)", c.id, err, status))
			}
			b.removeConnection(c, fmt.Errorf("read: %w", err))
			return
		}

		env, err := c.codec.Decode(data)
		if err != nil {
			b.reportDecodeError(c, err)
			continue
		}
		b.dispatch(c, env)
	}
}

func (c *Connection) writePump() {
	defer c.logger.Debug(fmt.Sprintf("Broker: Connection %s writePump stopping.", c.id))

	for {
		select {
		case frame := <-c.send:
			writeCtx, cancel := context.WithTimeout(c.ctx, c.broker.config.writeTimeout)
			err := c.conn.Write(writeCtx, c.codec.MessageType(), frame)
			cancel()
			if err != nil {
				c.logger.Info(fmt.Sprintf("Broker: Connection %s write error in writePump: %v. Closing connection.", c.id, err))
				c.broker.removeConnection(c, fmt.Errorf("write: %w", err))
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}
