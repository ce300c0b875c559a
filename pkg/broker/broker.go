// Package broker implements the hub side of the transport: the connection
// registry, the heartbeat monitor, channel pub/sub with retention and
// hub-side request handlers.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-wshub/pkg/ergosockets"
	"github.com/lightforgemedia/go-wshub/pkg/shared_types"
	"github.com/lightforgemedia/go-wshub/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus"
)

// Broker manages peer connections and routes frames between them.
type Broker struct {
	config   brokerConfig
	registry *Registry
	channels *ChannelBroker
	events   *eventBus
	metrics  *Metrics

	requestHandlersMu sync.RWMutex
	requestHandlers   map[string]RequestHandler // method -> handler

	shutdownOnce sync.Once
	mainCtx      context.Context // Top-level context for the broker itself
	mainCancel   context.CancelFunc
	heartbeatWG  sync.WaitGroup
}

// New creates a new Broker and starts its heartbeat monitor.
func New(opts ...Option) (*Broker, error) {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	b := &Broker{
		config: brokerConfig{
			logger:               slog.Default(),
			format:               ergosockets.FormatJSON,
			clientSendBuffer:     defaultClientSendBuffer,
			writeTimeout:         defaultWriteTimeout,
			readLimit:            defaultReadLimit,
			heartbeatEnabled:     true,
			heartbeatInterval:    defaultHeartbeatInterval,
			heartbeatTimeout:     defaultHeartbeatTimeout,
			serverRequestTimeout: defaultServerRequestTimeout,
			autoCreate:           true,
			channelConfig:        ChannelConfig{RetainMessages: defaultRetainMessages},
			telemetry:            telemetry.Nop{},
			eventBuffer:          defaultEventBuffer,
		},
		requestHandlers: make(map[string]RequestHandler),
		mainCtx:         mainCtx,
		mainCancel:      mainCancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	if err := validateConfig(&b.config); err != nil {
		mainCancel()
		return nil, err
	}
	if b.config.heartbeatEnabled && b.config.heartbeatTimeout < 2*b.config.heartbeatInterval {
		b.config.logger.Warn(fmt.Sprintf("Broker: Heartbeat timeout %v is less than twice the interval %v; one late pong may evict a peer",
			b.config.heartbeatTimeout, b.config.heartbeatInterval))
	}
	if b.config.acceptOptions == nil {
		b.config.acceptOptions = &websocket.AcceptOptions{}
	}
	if b.config.metricsRegistry == nil {
		b.config.metricsRegistry = prometheus.NewRegistry()
	}

	b.metrics = newMetrics(b.config.metricsRegistry)
	b.events = newEventBus(b.config.eventBuffer)
	b.registry = NewRegistry()
	b.channels = NewChannelBroker(b.registry, b, b.config.autoCreate, b.config.channelConfig)
	b.channels.onCreated = b.channelCreated

	if b.config.heartbeatEnabled {
		b.heartbeatWG.Add(1)
		go b.runHeartbeat()
	}

	b.config.logger.Info(fmt.Sprintf("Broker: Initialized. Format: %s, heartbeat: %v (interval %v, timeout %v), auto-create: %v",
		b.config.format, b.config.heartbeatEnabled, b.config.heartbeatInterval, b.config.heartbeatTimeout, b.config.autoCreate))
	return b, nil
}

// UpgradeHandler returns an http.HandlerFunc to handle WebSocket upgrade requests.
func (b *Broker) UpgradeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if b.mainCtx.Err() != nil {
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			b.config.logger.Info("Broker: Rejected connection, server shutting down.")
			return
		}

		acceptOpts := *b.config.acceptOptions
		acceptOpts.Subprotocols = ergosockets.Subprotocols(b.config.format)
		ws, err := websocket.Accept(w, r, &acceptOpts)
		if err != nil {
			b.config.logger.Info(fmt.Sprintf("Broker: Failed to accept websocket connection: %v", err))
			return
		}

		format := b.config.format
		if f, ok := ergosockets.FormatFromSubprotocol(ws.Subprotocol()); ok {
			format = f
		}
		c := newConnection(b, ergosockets.GenerateID(), r.RemoteAddr, ergosockets.MustCodec(format), ws)

		// The welcome frame is queued before registration so that it is
		// always the first frame the peer sees.
		now := ergosockets.TimeNow()
		welcome := shared_types.Welcome{
			ConnID:     c.id,
			Format:     string(format),
			ServerTime: now.UnixMilli(),
		}
		if b.config.heartbeatEnabled {
			welcome.HeartbeatInterval = b.config.heartbeatInterval.Milliseconds()
			welcome.HeartbeatTimeout = b.config.heartbeatTimeout.Milliseconds()
		}
		c.enqueue(ergosockets.TypeWelcome, "", "", welcome)
		if err := b.addConnection(c, now); err != nil {
			b.config.logger.Error(fmt.Sprintf("Broker: Failed to register connection: %v", err))
			c.cancel()
			ws.Close(websocket.StatusInternalError, "registration failed")
			return
		}
		c.logger.Info(fmt.Sprintf("Broker: Connection %s from %s connected (format %s)", c.id, c.remoteAddr, format))

		go c.writePump()
		go c.readPump()
	}
}

func (b *Broker) addConnection(c *Connection, now time.Time) error {
	if err := b.registry.Register(c, now); err != nil {
		return err
	}
	b.metrics.Connections.Inc()
	b.metrics.ConnectionsTotal.Inc()
	b.events.emit(Event{Kind: EventConnectionAdded, ConnID: c.id, Time: now})
	b.config.telemetry.Record(telemetry.EventConnectionAdded, map[string]any{
		"conn-id":     c.id,
		"remote-addr": c.remoteAddr,
		"format":      string(c.codec.Format()),
	})
	return nil
}

// removeConnection tears a connection down. It is safe to call from every
// pump and from the monitor; only the first call has any effect.
func (b *Broker) removeConnection(c *Connection, reason error) {
	if _, ok := b.registry.Remove(c.id); !ok {
		return
	}
	for _, ch := range c.markClosed() {
		b.channels.dropSubscriber(c.id, ch)
	}
	c.cancel()
	c.pending.CancelAll(fmt.Errorf("connection %s removed: %w", c.id, ErrConnectionClosed))

	if c.conn != nil {
		status, text := closeStatus(reason)
		go c.conn.Close(status, text)
	}

	b.metrics.Connections.Dec()
	b.metrics.Removals.WithLabelValues(removalReason(reason)).Inc()
	b.events.emit(Event{Kind: EventConnectionRemoved, ConnID: c.id, Reason: reason})
	b.config.telemetry.Record(telemetry.EventConnectionRemoved, map[string]any{
		"conn-id": c.id,
		"reason":  reason,
	})
	c.logger.Info(fmt.Sprintf("Broker: Connection %s disconnected and removed: %v", c.id, reason))
}

func closeStatus(reason error) (websocket.StatusCode, string) {
	switch {
	case errors.Is(reason, ErrHeartbeatTimeout):
		return websocket.StatusPolicyViolation, "heartbeat timeout"
	case errors.Is(reason, ErrSlowConsumer):
		return websocket.StatusPolicyViolation, "too many dropped messages"
	case errors.Is(reason, ErrShuttingDown):
		return websocket.StatusGoingAway, "server shutting down"
	default:
		return websocket.StatusNormalClosure, "connection removed"
	}
}

func (b *Broker) channelCreated(id string) {
	b.metrics.Channels.Inc()
	b.events.emit(Event{Kind: EventChannelCreated, ChannelID: id})
	b.config.telemetry.Record(telemetry.EventChannelCreated, map[string]any{"channel-id": id})
	b.config.logger.Info(fmt.Sprintf("Broker: Channel '%s' created", id))
}

// Deliver queues one frame to each listed connection, encoding it once per
// wire format. It returns how many connections accepted the frame.
func (b *Broker) Deliver(connIDs []string, typ string, payload any) int {
	frames := make(map[ergosockets.Format][]byte, 2)
	delivered := 0
	for _, id := range connIDs {
		c, ok := b.registry.Get(id)
		if !ok {
			continue
		}
		f := c.codec.Format()
		frame, seen := frames[f]
		if !seen {
			var err error
			frame, err = c.codec.Encode(typ, "", "", payload)
			if err != nil {
				b.config.logger.Error(fmt.Sprintf("Broker: Failed to encode %s frame as %s: %v", typ, f, err))
			}
			frames[f] = frame
		}
		if frame != nil && c.enqueueFrame(frame) {
			delivered++
		}
	}
	if typ == ergosockets.TypeChannelMessage {
		b.metrics.Delivered.Add(float64(delivered))
	}
	return delivered
}

// --- Hub-side API ---

// Publish sends data to a channel on behalf of the hub itself.
func (b *Broker) Publish(channelID string, data any) (int, error) {
	if b.mainCtx.Err() != nil {
		return 0, ErrShuttingDown
	}
	n, err := b.channels.Publish("", channelID, data, false)
	if err == nil {
		b.metrics.Published.Inc()
	}
	return n, err
}

// Broadcast sends a frame to every registered connection.
func (b *Broker) Broadcast(typ string, payload any) int {
	conns := b.registry.Snapshot()
	ids := make([]string, len(conns))
	for i, c := range conns {
		ids[i] = c.id
	}
	return b.Deliver(ids, typ, payload)
}

// CreateChannel creates a channel with an explicit config.
func (b *Broker) CreateChannel(id string, cfg ChannelConfig) error {
	return b.channels.CreateChannel(id, cfg)
}

// ChannelInfo describes one channel.
func (b *Broker) ChannelInfo(id string) (ChannelInfo, error) {
	return b.channels.ChannelInfo(id)
}

// Channels lists all channel ids.
func (b *Broker) Channels() []string {
	return b.channels.Channels()
}

// SetDefaultChannelConfig changes the config of channels auto-created from
// now on. Existing channels keep theirs.
func (b *Broker) SetDefaultChannelConfig(cfg ChannelConfig) {
	b.channels.SetDefaultConfig(cfg)
}

// SetAutoCreateChannels toggles channel auto-creation.
func (b *Broker) SetAutoCreateChannels(enabled bool) {
	b.channels.SetAutoCreate(enabled)
}

// GetConnection retrieves a handle to a connected peer by its ID.
func (b *Broker) GetConnection(id string) (ConnectionHandle, error) {
	c, ok := b.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	return c, nil
}

// IterateConnections calls f for a snapshot of the live connections until it
// returns false.
func (b *Broker) IterateConnections(f func(ConnectionHandle) bool) {
	for _, c := range b.registry.Snapshot() {
		if !f(c) {
			return
		}
	}
}

// ConnectionCount returns the number of registered connections.
func (b *Broker) ConnectionCount() int {
	return b.registry.Len()
}

// Events subscribes to hub lifecycle events. With no kinds, nothing is
// delivered; pass every kind of interest. Call cancel to unsubscribe; the
// channel is closed afterwards.
func (b *Broker) Events(kinds ...EventKind) (<-chan Event, func()) {
	return b.events.subscribe(kinds...)
}

// Gatherer exposes the broker's metrics for a /metrics endpoint.
func (b *Broker) Gatherer() prometheus.Gatherer {
	return b.config.metricsRegistry
}

// Metrics returns the broker's collectors.
func (b *Broker) Metrics() *Metrics {
	return b.metrics
}

// HandleRequest registers a handler for peer-initiated requests on method.
func (b *Broker) HandleRequest(method string, h RequestHandler) error {
	if method == "" || h == nil {
		return errors.New("broker HandleRequest: method and handler are required")
	}
	b.requestHandlersMu.Lock()
	defer b.requestHandlersMu.Unlock()
	if _, exists := b.requestHandlers[method]; exists {
		return fmt.Errorf("broker: handler already registered for method '%s'", method)
	}
	b.requestHandlers[method] = h
	b.config.logger.Info(fmt.Sprintf("Broker: Registered request handler for method '%s'", method))
	return nil
}

// Context returns the broker's main context, which is cancelled on Shutdown.
func (b *Broker) Context() context.Context {
	return b.mainCtx
}

// Shutdown closes every connection with StatusGoingAway and stops the
// monitor and the events bus.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.shutdownOnce.Do(func() {
		b.config.logger.Info("Broker: Initiating shutdown...")
		for _, c := range b.registry.Snapshot() {
			b.removeConnection(c, ErrShuttingDown)
		}
		b.mainCancel()
		b.heartbeatWG.Wait()
		b.events.close()
	})

	// Catch connections that registered while the first pass ran.
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for b.registry.Len() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("broker shutdown with %d connections remaining: %w", b.registry.Len(), ctx.Err())
		case <-ticker.C:
			for _, c := range b.registry.Snapshot() {
				b.removeConnection(c, ErrShuttingDown)
			}
		}
	}
	b.config.logger.Info("Broker: Shutdown complete.")
	return nil
}
