package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-wshub/pkg/ergosockets"
	"github.com/lightforgemedia/go-wshub/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultClientSendBuffer     = 16
	defaultWriteTimeout         = 10 * time.Second
	defaultReadLimit            = 1024 * 1024 // 1MB per frame
	defaultHeartbeatInterval    = 2 * time.Second
	defaultHeartbeatTimeout     = 5 * time.Second
	defaultServerRequestTimeout = 10 * time.Second
	defaultRetainMessages       = 10
	defaultEventBuffer          = 64
	maxDroppedMessages          = 3 // Slow consumers are disconnected after this many drops
)

type brokerConfig struct {
	logger               *slog.Logger
	acceptOptions        *websocket.AcceptOptions
	format               ergosockets.Format
	clientSendBuffer     int
	writeTimeout         time.Duration
	readLimit            int64
	heartbeatEnabled     bool
	heartbeatInterval    time.Duration
	heartbeatTimeout     time.Duration
	serverRequestTimeout time.Duration
	autoCreate           bool
	channelConfig        ChannelConfig
	telemetry            telemetry.Sink
	metricsRegistry      *prometheus.Registry
	eventBuffer          int
}

// Option configures the Broker.
type Option func(*Broker)

// WithLogger sets a custom logging implementation.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.config.logger = logger
		}
	}
}

// WithAcceptOptions provides custom websocket.AcceptOptions. Subprotocols are
// always overwritten with the supported wire formats.
func WithAcceptOptions(opts *websocket.AcceptOptions) Option {
	return func(b *Broker) {
		b.config.acceptOptions = opts
	}
}

// WithWireFormat sets the format used for peers that do not negotiate one.
func WithWireFormat(f ergosockets.Format) Option {
	return func(b *Broker) {
		if f != "" {
			b.config.format = f
		}
	}
}

// WithClientSendBuffer sets the buffer size for outgoing frames per
// connection. Default is 16. Large buffers only delay, not prevent, issues
// with slow clients.
func WithClientSendBuffer(size int) Option {
	return func(b *Broker) {
		if size > 0 {
			b.config.clientSendBuffer = size
		}
	}
}

// WithWriteTimeout sets the write timeout for sending frames to peers.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(b *Broker) {
		if timeout > 0 {
			b.config.writeTimeout = timeout
		}
	}
}

// WithReadLimit sets the maximum frame size accepted from peers.
func WithReadLimit(n int64) Option {
	return func(b *Broker) {
		if n > 0 {
			b.config.readLimit = n
		}
	}
}

// WithHeartbeat sets the ping interval and the eviction timeout.
// timeout must exceed interval; New rejects the broker otherwise.
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(b *Broker) {
		b.config.heartbeatEnabled = true
		if interval > 0 {
			b.config.heartbeatInterval = interval
		}
		if timeout > 0 {
			b.config.heartbeatTimeout = timeout
		}
	}
}

// WithoutHeartbeat disables the heartbeat monitor. Dead peers are then only
// noticed when a read or write fails.
func WithoutHeartbeat() Option {
	return func(b *Broker) {
		b.config.heartbeatEnabled = false
	}
}

// WithServerRequestTimeout sets the default timeout for hub-initiated requests.
func WithServerRequestTimeout(timeout time.Duration) Option {
	return func(b *Broker) {
		if timeout > 0 {
			b.config.serverRequestTimeout = timeout
		}
	}
}

// WithAutoCreateChannels controls whether subscribe and publish create
// unknown channels.
func WithAutoCreateChannels(enabled bool) Option {
	return func(b *Broker) {
		b.config.autoCreate = enabled
	}
}

// WithDefaultChannelConfig sets the config for auto-created channels.
func WithDefaultChannelConfig(cfg ChannelConfig) Option {
	return func(b *Broker) {
		b.config.channelConfig = cfg
	}
}

// WithTelemetry sets the sink that lifecycle events are recorded to.
func WithTelemetry(sink telemetry.Sink) Option {
	return func(b *Broker) {
		if sink != nil {
			b.config.telemetry = sink
		}
	}
}

// WithMetricsRegistry registers the broker's collectors on reg instead of a
// private registry.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(b *Broker) {
		if reg != nil {
			b.config.metricsRegistry = reg
		}
	}
}

// WithEventBuffer sets the per-subscriber buffer of the events bus.
func WithEventBuffer(size int) Option {
	return func(b *Broker) {
		if size > 0 {
			b.config.eventBuffer = size
		}
	}
}

// Options contains configuration values for creating a Broker using NewWithOptions.
// All fields have reasonable defaults provided by DefaultOptions().
type Options struct {
	// Logger for structured logging. Defaults to slog.Default().
	Logger *slog.Logger

	// AcceptOptions configures the WebSocket accept behavior.
	// Defaults to &websocket.AcceptOptions{}.
	AcceptOptions *websocket.AcceptOptions

	// WireFormat is used for peers that offer no subprotocol. Defaults to json.
	WireFormat ergosockets.Format

	// ClientSendBuffer sets the buffer size for outgoing frames per connection.
	// Must be non-negative. Defaults to 16.
	ClientSendBuffer int

	// WriteTimeout is the timeout for writing frames to peers. Defaults to 10 seconds.
	WriteTimeout time.Duration

	// HeartbeatEnabled turns the liveness monitor on. Defaults to true.
	HeartbeatEnabled bool

	// HeartbeatInterval is the time between pings. Defaults to 2 seconds.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long a peer may go without a pong before it is
	// evicted. Must exceed HeartbeatInterval. Defaults to 5 seconds.
	HeartbeatTimeout time.Duration

	// ServerRequestTimeout is the default timeout for hub-initiated requests.
	// Defaults to 10 seconds.
	ServerRequestTimeout time.Duration

	// AutoCreateChannels creates unknown channels on subscribe/publish. Defaults to true.
	AutoCreateChannels bool

	// DefaultChannelConfig applies to auto-created channels.
	DefaultChannelConfig ChannelConfig

	// Telemetry receives lifecycle events. Defaults to telemetry.Nop.
	Telemetry telemetry.Sink
}

// DefaultOptions returns an Options struct populated with library defaults.
func DefaultOptions() Options {
	return Options{
		Logger:               slog.Default(),
		AcceptOptions:        &websocket.AcceptOptions{},
		WireFormat:           ergosockets.FormatJSON,
		ClientSendBuffer:     defaultClientSendBuffer,
		WriteTimeout:         defaultWriteTimeout,
		HeartbeatEnabled:     true,
		HeartbeatInterval:    defaultHeartbeatInterval,
		HeartbeatTimeout:     defaultHeartbeatTimeout,
		ServerRequestTimeout: defaultServerRequestTimeout,
		AutoCreateChannels:   true,
		DefaultChannelConfig: ChannelConfig{RetainMessages: defaultRetainMessages},
		Telemetry:            telemetry.Nop{},
	}
}

// NewWithOptions creates a new Broker using an Options struct.
// It validates the options and converts them to functional options before calling New().
// Additional functional options may be supplied and will override values from the struct.
//
// Example:
//
//	opts := broker.DefaultOptions()
//	opts.Logger = myLogger
//	opts.HeartbeatInterval = 15 * time.Second
//	opts.HeartbeatTimeout = 40 * time.Second
//	b, err := broker.NewWithOptions(opts)
func NewWithOptions(opts Options, extraOpts ...Option) (*Broker, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}

	optionFns := []Option{
		WithLogger(opts.Logger),
		WithAcceptOptions(opts.AcceptOptions),
		WithWireFormat(opts.WireFormat),
		WithAutoCreateChannels(opts.AutoCreateChannels),
		WithDefaultChannelConfig(opts.DefaultChannelConfig),
		WithTelemetry(opts.Telemetry),
	}
	// Only apply non-zero values to avoid overriding defaults
	if opts.ClientSendBuffer > 0 {
		optionFns = append(optionFns, WithClientSendBuffer(opts.ClientSendBuffer))
	}
	if opts.WriteTimeout > 0 {
		optionFns = append(optionFns, WithWriteTimeout(opts.WriteTimeout))
	}
	if opts.HeartbeatEnabled {
		optionFns = append(optionFns, WithHeartbeat(opts.HeartbeatInterval, opts.HeartbeatTimeout))
	} else {
		optionFns = append(optionFns, WithoutHeartbeat())
	}
	if opts.ServerRequestTimeout > 0 {
		optionFns = append(optionFns, WithServerRequestTimeout(opts.ServerRequestTimeout))
	}

	optionFns = append(optionFns, extraOpts...)
	return New(optionFns...)
}

func validateOptions(opts Options) error {
	if opts.ClientSendBuffer < 0 {
		return errors.New("ClientSendBuffer must be non-negative")
	}
	if opts.WriteTimeout < 0 {
		return errors.New("WriteTimeout must be non-negative")
	}
	if opts.ServerRequestTimeout < 0 {
		return errors.New("ServerRequestTimeout must be non-negative")
	}
	if opts.HeartbeatInterval < 0 || opts.HeartbeatTimeout < 0 {
		return errors.New("heartbeat durations must be non-negative")
	}
	if opts.DefaultChannelConfig.RetainMessages < 0 || opts.DefaultChannelConfig.MaxSubscribers < 0 {
		return errors.New("channel limits must be non-negative")
	}
	if _, err := ergosockets.NewCodec(opts.WireFormat); err != nil {
		return err
	}
	return nil
}

// validateConfig checks the final config assembled by New.
func validateConfig(cfg *brokerConfig) error {
	if _, err := ergosockets.NewCodec(cfg.format); err != nil {
		return err
	}
	if cfg.heartbeatEnabled && cfg.heartbeatTimeout <= cfg.heartbeatInterval {
		return fmt.Errorf("heartbeat timeout (%v) must exceed interval (%v)", cfg.heartbeatTimeout, cfg.heartbeatInterval)
	}
	return nil
}
