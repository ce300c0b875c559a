package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-wshub/pkg/ergosockets"
	"github.com/lightforgemedia/go-wshub/pkg/telemetry"
)

const (
	defaultSendBuffer          = 16 // Matches the hub's per-connection buffer
	defaultDialTimeout         = 10 * time.Second
	defaultRequestTimeout      = 10 * time.Second
	defaultWriteTimeout        = 5 * time.Second
	defaultReadLimit           = 1024 * 1024 // 1MB
	defaultResubscribeInterval = 50 * time.Millisecond
	closeWait                  = 2 * time.Second
)

type clientConfig struct {
	logger                *slog.Logger
	dialOptions           *websocket.DialOptions
	format                ergosockets.Format
	sendBuffer            int
	dialTimeout           time.Duration // Also bounds the wait for the welcome frame
	defaultRequestTimeout time.Duration
	writeTimeout          time.Duration
	readTimeout           time.Duration // 0 derives it from the hub's advertised heartbeat
	readLimit             int64
	reconnect             ReconnectPolicy
	resubscribeInterval   time.Duration
	portDiscovery         PortDiscoverer
	telemetry             telemetry.Sink
	errorHandler          func(error)
	jitter                func() float64
	parent                context.Context
}

// Option configures the Client.
type Option func(*clientConfig)

// WithLogger sets a custom logging implementation.
func WithLogger(logger *slog.Logger) Option {
	return func(c *clientConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDialOptions sets custom websocket.DialOptions. Subprotocols are always
// overwritten with the configured wire format.
func WithDialOptions(opts *websocket.DialOptions) Option {
	return func(c *clientConfig) {
		c.dialOptions = opts
	}
}

// WithWireFormat sets the only format offered to the hub. A hub that does
// not negotiate is detected from its first frame instead.
func WithWireFormat(f ergosockets.Format) Option {
	return func(c *clientConfig) {
		if f != "" {
			c.format = f
		}
	}
}

// WithSendBuffer sets the outgoing frame queue size.
func WithSendBuffer(size int) Option {
	return func(c *clientConfig) {
		if size > 0 {
			c.sendBuffer = size
		}
	}
}

// WithDialTimeout bounds each connection attempt, welcome frame included.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *clientConfig) {
		if timeout > 0 {
			c.dialTimeout = timeout
		}
	}
}

// WithDefaultRequestTimeout sets the default timeout for Request and the
// *Sync operations.
func WithDefaultRequestTimeout(timeout time.Duration) Option {
	return func(c *clientConfig) {
		if timeout > 0 {
			c.defaultRequestTimeout = timeout
		}
	}
}

// WithWriteTimeout sets the write timeout for sending frames to the hub.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(c *clientConfig) {
		if timeout > 0 {
			c.writeTimeout = timeout
		}
	}
}

// WithReadTimeout sets how long the hub may stay silent before the session
// is treated as dead. By default it is derived from the heartbeat timings in
// the welcome frame, and disabled when the hub advertises none.
func WithReadTimeout(timeout time.Duration) Option {
	return func(c *clientConfig) {
		if timeout > 0 {
			c.readTimeout = timeout
		}
	}
}

// WithReconnect sets the reconnect policy. Zero delays and multiplier take
// library defaults.
func WithReconnect(p ReconnectPolicy) Option {
	return func(c *clientConfig) {
		c.reconnect = p.withDefaults()
	}
}

// WithoutReconnect disables automatic reconnection.
func WithoutReconnect() Option {
	return func(c *clientConfig) {
		c.reconnect.Enabled = false
	}
}

// WithResubscribeInterval paces subscription replay after a (re)connect.
// Zero replays without pacing.
func WithResubscribeInterval(d time.Duration) Option {
	return func(c *clientConfig) {
		if d >= 0 {
			c.resubscribeInterval = d
		}
	}
}

// WithPortDiscovery looks up the hub's current port before every reconnect
// attempt, for hubs that bind an ephemeral port.
func WithPortDiscovery(d PortDiscoverer) Option {
	return func(c *clientConfig) {
		c.portDiscovery = d
	}
}

// WithTelemetry sets the sink state changes and frame faults are recorded to.
func WithTelemetry(sink telemetry.Sink) Option {
	return func(c *clientConfig) {
		if sink != nil {
			c.telemetry = sink
		}
	}
}

// WithErrorHandler receives faults that have no caller to return to:
// malformed frames, unrecognized frames and failed fire-and-forget operations.
// It runs on the read loop and must not block.
func WithErrorHandler(fn func(error)) Option {
	return func(c *clientConfig) {
		c.errorHandler = fn
	}
}

// WithJitterSource replaces the uniform [0, 1) sample used for backoff jitter.
func WithJitterSource(fn func() float64) Option {
	return func(c *clientConfig) {
		if fn != nil {
			c.jitter = fn
		}
	}
}

// WithContext sets a parent context for the client. When the parent context
// is cancelled, the client shuts down as if Close had been called.
func WithContext(ctx context.Context) Option {
	return func(c *clientConfig) {
		if ctx != nil {
			c.parent = ctx
		}
	}
}

func defaultConfig() clientConfig {
	return clientConfig{
		logger:                slog.Default(),
		format:                ergosockets.FormatJSON,
		sendBuffer:            defaultSendBuffer,
		dialTimeout:           defaultDialTimeout,
		defaultRequestTimeout: defaultRequestTimeout,
		writeTimeout:          defaultWriteTimeout,
		readLimit:             defaultReadLimit,
		reconnect:             DefaultReconnectPolicy(),
		resubscribeInterval:   defaultResubscribeInterval,
		telemetry:             telemetry.Nop{},
		jitter:                defaultJitterSource,
		parent:                context.Background(),
	}
}

// Options contains configuration values for NewWithOptions.
type Options struct {
	Logger                *slog.Logger
	DialOptions           *websocket.DialOptions
	WireFormat            ergosockets.Format
	DialTimeout           time.Duration
	DefaultRequestTimeout time.Duration
	WriteTimeout          time.Duration
	ReadTimeout           time.Duration
	Reconnect             ReconnectPolicy
	ResubscribeInterval   time.Duration
	PortDiscovery         PortDiscoverer
	Telemetry             telemetry.Sink
}

// DefaultOptions returns an Options struct populated with library defaults.
func DefaultOptions() Options {
	return Options{
		Logger:                slog.Default(),
		DialOptions:           &websocket.DialOptions{HTTPClient: http.DefaultClient},
		WireFormat:            ergosockets.FormatJSON,
		DialTimeout:           defaultDialTimeout,
		DefaultRequestTimeout: defaultRequestTimeout,
		WriteTimeout:          defaultWriteTimeout,
		Reconnect:             DefaultReconnectPolicy(),
		ResubscribeInterval:   defaultResubscribeInterval,
		Telemetry:             telemetry.Nop{},
	}
}

// NewWithOptions creates a client from an Options struct. Additional
// functional options override values from the struct.
func NewWithOptions(urlStr string, opts Options, extraOpts ...Option) (*Client, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	optionFns := []Option{
		WithLogger(opts.Logger),
		WithDialOptions(opts.DialOptions),
		WithWireFormat(opts.WireFormat),
		WithDialTimeout(opts.DialTimeout),
		WithDefaultRequestTimeout(opts.DefaultRequestTimeout),
		WithWriteTimeout(opts.WriteTimeout),
		WithReadTimeout(opts.ReadTimeout),
		WithReconnect(opts.Reconnect),
		WithResubscribeInterval(opts.ResubscribeInterval),
		WithPortDiscovery(opts.PortDiscovery),
		WithTelemetry(opts.Telemetry),
	}
	if !opts.Reconnect.Enabled {
		optionFns = append(optionFns, WithoutReconnect())
	}
	optionFns = append(optionFns, extraOpts...)
	return New(urlStr, optionFns...)
}

func validateOptions(opts Options) error {
	if opts.DialTimeout < 0 || opts.DefaultRequestTimeout < 0 || opts.WriteTimeout < 0 || opts.ReadTimeout < 0 {
		return errors.New("timeouts must be non-negative")
	}
	if opts.ResubscribeInterval < 0 {
		return errors.New("ResubscribeInterval must be non-negative")
	}
	if _, err := ergosockets.NewCodec(opts.WireFormat); err != nil {
		return err
	}
	return opts.Reconnect.Validate()
}
