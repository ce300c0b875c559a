// Package config loads the YAML configuration shared by the hub binary and
// script peers, and converts it into component options.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lightforgemedia/go-wshub/pkg/broker"
	"github.com/lightforgemedia/go-wshub/pkg/client"
	"github.com/lightforgemedia/go-wshub/pkg/ergosockets"
	"github.com/lightforgemedia/go-wshub/pkg/server"
	"gopkg.in/yaml.v3"
)

// Config is the root of a configuration file. Omitted keys keep the values
// from Default.
type Config struct {
	Host       string          `yaml:"host"`
	Port       int             `yaml:"port"` // 0 binds an ephemeral port
	Path       string          `yaml:"path"`
	PortFile   string          `yaml:"port-file"`
	WireFormat string          `yaml:"wire-format"`
	LogLevel   string          `yaml:"log-level"`
	Heartbeat  HeartbeatConfig `yaml:"heartbeat"`
	Channels   ChannelsConfig  `yaml:"channels"`
	Reconnect  ReconnectConfig `yaml:"reconnect"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
	Metrics    MetricsConfig   `yaml:"metrics"`
}

type HeartbeatConfig struct {
	Enabled    bool `yaml:"enabled"`
	IntervalMS int  `yaml:"interval-ms"`
	TimeoutMS  int  `yaml:"timeout-ms"`
}

type ChannelsConfig struct {
	AutoCreate    bool                 `yaml:"auto-create"`
	DefaultConfig broker.ChannelConfig `yaml:"default-config"`
}

// ReconnectConfig is the client reconnect policy. MaxAttempts 0 means
// unlimited.
type ReconnectConfig struct {
	Enabled           bool    `yaml:"enabled"`
	MaxAttempts       int     `yaml:"max-attempts"`
	InitialDelayMS    int     `yaml:"initial-delay-ms"`
	MaxDelayMS        int     `yaml:"max-delay-ms"`
	BackoffMultiplier float64 `yaml:"backoff-multiplier"`
	JitterFraction    float64 `yaml:"jitter-fraction"`
}

// TelemetryConfig selects where hub events are recorded. Events always go to
// the log; NATSURL adds a NATS publisher.
type TelemetryConfig struct {
	NATSURL string `yaml:"nats-url"`
	Subject string `yaml:"subject"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	bo := broker.DefaultOptions()
	rp := client.DefaultReconnectPolicy()
	return &Config{
		Host:       "127.0.0.1",
		Port:       0,
		Path:       "/ws",
		WireFormat: string(ergosockets.FormatJSON),
		LogLevel:   "info",
		Heartbeat: HeartbeatConfig{
			Enabled:    bo.HeartbeatEnabled,
			IntervalMS: int(bo.HeartbeatInterval.Milliseconds()),
			TimeoutMS:  int(bo.HeartbeatTimeout.Milliseconds()),
		},
		Channels: ChannelsConfig{
			AutoCreate:    bo.AutoCreateChannels,
			DefaultConfig: bo.DefaultChannelConfig,
		},
		Reconnect: ReconnectConfig{
			Enabled:           rp.Enabled,
			MaxAttempts:       rp.MaxAttempts,
			InitialDelayMS:    int(rp.InitialDelay.Milliseconds()),
			MaxDelayMS:        int(rp.MaxDelay.Milliseconds()),
			BackoffMultiplier: rp.Multiplier,
			JitterFraction:    rp.JitterFraction,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Parse decodes YAML over the defaults and validates the result. Unknown keys
// are rejected so that typos do not pass silently.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values no component would accept.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if !strings.HasPrefix(c.Path, "/") {
		errs = append(errs, fmt.Errorf("path %q must start with /", c.Path))
	}
	if _, err := ergosockets.ParseFormat(c.WireFormat); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Heartbeat.Enabled {
		if c.Heartbeat.IntervalMS <= 0 {
			errs = append(errs, errors.New("heartbeat.interval-ms must be positive"))
		}
		if c.Heartbeat.TimeoutMS <= c.Heartbeat.IntervalMS {
			errs = append(errs, fmt.Errorf("heartbeat.timeout-ms (%d) must exceed interval-ms (%d)", c.Heartbeat.TimeoutMS, c.Heartbeat.IntervalMS))
		}
	}
	if c.Channels.DefaultConfig.RetainMessages < 0 || c.Channels.DefaultConfig.MaxSubscribers < 0 {
		errs = append(errs, errors.New("channels.default-config limits must be non-negative"))
	}
	if err := c.ReconnectPolicy().Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Warnings lists settings that are valid but likely mistakes.
func (c *Config) Warnings() []string {
	var out []string
	if c.Heartbeat.Enabled && c.Heartbeat.TimeoutMS < 2*c.Heartbeat.IntervalMS {
		out = append(out, fmt.Sprintf("heartbeat.timeout-ms %d is less than twice interval-ms %d; one late pong evicts a peer",
			c.Heartbeat.TimeoutMS, c.Heartbeat.IntervalMS))
	}
	if !c.Heartbeat.Enabled {
		out = append(out, "heartbeat disabled; dead peers are only noticed when a write fails")
	}
	if c.Port == 0 && c.PortFile == "" {
		out = append(out, "ephemeral port without port-file; peers can only find the hub through /port")
	}
	if c.Reconnect.Enabled && c.Reconnect.JitterFraction == 0 {
		out = append(out, "reconnect.jitter-fraction is 0; peers will reconnect in lockstep after a hub restart")
	}
	return out
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log-level: %w", err)
	}
	return l, nil
}

// Format returns the parsed wire format.
func (c *Config) Format() ergosockets.Format {
	f, err := ergosockets.ParseFormat(c.WireFormat)
	if err != nil {
		return ergosockets.FormatJSON
	}
	return f
}

// URL is the address peers dial when the hub runs on a fixed port.
func (c *Config) URL() string {
	return "ws://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port)) + c.Path
}

func (c *Config) ReconnectPolicy() client.ReconnectPolicy {
	return client.ReconnectPolicy{
		Enabled:        c.Reconnect.Enabled,
		InitialDelay:   time.Duration(c.Reconnect.InitialDelayMS) * time.Millisecond,
		MaxDelay:       time.Duration(c.Reconnect.MaxDelayMS) * time.Millisecond,
		Multiplier:     c.Reconnect.BackoffMultiplier,
		JitterFraction: c.Reconnect.JitterFraction,
		MaxAttempts:    c.Reconnect.MaxAttempts,
	}
}

// HubOptions converts the hub settings. Logger and telemetry are left to the
// caller.
func (c *Config) HubOptions() []broker.Option {
	opts := []broker.Option{
		broker.WithWireFormat(c.Format()),
		broker.WithAutoCreateChannels(c.Channels.AutoCreate),
		broker.WithDefaultChannelConfig(c.Channels.DefaultConfig),
	}
	if c.Heartbeat.Enabled {
		opts = append(opts, broker.WithHeartbeat(
			time.Duration(c.Heartbeat.IntervalMS)*time.Millisecond,
			time.Duration(c.Heartbeat.TimeoutMS)*time.Millisecond,
		))
	} else {
		opts = append(opts, broker.WithoutHeartbeat())
	}
	return opts
}

func (c *Config) ServerOptions() []server.Option {
	return []server.Option{
		server.WithAddr(c.Host, c.Port),
		server.WithPath(c.Path),
		server.WithPortFile(c.PortFile),
		server.WithMetrics(c.Metrics.Enabled),
	}
}

// ClientOptions converts the peer settings. A configured port file doubles
// as the port discovery source for reconnects.
func (c *Config) ClientOptions() []client.Option {
	opts := []client.Option{client.WithWireFormat(c.Format())}
	if c.Reconnect.Enabled {
		opts = append(opts, client.WithReconnect(c.ReconnectPolicy()))
	} else {
		opts = append(opts, client.WithoutReconnect())
	}
	if c.PortFile != "" {
		opts = append(opts, client.WithPortDiscovery(client.FilePortDiscovery(c.PortFile)))
	}
	return opts
}
