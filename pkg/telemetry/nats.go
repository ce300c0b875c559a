package telemetry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const defaultSubjectPrefix = "wshub.telemetry"

// NATSOptions configures a NATSSink.
type NATSOptions struct {
	// URL is the NATS server URL. Defaults to nats.DefaultURL.
	URL string

	// SubjectPrefix is prepended to every event id, e.g.
	// "wshub.telemetry.hub.connection-added". Defaults to "wshub.telemetry".
	SubjectPrefix string

	// Name is reported to the NATS server as the connection name.
	Name string

	// ConnectionOptions are additional options for the NATS connection.
	ConnectionOptions []nats.Option

	Logger *slog.Logger
}

type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes each event as a JSON document on a NATS subject.
// nats.Conn.Publish only buffers, but the sink should still be wrapped in an
// Async when the connection may stall.
type NATSSink struct {
	pub    publisher
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

type natsEvent struct {
	Event string         `json:"event"`
	Time  time.Time      `json:"time"`
	Data  map[string]any `json:"data,omitempty"`
}

// NewNATSSink connects to NATS. The connection reconnects on its own; events
// recorded while it is down are buffered by the NATS client.
func NewNATSSink(opts NATSOptions) (*NATSSink, error) {
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger
	connOpts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(fmt.Sprintf("Telemetry: NATS disconnected: %v", err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info(fmt.Sprintf("Telemetry: NATS reconnected to %s", c.ConnectedUrl()))
		}),
	}
	if opts.Name != "" {
		connOpts = append(connOpts, nats.Name(opts.Name))
	}
	connOpts = append(connOpts, opts.ConnectionOptions...)

	conn, err := nats.Connect(opts.URL, connOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	s := newNATSSink(conn, opts.SubjectPrefix, logger)
	s.conn = conn
	return s, nil
}

func newNATSSink(pub publisher, prefix string, logger *slog.Logger) *NATSSink {
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSSink{pub: pub, prefix: prefix, logger: logger}
}

// Subject returns the subject an event is published on.
func (s *NATSSink) Subject(eventID string) string {
	return s.prefix + "." + eventID
}

func (s *NATSSink) Record(eventID string, data map[string]any) {
	raw, err := json.Marshal(natsEvent{Event: eventID, Time: time.Now().UTC(), Data: stringifyErrors(data)})
	if err != nil {
		s.logger.Warn(fmt.Sprintf("Telemetry: failed to marshal %s: %v", eventID, err))
		return
	}
	if err := s.pub.Publish(s.Subject(eventID), raw); err != nil {
		s.logger.Warn(fmt.Sprintf("Telemetry: failed to publish %s: %v", eventID, err))
	}
}

// Close drains the NATS connection if the sink owns one.
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}

// error values marshal to {} with encoding/json.
func stringifyErrors(data map[string]any) map[string]any {
	var out map[string]any
	for k, v := range data {
		if err, ok := v.(error); ok {
			if out == nil {
				out = make(map[string]any, len(data))
				for k2, v2 := range data {
					out[k2] = v2
				}
			}
			out[k] = err.Error()
		}
	}
	if out == nil {
		return data
	}
	return out
}
