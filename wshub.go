// Package wshub is a WebSocket pub/sub hub and its peer client.
//
// A hub accepts peers on a single WebSocket endpoint, routes channel messages
// between them, evicts peers that stop answering heartbeats and answers
// peer-initiated requests. A peer keeps one session open through an explicit
// state machine and reconnects with backoff when the hub goes away,
// restoring its subscriptions.
//
// This package re-exports the most used types; the pkg/ packages hold the
// full API.
package wshub

import (
	"context"

	"github.com/lightforgemedia/go-wshub/pkg/broker"
	"github.com/lightforgemedia/go-wshub/pkg/client"
	"github.com/lightforgemedia/go-wshub/pkg/ergosockets"
	"github.com/lightforgemedia/go-wshub/pkg/server"
)

type (
	Broker          = broker.Broker
	BrokerOption    = broker.Option
	ChannelConfig   = broker.ChannelConfig
	Server          = server.Server
	ServerOption    = server.Option
	Client          = client.Client
	ClientOption    = client.Option
	Message         = client.Message
	State           = client.State
	StateChange     = client.StateChange
	ReconnectPolicy = client.ReconnectPolicy
	Format          = ergosockets.Format
)

const (
	FormatJSON = ergosockets.FormatJSON
	FormatBSON = ergosockets.FormatBSON
)

var (
	ErrChannelNotFound         = ergosockets.ErrChannelNotFound
	ErrSubscriberLimitExceeded = ergosockets.ErrSubscriberLimitExceeded
	ErrHeartbeatTimeout        = ergosockets.ErrHeartbeatTimeout
	ErrConnectFailed           = client.ErrConnectFailed
	ErrReconnectExhausted      = client.ErrReconnectExhausted
	ErrClientClosed            = client.ErrClientClosed
)

// Hub is a broker bound to an HTTP server.
type Hub struct {
	*broker.Broker
	Server *server.Server
}

// NewHub creates a broker and binds its server. The port is known once
// NewHub returns; call Serve to start accepting.
func NewHub(brokerOpts []broker.Option, serverOpts ...server.Option) (*Hub, error) {
	b, err := broker.New(brokerOpts...)
	if err != nil {
		return nil, err
	}
	srv := server.New(b, serverOpts...)
	if err := srv.Listen(); err != nil {
		_ = b.Shutdown(context.Background())
		return nil, err
	}
	return &Hub{Broker: b, Server: srv}, nil
}

// URL returns the WebSocket URL peers dial.
func (h *Hub) URL() string { return h.Server.URL() }

// Serve blocks until ctx is done, then stops the server and the broker.
func (h *Hub) Serve(ctx context.Context) error {
	err := h.Server.Serve(ctx)
	shutdownErr := h.Broker.Shutdown(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	return shutdownErr
}

// Dial connects a peer and waits until its session is open.
func Dial(ctx context.Context, url string, opts ...client.Option) (*client.Client, error) {
	return client.Dial(ctx, url, opts...)
}

// DecodeData converts a message's data into T.
func DecodeData[T any](m Message) (T, error) {
	return client.DecodeData[T](m)
}
