// Package testutil provides common test utilities for the go-wshub module.
package testutil

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/lightforgemedia/go-wshub/pkg/broker"
	"github.com/lightforgemedia/go-wshub/pkg/server"
)

// DefaultLogger keeps test output to warnings and above.
var DefaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

// TestServer runs a broker behind a real listener so that tests can kill the
// hub and bring it back on the same port.
type TestServer struct {
	T     *testing.T
	WsURL string
	Port  int

	opts []broker.Option

	mu     sync.Mutex
	broker *broker.Broker
	server *server.Server
	done   chan error
}

// NewTestServer starts a hub on an ephemeral port. It is stopped when the
// test ends.
func NewTestServer(t *testing.T, opts ...broker.Option) *TestServer {
	t.Helper()
	ts := &TestServer{
		T:    t,
		opts: append([]broker.Option{broker.WithLogger(DefaultLogger)}, opts...),
	}
	ts.start(0)
	t.Cleanup(ts.Close)
	return ts
}

func (ts *TestServer) start(port int) {
	ts.T.Helper()
	b, err := broker.New(ts.opts...)
	if err != nil {
		ts.T.Fatalf("broker.New: %v", err)
	}
	srv := server.New(b, server.WithLogger(DefaultLogger), server.WithAddr("127.0.0.1", port))

	// The old socket may linger briefly after a kill.
	deadline := time.Now().Add(2 * time.Second)
	for {
		err = srv.Listen()
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		ts.T.Fatalf("listen: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()

	ts.mu.Lock()
	ts.broker, ts.server, ts.done = b, srv, done
	ts.Port = srv.Port()
	ts.WsURL = srv.URL()
	ts.mu.Unlock()
}

// Broker returns the currently running broker.
func (ts *TestServer) Broker() *broker.Broker {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.broker
}

// Server returns the currently running HTTP server.
func (ts *TestServer) Server() *server.Server {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.server
}

// Kill stops the hub: the listener closes and every connection is dropped.
func (ts *TestServer) Kill() {
	ts.mu.Lock()
	b, srv, done := ts.broker, ts.server, ts.done
	ts.broker, ts.server, ts.done = nil, nil, nil
	ts.mu.Unlock()
	if b == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	_ = b.Shutdown(ctx)
	<-done
}

// Restart kills the hub and starts a fresh one on the same port.
func (ts *TestServer) Restart() {
	ts.T.Helper()
	ts.Kill()
	ts.start(ts.Port)
}

// Close stops the hub; safe to call more than once.
func (ts *TestServer) Close() {
	ts.Kill()
}
