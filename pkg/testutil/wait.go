package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/lightforgemedia/go-wshub/pkg/broker"
)

// WaitFor is a generic utility to wait for a condition to be true.
// It returns nil if the condition becomes true within the timeout.
// It returns an error if the condition does not become true within the timeout.
func WaitFor(t *testing.T, description string, timeout time.Duration, condition func() bool) error {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	if condition() {
		return nil
	}
	return fmt.Errorf("condition '%s' not met within %v", description, timeout)
}

// WaitForWithContext is WaitFor bounded by ctx instead of a timeout.
func WaitForWithContext(ctx context.Context, t *testing.T, description string, condition func() bool) error {
	t.Helper()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("context done while waiting for condition '%s': %v", description, ctx.Err())
		case <-ticker.C:
		}
	}
}

// WaitForConnection waits until the broker has a connection with id.
func WaitForConnection(t *testing.T, b *broker.Broker, id string, timeout time.Duration) (broker.ConnectionHandle, error) {
	t.Helper()
	var handle broker.ConnectionHandle
	err := WaitFor(t, "connection "+id+" registered", timeout, func() bool {
		h, err := b.GetConnection(id)
		if err != nil {
			return false
		}
		handle = h
		return true
	})
	return handle, err
}

// WaitForConnectionGone waits until the broker no longer knows id.
func WaitForConnectionGone(t *testing.T, b *broker.Broker, id string, timeout time.Duration) error {
	t.Helper()
	return WaitFor(t, "connection "+id+" removed", timeout, func() bool {
		_, err := b.GetConnection(id)
		return err != nil
	})
}

// WaitForSubscribers waits until channelID has n subscribers.
func WaitForSubscribers(t *testing.T, b *broker.Broker, channelID string, n int, timeout time.Duration) error {
	t.Helper()
	return WaitFor(t, fmt.Sprintf("%d subscribers on '%s'", n, channelID), timeout, func() bool {
		info, err := b.ChannelInfo(channelID)
		return err == nil && info.Subscribers == n
	})
}
