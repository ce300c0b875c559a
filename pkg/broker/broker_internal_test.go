package broker

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/lightforgemedia/go-wshub/pkg/ergosockets"
	"github.com/lightforgemedia/go-wshub/pkg/shared_types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func newTestBroker(t *testing.T, opts ...Option) *Broker {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger()), WithoutHeartbeat()}, opts...)
	b, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { b.mainCancel(); b.events.close() })
	return b
}

// newHandTickedBroker has heartbeat settings but no monitor goroutine; tests
// call heartbeatTick themselves.
func newHandTickedBroker(t *testing.T, interval, timeout time.Duration) *Broker {
	b := newTestBroker(t)
	b.config.heartbeatInterval = interval
	b.config.heartbeatTimeout = timeout
	return b
}

// addFakeConn registers a connection without a socket. Frames queued to it
// stay in its send buffer.
func addFakeConn(t *testing.T, b *Broker, id string, f ergosockets.Format, at time.Time) *Connection {
	t.Helper()
	c := newConnection(b, id, "test", ergosockets.MustCodec(f), nil)
	require.NoError(t, b.addConnection(c, at))
	return c
}

// drain decodes every queued frame.
func drain(t *testing.T, c *Connection) []*ergosockets.Envelope {
	t.Helper()
	var out []*ergosockets.Envelope
	for {
		select {
		case frame := <-c.send:
			env, err := c.codec.Decode(frame)
			require.NoError(t, err)
			out = append(out, env)
		default:
			return out
		}
	}
}

func channelMessages(t *testing.T, c *Connection) []shared_types.ChannelMessage {
	t.Helper()
	var out []shared_types.ChannelMessage
	for _, env := range drain(t, c) {
		if env.Tag() != ergosockets.TagChannelMessage {
			continue
		}
		var m shared_types.ChannelMessage
		require.NoError(t, c.codec.DecodePayload(env.Payload, &m))
		out = append(out, m)
	}
	return out
}

func TestRegistryRemoveExactlyOnce(t *testing.T) {
	b := newTestBroker(t)
	c := addFakeConn(t, b, "c1", ergosockets.FormatJSON, time.Now())

	err := b.registry.Register(c, time.Now())
	assert.ErrorIs(t, err, ErrDuplicateConnID)

	_, ok := b.registry.Remove("c1")
	assert.True(t, ok)
	_, ok = b.registry.Remove("c1")
	assert.False(t, ok)
	assert.False(t, b.registry.Touch("c1", time.Now()))
}

func TestRegistryTouchRestoresAlive(t *testing.T) {
	b := newTestBroker(t)
	start := time.Now()
	c := addFakeConn(t, b, "c1", ergosockets.FormatJSON, start)

	c.markSuspected()
	assert.Equal(t, LivenessSuspected, c.Liveness())

	later := start.Add(3 * time.Second)
	require.True(t, b.registry.Touch("c1", later))
	assert.Equal(t, LivenessAlive, c.Liveness())
	assert.Equal(t, later, c.LastPong())
}

func TestChannelSubscribePublish(t *testing.T) {
	b := newTestBroker(t)
	alice := addFakeConn(t, b, "alice", ergosockets.FormatJSON, time.Now())
	bob := addFakeConn(t, b, "bob", ergosockets.FormatBSON, time.Now())

	res, err := b.channels.Subscribe("alice", "chat", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SubscriberCount)
	assert.Empty(t, res.Retained)

	// Idempotent re-subscribe.
	res, err = b.channels.Subscribe("alice", "chat", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SubscriberCount)

	_, err = b.channels.Subscribe("bob", "chat", nil)
	require.NoError(t, err)

	n, err := b.channels.Publish("bob", "chat", map[string]any{"user": "Alice", "msg": "Hello!"}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	msgs := channelMessages(t, alice)
	require.Len(t, msgs, 1)
	assert.Equal(t, "chat", msgs[0].ChannelID)
	assert.Equal(t, map[string]any{"user": "Alice", "msg": "Hello!"}, msgs[0].Data)
	assert.Len(t, channelMessages(t, bob), 1)

	n, err = b.channels.Publish("bob", "chat", "again", true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, channelMessages(t, bob))
	assert.Len(t, channelMessages(t, alice), 1)
}

func TestChannelUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBroker(t)
	c := addFakeConn(t, b, "c1", ergosockets.FormatJSON, time.Now())

	_, err := b.channels.Subscribe("c1", "news", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"news"}, c.Channels())

	assert.True(t, b.channels.Unsubscribe("c1", "news"))
	assert.False(t, b.channels.Unsubscribe("c1", "news"))
	assert.False(t, b.channels.Unsubscribe("c1", "never-existed"))
	assert.Empty(t, c.Channels())

	n, err := b.channels.Publish("", "news", "after", false)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, channelMessages(t, c))
}

func TestChannelRetentionReplay(t *testing.T) {
	b := newTestBroker(t, WithDefaultChannelConfig(ChannelConfig{RetainMessages: 3}))
	addFakeConn(t, b, "late", ergosockets.FormatJSON, time.Now())

	for i := 1; i <= 5; i++ {
		_, err := b.channels.Publish("", "log", fmt.Sprintf("m%d", i), false)
		require.NoError(t, err)
	}

	res, err := b.channels.Subscribe("late", "log", nil)
	require.NoError(t, err)
	require.Len(t, res.Retained, 3)
	for i, want := range []string{"m3", "m4", "m5"} {
		assert.Equal(t, want, res.Retained[i].Data, "oldest first")
	}

	info, err := b.channels.ChannelInfo("log")
	require.NoError(t, err)
	assert.Equal(t, 3, info.Retained)
	assert.Equal(t, 1, info.Subscribers)
}

func TestChannelRetentionFewerThanLimit(t *testing.T) {
	b := newTestBroker(t, WithDefaultChannelConfig(ChannelConfig{RetainMessages: 10}))
	addFakeConn(t, b, "c1", ergosockets.FormatJSON, time.Now())
	for _, m := range []string{"a", "b"} {
		_, err := b.channels.Publish("", "x", m, false)
		require.NoError(t, err)
	}
	res, err := b.channels.Subscribe("c1", "x", nil)
	require.NoError(t, err)
	require.Len(t, res.Retained, 2)
	assert.Equal(t, "a", res.Retained[0].Data)
	assert.Equal(t, "b", res.Retained[1].Data)
}

func TestChannelNotFoundWithoutAutoCreate(t *testing.T) {
	b := newTestBroker(t, WithAutoCreateChannels(false))
	addFakeConn(t, b, "c1", ergosockets.FormatJSON, time.Now())

	_, err := b.channels.Subscribe("c1", "missing", nil)
	assert.ErrorIs(t, err, ErrChannelNotFound)
	assert.Equal(t, ergosockets.CodeChannelNotFound, ergosockets.ErrorCode(err))

	_, err = b.channels.Publish("c1", "missing", "x", false)
	assert.ErrorIs(t, err, ErrChannelNotFound)

	require.NoError(t, b.CreateChannel("missing", ChannelConfig{}))
	assert.ErrorIs(t, b.CreateChannel("missing", ChannelConfig{}), ErrChannelExists)
	_, err = b.channels.Subscribe("c1", "missing", nil)
	assert.NoError(t, err)
}

func TestChannelSubscriberLimit(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateChannel("vip", ChannelConfig{MaxSubscribers: 1}))
	addFakeConn(t, b, "a", ergosockets.FormatJSON, time.Now())
	addFakeConn(t, b, "b", ergosockets.FormatJSON, time.Now())

	_, err := b.channels.Subscribe("a", "vip", nil)
	require.NoError(t, err)
	_, err = b.channels.Subscribe("b", "vip", nil)
	assert.ErrorIs(t, err, ErrSubscriberLimitExceeded)

	// Re-subscribing the existing member does not count against the limit.
	_, err = b.channels.Subscribe("a", "vip", nil)
	assert.NoError(t, err)
}

func TestDefaultConfigAppliesToNewChannels(t *testing.T) {
	b := newTestBroker(t, WithDefaultChannelConfig(ChannelConfig{RetainMessages: 1}))
	_, err := b.channels.Publish("", "old", "x", false)
	require.NoError(t, err)

	b.SetDefaultChannelConfig(ChannelConfig{RetainMessages: 5, MaxSubscribers: 2})
	_, err = b.channels.Publish("", "new", "x", false)
	require.NoError(t, err)

	oldInfo, _ := b.ChannelInfo("old")
	newInfo, _ := b.ChannelInfo("new")
	assert.Equal(t, 1, oldInfo.Config.RetainMessages)
	assert.Equal(t, ChannelConfig{RetainMessages: 5, MaxSubscribers: 2}, newInfo.Config)
	assert.Equal(t, []string{"new", "old"}, b.Channels())
}

func TestRemovalPrunesSubscribers(t *testing.T) {
	b := newTestBroker(t)
	events, cancel := b.Events(EventConnectionRemoved)
	defer cancel()

	c := addFakeConn(t, b, "gone", ergosockets.FormatJSON, time.Now())
	for _, ch := range []string{"a", "b"} {
		_, err := b.channels.Subscribe("gone", ch, nil)
		require.NoError(t, err)
	}

	b.removeConnection(c, errors.New("peer closed"))
	b.removeConnection(c, errors.New("second call is a no-op"))

	for _, ch := range []string{"a", "b"} {
		info, err := b.ChannelInfo(ch)
		require.NoError(t, err)
		assert.Zero(t, info.Subscribers, "channel %s", ch)
	}
	assert.Equal(t, LivenessClosed, c.Liveness())

	// A closed connection cannot be re-added to a channel.
	_, err := b.channels.Subscribe("gone", "a", nil)
	assert.ErrorIs(t, err, ErrConnectionNotFound)

	select {
	case ev := <-events:
		assert.Equal(t, "gone", ev.ConnID)
		assert.EqualError(t, ev.Reason, "peer closed")
	case <-time.After(time.Second):
		t.Fatal("no connection-removed event")
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(b.metrics.Removals.WithLabelValues("closed")))
}

// Ticks at the prescribed interval=2000ms, timeout=5000ms without any real
// waiting.
func TestHeartbeatTickEviction(t *testing.T) {
	b := newHandTickedBroker(t, 2*time.Second, 5*time.Second)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	silent := addFakeConn(t, b, "silent", ergosockets.FormatJSON, start)
	chatty := addFakeConn(t, b, "chatty", ergosockets.FormatJSON, start)
	_, err := b.channels.Subscribe("silent", "room", nil)
	require.NoError(t, err)

	var evictedAt time.Duration
	for elapsed := 2 * time.Second; elapsed <= 10*time.Second; elapsed += 2 * time.Second {
		now := start.Add(elapsed)
		evicted := b.heartbeatTick(now)
		if len(evicted) > 0 {
			assert.Equal(t, []string{"silent"}, evicted)
			evictedAt = elapsed
		}
		// chatty answers every ping 200ms later.
		b.registry.Touch("chatty", now.Add(200*time.Millisecond))
		drain(t, chatty)
		drain(t, silent)
	}

	assert.GreaterOrEqual(t, evictedAt, 5*time.Second)
	assert.LessOrEqual(t, evictedAt, 7*time.Second)

	_, ok := b.registry.Get("chatty")
	assert.True(t, ok, "responsive peer must survive the observation window")
	assert.Equal(t, LivenessAlive, chatty.Liveness())

	info, err := b.ChannelInfo("room")
	require.NoError(t, err)
	assert.Zero(t, info.Subscribers)
	assert.Equal(t, float64(1), testutil.ToFloat64(b.metrics.Removals.WithLabelValues("heartbeat_timeout")))
}

func TestHeartbeatSuspectsThenPings(t *testing.T) {
	b := newHandTickedBroker(t, 2*time.Second, 5*time.Second)
	start := time.Now()
	c := addFakeConn(t, b, "c1", ergosockets.FormatJSON, start)

	b.heartbeatTick(start.Add(time.Second))
	assert.Equal(t, LivenessAlive, c.Liveness(), "a ping alone never changes state")

	b.heartbeatTick(start.Add(3 * time.Second))
	assert.Equal(t, LivenessSuspected, c.Liveness())

	frames := drain(t, c)
	require.Len(t, frames, 2)
	for _, env := range frames {
		assert.Equal(t, ergosockets.TagPing, env.Tag())
	}
}

func TestHeartbeatValidation(t *testing.T) {
	_, err := New(WithLogger(quietLogger()), WithHeartbeat(2*time.Second, 2*time.Second))
	assert.Error(t, err)

	b, err := New(WithLogger(quietLogger()), WithHeartbeat(2*time.Second, 3*time.Second))
	require.NoError(t, err, "timeout below twice the interval is only a warning")
	b.mainCancel()
}

func TestSlowConsumerRemoved(t *testing.T) {
	b := newTestBroker(t, WithClientSendBuffer(1))
	c := addFakeConn(t, b, "slow", ergosockets.FormatJSON, time.Now())
	_, err := b.channels.Subscribe("slow", "firehose", nil)
	require.NoError(t, err)

	for i := 0; i < 1+maxDroppedMessages; i++ {
		_, _ = b.channels.Publish("", "firehose", i, false)
	}

	require.Eventually(t, func() bool {
		_, ok := b.registry.Get("slow")
		return !ok
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, LivenessClosed, c.Liveness())
	assert.Equal(t, float64(maxDroppedMessages), testutil.ToFloat64(b.metrics.Dropped))
}

func TestRingOverwritesOldest(t *testing.T) {
	r := newRing(2)
	assert.Nil(t, r.snapshot())
	for _, d := range []string{"a", "b", "c"} {
		r.push(shared_types.RetainedMessage{Data: d})
	}
	snap := r.snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "b", snap[0].Data)
	assert.Equal(t, "c", snap[1].Data)

	zero := newRing(0)
	zero.push(shared_types.RetainedMessage{Data: "x"})
	assert.Zero(t, zero.len())
}
