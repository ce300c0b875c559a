package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lightforgemedia/go-wshub/pkg/broker"
	"github.com/lightforgemedia/go-wshub/pkg/client"
	"github.com/lightforgemedia/go-wshub/pkg/ergosockets"
	"github.com/lightforgemedia/go-wshub/pkg/shared_types"
	"github.com/lightforgemedia/go-wshub/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chatMessage struct {
	User string `json:"user" bson:"user"`
	Msg  string `json:"msg" bson:"msg"`
}

func fastReconnect() client.ReconnectPolicy {
	return client.ReconnectPolicy{
		Enabled:      true,
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2,
	}
}

func dialClient(t *testing.T, url string, opts ...client.Option) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	opts = append([]client.Option{client.WithLogger(testutil.DefaultLogger)}, opts...)
	c, err := client.Dial(ctx, url, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// unusedURL returns a ws URL nobody listens on.
func unusedURL(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return "ws://" + addr + "/ws"
}

// stateRecorder collects transitions in delivery order.
type stateRecorder struct {
	mu      sync.Mutex
	changes []client.StateChange
}

func recordStates(c *client.Client) *stateRecorder {
	r := &stateRecorder{}
	c.OnStateChange(func(sc client.StateChange) {
		r.mu.Lock()
		r.changes = append(r.changes, sc)
		r.mu.Unlock()
	})
	return r
}

// connectRecorded registers the recorder before connecting, so the history
// starts with connecting and open.
func connectRecorded(t *testing.T, url string, opts ...client.Option) (*client.Client, *stateRecorder) {
	t.Helper()
	opts = append([]client.Option{client.WithLogger(testutil.DefaultLogger)}, opts...)
	c, err := client.New(url, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	rec := recordStates(c)

	require.NoError(t, c.Connect())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, c.AwaitOpen(ctx))
	return c, rec
}

func (r *stateRecorder) states() []client.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]client.State, len(r.changes))
	for i, sc := range r.changes {
		out[i] = sc.To
	}
	return out
}

func TestDialReachesOpenOnWelcome(t *testing.T) {
	for _, f := range ergosockets.Formats() {
		t.Run(string(f), func(t *testing.T) {
			ts := testutil.NewTestServer(t)
			c := dialClient(t, ts.WsURL, client.WithWireFormat(f))

			assert.Equal(t, client.StateOpen, c.State())
			require.NotEmpty(t, c.ID())
			got, ok := c.Format()
			require.True(t, ok)
			assert.Equal(t, f, got)

			_, err := testutil.WaitForConnection(t, ts.Broker(), c.ID(), time.Second)
			assert.NoError(t, err)
		})
	}
}

func TestConnectEmitsConnectingThenOpen(t *testing.T) {
	ts := testutil.NewTestServer(t)
	c, err := client.New(ts.WsURL, client.WithLogger(testutil.DefaultLogger))
	require.NoError(t, err)
	defer c.Close()
	rec := recordStates(c)

	require.NoError(t, c.Connect())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, c.AwaitOpen(ctx))

	require.Eventually(t, func() bool { return len(rec.states()) >= 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []client.State{client.StateConnecting, client.StateOpen}, rec.states())

	assert.ErrorIs(t, c.Connect(), client.ErrInvalidState, "connect is only valid from closed or failed")
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	for _, f := range ergosockets.Formats() {
		t.Run(string(f), func(t *testing.T) {
			ts := testutil.NewTestServer(t)
			alice := dialClient(t, ts.WsURL, client.WithWireFormat(f))
			bob := dialClient(t, ts.WsURL, client.WithWireFormat(f))

			received := make(chan client.Message, 1)
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			res, err := alice.SubscribeSync(ctx, "chat", func(m client.Message) { received <- m })
			require.NoError(t, err)
			assert.True(t, res.Success)
			assert.Equal(t, "chat", res.ChannelID)
			assert.Equal(t, 1, res.SubscriberCount)

			n, err := bob.PublishSync(ctx, "chat", chatMessage{User: "Alice", Msg: "Hello!"}, false)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			select {
			case m := <-received:
				assert.Equal(t, "chat", m.ChannelID)
				assert.Equal(t, bob.ID(), m.SenderID)
				assert.False(t, m.Retained)
				msg, err := client.DecodeData[chatMessage](m)
				require.NoError(t, err)
				assert.Equal(t, chatMessage{User: "Alice", Msg: "Hello!"}, msg)
			case <-time.After(2 * time.Second):
				t.Fatal("channel message not delivered")
			}
		})
	}
}

func TestExcludeSender(t *testing.T) {
	ts := testutil.NewTestServer(t)
	c := dialClient(t, ts.WsURL)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	got := make(chan client.Message, 1)
	_, err := c.SubscribeSync(ctx, "echo", func(m client.Message) { got <- m })
	require.NoError(t, err)

	n, err := c.PublishSync(ctx, "echo", "self", true)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	select {
	case <-got:
		t.Fatal("sender received its own message")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRetainedMessagesOnSubscribe(t *testing.T) {
	ts := testutil.NewTestServer(t)
	require.NoError(t, ts.Broker().CreateChannel("news", broker.ChannelConfig{RetainMessages: 2}))
	for _, h := range []string{"one", "two", "three"} {
		_, err := ts.Broker().Publish("news", h)
		require.NoError(t, err)
	}

	c := dialClient(t, ts.WsURL)
	var mu sync.Mutex
	var got []client.Message
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	res, err := c.SubscribeSync(ctx, "news", func(m client.Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Len(t, res.RetainedMessages, 2)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "two", got[0].Data)
	assert.Equal(t, "three", got[1].Data)
	assert.True(t, got[0].Retained)
}

func TestRefusedSubscriptionLeavesDesiredSet(t *testing.T) {
	ts := testutil.NewTestServer(t, broker.WithAutoCreateChannels(false))
	c := dialClient(t, ts.WsURL)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := c.SubscribeSync(ctx, "missing", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ergosockets.ErrChannelNotFound)
	assert.Empty(t, c.Subscriptions())

	_, err = c.PublishSync(ctx, "missing", "x", false)
	assert.ErrorIs(t, err, ergosockets.ErrChannelNotFound)
}

func TestUnsubscribeSync(t *testing.T) {
	ts := testutil.NewTestServer(t)
	c := dialClient(t, ts.WsURL)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := c.SubscribeSync(ctx, "room", nil)
	require.NoError(t, err)

	was, err := c.UnsubscribeSync(ctx, "room")
	require.NoError(t, err)
	assert.True(t, was)
	assert.Empty(t, c.Subscriptions())

	was, err = c.UnsubscribeSync(ctx, "room")
	require.NoError(t, err)
	assert.False(t, was)
}

func TestSubscriptionsSurviveHubRestart(t *testing.T) {
	ts := testutil.NewTestServer(t)
	c, rec := connectRecorded(t, ts.WsURL, client.WithReconnect(fastReconnect()), client.WithResubscribeInterval(0))

	var mu sync.Mutex
	results := map[string]int{}
	c.OnSubscriptionResult(func(r client.SubscriptionResult) {
		mu.Lock()
		if r.Success {
			results[r.ChannelID]++
		}
		mu.Unlock()
	})
	resultsFor := func(id string) int {
		mu.Lock()
		defer mu.Unlock()
		return results[id]
	}

	gotB := make(chan client.Message, 4)
	require.NoError(t, c.Subscribe("a", nil))
	require.NoError(t, c.Subscribe("b", func(m client.Message) { gotB <- m }))
	require.NoError(t, testutil.WaitFor(t, "first subscription results", 2*time.Second, func() bool {
		return resultsFor("a") == 1 && resultsFor("b") == 1
	}))
	firstID := c.ID()

	ts.Restart()

	require.NoError(t, testutil.WaitFor(t, "replayed subscription results", 5*time.Second, func() bool {
		return resultsFor("a") == 2 && resultsFor("b") == 2
	}))
	assert.Equal(t, client.StateOpen, c.State())
	assert.NotEqual(t, firstID, c.ID(), "the new hub assigns a new connection id")
	assert.Equal(t, []string{"a", "b"}, c.Subscriptions())

	states := rec.states()
	require.GreaterOrEqual(t, len(states), 5)
	assert.Equal(t, []client.State{client.StateConnecting, client.StateOpen, client.StateClosed, client.StateReconnecting}, states[:4])
	assert.Equal(t, client.StateOpen, states[len(states)-1])

	require.NoError(t, testutil.WaitForSubscribers(t, ts.Broker(), "b", 1, time.Second))
	_, err := ts.Broker().Publish("b", "after restart")
	require.NoError(t, err)
	select {
	case m := <-gotB:
		assert.Equal(t, "after restart", m.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("restored subscription received nothing")
	}
}

func TestSubscribeBeforeConnectIsReplayed(t *testing.T) {
	ts := testutil.NewTestServer(t)
	c, err := client.New(ts.WsURL, client.WithLogger(testutil.DefaultLogger))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Subscribe("early", nil))
	assert.Equal(t, []string{"early"}, c.Subscriptions())

	require.NoError(t, c.Connect())
	require.NoError(t, testutil.WaitForSubscribers(t, ts.Broker(), "early", 1, 3*time.Second))
}

func TestUnsubscribedChannelIsNotRestored(t *testing.T) {
	ts := testutil.NewTestServer(t)
	c := dialClient(t, ts.WsURL, client.WithReconnect(fastReconnect()))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := c.SubscribeSync(ctx, "keep", nil)
	require.NoError(t, err)
	_, err = c.SubscribeSync(ctx, "drop", nil)
	require.NoError(t, err)
	require.NoError(t, c.Unsubscribe("drop"))

	ts.Restart()
	require.NoError(t, testutil.WaitForSubscribers(t, ts.Broker(), "keep", 1, 5*time.Second))
	_, err = ts.Broker().ChannelInfo("drop")
	assert.Error(t, err, "nobody resubscribed, so the channel was never created")
}

func TestDisconnectDoesNotReconnect(t *testing.T) {
	ts := testutil.NewTestServer(t)
	c, rec := connectRecorded(t, ts.WsURL, client.WithReconnect(fastReconnect()))
	id := c.ID()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, c.Disconnect(ctx))
	require.NoError(t, testutil.WaitForConnectionGone(t, ts.Broker(), id, time.Second))

	require.Eventually(t, func() bool { return len(rec.states()) == 4 }, time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, []client.State{client.StateConnecting, client.StateOpen, client.StateClosing, client.StateClosed}, rec.states())
	assert.Equal(t, client.StateClosed, c.State())

	assert.ErrorIs(t, c.Disconnect(ctx), client.ErrInvalidState)
	_, err := c.PublishSync(ctx, "x", 1, false)
	assert.ErrorIs(t, err, client.ErrNotOpen)

	// A disconnected client can connect again.
	require.NoError(t, c.Connect())
	require.NoError(t, c.AwaitOpen(ctx))
}

func TestCloseCancelsScheduledReconnect(t *testing.T) {
	ts := testutil.NewTestServer(t)
	slow := client.ReconnectPolicy{Enabled: true, InitialDelay: 10 * time.Second, MaxDelay: 10 * time.Second}
	c := dialClient(t, ts.WsURL, client.WithReconnect(slow))

	ts.Kill()
	require.NoError(t, testutil.WaitFor(t, "reconnecting", 2*time.Second, func() bool {
		return c.State() == client.StateReconnecting
	}))

	require.NoError(t, c.Close())
	assert.Equal(t, client.StateClosed, c.State())
	require.NoError(t, c.Close(), "close is idempotent")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, c.AwaitOpen(ctx), client.ErrClientClosed)
	assert.ErrorIs(t, c.Connect(), client.ErrClientClosed)
	assert.ErrorIs(t, c.Subscribe("x", nil), client.ErrClientClosed)
}

func TestConnectFailureWithoutReconnect(t *testing.T) {
	c, err := client.New(unusedURL(t), client.WithLogger(testutil.DefaultLogger), client.WithoutReconnect())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Connect())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err = c.AwaitOpen(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, client.ErrConnectFailed)
	assert.Equal(t, client.StateFailed, c.State())
	assert.ErrorIs(t, c.Err(), client.ErrConnectFailed)

	// Failed is not terminal: a new Connect starts over.
	assert.NoError(t, c.Connect())
}

func TestReconnectAttemptsExhausted(t *testing.T) {
	p := fastReconnect()
	p.MaxAttempts = 2
	c, err := client.New(unusedURL(t), client.WithLogger(testutil.DefaultLogger), client.WithReconnect(p))
	require.NoError(t, err)
	defer c.Close()
	rec := recordStates(c)

	require.NoError(t, c.Connect())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = c.AwaitOpen(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, client.ErrReconnectExhausted)
	assert.Equal(t, client.StateFailed, c.State())

	require.Eventually(t, func() bool { return len(rec.states()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []client.State{client.StateConnecting, client.StateReconnecting, client.StateFailed}, rec.states())
}

func TestDialFailureClosesClient(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := client.Dial(ctx, unusedURL(t), client.WithLogger(testutil.DefaultLogger), client.WithoutReconnect())
	assert.ErrorIs(t, err, client.ErrConnectFailed)
}

func TestFilePortDiscoveryFollowsMovedHub(t *testing.T) {
	ts := testutil.NewTestServer(t)
	portFile := filepath.Join(t.TempDir(), "hub.port")
	data, err := json.Marshal(shared_types.PortInfo{Port: ts.Port, Path: "/ws"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(portFile, data, 0o644))

	c, err := client.New(unusedURL(t),
		client.WithLogger(testutil.DefaultLogger),
		client.WithReconnect(fastReconnect()),
		client.WithPortDiscovery(client.FilePortDiscovery(portFile)),
	)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Connect())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.AwaitOpen(ctx))
	assert.Equal(t, ts.WsURL, c.URL())
}

func TestHTTPPortDiscovery(t *testing.T) {
	ts := testutil.NewTestServer(t)
	discover := client.HTTPPortDiscovery(ts.Server().HTTPURL()+"/port", nil)
	port, err := discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ts.Port, port)

	_, err = client.FilePortDiscovery(filepath.Join(t.TempDir(), "absent"))(context.Background())
	assert.Error(t, err)
}

func TestPeerToHubRequest(t *testing.T) {
	ts := testutil.NewTestServer(t)
	type sumReq struct {
		A, B int
	}
	type sumResp struct {
		Sum int
	}
	require.NoError(t, broker.Handle(ts.Broker(), "sum", func(ctx context.Context, conn broker.ConnectionHandle, req sumReq) (sumResp, error) {
		return sumResp{Sum: req.A + req.B}, nil
	}))
	require.NoError(t, ts.Broker().HandleRequest("fail", func(context.Context, broker.ConnectionHandle, ergosockets.Params) (any, error) {
		return nil, errors.New("nope")
	}))
	c := dialClient(t, ts.WsURL)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resp, err := client.GenericRequest[sumResp](ctx, c, "sum", sumReq{A: 2, B: 3})
	require.NoError(t, err)
	assert.Equal(t, 5, resp.Sum)

	err = c.Request(ctx, "fail", nil, nil, 0)
	var ep *ergosockets.ErrorPayload
	require.ErrorAs(t, err, &ep)
	assert.Contains(t, ep.Message, "nope")
}

func TestHubToPeerRequest(t *testing.T) {
	ts := testutil.NewTestServer(t)
	c := dialClient(t, ts.WsURL)
	type greeting struct {
		Name string
	}
	require.NoError(t, client.Handle(c, "greet", func(ctx context.Context, req greeting) (string, error) {
		return "hello " + req.Name, nil
	}))
	assert.Error(t, c.HandleRequest("greet", nil), "duplicate registration")

	conn, err := testutil.WaitForConnection(t, ts.Broker(), c.ID(), time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var reply string
	require.NoError(t, conn.Request(ctx, "greet", greeting{Name: "hub"}, &reply, 0))
	assert.Equal(t, "hello hub", reply)

	err = conn.Request(ctx, "missing", nil, nil, 0)
	assert.Error(t, err)
}

func TestPendingRequestsSettleOnConnectionLoss(t *testing.T) {
	ts := testutil.NewTestServer(t)
	release := make(chan struct{})
	require.NoError(t, ts.Broker().HandleRequest("stall", func(ctx context.Context, _ broker.ConnectionHandle, _ ergosockets.Params) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	}))
	defer close(release)
	c := dialClient(t, ts.WsURL, client.WithoutReconnect())

	errCh := make(chan error, 1)
	go func() { errCh <- c.Request(context.Background(), "stall", nil, nil, 10*time.Second) }()
	time.Sleep(50 * time.Millisecond)
	go ts.Kill()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, client.ErrConnectionLost)
	case <-time.After(5 * time.Second):
		t.Fatal("pending request never settled")
	}
}

func TestErrorHandlerReceivesUnrecognizedFrames(t *testing.T) {
	ts := testutil.NewTestServer(t)
	errs := make(chan error, 1)
	c := dialClient(t, ts.WsURL, client.WithErrorHandler(func(err error) {
		select {
		case errs <- err:
		default:
		}
	}))

	conn, err := testutil.WaitForConnection(t, ts.Broker(), c.ID(), time.Second)
	require.NoError(t, err)
	require.NoError(t, conn.Send(context.Background(), "no-such-type", map[string]string{"x": "y"}))

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ergosockets.ErrUnrecognizedFrame)
	case <-time.After(2 * time.Second):
		t.Fatal("error handler not called")
	}
	assert.Equal(t, client.StateOpen, c.State(), "unrecognized frames do not close the session")
}

func TestMalformedPingReachesErrorHandler(t *testing.T) {
	ts := testutil.NewTestServer(t)
	errs := make(chan error, 1)
	c := dialClient(t, ts.WsURL, client.WithErrorHandler(func(err error) {
		select {
		case errs <- err:
		default:
		}
	}))

	conn, err := testutil.WaitForConnection(t, ts.Broker(), c.ID(), time.Second)
	require.NoError(t, err)
	require.NoError(t, conn.Send(context.Background(), ergosockets.TypePing, map[string]string{"timestamp": "soon"}))

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ergosockets.ErrDecode)
	case <-time.After(2 * time.Second):
		t.Fatal("error handler not called")
	}
	assert.Equal(t, client.StateOpen, c.State())
}

func TestStateListenersRunInRegistrationOrder(t *testing.T) {
	ts := testutil.NewTestServer(t)
	c, err := client.New(ts.WsURL, client.WithLogger(testutil.DefaultLogger))
	require.NoError(t, err)
	defer c.Close()

	var mu sync.Mutex
	var calls []int
	for i := 0; i < 5; i++ {
		c.OnStateChange(func(client.StateChange) {
			mu.Lock()
			calls = append(calls, i)
			mu.Unlock()
		})
	}

	require.NoError(t, c.Connect())
	require.NoError(t, testutil.WaitFor(t, "connecting and open delivered", 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 10
	}))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 0, 1, 2, 3, 4}, calls)
}

func TestSubscribeWhileOpeningIsSentOnce(t *testing.T) {
	ts := testutil.NewTestServer(t)
	c, err := client.New(ts.WsURL, client.WithLogger(testutil.DefaultLogger))
	require.NoError(t, err)
	defer c.Close()

	var mu sync.Mutex
	results := map[string]int{}
	c.OnSubscriptionResult(func(r client.SubscriptionResult) {
		mu.Lock()
		results[r.ChannelID]++
		mu.Unlock()
	})
	// Runs concurrently with the replay that follows the open transition.
	c.OnStateChange(func(sc client.StateChange) {
		if sc.To == client.StateOpen {
			_ = c.Subscribe("late", nil)
		}
	})

	require.NoError(t, c.Subscribe("early", nil))
	require.NoError(t, c.Connect())
	require.NoError(t, testutil.WaitFor(t, "both subscription results", 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return results["early"] >= 1 && results["late"] >= 1
	}))

	// A duplicate frame would produce a second result shortly after.
	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"early": 1, "late": 1}, results)
}
