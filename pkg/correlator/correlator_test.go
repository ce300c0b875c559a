package correlator_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightforgemedia/go-wshub/pkg/correlator"
	"github.com/lightforgemedia/go-wshub/pkg/ergosockets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveBeforeDeadline(t *testing.T) {
	c := correlator.New()
	p := c.Register(time.Second)
	require.Equal(t, 1, c.Len())

	resp := &ergosockets.Envelope{Type: ergosockets.TypeResponse, ID: p.ID()}
	assert.True(t, c.Resolve(p.ID(), resp))

	got, err := p.Await(context.Background())
	require.NoError(t, err)
	assert.Same(t, resp, got)
	assert.Zero(t, c.Len())

	// Second resolve is a no-op.
	assert.False(t, c.Resolve(p.ID(), resp))
}

func TestTimeoutThenLateResolve(t *testing.T) {
	c := correlator.New()
	p := c.Register(20 * time.Millisecond)

	_, err := p.Await(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, correlator.ErrRequestTimedOut)
	assert.Zero(t, c.Len())

	assert.False(t, c.Resolve(p.ID(), &ergosockets.Envelope{Type: ergosockets.TypeResponse}))
}

func TestUniqueIDs(t *testing.T) {
	c := correlator.New()
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		p := c.Register(time.Minute)
		require.False(t, seen[p.ID()], "id %s reused", p.ID())
		seen[p.ID()] = true
		p.Cancel()
	}
	assert.Zero(t, c.Len())
}

func TestAwaitAbandonedByContext(t *testing.T) {
	c := correlator.New()
	p := c.Register(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, c.Len(), "abandoned request must not leak")

	select {
	case <-p.Done():
	default:
		t.Fatal("pending handle should be settled after abandonment")
	}
}

func TestCancelAll(t *testing.T) {
	c := correlator.New()
	lost := errors.New("connection lost")
	a, b := c.Register(time.Minute), c.Register(time.Minute)

	assert.Equal(t, 2, c.CancelAll(lost))
	for _, p := range []*correlator.Pending{a, b} {
		_, err := p.Await(context.Background())
		assert.ErrorIs(t, err, lost)
	}
	assert.Zero(t, c.CancelAll(lost))
}

// Races Resolve against the deadline many times; each request must settle
// exactly once, and never stay pending.
func TestExactlyOnceUnderRace(t *testing.T) {
	c := correlator.New()
	const n = 200

	var resolved, timedOut atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		p := c.Register(time.Millisecond)
		wg.Add(2)
		go func() {
			defer wg.Done()
			time.Sleep(time.Millisecond)
			c.Resolve(p.ID(), &ergosockets.Envelope{Type: ergosockets.TypeResponse})
		}()
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			env, err := p.Await(ctx)
			switch {
			case err == nil && env != nil:
				resolved.Add(1)
			case errors.Is(err, correlator.ErrRequestTimedOut):
				timedOut.Add(1)
			default:
				t.Errorf("unexpected outcome: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(n), resolved.Load()+timedOut.Load())
	assert.Zero(t, c.Len())
}

type loopbackSender struct {
	c       *correlator.Correlator
	codec   ergosockets.Codec
	respond func(env *ergosockets.Envelope) (typ string, payload any)
	err     error
}

func (s *loopbackSender) SendEnvelope(_ context.Context, typ, id, topic string, payload any) error {
	if s.err != nil {
		return s.err
	}
	frame, err := s.codec.Encode(typ, id, topic, payload)
	if err != nil {
		return err
	}
	req, err := s.codec.Decode(frame)
	if err != nil {
		return err
	}
	go func() {
		rtyp, rpayload := s.respond(req)
		raw, _ := s.codec.Encode(rtyp, req.ID, req.Topic, rpayload)
		resp, _ := s.codec.Decode(raw)
		s.c.Resolve(resp.ID, resp)
	}()
	return nil
}

func TestSendFailureRemovesEntry(t *testing.T) {
	c := correlator.New()
	_, err := c.Send(context.Background(), &loopbackSender{err: errors.New("socket closed")},
		ergosockets.TypeRequest, "eval", nil, time.Second)
	require.Error(t, err)
	assert.Zero(t, c.Len())
}

func TestCallWithBytesTranscoder(t *testing.T) {
	for _, f := range ergosockets.Formats() {
		t.Run(string(f), func(t *testing.T) {
			codec := ergosockets.MustCodec(f)
			c := correlator.New()
			tc := correlator.BytesTranscoder{}
			sender := &loopbackSender{c: c, codec: codec, respond: func(env *ergosockets.Envelope) (string, any) {
				in, err := tc.Unwrap(env.Payload, codec.DecodePayload)
				if err != nil {
					return ergosockets.TypeError, ergosockets.NewErrorPayload(err)
				}
				out, _ := tc.Wrap(append([]byte("echo:"), in...))
				return ergosockets.TypeResponse, out
			}}

			out, err := c.Call(context.Background(), sender, tc, codec.DecodePayload, "nrepl", []byte("d2:op4:evale"), time.Second)
			require.NoError(t, err)
			assert.Equal(t, "echo:d2:op4:evale", string(out))
		})
	}
}

func TestCallRemoteError(t *testing.T) {
	codec := ergosockets.MustCodec(ergosockets.FormatJSON)
	c := correlator.New()
	sender := &loopbackSender{c: c, codec: codec, respond: func(*ergosockets.Envelope) (string, any) {
		return ergosockets.TypeError, &ergosockets.ErrorPayload{Code: 404, Message: "no handler for eval"}
	}}

	_, err := c.Call(context.Background(), sender, correlator.BytesTranscoder{}, codec.DecodePayload, "eval", []byte("x"), time.Second)
	var ep *ergosockets.ErrorPayload
	require.ErrorAs(t, err, &ep)
	assert.Equal(t, 404, ep.Code)
}
