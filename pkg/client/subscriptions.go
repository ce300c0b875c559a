package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lightforgemedia/go-wshub/pkg/ergosockets"
	"github.com/lightforgemedia/go-wshub/pkg/shared_types"
	"golang.org/x/time/rate"
)

// SubscriptionResult is the hub's answer to a subscribe frame.
type SubscriptionResult = shared_types.SubscriptionResult

// Message is one channel message delivered to a subscription handler.
type Message struct {
	ChannelID string
	Data      any // Decoded generically; use DecodeData for a typed view
	SenderID  string
	Time      time.Time
	Retained  bool // Replayed from the channel's retention buffer on subscribe

	codec ergosockets.Codec
}

// MessageHandler receives channel messages in publish order. Handlers run on
// the read loop and must not block on calls that wait for hub replies.
type MessageHandler func(Message)

// DecodeData converts a message's data into T through the session's wire
// format.
func DecodeData[T any](m Message) (T, error) {
	var out struct {
		Data T `json:"data" bson:"data"`
	}
	if m.codec == nil {
		return out.Data, errors.New("message has no codec")
	}
	frame, err := m.codec.Encode(ergosockets.TypeChannelMessage, "", "", struct {
		Data any `json:"data" bson:"data"`
	}{m.Data})
	if err != nil {
		return out.Data, err
	}
	env, err := m.codec.Decode(frame)
	if err != nil {
		return out.Data, err
	}
	err = m.codec.DecodePayload(env.Payload, &out)
	return out.Data, err
}

// subscriptionSet is the desired set: what the client wants to be subscribed
// to, independent of the connection. It keeps insertion order for replay.
type subscriptionSet struct {
	order    []string
	handlers map[string]MessageHandler
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{handlers: make(map[string]MessageHandler)}
}

// add records channelID, replacing its handler if present. It reports whether
// the channel is new to the set.
func (s *subscriptionSet) add(channelID string, h MessageHandler) bool {
	_, exists := s.handlers[channelID]
	s.handlers[channelID] = h
	if !exists {
		s.order = append(s.order, channelID)
	}
	return !exists
}

func (s *subscriptionSet) remove(channelID string) bool {
	if _, ok := s.handlers[channelID]; !ok {
		return false
	}
	delete(s.handlers, channelID)
	for i, id := range s.order {
		if id == channelID {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *subscriptionSet) ids() []string {
	return append([]string(nil), s.order...)
}

// Subscriptions returns the desired subscription set in subscribe order.
func (c *Client) Subscriptions() []string {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	return c.subs.ids()
}

func (c *Client) handlerFor(channelID string) MessageHandler {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	return c.subs.handlers[channelID]
}

func (c *Client) checkUsable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	return nil
}

// Subscribe adds channelID to the desired set. If the session is open the
// subscribe frame goes out now; otherwise it is sent by the replay that
// follows the next successful (re)connect. The outcome arrives through
// OnSubscriptionResult.
func (c *Client) Subscribe(channelID string, handler MessageHandler) error {
	if channelID == "" {
		return fmt.Errorf("%w: empty channel id", ergosockets.ErrBadRequest)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.subsMu.Lock()
	c.subs.add(channelID, handler)
	c.subsMu.Unlock()
	s := c.sess
	if c.state != StateOpen {
		s = nil
	}
	c.mu.Unlock()

	if s == nil {
		c.config.logger.Debug(fmt.Sprintf("Client %s: Subscription to '%s' recorded, sent on next open", c.URL(), channelID))
		return nil
	}
	return c.sendOn(c.ctx, s, ergosockets.TypeSubscribe, "", "", shared_types.Subscribe{ChannelID: channelID})
}

// SubscribeSync subscribes and waits for the hub's result. A refused
// subscription is removed from the desired set again and its error matches
// ErrChannelNotFound or ErrSubscriberLimitExceeded.
func (c *Client) SubscribeSync(ctx context.Context, channelID string, handler MessageHandler) (*SubscriptionResult, error) {
	if channelID == "" {
		return nil, fmt.Errorf("%w: empty channel id", ergosockets.ErrBadRequest)
	}
	s, err := c.openSession()
	if err != nil {
		return nil, err
	}
	c.subsMu.Lock()
	isNew := c.subs.add(channelID, handler)
	c.subsMu.Unlock()

	var res SubscriptionResult
	err = c.roundTrip(ctx, s, ergosockets.TypeSubscribe, shared_types.Subscribe{ChannelID: channelID}, &res)
	if err == nil && !res.Success {
		err = ergosockets.ErrorFromCode(res.ErrorCode, res.Error)
	}
	if err != nil {
		if isNew {
			c.subsMu.Lock()
			c.subs.remove(channelID)
			c.subsMu.Unlock()
		}
		return nil, fmt.Errorf("subscribe '%s': %w", channelID, err)
	}
	return &res, nil
}

// Unsubscribe removes channelID from the desired set and tells the hub if a
// session is open. Unsubscribing from an unknown channel is a no-op.
func (c *Client) Unsubscribe(channelID string) error {
	if err := c.checkUsable(); err != nil {
		return err
	}
	c.subsMu.Lock()
	removed := c.subs.remove(channelID)
	c.subsMu.Unlock()
	if !removed {
		return nil
	}
	s, err := c.openSession()
	if err != nil {
		return nil
	}
	return c.sendOn(c.ctx, s, ergosockets.TypeUnsubscribe, "", "", shared_types.Unsubscribe{ChannelID: channelID})
}

// UnsubscribeSync unsubscribes and reports whether the hub had the client
// subscribed.
func (c *Client) UnsubscribeSync(ctx context.Context, channelID string) (bool, error) {
	s, err := c.openSession()
	if err != nil {
		return false, err
	}
	c.subsMu.Lock()
	c.subs.remove(channelID)
	c.subsMu.Unlock()

	var res shared_types.UnsubscriptionResult
	if err := c.roundTrip(ctx, s, ergosockets.TypeUnsubscribe, shared_types.Unsubscribe{ChannelID: channelID}, &res); err != nil {
		return false, fmt.Errorf("unsubscribe '%s': %w", channelID, err)
	}
	return res.WasSubscribed, nil
}

// Publish sends data to a channel without waiting for the hub's result.
// Failures are reported to the error handler.
func (c *Client) Publish(ctx context.Context, channelID string, data any, excludeSender bool) error {
	return c.SendEnvelope(ctx, ergosockets.TypePublish, "", "", shared_types.Publish{
		ChannelID:     channelID,
		Data:          data,
		ExcludeSender: excludeSender,
	})
}

// PublishSync publishes and returns how many subscribers the hub delivered to.
func (c *Client) PublishSync(ctx context.Context, channelID string, data any, excludeSender bool) (int, error) {
	s, err := c.openSession()
	if err != nil {
		return 0, err
	}
	var res shared_types.PublishResult
	err = c.roundTrip(ctx, s, ergosockets.TypePublish, shared_types.Publish{
		ChannelID:     channelID,
		Data:          data,
		ExcludeSender: excludeSender,
	}, &res)
	if err == nil && !res.Success {
		err = ergosockets.ErrorFromCode(res.ErrorCode, res.Error)
	}
	if err != nil {
		return 0, fmt.Errorf("publish to '%s': %w", channelID, err)
	}
	return res.DeliveredTo, nil
}

// roundTrip sends a correlated control frame on s and decodes its result.
func (c *Client) roundTrip(ctx context.Context, s *session, typ string, payload any, result any) error {
	p := c.pending.Register(0)
	if err := c.sendOn(ctx, s, typ, p.ID(), "", payload); err != nil {
		p.Cancel()
		return err
	}
	env, err := p.Await(ctx)
	if err != nil {
		return err
	}
	if env.Tag() == ergosockets.TagError {
		ep := &ergosockets.ErrorPayload{}
		if err := s.codec.DecodePayload(env.Payload, ep); err != nil {
			return err
		}
		return ep
	}
	return s.codec.DecodePayload(env.Payload, result)
}

// OnSubscriptionResult registers fn for every subscription-result frame,
// replays included. The returned func removes it.
func (c *Client) OnSubscriptionResult(fn func(SubscriptionResult)) (remove func()) {
	c.listenersMu.Lock()
	id := c.resultHandlers.add(fn)
	c.listenersMu.Unlock()
	return func() {
		c.listenersMu.Lock()
		c.resultHandlers.remove(id)
		c.listenersMu.Unlock()
	}
}

// replay re-issues ids, the desired set as of the open transition, on a
// fresh session one subscribe frame at a time, paced by the resubscribe
// interval.
func (c *Client) replay(s *session, ids []string) {
	if len(ids) == 0 {
		return
	}
	c.config.logger.Info(fmt.Sprintf("Client %s: Re-subscribing to %d channels...", c.URL(), len(ids)))

	limit := rate.Inf
	if c.config.resubscribeInterval > 0 {
		limit = rate.Every(c.config.resubscribeInterval)
	}
	limiter := rate.NewLimiter(limit, 1)
	for _, id := range ids {
		if err := limiter.Wait(s.ctx); err != nil {
			return
		}
		if !c.wants(id) {
			continue // Unsubscribed while replaying
		}
		if err := c.sendOn(s.ctx, s, ergosockets.TypeSubscribe, "", "", shared_types.Subscribe{ChannelID: id}); err != nil {
			c.config.logger.Info(fmt.Sprintf("Client %s: Error re-subscribing to channel '%s': %v", c.URL(), id, err))
			return
		}
	}
}

func (c *Client) wants(channelID string) bool {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	_, ok := c.subs.handlers[channelID]
	return ok
}
