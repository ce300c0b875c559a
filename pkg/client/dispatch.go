package client

import (
	"fmt"
	"time"

	"github.com/lightforgemedia/go-wshub/pkg/ergosockets"
	"github.com/lightforgemedia/go-wshub/pkg/shared_types"
	"github.com/lightforgemedia/go-wshub/pkg/telemetry"
)

// dispatch routes one decoded frame from the hub. Every tag has an arm;
// frames that only ever travel peer→hub are treated like unknown tags.
func (c *Client) dispatch(s *session, env *ergosockets.Envelope) {
	switch tag := env.Tag(); tag {
	case ergosockets.TagWelcome:
		c.handleWelcome(s, env)
	case ergosockets.TagPing:
		var ping shared_types.Ping
		if err := s.codec.DecodePayload(env.Payload, &ping); err != nil {
			c.reportDecodeError(err)
			return
		}
		c.trySend(s, ergosockets.TypePong, env.ID, "", shared_types.Pong{
			Timestamp:         ergosockets.TimeNow().UnixMilli(),
			OriginalTimestamp: ping.Timestamp,
		})
	case ergosockets.TagPong:
		c.config.logger.Debug(fmt.Sprintf("Client %s: Pong received", c.URL()))
	case ergosockets.TagSubscriptionResult:
		c.handleSubscriptionResult(s, env)
	case ergosockets.TagUnsubscriptionResult:
		c.resolve(env)
	case ergosockets.TagPublishResult:
		c.handlePublishResult(s, env)
	case ergosockets.TagChannelMessage:
		c.handleChannelMessage(s, env)
	case ergosockets.TagRequest:
		go c.handleRequest(s, env) // Process in goroutine to not block readPump
	case ergosockets.TagResponse, ergosockets.TagError:
		if !c.pending.Resolve(env.ID, env) {
			c.config.logger.Info(fmt.Sprintf("Client %s: Received unsolicited %s with ID %s", c.URL(), env.Type, env.ID))
		}
	case ergosockets.TagSubscribe, ergosockets.TagUnsubscribe, ergosockets.TagPublish:
		c.reportUnrecognized(env, "hub-bound frame sent to peer")
	case ergosockets.TagUnknown:
		c.reportUnrecognized(env, "unknown frame type")
	default:
		c.reportUnrecognized(env, fmt.Sprintf("unhandled tag %v", tag))
	}
}

func (c *Client) handleWelcome(s *session, env *ergosockets.Envelope) {
	var w shared_types.Welcome
	if err := s.codec.DecodePayload(env.Payload, &w); err != nil {
		c.reportDecodeError(err)
		return
	}
	s.welcomed.Store(true)
	if s.welcomeWait != nil {
		s.welcomeWait.Stop()
	}
	s.readTimeout = c.config.readTimeout
	if s.readTimeout == 0 && w.HeartbeatTimeout > 0 {
		// The hub evicts after timeout without a pong and pings every
		// interval, so a live hub is never silent longer than their sum.
		s.readTimeout = time.Duration(w.HeartbeatTimeout+w.HeartbeatInterval) * time.Millisecond
	}

	c.mu.Lock()
	if c.sess != s || (c.state != StateConnecting && c.state != StateReconnecting) {
		c.mu.Unlock()
		return
	}
	c.connID = w.ConnID
	c.attempt = 0
	// Subscribe adds under c.mu too, so each channel is either in this
	// snapshot or sent by Subscribe on the open session, never both.
	ids := c.Subscriptions()
	c.transitionLocked(StateOpen, nil)
	c.mu.Unlock()

	c.config.logger.Info(fmt.Sprintf("Client %s: Session open as %s (format %s)", c.URL(), w.ConnID, s.codec.Format()))
	go c.replay(s, ids)
}

func (c *Client) handleSubscriptionResult(s *session, env *ergosockets.Envelope) {
	var res SubscriptionResult
	if err := s.codec.DecodePayload(env.Payload, &res); err != nil {
		c.reportDecodeError(err)
		c.resolve(env)
		return
	}

	if res.Success {
		if h := c.handlerFor(res.ChannelID); h != nil {
			for _, rm := range res.RetainedMessages {
				h(Message{
					ChannelID: res.ChannelID,
					Data:      rm.Data,
					SenderID:  rm.SenderID,
					Time:      time.UnixMilli(rm.PublishTime),
					Retained:  true,
					codec:     s.codec,
				})
			}
		}
		c.config.logger.Debug(fmt.Sprintf("Client %s: Subscribed to channel '%s' (%d subscribers)", c.URL(), res.ChannelID, res.SubscriberCount))
	} else {
		err := fmt.Errorf("subscribe '%s': %w", res.ChannelID, ergosockets.ErrorFromCode(res.ErrorCode, res.Error))
		c.config.logger.Info(fmt.Sprintf("Client %s: %v", c.URL(), err))
		if env.ID == "" {
			c.reportError(err)
		}
	}

	c.listenersMu.RLock()
	fns := c.resultHandlers.snapshot()
	c.listenersMu.RUnlock()
	for _, fn := range fns {
		fn(res)
	}
	c.resolve(env)
}

func (c *Client) handlePublishResult(s *session, env *ergosockets.Envelope) {
	if env.ID != "" {
		c.resolve(env)
		return
	}
	var res shared_types.PublishResult
	if err := s.codec.DecodePayload(env.Payload, &res); err != nil {
		c.reportDecodeError(err)
		return
	}
	if !res.Success {
		c.reportError(fmt.Errorf("publish to '%s': %w", res.ChannelID, ergosockets.ErrorFromCode(res.ErrorCode, res.Error)))
	}
}

func (c *Client) handleChannelMessage(s *session, env *ergosockets.Envelope) {
	var msg shared_types.ChannelMessage
	if err := s.codec.DecodePayload(env.Payload, &msg); err != nil {
		c.reportDecodeError(err)
		return
	}
	h := c.handlerFor(msg.ChannelID)
	if h == nil {
		c.config.logger.Debug(fmt.Sprintf("Client %s: No handler for channel '%s'", c.URL(), msg.ChannelID))
		return
	}
	h(Message{
		ChannelID: msg.ChannelID,
		Data:      msg.Data,
		SenderID:  msg.SenderID,
		Time:      time.UnixMilli(msg.BroadcastTime),
		codec:     s.codec,
	})
}

// resolve hands a correlated result to its waiter. Uncorrelated results
// belong to fire-and-forget calls.
func (c *Client) resolve(env *ergosockets.Envelope) {
	if env.ID == "" {
		return
	}
	if !c.pending.Resolve(env.ID, env) {
		c.config.logger.Debug(fmt.Sprintf("Client %s: Late %s with ID %s ignored", c.URL(), env.Type, env.ID))
	}
}

func (c *Client) reportUnrecognized(env *ergosockets.Envelope, why string) {
	c.config.logger.Warn(fmt.Sprintf("Client %s: Received unrecognized frame type '%s': %s", c.URL(), env.Type, why))
	c.config.telemetry.Record(telemetry.EventUnrecognizedFrame, map[string]any{
		"url":  c.URL(),
		"type": env.Type,
	})
	c.reportError(fmt.Errorf("%w: %s", ergosockets.ErrUnrecognizedFrame, env.Type))
}
