package broker

import (
	"fmt"
	"net/http"

	"github.com/lightforgemedia/go-wshub/pkg/ergosockets"
	"github.com/lightforgemedia/go-wshub/pkg/shared_types"
	"github.com/lightforgemedia/go-wshub/pkg/telemetry"
)

// dispatch routes one decoded frame. Every tag has an arm; frames that only
// ever travel hub→peer are treated like unknown tags.
func (b *Broker) dispatch(c *Connection, env *ergosockets.Envelope) {
	switch tag := env.Tag(); tag {
	case ergosockets.TagPong:
		b.registry.Touch(c.id, ergosockets.TimeNow())
	case ergosockets.TagPing:
		var ping shared_types.Ping
		if err := c.codec.DecodePayload(env.Payload, &ping); err != nil {
			b.reportDecodeError(c, err)
			return
		}
		c.enqueue(ergosockets.TypePong, env.ID, "", shared_types.Pong{
			Timestamp:         ergosockets.TimeNow().UnixMilli(),
			OriginalTimestamp: ping.Timestamp,
		})
	case ergosockets.TagSubscribe:
		b.handleSubscribe(c, env)
	case ergosockets.TagUnsubscribe:
		b.handleUnsubscribe(c, env)
	case ergosockets.TagPublish:
		b.handlePublish(c, env)
	case ergosockets.TagRequest:
		go b.handleRequest(c, env) // Process in goroutine to not block readPump
	case ergosockets.TagResponse, ergosockets.TagError:
		if !c.pending.Resolve(env.ID, env) {
			c.logger.Info(fmt.Sprintf("Broker: Received unsolicited %s with ID %s from connection %s", env.Type, env.ID, c.id))
		}
	case ergosockets.TagWelcome, ergosockets.TagSubscriptionResult, ergosockets.TagUnsubscriptionResult,
		ergosockets.TagPublishResult, ergosockets.TagChannelMessage:
		b.reportUnrecognized(c, env, "peer-bound frame sent to hub")
	case ergosockets.TagUnknown:
		b.reportUnrecognized(c, env, "unknown frame type")
	default:
		b.reportUnrecognized(c, env, fmt.Sprintf("unhandled tag %v", tag))
	}
}

func (b *Broker) handleSubscribe(c *Connection, env *ergosockets.Envelope) {
	var req shared_types.Subscribe
	if err := c.codec.DecodePayload(env.Payload, &req); err != nil {
		b.reportDecodeError(c, err)
		c.enqueue(ergosockets.TypeSubscriptionResult, env.ID, "", failedSubscription("", err))
		return
	}

	_, err := b.channels.Subscribe(c.id, req.ChannelID, func(res SubscribeResult) {
		c.enqueue(ergosockets.TypeSubscriptionResult, env.ID, "", shared_types.SubscriptionResult{
			ChannelID:        res.ChannelID,
			Success:          true,
			SubscriberCount:  res.SubscriberCount,
			RetainedMessages: res.Retained,
		})
	})
	if err != nil {
		c.logger.Info(fmt.Sprintf("Broker: Connection %s failed to subscribe to '%s': %v", c.id, req.ChannelID, err))
		c.enqueue(ergosockets.TypeSubscriptionResult, env.ID, "", failedSubscription(req.ChannelID, err))
		return
	}
	c.logger.Debug(fmt.Sprintf("Broker: Connection %s subscribed to channel '%s'", c.id, req.ChannelID))
}

func failedSubscription(channelID string, err error) shared_types.SubscriptionResult {
	return shared_types.SubscriptionResult{
		ChannelID: channelID,
		Success:   false,
		ErrorCode: ergosockets.ErrorCode(err),
		Error:     err.Error(),
	}
}

func (b *Broker) handleUnsubscribe(c *Connection, env *ergosockets.Envelope) {
	var req shared_types.Unsubscribe
	if err := c.codec.DecodePayload(env.Payload, &req); err != nil {
		b.reportDecodeError(c, err)
		c.enqueue(ergosockets.TypeUnsubscriptionResult, env.ID, "", shared_types.UnsubscriptionResult{})
		return
	}
	was := b.channels.Unsubscribe(c.id, req.ChannelID)
	c.logger.Debug(fmt.Sprintf("Broker: Connection %s unsubscribed from channel '%s' (was subscribed: %v)", c.id, req.ChannelID, was))
	c.enqueue(ergosockets.TypeUnsubscriptionResult, env.ID, "", shared_types.UnsubscriptionResult{
		ChannelID:     req.ChannelID,
		Success:       true,
		WasSubscribed: was,
	})
}

func (b *Broker) handlePublish(c *Connection, env *ergosockets.Envelope) {
	var req shared_types.Publish
	if err := c.codec.DecodePayload(env.Payload, &req); err != nil {
		b.reportDecodeError(c, err)
		c.enqueue(ergosockets.TypePublishResult, env.ID, "", shared_types.PublishResult{
			ErrorCode: ergosockets.ErrorCode(err),
			Error:     err.Error(),
		})
		return
	}

	n, err := b.channels.Publish(c.id, req.ChannelID, req.Data, req.ExcludeSender)
	if err != nil {
		c.logger.Info(fmt.Sprintf("Broker: Failed to publish message from connection %s to channel '%s': %v", c.id, req.ChannelID, err))
		c.enqueue(ergosockets.TypePublishResult, env.ID, "", shared_types.PublishResult{
			ChannelID: req.ChannelID,
			ErrorCode: ergosockets.ErrorCode(err),
			Error:     err.Error(),
		})
		return
	}
	b.metrics.Published.Inc()
	c.logger.Debug(fmt.Sprintf("Broker: Connection %s published to channel '%s' (%d delivered)", c.id, req.ChannelID, n))
	c.enqueue(ergosockets.TypePublishResult, env.ID, "", shared_types.PublishResult{
		ChannelID:   req.ChannelID,
		Success:     true,
		DeliveredTo: n,
	})
}

func (b *Broker) handleRequest(c *Connection, env *ergosockets.Envelope) {
	b.requestHandlersMu.RLock()
	h, ok := b.requestHandlers[env.Topic]
	b.requestHandlersMu.RUnlock()

	if !ok {
		c.logger.Info(fmt.Sprintf("Broker: No handler for method '%s' from connection %s", env.Topic, c.id))
		c.enqueue(ergosockets.TypeError, env.ID, env.Topic, &ergosockets.ErrorPayload{
			Code:    http.StatusNotFound,
			Message: fmt.Sprintf("%v: %s", ErrNoHandler, env.Topic),
		})
		return
	}

	resp, err := b.callHandler(h, c, env)
	if env.ID == "" {
		return // Notification, nobody is waiting
	}
	if err != nil {
		c.logger.Info(fmt.Sprintf("Broker: Handler for method '%s' (connection %s) returned error: %v", env.Topic, c.id, err))
		c.enqueue(ergosockets.TypeError, env.ID, env.Topic, ergosockets.NewErrorPayload(err))
		return
	}
	if !c.enqueue(ergosockets.TypeResponse, env.ID, env.Topic, resp) {
		c.logger.Warn(fmt.Sprintf("Broker: Response for method '%s' to connection %s was not queued", env.Topic, c.id))
	}
}

func (b *Broker) callHandler(h RequestHandler, c *Connection, env *ergosockets.Envelope) (resp any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler for '%s' panicked: %v", env.Topic, p)
		}
	}()
	return h(c.ctx, c, ergosockets.NewParams(env.Payload, c.codec))
}

func (b *Broker) reportDecodeError(c *Connection, err error) {
	b.metrics.DecodeErrors.Inc()
	c.logger.Warn(fmt.Sprintf("Broker: Connection %s sent malformed frame: %v", c.id, err))
	b.events.emit(Event{Kind: EventDecodeError, ConnID: c.id, Reason: err})
	b.config.telemetry.Record(telemetry.EventDecodeError, map[string]any{
		"conn-id": c.id,
		"error":   err,
	})
}

func (b *Broker) reportUnrecognized(c *Connection, env *ergosockets.Envelope, why string) {
	c.logger.Warn(fmt.Sprintf("Broker: Connection %s sent unrecognized frame type '%s': %s", c.id, env.Type, why))
	b.config.telemetry.Record(telemetry.EventUnrecognizedFrame, map[string]any{
		"conn-id": c.id,
		"type":    env.Type,
	})
	if env.ID != "" {
		c.enqueue(ergosockets.TypeError, env.ID, env.Topic, &ergosockets.ErrorPayload{
			Code:    http.StatusBadRequest,
			Message: fmt.Sprintf("%v: %s", ergosockets.ErrUnrecognizedFrame, env.Type),
		})
	}
}
