package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lightforgemedia/go-wshub/pkg/correlator"
	"github.com/lightforgemedia/go-wshub/pkg/ergosockets"
)

// RequestHandler answers a hub-initiated request. The returned value is
// encoded as the response payload; an error becomes an error frame.
type RequestHandler func(ctx context.Context, params ergosockets.Params) (any, error)

// HandleRequest registers the handler for method. Registering a method twice
// is an error.
func (c *Client) HandleRequest(method string, h RequestHandler) error {
	c.requestHandlersMu.Lock()
	defer c.requestHandlersMu.Unlock()
	if _, exists := c.requestHandlers[method]; exists {
		return fmt.Errorf("client: handler already registered for method '%s'", method)
	}
	c.requestHandlers[method] = h
	c.config.logger.Info(fmt.Sprintf("Client %s: Registered handler for hub requests on method '%s'", c.URL(), method))
	return nil
}

// Handle registers a typed request handler on c.
func Handle[Req, Resp any](c *Client, method string, fn func(ctx context.Context, req Req) (Resp, error)) error {
	return c.HandleRequest(method, func(ctx context.Context, params ergosockets.Params) (any, error) {
		var req Req
		if err := params.Decode(&req); err != nil {
			return nil, err
		}
		return fn(ctx, req)
	})
}

func (c *Client) handleRequest(s *session, env *ergosockets.Envelope) {
	c.requestHandlersMu.RLock()
	h, ok := c.requestHandlers[env.Topic]
	c.requestHandlersMu.RUnlock()

	if !ok {
		c.config.logger.Info(fmt.Sprintf("Client %s: No handler for hub request on method '%s'", c.URL(), env.Topic))
		if env.ID != "" {
			c.trySend(s, ergosockets.TypeError, env.ID, env.Topic, &ergosockets.ErrorPayload{
				Code:    http.StatusNotFound,
				Message: "client has no handler for method: " + env.Topic,
			})
		}
		return
	}

	resp, err := c.callHandler(s, h, env)
	if env.ID == "" {
		return // Notification, nobody is waiting
	}
	if err != nil {
		c.config.logger.Info(fmt.Sprintf("Client %s: Handler for method '%s' returned error: %v", c.URL(), env.Topic, err))
		c.trySend(s, ergosockets.TypeError, env.ID, env.Topic, ergosockets.NewErrorPayload(err))
		return
	}
	if err := c.sendOn(s.ctx, s, ergosockets.TypeResponse, env.ID, env.Topic, resp); err != nil {
		c.config.logger.Info(fmt.Sprintf("Client %s: Response for method '%s' not sent: %v", c.URL(), env.Topic, err))
	}
}

func (c *Client) callHandler(s *session, h RequestHandler, env *ergosockets.Envelope) (resp any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler for '%s' panicked: %v", env.Topic, p)
		}
	}()
	return h(s.ctx, ergosockets.NewParams(env.Payload, s.codec))
}

// Request calls a hub request handler and decodes the response into result
// (which may be nil). Timeout <= 0 uses the client default. A remote failure
// is returned as *ergosockets.ErrorPayload; a missing response matches
// correlator.ErrRequestTimedOut.
func (c *Client) Request(ctx context.Context, method string, params any, result any, timeout time.Duration) error {
	s, err := c.openSession()
	if err != nil {
		return err
	}
	p, err := c.pending.Send(ctx, c, ergosockets.TypeRequest, method, params, timeout)
	if err != nil {
		return err
	}
	c.config.logger.Debug(fmt.Sprintf("Client %s: Sent request (ID: %s) on method '%s'", c.URL(), p.ID(), method))
	env, err := p.Await(ctx)
	if err != nil {
		return fmt.Errorf("request '%s': %w", method, err)
	}
	if env.Tag() == ergosockets.TagError {
		ep := &ergosockets.ErrorPayload{}
		if err := s.codec.DecodePayload(env.Payload, ep); err != nil {
			return err
		}
		return ep
	}
	if result != nil {
		if err := s.codec.DecodePayload(env.Payload, result); err != nil {
			return fmt.Errorf("failed to decode response for '%s': %w", method, err)
		}
	}
	return nil
}

// Notify sends an uncorrelated request; the hub runs the handler and sends
// nothing back.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	return c.SendEnvelope(ctx, ergosockets.TypeRequest, "", method, params)
}

// GenericRequest calls a hub request handler and decodes the response into T.
func GenericRequest[T any](ctx context.Context, c *Client, method string, params any) (*T, error) {
	var resp T
	if err := c.Request(ctx, method, params, &resp, 0); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Call carries an opaque message of an external protocol through a hub
// request handler, using tc to wrap and unwrap it.
func (c *Client) Call(ctx context.Context, tc correlator.Transcoder, method string, msg []byte, timeout time.Duration) ([]byte, error) {
	s, err := c.openSession()
	if err != nil {
		return nil, err
	}
	return c.pending.Call(ctx, c, tc, s.codec.DecodePayload, method, msg, timeout)
}
