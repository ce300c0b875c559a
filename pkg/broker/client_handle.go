package broker

import (
	"context"
	"time"

	"github.com/lightforgemedia/go-wshub/pkg/ergosockets"
)

// ConnectionHandle is a peer connection from the hub's perspective.
// It's passed to hub-side request handlers.
type ConnectionHandle interface {
	ID() string                 // Hub-assigned connection id, also sent in the welcome frame.
	RemoteAddr() string         // Network address of the peer.
	Format() ergosockets.Format // Wire format negotiated at handshake.
	Context() context.Context   // Cancelled when the connection is removed.
	Liveness() Liveness
	Channels() []string

	// Send pushes an uncorrelated frame of the given type.
	Send(ctx context.Context, typ string, payload any) error

	// Request sends a correlated request to the peer and waits for its response.
	// result should be a pointer the response is decoded into, or nil.
	// Timeout <= 0 means use the broker's default server request timeout.
	Request(ctx context.Context, method string, params any, result any, timeout time.Duration) error
}

var _ ConnectionHandle = (*Connection)(nil)

// RequestHandler answers a peer's correlated request. The returned value is
// encoded as the response payload; an error becomes an error frame.
type RequestHandler func(ctx context.Context, conn ConnectionHandle, params ergosockets.Params) (any, error)

// Handle registers a typed request handler on b.
func Handle[Req, Resp any](b *Broker, method string, fn func(ctx context.Context, conn ConnectionHandle, req Req) (Resp, error)) error {
	return b.HandleRequest(method, func(ctx context.Context, conn ConnectionHandle, params ergosockets.Params) (any, error) {
		var req Req
		if err := params.Decode(&req); err != nil {
			return nil, err
		}
		return fn(ctx, conn, req)
	})
}

// GenericRequest sends a typed request to a peer and decodes the response into type T.
func GenericRequest[T any](ctx context.Context, conn ConnectionHandle, method string, params any, timeout time.Duration) (*T, error) {
	var resp T
	if err := conn.Request(ctx, method, params, &resp, timeout); err != nil {
		return nil, err
	}
	return &resp, nil
}
