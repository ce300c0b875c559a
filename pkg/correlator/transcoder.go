package correlator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lightforgemedia/go-wshub/pkg/ergosockets"
)

// Transcoder adapts an external protocol (editor tooling, nREPL bencode, ...)
// onto envelope payloads. The core never looks inside the bytes.
type Transcoder interface {
	// Wrap turns an external message into a payload value for the envelope.
	Wrap(msg []byte) (any, error)
	// Unwrap extracts the external message from a response payload.
	Unwrap(payload []byte, decode DecodeFunc) ([]byte, error)
}

// DecodeFunc decodes an envelope payload in the connection's wire format.
type DecodeFunc func(raw []byte, v any) error

// BytesTranscoder carries opaque bytes in a {"bytes": ...} document.
type BytesTranscoder struct{}

type bytesDoc struct {
	Bytes []byte `json:"bytes" bson:"bytes"`
}

func (BytesTranscoder) Wrap(msg []byte) (any, error) {
	return bytesDoc{Bytes: msg}, nil
}

func (BytesTranscoder) Unwrap(payload []byte, decode DecodeFunc) ([]byte, error) {
	var doc bytesDoc
	if err := decode(payload, &doc); err != nil {
		return nil, err
	}
	return doc.Bytes, nil
}

// Call runs one wrap → send → await → unwrap exchange. Remote failures come
// back as *ergosockets.ErrorPayload.
func (c *Correlator) Call(ctx context.Context, sender Sender, tc Transcoder, decode DecodeFunc, method string, msg []byte, timeout time.Duration) ([]byte, error) {
	payload, err := tc.Wrap(msg)
	if err != nil {
		return nil, fmt.Errorf("wrap %s request: %w", method, err)
	}
	p, err := c.Send(ctx, sender, ergosockets.TypeRequest, method, payload, timeout)
	if err != nil {
		return nil, err
	}
	env, err := p.Await(ctx)
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, errors.New("settled without response")
	}
	if env.Tag() == ergosockets.TagError {
		ep := &ergosockets.ErrorPayload{}
		if err := decode(env.Payload, ep); err != nil {
			return nil, err
		}
		return nil, ep
	}
	return tc.Unwrap(env.Payload, decode)
}
