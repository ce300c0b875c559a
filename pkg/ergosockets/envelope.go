// ergosockets/envelope.go
package ergosockets

import (
	"fmt"
	"net/http"
)

// Envelope is one decoded frame. Payload stays encoded in the wire format of
// the connection it arrived on; use the connection's Codec to decode it.
type Envelope struct {
	Type    string // Frame tag, e.g. "subscribe", "channel-message"
	ID      string // Correlation ID, empty for uncorrelated frames
	Topic   string // Method name for "request" frames
	Payload []byte // Encoded payload, nil if the frame carries none
}

// Tag returns the frame kind. Unknown strings map to TagUnknown.
func (e *Envelope) Tag() Tag {
	return ParseTag(e.Type)
}

// Tag is the closed set of frame kinds understood by hub and peers.
type Tag int

const (
	TagUnknown Tag = iota
	TagWelcome
	TagPing
	TagPong
	TagSubscribe
	TagSubscriptionResult
	TagUnsubscribe
	TagUnsubscriptionResult
	TagPublish
	TagPublishResult
	TagChannelMessage
	TagRequest
	TagResponse
	TagError
)

// Wire names for each Tag.
const (
	TypeWelcome              = "welcome"
	TypePing                 = "ping"
	TypePong                 = "pong"
	TypeSubscribe            = "subscribe"
	TypeSubscriptionResult   = "subscription-result"
	TypeUnsubscribe          = "unsubscribe"
	TypeUnsubscriptionResult = "unsubscription-result"
	TypePublish              = "publish"
	TypePublishResult        = "publish-result"
	TypeChannelMessage       = "channel-message"
	TypeRequest              = "request"  // Correlated call, Topic names the method
	TypeResponse             = "response" // Successful reply to a request
	TypeError                = "error"    // Failed reply, payload is ErrorPayload
)

var tagsByType = map[string]Tag{
	TypeWelcome:              TagWelcome,
	TypePing:                 TagPing,
	TypePong:                 TagPong,
	TypeSubscribe:            TagSubscribe,
	TypeSubscriptionResult:   TagSubscriptionResult,
	TypeUnsubscribe:          TagUnsubscribe,
	TypeUnsubscriptionResult: TagUnsubscriptionResult,
	TypePublish:              TagPublish,
	TypePublishResult:        TagPublishResult,
	TypeChannelMessage:       TagChannelMessage,
	TypeRequest:              TagRequest,
	TypeResponse:             TagResponse,
	TypeError:                TagError,
}

// ParseTag maps a wire type string onto the closed Tag set.
func ParseTag(typ string) Tag {
	if t, ok := tagsByType[typ]; ok {
		return t
	}
	return TagUnknown
}

func (t Tag) String() string {
	for typ, tag := range tagsByType {
		if tag == t {
			return typ
		}
	}
	return "unknown"
}

// ErrorPayload is the payload of an "error" frame. It doubles as the error
// value returned to callers whose request failed remotely.
type ErrorPayload struct {
	Code    int    `json:"code,omitempty" bson:"code,omitempty"`       // HTTP-like status code
	Message string `json:"message,omitempty" bson:"message,omitempty"` // Human-readable error message
}

func (e *ErrorPayload) Error() string {
	return fmt.Sprintf("remote error (code %d): %s", e.Code, e.Message)
}

// NewErrorPayload builds an ErrorPayload, mapping known sentinels onto
// status codes.
func NewErrorPayload(err error) *ErrorPayload {
	if ep, ok := err.(*ErrorPayload); ok {
		return ep
	}
	code := http.StatusInternalServerError
	switch ErrorCode(err) {
	case CodeChannelNotFound:
		code = http.StatusNotFound
	case CodeSubscriberLimitExceeded:
		code = http.StatusTooManyRequests
	case CodeBadRequest:
		code = http.StatusBadRequest
	}
	return &ErrorPayload{Code: code, Message: err.Error()}
}

// Params gives request handlers lazy access to a request payload in the
// connection's own wire format.
type Params struct {
	raw   []byte
	codec Codec
}

// NewParams wraps an encoded payload.
func NewParams(raw []byte, codec Codec) Params {
	return Params{raw: raw, codec: codec}
}

// Decode unmarshals the payload into v. A missing payload leaves v untouched.
func (p Params) Decode(v any) error {
	if p.codec == nil {
		return fmt.Errorf("params: no codec")
	}
	return p.codec.DecodePayload(p.raw, v)
}

// Empty reports whether the request carried no payload.
func (p Params) Empty() bool {
	return len(p.raw) == 0
}
