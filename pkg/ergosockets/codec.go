package ergosockets

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/coder/websocket"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsonrw"
)

// Format names one of the interchangeable wire formats.
type Format string

const (
	FormatJSON Format = "json"
	FormatBSON Format = "bson"
)

// SubprotocolPrefix prefixes every format when it is offered as a WebSocket
// subprotocol, e.g. "wshub.json".
const SubprotocolPrefix = "wshub."

// Formats lists all supported formats.
func Formats() []Format {
	return []Format{FormatJSON, FormatBSON}
}

// ParseFormat validates a configured format name. The empty string selects JSON.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatBSON:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported wire format %q", s)
	}
}

// Subprotocol returns the WebSocket subprotocol token for f.
func (f Format) Subprotocol() string {
	return SubprotocolPrefix + string(f)
}

// FormatFromSubprotocol maps a negotiated subprotocol back onto a Format.
func FormatFromSubprotocol(sp string) (Format, bool) {
	if !strings.HasPrefix(sp, SubprotocolPrefix) {
		return "", false
	}
	f, err := ParseFormat(strings.TrimPrefix(sp, SubprotocolPrefix))
	if err != nil {
		return "", false
	}
	return f, true
}

// Subprotocols lists every format's subprotocol with preferred first. The hub
// passes this to websocket.Accept, which picks the first entry the peer offers.
func Subprotocols(preferred Format) []string {
	out := []string{preferred.Subprotocol()}
	for _, f := range Formats() {
		if f != preferred {
			out = append(out, f.Subprotocol())
		}
	}
	return out
}

// Codec encodes and decodes frames in a single wire format. A connection picks
// its codec once, at handshake, and keeps it for its lifetime.
type Codec interface {
	Format() Format
	// MessageType is the WebSocket frame type used for this format.
	MessageType() websocket.MessageType
	Encode(typ, id, topic string, payload any) ([]byte, error)
	Decode(frame []byte) (*Envelope, error)
	// DecodePayload unmarshals an Envelope.Payload into v. Generic values
	// (maps, slices, scalars) decode to plain Go types; JSON numbers decode
	// to json.Number.
	DecodePayload(raw []byte, v any) error
}

// NewCodec returns the codec for f.
func NewCodec(f Format) (Codec, error) {
	switch f {
	case FormatJSON, "":
		return jsonCodec{}, nil
	case FormatBSON:
		return bsonCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported wire format %q", f)
	}
}

// MustCodec is NewCodec for formats already validated by ParseFormat.
func MustCodec(f Format) Codec {
	c, err := NewCodec(f)
	if err != nil {
		panic(err)
	}
	return c
}

var errMissingType = errors.New("frame has no type")

// --- JSON ---

type jsonFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type jsonCodec struct{}

func (jsonCodec) Format() Format                     { return FormatJSON }
func (jsonCodec) MessageType() websocket.MessageType { return websocket.MessageText }

func (jsonCodec) Encode(typ, id, topic string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
		}
		raw = b
	}
	return json.Marshal(jsonFrame{Type: typ, ID: id, Topic: topic, Payload: raw})
}

func (jsonCodec) Decode(frame []byte) (*Envelope, error) {
	var f jsonFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return nil, &DecodeError{Format: FormatJSON, Size: len(frame), Err: err}
	}
	if f.Type == "" {
		return nil, &DecodeError{Format: FormatJSON, Size: len(frame), Err: errMissingType}
	}
	env := &Envelope{Type: f.Type, ID: f.ID, Topic: f.Topic}
	if len(f.Payload) > 0 && string(f.Payload) != "null" {
		env.Payload = f.Payload
	}
	return env, nil
}

func (jsonCodec) DecodePayload(raw []byte, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	// Generic numbers stay json.Number so relayed integers keep every digit.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return &DecodeError{Format: FormatJSON, Size: len(raw), Err: err}
	}
	return nil
}

// --- BSON ---

// BSON frames are documents. Payloads must therefore be document-shaped
// (structs or maps); scalars belong inside a struct field.
type bsonFrame struct {
	Type    string   `bson:"type"`
	ID      string   `bson:"id,omitempty"`
	Topic   string   `bson:"topic,omitempty"`
	Payload bson.Raw `bson:"payload,omitempty"`
}

type bsonCodec struct{}

func (bsonCodec) Format() Format                     { return FormatBSON }
func (bsonCodec) MessageType() websocket.MessageType { return websocket.MessageBinary }

func (bsonCodec) Encode(typ, id, topic string, payload any) ([]byte, error) {
	var raw bson.Raw
	if payload != nil {
		b, err := bson.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
		}
		raw = b
	}
	return bson.Marshal(bsonFrame{Type: typ, ID: id, Topic: topic, Payload: raw})
}

func (bsonCodec) Decode(frame []byte) (*Envelope, error) {
	var f bsonFrame
	if err := bson.Unmarshal(frame, &f); err != nil {
		return nil, &DecodeError{Format: FormatBSON, Size: len(frame), Err: err}
	}
	if f.Type == "" {
		return nil, &DecodeError{Format: FormatBSON, Size: len(frame), Err: errMissingType}
	}
	env := &Envelope{Type: f.Type, ID: f.ID, Topic: f.Topic}
	if len(f.Payload) > 0 {
		env.Payload = []byte(f.Payload)
	}
	return env, nil
}

func (bsonCodec) DecodePayload(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	dec, err := bson.NewDecoder(bsonrw.NewBSONDocumentReader(raw))
	if err != nil {
		return &DecodeError{Format: FormatBSON, Size: len(raw), Err: err}
	}
	// Nested documents become bson.M instead of bson.D so they re-encode
	// as objects when relayed to a JSON peer.
	dec.DefaultDocumentM()
	if err := dec.Decode(v); err != nil {
		return &DecodeError{Format: FormatBSON, Size: len(raw), Err: err}
	}
	return nil
}
