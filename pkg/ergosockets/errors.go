package ergosockets

import (
	"errors"
	"fmt"
)

// Protocol-level error kinds shared by hub and peers. Components wrap these
// with fmt.Errorf("...: %w") so callers can match them with errors.Is.
var (
	ErrDecode                  = errors.New("malformed frame")
	ErrChannelNotFound         = errors.New("channel not found")
	ErrSubscriberLimitExceeded = errors.New("subscriber limit exceeded")
	ErrHeartbeatTimeout        = errors.New("heartbeat timeout")
	ErrBadRequest              = errors.New("bad request")
	ErrUnrecognizedFrame       = errors.New("unrecognized frame")
)

// Error codes carried in the "error-code" field of *-result frames.
const (
	CodeChannelNotFound         = "channel-not-found"
	CodeSubscriberLimitExceeded = "subscriber-limit-exceeded"
	CodeBadRequest              = "bad-request"
	CodeInternal                = "internal"
)

// ErrorCode maps an error onto its wire code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrChannelNotFound):
		return CodeChannelNotFound
	case errors.Is(err, ErrSubscriberLimitExceeded):
		return CodeSubscriberLimitExceeded
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrDecode):
		return CodeBadRequest
	default:
		return CodeInternal
	}
}

// ErrorFromCode rebuilds an error from a failed *-result frame so that
// errors.Is works on the receiving side too.
func ErrorFromCode(code, msg string) error {
	var base error
	switch code {
	case CodeChannelNotFound:
		base = ErrChannelNotFound
	case CodeSubscriberLimitExceeded:
		base = ErrSubscriberLimitExceeded
	case CodeBadRequest:
		base = ErrBadRequest
	default:
		if msg == "" {
			msg = "unknown failure"
		}
		return errors.New(msg)
	}
	if msg == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, msg)
}

// DecodeError reports a frame that could not be decoded. It is isolated to
// that frame; the connection keeps reading.
type DecodeError struct {
	Format Format
	Size   int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s frame (%d bytes): %v", e.Format, e.Size, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrDecode, e.Err}
}
