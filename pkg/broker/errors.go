package broker

import (
	"errors"

	"github.com/lightforgemedia/go-wshub/pkg/ergosockets"
)

// Channel failures are returned to peers as failed *-result frames.
var (
	ErrChannelNotFound         = ergosockets.ErrChannelNotFound
	ErrSubscriberLimitExceeded = ergosockets.ErrSubscriberLimitExceeded
	ErrHeartbeatTimeout        = ergosockets.ErrHeartbeatTimeout
)

var (
	ErrChannelExists      = errors.New("channel already exists")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrDuplicateConnID    = errors.New("duplicate connection id")
	ErrShuttingDown       = errors.New("broker is shutting down")
	ErrSlowConsumer       = errors.New("too many dropped messages")
	ErrNoHandler          = errors.New("no handler for method")
)
