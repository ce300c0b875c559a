package client

import "errors"

var (
	// ErrConnectFailed reports a socket-level failure to establish a connection,
	// including a handshake that never produced a welcome frame.
	ErrConnectFailed = errors.New("connect failed")
	// ErrReconnectExhausted is the terminal cause of the failed state.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrInvalidState rejects an operation that is not valid in the current state.
	ErrInvalidState = errors.New("invalid client state")
	// ErrNotOpen rejects network operations while no session is open.
	ErrNotOpen = errors.New("client not open")
	// ErrClientClosed rejects every operation after Close.
	ErrClientClosed = errors.New("client closed")
	// ErrConnectionLost settles requests still pending when the session drops.
	ErrConnectionLost = errors.New("connection lost")
)
