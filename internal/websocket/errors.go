package websocket

import "errors"

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrInvalidJSON      = errors.New("failed to marshal JSON")
	ErrWriteTimeout     = errors.New("write timeout")
)
