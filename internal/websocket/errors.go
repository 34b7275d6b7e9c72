package websocket

import "errors"

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write queue full, peer too slow")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)
