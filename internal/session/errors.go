package session

import "errors"

var ErrSessionClosed = errors.New("session closed before it became active")
