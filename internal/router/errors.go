package router

import (
	"errors"
	"fmt"

	"medchat/pkg/types"
)

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrContentTooLong    = errors.New("content exceeds maximum length")
	ErrAttachmentFrame   = errors.New("attachments must be uploaded")
)

// ErrorKind classifies a failed frame.
type ErrorKind int

const (
	// KindProtocol is a malformed or rejected frame. The sender is told and
	// the connection stays open.
	KindProtocol ErrorKind = iota + 1
	// KindLookup is an unknown conversation or a sender outside it. Nothing
	// is written.
	KindLookup
	// KindPersistence is a store failure. It ends the connection.
	KindPersistence
)

func (k ErrorKind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindLookup:
		return "lookup"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// FrameError is returned by Route for every rejected frame.
type FrameError struct {
	Kind ErrorKind
	Code string
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error (%s): %s: %v", e.Kind, e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s error (%s): %s", e.Kind, e.Code, e.Msg)
}

func (e *FrameError) Unwrap() error { return e.Err }

// Fatal reports whether the connection must be closed.
func (e *FrameError) Fatal() bool { return e.Kind == KindPersistence }

// Frame is the error frame sent back to the sender.
func (e *FrameError) Frame() types.ErrorFrame {
	return types.NewErrorFrame(e.Code, e.Msg)
}

// IsFatal reports whether err should end the session. Errors that are not
// FrameErrors are treated as fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var fe *FrameError
	if errors.As(err, &fe) {
		return fe.Fatal()
	}
	return true
}

func protocolError(code, msg string, err error) *FrameError {
	return &FrameError{Kind: KindProtocol, Code: code, Msg: msg, Err: err}
}

func lookupError(err error) *FrameError {
	return &FrameError{Kind: KindLookup, Code: types.ErrorCodeConversationNotFound, Msg: "Conversation not found", Err: err}
}

func persistenceError(msg string, err error) *FrameError {
	return &FrameError{Kind: KindPersistence, Code: types.ErrorCodeInternal, Msg: msg, Err: err}
}
