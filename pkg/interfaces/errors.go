package interfaces

import "errors"

// Common collaborator errors used across components
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrUnauthenticated      = errors.New("unauthenticated")
	ErrForbidden            = errors.New("forbidden")

	// ErrChannelClosed is returned by Receive once the peer or the server
	// has closed the channel in an orderly way.
	ErrChannelClosed = errors.New("channel closed")
)
