package interfaces

import (
	"context"

	"medchat/pkg/types"
)

// MessageStore persists conversations and messages.
type MessageStore interface {
	// CreateMessage stores a message with is_read=false and bumps the
	// conversation's last activity. The write is atomic.
	CreateMessage(ctx context.Context, msg *types.NewMessage) (*types.Message, error)

	// MarkRead flips every unread message in the conversation not sent by
	// reader and returns how many rows changed.
	MarkRead(ctx context.Context, conversationID types.ConversationID, reader types.UserID) (int64, error)

	// GetConversationCounterpart returns the other participant. It returns
	// ErrConversationNotFound when the conversation does not exist or the
	// requester is not part of it.
	GetConversationCounterpart(ctx context.Context, conversationID types.ConversationID, requester types.UserID) (types.UserID, error)

	GetConversation(ctx context.Context, conversationID types.ConversationID) (*types.Conversation, error)

	// GetOrCreateConversation returns the pair's conversation and whether it
	// was created by this call.
	GetOrCreateConversation(ctx context.Context, patientID, doctorID types.UserID) (*types.Conversation, bool, error)

	ListConversations(ctx context.Context, user types.UserID) ([]*types.ConversationSummary, error)

	// GetMessages returns the conversation history in creation order.
	GetMessages(ctx context.Context, conversationID types.ConversationID, requester types.UserID, limit, offset int) ([]*types.Message, error)

	// DeleteMessage removes a message sent by sender and returns the deleted
	// row. ErrMessageNotFound covers both absence and foreign ownership.
	DeleteMessage(ctx context.Context, messageID types.MessageID, sender types.UserID) (*types.Message, error)

	// FileReferenced reports whether any message still points at fileURL.
	FileReferenced(ctx context.Context, fileURL string) (bool, error)

	// UserName returns the display name, or "" when the user is unknown.
	UserName(ctx context.Context, user types.UserID) (string, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
