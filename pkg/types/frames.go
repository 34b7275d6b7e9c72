package types

import "time"

// InboundFrame is what a client sends over the socket. Pointers distinguish
// an absent field from a zero value. There is no file reference: attachments
// only enter through the upload endpoint.
type InboundFrame struct {
	Type           string  `json:"type,omitempty" validate:"omitempty,eq=new_message"`
	ConversationID *int64  `json:"conversation_id" validate:"required"`
	Content        *string `json:"content" validate:"required"`
	MessageType    string  `json:"message_type,omitempty" validate:"omitempty,oneof=text image document audio video"`
}

// MessageView is the persisted message as pushed to clients.
type MessageView struct {
	ID             MessageID      `json:"id"`
	ConversationID ConversationID `json:"conversation_id"`
	SenderID       UserID         `json:"sender_id"`
	SenderName     string         `json:"sender_name"`
	Content        string         `json:"content"`
	Type           MessageType    `json:"message_type"`
	FileURL        *string        `json:"file_url"`
	IsRead         bool           `json:"is_read"`
	CreatedAt      time.Time      `json:"created_at"`
}

// NewMessageView decorates a stored message with the sender's name.
func NewMessageView(m *Message, senderName string) MessageView {
	return MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     senderName,
		Content:        m.Content,
		Type:           m.Type,
		FileURL:        m.FileURL,
		IsRead:         m.IsRead,
		CreatedAt:      m.CreatedAt,
	}
}

// NewMessageFrame announces a persisted message.
type NewMessageFrame struct {
	Type    string      `json:"type"`
	Message MessageView `json:"message"`
}

func NewMessageFrameFor(m *Message, senderName string) NewMessageFrame {
	return NewMessageFrame{Type: FrameTypeNewMessage, Message: NewMessageView(m, senderName)}
}

// Error codes carried by ErrorFrame.
const (
	ErrorCodeInvalidFrame         = "invalid_frame"
	ErrorCodeMissingFields        = "missing_fields"
	ErrorCodeRateLimited          = "rate_limited"
	ErrorCodeConversationNotFound = "conversation_not_found"
	ErrorCodeContentTooLong       = "content_too_long"
	ErrorCodeInternal             = "internal_error"
)

// ErrorFrame reports a recoverable problem to the sender. The connection
// stays open.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewErrorFrame(code, message string) ErrorFrame {
	return ErrorFrame{Type: FrameTypeError, Code: code, Message: message}
}
