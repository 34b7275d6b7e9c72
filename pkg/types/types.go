package types

import (
	"mime"
	"strconv"
	"strings"
	"time"
)

// Identifiers are the numeric keys of the relational schema. The messaging
// core only references them.
type (
	UserID         int64
	ConversationID int64
	MessageID      int64
)

func (id UserID) String() string { return strconv.FormatInt(int64(id), 10) }

// MessageType is the closed set of message kinds a conversation carries.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeDocument MessageType = "document"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeVideo    MessageType = "video"
)

// Frame type tags exchanged over the duplex channel.
const (
	FrameTypeNewMessage = "new_message"
	FrameTypeError      = "error"
)

// Identity is the resolved owner of a connection or request.
type Identity struct {
	ID   UserID `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

// DisplayName returns the name shown to the other participant.
func (i Identity) DisplayName() string {
	if i.Name != "" {
		return i.Name
	}
	return "User " + i.ID.String()
}

// Conversation is the patient/doctor pair. There is at most one per pair.
type Conversation struct {
	ID            ConversationID `json:"id"`
	PatientID     UserID         `json:"patient_id"`
	DoctorID      UserID         `json:"doctor_id"`
	CreatedAt     time.Time      `json:"created_at"`
	LastMessageAt *time.Time     `json:"last_message_at,omitempty"`
}

// Counterpart returns the other participant, or false when user is not part
// of the conversation.
func (c *Conversation) Counterpart(user UserID) (UserID, bool) {
	switch user {
	case c.PatientID:
		return c.DoctorID, true
	case c.DoctorID:
		return c.PatientID, true
	default:
		return 0, false
	}
}

// ConversationSummary is one row of a user's conversation list.
type ConversationSummary struct {
	ID            ConversationID `json:"id"`
	PatientID     UserID         `json:"patient_id"`
	DoctorID      UserID         `json:"doctor_id"`
	PatientName   string         `json:"patient_name"`
	DoctorName    string         `json:"doctor_name"`
	LastMessage   *string        `json:"last_message,omitempty"`
	LastMessageAt *time.Time     `json:"last_message_at,omitempty"`
	UnreadCount   int            `json:"unread_count"`
}

// Message is immutable after creation except for IsRead.
type Message struct {
	ID             MessageID      `json:"id"`
	ConversationID ConversationID `json:"conversation_id"`
	SenderID       UserID         `json:"sender_id"`
	Content        string         `json:"content"`
	Type           MessageType    `json:"message_type"`
	FileURL        *string        `json:"file_url"`
	IsRead         bool           `json:"is_read"`
	CreatedAt      time.Time      `json:"created_at"`
}

// NewMessage is the store input for CreateMessage.
type NewMessage struct {
	ConversationID ConversationID
	SenderID       UserID
	Content        string
	Type           MessageType
	FileURL        *string
}

// StoredFile describes an accepted upload.
type StoredFile struct {
	Name         string      `json:"filename"`
	OriginalName string      `json:"original_name"`
	URL          string      `json:"url"`
	Size         int64       `json:"size"`
	MIMEType     string      `json:"mime_type"`
	Category     MessageType `json:"category"`
}

// ParseMessageType maps the wire value to a MessageType. The empty string
// means text.
func ParseMessageType(s string) (MessageType, error) {
	if s == "" {
		return MessageTypeText, nil
	}
	mt := MessageType(s)
	if !mt.Valid() {
		return "", ErrInvalidMessageType
	}
	return mt, nil
}

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeDocument, MessageTypeAudio, MessageTypeVideo:
		return true
	default:
		return false
	}
}

// CategoryForMIME picks the message type for an uploaded file.
func CategoryForMIME(mimeType string) MessageType {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return MessageTypeDocument
	}
	switch {
	case strings.HasPrefix(mt, "image/"):
		return MessageTypeImage
	case strings.HasPrefix(mt, "audio/"):
		return MessageTypeAudio
	case strings.HasPrefix(mt, "video/"):
		return MessageTypeVideo
	default:
		return MessageTypeDocument
	}
}
