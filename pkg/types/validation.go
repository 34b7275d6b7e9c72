package types

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// DecodeInboundFrame parses and validates a raw socket frame.
// ErrMalformedFrame means the bytes were not a JSON object,
// ErrMissingFields that conversation_id or content was absent.
func DecodeInboundFrame(raw []byte) (*InboundFrame, error) {
	var frame InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, ErrMalformedFrame
	}
	if err := validate.Struct(&frame); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				if fe.Tag() == "required" {
					return nil, ErrMissingFields
				}
			}
			for _, fe := range verrs {
				if fe.Field() == "MessageType" {
					return nil, ErrInvalidMessageType
				}
			}
		}
		return nil, ErrUnsupportedFrame
	}
	return &frame, nil
}

// Validate checks a store input before it is written.
func (m *NewMessage) Validate() error {
	if m.ConversationID <= 0 {
		return ErrInvalidConversationID
	}
	if m.SenderID <= 0 {
		return ErrInvalidUserID
	}
	if !m.Type.Valid() {
		return ErrInvalidMessageType
	}
	if m.Type != MessageTypeText && (m.FileURL == nil || strings.TrimSpace(*m.FileURL) == "") {
		return ErrMissingFileURL
	}
	return nil
}

// IsValidUserID reports whether id can reference a user row.
func IsValidUserID(id UserID) bool { return id > 0 }
