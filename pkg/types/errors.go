package types

import "errors"

var (
	ErrMalformedFrame        = errors.New("frame is not a valid JSON object")
	ErrMissingFields         = errors.New("missing required fields: conversation_id, content")
	ErrUnsupportedFrame      = errors.New("unsupported frame type")
	ErrInvalidMessageType    = errors.New("message_type must be one of text, image, document, audio, video")
	ErrInvalidConversationID = errors.New("conversation id must be positive")
	ErrInvalidUserID         = errors.New("user id must be positive")
	ErrMissingFileURL        = errors.New("file messages require a file url")
	ErrSameParticipant       = errors.New("patient and doctor must be different users")
)
