package router

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"medchat/internal/hub"
	"medchat/pkg/interfaces"
	"medchat/pkg/types"
)

// Publisher fans an encoded frame out to a set of users.
type Publisher interface {
	Publish(ctx context.Context, payload any, users []types.UserID) (*hub.Report, error)
}

type Config struct {
	MaxContentLength int
	RateLimit        int
	RateWindow       time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxContentLength: 4000,
		RateLimit:        100,
		RateWindow:       time.Minute,
	}
}

// Router turns one inbound frame into a persisted message and its delivery.
type Router struct {
	store       interfaces.MessageStore
	publisher   Publisher
	rateLimiter *RateLimiter
	cfg         Config
	log         *zap.Logger
}

func New(store interfaces.MessageStore, publisher Publisher, cfg Config, log *zap.Logger) *Router {
	return &Router{
		store:       store,
		publisher:   publisher,
		rateLimiter: NewRateLimiter(cfg.RateLimit, cfg.RateWindow),
		cfg:         cfg,
		log:         log.Named("router"),
	}
}

// Route validates raw, persists it as a message from sender and pushes the
// result to both participants. Every failure is a *FrameError.
//
// The counterpart is resolved before anything is written, so a frame for an
// unknown conversation never reaches the store. Delivery only starts after
// the write has committed.
func (r *Router) Route(ctx context.Context, sender types.Identity, raw []byte) (*types.Message, error) {
	frame, err := types.DecodeInboundFrame(raw)
	switch {
	case errors.Is(err, types.ErrMalformedFrame):
		return nil, protocolError(types.ErrorCodeInvalidFrame, "Invalid message format", err)
	case errors.Is(err, types.ErrMissingFields):
		return nil, protocolError(types.ErrorCodeMissingFields, "Missing required fields: conversation_id, content", err)
	case err != nil:
		return nil, protocolError(types.ErrorCodeInvalidFrame, err.Error(), err)
	}

	msgType, err := types.ParseMessageType(frame.MessageType)
	if err != nil {
		return nil, protocolError(types.ErrorCodeInvalidFrame, err.Error(), err)
	}
	if msgType != types.MessageTypeText {
		return nil, protocolError(types.ErrorCodeInvalidFrame,
			"Attachments are sent through the upload endpoint", ErrAttachmentFrame)
	}
	if n := utf8.RuneCountInString(*frame.Content); n > r.cfg.MaxContentLength {
		return nil, protocolError(types.ErrorCodeContentTooLong,
			fmt.Sprintf("Content exceeds %d characters", r.cfg.MaxContentLength), ErrContentTooLong)
	}

	newMsg := &types.NewMessage{
		ConversationID: types.ConversationID(*frame.ConversationID),
		SenderID:       sender.ID,
		Content:        *frame.Content,
		Type:           msgType,
	}
	if err := newMsg.Validate(); err != nil {
		if errors.Is(err, types.ErrInvalidConversationID) {
			return nil, lookupError(err)
		}
		return nil, protocolError(types.ErrorCodeInvalidFrame, err.Error(), err)
	}

	if !r.rateLimiter.Allow(sender.ID) {
		return nil, protocolError(types.ErrorCodeRateLimited, "Too many messages, slow down", ErrRateLimitExceeded)
	}

	counterpart, err := r.store.GetConversationCounterpart(ctx, newMsg.ConversationID, sender.ID)
	if err != nil {
		if errors.Is(err, interfaces.ErrConversationNotFound) {
			return nil, lookupError(err)
		}
		return nil, persistenceError("Failed to load conversation", err)
	}

	msg, err := r.store.CreateMessage(ctx, newMsg)
	if err != nil {
		return nil, persistenceError("Failed to save message", err)
	}

	r.Announce(ctx, msg, sender.DisplayName(), counterpart)
	return msg, nil
}

// Announce pushes a persisted message to its sender's and the counterpart's
// live channels. Offline participants are not an error.
func (r *Router) Announce(ctx context.Context, msg *types.Message, senderName string, counterpart types.UserID) *hub.Report {
	report, err := r.publisher.Publish(ctx, types.NewMessageFrameFor(msg, senderName), []types.UserID{msg.SenderID, counterpart})
	if err != nil {
		r.log.Error("failed to publish message",
			zap.Int64("message_id", int64(msg.ID)),
			zap.Error(err))
		return nil
	}

	fields := []zap.Field{
		zap.Int64("message_id", int64(msg.ID)),
		zap.Int64("conversation_id", int64(msg.ConversationID)),
		zap.Int("sent", report.Sent()),
		zap.Int("failed", report.Failed()),
	}
	if outcome, ok := report.Outcome(counterpart); ok {
		fields = append(fields, zap.String("recipient_status", string(outcome.Status)))
	}
	r.log.Debug("message delivered", fields...)
	return report
}

// Run prunes idle rate limiter entries until ctx is done.
func (r *Router) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.RateWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.rateLimiter.Cleanup(); n > 0 {
				r.log.Debug("rate limiter cleanup", zap.Int("removed", n))
			}
		}
	}
}
