package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"medchat/internal/filestore"
	"medchat/pkg/interfaces"
	"medchat/pkg/types"
)

// multipart overhead allowed on top of the file itself
const uploadFormSlack = 1 << 20

type CreateConversationRequest struct {
	PatientID int64 `json:"patient_id" validate:"required,gt=0"`
	DoctorID  int64 `json:"doctor_id" validate:"required,gt=0,nefield=PatientID"`
}

type ConversationResponse struct {
	Conversation *types.Conversation `json:"conversation"`
	Created      bool                `json:"created"`
}

type StatusResponse struct {
	Status  string `json:"status"`
	Updated int64  `json:"updated"`
}

type UploadResponse struct {
	Success  bool              `json:"success"`
	Message  types.MessageView `json:"message"`
	FileInfo *types.StoredFile `json:"file_info"`
}

// GET /chat/conversations
func (s *Server) listConversations(w http.ResponseWriter, r *http.Request, caller types.Identity) {
	conversations, err := s.deps.Store.ListConversations(r.Context(), caller.ID)
	if err != nil {
		s.log.Error("failed to list conversations", zap.Stringer("user", caller.ID), zap.Error(err))
		s.sendError(w, "Failed to list conversations", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, conversations)
}

// POST /chat/conversations returns 201 when the pair is new and 200 when it
// already had a conversation.
func (s *Server) createConversation(w http.ResponseWriter, r *http.Request, caller types.Identity) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.sendError(w, "patient_id and doctor_id must be two different positive ids", http.StatusBadRequest)
		return
	}

	patient, doctor := types.UserID(req.PatientID), types.UserID(req.DoctorID)
	if caller.ID != patient && caller.ID != doctor {
		s.sendError(w, "You can only open conversations you take part in", http.StatusForbidden)
		return
	}

	conv, created, err := s.deps.Store.GetOrCreateConversation(r.Context(), patient, doctor)
	if err != nil {
		s.log.Error("failed to create conversation", zap.Error(err))
		s.sendError(w, "Failed to create conversation", http.StatusInternalServerError)
		return
	}

	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	s.writeJSON(w, code, ConversationResponse{Conversation: conv, Created: created})
}

// GET /chat/conversations/{id}/messages?limit=50&offset=0
func (s *Server) getMessages(w http.ResponseWriter, r *http.Request, caller types.Identity) {
	conv, ok := s.participantConversation(w, r, caller)
	if !ok {
		return
	}

	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		s.sendError(w, "limit must be a number", http.StatusBadRequest)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.sendError(w, "offset must be a number", http.StatusBadRequest)
		return
	}

	messages, err := s.deps.Store.GetMessages(r.Context(), conv.ID, caller.ID, limit, offset)
	if err != nil {
		s.storeError(w, "Failed to load messages", err)
		return
	}

	names := s.participantNames(r, conv)
	views := make([]types.MessageView, 0, len(messages))
	for _, msg := range messages {
		views = append(views, types.NewMessageView(msg, names[msg.SenderID]))
	}
	s.writeJSON(w, http.StatusOK, views)
}

// POST /chat/conversations/{id}/read
func (s *Server) markRead(w http.ResponseWriter, r *http.Request, caller types.Identity) {
	conv, ok := s.participantConversation(w, r, caller)
	if !ok {
		return
	}

	updated, err := s.deps.Store.MarkRead(r.Context(), conv.ID, caller.ID)
	if err != nil {
		s.storeError(w, "Failed to mark messages read", err)
		return
	}
	s.writeJSON(w, http.StatusOK, StatusResponse{Status: "success", Updated: updated})
}

// POST /chat/upload stores the file, records it as a message and announces
// it to both participants like a socket message.
func (s *Server) uploadFile(w http.ResponseWriter, r *http.Request, caller types.Identity) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadSize+uploadFormSlack)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendError(w, "File is too large", http.StatusRequestEntityTooLarge)
			return
		}
		s.sendError(w, "Invalid multipart form", http.StatusBadRequest)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	conversationID, err := strconv.ParseInt(r.FormValue("conversation_id"), 10, 64)
	if err != nil || conversationID <= 0 {
		s.sendError(w, "conversation_id is required", http.StatusBadRequest)
		return
	}
	conv, ok := s.lookupConversation(w, r, types.ConversationID(conversationID), caller)
	if !ok {
		return
	}
	counterpart, _ := conv.Counterpart(caller.ID)

	file, header, err := r.FormFile("file")
	if err != nil {
		s.sendError(w, "file is required", http.StatusBadRequest)
		return
	}
	defer func() { _ = file.Close() }()

	stored, err := s.deps.Files.Save(r.Context(), header.Filename, file)
	switch {
	case errors.Is(err, filestore.ErrFileTooLarge):
		s.sendError(w, "File is too large", http.StatusRequestEntityTooLarge)
		return
	case errors.Is(err, filestore.ErrUnsupportedType):
		s.sendError(w, err.Error(), http.StatusUnsupportedMediaType)
		return
	case errors.Is(err, filestore.ErrEmptyFile):
		s.sendError(w, "File is empty", http.StatusBadRequest)
		return
	case err != nil:
		s.log.Error("failed to store upload", zap.Error(err))
		s.sendError(w, "Failed to store file", http.StatusInternalServerError)
		return
	}

	msg, err := s.deps.Store.CreateMessage(r.Context(), &types.NewMessage{
		ConversationID: conv.ID,
		SenderID:       caller.ID,
		Content:        stored.OriginalName,
		Type:           stored.Category,
		FileURL:        &stored.URL,
	})
	if err != nil {
		if delErr := s.deps.Files.Delete(stored.URL); delErr != nil {
			s.log.Warn("failed to remove orphaned upload", zap.String("url", stored.URL), zap.Error(delErr))
		}
		s.log.Error("failed to save file message", zap.Error(err))
		s.sendError(w, "Failed to save message", http.StatusInternalServerError)
		return
	}

	s.deps.Announcer.Announce(r.Context(), msg, caller.DisplayName(), counterpart)
	s.writeJSON(w, http.StatusCreated, UploadResponse{
		Success:  true,
		Message:  types.NewMessageView(msg, caller.DisplayName()),
		FileInfo: stored,
	})
}

// GET /chat/files/{name}
func (s *Server) downloadFile(w http.ResponseWriter, r *http.Request, _ types.Identity) {
	name := r.PathValue("name")
	f, contentType, err := s.deps.Files.Open(name)
	switch {
	case errors.Is(err, filestore.ErrInvalidName):
		s.sendError(w, "Invalid file name", http.StatusBadRequest)
		return
	case errors.Is(err, filestore.ErrFileNotFound):
		s.sendError(w, "File not found", http.StatusNotFound)
		return
	case err != nil:
		s.log.Error("failed to open file", zap.String("name", name), zap.Error(err))
		s.sendError(w, "Failed to read file", http.StatusInternalServerError)
		return
	}
	defer func() { _ = f.Close() }()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(w, r, name, time.Time{}, f)
}

// DELETE /chat/messages/{id} removes the caller's own message and its
// attachment.
func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request, caller types.Identity) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.sendError(w, "Invalid message id", http.StatusBadRequest)
		return
	}

	deleted, err := s.deps.Store.DeleteMessage(r.Context(), types.MessageID(id), caller.ID)
	if err != nil {
		s.storeError(w, "Failed to delete message", err)
		return
	}
	if deleted.FileURL != nil {
		s.removeAttachment(r, *deleted.FileURL)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": deleted.ID})
}

// removeAttachment deletes the stored file once no message refers to it.
func (s *Server) removeAttachment(r *http.Request, url string) {
	shared, err := s.deps.Store.FileReferenced(r.Context(), url)
	if err != nil {
		s.log.Warn("failed to check attachment references", zap.String("url", url), zap.Error(err))
		return
	}
	if shared {
		s.log.Debug("attachment still referenced", zap.String("url", url))
		return
	}
	if err := s.deps.Files.Delete(url); err != nil {
		s.log.Warn("failed to remove attachment", zap.String("url", url), zap.Error(err))
	}
}

// participantConversation loads the {id} conversation and checks the caller
// takes part in it, writing the error response when not.
func (s *Server) participantConversation(w http.ResponseWriter, r *http.Request, caller types.Identity) (*types.Conversation, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.sendError(w, "Invalid conversation id", http.StatusBadRequest)
		return nil, false
	}
	return s.lookupConversation(w, r, types.ConversationID(id), caller)
}

func (s *Server) lookupConversation(w http.ResponseWriter, r *http.Request, id types.ConversationID, caller types.Identity) (*types.Conversation, bool) {
	conv, err := s.deps.Store.GetConversation(r.Context(), id)
	if err != nil {
		s.storeError(w, "Failed to load conversation", err)
		return nil, false
	}
	if _, ok := conv.Counterpart(caller.ID); !ok {
		s.sendError(w, "Access denied", http.StatusForbidden)
		return nil, false
	}
	return conv, true
}

func (s *Server) participantNames(r *http.Request, conv *types.Conversation) map[types.UserID]string {
	names := make(map[types.UserID]string, 2)
	for _, id := range []types.UserID{conv.PatientID, conv.DoctorID} {
		name, err := s.deps.Store.UserName(r.Context(), id)
		if err != nil {
			s.log.Warn("name lookup failed", zap.Stringer("user", id), zap.Error(err))
		}
		names[id] = types.Identity{ID: id, Name: name}.DisplayName()
	}
	return names
}

// storeError maps store sentinels onto status codes.
func (s *Server) storeError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, interfaces.ErrConversationNotFound):
		s.sendError(w, "Conversation not found", http.StatusNotFound)
	case errors.Is(err, interfaces.ErrMessageNotFound):
		s.sendError(w, "Message not found", http.StatusNotFound)
	case errors.Is(err, interfaces.ErrForbidden):
		s.sendError(w, "Access denied", http.StatusForbidden)
	default:
		s.log.Error(message, zap.Error(err))
		s.sendError(w, message, http.StatusInternalServerError)
	}
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
