package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"worldchat/internal/auth"
	"worldchat/internal/realtime"
	"worldchat/internal/storage"
)

type signupRequest struct {
	Username  string   `json:"username" validate:"required,min=2,max=32"`
	Email     string   `json:"email" validate:"required,email"`
	Password  string   `json:"password" validate:"required"`
	UserType  string   `json:"userType" validate:"required,oneof=student teacher"`
	Languages []string `json:"languages" validate:"required,min=1,dive,required,max=16"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type authResponse struct {
	Token     string        `json:"token"`
	User      *storage.User `json:"user"`
	ExpiresAt time.Time     `json:"expiresAt"`
}

type passwordChangeRequest struct {
	Current string `json:"currentPassword" validate:"required"`
	New     string `json:"newPassword" validate:"required"`
}

type statusRequest struct {
	Status   string `json:"status" validate:"required,oneof=online offline busy away"`
	IsManual bool   `json:"isManual"`
}

type messageRequest struct {
	Content string `json:"content" validate:"required,max=4000"`
}

type contactRequest struct {
	UserID         int64  `json:"userId" validate:"required"`
	ConversationID *int64 `json:"conversationId"`
}

type contactStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=Pending Accepted Blocked"`
}

type matchRequest struct {
	Language string `json:"language" validate:"required,max=16"`
	UserType string `json:"userType" validate:"omitempty,oneof=student teacher"`
}

type matchResponse struct {
	ConversationID int64                 `json:"conversationId"`
	Conversation   *storage.Conversation `json:"conversation"`
	MatchedUser    realtime.UserSummary  `json:"matchedUser"`
}

var (
	errForbidden      = errors.New("forbidden")
	errUserNotFound   = errors.New("user not found")
	errConversation   = errors.New("conversation not found")
	errMessageMissing = errors.New("message not found")
	errContactMissing = errors.New("contact not found")
	errInternal       = errors.New("internal server error")
)

func (s *Server) HandleSignup(w http.ResponseWriter, r *http.Request) {
	if throttled(w, s.authLimiter, s.clientIP(r)) {
		return
	}
	var req signupRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := auth.CheckPassword(req.Password); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.internalError(w, "hash password", err)
		return
	}
	languages := lo.Uniq(lo.Map(req.Languages, func(l string, _ int) string {
		return strings.ToLower(strings.TrimSpace(l))
	}))
	id, err := s.store.CreateUser(r.Context(), storage.NewUser{
		Username:     strings.TrimSpace(req.Username),
		Email:        strings.TrimSpace(req.Email),
		PasswordHash: hash,
		Type:         req.UserType,
		Languages:    languages,
	})
	if err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			writeError(w, http.StatusConflict, errors.New("email already registered"))
			return
		}
		s.internalError(w, "create user", err)
		return
	}
	user, err := s.store.GetUserByID(r.Context(), id)
	if err != nil || user == nil {
		s.internalError(w, "load new user", err)
		return
	}
	token, expiresAt, err := s.issuer.Issue(user.ID, user.Username, user.Type)
	if err != nil {
		s.internalError(w, "issue token", err)
		return
	}
	s.metrics.IncSignup()
	s.logger.Info("User signed up", "user_id", user.ID, "type", user.Type)
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: user, ExpiresAt: expiresAt})
}

func (s *Server) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if throttled(w, s.authLimiter, s.clientIP(r)) {
		return
	}
	var req loginRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	user, err := s.store.GetUserByEmail(r.Context(), strings.TrimSpace(req.Email))
	if err != nil {
		s.internalError(w, "load user", err)
		return
	}
	if user == nil || !auth.ComparePassword(user.PasswordHash, req.Password) {
		writeError(w, http.StatusUnauthorized, errors.New("invalid credentials"))
		return
	}
	token, expiresAt, err := s.issuer.Issue(user.ID, user.Username, user.Type)
	if err != nil {
		s.internalError(w, "issue token", err)
		return
	}
	s.metrics.IncLogin()
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user, ExpiresAt: expiresAt})
}

func (s *Server) HandlePasswordChange(w http.ResponseWriter, r *http.Request) {
	claims := caller(r)
	var req passwordChangeRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := auth.CheckPassword(req.New); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	user, err := s.store.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		s.internalError(w, "load user", err)
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, errUserNotFound)
		return
	}
	if !auth.ComparePassword(user.PasswordHash, req.Current) {
		writeError(w, http.StatusUnauthorized, errors.New("current password incorrect"))
		return
	}
	hash, err := auth.HashPassword(req.New)
	if err != nil {
		s.internalError(w, "hash password", err)
		return
	}
	if err := s.store.UpdatePassword(r.Context(), claims.UserID, hash); err != nil {
		s.internalError(w, "update password", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	user, err := s.store.GetUserByID(r.Context(), id)
	if err != nil {
		s.internalError(w, "load user", err)
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, errUserNotFound)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	language := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("language")))
	if language == "" {
		writeError(w, http.StatusBadRequest, errors.New("language query parameter required"))
		return
	}
	users, err := s.store.ListUsersByLanguage(r.Context(), language)
	if err != nil {
		s.internalError(w, "list users", err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Ternary(users == nil, []storage.User{}, users))
}

// HandleUpdateStatus routes the change through the hub so connected clients
// see it and the pin rules apply.
func (s *Server) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if id != caller(r).UserID {
		writeError(w, http.StatusForbidden, errForbidden)
		return
	}
	var req statusRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	change, err := s.hub.SetStatus(r.Context(), id, req.Status, req.IsManual)
	if err != nil {
		if errors.Is(err, realtime.ErrValidation) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		s.internalError(w, "set status", err)
		return
	}
	writeJSON(w, http.StatusOK, change)
}

func (s *Server) HandleListConversations(w http.ResponseWriter, r *http.Request) {
	conversations, err := s.store.ListConversationsByUser(r.Context(), caller(r).UserID)
	if err != nil {
		s.internalError(w, "list conversations", err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Ternary(conversations == nil, []storage.Conversation{}, conversations))
}

func (s *Server) HandleGetConversation(w http.ResponseWriter, r *http.Request) {
	conversation, ok := s.involvedConversation(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, conversation)
}

func (s *Server) HandleEndConversation(w http.ResponseWriter, r *http.Request) {
	conversation, ok := s.involvedConversation(w, r)
	if !ok {
		return
	}
	ended, err := s.store.EndConversation(r.Context(), conversation.ID)
	if err != nil {
		s.internalError(w, "end conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, ended)
}

// HandleDeleteConversation removes the conversation with its messages and
// images, then evicts whoever is still in its room.
func (s *Server) HandleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	conversation, ok := s.involvedConversation(w, r)
	if !ok {
		return
	}
	paths, err := s.store.DeleteConversation(r.Context(), conversation.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, errConversation)
			return
		}
		s.internalError(w, "delete conversation", err)
		return
	}
	s.removeImageFiles(paths)
	if err := s.hub.DissolveConversation(r.Context(), conversation.ID); err != nil {
		s.logger.Warn("Failed to dissolve room", "conversation_id", conversation.ID, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	conversation, ok := s.involvedConversation(w, r)
	if !ok {
		return
	}
	messages, err := s.store.ListMessages(r.Context(), conversation.ID)
	if err != nil {
		s.internalError(w, "list messages", err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Ternary(messages == nil, []storage.Message{}, messages))
}

func (s *Server) HandleCreateMessage(w http.ResponseWriter, r *http.Request) {
	conversation, ok := s.involvedConversation(w, r)
	if !ok {
		return
	}
	if conversation.Status == storage.ConversationEnded {
		writeError(w, http.StatusConflict, errors.New("conversation has ended"))
		return
	}
	var req messageRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	message, err := s.store.CreateMessage(r.Context(), conversation.ID, caller(r).UserID, req.Content)
	if err != nil {
		s.internalError(w, "create message", err)
		return
	}
	writeJSON(w, http.StatusCreated, message)
}

func (s *Server) HandleUpdateMessage(w http.ResponseWriter, r *http.Request) {
	message, ok := s.ownMessage(w, r)
	if !ok {
		return
	}
	var req messageRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	updated, err := s.store.UpdateMessage(r.Context(), message.ID, req.Content)
	if err != nil {
		s.internalError(w, "update message", err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) HandleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	message, ok := s.ownMessage(w, r)
	if !ok {
		return
	}
	paths, err := s.store.DeleteMessage(r.Context(), message.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, errMessageMissing)
			return
		}
		s.internalError(w, "delete message", err)
		return
	}
	s.removeImageFiles(paths)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleListContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := s.store.ListContacts(r.Context(), caller(r).UserID)
	if err != nil {
		s.internalError(w, "list contacts", err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Ternary(contacts == nil, []storage.Contact{}, contacts))
}

func (s *Server) HandleCreateContact(w http.ResponseWriter, r *http.Request) {
	claims := caller(r)
	var req contactRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == claims.UserID {
		writeError(w, http.StatusBadRequest, errors.New("cannot add yourself as a contact"))
		return
	}
	other, err := s.store.GetUserByID(r.Context(), req.UserID)
	if err != nil {
		s.internalError(w, "load user", err)
		return
	}
	if other == nil {
		writeError(w, http.StatusNotFound, errUserNotFound)
		return
	}
	contact, err := s.store.CreateContact(r.Context(), claims.UserID, req.UserID, req.ConversationID)
	if err != nil {
		if errors.Is(err, storage.ErrContactExists) {
			writeError(w, http.StatusConflict, err)
			return
		}
		s.internalError(w, "create contact", err)
		return
	}
	writeJSON(w, http.StatusCreated, contact)
}

func (s *Server) HandleUpdateContact(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req contactStatusRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	contact, err := s.store.GetContact(r.Context(), id)
	if err != nil {
		s.internalError(w, "load contact", err)
		return
	}
	if contact == nil {
		writeError(w, http.StatusNotFound, errContactMissing)
		return
	}
	userID := caller(r).UserID
	if contact.UserID1 != userID && contact.UserID2 != userID {
		writeError(w, http.StatusForbidden, errForbidden)
		return
	}
	updated, err := s.store.UpdateContactStatus(r.Context(), id, req.Status)
	if err != nil {
		s.internalError(w, "update contact", err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) HandleRoomExists(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	if room == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}
	id := realtime.RoomID(room)
	if conversationID, err := strconv.ParseInt(room, 10, 64); err == nil {
		id = realtime.RoomFor(conversationID)
	}
	exists, err := s.hub.RoomExists(r.Context(), id)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	if exists {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}
	http.Error(w, "not found", http.StatusNotFound)
}

// involvedConversation loads the {id} conversation and checks the caller takes part in it.
func (s *Server) involvedConversation(w http.ResponseWriter, r *http.Request) (*storage.Conversation, bool) {
	id, ok := pathID(w, r)
	if !ok {
		return nil, false
	}
	conversation, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		s.internalError(w, "load conversation", err)
		return nil, false
	}
	if conversation == nil {
		writeError(w, http.StatusNotFound, errConversation)
		return nil, false
	}
	if !conversation.Involves(caller(r).UserID) {
		writeError(w, http.StatusForbidden, errForbidden)
		return nil, false
	}
	return conversation, true
}

// ownMessage loads the {id} message and checks the caller sent it.
func (s *Server) ownMessage(w http.ResponseWriter, r *http.Request) (*storage.Message, bool) {
	id, ok := pathID(w, r)
	if !ok {
		return nil, false
	}
	message, err := s.store.GetMessage(r.Context(), id)
	if err != nil {
		s.internalError(w, "load message", err)
		return nil, false
	}
	if message == nil {
		writeError(w, http.StatusNotFound, errMessageMissing)
		return nil, false
	}
	if message.SenderID != caller(r).UserID {
		writeError(w, http.StatusForbidden, errForbidden)
		return nil, false
	}
	return message, true
}

func (s *Server) removeImageFiles(paths []string) {
	for _, path := range paths {
		full, ok := s.uploadPath(path)
		if !ok {
			continue
		}
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to remove image file", "path", path, "error", err)
		}
	}
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("Request failed", "op", op, "error", err)
	writeError(w, http.StatusInternalServerError, errInternal)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("invalid id"))
		return 0, false
	}
	return id, true
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeValid decodes the body into out and runs its validate tags.
func (s *Server) decodeValid(r *http.Request, out any) error {
	if err := decodeJSON(r, out); err != nil {
		return fmt.Errorf("malformed body: %w", err)
	}
	if err := s.validate.Struct(out); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			fields := lo.Map(fieldErrs, func(fe validator.FieldError, _ int) string { return fe.Field() })
			return fmt.Errorf("missing or invalid fields: %s", strings.Join(fields, ", "))
		}
		return err
	}
	return nil
}

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// uploadPath resolves a stored relative path and refuses anything outside the upload directory.
func (s *Server) uploadPath(rel string) (string, bool) {
	base, err := filepath.Abs(s.uploadDir)
	if err != nil {
		return "", false
	}
	full, err := filepath.Abs(filepath.Join(base, rel))
	if err != nil || !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", false
	}
	return full, true
}
