package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"worldchat/internal/storage"
)

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

func decode[T any](h *Hub, data json.RawMessage) (T, error) {
	var payload T
	if len(data) == 0 {
		return payload, validationError("missing payload")
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return payload, validationError("malformed payload: %v", err)
	}
	if err := h.validate.Struct(payload); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			fields := lo.Map(fieldErrs, func(fe validator.FieldError, _ int) string { return fe.Field() })
			return payload, validationError("missing or invalid fields: %s", strings.Join(fields, ", "))
		}
		return payload, validationError("%v", err)
	}
	return payload, nil
}

// failure turns a handler error into an event scoped to the originating connection.
func (h *Hub) failure(conn uuid.UUID, event string, err error) []Notification {
	h.observer.EventRejected(event)
	var matchErr *MatchError
	if errors.As(err, &matchErr) {
		h.logger.Info("Matching failed", "conn", conn, "event", event, "reason", matchErr.Message)
		return []Notification{matchingError(conn, matchErr)}
	}
	if errors.Is(err, ErrInternal) || !clientError(err) {
		h.logger.Error("Event handling failed", "conn", conn, "event", event, "error", err)
	} else {
		h.logger.Warn("Event rejected", "conn", conn, "event", event, "error", err)
	}
	return []Notification{notify(EventError, publicMessage(err), conn)}
}

func clientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict) || errors.Is(err, ErrTimeout)
}

func matchingError(conn uuid.UUID, err *MatchError) Notification {
	return notify(EventMatchingError, MatchingError{
		Message:              err.Message,
		Code:                 ErrorCode(err),
		ExistingConversation: err.ExistingConversation,
	}, conn)
}

// identify binds conn to userID and registers it. The first connection of a
// user makes it present.
func (h *Hub) identify(conn uuid.UUID, userID int64) ([]Notification, error) {
	s := h.sessions[conn]
	if s.userID != 0 && s.userID != userID {
		return nil, validationError("userId does not match the connection's user")
	}
	s.userID = userID
	if !s.tracked {
		return nil, nil
	}
	present, err := h.registry.Register(userID, conn)
	if err != nil {
		return nil, validationError("%v", err)
	}
	if !present {
		return nil, nil
	}
	return h.userPresent(userID), nil
}

// checkSender rejects payloads claiming another user than the one bound to conn.
func (h *Hub) checkSender(conn uuid.UUID, userID int64) error {
	s := h.sessions[conn]
	if userID != 0 && s.userID != 0 && s.userID != userID {
		return validationError("userId does not match the connection's user")
	}
	return nil
}

func (h *Hub) userPresent(userID int64) []Notification {
	if h.presence.Known(userID) {
		return h.statusChanged(h.presence.OnConnectionRegistered(userID))
	}
	var user *storage.User
	return h.sched.Await(h.ctx, func(ctx context.Context) error {
		var err error
		user, err = h.store.GetUserByID(ctx, userID)
		return err
	}, func(err error) []Notification {
		if err != nil {
			h.logger.Warn("Failed to load persisted status", "user_id", userID, "error", err)
		} else if user != nil {
			// Busy and away are only ever stored by explicit updates.
			h.presence.Seed(userID, user.Status, true)
		}
		if !h.registry.Online(userID) {
			return nil
		}
		return h.statusChanged(h.presence.OnConnectionRegistered(userID))
	})
}

// statusChanged broadcasts a presence change and persists it off-loop.
func (h *Hub) statusChanged(change StatusChange, changed bool) []Notification {
	if !changed {
		return nil
	}
	notes := []Notification{broadcast(EventUserStatusUpdate, change)}
	persisted := h.sched.Await(h.ctx, func(ctx context.Context) error {
		_, err := h.store.UpdateUserStatus(ctx, change.UserID, change.Status, change.IsManual)
		return err
	}, func(err error) []Notification {
		if err != nil {
			h.logger.Error("Failed to persist status", "user_id", change.UserID, "status", change.Status, "error", err)
		}
		return nil
	})
	return append(notes, persisted...)
}

func (h *Hub) disconnect(conn uuid.UUID) []Notification {
	if _, ok := h.sessions[conn]; !ok {
		return nil
	}
	var notes []Notification
	for _, id := range h.rooms.RoomsOf(conn) {
		if departure, ok := h.rooms.Leave(id, conn); ok {
			notes = append(notes, h.departed(id, departure)...)
		}
	}
	h.releaseConnection(conn)
	delete(h.sessions, conn)
	if userID, absent, ok := h.registry.Unregister(conn); ok {
		notes = append(notes, h.statusChanged(h.presence.OnConnectionUnregistered(userID, !absent))...)
	}
	h.logger.Debug("Connection closed", "conn", conn)
	return notes
}

func (h *Hub) roster(members []Member) []RosterEntry {
	unique := lo.UniqBy(members, func(m Member) int64 { return m.UserID })
	return lo.Map(unique, func(m Member, _ int) RosterEntry {
		return RosterEntry{ID: m.UserID, Username: m.DisplayName, Status: h.presence.Status(m.UserID)}
	})
}

func connsOf(members []Member) []uuid.UUID {
	return lo.Map(members, func(m Member, _ int) uuid.UUID { return m.Conn })
}

func (h *Hub) departed(id RoomID, departure Departure) []Notification {
	if departure.Removed {
		h.logger.Debug("Room removed", "room", id)
		return nil
	}
	conversationID, _ := id.ConversationID()
	remaining := connsOf(departure.Remaining)
	return []Notification{
		notify(EventUserLeft, MemberEvent{
			ConversationID: conversationID,
			UserID:         departure.Member.UserID,
			Username:       departure.Member.DisplayName,
		}, remaining...),
		notify(EventUserListUpdate, h.roster(departure.Remaining), remaining...),
	}
}

func (h *Hub) handleJoin(conn uuid.UUID, data json.RawMessage) ([]Notification, error) {
	p, err := decode[JoinPayload](h, data)
	if err != nil {
		return nil, err
	}
	notes, err := h.identify(conn, p.UserID)
	if err != nil {
		return nil, err
	}
	id := RoomFor(p.ConversationID)
	roster, added := h.rooms.Join(id, conn, p.Username, p.UserID)
	everyone := connsOf(roster)
	if others := lo.Without(everyone, conn); added && len(others) > 0 {
		notes = append(notes, notify(EventUserJoined, MemberEvent{
			ConversationID: p.ConversationID,
			UserID:         p.UserID,
			Username:       p.Username,
		}, others...))
	}
	return append(notes, notify(EventUserListUpdate, h.roster(roster), everyone...)), nil
}

func (h *Hub) handleLeave(conn uuid.UUID, data json.RawMessage) ([]Notification, error) {
	p, err := decode[LeavePayload](h, data)
	if err != nil {
		return nil, err
	}
	if err := h.checkSender(conn, p.UserID); err != nil {
		return nil, err
	}
	id := RoomFor(p.ConversationID)
	departure, ok := h.rooms.Leave(id, conn)
	if !ok {
		return nil, nil
	}
	return h.departed(id, departure), nil
}

// memberOf returns the room of a conversation, provided conn joined it.
func (h *Hub) memberOf(conn uuid.UUID, conversationID int64) (RoomID, error) {
	id := RoomFor(conversationID)
	if !h.rooms.IsMember(id, conn) {
		return id, validationError(msgJoinConversation)
	}
	return id, nil
}

func (h *Hub) handleMessage(conn uuid.UUID, data json.RawMessage) ([]Notification, error) {
	p, err := decode[MessagePayload](h, data)
	if err != nil {
		return nil, err
	}
	if err := h.checkSender(conn, p.UserID); err != nil {
		return nil, err
	}
	id, err := h.memberOf(conn, p.ConversationID)
	if err != nil {
		return nil, err
	}
	message := ChatMessage{MessagePayload: p, SentAt: h.now().UTC()}
	return []Notification{notify(EventMessage, message, connsOf(h.rooms.Members(id))...)}, nil
}

func (h *Hub) handleMessageUpdate(conn uuid.UUID, data json.RawMessage) ([]Notification, error) {
	p, err := decode[MessageUpdatePayload](h, data)
	if err != nil {
		return nil, err
	}
	if err := h.checkSender(conn, p.UserID); err != nil {
		return nil, err
	}
	id, err := h.memberOf(conn, p.ConversationID)
	if err != nil {
		return nil, err
	}
	return []Notification{notify(EventMessageUpdated, p, connsOf(h.rooms.Members(id))...)}, nil
}

func (h *Hub) handleMessageDelete(conn uuid.UUID, data json.RawMessage) ([]Notification, error) {
	p, err := decode[MessageDeletePayload](h, data)
	if err != nil {
		return nil, err
	}
	if err := h.checkSender(conn, p.UserID); err != nil {
		return nil, err
	}
	id, err := h.memberOf(conn, p.ConversationID)
	if err != nil {
		return nil, err
	}
	return []Notification{notify(EventMessageDeleted, p, connsOf(h.rooms.Members(id))...)}, nil
}

func (h *Hub) handleTyping(conn uuid.UUID, data json.RawMessage) ([]Notification, error) {
	p, err := decode[TypingPayload](h, data)
	if err != nil {
		return nil, err
	}
	id, err := h.memberOf(conn, p.ConversationID)
	if err != nil {
		return nil, err
	}
	others := lo.Without(connsOf(h.rooms.Members(id)), conn)
	if len(others) == 0 {
		return nil, nil
	}
	return []Notification{notify(EventUserTyping, TypingEvent{
		ConversationID: p.ConversationID,
		UserID:         h.sessions[conn].userID,
		Username:       p.Username,
		IsTyping:       p.IsTyping,
	}, others...)}, nil
}

func (h *Hub) handleUpdateStatus(conn uuid.UUID, data json.RawMessage) ([]Notification, error) {
	p, err := decode[UpdateStatusPayload](h, data)
	if err != nil {
		return nil, err
	}
	notes, err := h.identify(conn, p.UserID)
	if err != nil {
		return nil, err
	}
	change, changed, err := h.presence.SetManualStatus(p.UserID, p.Status)
	if err != nil {
		return nil, err
	}
	change.IsManual = p.IsManual
	return append(notes, h.statusChanged(change, changed)...), nil
}

func (h *Hub) handleConversationDeleted(_ uuid.UUID, data json.RawMessage) ([]Notification, error) {
	p, err := decode[ConversationDeletedPayload](h, data)
	if err != nil {
		return nil, err
	}
	return h.dissolve(p.ConversationID), nil
}

func (h *Hub) dissolve(conversationID int64) []Notification {
	evicted := h.rooms.Dissolve(RoomFor(conversationID))
	if len(evicted) == 0 {
		return nil
	}
	return []Notification{notify(EventConversationDeleted, ConversationDeleted{ConversationID: conversationID}, connsOf(evicted)...)}
}

// SetStatus applies a status update coming from outside a websocket, such as the REST API.
func (h *Hub) SetStatus(ctx context.Context, userID int64, status string, manual bool) (StatusChange, error) {
	var (
		change StatusChange
		err    error
	)
	doErr := h.Do(ctx, func() []Notification {
		var changed bool
		change, changed, err = h.presence.SetManualStatus(userID, status)
		if err != nil {
			return nil
		}
		change = StatusChange{UserID: userID, Status: status, IsManual: manual}
		return h.statusChanged(change, changed)
	})
	if doErr != nil {
		return StatusChange{}, doErr
	}
	return change, err
}

// DissolveConversation evicts every member of a deleted conversation's room.
func (h *Hub) DissolveConversation(ctx context.Context, conversationID int64) error {
	return h.Do(ctx, func() []Notification {
		return h.dissolve(conversationID)
	})
}
