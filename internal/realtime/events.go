package realtime

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"worldchat/internal/storage"
)

// Inbound event names.
const (
	EventJoin                = "join"
	EventLeave               = "leave"
	EventMessage             = "message"
	EventMessageUpdate       = "message_update"
	EventMessageDelete       = "message_delete"
	EventTyping              = "typing"
	EventStartMatching       = "start-matching"
	EventStopMatching        = "stop-matching"
	EventUpdateStatus        = "updateStatus"
	EventConversationDeleted = "conversation_deleted"
	EventDisconnect          = "disconnect"
)

// Outbound event names.
const (
	EventUserJoined       = "userJoined"
	EventUserLeft         = "userLeft"
	EventUserListUpdate   = "userListUpdate"
	EventMessageUpdated   = "message_updated"
	EventMessageDeleted   = "message_deleted"
	EventUserTyping       = "userTyping"
	EventMatchFound       = "match-found"
	EventMatchingError    = "matching-error"
	EventUserStatusUpdate = "userStatusUpdate"
	EventError            = "error"
)

// Inbound is one event read from a connection.
type Inbound struct {
	Conn  uuid.UUID
	Event string
	Data  json.RawMessage
}

// Envelope is the wire frame exchanged with clients.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Notification is an outbound event produced by a handler. It reaches either
// every connection or the listed targets.
type Notification struct {
	Targets   []uuid.UUID
	Broadcast bool
	Event     string
	Payload   any
}

func notify(event string, payload any, targets ...uuid.UUID) Notification {
	return Notification{Targets: targets, Event: event, Payload: payload}
}

func broadcast(event string, payload any) Notification {
	return Notification{Broadcast: true, Event: event, Payload: payload}
}

type JoinPayload struct {
	ConversationID int64  `json:"conversationId" validate:"required"`
	Username       string `json:"username" validate:"required"`
	UserID         int64  `json:"userId" validate:"required"`
}

type LeavePayload struct {
	ConversationID int64  `json:"conversationId" validate:"required"`
	Username       string `json:"username"`
	UserID         int64  `json:"userId"`
}

type MessagePayload struct {
	ConversationID int64           `json:"conversationId" validate:"required"`
	Message        string          `json:"message" validate:"required_without=Images"`
	Username       string          `json:"username" validate:"required"`
	UserID         int64           `json:"userId" validate:"required"`
	MessageID      int64           `json:"messageId,omitempty"`
	Images         json.RawMessage `json:"images,omitempty"`
}

type MessageUpdatePayload struct {
	ConversationID int64  `json:"conversationId" validate:"required"`
	MessageID      int64  `json:"messageId" validate:"required"`
	Message        string `json:"message" validate:"required"`
	UserID         int64  `json:"userId"`
}

type MessageDeletePayload struct {
	ConversationID int64 `json:"conversationId" validate:"required"`
	MessageID      int64 `json:"messageId" validate:"required"`
	UserID         int64 `json:"userId"`
}

type TypingPayload struct {
	ConversationID int64  `json:"conversationId" validate:"required"`
	Username       string `json:"username" validate:"required"`
	IsTyping       bool   `json:"isTyping"`
}

type StartMatchingPayload struct {
	UserID   int64  `json:"userId" validate:"required"`
	Language string `json:"language" validate:"required"`
	UserType string `json:"userType" validate:"omitempty,oneof=student teacher"`
}

type StopMatchingPayload struct {
	UserID   int64  `json:"userId" validate:"required"`
	Language string `json:"language" validate:"required"`
}

type UpdateStatusPayload struct {
	UserID   int64  `json:"userId" validate:"required"`
	Status   string `json:"status" validate:"required,oneof=online offline busy away"`
	IsManual bool   `json:"isManual"`
}

type ConversationDeletedPayload struct {
	ConversationID int64 `json:"conversationId" validate:"required"`
}

// RosterEntry is one line of a userListUpdate.
type RosterEntry struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Status   string `json:"status"`
}

// MemberEvent is the payload of userJoined and userLeft.
type MemberEvent struct {
	ConversationID int64  `json:"conversationId"`
	UserID         int64  `json:"userId"`
	Username       string `json:"username"`
}

// ChatMessage is the payload of an outbound message.
type ChatMessage struct {
	MessagePayload
	SentAt time.Time `json:"sentAt"`
}

type TypingEvent struct {
	ConversationID int64  `json:"conversationId"`
	UserID         int64  `json:"userId,omitempty"`
	Username       string `json:"username"`
	IsTyping       bool   `json:"isTyping"`
}

// UserSummary is the public view of a matched user.
type UserSummary struct {
	ID        int64    `json:"id"`
	Username  string   `json:"username"`
	Type      string   `json:"type"`
	Languages []string `json:"languages"`
	Status    string   `json:"status"`
}

func summarize(user *storage.User, status string) UserSummary {
	return UserSummary{
		ID:        user.ID,
		Username:  user.Username,
		Type:      user.Type,
		Languages: user.Languages,
		Status:    status,
	}
}

type MatchFound struct {
	Conversation *storage.Conversation `json:"conversation"`
	MatchedUser  UserSummary           `json:"matchedUser"`
}

// MatchingError is the payload of matching-error. Code is one of timeout,
// conflict, validation, not_found or internal.
type MatchingError struct {
	Message              string                `json:"message"`
	Code                 string                `json:"code,omitempty"`
	ExistingConversation *storage.Conversation `json:"existingConversation,omitempty"`
}

type ConversationDeleted struct {
	ConversationID int64 `json:"conversationId"`
}
