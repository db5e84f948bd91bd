package internal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"worldchat/internal/realtime"
	"worldchat/internal/storage"
)

const noMatchMessage = "No available match found. Please try again later."

// matchFailure is the body of a long-poll that ended without a match.
type matchFailure struct {
	Error                string                `json:"error"`
	Code                 string                `json:"code"`
	ExistingConversation *storage.Conversation `json:"existingConversation,omitempty"`
}

// pollSink collects the frames the hub sends to a long-poll connection.
type pollSink struct {
	frames chan []byte
}

func (p pollSink) Send(frame []byte) bool {
	select {
	case p.frames <- frame:
		return true
	default:
		return false
	}
}

// HandleStartMatching queues the caller like a websocket start-matching and
// holds the request until a partner is found, matching fails or the match
// timeout passes. The long-poll connection never counts towards presence.
func (s *Server) HandleStartMatching(w http.ResponseWriter, r *http.Request) {
	claims := caller(r)
	var req matchRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sink := pollSink{frames: make(chan []byte, 32)}
	id, err := s.hub.Connect(r.Context(), sink, claims.UserID, false)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("matching unavailable"))
		return
	}
	// Closing the connection also drops its queue entry.
	defer s.hub.Disconnect(id)

	data, _ := json.Marshal(realtime.StartMatchingPayload{
		UserID:   claims.UserID,
		Language: req.Language,
		UserType: req.UserType,
	})
	if err := s.hub.Submit(r.Context(), realtime.Inbound{Conn: id, Event: realtime.EventStartMatching, Data: data}); err != nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("matching unavailable"))
		return
	}

	timer := time.NewTimer(s.matchTimeout)
	defer timer.Stop()
	for {
		select {
		case frame := <-sink.frames:
			if done := s.answerMatch(w, frame); done {
				return
			}
		case <-timer.C:
			s.logger.Info("Long-poll match timed out", "user_id", claims.UserID, "language", req.Language)
			writeJSON(w, http.StatusNotFound, matchFailure{Error: noMatchMessage, Code: "timeout"})
			return
		case <-r.Context().Done():
			if errors.Is(r.Context().Err(), context.Canceled) {
				s.logger.Debug("Long-poll match cancelled by client", "user_id", claims.UserID)
			}
			return
		}
	}
}

// answerMatch writes the response for a frame that settles the match and
// reports whether it did. Presence broadcasts and the like are skipped.
func (s *Server) answerMatch(w http.ResponseWriter, frame []byte) bool {
	data := []byte(gjson.GetBytes(frame, "data").Raw)
	switch gjson.GetBytes(frame, "event").Str {
	case realtime.EventMatchFound:
		var found realtime.MatchFound
		if err := json.Unmarshal(data, &found); err != nil || found.Conversation == nil {
			s.internalError(w, "decode match", err)
			return true
		}
		writeJSON(w, http.StatusOK, matchResponse{
			ConversationID: found.Conversation.ID,
			Conversation:   found.Conversation,
			MatchedUser:    found.MatchedUser,
		})
		return true
	case realtime.EventMatchingError:
		var failed realtime.MatchingError
		if err := json.Unmarshal(data, &failed); err != nil {
			s.internalError(w, "decode matching error", err)
			return true
		}
		writeJSON(w, matchingStatus(failed.Code), matchFailure{
			Error:                failed.Message,
			Code:                 failed.Code,
			ExistingConversation: failed.ExistingConversation,
		})
		return true
	case realtime.EventError:
		writeError(w, http.StatusBadRequest, errors.New(gjson.ParseBytes(data).String()))
		return true
	}
	return false
}

func matchingStatus(code string) int {
	switch code {
	case "conflict":
		return http.StatusConflict
	case "timeout", "not_found":
		return http.StatusNotFound
	case "validation":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
