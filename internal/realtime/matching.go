package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"worldchat/internal/storage"
)

type matchKey struct {
	userID   int64
	language string
}

// request tracks a start-matching whose precondition lookup is in flight.
type request struct {
	gen  uint64
	conn uuid.UUID
}

// reservation holds a partner taken out of the queue while the pairing is
// confirmed with the store. Either side may leave in the meantime.
type reservation struct {
	requester     Entry
	partner       Entry
	user          *storage.User
	requesterLeft bool
	partnerLeft   bool
}

func (r *reservation) key(userID int64) matchKey {
	return matchKey{userID: userID, language: r.requester.Language}
}

func normalizeLanguage(language string) string {
	return strings.ToLower(strings.TrimSpace(language))
}

func (h *Hub) handleStartMatching(conn uuid.UUID, data json.RawMessage) ([]Notification, error) {
	p, err := decode[StartMatchingPayload](h, data)
	if err != nil {
		return nil, matchError(ErrValidation, err.Error(), nil)
	}
	notes, err := h.identify(conn, p.UserID)
	if err != nil {
		return nil, matchError(ErrValidation, err.Error(), nil)
	}
	return append(notes, h.requestMatch(conn, p.UserID, normalizeLanguage(p.Language), Role(p.UserType))...), nil
}

func (h *Hub) handleStopMatching(conn uuid.UUID, data json.RawMessage) ([]Notification, error) {
	p, err := decode[StopMatchingPayload](h, data)
	if err != nil {
		return nil, err
	}
	if err := h.checkSender(conn, p.UserID); err != nil {
		return nil, err
	}
	h.cancelMatch(p.UserID, normalizeLanguage(p.Language))
	return nil, nil
}

// requestMatch pairs the user with the earliest waiting partner of the other
// role, or queues the user. An empty role falls back to the stored user type.
func (h *Hub) requestMatch(conn uuid.UUID, userID int64, language string, role Role) []Notification {
	key := matchKey{userID: userID, language: language}
	if _, busy := h.pending[key]; busy {
		return h.failure(conn, EventStartMatching, matchError(ErrConflict, msgMatchInProgress, nil))
	}
	if _, starting := h.requests[key]; starting {
		return nil
	}
	if _, waiting := h.queue.Waiting(userID, language); waiting {
		return nil
	}
	h.requestSeq++
	gen := h.requestSeq
	h.requests[key] = request{gen: gen, conn: conn}

	var (
		user   *storage.User
		active *storage.Conversation
	)
	return h.sched.Await(h.ctx, func(ctx context.Context) error {
		var err error
		if user, err = h.store.GetUserByID(ctx, userID); err != nil || user == nil {
			return err
		}
		active, err = h.store.FindActiveConversation(ctx, userID, language)
		return err
	}, func(err error) []Notification {
		if current, ok := h.requests[key]; !ok || current.gen != gen {
			return nil
		}
		delete(h.requests, key)
		switch {
		case err != nil:
			h.logger.Error("Match precondition lookup failed", "user_id", userID, "language", language, "error", err)
			return h.failure(conn, EventStartMatching, matchError(ErrInternal, msgMatchFailed, nil))
		case user == nil:
			return h.failure(conn, EventStartMatching, matchError(ErrNotFound, msgUserNotFound, nil))
		case active != nil:
			return h.failure(conn, EventStartMatching, matchError(ErrConflict, msgActiveExists, active))
		}
		if role == "" {
			role = Role(user.Type)
		}
		if !role.Valid() {
			return h.failure(conn, EventStartMatching, matchError(ErrValidation, fmt.Sprintf("unknown role %q", role), nil))
		}
		return h.pair(conn, user, language, role)
	})
}

// pair runs on the loop right after a store round trip, so it checks again
// that the requester is still connected and not already queued or reserved.
func (h *Hub) pair(conn uuid.UUID, user *storage.User, language string, role Role) []Notification {
	if _, ok := h.sessions[conn]; !ok {
		return nil
	}
	if _, busy := h.pending[matchKey{userID: user.ID, language: language}]; busy {
		return h.failure(conn, EventStartMatching, matchError(ErrConflict, msgMatchInProgress, nil))
	}
	if _, waiting := h.queue.Waiting(user.ID, language); waiting {
		return nil
	}
	requester := Entry{UserID: user.ID, Role: role, Language: language, Conn: conn, EnqueuedAt: h.now()}
	partner, found := h.queue.Take(user.ID, language, role)
	if !found {
		h.queue.Enqueue(requester)
		h.logger.Debug("Waiting for a match", "user_id", user.ID, "language", language, "role", role, "queued", h.queue.Len(language))
		return nil
	}
	r := &reservation{requester: requester, partner: partner, user: user}
	// Reservations are per language: a user queued in several languages may
	// be held by one reservation in each.
	h.pending[r.key(user.ID)] = r
	h.pending[r.key(partner.UserID)] = r
	return h.confirm(r)
}

// confirm guards against pairing two users that already share a conversation.
func (h *Hub) confirm(r *reservation) []Notification {
	var (
		existing    *storage.Conversation
		partnerUser *storage.User
	)
	return h.sched.Await(h.ctx, func(ctx context.Context) error {
		var err error
		existing, err = h.store.FindConversationBetween(ctx, r.requester.UserID, r.partner.UserID, r.requester.Language)
		if err != nil || existing != nil {
			return err
		}
		partnerUser, err = h.store.GetUserByID(ctx, r.partner.UserID)
		return err
	}, func(err error) []Notification {
		switch {
		case err != nil:
			h.release(r, true)
			h.logger.Error("Pair check failed", "user_id", r.requester.UserID, "partner_id", r.partner.UserID, "error", err)
			return h.requesterFailure(r, matchError(ErrInternal, msgMatchFailed, nil))
		case existing != nil:
			h.release(r, true)
			return h.requesterFailure(r, matchError(ErrConflict, msgPairExists, existing))
		case r.requesterLeft:
			h.release(r, true)
			return nil
		case r.partnerLeft || partnerUser == nil:
			h.release(r, false)
			return h.pair(r.requester.Conn, r.user, r.requester.Language, r.requester.Role)
		}
		return h.create(r, partnerUser)
	})
}

func (h *Hub) create(r *reservation, partnerUser *storage.User) []Notification {
	in := storage.NewConversation{
		StudentID: r.requester.UserID,
		TeacherID: r.partner.UserID,
		Language:  r.requester.Language,
		Status:    storage.ConversationRandom,
	}
	if r.requester.Role == RoleTeacher {
		in.StudentID, in.TeacherID = in.TeacherID, in.StudentID
	}
	var conversation *storage.Conversation
	return h.sched.Await(h.ctx, func(ctx context.Context) error {
		var err error
		conversation, err = h.store.CreateConversation(ctx, in)
		if err == nil && conversation == nil {
			err = fmt.Errorf("%w: store returned no conversation", ErrInternal)
		}
		return err
	}, func(err error) []Notification {
		if err != nil {
			h.release(r, true)
			h.logger.Error("Conversation creation failed", "student_id", in.StudentID, "teacher_id", in.TeacherID, "language", in.Language, "error", err)
			return h.requesterFailure(r, matchError(ErrInternal, msgMatchFailed, nil))
		}
		h.release(r, false)
		h.observer.MatchMade()
		h.logger.Info("Match found", "conversation_id", conversation.ID, "student_id", in.StudentID, "teacher_id", in.TeacherID, "language", in.Language)
		if r.requesterLeft || r.partnerLeft {
			h.logger.Warn("Match created after a party left",
				"conversation_id", conversation.ID,
				"requester_left", r.requesterLeft,
				"partner_left", r.partnerLeft)
		}
		var notes []Notification
		if !r.requesterLeft {
			notes = append(notes, notify(EventMatchFound, MatchFound{
				Conversation: conversation,
				MatchedUser:  summarize(partnerUser, h.presence.Status(partnerUser.ID)),
			}, r.requester.Conn))
		}
		if !r.partnerLeft {
			notes = append(notes, notify(EventMatchFound, MatchFound{
				Conversation: conversation,
				MatchedUser:  summarize(r.user, h.presence.Status(r.user.ID)),
			}, r.partner.Conn))
		}
		return notes
	})
}

// release ends a reservation. With restore set, the partner goes back to its
// arrival position unless it left while reserved.
func (h *Hub) release(r *reservation, restore bool) {
	for _, userID := range []int64{r.requester.UserID, r.partner.UserID} {
		if key := r.key(userID); h.pending[key] == r {
			delete(h.pending, key)
		}
	}
	if restore && !r.partnerLeft {
		h.queue.Restore(r.partner)
	}
}

func (h *Hub) requesterFailure(r *reservation, err *MatchError) []Notification {
	if r.requesterLeft {
		return nil
	}
	return h.failure(r.requester.Conn, EventStartMatching, err)
}

func (h *Hub) cancelMatch(userID int64, language string) {
	delete(h.requests, matchKey{userID: userID, language: language})
	if entry, ok := h.queue.Cancel(userID, language); ok {
		h.logger.Debug("Match cancelled", "user_id", entry.UserID, "language", language)
	}
	if r, ok := h.pending[matchKey{userID: userID, language: language}]; ok {
		h.markLeft(r, userID)
	}
}

// releaseConnection drops everything a closed connection was waiting for.
func (h *Hub) releaseConnection(conn uuid.UUID) {
	for key, req := range h.requests {
		if req.conn == conn {
			delete(h.requests, key)
		}
	}
	for _, entry := range h.queue.CancelConnection(conn) {
		h.logger.Debug("Queue entry dropped on disconnect", "user_id", entry.UserID, "language", entry.Language)
	}
	for _, r := range lo.Uniq(lo.Values(h.pending)) {
		if r.requester.Conn == conn {
			h.markLeft(r, r.requester.UserID)
		}
		if r.partner.Conn == conn {
			h.markLeft(r, r.partner.UserID)
		}
	}
}

func (h *Hub) markLeft(r *reservation, userID int64) {
	if r.requester.UserID == userID {
		r.requesterLeft = true
		return
	}
	r.partnerLeft = true
}

// Expire reports a timeout to every queue entry that waited too long. It must run on the loop.
func (h *Hub) Expire(now time.Time) []Notification {
	expired := h.queue.Expire(now, h.cfg.MatchTimeout)
	notes := make([]Notification, 0, len(expired))
	for _, entry := range expired {
		h.observer.MatchTimedOut()
		h.logger.Info("Match request timed out", "user_id", entry.UserID, "language", entry.Language, "waited", now.Sub(entry.EnqueuedAt))
		notes = append(notes, matchingError(entry.Conn, matchError(ErrTimeout, msgNoMatch, nil)))
	}
	return notes
}

// Waiting returns a copy of the queue of a language. It must run on the loop.
func (h *Hub) Waiting(language string) []Entry {
	return h.queue.Snapshot(normalizeLanguage(language))
}
