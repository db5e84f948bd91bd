package realtime

import (
	"errors"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// ErrConnectionBound is returned when a connection already belongs to another user.
var ErrConnectionBound = errors.New("connection already bound to another user")

// Registry maps a user to the set of live connections it holds.
// A user is present in the registry iff it has at least one open connection.
// It is owned by the hub loop and is not safe for concurrent use.
type Registry struct {
	byUser map[int64]map[uuid.UUID]struct{}
	owner  map[uuid.UUID]int64
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[int64]map[uuid.UUID]struct{}),
		owner:  make(map[uuid.UUID]int64),
	}
}

// Register adds conn under userID. It reports true when this is the user's first connection.
func (r *Registry) Register(userID int64, conn uuid.UUID) (bool, error) {
	if current, ok := r.owner[conn]; ok {
		if current != userID {
			return false, ErrConnectionBound
		}
		return false, nil
	}
	conns, ok := r.byUser[userID]
	if !ok {
		conns = make(map[uuid.UUID]struct{})
		r.byUser[userID] = conns
	}
	conns[conn] = struct{}{}
	r.owner[conn] = userID
	return len(conns) == 1, nil
}

// Unregister removes conn from whichever user owns it. absent is true when that
// was the user's last connection; ok is false for unknown connections.
func (r *Registry) Unregister(conn uuid.UUID) (userID int64, absent bool, ok bool) {
	userID, ok = r.owner[conn]
	if !ok {
		return 0, false, false
	}
	delete(r.owner, conn)
	conns := r.byUser[userID]
	delete(conns, conn)
	if len(conns) == 0 {
		delete(r.byUser, userID)
		return userID, true, true
	}
	return userID, false, true
}

func (r *Registry) Owner(conn uuid.UUID) (int64, bool) {
	userID, ok := r.owner[conn]
	return userID, ok
}

func (r *Registry) Connections(userID int64) []uuid.UUID {
	return lo.Keys(r.byUser[userID])
}

func (r *Registry) Online(userID int64) bool {
	return len(r.byUser[userID]) > 0
}

// Len returns the number of users holding at least one connection.
func (r *Registry) Len() int {
	return len(r.byUser)
}
