package realtime

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// RoomID identifies the room of one conversation.
type RoomID string

const roomPrefix = "chat-"

// RoomFor derives the room of a conversation.
func RoomFor(conversationID int64) RoomID {
	return RoomID(fmt.Sprintf("%s%d", roomPrefix, conversationID))
}

// ConversationID extracts the conversation id a room was derived from.
func (id RoomID) ConversationID() (int64, bool) {
	raw, ok := strings.CutPrefix(string(id), roomPrefix)
	if !ok {
		return 0, false
	}
	conversationID, err := strconv.ParseInt(raw, 10, 64)
	return conversationID, err == nil
}

// Member is one connection joined to a room.
type Member struct {
	Conn        uuid.UUID
	UserID      int64
	DisplayName string
}

type room struct {
	members map[uuid.UUID]Member
	order   []uuid.UUID
}

func (r *room) snapshot() []Member {
	return lo.Map(r.order, func(conn uuid.UUID, _ int) Member {
		return r.members[conn]
	})
}

// Departure describes the result of a connection leaving a room.
type Departure struct {
	Member    Member
	Remaining []Member
	Removed   bool
}

// Rooms is the room membership table. Snapshots are copies taken at call time.
type Rooms struct {
	rooms  map[RoomID]*room
	byConn map[uuid.UUID]map[RoomID]struct{}
}

func NewRooms() *Rooms {
	return &Rooms{
		rooms:  make(map[RoomID]*room),
		byConn: make(map[uuid.UUID]map[RoomID]struct{}),
	}
}

// Join adds conn to the room, creating it on first join. Joining twice keeps a
// single membership and refreshes the display name. added reports whether the
// membership is new.
func (t *Rooms) Join(id RoomID, conn uuid.UUID, displayName string, userID int64) (roster []Member, added bool) {
	r, ok := t.rooms[id]
	if !ok {
		r = &room{members: make(map[uuid.UUID]Member)}
		t.rooms[id] = r
	}
	if _, exists := r.members[conn]; !exists {
		r.order = append(r.order, conn)
		added = true
	}
	r.members[conn] = Member{Conn: conn, UserID: userID, DisplayName: displayName}

	joined, ok := t.byConn[conn]
	if !ok {
		joined = make(map[RoomID]struct{})
		t.byConn[conn] = joined
	}
	joined[id] = struct{}{}
	return r.snapshot(), added
}

// Leave removes conn from the room and deletes the room once it is empty.
func (t *Rooms) Leave(id RoomID, conn uuid.UUID) (Departure, bool) {
	r, ok := t.rooms[id]
	if !ok {
		return Departure{}, false
	}
	member, ok := r.members[conn]
	if !ok {
		return Departure{}, false
	}
	delete(r.members, conn)
	r.order = lo.Without(r.order, conn)
	t.forget(conn, id)

	departure := Departure{Member: member, Remaining: r.snapshot()}
	if len(r.members) == 0 {
		delete(t.rooms, id)
		departure.Removed = true
	}
	return departure, true
}

// Dissolve empties the room and returns the evicted members.
func (t *Rooms) Dissolve(id RoomID) []Member {
	r, ok := t.rooms[id]
	if !ok {
		return nil
	}
	evicted := r.snapshot()
	for _, member := range evicted {
		t.forget(member.Conn, id)
	}
	delete(t.rooms, id)
	return evicted
}

func (t *Rooms) forget(conn uuid.UUID, id RoomID) {
	joined := t.byConn[conn]
	delete(joined, id)
	if len(joined) == 0 {
		delete(t.byConn, conn)
	}
}

// RoomsOf lists the rooms a connection is joined to.
func (t *Rooms) RoomsOf(conn uuid.UUID) []RoomID {
	return lo.Keys(t.byConn[conn])
}

func (t *Rooms) Members(id RoomID) []Member {
	r, ok := t.rooms[id]
	if !ok {
		return nil
	}
	return r.snapshot()
}

func (t *Rooms) IsMember(id RoomID, conn uuid.UUID) bool {
	r, ok := t.rooms[id]
	if !ok {
		return false
	}
	_, ok = r.members[conn]
	return ok
}

func (t *Rooms) Exists(id RoomID) bool {
	_, ok := t.rooms[id]
	return ok
}

func (t *Rooms) Len() int {
	return len(t.rooms)
}
