package realtime

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestRooms_Join_Then_Leave_Removes_Empty_Room(t *testing.T) {
	req := require.New(t)
	rooms := NewRooms()
	conn := uuid.New()
	id := RoomFor(42)

	roster, added := rooms.Join(id, conn, "alice", 1)
	req.True(added)
	req.Len(roster, 1)
	req.True(rooms.Exists(id))

	departure, ok := rooms.Leave(id, conn)
	req.True(ok)
	req.True(departure.Removed)
	req.Empty(departure.Remaining)
	req.Equal("alice", departure.Member.DisplayName)
	req.False(rooms.Exists(id))
	req.Empty(rooms.RoomsOf(conn))
	req.Zero(rooms.Len())
}

func TestRooms_Join_Is_Idempotent(t *testing.T) {
	req := require.New(t)
	rooms := NewRooms()
	alice, bob := uuid.New(), uuid.New()
	id := RoomFor(7)

	rooms.Join(id, alice, "alice", 1)
	rooms.Join(id, bob, "bob", 2)
	roster, added := rooms.Join(id, alice, "alice2", 1)

	req.False(added)
	req.Len(roster, 2)
	req.Equal(alice, roster[0].Conn)
	req.Equal("alice2", roster[0].DisplayName)
	req.Equal(bob, roster[1].Conn)
}

func TestRooms_Leave_Keeps_Room_With_Remaining_Members(t *testing.T) {
	req := require.New(t)
	rooms := NewRooms()
	alice, bob := uuid.New(), uuid.New()
	id := RoomFor(7)
	rooms.Join(id, alice, "alice", 1)
	rooms.Join(id, bob, "bob", 2)

	departure, ok := rooms.Leave(id, alice)
	req.True(ok)
	req.False(departure.Removed)
	req.Equal([]Member{{Conn: bob, UserID: 2, DisplayName: "bob"}}, departure.Remaining)

	_, ok = rooms.Leave(id, alice)
	req.False(ok)
	_, ok = rooms.Leave(RoomFor(8), bob)
	req.False(ok)
}

func TestRooms_Dissolve_Evicts_Everyone(t *testing.T) {
	req := require.New(t)
	rooms := NewRooms()
	alice, bob := uuid.New(), uuid.New()
	id := RoomFor(3)
	rooms.Join(id, alice, "alice", 1)
	rooms.Join(id, bob, "bob", 2)
	rooms.Join(RoomFor(4), bob, "bob", 2)

	evicted := rooms.Dissolve(id)

	req.Len(evicted, 2)
	req.False(rooms.Exists(id))
	req.Empty(rooms.RoomsOf(alice))
	req.Equal([]RoomID{RoomFor(4)}, rooms.RoomsOf(bob))
	req.Nil(rooms.Dissolve(id))
}

func TestRooms_Snapshots_Are_Copies(t *testing.T) {
	req := require.New(t)
	rooms := NewRooms()
	id := RoomFor(1)
	roster, _ := rooms.Join(id, uuid.New(), "alice", 1)

	roster[0].DisplayName = "mallory"

	req.Equal("alice", rooms.Members(id)[0].DisplayName)
}

func TestRoomID_ConversationID(t *testing.T) {
	req := require.New(t)

	id, ok := RoomFor(99).ConversationID()
	req.True(ok)
	req.Equal(int64(99), id)
	req.Equal(RoomID("chat-99"), RoomFor(99))

	_, ok = RoomID("lobby").ConversationID()
	req.False(ok)
}
