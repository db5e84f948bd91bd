package realtime

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
)

func waiting(userID int64, role Role, at time.Time) Entry {
	return Entry{UserID: userID, Role: role, Language: "fr", Conn: uuid.New(), EnqueuedAt: at}
}

func userIDs(entries []Entry) []int64 {
	return lo.Map(entries, func(e Entry, _ int) int64 { return e.UserID })
}

func TestQueue_Take_Prefers_Earliest_Complementary_Entry(t *testing.T) {
	req := require.New(t)
	queue := NewQueue()
	t0 := time.Now()

	// Given A (student, t=0) and B (student, t=1) waiting
	queue.Enqueue(waiting(1, RoleStudent, t0))
	queue.Enqueue(waiting(2, RoleStudent, t0.Add(time.Second)))

	// When C (teacher, t=2) looks for a partner
	partner, ok := queue.Take(3, "fr", RoleTeacher)

	// Then C gets A, and B keeps waiting
	req.True(ok)
	req.Equal(int64(1), partner.UserID)
	req.Equal([]int64{2}, userIDs(queue.Snapshot("fr")))
}

func TestQueue_Take_Skips_Same_Role_And_Same_User(t *testing.T) {
	req := require.New(t)
	queue := NewQueue()
	queue.Enqueue(waiting(1, RoleTeacher, time.Now()))

	_, ok := queue.Take(2, "fr", RoleTeacher)
	req.False(ok)
	_, ok = queue.Take(1, "fr", RoleStudent)
	req.False(ok)
	_, ok = queue.Take(2, "es", RoleStudent)
	req.False(ok)
	req.Equal(1, queue.Len("fr"))
}

func TestQueue_Cancel_Removes_Only_That_User(t *testing.T) {
	req := require.New(t)
	queue := NewQueue()
	now := time.Now()
	for _, id := range []int64{1, 2, 3, 4} {
		queue.Enqueue(waiting(id, RoleStudent, now))
	}

	removed, ok := queue.Cancel(2, "fr")
	req.True(ok)
	req.Equal(int64(2), removed.UserID)
	req.Equal([]int64{1, 3, 4}, userIDs(queue.Snapshot("fr")))

	// Cancelling again is a no-op
	_, ok = queue.Cancel(2, "fr")
	req.False(ok)
	req.Equal([]int64{1, 3, 4}, userIDs(queue.Snapshot("fr")))
}

func TestQueue_Restore_Puts_Entry_Back_At_Arrival_Position(t *testing.T) {
	req := require.New(t)
	queue := NewQueue()
	now := time.Now()
	queue.Enqueue(waiting(1, RoleStudent, now))
	queue.Enqueue(waiting(2, RoleStudent, now))
	queue.Enqueue(waiting(3, RoleStudent, now))

	taken, ok := queue.Take(9, "fr", RoleTeacher)
	req.True(ok)
	req.Equal(int64(1), taken.UserID)
	queue.Enqueue(waiting(4, RoleStudent, now))

	queue.Restore(taken)
	queue.Restore(taken)

	req.Equal([]int64{1, 2, 3, 4}, userIDs(queue.Snapshot("fr")))
}

func TestQueue_Expire_And_Cancel_Connection(t *testing.T) {
	req := require.New(t)
	queue := NewQueue()
	now := time.Now()
	old := queue.Enqueue(waiting(1, RoleStudent, now.Add(-40*time.Second)))
	fresh := queue.Enqueue(waiting(2, RoleStudent, now))
	other := waiting(3, RoleTeacher, now)
	other.Language = "es"
	other.Conn = fresh.Conn
	queue.Enqueue(other)

	expired := queue.Expire(now, 35*time.Second)
	req.Equal([]int64{old.UserID}, userIDs(expired))

	dropped := queue.CancelConnection(fresh.Conn)
	req.ElementsMatch([]int64{2, 3}, userIDs(dropped))
	req.Zero(queue.Len("fr"))
	req.Zero(queue.Len("es"))
}
