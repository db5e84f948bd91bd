package realtime

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Role is one side of a language exchange. Only different roles can be paired.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
)

func (r Role) Valid() bool {
	return r == RoleStudent || r == RoleTeacher
}

// Entry is a user waiting for a partner in one language.
type Entry struct {
	UserID     int64
	Role       Role
	Language   string
	Conn       uuid.UUID
	EnqueuedAt time.Time
	seq        uint64
}

// Queue holds one waiting list per language, in arrival order.
type Queue struct {
	lists map[string][]Entry
	seq   uint64
}

func NewQueue() *Queue {
	return &Queue{lists: make(map[string][]Entry)}
}

// Enqueue appends a new entry at the back of its language list.
func (q *Queue) Enqueue(entry Entry) Entry {
	q.seq++
	entry.seq = q.seq
	q.lists[entry.Language] = append(q.lists[entry.Language], entry)
	return entry
}

// Waiting returns the queued entry of a user for a language.
func (q *Queue) Waiting(userID int64, language string) (Entry, bool) {
	return lo.Find(q.lists[language], func(e Entry) bool { return e.UserID == userID })
}

// Take removes and returns the earliest entry of another user holding a
// different role. Later arrivals are never preferred over earlier ones.
func (q *Queue) Take(userID int64, language string, role Role) (Entry, bool) {
	list := q.lists[language]
	for i, candidate := range list {
		if candidate.UserID == userID || candidate.Role == role {
			continue
		}
		q.set(language, append(list[:i:i], list[i+1:]...))
		return candidate, true
	}
	return Entry{}, false
}

// Restore puts a previously taken entry back at its original arrival position.
func (q *Queue) Restore(entry Entry) {
	list := q.lists[entry.Language]
	if _, dup := lo.Find(list, func(e Entry) bool { return e.UserID == entry.UserID }); dup {
		return
	}
	if entry.seq == 0 {
		q.Enqueue(entry)
		return
	}
	idx := sort.Search(len(list), func(i int) bool { return list[i].seq > entry.seq })
	restored := make([]Entry, 0, len(list)+1)
	restored = append(restored, list[:idx]...)
	restored = append(restored, entry)
	restored = append(restored, list[idx:]...)
	q.lists[entry.Language] = restored
}

// Cancel removes the user's entry for a language. It is idempotent.
func (q *Queue) Cancel(userID int64, language string) (Entry, bool) {
	list := q.lists[language]
	_, idx, ok := lo.FindIndexOf(list, func(e Entry) bool { return e.UserID == userID })
	if !ok {
		return Entry{}, false
	}
	removed := list[idx]
	q.set(language, append(list[:idx:idx], list[idx+1:]...))
	return removed, true
}

// CancelConnection removes every entry created from conn.
func (q *Queue) CancelConnection(conn uuid.UUID) []Entry {
	return q.removeWhere(func(e Entry) bool { return e.Conn == conn })
}

// Expire removes the entries that waited longer than timeout.
func (q *Queue) Expire(now time.Time, timeout time.Duration) []Entry {
	return q.removeWhere(func(e Entry) bool { return now.Sub(e.EnqueuedAt) >= timeout })
}

func (q *Queue) removeWhere(match func(Entry) bool) []Entry {
	var removed []Entry
	for language, list := range q.lists {
		kept, dropped := lo.FilterReject(list, func(e Entry, _ int) bool { return !match(e) })
		if len(dropped) == 0 {
			continue
		}
		removed = append(removed, dropped...)
		q.set(language, kept)
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].seq < removed[j].seq })
	return removed
}

func (q *Queue) set(language string, list []Entry) {
	if len(list) == 0 {
		delete(q.lists, language)
		return
	}
	q.lists[language] = list
}

// Snapshot returns a copy of a language list in arrival order.
func (q *Queue) Snapshot(language string) []Entry {
	return append([]Entry(nil), q.lists[language]...)
}

func (q *Queue) Len(language string) int {
	return len(q.lists[language])
}
