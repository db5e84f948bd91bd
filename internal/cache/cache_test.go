package cache

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"

	"worldchat/internal/storage"
)

func newTestCache(t *testing.T, ttl time.Duration) *Cache {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, ttl, slog.Default())
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.NewStore("sqlite://file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestCache_Set_Get_Invalidate(t *testing.T) {
	req := require.New(t)
	c := newTestCache(t, time.Minute)
	type room struct {
		Name    string
		Members int
	}

	var got room
	ok, err := c.Get("room:1", &got)
	req.NoError(err)
	req.False(ok)

	req.NoError(c.Set("room:1", room{Name: "chat-1", Members: 2}))
	ok, err = c.Get("room:1", &got)
	req.NoError(err)
	req.True(ok)
	req.Equal(room{Name: "chat-1", Members: 2}, got)

	req.NoError(c.Invalidate("room:1", "room:unknown"))
	ok, err = c.Get("room:1", &got)
	req.NoError(err)
	req.False(ok)
}

func TestCache_Entries_Expire(t *testing.T) {
	req := require.New(t)
	c := newTestCache(t, 0)

	// badger TTLs have a one second resolution
	req.NoError(c.SetWithTTL("short", "value", time.Second))
	req.NoError(c.Set("forever", "value"))

	req.Eventually(func() bool {
		var v string
		ok, err := c.Get("short", &v)
		return err == nil && !ok
	}, 5*time.Second, 100*time.Millisecond)

	var v string
	ok, err := c.Get("forever", &v)
	req.NoError(err)
	req.True(ok)
}

func TestStore_Serves_Users_From_Cache_Until_Invalidated(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	db := newTestStore(t)
	cached := NewStore(db, newTestCache(t, time.Minute))
	id, err := db.CreateUser(ctx, storage.NewUser{
		Username:     "alice",
		Email:        "alice@example.com",
		PasswordHash: []byte("hash"),
		Type:         "student",
		Languages:    []string{"fr"},
	})
	req.NoError(err)

	// Given a first read that fills the cache
	user, err := cached.GetUserByID(ctx, id)
	req.NoError(err)
	req.Equal("offline", user.Status)

	// When the row changes behind the cache's back, the cached copy is served
	_, err = db.UpdateUserStatus(ctx, id, "away", true)
	req.NoError(err)
	user, err = cached.GetUserByID(ctx, id)
	req.NoError(err)
	req.Equal("offline", user.Status)
	req.Equal([]byte("hash"), user.PasswordHash)

	// When the write goes through the cache, the entry is dropped
	_, err = cached.UpdateUserStatus(ctx, id, "busy", true)
	req.NoError(err)
	user, err = cached.GetUserByID(ctx, id)
	req.NoError(err)
	req.Equal("busy", user.Status)
	req.True(user.StatusIsManual)

	missing, err := cached.GetUserByID(ctx, 999)
	req.NoError(err)
	req.Nil(missing)
}

func TestStore_Drops_Ended_Conversations(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	db := newTestStore(t)
	cached := NewStore(db, newTestCache(t, time.Minute))
	var ids []int64
	for _, name := range []string{"ana", "ben"} {
		id, err := db.CreateUser(ctx, storage.NewUser{Username: name, Email: name + "@example.com", PasswordHash: []byte("h"), Type: "student"})
		req.NoError(err)
		ids = append(ids, id)
	}
	created, err := db.CreateConversation(ctx, storage.NewConversation{StudentID: ids[0], TeacherID: ids[1], Language: "es", Status: storage.ConversationRandom})
	req.NoError(err)

	got, err := cached.GetConversation(ctx, created.ID)
	req.NoError(err)
	req.Equal(storage.ConversationRandom, got.Status)

	_, err = cached.EndConversation(ctx, created.ID)
	req.NoError(err)
	got, err = cached.GetConversation(ctx, created.ID)
	req.NoError(err)
	req.Equal(storage.ConversationEnded, got.Status)

	_, err = cached.DeleteConversation(ctx, created.ID)
	req.NoError(err)
	got, err = cached.GetConversation(ctx, created.ID)
	req.NoError(err)
	req.Nil(got)
}
