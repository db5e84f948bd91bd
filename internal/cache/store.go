package cache

import (
	"context"
	"fmt"

	"worldchat/internal/storage"
)

// Store serves user and conversation reads from the cache and falls back to
// the database. Writes go to the database first, then drop the stale entry.
// Cache failures are logged and never fail the call.
type Store struct {
	*storage.Store
	cache *Cache
}

func NewStore(db *storage.Store, cache *Cache) *Store {
	return &Store{Store: db, cache: cache}
}

func userKey(id int64) string {
	return fmt.Sprintf("user:%d", id)
}

func conversationKey(id int64) string {
	return fmt.Sprintf("conversation:%d", id)
}

// cachedUser keeps the password hash, which User hides from JSON.
type cachedUser struct {
	User storage.User `json:"user"`
	Hash []byte       `json:"hash"`
}

func (s *Store) GetUserByID(ctx context.Context, id int64) (*storage.User, error) {
	var hit cachedUser
	if ok, err := s.cache.Get(userKey(id), &hit); err != nil {
		s.cache.logger.Warn("Cache read failed", "key", userKey(id), "error", err)
	} else if ok {
		user := hit.User
		user.PasswordHash = hit.Hash
		return &user, nil
	}

	user, err := s.Store.GetUserByID(ctx, id)
	if err != nil || user == nil {
		return user, err
	}
	if err := s.cache.Set(userKey(id), cachedUser{User: *user, Hash: user.PasswordHash}); err != nil {
		s.cache.logger.Warn("Cache write failed", "key", userKey(id), "error", err)
	}
	return user, nil
}

func (s *Store) UpdateUserStatus(ctx context.Context, id int64, status string, isManual bool) (*storage.User, error) {
	user, err := s.Store.UpdateUserStatus(ctx, id, status, isManual)
	s.drop(userKey(id))
	return user, err
}

func (s *Store) UpdatePassword(ctx context.Context, userID int64, newHash []byte) error {
	err := s.Store.UpdatePassword(ctx, userID, newHash)
	s.drop(userKey(userID))
	return err
}

func (s *Store) GetConversation(ctx context.Context, id int64) (*storage.Conversation, error) {
	var hit storage.Conversation
	if ok, err := s.cache.Get(conversationKey(id), &hit); err != nil {
		s.cache.logger.Warn("Cache read failed", "key", conversationKey(id), "error", err)
	} else if ok {
		return &hit, nil
	}

	conversation, err := s.Store.GetConversation(ctx, id)
	if err != nil || conversation == nil {
		return conversation, err
	}
	if err := s.cache.Set(conversationKey(id), conversation); err != nil {
		s.cache.logger.Warn("Cache write failed", "key", conversationKey(id), "error", err)
	}
	return conversation, nil
}

func (s *Store) EndConversation(ctx context.Context, id int64) (*storage.Conversation, error) {
	conversation, err := s.Store.EndConversation(ctx, id)
	s.drop(conversationKey(id))
	return conversation, err
}

func (s *Store) DeleteConversation(ctx context.Context, id int64) ([]string, error) {
	paths, err := s.Store.DeleteConversation(ctx, id)
	s.drop(conversationKey(id))
	return paths, err
}

func (s *Store) drop(key string) {
	if err := s.cache.Invalidate(key); err != nil {
		s.cache.logger.Warn("Cache invalidation failed", "key", key, "error", err)
	}
}
