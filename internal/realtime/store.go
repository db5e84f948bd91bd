//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_store.go -package=mocks
package realtime

import (
	"context"

	"worldchat/internal/storage"
)

// Store is the persistence the hub needs. Lookups of missing rows return (nil, nil).
type Store interface {
	GetUserByID(ctx context.Context, id int64) (*storage.User, error)
	UpdateUserStatus(ctx context.Context, id int64, status string, isManual bool) (*storage.User, error)
	FindActiveConversation(ctx context.Context, userID int64, language string) (*storage.Conversation, error)
	FindConversationBetween(ctx context.Context, userA, userB int64, language string) (*storage.Conversation, error)
	CreateConversation(ctx context.Context, in storage.NewConversation) (*storage.Conversation, error)
}
