package realtime_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"worldchat/internal/mocks"
	"worldchat/internal/realtime"
	"worldchat/internal/storage"
)

type discardSink struct{}

func (discardSink) Send([]byte) bool { return true }

func startMatchingEvent(t *testing.T, conn uuid.UUID, userID int64, role string) realtime.Inbound {
	data, err := json.Marshal(realtime.StartMatchingPayload{UserID: userID, Language: "es", UserType: role})
	require.NoError(t, err)
	return realtime.Inbound{Conn: conn, Event: realtime.EventStartMatching, Data: data}
}

func TestHub_With_Store_Mock(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ana := &storage.User{ID: 1, Username: "ana", Type: "student", Status: "offline"}
	ben := &storage.User{ID: 2, Username: "ben", Type: "teacher", Status: "offline"}

	t.Run("should report a failed precondition lookup as a matching error", func(t *testing.T) {
		req := require.New(t)
		store := mocks.NewMockStore(ctrl)
		hub := realtime.NewHub(store, nil, realtime.Config{}, realtime.WithScheduler(realtime.InlineScheduler{}))
		conn := uuid.New()
		hub.Open(conn, discardSink{}, 1, false)

		store.EXPECT().GetUserByID(gomock.Any(), int64(1)).Return(ana, nil).Times(1)
		store.EXPECT().FindActiveConversation(gomock.Any(), int64(1), "es").Return(nil, errors.New("disk full")).Times(1)
		store.EXPECT().CreateConversation(gomock.Any(), gomock.Any()).Times(0)

		notes := hub.Handle(startMatchingEvent(t, conn, 1, "student"))

		req.Len(notes, 1)
		req.Equal(realtime.EventMatchingError, notes[0].Event)
		req.Empty(hub.Waiting("es"))
	})

	t.Run("should restore the partner when the pair check fails", func(t *testing.T) {
		req := require.New(t)
		store := mocks.NewMockStore(ctrl)
		hub := realtime.NewHub(store, nil, realtime.Config{}, realtime.WithScheduler(realtime.InlineScheduler{}))
		anaConn, benConn := uuid.New(), uuid.New()
		hub.Open(anaConn, discardSink{}, 1, false)
		hub.Open(benConn, discardSink{}, 2, false)

		store.EXPECT().GetUserByID(gomock.Any(), int64(1)).Return(ana, nil).Times(1)
		store.EXPECT().GetUserByID(gomock.Any(), int64(2)).Return(ben, nil).Times(1)
		store.EXPECT().FindActiveConversation(gomock.Any(), gomock.Any(), "es").Return(nil, nil).Times(2)
		store.EXPECT().FindConversationBetween(gomock.Any(), int64(2), int64(1), "es").Return(nil, errors.New("locked")).Times(1)
		store.EXPECT().CreateConversation(gomock.Any(), gomock.Any()).Times(0)

		req.Empty(hub.Handle(startMatchingEvent(t, anaConn, 1, "")))
		notes := hub.Handle(startMatchingEvent(t, benConn, 2, ""))

		req.Len(notes, 1)
		req.Equal(realtime.EventMatchingError, notes[0].Event)
		req.Equal([]uuid.UUID{benConn}, notes[0].Targets)
		waiting := hub.Waiting("es")
		req.Len(waiting, 1)
		req.Equal(int64(1), waiting[0].UserID)
	})

	t.Run("should create the conversation with the student first", func(t *testing.T) {
		req := require.New(t)
		store := mocks.NewMockStore(ctrl)
		hub := realtime.NewHub(store, nil, realtime.Config{}, realtime.WithScheduler(realtime.InlineScheduler{}))
		anaConn, benConn := uuid.New(), uuid.New()
		hub.Open(anaConn, discardSink{}, 1, false)
		hub.Open(benConn, discardSink{}, 2, false)
		created := &storage.Conversation{ID: 10, StudentID: 1, TeacherID: 2, Language: "es", Status: storage.ConversationRandom}

		store.EXPECT().GetUserByID(gomock.Any(), int64(2)).Return(ben, nil).Times(2)
		store.EXPECT().GetUserByID(gomock.Any(), int64(1)).Return(ana, nil).Times(1)
		store.EXPECT().FindActiveConversation(gomock.Any(), gomock.Any(), "es").Return(nil, nil).Times(2)
		store.EXPECT().FindConversationBetween(gomock.Any(), int64(1), int64(2), "es").Return(nil, nil).Times(1)
		store.EXPECT().
			CreateConversation(gomock.Any(), storage.NewConversation{StudentID: 1, TeacherID: 2, Language: "es", Status: storage.ConversationRandom}).
			Return(created, nil).
			Times(1)

		req.Empty(hub.Handle(startMatchingEvent(t, benConn, 2, "teacher")))
		notes := hub.Handle(startMatchingEvent(t, anaConn, 1, "student"))

		req.Len(notes, 2)
		for _, note := range notes {
			req.Equal(realtime.EventMatchFound, note.Event)
			req.Equal(created, note.Payload.(realtime.MatchFound).Conversation)
		}
	})
}
