package internal

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"worldchat/internal/realtime"
)

func (ts *testServer) waiting(t *testing.T, language string) int {
	t.Helper()
	var n int
	err := ts.hub.Do(context.Background(), func() []realtime.Notification {
		n = len(ts.hub.Waiting(language))
		return nil
	})
	require.NoError(t, err)
	return n
}

func TestStartMatching_Long_Poll_Pairs_Two_Users(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, 5*time.Second)
	anaID, anaToken := ts.seedUser(t, "ana", "student", "es")
	benID, benToken := ts.seedUser(t, "ben", "teacher", "es")

	// Given ana waiting for a partner
	anaResult := make(chan *http.Response, 1)
	go func() {
		anaResult <- ts.do(t, http.MethodPost, "/api/matching/start", anaToken, map[string]string{"language": "ES"})
	}()
	req.Eventually(func() bool { return ts.waiting(t, "es") == 1 }, 2*time.Second, 10*time.Millisecond)

	// When ben asks for the same language without a role
	resp := ts.do(t, http.MethodPost, "/api/matching/start", benToken, map[string]string{"language": "es"})

	// Then both get the same conversation, ben as the teacher
	req.Equal(http.StatusOK, resp.StatusCode)
	benMatch := decodeBody[matchResponse](t, resp)
	req.Equal(anaID, benMatch.MatchedUser.ID)
	req.Equal(anaID, benMatch.Conversation.StudentID)
	req.Equal(benID, benMatch.Conversation.TeacherID)
	req.Equal("random", benMatch.Conversation.Status)

	var anaResp *http.Response
	select {
	case anaResp = <-anaResult:
	case <-time.After(2 * time.Second):
		t.Fatal("ana's request never returned")
	}
	req.Equal(http.StatusOK, anaResp.StatusCode)
	anaMatch := decodeBody[matchResponse](t, anaResp)
	req.Equal(benMatch.ConversationID, anaMatch.ConversationID)
	req.Equal(benID, anaMatch.MatchedUser.ID)
	req.Equal(0, ts.waiting(t, "es"))

	// And asking again while the conversation is open is a conflict
	resp = ts.do(t, http.MethodPost, "/api/matching/start", anaToken, map[string]string{"language": "es"})
	req.Equal(http.StatusConflict, resp.StatusCode)
	conflict := decodeBody[matchFailure](t, resp)
	req.Equal("conflict", conflict.Code)
	req.Equal(benMatch.ConversationID, conflict.ExistingConversation.ID)
}

func TestStartMatching_Long_Poll_Times_Out(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, 300*time.Millisecond)
	_, token := ts.seedUser(t, "ana", "student", "es")

	resp := ts.do(t, http.MethodPost, "/api/matching/start", token, map[string]string{"language": "es"})

	req.Equal(http.StatusNotFound, resp.StatusCode)
	failure := decodeBody[matchFailure](t, resp)
	req.Equal("timeout", failure.Code)
	req.NotEmpty(failure.Error)
	req.Eventually(func() bool { return ts.waiting(t, "es") == 0 }, time.Second, 10*time.Millisecond)
}

func TestStartMatching_Rejects_Unknown_Role(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, time.Second)
	_, token := ts.seedUser(t, "ana", "student", "es")

	resp := ts.do(t, http.MethodPost, "/api/matching/start", token, map[string]string{"language": "es", "userType": "guru"})
	req.Equal(http.StatusBadRequest, resp.StatusCode)
}

func (ts *testServer) dial(t *testing.T, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if token != "" {
		url += "?token=" + token
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

// readUntil reads frames until one carries the wanted event.
func readUntil(t *testing.T, conn *websocket.Conn, event string) realtime.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var envelope realtime.Envelope
		require.NoError(t, conn.ReadJSON(&envelope))
		if envelope.Event == event {
			return envelope
		}
	}
}

func TestWebsocket_Requires_Token(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, time.Second)

	_, resp, err := ts.dial(t, "")
	req.Error(err)
	req.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func TestWebsocket_Chat_In_Room(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, time.Second)
	anaID, anaToken := ts.seedUser(t, "ana", "student", "es")
	benID, benToken := ts.seedUser(t, "ben", "teacher", "es")
	conversation := ts.seedConversation(t, anaID, benID)

	ana, _, err := ts.dial(t, anaToken)
	req.NoError(err)
	online := readUntil(t, ana, realtime.EventUserStatusUpdate)
	req.Equal("online", online.Data.(map[string]any)["status"])

	ben, _, err := ts.dial(t, benToken)
	req.NoError(err)

	// Given both in the conversation room
	req.NoError(ana.WriteJSON(realtime.Envelope{Event: realtime.EventJoin, Data: realtime.JoinPayload{ConversationID: conversation.ID, Username: "ana", UserID: anaID}}))
	readUntil(t, ana, realtime.EventUserListUpdate)
	req.NoError(ben.WriteJSON(realtime.Envelope{Event: realtime.EventJoin, Data: realtime.JoinPayload{ConversationID: conversation.ID, Username: "ben", UserID: benID}}))
	joined := readUntil(t, ana, realtime.EventUserJoined)
	req.Equal("ben", joined.Data.(map[string]any)["username"])

	exists := ts.do(t, http.MethodGet, "/exists?room=chat-"+itoa(conversation.ID), "", nil)
	req.Equal(http.StatusOK, exists.StatusCode)

	// When ben writes
	req.NoError(ben.WriteJSON(realtime.Envelope{Event: realtime.EventMessage, Data: realtime.MessagePayload{
		ConversationID: conversation.ID, Message: "¿qué tal?", Username: "ben", UserID: benID,
	}}))

	// Then ana receives it
	message := readUntil(t, ana, realtime.EventMessage)
	req.Equal("¿qué tal?", message.Data.(map[string]any)["message"])

	// And frames without an event are answered with an error
	req.NoError(ben.WriteMessage(websocket.TextMessage, []byte(`{"data":{}}`)))
	readUntil(t, ben, realtime.EventError)

	// When ben leaves, ana sees it
	_ = ben.Close()
	left := readUntil(t, ana, realtime.EventUserLeft)
	req.Equal(float64(benID), left.Data.(map[string]any)["userId"])
}
