package internal

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"

	"worldchat/internal/realtime"
	"worldchat/internal/storage"
)

func newChattingModel(t *testing.T) *TUIModel {
	t.Helper()
	model, err := NewTUIModel(ClientOptions{ServerURL: "ws://localhost:1/ws"})
	require.NoError(t, err)
	model.token = "token"
	model.user = &storage.User{ID: 1, Username: "ana", Type: "student", Languages: []string{"es"}}
	model.isConnected = true
	model.openChat(&storage.Conversation{ID: 7, StudentID: 1, TeacherID: 2, Language: "es", Status: storage.ConversationRandom}, "ben", nil)
	return model
}

func event(t *testing.T, name string, payload any) eventMsg {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return eventMsg{event: name, data: data}
}

func TestBuildSocketURL(t *testing.T) {
	req := require.New(t)

	url, err := buildSocketURL("ws://localhost:8080/ws", "abc")
	req.NoError(err)
	req.Equal("ws://localhost:8080/ws?token=abc", url)

	_, err = buildSocketURL("http://localhost:8080/ws", "abc")
	req.Error(err)

	base, err := httpBaseFromSocketURL("wss://chat.example.com/ws?token=abc")
	req.NoError(err)
	req.Equal("https://chat.example.com", base)
}

func TestSession_File_Round_Trip(t *testing.T) {
	req := require.New(t)
	path := filepath.Join(t.TempDir(), "nested", "session.json")

	// Given a saved session
	req.NoError(saveSessionToDisk(path, sessionFile{Token: "abc", User: &storage.User{ID: 3, Username: "ana"}}))
	info, err := os.Stat(path)
	req.NoError(err)
	req.Equal(os.FileMode(0o600), info.Mode().Perm())

	// Then a new client starts on the home screen
	model, err := NewTUIModel(ClientOptions{ServerURL: "ws://localhost:1/ws", SessionPath: path})
	req.NoError(err)
	req.Equal(modeHome, model.mode)
	req.Equal("abc", model.token)
	req.Equal(int64(3), model.user.ID)
	req.NotNil(model.Init())

	// When it is deleted twice, nothing fails
	req.NoError(deleteSessionFile(path))
	req.NoError(deleteSessionFile(path))
	_, err = loadSessionFromDisk(path)
	req.Error(err)
}

func TestSession_Incomplete_File_Is_Ignored(t *testing.T) {
	req := require.New(t)
	path := filepath.Join(t.TempDir(), "session.json")
	req.NoError(os.WriteFile(path, []byte(`{"token":"abc"}`), 0o600))

	model, err := NewTUIModel(ClientOptions{ServerURL: "ws://localhost:1/ws", SessionPath: path})
	req.NoError(err)
	req.Equal(modeAuthMenu, model.mode)
	req.Empty(model.token)
}

func TestSplitLanguages(t *testing.T) {
	require.Equal(t, []string{"es", "fr"}, splitLanguages(" ES, fr,,es "))
}

func TestClient_Login_Prompts_Then_Submits(t *testing.T) {
	req := require.New(t)
	model, err := NewTUIModel(ClientOptions{ServerURL: "ws://localhost:1/ws", Email: "ana@example.com"})
	req.NoError(err)

	// Given the login prompt with the email prefilled
	model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("1")})
	req.Equal(modeAuthPrompt, model.mode)
	req.Equal("ana@example.com", model.textInput.Value())

	// When both fields are entered
	model.Update(tea.KeyMsg{Type: tea.KeyEnter})
	req.Equal([]string{"ana@example.com"}, model.form)
	model.textInput.SetValue("password123")
	_, cmd := model.Update(tea.KeyMsg{Type: tea.KeyEnter})

	// Then the login request is on its way
	req.NotNil(cmd)
	req.True(model.loading)
	req.Empty(model.form)

	// And a failure returns to the menu
	model.Update(authDoneMsg{err: errUnauthorized})
	req.Equal(modeAuthMenu, model.mode)
	req.False(model.loading)
	req.Len(model.notices, 1)
}

func TestClient_Empty_Field_Is_Refused(t *testing.T) {
	req := require.New(t)
	model, err := NewTUIModel(ClientOptions{ServerURL: "ws://localhost:1/ws"})
	req.NoError(err)

	model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("2")})
	_, cmd := model.Update(tea.KeyMsg{Type: tea.KeyEnter})

	req.Nil(cmd)
	req.Empty(model.form)
	req.Equal(authIntentSignup, model.authIntent)
	req.Equal([]string{"This field cannot be empty."}, model.notices)
}

func TestClient_Match_Found_Opens_Chat(t *testing.T) {
	req := require.New(t)
	model := newChattingModel(t)
	model.goHome()
	model.mode = modeMatching

	// When the server pairs us
	_, cmd := model.Update(event(t, realtime.EventMatchFound, realtime.MatchFound{
		Conversation: &storage.Conversation{ID: 9, StudentID: 1, TeacherID: 4, Language: "es", Status: storage.ConversationRandom},
		MatchedUser:  realtime.UserSummary{ID: 4, Username: "carla"},
	}))

	// Then the chat opens on the new conversation
	req.NotNil(cmd)
	req.Equal(modeChat, model.mode)
	req.Equal(int64(9), model.conversation.ID)
	req.Equal("carla", model.partner)
}

func TestClient_Matching_Error_Returns_Home(t *testing.T) {
	req := require.New(t)
	model := newChattingModel(t)
	model.goHome()
	model.mode = modeMatching

	model.Update(event(t, realtime.EventMatchingError, realtime.MatchingError{
		Message:              "You already have an active conversation",
		Code:                 "conflict",
		ExistingConversation: &storage.Conversation{ID: 5},
	}))

	req.Equal(modeHome, model.mode)
	req.Len(model.notices, 2)
	req.Contains(model.notices[1], "#5")
}

func TestClient_Chat_Events(t *testing.T) {
	req := require.New(t)
	model := newChattingModel(t)

	// Given ben typing
	model.Update(event(t, realtime.EventUserTyping, realtime.TypingEvent{ConversationID: 7, UserID: 2, Username: "ben", IsTyping: true}))
	req.Equal("ben is typing…", model.typingLine())

	// When his message arrives, twice
	message := realtime.ChatMessage{
		MessagePayload: realtime.MessagePayload{ConversationID: 7, Message: "hola", Username: "ben", UserID: 2, MessageID: 11},
		SentAt:         time.Now(),
	}
	model.Update(event(t, realtime.EventMessage, message))
	model.Update(event(t, realtime.EventMessage, message))

	// Then it shows once and the indicator is gone
	req.Len(model.lines, 1)
	req.Equal("hola", model.lines[0].Body)
	req.Empty(model.typingLine())

	// Messages for other conversations are ignored
	other := message
	other.ConversationID = 8
	other.MessageID = 12
	model.Update(event(t, realtime.EventMessage, other))
	req.Len(model.lines, 1)

	model.Update(event(t, realtime.EventMessageUpdated, realtime.MessageUpdatePayload{ConversationID: 7, MessageID: 11, Message: "hola!"}))
	req.Equal("hola! (edited)", model.lines[0].Body)

	model.Update(event(t, realtime.EventMessageDeleted, realtime.MessageDeletePayload{ConversationID: 7, MessageID: 11}))
	req.Empty(model.lines)

	model.Update(event(t, realtime.EventUserLeft, realtime.MemberEvent{ConversationID: 7, UserID: 2, Username: "ben"}))
	req.Len(model.lines, 1)
	req.True(model.lines[0].System)
}

func TestClient_Status_And_Roster(t *testing.T) {
	req := require.New(t)
	model := newChattingModel(t)

	model.Update(event(t, realtime.EventUserListUpdate, []realtime.RosterEntry{{ID: 1, Username: "ana", Status: "online"}, {ID: 2, Username: "ben", Status: "online"}}))
	model.Update(event(t, realtime.EventUserStatusUpdate, realtime.StatusChange{UserID: 2, Status: "away", IsManual: true}))
	model.Update(event(t, realtime.EventUserStatusUpdate, realtime.StatusChange{UserID: 1, Status: "busy", IsManual: true}))

	req.Equal("away", model.roster[1].Status)
	req.Equal("busy", model.status)
	req.Equal(realtime.StatusAway, model.nextStatus())
}

func TestClient_Conversation_Deleted_Leaves_Chat(t *testing.T) {
	req := require.New(t)
	model := newChattingModel(t)

	model.Update(event(t, realtime.EventConversationDeleted, realtime.ConversationDeleted{ConversationID: 7}))

	req.Equal(modeHome, model.mode)
	req.Nil(model.conversation)
	req.Len(model.notices, 1)
}

func TestClient_Typing_Is_Sent_Once(t *testing.T) {
	req := require.New(t)
	model := newChattingModel(t)

	_, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("h")})
	req.NotNil(cmd)
	req.True(model.sentTyping)

	model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("i")})
	req.True(model.sentTyping)

	// Leaving clears the indicator
	model.Update(tea.KeyMsg{Type: tea.KeyEsc})
	req.False(model.sentTyping)
	req.Equal(modeHome, model.mode)
}

func TestClient_Image_Command_Lists_Directory(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	req.NoError(os.WriteFile(filepath.Join(dir, "cat.png"), pngBytes, 0o600))
	req.NoError(os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	req.NoError(os.WriteFile(filepath.Join(dir, ".hidden.png"), pngBytes, 0o600))
	req.NoError(os.Mkdir(filepath.Join(dir, "album"), 0o700))

	items, err := browseImages(dir)
	req.NoError(err)
	req.Len(items, 2)
	req.Equal("album", items[0].Name)
	req.True(items[0].IsDir)
	req.Equal("cat.png", items[1].Name)
	req.Equal(int64(len(pngBytes)), items[1].Size)

	model := newChattingModel(t)
	model.textInput.SetValue("/image " + dir)
	model.Update(tea.KeyMsg{Type: tea.KeyEnter})
	req.Len(model.lines, 2)
	req.Contains(model.lines[1].Body, "cat.png")
}

func TestFormatFileSize(t *testing.T) {
	req := require.New(t)
	req.Equal("512 B", formatFileSize(512))
	req.Equal("1.5 KB", formatFileSize(1536))
	req.Equal("2.0 MB", formatFileSize(2<<20))
}

func TestClient_API_Against_Server(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, time.Second)
	benID, _ := ts.seedUser(t, "ben", "teacher", "es")

	// Given a new account
	signed, err := apiSignup(ts.URL, signupRequest{Username: "ana", Email: "ana@example.com", Password: "password123", UserType: "student", Languages: []string{"es"}})
	req.NoError(err)
	req.NotEmpty(signed.Token)

	_, err = apiLogin(ts.URL, "ana@example.com", "wrong-password")
	req.ErrorIs(err, errUnauthorized)
	logged, err := apiLogin(ts.URL, "ana@example.com", "password123")
	req.NoError(err)
	token := logged.Token

	// When ana writes in a conversation with ben
	conversation := ts.seedConversation(t, signed.User.ID, benID)
	message, err := apiCreateMessage(ts.URL, token, conversation.ID, "hola")
	req.NoError(err)

	path := filepath.Join(t.TempDir(), "cat.png")
	req.NoError(os.WriteFile(path, pngBytes, 0o600))
	image, err := apiUploadImage(ts.URL, token, message.ID, path)
	req.NoError(err)
	req.Equal("cat.png", image.Filename)

	// Then the history and conversation list reflect it
	conversations, err := apiListConversations(ts.URL, token)
	req.NoError(err)
	req.Len(conversations, 1)
	messages, err := apiListMessages(ts.URL, token, conversation.ID)
	req.NoError(err)
	req.Len(messages, 1)
	req.True(messages[0].HasImage)

	partner, err := apiGetUser(ts.URL, token, benID)
	req.NoError(err)
	req.Equal("ben", partner.Username)

	req.NoError(apiEndConversation(ts.URL, token, conversation.ID))
	ended, err := ts.store.GetConversation(context.Background(), conversation.ID)
	req.NoError(err)
	req.Equal(storage.ConversationEnded, ended.Status)
}
