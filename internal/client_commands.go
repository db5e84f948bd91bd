package internal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"

	"worldchat/internal/realtime"
	"worldchat/internal/storage"
)

type (
	connectedMsg     struct{}
	connectFailedMsg struct{ err error }
	reconnectMsg     struct{}
	endedMsg         struct{ err error }
	noticeMsg        string
	disconnectedMsg  struct {
		conn *websocket.Conn
		err  error
	}
	eventMsg struct {
		event string
		data  json.RawMessage
	}
	authDoneMsg struct {
		resp *authResponse
		err  error
	}
	conversationsMsg struct {
		conversations []storage.Conversation
		err           error
	}
	historyMsg struct {
		conversation *storage.Conversation
		partner      string
		messages     []storage.Message
		err          error
	}
	sentMsg struct {
		message *storage.Message
		image   string
		err     error
	}
	statusSent struct {
		status string
		err    error
	}
)

func (model *TUIModel) scheduleReconnect() tea.Cmd {
	delay := model.reconnectDelay
	return tea.Tick(delay, func(time.Time) tea.Msg {
		return reconnectMsg{}
	})
}

// websocket dial, authenticated through the token query parameter
func (model *TUIModel) connectCmd() tea.Cmd {
	serverURL, token, sock := model.serverURL, model.token, model.socket
	return func() tea.Msg {
		socketURL, err := buildSocketURL(serverURL, token)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		conn, _, err := websocket.DefaultDialer.Dial(socketURL, http.Header{"User-Agent": []string{UserAgent()}})
		if err != nil {
			return connectFailedMsg{err: err}
		}
		sock.set(conn)
		return connectedMsg{}
	}
}

// readOnceCmd reads the next frame and splits the envelope.
func (model *TUIModel) readOnceCmd() tea.Cmd {
	sock := model.socket
	return func() tea.Msg {
		conn := sock.get()
		if conn == nil {
			return disconnectedMsg{err: errNotConnected}
		}
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return disconnectedMsg{conn: conn, err: err}
		}
		if messageType != websocket.TextMessage || !gjson.ValidBytes(payload) {
			return eventMsg{}
		}
		parsed := gjson.ParseBytes(payload)
		return eventMsg{
			event: parsed.Get("event").String(),
			data:  json.RawMessage(parsed.Get("data").Raw),
		}
	}
}

func (model *TUIModel) emitCmd(event string, data any) tea.Cmd {
	sock := model.socket
	return func() tea.Msg {
		if err := sock.writeJSON(realtime.Envelope{Event: event, Data: data}); err != nil {
			return noticeMsg(fmt.Sprintf("Could not send %s: %v", event, err))
		}
		return nil
	}
}

func (model *TUIModel) loginCmd(email, password string) tea.Cmd {
	base := model.apiBase
	return func() tea.Msg {
		resp, err := apiLogin(base, email, password)
		return authDoneMsg{resp: resp, err: err}
	}
}

func (model *TUIModel) signupCmd(fields []string) tea.Cmd {
	base := model.apiBase
	req := signupRequest{
		Username:  fields[0],
		Email:     fields[1],
		Password:  fields[2],
		UserType:  strings.ToLower(fields[3]),
		Languages: splitLanguages(fields[4]),
	}
	return func() tea.Msg {
		resp, err := apiSignup(base, req)
		return authDoneMsg{resp: resp, err: err}
	}
}

func (model *TUIModel) conversationsCmd() tea.Cmd {
	base, token := model.apiBase, model.token
	return func() tea.Msg {
		conversations, err := apiListConversations(base, token)
		return conversationsMsg{conversations: conversations, err: err}
	}
}

// historyCmd loads a conversation's messages and the partner's name.
func (model *TUIModel) historyCmd(conversation storage.Conversation, partner string) tea.Cmd {
	base, token, me := model.apiBase, model.token, model.user.ID
	return func() tea.Msg {
		if partner == "" {
			otherID := conversation.StudentID
			if otherID == me {
				otherID = conversation.TeacherID
			}
			if user, err := apiGetUser(base, token, otherID); err == nil {
				partner = user.Username
			}
		}
		messages, err := apiListMessages(base, token, conversation.ID)
		return historyMsg{conversation: &conversation, partner: partner, messages: messages, err: err}
	}
}

// sendMessageCmd stores the message, attaches an image when given and relays
// it to the room.
func (model *TUIModel) sendMessageCmd(content, imagePath string) tea.Cmd {
	base, token, sock := model.apiBase, model.token, model.socket
	conversationID := model.conversation.ID
	user := *model.user
	return func() tea.Msg {
		message, err := apiCreateMessage(base, token, conversationID, content)
		if err != nil {
			return sentMsg{err: err}
		}
		var notice string
		payload := realtime.MessagePayload{
			ConversationID: conversationID,
			Message:        content,
			Username:       user.Username,
			UserID:         user.ID,
			MessageID:      message.ID,
		}
		if imagePath != "" {
			image, err := apiUploadImage(base, token, message.ID, imagePath)
			if err != nil {
				return sentMsg{message: message, err: err}
			}
			payload.Images, _ = json.Marshal([]*storage.Image{image})
			notice = fmt.Sprintf("Sent %s (%s)", image.Filename, formatFileSize(image.Size))
		}
		if err := sock.writeJSON(realtime.Envelope{Event: realtime.EventMessage, Data: payload}); err != nil {
			return sentMsg{message: message, err: err}
		}
		return sentMsg{message: message, image: notice}
	}
}

func (model *TUIModel) endConversationCmd() tea.Cmd {
	base, token, id := model.apiBase, model.token, model.conversation.ID
	return func() tea.Msg {
		return endedMsg{err: apiEndConversation(base, token, id)}
	}
}

func (model *TUIModel) statusCmd(status string) tea.Cmd {
	sock, userID := model.socket, model.user.ID
	return func() tea.Msg {
		err := sock.writeJSON(realtime.Envelope{Event: realtime.EventUpdateStatus, Data: realtime.UpdateStatusPayload{
			UserID:   userID,
			Status:   status,
			IsManual: true,
		}})
		return statusSent{status: status, err: err}
	}
}

// entry for bubbletea
func RunClient(opts ClientOptions) error {
	model, err := NewTUIModel(opts)
	if err != nil {
		return err
	}
	program := tea.NewProgram(model, tea.WithAltScreen())
	_, err = program.Run()
	model.socket.close()
	return err
}

func buildSocketURL(base, token string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return "", fmt.Errorf("invalid scheme for websocket: %s", parsed.Scheme)
	}
	if token != "" {
		query := parsed.Query()
		query.Set("token", token)
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}

func splitLanguages(raw string) []string {
	parts := lo.Map(strings.Split(raw, ","), func(part string, _ int) string {
		return strings.ToLower(strings.TrimSpace(part))
	})
	return lo.Uniq(lo.Compact(parts))
}
