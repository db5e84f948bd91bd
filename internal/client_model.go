package internal

import (
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"worldchat/internal/realtime"
	"worldchat/internal/storage"
)

// ClientOptions configures the terminal client.
type ClientOptions struct {
	// ServerURL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	ServerURL   string
	Email       string
	Language    string
	SessionPath string
}

// chatLine is one rendered line of a conversation.
type chatLine struct {
	MessageID int64
	UserID    int64
	User      string
	Body      string
	At        time.Time
	System    bool
}

// socket guards the websocket shared by the read and write commands.
type socket struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *socket) get() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *socket) set(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
}

func (s *socket) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return errNotConnected
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

func (s *socket) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = s.conn.Close()
		s.conn = nil
	}
}

// tui model struct for all the components and modes
type TUIModel struct {
	textInput       textinput.Model
	notices         []string
	lines           []chatLine
	serverURL       string
	apiBase         string
	sessionPath     string
	token           string
	user            *storage.User
	status          string
	socket          *socket
	isConnected     bool
	connectionError error
	mode            appMode
	authIntent      authIntent
	form            []string
	loading         bool
	language        string
	email           string

	conversations  []storage.Conversation
	selected       int
	conversation   *storage.Conversation
	partner        string
	roster         []realtime.RosterEntry
	typing         map[string]bool
	sentTyping     bool
	quitting       bool
	reconnectDelay time.Duration
}

type appMode int

const (
	modeAuthMenu appMode = iota
	modeAuthPrompt
	modeHome
	modeLanguagePrompt
	modeMatching
	modeConversations
	modeChat
)

type authIntent int

const (
	authIntentLogin authIntent = iota
	authIntentSignup
)

// Prompts asked in order for each auth flow.
var (
	loginFields  = []string{"email", "password"}
	signupFields = []string{"username", "email", "password", "role (student/teacher)", "languages (comma separated)"}
)

var statusCycle = []string{realtime.StatusOnline, realtime.StatusBusy, realtime.StatusAway}

func NewTUIModel(opts ClientOptions) (*TUIModel, error) {
	apiBase, err := httpBaseFromSocketURL(opts.ServerURL)
	if err != nil {
		return nil, err
	}
	input := textinput.New()
	input.CharLimit = 0
	input.Prompt = ""

	model := &TUIModel{
		textInput:      input,
		notices:        make([]string, 0, 8),
		lines:          make([]chatLine, 0, 64),
		serverURL:      opts.ServerURL,
		apiBase:        apiBase,
		sessionPath:    opts.SessionPath,
		status:         realtime.StatusOffline,
		socket:         &socket{},
		mode:           modeAuthMenu,
		language:       opts.Language,
		email:          opts.Email,
		typing:         make(map[string]bool),
		reconnectDelay: 2 * time.Second,
	}
	if opts.SessionPath != "" {
		if session, err := loadSessionFromDisk(opts.SessionPath); err == nil {
			model.token = session.Token
			model.user = session.User
			model.mode = modeHome
		}
	}
	return model, nil
}

func (model *TUIModel) Init() tea.Cmd {
	if model.mode == modeHome {
		return model.connectCmd()
	}
	return nil
}

func (model *TUIModel) notice(text string) {
	const keep = 6
	model.notices = append(model.notices, text)
	if len(model.notices) > keep {
		model.notices = model.notices[len(model.notices)-keep:]
	}
}

func (model *TUIModel) nextStatus() string {
	for i, status := range statusCycle {
		if status == model.status {
			return statusCycle[(i+1)%len(statusCycle)]
		}
	}
	return statusCycle[1]
}
