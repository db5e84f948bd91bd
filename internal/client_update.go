package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"worldchat/internal/realtime"
	"worldchat/internal/storage"
)

func (model *TUIModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typedMessage := message.(type) {
	case tea.KeyMsg:
		// Ctrl+C leaves from every screen.
		if typedMessage.Type == tea.KeyCtrlC {
			return model, model.quit()
		}
		switch model.mode {
		case modeAuthMenu:
			return model.updateAuthMenu(typedMessage)
		case modeAuthPrompt:
			return model.updateAuthPrompt(typedMessage)
		case modeHome:
			return model.updateHome(typedMessage)
		case modeLanguagePrompt:
			return model.updateLanguagePrompt(typedMessage)
		case modeMatching:
			if typedMessage.Type == tea.KeyEsc {
				model.goHome()
				return model, model.emitCmd(realtime.EventStopMatching, realtime.StopMatchingPayload{UserID: model.user.ID, Language: model.language})
			}
			return model, nil
		case modeConversations:
			return model.updateConversations(typedMessage)
		case modeChat:
			return model.updateChat(typedMessage)
		}

	case connectedMsg:
		model.isConnected = true
		model.connectionError = nil
		return model, model.readOnceCmd()

	case disconnectedMsg:
		// A read from a socket that was already replaced.
		if typedMessage.conn != nil && typedMessage.conn != model.socket.get() {
			return model, nil
		}
		model.isConnected = false
		model.socket.close()
		if model.quitting || model.token == "" {
			return model, nil
		}
		model.connectionError = typedMessage.err
		return model, model.scheduleReconnect()

	case connectFailedMsg:
		model.connectionError = typedMessage.err
		if errors.Is(typedMessage.err, websocket.ErrBadHandshake) {
			model.logout()
			model.notice("Your session expired. Please log in again.")
			return model, nil
		}
		if model.token != "" {
			return model, model.scheduleReconnect()
		}
		return model, nil

	case reconnectMsg:
		if model.token != "" && !model.isConnected {
			return model, model.connectCmd()
		}
		return model, nil

	case eventMsg:
		return model, tea.Batch(model.applyEvent(typedMessage), model.readOnceCmd())

	case authDoneMsg:
		model.loading = false
		if typedMessage.err != nil {
			model.notice(fmt.Sprintf("Authentication failed: %v", typedMessage.err))
			model.resetInput()
			model.mode = modeAuthMenu
			return model, nil
		}
		model.token = typedMessage.resp.Token
		model.user = typedMessage.resp.User
		model.status = realtime.StatusOnline
		if model.sessionPath != "" {
			if err := saveSessionToDisk(model.sessionPath, sessionFile{Token: model.token, User: model.user}); err != nil {
				model.notice(fmt.Sprintf("Could not save session: %v", err))
			}
		}
		model.goHome()
		return model, model.connectCmd()

	case conversationsMsg:
		model.loading = false
		if typedMessage.err != nil {
			model.notice(fmt.Sprintf("Could not load conversations: %v", typedMessage.err))
			return model, nil
		}
		model.conversations = typedMessage.conversations
		model.selected = 0
		return model, nil

	case historyMsg:
		model.loading = false
		if typedMessage.err != nil {
			model.notice(fmt.Sprintf("Could not open conversation: %v", typedMessage.err))
			return model, nil
		}
		return model, model.openChat(typedMessage.conversation, typedMessage.partner, typedMessage.messages)

	case sentMsg:
		if typedMessage.err != nil {
			model.addSystemLine(fmt.Sprintf("Message not sent: %v", typedMessage.err))
		}
		if typedMessage.image != "" {
			model.addSystemLine(typedMessage.image)
		}
		return model, nil

	case endedMsg:
		if typedMessage.err != nil {
			model.addSystemLine(fmt.Sprintf("Could not end conversation: %v", typedMessage.err))
			return model, nil
		}
		cmd := model.leaveChat()
		model.notice("Conversation ended.")
		return model, cmd

	case statusSent:
		if typedMessage.err != nil {
			model.notice(fmt.Sprintf("Could not change status: %v", typedMessage.err))
		}
		return model, nil

	case noticeMsg:
		model.notice(string(typedMessage))
		return model, nil
	}
	return model, nil
}

func (model *TUIModel) updateAuthMenu(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.String() {
	case "1", "l", "L":
		return model, model.startAuth(authIntentLogin)
	case "2", "s", "S":
		return model, model.startAuth(authIntentSignup)
	case "q", "Q", "esc":
		return model, model.quit()
	}
	return model, nil
}

func (model *TUIModel) startAuth(intent authIntent) tea.Cmd {
	model.authIntent = intent
	model.form = model.form[:0]
	model.mode = modeAuthPrompt
	model.promptNextField()
	return model.textInput.Focus()
}

func (model *TUIModel) authFields() []string {
	if model.authIntent == authIntentSignup {
		return signupFields
	}
	return loginFields
}

func (model *TUIModel) promptNextField() {
	field := model.authFields()[len(model.form)]
	model.textInput.SetValue("")
	model.textInput.EchoMode = textinput.EchoNormal
	model.textInput.Placeholder = field
	model.textInput.Prompt = strings.Fields(field)[0] + "> "
	switch field {
	case "password":
		model.textInput.EchoMode = textinput.EchoPassword
		model.textInput.EchoCharacter = '•'
	case "email":
		model.textInput.SetValue(model.email)
	}
}

func (model *TUIModel) updateAuthPrompt(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	if model.loading {
		return model, nil
	}
	switch key.Type {
	case tea.KeyEsc:
		model.resetInput()
		model.mode = modeAuthMenu
		return model, nil
	case tea.KeyEnter:
		value := strings.TrimSpace(model.textInput.Value())
		if value == "" {
			model.notice("This field cannot be empty.")
			return model, nil
		}
		model.form = append(model.form, value)
		fields := model.authFields()
		if len(model.form) < len(fields) {
			model.promptNextField()
			return model, nil
		}
		form := append([]string(nil), model.form...)
		model.form = model.form[:0]
		model.loading = true
		model.textInput.SetValue("")
		if model.authIntent == authIntentSignup {
			return model, model.signupCmd(form)
		}
		return model, model.loginCmd(form[0], form[1])
	}
	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(key)
	return model, cmd
}

func (model *TUIModel) updateHome(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.String() {
	case "1", "f", "F":
		model.mode = modeLanguagePrompt
		model.textInput.EchoMode = textinput.EchoNormal
		language := model.language
		if language == "" && model.user != nil && len(model.user.Languages) > 0 {
			language = model.user.Languages[0]
		}
		model.textInput.SetValue(language)
		model.textInput.Placeholder = "language code, e.g. es"
		model.textInput.Prompt = "language> "
		return model, model.textInput.Focus()
	case "2", "c", "C":
		model.mode = modeConversations
		model.loading = true
		return model, model.conversationsCmd()
	case "s", "S":
		if !model.isConnected {
			model.notice("Not connected yet.")
			return model, nil
		}
		return model, model.statusCmd(model.nextStatus())
	case "l", "L":
		model.logout()
		model.notice("Logged out.")
		return model, nil
	case "q", "Q":
		return model, model.quit()
	}
	return model, nil
}

func (model *TUIModel) updateLanguagePrompt(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.Type {
	case tea.KeyEsc:
		model.goHome()
		return model, nil
	case tea.KeyEnter:
		language := strings.ToLower(strings.TrimSpace(model.textInput.Value()))
		if language == "" {
			model.notice("Pick a language to practice.")
			return model, nil
		}
		if !model.isConnected {
			model.notice("Not connected yet, try again in a moment.")
			return model, nil
		}
		model.language = language
		model.mode = modeMatching
		model.resetInput()
		return model, model.emitCmd(realtime.EventStartMatching, realtime.StartMatchingPayload{
			UserID:   model.user.ID,
			Language: language,
			UserType: model.user.Type,
		})
	}
	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(key)
	return model, cmd
}

func (model *TUIModel) updateConversations(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.String() {
	case "up", "k":
		if model.selected > 0 {
			model.selected--
		}
	case "down", "j":
		if model.selected < len(model.conversations)-1 {
			model.selected++
		}
	case "esc":
		model.goHome()
	case "enter":
		if len(model.conversations) == 0 || model.loading {
			return model, nil
		}
		model.loading = true
		return model, model.historyCmd(model.conversations[model.selected], "")
	}
	return model, nil
}

func (model *TUIModel) updateChat(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.Type {
	case tea.KeyEsc:
		return model, model.leaveChat()
	case tea.KeyEnter:
		trimmed := strings.TrimSpace(model.textInput.Value())
		if trimmed == "" {
			return model, nil
		}
		model.textInput.SetValue("")
		stopTyping := model.typingCmd(false)
		if strings.HasPrefix(trimmed, "/") {
			return model, tea.Batch(stopTyping, model.runChatCommand(trimmed))
		}
		if model.conversation.Status == storage.ConversationEnded {
			model.addSystemLine("This conversation has ended.")
			return model, stopTyping
		}
		return model, tea.Batch(stopTyping, model.sendMessageCmd(trimmed, ""))
	}
	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(key)
	if model.textInput.Value() != "" && !model.sentTyping {
		return model, tea.Batch(cmd, model.typingCmd(true))
	}
	return model, cmd
}

func (model *TUIModel) runChatCommand(line string) tea.Cmd {
	command, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(command) {
	case "/leave":
		return model.leaveChat()
	case "/quit", "/exit":
		return model.quit()
	case "/end":
		return model.endConversationCmd()
	case "/image":
		if arg == "" {
			arg = defaultBrowsePath()
		}
		info, err := os.Stat(arg)
		if err != nil {
			model.addSystemLine(fmt.Sprintf("Cannot read %s: %v", arg, err))
			return nil
		}
		if info.IsDir() {
			model.listImages(arg)
			return nil
		}
		return model.sendMessageCmd("["+info.Name()+"]", arg)
	default:
		model.addSystemLine(fmt.Sprintf("Unknown command %s", command))
		return nil
	}
}

// listImages prints the pictures of a directory so one can be picked with /image.
func (model *TUIModel) listImages(dir string) {
	items, err := browseImages(dir)
	if err != nil {
		model.addSystemLine(fmt.Sprintf("Cannot list %s: %v", dir, err))
		return
	}
	if len(items) == 0 {
		model.addSystemLine(fmt.Sprintf("No images in %s", dir))
		return
	}
	for _, item := range items {
		if item.IsDir {
			model.addSystemLine(fmt.Sprintf("  %s/", item.Path))
			continue
		}
		model.addSystemLine(fmt.Sprintf("  %s (%s)", item.Path, formatFileSize(item.Size)))
	}
}

func (model *TUIModel) typingCmd(typing bool) tea.Cmd {
	if model.conversation == nil || model.sentTyping == typing {
		return nil
	}
	model.sentTyping = typing
	return model.emitCmd(realtime.EventTyping, realtime.TypingPayload{
		ConversationID: model.conversation.ID,
		Username:       model.user.Username,
		IsTyping:       typing,
	})
}

// applyEvent folds one server event into the model.
func (model *TUIModel) applyEvent(msg eventMsg) tea.Cmd {
	switch msg.event {
	case realtime.EventMatchFound:
		var found realtime.MatchFound
		if err := json.Unmarshal(msg.data, &found); err != nil || found.Conversation == nil {
			return nil
		}
		return model.openChat(found.Conversation, found.MatchedUser.Username, nil)

	case realtime.EventMatchingError:
		var failed realtime.MatchingError
		if err := json.Unmarshal(msg.data, &failed); err != nil {
			return nil
		}
		if model.mode == modeMatching {
			model.goHome()
		}
		model.notice(failed.Message)
		if failed.ExistingConversation != nil {
			model.notice(fmt.Sprintf("Conversation #%d is still open, find it under My conversations.", failed.ExistingConversation.ID))
		}

	case realtime.EventUserStatusUpdate:
		var change realtime.StatusChange
		if err := json.Unmarshal(msg.data, &change); err != nil {
			return nil
		}
		if model.user != nil && change.UserID == model.user.ID {
			model.status = change.Status
		}
		for i := range model.roster {
			if model.roster[i].ID == change.UserID {
				model.roster[i].Status = change.Status
			}
		}

	case realtime.EventUserJoined, realtime.EventUserLeft:
		var member realtime.MemberEvent
		if err := json.Unmarshal(msg.data, &member); err != nil || !model.inConversation(member.ConversationID) {
			return nil
		}
		if member.UserID == model.user.ID {
			return nil
		}
		if msg.event == realtime.EventUserJoined {
			model.addSystemLine(member.Username + " joined the conversation")
		} else {
			delete(model.typing, member.Username)
			model.addSystemLine(member.Username + " left the conversation")
		}

	case realtime.EventUserListUpdate:
		var roster []realtime.RosterEntry
		if err := json.Unmarshal(msg.data, &roster); err == nil && model.mode == modeChat {
			model.roster = roster
		}

	case realtime.EventMessage:
		var chat realtime.ChatMessage
		if err := json.Unmarshal(msg.data, &chat); err != nil || !model.inConversation(chat.ConversationID) {
			return nil
		}
		if chat.MessageID != 0 && lo.ContainsBy(model.lines, func(line chatLine) bool { return line.MessageID == chat.MessageID }) {
			return nil
		}
		delete(model.typing, chat.Username)
		model.lines = append(model.lines, chatLine{
			MessageID: chat.MessageID,
			UserID:    chat.UserID,
			User:      chat.Username,
			Body:      chat.Message,
			At:        chat.SentAt.Local(),
		})

	case realtime.EventMessageUpdated:
		var update realtime.MessageUpdatePayload
		if err := json.Unmarshal(msg.data, &update); err != nil || !model.inConversation(update.ConversationID) {
			return nil
		}
		for i := range model.lines {
			if model.lines[i].MessageID == update.MessageID {
				model.lines[i].Body = update.Message + " (edited)"
			}
		}

	case realtime.EventMessageDeleted:
		var deleted realtime.MessageDeletePayload
		if err := json.Unmarshal(msg.data, &deleted); err != nil || !model.inConversation(deleted.ConversationID) {
			return nil
		}
		model.lines = lo.Reject(model.lines, func(line chatLine, _ int) bool { return line.MessageID == deleted.MessageID })

	case realtime.EventUserTyping:
		var typing realtime.TypingEvent
		if err := json.Unmarshal(msg.data, &typing); err != nil || !model.inConversation(typing.ConversationID) {
			return nil
		}
		if model.user != nil && typing.UserID == model.user.ID {
			return nil
		}
		model.typing[typing.Username] = typing.IsTyping

	case realtime.EventConversationDeleted:
		var deleted realtime.ConversationDeleted
		if err := json.Unmarshal(msg.data, &deleted); err != nil {
			return nil
		}
		model.conversations = lo.Reject(model.conversations, func(c storage.Conversation, _ int) bool { return c.ID == deleted.ConversationID })
		if model.inConversation(deleted.ConversationID) {
			model.goHome()
			model.notice(fmt.Sprintf("Conversation #%d was deleted.", deleted.ConversationID))
		}

	case realtime.EventError:
		var text string
		if err := json.Unmarshal(msg.data, &text); err != nil {
			text = string(msg.data)
		}
		if model.mode == modeMatching {
			model.goHome()
		}
		if model.mode == modeChat {
			model.addSystemLine(text)
		} else {
			model.notice(text)
		}
	}
	return nil
}

func (model *TUIModel) inConversation(id int64) bool {
	return model.mode == modeChat && model.conversation != nil && model.conversation.ID == id
}

// openChat switches to the conversation and joins its room.
func (model *TUIModel) openChat(conversation *storage.Conversation, partner string, history []storage.Message) tea.Cmd {
	model.conversation = conversation
	model.partner = partner
	model.roster = nil
	model.typing = make(map[string]bool)
	model.sentTyping = false
	model.lines = model.lines[:0]
	for _, message := range history {
		if message.Status == storage.MessageDeleted {
			continue
		}
		author := partner
		if message.SenderID == model.user.ID {
			author = model.user.Username
		}
		body := message.Content
		if message.HasImage {
			body += " [image]"
		}
		model.lines = append(model.lines, chatLine{
			MessageID: message.ID,
			UserID:    message.SenderID,
			User:      author,
			Body:      body,
			At:        message.CreatedAt.Local(),
		})
	}
	if conversation.Status == storage.ConversationEnded {
		model.addSystemLine("This conversation has ended. You can read it but not reply.")
	}
	model.mode = modeChat
	model.textInput.EchoMode = textinput.EchoNormal
	model.textInput.SetValue("")
	model.textInput.Placeholder = "Type a message…"
	model.textInput.Prompt = "> "
	return tea.Batch(model.textInput.Focus(), model.emitCmd(realtime.EventJoin, realtime.JoinPayload{
		ConversationID: conversation.ID,
		Username:       model.user.Username,
		UserID:         model.user.ID,
	}))
}

func (model *TUIModel) leaveChat() tea.Cmd {
	if model.conversation == nil {
		model.goHome()
		return nil
	}
	cmds := []tea.Cmd{model.typingCmd(false), model.emitCmd(realtime.EventLeave, realtime.LeavePayload{
		ConversationID: model.conversation.ID,
		Username:       model.user.Username,
		UserID:         model.user.ID,
	})}
	model.goHome()
	return tea.Batch(cmds...)
}

func (model *TUIModel) goHome() {
	model.mode = modeHome
	model.conversation = nil
	model.partner = ""
	model.roster = nil
	model.lines = model.lines[:0]
	model.typing = make(map[string]bool)
	model.sentTyping = false
	model.loading = false
	model.resetInput()
}

func (model *TUIModel) logout() {
	model.socket.close()
	if err := deleteSessionFile(model.sessionPath); err != nil {
		model.notice(fmt.Sprintf("Could not remove session: %v", err))
	}
	model.goHome()
	model.mode = modeAuthMenu
	model.token = ""
	model.user = nil
	model.isConnected = false
	model.status = realtime.StatusOffline
}

func (model *TUIModel) quit() tea.Cmd {
	model.quitting = true
	model.socket.close()
	return tea.Quit
}

func (model *TUIModel) resetInput() {
	model.textInput.SetValue("")
	model.textInput.Blur()
	model.textInput.EchoMode = textinput.EchoNormal
	model.textInput.Placeholder = ""
	model.textInput.Prompt = ""
}

func (model *TUIModel) addSystemLine(text string) {
	model.lines = append(model.lines, chatLine{User: "system", Body: text, At: time.Now(), System: true})
}
