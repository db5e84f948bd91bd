package internal

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"worldchat/internal/realtime"
)

// pre styled colors, all from lipgloss
var (
	appTitleStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	subtitleStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("110")).MarginTop(1)
	menuBoxStyle        = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(1, 2).MarginTop(1)
	menuItemStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).PaddingLeft(1)
	menuHotkeyStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	menuHintStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	noticeBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("95")).Padding(1, 2).MarginTop(1)
	chatHeaderStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	statusStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	connectedStyle      = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle     = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	messageBodyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("253"))
	messageBoxStyle     = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(1, 2).MarginTop(1)
	inputBoxStyle       = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	timestampStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	usernameStyle       = lipgloss.NewStyle().Bold(true)
	activeUserStyle     = usernameStyle.Copy().Foreground(lipgloss.Color("213"))
	systemMessageStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	errorStyle          = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	dividerStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
	itemSelectedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	itemStyle           = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	typingStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)
	userColorPalette    = []lipgloss.Color{
		lipgloss.Color("45"),
		lipgloss.Color("81"),
		lipgloss.Color("141"),
		lipgloss.Color("98"),
		lipgloss.Color("63"),
		lipgloss.Color("135"),
		lipgloss.Color("32"),
	}
)

func (model TUIModel) View() string {
	if model.quitting {
		return ""
	}
	switch model.mode {
	case modeAuthMenu:
		return model.renderAuthMenuView()
	case modeAuthPrompt:
		return model.renderAuthPromptView()
	case modeHome:
		return model.renderHomeView()
	case modeLanguagePrompt:
		return model.renderPrompt("Find a partner", "Which language do you want to practice?")
	case modeMatching:
		return model.renderMatchingView()
	case modeConversations:
		return model.renderConversationsView()
	default:
		return model.renderChatView()
	}
}

func (model TUIModel) renderAuthMenuView() string {
	title := appTitleStyle.Render("WorldChat")
	subtitle := subtitleStyle.Render("Practice languages with people around the world")

	options := []string{
		renderMenuOption("1", "Log in"),
		renderMenuOption("2", "Sign up"),
		renderMenuOption("q", "Quit"),
	}

	viewSections := []string{
		lipgloss.JoinVertical(lipgloss.Left, title, subtitle),
		menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, options...)),
	}
	if model.loading {
		viewSections = append(viewSections, connectingStyle.Render("Working…"))
	}
	if notices := model.renderSystemNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}
	viewSections = append(viewSections, menuHintStyle.Render("1) Log in  •  2) Sign up  •  q) Quit"))

	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model TUIModel) renderAuthPromptView() string {
	title := "Log in"
	fields := loginFields
	if model.authIntent == authIntentSignup {
		title = "Create an account"
		fields = signupFields
	}
	hint := ""
	if step := len(model.form); step < len(fields) {
		hint = "Enter your " + fields[step]
	}
	return model.renderPrompt(title, hint)
}

func (model TUIModel) renderPrompt(title, hint string) string {
	header := appTitleStyle.Render(title)
	hintText := menuHintStyle.Render(hint)

	viewSections := []string{header, hintText}
	if model.loading {
		viewSections = append(viewSections, connectingStyle.Render("Working…"))
	}
	if notices := model.renderSystemNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}
	viewSections = append(viewSections, inputBoxStyle.Render(model.textInput.View()), menuHintStyle.Render("Enter to continue • Esc back"))

	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model TUIModel) renderHomeView() string {
	name := ""
	languages := ""
	if model.user != nil {
		name = model.user.Username
		languages = strings.Join(model.user.Languages, ", ")
	}
	title := appTitleStyle.Render(fmt.Sprintf("Welcome, %s", name))
	subtitle := subtitleStyle.Render(fmt.Sprintf("%s %s  |  Languages: %s", presenceDot(model.status), model.status, languages))

	options := []string{
		renderMenuOption("1", "Find a partner"),
		renderMenuOption("2", "My conversations"),
		renderMenuOption("s", "Change status"),
		renderMenuOption("l", "Log out"),
		renderMenuOption("q", "Quit"),
	}
	viewSections := []string{title, subtitle, model.renderConnection(), menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, options...))}
	if notices := model.renderSystemNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}
	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model TUIModel) renderMatchingView() string {
	title := appTitleStyle.Render("Looking for a partner")
	subtitle := subtitleStyle.Render(fmt.Sprintf("Language: %s", model.language))
	viewSections := []string{title, subtitle, connectingStyle.Render("Waiting for someone to join…")}
	if notices := model.renderSystemNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}
	viewSections = append(viewSections, menuHintStyle.Render("Esc to stop searching"))
	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model TUIModel) renderConversationsView() string {
	header := appTitleStyle.Render("My conversations")
	viewSections := []string{header, menuHintStyle.Render("↑/↓ select • Enter open • Esc back")}
	if model.loading {
		viewSections = append(viewSections, connectingStyle.Render("Loading conversations…"))
	}
	if notices := model.renderSystemNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}
	var lines []string
	if len(model.conversations) == 0 {
		lines = append(lines, menuHintStyle.Render("No conversations yet. Find a partner first."))
	}
	for idx, conversation := range model.conversations {
		label := fmt.Sprintf("#%d %s (%s) %s", conversation.ID, conversation.Language, conversation.Status, conversation.CreatedAt.Format("2006-01-02"))
		if idx == model.selected {
			lines = append(lines, itemSelectedStyle.Render("➤ "+label))
		} else {
			lines = append(lines, itemStyle.Render("  "+label))
		}
	}
	viewSections = append(viewSections, menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)))
	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model TUIModel) renderChatView() string {
	headerSegments := []string{"WorldChat"}
	if model.partner != "" {
		headerSegments = append(headerSegments, fmt.Sprintf("Chat with %s", model.partner))
	}
	if model.conversation != nil {
		headerSegments = append(headerSegments, fmt.Sprintf("Language %s", model.conversation.Language))
	}
	if model.user != nil {
		headerSegments = append(headerSegments, fmt.Sprintf("User %s", model.user.Username))
	}
	header := chatHeaderStyle.Render(strings.Join(headerSegments, dividerStyle))

	var messageLines []string
	for _, line := range model.lines {
		messageLines = append(messageLines, model.renderChatMessage(line))
	}
	if len(messageLines) == 0 {
		messageLines = append(messageLines, systemMessageStyle.Render("No messages yet. Say hi and start the conversation."))
	}

	sections := []string{header, model.renderConnection()}
	if roster := model.renderRoster(); roster != "" {
		sections = append(sections, roster)
	}
	sections = append(sections, messageBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, messageLines...)))
	if typing := model.typingLine(); typing != "" {
		sections = append(sections, typingStyle.Render(typing))
	}
	sections = append(sections, inputBoxStyle.Render(model.textInput.View()))
	sections = append(sections, menuHintStyle.Render("Esc or /leave to go back • /end to finish • /image <path> to send a picture"))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model TUIModel) renderConnection() string {
	switch {
	case model.connectionError != nil:
		return errorStyle.Render("Connection error: " + model.connectionError.Error())
	case model.isConnected:
		return connectedStyle.Render("Connected")
	default:
		return connectingStyle.Render("Connecting…")
	}
}

func (model TUIModel) renderRoster() string {
	if len(model.roster) == 0 {
		return ""
	}
	entries := make([]string, 0, len(model.roster))
	for _, entry := range model.roster {
		entries = append(entries, fmt.Sprintf("%s %s", presenceDot(entry.Status), entry.Username))
	}
	return statusStyle.Render(strings.Join(entries, "  "))
}

// typingLine names whoever is typing in the open conversation.
func (model TUIModel) typingLine() string {
	var names []string
	for name, typing := range model.typing {
		if typing {
			names = append(names, name)
		}
	}
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing…"
	default:
		return "several people are typing…"
	}
}

func renderMenuOption(hotkey string, label string) string {
	key := menuHotkeyStyle.Render(hotkey)
	return lipgloss.JoinHorizontal(lipgloss.Left, key, menuItemStyle.Render(label))
}

func (model TUIModel) renderSystemNotices() string {
	if len(model.notices) == 0 {
		return ""
	}
	notices := make([]string, 0, len(model.notices))
	for _, notice := range model.notices {
		notices = append(notices, systemMessageStyle.Render(notice))
	}
	return noticeBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, notices...))
}

// renderChatMessage renders a single log line. It stamps the timestamp, picks
// a color for the sender, and indents multi-line messages so they stay legible.
func (model TUIModel) renderChatMessage(line chatLine) string {
	timestamp := timestampStyle.Render(fmt.Sprintf("[%s]", line.At.Format("15:04:05")))
	if line.System {
		body := systemMessageStyle.Render(line.Body)
		return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", body)
	}

	var nameStyle lipgloss.Style
	if model.user != nil && line.UserID == model.user.ID {
		nameStyle = activeUserStyle
	} else {
		nameStyle = usernameStyle.Copy().Foreground(colorForUser(line.User))
	}

	name := nameStyle.Render(line.User)
	bodyText := messageBodyStyle.Render(strings.ReplaceAll(line.Body, "\n", "\n   "))

	return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", name, ": ", bodyText)
}

func presenceDot(status string) string {
	switch status {
	case realtime.StatusOnline:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Render("●")
	case realtime.StatusBusy:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Render("●")
	case realtime.StatusAway:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("178")).Render("●")
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Render("○")
	}
}

// color for users
func colorForUser(name string) lipgloss.Color {
	if len(userColorPalette) == 0 {
		return lipgloss.Color("249")
	}
	if name == "" {
		return userColorPalette[0]
	}
	var sum int
	for _, r := range name {
		sum += int(r)
	}
	return userColorPalette[sum%len(userColorPalette)]
}
