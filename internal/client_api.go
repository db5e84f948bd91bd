package internal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"worldchat/internal/storage"
)

var (
	httpTimeout     = 5 * time.Second
	errNotConnected = errors.New("websocket not connected")
)

type sessionFile struct {
	Token string        `json:"token"`
	User  *storage.User `json:"user"`
}

func apiSignup(baseURL string, req signupRequest) (*authResponse, error) {
	var resp authResponse
	if err := doJSONRequest(http.MethodPost, baseURL+"/api/auth/signup", "", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func apiLogin(baseURL, email, password string) (*authResponse, error) {
	var resp authResponse
	if err := doJSONRequest(http.MethodPost, baseURL+"/api/auth/login", "", loginRequest{Email: email, Password: password}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func apiListConversations(baseURL, token string) ([]storage.Conversation, error) {
	var conversations []storage.Conversation
	err := doJSONRequest(http.MethodGet, baseURL+"/api/conversations", token, nil, &conversations)
	return conversations, err
}

func apiListMessages(baseURL, token string, conversationID int64) ([]storage.Message, error) {
	var messages []storage.Message
	path := fmt.Sprintf("%s/api/conversations/%d/messages", baseURL, conversationID)
	err := doJSONRequest(http.MethodGet, path, token, nil, &messages)
	return messages, err
}

func apiCreateMessage(baseURL, token string, conversationID int64, content string) (*storage.Message, error) {
	var message storage.Message
	path := fmt.Sprintf("%s/api/conversations/%d/messages", baseURL, conversationID)
	if err := doJSONRequest(http.MethodPost, path, token, messageRequest{Content: content}, &message); err != nil {
		return nil, err
	}
	return &message, nil
}

func apiEndConversation(baseURL, token string, conversationID int64) error {
	path := fmt.Sprintf("%s/api/conversations/%d/end", baseURL, conversationID)
	return doJSONRequest(http.MethodPost, path, token, nil, nil)
}

func apiGetUser(baseURL, token string, userID int64) (*storage.User, error) {
	var user storage.User
	if err := doJSONRequest(http.MethodGet, baseURL+"/api/users/"+strconv.FormatInt(userID, 10), token, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// apiUploadImage attaches the file at path to a message.
func apiUploadImage(baseURL, token string, messageID int64, path string) (*storage.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("message_id", strconv.FormatInt(messageID, 10)); err != nil {
		return nil, err
	}
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/api/images", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", UserAgent())
	var image storage.Image
	if err := sendRequest(req, &image); err != nil {
		return nil, err
	}
	return &image, nil
}

func doJSONRequest(method, endpoint, token string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(buf)
	}
	req, err := http.NewRequest(method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("User-Agent", UserAgent())
	return sendRequest(req, out)
}

func sendRequest(req *http.Request, out interface{}) error {
	client := &http.Client{Timeout: httpTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s", errUnauthorized, readResponseError(resp.Body))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, readResponseError(resp.Body))
	}
	if out == nil {
		return nil
	}
	// Bodies may be chunked without a length header.
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func readResponseError(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err == nil {
		if msg, ok := parsed["error"].(string); ok {
			return msg
		}
	}
	return strings.TrimSpace(string(data))
}

// httpBaseFromSocketURL turns ws://host/ws into http://host.
func httpBaseFromSocketURL(wsURL string) (string, error) {
	parsed, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	parsed.Path = ""
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return strings.TrimRight(parsed.String(), "/"), nil
}

func loadSessionFromDisk(path string) (*sessionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var session sessionFile
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	if session.Token == "" || session.User == nil || session.User.ID == 0 {
		return nil, errors.New("session file incomplete")
	}
	return &session, nil
}

func saveSessionToDisk(path string, session sessionFile) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func deleteSessionFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
