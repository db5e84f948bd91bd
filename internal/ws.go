package internal

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"worldchat/internal/auth"
	"worldchat/internal/realtime"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 8192
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client wraps a single websocket connection and its buffered send queue.
// It is the hub's Sink for that connection.
type Client struct {
	conn      *websocket.Conn
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, buffer int) *Client {
	return &Client{
		conn:   conn,
		send:   make(chan []byte, buffer),
		closed: make(chan struct{}),
	}
}

// Send queues a frame without blocking. A client whose buffer is full is too
// slow to keep up and gets disconnected.
func (c *Client) Send(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.close()
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// ServeWS upgrades an authenticated request and attaches the connection to
// the hub. The token comes from the "token" query parameter or the
// Authorization header.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = auth.BearerToken(r.Header.Get("Authorization"))
	}
	claims, err := s.issuer.Verify(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, errUnauthorized)
		return
	}
	websocketConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}

	client := newClient(websocketConn, s.sendBuffer)
	connectCtx, cancel := context.WithTimeout(context.Background(), writeWait)
	id, err := s.hub.Connect(connectCtx, client, claims.UserID, true)
	cancel()
	if err != nil {
		s.logger.Error("Failed to attach connection", "user_id", claims.UserID, "error", err)
		_ = websocketConn.Close()
		return
	}
	s.metrics.IncConn()
	s.logger.Debug("Websocket connected", "conn", id, "user_id", claims.UserID)

	go client.writePump()
	go s.readPump(client, id)
}

func (s *Server) readPump(client *Client, id uuid.UUID) {
	defer func() {
		s.hub.Disconnect(id)
		s.eventLimiter.Forget(id.String())
		s.metrics.DecConn()
		client.close()
		_ = client.conn.Close()
	}()
	client.conn.SetReadLimit(maxMsgSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("Websocket read failed", "conn", id, "error", err)
			}
			return
		}
		if !s.eventLimiter.Allow(id.String()) {
			client.Send(errorFrame("Too many events, slow down."))
			continue
		}
		if !gjson.ValidBytes(payload) {
			client.Send(errorFrame("Frames must be JSON objects with an event name."))
			continue
		}
		event := gjson.GetBytes(payload, "event")
		if event.Type != gjson.String || event.Str == "" {
			client.Send(errorFrame("Frames must be JSON objects with an event name."))
			continue
		}
		in := realtime.Inbound{Conn: id, Event: event.Str}
		if data := gjson.GetBytes(payload, "data"); data.Exists() {
			in.Data = json.RawMessage(data.Raw)
		}
		if err := s.hub.Submit(context.Background(), in); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.close()
				return
			}
		case <-c.closed:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func errorFrame(message string) []byte {
	frame, _ := json.Marshal(realtime.Envelope{Event: realtime.EventError, Data: message})
	return frame
}
