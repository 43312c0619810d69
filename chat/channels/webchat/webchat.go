// Package webchat implements the embedded web chat surface over WebSocket.
// The gateway's HTTP server mounts the handler; each connected browser tab is
// one client identified by the user query parameter.
package webchat

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hrygo/clawgate/chat"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	maxMsgSize = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The gateway fronts its own UI; same-origin checks happen upstream.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientFrame is one message from the browser.
type clientFrame struct {
	Body string `json:"body"`
}

// serverFrame is one message to the browser.
type serverFrame struct {
	Type string   `json:"type"` // "message" | "typing" | "notice"
	Text string   `json:"text,omitempty"`
	URLs []string `json:"urls,omitempty"`
	At   int64    `json:"at"`
}

type client struct {
	conn *websocket.Conn
	send chan serverFrame
	user string
}

// Channel implements chat.Channel for the web chat surface.
type Channel struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{} // user -> connections
	sink    chan<- *chat.InboundEvent
	ctx     context.Context
}

// New creates the webchat driver.
func New() *Channel {
	return &Channel{clients: make(map[string]map[*client]struct{})}
}

// Name returns the surface this driver serves.
func (w *Channel) Name() chat.Surface {
	return chat.SurfaceWebchat
}

// Start binds the sink and blocks until ctx is done; connections arrive
// through ServeHTTP.
func (w *Channel) Start(ctx context.Context, sink chan<- *chat.InboundEvent) error {
	w.mu.Lock()
	w.sink = sink
	w.ctx = ctx
	w.mu.Unlock()
	<-ctx.Done()
	return nil
}

// ServeHTTP upgrades one WebSocket connection. Mounted by the HTTP server.
func (w *Channel) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		http.Error(rw, "user query parameter required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		slog.Debug("WebSocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan serverFrame, 32), user: user}
	w.mu.Lock()
	if w.clients[user] == nil {
		w.clients[user] = make(map[*client]struct{})
	}
	w.clients[user][c] = struct{}{}
	w.mu.Unlock()
	slog.Debug("Webchat client connected", "user", user)

	go w.writeLoop(c)
	w.readLoop(c)
}

func (w *Channel) readLoop(c *client) {
	defer w.drop(c)
	c.conn.SetReadLimit(maxMsgSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame clientFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("Webchat read error", "user", c.user, "error", err)
			}
			return
		}
		if frame.Body == "" {
			continue
		}

		w.mu.RLock()
		sink, ctx := w.sink, w.ctx
		w.mu.RUnlock()
		if sink == nil {
			continue
		}
		evt := &chat.InboundEvent{
			Surface:    chat.SurfaceWebchat,
			ChatType:   chat.ChatDirect,
			From:       c.user,
			To:         c.user,
			Body:       frame.Body,
			ReceivedAt: time.Now(),
		}
		select {
		case sink <- evt:
		case <-ctx.Done():
			return
		}
	}
}

func (w *Channel) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (w *Channel) drop(c *client) {
	w.mu.Lock()
	if conns, ok := w.clients[c.user]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(w.clients, c.user)
		}
	}
	w.mu.Unlock()
	close(c.send)
}

// Send routes one message to every connection of the target user.
func (w *Channel) Send(ctx context.Context, msg *chat.OutgoingMessage) error {
	frame := serverFrame{Type: "message", Text: msg.Text, URLs: msg.MediaURLs, At: time.Now().Unix()}
	if msg.Notice {
		frame.Type = "notice"
	}

	w.mu.RLock()
	conns := w.clients[msg.To]
	targets := make([]*client, 0, len(conns))
	for c := range conns {
		targets = append(targets, c)
	}
	w.mu.RUnlock()

	if len(targets) == 0 {
		return &chat.ChannelError{Code: "SEND_FAILED", Message: "webchat user not connected"}
	}
	for _, c := range targets {
		select {
		case c.send <- frame:
		default:
			slog.Debug("Webchat client send buffer full, dropping frame", "user", c.user)
		}
	}
	return nil
}

// Typing pushes a typing indicator to the target user's connections.
func (w *Channel) Typing(user string) {
	frame := serverFrame{Type: "typing", At: time.Now().Unix()}
	w.mu.RLock()
	for c := range w.clients[user] {
		select {
		case c.send <- frame:
		default:
		}
	}
	w.mu.RUnlock()
}

// Close disconnects every client.
func (w *Channel) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, conns := range w.clients {
		for c := range conns {
			_ = c.conn.Close()
		}
	}
	w.clients = make(map[string]map[*client]struct{})
	return nil
}

var _ chat.Channel = (*Channel)(nil)
