// Package desktop implements the local desktop surface. A companion CLI (or
// anything that can write JSON lines) connects over a unix socket; replies go
// back over the same connection and raise a system notification.
package desktop

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gen2brain/beeep"

	"github.com/hrygo/clawgate/chat"
)

const notifyTitle = "clawgate"

// inboundLine is one JSONL record written by a connected client.
type inboundLine struct {
	From string `json:"from"`
	Body string `json:"body"`
}

// outboundLine is one JSONL record written back to clients.
type outboundLine struct {
	To   string   `json:"to"`
	Text string   `json:"text"`
	URLs []string `json:"urls,omitempty"`
	At   int64    `json:"at"`
}

// Channel implements chat.Channel over a unix socket.
type Channel struct {
	socketPath string
	notify     bool

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
}

// New creates a desktop driver bound to socketPath. With notify set, outbound
// messages also raise a desktop notification.
func New(socketPath string, notify bool) *Channel {
	return &Channel{
		socketPath: socketPath,
		notify:     notify,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Name returns the surface this driver serves.
func (d *Channel) Name() chat.Surface {
	return chat.SurfaceDesktop
}

// Start listens on the unix socket and ingests JSONL from every connection.
func (d *Channel) Start(ctx context.Context, sink chan<- *chat.InboundEvent) error {
	_ = os.Remove(d.socketPath)
	listener, err := net.Listen("unix", d.socketPath)
	if err != nil {
		return fmt.Errorf("desktop socket listen: %w", err)
	}
	d.mu.Lock()
	d.listener = listener
	d.mu.Unlock()
	slog.Info("Desktop socket listening", "path", d.socketPath)

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("Desktop socket accept failed", "error", err)
			continue
		}
		d.mu.Lock()
		d.conns[conn] = struct{}{}
		d.mu.Unlock()
		go d.serve(ctx, conn, sink)
	}
}

func (d *Channel) serve(ctx context.Context, conn net.Conn, sink chan<- *chat.InboundEvent) {
	defer func() {
		d.mu.Lock()
		delete(d.conns, conn)
		d.mu.Unlock()
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		var line inboundLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			slog.Debug("Skipping unparseable desktop line", "error", err)
			continue
		}
		if line.Body == "" {
			continue
		}
		from := line.From
		if from == "" {
			from = "local"
		}
		evt := &chat.InboundEvent{
			Surface:    chat.SurfaceDesktop,
			ChatType:   chat.ChatDirect,
			From:       from,
			To:         from,
			Body:       line.Body,
			ReceivedAt: time.Now(),
		}
		select {
		case sink <- evt:
		case <-ctx.Done():
			return
		}
	}
}

// Send writes the message to every connected client and raises a
// notification. With no client connected the notification alone carries it.
func (d *Channel) Send(ctx context.Context, msg *chat.OutgoingMessage) error {
	line := outboundLine{To: msg.To, Text: msg.Text, URLs: msg.MediaURLs, At: time.Now().Unix()}
	data, err := json.Marshal(line)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	d.mu.Lock()
	conns := make([]net.Conn, 0, len(d.conns))
	for c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	for _, c := range conns {
		if _, err := c.Write(data); err != nil {
			slog.Debug("Desktop client write failed", "error", err)
		}
	}

	if d.notify && !msg.Notice {
		if err := beeep.Notify(notifyTitle, truncate(msg.Text, 200), ""); err != nil {
			slog.Debug("Desktop notification failed", "error", err)
		}
	}
	return nil
}

// Close shuts the listener and all connections.
func (d *Channel) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for c := range d.conns {
		_ = c.Close()
	}
	d.conns = map[net.Conn]struct{}{}
	if d.listener != nil {
		return d.listener.Close()
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

var _ chat.Channel = (*Channel)(nil)
