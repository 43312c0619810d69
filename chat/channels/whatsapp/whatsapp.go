// Package whatsapp implements the WhatsApp surface via a Baileys Node.js
// bridge. The bridge owns the WhatsApp session; this driver consumes its
// NDJSON event stream and posts outbound messages back.
package whatsapp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hrygo/clawgate/chat"
)

// reconnectDelay paces bridge stream reconnects.
const reconnectDelay = 5 * time.Second

// BridgeClient talks to the Baileys bridge HTTP API.
type BridgeClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewBridgeClient creates a bridge client. The HTTP client carries no timeout
// because the event stream is long-lived.
func NewBridgeClient(bridgeURL, apiKey string) *BridgeClient {
	return &BridgeClient{
		baseURL:    strings.TrimRight(bridgeURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

// bridgeEvent is one message event from the bridge stream.
type bridgeEvent struct {
	Key struct {
		RemoteJID   string `json:"remoteJid"`
		Participant string `json:"participant"` // sender inside a group
		FromMe      bool   `json:"fromMe"`
		ID          string `json:"id"`
	} `json:"key"`
	Message struct {
		Conversation string `json:"conversation"`
	} `json:"message"`
	MessageType  string `json:"messageType"` // conversation, imageMessage, ...
	PushName     string `json:"pushName"`
	GroupSubject string `json:"groupSubject"`
	MediaURL     string `json:"mediaUrl"`
	MimeType     string `json:"mimeType"`
	Transcript   string `json:"transcript"`
	MentionedMe  bool   `json:"mentionedMe"`
	Timestamp    int64  `json:"timestamp"`
}

// Channel implements chat.Channel for WhatsApp.
type Channel struct {
	bridge *BridgeClient
	ownJID string
}

// New creates a WhatsApp driver and verifies the bridge is reachable.
func New(bridgeURL, apiKey string) (*Channel, error) {
	bridge := NewBridgeClient(bridgeURL, apiKey)
	if err := bridge.HealthCheck(context.Background()); err != nil {
		return nil, fmt.Errorf("baileys bridge not reachable: %w", err)
	}
	return &Channel{bridge: bridge}, nil
}

// Name returns the surface this driver serves.
func (w *Channel) Name() chat.Surface {
	return chat.SurfaceWhatsApp
}

// Start consumes the bridge event stream, reconnecting with a fixed delay.
func (w *Channel) Start(ctx context.Context, sink chan<- *chat.InboundEvent) error {
	for {
		if err := w.consumeStream(ctx, sink); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("WhatsApp bridge stream dropped, reconnecting", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

func (w *Channel) consumeStream(ctx context.Context, sink chan<- *chat.InboundEvent) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.bridge.baseURL+"/events", nil)
	if err != nil {
		return err
	}
	w.bridge.auth(req)

	resp, err := w.bridge.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream: status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var be bridgeEvent
		if err := json.Unmarshal(line, &be); err != nil {
			slog.Debug("Skipping unparseable bridge event", "error", err)
			continue
		}
		evt := w.parse(&be)
		if evt == nil {
			continue
		}
		select {
		case sink <- evt:
		case <-ctx.Done():
			return nil
		}
	}
	return scanner.Err()
}

// parse normalizes one bridge event. Group JIDs end in @g.us; the participant
// field carries the actual sender there.
func (w *Channel) parse(be *bridgeEvent) *chat.InboundEvent {
	jid := be.Key.RemoteJID
	if jid == "" {
		return nil
	}

	evt := &chat.InboundEvent{
		Surface:     chat.SurfaceWhatsApp,
		ChatType:    chat.ChatDirect,
		From:        jid,
		To:          jid,
		Body:        be.Message.Conversation,
		MentionsBot: be.MentionedMe,
		Transcript:  be.Transcript,
		MessageID:   be.Key.ID,
		SenderName:  be.PushName,
		ReceivedAt:  time.Unix(be.Timestamp, 0),
	}
	if strings.HasSuffix(jid, "@g.us") {
		evt.ChatType = chat.ChatGroup
		evt.GroupID = jid
		evt.GroupSubject = be.GroupSubject
		if be.Key.Participant != "" {
			evt.From = be.Key.Participant
		}
	}
	if be.Key.FromMe && w.ownJID != "" {
		evt.From = w.ownJID
	}
	if be.MediaURL != "" {
		evt.Media = append(evt.Media, chat.Media{URL: be.MediaURL, MimeType: be.MimeType})
	}
	return evt
}

// Send posts one outbound message through the bridge.
func (w *Channel) Send(ctx context.Context, msg *chat.OutgoingMessage) error {
	text := msg.Text
	for _, u := range msg.MediaURLs {
		if text != "" {
			text += "\n"
		}
		text += u
	}
	if err := w.bridge.SendMessage(ctx, msg.To, text); err != nil {
		return &chat.ChannelError{Code: "SEND_FAILED", Message: "whatsapp send failed", Err: err}
	}
	return nil
}

// Close is a no-op; the bridge owns the session.
func (w *Channel) Close() error {
	return nil
}

func (b *BridgeClient) auth(req *http.Request) {
	if b.apiKey != "" {
		req.Header.Set("x-bridge-api-key", b.apiKey)
	}
}

// HealthCheck verifies the bridge is running and WhatsApp is connected.
func (b *BridgeClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	b.auth(req)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}

	var result struct {
		Status    string `json:"status"`
		Connected bool   `json:"connected"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		slog.Debug("Could not parse bridge health response", "error", err)
		return nil
	}
	if result.Status == "disconnected" || (result.Status == "" && !result.Connected) {
		return fmt.Errorf("whatsapp not connected: bridge is running but the session is not active")
	}
	return nil
}

// SendMessage posts one text message through the bridge.
func (b *BridgeClient) SendMessage(ctx context.Context, jid, content string) error {
	data, err := json.Marshal(map[string]string{
		"jid":     jid,
		"type":    "text",
		"content": content,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/send", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	b.auth(req)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("send failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

var _ chat.Channel = (*Channel)(nil)
