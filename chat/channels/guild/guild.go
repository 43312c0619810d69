// Package guild implements the guild-chat surface via an external bridge
// process, following the same NDJSON event stream protocol as the WhatsApp
// bridge. Guild events additionally carry a channel id inside the guild.
package guild

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

const reconnectDelay = 5 * time.Second

// Channel implements chat.Channel for guild chat.
type Channel struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a guild driver and verifies the bridge is reachable.
func New(bridgeURL, apiKey string) (*Channel, error) {
	ch := &Channel{
		baseURL:    strings.TrimRight(bridgeURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
	if err := ch.healthCheck(context.Background()); err != nil {
		return nil, fmt.Errorf("guild bridge not reachable: %w", err)
	}
	return ch, nil
}

// Name returns the surface this driver serves.
func (g *Channel) Name() chat.Surface {
	return chat.SurfaceGuild
}

// guildEvent is one message event from the bridge stream.
type guildEvent struct {
	GuildID      string `json:"guildId"`
	GuildSlug    string `json:"guildSlug"`
	GuildSubject string `json:"guildSubject"`
	ChannelID    string `json:"channelId"`
	UserID       string `json:"userId"`
	UserName     string `json:"userName"`
	MessageID    string `json:"messageId"`
	Content      string `json:"content"`
	MentionedMe  bool   `json:"mentionedMe"`
	Timestamp    int64  `json:"timestamp"`
}

// Start consumes the bridge event stream, reconnecting with a fixed delay.
func (g *Channel) Start(ctx context.Context, sink chan<- *chat.InboundEvent) error {
	for {
		if err := g.consumeStream(ctx, sink); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("Guild bridge stream dropped, reconnecting", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

func (g *Channel) consumeStream(ctx context.Context, sink chan<- *chat.InboundEvent) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/events", nil)
	if err != nil {
		return err
	}
	g.auth(req)

	resp, err := g.httpClient.Do(req)
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
		var ge guildEvent
		if err := json.Unmarshal(line, &ge); err != nil {
			slog.Debug("Skipping unparseable guild event", "error", err)
			continue
		}
		if ge.GuildID == "" || ge.UserID == "" {
			continue
		}
		evt := &chat.InboundEvent{
			Surface:      chat.SurfaceGuild,
			ChatType:     chat.ChatGroup,
			From:         ge.UserID,
			To:           ge.ChannelID,
			Body:         ge.Content,
			MentionsBot:  ge.MentionedMe,
			MessageID:    ge.MessageID,
			GroupID:      ge.GuildID,
			GroupSlug:    ge.GuildSlug,
			GroupSubject: ge.GuildSubject,
			ChannelID:    ge.ChannelID,
			SenderName:   ge.UserName,
			ReceivedAt:   time.Unix(ge.Timestamp, 0),
		}
		select {
		case sink <- evt:
		case <-ctx.Done():
			return nil
		}
	}
	return scanner.Err()
}

// Send posts one outbound message to a guild channel.
func (g *Channel) Send(ctx context.Context, msg *chat.OutgoingMessage) error {
	text := msg.Text
	for _, u := range msg.MediaURLs {
		if text != "" {
			text += "\n"
		}
		text += u
	}
	data, err := json.Marshal(map[string]string{
		"channelId": msg.To,
		"content":   text,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/send", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	g.auth(req)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return &chat.ChannelError{Code: "SEND_FAILED", Message: "guild send failed", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &chat.ChannelError{
			Code:    "SEND_FAILED",
			Message: fmt.Sprintf("guild send failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}
	return nil
}

// Close is a no-op; the bridge owns the connection.
func (g *Channel) Close() error {
	return nil
}

func (g *Channel) auth(req *http.Request) {
	if g.apiKey != "" {
		req.Header.Set("x-bridge-api-key", g.apiKey)
	}
}

func (g *Channel) healthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	g.auth(req)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	return nil
}

var _ chat.Channel = (*Channel)(nil)
