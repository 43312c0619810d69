// Package chat provides the normalized message model shared by all chat
// surface drivers. Supported surfaces: WhatsApp (via Baileys bridge),
// Telegram, guild chat (via bridge), desktop messaging, embedded web chat.
package chat

import "time"

// Surface identifies a transport channel.
type Surface string

const (
	SurfaceWhatsApp Surface = "whatsapp"
	SurfaceTelegram Surface = "telegram"
	SurfaceGuild    Surface = "guild"
	SurfaceDesktop  Surface = "desktop"
	SurfaceWebchat  Surface = "webchat"
	SurfaceWebhook  Surface = "webhook"
)

// IsValid checks if the surface is known.
func (s Surface) IsValid() bool {
	switch s {
	case SurfaceWhatsApp, SurfaceTelegram, SurfaceGuild, SurfaceDesktop, SurfaceWebchat, SurfaceWebhook:
		return true
	default:
		return false
	}
}

// ChatType distinguishes direct messages from group/guild conversations.
type ChatType string

const (
	ChatDirect ChatType = "direct"
	ChatGroup  ChatType = "group"
)

// Media is one attachment reference carried by an inbound event.
type Media struct {
	URL      string // platform pseudo-URL, resolved by the owning driver
	Path     string // local path once downloaded
	MimeType string
	FileName string
}

// InboundEvent is one normalized inbound message from any transport.
// Drivers create these; the gate consumes them. Drivers never touch sessions.
type InboundEvent struct {
	Surface        Surface
	ChatType       ChatType
	From           string // platform sender id
	To             string // platform chat/destination id (reply target)
	Body           string
	MentionsBot    bool // native platform mention metadata
	TextMentionHit bool // set by the gate when a configured pattern matched
	Media          []Media
	Transcript     string // speech transcript, when the driver provides one
	MessageID      string
	GroupID        string
	GroupSlug      string
	GroupSubject   string
	ChannelID      string // sub-channel inside a guild, empty elsewhere
	SenderName     string
	ReceivedAt     time.Time
	Payload        map[string]any // raw webhook payload, nil for chat drivers
}

// OutgoingMessage is one deliverable unit handed to a surface driver.
type OutgoingMessage struct {
	Surface   Surface
	To        string
	Text      string
	MediaURLs []string
	Notice    bool // minimal failure notice, drivers may render differently
}
