package bus

// InboundMessage represents a message received from a channel
// (Telegram, Discord, etc.) normalized for routing.
type InboundMessage struct {
	ChannelID  string            `json:"channel_id"`
	ChatID     string            `json:"chat_id"`
	SenderID   string            `json:"sender_id"`
	SenderName string            `json:"sender_name,omitempty"`
	Text       string            `json:"text"`
	MessageID  string            `json:"message_id,omitempty"`
	ReplyTo    string            `json:"reply_to,omitempty"`
	Media      []string          `json:"media,omitempty"` // file paths or URLs
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// MediaKind hints how a channel should deliver an attachment.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
)

// MediaAttachment is a file to be sent with an outbound message.
type MediaAttachment struct {
	URL     string    `json:"url"` // local path or URL
	Kind    MediaKind `json:"kind,omitempty"`
	Caption string    `json:"caption,omitempty"`
}

// InboundHandler processes a normalized inbound message. The channel manager
// installs one per channel at registration time.
type InboundHandler func(InboundMessage) error
