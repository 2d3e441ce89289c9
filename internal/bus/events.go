// Package bus decouples chat channels from the agent core.
package bus

import "time"

// Channel names used for routing. External chat platforms add their own;
// these are the ones the core itself produces or special-cases.
const (
	ChannelCLI       = "cli"
	ChannelTelegram  = "telegram"
	ChannelSlack     = "slack"
	ChannelDiscord   = "discord"
	ChannelEmail     = "email"
	ChannelCron      = "cron"
	ChannelHeartbeat = "heartbeat"
	ChannelSystem    = "system"
)

// MetaProgress is the metadata key marking an outbound message as an
// intermediate progress update rather than a final reply.
const MetaProgress = "_progress"

// InboundMessage is a message received from a chat channel.
type InboundMessage struct {
	Channel   string         // "telegram", "slack", "cli", "system", …
	SenderID  string         // user identifier within the channel
	ChatID    string         // chat / room / DM identifier
	Content   string         // message text
	Timestamp time.Time      // when the message was received
	Media     []string       // local file paths of downloaded attachments
	Metadata  map[string]any // channel-specific extra data (message_id, thread id, …)
}

// NewInboundMessage creates an InboundMessage with Timestamp set to now.
func NewInboundMessage(channel, senderID, chatID, content string) InboundMessage {
	return InboundMessage{
		Channel:   channel,
		SenderID:  senderID,
		ChatID:    chatID,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// SessionKey returns the key used to look up the conversation session,
// in the form "channel:chat_id".
func (m InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// OutboundMessage is a response to be sent back through a channel.
type OutboundMessage struct {
	Channel  string         // destination channel name
	ChatID   string         // destination chat / room / DM identifier
	Content  string         // text to send
	Media    []string       // local file paths to attach (optional)
	Metadata map[string]any // routing hints forwarded from the inbound message
}

// NewOutboundMessage creates an OutboundMessage.
func NewOutboundMessage(channel, chatID, content string) OutboundMessage {
	return OutboundMessage{Channel: channel, ChatID: chatID, Content: content}
}

// IsProgress reports whether the message carries the progress marker.
func (m OutboundMessage) IsProgress() bool {
	v, _ := m.Metadata[MetaProgress].(bool)
	return v
}
