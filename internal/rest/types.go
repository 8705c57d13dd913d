package rest

import "encoding/json"

// Gateway is returned by GET /gateway.
type Gateway struct {
	URL string `json:"url"`
}

// GatewayBot is returned by GET /gateway/bot.
type GatewayBot struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// SessionStartLimit bounds how many sessions a bot may start.
type SessionStartLimit struct {
	Total      int `json:"total"`
	Remaining  int `json:"remaining"`
	ResetAfter int `json:"reset_after"`
}

// User is a platform account.
type User struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator"`
	Avatar        string `json:"avatar,omitempty"`
	Bot           bool   `json:"bot,omitempty"`
}

// Channel is a guild or direct-message channel.
type Channel struct {
	ID       string `json:"id"`
	Type     int    `json:"type"`
	GuildID  string `json:"guild_id,omitempty"`
	Name     string `json:"name,omitempty"`
	Topic    string `json:"topic,omitempty"`
	Position int    `json:"position,omitempty"`
	NSFW     bool   `json:"nsfw,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
}

// Guild holds the guild fields the client inspects. Extra fields stay in Raw.
type Guild struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Icon    string          `json:"icon,omitempty"`
	OwnerID string          `json:"owner_id,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

// Message is a channel message.
type Message struct {
	ID        string  `json:"id"`
	ChannelID string  `json:"channel_id"`
	GuildID   string  `json:"guild_id,omitempty"`
	Author    *User   `json:"author,omitempty"`
	Content   string  `json:"content"`
	Timestamp string  `json:"timestamp,omitempty"`
	TTS       bool    `json:"tts,omitempty"`
	Embeds    []Embed `json:"embeds,omitempty"`
}

// Embed is rich message content.
type Embed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	Color       int    `json:"color,omitempty"`
}

// AllowedMentions restricts who a message may ping.
type AllowedMentions struct {
	Parse []string `json:"parse"`
	Roles []string `json:"roles,omitempty"`
	Users []string `json:"users,omitempty"`
}

// MessageCreate is the body of CreateMessage.
type MessageCreate struct {
	Content         string           `json:"content,omitempty"`
	Nonce           string           `json:"nonce,omitempty"`
	TTS             bool             `json:"tts,omitempty"`
	Embed           *Embed           `json:"embed,omitempty"`
	AllowedMentions *AllowedMentions `json:"allowed_mentions,omitempty"`
}

// MessageEdit is the body of EditMessage.
type MessageEdit struct {
	Content *string `json:"content,omitempty"`
	Embed   *Embed  `json:"embed,omitempty"`
	Flags   *int    `json:"flags,omitempty"`
}

// WebhookExecute is the body of ExecuteWebhook.
type WebhookExecute struct {
	Content   string  `json:"content,omitempty"`
	Username  string  `json:"username,omitempty"`
	AvatarURL string  `json:"avatar_url,omitempty"`
	TTS       bool    `json:"tts,omitempty"`
	Embeds    []Embed `json:"embeds,omitempty"`
}
