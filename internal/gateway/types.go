package gateway

import "encoding/json"

// GuildMembersQuery is the op 8 payload.
type GuildMembersQuery struct {
	GuildID   string   `json:"guild_id"`
	Query     string   `json:"query,omitempty"`
	Limit     int      `json:"limit"`
	Presences bool     `json:"presences,omitempty"`
	UserIDs   []string `json:"user_ids,omitempty"`
	Nonce     string   `json:"nonce,omitempty"`
}

// Presence statuses
const (
	StatusOnline       = "online"
	StatusIdle         = "idle"
	StatusDoNotDisturb = "dnd"
	StatusInvisible    = "invisible"
)

// Activity types
const (
	ActivityPlaying   = 0
	ActivityStreaming = 1
	ActivityListening = 2
	ActivityCustom    = 4
	ActivityCompeting = 5
)

// Activity is shown under the bot's name.
type Activity struct {
	Name string `json:"name"`
	Type int    `json:"type"`
	URL  string `json:"url,omitempty"`
}

// PresenceUpdate is the op 3 payload. Since is the unix time in milliseconds
// the client went idle, or nil.
type PresenceUpdate struct {
	Since  *int64    `json:"since"`
	Game   *Activity `json:"game"`
	Status string    `json:"status"`
	AFK    bool      `json:"afk"`
}

// User is the account attached to a READY payload.
type User struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator"`
	Bot           bool   `json:"bot,omitempty"`
}

// UnavailableGuild is a guild that will arrive later as GUILD_CREATE.
type UnavailableGuild struct {
	ID          string `json:"id"`
	Unavailable bool   `json:"unavailable"`
}

// Ready is the READY dispatch payload.
type Ready struct {
	Version   int                `json:"v"`
	User      User               `json:"user"`
	SessionID string             `json:"session_id"`
	Guilds    []UnavailableGuild `json:"guilds"`
	Shard     []int              `json:"shard,omitempty"`
}

// RawEvent is delivered to raw subscribers after the typed subscribers.
type RawEvent struct {
	Shard int
	Name  EventName
	Data  json.RawMessage
}
