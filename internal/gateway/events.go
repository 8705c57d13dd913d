package gateway

import "fmt"

// EventName is a dispatch event name sent by the gateway.
type EventName string

// Dispatch events the manager knows how to emit.
const (
	EventReady                      EventName = "READY"
	EventResumed                    EventName = "RESUMED"
	EventReconnect                  EventName = "RECONNECT"
	EventChannelCreate              EventName = "CHANNEL_CREATE"
	EventChannelUpdate              EventName = "CHANNEL_UPDATE"
	EventChannelDelete              EventName = "CHANNEL_DELETE"
	EventChannelPinsUpdate          EventName = "CHANNEL_PINS_UPDATE"
	EventGuildCreate                EventName = "GUILD_CREATE"
	EventGuildUpdate                EventName = "GUILD_UPDATE"
	EventGuildDelete                EventName = "GUILD_DELETE"
	EventGuildBanAdd                EventName = "GUILD_BAN_ADD"
	EventGuildBanRemove             EventName = "GUILD_BAN_REMOVE"
	EventGuildEmojisUpdate          EventName = "GUILD_EMOJIS_UPDATE"
	EventGuildIntegrationsUpdate    EventName = "GUILD_INTEGRATIONS_UPDATE"
	EventGuildMemberAdd             EventName = "GUILD_MEMBER_ADD"
	EventGuildMemberRemove          EventName = "GUILD_MEMBER_REMOVE"
	EventGuildMemberUpdate          EventName = "GUILD_MEMBER_UPDATE"
	EventGuildMembersChunk          EventName = "GUILD_MEMBERS_CHUNK"
	EventGuildRoleCreate            EventName = "GUILD_ROLE_CREATE"
	EventGuildRoleUpdate            EventName = "GUILD_ROLE_UPDATE"
	EventGuildRoleDelete            EventName = "GUILD_ROLE_DELETE"
	EventIntegrationCreate          EventName = "INTEGRATION_CREATE"
	EventIntegrationUpdate          EventName = "INTEGRATION_UPDATE"
	EventIntegrationDelete          EventName = "INTEGRATION_DELETE"
	EventInviteCreate               EventName = "INVITE_CREATE"
	EventInviteDelete               EventName = "INVITE_DELETE"
	EventMessageCreate              EventName = "MESSAGE_CREATE"
	EventMessageUpdate              EventName = "MESSAGE_UPDATE"
	EventMessageDelete              EventName = "MESSAGE_DELETE"
	EventMessageDeleteBulk          EventName = "MESSAGE_DELETE_BULK"
	EventMessageReactionAdd         EventName = "MESSAGE_REACTION_ADD"
	EventMessageReactionRemove      EventName = "MESSAGE_REACTION_REMOVE"
	EventMessageReactionRemoveAll   EventName = "MESSAGE_REACTION_REMOVE_ALL"
	EventMessageReactionRemoveEmoji EventName = "MESSAGE_REACTION_REMOVE_EMOJI"
	EventPresenceUpdate             EventName = "PRESENCE_UPDATE"
	EventTypingStart                EventName = "TYPING_START"
	EventUserUpdate                 EventName = "USER_UPDATE"
	EventVoiceStateUpdate           EventName = "VOICE_STATE_UPDATE"
	EventVoiceServerUpdate          EventName = "VOICE_SERVER_UPDATE"
	EventWebhooksUpdate             EventName = "WEBHOOKS_UPDATE"
	EventApplicationCommandCreate   EventName = "APPLICATION_COMMAND_CREATE"
	EventApplicationCommandUpdate   EventName = "APPLICATION_COMMAND_UPDATE"
	EventApplicationCommandDelete   EventName = "APPLICATION_COMMAND_DELETE"
	EventInteractionCreate          EventName = "INTERACTION_CREATE"
)

// RecognizedEvents lists every dispatch event name the manager emits.
var RecognizedEvents = []EventName{
	EventReady,
	EventResumed,
	EventReconnect,
	EventChannelCreate,
	EventChannelUpdate,
	EventChannelDelete,
	EventChannelPinsUpdate,
	EventGuildCreate,
	EventGuildUpdate,
	EventGuildDelete,
	EventGuildBanAdd,
	EventGuildBanRemove,
	EventGuildEmojisUpdate,
	EventGuildIntegrationsUpdate,
	EventGuildMemberAdd,
	EventGuildMemberRemove,
	EventGuildMemberUpdate,
	EventGuildMembersChunk,
	EventGuildRoleCreate,
	EventGuildRoleUpdate,
	EventGuildRoleDelete,
	EventIntegrationCreate,
	EventIntegrationUpdate,
	EventIntegrationDelete,
	EventInviteCreate,
	EventInviteDelete,
	EventMessageCreate,
	EventMessageUpdate,
	EventMessageDelete,
	EventMessageDeleteBulk,
	EventMessageReactionAdd,
	EventMessageReactionRemove,
	EventMessageReactionRemoveAll,
	EventMessageReactionRemoveEmoji,
	EventPresenceUpdate,
	EventTypingStart,
	EventUserUpdate,
	EventVoiceStateUpdate,
	EventVoiceServerUpdate,
	EventWebhooksUpdate,
	EventApplicationCommandCreate,
	EventApplicationCommandUpdate,
	EventApplicationCommandDelete,
	EventInteractionCreate,
}

var recognized = catalog(RecognizedEvents)

func catalog(names []EventName) map[EventName]struct{} {
	set := make(map[EventName]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}

// Recognize maps a dispatch name onto the closed event catalog. Any name
// outside RecognizedEvents is an *UnrecognizedEventError.
func Recognize(name string) (EventName, error) {
	event := EventName(name)
	if _, ok := recognized[event]; !ok {
		return "", &UnrecognizedEventError{Shard: -1, Name: name}
	}
	return event, nil
}

// UnrecognizedEventError reports a dispatch event outside the catalog. The
// manager treats it as fatal.
type UnrecognizedEventError struct {
	Shard int
	Name  string
}

func (e *UnrecognizedEventError) Error() string {
	if e.Shard < 0 {
		return fmt.Sprintf("gateway: unrecognized dispatch event %q", e.Name)
	}
	return fmt.Sprintf("gateway: shard %d: unrecognized dispatch event %q", e.Shard, e.Name)
}

// ErrorCode returns a stable code for structured error reporting.
func (e *UnrecognizedEventError) ErrorCode() string {
	return "UNKNOWN_GATEWAY_EVENT"
}

// HTTPStatus is always zero; the error never comes from an HTTP response.
func (e *UnrecognizedEventError) HTTPStatus() int {
	return 0
}

