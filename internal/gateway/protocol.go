package gateway

import "encoding/json"

// Command is sent by the manager to a shard worker. The set of commands is
// closed: Init, Connect, RequestGuildMembers and UpdatePresence.
type Command interface {
	isCommand()
}

// Init is the first command every worker receives.
type Init struct {
	ShardIndex  int
	TotalShards int
	Intents     int
}

// Connect tells the worker to open its connection and identify.
type Connect struct {
	Token string
}

// RequestGuildMembers asks the gateway for guild member chunks.
type RequestGuildMembers struct {
	Query GuildMembersQuery
}

// UpdatePresence changes the bot's presence on the shard.
type UpdatePresence struct {
	Presence PresenceUpdate
}

func (Init) isCommand()                {}
func (Connect) isCommand()             {}
func (RequestGuildMembers) isCommand() {}
func (UpdatePresence) isCommand()      {}

// Event is sent by a shard worker to the manager. The set of events is
// closed: Dispatch, Close and AdvanceConnect.
type Event interface {
	isEvent()
}

// Dispatch carries one gateway dispatch (op 0) payload.
type Dispatch struct {
	Name string
	Data json.RawMessage
}

// Close reports that the worker's connection ended. Reconnecting is set when
// the worker will try again on its own.
type Close struct {
	Code         int
	Reason       string
	Reconnecting bool
}

// AdvanceConnect is emitted once, after the shard's first successful
// identify. Token is forwarded to the next shard.
type AdvanceConnect struct {
	Token string
}

func (Dispatch) isEvent()       {}
func (Close) isEvent()          {}
func (AdvanceConnect) isEvent() {}

// CloseWorkerPanic is the Close code reported when a worker goroutine panics.
const CloseWorkerPanic = 1011
