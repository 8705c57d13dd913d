package gateway

// ShardState is the manager's view of one shard.
type ShardState int

const (
	ShardPending ShardState = iota
	ShardConnecting
	ShardConnected
	ShardReconnecting
	ShardClosed
)

func (s ShardState) String() string {
	switch s {
	case ShardPending:
		return "pending"
	case ShardConnecting:
		return "connecting"
	case ShardConnected:
		return "connected"
	case ShardReconnecting:
		return "reconnecting"
	case ShardClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ManagerState tracks the connect sequence.
type ManagerState int

const (
	StateInitializing ManagerState = iota
	StateSequencing
	StateAllConnected
)

func (s ManagerState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateSequencing:
		return "sequencing"
	case StateAllConnected:
		return "all_connected"
	default:
		return "unknown"
	}
}
