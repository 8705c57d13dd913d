package metrics

import (
	"strconv"

	"github.com/denord/denord/internal/observability"
)

// Gateway metrics
const (
	GatewayEventsTotal      = "gateway_events_total"
	GatewayShardClosesTotal = "gateway_shard_closes_total"
	GatewayShardsConnected  = "gateway_shards_connected"
	GatewayCommandsDropped  = "gateway_commands_dropped_total"
)

// RecordDispatch counts a dispatch event re-emitted by the shard manager.
func RecordDispatch(event string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			GatewayEventsTotal,
			1,
			map[string]string{"event": event},
		)
	}
}

// RecordShardClose counts a close notification from a shard worker.
func RecordShardClose(shard int, code int) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			GatewayShardClosesTotal,
			1,
			map[string]string{
				"shard": strconv.Itoa(shard),
				"code":  strconv.Itoa(code),
			},
		)
	}
}

// SetShardsConnected reports how many shards are currently connected.
func SetShardsConnected(count int) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(GatewayShardsConnected, float64(count), nil)
	}
}

// RecordCommandDropped counts a directed command that could not be delivered
// because the target worker had already exited.
func RecordCommandDropped(command string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			GatewayCommandsDropped,
			1,
			map[string]string{"command": command},
		)
	}
}
