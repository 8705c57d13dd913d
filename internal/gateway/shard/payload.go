package shard

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zlib"
)

// Gateway opcodes
const (
	opDispatch            = 0
	opHeartbeat           = 1
	opIdentify            = 2
	opPresenceUpdate      = 3
	opResume              = 6
	opReconnect           = 7
	opRequestGuildMembers = 8
	opInvalidSession      = 9
	opHello               = 10
	opHeartbeatAck        = 11
)

// inbound is a payload received from the gateway.
type inbound struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
	S  *int64          `json:"s"`
	T  string          `json:"t"`
}

// outbound is a payload sent to the gateway.
type outbound struct {
	Op int `json:"op"`
	D  any `json:"d"`
}

type hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type identify struct {
	Token          string     `json:"token"`
	Properties     properties `json:"properties"`
	Compress       bool       `json:"compress,omitempty"`
	LargeThreshold int        `json:"large_threshold,omitempty"`
	Shard          [2]int     `json:"shard"`
	Intents        int        `json:"intents"`
}

type properties struct {
	OS      string `json:"$os"`
	Browser string `json:"$browser"`
	Device  string `json:"$device"`
}

type resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

type readyPayload struct {
	SessionID string `json:"session_id"`
}

// decodeFrame parses one websocket message. Binary messages are zlib
// streams.
func decodeFrame(messageType int, data []byte) (*inbound, error) {
	if messageType == websocket.BinaryMessage {
		reader, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("open zlib frame: %w", err)
		}
		inflated, err := io.ReadAll(reader)
		_ = reader.Close()
		if err != nil {
			return nil, fmt.Errorf("inflate frame: %w", err)
		}
		data = inflated
	}

	var p inbound
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &p, nil
}
