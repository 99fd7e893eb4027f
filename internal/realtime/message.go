package realtime

import (
	"encoding/json"
	"time"
)

// Control message types.
const (
	TypePing      = "ping"
	TypePong      = "pong"
	TypeHeartbeat = "heartbeat"
)

// controlMessage is the envelope for ping, pong and heartbeat frames.
type controlMessage struct {
	Type      string     `json:"type"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func encodeControl(msgType string, at time.Time) []byte {
	msg := controlMessage{Type: msgType}
	if !at.IsZero() {
		ts := at.UTC()
		msg.Timestamp = &ts
	}
	data, _ := json.Marshal(msg)
	return data
}

// inboundType extracts the type of a client message. Malformed messages
// yield an empty type.
func inboundType(data []byte) string {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ""
	}
	return msg.Type
}
