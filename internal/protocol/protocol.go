// Package protocol holds the wire shapes shared by the HTTP API and the live
// feed: request/response bodies, feed messages and error codes.
package protocol

import "encoding/json"

const Version = "1.0"

// Feed message types.
const (
	TypeHello          = "HELLO"
	TypeWelcome        = "WELCOME"
	TypeRitualResolved = "RITUAL_RESOLVED"
	TypeLoreInput      = "LORE_INPUT"
	TypeCycleClosed    = "CYCLE_CLOSED"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
