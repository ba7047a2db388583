package protocol

import (
	"encoding/json"
	"errors"
)

const Version = "1.0"

// Frame types.
const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeJoin    = "JOIN"
	TypeJoined  = "JOINED"
	TypeLeave   = "LEAVE"
	TypeLeft    = "LEFT"
	TypePublish = "PUBLISH"
	TypeDeliver = "DELIVER"
	TypeError   = "ERROR"
)

var ErrVersion = errors.New("protocol: unsupported version")

// BaseMessage lets us route JSON frames by type before full decoding.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

// CheckVersion accepts any 1.x peer.
func CheckVersion(v string) error {
	if v == "" {
		return ErrVersion
	}
	major := v
	for i := 0; i < len(v); i++ {
		if v[i] == '.' {
			major = v[:i]
			break
		}
	}
	if major != "1" {
		return ErrVersion
	}
	return nil
}
