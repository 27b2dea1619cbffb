package subscriber

import (
	"github.com/libp2p/go-libp2p/core/crypto"

	"Assembler-Comms/internal/core/network"
)

// MessageInfo is the provenance of a received message.
type MessageInfo struct {
	PeerSource   network.PeerIdentity
	OriginSource crypto.PubKey
}

func infoOf(m network.Message) MessageInfo {
	return MessageInfo{PeerSource: m.PeerSource, OriginSource: m.OriginSource}
}

// Received pairs a decoded payload with where it came from.
type Received[T any] struct {
	Info  MessageInfo
	Value T
}
