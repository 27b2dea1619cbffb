package network

import (
	"errors"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// ErrClosed is returned when publishing on a transport that has been closed.
var ErrClosed = errors.New("pubsub closed")

// PeerIdentity names a peer and the key it authenticates with.
type PeerIdentity struct {
	ID        peer.ID
	PublicKey crypto.PubKey
}

// Message is the inbound envelope delivered to topic subscribers.
// PeerSource is the peer that forwarded the message, OriginSource the key of
// the node that originally published it.
type Message struct {
	Topic        string
	PeerSource   PeerIdentity
	OriginSource crypto.PubKey
	Payload      []byte
}

// PubSub is a minimal interface for broadcast-style communication.
//
// The channel returned by Subscribe is closed once no more messages will ever
// be delivered on it. The cancel func unsubscribes and may be called more than
// once.
type PubSub interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string) (<-chan Message, func(), error)
}
