package network

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// GenerateIdentity creates a fresh ed25519 identity.
func GenerateIdentity() (crypto.PrivKey, PeerIdentity, error) {
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, PeerIdentity{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	id, err := IdentityFromKey(key)
	if err != nil {
		return nil, PeerIdentity{}, err
	}
	return key, id, nil
}

// IdentityFromKey derives the peer identity belonging to a private key.
func IdentityFromKey(key crypto.PrivKey) (PeerIdentity, error) {
	pub := key.GetPublic()
	pid, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return PeerIdentity{}, fmt.Errorf("derive peer id: %w", err)
	}
	return PeerIdentity{ID: pid, PublicKey: pub}, nil
}

// LoadOrCreateIdentityKey reads a marshaled private key from path, creating
// and persisting a new ed25519 key when the file is missing or empty.
func LoadOrCreateIdentityKey(path string) (crypto.PrivKey, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		key, err := crypto.UnmarshalPrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("unmarshal private key: %w", err)
		}
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir key dir: %w", err)
	}
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	raw, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	return key, nil
}
