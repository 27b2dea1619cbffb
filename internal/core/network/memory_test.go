package network

import (
	"errors"
	"path/filepath"
	"testing"
)

func testIdentity(t *testing.T) PeerIdentity {
	t.Helper()
	_, id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return id
}

func TestMemoryPubSubTopicIsolation(t *testing.T) {
	id := testIdentity(t)
	ps := NewMemoryPubSub(id)
	a, cancelA, err := ps.Subscribe("a")
	if err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	defer cancelA()

	payload := []byte("hello")
	if err := ps.Publish("a", payload); err != nil {
		t.Fatalf("publish a: %v", err)
	}
	if err := ps.Publish("b", []byte("other")); err != nil {
		t.Fatalf("publish b: %v", err)
	}
	payload[0] = 'j'

	msg := <-a
	if string(msg.Payload) != "hello" {
		t.Fatalf("payload should be copied at publish time, got %q", msg.Payload)
	}
	if msg.Topic != "a" || msg.PeerSource.ID != id.ID || !msg.OriginSource.Equals(id.PublicKey) {
		t.Fatalf("unexpected envelope: %+v", msg)
	}
	select {
	case extra := <-a:
		t.Fatalf("unexpected message from other topic: %+v", extra)
	default:
	}
}

func TestMemoryPubSubCloseCompletesSubscribers(t *testing.T) {
	ps := NewMemoryPubSub(testIdentity(t), WithBuffer(2))
	ch, cancel, err := ps.Subscribe("t")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := ps.Publish("t", []byte{byte(i)}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if err := ps.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// cancel after close must be a no-op
	cancel()

	var got []byte
	for m := range ch {
		got = append(got, m.Payload...)
	}
	if string(got) != string([]byte{0, 1}) {
		t.Fatalf("expected the two buffered messages, got %v", got)
	}
	if err := ps.Publish("t", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	late, _, err := ps.Subscribe("t")
	if err != nil {
		t.Fatalf("subscribe after close: %v", err)
	}
	if _, ok := <-late; ok {
		t.Fatal("subscription after close should be complete")
	}
}

func TestLoadOrCreateIdentityKeyPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node.key")
	k1, err := LoadOrCreateIdentityKey(path)
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	k2, err := LoadOrCreateIdentityKey(path)
	if err != nil {
		t.Fatalf("reload key: %v", err)
	}
	if !k1.Equals(k2) {
		t.Fatal("reloaded key differs")
	}
	id1, err := IdentityFromKey(k1)
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	if id1.ID == "" || !id1.PublicKey.Equals(k2.GetPublic()) {
		t.Fatalf("unexpected identity: %+v", id1)
	}
}
