package network

import (
	"sync"
)

const defaultBuffer = 64

// MemoryOption configures a MemoryPubSub.
type MemoryOption func(*MemoryPubSub)

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) MemoryOption {
	return func(m *MemoryPubSub) {
		if n > 0 {
			m.buffer = n
		}
	}
}

// MemoryPubSub is a process-local transport used for development and testing.
// Every message is stamped with the identity the pubsub was created with.
type MemoryPubSub struct {
	self   PeerIdentity
	buffer int

	mu     sync.RWMutex
	closed bool
	nextID int
	subs   map[string]map[int]chan Message
}

func NewMemoryPubSub(self PeerIdentity, opts ...MemoryOption) *MemoryPubSub {
	m := &MemoryPubSub{
		self:   self,
		buffer: defaultBuffer,
		subs:   make(map[string]map[int]chan Message),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryPubSub) Publish(topic string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	for _, ch := range m.subs[topic] {
		msg := Message{
			Topic:        topic,
			PeerSource:   m.self,
			OriginSource: m.self.PublicKey,
			Payload:      append([]byte(nil), payload...),
		}
		select {
		case ch <- msg:
		default:
			// Non-blocking send to avoid one slow subscriber stalling all publishers.
		}
	}
	return nil
}

func (m *MemoryPubSub) Subscribe(topic string) (<-chan Message, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Message, m.buffer)
	if m.closed {
		close(ch)
		return ch, func() {}, nil
	}
	if _, ok := m.subs[topic]; !ok {
		m.subs[topic] = make(map[int]chan Message)
	}
	id := m.nextID
	m.nextID++
	m.subs[topic][id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if subsByTopic, ok := m.subs[topic]; ok {
			if sub, exists := subsByTopic[id]; exists {
				delete(subsByTopic, id)
				close(sub)
			}
			if len(subsByTopic) == 0 {
				delete(m.subs, topic)
			}
		}
	}
	return ch, cancel, nil
}

// Close closes every subscription channel. Messages already buffered stay
// readable; subscribers then observe completion.
func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for topic, subsByTopic := range m.subs {
		for id, ch := range subsByTopic {
			delete(subsByTopic, id)
			close(ch)
		}
		delete(m.subs, topic)
	}
	return nil
}

// Identity returns the identity stamped on published messages.
func (m *MemoryPubSub) Identity() PeerIdentity {
	return m.self
}
