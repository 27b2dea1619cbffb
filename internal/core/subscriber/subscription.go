// Package subscriber exposes topic subscriptions as a synchronous,
// batch-oriented API: each call collects whatever is ready on the
// subscription without waiting for more.
package subscriber

import (
	"runtime"
	"sync/atomic"

	"go.uber.org/zap"

	"Assembler-Comms/internal/core/codec"
	"Assembler-Comms/internal/core/network"
)

// source is the exclusively owned end of a subscription.
type source struct {
	ch     <-chan network.Message
	cancel func()
}

func (s *source) release() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Option configures a SyncSubscription.
type Option func(*SyncSubscription)

// WithCodec sets the codec used to decode payloads. Defaults to JSON.
func WithCodec(c codec.Codec) Option {
	return func(s *SyncSubscription) {
		if c != nil {
			s.codec = c
		}
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *SyncSubscription) {
		if l != nil {
			s.log = l
		}
	}
}

// WithCancel registers a func that unsubscribes the source. It runs once,
// when the source is exhausted or the subscription is closed.
func WithCancel(cancel func()) Option {
	return func(s *SyncSubscription) { s.cancel = cancel }
}

// WithTopic labels the subscription for logs and errors.
func WithTopic(topic string) Option {
	return func(s *SyncSubscription) { s.topic = topic }
}

// SyncSubscription owns at most one subscription source. The source is taken
// out of the slot for the duration of ReceiveMessages and put back only when
// it is still live.
//
// A SyncSubscription is meant for a single owner. A call racing another one
// finds the slot empty and fails with ErrSubscriptionStreamEnded.
type SyncSubscription struct {
	slot      atomic.Pointer[source]
	exhausted atomic.Bool
	closed    atomic.Bool

	topic  string
	codec  codec.Codec
	cancel func()
	log    *zap.Logger
	ready  bool
}

// New wraps a subscription channel. A closed channel is treated as a source
// that has completed; a nil channel yields a subscription with no source.
func New(ch <-chan network.Message, opts ...Option) *SyncSubscription {
	s := &SyncSubscription{codec: codec.JSON(), log: zap.NewNop(), ready: true}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.String("topic", s.topic))
	src := &source{ch: ch, cancel: s.cancel}
	if ch == nil {
		s.exhausted.Store(true)
		src.release()
		return s
	}
	s.slot.Store(src)
	return s
}

// Subscribe subscribes to topic on ps and wraps the resulting channel.
func Subscribe(ps network.PubSub, topic string, opts ...Option) (*SyncSubscription, error) {
	ch, cancel, err := ps.Subscribe(topic)
	if err != nil {
		return nil, err
	}
	opts = append([]Option{WithTopic(topic)}, opts...)
	opts = append(opts, WithCancel(cancel))
	return New(ch, opts...), nil
}

// Topic returns the label the subscription was created with.
func (s *SyncSubscription) Topic() string { return s.topic }

// Exhausted reports whether the source signalled completion.
func (s *SyncSubscription) Exhausted() bool { return s.exhausted.Load() }

// Closed reports whether Close was called.
func (s *SyncSubscription) Closed() bool { return s.closed.Load() }

// Close drops the source. A drain in flight on another goroutine releases
// the source when it finishes instead of putting it back. Later calls to
// ReceiveMessages return ErrSubscriptionStreamEnded.
func (s *SyncSubscription) Close() error {
	if s == nil || !s.ready {
		return nil
	}
	s.closed.Store(true)
	if src := s.slot.Swap(nil); src != nil {
		src.release()
	}
	return nil
}

// restore puts a live source back into the slot. closed is set before Close
// swaps the slot, so either Close or restore sees the source and releases it.
func (s *SyncSubscription) restore(src *source) {
	s.slot.Store(src)
	if s.closed.Load() {
		if src := s.slot.Swap(nil); src != nil {
			src.release()
		}
	}
}

// ReceiveMessages returns every message that is ready on the subscription,
// decoded into T, in arrival order. It never waits: an empty batch with a nil
// error means nothing new was available.
//
// The first payload that fails to decode aborts the call with a
// *MessageError and no messages are returned. The source itself is kept, so
// a later call can continue unless the same drain found it exhausted.
func ReceiveMessages[T any](s *SyncSubscription) ([]Received[T], error) {
	if s == nil || !s.ready {
		return nil, ErrReaderNotInitialized
	}
	src := s.slot.Swap(nil)
	if src == nil {
		return nil, ErrSubscriptionStreamEnded
	}

	raw, done := drain(src.ch)
	if done {
		s.exhausted.Store(true)
		src.release()
		s.log.Debug("subscription exhausted", zap.Int("drained", len(raw)))
	} else {
		s.restore(src)
	}

	out := make([]Received[T], 0, len(raw))
	for i, m := range raw {
		var v T
		if err := s.codec.Unmarshal(m.Payload, &v); err != nil {
			s.log.Debug("discard batch", zap.Int("index", i), zap.Int("size", len(raw)), zap.Error(err))
			return nil, &MessageError{Topic: s.topic, Index: i, Err: err}
		}
		out = append(out, Received[T]{Info: infoOf(m), Value: v})
	}
	return out, nil
}

// drainYields bounds how often an empty pass yields before it stops.
const drainYields = 3

// drain receives until ch is closed or nothing is ready. Before giving up on
// an empty channel it yields, so senders that are already runnable get to
// hand over their messages in the same pass. done is true when the channel
// was found closed.
func drain(ch <-chan network.Message) (msgs []network.Message, done bool) {
	idle := 0
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return msgs, true
			}
			msgs = append(msgs, m)
			idle = 0
		default:
			if idle == drainYields {
				return msgs, false
			}
			runtime.Gosched()
			idle++
		}
	}
}
