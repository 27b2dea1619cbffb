// Package poller drives synchronous subscriptions on a fixed interval and
// hands each non-empty batch to a handler.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"Assembler-Comms/internal/core/subscriber"
)

// ErrDuplicateTopic is returned by Handle when the topic is already polled.
var ErrDuplicateTopic = errors.New("topic already polled")

type entry struct {
	sub  *subscriber.SyncSubscription
	poll func() (int, error)
}

// Poller polls registered subscriptions. Each subscription is only ever
// drained by one goroutine at a time.
type Poller struct {
	interval time.Duration
	log      *zap.Logger

	// pollMu serialises PollOnce so a subscription is never drained twice
	// at the same time.
	pollMu sync.Mutex

	mu      sync.Mutex
	entries map[string]*entry
}

// New returns a Poller ticking every interval (one second when interval is
// not positive).
func New(interval time.Duration, log *zap.Logger) *Poller {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{interval: interval, log: log.Named("poller"), entries: make(map[string]*entry)}
}

// Handle registers fn for the batches of sub, decoded into T. A handler error
// is logged and does not stop polling.
func Handle[T any](p *Poller, sub *subscriber.SyncSubscription, fn func(topic string, batch []subscriber.Received[T]) error) error {
	topic := sub.Topic()
	e := &entry{sub: sub}
	e.poll = func() (int, error) {
		batch, err := subscriber.ReceiveMessages[T](sub)
		if err != nil {
			return 0, err
		}
		if len(batch) == 0 {
			return 0, nil
		}
		if err := fn(topic, batch); err != nil {
			return len(batch), fmt.Errorf("handle %s: %w", topic, err)
		}
		return len(batch), nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[topic]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTopic, topic)
	}
	p.entries[topic] = e
	return nil
}

// Remove stops polling topic and closes its subscription.
func (p *Poller) Remove(topic string) {
	p.mu.Lock()
	e, ok := p.entries[topic]
	delete(p.entries, topic)
	p.mu.Unlock()
	if ok {
		_ = e.sub.Close()
	}
}

// Active lists the topics still being polled.
func (p *Poller) Active() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.entries))
	for topic := range p.entries {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// PollOnce drains every registered subscription once and returns the number
// of messages handed to handlers. Subscriptions whose stream ended are
// dropped.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.pollMu.Lock()
	defer p.pollMu.Unlock()

	p.mu.Lock()
	snapshot := make(map[string]*entry, len(p.entries))
	for topic, e := range p.entries {
		snapshot[topic] = e
	}
	p.mu.Unlock()

	var (
		mu    sync.Mutex
		total int
		ended []string
	)
	var g errgroup.Group
	for topic, e := range snapshot {
		g.Go(func() error {
			n, err := e.poll()
			mu.Lock()
			total += n
			mu.Unlock()
			switch {
			case err == nil:
				return nil
			case errors.Is(err, subscriber.ErrSubscriptionStreamEnded):
				if !e.sub.Exhausted() && !e.sub.Closed() {
					// Drained elsewhere; the source is still live.
					return nil
				}
				p.log.Info("subscription ended", zap.String("topic", topic))
				mu.Lock()
				ended = append(ended, topic)
				mu.Unlock()
				return nil
			case errors.Is(err, subscriber.ErrMessage):
				p.log.Warn("batch discarded", zap.String("topic", topic), zap.Error(err))
				return nil
			default:
				return err
			}
		})
	}
	err := g.Wait()
	for _, topic := range ended {
		p.Remove(topic)
	}
	return total, err
}

// Run polls until ctx is done or no subscription is left.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.PollOnce(ctx); err != nil {
				p.log.Warn("poll failed", zap.Error(err))
			}
			if len(p.Active()) == 0 {
				p.log.Info("no subscriptions left")
				return nil
			}
		}
	}
}

// Close closes every remaining subscription. Call it after Run has returned.
func (p *Poller) Close() {
	for _, topic := range p.Active() {
		p.Remove(topic)
	}
}
