package poller

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"Assembler-Comms/internal/core/network"
	"Assembler-Comms/internal/core/subscriber"
)

type event struct {
	A int `json:"a"`
}

func newPubSub(t *testing.T) *network.MemoryPubSub {
	t.Helper()
	_, id, err := network.GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return network.NewMemoryPubSub(id)
}

func mustPublish(t *testing.T, ps network.PubSub, topic string, a int) {
	t.Helper()
	b, _ := json.Marshal(event{A: a})
	if err := ps.Publish(topic, b); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

type collector struct {
	mu  sync.Mutex
	got map[string][]int
}

func (c *collector) handle(topic string, batch []subscriber.Received[event]) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range batch {
		c.got[topic] = append(c.got[topic], r.Value.A)
	}
	return nil
}

func TestPollOnceDispatchesPerTopic(t *testing.T) {
	ps := newPubSub(t)
	p := New(time.Hour, nil)
	c := &collector{got: map[string][]int{}}
	for _, topic := range []string{"Topic1", "Topic2"} {
		sub, err := subscriber.Subscribe(ps, topic)
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		if err := Handle(p, sub, c.handle); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	for a := 1; a <= 7; a++ {
		topic := "Topic1"
		if a%2 == 0 {
			topic = "Topic2"
		}
		mustPublish(t, ps, topic, a)
	}

	n, err := p.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if n != 7 {
		t.Fatalf("expected 7 messages, got %d", n)
	}
	want := map[string][]int{"Topic1": {1, 3, 5, 7}, "Topic2": {2, 4, 6}}
	if diff := cmp.Diff(want, c.got); diff != "" {
		t.Fatalf("unexpected dispatch (-want +got):\n%s", diff)
	}
}

func TestPollOnceDropsEndedAndKeepsMalformed(t *testing.T) {
	ps := newPubSub(t)
	p := New(time.Hour, nil)
	c := &collector{got: map[string][]int{}}

	bad, err := subscriber.Subscribe(ps, "bad")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := Handle(p, bad, c.handle); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := ps.Publish("bad", []byte("garbage")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ch := make(chan network.Message)
	close(ch)
	if err := Handle(p, subscriber.New(ch, subscriber.WithTopic("gone")), c.handle); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if _, err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	// "gone" is exhausted on the first pass and dropped on the next.
	if _, err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if diff := cmp.Diff([]string{"bad"}, p.Active()); diff != "" {
		t.Fatalf("unexpected active topics (-want +got):\n%s", diff)
	}
	if len(c.got["bad"]) != 0 {
		t.Fatalf("malformed batch must not reach the handler: %v", c.got)
	}
}

func TestHandleRejectsDuplicateTopic(t *testing.T) {
	ps := newPubSub(t)
	p := New(time.Hour, nil)
	defer p.Close()
	c := &collector{got: map[string][]int{}}
	for i := 0; i < 2; i++ {
		sub, err := subscriber.Subscribe(ps, "dup")
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		err = Handle(p, sub, c.handle)
		if i == 1 && !errors.Is(err, ErrDuplicateTopic) {
			t.Fatalf("expected ErrDuplicateTopic, got %v", err)
		}
	}
}

func TestHandlerErrorIsReported(t *testing.T) {
	ps := newPubSub(t)
	p := New(time.Hour, nil)
	defer p.Close()
	boom := errors.New("boom")
	sub, err := subscriber.Subscribe(ps, "t")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := Handle(p, sub, func(string, []subscriber.Received[event]) error { return boom }); err != nil {
		t.Fatalf("handle: %v", err)
	}
	mustPublish(t, ps, "t", 1)
	if _, err := p.PollOnce(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if diff := cmp.Diff([]string{"t"}, p.Active()); diff != "" {
		t.Fatalf("handler error must not drop topic (-want +got):\n%s", diff)
	}
}

func TestRunStopsWhenAllSubscriptionsEnd(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ps := newPubSub(t)
	p := New(10*time.Millisecond, nil)
	c := &collector{got: map[string][]int{}}
	sub, err := subscriber.Subscribe(ps, "t")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := Handle(p, sub, c.handle); err != nil {
		t.Fatalf("handle: %v", err)
	}
	mustPublish(t, ps, "t", 42)
	_ = ps.Close()

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after subscriptions ended")
	}
	if diff := cmp.Diff(map[string][]int{"t": {42}}, c.got); diff != "" {
		t.Fatalf("unexpected dispatch (-want +got):\n%s", diff)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ps := newPubSub(t)
	p := New(10*time.Millisecond, nil)
	defer p.Close()
	sub, err := subscriber.Subscribe(ps, "idle")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := Handle(p, sub, (&collector{got: map[string][]int{}}).handle); err != nil {
		t.Fatalf("handle: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConcurrentPollsKeepLiveTopic(t *testing.T) {
	ps := newPubSub(t)
	p := New(time.Hour, nil)
	defer p.Close()
	c := &collector{got: map[string][]int{}}
	sub, err := subscriber.Subscribe(ps, "live")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := Handle(p, sub, c.handle); err != nil {
		t.Fatalf("handle: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := p.PollOnce(context.Background()); err != nil {
					t.Errorf("poll: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if diff := cmp.Diff([]string{"live"}, p.Active()); diff != "" {
		t.Fatalf("live topic dropped (-want +got):\n%s", diff)
	}
	mustPublish(t, ps, "live", 7)
	if n, err := p.PollOnce(context.Background()); err != nil || n != 1 {
		t.Fatalf("expected 1 message after concurrent polls, got n=%d err=%v", n, err)
	}
}

func TestPollOnceHonoursCancelledContext(t *testing.T) {
	p := New(time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.PollOnce(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
