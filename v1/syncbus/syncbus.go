// Package syncbus carries lock notifications between processes. Lockers
// publish on UnlockTopic when they release a key and the expiry listener
// publishes on ExpiredTopic when Redis evicts one, so waiters can retry
// immediately instead of sleeping out their poll interval.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus is a topic based notification channel. Deliveries are best effort and
// carry no payload; a subscriber only learns that the topic fired.
type Bus interface {
	Publish(ctx context.Context, topic string) error
	Subscribe(ctx context.Context, topic string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error
}

// UnlockTopic is published after key has been released.
func UnlockTopic(key string) string { return "unlock:" + key }

// ExpiredTopic is published after key has expired in the store.
func ExpiredTopic(key string) string { return "expired:" + key }

// Metrics reports bus activity.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// InMemoryBus is a process local Bus, used by tests and single node setups.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan struct{})}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, topic string) error {
	b.mu.Lock()
	b.published.Add(1)
	b.delivered.Add(fanOut(b.subs[topic]))
	b.mu.Unlock()
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription ends when ctx is done.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := removeChan(b.subs[topic], ch); ok {
		if len(subs) == 0 {
			delete(b.subs, topic)
		} else {
			b.subs[topic] = subs
		}
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}

// fanOut signals every channel without blocking and returns how many
// accepted the signal. Callers hold the lock guarding chans so none of them
// can be closed concurrently.
func fanOut(chans []chan struct{}) uint64 {
	var n uint64
	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
			n++
		default:
		}
	}
	return n
}

// removeChan drops ch from subs, closing it. The boolean reports whether ch
// was found.
func removeChan(subs []chan struct{}, ch chan struct{}) ([]chan struct{}, bool) {
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			return subs, true
		}
	}
	return subs, false
}
