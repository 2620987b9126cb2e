// Package events fans lock activity out to in-process watchers and to HTTP
// clients over Server-Sent Events or WebSocket.
package events

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mirkobrombin/go-keylock/v1/expiry"
)

// Kind classifies an Event.
type Kind string

const (
	Acquired Kind = "acquired"
	Released Kind = "released"
	Expired  Kind = "expired"
)

// Event describes one change of a key.
type Event struct {
	Kind  Kind      `json:"kind"`
	Key   string    `json:"key"`
	Owner string    `json:"owner,omitempty"`
	At    time.Time `json:"at"`
}

// watchBuffer bounds how far a watcher may fall behind before events are
// dropped for it.
const watchBuffer = 16

// Stream delivers events to watchers whose prefix matches the event key.
type Stream struct {
	mu   sync.Mutex
	subs map[string][]chan Event
}

// NewStream returns an empty Stream.
func NewStream() *Stream {
	return &Stream{subs: make(map[string][]chan Event)}
}

// Publish delivers ev without blocking. Slow watchers miss events.
func (s *Stream) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for prefix, chans := range s.subs {
		if !strings.HasPrefix(ev.Key, prefix) {
			continue
		}
		for _, ch := range chans {
			select {
			case ch <- ev:
			default:
			}
		}
	}
	return nil
}

// Watch subscribes to every key starting with prefix; an empty prefix
// matches all keys. The channel is closed by Unwatch or when ctx is done.
func (s *Stream) Watch(ctx context.Context, prefix string) (chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan Event, watchBuffer)
	s.mu.Lock()
	s.subs[prefix] = append(s.subs[prefix], ch)
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		s.Unwatch(prefix, ch)
	}()
	return ch, nil
}

// Unwatch removes ch and closes it. Unknown channels are ignored.
func (s *Stream) Unwatch(prefix string, ch chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.subs[prefix]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(s.subs, prefix)
	} else {
		s.subs[prefix] = subs
	}
}

func (s *Stream) watchers(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[prefix])
}

// ExpiryHandler publishes an Expired event for every lock record reported by
// an expiry.Listener. Keys outside the lock prefix are ignored and the prefix
// is stripped, so expirations carry the same keys as acquisitions.
func (s *Stream) ExpiryHandler(lockPrefix string) expiry.Handler {
	return func(ctx context.Context, key string) {
		name, ok := strings.CutPrefix(key, lockPrefix)
		if !ok || name == "" {
			return
		}
		_ = s.Publish(ctx, Event{Kind: Expired, Key: name})
	}
}
