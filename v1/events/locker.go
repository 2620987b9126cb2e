package events

import (
	"context"
	"time"

	"github.com/mirkobrombin/go-keylock/v1/lock"
)

type observed struct {
	lock.Locker
	s *Stream
}

// Observe returns l publishing Acquired and Released events on s.
func Observe(l lock.Locker, s *Stream) lock.Locker {
	return &observed{Locker: l, s: s}
}

func (o *observed) Acquire(ctx context.Context, key string, lease time.Duration) (*lock.Handle, error) {
	h, err := o.Locker.Acquire(ctx, key, lease)
	o.acquired(ctx, h)
	return h, err
}

func (o *observed) TryAcquire(ctx context.Context, key string, wait, lease time.Duration) (*lock.Handle, error) {
	h, err := o.Locker.TryAcquire(ctx, key, wait, lease)
	o.acquired(ctx, h)
	return h, err
}

func (o *observed) Release(ctx context.Context, h *lock.Handle) bool {
	if !o.Locker.Release(ctx, h) {
		return false
	}
	_ = o.s.Publish(context.WithoutCancel(ctx), Event{Kind: Released, Key: h.Key(), Owner: h.Owner()})
	return true
}

func (o *observed) acquired(ctx context.Context, h *lock.Handle) {
	if h == nil {
		return
	}
	_ = o.s.Publish(context.WithoutCancel(ctx), Event{Kind: Acquired, Key: h.Key(), Owner: h.Owner(), At: h.AcquiredAt()})
}
