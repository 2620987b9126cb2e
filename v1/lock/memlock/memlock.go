// Package memlock is an in-process lock.Service. Mutexes are reentrant per
// owner, honour leases with timers and can serve waiters in FIFO order. It
// backs single node deployments and tests of code written against lock.Managed.
package memlock

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	kerrors "github.com/mirkobrombin/go-keylock/v1/errors"
	"github.com/mirkobrombin/go-keylock/v1/lock"
)

type waiter struct {
	owner    string
	ready    chan struct{}
	signaled bool
}

type entry struct {
	svc    *Service
	name   string
	mu     sync.Mutex
	refs   int
	owner  string
	holds  int
	seq    uint64
	timer  *time.Timer
	notify chan struct{}
	queue  []*waiter
}

// Service hands out in-process mutexes.
type Service struct {
	entries *xsync.MapOf[string, *entry]
}

var _ lock.Service = (*Service)(nil)

// New returns an empty Service.
func New() *Service {
	return &Service{entries: xsync.NewMapOf[string, *entry]()}
}

// Mutex implements lock.Service.
func (s *Service) Mutex(name string, fair bool) lock.Mutex {
	return &mutex{svc: s, name: name, fair: fair}
}

// acquire pins the entry for name so that it outlives the caller's use.
func (s *Service) acquire(name string) *entry {
	e, _ := s.entries.Compute(name, func(old *entry, loaded bool) (*entry, bool) {
		if !loaded {
			old = &entry{svc: s, name: name, notify: make(chan struct{})}
		}
		old.mu.Lock()
		old.refs++
		old.mu.Unlock()
		return old, false
	})
	return e
}

// release unpins e and drops it once it is idle.
func (s *Service) release(name string, e *entry) {
	s.entries.Compute(name, func(old *entry, loaded bool) (*entry, bool) {
		if !loaded || old != e {
			return old, !loaded
		}
		old.mu.Lock()
		defer old.mu.Unlock()
		old.refs--
		return old, old.refs == 0 && old.holds == 0 && len(old.queue) == 0
	})
}

// peek returns the entry for name without pinning it.
func (s *Service) peek(name string) (*entry, bool) {
	return s.entries.Load(name)
}

type mutex struct {
	svc  *Service
	name string
	fair bool
}

func (m *mutex) Name() string { return m.name }

func (m *mutex) Lock(ctx context.Context, owner string, lease time.Duration) error {
	_, err := m.wait(ctx, owner, lease, 0, true)
	return err
}

func (m *mutex) TryLock(ctx context.Context, owner string, wait, lease time.Duration) (bool, error) {
	if wait < 0 {
		return false, kerrors.ErrInvalidWait
	}
	return m.wait(ctx, owner, lease, wait, false)
}

func (m *mutex) wait(ctx context.Context, owner string, lease, wait time.Duration, forever bool) (bool, error) {
	if owner == "" {
		return false, kerrors.ErrEmptyOwner
	}
	e := m.svc.acquire(m.name)
	// A granted hold keeps its own pin, so this only frees idle entries.
	defer m.svc.release(m.name, e)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tryGrant(owner, lease, m.fair, nil) {
		return true, nil
	}
	if !forever && wait == 0 {
		return false, nil
	}

	var w *waiter
	if m.fair {
		w = &waiter{owner: owner, ready: make(chan struct{})}
		e.queue = append(e.queue, w)
	}
	var deadline <-chan time.Time
	if !forever {
		t := time.NewTimer(wait)
		defer t.Stop()
		deadline = t.C
	}
	for {
		wake := e.notify
		if w != nil {
			wake = w.ready
		}
		e.mu.Unlock()
		var err error
		select {
		case <-wake:
		case <-deadline:
			err = context.DeadlineExceeded
		case <-ctx.Done():
			err = ctx.Err()
		}
		e.mu.Lock()
		if e.tryGrant(owner, lease, m.fair, w) {
			return true, nil
		}
		if err != nil {
			if w != nil {
				e.leave(w)
			}
			if err == context.DeadlineExceeded && ctx.Err() == nil {
				return false, nil
			}
			return false, err
		}
		if w != nil {
			// Spurious wake: rearm for the next release.
			w.ready = make(chan struct{})
			w.signaled = false
		}
	}
}

func (m *mutex) Unlock(ctx context.Context, owner string) error {
	e, ok := m.svc.peek(m.name)
	if !ok {
		return kerrors.ErrNotHeld
	}
	e.mu.Lock()
	if e.holds == 0 || e.owner != owner {
		e.mu.Unlock()
		return kerrors.ErrNotHeld
	}
	e.holds--
	freed := e.holds == 0
	if freed {
		e.releaseLocked()
	}
	e.mu.Unlock()
	if freed {
		m.svc.release(m.name, e)
	}
	return nil
}

func (m *mutex) IsLocked(ctx context.Context) (bool, error) {
	e, ok := m.svc.peek(m.name)
	if !ok {
		return false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.holds > 0, nil
}

func (m *mutex) IsHeldBy(ctx context.Context, owner string) (bool, error) {
	e, ok := m.svc.peek(m.name)
	if !ok {
		return false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.holds > 0 && e.owner == owner, nil
}

// tryGrant hands the entry to owner when it is free, or increments the hold
// count when owner already has it. Fair entries only go to the queue head;
// w is the caller's own queue slot, if any. Callers hold e.mu.
func (e *entry) tryGrant(owner string, lease time.Duration, fair bool, w *waiter) bool {
	if e.holds > 0 {
		if e.owner != owner {
			return false
		}
		e.holds++
		e.arm(lease)
		if w != nil {
			e.leave(w)
		}
		return true
	}
	if fair && len(e.queue) > 0 && e.queue[0] != w {
		return false
	}
	if w != nil {
		e.queue = e.queue[1:]
	}
	e.owner = owner
	e.holds = 1
	// The holder pins the entry until the final unlock or lease expiry.
	e.refs++
	e.arm(lease)
	return true
}

// arm replaces the lease timer. A non positive lease holds until unlock.
func (e *entry) arm(lease time.Duration) {
	e.seq++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if lease <= 0 {
		return
	}
	seq := e.seq
	e.timer = time.AfterFunc(lease, func() {
		e.mu.Lock()
		expired := e.seq == seq && e.holds > 0
		if expired {
			e.holds = 0
			e.releaseLocked()
		}
		e.mu.Unlock()
		if expired {
			e.svc.release(e.name, e)
		}
	})
}

// releaseLocked frees the entry and wakes the next waiters. Callers hold e.mu
// and drop the holder's pin themselves.
func (e *entry) releaseLocked() {
	e.owner = ""
	e.seq++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	close(e.notify)
	e.notify = make(chan struct{})
	e.signalHead()
}

func (e *entry) signalHead() {
	if len(e.queue) == 0 || e.holds > 0 {
		return
	}
	if head := e.queue[0]; !head.signaled {
		head.signaled = true
		close(head.ready)
	}
}

// leave removes w from the queue, passing the turn on if w was at the head.
func (e *entry) leave(w *waiter) {
	for i, q := range e.queue {
		if q == w {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			if i == 0 {
				e.signalHead()
			}
			return
		}
	}
}
