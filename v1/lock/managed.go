package lock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	kerrors "github.com/mirkobrombin/go-keylock/v1/errors"
	"github.com/mirkobrombin/go-keylock/v1/metrics"
)

// NoLease asks the lock service to hold the lock until it is released,
// renewing it in the background while the holder is alive.
const NoLease time.Duration = -1

// Service is a distributed lock service able to hand out named mutexes.
type Service interface {
	Mutex(name string, fair bool) Mutex
}

// Mutex is a named lock provided by a Service. Ownership is tracked per owner
// token: the same owner may acquire a mutex it already holds, incrementing a
// hold count that Unlock decrements.
type Mutex interface {
	Name() string
	// Lock blocks until the mutex is held by owner or ctx is done.
	Lock(ctx context.Context, owner string, lease time.Duration) error
	// TryLock waits at most wait for the mutex. A zero wait makes one attempt.
	TryLock(ctx context.Context, owner string, wait, lease time.Duration) (bool, error)
	// Unlock drops one hold of owner. It returns ErrNotHeld when owner does
	// not hold the mutex.
	Unlock(ctx context.Context, owner string) error
	IsLocked(ctx context.Context) (bool, error)
	IsHeldBy(ctx context.Context, owner string) (bool, error)
}

type ownerKey struct{}

// WithOwner returns a context that makes managed locks acquire on behalf of
// owner. Calls sharing an owner are reentrant.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFromContext returns the owner stored by WithOwner.
func OwnerFromContext(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ownerKey{}).(string)
	return owner, ok && owner != ""
}

func ownerFor(ctx context.Context) string {
	if owner, ok := OwnerFromContext(ctx); ok {
		return owner
	}
	return NewOwnerToken()
}

type acquireOptions struct {
	lease time.Duration
	fair  bool
}

// AcquireOption tunes a single managed acquisition.
type AcquireOption func(*acquireOptions)

// WithLease sets the lease of the acquired lock. NoLease keeps the lock
// until it is released.
func WithLease(d time.Duration) AcquireOption {
	return func(o *acquireOptions) { o.lease = d }
}

// WithFair selects the fair (FIFO) or unfair mutex for the key.
func WithFair(fair bool) AcquireOption {
	return func(o *acquireOptions) { o.fair = fair }
}

// Managed delegates locking to a Service.
type Managed struct {
	svc  Service
	fair bool
	log  *slog.Logger
}

// ManagedOption configures a Managed lock.
type ManagedOption func(*Managed)

// WithDefaultFair makes fair mutexes the default for acquisitions that do not
// pass WithFair.
func WithDefaultFair(fair bool) ManagedOption {
	return func(m *Managed) { m.fair = fair }
}

// WithManagedLogger sets the logger. It defaults to slog.Default().
func WithManagedLogger(l *slog.Logger) ManagedOption {
	return func(m *Managed) {
		if l != nil {
			m.log = l
		}
	}
}

// NewManaged returns a Managed lock backed by svc.
func NewManaged(svc Service, opts ...ManagedOption) *Managed {
	m := &Managed{svc: svc, log: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Managed) options(opts []AcquireOption) (acquireOptions, error) {
	o := acquireOptions{lease: NoLease, fair: m.fair}
	for _, opt := range opts {
		opt(&o)
	}
	if o.lease == 0 || (o.lease < 0 && o.lease != NoLease) {
		return o, kerrors.ErrInvalidLease
	}
	return o, nil
}

func (m *Managed) handle(mu Mutex, owner string, o acquireOptions) *Handle {
	return &Handle{
		variant:    VariantManaged,
		key:        mu.Name(),
		owner:      owner,
		lease:      o.lease,
		fair:       o.fair,
		mutex:      mu,
		acquiredAt: time.Now(),
	}
}

// Lock blocks until key is held. The only errors are invalid options and
// ctx cancellation.
func (m *Managed) Lock(ctx context.Context, key string, opts ...AcquireOption) (*Handle, error) {
	o, err := m.options(opts)
	if err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "keylock.Managed.Lock", trace.WithAttributes(
		attribute.String("lock.key", key),
		attribute.String("lock.variant", string(VariantManaged)),
		attribute.Bool("lock.fair", o.fair),
	))
	defer span.End()

	start := time.Now()
	owner := ownerFor(ctx)
	mu := m.svc.Mutex(key, o.fair)
	for {
		err = mu.Lock(ctx, owner, o.lease)
		if err == nil || ctx.Err() != nil {
			break
		}
		// Store hiccups are retried; the wait only ends with ctx.
		m.log.Warn("keylock: managed lock attempt failed", "key", key, "error", err)
		select {
		case <-ctx.Done():
		case <-time.After(DefaultPollInterval):
		}
	}
	metrics.WaitHistogram.WithLabelValues(string(VariantManaged)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.AcquireCounter.WithLabelValues(string(VariantManaged), "interrupted").Inc()
		span.SetAttributes(attribute.Bool("lock.acquired", false))
		return nil, ctx.Err()
	}
	metrics.AcquireCounter.WithLabelValues(string(VariantManaged), "acquired").Inc()
	span.SetAttributes(attribute.Bool("lock.acquired", true))
	return m.handle(mu, owner, o), nil
}

// TryLock waits at most wait for key. A nil handle means the lock was not
// obtained, whether the wait timed out, was interrupted or the service
// failed. The error is reserved for invalid arguments.
func (m *Managed) TryLock(ctx context.Context, key string, wait time.Duration, opts ...AcquireOption) (*Handle, error) {
	if wait < 0 {
		return nil, kerrors.ErrInvalidWait
	}
	o, err := m.options(opts)
	if err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "keylock.Managed.TryLock", trace.WithAttributes(
		attribute.String("lock.key", key),
		attribute.String("lock.variant", string(VariantManaged)),
		attribute.Bool("lock.fair", o.fair),
	))
	defer span.End()

	start := time.Now()
	owner := ownerFor(ctx)
	mu := m.svc.Mutex(key, o.fair)
	ok, err := mu.TryLock(ctx, owner, wait, o.lease)
	metrics.WaitHistogram.WithLabelValues(string(VariantManaged)).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Bool("lock.acquired", ok && err == nil))
	switch {
	case err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		m.log.Warn("keylock: lock wait interrupted", "key", key, "error", err)
		metrics.AcquireCounter.WithLabelValues(string(VariantManaged), "interrupted").Inc()
		return nil, nil
	case err != nil:
		m.log.Warn("keylock: managed lock attempt failed", "key", key, "error", err)
		metrics.AcquireCounter.WithLabelValues(string(VariantManaged), "error").Inc()
		return nil, nil
	case !ok:
		metrics.AcquireCounter.WithLabelValues(string(VariantManaged), "timeout").Inc()
		return nil, nil
	}
	metrics.AcquireCounter.WithLabelValues(string(VariantManaged), "acquired").Inc()
	return m.handle(mu, owner, o), nil
}

// Unlock releases one hold of h. It reports false without side effects when
// h is not a managed handle or is no longer held by its owner.
func (m *Managed) Unlock(ctx context.Context, h *Handle) bool {
	if err := h.check(VariantManaged); err != nil {
		m.log.Warn("keylock: unlock refused", "error", err)
		metrics.ReleaseCounter.WithLabelValues(string(VariantManaged), "invalid").Inc()
		return false
	}
	ctx, span := tracer.Start(ctx, "keylock.Managed.Unlock", trace.WithAttributes(
		attribute.String("lock.key", h.key),
		attribute.String("lock.variant", string(VariantManaged)),
	))
	defer span.End()

	held, err := h.mutex.IsHeldBy(ctx, h.owner)
	if err != nil {
		m.log.Error("keylock: unlock failed", "key", h.key, "error", err)
		metrics.ReleaseCounter.WithLabelValues(string(VariantManaged), "error").Inc()
		return false
	}
	if !held {
		metrics.ReleaseCounter.WithLabelValues(string(VariantManaged), "not_held").Inc()
		return false
	}
	if err := h.mutex.Unlock(ctx, h.owner); err != nil {
		if !errors.Is(err, kerrors.ErrNotHeld) {
			m.log.Error("keylock: unlock failed", "key", h.key, "error", err)
		}
		metrics.ReleaseCounter.WithLabelValues(string(VariantManaged), "error").Inc()
		return false
	}
	metrics.ReleaseCounter.WithLabelValues(string(VariantManaged), "released").Inc()
	return true
}
