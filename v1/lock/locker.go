package lock

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mirkobrombin/go-keylock/v1/adapter"
	kerrors "github.com/mirkobrombin/go-keylock/v1/errors"
	"github.com/mirkobrombin/go-keylock/v1/metrics"
	"github.com/mirkobrombin/go-keylock/v1/syncbus"
)

// Variant names a lock implementation.
type Variant string

const (
	VariantPolling Variant = "polling"
	VariantManaged Variant = "managed"
)

// ParseVariant maps a configuration value onto a Variant.
func ParseVariant(s string) (Variant, error) {
	switch v := Variant(strings.ToLower(strings.TrimSpace(s))); v {
	case VariantPolling, VariantManaged:
		return v, nil
	case "":
		return VariantPolling, nil
	}
	return "", fmt.Errorf("%w: %q", kerrors.ErrUnknownVariant, s)
}

// Handle proves ownership of an acquired lock and is required to release it.
type Handle struct {
	variant    Variant
	key        string
	owner      string
	lease      time.Duration
	fair       bool
	mutex      Mutex
	acquiredAt time.Time
}

func (h *Handle) Variant() Variant { return h.variant }
func (h *Handle) Key() string { return h.key }
func (h *Handle) Owner() string { return h.owner }
func (h *Handle) Lease() time.Duration { return h.lease }
func (h *Handle) Fair() bool { return h.fair }
func (h *Handle) AcquiredAt() time.Time { return h.acquiredAt }

// check reports ErrInvalidHandle unless h was issued by a v lock.
func (h *Handle) check(v Variant) error {
	switch {
	case h == nil:
		return fmt.Errorf("%w: nil", kerrors.ErrInvalidHandle)
	case h.variant != v:
		return fmt.Errorf("%w: %q handle passed to %s lock", kerrors.ErrInvalidHandle, h.variant, v)
	case h.owner == "":
		return fmt.Errorf("%w: missing owner", kerrors.ErrInvalidHandle)
	case v == VariantManaged && h.mutex == nil:
		return fmt.Errorf("%w: no mutex", kerrors.ErrInvalidHandle)
	}
	return nil
}

// Locker is the variant independent lock contract.
type Locker interface {
	// Acquire blocks until key is held or ctx is done.
	Acquire(ctx context.Context, key string, lease time.Duration) (*Handle, error)
	// TryAcquire waits at most wait for key. A nil handle with a nil error
	// means the lock was not obtained.
	TryAcquire(ctx context.Context, key string, wait, lease time.Duration) (*Handle, error)
	// Release gives the lock back and reports whether it was still held.
	Release(ctx context.Context, h *Handle) bool
	Variant() Variant
}

// Config selects and tunes the Locker built by NewLocker.
type Config struct {
	Variant      Variant
	Fair         bool
	Prefix       string
	PollInterval time.Duration
	// SkewAllowance is added to the lease when judging staleness. Zero
	// disables it; config.SetDefaults supplies DefaultSkewAllowance.
	SkewAllowance time.Duration
	MaxLease      time.Duration
	// DefaultLease replaces NoLease for the polling variant, which cannot
	// renew its records.
	DefaultLease time.Duration
	Bus          syncbus.Bus
	Logger       *slog.Logger
	Clock        func() time.Time
}

// NewPolling returns the Polling lock described by cfg. Fair and Variant are
// ignored.
func (cfg Config) NewPolling(kv adapter.KV) *Polling {
	opts := []PollingOption{
		WithPollInterval(cfg.PollInterval),
		WithSkewAllowance(cfg.SkewAllowance),
		WithMaxLease(cfg.MaxLease),
		WithClock(cfg.Clock),
		WithLogger(cfg.Logger),
		WithBus(cfg.Bus),
	}
	if cfg.Prefix != "" {
		opts = append(opts, WithPrefix(cfg.Prefix))
	}
	return NewPolling(kv, opts...)
}

// DefaultLease is used by polling lockers when the caller passes NoLease.
const DefaultLease = 30 * time.Second

// NewLocker builds the Locker selected by cfg.Variant. kv backs the polling
// variant and svc the managed one; the unused argument may be nil.
func NewLocker(cfg Config, kv adapter.KV, svc Service) (Locker, error) {
	if cfg.Variant == "" {
		cfg.Variant = VariantPolling
	}
	if cfg.DefaultLease <= 0 {
		cfg.DefaultLease = DefaultLease
	}
	switch cfg.Variant {
	case VariantPolling:
		if cfg.Fair {
			return nil, kerrors.ErrFairUnsupported
		}
		if kv == nil {
			return nil, fmt.Errorf("keylock: polling locker needs a KV store")
		}
		return &pollingLocker{p: cfg.NewPolling(kv), defaultLease: cfg.DefaultLease}, nil
	case VariantManaged:
		if svc == nil {
			return nil, fmt.Errorf("keylock: managed locker needs a lock service")
		}
		return &managedLocker{m: NewManaged(svc, WithDefaultFair(cfg.Fair), WithManagedLogger(cfg.Logger))}, nil
	}
	return nil, fmt.Errorf("%w: %q", kerrors.ErrUnknownVariant, cfg.Variant)
}

type pollingLocker struct {
	p            *Polling
	defaultLease time.Duration
}

func (l *pollingLocker) lease(lease time.Duration) (time.Duration, error) {
	switch {
	case lease == NoLease || lease == 0:
		return l.defaultLease, nil
	case lease < 0:
		return 0, kerrors.ErrInvalidLease
	}
	return lease, nil
}

func (l *pollingLocker) handle(key, owner string, lease time.Duration) *Handle {
	return &Handle{variant: VariantPolling, key: key, owner: owner, lease: lease, acquiredAt: time.Now()}
}

func (l *pollingLocker) Acquire(ctx context.Context, key string, lease time.Duration) (*Handle, error) {
	lease, err := l.lease(lease)
	if err != nil {
		return nil, err
	}
	owner := ownerFor(ctx)
	if err := validate(owner, lease, 0); err != nil {
		return nil, err
	}
	if _, err := l.p.acquire(ctx, key, owner, lease, 0, true); err != nil {
		return nil, err
	}
	return l.handle(key, owner, lease), nil
}

func (l *pollingLocker) TryAcquire(ctx context.Context, key string, wait, lease time.Duration) (*Handle, error) {
	lease, err := l.lease(lease)
	if err != nil {
		return nil, err
	}
	owner := ownerFor(ctx)
	ok, err := l.p.Acquire(ctx, key, owner, lease, wait)
	if err != nil || !ok {
		return nil, err
	}
	return l.handle(key, owner, lease), nil
}

func (l *pollingLocker) Release(ctx context.Context, h *Handle) bool {
	if err := h.check(VariantPolling); err != nil {
		l.p.log.Warn("keylock: release refused", "error", err)
		metrics.ReleaseCounter.WithLabelValues(string(VariantPolling), "invalid").Inc()
		return false
	}
	return l.p.Release(ctx, h.key, h.owner)
}

func (l *pollingLocker) Variant() Variant { return VariantPolling }

type managedLocker struct {
	m *Managed
}

// managedLease maps the zero lease onto NoLease.
func managedLease(lease time.Duration) time.Duration {
	if lease == 0 {
		return NoLease
	}
	return lease
}

func (l *managedLocker) Acquire(ctx context.Context, key string, lease time.Duration) (*Handle, error) {
	return l.m.Lock(ctx, key, WithLease(managedLease(lease)))
}

func (l *managedLocker) TryAcquire(ctx context.Context, key string, wait, lease time.Duration) (*Handle, error) {
	return l.m.TryLock(ctx, key, wait, WithLease(managedLease(lease)))
}

func (l *managedLocker) Release(ctx context.Context, h *Handle) bool {
	return l.m.Unlock(ctx, h)
}

func (l *managedLocker) Variant() Variant { return VariantManaged }

// Do runs fn while holding key and releases the lock afterwards, even when fn
// panics. It returns ErrNotAcquired when the lock could not be obtained
// within wait.
func Do(ctx context.Context, l Locker, key string, wait, lease time.Duration, fn func(ctx context.Context) error) error {
	h, err := l.TryAcquire(ctx, key, wait, lease)
	if err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("%w: %s", kerrors.ErrNotAcquired, key)
	}
	defer l.Release(context.WithoutCancel(ctx), h)
	return fn(ctx)
}
