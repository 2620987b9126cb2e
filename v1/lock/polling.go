package lock

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-keylock/v1/adapter"
	kerrors "github.com/mirkobrombin/go-keylock/v1/errors"
	"github.com/mirkobrombin/go-keylock/v1/metrics"
	"github.com/mirkobrombin/go-keylock/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-keylock/v1/lock")

const (
	// DefaultPrefix is the namespace of polling lock records.
	DefaultPrefix = "lock:"
	// DefaultPollInterval is the sleep between two attempts of a waiting acquire.
	DefaultPollInterval = 500 * time.Millisecond
	// DefaultSkewAllowance is added to the lease when judging staleness.
	DefaultSkewAllowance = 15 * time.Second
	// MaxLease caps the TTL of any polling lock record.
	MaxLease = 24 * time.Hour
)

// Polling is a lock built from conditional sets on a KV. Waiters poll at a
// fixed interval; records older than lease plus the skew allowance are
// considered abandoned and re-armed so that the store TTL can clear them.
type Polling struct {
	kv       adapter.KV
	bus      syncbus.Bus
	prefix   string
	interval time.Duration
	skew     time.Duration
	maxLease time.Duration
	now      func() time.Time
	log      *slog.Logger
}

// PollingOption configures a Polling lock.
type PollingOption func(*Polling)

// WithPrefix overrides the lock namespace prefix.
func WithPrefix(prefix string) PollingOption {
	return func(p *Polling) { p.prefix = prefix }
}

// WithPollInterval overrides the sleep between attempts.
func WithPollInterval(d time.Duration) PollingOption {
	return func(p *Polling) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithSkewAllowance overrides the clock skew tolerated when judging staleness.
func WithSkewAllowance(d time.Duration) PollingOption {
	return func(p *Polling) {
		if d >= 0 {
			p.skew = d
		}
	}
}

// WithMaxLease overrides the lease ceiling.
func WithMaxLease(d time.Duration) PollingOption {
	return func(p *Polling) {
		if d > 0 {
			p.maxLease = d
		}
	}
}

// WithClock sets the clock used for record timestamps and staleness checks.
func WithClock(now func() time.Time) PollingOption {
	return func(p *Polling) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger sets the logger. It defaults to slog.Default().
func WithLogger(l *slog.Logger) PollingOption {
	return func(p *Polling) {
		if l != nil {
			p.log = l
		}
	}
}

// WithBus publishes release events and lets waiters wake up early on
// unlock:<key> and expired:<physicalKey> instead of sleeping a full interval.
func WithBus(bus syncbus.Bus) PollingOption {
	return func(p *Polling) { p.bus = bus }
}

// NewPolling returns a polling lock over kv.
func NewPolling(kv adapter.KV, opts ...PollingOption) *Polling {
	p := &Polling{
		kv:       kv,
		prefix:   DefaultPrefix,
		interval: DefaultPollInterval,
		skew:     DefaultSkewAllowance,
		maxLease: MaxLease,
		now:      time.Now,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PhysicalKey returns the store key holding the record for key.
func (p *Polling) PhysicalKey(key string) string {
	return p.prefix + key
}

func (p *Polling) clamp(lease time.Duration) time.Duration {
	if lease > p.maxLease {
		return p.maxLease
	}
	return lease
}

func validate(owner string, lease, wait time.Duration) error {
	if lease <= 0 {
		return kerrors.ErrInvalidLease
	}
	if wait < 0 {
		return kerrors.ErrInvalidWait
	}
	if owner == "" {
		return kerrors.ErrEmptyOwner
	}
	return nil
}

// TryLock makes a single acquisition attempt.
func (p *Polling) TryLock(ctx context.Context, key, owner string, lease time.Duration) (bool, error) {
	return p.Acquire(ctx, key, owner, lease, 0)
}

// Acquire retries every poll interval until the lock is obtained or wait
// elapses. A wait of zero makes exactly one attempt. Store errors count as a
// failed attempt and an interrupted wait reports false; only invalid
// arguments produce an error.
func (p *Polling) Acquire(ctx context.Context, key, owner string, lease, wait time.Duration) (bool, error) {
	if err := validate(owner, lease, wait); err != nil {
		return false, err
	}
	ok, err := p.acquire(ctx, key, owner, lease, wait, false)
	if err != nil {
		p.log.Warn("keylock: lock wait interrupted", "key", key, "error", err)
		return false, nil
	}
	return ok, nil
}

// acquire runs the attempt loop. With forever set the wait bound is ignored
// and only ctx stops the loop, in which case ctx.Err() is returned.
func (p *Polling) acquire(ctx context.Context, key, owner string, lease, wait time.Duration, forever bool) (bool, error) {
	ctx, span := tracer.Start(ctx, "keylock.Polling.Acquire", trace.WithAttributes(
		attribute.String("lock.key", key),
		attribute.String("lock.variant", string(VariantPolling)),
	))
	defer span.End()

	start := time.Now()
	result := "timeout"
	defer func() {
		metrics.AcquireCounter.WithLabelValues(string(VariantPolling), result).Inc()
		metrics.WaitHistogram.WithLabelValues(string(VariantPolling)).Observe(time.Since(start).Seconds())
	}()

	var unlockCh, expiredCh chan struct{}
	if p.bus != nil && (wait > 0 || forever) {
		unlockCh, expiredCh = p.subscribe(ctx, key)
		defer p.unsubscribe(key, unlockCh, expiredCh)
	}

	timer := time.NewTimer(p.interval)
	defer timer.Stop()

	for {
		ok, err := p.attempt(ctx, key, owner, lease)
		if err != nil {
			p.log.Warn("keylock: lock attempt failed", "key", key, "error", err)
		}
		if ok {
			result = "acquired"
			span.SetAttributes(attribute.Bool("lock.acquired", true))
			return true, nil
		}
		sleep := p.interval
		if !forever {
			remaining := wait - time.Since(start)
			if wait == 0 || remaining <= 0 {
				break
			}
			sleep = min(sleep, remaining)
		}
		timer.Reset(sleep)
		select {
		case <-ctx.Done():
			result = "interrupted"
			span.SetAttributes(attribute.Bool("lock.acquired", false))
			return false, ctx.Err()
		case <-timer.C:
		case _, open := <-unlockCh:
			if !open {
				unlockCh = nil
			}
			drain(timer)
		case _, open := <-expiredCh:
			if !open {
				expiredCh = nil
			}
			drain(timer)
		}
	}
	span.SetAttributes(attribute.Bool("lock.acquired", false))
	if wait > 0 {
		p.log.Warn("keylock: failed to acquire lock", "key", key, "wait", wait)
	}
	return false, nil
}

func drain(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func (p *Polling) subscribe(ctx context.Context, key string) (chan struct{}, chan struct{}) {
	unlockCh, err := p.bus.Subscribe(ctx, syncbus.UnlockTopic(key))
	if err != nil {
		p.log.Debug("keylock: unlock subscription failed, polling only", "key", key, "error", err)
		unlockCh = nil
	}
	expiredCh, err := p.bus.Subscribe(ctx, syncbus.ExpiredTopic(p.PhysicalKey(key)))
	if err != nil {
		p.log.Debug("keylock: expiry subscription failed, polling only", "key", key, "error", err)
		expiredCh = nil
	}
	return unlockCh, expiredCh
}

func (p *Polling) unsubscribe(key string, unlockCh, expiredCh chan struct{}) {
	ctx := context.Background()
	if unlockCh != nil {
		_ = p.bus.Unsubscribe(ctx, syncbus.UnlockTopic(key), unlockCh)
	}
	if expiredCh != nil {
		_ = p.bus.Unsubscribe(ctx, syncbus.ExpiredTopic(p.PhysicalKey(key)), expiredCh)
	}
}

// attempt is one conditional set, followed on contention by the staleness
// check. A repaired record is never granted to the caller.
func (p *Polling) attempt(ctx context.Context, key, owner string, lease time.Duration) (bool, error) {
	physical := p.PhysicalKey(key)
	ttl := p.clamp(lease)
	now := p.now()

	ok, err := p.kv.SetNX(ctx, physical, Record{AcquiredAt: now, Owner: owner}.Encode(), ttl)
	if err != nil {
		return false, err
	}
	if ok {
		p.log.Info("keylock: lock acquired", "key", physical, "owner", owner, "lease", ttl)
		return true, nil
	}

	raw, found, err := p.kv.Get(ctx, physical)
	if err != nil || !found {
		return false, err
	}
	rec, err := ParseRecord(raw)
	if err != nil {
		metrics.MalformedRecordCounter.Inc()
		p.log.Warn("keylock: malformed lock record left untouched", "key", physical, "value", raw)
		return false, nil
	}
	if now.Sub(rec.AcquiredAt) <= ttl+p.skew {
		p.log.Debug("keylock: lock held", "key", physical, "owner", rec.Owner)
		return false, nil
	}

	repaired := Record{AcquiredAt: now, Owner: rec.Owner}
	if err := p.kv.Set(ctx, physical, repaired.Encode(), ttl); err != nil {
		return false, err
	}
	metrics.StaleRepairCounter.Inc()
	p.log.Warn("keylock: stale lock repaired", "key", physical, "holder", rec.Owner,
		"held_since", rec.AcquiredAt, "expires_in", ttl)
	return false, nil
}

// Release deletes the record for key if it is still owned by owner. The
// delete compares the exact stored record so a concurrent repair or
// re-acquisition is never removed.
func (p *Polling) Release(ctx context.Context, key, owner string) bool {
	ctx, span := tracer.Start(ctx, "keylock.Polling.Release", trace.WithAttributes(
		attribute.String("lock.key", key),
		attribute.String("lock.variant", string(VariantPolling)),
	))
	defer span.End()

	physical := p.PhysicalKey(key)
	raw, found, err := p.kv.Get(ctx, physical)
	if err != nil {
		p.log.Error("keylock: release failed", "key", physical, "error", err)
		metrics.ReleaseCounter.WithLabelValues(string(VariantPolling), "error").Inc()
		return false
	}
	if !found {
		metrics.ReleaseCounter.WithLabelValues(string(VariantPolling), "not_held").Inc()
		return false
	}
	rec, err := ParseRecord(raw)
	if err != nil || rec.Owner != owner {
		p.log.Warn("keylock: release rejected, lock owned by another holder", "key", physical, "owner", owner)
		metrics.ReleaseCounter.WithLabelValues(string(VariantPolling), "not_owner").Inc()
		return false
	}
	ok, err := p.kv.CompareAndDelete(ctx, physical, raw)
	if err != nil {
		p.log.Error("keylock: release failed", "key", physical, "error", err)
		metrics.ReleaseCounter.WithLabelValues(string(VariantPolling), "error").Inc()
		return false
	}
	if !ok {
		metrics.ReleaseCounter.WithLabelValues(string(VariantPolling), "not_held").Inc()
		return false
	}
	metrics.ReleaseCounter.WithLabelValues(string(VariantPolling), "released").Inc()
	p.notifyUnlock(ctx, key)
	return true
}

// ForceRelease deletes the record for key without checking ownership. It is
// meant for administrative cleanup.
func (p *Polling) ForceRelease(ctx context.Context, key string) bool {
	physical := p.PhysicalKey(key)
	ok, err := p.kv.Del(ctx, physical)
	if err != nil {
		p.log.Error("keylock: force release failed", "key", physical, "error", err)
		return false
	}
	if ok {
		p.log.Warn("keylock: lock force released", "key", physical)
		p.notifyUnlock(ctx, key)
	}
	return ok
}

// Holder returns the current record for key, if any.
func (p *Polling) Holder(ctx context.Context, key string) (Record, bool, error) {
	raw, found, err := p.kv.Get(ctx, p.PhysicalKey(key))
	if err != nil || !found {
		return Record{}, false, err
	}
	rec, err := ParseRecord(raw)
	if err != nil {
		return Record{}, true, err
	}
	return rec, true, nil
}

func (p *Polling) notifyUnlock(ctx context.Context, key string) {
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(ctx, syncbus.UnlockTopic(key)); err != nil {
		p.log.Debug("keylock: unlock publish failed", "key", key, "error", err)
	}
}
