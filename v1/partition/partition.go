package partition

import (
	"hash/crc32"
	"math"
	"strconv"
	"unicode/utf16"

	kerrors "github.com/mirkobrombin/go-keylock/v1/errors"
)

const (
	// DefaultBucketCount fits ten million keys at 512 fields per bucket with
	// roughly 25% headroom for hash imbalance.
	DefaultBucketCount = 25000

	fieldSeed = 31
)

// Config controls bucketing. The zero value disables it.
type Config struct {
	Enabled bool
	// BucketCount only raises DefaultBucketCount; smaller values are ignored.
	BucketCount int
}

// Partitioner derives bucket and field identifiers. It holds no mutable
// state and is safe for concurrent use.
type Partitioner struct {
	enabled bool
	buckets uint32
}

// New returns a Partitioner for cfg.
func New(cfg Config) (*Partitioner, error) {
	if cfg.BucketCount < 0 {
		return nil, kerrors.ErrInvalidBucketCount
	}
	n := DefaultBucketCount
	if cfg.BucketCount > n {
		n = cfg.BucketCount
	}
	if uint64(n) > math.MaxUint32 {
		return nil, kerrors.ErrInvalidBucketCount
	}
	return &Partitioner{enabled: cfg.Enabled, buckets: uint32(n)}, nil
}

// NewFixed returns an enabled Partitioner using exactly n buckets.
func NewFixed(n int) (*Partitioner, error) {
	if n <= 0 || uint64(n) > math.MaxUint32 {
		return nil, kerrors.ErrInvalidBucketCount
	}
	return &Partitioner{enabled: true, buckets: uint32(n)}, nil
}

// Enabled reports whether keys are bucketed.
func (p *Partitioner) Enabled() bool { return p.enabled }

// BucketCount returns the number of buckets keys are spread over.
func (p *Partitioner) BucketCount() int { return int(p.buckets) }

// BucketID returns the bucket index of key in [0, BucketCount).
func (p *Partitioner) BucketID(key string) uint32 {
	return crc32.ChecksumIEEE([]byte(key)) % p.buckets
}

// BucketOf returns the physical key holding key. With bucketing disabled
// the key is returned unchanged.
func (p *Partitioner) BucketOf(key string) string {
	if !p.enabled {
		return key
	}
	return strconv.FormatUint(uint64(p.BucketID(key)), 10)
}

// FieldOf returns the hash field used for inner inside a bucket. With
// bucketing disabled the inner key is returned unchanged.
func (p *Partitioner) FieldOf(inner string) string {
	if !p.enabled {
		return inner
	}
	return strconv.FormatInt(int64(FieldHash(inner)), 10)
}

// FieldHash is a BKDR hash over the UTF-16 code units of s. The 32-bit
// accumulator wraps on overflow so every deployment derives the same fields.
func FieldHash(s string) int32 {
	var h int32
	for _, c := range utf16.Encode([]rune(s)) {
		h = h*fieldSeed + int32(c)
	}
	return h
}

// SizeBuckets returns the bucket count needed to hold totalKeys with at most
// perBucket fields each, widened by headroom (0.25 adds 25%) and rounded up
// to the next thousand.
func SizeBuckets(totalKeys, perBucket int, headroom float64) int {
	if totalKeys <= 0 || perBucket <= 0 {
		return 1
	}
	if headroom < 0 {
		headroom = 0
	}
	n := int(math.Ceil(float64(totalKeys) / float64(perBucket) * (1 + headroom)))
	if n >= 1000 {
		n = (n + 999) / 1000 * 1000
	}
	return n
}
