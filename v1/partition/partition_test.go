package partition

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"testing"

	kerrors "github.com/mirkobrombin/go-keylock/v1/errors"
)

func TestBucketOfDisabledIsIdentity(t *testing.T) {
	p, err := New(Config{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := p.BucketOf("user:1"); got != "user:1" {
		t.Fatalf("expected identity, got %q", got)
	}
	if got := p.FieldOf("name"); got != "name" {
		t.Fatalf("expected identity field, got %q", got)
	}
}

func TestBucketOfKnownValue(t *testing.T) {
	p, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	// crc32("123456789") = 0xCBF43926
	if got := p.BucketOf("123456789"); got != "5262" {
		t.Fatalf("expected bucket 5262, got %s", got)
	}
}

func TestBucketCountRaiseOnly(t *testing.T) {
	p, _ := New(Config{Enabled: true, BucketCount: 10})
	if p.BucketCount() != DefaultBucketCount {
		t.Fatalf("expected default bucket count, got %d", p.BucketCount())
	}
	p, _ = New(Config{Enabled: true, BucketCount: 40000})
	if p.BucketCount() != 40000 {
		t.Fatalf("expected raised bucket count, got %d", p.BucketCount())
	}
	if _, err := New(Config{BucketCount: -1}); !errors.Is(err, kerrors.ErrInvalidBucketCount) {
		t.Fatalf("expected invalid bucket count, got %v", err)
	}
	if _, err := NewFixed(0); !errors.Is(err, kerrors.ErrInvalidBucketCount) {
		t.Fatalf("expected invalid bucket count, got %v", err)
	}
}

func TestBucketOfRangeAndStability(t *testing.T) {
	for _, n := range []int{1, 2, 3, 7, 512, 25000} {
		p, err := NewFixed(n)
		if err != nil {
			t.Fatalf("fixed %d: %v", n, err)
		}
		for i := 0; i < 500; i++ {
			k := "key:" + strconv.Itoa(i)
			first := p.BucketOf(k)
			id, err := strconv.Atoi(first)
			if err != nil {
				t.Fatalf("bucket %q not numeric: %v", first, err)
			}
			if id < 0 || id >= n {
				t.Fatalf("bucket %d out of range [0,%d)", id, n)
			}
			if again := p.BucketOf(k); again != first {
				t.Fatalf("bucket for %s changed: %s then %s", k, first, again)
			}
		}
	}
}

func TestThreeBucketScenario(t *testing.T) {
	p, err := NewFixed(3)
	if err != nil {
		t.Fatalf("fixed: %v", err)
	}
	for _, k := range []string{"a", "b", "c"} {
		b := p.BucketOf(k)
		if b != "0" && b != "1" && b != "2" {
			t.Fatalf("key %s mapped to %s", k, b)
		}
		if p.BucketOf(k) != b {
			t.Fatalf("key %s not stable", k)
		}
	}
}

func TestFieldHashMatchesPolynomial(t *testing.T) {
	if got := FieldHash("abc"); got != 96354 {
		t.Fatalf("expected 96354, got %d", got)
	}
	if got := FieldHash(""); got != 0 {
		t.Fatalf("expected 0 for empty input, got %d", got)
	}
	// Wraps around to the minimum 32-bit value.
	if got := FieldHash("polygenelubricants"); got != math.MinInt32 {
		t.Fatalf("expected wraparound to MinInt32, got %d", got)
	}
}

func TestFieldOfTotalForLongInput(t *testing.T) {
	p, _ := NewFixed(16)
	long := strings.Repeat("héllo wörld ", 10000)
	f1 := p.FieldOf(long)
	if f1 == "" || p.FieldOf(long) != f1 {
		t.Fatalf("field not deterministic: %q", f1)
	}
	if _, err := strconv.ParseInt(f1, 10, 32); err != nil {
		t.Fatalf("field %q not a 32-bit integer: %v", f1, err)
	}
}

func TestSizeBuckets(t *testing.T) {
	if got := SizeBuckets(10_000_000, 512, 0); got != 20000 {
		t.Fatalf("expected 20000, got %d", got)
	}
	if got := SizeBuckets(10_000_000, 512, 0.25); got != 25000 {
		t.Fatalf("expected 25000, got %d", got)
	}
	if got := SizeBuckets(100, 512, 0); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	if got := SizeBuckets(0, 512, 0); got != 1 {
		t.Fatalf("expected 1 for empty key space, got %d", got)
	}
}
