package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	kerrors "github.com/mirkobrombin/go-keylock/v1/errors"
	"github.com/mirkobrombin/go-keylock/v1/lock"
	"github.com/mirkobrombin/go-keylock/v1/partition"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Redis.Addr != "localhost:6379" || cfg.Redis.OpTimeout != 5*time.Second {
		t.Fatalf("unexpected redis defaults %+v", cfg.Redis)
	}
	if cfg.Partition.BucketCount != partition.DefaultBucketCount || cfg.Partition.Enabled {
		t.Fatalf("unexpected partition defaults %+v", cfg.Partition)
	}
	if cfg.Lock.Variant != "polling" || cfg.Lock.Prefix != lock.DefaultPrefix {
		t.Fatalf("unexpected lock defaults %+v", cfg.Lock)
	}
	if cfg.Lock.SkewAllowance != lock.DefaultSkewAllowance || cfg.Lock.PollInterval != lock.DefaultPollInterval {
		t.Fatalf("unexpected lock timings %+v", cfg.Lock)
	}
	if cfg.Bus.Kind != BusMemory || len(cfg.Bus.KafkaBrokers) != 0 {
		t.Fatalf("unexpected bus defaults %+v", cfg.Bus)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("KEYLOCK_REDIS_ADDR", "redis:6380")
	t.Setenv("KEYLOCK_LOCK_VARIANT", "managed")
	t.Setenv("KEYLOCK_LOCK_FAIR", "true")
	t.Setenv("KEYLOCK_LOCK_SKEW_ALLOWANCE", "2s")
	t.Setenv("KEYLOCK_BUS_KIND", "Kafka")
	t.Setenv("KEYLOCK_BUS_KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Redis.Addr != "redis:6380" {
		t.Fatalf("addr not overridden: %q", cfg.Redis.Addr)
	}
	lc := cfg.LockConfig()
	if lc.Variant != lock.VariantManaged || !lc.Fair || lc.SkewAllowance != 2*time.Second {
		t.Fatalf("unexpected lock config %+v", lc)
	}
	if cfg.Bus.Kind != BusKafka || len(cfg.Bus.KafkaBrokers) != 2 || cfg.Bus.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected bus %+v", cfg.Bus)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keylock.yaml")
	data := `
partition:
  enabled: true
  bucket_count: 64
lock:
  default_lease: 10s
expiry:
  enabled: true
  db: -1
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Partition.Enabled || cfg.Partition.BucketCount != 64 {
		t.Fatalf("unexpected partition %+v", cfg.Partition)
	}
	if cfg.Lock.DefaultLease != 10*time.Second {
		t.Fatalf("unexpected default lease %v", cfg.Lock.DefaultLease)
	}
	if !cfg.Expiry.Enabled || cfg.Expiry.DB != -1 {
		t.Fatalf("unexpected expiry %+v", cfg.Expiry)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	v := NewViper()
	cfg := FromViper(v)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}

	bad := cfg
	bad.Lock.Fair = true
	if err := bad.Validate(); !errors.Is(err, kerrors.ErrFairUnsupported) {
		t.Fatalf("expected ErrFairUnsupported, got %v", err)
	}

	bad = cfg
	bad.Lock.Variant = "zookeeper"
	bad.Partition.BucketCount = 0
	bad.Bus.Kind = "carrier-pigeon"
	bad.Lock.MaxLease = -time.Second
	err := bad.Validate()
	if !errors.Is(err, kerrors.ErrUnknownVariant) {
		t.Fatalf("expected ErrUnknownVariant, got %v", err)
	}
	for _, want := range []string{"partition.bucket_count", "carrier-pigeon", "lock.max_lease"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}

	bad = cfg
	bad.Bus.Kind = BusNATS
	bad.Bus.NATSURL = ""
	if err := bad.Validate(); err == nil {
		t.Fatal("expected nats url error")
	}
}
