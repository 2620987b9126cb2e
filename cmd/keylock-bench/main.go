package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-keylock/v1/config"
	"github.com/mirkobrombin/go-keylock/v1/lock"
	"github.com/mirkobrombin/go-keylock/v1/presets"
)

var (
	concurrency = flag.Int("c", 50, "Number of concurrent workers")
	requests    = flag.Int("n", 10000, "Total number of lock round trips")
	keys        = flag.Int("k", 8, "Number of distinct lock keys")
	variant     = flag.String("variant", "polling", "Lock variant: polling or managed")
	fair        = flag.Bool("fair", false, "Use fair managed locks")
	redisAddr   = flag.String("redis", "", "Redis address; in-memory locks when empty")
	wait        = flag.Duration("wait", time.Second, "Maximum wait per acquisition")
	lease       = flag.Duration("lease", 10*time.Second, "Lease of each acquisition")
	poll        = flag.Duration("poll", 5*time.Millisecond, "Poll interval of the polling variant")
)

func main() {
	flag.Parse()
	ctx := context.Background()

	v, err := lock.ParseVariant(*variant)
	if err != nil {
		log.Fatal(err)
	}

	var locker lock.Locker
	if *redisAddr == "" {
		log.Println("Initializing in-memory locker...")
		locker, err = presets.NewInMemory(lock.Config{Variant: v, Fair: *fair, PollInterval: *poll})
	} else {
		log.Printf("Initializing Redis locker at %s...", *redisAddr)
		cfg := config.FromViper(config.NewViper())
		cfg.Redis.Addr = *redisAddr
		cfg.Lock.Variant = string(v)
		cfg.Lock.Fair = *fair
		cfg.Lock.PollInterval = *poll
		var s *presets.Stack
		s, err = presets.New(ctx, cfg)
		if err == nil {
			defer s.Close()
			locker = s.Locker
		}
	}
	if err != nil {
		log.Fatalf("Setup failed: %v", err)
	}

	log.Printf("Starting benchmark: %d round trips, %d workers, %d keys, variant %s", *requests, *concurrency, *keys, v)

	var ops, misses, lost int64
	var waited atomic.Int64
	perWorker := *requests / *concurrency

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *concurrency; i++ {
		i := i
		g.Go(func() error {
			for j := 0; j < perWorker; j++ {
				key := fmt.Sprintf("bench:%d", (i+j)%*keys)
				t0 := time.Now()
				h, err := locker.TryAcquire(gctx, key, *wait, *lease)
				waited.Add(int64(time.Since(t0)))
				if err != nil {
					return err
				}
				if h == nil {
					atomic.AddInt64(&misses, 1)
					continue
				}
				if !locker.Release(gctx, h) {
					atomic.AddInt64(&lost, 1)
				}
				atomic.AddInt64(&ops, 1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("Benchmark failed: %v", err)
	}
	elapsed := time.Since(start)

	log.Printf("Finished in %v", elapsed)
	log.Printf("Throughput: %.2f locks/s", float64(ops)/elapsed.Seconds())
	if attempts := ops + misses; attempts > 0 {
		log.Printf("Avg Wait: %v", time.Duration(waited.Load()/attempts))
	}
	if misses > 0 {
		log.Printf("Timed out: %d", misses)
	}
	if lost > 0 {
		log.Printf("Lost before release: %d", lost)
	}
}
