package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-keylock/v1/config"
	"github.com/mirkobrombin/go-keylock/v1/presets"
)

const Version = "1.0.0"

// app carries the state shared by every subcommand of one invocation.
type app struct {
	v        *viper.Viper
	cfgPath  string
	cfg      config.Config
	log      *slog.Logger
	shutdown func(context.Context) error
}

// flagKeys maps persistent flags onto configuration keys.
var flagKeys = map[string]string{
	"redis-addr":     "redis.addr",
	"redis-password": "redis.password",
	"redis-db":       "redis.db",
	"variant":        "lock.variant",
	"fair":           "lock.fair",
	"prefix":         "lock.prefix",
	"partition":      "partition.enabled",
	"buckets":        "partition.bucket_count",
	"bus":            "bus.kind",
	"trace-stdout":   "telemetry.trace_stdout",
	"metrics-addr":   "telemetry.metrics_addr",
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.NewViper()}

	root := &cobra.Command{
		Use:   "keylock",
		Short: "distributed key partitioning and locking on Redis",
		Long: fmt.Sprintf(`keylock (v%s)

Maps logical keys onto bucketed Redis hashes and coordinates work across
processes with polling or managed (reentrant, optionally fair) locks.`, Version),
		SilenceUsage:       true,
		PersistentPreRunE:  a.setup,
		PersistentPostRunE: a.teardown,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgPath, "config", "", "path of a config file (yaml, toml, json)")
	pf.String("redis-addr", "", "Redis address (host:port)")
	pf.String("redis-password", "", "Redis password")
	pf.Int("redis-db", 0, "Redis logical database")
	pf.String("variant", "", "lock variant: polling or managed")
	pf.Bool("fair", false, "use fair (FIFO) managed locks")
	pf.String("prefix", "", "namespace of lock keys")
	pf.Bool("partition", false, "bucket keys into hashes")
	pf.Int("buckets", 0, "bucket count (raises the default only)")
	pf.String("bus", "", "notification bus: memory, redis, nats or kafka")
	pf.Bool("trace-stdout", false, "print traces to stdout")
	pf.String("metrics-addr", "", "serve Prometheus metrics on this address")
	for name, key := range flagKeys {
		_ = a.v.BindPFlag(key, pf.Lookup(name))
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number of keylock",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "keylock v%s\n", Version)
			},
		},
		newBucketCmd(a),
		newFieldCmd(a),
		newSizeCmd(),
		newLockCmd(a),
		newExpiredCmd(a),
		newServeCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadViper(a.v, a.cfgPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
	a.shutdown, err = startTelemetry(cmd.Context(), cfg.Telemetry, a.log)
	return err
}

func (a *app) teardown(cmd *cobra.Command, _ []string) error {
	if a.shutdown == nil {
		return nil
	}
	return a.shutdown(context.WithoutCancel(cmd.Context()))
}

// stack connects to Redis and builds the configured components.
func (a *app) stack(ctx context.Context) (*presets.Stack, error) {
	return a.stackFor(ctx, a.cfg)
}

func (a *app) stackFor(ctx context.Context, cfg config.Config) (*presets.Stack, error) {
	return presets.New(ctx, cfg, presets.WithLogger(a.log))
}

func execute(ctx context.Context, args []string) error {
	root := newRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}
