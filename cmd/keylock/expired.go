package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-keylock/v1/expiry"
)

func newExpiredCmd(a *app) *cobra.Command {
	var allDBs, configure bool
	cmd := &cobra.Command{
		Use:   "expired",
		Short: "Print keys as Redis expires them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := a.cfg
			cfg.Expiry.Enabled = false
			s, err := a.stackFor(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			db := cfg.Expiry.DB
			if allDBs {
				db = expiry.AllDBs
			}
			out := cmd.OutOrStdout()
			l := expiry.New(s.Client,
				expiry.WithDB(db),
				expiry.WithBus(s.Bus),
				expiry.WithNotifyConfig(configure || cfg.Expiry.Configure),
				expiry.WithLogger(a.log),
				expiry.WithHandler(func(_ context.Context, key string) {
					fmt.Fprintln(out, key)
				}),
			)
			if err := l.Start(ctx); err != nil {
				return err
			}
			defer l.Close()
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().BoolVar(&allDBs, "all-dbs", false, "watch every logical database")
	cmd.Flags().BoolVar(&configure, "configure", false, "enable notify-keyspace-events Ex on the server")
	return cmd
}
