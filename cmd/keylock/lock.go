package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-keylock/v1/lock"
	"github.com/mirkobrombin/go-keylock/v1/presets"
)

func newLockCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Perform lock operations",
		Long: `Perform lock operations. acquire, release, holder and force-release work
on polling lock records, which any process can release given the owner
token. hold uses the configured variant for the lifetime of the command.`,
	}
	cmd.AddCommand(
		newAcquireCmd(a),
		newReleaseCmd(a),
		newHolderCmd(a),
		newForceReleaseCmd(a),
		newHoldCmd(a),
	)
	return cmd
}

// withPolling runs fn against a polling lock built from the configuration.
func (a *app) withPolling(ctx context.Context, fn func(*lock.Polling) error) error {
	s, err := a.stack(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	lc := s.Config.LockConfig()
	lc.Bus = s.Bus
	lc.Logger = a.log
	return fn(lc.NewPolling(s.KV))
}

func newAcquireCmd(a *app) *cobra.Command {
	var lease, wait time.Duration
	var owner string
	cmd := &cobra.Command{
		Use:   "acquire [key]",
		Short: "Acquire a polling lock and print its owner token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" {
				owner = lock.NewOwnerToken()
			}
			return a.withPolling(cmd.Context(), func(p *lock.Polling) error {
				ok, err := p.Acquire(cmd.Context(), args[0], owner, lease, wait)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "acquired=false")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "acquired=true owner=%s\n", owner)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&lease, "lease", lock.DefaultLease, "lease of the lock record")
	cmd.Flags().DurationVar(&wait, "wait", 0, "how long to wait for a held lock")
	cmd.Flags().StringVar(&owner, "owner", "", "owner token (generated when empty)")
	return cmd
}

func newReleaseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "release [key] [owner]",
		Short: "Release a polling lock held by owner",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withPolling(cmd.Context(), func(p *lock.Polling) error {
				fmt.Fprintf(cmd.OutOrStdout(), "released=%v\n", p.Release(cmd.Context(), args[0], args[1]))
				return nil
			})
		},
	}
}

func newHolderCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "holder [key]",
		Short: "Show who holds a polling lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withPolling(cmd.Context(), func(p *lock.Polling) error {
				rec, held, err := p.Holder(cmd.Context(), args[0])
				switch {
				case err != nil:
					return err
				case !held:
					fmt.Fprintln(cmd.OutOrStdout(), "held=false")
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "held=true owner=%s since=%s\n",
						rec.Owner, rec.AcquiredAt.UTC().Format(time.RFC3339Nano))
				}
				return nil
			})
		},
	}
}

func newForceReleaseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "force-release [key]",
		Short: "Delete a polling lock record regardless of its owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withPolling(cmd.Context(), func(p *lock.Polling) error {
				fmt.Fprintf(cmd.OutOrStdout(), "released=%v\n", p.ForceRelease(cmd.Context(), args[0]))
				return nil
			})
		},
	}
}

func newHoldCmd(a *app) *cobra.Command {
	var lease, wait, hold time.Duration
	cmd := &cobra.Command{
		Use:   "hold [key]",
		Short: "Hold a lock of the configured variant until interrupted",
		Long: `Hold a lock of the configured variant until interrupted or until --for
elapses, then release it. With the managed variant and no --lease the lock
is kept alive by the watchdog.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.stack(ctx)
			if err != nil {
				return err
			}
			defer s.Close()
			return runHold(ctx, cmd, s, args[0], wait, lease, hold)
		},
	}
	cmd.Flags().DurationVar(&lease, "lease", 0, "lease of the lock (0 uses the variant default)")
	cmd.Flags().DurationVar(&wait, "wait", 0, "how long to wait for a held lock")
	cmd.Flags().DurationVar(&hold, "for", 0, "release after this long (0 waits for a signal)")
	return cmd
}

func runHold(ctx context.Context, cmd *cobra.Command, s *presets.Stack, key string, wait, lease, hold time.Duration) error {
	h, err := s.Locker.TryAcquire(ctx, key, wait, lease)
	if err != nil {
		return err
	}
	if h == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "acquired=false")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "acquired=true variant=%s owner=%s\n", h.Variant(), h.Owner())

	var expired <-chan time.Time
	if hold > 0 {
		t := time.NewTimer(hold)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-ctx.Done():
	case <-expired:
	}
	fmt.Fprintf(cmd.OutOrStdout(), "released=%v\n", s.Locker.Release(context.WithoutCancel(ctx), h))
	return nil
}
