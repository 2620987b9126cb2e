package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-keylock/v1/partition"
)

func newBucketCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "bucket [key...]",
		Short: "Print the physical bucket of each key",
		Long: `Print the physical bucket of each key. Bucketing is applied even when
partition.enabled is false so that layouts can be inspected up front.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := partition.New(partition.Config{Enabled: true, BucketCount: a.cfg.Partition.BucketCount})
			if err != nil {
				return err
			}
			for _, key := range args {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", key, p.BucketOf(key))
			}
			return nil
		},
	}
}

func newFieldCmd(_ *app) *cobra.Command {
	return &cobra.Command{
		Use:   "field [item...]",
		Short: "Print the hash field of each item",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, item := range args {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", item, partition.FieldHash(item))
			}
			return nil
		},
	}
}

func newSizeCmd() *cobra.Command {
	var perBucket int
	var headroom float64
	cmd := &cobra.Command{
		Use:   "size [total-keys]",
		Short: "Print the bucket count needed for a key population",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			total, err := strconv.Atoi(args[0])
			if err != nil || total <= 0 {
				return fmt.Errorf("invalid key count %q", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "buckets=%d\n", partition.SizeBuckets(total, perBucket, headroom))
			return nil
		},
	}
	cmd.Flags().IntVar(&perBucket, "per-bucket", 512, "maximum fields per bucket")
	cmd.Flags().Float64Var(&headroom, "headroom", 0.25, "extra capacity as a fraction")
	return cmd
}
