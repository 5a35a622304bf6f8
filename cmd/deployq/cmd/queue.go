package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/deployq/deployq/internal/deployq"
)

func processCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process [clusterId]",
		Short: "Starts queued deployments on one or every cluster while resources allow",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(func(ctx context.Context, c *deployq.Components) error {
				if len(args) == 1 {
					started, err := c.Engine.ProcessDeployments(ctx, args[0])
					writeStarted(cmd.OutOrStdout(), started)
					return err
				}
				started, err := c.Engine.ProcessAll(ctx)
				clusterIds := make([]string, 0, len(started))
				for clusterId := range started {
					clusterIds = append(clusterIds, clusterId)
				}
				sort.Strings(clusterIds)
				for _, clusterId := range clusterIds {
					writeStarted(cmd.OutOrStdout(), started[clusterId])
				}
				return err
			})
		},
	}
}

func releaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release <clusterId>",
		Short: "Returns resources to a cluster and starts queued deployments that now fit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := resourceFlags(cmd)
			if err != nil {
				return err
			}
			return withComponents(func(ctx context.Context, c *deployq.Components) error {
				started, err := c.Engine.Release(ctx, args[0], amount)
				writeStarted(cmd.OutOrStdout(), started)
				return err
			})
		},
	}
	addResourceFlags(cmd, "to release")
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Fails running deployments that exceeded the deployment timeout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			timeout, err := cmd.Flags().GetDuration("timeout")
			if err != nil {
				return errors.WithStack(err)
			}
			return withComponents(func(ctx context.Context, c *deployq.Components) error {
				timedOut, err := c.Engine.SweepAllTimeouts(ctx, timeout)
				for _, id := range timedOut {
					fmt.Fprintf(cmd.OutOrStdout(), "Deployment %s timed out\n", id)
				}
				return err
			})
		},
	}
	cmd.Flags().Duration("timeout", 0, "Maximum running time; defaults to the configured deployment timeout")
	return cmd
}

func rebalanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebalance",
		Short: "Promotes queued deployments that have waited too long",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			age, err := cmd.Flags().GetDuration("age")
			if err != nil {
				return errors.WithStack(err)
			}
			return withComponents(func(ctx context.Context, c *deployq.Components) error {
				promoted, err := c.Engine.Rebalance(ctx, age)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Promoted %d deployments\n", promoted)
				return nil
			})
		},
	}
	cmd.Flags().Duration("age", 0, "Minimum age of promoted deployments; defaults to the configured rebalance age")
	return cmd
}

func metricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Summarises the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withComponents(func(ctx context.Context, c *deployq.Components) error {
				m, err := c.Engine.QueueMetrics(ctx)
				if err != nil {
					return err
				}
				return writeQueueMetrics(cmd.OutOrStdout(), m)
			})
		},
	}
}
