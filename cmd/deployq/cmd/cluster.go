package cmd

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/deployq/deployq/internal/common/util"
	"github.com/deployq/deployq/internal/deployq"
	"github.com/deployq/deployq/internal/deployq/configuration"
)

func clusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Manage clusters",
	}
	cmd.AddCommand(
		clusterRegisterCmd(),
		clusterResyncCmd(),
		clusterShowCmd(),
	)
	return cmd
}

func clusterRegisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register <clusterId>",
		Short: "Registers a cluster or updates its capacity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := cmd.Flags().GetString("name")
			if err != nil {
				return errors.WithStack(err)
			}
			clusterConfig := configuration.ClusterConfig{Id: args[0], Name: name}
			quantities := map[string]*resource.Quantity{
				"ram": &clusterConfig.Ram,
				"cpu": &clusterConfig.Cpu,
				"gpu": &clusterConfig.Gpu,
			}
			for flag, q := range quantities {
				s, err := cmd.Flags().GetString(flag)
				if err != nil {
					return errors.WithStack(err)
				}
				parsed, err := resource.ParseQuantity(s)
				if err != nil {
					return errors.WithMessagef(err, "invalid %s %q", flag, s)
				}
				*q = parsed
			}

			return withComponents(func(ctx context.Context, c *deployq.Components) error {
				clusters := []configuration.ClusterConfig{clusterConfig}
				if err := deployq.BootstrapClusters(ctx, c.Engine, c.Store, clusters, &util.DefaultClock{}); err != nil {
					return err
				}
				capacity, err := c.Engine.ClusterResources(ctx, clusterConfig.Id)
				if err != nil {
					return err
				}
				return writeCapacity(cmd.OutOrStdout(), clusterConfig.Id, capacity)
			})
		},
	}
	cmd.Flags().String("name", "", "Human readable name of the cluster")
	cmd.Flags().String("ram", "0", "Total ram of the cluster, e.g., 32 or 0.5")
	cmd.Flags().String("cpu", "0", "Total cpu of the cluster, e.g., 8 or 500m")
	cmd.Flags().String("gpu", "0", "Total gpu of the cluster")
	return cmd
}

func clusterResyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resync <clusterId>",
		Short: "Rebuilds the available resources of a cluster from its running deployments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(func(ctx context.Context, c *deployq.Components) error {
				capacity, err := c.Engine.ResyncCluster(ctx, args[0])
				if err != nil {
					return err
				}
				return writeCapacity(cmd.OutOrStdout(), args[0], capacity)
			})
		},
	}
}

func clusterShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [clusterId]",
		Short: "Shows the resources of one or every cluster",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(func(ctx context.Context, c *deployq.Components) error {
				clusterIds := args
				if len(clusterIds) == 0 {
					clusters, err := c.Store.ListClusters(ctx)
					if err != nil {
						return err
					}
					for _, cluster := range clusters {
						clusterIds = append(clusterIds, cluster.Id)
					}
				}
				for i, clusterId := range clusterIds {
					if i > 0 {
						fmt.Fprintln(cmd.OutOrStdout())
					}
					capacity, err := c.Engine.ClusterResources(ctx, clusterId)
					if err != nil {
						return err
					}
					if err := writeCapacity(cmd.OutOrStdout(), clusterId, capacity); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}
