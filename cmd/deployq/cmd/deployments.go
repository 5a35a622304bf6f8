package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/deployq/deployq/internal/common/util"
	"github.com/deployq/deployq/internal/deployq"
	"github.com/deployq/deployq/internal/deployq/domain"
	"github.com/deployq/deployq/internal/deployq/scheduling"
)

func addResourceFlags(cmd *cobra.Command, what string) {
	cmd.Flags().String("ram", "", "Ram "+what)
	cmd.Flags().String("cpu", "", "Cpu "+what+", e.g., 2 or 500m")
	cmd.Flags().String("gpu", "", "Gpu "+what)
}

func resourceFlags(cmd *cobra.Command) (domain.ResourceVector, error) {
	values := make([]string, len(domain.ResourceKinds))
	for i, kind := range domain.ResourceKinds {
		v, err := cmd.Flags().GetString(string(kind))
		if err != nil {
			return domain.ResourceVector{}, errors.WithStack(err)
		}
		values[i] = v
	}
	return domain.ParseResourceVector(values[0], values[1], values[2])
}

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <clusterId>",
		Short: "Submits a deployment, starting it straight away if its cluster has room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := cmd.Flags().GetString("name")
			if err != nil {
				return errors.WithStack(err)
			}
			priority, err := cmd.Flags().GetInt("priority")
			if err != nil {
				return errors.WithStack(err)
			}
			required, err := resourceFlags(cmd)
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			d := &domain.Deployment{
				Id:        util.NewULIDAt(now),
				Name:      name,
				ClusterId: args[0],
				Priority:  priority,
				Required:  required,
				Status:    domain.Pending,
				Created:   now,
			}
			if err := d.Validate(); err != nil {
				return err
			}
			return withComponents(func(ctx context.Context, c *deployq.Components) error {
				if err := c.Store.CreateDeployment(ctx, d); err != nil {
					return err
				}
				enqueued, err := c.Engine.Enqueue(ctx, d)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Submitted deployment %s to cluster %s: %s\n", enqueued.Id, enqueued.ClusterId, enqueued.Status)
				return nil
			})
		},
	}
	cmd.Flags().String("name", "", "Name of the deployment")
	cmd.Flags().Int("priority", 5, fmt.Sprintf("Priority of the deployment, from %d to %d", domain.MinPriority, domain.MaxPriority))
	addResourceFlags(cmd, "required by the deployment")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <deploymentId>",
		Short: "Shows a deployment and its position in the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(func(ctx context.Context, c *deployq.Components) error {
				view, err := c.Engine.DeploymentStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return writeStatus(cmd.OutOrStdout(), view)
			})
		},
	}
}

func completeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <deploymentId>",
		Short: "Marks a running deployment as completed and releases its resources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			details, err := cmd.Flags().GetStringToString("detail")
			if err != nil {
				return errors.WithStack(err)
			}
			return finish(cmd, args[0], domain.Completed, details)
		},
	}
	cmd.Flags().StringToString("detail", map[string]string{}, "Completion details as key=value pairs")
	return cmd
}

func failCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fail <deploymentId>",
		Short: "Marks a queued or running deployment as failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, err := cmd.Flags().GetString("reason")
			if err != nil {
				return errors.WithStack(err)
			}
			var details map[string]string
			if reason != "" {
				details = map[string]string{scheduling.ReasonKey: reason}
			}
			return finish(cmd, args[0], domain.Failed, details)
		},
	}
	cmd.Flags().String("reason", "", "Why the deployment failed")
	return cmd
}

func finish(cmd *cobra.Command, deploymentId string, status domain.DeploymentStatus, details map[string]string) error {
	return withComponents(func(ctx context.Context, c *deployq.Components) error {
		d, err := c.Engine.Complete(ctx, deploymentId, status, details)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deployment %s is %s\n", d.Id, d.Status)
		return nil
	})
}
