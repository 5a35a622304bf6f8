package deployq

import (
	"context"

	"github.com/avast/retry-go"
	log "github.com/sirupsen/logrus"

	"github.com/deployq/deployq/internal/common/deployerrors"
	"github.com/deployq/deployq/internal/common/logging"
	"github.com/deployq/deployq/internal/common/task"
	"github.com/deployq/deployq/internal/deployq/configuration"
	"github.com/deployq/deployq/internal/deployq/scheduling"
)

// Driver runs the periodic engine operations: the timeout sweep, rebalancing and draining every
// cluster. Each run retries retryable errors a bounded number of times before giving up until the
// next tick.
type Driver struct {
	ctx    context.Context
	engine *scheduling.Engine
	config configuration.SchedulingConfig
}

func NewDriver(ctx context.Context, engine *scheduling.Engine, config configuration.SchedulingConfig) *Driver {
	return &Driver{ctx: ctx, engine: engine, config: config}
}

func (d *Driver) SweepTimeouts() {
	d.run("sweep_timeouts", func() error {
		timedOut, err := d.engine.SweepAllTimeouts(d.ctx, d.config.DeploymentTimeout)
		if len(timedOut) > 0 {
			log.Infof("Failed %d deployments that exceeded %s: %v", len(timedOut), d.config.DeploymentTimeout, timedOut)
		}
		return err
	})
}

func (d *Driver) Rebalance() {
	d.run("rebalance", func() error {
		promoted, err := d.engine.Rebalance(d.ctx, d.config.RebalanceAge)
		if promoted > 0 {
			log.Infof("Promoted %d queued deployments older than %s", promoted, d.config.RebalanceAge)
		}
		return err
	})
}

func (d *Driver) Drain() {
	d.run("drain", func() error {
		started, err := d.engine.ProcessAll(d.ctx)
		for clusterId, deployments := range started {
			log.WithField("clusterId", clusterId).Infof("Started %d queued deployments on cluster %s", len(deployments), clusterId)
		}
		return err
	})
}

func (d *Driver) run(name string, operation func() error) {
	attempts := d.config.RetryAttempts
	if attempts == 0 {
		attempts = 1
	}
	err := retry.Do(
		operation,
		retry.Attempts(attempts),
		retry.Delay(d.config.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return d.ctx.Err() == nil && deployerrors.IsRetryable(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("Background task %s failed on attempt %d; retrying", name, n+1)
		}),
	)
	if err != nil {
		logging.WithStacktrace(log.WithField("task", name), err).Error("Background task failed")
	}
}

// Register schedules the driver's operations on the task manager at their configured intervals.
func (d *Driver) Register(taskManager *task.BackgroundTaskManager) {
	taskManager.Register(d.SweepTimeouts, d.config.SweepInterval, "sweep_timeouts")
	taskManager.Register(d.Rebalance, d.config.RebalanceInterval, "rebalance")
	taskManager.Register(d.Drain, d.config.DrainInterval, "drain")
}
