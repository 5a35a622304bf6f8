package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/deployq/deployq/internal/common/deployerrors"
	"github.com/deployq/deployq/internal/common/logging"
	"github.com/deployq/deployq/internal/deployq/domain"
	"github.com/deployq/deployq/internal/deployq/events"
	"github.com/deployq/deployq/internal/deployq/metrics"
)

const (
	ReasonKey      = "reason"
	TimedOutReason = "timed out"
)

// Complete moves a deployment to COMPLETED or FAILED.
//
// The new status is persisted first. Only then is any residual queue entry removed, the resources
// of a running deployment released and the cluster drained. A deployment can only
// be completed once: later calls fail with *deployerrors.ErrAlreadyTerminal and release nothing.
func (e *Engine) Complete(ctx context.Context, deploymentId string, status domain.DeploymentStatus, details map[string]string) (*domain.Deployment, error) {
	ctx = detach(ctx)
	if !status.IsTerminal() {
		return nil, errors.WithStack(&deployerrors.ErrInvalidArgument{
			Name:    "status",
			Value:   status,
			Message: fmt.Sprintf("must be %s or %s", domain.Completed, domain.Failed),
		})
	}

	var previous, finished *domain.Deployment
	for attempt := 0; previous == nil; attempt++ {
		d, err := e.getDeployment(ctx, deploymentId)
		if err != nil {
			return nil, err
		}
		if d.Status.IsTerminal() {
			return nil, errors.WithStack(&deployerrors.ErrAlreadyTerminal{DeploymentId: d.Id, Status: string(d.Status)})
		}
		if !canFinish(d.Status, status) {
			return nil, errors.WithStack(&deployerrors.ErrInvalidTransition{
				DeploymentId: d.Id,
				From:         string(d.Status),
				To:           string(status),
			})
		}

		now := e.clock.Now()
		finished = d.DeepCopy()
		finished.Status = status
		finished.Completed = &now
		finished.CompletionDetails = copyDetails(details)

		updated, err := e.updateDeployment(ctx, finished, d.Status)
		if err != nil {
			return nil, err
		}
		if updated {
			previous = d
		} else if attempt+1 >= maxConflictRetries {
			return nil, e.conflictError(ctx, deploymentId, status)
		}
	}

	logger := log.WithField("deploymentId", deploymentId)
	if _, err := e.index.Remove(deploymentId); err != nil {
		// The next drain of the cluster discards the entry.
		logging.WithStacktrace(logger, err).Warn("Failed to remove residual queue entry")
	}
	if previous.Status == domain.Running {
		if err := e.ledger.Release(previous.ClusterId, previous.Required); err != nil {
			logging.WithStacktrace(logger, err).Errorf("Deployment %s is %s but its resources were not released; cluster %s requires resync", deploymentId, status, previous.ClusterId)
			return nil, errors.WithMessagef(err, "deployment %s is %s but releasing its resources failed", deploymentId, status)
		}
	}

	metrics.RecordFinished(previous.ClusterId, status)
	eventType := events.Completed
	if status == domain.Failed {
		eventType = events.Failed
	}
	e.publish(eventType, deploymentId, previous.ClusterId, previous.Priority, finished.CompletionDetails)
	logger.Infof("Deployment %s moved from %s to %s", deploymentId, previous.Status, status)

	started, err := e.ProcessDeployments(ctx, previous.ClusterId)
	if err != nil {
		logging.WithStacktrace(logger, err).Warnf("Failed to drain cluster %s after completion", previous.ClusterId)
	} else if len(started) > 0 {
		logger.Infof("Started %d deployments on cluster %s after completion of %s", len(started), previous.ClusterId, deploymentId)
	}
	return finished, nil
}

func canFinish(from domain.DeploymentStatus, to domain.DeploymentStatus) bool {
	switch to {
	case domain.Completed:
		return from == domain.Running
	case domain.Failed:
		return from == domain.Running || from == domain.Queued
	}
	return false
}

func copyDetails(details map[string]string) map[string]string {
	if len(details) == 0 {
		return nil
	}
	c := make(map[string]string, len(details))
	for k, v := range details {
		c[k] = v
	}
	return c
}

// SweepTimeouts fails a RUNNING deployment that started more than limit ago.
// A non-positive limit uses the configured deployment timeout. Returns true if the deployment was failed.
func (e *Engine) SweepTimeouts(ctx context.Context, deploymentId string, limit time.Duration) (bool, error) {
	if limit <= 0 {
		limit = e.config.DeploymentTimeout
	}
	d, err := e.getDeployment(detach(ctx), deploymentId)
	if err != nil {
		return false, err
	}
	if d.Status != domain.Running || d.Started == nil {
		return false, nil
	}
	if e.clock.Now().Sub(*d.Started) <= limit {
		return false, nil
	}

	_, err = e.Complete(ctx, deploymentId, domain.Failed, map[string]string{ReasonKey: TimedOutReason})
	var terminal *deployerrors.ErrAlreadyTerminal
	if errors.As(err, &terminal) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	metrics.RecordTimedOut(d.ClusterId)
	log.WithField("deploymentId", deploymentId).Infof("Deployment %s timed out after running for more than %s", deploymentId, limit)
	return true, nil
}

// SweepAllTimeouts applies SweepTimeouts to every RUNNING deployment and returns the ids of those
// that were failed.
func (e *Engine) SweepAllTimeouts(ctx context.Context, limit time.Duration) ([]string, error) {
	running, err := e.listDeployments(detach(ctx), "", domain.Running)
	if err != nil {
		return nil, err
	}
	var result *multierror.Error
	timedOut := []string{}
	for _, d := range running {
		swept, err := e.SweepTimeouts(ctx, d.Id, limit)
		if err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "deployment %s", d.Id))
			continue
		}
		if swept {
			timedOut = append(timedOut, d.Id)
		}
	}
	return timedOut, result.ErrorOrNil()
}

// Release returns resources to a cluster without any lifecycle change, then drains the cluster.
// Availability is never raised above the cluster's total.
func (e *Engine) Release(ctx context.Context, clusterId string, amount domain.ResourceVector) ([]*domain.Deployment, error) {
	if err := e.ledger.Release(clusterId, amount); err != nil {
		return nil, err
	}
	log.WithField("clusterId", clusterId).Infof("Released %s on cluster %s", amount, clusterId)
	return e.ProcessDeployments(ctx, clusterId)
}
