package scheduling

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/deployq/deployq/internal/common/deployerrors"
	"github.com/deployq/deployq/internal/common/logging"
	"github.com/deployq/deployq/internal/deployq/configuration"
	"github.com/deployq/deployq/internal/deployq/domain"
	"github.com/deployq/deployq/internal/deployq/events"
	"github.com/deployq/deployq/internal/deployq/metrics"
)

// Upper bound on the number of clusters drained concurrently by ProcessAll.
const maxParallelDrains = 8

// Enqueue evaluates a PENDING deployment for the first time. If its cluster has room for it,
// the deployment is admitted straight away and returned RUNNING; otherwise it is added to the
// priority index and returned QUEUED.
func (e *Engine) Enqueue(ctx context.Context, deployment *domain.Deployment) (*domain.Deployment, error) {
	ctx = detach(ctx)
	if err := deployment.Validate(); err != nil {
		return nil, err
	}
	if deployment.Created.IsZero() {
		return nil, errors.WithStack(&deployerrors.ErrInvalidArgument{
			Name:    "created",
			Value:   deployment.Created,
			Message: "creation time is required to order the deployment",
		})
	}
	d := deployment.DeepCopy()
	if d.Status.IsTerminal() {
		return nil, errors.WithStack(&deployerrors.ErrAlreadyTerminal{DeploymentId: d.Id, Status: string(d.Status)})
	}
	if d.Status != domain.Pending {
		return nil, errors.WithStack(&deployerrors.ErrInvalidTransition{
			DeploymentId: d.Id,
			From:         string(d.Status),
			To:           string(domain.Queued),
		})
	}

	snapshot, err := e.ledger.Snapshot(d.ClusterId)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		if _, err := e.ResyncCluster(ctx, d.ClusterId); err != nil {
			return nil, err
		}
	}

	reserved, err := e.ledger.TryReserve(d.ClusterId, d.Required)
	if err != nil {
		return nil, err
	}
	if reserved {
		return e.persistAdmission(ctx, d, nil, metrics.FastPath)
	}
	return e.queue(ctx, d)
}

func (e *Engine) queue(ctx context.Context, d *domain.Deployment) (*domain.Deployment, error) {
	score := domain.CalculateScore(d.Priority, d.Created)
	if err := e.index.Insert(score, d.Id, domain.MetadataFromDeployment(d, e.clock.Now())); err != nil {
		return nil, err
	}

	queued := d.DeepCopy()
	queued.Status = domain.Queued
	updated, err := e.updateDeployment(ctx, queued, domain.Pending)
	if err == nil && !updated {
		// A drain may have claimed the new entry and started the deployment before QUEUED was written.
		current, getErr := e.getDeployment(ctx, d.Id)
		if getErr == nil && current.Status != domain.Pending && current.Status != domain.Queued && current.Started != nil {
			log.WithField("deploymentId", d.Id).Infof("Deployment %s was admitted while being queued; now %s", d.Id, current.Status)
			return current, nil
		}
	}
	if err != nil || !updated {
		_, removeErr := e.index.Remove(d.Id)
		if removeErr != nil {
			logging.WithStacktrace(log.WithField("deploymentId", d.Id), removeErr).Error("Failed to remove queue entry of deployment that was not persisted")
		}
		if err == nil {
			return nil, e.conflictError(ctx, d.Id, domain.Queued)
		}
		if deployerrors.IsNotFound(err) {
			return nil, err
		}
		return nil, errors.WithStack(&deployerrors.ErrPersistenceFailure{DeploymentId: d.Id, Compensated: removeErr == nil, Err: err})
	}

	metrics.RecordQueued(d.ClusterId)
	e.publish(events.Queued, d.Id, d.ClusterId, d.Priority, nil)
	log.WithField("deploymentId", d.Id).Infof("Deployment %s queued on cluster %s with priority score %s", d.Id, d.ClusterId, score)
	return queued, nil
}

// SelectNext returns the queued deployment that would be admitted next on a cluster, or nil if
// there is none. Entries are evaluated against the cluster's current availability.
//
// With the SkipOver policy the highest-scored entry that fits wins, even if higher-scored entries
// for the same cluster don't fit. With StrictPriority only the highest-scored entry of the cluster
// is considered.
//
// Every call scans the index from the top, so it is linear in the size of the queue. Entries
// that lost their cached metadata are repaired from the record store on the way.
func (e *Engine) SelectNext(ctx context.Context, clusterId string) (*domain.QueueEntry, error) {
	snapshot, err := e.ledger.Snapshot(clusterId)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, nil
	}

	it := e.index.Iterator()
	for {
		if err := ctx.Err(); err != nil {
			return nil, errors.WithStack(err)
		}
		entry, err := it.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return nil, nil
		}
		if entry.Metadata == nil {
			entry.Metadata = e.recacheMetadata(ctx, entry)
			if entry.Metadata == nil {
				continue
			}
		}
		if entry.Metadata.ClusterId != clusterId {
			continue
		}
		if snapshot.Available.Dominates(entry.Metadata.Required) {
			return entry, nil
		}
		if e.config.AdmissionPolicy == configuration.StrictPriority {
			return nil, nil
		}
	}
}

// queueClaim is a queue entry removed by Start, kept so it can be put back if admission fails.
type queueClaim struct {
	deployment *domain.Deployment
	metadata   *domain.DeploymentMetadata
}

// claim removes the queue entry of a deployment. Of several callers trying to start the same
// deployment, only one gets a non-nil claim.
func (e *Engine) claim(d *domain.Deployment) (*queueClaim, error) {
	metadata, err := e.index.Metadata(d.Id)
	if err != nil {
		return nil, err
	}
	removed, err := e.index.Remove(d.Id)
	if err != nil {
		return nil, err
	}
	if !removed {
		return nil, nil
	}
	return &queueClaim{deployment: d, metadata: metadata}, nil
}

// restore puts a claimed entry back at its previous position.
func (e *Engine) restore(claim *queueClaim) {
	if claim == nil {
		return
	}
	metadata := claim.metadata
	if metadata == nil {
		metadata = domain.MetadataFromDeployment(claim.deployment, e.clock.Now())
	}
	score := domain.CalculateScore(metadata.EffectivePriority, metadata.Created)
	if err := e.index.Insert(score, claim.deployment.Id, metadata); err != nil {
		logging.
			WithStacktrace(log.WithField("deploymentId", claim.deployment.Id), err).
			Error("Failed to restore queue entry; resync the cluster to requeue the deployment")
	}
}

// Start admits a PENDING or QUEUED deployment onto its cluster. The deployment's queue entry, if
// any, is removed and the required resources reserved. If the resources aren't available the
// deployment is left as it was and *deployerrors.ErrInsufficientResources is returned.
func (e *Engine) Start(ctx context.Context, clusterId string, deploymentId string, required domain.ResourceVector) (*domain.Deployment, error) {
	ctx = detach(ctx)
	if required.IsNegative() {
		return nil, errors.WithStack(&deployerrors.ErrInvalidCapacity{
			ClusterId: clusterId,
			Message:   fmt.Sprintf("deployment %s requires %s", deploymentId, required),
		})
	}
	d, err := e.getDeployment(ctx, deploymentId)
	if err != nil {
		return nil, err
	}
	if err := checkStartable(d, clusterId, required); err != nil {
		return nil, err
	}

	claim, err := e.claim(d)
	if err != nil {
		return nil, err
	}
	if claim == nil && d.Status == domain.Queued {
		// Either a concurrent caller has taken the entry or it was lost; only the latter may proceed.
		d, err = e.getDeployment(ctx, deploymentId)
		if err != nil {
			return nil, err
		}
		if d.Status != domain.Queued {
			return nil, e.conflictError(ctx, deploymentId, domain.Running)
		}
	}

	reserved, err := e.ledger.TryReserve(clusterId, required)
	if err != nil {
		e.restore(claim)
		return nil, err
	}
	if !reserved {
		e.restore(claim)
		return nil, errors.WithStack(&deployerrors.ErrInsufficientResources{
			ClusterId:    clusterId,
			DeploymentId: deploymentId,
			Required:     required.String(),
		})
	}

	path := metrics.FastPath
	if d.Status == domain.Queued {
		path = metrics.QueuePath
	}
	return e.persistAdmission(ctx, d, claim, path)
}

func checkStartable(d *domain.Deployment, clusterId string, required domain.ResourceVector) error {
	if d.Status.IsTerminal() {
		return errors.WithStack(&deployerrors.ErrAlreadyTerminal{DeploymentId: d.Id, Status: string(d.Status)})
	}
	if d.Status == domain.Running {
		return errors.WithStack(&deployerrors.ErrInvalidTransition{
			DeploymentId: d.Id,
			From:         string(d.Status),
			To:           string(domain.Running),
		})
	}
	if d.ClusterId != clusterId {
		return errors.WithStack(&deployerrors.ErrInvalidArgument{
			Name:    "clusterId",
			Value:   clusterId,
			Message: fmt.Sprintf("deployment %s belongs to cluster %s", d.Id, d.ClusterId),
		})
	}
	if required != d.Required {
		return errors.WithStack(&deployerrors.ErrInvalidArgument{
			Name:    "required",
			Value:   required.String(),
			Message: fmt.Sprintf("deployment %s requires %s", d.Id, d.Required),
		})
	}
	return nil
}

// persistAdmission records that d is RUNNING once its resources have been reserved.
// The reservation is released again if the transition can't be persisted.
func (e *Engine) persistAdmission(ctx context.Context, d *domain.Deployment, claim *queueClaim, path string) (*domain.Deployment, error) {
	now := e.clock.Now()
	running := d.DeepCopy()
	running.Status = domain.Running
	running.Started = &now

	updated, err := e.updateDeployment(ctx, running, d.Status)
	if err == nil && !updated && d.Status == domain.Pending {
		// Enqueue writes QUEUED after inserting the entry this caller may already have claimed.
		updated, err = e.updateDeployment(ctx, running, domain.Queued)
	}
	if err != nil || !updated {
		compensated := e.compensateReservation(d.ClusterId, d.Required)
		if err == nil {
			// Someone else moved the deployment on; its queue entry belongs to nobody now.
			return nil, e.conflictError(ctx, d.Id, domain.Running)
		}
		e.restore(claim)
		if deployerrors.IsNotFound(err) {
			return nil, err
		}
		return nil, errors.WithStack(&deployerrors.ErrPersistenceFailure{DeploymentId: d.Id, Compensated: compensated, Err: err})
	}

	metrics.RecordAdmitted(d.ClusterId, path)
	e.publish(events.Running, d.Id, d.ClusterId, d.Priority, nil)
	log.WithField("deploymentId", d.Id).Infof("Deployment %s started on cluster %s using %s", d.Id, d.ClusterId, d.Required)
	return running, nil
}

// ProcessDeployments admits queued deployments onto a cluster until the next candidate doesn't
// fit or the queue holds nothing more for the cluster. Returns the deployments started.
func (e *Engine) ProcessDeployments(ctx context.Context, clusterId string) ([]*domain.Deployment, error) {
	ctx = detach(ctx)
	started := []*domain.Deployment{}
	for {
		entry, err := e.SelectNext(ctx, clusterId)
		if err != nil {
			return started, err
		}
		if entry == nil {
			return started, nil
		}

		d, err := e.Start(ctx, clusterId, entry.DeploymentId, entry.Metadata.Required)
		if err != nil {
			if isStaleEntry(err) {
				e.discardEntry(entry.DeploymentId, err)
				continue
			}
			var insufficient *deployerrors.ErrInsufficientResources
			if errors.As(err, &insufficient) {
				// Availability changed since the candidate was selected.
				return started, nil
			}
			return started, err
		}
		started = append(started, d)
	}
}

// isStaleEntry returns true for start failures meaning the queue entry no longer corresponds to
// a queued deployment.
func isStaleEntry(err error) bool {
	{
		var e *deployerrors.ErrNotFound
		if errors.As(err, &e) && e.Type == "deployment" {
			return true
		}
	}
	{
		var e *deployerrors.ErrAlreadyTerminal
		if errors.As(err, &e) {
			return true
		}
	}
	{
		var e *deployerrors.ErrInvalidTransition
		if errors.As(err, &e) {
			return true
		}
	}
	{
		// Cached metadata disagrees with the record; resync requeues the deployment.
		var e *deployerrors.ErrInvalidArgument
		if errors.As(err, &e) {
			return true
		}
	}
	return false
}

// recacheMetadata rebuilds the missing metadata of a queue entry from the record store. The
// entry keeps its score, so a promotion survives. Entries that no longer belong to a waiting
// deployment are discarded. Returns nil if no metadata could be cached.
func (e *Engine) recacheMetadata(ctx context.Context, entry *domain.QueueEntry) *domain.DeploymentMetadata {
	logger := log.WithField("deploymentId", entry.DeploymentId)
	d, err := e.getDeployment(ctx, entry.DeploymentId)
	if deployerrors.IsNotFound(err) {
		e.discardEntry(entry.DeploymentId, err)
		return nil
	}
	if err != nil {
		logging.WithStacktrace(logger, err).Warn("Failed to rebuild metadata of queue entry")
		return nil
	}
	if d.Status != domain.Queued && d.Status != domain.Pending {
		e.discardEntry(entry.DeploymentId, errors.Errorf("deployment %s is %s", d.Id, d.Status))
		return nil
	}

	metadata := domain.MetadataFromDeployment(d, e.clock.Now())
	metadata.EffectivePriority = domain.PriorityFromScore(entry.Score, d.Created)
	cached, err := e.index.CacheMetadata(d.Id, metadata)
	if err != nil {
		logging.WithStacktrace(logger, err).Warn("Failed to cache rebuilt metadata of queue entry")
		return nil
	}
	if !cached {
		return nil
	}
	logger.Infof("Rebuilt missing queue metadata of deployment %s", d.Id)
	return metadata
}

func (e *Engine) discardEntry(deploymentId string, cause error) {
	log.WithField("deploymentId", deploymentId).Warnf("Discarding stale queue entry: %s", cause)
	if _, err := e.index.Remove(deploymentId); err != nil {
		logging.WithStacktrace(log.WithField("deploymentId", deploymentId), err).Error("Failed to discard stale queue entry")
	}
}

// ProcessAll drains every cluster known to the ledger, several clusters at a time.
// Failures on one cluster don't prevent the others from being drained; they are combined in the
// returned error.
func (e *Engine) ProcessAll(ctx context.Context) (map[string][]*domain.Deployment, error) {
	clusterIds, err := e.ledger.ClusterIds()
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var result *multierror.Error
	started := make(map[string][]*domain.Deployment)

	var g errgroup.Group
	g.SetLimit(maxParallelDrains)
	for _, clusterId := range clusterIds {
		clusterId := clusterId
		g.Go(func() error {
			s, err := e.ProcessDeployments(ctx, clusterId)
			mu.Lock()
			defer mu.Unlock()
			if len(s) > 0 {
				started[clusterId] = s
			}
			if err != nil {
				result = multierror.Append(result, errors.WithMessagef(err, "cluster %s", clusterId))
			}
			return nil
		})
	}
	_ = g.Wait()
	return started, result.ErrorOrNil()
}
