package scheduling

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/deployq/deployq/internal/common/deployerrors"
	"github.com/deployq/deployq/internal/deployq/domain"
)

// RegisterCluster initialises the ledger entry of a cluster from its record.
func (e *Engine) RegisterCluster(ctx context.Context, cluster *domain.Cluster) error {
	if cluster.Id == "" {
		return errors.WithStack(&deployerrors.ErrInvalidArgument{Name: "id", Value: cluster.Id, Message: "must be non-empty"})
	}
	if err := e.ledger.SetCapacity(cluster.Id, cluster.Capacity()); err != nil {
		return err
	}
	log.WithField("clusterId", cluster.Id).Infof("Registered cluster %s with capacity %s", cluster.Id, cluster.Total)
	return nil
}

// ResyncCluster rebuilds the ledger entry of a cluster from the record store: available capacity
// is the cluster total less the requirements of its RUNNING deployments. QUEUED deployments
// missing from the priority index are requeued.
func (e *Engine) ResyncCluster(ctx context.Context, clusterId string) (*domain.ClusterCapacity, error) {
	ctx = detach(ctx)
	storeCtx, cancel := e.storeContext(ctx)
	cluster, err := e.store.GetCluster(storeCtx, clusterId)
	cancel()
	if err != nil {
		return nil, err
	}

	running, err := e.listDeployments(ctx, clusterId, domain.Running)
	if err != nil {
		return nil, err
	}
	reserved := domain.ResourceVector{}
	for _, d := range running {
		reserved = reserved.Add(d.Required)
	}
	capacity := domain.ClusterCapacity{
		Total:     cluster.Total,
		Available: cluster.Total.Sub(reserved).ClampTo(cluster.Total),
	}
	if err := e.ledger.SetCapacity(clusterId, capacity); err != nil {
		return nil, err
	}

	queued, err := e.listDeployments(ctx, clusterId, domain.Queued)
	if err != nil {
		return nil, err
	}
	requeued := 0
	for _, d := range queued {
		_, score, exists, err := e.index.Position(d.Id)
		if err != nil {
			return nil, err
		}
		if exists {
			if err := e.recacheIfMissing(d, score); err != nil {
				return nil, err
			}
			continue
		}
		if err := e.index.Insert(domain.CalculateScore(d.Priority, d.Created), d.Id, domain.MetadataFromDeployment(d, e.clock.Now())); err != nil {
			return nil, err
		}
		requeued++
	}

	log.WithField("clusterId", clusterId).Infof(
		"Resynced cluster %s: %d running deployments, available %s of %s, %d deployments requeued",
		clusterId, len(running), capacity.Available, capacity.Total, requeued)
	return &capacity, nil
}

// ClusterResources returns the ledger entry of a cluster, resyncing it if it is missing.
func (e *Engine) ClusterResources(ctx context.Context, clusterId string) (*domain.ClusterCapacity, error) {
	capacity, err := e.ledger.Snapshot(clusterId)
	if err != nil {
		return nil, err
	}
	if capacity != nil {
		return capacity, nil
	}
	return e.ResyncCluster(ctx, clusterId)
}

// recacheIfMissing restores the metadata of a queued deployment whose entry lost it.
func (e *Engine) recacheIfMissing(d *domain.Deployment, score domain.Score) error {
	metadata, err := e.index.Metadata(d.Id)
	if err != nil || metadata != nil {
		return err
	}
	metadata = domain.MetadataFromDeployment(d, e.clock.Now())
	metadata.EffectivePriority = domain.PriorityFromScore(score, d.Created)
	_, err = e.index.CacheMetadata(d.Id, metadata)
	return err
}
