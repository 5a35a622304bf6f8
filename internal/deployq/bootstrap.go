package deployq

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/deployq/deployq/internal/common/deployerrors"
	"github.com/deployq/deployq/internal/common/util"
	"github.com/deployq/deployq/internal/deployq/configuration"
	"github.com/deployq/deployq/internal/deployq/domain"
	"github.com/deployq/deployq/internal/deployq/repository"
	"github.com/deployq/deployq/internal/deployq/scheduling"
)

// BootstrapClusters saves the given clusters. New clusters are registered with their full
// capacity available; the ledger entries of known clusters are rebuilt from the deployments on
// record, keeping the original creation time.
func BootstrapClusters(
	ctx context.Context,
	engine *scheduling.Engine,
	store repository.RecordStore,
	clusters []configuration.ClusterConfig,
	clock util.Clock,
) error {
	for _, clusterConfig := range clusters {
		cluster, err := clusterFromConfig(clusterConfig, clock)
		if err != nil {
			return err
		}
		existing, err := store.GetCluster(ctx, cluster.Id)
		if err != nil && !deployerrors.IsNotFound(err) {
			return err
		}
		if existing != nil {
			cluster.Created = existing.Created
		}
		if err := store.SaveCluster(ctx, cluster); err != nil {
			return errors.WithMessagef(err, "failed to save cluster %s", cluster.Id)
		}

		// A new cluster has nothing running on it yet.
		if existing == nil {
			if err := engine.RegisterCluster(ctx, cluster); err != nil {
				return errors.WithMessagef(err, "failed to register cluster %s", cluster.Id)
			}
			continue
		}
		capacity, err := engine.ResyncCluster(ctx, cluster.Id)
		if err != nil {
			return errors.WithMessagef(err, "failed to resync cluster %s", cluster.Id)
		}
		log.WithField("clusterId", cluster.Id).Infof("Updated cluster %s: available %s of %s", cluster.Id, capacity.Available, capacity.Total)
	}
	return nil
}

func clusterFromConfig(config configuration.ClusterConfig, clock util.Clock) (*domain.Cluster, error) {
	total, err := domain.ResourceVectorFromQuantities(config.Ram, config.Cpu, config.Gpu)
	if err != nil {
		var e *deployerrors.ErrInvalidCapacity
		if errors.As(err, &e) {
			e.ClusterId = config.Id
		}
		return nil, err
	}
	name := config.Name
	if name == "" {
		name = config.Id
	}
	return &domain.Cluster{
		Id:        config.Id,
		Name:      name,
		Total:     total,
		Available: total,
		Created:   clock.Now(),
	}, nil
}
