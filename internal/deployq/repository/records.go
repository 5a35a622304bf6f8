package repository

import (
	"context"

	"github.com/deployq/deployq/internal/deployq/domain"
)

// RecordStore is the durable system of record for clusters and deployments.
// Lookups of unknown ids return *deployerrors.ErrNotFound.
type RecordStore interface {
	// SaveCluster creates or replaces a cluster record.
	SaveCluster(ctx context.Context, cluster *domain.Cluster) error
	GetCluster(ctx context.Context, clusterId string) (*domain.Cluster, error)
	ListClusters(ctx context.Context) ([]*domain.Cluster, error)
	// CreateDeployment fails with *deployerrors.ErrInvalidArgument if the id is already taken.
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeployment(ctx context.Context, deploymentId string) (*domain.Deployment, error)
	// UpdateDeployment overwrites the stored deployment only if its status is still expected.
	// Returns false, without error, if the stored status has moved on.
	UpdateDeployment(ctx context.Context, deployment *domain.Deployment, expected domain.DeploymentStatus) (bool, error)
	// ListDeployments returns deployments with the given status. An empty clusterId matches all clusters.
	ListDeployments(ctx context.Context, clusterId string, status domain.DeploymentStatus) ([]*domain.Deployment, error)
}
