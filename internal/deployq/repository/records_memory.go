package repository

import (
	"context"
	"fmt"
	"sort"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/deployq/deployq/internal/common/deployerrors"
	"github.com/deployq/deployq/internal/deployq/domain"
)

const (
	clustersTable    = "clusters"
	deploymentsTable = "deployments"

	idIndex            = "id"
	statusIndex        = "status"
	clusterStatusIndex = "clusterStatus"
)

// MemoryRecordStore is a RecordStore held in an in-memory go-memdb database.
// Records are copied on the way in and out, so callers never share state with the store.
type MemoryRecordStore struct {
	db *memdb.MemDB
}

func NewMemoryRecordStore() (*MemoryRecordStore, error) {
	db, err := memdb.NewMemDB(recordStoreSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &MemoryRecordStore{db: db}, nil
}

func (s *MemoryRecordStore) SaveCluster(_ context.Context, cluster *domain.Cluster) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	c := *cluster
	if err := txn.Insert(clustersTable, &c); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (s *MemoryRecordStore) GetCluster(_ context.Context, clusterId string) (*domain.Cluster, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	obj, err := txn.First(clustersTable, idIndex, clusterId)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, errors.WithStack(&deployerrors.ErrNotFound{Type: "cluster", Value: clusterId})
	}
	c := *obj.(*domain.Cluster)
	return &c, nil
}

func (s *MemoryRecordStore) ListClusters(_ context.Context) ([]*domain.Cluster, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(clustersTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	clusters := []*domain.Cluster{}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		c := *obj.(*domain.Cluster)
		clusters = append(clusters, &c)
	}
	return clusters, nil
}

func (s *MemoryRecordStore) CreateDeployment(_ context.Context, deployment *domain.Deployment) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(deploymentsTable, idIndex, deployment.Id)
	if err != nil {
		return errors.WithStack(err)
	}
	if existing != nil {
		return errors.WithStack(&deployerrors.ErrInvalidArgument{
			Name:    "id",
			Value:   deployment.Id,
			Message: "a deployment with this id already exists",
		})
	}
	if err := txn.Insert(deploymentsTable, deployment.DeepCopy()); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (s *MemoryRecordStore) GetDeployment(_ context.Context, deploymentId string) (*domain.Deployment, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	obj, err := txn.First(deploymentsTable, idIndex, deploymentId)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, errors.WithStack(&deployerrors.ErrNotFound{Type: "deployment", Value: deploymentId})
	}
	return obj.(*domain.Deployment).DeepCopy(), nil
}

func (s *MemoryRecordStore) UpdateDeployment(_ context.Context, deployment *domain.Deployment, expected domain.DeploymentStatus) (bool, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()
	obj, err := txn.First(deploymentsTable, idIndex, deployment.Id)
	if err != nil {
		return false, errors.WithStack(err)
	}
	if obj == nil {
		return false, errors.WithStack(&deployerrors.ErrNotFound{Type: "deployment", Value: deployment.Id})
	}
	if current := obj.(*domain.Deployment); current.Status != expected {
		return false, nil
	}
	if err := txn.Insert(deploymentsTable, deployment.DeepCopy()); err != nil {
		return false, errors.WithStack(err)
	}
	txn.Commit()
	return true, nil
}

func (s *MemoryRecordStore) ListDeployments(_ context.Context, clusterId string, status domain.DeploymentStatus) ([]*domain.Deployment, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	var it memdb.ResultIterator
	var err error
	if clusterId == "" {
		it, err = txn.Get(deploymentsTable, statusIndex, string(status))
	} else {
		it, err = txn.Get(deploymentsTable, clusterStatusIndex, clusterId, string(status))
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	deployments := []*domain.Deployment{}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		d, ok := obj.(*domain.Deployment)
		if !ok {
			panic(fmt.Sprintf("expected *domain.Deployment, but got %T", obj))
		}
		deployments = append(deployments, d.DeepCopy())
	}
	sort.Slice(deployments, func(i, j int) bool {
		return deployments[i].Created.Before(deployments[j].Created)
	})
	return deployments, nil
}

func recordStoreSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			clustersTable: {
				Name: clustersTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Id"},
					},
				},
			},
			deploymentsTable: {
				Name: deploymentsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Id"},
					},
					statusIndex: {
						Name:    statusIndex,
						Indexer: &memdb.StringFieldIndex{Field: "Status"},
					},
					clusterStatusIndex: {
						Name: clusterStatusIndex,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "ClusterId"},
								&memdb.StringFieldIndex{Field: "Status"},
							},
						},
					},
				},
			},
		},
	}
}
