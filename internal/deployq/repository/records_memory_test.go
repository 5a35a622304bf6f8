package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deployq/deployq/internal/common/deployerrors"
	"github.com/deployq/deployq/internal/deployq/domain"
)

func TestMemoryRecordStore_Clusters(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)

	_, err := store.GetCluster(ctx, "c1")
	assert.True(t, deployerrors.IsNotFound(err))

	cluster := &domain.Cluster{
		Id:        "c1",
		Name:      "cluster one",
		Total:     domain.MustResourceVector(8, 4, 0),
		Available: domain.MustResourceVector(8, 4, 0),
		Created:   baseTime,
	}
	require.NoError(t, store.SaveCluster(ctx, cluster))
	require.NoError(t, store.SaveCluster(ctx, &domain.Cluster{Id: "c2", Created: baseTime}))

	stored, err := store.GetCluster(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, cluster, stored)

	// Mutating the returned copy doesn't affect the store.
	stored.Name = "changed"
	again, err := store.GetCluster(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "cluster one", again.Name)

	clusters, err := store.ListClusters(ctx)
	require.NoError(t, err)
	assert.Len(t, clusters, 2)
}

func TestMemoryRecordStore_CreateDeploymentTwice(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	d := testDeployment("d1", "c1", domain.Pending, baseTime)

	require.NoError(t, store.CreateDeployment(ctx, d))
	err := store.CreateDeployment(ctx, d)
	var e *deployerrors.ErrInvalidArgument
	assert.ErrorAs(t, err, &e)
}

func TestMemoryRecordStore_UpdateDeploymentIsConditional(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	require.NoError(t, store.CreateDeployment(ctx, testDeployment("d1", "c1", domain.Running, baseTime)))

	completed := testDeployment("d1", "c1", domain.Completed, baseTime)
	now := baseTime.Add(time.Minute)
	completed.Completed = &now
	completed.CompletionDetails = map[string]string{"reason": "done"}

	updated, err := store.UpdateDeployment(ctx, completed, domain.Running)
	require.NoError(t, err)
	assert.True(t, updated)

	// A second writer that observed RUNNING loses.
	failed := testDeployment("d1", "c1", domain.Failed, baseTime)
	updated, err = store.UpdateDeployment(ctx, failed, domain.Running)
	require.NoError(t, err)
	assert.False(t, updated)

	stored, err := store.GetDeployment(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, completed, stored)
}

func TestMemoryRecordStore_UpdateMissingDeployment(t *testing.T) {
	store := newMemoryStore(t)
	_, err := store.UpdateDeployment(context.Background(), testDeployment("d1", "c1", domain.Running, baseTime), domain.Queued)
	assert.True(t, deployerrors.IsNotFound(err))
}

func TestMemoryRecordStore_ListDeployments(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	require.NoError(t, store.CreateDeployment(ctx, testDeployment("r2", "c1", domain.Running, baseTime.Add(time.Second))))
	require.NoError(t, store.CreateDeployment(ctx, testDeployment("r1", "c1", domain.Running, baseTime)))
	require.NoError(t, store.CreateDeployment(ctx, testDeployment("r3", "c2", domain.Running, baseTime)))
	require.NoError(t, store.CreateDeployment(ctx, testDeployment("q1", "c1", domain.Queued, baseTime)))

	tests := map[string]struct {
		clusterId string
		status    domain.DeploymentStatus
		expected  []string
	}{
		"running on c1":     {"c1", domain.Running, []string{"r1", "r2"}},
		"running anywhere":  {"", domain.Running, []string{"r1", "r3", "r2"}},
		"queued on c1":      {"c1", domain.Queued, []string{"q1"}},
		"completed on c1":   {"c1", domain.Completed, []string{}},
		"running on absent": {"c3", domain.Running, []string{}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			deployments, err := store.ListDeployments(ctx, tc.clusterId, tc.status)
			require.NoError(t, err)
			ids := []string{}
			for _, d := range deployments {
				ids = append(ids, d.Id)
			}
			if tc.clusterId == "" {
				assert.ElementsMatch(t, tc.expected, ids)
			} else {
				assert.Equal(t, tc.expected, ids)
			}
		})
	}
}

func testDeployment(id string, clusterId string, status domain.DeploymentStatus, created time.Time) *domain.Deployment {
	return &domain.Deployment{
		Id:        id,
		Name:      "deployment-" + id,
		ClusterId: clusterId,
		Priority:  5,
		Required:  domain.MustResourceVector(1, 1, 0),
		Status:    status,
		Created:   created,
	}
}

func newMemoryStore(t *testing.T) *MemoryRecordStore {
	store, err := NewMemoryRecordStore()
	require.NoError(t, err)
	return store
}
