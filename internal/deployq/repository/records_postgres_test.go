package repository

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deployq/deployq/internal/common/database"
	"github.com/deployq/deployq/internal/common/deployerrors"
	"github.com/deployq/deployq/internal/deployq/domain"
)

func TestPostgresRecordStore_Lifecycle(t *testing.T) {
	withPostgresStore(t, func(store *PostgresRecordStore) {
		ctx := context.Background()
		cluster := &domain.Cluster{
			Id:        "c1",
			Name:      "cluster one",
			Total:     domain.MustResourceVector(8, 4, 0),
			Available: domain.MustResourceVector(8, 4, 0),
			Created:   baseTime,
		}
		require.NoError(t, store.SaveCluster(ctx, cluster))

		stored, err := store.GetCluster(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, cluster.Total, stored.Total)
		assert.True(t, cluster.Created.Equal(stored.Created))

		_, err = store.GetCluster(ctx, "c2")
		assert.True(t, deployerrors.IsNotFound(err))

		d := testDeployment("d1", "c1", domain.Queued, baseTime)
		require.NoError(t, store.CreateDeployment(ctx, d))

		var invalid *deployerrors.ErrInvalidArgument
		assert.ErrorAs(t, store.CreateDeployment(ctx, d), &invalid)
		assert.True(t, deployerrors.IsNotFound(store.CreateDeployment(ctx, testDeployment("d2", "missing", domain.Queued, baseTime))))

		running := d.DeepCopy()
		running.Status = domain.Running
		started := baseTime.Add(time.Minute)
		running.Started = &started
		updated, err := store.UpdateDeployment(ctx, running, domain.Queued)
		require.NoError(t, err)
		assert.True(t, updated)

		updated, err = store.UpdateDeployment(ctx, running, domain.Queued)
		require.NoError(t, err)
		assert.False(t, updated)

		failed := running.DeepCopy()
		failed.Status = domain.Failed
		failed.CompletionDetails = map[string]string{"reason": "timed out"}
		updated, err = store.UpdateDeployment(ctx, failed, domain.Running)
		require.NoError(t, err)
		assert.True(t, updated)

		stored2, err := store.GetDeployment(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, domain.Failed, stored2.Status)
		assert.Equal(t, map[string]string{"reason": "timed out"}, stored2.CompletionDetails)
		require.NotNil(t, stored2.Started)
		assert.True(t, started.Equal(*stored2.Started))

		listed, err := store.ListDeployments(ctx, "", domain.Failed)
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.Equal(t, "d1", listed[0].Id)

		_, err = store.UpdateDeployment(ctx, testDeployment("unknown", "c1", domain.Failed, baseTime), domain.Running)
		assert.True(t, deployerrors.IsNotFound(err))
	})
}

func withPostgresStore(t *testing.T, action func(store *PostgresRecordStore)) {
	if !database.PostgresAvailable() {
		t.Skip("postgres is not available")
	}
	migrations, err := database.ReadMigrations(migrationFiles, "migrations")
	require.NoError(t, err)
	err = database.WithTestDb(migrations, func(db *pgxpool.Pool) error {
		store, err := NewPostgresRecordStore(db, 5*time.Second, 10)
		if err != nil {
			return err
		}
		action(store)
		return nil
	})
	require.NoError(t, err)
}
