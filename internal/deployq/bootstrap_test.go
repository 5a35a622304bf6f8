package deployq

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/deployq/deployq/internal/common/deployerrors"
	"github.com/deployq/deployq/internal/common/util"
	"github.com/deployq/deployq/internal/deployq/configuration"
	"github.com/deployq/deployq/internal/deployq/domain"
	"github.com/deployq/deployq/internal/deployq/events"
	"github.com/deployq/deployq/internal/deployq/repository"
	"github.com/deployq/deployq/internal/deployq/scheduling"
)

var testTime = time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)

var testSchedulingConfig = configuration.SchedulingConfig{
	AdmissionPolicy:   configuration.SkipOver,
	DeploymentTimeout: time.Hour,
	RebalanceAge:      time.Hour,
	StoreTimeout:      time.Second,
	ScanBatchSize:     10,
	RetryAttempts:     3,
}

func withComponents(t *testing.T, action func(c *Components, clock *util.DummyClock, publisher *events.InMemoryPublisher)) {
	db, err := miniredis.Run()
	if err != nil {
		panic(err)
	}
	defer db.Close()

	client := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer client.Close()
	store, err := repository.NewMemoryRecordStore()
	require.NoError(t, err)

	clock := &util.DummyClock{T: testTime}
	publisher := &events.InMemoryPublisher{}
	c := &Components{
		Ledger:    repository.NewRedisResourceLedger(client),
		Index:     repository.NewRedisPriorityIndex(client, testSchedulingConfig.ScanBatchSize),
		Store:     store,
		Publisher: publisher,
	}
	c.Engine = scheduling.NewEngine(c.Ledger, c.Index, c.Store, publisher, clock, testSchedulingConfig)
	action(c, clock, publisher)
}

func clusterConfig(id string, ram string, cpu string) configuration.ClusterConfig {
	return configuration.ClusterConfig{
		Id:  id,
		Ram: resource.MustParse(ram),
		Cpu: resource.MustParse(cpu),
	}
}

func TestBootstrapClusters(t *testing.T) {
	withComponents(t, func(c *Components, clock *util.DummyClock, _ *events.InMemoryPublisher) {
		ctx := context.Background()
		clusters := []configuration.ClusterConfig{
			clusterConfig("c1", "32", "8"),
			clusterConfig("c2", "500m", "1"),
		}
		require.NoError(t, BootstrapClusters(ctx, c.Engine, c.Store, clusters, clock))

		stored, err := c.Store.GetCluster(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "c1", stored.Name)
		assert.Equal(t, domain.MustResourceVector(32, 8, 0), stored.Total)
		assert.Equal(t, testTime, stored.Created)

		capacity, err := c.Ledger.Snapshot("c2")
		require.NoError(t, err)
		require.NotNil(t, capacity)
		assert.Equal(t, domain.MustResourceVector(0.5, 1, 0), capacity.Available)

		ids, err := c.Ledger.ClusterIds()
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"c1", "c2"}, ids)
	})
}

func TestBootstrapClusters_KeepsRunningReservations(t *testing.T) {
	withComponents(t, func(c *Components, clock *util.DummyClock, _ *events.InMemoryPublisher) {
		ctx := context.Background()
		clusters := []configuration.ClusterConfig{clusterConfig("c1", "8", "4")}
		require.NoError(t, BootstrapClusters(ctx, c.Engine, c.Store, clusters, clock))

		d := &domain.Deployment{
			Id:        "d1",
			ClusterId: "c1",
			Priority:  5,
			Required:  domain.MustResourceVector(2, 1, 0),
			Status:    domain.Pending,
			Created:   testTime,
		}
		require.NoError(t, c.Store.CreateDeployment(ctx, d))
		_, err := c.Engine.Enqueue(ctx, d)
		require.NoError(t, err)

		// Restarting with a larger cluster keeps the running reservation and the creation time.
		clock.Advance(time.Hour)
		clusters = []configuration.ClusterConfig{clusterConfig("c1", "16", "4")}
		require.NoError(t, BootstrapClusters(ctx, c.Engine, c.Store, clusters, clock))

		capacity, err := c.Ledger.Snapshot("c1")
		require.NoError(t, err)
		assert.Equal(t, domain.MustResourceVector(14, 3, 0), capacity.Available)
		assert.Equal(t, domain.MustResourceVector(16, 4, 0), capacity.Total)

		stored, err := c.Store.GetCluster(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, testTime, stored.Created)
	})
}

func TestBootstrapClusters_RejectsNegativeCapacity(t *testing.T) {
	withComponents(t, func(c *Components, clock *util.DummyClock, _ *events.InMemoryPublisher) {
		clusters := []configuration.ClusterConfig{clusterConfig("c1", "-1", "4")}
		err := BootstrapClusters(context.Background(), c.Engine, c.Store, clusters, clock)
		var e *deployerrors.ErrInvalidCapacity
		require.ErrorAs(t, err, &e)
		assert.Equal(t, "c1", e.ClusterId)
	})
}
