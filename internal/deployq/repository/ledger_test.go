package repository

import (
	"sync"
	"testing"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deployq/deployq/internal/common/deployerrors"
	"github.com/deployq/deployq/internal/deployq/domain"
)

func TestResourceLedger_SetCapacityAndSnapshot(t *testing.T) {
	withLedger(func(l *RedisResourceLedger) {
		capacity := domain.ClusterCapacity{
			Total:     domain.MustResourceVector(32, 8, 1),
			Available: domain.MustResourceVector(16, 4.5, 0),
		}
		require.NoError(t, l.SetCapacity("c1", capacity))

		snapshot, err := l.Snapshot("c1")
		require.NoError(t, err)
		assert.Equal(t, &capacity, snapshot)

		ids, err := l.ClusterIds()
		require.NoError(t, err)
		assert.Equal(t, []string{"c1"}, ids)
	})
}

func TestResourceLedger_SnapshotMissing(t *testing.T) {
	withLedger(func(l *RedisResourceLedger) {
		snapshot, err := l.Snapshot("unknown")
		require.NoError(t, err)
		assert.Nil(t, snapshot)
	})
}

func TestResourceLedger_SetCapacityRejectsInvalid(t *testing.T) {
	tests := map[string]domain.ClusterCapacity{
		"negative total": {
			Total:     domain.ResourceVector{Ram: -1},
			Available: domain.ResourceVector{},
		},
		"negative available": {
			Total:     domain.MustResourceVector(1, 1, 1),
			Available: domain.ResourceVector{Cpu: -1},
		},
		"available exceeds total": {
			Total:     domain.MustResourceVector(1, 1, 1),
			Available: domain.MustResourceVector(2, 1, 1),
		},
	}
	for name, capacity := range tests {
		t.Run(name, func(t *testing.T) {
			withLedger(func(l *RedisResourceLedger) {
				err := l.SetCapacity("c1", capacity)
				var e *deployerrors.ErrInvalidCapacity
				require.ErrorAs(t, err, &e)
				assert.Equal(t, "c1", e.ClusterId)

				snapshot, err := l.Snapshot("c1")
				require.NoError(t, err)
				assert.Nil(t, snapshot)
			})
		})
	}
}

func TestResourceLedger_TryReserve(t *testing.T) {
	withLedger(func(l *RedisResourceLedger) {
		require.NoError(t, l.SetCapacity("c1", fullCapacity(domain.MustResourceVector(4, 2, 0))))

		ok, err := l.TryReserve("c1", domain.MustResourceVector(3, 1, 0))
		require.NoError(t, err)
		assert.True(t, ok)

		// Ram no longer fits even though cpu does.
		ok, err = l.TryReserve("c1", domain.MustResourceVector(2, 1, 0))
		require.NoError(t, err)
		assert.False(t, ok)

		snapshot, err := l.Snapshot("c1")
		require.NoError(t, err)
		assert.Equal(t, domain.MustResourceVector(1, 1, 0), snapshot.Available)

		// Exactly fitting is allowed.
		ok, err = l.TryReserve("c1", domain.MustResourceVector(1, 1, 0))
		require.NoError(t, err)
		assert.True(t, ok)

		snapshot, err = l.Snapshot("c1")
		require.NoError(t, err)
		assert.True(t, snapshot.Available.IsZero())
	})
}

func TestResourceLedger_TryReserveZeroComponents(t *testing.T) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	defer db.Close()
	client := redis.NewClient(&redis.Options{Addr: db.Addr()})
	l := NewRedisResourceLedger(client)

	require.NoError(t, l.SetCapacity("c1", fullCapacity(domain.MustResourceVector(4, 2, 1))))
	ok, err := l.TryReserve("c1", domain.MustResourceVector(1, 0, 0))
	require.NoError(t, err)
	require.True(t, ok)

	fields, err := client.HGetAll(clusterResourcesKey("c1")).Result()
	require.NoError(t, err)
	assert.Equal(t, "3000", fields[availableRamField])
	assert.Equal(t, "2000", fields[availableCpuField])
	assert.Equal(t, "1000", fields[availableGpuField])

	ok, err = l.TryReserve("c1", domain.ResourceVector{})
	require.NoError(t, err)
	assert.True(t, ok)

	snapshot, err := l.Snapshot("c1")
	require.NoError(t, err)
	assert.Equal(t, domain.MustResourceVector(3, 2, 1), snapshot.Available)
}

func TestResourceLedger_TryReserveUnknownCluster(t *testing.T) {
	withLedger(func(l *RedisResourceLedger) {
		ok, err := l.TryReserve("unknown", domain.MustResourceVector(1, 0, 0))
		assert.False(t, ok)
		assert.True(t, deployerrors.IsNotFound(err))
	})
}

func TestResourceLedger_TryReserveNegative(t *testing.T) {
	withLedger(func(l *RedisResourceLedger) {
		require.NoError(t, l.SetCapacity("c1", fullCapacity(domain.MustResourceVector(4, 2, 0))))
		_, err := l.TryReserve("c1", domain.ResourceVector{Ram: -1000})
		var e *deployerrors.ErrInvalidCapacity
		assert.ErrorAs(t, err, &e)
	})
}

func TestResourceLedger_ReleaseIsClampedToTotal(t *testing.T) {
	withLedger(func(l *RedisResourceLedger) {
		total := domain.MustResourceVector(8, 4, 1)
		require.NoError(t, l.SetCapacity("c1", fullCapacity(total)))

		ok, err := l.TryReserve("c1", domain.MustResourceVector(2, 2, 1))
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, l.Release("c1", domain.MustResourceVector(2, 2, 1)))
		require.NoError(t, l.Release("c1", domain.MustResourceVector(2, 2, 1)))

		snapshot, err := l.Snapshot("c1")
		require.NoError(t, err)
		assert.Equal(t, total, snapshot.Available)
	})
}

func TestResourceLedger_ReleaseUnknownCluster(t *testing.T) {
	withLedger(func(l *RedisResourceLedger) {
		err := l.Release("unknown", domain.MustResourceVector(1, 0, 0))
		assert.True(t, deployerrors.IsNotFound(err))
	})
}

func TestResourceLedger_ConcurrentReservationsNeverOvercommit(t *testing.T) {
	withLedger(func(l *RedisResourceLedger) {
		require.NoError(t, l.SetCapacity("c1", fullCapacity(domain.MustResourceVector(10, 10, 0))))

		var wg sync.WaitGroup
		var mu sync.Mutex
		succeeded := 0
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := l.TryReserve("c1", domain.MustResourceVector(1, 0.5, 0))
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					succeeded++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 10, succeeded)
		snapshot, err := l.Snapshot("c1")
		require.NoError(t, err)
		assert.Equal(t, domain.MustResourceVector(0, 5, 0), snapshot.Available)
	})
}

func TestResourceLedger_StoreUnavailable(t *testing.T) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	l := NewRedisResourceLedger(redis.NewClient(&redis.Options{Addr: db.Addr()}))
	db.Close()

	_, err = l.Snapshot("c1")
	assert.True(t, deployerrors.IsRetryable(err))
	_, err = l.TryReserve("c1", domain.MustResourceVector(1, 0, 0))
	assert.True(t, deployerrors.IsRetryable(err))
}

func fullCapacity(total domain.ResourceVector) domain.ClusterCapacity {
	return domain.ClusterCapacity{Total: total, Available: total}
}

func withLedger(action func(l *RedisResourceLedger)) {
	db, err := miniredis.Run()
	if err != nil {
		panic(err)
	}
	defer db.Close()

	action(NewRedisResourceLedger(redis.NewClient(&redis.Options{Addr: db.Addr()})))
}
