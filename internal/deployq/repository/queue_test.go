package repository

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deployq/deployq/internal/deployq/domain"
)

var baseTime = time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)

func TestPriorityIndex_InsertAndMetadata(t *testing.T) {
	withPriorityIndex(10, func(index *RedisPriorityIndex) {
		metadata := testMetadata("d1", "c1", 5, baseTime)
		require.NoError(t, index.Insert(domain.CalculateScore(5, baseTime), "d1", metadata))

		size, err := index.Size()
		require.NoError(t, err)
		assert.Equal(t, int64(1), size)

		cached, err := index.Metadata("d1")
		require.NoError(t, err)
		assert.Equal(t, metadata, cached)

		missing, err := index.Metadata("d2")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})
}

func TestPriorityIndex_IteratesInScoreOrder(t *testing.T) {
	withPriorityIndex(2, func(index *RedisPriorityIndex) {
		// Same priority: older first. Higher priority always wins.
		insert(t, index, "low-old", 3, baseTime)
		insert(t, index, "mid-new", 5, baseTime.Add(2*time.Second))
		insert(t, index, "mid-old", 5, baseTime.Add(time.Second))
		insert(t, index, "high", 9, baseTime.Add(time.Hour))
		insert(t, index, "low-new", 3, baseTime.Add(time.Minute))

		expected := []string{"high", "mid-old", "mid-new", "low-old", "low-new"}
		it := index.Iterator()
		assert.Equal(t, expected, drain(t, it))

		it.Reset()
		assert.Equal(t, expected, drain(t, it))
	})
}

func TestPriorityIndex_IteratorCarriesMetadata(t *testing.T) {
	withPriorityIndex(10, func(index *RedisPriorityIndex) {
		insert(t, index, "d1", 7, baseTime)
		require.NoError(t, index.Insert(domain.CalculateScore(2, baseTime), "orphan", nil))

		it := index.Iterator()
		first, err := it.Next()
		require.NoError(t, err)
		require.NotNil(t, first.Metadata)
		assert.Equal(t, "d1", first.Metadata.Id)
		assert.Equal(t, domain.CalculateScore(7, baseTime), first.Score)

		second, err := it.Next()
		require.NoError(t, err)
		assert.Equal(t, "orphan", second.DeploymentId)
		assert.Nil(t, second.Metadata)

		end, err := it.Next()
		require.NoError(t, err)
		assert.Nil(t, end)
	})
}

func TestPriorityIndex_Remove(t *testing.T) {
	withPriorityIndex(10, func(index *RedisPriorityIndex) {
		insert(t, index, "d1", 5, baseTime)

		removed, err := index.Remove("d1")
		require.NoError(t, err)
		assert.True(t, removed)

		metadata, err := index.Metadata("d1")
		require.NoError(t, err)
		assert.Nil(t, metadata)

		removed, err = index.Remove("d1")
		require.NoError(t, err)
		assert.False(t, removed)
	})
}

func TestPriorityIndex_ConcurrentRemoveHasOneWinner(t *testing.T) {
	withPriorityIndex(10, func(index *RedisPriorityIndex) {
		insert(t, index, "d1", 5, baseTime)

		var wg sync.WaitGroup
		var mu sync.Mutex
		winners := 0
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				removed, err := index.Remove("d1")
				assert.NoError(t, err)
				if removed {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, winners)
	})
}

func TestPriorityIndex_Promote(t *testing.T) {
	withPriorityIndex(10, func(index *RedisPriorityIndex) {
		insert(t, index, "a", 5, baseTime)
		insert(t, index, "b", 6, baseTime.Add(time.Hour))

		promoted, err := index.Promote("a", domain.CalculateScore(6, baseTime), 6)
		require.NoError(t, err)
		assert.True(t, promoted)

		assert.Equal(t, []string{"a", "b"}, drain(t, index.Iterator()))

		metadata, err := index.Metadata("a")
		require.NoError(t, err)
		assert.Equal(t, 5, metadata.Priority)
		assert.Equal(t, 6, metadata.EffectivePriority)
	})
}

func TestPriorityIndex_PromoteRemovedEntry(t *testing.T) {
	withPriorityIndex(10, func(index *RedisPriorityIndex) {
		promoted, err := index.Promote("gone", domain.CalculateScore(6, baseTime), 6)
		require.NoError(t, err)
		assert.False(t, promoted)

		size, err := index.Size()
		require.NoError(t, err)
		assert.Equal(t, int64(0), size)
		metadata, err := index.Metadata("gone")
		require.NoError(t, err)
		assert.Nil(t, metadata)
	})
}

func TestPriorityIndex_CacheMetadata(t *testing.T) {
	withPriorityIndex(10, func(index *RedisPriorityIndex) {
		require.NoError(t, index.Insert(domain.CalculateScore(5, baseTime), "a", nil))

		entry, err := index.Iterator().Next()
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Nil(t, entry.Metadata)

		metadata := testMetadata("a", "c1", 5, baseTime)
		cached, err := index.CacheMetadata("a", metadata)
		require.NoError(t, err)
		assert.True(t, cached)
		stored, err := index.Metadata("a")
		require.NoError(t, err)
		assert.Equal(t, metadata, stored)

		cached, err = index.CacheMetadata("gone", testMetadata("gone", "c1", 5, baseTime))
		require.NoError(t, err)
		assert.False(t, cached)
		stored, err = index.Metadata("gone")
		require.NoError(t, err)
		assert.Nil(t, stored)
	})
}

func TestPriorityIndex_Position(t *testing.T) {
	withPriorityIndex(10, func(index *RedisPriorityIndex) {
		insert(t, index, "a", 5, baseTime)
		insert(t, index, "b", 8, baseTime)

		rank, score, exists, err := index.Position("a")
		require.NoError(t, err)
		assert.True(t, exists)
		assert.Equal(t, int64(1), rank)
		assert.Equal(t, domain.CalculateScore(5, baseTime), score)

		_, _, exists, err = index.Position("missing")
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestPriorityIndex_ManyPages(t *testing.T) {
	withPriorityIndex(3, func(index *RedisPriorityIndex) {
		expected := []string{}
		for i := 0; i < 10; i++ {
			id := fmt.Sprintf("d%02d", i)
			insert(t, index, id, 5, baseTime.Add(time.Duration(i)*time.Second))
			expected = append(expected, id)
		}
		assert.Equal(t, expected, drain(t, index.Iterator()))
	})
}

func insert(t *testing.T, index *RedisPriorityIndex, id string, priority int, created time.Time) {
	err := index.Insert(domain.CalculateScore(priority, created), id, testMetadata(id, "c1", priority, created))
	require.NoError(t, err)
}

func drain(t *testing.T, it QueueIterator) []string {
	ids := []string{}
	for {
		entry, err := it.Next()
		require.NoError(t, err)
		if entry == nil {
			return ids
		}
		ids = append(ids, entry.DeploymentId)
	}
}

func testMetadata(id string, clusterId string, priority int, created time.Time) *domain.DeploymentMetadata {
	return &domain.DeploymentMetadata{
		Id:                id,
		Name:              "deployment-" + id,
		ClusterId:         clusterId,
		Priority:          priority,
		EffectivePriority: priority,
		Required:          domain.MustResourceVector(2, 0.5, 0),
		Created:           created,
		Enqueued:          created.Add(time.Second),
	}
}

func withPriorityIndex(batchSize int, action func(index *RedisPriorityIndex)) {
	db, err := miniredis.Run()
	if err != nil {
		panic(err)
	}
	defer db.Close()

	action(NewRedisPriorityIndex(redis.NewClient(&redis.Options{Addr: db.Addr()}), batchSize))
}
