package repository

import (
	"fmt"
	"strconv"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/deployq/deployq/internal/common/deployerrors"
	"github.com/deployq/deployq/internal/deployq/domain"
)

const (
	clusterResourcesPrefix = "Cluster:Resources:"
	clusterIdsKey          = "Cluster:Ids"
)

const (
	availableRamField = "ram"
	availableCpuField = "cpu"
	availableGpuField = "gpu"
	totalRamField     = "total_ram"
	totalCpuField     = "total_cpu"
	totalGpuField     = "total_gpu"
)

// ResourceLedger holds the available and total capacity of every cluster.
// TryReserve and Release are single atomic operations with respect to concurrent callers.
type ResourceLedger interface {
	// SetCapacity overwrites the ledger entry of a cluster.
	SetCapacity(clusterId string, capacity domain.ClusterCapacity) error
	// Snapshot returns nil if the cluster has no ledger entry.
	Snapshot(clusterId string) (*domain.ClusterCapacity, error)
	// TryReserve decrements available by required if, and only if, every component fits.
	TryReserve(clusterId string, required domain.ResourceVector) (bool, error)
	// Release increments available by amount, clamped to total.
	Release(clusterId string, amount domain.ResourceVector) error
	// ClusterIds returns every cluster with a ledger entry.
	ClusterIds() ([]string, error)
}

type RedisResourceLedger struct {
	db redis.UniversalClient
}

func NewRedisResourceLedger(db redis.UniversalClient) *RedisResourceLedger {
	return &RedisResourceLedger{db: db}
}

// Returns 1 if the reservation was made, 0 if it does not fit and -1 if the cluster is unknown.
// New values are written with HSET; a negated zero argument is "-0", which HINCRBY rejects.
var reserveScript = redis.NewScript(`
local available = redis.call('HMGET', KEYS[1], 'ram', 'cpu', 'gpu')
if not available[1] then
	return -1
end
for i = 1, 3 do
	if tonumber(available[i]) < tonumber(ARGV[i]) then
		return 0
	end
end
local fields = {'ram', 'cpu', 'gpu'}
for i = 1, 3 do
	redis.call('HSET', KEYS[1], fields[i], tonumber(available[i]) - tonumber(ARGV[i]))
end
return 1
`)

// Returns 1 on success and -1 if the cluster is unknown.
// Available never exceeds total, so a double release cannot inflate capacity.
var releaseScript = redis.NewScript(`
local values = redis.call('HMGET', KEYS[1], 'ram', 'cpu', 'gpu', 'total_ram', 'total_cpu', 'total_gpu')
if not values[1] then
	return -1
end
local fields = {'ram', 'cpu', 'gpu'}
for i = 1, 3 do
	local released = tonumber(values[i]) + tonumber(ARGV[i])
	local total = tonumber(values[i + 3])
	if released > total then
		released = total
	end
	redis.call('HSET', KEYS[1], fields[i], released)
end
return 1
`)

func (r *RedisResourceLedger) SetCapacity(clusterId string, capacity domain.ClusterCapacity) error {
	if err := capacity.Validate(); err != nil {
		var e *deployerrors.ErrInvalidCapacity
		if errors.As(err, &e) {
			e.ClusterId = clusterId
		}
		return errors.WithStack(err)
	}

	pipe := r.db.TxPipeline()
	pipe.HMSet(clusterResourcesKey(clusterId), map[string]interface{}{
		availableRamField: capacity.Available.Ram,
		availableCpuField: capacity.Available.Cpu,
		availableGpuField: capacity.Available.Gpu,
		totalRamField:     capacity.Total.Ram,
		totalCpuField:     capacity.Total.Cpu,
		totalGpuField:     capacity.Total.Gpu,
	})
	pipe.SAdd(clusterIdsKey, clusterId)
	if _, err := pipe.Exec(); err != nil {
		return storeUnavailable("SetCapacity", err)
	}
	return nil
}

func (r *RedisResourceLedger) Snapshot(clusterId string) (*domain.ClusterCapacity, error) {
	result, err := r.db.HGetAll(clusterResourcesKey(clusterId)).Result()
	if err != nil {
		return nil, storeUnavailable("Snapshot", err)
	}
	if len(result) == 0 {
		return nil, nil
	}

	parsed := map[string]int64{}
	for _, field := range []string{
		availableRamField, availableCpuField, availableGpuField,
		totalRamField, totalCpuField, totalGpuField,
	} {
		v, err := strconv.ParseInt(result[field], 10, 64)
		if err != nil {
			return nil, errors.WithStack(&deployerrors.ErrInvalidCapacity{
				ClusterId: clusterId,
				Message:   fmt.Sprintf("ledger field %s has malformed value %q", field, result[field]),
			})
		}
		parsed[field] = v
	}

	return &domain.ClusterCapacity{
		Available: domain.ResourceVector{
			Ram: parsed[availableRamField],
			Cpu: parsed[availableCpuField],
			Gpu: parsed[availableGpuField],
		},
		Total: domain.ResourceVector{
			Ram: parsed[totalRamField],
			Cpu: parsed[totalCpuField],
			Gpu: parsed[totalGpuField],
		},
	}, nil
}

func (r *RedisResourceLedger) TryReserve(clusterId string, required domain.ResourceVector) (bool, error) {
	if required.IsNegative() {
		return false, errors.WithStack(&deployerrors.ErrInvalidCapacity{
			ClusterId: clusterId,
			Message:   fmt.Sprintf("cannot reserve negative resources %s", required),
		})
	}
	result, err := reserveScript.Run(r.db, []string{clusterResourcesKey(clusterId)}, required.Ram, required.Cpu, required.Gpu).Int64()
	if err != nil {
		return false, storeUnavailable("TryReserve", err)
	}
	switch result {
	case 1:
		return true, nil
	case 0:
		return false, nil
	default:
		return false, errors.WithStack(&deployerrors.ErrNotFound{Type: "cluster", Value: clusterId, Message: "no ledger entry"})
	}
}

func (r *RedisResourceLedger) Release(clusterId string, amount domain.ResourceVector) error {
	if amount.IsNegative() {
		return errors.WithStack(&deployerrors.ErrInvalidCapacity{
			ClusterId: clusterId,
			Message:   fmt.Sprintf("cannot release negative resources %s", amount),
		})
	}
	result, err := releaseScript.Run(r.db, []string{clusterResourcesKey(clusterId)}, amount.Ram, amount.Cpu, amount.Gpu).Int64()
	if err != nil {
		return storeUnavailable("Release", err)
	}
	if result != 1 {
		return errors.WithStack(&deployerrors.ErrNotFound{Type: "cluster", Value: clusterId, Message: "no ledger entry"})
	}
	return nil
}

func (r *RedisResourceLedger) ClusterIds() ([]string, error) {
	ids, err := r.db.SMembers(clusterIdsKey).Result()
	if err != nil {
		return nil, storeUnavailable("ClusterIds", err)
	}
	return ids, nil
}

func clusterResourcesKey(clusterId string) string {
	return clusterResourcesPrefix + clusterId
}

func storeUnavailable(op string, err error) error {
	return errors.WithStack(&deployerrors.ErrStoreUnavailable{Store: "redis", Op: op, Err: err})
}
