package repository

import (
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/deployq/deployq/internal/deployq/domain"
)

const (
	deploymentQueueKey       = "Deployment:Queue"
	deploymentMetadataPrefix = "Deployment:Metadata:"
)

const defaultScanBatchSize = 100

// PriorityIndex is the ordered set of queued deployments plus the metadata cached for each of them.
// An entry and its metadata are always written and removed together.
type PriorityIndex interface {
	Insert(score domain.Score, deploymentId string, metadata *domain.DeploymentMetadata) error
	// Remove reports whether an entry was present. Of several concurrent callers removing the same
	// id, exactly one observes true.
	Remove(deploymentId string) (bool, error)
	// Iterator returns entries in descending score order.
	Iterator() QueueIterator
	// Metadata returns nil if nothing is cached for the deployment.
	Metadata(deploymentId string) (*domain.DeploymentMetadata, error)
	// Promote moves an existing entry to a new score. Returns false if the entry no longer exists.
	Promote(deploymentId string, score domain.Score, effectivePriority int) (bool, error)
	// CacheMetadata replaces the metadata of an existing entry. Returns false if the entry no
	// longer exists, in which case nothing is written.
	CacheMetadata(deploymentId string, metadata *domain.DeploymentMetadata) (bool, error)
	// Position returns the zero-based rank and score of a queued deployment.
	Position(deploymentId string) (rank int64, score domain.Score, exists bool, err error)
	Size() (int64, error)
}

// QueueIterator is a lazy scan over the priority index.
// Entries inserted or removed while iterating may or may not be observed.
type QueueIterator interface {
	// Next returns nil once the end of the index has been reached.
	Next() (*domain.QueueEntry, error)
	// Reset restarts the scan from the highest score.
	Reset()
}

type RedisPriorityIndex struct {
	db        redis.UniversalClient
	batchSize int64
}

func NewRedisPriorityIndex(db redis.UniversalClient, batchSize int) *RedisPriorityIndex {
	if batchSize <= 0 {
		batchSize = defaultScanBatchSize
	}
	return &RedisPriorityIndex{db: db, batchSize: int64(batchSize)}
}

// Updates the score only if the entry is still queued, and the metadata only if it is still cached.
var promoteScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
if redis.call('EXISTS', KEYS[2]) == 1 then
	redis.call('HSET', KEYS[2], 'effective_priority', ARGV[3])
end
return 1
`)

var cacheMetadataScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	return 0
end
redis.call('DEL', KEYS[2])
redis.call('HMSET', KEYS[2], unpack(ARGV, 2))
return 1
`)

func (r *RedisPriorityIndex) Insert(score domain.Score, deploymentId string, metadata *domain.DeploymentMetadata) error {
	pipe := r.db.TxPipeline()
	pipe.ZAdd(deploymentQueueKey, redis.Z{Score: score.Float(), Member: deploymentId})
	if metadata != nil {
		pipe.HMSet(deploymentMetadataKey(deploymentId), encodeMetadata(metadata))
	}
	if _, err := pipe.Exec(); err != nil {
		return storeUnavailable("Insert", err)
	}
	return nil
}

func (r *RedisPriorityIndex) Remove(deploymentId string) (bool, error) {
	pipe := r.db.TxPipeline()
	removed := pipe.ZRem(deploymentQueueKey, deploymentId)
	pipe.Del(deploymentMetadataKey(deploymentId))
	if _, err := pipe.Exec(); err != nil {
		return false, storeUnavailable("Remove", err)
	}
	return removed.Val() > 0, nil
}

func (r *RedisPriorityIndex) Iterator() QueueIterator {
	return &redisQueueIterator{index: r}
}

func (r *RedisPriorityIndex) Metadata(deploymentId string) (*domain.DeploymentMetadata, error) {
	fields, err := r.db.HGetAll(deploymentMetadataKey(deploymentId)).Result()
	if err != nil {
		return nil, storeUnavailable("Metadata", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeMetadata(fields)
}

func (r *RedisPriorityIndex) Promote(deploymentId string, score domain.Score, effectivePriority int) (bool, error) {
	result, err := promoteScript.Run(
		r.db,
		[]string{deploymentQueueKey, deploymentMetadataKey(deploymentId)},
		deploymentId, score.Float(), effectivePriority,
	).Int64()
	if err != nil {
		return false, storeUnavailable("Promote", err)
	}
	return result == 1, nil
}

func (r *RedisPriorityIndex) CacheMetadata(deploymentId string, metadata *domain.DeploymentMetadata) (bool, error) {
	args := []interface{}{deploymentId}
	for field, value := range encodeMetadata(metadata) {
		args = append(args, field, value)
	}
	result, err := cacheMetadataScript.Run(
		r.db,
		[]string{deploymentQueueKey, deploymentMetadataKey(deploymentId)},
		args...,
	).Int64()
	if err != nil {
		return false, storeUnavailable("CacheMetadata", err)
	}
	return result == 1, nil
}

func (r *RedisPriorityIndex) Position(deploymentId string) (int64, domain.Score, bool, error) {
	pipe := r.db.Pipeline()
	rank := pipe.ZRevRank(deploymentQueueKey, deploymentId)
	score := pipe.ZScore(deploymentQueueKey, deploymentId)
	_, err := pipe.Exec()
	if err == redis.Nil {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, storeUnavailable("Position", err)
	}
	return rank.Val(), domain.ScoreFromFloat(score.Val()), true, nil
}

func (r *RedisPriorityIndex) Size() (int64, error) {
	size, err := r.db.ZCard(deploymentQueueKey).Result()
	if err != nil {
		return 0, storeUnavailable("Size", err)
	}
	return size, nil
}

// redisQueueIterator pages through the sorted set by rank, fetching the metadata of each page
// in a single pipeline.
type redisQueueIterator struct {
	index  *RedisPriorityIndex
	offset int64
	buffer []*domain.QueueEntry
	done   bool
}

func (it *redisQueueIterator) Next() (*domain.QueueEntry, error) {
	if len(it.buffer) == 0 && !it.done {
		if err := it.fetch(); err != nil {
			return nil, err
		}
	}
	if len(it.buffer) == 0 {
		return nil, nil
	}
	entry := it.buffer[0]
	it.buffer = it.buffer[1:]
	return entry, nil
}

func (it *redisQueueIterator) Reset() {
	it.offset = 0
	it.buffer = nil
	it.done = false
}

func (it *redisQueueIterator) fetch() error {
	db := it.index.db
	members, err := db.ZRevRangeWithScores(deploymentQueueKey, it.offset, it.offset+it.index.batchSize-1).Result()
	if err != nil {
		return storeUnavailable("Iterate", err)
	}
	if int64(len(members)) < it.index.batchSize {
		it.done = true
	}
	if len(members) == 0 {
		return nil
	}
	it.offset += int64(len(members))

	pipe := db.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(members))
	for i, member := range members {
		cmds[i] = pipe.HGetAll(deploymentMetadataKey(member.Member.(string)))
	}
	if _, err := pipe.Exec(); err != nil {
		return storeUnavailable("Iterate", err)
	}

	for i, member := range members {
		entry := &domain.QueueEntry{
			Score:        domain.ScoreFromFloat(member.Score),
			DeploymentId: member.Member.(string),
		}
		if fields := cmds[i].Val(); len(fields) > 0 {
			metadata, err := decodeMetadata(fields)
			if err != nil {
				log.WithError(err).WithField("deploymentId", entry.DeploymentId).Warn("ignoring malformed deployment metadata")
			} else {
				entry.Metadata = metadata
			}
		}
		it.buffer = append(it.buffer, entry)
	}
	return nil
}

func deploymentMetadataKey(deploymentId string) string {
	return deploymentMetadataPrefix + deploymentId
}

const (
	metadataIdField                = "id"
	metadataNameField              = "name"
	metadataClusterIdField         = "cluster_id"
	metadataPriorityField          = "priority"
	metadataEffectivePriorityField = "effective_priority"
	metadataRamField               = "ram"
	metadataCpuField               = "cpu"
	metadataGpuField               = "gpu"
	metadataCreatedField           = "created"
	metadataEnqueuedField          = "enqueued"
)

func encodeMetadata(m *domain.DeploymentMetadata) map[string]interface{} {
	return map[string]interface{}{
		metadataIdField:                m.Id,
		metadataNameField:              m.Name,
		metadataClusterIdField:         m.ClusterId,
		metadataPriorityField:          m.Priority,
		metadataEffectivePriorityField: m.EffectivePriority,
		metadataRamField:               m.Required.Ram,
		metadataCpuField:               m.Required.Cpu,
		metadataGpuField:               m.Required.Gpu,
		metadataCreatedField:           m.Created.UnixMilli(),
		metadataEnqueuedField:          m.Enqueued.UnixMilli(),
	}
}

func decodeMetadata(fields map[string]string) (*domain.DeploymentMetadata, error) {
	ints := map[string]int64{}
	for _, field := range []string{
		metadataPriorityField, metadataEffectivePriorityField,
		metadataRamField, metadataCpuField, metadataGpuField,
		metadataCreatedField, metadataEnqueuedField,
	} {
		v, err := strconv.ParseInt(fields[field], 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("metadata field %s", field))
		}
		ints[field] = v
	}
	return &domain.DeploymentMetadata{
		Id:                fields[metadataIdField],
		Name:              fields[metadataNameField],
		ClusterId:         fields[metadataClusterIdField],
		Priority:          int(ints[metadataPriorityField]),
		EffectivePriority: int(ints[metadataEffectivePriorityField]),
		Required: domain.ResourceVector{
			Ram: ints[metadataRamField],
			Cpu: ints[metadataCpuField],
			Gpu: ints[metadataGpuField],
		},
		Created:  time.UnixMilli(ints[metadataCreatedField]).UTC(),
		Enqueued: time.UnixMilli(ints[metadataEnqueuedField]).UTC(),
	}, nil
}
