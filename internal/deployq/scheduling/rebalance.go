package scheduling

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/deployq/deployq/internal/deployq/domain"
	"github.com/deployq/deployq/internal/deployq/events"
	"github.com/deployq/deployq/internal/deployq/metrics"
)

type promotion struct {
	entry    *domain.QueueEntry
	priority int
}

// Rebalance promotes queued deployments created more than limit ago by one priority level above
// the priority they were submitted with, capped at the maximum priority. An entry is promoted at
// most once, so repeated calls are no-ops. A non-positive limit uses the configured rebalance age.
// Returns the number of entries promoted.
func (e *Engine) Rebalance(ctx context.Context, limit time.Duration) (int, error) {
	if limit <= 0 {
		limit = e.config.RebalanceAge
	}
	now := e.clock.Now()

	promotions := []promotion{}
	it := e.index.Iterator()
	for {
		if err := ctx.Err(); err != nil {
			return 0, errors.WithStack(err)
		}
		entry, err := it.Next()
		if err != nil {
			return 0, err
		}
		if entry == nil {
			break
		}
		metadata := entry.Metadata
		if metadata == nil || now.Sub(metadata.Created) <= limit {
			continue
		}
		target := metadata.Priority + 1
		if target > domain.MaxPriority {
			target = domain.MaxPriority
		}
		if metadata.EffectivePriority >= target {
			continue
		}
		promotions = append(promotions, promotion{entry: entry, priority: target})
	}

	promoted := 0
	for _, p := range promotions {
		metadata := p.entry.Metadata
		ok, err := e.index.Promote(p.entry.DeploymentId, domain.CalculateScore(p.priority, metadata.Created), p.priority)
		if err != nil {
			metrics.RecordPromoted(promoted)
			return promoted, err
		}
		if !ok {
			continue
		}
		promoted++
		e.publish(events.Promoted, metadata.Id, metadata.ClusterId, p.priority, nil)
		log.WithField("deploymentId", metadata.Id).Infof("Promoted deployment %s from priority %d to %d", metadata.Id, metadata.Priority, p.priority)
	}
	metrics.RecordPromoted(promoted)
	return promoted, nil
}

// QueueMetrics summarises the priority index. Bands are derived from each entry's score, i.e.,
// they reflect promotions.
func (e *Engine) QueueMetrics(ctx context.Context) (*domain.QueueMetrics, error) {
	result := domain.NewQueueMetrics()
	it := e.index.Iterator()
	for {
		if err := ctx.Err(); err != nil {
			return nil, errors.WithStack(err)
		}
		entry, err := it.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return result, nil
		}
		result.TotalPending++
		if entry.Metadata == nil {
			continue
		}
		priority := domain.PriorityFromScore(entry.Score, entry.Metadata.Created)
		result.Add(entry.DeploymentId, priority, entry.Metadata.Created)
	}
}
