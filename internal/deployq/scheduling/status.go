package scheduling

import (
	"context"

	"github.com/deployq/deployq/internal/deployq/domain"
)

type DeploymentStatusView struct {
	Deployment *domain.Deployment
	// The remaining fields are only set while the deployment has a queue entry.
	Queued bool
	// One-based position in the queue, across all clusters.
	QueuePosition     int64
	Score             domain.Score
	EffectivePriority int
}

// DeploymentStatus returns the stored deployment along with its place in the queue, if any.
func (e *Engine) DeploymentStatus(ctx context.Context, deploymentId string) (*DeploymentStatusView, error) {
	d, err := e.getDeployment(ctx, deploymentId)
	if err != nil {
		return nil, err
	}
	view := &DeploymentStatusView{Deployment: d}
	if d.Status != domain.Queued {
		return view, nil
	}

	rank, score, exists, err := e.index.Position(deploymentId)
	if err != nil {
		return nil, err
	}
	if !exists {
		return view, nil
	}
	view.Queued = true
	view.QueuePosition = rank + 1
	view.Score = score
	view.EffectivePriority = domain.PriorityFromScore(score, d.Created)
	return view, nil
}
