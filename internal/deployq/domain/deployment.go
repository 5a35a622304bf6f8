package domain

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/deployq/deployq/internal/common/deployerrors"
)

type DeploymentStatus string

const (
	Pending   DeploymentStatus = "PENDING"
	Queued    DeploymentStatus = "QUEUED"
	Running   DeploymentStatus = "RUNNING"
	Completed DeploymentStatus = "COMPLETED"
	Failed    DeploymentStatus = "FAILED"
)

func (s DeploymentStatus) IsTerminal() bool {
	return s == Completed || s == Failed
}

// ParseDeploymentStatus accepts the canonical upper-case names.
func ParseDeploymentStatus(s string) (DeploymentStatus, error) {
	switch status := DeploymentStatus(s); status {
	case Pending, Queued, Running, Completed, Failed:
		return status, nil
	}
	return "", errors.WithStack(&deployerrors.ErrInvalidArgument{Name: "status", Value: s})
}

const (
	MinPriority = 1
	MaxPriority = 10
)

type Cluster struct {
	Id        string
	Name      string
	Total     ResourceVector
	Available ResourceVector
	Created   time.Time
}

func (c *Cluster) Capacity() ClusterCapacity {
	return ClusterCapacity{Total: c.Total, Available: c.Available}
}

type Deployment struct {
	Id        string
	Name      string
	ClusterId string
	Priority  int
	Required  ResourceVector
	Status    DeploymentStatus
	Created   time.Time
	Started   *time.Time
	Completed *time.Time
	// Free-form details attached on completion, e.g., {"reason": "timed out"}.
	CompletionDetails map[string]string
}

func (d *Deployment) DeepCopy() *Deployment {
	if d == nil {
		return nil
	}
	c := *d
	if d.Started != nil {
		started := *d.Started
		c.Started = &started
	}
	if d.Completed != nil {
		completed := *d.Completed
		c.Completed = &completed
	}
	if d.CompletionDetails != nil {
		c.CompletionDetails = make(map[string]string, len(d.CompletionDetails))
		for k, v := range d.CompletionDetails {
			c.CompletionDetails[k] = v
		}
	}
	return &c
}

// Validate checks the fields the scheduler relies on.
func (d *Deployment) Validate() error {
	if d.Id == "" {
		return errors.WithStack(&deployerrors.ErrInvalidArgument{Name: "id", Value: d.Id, Message: "must be non-empty"})
	}
	if d.ClusterId == "" {
		return errors.WithStack(&deployerrors.ErrInvalidArgument{Name: "clusterId", Value: d.ClusterId, Message: "must be non-empty"})
	}
	if d.Priority < MinPriority || d.Priority > MaxPriority {
		return errors.WithStack(&deployerrors.ErrInvalidArgument{
			Name:    "priority",
			Value:   d.Priority,
			Message: fmt.Sprintf("must be in [%d, %d]", MinPriority, MaxPriority),
		})
	}
	if d.Required.IsNegative() {
		return errors.WithStack(&deployerrors.ErrInvalidCapacity{Message: fmt.Sprintf("deployment %s requires %s", d.Id, d.Required)})
	}
	return nil
}

// DeploymentMetadata is the ephemeral copy of a queued deployment's attributes kept alongside
// the priority index so that scans don't have to hit the durable store.
type DeploymentMetadata struct {
	Id        string
	Name      string
	ClusterId string
	// Priority the deployment was enqueued with.
	Priority int
	// Priority after rebalancing; equal to Priority until promoted.
	EffectivePriority int
	Required          ResourceVector
	Created           time.Time
	Enqueued          time.Time
}

func MetadataFromDeployment(d *Deployment, enqueued time.Time) *DeploymentMetadata {
	return &DeploymentMetadata{
		Id:                d.Id,
		Name:              d.Name,
		ClusterId:         d.ClusterId,
		Priority:          d.Priority,
		EffectivePriority: d.Priority,
		Required:          d.Required,
		Created:           d.Created,
		Enqueued:          enqueued,
	}
}

// QueueEntry is a single member of the priority index.
type QueueEntry struct {
	Score        Score
	DeploymentId string
	// Nil if the metadata cache has no record for this entry.
	Metadata *DeploymentMetadata
}
