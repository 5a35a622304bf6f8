package events

import (
	"sync"
	"time"
)

type EventType string

const (
	Queued    EventType = "queued"
	Running   EventType = "running"
	Completed EventType = "completed"
	Failed    EventType = "failed"
	Promoted  EventType = "promoted"
)

// DeploymentEvent describes a single lifecycle transition of a deployment.
type DeploymentEvent struct {
	Type         EventType         `json:"type"`
	DeploymentId string            `json:"deploymentId"`
	ClusterId    string            `json:"clusterId"`
	Priority     int               `json:"priority"`
	Time         time.Time         `json:"time"`
	Details      map[string]string `json:"details,omitempty"`
}

// Publisher forwards lifecycle events to interested parties.
type Publisher interface {
	Publish(event *DeploymentEvent) error
	Close()
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(*DeploymentEvent) error { return nil }

func (NoopPublisher) Close() {}

// InMemoryPublisher keeps every published event.
type InMemoryPublisher struct {
	mu     sync.Mutex
	events []*DeploymentEvent
}

func (p *InMemoryPublisher) Publish(event *DeploymentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *InMemoryPublisher) Close() {}

func (p *InMemoryPublisher) Events() []*DeploymentEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*DeploymentEvent(nil), p.events...)
}

// Types returns the type of every event published for a deployment, in order.
func (p *InMemoryPublisher) Types(deploymentId string) []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := []EventType{}
	for _, e := range p.events {
		if e.DeploymentId == deploymentId {
			types = append(types, e.Type)
		}
	}
	return types
}
