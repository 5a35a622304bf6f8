package domain

import "time"

// QueueMetrics summarises the priority index at a point in time.
type QueueMetrics struct {
	TotalPending int64
	Bands        map[PriorityBand]int64
	// Highest effective priority currently queued; 0 if the queue is empty.
	HighestPriority int
	// Nil if the queue is empty or no entry has cached metadata.
	OldestDeployment *OldestDeployment
}

type OldestDeployment struct {
	Id      string
	Created time.Time
}

func NewQueueMetrics() *QueueMetrics {
	bands := make(map[PriorityBand]int64, len(PriorityBands))
	for _, band := range PriorityBands {
		bands[band] = 0
	}
	return &QueueMetrics{Bands: bands}
}

// Add accounts for a queued entry whose effective priority is known.
func (m *QueueMetrics) Add(id string, priority int, created time.Time) {
	m.Bands[BandForPriority(priority)]++
	if priority > m.HighestPriority {
		m.HighestPriority = priority
	}
	if m.OldestDeployment == nil || created.Before(m.OldestDeployment.Created) {
		m.OldestDeployment = &OldestDeployment{Id: id, Created: created}
	}
}
