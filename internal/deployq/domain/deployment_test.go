package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeployment_Validate(t *testing.T) {
	valid := func() *Deployment {
		return &Deployment{Id: "d1", ClusterId: "c1", Priority: 5, Required: MustResourceVector(1, 1, 0)}
	}
	assert.NoError(t, valid().Validate())

	tests := map[string]func(d *Deployment){
		"missing id":        func(d *Deployment) { d.Id = "" },
		"missing cluster":   func(d *Deployment) { d.ClusterId = "" },
		"priority too low":  func(d *Deployment) { d.Priority = 0 },
		"priority too high": func(d *Deployment) { d.Priority = 11 },
		"negative required": func(d *Deployment) { d.Required = ResourceVector{Cpu: -1} },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			d := valid()
			mutate(d)
			assert.Error(t, d.Validate())
		})
	}
}

func TestDeployment_DeepCopy(t *testing.T) {
	started := baseTime
	d := &Deployment{Id: "d1", Started: &started, CompletionDetails: map[string]string{"a": "b"}}
	c := d.DeepCopy()
	c.CompletionDetails["a"] = "c"
	*c.Started = started.Add(time.Hour)

	assert.Equal(t, "b", d.CompletionDetails["a"])
	assert.Equal(t, baseTime, *d.Started)
	assert.Nil(t, (*Deployment)(nil).DeepCopy())
}

func TestParseDeploymentStatus(t *testing.T) {
	status, err := ParseDeploymentStatus("RUNNING")
	assert.NoError(t, err)
	assert.Equal(t, Running, status)
	assert.True(t, Completed.IsTerminal())
	assert.True(t, Failed.IsTerminal())
	assert.False(t, Queued.IsTerminal())

	_, err = ParseDeploymentStatus("running")
	assert.Error(t, err)
}

func TestQueueMetrics_Add(t *testing.T) {
	m := NewQueueMetrics()
	now := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)
	m.Add("a", 3, now)
	m.Add("b", 9, now.Add(-time.Minute))
	m.Add("c", 7, now.Add(time.Minute))

	assert.Equal(t, map[PriorityBand]int64{Critical: 1, High: 1, Medium: 0, Low: 1}, m.Bands)
	assert.Equal(t, 9, m.HighestPriority)
	assert.Equal(t, &OldestDeployment{Id: "b", Created: now.Add(-time.Minute)}, m.OldestDeployment)
}
