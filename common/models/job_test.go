package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestJobStatusTerminal(t *testing.T) {
	terminal := []JobStatus{JobCompleted, JobFailed, JobCancelled, JobTimedOut}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s", s)
	}
	live := []JobStatus{JobPending, JobAssigned, JobAcknowledged, JobRunning}
	for _, s := range live {
		assert.False(t, s.Terminal(), "%s", s)
	}
}

func TestProgressClampProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := &JobProgress{Percentage: rapid.Float64Range(-1e6, 1e6).Draw(t, "pct")}
		p.Clamp()
		if p.Percentage < 0 || p.Percentage > 100 {
			t.Fatalf("clamp left %v outside [0,100]", p.Percentage)
		}
	})
}

func TestProgressClampKeepsInRangeValues(t *testing.T) {
	p := &JobProgress{Percentage: 42.5}
	p.Clamp()
	assert.Equal(t, 42.5, p.Percentage)
}
