package progress

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitmesh/orbitmesh/common/logger"
	"github.com/orbitmesh/orbitmesh/common/models"
)

func TestIngestClampsPercentage(t *testing.T) {
	s := New(0, logger.Discard())

	s.Ingest(&models.JobProgress{JobID: "j1", Percentage: -10})
	latest, ok := s.Latest("j1")
	require.True(t, ok)
	assert.Equal(t, float64(0), latest.Percentage)

	s.Ingest(&models.JobProgress{JobID: "j1", Percentage: 250})
	latest, ok = s.Latest("j1")
	require.True(t, ok)
	assert.Equal(t, float64(100), latest.Percentage)
}

func TestHistoryIsBounded(t *testing.T) {
	s := New(5, logger.Discard())

	for i := 0; i < 12; i++ {
		s.Ingest(&models.JobProgress{JobID: "j1", Percentage: float64(i), Message: fmt.Sprintf("step %d", i)})
	}

	h := s.History("j1")
	require.Len(t, h, 5)
	assert.Equal(t, float64(7), h[0].Percentage, "oldest retained report")
	assert.Equal(t, float64(11), h[4].Percentage, "newest report last")
}

func TestSubscribeReceivesAndCancels(t *testing.T) {
	s := New(0, logger.Discard())

	ch, cancel := s.Subscribe("j1")
	s.Ingest(&models.JobProgress{JobID: "j1", Percentage: 40})

	got := <-ch
	assert.Equal(t, float64(40), got.Percentage)

	cancel()
	_, open := <-ch
	assert.False(t, open, "cancel closes the channel")

	// Reports for other jobs never reach the subscriber.
	ch2, cancel2 := s.Subscribe("j2")
	defer cancel2()
	s.Ingest(&models.JobProgress{JobID: "j1", Percentage: 50})
	select {
	case p := <-ch2:
		t.Fatalf("unexpected delivery: %+v", p)
	default:
	}
}

func TestClearDropsStateAndClosesSubscribers(t *testing.T) {
	s := New(0, logger.Discard())

	ch, _ := s.Subscribe("j1")
	s.Ingest(&models.JobProgress{JobID: "j1", Percentage: 30})
	<-ch

	s.Clear("j1")

	_, ok := s.Latest("j1")
	assert.False(t, ok)
	assert.Empty(t, s.History("j1"))
	_, open := <-ch
	assert.False(t, open)
}

func TestIngestIgnoresEmptyJobID(t *testing.T) {
	s := New(0, logger.Discard())
	s.Ingest(&models.JobProgress{Percentage: 50})
	s.Ingest(nil)
	assert.Empty(t, s.History(""))
}
