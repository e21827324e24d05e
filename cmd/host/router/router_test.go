package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitmesh/orbitmesh/common/logger"
	"github.com/orbitmesh/orbitmesh/common/models"
	"github.com/orbitmesh/orbitmesh/common/oerr"
)

type fakeSource struct {
	agents map[string]*models.AgentInfo
}

func (f *fakeSource) List() []*models.AgentInfo {
	out := make([]*models.AgentInfo, 0, len(f.agents))
	for _, a := range f.agents {
		out = append(out, a)
	}
	return out
}

func (f *fakeSource) Get(id string) (*models.AgentInfo, bool) {
	a, ok := f.agents[id]
	return a, ok
}

func readyAgent(id string, mutate ...func(*models.AgentInfo)) *models.AgentInfo {
	a := &models.AgentInfo{ID: id, Name: id, Status: models.AgentReady}
	for _, fn := range mutate {
		fn(a)
	}
	return a
}

func newTestRouter(load LoadFunc, agents ...*models.AgentInfo) *Router {
	src := &fakeSource{agents: make(map[string]*models.AgentInfo)}
	for _, a := range agents {
		src.agents[a.ID] = a
	}
	return New(src, load, logger.Discard(), 42)
}

func TestRoundRobinCyclesInLexicographicOrder(t *testing.T) {
	r := newTestRouter(nil, readyAgent("c"), readyAgent("a"), readyAgent("b"))

	picked := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		agent, err := r.Select(RouteSpec{Policy: RoundRobin})
		require.NoError(t, err)
		picked = append(picked, agent.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, picked)
}

func TestLeastConnectionsTieBreaksLexicographically(t *testing.T) {
	load := map[string]int{"a": 3, "b": 1, "c": 1}
	r := newTestRouter(func(id string) int { return load[id] },
		readyAgent("a"), readyAgent("b"), readyAgent("c"))

	agent, err := r.Select(RouteSpec{Policy: LeastConnections})
	require.NoError(t, err)
	assert.Equal(t, "b", agent.ID, "equal-load candidates resolve to the smallest id")
}

func TestRandomStaysWithinCandidates(t *testing.T) {
	r := newTestRouter(nil, readyAgent("a"), readyAgent("b"))

	for i := 0; i < 20; i++ {
		agent, err := r.Select(RouteSpec{Policy: Random})
		require.NoError(t, err)
		assert.Contains(t, []string{"a", "b"}, agent.ID)
	}
}

func TestWeightedRespectsZeroAndInvalidWeights(t *testing.T) {
	heavy := readyAgent("heavy", func(a *models.AgentInfo) {
		a.Metadata = map[string]string{WeightMetadataKey: "100"}
	})
	bad := readyAgent("bad", func(a *models.AgentInfo) {
		a.Metadata = map[string]string{WeightMetadataKey: "not-a-number"}
	})
	r := newTestRouter(nil, heavy, bad)

	counts := map[string]int{}
	for i := 0; i < 200; i++ {
		agent, err := r.Select(RouteSpec{Policy: Weighted})
		require.NoError(t, err)
		counts[agent.ID]++
	}
	assert.Greater(t, counts["heavy"], counts["bad"], "weight 100 should dominate the default weight 1")
}

func TestPreferredAgentShortCircuits(t *testing.T) {
	r := newTestRouter(nil, readyAgent("a"), readyAgent("b"))

	agent, err := r.Select(RouteSpec{PreferredAgentID: "b"})
	require.NoError(t, err)
	assert.Equal(t, "b", agent.ID)
}

func TestPreferredAgentFallsBackWhenUnschedulable(t *testing.T) {
	paused := readyAgent("b", func(a *models.AgentInfo) { a.Status = models.AgentPaused })
	r := newTestRouter(nil, readyAgent("a"), paused)

	agent, err := r.Select(RouteSpec{PreferredAgentID: "b"})
	require.NoError(t, err)
	assert.Equal(t, "a", agent.ID)
}

func TestCandidateFiltering(t *testing.T) {
	gpu := readyAgent("gpu-node", func(a *models.AgentInfo) {
		a.Capabilities = []models.Capability{{Name: "gpu"}}
		a.Group = "ml"
		a.Tags = []string{"west"}
	})
	plain := readyAgent("plain-node")
	offline := readyAgent("offline-node", func(a *models.AgentInfo) { a.Status = models.AgentDisconnected })
	r := newTestRouter(nil, gpu, plain, offline)

	candidates := r.Candidates(RouteSpec{RequiredCapabilities: []string{"gpu"}})
	require.Len(t, candidates, 1)
	assert.Equal(t, "gpu-node", candidates[0].ID)

	candidates = r.Candidates(RouteSpec{TargetGroup: "ml"})
	require.Len(t, candidates, 1)
	assert.Equal(t, "gpu-node", candidates[0].ID)

	candidates = r.Candidates(RouteSpec{RequiredTags: []string{"west"}})
	require.Len(t, candidates, 1)

	candidates = r.Candidates(RouteSpec{ExcludedAgentIDs: []string{"gpu-node", "plain-node"}})
	assert.Empty(t, candidates)
}

func TestSelectNoCandidates(t *testing.T) {
	r := newTestRouter(nil)

	_, err := r.Select(RouteSpec{})
	require.Error(t, err)
	assert.True(t, oerr.Is(err, oerr.NotFound))
	assert.Equal(t, "no_candidates", oerr.CodeOf(err))
}
