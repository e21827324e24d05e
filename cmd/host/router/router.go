package router

import (
	"math/rand"
	"sort"
	"strconv"
	"sync"

	"github.com/orbitmesh/orbitmesh/common/logger"
	"github.com/orbitmesh/orbitmesh/common/models"
	"github.com/orbitmesh/orbitmesh/common/oerr"
)

// Policy selects among candidate nodes.
type Policy string

const (
	RoundRobin       Policy = "round_robin"
	LeastConnections Policy = "least_connections"
	Random           Policy = "random"
	Weighted         Policy = "weighted"
)

// WeightMetadataKey is the node metadata key read by the Weighted policy.
const WeightMetadataKey = "weight"

// RouteSpec describes the constraints for one routing decision.
type RouteSpec struct {
	RequiredCapabilities []string
	RequiredTags         []string
	PreferredAgentID     string
	TargetGroup          string
	ExcludedAgentIDs     []string
	Policy               Policy
}

// AgentSource is the registry view the router needs.
type AgentSource interface {
	List() []*models.AgentInfo
	Get(agentID string) (*models.AgentInfo, bool)
}

// LoadFunc returns the number of jobs an agent currently holds. Used by
// the LeastConnections policy.
type LoadFunc func(agentID string) int

// Router picks one node per job from the registry's schedulable set.
type Router struct {
	agents AgentSource
	load   LoadFunc
	log    *logger.Logger

	mu      sync.Mutex
	rrIndex uint64
	rnd     *rand.Rand
}

// New creates a router. seed fixes the Random policy for tests; pass 0
// for a time-derived seed.
func New(agents AgentSource, load LoadFunc, log *logger.Logger, seed int64) *Router {
	src := rand.NewSource(seed)
	if seed == 0 {
		src = rand.NewSource(rand.Int63())
	}
	return &Router{
		agents: agents,
		load:   load,
		log:    log,
		rnd:    rand.New(src),
	}
}

// Select picks one node for the spec, or a NotFound error when no
// candidate qualifies. Candidates are evaluated in lexicographic id
// order so policy ties resolve deterministically.
func (r *Router) Select(spec RouteSpec) (*models.AgentInfo, error) {
	if spec.PreferredAgentID != "" {
		if agent, ok := r.agents.Get(spec.PreferredAgentID); ok {
			if agent.Schedulable() && agent.HasCapabilities(spec.RequiredCapabilities) && agent.HasTags(spec.RequiredTags) {
				return agent, nil
			}
		}
	}

	candidates := r.Candidates(spec)
	if len(candidates) == 0 {
		return nil, oerr.New(oerr.NotFound, "no schedulable node matches the routing constraints").WithCode("no_candidates")
	}
	return r.pick(spec.Policy, candidates), nil
}

// Candidates computes the sorted candidate set for a spec.
func (r *Router) Candidates(spec RouteSpec) []*models.AgentInfo {
	excluded := make(map[string]struct{}, len(spec.ExcludedAgentIDs))
	for _, id := range spec.ExcludedAgentIDs {
		excluded[id] = struct{}{}
	}

	candidates := make([]*models.AgentInfo, 0)
	for _, a := range r.agents.List() {
		if _, skip := excluded[a.ID]; skip {
			continue
		}
		if !a.Schedulable() {
			continue
		}
		if spec.TargetGroup != "" && a.Group != spec.TargetGroup {
			continue
		}
		if !a.HasCapabilities(spec.RequiredCapabilities) || !a.HasTags(spec.RequiredTags) {
			continue
		}
		candidates = append(candidates, a)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ID < candidates[j].ID
	})
	return candidates
}

func (r *Router) pick(policy Policy, candidates []*models.AgentInfo) *models.AgentInfo {
	switch policy {
	case LeastConnections:
		return r.pickLeastConnections(candidates)
	case Random:
		r.mu.Lock()
		defer r.mu.Unlock()
		return candidates[r.rnd.Intn(len(candidates))]
	case Weighted:
		return r.pickWeighted(candidates)
	default: // RoundRobin
		r.mu.Lock()
		defer r.mu.Unlock()
		agent := candidates[r.rrIndex%uint64(len(candidates))]
		r.rrIndex++
		return agent
	}
}

// pickLeastConnections returns the candidate holding the fewest jobs.
// Candidates are pre-sorted, so the first minimum wins ties.
func (r *Router) pickLeastConnections(candidates []*models.AgentInfo) *models.AgentInfo {
	best := candidates[0]
	bestLoad := r.loadOf(best.ID)
	for _, c := range candidates[1:] {
		if l := r.loadOf(c.ID); l < bestLoad {
			best, bestLoad = c, l
		}
	}
	return best
}

// pickWeighted draws proportionally to each node's metadata weight.
// Missing or invalid weights count as 1.
func (r *Router) pickWeighted(candidates []*models.AgentInfo) *models.AgentInfo {
	total := 0
	weights := make([]int, len(candidates))
	for i, c := range candidates {
		w := 1
		if raw, ok := c.Metadata[WeightMetadataKey]; ok {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				w = parsed
			}
		}
		weights[i] = w
		total += w
	}

	r.mu.Lock()
	n := r.rnd.Intn(total)
	r.mu.Unlock()

	for i, w := range weights {
		if n < w {
			return candidates[i]
		}
		n -= w
	}
	return candidates[len(candidates)-1]
}

func (r *Router) loadOf(agentID string) int {
	if r.load == nil {
		return 0
	}
	return r.load(agentID)
}
