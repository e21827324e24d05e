package deployment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitmesh/orbitmesh/cmd/host/jobs"
	"github.com/orbitmesh/orbitmesh/common/logger"
	"github.com/orbitmesh/orbitmesh/common/models"
	"github.com/orbitmesh/orbitmesh/common/oerr"
)

type staticAgents struct {
	agents []*models.AgentInfo
}

func (s *staticAgents) List() []*models.AgentInfo { return s.agents }

// newTestEngine wires an engine over memory stores with a job manager
// that completes every job immediately, recording the command order.
func newTestEngine(t *testing.T, agents *staticAgents) (*Engine, *[]string) {
	t.Helper()

	mgr := jobs.NewManager(jobs.Options{AckDeadline: time.Second, Logger: logger.Discard()})
	var mu sync.Mutex
	commands := []string{}
	mgr.OnEvent(func(event string, job *models.Job) {
		if event != models.EventJobCreated {
			return
		}
		req := job.Request
		go func() {
			mu.Lock()
			commands = append(commands, req.Command)
			mu.Unlock()
			_ = mgr.Assign(req.ID, req.TargetAgentID)
			_ = mgr.Acknowledge(req.ID, req.TargetAgentID)
			mgr.HandleResult(&models.JobResult{JobID: req.ID, Status: models.JobCompleted})
		}()
	})

	engine := NewEngine(Options{
		Profiles:     NewMemoryProfileStore(),
		Executions:   NewMemoryExecutionStore(),
		Jobs:         mgr,
		Agents:       agents,
		Logger:       logger.Discard(),
		PollInterval: 10 * time.Millisecond,
	})
	return engine, &commands
}

func TestDeployRunsJobSequence(t *testing.T) {
	agents := &staticAgents{agents: []*models.AgentInfo{
		{ID: "node-1", Name: "node-1", Status: models.AgentReady},
	}}
	engine, commands := newTestEngine(t, agents)

	root := t.TempDir()
	writeTree(t, root, map[string]string{"app.conf": "x"})
	require.NoError(t, engine.Profiles().SaveProfile(context.Background(), &models.DeploymentProfile{
		ID:         "p1",
		SourcePath: root,
		PreScript:  "systemctl stop app",
		PostScript: "systemctl start app",
		Enabled:    true,
	}))

	executions, err := engine.Deploy(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, executions, 1)

	require.Eventually(t, func() bool {
		exec, err := engine.Executions().GetExecution(context.Background(), executions[0].ID)
		return err == nil && exec.Phase == models.PhaseCompleted
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{CommandRunScript, CommandFileSync, CommandRunScript}, *commands)

	exec, err := engine.Executions().GetExecution(context.Background(), executions[0].ID)
	require.NoError(t, err)
	assert.Len(t, exec.JobIDs, 3)
	assert.NotEmpty(t, exec.ManifestHash)
	assert.NotNil(t, exec.CompletedAt)
}

func TestDeploySkipsScriptsWhenUnset(t *testing.T) {
	agents := &staticAgents{agents: []*models.AgentInfo{
		{ID: "node-1", Name: "node-1", Status: models.AgentReady},
	}}
	engine, commands := newTestEngine(t, agents)

	root := t.TempDir()
	writeTree(t, root, map[string]string{"app.conf": "x"})
	require.NoError(t, engine.Profiles().SaveProfile(context.Background(), &models.DeploymentProfile{
		ID:         "p1",
		SourcePath: root,
		Enabled:    true,
	}))

	executions, err := engine.Deploy(context.Background(), "p1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		exec, err := engine.Executions().GetExecution(context.Background(), executions[0].ID)
		return err == nil && exec.Phase == models.PhaseCompleted
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{CommandFileSync}, *commands)
}

func TestDeployFansOutPerAgent(t *testing.T) {
	agents := &staticAgents{agents: []*models.AgentInfo{
		{ID: "node-1", Name: "node-1", Group: "builders", Status: models.AgentReady},
		{ID: "node-2", Name: "node-2", Group: "builders", Status: models.AgentReady},
		{ID: "node-3", Name: "node-3", Group: "runners", Status: models.AgentReady},
		{ID: "node-4", Name: "node-4", Group: "builders", Status: models.AgentPaused},
	}}
	engine, _ := newTestEngine(t, agents)

	root := t.TempDir()
	writeTree(t, root, map[string]string{"app.conf": "x"})
	require.NoError(t, engine.Profiles().SaveProfile(context.Background(), &models.DeploymentProfile{
		ID:                 "p1",
		SourcePath:         root,
		TargetAgentPattern: "group:builders",
		Enabled:            true,
	}))

	executions, err := engine.Deploy(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, executions, 2, "runners and paused agents excluded")

	targets := []string{executions[0].AgentID, executions[1].AgentID}
	assert.ElementsMatch(t, []string{"node-1", "node-2"}, targets)
}

func TestDeployRejectsDisabledProfile(t *testing.T) {
	engine, _ := newTestEngine(t, &staticAgents{})

	root := t.TempDir()
	writeTree(t, root, map[string]string{"a": "x"})
	require.NoError(t, engine.Profiles().SaveProfile(context.Background(), &models.DeploymentProfile{
		ID:         "p1",
		SourcePath: root,
	}))

	_, err := engine.Deploy(context.Background(), "p1")
	require.Error(t, err)
	assert.True(t, oerr.Is(err, oerr.Conflict))
}

func TestDeployRequiresMatchingAgent(t *testing.T) {
	engine, _ := newTestEngine(t, &staticAgents{})

	root := t.TempDir()
	writeTree(t, root, map[string]string{"a": "x"})
	require.NoError(t, engine.Profiles().SaveProfile(context.Background(), &models.DeploymentProfile{
		ID:         "p1",
		SourcePath: root,
		Enabled:    true,
	}))

	_, err := engine.Deploy(context.Background(), "p1")
	require.Error(t, err)
	assert.True(t, oerr.Is(err, oerr.NotFound))
}
