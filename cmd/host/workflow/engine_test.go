package workflow

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

// captureNotifier records notifications in arrival order.
type captureNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *captureNotifier) Send(_ context.Context, channel, target, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, message)
	return nil
}

func (n *captureNotifier) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.sent))
	copy(out, n.sent)
	return out
}

type harness struct {
	engine *Engine
	mgr    *jobs.Manager
	defs   *MemoryDefinitionStore
	store  *MemoryInstanceStore
	notes  *captureNotifier
}

// newHarness builds an engine over memory stores. When autoComplete is
// non-nil, every enqueued job is walked through its lifecycle and
// finished with the returned result, standing in for a live node.
func newHarness(t *testing.T, autoComplete func(req models.JobRequest) *models.JobResult) *harness {
	t.Helper()

	mgr := jobs.NewManager(jobs.Options{AckDeadline: time.Second, Logger: logger.Discard()})
	if autoComplete != nil {
		mgr.OnEvent(func(event string, job *models.Job) {
			if event != models.EventJobCreated {
				return
			}
			req := job.Request
			go func() {
				_ = mgr.Assign(req.ID, "node-test")
				_ = mgr.Acknowledge(req.ID, "node-test")
				result := autoComplete(req)
				result.JobID = req.ID
				mgr.HandleResult(result)
			}()
		})
	}

	defs := NewMemoryDefinitionStore()
	store := NewMemoryInstanceStore()
	notes := &captureNotifier{}
	engine, err := NewEngine(Options{
		Definitions:  defs,
		Instances:    store,
		Jobs:         mgr,
		Notifier:     notes,
		Logger:       logger.Discard(),
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	return &harness{engine: engine, mgr: mgr, defs: defs, store: store, notes: notes}
}

func (h *harness) waitForStatus(t *testing.T, instanceID string, want models.InstanceStatus) *models.WorkflowInstance {
	t.Helper()

	var last *models.WorkflowInstance
	require.Eventually(t, func() bool {
		inst, err := h.engine.GetInstance(context.Background(), instanceID)
		if err != nil {
			return false
		}
		last = inst
		return inst.Status == want
	}, 5*time.Second, 10*time.Millisecond, "instance %s never reached %s (last: %+v)", instanceID, want, last)
	return last
}

func transformStep(id, expr, outputVar string, deps ...string) models.WorkflowStep {
	return models.WorkflowStep{
		ID:             id,
		Type:           models.StepTransform,
		DependsOn:      deps,
		OutputVariable: outputVar,
		Config:         models.StepConfig{Transform: &models.TransformStepConfig{Expression: expr}},
	}
}

func TestTransformChain(t *testing.T) {
	h := newHarness(t, nil)
	def := &models.WorkflowDefinition{
		ID:      "chain",
		Version: "1",
		Steps: []models.WorkflowStep{
			transformStep("double", "1 + 1", "a"),
			transformStep("quadruple", "a * 2", "b", "double"),
		},
	}

	inst, err := h.engine.Start(context.Background(), def, nil, StartOptions{})
	require.NoError(t, err)

	final := h.waitForStatus(t, inst.ID, models.InstanceCompleted)
	assert.Equal(t, int64(2), final.Variables["a"])
	assert.Equal(t, int64(4), final.Variables["b"])
	assert.Equal(t, int64(4), final.Output)
	assert.Equal(t, models.StepCompleted, final.StepInstances["quadruple"].Status)
}

func TestSkippedStepSatisfiesDependents(t *testing.T) {
	h := newHarness(t, nil)
	skipped := transformStep("maybe", "1", "")
	skipped.Condition = "false"
	def := &models.WorkflowDefinition{
		ID:      "skip",
		Version: "1",
		Steps: []models.WorkflowStep{
			skipped,
			transformStep("after", "42", "answer", "maybe"),
		},
	}

	inst, err := h.engine.Start(context.Background(), def, nil, StartOptions{})
	require.NoError(t, err)

	final := h.waitForStatus(t, inst.ID, models.InstanceCompleted)
	assert.Equal(t, models.StepSkipped, final.StepInstances["maybe"].Status)
	assert.Equal(t, models.StepCompleted, final.StepInstances["after"].Status)
	assert.Equal(t, int64(42), final.Variables["answer"])
}

func TestJobStepInterpolatesAndCaptures(t *testing.T) {
	h := newHarness(t, func(req models.JobRequest) *models.JobResult {
		// Echo the parameters back, like the node's builtin echo handler.
		return &models.JobResult{Status: models.JobCompleted, Data: req.Parameters}
	})

	def := &models.WorkflowDefinition{
		ID:        "job-flow",
		Version:   "1",
		Variables: map[string]any{"target": "web-1"},
		Steps: []models.WorkflowStep{{
			ID:             "deploy",
			Type:           models.StepJob,
			OutputVariable: "job_out",
			Config: models.StepConfig{Job: &models.JobStepConfig{
				Command: "echo",
				Payload: []byte(`{"host": "${target}"}`),
			}},
		}},
	}

	inst, err := h.engine.Start(context.Background(), def, nil, StartOptions{})
	require.NoError(t, err)

	final := h.waitForStatus(t, inst.ID, models.InstanceCompleted)
	out, ok := final.Variables["job_out"].(map[string]any)
	require.True(t, ok, "got %T", final.Variables["job_out"])
	assert.Equal(t, "web-1", out["host"])
	assert.NotEmpty(t, final.StepInstances["deploy"].JobID)
}

func TestParallelFanOut(t *testing.T) {
	h := newHarness(t, nil)
	def := &models.WorkflowDefinition{
		ID:      "par",
		Version: "1",
		Steps: []models.WorkflowStep{{
			ID:   "fan",
			Type: models.StepParallel,
			Config: models.StepConfig{Parallel: &models.ParallelStepConfig{
				Steps: []models.WorkflowStep{
					transformStep("x", "10", ""),
					transformStep("y", "20", ""),
				},
			}},
		}},
	}

	inst, err := h.engine.Start(context.Background(), def, nil, StartOptions{})
	require.NoError(t, err)

	final := h.waitForStatus(t, inst.ID, models.InstanceCompleted)
	out, ok := final.Output.(map[string]any)
	require.True(t, ok, "got %T", final.Output)
	assert.Equal(t, int64(10), out["x"])
	assert.Equal(t, int64(20), out["y"])
	require.Len(t, final.StepInstances["fan"].Branches, 2)
}

func TestForEachOrderedOutputs(t *testing.T) {
	h := newHarness(t, nil)
	def := &models.WorkflowDefinition{
		ID:        "each",
		Version:   "1",
		Variables: map[string]any{"items": []any{1, 2, 3}},
		Steps: []models.WorkflowStep{{
			ID:   "loop",
			Type: models.StepForEach,
			Config: models.StepConfig{ForEach: &models.ForEachStepConfig{
				Collection: "items",
				Steps: []models.WorkflowStep{
					transformStep("times10", "item * 10.0", ""),
				},
			}},
		}},
	}

	inst, err := h.engine.Start(context.Background(), def, nil, StartOptions{})
	require.NoError(t, err)

	final := h.waitForStatus(t, inst.ID, models.InstanceCompleted)
	out, ok := final.Output.([]any)
	require.True(t, ok, "got %T", final.Output)
	assert.Equal(t, []any{10.0, 20.0, 30.0}, out, "iteration outputs keep collection order")

	branches := final.StepInstances["loop"].Branches
	require.Len(t, branches, 3)
	assert.Equal(t, float64(1), branches[0].Item)
}

func TestCompensationRunsInReverseOrder(t *testing.T) {
	h := newHarness(t, nil)

	withUndo := func(step models.WorkflowStep, undo string) models.WorkflowStep {
		step.Compensation = &models.WorkflowStep{
			ID:   "undo-" + step.ID,
			Type: models.StepNotify,
			Config: models.StepConfig{Notify: &models.NotifyStepConfig{
				Channel: "compensation",
				Message: undo,
			}},
		}
		return step
	}

	def := &models.WorkflowDefinition{
		ID:            "saga",
		Version:       "1",
		ErrorStrategy: models.Compensate,
		Steps: []models.WorkflowStep{
			withUndo(transformStep("reserve", "1", ""), "undo-reserve"),
			withUndo(transformStep("charge", "2", "", "reserve"), "undo-charge"),
			transformStep("ship", "broken_ref + 1", "", "charge"), // fails at eval
		},
	}

	inst, err := h.engine.Start(context.Background(), def, nil, StartOptions{})
	require.NoError(t, err)

	final := h.waitForStatus(t, inst.ID, models.InstanceFailed)
	assert.Equal(t, models.StepFailed, final.StepInstances["ship"].Status)
	assert.Equal(t, models.StepCompensated, final.StepInstances["reserve"].Status)
	assert.Equal(t, models.StepCompensated, final.StepInstances["charge"].Status)
	require.NotNil(t, final.StepInstances["charge"].Compensation)
	assert.Equal(t, models.StepCompleted, final.StepInstances["charge"].Compensation.Status)

	assert.Equal(t, []string{"undo-charge", "undo-reserve"}, h.notes.messages(),
		"compensations run in reverse completion order")
}

func TestFailedCompensationIsNotSatisfied(t *testing.T) {
	h := newHarness(t, nil)

	reserve := transformStep("reserve", "1", "")
	undo := transformStep("undo-reserve", "broken_ref + 1", "")
	reserve.Compensation = &undo

	def := &models.WorkflowDefinition{
		ID:            "saga",
		Version:       "1",
		ErrorStrategy: models.Compensate,
		Steps: []models.WorkflowStep{
			reserve,
			transformStep("ship", "another_broken_ref + 1", "", "reserve"),
		},
	}

	inst, err := h.engine.Start(context.Background(), def, nil, StartOptions{})
	require.NoError(t, err)

	final := h.waitForStatus(t, inst.ID, models.InstanceFailed)
	si := final.StepInstances["reserve"]
	assert.Equal(t, models.StepCompensationFailed, si.Status)
	assert.False(t, si.Status.Satisfied(), "side effects were not undone")
	assert.True(t, si.Status.Terminal())
	assert.Contains(t, si.Error, "compensation failed")
	require.NotNil(t, si.Compensation)
	assert.Equal(t, models.StepFailed, si.Compensation.Status)
}

func TestWaitForEventPausesAndResumes(t *testing.T) {
	h := newHarness(t, nil)
	def := &models.WorkflowDefinition{
		ID:      "waiter",
		Version: "1",
		Steps: []models.WorkflowStep{{
			ID:             "gate",
			Type:           models.StepWaitForEvent,
			OutputVariable: "event",
			Config: models.StepConfig{WaitForEvent: &models.WaitForEventStepConfig{
				EventType: "build.done",
			}},
		}},
	}

	inst, err := h.engine.Start(context.Background(), def, nil, StartOptions{})
	require.NoError(t, err)

	h.waitForStatus(t, inst.ID, models.InstancePaused)

	delivered := h.engine.DeliverEvent("build.done", map[string]any{"artifact": "app.tar"})
	assert.Equal(t, 1, delivered)

	final := h.waitForStatus(t, inst.ID, models.InstanceCompleted)
	out, ok := final.Variables["event"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "app.tar", out["artifact"])
}

func TestWaitForEventHonoursCorrelation(t *testing.T) {
	h := newHarness(t, nil)
	def := &models.WorkflowDefinition{
		ID:      "correlated",
		Version: "1",
		Steps: []models.WorkflowStep{{
			ID:   "gate",
			Type: models.StepWaitForEvent,
			Config: models.StepConfig{WaitForEvent: &models.WaitForEventStepConfig{
				EventType:      "build.done",
				CorrelationKey: "build_id",
			}},
		}},
	}

	inst, err := h.engine.Start(context.Background(), def, nil, StartOptions{CorrelationID: "b-42"})
	require.NoError(t, err)
	h.waitForStatus(t, inst.ID, models.InstancePaused)

	// Mismatched correlation value must not wake the step.
	assert.Equal(t, 0, h.engine.DeliverEvent("build.done", map[string]any{"build_id": "b-99"}))
	assert.Equal(t, 1, h.engine.DeliverEvent("build.done", map[string]any{"build_id": "b-42"}))

	h.waitForStatus(t, inst.ID, models.InstanceCompleted)
}

func TestApprovalFlow(t *testing.T) {
	h := newHarness(t, nil)
	def := &models.WorkflowDefinition{
		ID:      "gated",
		Version: "1",
		Steps: []models.WorkflowStep{{
			ID:   "signoff",
			Type: models.StepApproval,
			Config: models.StepConfig{Approval: &models.ApprovalStepConfig{
				Approvers:         []string{"ops"},
				RequiredApprovals: 1,
				Message:           "release?",
			}},
		}},
	}

	inst, err := h.engine.Start(context.Background(), def, nil, StartOptions{})
	require.NoError(t, err)
	h.waitForStatus(t, inst.ID, models.InstancePaused)

	require.NoError(t, h.engine.Approve(inst.ID, "signoff", models.ApprovalDecision{
		Approver: "ops",
		Approved: true,
	}))
	final := h.waitForStatus(t, inst.ID, models.InstanceCompleted)
	require.Len(t, final.StepInstances["signoff"].Approvals, 1)
}

func TestApprovalRejectionFailsInstance(t *testing.T) {
	h := newHarness(t, nil)
	def := &models.WorkflowDefinition{
		ID:      "gated-reject",
		Version: "1",
		Steps: []models.WorkflowStep{{
			ID:   "signoff",
			Type: models.StepApproval,
			Config: models.StepConfig{Approval: &models.ApprovalStepConfig{
				Approvers: []string{"ops"},
			}},
		}},
	}

	inst, err := h.engine.Start(context.Background(), def, nil, StartOptions{})
	require.NoError(t, err)
	h.waitForStatus(t, inst.ID, models.InstancePaused)

	require.NoError(t, h.engine.Approve(inst.ID, "signoff", models.ApprovalDecision{
		Approver: "ops",
		Approved: false,
	}))
	final := h.waitForStatus(t, inst.ID, models.InstanceFailed)
	assert.Contains(t, final.Error, "approval rejected")
}

func TestCancelCascadesToJobs(t *testing.T) {
	// No auto-completer: the job stays queued while the step polls.
	h := newHarness(t, nil)
	def := &models.WorkflowDefinition{
		ID:      "cancellable",
		Version: "1",
		Steps: []models.WorkflowStep{{
			ID:     "work",
			Type:   models.StepJob,
			Config: models.StepConfig{Job: &models.JobStepConfig{Command: "sleep"}},
		}},
	}

	inst, err := h.engine.Start(context.Background(), def, nil, StartOptions{})
	require.NoError(t, err)

	var jobID string
	require.Eventually(t, func() bool {
		current, err := h.engine.GetInstance(context.Background(), inst.ID)
		if err != nil {
			return false
		}
		jobID = current.StepInstances["work"].JobID
		return jobID != ""
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.engine.Cancel(context.Background(), inst.ID, "operator stop"))

	final := h.waitForStatus(t, inst.ID, models.InstanceCancelled)
	assert.Equal(t, "operator stop", final.Error)

	job, err := h.mgr.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, job.Status)
}

func TestSubWorkflowWaitsForChild(t *testing.T) {
	h := newHarness(t, nil)

	child := &models.WorkflowDefinition{
		ID:      "child",
		Version: "1",
		Steps:   []models.WorkflowStep{transformStep("inner", "7", "")},
	}
	require.NoError(t, h.defs.SaveDefinition(context.Background(), child))

	parent := &models.WorkflowDefinition{
		ID:      "parent",
		Version: "1",
		Steps: []models.WorkflowStep{{
			ID:             "delegate",
			Type:           models.StepSubWorkflow,
			OutputVariable: "child_out",
			Config: models.StepConfig{SubWorkflow: &models.SubWorkflowStepConfig{
				WorkflowID:        "child",
				WaitForCompletion: true,
			}},
		}},
	}

	inst, err := h.engine.Start(context.Background(), parent, nil, StartOptions{})
	require.NoError(t, err)

	final := h.waitForStatus(t, inst.ID, models.InstanceCompleted)
	assert.Equal(t, int64(7), final.Variables["child_out"])
	assert.NotEmpty(t, final.StepInstances["delegate"].SubWorkflowInstanceID)

	children, err := h.engine.ListInstances(context.Background(), "child")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, inst.ID, children[0].ParentInstanceID)
}

func TestStartRejectsBadDAGs(t *testing.T) {
	h := newHarness(t, nil)

	cyclic := &models.WorkflowDefinition{
		ID:      "cycle",
		Version: "1",
		Steps: []models.WorkflowStep{
			transformStep("a", "1", "", "b"),
			transformStep("b", "2", "", "a"),
		},
	}
	_, err := h.engine.Start(context.Background(), cyclic, nil, StartOptions{})
	require.Error(t, err)
	assert.True(t, oerr.Is(err, oerr.Validation))

	duplicate := &models.WorkflowDefinition{
		ID:      "dup",
		Version: "1",
		Steps: []models.WorkflowStep{
			transformStep("a", "1", ""),
			transformStep("a", "2", ""),
		},
	}
	_, err = h.engine.Start(context.Background(), duplicate, nil, StartOptions{})
	assert.True(t, oerr.Is(err, oerr.Validation))

	dangling := &models.WorkflowDefinition{
		ID:      "dangling",
		Version: "1",
		Steps:   []models.WorkflowStep{transformStep("a", "1", "", "ghost")},
	}
	_, err = h.engine.Start(context.Background(), dangling, nil, StartOptions{})
	assert.True(t, oerr.Is(err, oerr.Validation))
}

func TestStepRetryBeforeFailure(t *testing.T) {
	attempts := 0
	var mu sync.Mutex
	h := newHarness(t, func(req models.JobRequest) *models.JobResult {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return &models.JobResult{Status: models.JobFailed, Error: "flaky"}
		}
		return &models.JobResult{Status: models.JobCompleted}
	})

	def := &models.WorkflowDefinition{
		ID:      "retry",
		Version: "1",
		Steps: []models.WorkflowStep{{
			ID:         "flaky-step",
			Type:       models.StepJob,
			MaxRetries: 2,
			RetryDelay: 5 * time.Millisecond,
			Config:     models.StepConfig{Job: &models.JobStepConfig{Command: "flaky"}},
		}},
	}

	inst, err := h.engine.Start(context.Background(), def, nil, StartOptions{})
	require.NoError(t, err)

	final := h.waitForStatus(t, inst.ID, models.InstanceCompleted)
	assert.Equal(t, 2, final.StepInstances["flaky-step"].RetryCount)
}
