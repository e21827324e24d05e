package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orbitmesh/orbitmesh/cmd/host/jobs"
	"github.com/orbitmesh/orbitmesh/common/logger"
	"github.com/orbitmesh/orbitmesh/common/models"
	"github.com/orbitmesh/orbitmesh/common/oerr"
)

// StepResult is the outcome of one executor invocation. Non-terminal
// statuses (WaitingForEvent, WaitingForApproval) park the step until an
// external signal arrives.
type StepResult struct {
	Status models.StepStatus
	Output any
	Error  string
}

func completedResult(output any) StepResult {
	return StepResult{Status: models.StepCompleted, Output: output}
}

func failedResult(msg string) StepResult {
	return StepResult{Status: models.StepFailed, Error: msg}
}

// Listener receives instance lifecycle events. stepID is empty for
// instance-level events.
type Listener func(event string, instance *models.WorkflowInstance, stepID string)

// Options configures an engine.
type Options struct {
	Definitions  DefinitionStore
	Instances    InstanceStore
	Jobs         *jobs.Manager
	Notifier     Notifier
	Logger       *logger.Logger
	PollInterval time.Duration
}

// StartOptions carries the provenance of a new instance.
type StartOptions struct {
	TriggerID        string
	TriggerType      string
	CorrelationID    string
	ParentInstanceID string
	ParentStepID     string
}

// Engine owns workflow instance execution. Each running instance is
// driven by one goroutine; step decisions per instance are serialised
// through that goroutine, so instances are single-writer.
type Engine struct {
	defs     DefinitionStore
	store    InstanceStore
	jobs     *jobs.Manager
	eval     *Evaluator
	notifier Notifier
	log      *logger.Logger
	poll     time.Duration

	mu              sync.Mutex
	runs            map[string]*instanceRun
	eventWaiters    map[string][]*eventWaiter
	approvalWaiters map[string]*approvalWaiter
	listeners       []Listener
}

type eventWaiter struct {
	correlationID string
	ch            chan map[string]any
}

type approvalWaiter struct {
	ch chan models.ApprovalDecision
}

// NewEngine creates a workflow engine.
func NewEngine(opts Options) (*Engine, error) {
	eval, err := NewEvaluator()
	if err != nil {
		return nil, err
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	if opts.Notifier == nil {
		opts.Notifier = NewLogNotifier(opts.Logger)
	}
	return &Engine{
		defs:            opts.Definitions,
		store:           opts.Instances,
		jobs:            opts.Jobs,
		eval:            eval,
		notifier:        opts.Notifier,
		log:             opts.Logger,
		poll:            opts.PollInterval,
		runs:            make(map[string]*instanceRun),
		eventWaiters:    make(map[string][]*eventWaiter),
		approvalWaiters: make(map[string]*approvalWaiter),
	}, nil
}

// OnEvent subscribes a lifecycle event listener.
func (e *Engine) OnEvent(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// Definitions exposes the definition store.
func (e *Engine) Definitions() DefinitionStore { return e.defs }

// GetInstance returns a persisted instance snapshot.
func (e *Engine) GetInstance(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	return e.store.GetInstance(ctx, id)
}

// ListInstances returns persisted instance snapshots, optionally
// filtered by workflow id.
func (e *Engine) ListInstances(ctx context.Context, workflowID string) ([]*models.WorkflowInstance, error) {
	return e.store.ListInstances(ctx, workflowID)
}

// Start creates and launches an instance of the definition. The input
// is overlaid on the definition's variable defaults.
func (e *Engine) Start(ctx context.Context, def *models.WorkflowDefinition, input map[string]any, opts StartOptions) (*models.WorkflowInstance, error) {
	if err := validateDAG(def.Steps); err != nil {
		return nil, err
	}

	vars, err := overlayVariables(def.Variables, input)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	inst := &models.WorkflowInstance{
		ID:               uuid.New().String(),
		WorkflowID:       def.ID,
		WorkflowVersion:  def.Version,
		Status:           models.InstancePending,
		Input:            input,
		Variables:        vars,
		StepInstances:    make(map[string]*models.StepInstance, len(def.Steps)),
		TriggerID:        opts.TriggerID,
		TriggerType:      opts.TriggerType,
		ParentInstanceID: opts.ParentInstanceID,
		ParentStepID:     opts.ParentStepID,
		CorrelationID:    opts.CorrelationID,
		CreatedAt:        now,
	}
	for _, step := range def.Steps {
		inst.StepInstances[step.ID] = &models.StepInstance{
			StepID: step.ID,
			Status: models.StepPending,
		}
	}

	inst.Status = models.InstanceRunning
	inst.StartedAt = &now

	runCtx, cancel := context.WithCancel(context.Background())
	run := &instanceRun{
		engine:   e,
		def:      def,
		inst:     inst,
		signals:  make(chan signal, 64),
		ctx:      runCtx,
		cancel:   cancel,
		inFlight: make(map[string]struct{}),
	}

	e.mu.Lock()
	e.runs[inst.ID] = run
	e.mu.Unlock()

	run.persist()
	e.emit(models.EventWorkflowInstanceStarted, run.snapshot(), "")
	e.log.Info("workflow instance started",
		"instance_id", inst.ID,
		"workflow_id", def.ID,
		"version", def.Version,
		"trigger_type", opts.TriggerType)

	go run.loop()
	return run.snapshot(), nil
}

// Cancel terminates an instance, cancelling every non-terminal step,
// their jobs and any sub-workflow instances.
func (e *Engine) Cancel(ctx context.Context, instanceID, reason string) error {
	run := e.run(instanceID)
	if run == nil {
		return oerr.Newf(oerr.NotFound, "workflow instance %s is not running", instanceID)
	}
	run.terminate(models.InstanceCancelled, reason)
	return nil
}

// CompleteEvent resumes a step parked on WaitingForEvent.
func (e *Engine) CompleteEvent(instanceID, stepID string, payload map[string]any) error {
	run := e.run(instanceID)
	if run == nil {
		return oerr.Newf(oerr.NotFound, "workflow instance %s is not running", instanceID)
	}
	return run.resume(stepID, models.StepWaitingForEvent, completedResult(payload))
}

// Approve records one approver's decision on a step parked on
// WaitingForApproval. The step completes when enough approvals arrive
// and fails on the first rejection.
func (e *Engine) Approve(instanceID, stepID string, decision models.ApprovalDecision) error {
	if decision.DecidedAt.IsZero() {
		decision.DecidedAt = time.Now().UTC()
	}

	if run := e.run(instanceID); run != nil {
		if err := run.approve(stepID, decision); err == nil || !oerr.Is(err, oerr.NotFound) {
			return err
		}
	}

	// Nested approval steps park on a waiter channel instead.
	e.mu.Lock()
	waiter, ok := e.approvalWaiters[instanceID+"/"+stepID]
	e.mu.Unlock()
	if !ok {
		return oerr.Newf(oerr.NotFound, "no approval pending on instance %s step %s", instanceID, stepID)
	}
	select {
	case waiter.ch <- decision:
		return nil
	default:
		return oerr.New(oerr.Conflict, "approval decision channel is full")
	}
}

// DeliverEvent routes an external event to every step waiting on its
// type. When the step declares a CorrelationKey, the event payload's
// value at that path must equal the instance's CorrelationID.
func (e *Engine) DeliverEvent(eventType string, payload map[string]any) int {
	delivered := 0

	e.mu.Lock()
	runs := make([]*instanceRun, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	waiters := e.eventWaiters[eventType]
	e.mu.Unlock()

	for _, run := range runs {
		delivered += run.deliverEvent(eventType, payload)
	}

	for _, w := range waiters {
		if w.correlationID != "" {
			if v, ok := lookupVar(payload, "correlation_id"); !ok || v != w.correlationID {
				continue
			}
		}
		select {
		case w.ch <- payload:
			delivered++
		default:
		}
	}
	return delivered
}

func (e *Engine) run(instanceID string) *instanceRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[instanceID]
}

func (e *Engine) removeRun(instanceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.runs, instanceID)
}

func (e *Engine) registerEventWaiter(eventType, correlationID string) (*eventWaiter, func()) {
	w := &eventWaiter{correlationID: correlationID, ch: make(chan map[string]any, 1)}
	e.mu.Lock()
	e.eventWaiters[eventType] = append(e.eventWaiters[eventType], w)
	e.mu.Unlock()

	return w, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		list := e.eventWaiters[eventType]
		for i, other := range list {
			if other == w {
				e.eventWaiters[eventType] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

func (e *Engine) registerApprovalWaiter(instanceID, stepID string) (*approvalWaiter, func()) {
	key := instanceID + "/" + stepID
	w := &approvalWaiter{ch: make(chan models.ApprovalDecision, 4)}
	e.mu.Lock()
	e.approvalWaiters[key] = w
	e.mu.Unlock()

	return w, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.approvalWaiters, key)
	}
}

func (e *Engine) emit(event string, inst *models.WorkflowInstance, stepID string) {
	e.mu.Lock()
	listeners := e.listeners
	e.mu.Unlock()

	for _, l := range listeners {
		l(event, inst, stepID)
	}
}

// validateDAG checks step id uniqueness, dependency references and
// acyclicity.
func validateDAG(steps []models.WorkflowStep) error {
	ids := make(map[string]struct{}, len(steps))
	for _, s := range steps {
		if s.ID == "" {
			return oerr.New(oerr.Validation, "step id is required")
		}
		if _, dup := ids[s.ID]; dup {
			return oerr.Newf(oerr.Validation, "duplicate step id %q", s.ID)
		}
		ids[s.ID] = struct{}{}
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if _, ok := ids[dep]; !ok {
				return oerr.Newf(oerr.Validation, "step %q depends on unknown step %q", s.ID, dep)
			}
		}
	}
	if _, err := topoOrder(steps); err != nil {
		return err
	}
	return nil
}

// topoOrder returns a topological order of the step ids.
func topoOrder(steps []models.WorkflowStep) ([]string, error) {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		indegree[s.ID] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	queue := make([]string, 0, len(steps))
	for _, s := range steps {
		if indegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}

	order := make([]string, 0, len(steps))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(order) != len(steps) {
		return nil, oerr.New(oerr.Validation, "step dependencies contain a cycle")
	}
	return order, nil
}
