package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orbitmesh/orbitmesh/common/models"
)

// executeStep dispatches a step to its typed executor. nested marks
// steps running inside a branch scope, where waiting executors block on
// a waiter channel instead of parking the instance.
func (e *Engine) executeStep(ctx context.Context, r *instanceRun, step *models.WorkflowStep, si *models.StepInstance, scope map[string]any, nested bool) StepResult {
	switch step.Type {
	case models.StepJob:
		return e.execJob(ctx, r, step, si, scope)
	case models.StepParallel:
		return e.execParallel(ctx, r, step, si, scope)
	case models.StepForEach:
		return e.execForEach(ctx, r, step, si, scope)
	case models.StepConditional:
		return e.execConditional(ctx, r, step, si, scope)
	case models.StepDelay:
		return e.execDelay(ctx, step)
	case models.StepWaitForEvent:
		return e.execWaitForEvent(ctx, r, step, nested)
	case models.StepApproval:
		return e.execApproval(ctx, r, step, si, scope, nested)
	case models.StepTransform:
		return e.execTransform(step, scope)
	case models.StepNotify:
		return e.execNotify(ctx, step, scope)
	case models.StepSubWorkflow:
		return e.execSubWorkflow(ctx, r, step, si, scope)
	default:
		return failedResult(fmt.Sprintf("unknown step type %q", step.Type))
	}
}

// execJob enqueues a job and follows it to a terminal state.
func (e *Engine) execJob(ctx context.Context, r *instanceRun, step *models.WorkflowStep, si *models.StepInstance, scope map[string]any) StepResult {
	cfg := step.Config.Job
	if cfg == nil {
		return failedResult("job step has no job config")
	}

	req := models.JobRequest{
		Command:              interpolate(cfg.Command, scope),
		Parameters:           []byte(interpolateRaw(cfg.Payload, scope)),
		Priority:             cfg.Priority,
		TargetAgentID:        cfg.TargetAgentID,
		RequiredCapabilities: cfg.RequiredCapabilities,
		RequiredTags:         cfg.RequiredTags,
		Timeout:              cfg.Timeout,
		MaxRetries:           cfg.MaxRetries,
		CorrelationID:        r.inst.CorrelationID,
		Metadata: map[string]string{
			"workflow_instance_id": r.inst.ID,
			"step_id":              step.ID,
		},
	}

	job, err := e.jobs.Enqueue(req)
	if err != nil {
		return failedResult("job enqueue failed: " + err.Error())
	}
	jobID := job.Request.ID
	r.setStep(si, func(s *models.StepInstance) { s.JobID = jobID })

	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if cancelErr := e.jobs.Cancel(context.Background(), jobID, "workflow step cancelled"); cancelErr != nil {
				e.log.Debug("job cancel on step teardown", "job_id", jobID, "error", cancelErr)
			}
			if ctx.Err() == context.DeadlineExceeded {
				return failedResult("step timed out waiting for job " + jobID)
			}
			return StepResult{Status: models.StepCancelled, Error: "step cancelled"}
		case <-ticker.C:
		}

		current, err := e.jobs.Get(jobID)
		if err != nil {
			return failedResult("job lookup failed: " + err.Error())
		}
		if !current.Status.Terminal() {
			continue
		}

		switch current.Status {
		case models.JobCompleted:
			return completedResult(decodeJobOutput(current.Result))
		default:
			msg := "job " + jobID + " ended " + string(current.Status)
			if current.Result != nil && current.Result.Error != "" {
				msg = current.Result.Error
			}
			return failedResult(msg)
		}
	}
}

// decodeJobOutput surfaces JSON result payloads as structured values.
func decodeJobOutput(result *models.JobResult) any {
	if result == nil || len(result.Data) == 0 {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(result.Data, &decoded); err == nil {
		return decoded
	}
	return string(result.Data)
}

// execParallel fans the child steps out concurrently.
func (e *Engine) execParallel(ctx context.Context, r *instanceRun, step *models.WorkflowStep, si *models.StepInstance, scope map[string]any) StepResult {
	cfg := step.Config.Parallel
	if cfg == nil || len(cfg.Steps) == 0 {
		return failedResult("parallel step has no child steps")
	}

	branches := make([]*models.BranchInstance, len(cfg.Steps))
	outputs := make(map[string]any, len(cfg.Steps))
	var outputsMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MaxConcurrency > 0 {
		g.SetLimit(cfg.MaxConcurrency)
	}

	var firstErr error
	for i := range cfg.Steps {
		i := i
		child := &cfg.Steps[i]
		branch := &models.BranchInstance{
			Index: i,
			Steps: make(map[string]*models.StepInstance, 1),
		}
		branches[i] = branch

		g.Go(func() error {
			childCtx := ctx
			if cfg.FailFast {
				childCtx = gctx
			}

			now := time.Now().UTC()
			csi := &models.StepInstance{StepID: child.ID, Status: models.StepRunning, StartedAt: &now}
			branch.Steps[child.ID] = csi

			result := e.executeStep(childCtx, r, child, csi, cloneScope(scope), true)

			done := time.Now().UTC()
			csi.CompletedAt = &done
			csi.Output = result.Output
			csi.Error = result.Error
			csi.Status = result.Status

			outputsMu.Lock()
			if result.Status == models.StepCompleted {
				outputs[child.ID] = result.Output
			} else if result.Status == models.StepFailed && !child.ContinueOnError && firstErr == nil {
				firstErr = fmt.Errorf("child step %s failed: %s", child.ID, result.Error)
			}
			outputsMu.Unlock()

			if cfg.FailFast && result.Status == models.StepFailed && !child.ContinueOnError {
				return fmt.Errorf("child step %s failed: %s", child.ID, result.Error)
			}
			return nil
		})
	}

	waitErr := g.Wait()
	r.setStep(si, func(s *models.StepInstance) { s.Branches = branches })

	if cfg.FailFast && waitErr != nil {
		return failedResult(waitErr.Error())
	}
	if firstErr != nil {
		return failedResult(firstErr.Error())
	}
	return completedResult(outputs)
}

// execForEach runs the child steps once per collection element.
func (e *Engine) execForEach(ctx context.Context, r *instanceRun, step *models.WorkflowStep, si *models.StepInstance, scope map[string]any) StepResult {
	cfg := step.Config.ForEach
	if cfg == nil {
		return failedResult("foreach step has no config")
	}

	items, err := e.resolveCollection(cfg.Collection, scope)
	if err != nil {
		return failedResult(err.Error())
	}

	itemVar := cfg.ItemVariable
	if itemVar == "" {
		itemVar = "item"
	}
	indexVar := cfg.IndexVariable
	if indexVar == "" {
		indexVar = "index"
	}

	branches := make([]*models.BranchInstance, len(items))
	outputs := make([]any, len(items))

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MaxConcurrency > 0 {
		g.SetLimit(cfg.MaxConcurrency)
	} else {
		g.SetLimit(1)
	}

	for i := range items {
		i := i
		item := items[i]
		branch := &models.BranchInstance{
			Index: i,
			Item:  item,
			Steps: make(map[string]*models.StepInstance, len(cfg.Steps)),
		}
		branches[i] = branch

		g.Go(func() error {
			branchScope := cloneScope(scope)
			branchScope[itemVar] = item
			branchScope[indexVar] = i

			out, err := e.runInline(gctx, r, cfg.Steps, branchScope, branch.Steps)
			if err != nil {
				return fmt.Errorf("iteration %d: %w", i, err)
			}
			outputs[i] = out
			return nil
		})
	}

	err = g.Wait()
	r.setStep(si, func(s *models.StepInstance) { s.Branches = branches })
	if err != nil {
		return failedResult(err.Error())
	}
	return completedResult(outputs)
}

// resolveCollection accepts a variable path or an expression yielding a
// list.
func (e *Engine) resolveCollection(collection string, scope map[string]any) ([]any, error) {
	var value any
	if v, ok := lookupVar(scope, collection); ok {
		value = v
	} else {
		evaluated, err := e.eval.Eval(collection, scope)
		if err != nil {
			return nil, fmt.Errorf("collection %q did not resolve: %w", collection, err)
		}
		value = evaluated
	}

	items, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("collection %q is not a list (got %T)", collection, value)
	}
	return items, nil
}

// execConditional runs the then or else branch as an inline sub-DAG.
func (e *Engine) execConditional(ctx context.Context, r *instanceRun, step *models.WorkflowStep, si *models.StepInstance, scope map[string]any) StepResult {
	cfg := step.Config.Conditional
	if cfg == nil {
		return failedResult("conditional step has no config")
	}

	ok, err := e.eval.EvalBool(cfg.Expression, scope)
	if err != nil {
		return failedResult("conditional expression error: " + err.Error())
	}

	branchSteps := cfg.Then
	if !ok {
		branchSteps = cfg.Else
	}
	if len(branchSteps) == 0 {
		return completedResult(ok)
	}

	branch := &models.BranchInstance{
		Index: 0,
		Item:  ok,
		Steps: make(map[string]*models.StepInstance, len(branchSteps)),
	}
	out, err := e.runInline(ctx, r, branchSteps, cloneScope(scope), branch.Steps)
	r.setStep(si, func(s *models.StepInstance) { s.Branches = []*models.BranchInstance{branch} })
	if err != nil {
		return failedResult(err.Error())
	}
	return completedResult(out)
}

// execDelay suspends until the duration elapses.
func (e *Engine) execDelay(ctx context.Context, step *models.WorkflowStep) StepResult {
	cfg := step.Config.Delay
	if cfg == nil || cfg.Duration <= 0 {
		return failedResult("delay step needs a positive duration")
	}

	timer := time.NewTimer(cfg.Duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return completedResult(nil)
	case <-ctx.Done():
		return StepResult{Status: models.StepCancelled, Error: "delay cancelled"}
	}
}

// execWaitForEvent parks the step until a matching event arrives. At
// the top level the instance pauses; in branch scope the executor
// blocks on a waiter channel.
func (e *Engine) execWaitForEvent(ctx context.Context, r *instanceRun, step *models.WorkflowStep, nested bool) StepResult {
	cfg := step.Config.WaitForEvent
	if cfg == nil || cfg.EventType == "" {
		return failedResult("wait_for_event step needs an event type")
	}

	if !nested {
		if cfg.Timeout > 0 {
			stepID := step.ID
			time.AfterFunc(cfg.Timeout, func() {
				// Skipped on timeout; resume is a no-op once the step moved on.
				_ = r.resume(stepID, models.StepWaitingForEvent, StepResult{Status: models.StepSkipped})
			})
		}
		return StepResult{Status: models.StepWaitingForEvent}
	}

	waiter, release := e.registerEventWaiter(cfg.EventType, r.inst.CorrelationID)
	defer release()

	var timeoutC <-chan time.Time
	if cfg.Timeout > 0 {
		t := time.NewTimer(cfg.Timeout)
		defer t.Stop()
		timeoutC = t.C
	}

	select {
	case payload := <-waiter.ch:
		return completedResult(payload)
	case <-timeoutC:
		return StepResult{Status: models.StepSkipped}
	case <-ctx.Done():
		return StepResult{Status: models.StepCancelled, Error: "wait cancelled"}
	}
}

// execApproval notifies approvers and parks until enough decisions
// arrive.
func (e *Engine) execApproval(ctx context.Context, r *instanceRun, step *models.WorkflowStep, si *models.StepInstance, scope map[string]any, nested bool) StepResult {
	cfg := step.Config.Approval
	if cfg == nil {
		return failedResult("approval step has no config")
	}

	message := interpolate(cfg.Message, scope)
	for _, approver := range cfg.Approvers {
		if err := e.notifier.Send(ctx, "approval", approver, message); err != nil {
			e.log.Warn("approval notification failed", "approver", approver, "error", err)
		}
	}

	if !nested {
		if cfg.Timeout > 0 {
			stepID := step.ID
			time.AfterFunc(cfg.Timeout, func() {
				_ = r.resume(stepID, models.StepWaitingForApproval, StepResult{Status: models.StepSkipped})
			})
		}
		return StepResult{Status: models.StepWaitingForApproval}
	}

	waiter, release := e.registerApprovalWaiter(r.inst.ID, step.ID)
	defer release()

	required := cfg.RequiredApprovals
	if required <= 0 {
		required = 1
	}

	var timeoutC <-chan time.Time
	if cfg.Timeout > 0 {
		t := time.NewTimer(cfg.Timeout)
		defer t.Stop()
		timeoutC = t.C
	}

	decisions := make([]models.ApprovalDecision, 0, required)
	approved := 0
	for {
		select {
		case decision := <-waiter.ch:
			decisions = append(decisions, decision)
			r.setStep(si, func(s *models.StepInstance) {
				s.Approvals = append(s.Approvals, decision)
			})
			if !decision.Approved {
				return failedResult("approval rejected by " + decision.Approver)
			}
			approved++
			if approved >= required {
				return completedResult(decisions)
			}
		case <-timeoutC:
			return StepResult{Status: models.StepSkipped}
		case <-ctx.Done():
			return StepResult{Status: models.StepCancelled, Error: "approval cancelled"}
		}
	}
}

// execTransform evaluates the expression over the variable scope.
func (e *Engine) execTransform(step *models.WorkflowStep, scope map[string]any) StepResult {
	cfg := step.Config.Transform
	if cfg == nil || cfg.Expression == "" {
		return failedResult("transform step needs an expression")
	}
	out, err := e.eval.Eval(cfg.Expression, scope)
	if err != nil {
		return failedResult("transform error: " + err.Error())
	}
	return completedResult(out)
}

// execNotify sends the message over the configured channel.
func (e *Engine) execNotify(ctx context.Context, step *models.WorkflowStep, scope map[string]any) StepResult {
	cfg := step.Config.Notify
	if cfg == nil || cfg.Channel == "" {
		return failedResult("notify step needs a channel")
	}
	message := interpolate(cfg.Message, scope)
	if err := e.notifier.Send(ctx, cfg.Channel, interpolate(cfg.Target, scope), message); err != nil {
		return failedResult("notification failed: " + err.Error())
	}
	return completedResult(nil)
}

// execSubWorkflow launches a child instance and optionally waits for
// its terminal state.
func (e *Engine) execSubWorkflow(ctx context.Context, r *instanceRun, step *models.WorkflowStep, si *models.StepInstance, scope map[string]any) StepResult {
	cfg := step.Config.SubWorkflow
	if cfg == nil || cfg.WorkflowID == "" {
		return failedResult("sub_workflow step needs a workflow id")
	}

	var def *models.WorkflowDefinition
	var err error
	if cfg.Version != "" {
		def, err = e.defs.GetDefinition(ctx, cfg.WorkflowID, cfg.Version)
	} else {
		def, err = e.defs.LatestDefinition(ctx, cfg.WorkflowID)
	}
	if err != nil {
		return failedResult("sub-workflow lookup failed: " + err.Error())
	}

	input := make(map[string]any, len(cfg.Input))
	for k, v := range cfg.Input {
		if s, ok := v.(string); ok {
			input[k] = interpolate(s, scope)
		} else {
			input[k] = v
		}
	}

	child, err := e.Start(ctx, def, input, StartOptions{
		TriggerType:      "sub_workflow",
		CorrelationID:    r.inst.CorrelationID,
		ParentInstanceID: r.inst.ID,
		ParentStepID:     step.ID,
	})
	if err != nil {
		return failedResult("sub-workflow start failed: " + err.Error())
	}
	childID := child.ID
	r.setStep(si, func(s *models.StepInstance) { s.SubWorkflowInstanceID = childID })

	if !cfg.WaitForCompletion {
		return completedResult(map[string]any{"instance_id": childID})
	}

	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if cancelErr := e.Cancel(context.Background(), childID, "parent step cancelled"); cancelErr != nil {
				e.log.Debug("sub-workflow cancel on teardown", "instance_id", childID, "error", cancelErr)
			}
			return StepResult{Status: models.StepCancelled, Error: "sub-workflow wait cancelled"}
		case <-ticker.C:
		}

		current, err := e.store.GetInstance(ctx, childID)
		if err != nil {
			return failedResult("sub-workflow lookup failed: " + err.Error())
		}
		if !current.Status.Terminal() {
			continue
		}
		if current.Status == models.InstanceCompleted {
			return completedResult(current.Output)
		}
		msg := current.Error
		if msg == "" {
			msg = "sub-workflow ended " + string(current.Status)
		}
		return failedResult(msg)
	}
}

// runInline executes a branch-scoped step list with DAG ordering.
// Returns the last completed step's output.
func (e *Engine) runInline(ctx context.Context, r *instanceRun, steps []models.WorkflowStep, scope map[string]any, stepInstances map[string]*models.StepInstance) (any, error) {
	for i := range steps {
		if _, ok := stepInstances[steps[i].ID]; !ok {
			stepInstances[steps[i].ID] = &models.StepInstance{
				StepID: steps[i].ID,
				Status: models.StepPending,
			}
		}
	}

	var lastOutput any
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("branch cancelled: %w", err)
		}

		progressed := false
		allDone := true
		for i := range steps {
			step := &steps[i]
			csi := stepInstances[step.ID]
			if csi.Status.Terminal() {
				continue
			}
			allDone = false

			ready, blocked := branchDepState(step, stepInstances)
			if blocked {
				csi.Status = models.StepSkipped
				progressed = true
				continue
			}
			if !ready {
				csi.Status = models.StepWaitingForDependencies
				continue
			}

			ok, err := e.eval.EvalBool(step.Condition, scope)
			if err != nil {
				return nil, fmt.Errorf("step %s condition: %w", step.ID, err)
			}
			if !ok {
				csi.Status = models.StepSkipped
				progressed = true
				continue
			}

			now := time.Now().UTC()
			csi.Status = models.StepRunning
			csi.StartedAt = &now
			result := e.executeStep(ctx, r, step, csi, scope, true)

			done := time.Now().UTC()
			csi.CompletedAt = &done
			csi.Output = result.Output
			csi.Error = result.Error
			csi.Status = result.Status
			progressed = true

			switch result.Status {
			case models.StepCompleted:
				if step.OutputVariable != "" {
					scope[step.OutputVariable] = result.Output
				}
				lastOutput = result.Output
			case models.StepSkipped, models.StepCancelled:
			default:
				if !step.ContinueOnError {
					return nil, fmt.Errorf("step %s failed: %s", step.ID, result.Error)
				}
			}
		}

		if allDone {
			return lastOutput, nil
		}
		if !progressed {
			return nil, fmt.Errorf("branch steps deadlocked on dependencies")
		}
	}
}

func branchDepState(step *models.WorkflowStep, stepInstances map[string]*models.StepInstance) (bool, bool) {
	for _, dep := range step.DependsOn {
		ds, ok := stepInstances[dep]
		if !ok {
			return false, true
		}
		if ds.Status.Satisfied() {
			continue
		}
		if ds.Status.Terminal() {
			return false, true
		}
		return false, false
	}
	return true, false
}
