package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/orbitmesh/orbitmesh/common/models"
	"github.com/orbitmesh/orbitmesh/common/oerr"
)

type signalKind int

const (
	sigStepDone signalKind = iota
	sigRetry
	sigKick
)

type signal struct {
	kind   signalKind
	stepID string
	result StepResult
}

// instanceRun drives one workflow instance. The loop goroutine is the
// single writer of step decisions; executors run in child goroutines
// and report back through the signals channel.
type instanceRun struct {
	engine  *Engine
	def     *models.WorkflowDefinition
	inst    *models.WorkflowInstance
	mu      sync.Mutex
	signals chan signal
	ctx     context.Context
	cancel  context.CancelFunc

	lastOutput      any
	completionOrder []string
	inFlight        map[string]struct{}
}

func (r *instanceRun) loop() {
	defer r.cancel()

	var timeoutC <-chan time.Time
	if r.def.Timeout > 0 {
		t := time.NewTimer(r.def.Timeout)
		defer t.Stop()
		timeoutC = t.C
	}

	for {
		if r.schedule() {
			return
		}
		select {
		case sig := <-r.signals:
			r.apply(sig)
		case <-timeoutC:
			r.terminate(models.InstanceTimedOut, "workflow instance timed out")
		case <-r.ctx.Done():
			if r.schedule() {
				return
			}
		}
	}
}

// schedule launches every ready step and recomputes the instance
// status. Returns true once the instance is finalized.
func (r *instanceRun) schedule() bool {
	r.mu.Lock()
	if r.inst.Status.Terminal() {
		r.mu.Unlock()
		r.finalize()
		return true
	}

	allTerminal := true
	anyRunning := false
	anyWaiting := false
	launch := make([]*models.WorkflowStep, 0)
	type conditionFailure struct {
		step *models.WorkflowStep
		msg  string
	}
	condFailures := make([]conditionFailure, 0)

	for i := range r.def.Steps {
		step := &r.def.Steps[i]
		si := r.inst.StepInstances[step.ID]

		switch si.Status {
		case models.StepPending, models.StepWaitingForDependencies:
			ready, blocked := r.depStateLocked(step)
			if blocked {
				// An upstream step terminally failed to satisfy; this
				// step can never run.
				si.Status = models.StepSkipped
				continue
			}
			if !ready {
				allTerminal = false
				si.Status = models.StepWaitingForDependencies
				continue
			}

			ok, err := r.engine.eval.EvalBool(step.Condition, r.inst.Variables)
			if err != nil {
				now := time.Now().UTC()
				si.Status = models.StepFailed
				si.Error = "condition error: " + err.Error()
				si.CompletedAt = &now
				condFailures = append(condFailures, conditionFailure{step: step, msg: si.Error})
				allTerminal = false
				continue
			}
			if !ok {
				si.Status = models.StepSkipped
				continue
			}

			now := time.Now().UTC()
			si.Status = models.StepRunning
			si.StartedAt = &now
			r.inFlight[step.ID] = struct{}{}
			launch = append(launch, step)
			allTerminal = false
			anyRunning = true

		case models.StepRunning, models.StepCompensating:
			allTerminal = false
			anyRunning = true
		case models.StepWaitingForEvent, models.StepWaitingForApproval:
			allTerminal = false
			anyWaiting = true
		}
	}

	if len(condFailures) > 0 {
		r.mu.Unlock()
		for _, step := range launch {
			go r.execute(step)
		}
		for _, f := range condFailures {
			r.handleFailure(f.step, f.msg, false)
		}
		r.persist()
		// Re-run the scheduler so the failure outcome is folded in.
		select {
		case r.signals <- signal{kind: sigKick}:
		default:
		}
		return false
	}

	if allTerminal {
		now := time.Now().UTC()
		r.inst.Status = models.InstanceCompleted
		r.inst.CompletedAt = &now
		r.inst.Output = r.outputLocked()
		r.mu.Unlock()
		r.finalize()
		return true
	}

	if anyRunning {
		r.inst.Status = models.InstanceRunning
	} else if anyWaiting {
		r.inst.Status = models.InstancePaused
	} else {
		// Nothing runnable and nothing in flight.
		now := time.Now().UTC()
		r.inst.Status = models.InstanceFailed
		r.inst.Error = "no runnable steps remain"
		r.inst.CompletedAt = &now
		r.mu.Unlock()
		r.finalize()
		return true
	}
	r.mu.Unlock()

	for _, step := range launch {
		go r.execute(step)
	}
	for _, f := range condFailures {
		r.handleFailure(f.step, f.msg, false)
	}
	r.persist()
	return false
}

// depStateLocked reports (ready, blocked) for a step's dependencies.
func (r *instanceRun) depStateLocked(step *models.WorkflowStep) (bool, bool) {
	for _, dep := range step.DependsOn {
		ds := r.inst.StepInstances[dep]
		if ds == nil {
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

func (r *instanceRun) execute(step *models.WorkflowStep) {
	defer func() {
		r.mu.Lock()
		delete(r.inFlight, step.ID)
		r.mu.Unlock()
	}()

	r.mu.Lock()
	si := r.inst.StepInstances[step.ID]
	scope := cloneScope(r.inst.Variables)
	r.mu.Unlock()

	r.engine.emit(models.EventWorkflowStepStarted, r.snapshot(), step.ID)

	ctx := r.ctx
	var cancel context.CancelFunc
	if step.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	result := r.engine.executeStep(ctx, r, step, si, scope, false)

	select {
	case r.signals <- signal{kind: sigStepDone, stepID: step.ID, result: result}:
	case <-r.ctx.Done():
	}
}

func (r *instanceRun) apply(sig signal) {
	switch sig.kind {
	case sigRetry:
		r.mu.Lock()
		if si := r.inst.StepInstances[sig.stepID]; si != nil && si.Status == models.StepRunning {
			si.Status = models.StepPending
		}
		r.mu.Unlock()
	case sigStepDone:
		r.applyStepResult(sig.stepID, sig.result)
	}
}

func (r *instanceRun) applyStepResult(stepID string, result StepResult) {
	step := r.def.Step(stepID)
	if step == nil {
		return
	}

	r.mu.Lock()
	si := r.inst.StepInstances[stepID]
	if si == nil || si.Status.Terminal() {
		r.mu.Unlock()
		return
	}

	now := time.Now().UTC()
	switch result.Status {
	case models.StepCompleted:
		si.Status = models.StepCompleted
		si.CompletedAt = &now
		si.Output = result.Output
		si.Error = ""
		if step.OutputVariable != "" {
			r.inst.Variables[step.OutputVariable] = result.Output
		}
		r.lastOutput = result.Output
		r.completionOrder = append(r.completionOrder, stepID)
		r.mu.Unlock()
		r.engine.emit(models.EventWorkflowStepCompleted, r.snapshot(), stepID)

	case models.StepWaitingForEvent, models.StepWaitingForApproval:
		si.Status = result.Status
		r.mu.Unlock()

	case models.StepSkipped:
		si.Status = models.StepSkipped
		si.CompletedAt = &now
		r.mu.Unlock()

	case models.StepCancelled:
		si.Status = models.StepCancelled
		si.Error = result.Error
		si.CompletedAt = &now
		r.mu.Unlock()

	default:
		r.mu.Unlock()
		r.handleFailure(step, result.Error, true)
	}
}

// handleFailure applies step retries and, once exhausted, the
// workflow's error strategy.
func (r *instanceRun) handleFailure(step *models.WorkflowStep, errMsg string, retryable bool) {
	r.mu.Lock()
	si := r.inst.StepInstances[step.ID]
	if si == nil {
		r.mu.Unlock()
		return
	}

	if retryable && si.RetryCount < step.MaxRetries {
		si.RetryCount++
		si.Error = errMsg
		delay := step.RetryDelay
		retryCount := si.RetryCount
		r.mu.Unlock()

		if delay <= 0 {
			delay = time.Millisecond
		}
		r.engine.log.Info("step retry scheduled",
			"instance_id", r.inst.ID,
			"step_id", step.ID,
			"retry", retryCount,
			"delay", delay)
		stepID := step.ID
		time.AfterFunc(delay, func() {
			select {
			case r.signals <- signal{kind: sigRetry, stepID: stepID}:
			case <-r.ctx.Done():
			}
		})
		return
	}

	now := time.Now().UTC()
	si.Status = models.StepFailed
	si.Error = errMsg
	si.CompletedAt = &now
	tolerated := step.ContinueOnError || r.def.ErrorStrategy == models.ContinueOnError
	strategy := r.def.ErrorStrategy
	r.mu.Unlock()

	r.engine.log.Warn("workflow step failed",
		"instance_id", r.inst.ID,
		"step_id", step.ID,
		"error", errMsg,
		"tolerated", tolerated)

	if tolerated {
		return
	}
	switch strategy {
	case models.Compensate:
		r.compensate(errMsg)
	default:
		r.terminate(models.InstanceFailed, errMsg)
	}
}

// compensate runs each completed step's compensation in reverse
// completion order, then fails the instance.
func (r *instanceRun) compensate(errMsg string) {
	r.mu.Lock()
	r.inst.Status = models.InstanceCompensating
	order := make([]string, len(r.completionOrder))
	copy(order, r.completionOrder)
	r.mu.Unlock()
	r.persist()

	for i := len(order) - 1; i >= 0; i-- {
		stepID := order[i]
		step := r.def.Step(stepID)
		if step == nil || step.Compensation == nil {
			continue
		}

		r.mu.Lock()
		si := r.inst.StepInstances[stepID]
		si.Status = models.StepCompensating
		scope := cloneScope(r.inst.Variables)
		r.mu.Unlock()

		now := time.Now().UTC()
		csi := &models.StepInstance{
			StepID:    step.Compensation.ID,
			Status:    models.StepRunning,
			StartedAt: &now,
		}
		result := r.engine.executeStep(r.ctx, r, step.Compensation, csi, scope, true)

		done := time.Now().UTC()
		csi.CompletedAt = &done
		csi.Output = result.Output
		csi.Error = result.Error
		parentStatus := models.StepCompensated
		if result.Status == models.StepCompleted {
			csi.Status = models.StepCompleted
		} else {
			csi.Status = models.StepFailed
			parentStatus = models.StepCompensationFailed
			r.engine.log.Error("compensation step failed",
				"instance_id", r.inst.ID,
				"step_id", stepID,
				"error", result.Error)
		}

		r.mu.Lock()
		si.Compensation = csi
		si.Status = parentStatus
		if parentStatus == models.StepCompensationFailed {
			si.Error = "compensation failed: " + result.Error
		}
		r.mu.Unlock()
	}

	r.terminate(models.InstanceFailed, errMsg)
}

// terminate moves the instance to a terminal status, cancelling every
// non-terminal step, their jobs and sub-workflow instances.
func (r *instanceRun) terminate(status models.InstanceStatus, reason string) {
	r.mu.Lock()
	if r.inst.Status.Terminal() {
		r.mu.Unlock()
		return
	}

	now := time.Now().UTC()
	r.inst.Status = status
	r.inst.Error = reason
	r.inst.CompletedAt = &now

	jobIDs := make([]string, 0)
	children := make([]string, 0)
	for _, si := range r.inst.StepInstances {
		if si.Status.Terminal() {
			continue
		}
		si.Status = models.StepCancelled
		si.Error = reason
		si.CompletedAt = &now
		if si.JobID != "" {
			jobIDs = append(jobIDs, si.JobID)
		}
		if si.SubWorkflowInstanceID != "" {
			children = append(children, si.SubWorkflowInstanceID)
		}
	}
	r.mu.Unlock()

	for _, jobID := range jobIDs {
		if err := r.engine.jobs.Cancel(context.Background(), jobID, reason); err != nil {
			r.engine.log.Debug("job cancellation during terminate", "job_id", jobID, "error", err)
		}
	}
	for _, child := range children {
		if err := r.engine.Cancel(context.Background(), child, reason); err != nil {
			r.engine.log.Debug("sub-workflow cancellation", "instance_id", child, "error", err)
		}
	}

	r.cancel()
	// Wake the loop if it is parked on the signals channel.
	select {
	case r.signals <- signal{kind: sigKick}:
	default:
	}
}

// finalize persists the terminal instance and tears the run down.
func (r *instanceRun) finalize() {
	r.persist()
	r.engine.removeRun(r.inst.ID)

	snapshot := r.snapshot()
	switch snapshot.Status {
	case models.InstanceCompleted:
		r.engine.emit(models.EventWorkflowInstanceCompleted, snapshot, "")
	default:
		r.engine.emit(models.EventWorkflowInstanceFailed, snapshot, "")
	}
	r.engine.log.Info("workflow instance finished",
		"instance_id", snapshot.ID,
		"workflow_id", snapshot.WorkflowID,
		"status", snapshot.Status)
}

// resume completes a step parked in the expected waiting status.
func (r *instanceRun) resume(stepID string, expected models.StepStatus, result StepResult) error {
	r.mu.Lock()
	si := r.inst.StepInstances[stepID]
	if si == nil {
		r.mu.Unlock()
		return oerr.Newf(oerr.NotFound, "step %s not found on instance %s", stepID, r.inst.ID)
	}
	if si.Status != expected {
		r.mu.Unlock()
		return oerr.Newf(oerr.Conflict, "step %s is %s, not %s", stepID, si.Status, expected)
	}
	r.mu.Unlock()

	select {
	case r.signals <- signal{kind: sigStepDone, stepID: stepID, result: result}:
		return nil
	case <-r.ctx.Done():
		return oerr.Newf(oerr.Conflict, "instance %s is no longer running", r.inst.ID)
	}
}

// approve records a decision on a top-level approval step.
func (r *instanceRun) approve(stepID string, decision models.ApprovalDecision) error {
	step := r.def.Step(stepID)
	if step == nil || step.Config.Approval == nil {
		return oerr.Newf(oerr.NotFound, "step %s is not an approval step", stepID)
	}
	cfg := step.Config.Approval

	r.mu.Lock()
	si := r.inst.StepInstances[stepID]
	if si == nil || si.Status != models.StepWaitingForApproval {
		r.mu.Unlock()
		return oerr.Newf(oerr.NotFound, "no approval pending on step %s", stepID)
	}
	si.Approvals = append(si.Approvals, decision)
	approvals := make([]models.ApprovalDecision, len(si.Approvals))
	copy(approvals, si.Approvals)
	r.mu.Unlock()

	if !decision.Approved {
		return r.resume(stepID, models.StepWaitingForApproval,
			failedResult("approval rejected by "+decision.Approver))
	}

	required := cfg.RequiredApprovals
	if required <= 0 {
		required = 1
	}
	approved := 0
	for _, a := range approvals {
		if a.Approved {
			approved++
		}
	}
	if approved >= required {
		return r.resume(stepID, models.StepWaitingForApproval, completedResult(approvals))
	}
	return nil
}

// deliverEvent completes every top-level step waiting on the event
// type, honouring the correlation key.
func (r *instanceRun) deliverEvent(eventType string, payload map[string]any) int {
	r.mu.Lock()
	matched := make([]string, 0)
	for _, step := range r.def.Steps {
		cfg := step.Config.WaitForEvent
		if cfg == nil || cfg.EventType != eventType {
			continue
		}
		si := r.inst.StepInstances[step.ID]
		if si == nil || si.Status != models.StepWaitingForEvent {
			continue
		}
		if cfg.CorrelationKey != "" {
			v, ok := lookupVar(payload, cfg.CorrelationKey)
			if !ok || v != r.inst.CorrelationID {
				continue
			}
		}
		matched = append(matched, step.ID)
	}
	r.mu.Unlock()

	for _, stepID := range matched {
		if err := r.resume(stepID, models.StepWaitingForEvent, completedResult(payload)); err != nil {
			r.engine.log.Debug("event resume skipped", "instance_id", r.inst.ID, "step_id", stepID, "error", err)
		}
	}
	return len(matched)
}

// outputLocked derives the instance output: the `output` variable when
// set, otherwise the last completed step's output.
func (r *instanceRun) outputLocked() any {
	if out, ok := r.inst.Variables["output"]; ok {
		return out
	}
	return r.lastOutput
}

// setStep mutates a step instance under the run lock. Safe for both
// top-level and branch step instances.
func (r *instanceRun) setStep(si *models.StepInstance, fn func(*models.StepInstance)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(si)
}

func (r *instanceRun) persist() {
	snapshot := r.snapshot()
	if err := r.engine.store.SaveInstance(context.Background(), snapshot); err != nil {
		r.engine.log.Error("instance persistence failed", "instance_id", snapshot.ID, "error", err)
	}
}

// snapshot deep-copies the instance for persistence and event payloads.
func (r *instanceRun) snapshot() *models.WorkflowInstance {
	r.mu.Lock()
	defer r.mu.Unlock()

	copyInst := *r.inst
	copyInst.Variables = make(map[string]any, len(r.inst.Variables))
	for k, v := range r.inst.Variables {
		copyInst.Variables[k] = v
	}
	copyInst.StepInstances = make(map[string]*models.StepInstance, len(r.inst.StepInstances))
	for id, si := range r.inst.StepInstances {
		copySI := *si
		copyInst.StepInstances[id] = &copySI
	}
	return &copyInst
}
