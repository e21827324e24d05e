package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/orbitmesh/orbitmesh/cmd/host/workflow"
	"github.com/orbitmesh/orbitmesh/common/logger"
	"github.com/orbitmesh/orbitmesh/common/models"
	"github.com/orbitmesh/orbitmesh/common/oerr"
	"github.com/orbitmesh/orbitmesh/common/ratelimit"
)

// WebhookSecretHeader authenticates webhook deliveries.
const WebhookSecretHeader = "X-Webhook-Secret"

// Registration binds one trigger to a workflow definition version.
type Registration struct {
	Trigger    models.Trigger
	WorkflowID string
	Version    string
}

// Service indexes trigger registrations and starts workflow instances
// from events, webhooks and manual requests. Webhook paths are indexed
// upper-cased so lookups are case-insensitive.
type Service struct {
	engine     *workflow.Engine
	defs       workflow.DefinitionStore
	eval       *workflow.Evaluator
	limiter    *ratelimit.Limiter
	rateLimit  int64
	rateWindow int
	log        *logger.Logger

	mu         sync.RWMutex
	byWorkflow map[string][]*Registration
	byEvent    map[string][]*Registration
	byWebhook  map[string][]*Registration
	schemas    map[string]*jsonschema.Schema
}

// New creates a trigger service. limiter may be nil to disable webhook
// rate limiting; rateLimit requests per rateWindow seconds apply per
// webhook path.
func New(engine *workflow.Engine, defs workflow.DefinitionStore, limiter *ratelimit.Limiter, rateLimit int64, rateWindow int, log *logger.Logger) (*Service, error) {
	eval, err := workflow.NewEvaluator()
	if err != nil {
		return nil, err
	}
	if rateLimit <= 0 {
		rateLimit = 60
	}
	if rateWindow <= 0 {
		rateWindow = 60
	}
	return &Service{
		engine:     engine,
		defs:       defs,
		eval:       eval,
		limiter:    limiter,
		rateLimit:  rateLimit,
		rateWindow: rateWindow,
		log:        log,
		byWorkflow: make(map[string][]*Registration),
		byEvent:    make(map[string][]*Registration),
		byWebhook:  make(map[string][]*Registration),
		schemas:    make(map[string]*jsonschema.Schema),
	}, nil
}

// Activate registers every trigger of a workflow definition.
func (s *Service) Activate(def *models.WorkflowDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := workflowKey(def.ID, def.Version)
	s.removeLocked(key)

	for _, t := range def.Triggers {
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		reg := &Registration{Trigger: t, WorkflowID: def.ID, Version: def.Version}
		s.byWorkflow[key] = append(s.byWorkflow[key], reg)

		switch t.Type {
		case models.TriggerEvent, models.TriggerSchedule:
			if t.EventType != "" {
				s.byEvent[t.EventType] = append(s.byEvent[t.EventType], reg)
			}
		case models.TriggerWebhook:
			if t.WebhookPath != "" {
				path := strings.ToUpper(t.WebhookPath)
				s.byWebhook[path] = append(s.byWebhook[path], reg)
			}
		}
	}

	s.log.Info("triggers activated", "workflow_id", def.ID, "version", def.Version, "count", len(def.Triggers))
}

// Deactivate removes every registration for a workflow version.
func (s *Service) Deactivate(workflowID, version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(workflowKey(workflowID, version))
}

func (s *Service) removeLocked(key string) {
	regs := s.byWorkflow[key]
	if len(regs) == 0 {
		return
	}
	delete(s.byWorkflow, key)

	drop := make(map[*Registration]struct{}, len(regs))
	for _, r := range regs {
		drop[r] = struct{}{}
	}
	for event, list := range s.byEvent {
		s.byEvent[event] = filterRegs(list, drop)
		if len(s.byEvent[event]) == 0 {
			delete(s.byEvent, event)
		}
	}
	for path, list := range s.byWebhook {
		s.byWebhook[path] = filterRegs(list, drop)
		if len(s.byWebhook[path]) == 0 {
			delete(s.byWebhook, path)
		}
	}
}

func filterRegs(list []*Registration, drop map[*Registration]struct{}) []*Registration {
	out := list[:0]
	for _, r := range list {
		if _, gone := drop[r]; !gone {
			out = append(out, r)
		}
	}
	return out
}

// Registrations returns the registrations for a workflow version.
func (s *Service) Registrations(workflowID, version string) []*Registration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	regs := s.byWorkflow[workflowKey(workflowID, version)]
	out := make([]*Registration, len(regs))
	copy(out, regs)
	return out
}

// ProcessEvent starts a workflow instance for every enabled matching
// registration and unparks any steps waiting on the event type.
// Returns the started instance ids.
func (s *Service) ProcessEvent(ctx context.Context, eventType string, data map[string]any) ([]string, error) {
	s.mu.RLock()
	regs := make([]*Registration, len(s.byEvent[eventType]))
	copy(regs, s.byEvent[eventType])
	s.mu.RUnlock()

	started := make([]string, 0)
	for _, reg := range regs {
		id, err := s.fire(ctx, reg, eventType, data)
		if err != nil {
			s.log.Warn("trigger firing failed",
				"event_type", eventType,
				"workflow_id", reg.WorkflowID,
				"error", err)
			continue
		}
		if id != "" {
			started = append(started, id)
		}
	}

	if n := s.engine.DeliverEvent(eventType, data); n > 0 {
		s.log.Debug("event resumed waiting steps", "event_type", eventType, "steps", n)
	}
	return started, nil
}

// ProcessWebhook validates the method, secret and rate limit, then
// fires the registrations on the upper-cased path.
func (s *Service) ProcessWebhook(ctx context.Context, path, method string, body []byte, headers map[string]string) ([]string, error) {
	s.mu.RLock()
	regs := make([]*Registration, len(s.byWebhook[strings.ToUpper(path)]))
	copy(regs, s.byWebhook[strings.ToUpper(path)])
	s.mu.RUnlock()

	if len(regs) == 0 {
		return nil, oerr.Newf(oerr.NotFound, "no webhook registered at %s", path)
	}

	if s.limiter != nil {
		res, err := s.limiter.CheckWebhook(ctx, path, s.rateLimit, s.rateWindow)
		if err != nil {
			s.log.Warn("webhook rate limit check failed", "path", path, "error", err)
		} else if !res.Allowed {
			return nil, oerr.New(oerr.Policy, "webhook rate limit exceeded").WithCode("rate_limited")
		}
	}

	var data map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &data); err != nil {
			return nil, oerr.Wrap(oerr.Validation, err, "webhook body is not valid JSON")
		}
	}
	if data == nil {
		data = make(map[string]any)
	}

	started := make([]string, 0)
	var lastErr error
	for _, reg := range regs {
		if !methodAllowed(reg.Trigger.AllowedMethods, method) {
			lastErr = oerr.Newf(oerr.Validation, "method %s not allowed for webhook %s", method, path).WithCode("method_not_allowed")
			continue
		}
		if reg.Trigger.Secret != "" && headers[WebhookSecretHeader] != reg.Trigger.Secret {
			lastErr = oerr.New(oerr.Validation, "invalid webhook secret").WithCode("invalid_secret")
			continue
		}

		id, err := s.fire(ctx, reg, "webhook:"+path, data)
		if err != nil {
			lastErr = err
			continue
		}
		if id != "" {
			started = append(started, id)
		}
	}

	if len(started) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return started, nil
}

// TriggerManually validates the input against the manual trigger's
// schema and starts the workflow's latest version.
func (s *Service) TriggerManually(ctx context.Context, workflowID string, input map[string]any, initiatedBy string) (*models.WorkflowInstance, error) {
	def, err := s.defs.LatestDefinition(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !def.IsActive {
		return nil, oerr.Newf(oerr.Conflict, "workflow %s is not active", workflowID)
	}

	var manual *models.Trigger
	for i := range def.Triggers {
		if def.Triggers[i].Type == models.TriggerManual {
			manual = &def.Triggers[i]
			break
		}
	}

	triggerID := ""
	if manual != nil {
		triggerID = manual.ID
		if len(manual.InputSchema) > 0 {
			if err := s.validateInput(manual, input); err != nil {
				return nil, err
			}
		}
	}

	inst, err := s.engine.Start(ctx, def, input, workflow.StartOptions{
		TriggerID:     triggerID,
		TriggerType:   string(models.TriggerManual),
		CorrelationID: correlationID(input),
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("workflow triggered manually",
		"workflow_id", workflowID,
		"instance_id", inst.ID,
		"initiated_by", initiatedBy)
	return inst, nil
}

// fire applies the filter and input mapping, fetches the definition and
// starts an instance. Returns the empty string when the filter rejects
// the event.
func (s *Service) fire(ctx context.Context, reg *Registration, eventType string, data map[string]any) (string, error) {
	if !reg.Trigger.Enabled {
		return "", nil
	}

	if reg.Trigger.Filter != "" {
		ok, err := s.eval.EvalBool(reg.Trigger.Filter, data)
		if err != nil {
			return "", oerr.Wrap(oerr.Validation, err, "trigger filter error")
		}
		if !ok {
			return "", nil
		}
	}

	input := s.mapInput(reg.Trigger.InputMapping, data)

	def, err := s.defs.GetDefinition(ctx, reg.WorkflowID, reg.Version)
	if err != nil {
		return "", err
	}
	if !def.IsActive {
		return "", nil
	}

	inst, err := s.engine.Start(ctx, def, input, workflow.StartOptions{
		TriggerID:     reg.Trigger.ID,
		TriggerType:   string(reg.Trigger.Type),
		CorrelationID: correlationID(data),
	})
	if err != nil {
		return "", err
	}
	s.log.Info("trigger fired",
		"trigger_id", reg.Trigger.ID,
		"event_type", eventType,
		"workflow_id", reg.WorkflowID,
		"instance_id", inst.ID)
	return inst.ID, nil
}

// mapInput projects event payload paths into workflow input fields.
// Without a mapping the whole payload becomes the input.
func (s *Service) mapInput(mapping map[string]string, data map[string]any) map[string]any {
	if len(mapping) == 0 {
		return data
	}
	input := make(map[string]any, len(mapping))
	for field, path := range mapping {
		if v, ok := workflow.LookupPath(data, path); ok {
			input[field] = v
		}
	}
	return input
}

// validateInput checks manual trigger input against the JSON schema.
func (s *Service) validateInput(trigger *models.Trigger, input map[string]any) error {
	s.mu.Lock()
	schema, ok := s.schemas[trigger.ID]
	s.mu.Unlock()

	if !ok {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(trigger.InputSchema))
		if err != nil {
			return oerr.Wrap(oerr.Validation, err, "trigger input schema is invalid")
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("trigger://"+trigger.ID, doc); err != nil {
			return oerr.Wrap(oerr.Validation, err, "trigger input schema is invalid")
		}
		schema, err = compiler.Compile("trigger://" + trigger.ID)
		if err != nil {
			return oerr.Wrap(oerr.Validation, err, "trigger input schema is invalid")
		}
		s.mu.Lock()
		s.schemas[trigger.ID] = schema
		s.mu.Unlock()
	}

	// Round-trip through JSON so numeric types match what the schema
	// library expects.
	raw, err := json.Marshal(input)
	if err != nil {
		return oerr.Wrap(oerr.Validation, err, "input is not serialisable")
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return oerr.Wrap(oerr.Validation, err, "input is not valid JSON")
	}
	if err := schema.Validate(value); err != nil {
		return oerr.Wrap(oerr.Validation, err, "input does not match trigger schema")
	}
	return nil
}

func methodAllowed(allowed []string, method string) bool {
	if len(allowed) == 0 {
		return strings.EqualFold(method, "POST")
	}
	for _, m := range allowed {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

func correlationID(data map[string]any) string {
	if v, ok := data["correlation_id"].(string); ok {
		return v
	}
	return ""
}

func workflowKey(id, version string) string {
	return id + "@" + version
}
