package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitmesh/orbitmesh/cmd/host/jobs"
	"github.com/orbitmesh/orbitmesh/cmd/host/workflow"
	"github.com/orbitmesh/orbitmesh/common/logger"
	"github.com/orbitmesh/orbitmesh/common/models"
	"github.com/orbitmesh/orbitmesh/common/oerr"
)

func newTestService(t *testing.T) (*Service, *workflow.Engine, workflow.DefinitionStore) {
	t.Helper()

	mgr := jobs.NewManager(jobs.Options{AckDeadline: time.Second, Logger: logger.Discard()})
	defs := workflow.NewMemoryDefinitionStore()
	engine, err := workflow.NewEngine(workflow.Options{
		Definitions:  defs,
		Instances:    workflow.NewMemoryInstanceStore(),
		Jobs:         mgr,
		Logger:       logger.Discard(),
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	svc, err := New(engine, defs, nil, 0, 0, logger.Discard())
	require.NoError(t, err)
	return svc, engine, defs
}

// saveDef stores a single-step active definition carrying the given triggers.
func saveDef(t *testing.T, defs workflow.DefinitionStore, id string, active bool, triggers ...models.Trigger) *models.WorkflowDefinition {
	t.Helper()

	def := &models.WorkflowDefinition{
		ID:       id,
		Version:  "1",
		IsActive: active,
		Triggers: triggers,
		Steps: []models.WorkflowStep{{
			ID:     "noop",
			Type:   models.StepTransform,
			Config: models.StepConfig{Transform: &models.TransformStepConfig{Expression: "1"}},
		}},
	}
	require.NoError(t, defs.SaveDefinition(context.Background(), def))
	return def
}

func TestWebhookPathIsCaseInsensitive(t *testing.T) {
	svc, _, defs := newTestService(t)
	def := saveDef(t, defs, "hooked", true, models.Trigger{
		ID:          "t1",
		Type:        models.TriggerWebhook,
		WebhookPath: "/hooks/Deploy",
		Enabled:     true,
	})
	svc.Activate(def)

	started, err := svc.ProcessWebhook(context.Background(), "/HOOKS/DEPLOY", "POST", []byte(`{"ref": "main"}`), nil)
	require.NoError(t, err)
	require.Len(t, started, 1)

	started, err = svc.ProcessWebhook(context.Background(), "/hooks/deploy", "POST", nil, nil)
	require.NoError(t, err)
	require.Len(t, started, 1)
}

func TestWebhookUnknownPath(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.ProcessWebhook(context.Background(), "/nowhere", "POST", nil, nil)
	require.Error(t, err)
	assert.True(t, oerr.Is(err, oerr.NotFound))
}

func TestWebhookSecretMismatch(t *testing.T) {
	svc, _, defs := newTestService(t)
	def := saveDef(t, defs, "secure", true, models.Trigger{
		ID:          "t1",
		Type:        models.TriggerWebhook,
		WebhookPath: "/hooks/secure",
		Secret:      "s3cret",
		Enabled:     true,
	})
	svc.Activate(def)

	_, err := svc.ProcessWebhook(context.Background(), "/hooks/secure", "POST", nil,
		map[string]string{WebhookSecretHeader: "wrong"})
	require.Error(t, err)
	assert.Equal(t, "invalid_secret", oerr.CodeOf(err))

	started, err := svc.ProcessWebhook(context.Background(), "/hooks/secure", "POST", nil,
		map[string]string{WebhookSecretHeader: "s3cret"})
	require.NoError(t, err)
	require.Len(t, started, 1)
}

func TestWebhookMethodDefaultsToPost(t *testing.T) {
	svc, _, defs := newTestService(t)
	def := saveDef(t, defs, "posted", true, models.Trigger{
		ID:          "t1",
		Type:        models.TriggerWebhook,
		WebhookPath: "/hooks/posted",
		Enabled:     true,
	})
	svc.Activate(def)

	_, err := svc.ProcessWebhook(context.Background(), "/hooks/posted", "GET", nil, nil)
	require.Error(t, err)
	assert.Equal(t, "method_not_allowed", oerr.CodeOf(err))
}

func TestWebhookAllowedMethods(t *testing.T) {
	svc, _, defs := newTestService(t)
	def := saveDef(t, defs, "puttable", true, models.Trigger{
		ID:             "t1",
		Type:           models.TriggerWebhook,
		WebhookPath:    "/hooks/put",
		AllowedMethods: []string{"PUT"},
		Enabled:        true,
	})
	svc.Activate(def)

	started, err := svc.ProcessWebhook(context.Background(), "/hooks/put", "put", nil, nil)
	require.NoError(t, err)
	require.Len(t, started, 1)

	_, err = svc.ProcessWebhook(context.Background(), "/hooks/put", "POST", nil, nil)
	assert.Equal(t, "method_not_allowed", oerr.CodeOf(err))
}

func TestWebhookRejectsMalformedBody(t *testing.T) {
	svc, _, defs := newTestService(t)
	def := saveDef(t, defs, "strict", true, models.Trigger{
		ID:          "t1",
		Type:        models.TriggerWebhook,
		WebhookPath: "/hooks/strict",
		Enabled:     true,
	})
	svc.Activate(def)

	_, err := svc.ProcessWebhook(context.Background(), "/hooks/strict", "POST", []byte("{not json"), nil)
	require.Error(t, err)
	assert.True(t, oerr.Is(err, oerr.Validation))
}

func TestEventFilterGatesFiring(t *testing.T) {
	svc, _, defs := newTestService(t)
	def := saveDef(t, defs, "filtered", true, models.Trigger{
		ID:        "t1",
		Type:      models.TriggerEvent,
		EventType: "build.finished",
		Filter:    `status == "ok"`,
		Enabled:   true,
	})
	svc.Activate(def)

	started, err := svc.ProcessEvent(context.Background(), "build.finished", map[string]any{"status": "failed"})
	require.NoError(t, err)
	assert.Empty(t, started)

	started, err = svc.ProcessEvent(context.Background(), "build.finished", map[string]any{"status": "ok"})
	require.NoError(t, err)
	assert.Len(t, started, 1)
}

func TestEventIgnoresInactiveDefinition(t *testing.T) {
	svc, _, defs := newTestService(t)
	def := saveDef(t, defs, "dormant", false, models.Trigger{
		ID:        "t1",
		Type:      models.TriggerEvent,
		EventType: "ping",
		Enabled:   true,
	})
	svc.Activate(def)

	started, err := svc.ProcessEvent(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Empty(t, started)
}

func TestEventIgnoresDisabledTrigger(t *testing.T) {
	svc, _, defs := newTestService(t)
	def := saveDef(t, defs, "off", true, models.Trigger{
		ID:        "t1",
		Type:      models.TriggerEvent,
		EventType: "ping",
		Enabled:   false,
	})
	svc.Activate(def)

	started, err := svc.ProcessEvent(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Empty(t, started)
}

func TestDeactivateRemovesRegistrations(t *testing.T) {
	svc, _, defs := newTestService(t)
	def := saveDef(t, defs, "gone", true, models.Trigger{
		ID:          "t1",
		Type:        models.TriggerWebhook,
		WebhookPath: "/hooks/gone",
		Enabled:     true,
	})
	svc.Activate(def)
	require.Len(t, svc.Registrations("gone", "1"), 1)

	svc.Deactivate("gone", "1")
	assert.Empty(t, svc.Registrations("gone", "1"))

	_, err := svc.ProcessWebhook(context.Background(), "/hooks/gone", "POST", nil, nil)
	assert.True(t, oerr.Is(err, oerr.NotFound))
}

func TestInputMappingProjectsPayload(t *testing.T) {
	svc, engine, defs := newTestService(t)
	def := saveDef(t, defs, "mapped", true, models.Trigger{
		ID:        "t1",
		Type:      models.TriggerEvent,
		EventType: "push",
		InputMapping: map[string]string{
			"branch": "ref.name",
		},
		Enabled: true,
	})
	svc.Activate(def)

	started, err := svc.ProcessEvent(context.Background(), "push", map[string]any{
		"ref":   map[string]any{"name": "main"},
		"noise": "ignored",
	})
	require.NoError(t, err)
	require.Len(t, started, 1)

	inst, err := engine.GetInstance(context.Background(), started[0])
	require.NoError(t, err)
	assert.Equal(t, "main", inst.Variables["branch"])
	assert.NotContains(t, inst.Variables, "noise")
}

func TestTriggerManuallyValidatesSchema(t *testing.T) {
	svc, _, defs := newTestService(t)
	saveDef(t, defs, "manual", true, models.Trigger{
		ID:      "t1",
		Type:    models.TriggerManual,
		Enabled: true,
		InputSchema: []byte(`{
			"type": "object",
			"required": ["env"],
			"properties": {"env": {"type": "string", "enum": ["staging", "prod"]}}
		}`),
	})

	_, err := svc.TriggerManually(context.Background(), "manual", map[string]any{"env": "dev"}, "alice")
	require.Error(t, err)
	assert.True(t, oerr.Is(err, oerr.Validation))

	_, err = svc.TriggerManually(context.Background(), "manual", nil, "alice")
	require.Error(t, err, "required field missing")

	inst, err := svc.TriggerManually(context.Background(), "manual", map[string]any{"env": "prod"}, "alice")
	require.NoError(t, err)
	assert.Equal(t, string(models.TriggerManual), inst.TriggerType)
}

func TestTriggerManuallyRequiresActiveDefinition(t *testing.T) {
	svc, _, defs := newTestService(t)
	saveDef(t, defs, "parked", false)

	_, err := svc.TriggerManually(context.Background(), "parked", nil, "alice")
	require.Error(t, err)
	assert.True(t, oerr.Is(err, oerr.Conflict))
}
