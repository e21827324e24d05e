package models

import (
	"encoding/json"
)

// TriggerType discriminates how a workflow is started.
type TriggerType string

const (
	TriggerEvent    TriggerType = "event"
	TriggerWebhook  TriggerType = "webhook"
	TriggerSchedule TriggerType = "schedule"
	TriggerManual   TriggerType = "manual"
)

// Trigger is a registration that starts a workflow from the outside.
type Trigger struct {
	ID   string      `json:"id"`
	Type TriggerType `json:"type"`

	// Event triggers
	EventType string `json:"event_type,omitempty"`

	// Webhook triggers
	WebhookPath    string   `json:"webhook_path,omitempty"`
	AllowedMethods []string `json:"allowed_methods,omitempty"`
	Secret         string   `json:"secret,omitempty"`

	// Schedule triggers fire through the external scheduler, which calls
	// ProcessEvent with a synthetic event carrying this expression.
	Schedule string `json:"schedule,omitempty"`

	// Filter is an optional boolean expression over the event payload.
	Filter string `json:"filter,omitempty"`

	// InputMapping maps workflow input fields to event payload paths.
	InputMapping map[string]string `json:"input_mapping,omitempty"`

	// InputSchema validates manual trigger input (JSON Schema document).
	InputSchema json.RawMessage `json:"input_schema,omitempty"`

	Enabled bool `json:"enabled"`
}
