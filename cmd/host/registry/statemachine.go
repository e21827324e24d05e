package registry

import (
	"github.com/orbitmesh/orbitmesh/common/models"
	"github.com/orbitmesh/orbitmesh/common/oerr"
)

// Trigger names a node lifecycle transition cause.
type Trigger string

const (
	TriggerInitialize  Trigger = "initialize"
	TriggerConnect     Trigger = "connect"
	TriggerFault       Trigger = "fault"
	TriggerDisconnect  Trigger = "disconnect"
	TriggerStartJob    Trigger = "start_job"
	TriggerCompleteJob Trigger = "complete_job"
	TriggerPause       Trigger = "pause"
	TriggerResume      Trigger = "resume"
	TriggerStop        Trigger = "stop"
	TriggerStopped     Trigger = "stopped"
	TriggerRecover     Trigger = "recover"
	TriggerReconnect   Trigger = "reconnect"
)

// transitions is the guarded node lifecycle table. A missing entry means
// the trigger is illegal in that state and the state is left unchanged.
var transitions = map[models.AgentStatus]map[Trigger]models.AgentStatus{
	models.AgentCreated: {
		TriggerInitialize: models.AgentInitializing,
	},
	models.AgentInitializing: {
		TriggerConnect:    models.AgentReady,
		TriggerFault:      models.AgentFaulted,
		TriggerDisconnect: models.AgentDisconnected,
	},
	models.AgentReady: {
		TriggerStartJob:   models.AgentRunning,
		TriggerPause:      models.AgentPaused,
		TriggerStop:       models.AgentStopping,
		TriggerDisconnect: models.AgentDisconnected,
		TriggerFault:      models.AgentFaulted,
	},
	models.AgentRunning: {
		TriggerCompleteJob: models.AgentReady,
		TriggerPause:       models.AgentPaused,
		TriggerStop:        models.AgentStopping,
		TriggerDisconnect:  models.AgentDisconnected,
		TriggerFault:       models.AgentFaulted,
	},
	models.AgentPaused: {
		TriggerResume:     models.AgentReady,
		TriggerStop:       models.AgentStopping,
		TriggerDisconnect: models.AgentDisconnected,
		TriggerFault:      models.AgentFaulted,
	},
	models.AgentStopping: {
		TriggerStopped:    models.AgentStopped,
		TriggerDisconnect: models.AgentDisconnected,
		TriggerFault:      models.AgentFaulted,
	},
	models.AgentStopped: {
		TriggerInitialize: models.AgentInitializing,
	},
	models.AgentFaulted: {
		TriggerRecover:    models.AgentInitializing,
		TriggerDisconnect: models.AgentDisconnected,
	},
	models.AgentDisconnected: {
		TriggerReconnect: models.AgentInitializing,
		TriggerConnect:   models.AgentReady,
	},
}

// NextState resolves a trigger against the lifecycle table.
func NextState(from models.AgentStatus, trigger Trigger) (models.AgentStatus, error) {
	if to, ok := transitions[from][trigger]; ok {
		return to, nil
	}
	return from, oerr.Newf(oerr.Conflict, "illegal trigger %q in state %q", trigger, from).WithCode("illegal_transition")
}
