// Package container wires the host services together once at startup.
package container

import (
	"context"

	"github.com/orbitmesh/orbitmesh/cmd/host/core"
	"github.com/orbitmesh/orbitmesh/cmd/host/dashboard"
	"github.com/orbitmesh/orbitmesh/cmd/host/deployment"
	"github.com/orbitmesh/orbitmesh/cmd/host/enrollment"
	"github.com/orbitmesh/orbitmesh/cmd/host/jobs"
	"github.com/orbitmesh/orbitmesh/cmd/host/progress"
	"github.com/orbitmesh/orbitmesh/cmd/host/registry"
	"github.com/orbitmesh/orbitmesh/cmd/host/router"
	"github.com/orbitmesh/orbitmesh/cmd/host/trigger"
	"github.com/orbitmesh/orbitmesh/cmd/host/workflow"
	"github.com/orbitmesh/orbitmesh/common/bootstrap"
	"github.com/orbitmesh/orbitmesh/common/models"
	"github.com/orbitmesh/orbitmesh/common/ratelimit"
	rediscommon "github.com/orbitmesh/orbitmesh/common/redis"
	"github.com/orbitmesh/orbitmesh/common/transport"
)

// Container holds all initialized host services (singleton pattern).
type Container struct {
	Components *bootstrap.Components
	Transport  *transport.RedisHost

	Registry   *registry.Registry
	Jobs       *jobs.Manager
	Dispatcher *jobs.Dispatcher
	Router     *router.Router
	Progress   *progress.Service
	Workflows  *workflow.Engine
	Triggers   *trigger.Service
	Deployment *deployment.Engine
	Watcher    *deployment.Watcher
	Enrollment *enrollment.Service
	Dashboard  *dashboard.Hub
	Handler    *core.Handler
}

// NewContainer initializes all host services once, bottom-up.
func NewContainer(components *bootstrap.Components) (*Container, error) {
	cfg := components.Config
	log := components.Logger

	redisClient := rediscommon.NewClient(components.Redis, log)
	host := transport.NewRedisHost(redisClient, log)

	reg := registry.New(registry.Options{
		Channels:          host.Channels(),
		HeartbeatInterval: cfg.Host.HeartbeatInterval,
		MissedFactor:      cfg.Host.MissedHeartbeatFactor,
		Logger:            log,
	})

	progressSvc := progress.New(progress.DefaultHistorySize, log)

	manager := jobs.NewManager(jobs.Options{
		AckDeadline: cfg.Host.AckDeadline,
		Logger:      log,
		Progress:    progressSvc,
	})

	rtr := router.New(reg, activeJobCount(manager), log, 0)
	dispatcher := jobs.NewDispatcher(manager, rtr, host, 0, log)

	// New pending jobs should not wait for the next dispatch tick.
	manager.OnEvent(func(event string, job *models.Job) {
		if job.Status == models.JobPending {
			dispatcher.Kick()
		}
	})

	var defs workflow.DefinitionStore
	var instances workflow.InstanceStore
	var profileStore deployment.ProfileStore
	var executionStore deployment.ExecutionStore
	var enrollStore enrollment.Store
	if components.DB != nil {
		defs = workflow.NewPgDefinitionStore(components.DB)
		instances = workflow.NewPgInstanceStore(components.DB)
		profileStore = deployment.NewPgProfileStore(components.DB)
		executionStore = deployment.NewPgExecutionStore(components.DB)
		enrollStore = enrollment.NewPgStore(components.DB)
	} else {
		defs = workflow.NewMemoryDefinitionStore()
		instances = workflow.NewMemoryInstanceStore()
		profileStore = deployment.NewMemoryProfileStore()
		executionStore = deployment.NewMemoryExecutionStore()
		enrollStore = enrollment.NewMemoryStore()
	}

	engine, err := workflow.NewEngine(workflow.Options{
		Definitions: defs,
		Instances:   instances,
		Jobs:        manager,
		Notifier:    workflow.NewLogNotifier(log),
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.NewLimiter(components.Redis, log)
	triggers, err := trigger.New(engine, defs, limiter,
		cfg.Host.WebhookRateLimit, cfg.Host.WebhookRateLimitWindow, log)
	if err != nil {
		return nil, err
	}

	deployEngine := deployment.NewEngine(deployment.Options{
		Profiles:   profileStore,
		Executions: executionStore,
		Jobs:       manager,
		Agents:     reg,
		Logger:     log,
	})

	var watcher *deployment.Watcher
	if cfg.Host.FileSyncEnabled {
		watcher, err = deployment.NewWatcher(deployEngine, log)
		if err != nil {
			return nil, err
		}
	}

	enrollSvc := enrollment.New(enrollStore, log)

	hub := dashboard.NewHub(log)
	hub.WireRegistry(reg)
	hub.WireJobs(manager)
	hub.WireWorkflows(engine)

	handler := core.NewHandler(reg, manager, log)
	host.SetHandler(handler)

	return &Container{
		Components: components,
		Transport:  host,
		Registry:   reg,
		Jobs:       manager,
		Dispatcher: dispatcher,
		Router:     rtr,
		Progress:   progressSvc,
		Workflows:  engine,
		Triggers:   triggers,
		Deployment: deployEngine,
		Watcher:    watcher,
		Enrollment: enrollSvc,
		Dashboard:  hub,
		Handler:    handler,
	}, nil
}

// Start launches the background machinery: transport pump, dispatcher,
// sweepers, dashboard hub, file watcher and trigger activation.
func (c *Container) Start(ctx context.Context) error {
	cfg := c.Components.Config
	log := c.Components.Logger

	go func() {
		if err := c.Transport.Start(ctx); err != nil && ctx.Err() == nil {
			log.Error("transport pump stopped", "error", err)
		}
	}()
	go c.Dispatcher.Run(ctx)
	go c.Jobs.StartSweeper(ctx, cfg.Host.SweepInterval)
	go c.Dashboard.Run()
	if cfg.Host.HealthMonitorEnabled {
		go c.Registry.StartHeartbeatSweeper(ctx, cfg.Host.HealthMonitorInterval)
	}

	if c.Watcher != nil {
		if err := c.Watcher.Start(ctx); err != nil {
			log.Warn("deployment watcher start failed", "error", err)
		}
	}

	// Re-activate triggers of persisted active workflows.
	workflows, err := c.Workflows.Definitions().ListDefinitions(ctx)
	if err != nil {
		return err
	}
	for _, def := range workflows {
		if def.IsActive && len(def.Triggers) > 0 {
			c.Triggers.Activate(def)
		}
	}

	log.Info("host services started", "workflows", len(workflows))
	return nil
}

// activeJobCount adapts the job manager to the router's LoadFunc.
func activeJobCount(m *jobs.Manager) router.LoadFunc {
	return func(agentID string) int {
		n := 0
		for _, j := range m.GetByAgent(agentID) {
			if !j.Status.Terminal() {
				n++
			}
		}
		return n
	}
}
