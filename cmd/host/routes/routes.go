// Package routes registers the host's HTTP API surface.
package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/orbitmesh/orbitmesh/cmd/host/container"
	"github.com/orbitmesh/orbitmesh/cmd/host/handlers"
	"github.com/orbitmesh/orbitmesh/cmd/host/middleware"
)

// Register wires every API route. Admin routes sit behind the
// X-Admin-Password (or API token) guard; enrollment and webhooks carry
// their own credentials.
func Register(e *echo.Echo, c *container.Container) {
	admin := middleware.AdminAuth(c.Components.Config.Host.AdminPassword, c.Enrollment)

	status := handlers.NewStatusHandler(c)
	agents := handlers.NewAgentHandler(c)
	jobs := handlers.NewJobHandler(c)
	workflows := handlers.NewWorkflowHandler(c)
	tokens := handlers.NewTokenHandler(c)
	enrollment := handlers.NewEnrollmentHandler(c)
	deployment := handlers.NewDeploymentHandler(c)
	dashboard := handlers.NewDashboardHandler(c)

	api := e.Group("/api", admin)
	{
		api.GET("/status", status.GetStatus)

		api.GET("/agents", agents.ListAgents)
		api.GET("/agents/:id", agents.GetAgent)

		api.GET("/jobs", jobs.ListJobs)
		api.POST("/jobs", jobs.SubmitJob)
		api.GET("/jobs/deadletter", jobs.ListDeadLetter)
		api.POST("/jobs/deadletter/:id/retry", jobs.RetryDeadLetter)
		api.GET("/jobs/:id", jobs.GetJob)
		api.POST("/jobs/:id/cancel", jobs.CancelJob)
		api.GET("/jobs/:id/progress", jobs.GetJobProgress)

		api.POST("/workflows", workflows.CreateWorkflow)
		api.GET("/workflows", workflows.ListWorkflows)
		api.GET("/workflows/instances", workflows.ListInstances)
		api.GET("/workflows/:id", workflows.GetWorkflow)
		api.PUT("/workflows/:id", workflows.UpdateWorkflow)
		api.DELETE("/workflows/:id", workflows.DeleteWorkflow)
		api.POST("/workflows/:id/start", workflows.StartWorkflow)

		api.GET("/instances/:id", workflows.GetInstance)
		api.POST("/instances/:id/cancel", workflows.CancelInstance)
		api.POST("/instances/:id/steps/:stepId/approve", workflows.ApproveStep)
		api.POST("/events", workflows.PublishEvent)

		api.POST("/tokens", tokens.CreateToken)
		api.GET("/tokens", tokens.ListTokens)
		api.DELETE("/tokens/:id", tokens.RevokeToken)

		api.GET("/enrollment", enrollment.ListEnrollments)
		api.POST("/enrollment/:id/decide", enrollment.DecideEnrollment)
		api.GET("/enrollment/bootstrap-token", enrollment.GetBootstrapToken)
		api.PUT("/enrollment/bootstrap-token", enrollment.UpdateBootstrapToken)
		api.POST("/enrollment/bootstrap-token/regenerate", enrollment.RegenerateBootstrapToken)

		api.POST("/deployment/profiles", deployment.CreateProfile)
		api.GET("/deployment/profiles", deployment.ListProfiles)
		api.GET("/deployment/profiles/:id", deployment.GetProfile)
		api.PUT("/deployment/profiles/:id", deployment.UpdateProfile)
		api.DELETE("/deployment/profiles/:id", deployment.DeleteProfile)
		api.POST("/deployment/profiles/:id/deploy", deployment.Deploy)
		api.GET("/deployment/profiles/:id/agents", deployment.MatchingAgents)
		api.GET("/deployment/executions", deployment.ListExecutions)
		api.POST("/deployment/executions/:id/cancel", deployment.CancelExecution)
		api.GET("/deployment/status", deployment.Status)

		api.GET("/dashboard/ws", dashboard.ServeWS)
	}

	// Self-credentialed surfaces outside the admin guard.
	e.POST("/api/enrollment", enrollment.Enroll)
	e.Any("/api/webhooks/:path", dashboard.HandleWebhook)
}
