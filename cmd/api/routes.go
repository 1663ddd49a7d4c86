package main

import (
	"net/http"

	"outbound-dialer/internal/auth"
	"outbound-dialer/internal/rbac"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, a *app) {
	h := a.handlers

	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Provider webhooks (public, signature-checked when enabled).
	r.POST("/webhooks/twilio/status", a.webhooks.HandleStatusCallback)
	r.POST("/webhooks/twilio/answer", a.webhooks.HandleAnswer)

	r.POST("/v1/auth/login", h.Login)

	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(a.auth), rbac.RequireAgentBinding())

	anyone := rbac.RequireAnyRole(rbac.RoleSupervisor, rbac.RoleAgent)
	operators := rbac.RequireAnyRole(rbac.RoleSupervisor)

	v1.GET("/me", h.Me)
	v1.GET("/lines", operators, h.Lines)

	// CAMPAIGNS routes
	camps := v1.Group("/campaigns", operators)
	{
		camps.POST("", h.CreateCampaign)
		camps.GET("", h.ListCampaigns)
		camps.GET("/:id", h.GetCampaign)
		camps.POST("/:id/start", h.CampaignCommand("start"))
		camps.POST("/:id/pause", h.CampaignCommand("pause"))
		camps.POST("/:id/resume", h.CampaignCommand("resume"))
		camps.POST("/:id/cancel", h.CampaignCommand("cancel"))
		camps.GET("/:id/summary", h.CampaignSummary)
		camps.POST("/:id/recompute", h.RecomputeResults)
		camps.GET("/:id/follow-ups", h.ListFollowUps)
		camps.GET("/:id/audit", h.CampaignAudit)
	}

	// CONTACTS routes
	contacts := v1.Group("/contacts")
	{
		contacts.POST("", operators, h.UpsertContact)
		contacts.PUT("/:id", operators, h.UpsertContact)
		contacts.GET("/:id", anyone, h.GetContact)
	}

	// AGENTS routes
	ags := v1.Group("/agents")
	{
		ags.POST("", operators, h.RegisterAgent)
		ags.GET("", operators, h.ListAgents)
		ags.GET("/:id", anyone, h.GetAgent)
		ags.PUT("/:id/availability", anyone, h.SetAvailability)
		ags.PUT("/:id/campaign", operators, h.AssignAgent)
		ags.DELETE("/:id", operators, h.DeregisterAgent)
	}

	// CALLS routes
	cs := v1.Group("/calls", anyone)
	{
		cs.POST("", h.DispatchCall)
		cs.GET("/:id", h.GetCall)
		cs.POST("/:id/cancel", h.CancelCall)
		cs.POST("/:id/dispositions", h.SubmitDisposition)
		cs.GET("/:id/dispositions", h.ListDispositions)
	}
}
