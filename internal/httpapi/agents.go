package httpapi

import (
	"net/http"

	"outbound-dialer/internal/agents"
	"outbound-dialer/internal/rbac"

	"github.com/gin-gonic/gin"
)

type registerAgentRequest struct {
	ID         string      `json:"id"`
	Kind       agents.Kind `json:"kind"`
	Endpoint   string      `json:"endpoint"`
	CampaignID string      `json:"campaign_id"`
}

func (h Handlers) RegisterAgent(c *gin.Context) {
	var req registerAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if req.CampaignID != "" {
		if _, err := h.Campaigns.Get(c.Request.Context(), req.CampaignID); err != nil {
			writeError(c, err)
			return
		}
	}
	a, err := h.Agents.Register(agents.Agent{
		ID:         req.ID,
		Kind:       req.Kind,
		Endpoint:   req.Endpoint,
		CampaignID: req.CampaignID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (h Handlers) ListAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": h.Agents.List()})
}

func (h Handlers) GetAgent(c *gin.Context) {
	id := c.Param("id")
	if !rbac.CanActAsAgent(c, id) {
		writeError(c, errForbidden)
		return
	}
	a, err := h.Agents.Get(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type availabilityRequest struct {
	Availability agents.Availability `json:"availability"`
}

// SetAvailability lets an agent go idle or offline. Agents may only change
// their own availability; operators may change anyone's.
func (h Handlers) SetAvailability(c *gin.Context) {
	id := c.Param("id")
	if !rbac.CanActAsAgent(c, id) {
		writeError(c, errForbidden)
		return
	}
	var req availabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	a, err := h.Agents.SetAvailability(id, req.Availability)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type assignRequest struct {
	CampaignID string `json:"campaign_id"`
}

// AssignAgent binds the agent to a campaign's pacing loop. An empty
// campaign_id unassigns it.
func (h Handlers) AssignAgent(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if req.CampaignID != "" {
		if _, err := h.Campaigns.Get(c.Request.Context(), req.CampaignID); err != nil {
			writeError(c, err)
			return
		}
	}
	a, err := h.Agents.Assign(c.Param("id"), req.CampaignID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h Handlers) DeregisterAgent(c *gin.Context) {
	if err := h.Agents.Deregister(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
