package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"outbound-dialer/internal/auth"
	"outbound-dialer/internal/dispatch"
	"outbound-dialer/internal/dispositions"
	"outbound-dialer/internal/rbac"
	"outbound-dialer/internal/telephony"

	"github.com/gin-gonic/gin"
)

type dispatchRequest struct {
	ContactID string `json:"contact_id"`
	AgentID   string `json:"agent_id"`
	// To overrides the contact's phone number.
	To string `json:"to,omitempty"`
}

// DispatchCall places an ad hoc call outside any campaign.
func (h Handlers) DispatchCall(c *gin.Context) {
	var req dispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	req.ContactID = strings.TrimSpace(req.ContactID)
	req.AgentID = strings.TrimSpace(req.AgentID)
	if req.ContactID == "" || req.AgentID == "" {
		badRequest(c, "contact_id and agent_id required")
		return
	}
	if !rbac.CanActAsAgent(c, req.AgentID) {
		writeError(c, errForbidden)
		return
	}
	ctx := c.Request.Context()

	contact, err := h.Campaigns.GetContact(ctx, req.ContactID)
	if err != nil {
		writeError(c, err)
		return
	}
	to := contact.Phone
	if req.To != "" {
		to = req.To
	}
	to, err = telephony.NormalizeE164(to)
	if err != nil {
		writeError(c, err)
		return
	}

	handle, err := h.Dispatcher.Dispatch(ctx, dispatch.Request{
		ContactID: contact.ID,
		AgentID:   req.AgentID,
		To:        to,
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrGatewayRejected) && handle.CallID != "" {
			status, code := classify(err)
			c.AbortWithStatusJSON(status, gin.H{"error": err.Error(), "code": code, "call_id": handle.CallID})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, handle)
}

func (h Handlers) GetCall(c *gin.Context) {
	call, err := h.Calls.GetCall(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !rbac.CanActAsAgent(c, call.AgentID) {
		writeError(c, errForbidden)
		return
	}
	c.JSON(http.StatusOK, call)
}

// CancelCall hangs up a live call. The agent on the call may cancel it too.
func (h Handlers) CancelCall(c *gin.Context) {
	ctx := c.Request.Context()
	existing, err := h.Calls.GetCall(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !rbac.CanActAsAgent(c, existing.AgentID) {
		writeError(c, errForbidden)
		return
	}
	call, err := h.Dispatcher.Cancel(ctx, existing.CallID)
	if err != nil {
		writeError(c, err)
		return
	}
	h.Audit.CallCanceled(ctx, actorFrom(c), call.CampaignID, call.CallID)
	c.JSON(http.StatusOK, call)
}

// --- Dispositions ---

type dispositionRequest struct {
	Category   string     `json:"category"`
	Notes      string     `json:"notes,omitempty"`
	FollowUpAt *time.Time `json:"follow_up_at,omitempty"`
}

// SubmitDisposition records (or corrects) the outcome of an ended call.
// Agents may only disposition their own calls.
func (h Handlers) SubmitDisposition(c *gin.Context) {
	var req dispositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	ctx := c.Request.Context()

	dreq := dispositions.Request{
		CallID:     c.Param("id"),
		Category:   req.Category,
		Notes:      req.Notes,
		FollowUpAt: req.FollowUpAt,
	}
	if role, _ := auth.Role(ctx); role == rbac.RoleAgent {
		dreq.AgentID = auth.AgentID(ctx)
	}

	d, err := h.Dispositions.Record(ctx, dreq)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (h Handlers) ListDispositions(c *gin.Context) {
	ctx := c.Request.Context()
	call, err := h.Calls.GetCall(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !rbac.CanActAsAgent(c, call.AgentID) {
		writeError(c, errForbidden)
		return
	}
	ds, err := h.Dispositions.List(ctx, call.CallID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispositions": ds})
}
