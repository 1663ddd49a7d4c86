package httpapi

import (
	"fmt"
	"net/http"

	"outbound-dialer/internal/campaigns"

	"github.com/gin-gonic/gin"
)

type campaignView struct {
	campaigns.Campaign
	Progress float64 `json:"progress"`
}

func viewOf(c campaigns.Campaign) campaignView {
	return campaignView{Campaign: c, Progress: c.Progress()}
}

type createCampaignRequest struct {
	Name       string         `json:"name"`
	Type       campaigns.Type `json:"type"`
	ContactIDs []string       `json:"contact_ids"`
}

func (h Handlers) CreateCampaign(c *gin.Context) {
	var req createCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	camp, err := h.Campaigns.CreateCampaign(c.Request.Context(), req.Name, req.Type, req.ContactIDs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, viewOf(camp))
}

func (h Handlers) ListCampaigns(c *gin.Context) {
	list, err := h.Campaigns.List(c.Request.Context(), campaigns.Status(c.Query("status")))
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]campaignView, 0, len(list))
	for _, camp := range list {
		out = append(out, viewOf(camp))
	}
	c.JSON(http.StatusOK, gin.H{"campaigns": out})
}

func (h Handlers) GetCampaign(c *gin.Context) {
	camp, err := h.Campaigns.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(camp))
}

// CampaignCommand returns the handler for one lifecycle command
// (start, pause, resume or cancel).
func (h Handlers) CampaignCommand(command string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		actor := actorFrom(c)
		id := c.Param("id")

		var (
			camp campaigns.Campaign
			err  error
		)
		switch command {
		case "start":
			camp, err = h.Campaigns.Start(ctx, actor, id)
		case "pause":
			camp, err = h.Campaigns.Pause(ctx, actor, id)
		case "resume":
			camp, err = h.Campaigns.Resume(ctx, actor, id)
		case "cancel":
			camp, err = h.Campaigns.Cancel(ctx, actor, id)
		default:
			err = fmt.Errorf("%w: unknown command %q", campaigns.ErrValidation, command)
		}
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, viewOf(camp))
	}
}

func (h Handlers) RecomputeResults(c *gin.Context) {
	res, err := h.Reporting.RecomputeResults(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h Handlers) CampaignSummary(c *gin.Context) {
	sum, err := h.Reporting.CallsSummary(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h Handlers) ListFollowUps(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.Campaigns.Get(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	fus, err := h.Campaigns.ListFollowUps(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"follow_ups": fus})
}

func (h Handlers) CampaignAudit(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.Campaigns.Get(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	events, err := h.Audit.ListByCampaign(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// --- Contacts ---

type contactRequest struct {
	Name      string `json:"name"`
	Phone     string `json:"phone"`
	Email     string `json:"email"`
	LeadScore int    `json:"lead_score"`
}

// UpsertContact creates a contact (POST) or replaces the editable fields of
// an existing one (PUT /contacts/:id). Engine-owned fields are preserved.
func (h Handlers) UpsertContact(c *gin.Context) {
	var req contactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	ctx := c.Request.Context()

	contact := campaigns.Contact{ID: c.Param("id")}
	status := http.StatusCreated
	if contact.ID != "" {
		existing, err := h.Campaigns.GetContact(ctx, contact.ID)
		switch {
		case err == nil:
			contact = existing
			status = http.StatusOK
		case !isNotFound(err):
			writeError(c, err)
			return
		}
	}
	contact.Name = req.Name
	contact.Phone = req.Phone
	contact.Email = req.Email
	contact.LeadScore = req.LeadScore

	saved, err := h.Campaigns.UpsertContact(ctx, contact)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(status, saved)
}

func (h Handlers) GetContact(c *gin.Context) {
	contact, err := h.Campaigns.GetContact(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, contact)
}

func isNotFound(err error) bool {
	status, _ := classify(err)
	return status == http.StatusNotFound
}
