package telephony

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"outbound-dialer/pkg/logger"
)

// BridgeResolver returns the agent endpoint an answered call should be bridged to.
type BridgeResolver func(ctx context.Context, callID string) (endpoint string, err error)

// TwilioWebhookHandler converts Twilio webhooks to internal types and hands them
// on. No call-state decisions are made here.
type TwilioWebhookHandler struct {
	Events EventSink
	Bridge BridgeResolver

	// Validator is nil when signature validation is disabled (local runs).
	Validator *TwilioSignatureValidator
	CallerID  string

	Now func() time.Time
}

func (h TwilioWebhookHandler) verify(c *gin.Context) bool {
	if err := c.Request.ParseForm(); err != nil {
		logger.FromGin(c).Warn("twilio webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return false
	}
	if h.Validator != nil && !h.Validator.Validate(c.Request) {
		logger.FromGin(c).Warn("twilio signature mismatch", "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
		return false
	}
	return true
}

// HandleStatusCallback accepts a call progress event. Twilio retries non-2xx
// responses, so only malformed or unauthenticated requests are refused.
func (h TwilioWebhookHandler) HandleStatusCallback(c *gin.Context) {
	log := logger.FromGin(c)
	if h.Events == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "event sink not configured"})
		return
	}
	if !h.verify(c) {
		return
	}

	form, err := ParseTwilioStatusForm(c.Request)
	if err != nil {
		log.Warn("twilio status callback invalid", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	ev, ok := form.ToStatusEvent(now().UTC())
	if !ok {
		log.Debug("twilio status ignored", "call_sid", form.CallSid, "call_status", form.CallStatus)
		c.Status(http.StatusNoContent)
		return
	}

	if err := h.Events.Submit(c.Request.Context(), ev); err != nil {
		log.Error("status event not accepted", "call_sid", form.CallSid, "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "busy"})
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleAnswer returns TwiML bridging the callee to the call's agent.
// Any lookup failure hangs the call up rather than leaving the callee in silence.
func (h TwilioWebhookHandler) HandleAnswer(c *gin.Context) {
	log := logger.FromGin(c)
	if !h.verify(c) {
		return
	}

	callID := c.Query("call_id")
	var (
		xml string
		err error
	)
	if h.Bridge == nil || callID == "" {
		err = errors.New("no bridge target")
	} else {
		var endpoint string
		if endpoint, err = h.Bridge(c.Request.Context(), callID); err == nil {
			xml, err = RenderBridgeTwiML(endpoint, h.CallerID)
		}
	}
	if err != nil {
		log.Warn("answer webhook hanging up", "call_id", callID, "err", err)
		if xml, err = RenderHangupTwiML(); err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "twiml failed"})
			return
		}
	}

	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, xml)
}
