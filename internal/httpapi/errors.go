package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"outbound-dialer/internal/agents"
	"outbound-dialer/internal/calls"
	"outbound-dialer/internal/campaigns"
	"outbound-dialer/internal/dispatch"
	"outbound-dialer/internal/dispositions"
	"outbound-dialer/internal/reporting"
	"outbound-dialer/internal/telephony"
	"outbound-dialer/pkg/logger"
)

var errForbidden = errors.New("forbidden")

// classify maps domain errors to an HTTP status and a stable error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, calls.ErrNotFound),
		errors.Is(err, agents.ErrNotFound),
		errors.Is(err, campaigns.ErrNotFound):
		return http.StatusNotFound, "not_found"

	case errors.Is(err, dispositions.ErrValidation),
		errors.Is(err, campaigns.ErrValidation):
		return http.StatusUnprocessableEntity, "validation_failed"

	case errors.Is(err, dispatch.ErrInvalidRequest),
		errors.Is(err, agents.ErrInvalidAgent),
		errors.Is(err, agents.ErrInvalidAvailability),
		errors.Is(err, reporting.ErrInvalidRequest),
		errors.Is(err, telephony.ErrInvalidNumber):
		return http.StatusBadRequest, "invalid_request"

	case errors.Is(err, dispatch.ErrCapacityExceeded):
		return http.StatusTooManyRequests, "capacity_exceeded"

	case errors.Is(err, dispatch.ErrAgentUnavailable), errors.Is(err, agents.ErrAgentOnCall):
		return http.StatusConflict, "agent_unavailable"
	case errors.Is(err, dispatch.ErrContactInFlight):
		return http.StatusConflict, "contact_in_flight"
	case errors.Is(err, dispatch.ErrCallEnded):
		return http.StatusConflict, "call_ended"
	case errors.Is(err, campaigns.ErrInvalidState):
		return http.StatusConflict, "invalid_state"

	case errors.Is(err, dispatch.ErrGatewayRejected):
		return http.StatusBadGateway, "gateway_rejected"

	case errors.Is(err, dispositions.ErrNotCallAgent), errors.Is(err, errForbidden):
		return http.StatusForbidden, "forbidden"

	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeError renders err. Unclassified errors are logged and hidden from the caller.
func writeError(c *gin.Context, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		logger.FromGin(c).Error("request failed", "err", err)
		c.AbortWithStatusJSON(status, gin.H{"error": "internal error", "code": code})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error(), "code": code})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg, "code": "invalid_request"})
}
