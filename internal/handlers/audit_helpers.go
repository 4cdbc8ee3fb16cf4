package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/middleware"
	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/telemetry"
)

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(middleware.RequestIDKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(middleware.RequestIDKey, requestID)
	return requestID
}

func (h *NegotiationHandler) audit(c *gin.Context, action, handle, chatID, text string) {
	if h.auditor == nil {
		return
	}
	ev := telemetry.AuditEvent{
		Action:    action,
		Text:      text,
		RequestID: requestIDFromContext(c),
		Handle:    handle,
		ChatID:    chatID,
	}
	if h.users != nil {
		ev.UserID = h.users.UserID(c.Request.Context())
	}
	h.auditor.Emit(c.Request.Context(), ev)
}
