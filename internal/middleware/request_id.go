package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/observability"
)

// RequestIDKey is the gin context key holding the request id.
const RequestIDKey = "request_id"

// RequestID makes sure every request carries an X-Request-ID, echoing it on
// the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(observability.HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
			c.Request.Header.Set(observability.HeaderRequestID, id)
		}
		c.Set(RequestIDKey, id)
		c.Header(observability.HeaderRequestID, id)
		c.Next()
	}
}
