package ws

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/observability"
	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/session"
)

// Sessions looks up negotiation sessions by handle.
type Sessions interface {
	Get(handle string) (*session.Manager, bool)
}

// NegotiationWebSocketHandler streams session snapshots to views.
type NegotiationWebSocketHandler struct {
	hub      *Hub
	sessions Sessions
}

// NewNegotiationWebSocketHandler constructs a NegotiationWebSocketHandler.
func NewNegotiationWebSocketHandler(hub *Hub, sessions Sessions) *NegotiationWebSocketHandler {
	return &NegotiationWebSocketHandler{hub: hub, sessions: sessions}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle upgrades the connection, sends the current snapshot and registers
// the client for later ones.
func (h *NegotiationWebSocketHandler) Handle(c *gin.Context) {
	handle := c.Param("handle")
	mgr, ok := h.sessions.Get(handle)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "negotiation not found"})
		return
	}

	ctx, span := otel.Tracer("negotiation-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	identity := observability.IdentityFromRequest(c.Request)
	info := ConnInfo{
		ConnID:      newConnID(),
		Handle:      handle,
		DeviceID:    identity.DeviceID,
		IP:          identity.IP,
		RequestID:   identity.RequestID,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}

	h.hub.AddClient(handle, conn, info)
	if err := h.hub.SendSnapshot(handle, conn, mgr.Snapshot()); err != nil {
		h.hub.RemoveClient(handle, conn)
		conn.Close()
		return
	}

	observability.IncWSActive(wsKind)
	publishWSEvent(ctx, "ws_connect", info, "")

	// views only listen; reading detects the close
	go func() {
		var closeReason string
		defer func() {
			h.hub.RemoveClient(handle, conn)
			observability.DecWSActive(wsKind)
			publishWSEvent(ctx, "ws_disconnect", info, closeReason)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closeReason = err.Error()
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					publishWSEvent(ctx, "ws_error", info, closeReason)
				}
				return
			}
		}
	}()
}
