package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/realtime"
	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/session"
	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/storage"
	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/telemetry"
)

// Follower streams gateway chat events into session refreshes.
type Follower interface {
	Follow(handle, chatID string, target realtime.Refresher)
	Stop(handle string)
}

// RoomCloser disconnects the views watching a session.
type RoomCloser interface {
	CloseRoom(handle string)
}

// UserIDSource yields the buyer's own user id.
type UserIDSource interface {
	UserID(ctx context.Context) string
}

// NegotiationHandler exposes negotiation sessions to the view layer.
type NegotiationHandler struct {
	sessions *session.Registry
	store    storage.Store
	follower Follower
	rooms    RoomCloser
	auditor  *telemetry.AuditEmitter
	users    UserIDSource
}

// NewNegotiationHandler builds a NegotiationHandler. follower, rooms, auditor
// and users may be nil.
func NewNegotiationHandler(sessions *session.Registry, store storage.Store, follower Follower, rooms RoomCloser, auditor *telemetry.AuditEmitter, users UserIDSource) *NegotiationHandler {
	return &NegotiationHandler{
		sessions: sessions,
		store:    store,
		follower: follower,
		rooms:    rooms,
		auditor:  auditor,
		users:    users,
	}
}

// Create opens a session and discovers the chat for a product.
func (h *NegotiationHandler) Create(c *gin.Context) {
	var in session.DiscoverInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	handle, mgr := h.sessions.Open()
	chatID, err := mgr.Discover(c.Request.Context(), in)
	if err != nil {
		h.sessions.Close(handle)
		respondError(c, err)
		return
	}
	h.afterDiscover(c, handle, mgr, in.ProductID, chatID)

	c.JSON(http.StatusCreated, gin.H{"handle": handle, "snapshot": mgr.Snapshot()})
}

// Get returns the current snapshot.
func (h *NegotiationHandler) Get(c *gin.Context) {
	mgr, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"handle": c.Param("handle"), "snapshot": mgr.Snapshot()})
}

// Discover replaces the session's chat with the one for another product.
func (h *NegotiationHandler) Discover(c *gin.Context) {
	mgr, ok := h.lookup(c)
	if !ok {
		return
	}
	var in session.DiscoverInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	handle := c.Param("handle")
	chatID, err := mgr.Discover(c.Request.Context(), in)
	if err != nil {
		if h.follower != nil {
			h.follower.Stop(handle)
		}
		respondError(c, err)
		return
	}
	h.afterDiscover(c, handle, mgr, in.ProductID, chatID)

	c.JSON(http.StatusOK, gin.H{"handle": handle, "snapshot": mgr.Snapshot()})
}

type sendRequest struct {
	ChatID        string           `json:"chatId"`
	Text          string           `json:"text"`
	ProposedPrice *decimal.Decimal `json:"proposedPrice"`
}

// Send posts a message or price offer optimistically.
func (h *NegotiationHandler) Send(c *gin.Context) {
	mgr, ok := h.lookup(c)
	if !ok {
		return
	}
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ChatID == "" {
		req.ChatID = mgr.Snapshot().ChatID
	}

	msg, err := mgr.Send(c.Request.Context(), req.ChatID, req.Text, req.ProposedPrice)
	if err != nil {
		respondError(c, err)
		return
	}
	action := "send"
	if msg.IsOffer() {
		action = "offer"
	}
	h.audit(c, action, c.Param("handle"), req.ChatID, "message "+msg.ID)

	c.JSON(http.StatusCreated, gin.H{"message": msg, "snapshot": mgr.Snapshot()})
}

// Refresh schedules a coalesced history reload.
func (h *NegotiationHandler) Refresh(c *gin.Context) {
	mgr, ok := h.lookup(c)
	if !ok {
		return
	}
	started := mgr.Refresh()
	c.JSON(http.StatusAccepted, gin.H{"started": started})
}

// DeleteMessage deletes a confirmed message.
func (h *NegotiationHandler) DeleteMessage(c *gin.Context) {
	mgr, ok := h.lookup(c)
	if !ok {
		return
	}
	messageID := c.Param("message_id")
	if err := mgr.Delete(c.Request.Context(), messageID); err != nil {
		respondError(c, err)
		return
	}
	snap := mgr.Snapshot()
	h.audit(c, "delete", c.Param("handle"), snap.ChatID, "message "+messageID)

	c.JSON(http.StatusOK, gin.H{"snapshot": snap})
}

// Close clears and releases the session.
func (h *NegotiationHandler) Close(c *gin.Context) {
	handle := c.Param("handle")
	mgr, ok := h.lookup(c)
	if !ok {
		return
	}
	chatID := mgr.Snapshot().ChatID

	if h.follower != nil {
		h.follower.Stop(handle)
	}
	h.sessions.Close(handle)
	if h.rooms != nil {
		h.rooms.CloseRoom(handle)
	}
	h.audit(c, "clear", handle, chatID, "session closed")

	c.Status(http.StatusNoContent)
}

func (h *NegotiationHandler) afterDiscover(c *gin.Context, handle string, mgr *session.Manager, productID, chatID string) {
	if h.store != nil {
		if err := h.store.Set(c.Request.Context(), storage.ChatKey(productID), chatID, 0); err != nil {
			log.Printf("mirror chat id product=%s failed: %v", productID, err)
		}
	}
	if h.follower != nil {
		h.follower.Follow(handle, chatID, mgr)
	}
	h.audit(c, "discover", handle, chatID, "chat opened")
}

func (h *NegotiationHandler) lookup(c *gin.Context) (*session.Manager, bool) {
	mgr, ok := h.sessions.Get(c.Param("handle"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "negotiation not found"})
		return nil, false
	}
	return mgr, true
}

// respondError maps session errors onto HTTP: local validation 422, stale
// responses 409, timeouts 504, everything from the gateway 502.
func respondError(c *gin.Context, err error) {
	status := http.StatusBadGateway
	switch {
	case session.IsPrecondition(err):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrStale):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	c.JSON(status, gin.H{"error": session.Describe(err)})
}
