package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/storage"
)

// CartCounter is the coalesced cart-count mirror.
type CartCounter interface {
	Refresh() bool
	Wait(ctx context.Context) error
	Count(ctx context.Context) (int, bool, error)
}

// ShellHandler serves the small pieces of app-shell state the views persist.
type ShellHandler struct {
	cart  CartCounter
	store storage.Store
}

func NewShellHandler(cart CartCounter, store storage.Store) *ShellHandler {
	return &ShellHandler{cart: cart, store: store}
}

// CartCount schedules a refetch and returns the mirrored count. With
// ?wait=true it waits for the refetch first.
func (h *ShellHandler) CartCount(c *gin.Context) {
	h.cart.Refresh()
	stale := false
	if c.Query("wait") == "true" {
		if err := h.cart.Wait(c.Request.Context()); err != nil {
			stale = true
		}
	}

	n, ok, err := h.cart.Count(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read cart count"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n, "known": ok, "stale": stale})
}

// SetLastPath mirrors the last visited path.
func (h *ShellHandler) SetLastPath(c *gin.Context) {
	var req struct {
		Path string `json:"path" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !strings.HasPrefix(req.Path, "/") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path must be absolute"})
		return
	}
	if err := h.store.Set(c.Request.Context(), storage.KeyLastPath, req.Path, 0); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save path"})
		return
	}
	c.Status(http.StatusNoContent)
}

// LastPath returns the mirrored path, or 404 when none was saved.
func (h *ShellHandler) LastPath(c *gin.Context) {
	path, err := h.store.Get(c.Request.Context(), storage.KeyLastPath)
	if errors.Is(err, storage.ErrMiss) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no path saved"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read path"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path})
}

// Health pings the persistence shim.
func (h *ShellHandler) Health(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
