package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/models"
)

// APIError is a non-success answer from the gateway.
type APIError struct {
	Status  int
	Op      string
	Message string
	Data    json.RawMessage
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway: %s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("gateway: %s: %s", e.Op, e.Message)
}

// Unauthorized reports whether the gateway rejected the bearer token.
func (e *APIError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// ConflictError is returned by CreateChat when the chat already exists,
// typically because another tab or client created it first.
type ConflictError struct {
	*APIError
	Existing models.Chat
}

func (e *ConflictError) Unwrap() error { return e.APIError }

func isConflict(e *APIError) bool {
	if e.Status == http.StatusConflict {
		return true
	}
	return strings.Contains(strings.ToLower(e.Message), "already exist")
}
