package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/gateway"
)

// Precondition failures. They are detected locally and never reach the network.
var (
	ErrMissingParticipant = errors.New("seller id is required to open a chat")
	ErrMissingProduct     = errors.New("product id is required to open a chat")
	ErrMissingToken       = errors.New("you are not signed in")
	ErrNoActiveChat       = errors.New("no active chat for this request")
	ErrEmptyMessage       = errors.New("message is empty")
	ErrInvalidPrice       = errors.New("offer price must be greater than zero")
	ErrMissingChatProduct = errors.New("this chat is not linked to a product, price offers are unavailable")
	ErrMessageNotFound    = errors.New("message not found")
	ErrProvisionalMessage = errors.New("message is still being sent")
)

// ErrStale is returned when a response arrived for a session state that has
// since been cleared or superseded; the response was dropped.
var ErrStale = errors.New("stale response discarded")

// IsPrecondition reports whether err is a local validation failure.
func IsPrecondition(err error) bool {
	for _, target := range []error{
		ErrMissingParticipant, ErrMissingProduct, ErrMissingToken, ErrNoActiveChat,
		ErrEmptyMessage, ErrInvalidPrice, ErrMissingChatProduct, ErrMessageNotFound,
		ErrProvisionalMessage,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Describe turns an operation error into the text shown to the buyer.
func Describe(err error) string {
	var apiErr *gateway.APIError
	switch {
	case errors.As(err, &apiErr):
		if apiErr.Status == http.StatusUnauthorized {
			return "your session has expired, please sign in again"
		}
		if apiErr.Message != "" {
			return apiErr.Message
		}
		return fmt.Sprintf("request failed with status %d", apiErr.Status)
	case errors.Is(err, context.DeadlineExceeded):
		return "the request timed out, please retry"
	case errors.Is(err, context.Canceled):
		return "the request was cancelled"
	}
	return err.Error()
}
