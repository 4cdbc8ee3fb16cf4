package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Message is a chat message as returned by the gateway.
type Message struct {
	ID            string           `json:"id"`
	MessageText   string           `json:"messageText"`
	SenderID      string           `json:"senderId"`
	CreatedAt     time.Time        `json:"createdAt"`
	Attachments   []string         `json:"attachments"`
	ProposedPrice *decimal.Decimal `json:"proposedPrice,omitempty"`
}

// SendMessageRequest is the body of a send-message call.
type SendMessageRequest struct {
	MessageText   string           `json:"messageText"`
	ProposedPrice *decimal.Decimal `json:"proposedPrice,omitempty"`
	ChatProductID string           `json:"chatProductId,omitempty"`
}

// FetchMessagesRequest is the body of a fetch-messages call.
type FetchMessagesRequest struct {
	ChatID     string `json:"chatId"`
	LanguageID string `json:"languageId"`
}

// Chat event types pushed over the gateway websocket.
const (
	EventMessage      = "message"
	EventDeleteForAll = "delete_for_all"
)

// ChatEvent is received from the gateway's realtime stream.
type ChatEvent struct {
	Type      string   `json:"type"`
	Message   *Message `json:"message,omitempty"`
	MessageID string   `json:"messageId,omitempty"`
}
