package models

// Chat types and participant types understood by the gateway.
const (
	ChatTypeDirect        = "direct"
	ParticipantTypeSeller = "seller"
)

// Chat is a chat thread as listed by the remote gateway.
type Chat struct {
	ID              string        `json:"id"`
	ParticipantID   string        `json:"participantId"`
	ParticipantType string        `json:"participantType"`
	ChatType        string        `json:"chatType"`
	ProductID       string        `json:"productId"`
	ChatProducts    []ChatProduct `json:"chatProducts"`
}

// ChatProduct links a chat to a product variant; its ID must accompany price proposals.
type ChatProduct struct {
	ID          string `json:"id"`
	ProductID   string `json:"productId"`
	VariantID   string `json:"variantId,omitempty"`
	InventoryID string `json:"inventoryId,omitempty"`
}

// CreateChatRequest is the body of a create-chat call.
type CreateChatRequest struct {
	ParticipantID   string `json:"participantId"`
	ParticipantType string `json:"participantType"`
	ChatType        string `json:"chatType"`
	ProductID       string `json:"productId"`
	VariantID       string `json:"variantId,omitempty"`
	InventoryID     string `json:"inventoryId,omitempty"`
}

// ChatProductFor returns the association record for productID, falling back
// to the first record when none matches.
func (c Chat) ChatProductFor(productID string) (ChatProduct, bool) {
	for _, cp := range c.ChatProducts {
		if cp.ProductID == productID {
			return cp, true
		}
	}
	if len(c.ChatProducts) > 0 {
		return c.ChatProducts[0], true
	}
	return ChatProduct{}, false
}
