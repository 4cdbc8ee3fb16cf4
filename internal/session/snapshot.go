package session

// State is the top-level state of a negotiation session.
type State string

const (
	StateIdle      State = "idle"
	StateResolving State = "resolving"
	StateReady     State = "ready"
)

// Snapshot is a read-only copy of a session handed to the view layer.
// Version grows with every change so consumers can drop out-of-order copies.
type Snapshot struct {
	Version       uint64    `json:"version"`
	State         State     `json:"state"`
	ChatID        string    `json:"chatId,omitempty"`
	ParticipantID string    `json:"participantId,omitempty"`
	ProductID     string    `json:"productId,omitempty"`
	ChatProductID string    `json:"chatProductId,omitempty"`
	Messages      []Message `json:"messages"`
	Error         string    `json:"error,omitempty"`
	Loading       bool      `json:"loading"`
	PendingSends  int       `json:"pendingSends"`
	Deleting      []string  `json:"deleting"`
}

// CanOffer reports whether price proposals can be sent in this session.
func (s Snapshot) CanOffer() bool {
	return s.State == StateReady && s.ChatProductID != ""
}

// IsEmpty reports whether the snapshot is the idle shape produced by Clear.
func (s Snapshot) IsEmpty() bool {
	return s.State == StateIdle && s.ChatID == "" && s.ParticipantID == "" &&
		s.ChatProductID == "" && len(s.Messages) == 0 && s.Error == "" &&
		!s.Loading && s.PendingSends == 0 && len(s.Deleting) == 0
}
