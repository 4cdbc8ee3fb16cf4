package session

import (
	"time"

	"github.com/shopspring/decimal"
)

// Sender tells whether a message was written by the buyer or the seller.
type Sender string

const (
	SenderSelf         Sender = "self"
	SenderCounterparty Sender = "counterparty"
)

// Message is the view of a chat message held by a session.
type Message struct {
	ID            string           `json:"id"`
	Text          string           `json:"text"`
	Sender        Sender           `json:"sender"`
	SenderID      string           `json:"senderId,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	Timestamp     string           `json:"timestamp"`
	Attachments   []string         `json:"attachments"`
	ProposedPrice *decimal.Decimal `json:"proposedPrice,omitempty"`
	Pending       bool             `json:"pending"`
}

// IsOffer reports whether the message carries a price proposal.
func (m Message) IsOffer() bool { return m.ProposedPrice != nil }

func (m Message) clone() Message {
	out := m
	out.Attachments = append(make([]string, 0, len(m.Attachments)), m.Attachments...)
	if m.ProposedPrice != nil {
		p := *m.ProposedPrice
		out.ProposedPrice = &p
	}
	return out
}

// Entry is one slot of the message sequence: either Provisional (sent
// optimistically, awaiting the server) or Confirmed (server-issued).
type Entry interface {
	EntryID() string
	View() Message
	sealed()
}

// Provisional is a locally drafted message carrying a client-generated id.
type Provisional struct {
	Message
}

// Confirmed is a message acknowledged by the gateway.
type Confirmed struct {
	Message
}

func (p Provisional) EntryID() string { return p.ID }

func (p Provisional) View() Message {
	v := p.Message.clone()
	v.Pending = true
	return v
}

func (Provisional) sealed() {}

func (c Confirmed) EntryID() string { return c.ID }

func (c Confirmed) View() Message {
	v := c.Message.clone()
	v.Pending = false
	return v
}

func (Confirmed) sealed() {}

func indexOf(entries []Entry, id string) int {
	for i, e := range entries {
		if e.EntryID() == id {
			return i
		}
	}
	return -1
}

func removeAt(entries []Entry, i int) []Entry {
	out := make([]Entry, 0, len(entries)-1)
	out = append(out, entries[:i]...)
	return append(out, entries[i+1:]...)
}
