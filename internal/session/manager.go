package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/gateway"
	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/models"
	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/observability"
	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/refresh"
)

// DefaultTimestampLayout is used when Options.TimestampLayout is empty.
const DefaultTimestampLayout = "Jan 2 15:04"

// Gateway is the subset of the marketplace gateway a session needs.
type Gateway interface {
	ListChats(ctx context.Context, token string) ([]models.Chat, error)
	CreateChat(ctx context.Context, token string, req models.CreateChatRequest) (models.Chat, error)
	FetchMessages(ctx context.Context, token, chatID string) ([]models.Message, error)
	SendMessage(ctx context.Context, token, chatID string, req models.SendMessageRequest) (models.Message, error)
	DeleteMessage(ctx context.Context, token, messageID string) error
}

// TokenSource yields the cached bearer token and the buyer's own user id.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	UserID(ctx context.Context) string
}

// Options configures a Manager.
type Options struct {
	TimestampLayout string
	// OnChange receives a snapshot after every state change. It is called
	// without the manager lock held.
	OnChange func(Snapshot)
	Now      func() time.Time
}

// DiscoverInput identifies the product chat to open.
type DiscoverInput struct {
	ParticipantID string `json:"participantId"`
	ProductID     string `json:"productId"`
	VariantID     string `json:"variantId"`
	InventoryID   string `json:"inventoryId"`
}

// Manager owns one negotiation session: at most one product chat at a time,
// its ordered message sequence and the optimistic sends against it.
type Manager struct {
	gw        Gateway
	tokens    TokenSource
	layout    string
	onChange  func(Snapshot)
	now       func() time.Time
	refresher *refresh.Coalescer
	cancel    context.CancelFunc

	mu            sync.Mutex
	version       uint64
	epoch         uint64
	loadGen       uint64
	state         State
	chatID        string
	participantID string
	productID     string
	chatProductID string
	entries       []Entry
	errMsg        string
	loading       bool
	pendingSends  int
	deleting      map[string]struct{}
	// confirmed during a load; value is the load generation current at confirmation
	confirmedAt map[string]uint64
	entropy     *ulid.MonotonicEntropy
}

// NewManager returns an idle Manager.
func NewManager(gw Gateway, tokens TokenSource, opts Options) *Manager {
	layout := opts.TimestampLayout
	if layout == "" {
		layout = DefaultTimestampLayout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	base, cancel := context.WithCancel(context.Background())
	m := &Manager{
		gw:          gw,
		tokens:      tokens,
		layout:      layout,
		onChange:    opts.OnChange,
		now:         now,
		cancel:      cancel,
		state:       StateIdle,
		deleting:    map[string]struct{}{},
		confirmedAt: map[string]uint64{},
		entropy:     ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
	m.refresher = refresh.New(base, "messages", m.reload)
	return m
}

// Discover finds the direct chat with the seller about the product, creating
// it when none exists, and loads its history. Prior session state is replaced
// wholesale. Any failure leaves the session idle with the error recorded.
//
// Once the chat is resolved Discover returns its id even if the history load
// fails; that failure is recorded on the session like any other load.
func (m *Manager) Discover(ctx context.Context, in DiscoverInput) (string, error) {
	in.ParticipantID = strings.TrimSpace(in.ParticipantID)
	in.ProductID = strings.TrimSpace(in.ProductID)
	if in.ParticipantID == "" {
		return "", m.failIdle(ErrMissingParticipant)
	}
	if in.ProductID == "" {
		return "", m.failIdle(ErrMissingProduct)
	}
	token, err := m.token(ctx)
	if err != nil {
		return "", m.failIdle(err)
	}

	m.mu.Lock()
	m.epoch++
	epoch := m.epoch
	m.resetLocked()
	m.state = StateResolving
	m.participantID = in.ParticipantID
	m.productID = in.ProductID
	m.version++
	m.mu.Unlock()
	m.notify()

	chat, created, err := m.resolve(ctx, token, in)

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return "", ErrStale
	}
	if err != nil {
		m.resetLocked()
		m.errMsg = Describe(err)
		m.version++
		m.mu.Unlock()
		m.notify()
		log.Printf("negotiation: discover participant=%s product=%s failed: %v", in.ParticipantID, in.ProductID, err)
		return "", err
	}
	cp, _ := chat.ChatProductFor(in.ProductID)
	m.state = StateReady
	m.chatID = chat.ID
	m.chatProductID = cp.ID
	m.version++
	m.mu.Unlock()
	m.notify()

	observability.PublishNegotiationEvent(ctx, "chat_resolved", map[string]interface{}{
		"chat_id":         chat.ID,
		"participant_id":  in.ParticipantID,
		"product_id":      in.ProductID,
		"chat_product_id": cp.ID,
		"created":         created,
	})

	if _, err := m.load(ctx, token, chat.ID, epoch); err != nil && !errors.Is(err, ErrStale) {
		log.Printf("negotiation: history load for chat %s failed: %v", chat.ID, err)
	}
	return chat.ID, nil
}

// resolve looks up an existing direct chat and creates one otherwise. The
// bool result reports whether a new chat was created.
func (m *Manager) resolve(ctx context.Context, token string, in DiscoverInput) (models.Chat, bool, error) {
	chats, err := m.gw.ListChats(ctx, token)
	if err != nil {
		return models.Chat{}, false, fmt.Errorf("list chats: %w", err)
	}
	if chat, ok := findDirectChat(chats, in.ParticipantID, in.ProductID); ok {
		return chat, false, nil
	}

	chat, err := m.gw.CreateChat(ctx, token, models.CreateChatRequest{
		ParticipantID:   in.ParticipantID,
		ParticipantType: models.ParticipantTypeSeller,
		ChatType:        models.ChatTypeDirect,
		ProductID:       in.ProductID,
		VariantID:       in.VariantID,
		InventoryID:     in.InventoryID,
	})
	if err == nil {
		if chat.ID == "" {
			return models.Chat{}, false, errors.New("create chat: gateway returned no chat id")
		}
		return chat, true, nil
	}

	var conflict *gateway.ConflictError
	if !errors.As(err, &conflict) {
		return models.Chat{}, false, fmt.Errorf("create chat: %w", err)
	}

	existing := conflict.Existing
	if existing.ID != "" && len(existing.ChatProducts) > 0 {
		log.Printf("negotiation: chat %s already existed, adopting it", existing.ID)
		return existing, false, nil
	}

	// the conflict payload did not carry the product links; list again
	chats, lerr := m.gw.ListChats(ctx, token)
	if lerr != nil {
		if existing.ID != "" {
			return existing, false, nil
		}
		return models.Chat{}, false, fmt.Errorf("list chats after conflict: %w", lerr)
	}
	if existing.ID != "" {
		for _, c := range chats {
			if c.ID == existing.ID {
				return c, false, nil
			}
		}
		log.Printf("negotiation: chat %s already existed, adopting it without product link", existing.ID)
		return existing, false, nil
	}
	if chat, ok := findDirectChat(chats, in.ParticipantID, in.ProductID); ok {
		return chat, false, nil
	}
	return models.Chat{}, false, fmt.Errorf("create chat: %w", err)
}

func findDirectChat(chats []models.Chat, participantID, productID string) (models.Chat, bool) {
	for _, c := range chats {
		if c.ParticipantID == participantID && c.ProductID == productID &&
			strings.EqualFold(c.ChatType, models.ChatTypeDirect) {
			return c, true
		}
	}
	return models.Chat{}, false
}

// LoadMessages replaces the message sequence with the chat history in server
// order. Sends still in flight stay after the fetched history, and are the
// only entries left when the load fails. Only the most
// recently issued load applies its result; older responses return ErrStale.
func (m *Manager) LoadMessages(ctx context.Context, chatID string) ([]Message, error) {
	token, err := m.token(ctx)
	if err != nil {
		return nil, m.fail(err)
	}

	m.mu.Lock()
	if m.state != StateReady || chatID == "" || chatID != m.chatID {
		m.mu.Unlock()
		return nil, m.fail(ErrNoActiveChat)
	}
	epoch := m.epoch
	m.mu.Unlock()

	return m.load(ctx, token, chatID, epoch)
}

func (m *Manager) load(ctx context.Context, token, chatID string, epoch uint64) ([]Message, error) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return nil, ErrStale
	}
	m.loadGen++
	gen := m.loadGen
	m.loading = true
	m.version++
	m.mu.Unlock()
	m.notify()

	msgs, err := m.gw.FetchMessages(ctx, token, chatID)
	selfID := m.tokens.UserID(ctx)

	m.mu.Lock()
	if m.epoch != epoch || m.loadGen != gen {
		m.mu.Unlock()
		return nil, ErrStale
	}
	m.loading = false
	if err != nil {
		// sends still in flight stay visible until they resolve
		kept := make([]Entry, 0, m.pendingSends)
		for _, e := range m.entries {
			if p, ok := e.(Provisional); ok {
				kept = append(kept, p)
			}
		}
		m.entries = kept
		m.errMsg = Describe(err)
		m.version++
		m.mu.Unlock()
		m.notify()
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	fetched := make(map[string]struct{}, len(msgs))
	next := make([]Entry, 0, len(msgs)+len(m.entries))
	out := make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		c := Confirmed{m.viewLocked(msg, selfID)}
		fetched[c.ID] = struct{}{}
		next = append(next, c)
		out = append(out, c.View())
	}
	for _, e := range m.entries {
		switch e := e.(type) {
		case Provisional:
			next = append(next, e)
		case Confirmed:
			// confirmed by a send after this load was issued
			if _, ok := fetched[e.ID]; !ok && m.confirmedAt[e.ID] >= gen {
				next = append(next, e)
			}
		}
	}
	for id, g := range m.confirmedAt {
		if _, ok := fetched[id]; ok || g < gen {
			delete(m.confirmedAt, id)
		}
	}
	m.entries = next
	m.errMsg = ""
	m.version++
	m.mu.Unlock()
	m.notify()
	return out, nil
}

// Send appends a provisional message, submits it and reconciles the result:
// on success the provisional entry is replaced in place by the confirmed one,
// on failure it is removed and the error recorded. Preconditions are checked
// before anything is appended or sent. A send whose session was cleared or
// replaced while in flight returns ErrStale.
func (m *Manager) Send(ctx context.Context, chatID, text string, price *decimal.Decimal) (Message, error) {
	text = strings.TrimSpace(text)
	if price != nil && !price.IsPositive() {
		return Message{}, m.reject(ErrInvalidPrice)
	}
	if text == "" && price == nil {
		return Message{}, m.reject(ErrEmptyMessage)
	}

	m.mu.Lock()
	if m.state != StateReady || chatID == "" || chatID != m.chatID {
		m.mu.Unlock()
		return Message{}, m.reject(ErrNoActiveChat)
	}
	if price != nil && m.chatProductID == "" {
		m.mu.Unlock()
		return Message{}, m.reject(ErrMissingChatProduct)
	}
	chatProductID := m.chatProductID
	m.mu.Unlock()

	token, err := m.token(ctx)
	if err != nil {
		return Message{}, m.reject(err)
	}
	selfID := m.tokens.UserID(ctx)

	m.mu.Lock()
	if m.state != StateReady || chatID != m.chatID {
		m.mu.Unlock()
		return Message{}, m.reject(ErrNoActiveChat)
	}
	now := m.now()
	p := Provisional{Message{
		ID:            ulid.MustNew(ulid.Timestamp(now), m.entropy).String(),
		Text:          text,
		Sender:        SenderSelf,
		SenderID:      selfID,
		CreatedAt:     now,
		Timestamp:     m.format(now),
		Attachments:   []string{},
		ProposedPrice: clonePrice(price),
		Pending:       true,
	}}
	m.entries = append(m.entries, p)
	m.pendingSends++
	epoch := m.epoch
	m.version++
	m.mu.Unlock()
	m.notify()

	req := models.SendMessageRequest{MessageText: text, ProposedPrice: price}
	if price != nil {
		req.ChatProductID = chatProductID
	}
	sent, err := m.gw.SendMessage(ctx, token, chatID, req)
	if err == nil && sent.ID == "" {
		err = errors.New("send message: gateway returned no message id")
		// the message may still exist server side
		defer m.Refresh()
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		observability.IncOptimisticSend("stale")
		if err != nil {
			return Message{}, fmt.Errorf("send message: %w", err)
		}
		return Message{}, ErrStale
	}
	m.pendingSends--

	if err != nil {
		if i := indexOf(m.entries, p.ID); i >= 0 {
			m.entries = removeAt(m.entries, i)
		}
		m.errMsg = Describe(err)
		m.version++
		m.mu.Unlock()
		m.notify()
		observability.IncOptimisticSend("rolled_back")
		observability.PublishNegotiationEvent(ctx, "message_rolled_back", map[string]interface{}{
			"chat_id":        chatID,
			"provisional_id": p.ID,
			"error":          err.Error(),
		})
		return Message{}, fmt.Errorf("send message: %w", err)
	}

	c := Confirmed{m.confirmedView(sent, p, selfID)}
	i := indexOf(m.entries, p.ID)
	switch {
	case indexOf(m.entries, c.ID) >= 0:
		// a history load already delivered it
		if i >= 0 {
			m.entries = removeAt(m.entries, i)
		}
	case i >= 0:
		m.entries[i] = c
	default:
		m.entries = append(m.entries, c)
	}
	m.confirmedAt[c.ID] = m.loadGen
	m.version++
	m.mu.Unlock()
	m.notify()

	observability.IncOptimisticSend("confirmed")
	observability.PublishNegotiationEvent(ctx, "message_confirmed", map[string]interface{}{
		"chat_id":        chatID,
		"message_id":     c.ID,
		"provisional_id": p.ID,
		"offer":          c.IsOffer(),
	})
	return c.View(), nil
}

// Delete removes a confirmed message once the gateway has deleted it.
// Nothing changes locally while the request is in flight.
func (m *Manager) Delete(ctx context.Context, messageID string) error {
	token, err := m.token(ctx)
	if err != nil {
		return m.fail(err)
	}

	m.mu.Lock()
	if m.state != StateReady {
		m.mu.Unlock()
		return m.fail(ErrNoActiveChat)
	}
	i := indexOf(m.entries, messageID)
	if i < 0 {
		m.mu.Unlock()
		return m.fail(ErrMessageNotFound)
	}
	if _, ok := m.entries[i].(Provisional); ok {
		m.mu.Unlock()
		return m.fail(ErrProvisionalMessage)
	}
	chatID := m.chatID
	epoch := m.epoch
	m.deleting[messageID] = struct{}{}
	m.version++
	m.mu.Unlock()
	m.notify()

	err = m.gw.DeleteMessage(ctx, token, messageID)

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return err
	}
	delete(m.deleting, messageID)
	if err != nil {
		m.errMsg = Describe(err)
		m.version++
		m.mu.Unlock()
		m.notify()
		return fmt.Errorf("delete message: %w", err)
	}
	if i := indexOf(m.entries, messageID); i >= 0 {
		m.entries = removeAt(m.entries, i)
	}
	delete(m.confirmedAt, messageID)
	m.version++
	m.mu.Unlock()
	m.notify()

	observability.PublishNegotiationEvent(ctx, "message_deleted", map[string]interface{}{
		"chat_id":    chatID,
		"message_id": messageID,
	})
	return nil
}

// Clear resets the session to idle. Responses to requests issued before the
// call are ignored when they arrive. Clear is idempotent.
func (m *Manager) Clear() {
	m.mu.Lock()
	wasActive := m.state != StateIdle
	m.epoch++
	m.resetLocked()
	m.version++
	m.mu.Unlock()
	m.notify()

	if wasActive {
		observability.PublishNegotiationEvent(context.Background(), "session_cleared", nil)
	}
}

// Refresh requests a coalesced reload of the active chat's history. It
// reports whether a new reload was started.
func (m *Manager) Refresh() bool {
	return m.refresher.Request()
}

// WaitRefresh blocks until no reload is running or pending.
func (m *Manager) WaitRefresh(ctx context.Context) error {
	return m.refresher.Wait(ctx)
}

// Close clears the session and stops background reloads.
func (m *Manager) Close() {
	m.cancel()
	m.Clear()
}

// Snapshot returns a deep copy of the session state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		Version:       m.version,
		State:         m.state,
		ChatID:        m.chatID,
		ParticipantID: m.participantID,
		ProductID:     m.productID,
		ChatProductID: m.chatProductID,
		Messages:      make([]Message, 0, len(m.entries)),
		Error:         m.errMsg,
		Loading:       m.loading,
		PendingSends:  m.pendingSends,
		Deleting:      make([]string, 0, len(m.deleting)),
	}
	for _, e := range m.entries {
		s.Messages = append(s.Messages, e.View())
	}
	for id := range m.deleting {
		s.Deleting = append(s.Deleting, id)
	}
	sort.Strings(s.Deleting)
	return s
}

func (m *Manager) reload(ctx context.Context) error {
	m.mu.Lock()
	chatID, ready, epoch := m.chatID, m.state == StateReady, m.epoch
	m.mu.Unlock()
	if !ready {
		return nil
	}

	token, err := m.token(ctx)
	if err != nil {
		return m.fail(err)
	}
	_, err = m.load(ctx, token, chatID, epoch)
	if errors.Is(err, ErrStale) {
		return nil
	}
	return err
}

func (m *Manager) token(ctx context.Context) (string, error) {
	token, err := m.tokens.Token(ctx)
	if errors.Is(err, gateway.ErrNoToken) || (err == nil && token == "") {
		return "", ErrMissingToken
	}
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return token, nil
}

func (m *Manager) resetLocked() {
	m.state = StateIdle
	m.chatID = ""
	m.participantID = ""
	m.productID = ""
	m.chatProductID = ""
	m.entries = nil
	m.errMsg = ""
	m.loading = false
	m.pendingSends = 0
	m.deleting = map[string]struct{}{}
	m.confirmedAt = map[string]uint64{}
}

// fail records err on the session and returns it.
func (m *Manager) fail(err error) error {
	m.mu.Lock()
	m.errMsg = Describe(err)
	m.version++
	m.mu.Unlock()
	m.notify()
	return err
}

// failIdle drops any session state, records err and returns it.
func (m *Manager) failIdle(err error) error {
	m.mu.Lock()
	m.epoch++
	m.resetLocked()
	m.errMsg = Describe(err)
	m.version++
	m.mu.Unlock()
	m.notify()
	return err
}

func (m *Manager) reject(err error) error {
	observability.IncOptimisticSend("rejected")
	return m.fail(err)
}

func (m *Manager) notify() {
	if m.onChange == nil {
		return
	}
	m.onChange(m.Snapshot())
}

func (m *Manager) viewLocked(in models.Message, selfID string) Message {
	out := Message{
		ID:            in.ID,
		Text:          in.MessageText,
		Sender:        m.senderLocked(in.SenderID, selfID),
		SenderID:      in.SenderID,
		CreatedAt:     in.CreatedAt,
		Timestamp:     m.format(in.CreatedAt),
		Attachments:   append([]string{}, in.Attachments...),
		ProposedPrice: clonePrice(in.ProposedPrice),
	}
	return out
}

// confirmedView builds the confirmed entry for a send, filling what the
// gateway did not echo from the provisional one.
func (m *Manager) confirmedView(sent models.Message, p Provisional, selfID string) Message {
	out := Message{
		ID:            sent.ID,
		Text:          sent.MessageText,
		Sender:        SenderSelf,
		SenderID:      sent.SenderID,
		CreatedAt:     sent.CreatedAt,
		Attachments:   append([]string{}, sent.Attachments...),
		ProposedPrice: clonePrice(sent.ProposedPrice),
	}
	if out.Text == "" {
		out.Text = p.Text
	}
	if out.SenderID == "" {
		out.SenderID = selfID
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = p.CreatedAt
	}
	if out.ProposedPrice == nil {
		out.ProposedPrice = clonePrice(p.ProposedPrice)
	}
	out.Timestamp = m.format(out.CreatedAt)
	return out
}

// senderLocked compares the author with the buyer's own id, falling back to
// the seller id when the buyer's id is unknown.
func (m *Manager) senderLocked(authorID, selfID string) Sender {
	if selfID != "" {
		if authorID == selfID {
			return SenderSelf
		}
		return SenderCounterparty
	}
	if authorID != "" && authorID == m.participantID {
		return SenderCounterparty
	}
	return SenderSelf
}

func (m *Manager) format(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(m.layout)
}

func clonePrice(p *decimal.Decimal) *decimal.Decimal {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}
