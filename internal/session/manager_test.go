package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/gateway"
	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/mocks"
	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/models"
)

var fixedNow = time.Date(2024, time.March, 5, 14, 30, 0, 0, time.UTC)

func newTestManager(t *testing.T) (*Manager, *mocks.GatewayMock) {
	t.Helper()
	gw := new(mocks.GatewayMock)
	tokens := new(mocks.TokensMock)
	tokens.On("Token", mock.Anything).Return("tok", nil).Maybe()
	tokens.On("UserID", mock.Anything).Return("buyer-1").Maybe()
	m := NewManager(gw, tokens, Options{Now: func() time.Time { return fixedNow }})
	t.Cleanup(m.Close)
	return m, gw
}

func sellerChat(id string, products ...models.ChatProduct) models.Chat {
	return models.Chat{
		ID:              id,
		ParticipantID:   "p1",
		ParticipantType: models.ParticipantTypeSeller,
		ChatType:        models.ChatTypeDirect,
		ProductID:       "prod1",
		ChatProducts:    products,
	}
}

// readyManager returns a manager with chat c1 active and the given history.
func readyManager(t *testing.T, history []models.Message, products ...models.ChatProduct) (*Manager, *mocks.GatewayMock) {
	t.Helper()
	m, gw := newTestManager(t)
	gw.On("ListChats", mock.Anything, "tok").Return([]models.Chat{sellerChat("c1", products...)}, nil).Once()
	gw.On("FetchMessages", mock.Anything, "tok", "c1").Return(history, nil).Once()

	chatID, err := m.Discover(context.Background(), DiscoverInput{ParticipantID: "p1", ProductID: "prod1"})
	require.NoError(t, err)
	require.Equal(t, "c1", chatID)
	return m, gw
}

func messageIDs(s Snapshot) []string {
	ids := make([]string, 0, len(s.Messages))
	for _, msg := range s.Messages {
		ids = append(ids, msg.ID)
	}
	return ids
}

func textIs(text string) interface{} {
	return mock.MatchedBy(func(req models.SendMessageRequest) bool { return req.MessageText == text })
}

func TestDiscoverCreatesChatWhenNoneExists(t *testing.T) {
	m, gw := newTestManager(t)
	gw.On("ListChats", mock.Anything, "tok").Return([]models.Chat{}, nil).Once()
	gw.On("CreateChat", mock.Anything, "tok", mock.MatchedBy(func(req models.CreateChatRequest) bool {
		return req.ParticipantID == "p1" && req.ProductID == "prod1" && req.VariantID == "v1" &&
			req.InventoryID == "i1" && req.ParticipantType == "seller" && req.ChatType == "direct"
	})).Return(models.Chat{ID: "c1", ChatProducts: []models.ChatProduct{{ID: "cp1", ProductID: "prod1"}}}, nil).Once()
	gw.On("FetchMessages", mock.Anything, "tok", "c1").Return([]models.Message{}, nil).Twice()

	chatID, err := m.Discover(context.Background(), DiscoverInput{
		ParticipantID: "p1", ProductID: "prod1", VariantID: "v1", InventoryID: "i1",
	})
	require.NoError(t, err)
	assert.Equal(t, "c1", chatID)

	msgs, err := m.LoadMessages(context.Background(), "c1")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	snap := m.Snapshot()
	assert.Equal(t, StateReady, snap.State)
	assert.Equal(t, "c1", snap.ChatID)
	assert.Equal(t, "cp1", snap.ChatProductID)
	assert.Empty(t, snap.Messages)
	assert.Empty(t, snap.Error)
	gw.AssertExpectations(t)
}

func TestDiscoverIsIdempotent(t *testing.T) {
	m, gw := newTestManager(t)
	gw.On("ListChats", mock.Anything, "tok").Return([]models.Chat{
		{ID: "other", ParticipantID: "p1", ProductID: "prod2", ChatType: "direct"},
		sellerChat("c1", models.ChatProduct{ID: "cp1", ProductID: "prod1"}),
	}, nil).Twice()
	gw.On("FetchMessages", mock.Anything, "tok", "c1").Return([]models.Message{}, nil).Twice()

	in := DiscoverInput{ParticipantID: "p1", ProductID: "prod1"}
	first, err := m.Discover(context.Background(), in)
	require.NoError(t, err)
	second, err := m.Discover(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, "c1", first)
	assert.Equal(t, first, second)
	gw.AssertNotCalled(t, "CreateChat", mock.Anything, mock.Anything, mock.Anything)
}

func TestDiscoverRequiresParticipantAndProduct(t *testing.T) {
	m, gw := newTestManager(t)

	_, err := m.Discover(context.Background(), DiscoverInput{ProductID: "prod1"})
	assert.ErrorIs(t, err, ErrMissingParticipant)

	_, err = m.Discover(context.Background(), DiscoverInput{ParticipantID: "p1", ProductID: "  "})
	assert.ErrorIs(t, err, ErrMissingProduct)

	snap := m.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.ChatID)
	assert.NotEmpty(t, snap.Error)
	gw.AssertNotCalled(t, "ListChats", mock.Anything, mock.Anything)
}

func TestDiscoverWithoutToken(t *testing.T) {
	gw := new(mocks.GatewayMock)
	tokens := new(mocks.TokensMock)
	tokens.On("Token", mock.Anything).Return("", gateway.ErrNoToken)
	m := NewManager(gw, tokens, Options{})
	defer m.Close()

	_, err := m.Discover(context.Background(), DiscoverInput{ParticipantID: "p1", ProductID: "prod1"})
	assert.ErrorIs(t, err, ErrMissingToken)
	assert.Equal(t, StateIdle, m.Snapshot().State)
	assert.Equal(t, ErrMissingToken.Error(), m.Snapshot().Error)
	gw.AssertNotCalled(t, "ListChats", mock.Anything, mock.Anything)
}

func TestDiscoverAdoptsExistingChatOnConflict(t *testing.T) {
	m, gw := newTestManager(t)
	gw.On("ListChats", mock.Anything, "tok").Return([]models.Chat{}, nil).Once()
	gw.On("CreateChat", mock.Anything, "tok", mock.Anything).Return(models.Chat{}, &gateway.ConflictError{
		APIError: &gateway.APIError{Status: 409, Op: "CreateChat", Message: "Chat already exists"},
		Existing: models.Chat{ID: "c9", ChatProducts: []models.ChatProduct{{ID: "cp9", ProductID: "prod1"}}},
	}).Once()
	gw.On("FetchMessages", mock.Anything, "tok", "c9").Return([]models.Message{}, nil).Once()

	chatID, err := m.Discover(context.Background(), DiscoverInput{ParticipantID: "p1", ProductID: "prod1"})
	require.NoError(t, err)
	assert.Equal(t, "c9", chatID)

	snap := m.Snapshot()
	assert.Equal(t, StateReady, snap.State)
	assert.Equal(t, "cp9", snap.ChatProductID)
	assert.Empty(t, snap.Error)
	gw.AssertExpectations(t)
}

func TestDiscoverConflictWithoutProductsListsAgain(t *testing.T) {
	m, gw := newTestManager(t)
	gw.On("ListChats", mock.Anything, "tok").Return([]models.Chat{}, nil).Once()
	gw.On("CreateChat", mock.Anything, "tok", mock.Anything).Return(models.Chat{}, &gateway.ConflictError{
		APIError: &gateway.APIError{Status: 400, Op: "CreateChat", Message: "chat already exists"},
	}).Once()
	gw.On("ListChats", mock.Anything, "tok").Return([]models.Chat{
		sellerChat("c7", models.ChatProduct{ID: "cp7", ProductID: "prod1"}),
	}, nil).Once()
	gw.On("FetchMessages", mock.Anything, "tok", "c7").Return([]models.Message{}, nil).Once()

	chatID, err := m.Discover(context.Background(), DiscoverInput{ParticipantID: "p1", ProductID: "prod1"})
	require.NoError(t, err)
	assert.Equal(t, "c7", chatID)
	assert.Equal(t, "cp7", m.Snapshot().ChatProductID)
	gw.AssertExpectations(t)
}

func TestDiscoverFailureLeavesIdle(t *testing.T) {
	m, gw := readyManager(t, []models.Message{{ID: "h1", MessageText: "hi", SenderID: "p1"}},
		models.ChatProduct{ID: "cp1", ProductID: "prod1"})
	gw.On("ListChats", mock.Anything, "tok").Return(nil,
		&gateway.APIError{Status: 500, Op: "ListChats", Message: "service unavailable"}).Once()

	chatID, err := m.Discover(context.Background(), DiscoverInput{ParticipantID: "p2", ProductID: "prod2"})
	require.Error(t, err)
	assert.Empty(t, chatID)

	snap := m.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.ChatID)
	assert.Empty(t, snap.ChatProductID)
	assert.Empty(t, snap.Messages)
	assert.Equal(t, "service unavailable", snap.Error)
}

func TestDiscoverKeepsChatWhenHistoryFails(t *testing.T) {
	m, gw := newTestManager(t)
	gw.On("ListChats", mock.Anything, "tok").Return([]models.Chat{sellerChat("c1")}, nil).Once()
	gw.On("FetchMessages", mock.Anything, "tok", "c1").Return(nil, errors.New("connection reset")).Once()

	chatID, err := m.Discover(context.Background(), DiscoverInput{ParticipantID: "p1", ProductID: "prod1"})
	require.NoError(t, err)
	assert.Equal(t, "c1", chatID)

	snap := m.Snapshot()
	assert.Equal(t, StateReady, snap.State)
	assert.Empty(t, snap.Messages)
	assert.Contains(t, snap.Error, "connection reset")
}

func TestLoadMessagesReplacesSequence(t *testing.T) {
	m, gw := readyManager(t, []models.Message{{ID: "old", MessageText: "old"}})
	gw.On("FetchMessages", mock.Anything, "tok", "c1").Return([]models.Message{
		{ID: "h2", MessageText: "second", SenderID: "buyer-1", CreatedAt: fixedNow},
		{ID: "h1", MessageText: "first", SenderID: "p1", CreatedAt: fixedNow.Add(-time.Hour)},
	}, nil).Once()

	msgs, err := m.LoadMessages(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, []string{"h2", "h1"}, messageIDs(m.Snapshot()))
	assert.Equal(t, SenderSelf, msgs[0].Sender)
	assert.Equal(t, SenderCounterparty, msgs[1].Sender)
	assert.Equal(t, "Mar 5 14:30", msgs[0].Timestamp)
	assert.NotNil(t, msgs[0].Attachments)
}

func TestMessagesEncodeAttachmentsAsList(t *testing.T) {
	m, gw := readyManager(t, []models.Message{{ID: "h1", MessageText: "hi", SenderID: "p1"}})
	gw.On("SendMessage", mock.Anything, "tok", "c1", textIs("hello")).
		Return(models.Message{ID: "m1", MessageText: "hello"}, nil).Once()

	_, err := m.Send(context.Background(), "c1", "hello", nil)
	require.NoError(t, err)

	raw, err := json.Marshal(m.Snapshot().Messages)
	require.NoError(t, err)
	var decoded []map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Len(t, decoded, 2)
	for _, msg := range decoded {
		assert.Equal(t, []interface{}{}, msg["attachments"], "message %v", msg["id"])
	}
}

func TestLoadMessagesForWrongChat(t *testing.T) {
	m, gw := readyManager(t, nil)

	_, err := m.LoadMessages(context.Background(), "c2")
	assert.ErrorIs(t, err, ErrNoActiveChat)
	gw.AssertNumberOfCalls(t, "FetchMessages", 1)
}

func TestLoadMessagesFailureEmptiesList(t *testing.T) {
	m, gw := readyManager(t, []models.Message{{ID: "h1", MessageText: "hi"}})
	gw.On("FetchMessages", mock.Anything, "tok", "c1").Return(nil,
		&gateway.APIError{Status: 502, Op: "FetchMessages"}).Once()

	_, err := m.LoadMessages(context.Background(), "c1")
	require.Error(t, err)

	snap := m.Snapshot()
	assert.Empty(t, snap.Messages)
	assert.False(t, snap.Loading)
	assert.Equal(t, "request failed with status 502", snap.Error)
}

func TestLoadFailureKeepsInFlightSends(t *testing.T) {
	m, gw := readyManager(t, []models.Message{{ID: "h1", MessageText: "hi"}})

	release := make(chan struct{})
	gw.On("SendMessage", mock.Anything, "tok", "c1", textIs("pending")).Run(func(mock.Arguments) {
		<-release
	}).Return(models.Message{ID: "m1", MessageText: "pending"}, nil).Once()
	gw.On("FetchMessages", mock.Anything, "tok", "c1").Return(nil,
		&gateway.APIError{Status: 502, Op: "FetchMessages"}).Once()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.Send(context.Background(), "c1", "pending", nil)
	}()
	require.Eventually(t, func() bool { return m.Snapshot().PendingSends == 1 }, time.Second, 5*time.Millisecond)

	_, err := m.LoadMessages(context.Background(), "c1")
	require.Error(t, err)

	snap := m.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.True(t, snap.Messages[0].Pending)
	assert.Equal(t, "pending", snap.Messages[0].Text)
	assert.Equal(t, 1, snap.PendingSends)

	close(release)
	<-done
	snap = m.Snapshot()
	assert.Equal(t, []string{"m1"}, messageIDs(snap))
	assert.Equal(t, 0, snap.PendingSends)
}

func TestStaleLoadIsDiscarded(t *testing.T) {
	m, gw := readyManager(t, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	gw.On("FetchMessages", mock.Anything, "tok", "c1").Run(func(mock.Arguments) {
		close(started)
		<-release
	}).Return([]models.Message{{ID: "stale"}}, nil).Once()
	gw.On("FetchMessages", mock.Anything, "tok", "c1").Return([]models.Message{{ID: "fresh"}}, nil).Once()

	errCh := make(chan error, 1)
	go func() {
		_, err := m.LoadMessages(context.Background(), "c1")
		errCh <- err
	}()
	<-started

	_, err := m.LoadMessages(context.Background(), "c1")
	require.NoError(t, err)

	close(release)
	assert.ErrorIs(t, <-errCh, ErrStale)
	assert.Equal(t, []string{"fresh"}, messageIDs(m.Snapshot()))
	assert.False(t, m.Snapshot().Loading)
}

func TestSendConfirmsInPlace(t *testing.T) {
	m, gw := readyManager(t, []models.Message{})

	release := make(chan struct{})
	gw.On("SendMessage", mock.Anything, "tok", "c1", textIs("Hello")).Run(func(mock.Arguments) {
		<-release
	}).Return(models.Message{ID: "m1", MessageText: "Hello", CreatedAt: fixedNow}, nil).Once()

	done := make(chan struct{})
	var sent Message
	var sendErr error
	go func() {
		defer close(done)
		sent, sendErr = m.Send(context.Background(), "c1", "Hello", nil)
	}()

	require.Eventually(t, func() bool { return m.Snapshot().PendingSends == 1 }, time.Second, 5*time.Millisecond)
	snap := m.Snapshot()
	require.Len(t, snap.Messages, 1)
	provisional := snap.Messages[0]
	assert.True(t, provisional.Pending)
	assert.NotEmpty(t, provisional.ID)
	assert.NotEqual(t, "m1", provisional.ID)
	assert.Equal(t, "Hello", provisional.Text)
	assert.Equal(t, SenderSelf, provisional.Sender)

	close(release)
	<-done
	require.NoError(t, sendErr)
	assert.Equal(t, "m1", sent.ID)

	snap = m.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "m1", snap.Messages[0].ID)
	assert.Equal(t, "Hello", snap.Messages[0].Text)
	assert.False(t, snap.Messages[0].Pending)
	assert.Equal(t, "buyer-1", snap.Messages[0].SenderID)
	assert.Equal(t, 0, snap.PendingSends)
}

func TestSendPreservesCallOrder(t *testing.T) {
	m, gw := readyManager(t, []models.Message{{ID: "h1", MessageText: "hi", SenderID: "p1"}})
	for i, text := range []string{"one", "two", "three"} {
		id := []string{"m1", "m2", "m3"}[i]
		gw.On("SendMessage", mock.Anything, "tok", "c1", textIs(text)).
			Return(models.Message{ID: id, MessageText: text}, nil).Once()
	}

	for _, text := range []string{"one", "two", "three"} {
		_, err := m.Send(context.Background(), "c1", text, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"h1", "m1", "m2", "m3"}, messageIDs(m.Snapshot()))
}

func TestSendConfirmationKeepsSlotWhenResolvedOutOfOrder(t *testing.T) {
	m, gw := readyManager(t, nil)

	releaseA := make(chan struct{})
	gw.On("SendMessage", mock.Anything, "tok", "c1", textIs("A")).Run(func(mock.Arguments) {
		<-releaseA
	}).Return(models.Message{ID: "mA", MessageText: "A"}, nil).Once()
	gw.On("SendMessage", mock.Anything, "tok", "c1", textIs("B")).
		Return(models.Message{ID: "mB", MessageText: "B"}, nil).Once()

	doneA := make(chan error, 1)
	go func() {
		_, err := m.Send(context.Background(), "c1", "A", nil)
		doneA <- err
	}()
	require.Eventually(t, func() bool { return m.Snapshot().PendingSends == 1 }, time.Second, 5*time.Millisecond)

	_, err := m.Send(context.Background(), "c1", "B", nil)
	require.NoError(t, err)

	snap := m.Snapshot()
	require.Len(t, snap.Messages, 2)
	assert.True(t, snap.Messages[0].Pending)
	assert.Equal(t, "mB", snap.Messages[1].ID)

	close(releaseA)
	require.NoError(t, <-doneA)
	assert.Equal(t, []string{"mA", "mB"}, messageIDs(m.Snapshot()))
}

func TestSendFailureRollsBack(t *testing.T) {
	m, gw := readyManager(t, []models.Message{{ID: "h1", MessageText: "hi", SenderID: "p1"}})
	before := m.Snapshot().Messages
	gw.On("SendMessage", mock.Anything, "tok", "c1", textIs("Hello")).Return(nil,
		&gateway.APIError{Status: 400, Op: "SendMessage", Message: "message rejected"}).Once()

	_, err := m.Send(context.Background(), "c1", "Hello", nil)
	require.Error(t, err)

	snap := m.Snapshot()
	assert.Equal(t, before, snap.Messages)
	assert.Equal(t, "message rejected", snap.Error)
	assert.Equal(t, 0, snap.PendingSends)
}

func TestConcurrentSendsResolveIndependently(t *testing.T) {
	m, gw := readyManager(t, nil)

	releaseA := make(chan struct{})
	gw.On("SendMessage", mock.Anything, "tok", "c1", textIs("A")).Run(func(mock.Arguments) {
		<-releaseA
	}).Return(nil, errors.New("timeout")).Once()
	gw.On("SendMessage", mock.Anything, "tok", "c1", textIs("B")).
		Return(models.Message{ID: "mB", MessageText: "B"}, nil).Once()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := m.Send(context.Background(), "c1", "A", nil)
		assert.Error(t, err)
	}()
	require.Eventually(t, func() bool { return m.Snapshot().PendingSends == 1 }, time.Second, 5*time.Millisecond)

	_, err := m.Send(context.Background(), "c1", "B", nil)
	require.NoError(t, err)
	close(releaseA)
	wg.Wait()

	snap := m.Snapshot()
	assert.Equal(t, []string{"mB"}, messageIDs(snap))
	assert.Equal(t, "timeout", snap.Error)
}

func TestSendOfferWithoutChatProduct(t *testing.T) {
	m, gw := readyManager(t, nil)
	price := decimal.NewFromInt(50)

	_, err := m.Send(context.Background(), "c1", "", &price)
	assert.ErrorIs(t, err, ErrMissingChatProduct)

	snap := m.Snapshot()
	assert.Empty(t, snap.Messages)
	assert.Equal(t, ErrMissingChatProduct.Error(), snap.Error)
	assert.False(t, snap.CanOffer())
	gw.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSendOfferCarriesChatProduct(t *testing.T) {
	m, gw := readyManager(t, nil, models.ChatProduct{ID: "cp1", ProductID: "prod1"})
	price := decimal.RequireFromString("49.99")
	gw.On("SendMessage", mock.Anything, "tok", "c1", mock.MatchedBy(func(req models.SendMessageRequest) bool {
		return req.ChatProductID == "cp1" && req.ProposedPrice != nil && req.ProposedPrice.Equal(price)
	})).Return(models.Message{ID: "m1"}, nil).Once()

	sent, err := m.Send(context.Background(), "c1", "", &price)
	require.NoError(t, err)
	require.True(t, sent.IsOffer())
	assert.True(t, sent.ProposedPrice.Equal(price))
	assert.True(t, m.Snapshot().CanOffer())
	gw.AssertExpectations(t)
}

func TestSendPlainMessageOmitsChatProduct(t *testing.T) {
	m, gw := readyManager(t, nil, models.ChatProduct{ID: "cp1", ProductID: "prod1"})
	gw.On("SendMessage", mock.Anything, "tok", "c1", mock.MatchedBy(func(req models.SendMessageRequest) bool {
		return req.ChatProductID == "" && req.ProposedPrice == nil && req.MessageText == "is it new?"
	})).Return(models.Message{ID: "m1", MessageText: "is it new?"}, nil).Once()

	_, err := m.Send(context.Background(), "c1", "  is it new? ", nil)
	require.NoError(t, err)
	gw.AssertExpectations(t)
}

func TestSendPreconditions(t *testing.T) {
	m, gw := readyManager(t, nil, models.ChatProduct{ID: "cp1", ProductID: "prod1"})
	zero := decimal.Zero
	negative := decimal.NewFromInt(-5)

	_, err := m.Send(context.Background(), "c1", "   ", nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)
	_, err = m.Send(context.Background(), "c1", "offer", &zero)
	assert.ErrorIs(t, err, ErrInvalidPrice)
	_, err = m.Send(context.Background(), "c1", "offer", &negative)
	assert.ErrorIs(t, err, ErrInvalidPrice)
	_, err = m.Send(context.Background(), "c2", "hello", nil)
	assert.ErrorIs(t, err, ErrNoActiveChat)

	assert.Empty(t, m.Snapshot().Messages)
	gw.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestLoadKeepsInFlightSends(t *testing.T) {
	m, gw := readyManager(t, nil)

	release := make(chan struct{})
	gw.On("SendMessage", mock.Anything, "tok", "c1", textIs("pending")).Run(func(mock.Arguments) {
		<-release
	}).Return(models.Message{ID: "m1", MessageText: "pending"}, nil).Once()
	gw.On("FetchMessages", mock.Anything, "tok", "c1").Return([]models.Message{{ID: "h1", MessageText: "hi"}}, nil).Once()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.Send(context.Background(), "c1", "pending", nil)
	}()
	require.Eventually(t, func() bool { return m.Snapshot().PendingSends == 1 }, time.Second, 5*time.Millisecond)

	_, err := m.LoadMessages(context.Background(), "c1")
	require.NoError(t, err)
	snap := m.Snapshot()
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "h1", snap.Messages[0].ID)
	assert.True(t, snap.Messages[1].Pending)

	close(release)
	<-done
	assert.Equal(t, []string{"h1", "m1"}, messageIDs(m.Snapshot()))
}

func TestSendDropsProvisionalAlreadyLoaded(t *testing.T) {
	m, gw := readyManager(t, nil)

	release := make(chan struct{})
	gw.On("SendMessage", mock.Anything, "tok", "c1", textIs("dup")).Run(func(mock.Arguments) {
		<-release
	}).Return(models.Message{ID: "m1", MessageText: "dup"}, nil).Once()
	gw.On("FetchMessages", mock.Anything, "tok", "c1").Return([]models.Message{{ID: "m1", MessageText: "dup", SenderID: "buyer-1"}}, nil).Once()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.Send(context.Background(), "c1", "dup", nil)
	}()
	require.Eventually(t, func() bool { return m.Snapshot().PendingSends == 1 }, time.Second, 5*time.Millisecond)

	_, err := m.LoadMessages(context.Background(), "c1")
	require.NoError(t, err)
	close(release)
	<-done

	assert.Equal(t, []string{"m1"}, messageIDs(m.Snapshot()))
}

func TestClearResetsState(t *testing.T) {
	m, _ := readyManager(t, []models.Message{{ID: "h1", MessageText: "hi"}},
		models.ChatProduct{ID: "cp1", ProductID: "prod1"})

	m.Clear()
	assert.True(t, m.Snapshot().IsEmpty())

	m.Clear()
	assert.True(t, m.Snapshot().IsEmpty())
}

func TestClearIgnoresLateSend(t *testing.T) {
	m, gw := readyManager(t, nil)

	release := make(chan struct{})
	gw.On("SendMessage", mock.Anything, "tok", "c1", textIs("late")).Run(func(mock.Arguments) {
		<-release
	}).Return(models.Message{ID: "m1", MessageText: "late"}, nil).Once()

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Send(context.Background(), "c1", "late", nil)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return m.Snapshot().PendingSends == 1 }, time.Second, 5*time.Millisecond)

	m.Clear()
	close(release)

	assert.ErrorIs(t, <-errCh, ErrStale)
	assert.True(t, m.Snapshot().IsEmpty())
}

func TestClearIgnoresLateLoad(t *testing.T) {
	m, gw := readyManager(t, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	gw.On("FetchMessages", mock.Anything, "tok", "c1").Run(func(mock.Arguments) {
		close(started)
		<-release
	}).Return([]models.Message{{ID: "h1"}}, nil).Once()

	errCh := make(chan error, 1)
	go func() {
		_, err := m.LoadMessages(context.Background(), "c1")
		errCh <- err
	}()
	<-started

	m.Clear()
	close(release)
	assert.ErrorIs(t, <-errCh, ErrStale)
	assert.True(t, m.Snapshot().IsEmpty())
}

func TestDeleteRemovesAfterConfirmation(t *testing.T) {
	m, gw := readyManager(t, []models.Message{{ID: "h1"}, {ID: "h2"}})

	release := make(chan struct{})
	gw.On("DeleteMessage", mock.Anything, "tok", "h1").Run(func(mock.Arguments) {
		<-release
	}).Return(nil).Once()

	errCh := make(chan error, 1)
	go func() { errCh <- m.Delete(context.Background(), "h1") }()

	require.Eventually(t, func() bool { return len(m.Snapshot().Deleting) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"h1", "h2"}, messageIDs(m.Snapshot()))

	close(release)
	require.NoError(t, <-errCh)
	snap := m.Snapshot()
	assert.Equal(t, []string{"h2"}, messageIDs(snap))
	assert.Empty(t, snap.Deleting)
}

func TestDeleteFailureKeepsMessage(t *testing.T) {
	m, gw := readyManager(t, []models.Message{{ID: "h1"}})
	gw.On("DeleteMessage", mock.Anything, "tok", "h1").Return(
		&gateway.APIError{Status: 403, Op: "DeleteMessage", Message: "forbidden"}).Once()

	err := m.Delete(context.Background(), "h1")
	require.Error(t, err)

	snap := m.Snapshot()
	assert.Equal(t, []string{"h1"}, messageIDs(snap))
	assert.Equal(t, "forbidden", snap.Error)
}

func TestDeleteRejectsUnknownAndProvisional(t *testing.T) {
	m, gw := readyManager(t, nil)

	assert.ErrorIs(t, m.Delete(context.Background(), "nope"), ErrMessageNotFound)

	release := make(chan struct{})
	defer close(release)
	gw.On("SendMessage", mock.Anything, "tok", "c1", textIs("wait")).Run(func(mock.Arguments) {
		<-release
	}).Return(models.Message{ID: "m1"}, nil).Maybe()
	go func() { _, _ = m.Send(context.Background(), "c1", "wait", nil) }()
	require.Eventually(t, func() bool { return m.Snapshot().PendingSends == 1 }, time.Second, 5*time.Millisecond)

	provisionalID := m.Snapshot().Messages[0].ID
	assert.ErrorIs(t, m.Delete(context.Background(), provisionalID), ErrProvisionalMessage)
	gw.AssertNotCalled(t, "DeleteMessage", mock.Anything, mock.Anything, mock.Anything)
}

func TestRefreshReloadsHistory(t *testing.T) {
	m, gw := readyManager(t, nil)
	gw.On("FetchMessages", mock.Anything, "tok", "c1").Return([]models.Message{{ID: "h1"}}, nil)

	m.Refresh()
	require.NoError(t, m.WaitRefresh(context.Background()))
	assert.Equal(t, []string{"h1"}, messageIDs(m.Snapshot()))
}

func TestOnChangeReceivesIncreasingVersions(t *testing.T) {
	gw := new(mocks.GatewayMock)
	tokens := new(mocks.TokensMock)
	tokens.On("Token", mock.Anything).Return("tok", nil)
	tokens.On("UserID", mock.Anything).Return("buyer-1")

	var mu sync.Mutex
	var versions []uint64
	m := NewManager(gw, tokens, Options{OnChange: func(s Snapshot) {
		mu.Lock()
		versions = append(versions, s.Version)
		mu.Unlock()
	}})
	defer m.Close()

	gw.On("ListChats", mock.Anything, "tok").Return([]models.Chat{sellerChat("c1")}, nil)
	gw.On("FetchMessages", mock.Anything, "tok", "c1").Return([]models.Message{}, nil)
	_, err := m.Discover(context.Background(), DiscoverInput{ParticipantID: "p1", ProductID: "prod1"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, versions)
	for i := 1; i < len(versions); i++ {
		assert.Greater(t, versions[i], versions[i-1])
	}
}
