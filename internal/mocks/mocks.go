package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/models"
	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/storage"
)

type GatewayMock struct {
	mock.Mock
}

func (m *GatewayMock) ListChats(ctx context.Context, token string) ([]models.Chat, error) {
	args := m.Called(ctx, token)
	var chats []models.Chat
	if val := args.Get(0); val != nil {
		chats = val.([]models.Chat)
	}
	return chats, args.Error(1)
}

func (m *GatewayMock) CreateChat(ctx context.Context, token string, req models.CreateChatRequest) (models.Chat, error) {
	args := m.Called(ctx, token, req)
	var chat models.Chat
	if val := args.Get(0); val != nil {
		chat = val.(models.Chat)
	}
	return chat, args.Error(1)
}

func (m *GatewayMock) FetchMessages(ctx context.Context, token, chatID string) ([]models.Message, error) {
	args := m.Called(ctx, token, chatID)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *GatewayMock) SendMessage(ctx context.Context, token, chatID string, req models.SendMessageRequest) (models.Message, error) {
	args := m.Called(ctx, token, chatID, req)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *GatewayMock) DeleteMessage(ctx context.Context, token, messageID string) error {
	args := m.Called(ctx, token, messageID)
	return args.Error(0)
}

func (m *GatewayMock) GuestLogin(ctx context.Context, deviceID string) (models.GuestLoginResponse, error) {
	args := m.Called(ctx, deviceID)
	var resp models.GuestLoginResponse
	if val := args.Get(0); val != nil {
		resp = val.(models.GuestLoginResponse)
	}
	return resp, args.Error(1)
}

func (m *GatewayMock) CartCount(ctx context.Context, token string) (int, error) {
	args := m.Called(ctx, token)
	return args.Int(0), args.Error(1)
}

type TokensMock struct {
	mock.Mock
}

func (m *TokensMock) Token(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *TokensMock) UserID(ctx context.Context) string {
	args := m.Called(ctx)
	return args.String(0)
}

type StoreMock struct {
	mock.Mock
}

func (m *StoreMock) Get(ctx context.Context, key string) (string, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Error(1)
}

func (m *StoreMock) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	args := m.Called(ctx, key, value, ttl)
	return args.Error(0)
}

func (m *StoreMock) Del(ctx context.Context, keys ...string) (int64, error) {
	args := m.Called(ctx, keys)
	var n int64
	if val := args.Get(0); val != nil {
		n = val.(int64)
	}
	return n, args.Error(1)
}

func (m *StoreMock) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *StoreMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

var _ storage.Store = (*StoreMock)(nil)
var _ interface {
	ListChats(context.Context, string) ([]models.Chat, error)
	CreateChat(context.Context, string, models.CreateChatRequest) (models.Chat, error)
	FetchMessages(context.Context, string, string) ([]models.Message, error)
	SendMessage(context.Context, string, string, models.SendMessageRequest) (models.Message, error)
	DeleteMessage(context.Context, string, string) error
	GuestLogin(context.Context, string) (models.GuestLoginResponse, error)
	CartCount(context.Context, string) (int, error)
} = (*GatewayMock)(nil)
var _ interface {
	Token(context.Context) (string, error)
	UserID(context.Context) string
} = (*TokensMock)(nil)
