package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/models"
	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/observability"
)

const tracerName = "negotiation-service/gateway"

// Client talks to the marketplace REST gateway.
type Client struct {
	BaseURL    string
	LanguageID string
	HTTP       *http.Client
}

// NewClient builds a Client with an explicit request timeout.
func NewClient(baseURL, languageID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		LanguageID: languageID,
		HTTP:       &http.Client{Timeout: timeout},
	}
}

// envelope is the wrapper every gateway response uses.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// ListChats returns the chats visible to the token's user.
func (c *Client) ListChats(ctx context.Context, token string) ([]models.Chat, error) {
	var chats []models.Chat
	if err := c.do(ctx, "ListChats", http.MethodGet, "/user/chat/list", token, nil, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

// CreateChat opens a direct chat with a seller about a product. When the
// gateway reports that the chat already exists, a *ConflictError carrying the
// existing chat is returned.
func (c *Client) CreateChat(ctx context.Context, token string, req models.CreateChatRequest) (models.Chat, error) {
	if req.ParticipantType == "" {
		req.ParticipantType = models.ParticipantTypeSeller
	}
	if req.ChatType == "" {
		req.ChatType = models.ChatTypeDirect
	}

	var chat models.Chat
	err := c.do(ctx, "CreateChat", http.MethodPost, "/user/chat/create", token, req, &chat)
	if err == nil {
		return chat, nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) && isConflict(apiErr) {
		conflict := &ConflictError{APIError: apiErr}
		if len(apiErr.Data) > 0 {
			_ = json.Unmarshal(apiErr.Data, &conflict.Existing)
		}
		return models.Chat{}, conflict
	}
	return models.Chat{}, err
}

// FetchMessages returns the chat history in server order.
func (c *Client) FetchMessages(ctx context.Context, token, chatID string) ([]models.Message, error) {
	body := models.FetchMessagesRequest{ChatID: chatID, LanguageID: c.LanguageID}
	var msgs []models.Message
	if err := c.do(ctx, "FetchMessages", http.MethodPost, "/user/chat/messages", token, body, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// SendMessage posts a message, optionally carrying a price proposal.
func (c *Client) SendMessage(ctx context.Context, token, chatID string, req models.SendMessageRequest) (models.Message, error) {
	var msg models.Message
	path := "/user/chat/" + url.PathEscape(chatID) + "/message"
	if err := c.do(ctx, "SendMessage", http.MethodPost, path, token, req, &msg); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// DeleteMessage removes a message on the server.
func (c *Client) DeleteMessage(ctx context.Context, token, messageID string) error {
	path := "/user/chat/message/" + url.PathEscape(messageID)
	return c.do(ctx, "DeleteMessage", http.MethodDelete, path, token, nil, nil)
}

// GuestLogin obtains a bearer token for an anonymous device.
func (c *Client) GuestLogin(ctx context.Context, deviceID string) (models.GuestLoginResponse, error) {
	var resp models.GuestLoginResponse
	body := models.GuestLoginRequest{DeviceID: deviceID, LanguageID: c.LanguageID}
	if err := c.do(ctx, "GuestLogin", http.MethodPost, "/user/auth/guest-login", "", body, &resp); err != nil {
		return models.GuestLoginResponse{}, err
	}
	if resp.Token == "" {
		return models.GuestLoginResponse{}, errors.New("gateway: guest login returned empty token")
	}
	return resp, nil
}

// CartCount returns the number of items in the buyer's cart.
func (c *Client) CartCount(ctx context.Context, token string) (int, error) {
	var cc models.CartCount
	if err := c.do(ctx, "CartCount", http.MethodGet, "/user/cart/count", token, nil, &cc); err != nil {
		return 0, err
	}
	return cc.Count, nil
}

func (c *Client) do(ctx context.Context, op, method, path, token string, in, out any) (err error) {
	if c.HTTP == nil {
		return errors.New("gateway: http client is nil")
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "gateway."+op, trace.WithSpanKind(trace.SpanKindClient))
	start := time.Now()
	defer func() {
		observability.ObserveGatewayRequest(op, outcome(err), time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: %s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("gateway: %s: read body: %w", op, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Op: op}
		if decodeErr == nil {
			apiErr.Message = env.Message
			apiErr.Data = env.Data
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if decodeErr != nil {
		return fmt.Errorf("gateway: %s: decode response: %w", op, decodeErr)
	}
	if !env.Success && env.Message != "" {
		// some endpoints answer 200 with success=false
		return &APIError{Status: resp.StatusCode, Op: op, Message: env.Message, Data: env.Data}
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("gateway: %s: decode data: %w", op, err)
	}
	return nil
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("%d", apiErr.Status)
	}
	return "transport_error"
}
