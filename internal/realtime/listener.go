package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/models"
	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/observability"
)

const wsKind = "gateway"

// Listener follows the gateway's per-chat event stream.
type Listener struct {
	BaseURL        string
	Dialer         *websocket.Dialer
	ReconnectDelay time.Duration
}

// NewListener returns a Listener dialing chats under baseURL (ws:// or wss://).
func NewListener(baseURL string) *Listener {
	return &Listener{
		BaseURL:        strings.TrimRight(baseURL, "/"),
		Dialer:         &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		ReconnectDelay: 3 * time.Second,
	}
}

// Run delivers chat events to onEvent until ctx is cancelled, reconnecting
// after a delay whenever the stream drops.
func (l *Listener) Run(ctx context.Context, token, chatID string, onEvent func(models.ChatEvent)) error {
	for {
		err := l.listen(ctx, token, chatID, onEvent)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("realtime: chat %s stream dropped: %v", chatID, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.ReconnectDelay):
		}
	}
}

func (l *Listener) listen(ctx context.Context, token, chatID string, onEvent func(models.ChatEvent)) error {
	endpoint := fmt.Sprintf("%s/user/chat/%s/ws?token=%s", l.BaseURL, url.PathEscape(chatID), url.QueryEscape(token))
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := l.Dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial chat stream: status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial chat stream: %w", err)
	}
	defer conn.Close()

	observability.IncWSActive(wsKind)
	observability.IncWSEvent(wsKind, "ws_connect")
	defer observability.DecWSActive(wsKind)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		var ev models.ChatEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			log.Printf("realtime: chat %s: skipping malformed event: %v", chatID, err)
			continue
		}
		if ev.Type == "" {
			continue
		}
		observability.IncWSEvent(wsKind, ev.Type)
		onEvent(ev)
	}
}
