package ws

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/observability"
	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/session"
)

const wsKind = "negotiation"

type client struct {
	info ConnInfo
	// guards writes; gorilla connections allow one writer at a time
	mu          sync.Mutex
	lastVersion uint64
}

// Hub maintains the view connections watching each negotiation session.
type Hub struct {
	rooms map[string]map[*websocket.Conn]*client
	mu    sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*websocket.Conn]*client)}
}

// AddClient registers a websocket connection watching handle.
func (h *Hub) AddClient(handle string, conn *websocket.Conn, info ConnInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[handle]; !ok {
		h.rooms[handle] = make(map[*websocket.Conn]*client)
	}
	h.rooms[handle][conn] = &client{info: info}
}

// RemoveClient removes a websocket connection.
func (h *Hub) RemoveClient(handle string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[handle]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.rooms, handle)
		}
	}
}

// Clients returns the number of connections watching handle.
func (h *Hub) Clients(handle string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[handle])
}

// BroadcastSnapshot pushes snap to every connection watching handle.
// Snapshots older than one already delivered to a connection are skipped.
func (h *Hub) BroadcastSnapshot(handle string, snap session.Snapshot) {
	h.mu.RLock()
	room := h.rooms[handle]
	targets := make(map[*websocket.Conn]*client, len(room))
	for conn, cl := range room {
		targets[conn] = cl
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	payload, err := json.Marshal(snapshotEvent{Type: "snapshot", Snapshot: snap})
	if err != nil {
		log.Printf("websocket marshal error: %v", err)
		return
	}
	for conn, cl := range targets {
		if err := h.write(conn, cl, snap.Version, payload); err != nil {
			log.Printf("websocket write error: %v", err)
			conn.Close()
			h.RemoveClient(handle, conn)
			h.publishWSError(cl.info, err)
		}
	}
}

// CloseRoom disconnects every connection watching handle.
func (h *Hub) CloseRoom(handle string) {
	h.mu.Lock()
	room := h.rooms[handle]
	delete(h.rooms, handle)
	h.mu.Unlock()

	for conn, cl := range room {
		cl.mu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"), time.Now().Add(time.Second))
		cl.mu.Unlock()
		conn.Close()
	}
}

// SendSnapshot writes snap to one registered connection.
func (h *Hub) SendSnapshot(handle string, conn *websocket.Conn, snap session.Snapshot) error {
	h.mu.RLock()
	cl := h.rooms[handle][conn]
	h.mu.RUnlock()
	if cl == nil {
		return nil
	}
	payload, err := json.Marshal(snapshotEvent{Type: "snapshot", Snapshot: snap})
	if err != nil {
		return err
	}
	return h.write(conn, cl, snap.Version, payload)
}

func (h *Hub) write(conn *websocket.Conn, cl *client, version uint64, payload []byte) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if version != 0 && version <= cl.lastVersion {
		return nil
	}
	cl.lastVersion = version
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

type snapshotEvent struct {
	Type     string           `json:"type"`
	Snapshot session.Snapshot `json:"snapshot"`
}

func (h *Hub) publishWSError(info ConnInfo, err error) {
	publishWSEvent(context.Background(), "ws_error", info, err.Error())
}

func publishWSEvent(ctx context.Context, event string, info ConnInfo, reason string) {
	var durationMS int64
	if !info.ConnectedAt.IsZero() && event != "ws_connect" {
		durationMS = time.Since(info.ConnectedAt).Milliseconds()
	}
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"kind":        wsKind,
			"resource_id": info.Handle,
			"event":       event,
			"conn_id":     info.ConnID,
			"duration_ms": durationMS,
			"reason":      reason,
		},
		"identity": observability.Identity{DeviceID: info.DeviceID, IP: info.IP}.Map(),
	}

	_ = observability.PublishEvent(ctx, observability.RoutingWS, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload:   payload,
	}, observability.BuildHeaders(info.RequestID, info.TraceID))
	observability.IncWSEvent(wsKind, event)
}
