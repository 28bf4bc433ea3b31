package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	stdsync "sync"
	"time"

	"github.com/coder/websocket"

	isync "github.com/tonimelisma/indexsync/internal/sync"
)

const (
	hubBufferSize   = 100
	hubWriteTimeout = 5 * time.Second
)

// MessageType names a websocket message.
type MessageType string

const (
	MessageHello        MessageType = "hello"
	MessageSyncComplete MessageType = "sync_complete"
)

// Message is one websocket frame.
type Message struct {
	Type      MessageType       `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Result    *isync.SyncResult `json:"result,omitempty"`
}

// hub fans sync results out to websocket clients.
type hub struct {
	mu      stdsync.RWMutex
	clients map[*websocket.Conn]struct{}

	broadcast chan Message
	logger    *slog.Logger
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		clients:   make(map[*websocket.Conn]struct{}),
		broadcast: make(chan Message, hubBufferSize),
		logger:    logger,
	}
}

// publish queues a sync_complete message, dropping it when the buffer is
// full.
func (h *hub) publish(res *isync.SyncResult) {
	msg := Message{Type: MessageSyncComplete, Timestamp: res.CompletedAt, Result: res}

	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("websocket broadcast buffer full, dropping message",
			slog.String("run_id", res.RunID))
	}
}

func (h *hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-h.broadcast:
			h.send(msg)
		}
	}
}

func (h *hub) send(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode websocket message", slog.String("error", err.Error()))
		return
	}

	for _, conn := range h.snapshot() {
		ctx, cancel := context.WithTimeout(context.Background(), hubWriteTimeout)
		err := conn.Write(ctx, websocket.MessageText, data)
		cancel()

		if err != nil {
			h.logger.Debug("websocket write failed, dropping client", slog.String("error", err.Error()))
			h.remove(conn, websocket.StatusGoingAway)
		}
	}
}

func (h *hub) snapshot() []*websocket.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}

	return out
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

func (h *hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("websocket client connected", slog.Int("clients", n))

	hello, _ := json.Marshal(Message{Type: MessageHello, Timestamp: time.Now()})

	ctx, cancel := context.WithTimeout(r.Context(), hubWriteTimeout)
	err = conn.Write(ctx, websocket.MessageText, hello)
	cancel()

	if err != nil {
		h.remove(conn, websocket.StatusGoingAway)
		return
	}

	// Clients only listen. Reading until the peer goes away detects the
	// disconnect.
	go func() {
		defer h.remove(conn, websocket.StatusNormalClosure)

		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	}()
}

func (h *hub) remove(conn *websocket.Conn, code websocket.StatusCode) {
	h.mu.Lock()

	if _, ok := h.clients[conn]; !ok {
		h.mu.Unlock()
		return
	}

	delete(h.clients, conn)
	n := len(h.clients)
	h.mu.Unlock()

	_ = conn.Close(code, "")
	h.logger.Info("websocket client disconnected", slog.Int("clients", n))
}

// closeAll disconnects every client.
func (h *hub) closeAll() {
	for _, conn := range h.snapshot() {
		h.remove(conn, websocket.StatusGoingAway)
	}
}
