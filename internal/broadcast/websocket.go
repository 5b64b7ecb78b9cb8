package broadcast

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// Message is one websocket frame sent to an observer.
type Message struct {
	Type      string    `json:"type"` // "snapshot" or "delta"
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// WSHandler upgrades observers to websocket, sends one snapshot and then streams deltas.
type WSHandler struct {
	Hub         *Hub
	Buffer      int
	CheckOrigin func(r *http.Request) bool
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.CheckOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Hub.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	// subscribe before the snapshot so no change between the two is lost
	sub := h.Hub.Subscribe(h.Buffer)
	defer sub.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go readLoop(ctx, conn, cancel)

	if err := writeMessage(conn, Message{Type: "snapshot", Data: h.Hub.Snapshot(), Timestamp: time.Now()}); err != nil {
		return
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeMessage(conn, Message{Type: "delta", Data: d, Timestamp: d.Timestamp}); err != nil {
				h.Hub.logger.Debug("websocket write failed", "remote", r.RemoteAddr, "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func writeMessage(conn *websocket.Conn, m Message) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(m)
}

// readLoop discards client frames and cancels the stream once the peer goes away.
func readLoop(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		if ctx.Err() != nil {
			return
		}
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	}
}
