package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/urja-ai/voicedesk/pkg/gateway/config"
	"github.com/urja-ai/voicedesk/pkg/gateway/lifecycle"
	"github.com/urja-ai/voicedesk/pkg/gateway/live/broadcast"
	"github.com/urja-ai/voicedesk/pkg/gateway/live/dispatch"
)

// LiveHandler handles /v1/live websocket connections. Every connection joins
// the broadcast fan-out on upgrade and gets the SYNC snapshot; the dispatcher
// owns everything after that.
type LiveHandler struct {
	Config      config.Config
	Logger      *slog.Logger
	Lifecycle   *lifecycle.Lifecycle
	Connections *lifecycle.Tracker
	Hub         *broadcast.Hub
	Dispatcher  *dispatch.Handler
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorJSON(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if h.Lifecycle.IsDraining() {
		writeErrorJSON(w, http.StatusServiceUnavailable, "draining", "gateway is draining")
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.Config.LiveMaxJSONMessageBytes > 0 {
		conn.SetReadLimit(h.Config.LiveMaxJSONMessageBytes)
	}

	connID := "c_" + randHex(8)
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("live connection opened", "conn_id", connID, "remote", r.RemoteAddr)

	obs := h.Hub.Register(conn)
	defer h.Dispatcher.HandleDisconnect(obs)

	unregister := func() {}
	if h.Connections != nil {
		unregister = h.Connections.Register(connID, lifecycle.Handle{
			Cancel: func() { _ = conn.Close() },
		})
	}
	defer unregister()

	h.Dispatcher.HandleJoin(obs)

	stopPing := make(chan struct{})
	defer close(stopPing)
	go h.pingLoop(conn, stopPing)

	ctx := r.Context()
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			logger.Info("live connection closed", "conn_id", connID, "error", err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.Dispatcher.HandleMessage(ctx, obs, data)
	}
}

// pingLoop keeps intermediaries from idling out the connection. WriteControl
// is safe concurrently with the hub's writer goroutine.
func (h LiveHandler) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	interval := h.Config.LiveWSPingInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(h.Config.LiveWSWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func randHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
