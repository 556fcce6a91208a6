package handlers

import (
	"net/http"
	"time"

	"taskqueue/internal/logger"
	"taskqueue/pkg/api"

	"github.com/gorilla/websocket"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = feedPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser dashboards are served from other origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Feed handles GET /ws.
// Each change signal is pushed as {"type":"changed"}; clients re-read state
// after every event.
func (h *Handlers) Feed(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context(), h.log)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		log.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	signals, unsubscribe := h.feed.Subscribe()
	defer unsubscribe()

	// The read loop only services control frames and notices disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(feedPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(feedPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(feedPingPeriod)
	defer ping.Stop()

	log.Debug("feed subscriber connected")
	for {
		select {
		case <-gone:
			log.Debug("feed subscriber disconnected")
			return

		case _, ok := <-signals:
			conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := conn.WriteJSON(api.ChangeEvent{Type: api.ChangeEventType}); err != nil {
				return
			}

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteWait)); err != nil {
				return
			}
		}
	}
}
