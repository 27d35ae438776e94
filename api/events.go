package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fosrl/warden/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API listens on a local socket; browsers are not expected.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents streams every state transition as a JSON text message.
func (s *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("Websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub := s.ctl.Subscribe()
	defer sub.Close()
	logger.Debug("Event subscriber %s connected", sub.ID)

	// The reader only handles control frames and notices the client going away.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			logger.Debug("Event subscriber %s disconnected", sub.ID)
			return
		case tr, ok := <-sub.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "daemon stopping"))
				return
			}
			if err := conn.WriteJSON(tr); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
