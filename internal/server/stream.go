package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/roach88/speckit/internal/events"
)

// streamEvents upgrades to a WebSocket and writes every matching event as
// one JSON message. Optional query filters: run_id, spec_id.
func (s *Server) streamEvents(c *gin.Context) {
	runID, specID := c.Query("run_id"), c.Query("spec_id")

	// Subscribe before the handshake completes so a client sees every event
	// published after its dial returns.
	sub := s.hub.Subscribe(func(e events.Event) bool {
		return (runID == "" || e.RunID == runID) && (specID == "" || e.SpecID == specID)
	})
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	logger := s.logger.With("remote", c.ClientIP(), "run_id", runID)
	logger.Debug("event stream opened")

	// The reader only handles control frames and notices when the client
	// goes away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			logger.Debug("event stream closed by client")
			return
		case <-c.Request.Context().Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "hub closed"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				logger.Debug("event stream write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
