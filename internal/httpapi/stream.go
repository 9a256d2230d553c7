package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const streamWriteTimeout = 5 * time.Second

// handleStream upgrades to a websocket and forwards the connection's activity
// as JSON messages until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, connectionID, correlationID string) {
	if _, err := s.svc.Connection(connectionID); err != nil {
		s.writeServiceError(w, err, connectionID, correlationID)
		return
	}
	activity, cancel := s.svc.Hub().Subscribe(connectionID, s.cfg.StreamBuffer)
	defer cancel()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Printf("httpapi: stream accept conn=%s: %v", connectionID, err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case item, ok := <-activity:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "subscription ended")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, item)
			cancelWrite()
			if err != nil {
				return
			}
		}
	}
}
