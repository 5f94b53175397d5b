package server

import (
	"log"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// handleEvents streams the owner's workflow events over a websocket. The
// stream is best-effort: clients reconcile with a snapshot on reconnect.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(r.URL.Query().Get("owner"))
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner query parameter is required")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("server: websocket accept: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ch, cancel := s.pub.Subscribe(owner)
	defer cancel()

	// CloseRead surfaces client disconnects as context cancellation; the
	// client is not expected to send anything.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}
