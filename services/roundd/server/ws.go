package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"

	"fundround/services/roundd/notify"
)

const (
	wsWriteTimeout = 10 * time.Second
)

// handleStatusStream pushes a user's investment notifications over a
// websocket until the client goes away.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, r, http.StatusServiceUnavailable, "stream_unavailable", "status stream not configured")
		return
	}
	user := strings.TrimSpace(chi.URLParam(r, "user"))
	if user == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_user", "user required")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// Reads are only used to notice the client closing.
	ctx := conn.CloseRead(r.Context())
	if err := s.streamStatus(ctx, conn, user); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamStatus(ctx context.Context, conn *websocket.Conn, user string) error {
	updates, cancel := s.hub.Subscribe(user)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeMessage(ctx, conn, msg); err != nil {
				return err
			}
		}
	}
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg notify.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
