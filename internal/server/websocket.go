package server

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/MrWong99/dawn/pkg/dap2"
)

// WebSocketPath is the HTTP path that upgrades to DAP2 over WebSocket.
const WebSocketPath = dap2.WebSocketPath

// WebSocketHandler returns an http.Handler that upgrades the request and
// serves DAP2 on it. Each binary WebSocket message carries one or more whole
// frames.
func (s *Server) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{dap2.WebSocketSubprotocol},
		})
		if err != nil {
			slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		ws.SetReadLimit(int64(s.cfg.MaxPayload + dap2.HeaderSize))

		ctx := s.context()
		nc := websocket.NetConn(ctx, ws, websocket.MessageBinary)
		s.wg.Add(1)
		defer s.wg.Done()
		s.ServeConn(ctx, nc)
	})
}
