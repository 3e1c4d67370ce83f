package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-callrelay/pkg/callrelay/bridge"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/mw"
)

// MediaServer runs one call bridge per accepted media connection.
// *supervisor.Supervisor satisfies it.
type MediaServer interface {
	ServeMediaConn(conn bridge.FarEndConn) error
	IsDraining() bool
}

// MediaHandler upgrades /media-stream to a websocket and hands it to the
// supervisor for the life of the call.
type MediaHandler struct {
	Server          MediaServer
	MaxMessageBytes int64
	Logger          *slog.Logger
}

func (h MediaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		mw.WriteJSONError(w, r, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}
	if h.Server.IsDraining() {
		mw.WriteJSONError(w, r, http.StatusServiceUnavailable, "overloaded_error", "relay is draining")
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

	if h.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.MaxMessageBytes)
	}

	if err := h.Server.ServeMediaConn(conn); err != nil {
		logger := h.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("media connection ended with error", "request_id", requestIDFromContext(r), "error", err)
	}
}

func requestIDFromContext(r *http.Request) string {
	id, _ := mw.RequestIDFrom(r.Context())
	return id
}
