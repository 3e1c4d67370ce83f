package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-callrelay/pkg/callrelay/metrics"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/mw"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/registry"
)

const monitorQueueSize = 64

var errMonitorBackpressure = errors.New("status monitor queue full")

type snapshotMessage struct {
	Type        string                 `json:"type"`
	ActiveCalls []registry.CallSummary `json:"activeCalls"`
}

type pingMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// MonitorHandler serves /status-monitor. Each observer first receives a
// snapshot of every known call, then live updates and periodic pings.
type MonitorHandler struct {
	Registry     *registry.Registry
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	PingInterval time.Duration
	SnapshotLogs int
	WriteTimeout time.Duration
}

func (h MonitorHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		mw.WriteJSONError(w, r, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	client := newMonitorClient(conn, h.WriteTimeout)
	logger = logger.With("monitor_id", client.id)
	logger.Info("status monitor connected")
	h.Metrics.MonitorConnected()
	defer h.Metrics.MonitorDisconnected()

	snapshot, err := json.Marshal(snapshotMessage{Type: "snapshot", ActiveCalls: h.Registry.Snapshot(h.snapshotLogs())})
	if err == nil {
		_ = client.Send(snapshot)
	}
	remove := h.Registry.AddObserver(client)
	defer remove()

	go client.writeLoop(h.pingInterval())

	// Inbound frames are ignored; reading only detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	client.close()
	logger.Info("status monitor disconnected")
}

func (h MonitorHandler) pingInterval() time.Duration {
	if h.PingInterval <= 0 {
		return 15 * time.Second
	}
	return h.PingInterval
}

func (h MonitorHandler) snapshotLogs() int {
	if h.SnapshotLogs <= 0 {
		return 10
	}
	return h.SnapshotLogs
}

// monitorClient is a registry.Observer backed by a websocket. Send never
// blocks; a full queue fails the send and the registry prunes the client.
type monitorClient struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration

	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

func newMonitorClient(conn *websocket.Conn, writeTimeout time.Duration) *monitorClient {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &monitorClient{
		id:           "mon_" + uuid.NewString()[:8],
		conn:         conn,
		writeTimeout: writeTimeout,
		queue:        make(chan []byte, monitorQueueSize),
		done:         make(chan struct{}),
	}
}

func (c *monitorClient) ID() string { return c.id }

func (c *monitorClient) Open() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *monitorClient) Send(payload []byte) error {
	if !c.Open() {
		return websocket.ErrCloseSent
	}
	select {
	case c.queue <- payload:
		return nil
	default:
		return errMonitorBackpressure
	}
}

func (c *monitorClient) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *monitorClient) writeLoop(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.queue:
			if err := c.write(payload); err != nil {
				return
			}
		case now := <-ticker.C:
			payload, err := json.Marshal(pingMessage{Type: "ping", Timestamp: now.UTC()})
			if err != nil {
				continue
			}
			if err := c.write(payload); err != nil {
				return
			}
		}
	}
}

func (c *monitorClient) write(payload []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}
