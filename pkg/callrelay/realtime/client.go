package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var ErrClosed = errors.New("realtime connection closed")

type DialerConfig struct {
	URL              string
	APIKey           string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	EventBuffer      int
	Logger           *slog.Logger
}

// Dialer opens provider sessions. One Dialer is shared by all calls.
type Dialer struct {
	cfg    DialerConfig
	dialer websocket.Dialer
}

func NewDialer(cfg DialerConfig) *Dialer {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = DefaultURL
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 128
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dialer{
		cfg:    cfg,
		dialer: websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
	}
}

func (d *Dialer) Dial(ctx context.Context) (*Conn, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+d.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	ws, resp, err := d.dialer.DialContext(ctx, d.cfg.URL, headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			if len(body) > 0 {
				return nil, fmt.Errorf("realtime connect (status %d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("realtime connect: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime connect: %w", err)
	}

	c := &Conn{
		ws:           ws,
		events:       make(chan Event, d.cfg.EventBuffer),
		done:         make(chan struct{}),
		writeTimeout: d.cfg.WriteTimeout,
		logger:       d.cfg.Logger,
	}
	go c.readLoop()
	return c, nil
}

// Conn is one provider session. Send is safe for concurrent use; Events is
// closed once the socket stops reading, after which Err reports why.
type Conn struct {
	ws           *websocket.Conn
	events       chan Event
	done         chan struct{}
	closed       atomic.Bool
	writeMu      sync.Mutex
	writeTimeout time.Duration
	logger       *slog.Logger

	errMu   sync.Mutex
	readErr error
}

func (c *Conn) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				err = ErrClosed
			}
			c.errMu.Lock()
			c.readErr = err
			c.errMu.Unlock()
			return
		}
		ev, err := DecodeEvent(data)
		if err != nil {
			c.logger.Warn("realtime: dropping undecodable event", "error", err)
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) Send(v any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) Events() <-chan Event {
	return c.events
}

func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}

func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.done)

	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	return c.ws.Close()
}
