package bridge

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type outboundFrame struct {
	payload []byte
	// playback frames carry agent audio and are dropped once a clear has
	// been issued after they were queued.
	playback   bool
	generation uint64
}

// outboundWriter is the only goroutine that writes to the far-end socket.
type outboundWriter struct {
	ws           wsWriter
	ctx          context.Context
	pingInterval time.Duration
	writeTimeout time.Duration
	priority     <-chan outboundFrame
	normal       <-chan outboundFrame
	isStale      func(generation uint64) bool
	closeFrame   func() (code int, text string)
}

func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}

	pingInterval := w.pingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := w.writeTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	var pendingNormal *outboundFrame

	for {
		if w.ctx != nil {
			select {
			case <-w.ctx.Done():
				w.shutdown(writeTimeout)
				return nil
			default:
			}
		}

		// Clear frames go out before any queued audio.
		select {
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
			continue
		default:
		}

		if pendingNormal != nil {
			select {
			case frame, ok := <-w.priority:
				if !ok {
					w.priority = nil
					continue
				}
				if err := w.writeFrame(frame, writeTimeout); err != nil {
					return err
				}
				continue
			default:
			}
			if err := w.writeFrame(*pendingNormal, writeTimeout); err != nil {
				return err
			}
			pendingNormal = nil
			continue
		}

		if w.priority == nil && w.normal == nil {
			return nil
		}

		var done <-chan struct{}
		if w.ctx != nil {
			done = w.ctx.Done()
		}

		select {
		case <-done:
			continue
		case <-pingTicker.C:
			if err := w.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return err
			}
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		case frame, ok := <-w.normal:
			if !ok {
				w.normal = nil
				continue
			}
			pendingNormal = &frame
		}
	}
}

func (w *outboundWriter) shutdown(writeTimeout time.Duration) {
	w.flushPriority(writeTimeout)

	code, text := websocket.CloseNormalClosure, ""
	if w.closeFrame != nil {
		code, text = w.closeFrame()
	}
	_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeTimeout))
	_ = w.ws.Close()
}

func (w *outboundWriter) flushPriority(writeTimeout time.Duration) {
	if w.priority == nil {
		return
	}

	flushTimeout := 100 * time.Millisecond
	if writeTimeout < flushTimeout {
		flushTimeout = writeTimeout
	}
	deadline := time.Now().Add(flushTimeout)

	for i := 0; i < 8 && time.Now().Before(deadline); i++ {
		select {
		case frame, ok := <-w.priority:
			if !ok {
				return
			}
			_ = w.writeFrame(frame, writeTimeout)
		default:
			return
		}
	}
}

func (w *outboundWriter) writeFrame(frame outboundFrame, writeTimeout time.Duration) error {
	if len(frame.payload) == 0 {
		return nil
	}
	if frame.playback && w.isStale != nil && w.isStale(frame.generation) {
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, frame.payload)
}
