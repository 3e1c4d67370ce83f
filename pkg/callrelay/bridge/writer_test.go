package bridge

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordedWrite struct {
	messageType int
	data        string
}

type fakeWSWriter struct {
	mu     sync.Mutex
	writes []recordedWrite
	closed bool
}

func (f *fakeWSWriter) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWSWriter) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, recordedWrite{messageType: messageType, data: string(data)})
	return nil
}

func (f *fakeWSWriter) WriteControl(messageType int, data []byte, deadline time.Time) error {
	_ = deadline
	return f.WriteMessage(messageType, data)
}

func (f *fakeWSWriter) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeWSWriter) snapshot() []recordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedWrite, len(f.writes))
	copy(out, f.writes)
	return out
}

func TestOutboundWriter_PriorityBeatsNormal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	priority := make(chan outboundFrame, 1)
	normal := make(chan outboundFrame, 1)

	normal <- outboundFrame{payload: []byte(`{"event":"media"}`), playback: true}
	priority <- outboundFrame{payload: []byte(`{"event":"clear"}`)}
	close(priority)
	close(normal)

	ws := &fakeWSWriter{}
	w := outboundWriter{
		ws:           ws,
		ctx:          ctx,
		pingInterval: time.Hour,
		writeTimeout: time.Second,
		priority:     priority,
		normal:       normal,
	}

	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	writes := ws.snapshot()
	if len(writes) != 2 {
		t.Fatalf("writes=%d, want 2", len(writes))
	}
	if writes[0].data != `{"event":"clear"}` {
		t.Fatalf("first write=%q, want clear frame", writes[0].data)
	}
}

func TestOutboundWriter_DropsStalePlayback(t *testing.T) {
	priority := make(chan outboundFrame)
	normal := make(chan outboundFrame, 3)
	normal <- outboundFrame{payload: []byte("old"), playback: true, generation: 0}
	normal <- outboundFrame{payload: []byte("new"), playback: true, generation: 1}
	normal <- outboundFrame{payload: []byte("control"), generation: 0}
	close(priority)
	close(normal)

	ws := &fakeWSWriter{}
	w := outboundWriter{
		ws:           ws,
		ctx:          context.Background(),
		pingInterval: time.Hour,
		priority:     priority,
		normal:       normal,
		isStale:      func(gen uint64) bool { return gen != 1 },
	}
	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	writes := ws.snapshot()
	if len(writes) != 2 || writes[0].data != "new" || writes[1].data != "control" {
		t.Fatalf("writes=%+v, want [new control]", writes)
	}
}

func TestOutboundWriter_ShutdownWritesCloseFrame(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	priority := make(chan outboundFrame, 1)
	normal := make(chan outboundFrame, 1)
	priority <- outboundFrame{payload: []byte(`{"event":"clear"}`)}
	cancel()

	ws := &fakeWSWriter{}
	w := outboundWriter{
		ws:         ws,
		ctx:        ctx,
		priority:   priority,
		normal:     normal,
		closeFrame: func() (int, string) { return websocket.CloseInternalServerErr, "No CallSid provided" },
	}
	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	writes := ws.snapshot()
	if len(writes) != 2 {
		t.Fatalf("writes=%d, want flushed clear + close", len(writes))
	}
	closeMsg := writes[1]
	if closeMsg.messageType != websocket.CloseMessage {
		t.Fatalf("messageType=%d, want close", closeMsg.messageType)
	}
	if code := binary.BigEndian.Uint16([]byte(closeMsg.data[:2])); code != websocket.CloseInternalServerErr {
		t.Fatalf("close code=%d, want %d", code, websocket.CloseInternalServerErr)
	}
	if closeMsg.data[2:] != "No CallSid provided" {
		t.Fatalf("close text=%q", closeMsg.data[2:])
	}
	if !ws.closed {
		t.Fatalf("expected socket to be closed")
	}
}
