package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-callrelay/pkg/callrelay/bridge"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/realtime"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/registry"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/supervisor"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/telephony"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type idleProvider struct {
	events chan realtime.Event
	once   sync.Once
}

func newIdleProvider() *idleProvider { return &idleProvider{events: make(chan realtime.Event)} }

func (p *idleProvider) Send(any) error                { return nil }
func (p *idleProvider) Events() <-chan realtime.Event { return p.events }
func (p *idleProvider) Err() error                    { return nil }
func (p *idleProvider) Close() error {
	p.once.Do(func() { close(p.events) })
	return nil
}

func newSupervisor(t *testing.T, reg *registry.Registry) *supervisor.Supervisor {
	t.Helper()
	sup, err := supervisor.New(supervisor.Dependencies{
		Registry: reg,
		Dial: func(context.Context) (bridge.ProviderConn, error) {
			return newIdleProvider(), nil
		},
		Logger: quietLogger(),
		Config: supervisor.Config{
			Bridge:        bridge.Config{PingInterval: time.Hour, WriteTimeout: time.Second},
			TerminateWait: time.Second,
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { sup.CancelAll("test cleanup") })
	return sup
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestMediaHandler_RunsBridgeForConnection(t *testing.T) {
	reg := registry.New(registry.Config{Logger: quietLogger()})
	sup := newSupervisor(t, reg)
	srv := httptest.NewServer(MediaHandler{Server: sup, MaxMessageBytes: 1 << 16, Logger: quietLogger()})
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"event":"start","start":{"streamSid":"MZ1","callSid":"CA1"}}`)))
	require.Eventually(t, func() bool { return reg.IsActive("CA1") }, 2*time.Second, 10*time.Millisecond)

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	_ = conn.Close()
	require.Eventually(t, func() bool { return !reg.IsActive("CA1") && sup.ActiveConnections() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestMediaHandler_RejectsWhileDraining(t *testing.T) {
	sup := newSupervisor(t, nil)
	sup.SetDraining(true)

	rec := httptest.NewRecorder()
	MediaHandler{Server: sup}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media-stream", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestMonitorHandler_SnapshotUpdatesAndPing(t *testing.T) {
	reg := registry.New(registry.Config{Logger: quietLogger()})
	reg.Broadcast("CA9", "Outbound call placed")

	srv := httptest.NewServer(MonitorHandler{Registry: reg, Logger: quietLogger(), PingInterval: 50 * time.Millisecond})
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()

	snap := readJSON(t, conn)
	assert.Equal(t, "snapshot", snap["type"])
	calls, _ := snap["activeCalls"].([]any)
	require.Len(t, calls, 1)
	assert.Equal(t, "CA9", calls[0].(map[string]any)["callId"])

	require.Eventually(t, func() bool { return reg.ObserverCount() == 1 }, time.Second, 5*time.Millisecond)
	reg.Broadcast("CA9", "Call status: ringing")

	// Inbound frames are ignored.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"hello":"relay"}`)))

	sawUpdate, sawPing := false, false
	for i := 0; i < 10 && !(sawUpdate && sawPing); i++ {
		msg := readJSON(t, conn)
		switch msg["type"] {
		case "update":
			sawUpdate = true
			assert.Equal(t, "CA9", msg["callId"])
			assert.Equal(t, "Call status: ringing", msg["log"].(map[string]any)["message"])
		case "ping":
			sawPing = true
			assert.NotEmpty(t, msg["timestamp"])
		}
	}
	assert.True(t, sawUpdate, "no update received")
	assert.True(t, sawPing, "no ping received")

	_ = conn.Close()
	require.Eventually(t, func() bool { return reg.ObserverCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestMonitorClient_SendNeverBlocks(t *testing.T) {
	c := &monitorClient{id: "mon_test", queue: make(chan []byte, 1), done: make(chan struct{})}
	require.NoError(t, c.Send([]byte("a")))
	assert.ErrorIs(t, c.Send([]byte("b")), errMonitorBackpressure)

	c.close()
	assert.False(t, c.Open())
	assert.Error(t, c.Send([]byte("c")))
}

type recordingReceiver struct {
	callID, status string
	err            error
}

func (r *recordingReceiver) HandleCallStatus(_ context.Context, callID, status string) error {
	r.callID, r.status = callID, status
	return r.err
}

func TestCallStatusHandler(t *testing.T) {
	cases := []struct {
		name        string
		contentType string
		body        string
		recvErr     error
		wantCode    int
		wantCallID  string
		wantStatus  string
	}{
		{name: "form", contentType: "application/x-www-form-urlencoded", body: url.Values{"CallSid": {"CA1"}, "CallStatus": {"completed"}}.Encode(), wantCode: http.StatusNoContent, wantCallID: "CA1", wantStatus: "completed"},
		{name: "json", contentType: "application/json", body: `{"callId":"CA2","status":"ringing"}`, wantCode: http.StatusNoContent, wantCallID: "CA2", wantStatus: "ringing"},
		{name: "missing call id", contentType: "application/x-www-form-urlencoded", body: "CallStatus=completed", wantCode: http.StatusBadRequest},
		{name: "missing status", contentType: "application/json", body: `{"callId":"CA3"}`, wantCode: http.StatusBadRequest},
		{name: "bad json", contentType: "application/json", body: `{`, wantCode: http.StatusBadRequest},
		{name: "receiver failure", contentType: "application/json", body: `{"callId":"CA4","status":"busy"}`, recvErr: errors.New("boom"), wantCode: http.StatusInternalServerError, wantCallID: "CA4", wantStatus: "busy"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recv := &recordingReceiver{err: tc.recvErr}
			req := httptest.NewRequest(http.MethodPost, "/call-status", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", tc.contentType)
			rec := httptest.NewRecorder()

			CallStatusHandler{Receiver: recv, Logger: quietLogger()}.ServeHTTP(rec, req)

			assert.Equal(t, tc.wantCode, rec.Code, rec.Body.String())
			assert.Equal(t, tc.wantCallID, recv.callID)
			assert.Equal(t, tc.wantStatus, recv.status)
		})
	}
}

type fakePlacer struct {
	draining bool
	req      supervisor.PlaceRequest
	call     telephony.Call
	err      error
}

func (p *fakePlacer) PlaceCall(_ context.Context, req supervisor.PlaceRequest) (telephony.Call, error) {
	p.req = req
	return p.call, p.err
}

func (p *fakePlacer) FetchCall(_ context.Context, callID string) (telephony.Call, error) {
	if p.err != nil {
		return telephony.Call{}, p.err
	}
	c := p.call
	c.SID = callID
	return c, nil
}

func (p *fakePlacer) IsDraining() bool { return p.draining }

func callsRouter(p CallPlacer) http.Handler {
	h := CallsHandler{Placer: p, Logger: quietLogger()}
	r := chi.NewRouter()
	r.Post("/calls", h.Place)
	r.Get("/calls/{callID}", h.Get)
	return r
}

func TestCallsHandler_Place(t *testing.T) {
	p := &fakePlacer{call: telephony.Call{SID: "CA42", Status: "queued"}}
	req := httptest.NewRequest(http.MethodPost, "/calls",
		strings.NewReader(`{"phoneNumber":"+4531219652","language":"da-DK","metadata":{"hotelName":"The Grand"}}`))
	rec := httptest.NewRecorder()
	callsRouter(p).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp placeCallResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "CA42", resp.CallID)
	assert.Equal(t, "+4531219652", p.req.PhoneNumber)
	assert.Equal(t, "da-DK", p.req.Language)
	assert.Equal(t, "The Grand", p.req.Metadata.String("hotelName"))
}

func TestCallsHandler_PlaceErrors(t *testing.T) {
	cases := []struct {
		name     string
		placer   *fakePlacer
		body     string
		wantCode int
	}{
		{name: "bad body", placer: &fakePlacer{}, body: `nope`, wantCode: http.StatusBadRequest},
		{name: "missing number", placer: &fakePlacer{err: supervisor.ErrMissingNumber}, body: `{}`, wantCode: http.StatusBadRequest},
		{name: "not allowed", placer: &fakePlacer{err: supervisor.ErrNotAllowed}, body: `{"phoneNumber":"+1"}`, wantCode: http.StatusForbidden},
		{name: "rate limited", placer: &fakePlacer{err: telephony.ErrRateLimited}, body: `{"phoneNumber":"+1"}`, wantCode: http.StatusTooManyRequests},
		{name: "provider error", placer: &fakePlacer{err: &telephony.APIError{StatusCode: 400, Message: "bad To"}}, body: `{"phoneNumber":"+1"}`, wantCode: http.StatusBadGateway},
		{name: "disabled", placer: &fakePlacer{err: supervisor.ErrCallingDisabled}, body: `{"phoneNumber":"+1"}`, wantCode: http.StatusServiceUnavailable},
		{name: "draining", placer: &fakePlacer{draining: true}, body: `{"phoneNumber":"+1"}`, wantCode: http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			callsRouter(tc.placer).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/calls", strings.NewReader(tc.body)))
			assert.Equal(t, tc.wantCode, rec.Code)

			var resp placeCallResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.False(t, resp.Success)
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestCallsHandler_Get(t *testing.T) {
	p := &fakePlacer{call: telephony.Call{Status: "in-progress"}}
	rec := httptest.NewRecorder()
	callsRouter(p).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/calls/CA5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var call telephony.Call
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &call))
	assert.Equal(t, "CA5", call.SID)
	assert.Equal(t, "in-progress", call.Status)

	p.err = &telephony.APIError{StatusCode: http.StatusNotFound, Message: "not found"}
	rec = httptest.NewRecorder()
	callsRouter(p).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/calls/CA6", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTwiMLHandler(t *testing.T) {
	h := TwiMLHandler{PublicDomain: "relay.example.com"}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/twiml?language=fr-FR", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/xml")
	assert.Contains(t, rec.Body.String(), `<Stream url="wss://relay.example.com/media-stream">`)
	assert.Contains(t, rec.Body.String(), `<Parameter name="language" value="fr-FR"/>`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/twiml", nil))
	assert.Contains(t, rec.Body.String(), `value="en-US"`)
}

type drainer struct {
	draining bool
	active   int
}

func (d drainer) IsDraining() bool       { return d.draining }
func (d drainer) ActiveConnections() int { return d.active }

func TestReadyHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	ReadyHandler{Drainer: drainer{active: 2}}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(2), resp["active_calls"])

	rec = httptest.NewRecorder()
	ReadyHandler{Drainer: drainer{draining: true}}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())
}
