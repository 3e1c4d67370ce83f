package mw

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type hijackRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
	flushed  bool
}

func (w *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.hijacked = true
	client, server := net.Pipe()
	_ = client.Close()
	return server, bufio.NewReadWriter(bufio.NewReader(server), bufio.NewWriter(server)), nil
}

func (w *hijackRecorder) Flush() { w.flushed = true }

func TestAccessLog_PreservesHijackerAndFlusher(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	rec := &hijackRecorder{ResponseRecorder: httptest.NewRecorder()}

	h := AccessLog(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, ok := w.(http.Flusher)
		if !ok {
			t.Fatalf("wrapped writer is not a Flusher")
		}
		f.Flush()
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Fatalf("wrapped writer is not a Hijacker")
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			t.Fatalf("Hijack() error = %v", err)
		}
		_ = conn.Close()
	}))
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media-stream", nil))

	if !rec.hijacked || !rec.flushed {
		t.Fatalf("hijacked=%v flushed=%v", rec.hijacked, rec.flushed)
	}
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if entry["status"] != float64(http.StatusSwitchingProtocols) {
		t.Fatalf("logged status = %v, want 101", entry["status"])
	}
	if entry["path"] != "/media-stream" {
		t.Fatalf("logged path = %v", entry["path"])
	}
}

func TestAccessLog_HijackUnsupported(t *testing.T) {
	h := AccessLog(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := w.(http.Hijacker).Hijack(); err == nil {
			t.Fatalf("Hijack() error = nil on a recorder")
		}
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRequestID_GeneratesAndPropagates(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = RequestIDFrom(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if !strings.HasPrefix(seen, "req_") || rec.Header().Get("X-Request-ID") != seen {
		t.Fatalf("generated id = %q header = %q", seen, rec.Header().Get("X-Request-ID"))
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req_upstream")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen != "req_upstream" {
		t.Fatalf("propagated id = %q", seen)
	}
}

func TestRecover_WritesJSONError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	h := RequestID(Recover(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/calls", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var body ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if body.Error.Type != "api_error" || body.Error.RequestID == "" {
		t.Fatalf("body = %+v", body)
	}
	if !strings.Contains(buf.String(), "boom") {
		t.Fatalf("panic was not logged: %q", buf.String())
	}
}

func TestRecover_RepanicsAbortHandler(t *testing.T) {
	h := Recover(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	defer func() {
		if v := recover(); v != http.ErrAbortHandler {
			t.Fatalf("recovered %v, want ErrAbortHandler", v)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestCORS(t *testing.T) {
	allowed := map[string]struct{}{"https://app.example": {}}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := CORS(allowed, next)

	t.Run("preflight allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/calls", nil)
		req.Header.Set("Origin", "https://app.example")
		req.Header.Set("Access-Control-Request-Method", "POST")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d, want 204", rec.Code)
		}
		if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example" {
			t.Fatalf("allow-origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
		}
	})

	t.Run("preflight denied", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/calls", nil)
		req.Header.Set("Origin", "https://evil.example")
		req.Header.Set("Access-Control-Request-Method", "POST")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", rec.Code)
		}
	})

	t.Run("simple request from unknown origin passes without headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/calls", nil)
		req.Header.Set("Origin", "https://evil.example")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Fatalf("status = %d allow-origin = %q", rec.Code, rec.Header().Get("Access-Control-Allow-Origin"))
		}
	})

	t.Run("preflight without origin denied", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/calls", nil)
		req.Header.Set("Access-Control-Request-Method", "POST")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", rec.Code)
		}
	})

	t.Run("simple request from allowed origin exposes request id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/calls", nil)
		req.Header.Set("Origin", "https://app.example")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example" {
			t.Fatalf("allow-origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
		}
		if rec.Header().Get("Access-Control-Expose-Headers") != "X-Request-ID" || rec.Header().Get("Vary") != "Origin" {
			t.Fatalf("headers = %v", rec.Header())
		}
	})

	t.Run("plain options request reaches handler", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/calls", nil)
		req.Header.Set("Origin", "https://evil.example")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	})
}
