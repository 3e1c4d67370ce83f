package handlers

import (
	"encoding/json"
	"net/http"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Drainer reports relay load and whether it is shutting down.
type Drainer interface {
	IsDraining() bool
	ActiveConnections() int
}

type ReadyHandler struct {
	Drainer       Drainer
	TwilioEnabled bool
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK              bool     `json:"ok"`
		Draining        bool     `json:"draining"`
		ActiveCalls     int      `json:"active_calls"`
		OutboundCalling bool     `json:"outbound_calling"`
		Issues          []string `json:"issues,omitempty"`
	}

	var issues []string
	draining := h.Drainer.IsDraining()
	if draining {
		issues = append(issues, "relay is draining")
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:              ok,
		Draining:        draining,
		ActiveCalls:     h.Drainer.ActiveConnections(),
		OutboundCalling: h.TwilioEnabled,
		Issues:          issues,
	})
}
