package mw

import (
	"net/http"
	"strings"
)

// CORS lets allowlisted browser origins call the outbound-call API. Preflights
// from any other origin are refused; other requests pass through untouched.
func CORS(allowed map[string]struct{}, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin, ok := allowedOrigin(allowed, r)
		preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""

		switch {
		case preflight && !ok:
			http.Error(w, "origin not allowed", http.StatusForbidden)
		case preflight:
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
		default:
			if ok {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
				h.Set("Access-Control-Expose-Headers", "X-Request-ID")
			}
			next.ServeHTTP(w, r)
		}
	})
}

func allowedOrigin(allowed map[string]struct{}, r *http.Request) (string, bool) {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return "", false
	}
	_, ok := allowed[origin]
	return origin, ok
}
