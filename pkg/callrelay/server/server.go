// Package server wires the relay's HTTP surface: media and monitor
// websockets, the Call Provider callbacks and the outbound-call API.
package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vango-go/vai-callrelay/pkg/callrelay/config"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/handlers"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/metrics"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/mw"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/supervisor"
)

type Server struct {
	cfg     config.Config
	logger  *slog.Logger
	sup     *supervisor.Supervisor
	metrics *metrics.Metrics
	router  chi.Router
}

func New(cfg config.Config, sup *supervisor.Supervisor, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		sup:     sup,
		metrics: m,
		router:  chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RealIP)
	r.NotFound(handlers.NotFoundHandler{}.ServeHTTP)

	r.Handle("/healthz", handlers.HealthHandler{})
	r.Handle("/readyz", handlers.ReadyHandler{Drainer: s.sup, TwilioEnabled: s.cfg.TwilioEnabled()})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Handle("/media-stream", handlers.MediaHandler{
		Server:          s.sup,
		MaxMessageBytes: s.cfg.WSMaxMessageBytes,
		Logger:          s.logger,
	})
	r.Handle("/status-monitor", handlers.MonitorHandler{
		Registry:     s.sup.Registry(),
		Metrics:      s.metrics,
		Logger:       s.logger,
		PingInterval: s.cfg.MonitorPingInterval,
		SnapshotLogs: s.cfg.MonitorSnapshotLogs,
		WriteTimeout: s.cfg.WSWriteTimeout,
	})

	r.Post("/call-status", handlers.CallStatusHandler{Receiver: s.sup, Logger: s.logger}.ServeHTTP)
	twiml := handlers.TwiMLHandler{PublicDomain: s.cfg.PublicDomain}
	r.Post("/twiml", twiml.ServeHTTP)
	r.Get("/twiml", twiml.ServeHTTP)

	calls := handlers.CallsHandler{Placer: s.sup, Logger: s.logger}
	r.Route("/calls", func(r chi.Router) {
		r.Post("/", calls.Place)
		r.Get("/{callID}", calls.Get)
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = mw.CORS(s.cfg.CORSAllowedOrigins, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
