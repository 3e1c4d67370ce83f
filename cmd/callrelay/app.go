package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vango-go/vai-callrelay/pkg/callrelay/agent"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/bridge"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/config"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/metadata"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/metrics"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/realtime"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/registry"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/server"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/sink"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/supervisor"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/telephony"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/transcript"
)

// relay is the assembled process: supervisor, HTTP surface and the external
// clients they own.
type relay struct {
	sup     *supervisor.Supervisor
	server  *server.Server
	closers []func()
}

func (r *relay) Handler() http.Handler { return r.server.Handler() }

func (r *relay) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

func newLogger(cfg config.Config, out io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}

func newRelay(ctx context.Context, cfg config.Config, logger *slog.Logger) (*relay, error) {
	r := &relay{}
	ok := false
	defer func() {
		if !ok {
			r.Close()
		}
	}()

	profile, err := agent.LoadProfile(cfg.ProfilePath)
	if err != nil {
		return nil, err
	}

	store, err := newMetadataStore(cfg)
	if err != nil {
		return nil, err
	}
	r.closers = append(r.closers, func() { _ = store.Close() })

	transcriptSink, err := newSink(ctx, cfg, logger, r)
	if err != nil {
		return nil, err
	}

	m := metrics.New("callrelay")
	dialer := realtime.NewDialer(realtime.DialerConfig{
		URL:              cfg.RealtimeURL,
		APIKey:           cfg.OpenAIAPIKey,
		HandshakeTimeout: cfg.ProviderHandshake,
		WriteTimeout:     cfg.WSWriteTimeout,
		Logger:           logger,
	})

	deps := supervisor.Dependencies{
		Registry:    registry.New(registry.Config{LogTTL: cfg.StatusLogTTL, Logger: logger}),
		Transcripts: transcript.NewAssembler(),
		Metadata:    store,
		Sink:        transcriptSink,
		Dial:        supervisor.RealtimeDial(dialer),
		Profile:     profile,
		Metrics:     m,
		Logger:      logger,
		Config: supervisor.Config{
			Bridge: bridge.Config{
				SessionUpdateDelay: cfg.SessionUpdateDelay,
				MetadataTimeout:    cfg.MetadataTimeout,
				WriteTimeout:       cfg.WSWriteTimeout,
				PingInterval:       cfg.WSPingInterval,
				MaxCallDuration:    cfg.MaxCallDuration,
			},
			HandoffTimeout: cfg.HandoffTimeout,
			TerminateWait:  cfg.TerminateWait,
			PublicDomain:   cfg.PublicDomain,
			FromNumber:     cfg.FromNumber,
		},
	}

	if cfg.TwilioEnabled() {
		client, err := telephony.NewClient(telephony.ClientConfig{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			BaseURL:    cfg.TwilioBaseURL,
			HTTPClient: &http.Client{Timeout: 15 * time.Second},
			PlaceRPS:   cfg.PlaceCallRPS,
			PlaceBurst: cfg.PlaceCallBurst,
		})
		if err != nil {
			return nil, err
		}
		deps.Placer = client
		deps.Allow = telephony.NewAllowPolicy(telephony.AllowConfig{
			Static:    cfg.AllowedNumbers,
			Directory: client,
			CacheTTL:  cfg.AllowCacheTTL,
			Logger:    logger,
		})
	}

	sup, err := supervisor.New(deps)
	if err != nil {
		return nil, err
	}
	r.sup = sup
	r.server = server.New(cfg, sup, m, logger)
	ok = true
	return r, nil
}

func newMetadataStore(cfg config.Config) (metadata.Store, error) {
	if cfg.MetadataStore != string(metadata.StoreTypeRedis) {
		return metadata.NewStore(metadata.StoreTypeMemory)
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse RELAY_REDIS_URL: %w", err)
	}
	client := redis.NewClient(opt)
	store, err := metadata.NewStore(metadata.StoreTypeRedis,
		metadata.WithRedisClient(client),
		metadata.WithTTL(cfg.MetadataTTL),
	)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return store, nil
}

// newSink combines every configured transcript destination. Connections it
// opens are registered on r for shutdown.
func newSink(ctx context.Context, cfg config.Config, logger *slog.Logger, r *relay) (sink.Sink, error) {
	var sinks sink.Multi

	if cfg.TranscriptWebhookURL != "" {
		wh, err := sink.NewWebhook(cfg.TranscriptWebhookURL, nil)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, wh)
	}

	if cfg.NATSURL != "" {
		nc, err := sink.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		r.closers = append(r.closers, func() { _ = nc.Drain() })
		ns, err := sink.NewNATS(cfg.NATSSubject, nc.Publish)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, ns)
	}

	if cfg.DatabaseURL != "" {
		pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		pg, err := sink.NewPostgres(pctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, pg.Close)
		if err := pg.EnsureSchema(pctx); err != nil {
			return nil, err
		}
		sinks = append(sinks, pg)
	}

	switch len(sinks) {
	case 0:
		logger.Warn("no transcript sink configured; transcripts will be discarded")
		return sink.Discard{}, nil
	case 1:
		return sinks[0], nil
	default:
		names := make([]string, 0, len(sinks))
		for _, s := range sinks {
			names = append(names, s.Name())
		}
		logger.Info("transcript sinks configured", "sinks", strings.Join(names, ","))
		return sinks, nil
	}
}
