package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/vai-callrelay/pkg/callrelay/realtime"
)

type Config struct {
	Addr string

	// PublicDomain is the host the Call Provider reaches this relay on, without scheme.
	PublicDomain string

	OpenAIAPIKey string
	RealtimeURL  string

	// Call Provider (outbound calling). Empty credentials disable /calls.
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioBaseURL    string
	FromNumber       string
	AllowedNumbers   []string
	AllowCacheTTL    time.Duration
	PlaceCallRPS     float64
	PlaceCallBurst   int

	// Agent profile file (YAML or JSON). Empty uses the built-in profile.
	ProfilePath string

	// Call Metadata store.
	MetadataStore string
	RedisURL      string
	MetadataTTL   time.Duration

	// Transcript sinks. Any combination may be enabled.
	TranscriptWebhookURL string
	NATSURL              string
	NATSSubject          string
	DatabaseURL          string

	CORSAllowedOrigins map[string]struct{}

	// Media and provider sockets.
	SessionUpdateDelay time.Duration
	MetadataTimeout    time.Duration
	WSWriteTimeout     time.Duration
	WSPingInterval     time.Duration
	WSMaxMessageBytes  int64
	ProviderHandshake  time.Duration
	MaxCallDuration    time.Duration

	// Status monitors.
	MonitorPingInterval time.Duration
	MonitorSnapshotLogs int
	StatusLogTTL        time.Duration

	HandoffTimeout time.Duration
	TerminateWait  time.Duration

	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration

	LogLevel  string
	LogFormat string
}

// TwilioEnabled reports whether outbound calling is configured.
func (c Config) TwilioEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != ""
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                 envOr("RELAY_ADDR", ":"+envOr("PORT", "8080")),
		PublicDomain:         cleanDomain(envOr("RELAY_PUBLIC_DOMAIN", os.Getenv("DOMAIN"))),
		OpenAIAPIKey:         envOr("OPENAI_API_KEY", ""),
		RealtimeURL:          envOr("RELAY_REALTIME_URL", realtime.DefaultURL),
		TwilioAccountSID:     envOr("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:      envOr("TWILIO_AUTH_TOKEN", ""),
		TwilioBaseURL:        envOr("RELAY_TWILIO_BASE_URL", ""),
		FromNumber:           envOr("RELAY_FROM_NUMBER", os.Getenv("PHONE_NUMBER_FROM")),
		AllowedNumbers:       splitCSV(os.Getenv("RELAY_ALLOWED_NUMBERS")),
		AllowCacheTTL:        envDurationOr("RELAY_ALLOW_CACHE_TTL", 10*time.Minute),
		PlaceCallRPS:         envFloat64Or("RELAY_PLACE_CALL_RPS", 1.0),
		PlaceCallBurst:       envIntOr("RELAY_PLACE_CALL_BURST", 3),
		ProfilePath:          envOr("RELAY_PROFILE", ""),
		MetadataStore:        strings.ToLower(envOr("RELAY_METADATA_STORE", "memory")),
		RedisURL:             envOr("RELAY_REDIS_URL", ""),
		MetadataTTL:          envDurationOr("RELAY_METADATA_TTL", 24*time.Hour),
		TranscriptWebhookURL: envOr("RELAY_TRANSCRIPT_WEBHOOK_URL", os.Getenv("N8N_WEBHOOK_URL")),
		NATSURL:              envOr("RELAY_NATS_URL", ""),
		NATSSubject:          envOr("RELAY_NATS_SUBJECT", "callrelay.transcript.completed"),
		DatabaseURL:          envOr("RELAY_DATABASE_URL", ""),
		CORSAllowedOrigins:   make(map[string]struct{}),
		SessionUpdateDelay:   envDurationOr("RELAY_SESSION_UPDATE_DELAY", 100*time.Millisecond),
		MetadataTimeout:      envDurationOr("RELAY_METADATA_TIMEOUT", 2*time.Second),
		WSWriteTimeout:       envDurationOr("RELAY_WS_WRITE_TIMEOUT", 5*time.Second),
		WSPingInterval:       envDurationOr("RELAY_WS_PING_INTERVAL", 20*time.Second),
		WSMaxMessageBytes:    envInt64Or("RELAY_WS_MAX_MESSAGE_BYTES", 256<<10),
		ProviderHandshake:    envDurationOr("RELAY_PROVIDER_HANDSHAKE_TIMEOUT", 10*time.Second),
		MaxCallDuration:      envDurationOr("RELAY_MAX_CALL_DURATION", 0),
		MonitorPingInterval:  envDurationOr("RELAY_MONITOR_PING_INTERVAL", 15*time.Second),
		MonitorSnapshotLogs:  envIntOr("RELAY_MONITOR_SNAPSHOT_LOGS", 10),
		StatusLogTTL:         envDurationOr("RELAY_STATUS_LOG_TTL", 6*time.Hour),
		HandoffTimeout:       envDurationOr("RELAY_HANDOFF_TIMEOUT", 10*time.Second),
		TerminateWait:        envDurationOr("RELAY_TERMINATE_WAIT", 2*time.Second),
		ReadHeaderTimeout:    envDurationOr("RELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:  envDurationOr("RELAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		LogLevel:             strings.ToLower(envOr("RELAY_LOG_LEVEL", "info")),
		LogFormat:            strings.ToLower(envOr("RELAY_LOG_FORMAT", "text")),
	}

	for _, origin := range splitCSV(os.Getenv("RELAY_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY must be set")
	}
	if cfg.PublicDomain == "" {
		return Config{}, fmt.Errorf("RELAY_PUBLIC_DOMAIN must be set")
	}
	if !validDomain.MatchString(cfg.PublicDomain) {
		return Config{}, fmt.Errorf("RELAY_PUBLIC_DOMAIN must be a host name, got %q", cfg.PublicDomain)
	}
	if u, err := url.Parse(cfg.RealtimeURL); err != nil || (u.Scheme != "wss" && u.Scheme != "ws") {
		return Config{}, fmt.Errorf("RELAY_REALTIME_URL must be a ws:// or wss:// URL")
	}
	if (cfg.TwilioAccountSID == "") != (cfg.TwilioAuthToken == "") {
		return Config{}, fmt.Errorf("TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN must be set together")
	}
	if cfg.TwilioEnabled() && cfg.FromNumber == "" {
		return Config{}, fmt.Errorf("RELAY_FROM_NUMBER must be set when Twilio credentials are configured")
	}
	if cfg.PlaceCallRPS < 0 {
		return Config{}, fmt.Errorf("RELAY_PLACE_CALL_RPS must be >= 0")
	}
	if cfg.PlaceCallBurst < 0 {
		return Config{}, fmt.Errorf("RELAY_PLACE_CALL_BURST must be >= 0")
	}
	switch cfg.MetadataStore {
	case "memory":
	case "redis":
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("RELAY_REDIS_URL must be set when RELAY_METADATA_STORE=redis")
		}
	default:
		return Config{}, fmt.Errorf("RELAY_METADATA_STORE must be one of memory|redis")
	}
	if cfg.MetadataTTL <= 0 {
		return Config{}, fmt.Errorf("RELAY_METADATA_TTL must be > 0")
	}
	if cfg.SessionUpdateDelay <= 0 {
		return Config{}, fmt.Errorf("RELAY_SESSION_UPDATE_DELAY must be > 0")
	}
	if cfg.MetadataTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_METADATA_TIMEOUT must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("RELAY_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("RELAY_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.ProviderHandshake <= 0 {
		return Config{}, fmt.Errorf("RELAY_PROVIDER_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.MaxCallDuration < 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_CALL_DURATION must be >= 0")
	}
	if cfg.MonitorPingInterval <= 0 {
		return Config{}, fmt.Errorf("RELAY_MONITOR_PING_INTERVAL must be > 0")
	}
	if cfg.MonitorSnapshotLogs < 0 {
		return Config{}, fmt.Errorf("RELAY_MONITOR_SNAPSHOT_LOGS must be >= 0")
	}
	if cfg.StatusLogTTL <= 0 {
		return Config{}, fmt.Errorf("RELAY_STATUS_LOG_TTL must be > 0")
	}
	if cfg.HandoffTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_HANDOFF_TIMEOUT must be > 0")
	}
	if cfg.TerminateWait <= 0 {
		return Config{}, fmt.Errorf("RELAY_TERMINATE_WAIT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("RELAY_LOG_FORMAT must be one of text|json")
	}

	return cfg, nil
}

var validDomain = regexp.MustCompile(`^[A-Za-z0-9.-]+(:[0-9]+)?$`)

// cleanDomain strips a scheme and trailing slashes so "https://x.example/" becomes "x.example".
func cleanDomain(raw string) string {
	raw = strings.TrimSpace(raw)
	if i := strings.Index(raw, "://"); i >= 0 {
		raw = raw[i+3:]
	}
	return strings.TrimRight(raw, "/")
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return strings.TrimSpace(def)
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

// envDurationOr accepts Go durations ("250ms") and bare integers as milliseconds.
func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
