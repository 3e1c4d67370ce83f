// Package supervisor owns the set of live call bridges. It creates one per
// media connection, reacts to lifecycle callbacks and hands each finished
// call's transcript to the sink exactly once.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/vango-go/vai-callrelay/pkg/callrelay/agent"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/bridge"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/mediastream"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/metadata"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/metrics"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/realtime"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/registry"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/sink"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/telephony"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/transcript"
)

var (
	ErrDraining        = errors.New("supervisor: draining, not accepting new calls")
	ErrMissingField    = errors.New("supervisor: call id and status are required")
	ErrCallingDisabled = errors.New("supervisor: outbound calling is not configured")
	ErrMissingNumber   = errors.New("supervisor: phone number is required")
	ErrNotAllowed      = errors.New("supervisor: number is not allowed to be called")
)

// Placer places and inspects outbound calls. *telephony.Client satisfies it.
type Placer interface {
	PlaceCall(ctx context.Context, req telephony.CallRequest) (telephony.Call, error)
	FetchCall(ctx context.Context, callID string) (telephony.Call, error)
}

// AllowDecider reports whether a number may be called. *telephony.AllowPolicy satisfies it.
type AllowDecider interface {
	Allowed(ctx context.Context, number string) (bool, error)
}

type Config struct {
	Bridge         bridge.Config
	HandoffTimeout time.Duration
	// TerminateWait bounds how long a terminal status callback waits for the
	// bridge to finish tearing down before handing off itself.
	TerminateWait time.Duration
	PublicDomain  string
	FromNumber    string
	// FinishedMemory is how many finished call IDs are remembered to keep
	// hand-off at most once per call.
	FinishedMemory int
}

func (c Config) withDefaults() Config {
	if c.HandoffTimeout <= 0 {
		c.HandoffTimeout = 10 * time.Second
	}
	if c.TerminateWait <= 0 {
		c.TerminateWait = 2 * time.Second
	}
	if c.FinishedMemory <= 0 {
		c.FinishedMemory = 4096
	}
	return c
}

type Dependencies struct {
	Registry    *registry.Registry
	Transcripts *transcript.Assembler
	Metadata    metadata.Store
	Sink        sink.Sink
	Dial        bridge.DialFunc
	Profile     agent.Profile
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Placer      Placer
	Allow       AllowDecider
	Config      Config
}

type Supervisor struct {
	registry    *registry.Registry
	transcripts *transcript.Assembler
	metadata    metadata.Store
	sink        sink.Sink
	dial        bridge.DialFunc
	profile     agent.Profile
	metrics     *metrics.Metrics
	logger      *slog.Logger
	placer      Placer
	allow       AllowDecider
	cfg         Config

	draining atomic.Bool
	wg       sync.WaitGroup

	mu      sync.Mutex
	bridges map[string]*bridge.Bridge

	finishMu sync.Mutex
	finished *expirable.LRU[string, struct{}]
}

func New(deps Dependencies) (*Supervisor, error) {
	if deps.Dial == nil {
		return nil, errors.New("supervisor: provider dialer is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Registry == nil {
		deps.Registry = registry.New(registry.Config{Logger: deps.Logger})
	}
	if deps.Transcripts == nil {
		deps.Transcripts = transcript.NewAssembler()
	}
	if deps.Sink == nil {
		deps.Sink = sink.Discard{}
	}
	if deps.Profile.Voice == "" {
		deps.Profile = agent.Default()
	}
	cfg := deps.Config.withDefaults()

	return &Supervisor{
		registry:    deps.Registry,
		transcripts: deps.Transcripts,
		metadata:    deps.Metadata,
		sink:        deps.Sink,
		dial:        deps.Dial,
		profile:     deps.Profile,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		placer:      deps.Placer,
		allow:       deps.Allow,
		cfg:         cfg,
		bridges:     make(map[string]*bridge.Bridge),
		finished:    expirable.NewLRU[string, struct{}](cfg.FinishedMemory, nil, 6*time.Hour),
	}, nil
}

// RealtimeDial adapts a realtime dialer to the bridge's dial func.
func RealtimeDial(d *realtime.Dialer) bridge.DialFunc {
	return func(ctx context.Context) (bridge.ProviderConn, error) {
		conn, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

func (s *Supervisor) Registry() *registry.Registry {
	return s.registry
}

// ServeMediaConn relays one accepted media connection until the call ends.
func (s *Supervisor) ServeMediaConn(conn bridge.FarEndConn) error {
	if s.draining.Load() {
		return ErrDraining
	}
	connID := uuid.NewString()
	b, err := bridge.New(bridge.Dependencies{
		Conn:        conn,
		Dial:        s.dial,
		Registry:    s.registry,
		Transcripts: s.transcripts,
		Metadata:    s.metadata,
		Profile:     s.profile,
		Metrics:     s.metrics,
		Logger:      s.logger,
		ConnID:      connID,
		Config:      s.cfg.Bridge,
		OnTeardown:  s.bridgeFinished,
	})
	if err != nil {
		return err
	}

	s.wg.Add(1)
	s.mu.Lock()
	s.bridges[connID] = b
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.bridges, connID)
		s.mu.Unlock()
		s.wg.Done()
	}()

	s.logger.Info("media connection accepted", "conn_id", connID)
	return b.Run()
}

func (s *Supervisor) bridgeFinished(sum bridge.Summary) {
	if sum.CallID == "" {
		s.logger.Debug("media connection closed before call start", "conn_id", sum.ConnID, "reason", sum.Reason)
		return
	}
	s.finish(sum.CallID, sum.Reason)
}

// HandleCallStatus processes a lifecycle callback from the Call Provider.
func (s *Supervisor) HandleCallStatus(ctx context.Context, callID, status string) error {
	callID, status = strings.TrimSpace(callID), strings.TrimSpace(status)
	if callID == "" || status == "" {
		return ErrMissingField
	}
	s.metrics.RecordStatusCallback(status)
	s.logger.Info("call status", "call_id", callID, "status", status)
	s.registry.Broadcast(callID, "Call status: "+status)

	if !telephony.IsTerminal(status) {
		return nil
	}

	if h, ok := s.registry.Lookup(callID); ok {
		h.Terminate("call status: " + status)
		select {
		case <-h.Done:
		case <-time.After(s.cfg.TerminateWait):
			s.logger.Warn("bridge did not finish in time", "call_id", callID, "wait", s.cfg.TerminateWait)
		case <-ctx.Done():
		}
	}
	s.finish(callID, status)
	s.registry.Forget(callID)
	return nil
}

// finish hands the transcript off and drops the call's metadata. Only the
// first call per call ID does anything.
func (s *Supervisor) finish(callID, status string) {
	s.finishMu.Lock()
	if s.finished.Contains(callID) {
		s.finishMu.Unlock()
		return
	}
	s.finished.Add(callID, struct{}{})
	s.finishMu.Unlock()

	logger := s.logger.With("call_id", callID)
	if utts := s.transcripts.Finalize(callID); len(utts) > 0 {
		t := sink.NewTranscript(callID, status, utts, time.Now())
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandoffTimeout)
		err := s.sink.Deliver(ctx, t)
		cancel()
		if err != nil {
			logger.Error("transcript hand-off failed", "sink", s.sink.Name(), "error", err)
			s.metrics.RecordHandoff("error")
			s.registry.Broadcast(callID, "Transcript delivery failed")
		} else {
			logger.Info("transcript handed off", "sink", s.sink.Name(), "utterances", len(utts))
			s.metrics.RecordHandoff("ok")
			s.registry.Broadcast(callID, "Transcript delivered")
		}
	} else {
		s.metrics.RecordHandoff("empty")
	}

	if s.metadata != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Bridge.MetadataTimeout+time.Second)
		if err := s.metadata.Delete(ctx, callID); err != nil {
			logger.Warn("call metadata delete failed", "error", err)
		}
		cancel()
	}
}

type PlaceRequest struct {
	PhoneNumber string            `json:"phoneNumber"`
	Language    string            `json:"language,omitempty"`
	Metadata    metadata.Metadata `json:"metadata,omitempty"`
}

// PlaceCall checks the allow decision, places the call and stores its metadata
// under the returned call ID.
func (s *Supervisor) PlaceCall(ctx context.Context, req PlaceRequest) (telephony.Call, error) {
	if s.placer == nil {
		return telephony.Call{}, ErrCallingDisabled
	}
	number := strings.TrimSpace(req.PhoneNumber)
	if number == "" {
		return telephony.Call{}, ErrMissingNumber
	}
	language := strings.TrimSpace(req.Language)
	if language == "" {
		language = mediastream.DefaultLanguage
	}

	if s.allow != nil {
		ok, err := s.allow.Allowed(ctx, number)
		if err != nil {
			s.metrics.RecordCallPlaced("error")
			return telephony.Call{}, fmt.Errorf("allow decision: %w", err)
		}
		if !ok {
			s.metrics.RecordCallPlaced("denied")
			return telephony.Call{}, ErrNotAllowed
		}
	}

	call, err := s.placer.PlaceCall(ctx, telephony.CallRequest{
		To:                number,
		From:              s.cfg.FromNumber,
		TwiMLURL:          telephony.TwiMLURL(s.cfg.PublicDomain, language),
		StatusCallbackURL: telephony.StatusCallbackURL(s.cfg.PublicDomain),
	})
	if err != nil {
		s.metrics.RecordCallPlaced("error")
		return telephony.Call{}, err
	}
	s.metrics.RecordCallPlaced("ok")
	s.logger.Info("outbound call placed", "call_id", call.SID, "language", language)

	if len(req.Metadata) > 0 && s.metadata != nil {
		if err := s.metadata.Put(ctx, call.SID, req.Metadata); err != nil {
			s.logger.Warn("store call metadata failed", "call_id", call.SID, "error", err)
		}
	}
	s.registry.Broadcast(call.SID, "Outbound call placed")
	return call, nil
}

func (s *Supervisor) FetchCall(ctx context.Context, callID string) (telephony.Call, error) {
	if s.placer == nil {
		return telephony.Call{}, ErrCallingDisabled
	}
	return s.placer.FetchCall(ctx, callID)
}

func (s *Supervisor) SetDraining(draining bool) {
	s.draining.Store(draining)
}

func (s *Supervisor) IsDraining() bool {
	return s.draining.Load()
}

// ActiveConnections counts media connections, including ones not yet started.
func (s *Supervisor) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bridges)
}

// CancelAll terminates every live bridge.
func (s *Supervisor) CancelAll(reason string) int {
	s.mu.Lock()
	live := make([]*bridge.Bridge, 0, len(s.bridges))
	for _, b := range s.bridges {
		live = append(live, b)
	}
	s.mu.Unlock()

	for _, b := range live {
		b.Terminate(reason)
	}
	return len(live)
}

// Wait blocks until every media connection has finished or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
