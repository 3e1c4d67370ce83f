// Package bridge owns one call's far-end media socket and provider session
// and relays between them for the life of the call.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-callrelay/pkg/callrelay/agent"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/mediastream"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/metadata"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/metrics"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/realtime"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/registry"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/transcript"
)

// Teardown reasons.
const (
	ReasonFarEndClosed        = "far_end_closed"
	ReasonFarEndError         = "far_end_error"
	ReasonMissingCallID       = "missing_call_id"
	ReasonProviderUnavailable = "provider_unavailable"
	ReasonProviderClosed      = "provider_closed"
	ReasonMaxDuration         = "max_duration"
	ReasonTerminated          = "terminated"
)

var (
	ErrProviderUnavailable = errors.New("provider session could not be opened")
	ErrProviderClosed      = errors.New("provider session closed")
)

// FarEndConn is the media websocket. *websocket.Conn satisfies it.
type FarEndConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	wsWriter
}

// ProviderConn is an open provider session. Events is closed when the
// session stops; Err then reports why.
type ProviderConn interface {
	Send(v any) error
	Events() <-chan realtime.Event
	Err() error
	Close() error
}

type DialFunc func(ctx context.Context) (ProviderConn, error)

type Config struct {
	SessionUpdateDelay time.Duration
	SessionUpdateRetry time.Duration
	MetadataTimeout    time.Duration
	WriteTimeout       time.Duration
	PingInterval       time.Duration
	OutboundQueueSize  int
	// MaxCallDuration ends the call after this long. Zero disables the limit.
	MaxCallDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.SessionUpdateDelay <= 0 {
		c.SessionUpdateDelay = 100 * time.Millisecond
	}
	if c.SessionUpdateRetry <= 0 {
		c.SessionUpdateRetry = 250 * time.Millisecond
	}
	if c.MetadataTimeout <= 0 {
		c.MetadataTimeout = 2 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = 256
	}
	return c
}

// Summary describes a finished bridge.
type Summary struct {
	ConnID         string
	CallID         string
	StreamID       string
	Language       string
	Reason         string
	Detail         string
	ProviderOpened bool
	StartedAt      time.Time
	EndedAt        time.Time
}

type Dependencies struct {
	Conn        FarEndConn
	Dial        DialFunc
	Registry    *registry.Registry
	Transcripts *transcript.Assembler
	Metadata    metadata.Store
	Profile     agent.Profile
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	ConnID      string
	Config      Config
	// OnTeardown runs once, on the bridge goroutine, before Done is closed.
	OnTeardown func(Summary)
}

type Bridge struct {
	conn        FarEndConn
	dial        DialFunc
	registry    *registry.Registry
	transcripts *transcript.Assembler
	metadata    metadata.Store
	profile     agent.Profile
	metrics     *metrics.Metrics
	logger      *slog.Logger
	connID      string
	cfg         Config
	onTeardown  func(Summary)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	ran    atomic.Bool

	mu              sync.Mutex
	callID          string
	streamID        string
	language        string
	terminateReason string
	closeCode       int
	closeText       string

	playbackGen atomic.Uint64
	priority    chan outboundFrame
	normal      chan outboundFrame

	// Owned by the Run goroutine.
	machine        *Machine
	active         bool
	provider       ProviderConn
	providerEvents <-chan realtime.Event
	dialCh         chan dialResult
	configTimer    *time.Timer
	configC        <-chan time.Time
	configSent     bool
	unregister     func()
	startedAt      time.Time
	providerOpened bool
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

type dialResult struct {
	conn ProviderConn
	err  error
}

func New(deps Dependencies) (*Bridge, error) {
	if deps.Conn == nil {
		return nil, errors.New("bridge: far-end connection is required")
	}
	if deps.Dial == nil {
		return nil, errors.New("bridge: provider dialer is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Profile.Voice == "" {
		deps.Profile = agent.Default()
	}
	cfg := deps.Config.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		conn:        deps.Conn,
		dial:        deps.Dial,
		registry:    deps.Registry,
		transcripts: deps.Transcripts,
		metadata:    deps.Metadata,
		profile:     deps.Profile,
		metrics:     deps.Metrics,
		logger:      deps.Logger.With("conn_id", deps.ConnID),
		connID:      deps.ConnID,
		cfg:         cfg,
		onTeardown:  deps.OnTeardown,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		priority:    make(chan outboundFrame, 16),
		normal:      make(chan outboundFrame, cfg.OutboundQueueSize),
		machine: NewMachine(Policy{
			SpeakFirst:     deps.Profile.SpeakFirst,
			ResponseCreate: deps.Profile.ResponseCreate(),
		}),
		startedAt: time.Now(),
	}
	return b, nil
}

func (b *Bridge) ConnID() string {
	return b.connID
}

func (b *Bridge) CallID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.callID
}

func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Terminate ends the bridge from outside, for example on a terminal status
// callback. It is safe to call any number of times from any goroutine.
func (b *Bridge) Terminate(reason string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.terminateReason == "" {
		b.terminateReason = reason
		if b.closeCode == 0 {
			b.closeCode, b.closeText = websocket.CloseNormalClosure, "Call ended"
		}
	}
	b.mu.Unlock()
	b.cancel()
}

// Run relays until the call ends and then tears down. It returns a non-nil
// error only when the provider side failed.
func (b *Bridge) Run() error {
	if !b.ran.CompareAndSwap(false, true) {
		return errors.New("bridge: already run")
	}
	defer close(b.done)

	readCh := make(chan inboundFrame, 16)
	go b.readLoop(readCh)

	writer := &outboundWriter{
		ws:           b.conn,
		ctx:          b.ctx,
		pingInterval: b.cfg.PingInterval,
		writeTimeout: b.cfg.WriteTimeout,
		priority:     b.priority,
		normal:       b.normal,
		isStale:      func(gen uint64) bool { return gen != b.playbackGen.Load() },
		closeFrame:   b.closeFrame,
	}
	writerDone := make(chan struct{})
	logger := b.logger
	go func() {
		defer close(writerDone)
		if err := writer.Run(); err != nil && b.ctx.Err() == nil {
			logger.Warn("far-end writer stopped", "error", err)
		}
	}()

	var maxC <-chan time.Time
	if b.cfg.MaxCallDuration > 0 {
		t := time.NewTimer(b.cfg.MaxCallDuration)
		defer t.Stop()
		maxC = t.C
	}

	reason, detail, runErr := b.loop(readCh, maxC)
	b.teardown(reason, detail, writerDone)
	return runErr
}

func (b *Bridge) loop(readCh <-chan inboundFrame, maxC <-chan time.Time) (reason, detail string, err error) {
	for {
		select {
		case <-b.ctx.Done():
			b.mu.Lock()
			detail = b.terminateReason
			b.mu.Unlock()
			return ReasonTerminated, detail, nil

		case in, ok := <-readCh:
			if !ok {
				readCh = nil
				continue
			}
			if in.err != nil {
				if websocket.IsCloseError(in.err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					return ReasonFarEndClosed, "", nil
				}
				b.logger.Info("far-end read ended", "error", in.err)
				return ReasonFarEndError, in.err.Error(), nil
			}
			if in.messageType != websocket.TextMessage {
				continue
			}
			if stop := b.handleFarEnd(in.data); stop != "" {
				return stop, "", nil
			}

		case res := <-b.dialCh:
			b.dialCh = nil
			if res.err != nil {
				b.logger.Error("provider connect failed", "error", res.err)
				b.broadcast("Failed to connect to provider: " + res.err.Error())
				return ReasonProviderUnavailable, res.err.Error(), fmt.Errorf("%w: %v", ErrProviderUnavailable, res.err)
			}
			b.provider = res.conn
			b.providerEvents = res.conn.Events()
			b.providerOpened = true
			b.broadcast("Connected to provider")
			b.armSessionUpdate(b.cfg.SessionUpdateDelay)

		case <-b.configC:
			b.configC = nil
			if !b.sendSessionUpdate() {
				b.armSessionUpdate(b.cfg.SessionUpdateRetry)
			}

		case ev, ok := <-b.providerEvents:
			if !ok {
				b.providerEvents = nil
				perr := b.provider.Err()
				b.logger.Warn("provider session ended", "error", perr)
				b.broadcast("Provider connection closed")
				if perr == nil {
					perr = ErrProviderClosed
				}
				return ReasonProviderClosed, perr.Error(), fmt.Errorf("%w: %v", ErrProviderClosed, perr)
			}
			b.handleProviderEvent(ev)

		case <-maxC:
			b.broadcast("Maximum call duration reached")
			return ReasonMaxDuration, "", nil
		}
	}
}

func (b *Bridge) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := b.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-b.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Bridge) handleFarEnd(data []byte) (stopReason string) {
	frame, err := mediastream.Decode(data)
	if err != nil {
		b.logger.Warn("dropping malformed far-end frame", "error", err)
		b.broadcast("Error parsing media stream frame: " + err.Error())
		return ""
	}

	switch f := frame.(type) {
	case mediastream.Start:
		return b.handleStart(f)
	case mediastream.Media:
		b.handleMedia(f)
	default:
		b.logger.Debug("far-end event", "event", f.Event())
		b.broadcast("Received event: " + f.Event())
	}
	return ""
}

func (b *Bridge) handleStart(f mediastream.Start) string {
	if b.active {
		b.logger.Info("ignoring repeated start frame", "stream_id", f.StreamID)
		return ""
	}
	if f.CallID == "" {
		b.logger.Warn("start frame without call id; closing media stream", "stream_id", f.StreamID)
		b.mu.Lock()
		b.closeCode, b.closeText = websocket.CloseInternalServerErr, "No CallSid provided"
		b.mu.Unlock()
		return ReasonMissingCallID
	}

	b.mu.Lock()
	b.callID = f.CallID
	b.streamID = f.StreamID
	b.language = f.Language
	b.mu.Unlock()

	b.active = true
	b.logger = b.logger.With("call_id", f.CallID, "stream_id", f.StreamID)
	b.unregister = b.registry.Register(f.CallID, registry.Handle{Terminate: b.Terminate, Done: b.done})
	b.metrics.RecordCallStart()
	b.logger.Info("media stream started", "language", f.Language)
	b.broadcast("Call connected - media stream started")

	ch := make(chan dialResult)
	b.dialCh = ch
	go func(ctx context.Context) {
		conn, err := b.dial(ctx)
		select {
		case ch <- dialResult{conn: conn, err: err}:
		case <-ctx.Done():
			if conn != nil {
				_ = conn.Close()
			}
		}
	}(b.ctx)
	return ""
}

func (b *Bridge) handleMedia(f mediastream.Media) {
	if !b.active || b.provider == nil || f.Payload == "" {
		return
	}
	if err := b.provider.Send(realtime.NewInputAudioAppend(f.Payload)); err != nil {
		b.logger.Debug("provider audio append failed", "error", err)
		return
	}
	b.metrics.RecordAudio("inbound", len(f.Payload))
}

func (b *Bridge) armSessionUpdate(d time.Duration) {
	if b.configTimer == nil {
		b.configTimer = time.NewTimer(d)
	} else {
		b.configTimer.Reset(d)
	}
	b.configC = b.configTimer.C
}

// sendSessionUpdate reports false when its preconditions do not hold yet.
func (b *Bridge) sendSessionUpdate() bool {
	if b.configSent {
		return true
	}
	b.mu.Lock()
	callID, streamID, language := b.callID, b.streamID, b.language
	b.mu.Unlock()
	if b.provider == nil || !b.active || callID == "" || streamID == "" {
		b.logger.Debug("deferring session update", "has_call_id", callID != "", "has_stream_id", streamID != "")
		return false
	}

	var md metadata.Metadata
	if b.metadata != nil {
		ctx, cancel := context.WithTimeout(b.ctx, b.cfg.MetadataTimeout)
		got, err := b.metadata.Get(ctx, callID)
		cancel()
		if err != nil {
			b.logger.Warn("call metadata lookup failed", "error", err)
		}
		md = got
	}

	instructions, err := b.profile.BuildInstructions(md, language)
	if err != nil {
		b.logger.Warn("instructions template failed; using language directive only", "error", err)
		instructions = "Always reply in " + language + "."
	}

	b.configSent = true
	if err := b.provider.Send(realtime.NewSessionUpdate(b.profile.SessionConfig(instructions))); err != nil {
		b.logger.Warn("session update send failed", "error", err)
		return true
	}
	b.broadcast("Sent session configuration to provider")
	return true
}

func (b *Bridge) handleProviderEvent(ev realtime.Event) {
	b.metrics.RecordProviderEvent(ev.EventType())
	for _, fx := range b.machine.Step(ev) {
		b.apply(fx)
	}
}

func (b *Bridge) apply(fx Effect) {
	switch e := fx.(type) {
	case SendProvider:
		if b.provider == nil {
			return
		}
		if err := b.provider.Send(e.Command); err != nil {
			b.logger.Warn("provider command failed", "command", fmt.Sprintf("%T", e.Command), "error", err)
		}
	case ForwardAudio:
		b.enqueuePlayback(mediastream.NewMediaFrame(b.currentStreamID(), e.Payload))
		b.metrics.RecordAudio("outbound", len(e.Payload))
	case ClearPlayback:
		b.playbackGen.Add(1)
		b.enqueuePriority(mediastream.NewClearFrame(b.currentStreamID()))
		b.metrics.RecordBargeIn()
	case RecordTranscript:
		b.transcripts.AppendOrCreate(b.CallID(), e.Role, e.Text, e.Mode)
	case EmitStatus:
		b.broadcast(e.Message)
	case DropAudio:
		b.metrics.RecordAgentAudioDropped()
	case ReportError:
		b.logger.Warn("provider error", "type", e.Detail.Type, "code", e.Detail.Code, "message", e.Detail.Message)
	case Ignore:
		b.logger.Debug("unhandled provider event", "type", e.Type)
	}
}

func (b *Bridge) enqueuePlayback(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("encode far-end frame", "error", err)
		return
	}
	select {
	case b.normal <- outboundFrame{payload: payload, playback: true, generation: b.playbackGen.Load()}:
	default:
		b.logger.Debug("far-end queue full; dropping agent audio")
	}
}

func (b *Bridge) enqueuePriority(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("encode far-end frame", "error", err)
		return
	}
	select {
	case b.priority <- outboundFrame{payload: payload}:
	default:
		b.logger.Warn("far-end priority queue full; dropping control frame")
	}
}

func (b *Bridge) currentStreamID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streamID
}

func (b *Bridge) closeFrame() (int, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closeCode == 0 {
		return websocket.CloseNormalClosure, ""
	}
	return b.closeCode, b.closeText
}

func (b *Bridge) broadcast(message string) {
	callID := b.CallID()
	if callID == "" {
		return
	}
	b.registry.Broadcast(callID, message)
}

func (b *Bridge) teardown(reason, detail string, writerDone <-chan struct{}) {
	b.machine.Close()
	if b.configTimer != nil {
		b.configTimer.Stop()
	}
	b.configC = nil
	if b.provider != nil {
		if err := b.provider.Close(); err != nil {
			b.logger.Debug("provider close", "error", err)
		}
	}

	wasActive := b.active
	b.active = false
	if b.unregister != nil {
		b.unregister()
	}
	msg := "Call session ended: " + reason
	if detail != "" {
		msg += " (" + detail + ")"
	}
	b.broadcast(msg)

	ended := time.Now()
	if wasActive {
		b.metrics.RecordCallEnd(reason, ended.Sub(b.startedAt))
	}

	b.cancel()
	select {
	case <-writerDone:
	case <-time.After(b.cfg.WriteTimeout + 250*time.Millisecond):
	}
	_ = b.conn.Close()

	b.mu.Lock()
	sum := Summary{
		ConnID:         b.connID,
		CallID:         b.callID,
		StreamID:       b.streamID,
		Language:       b.language,
		Reason:         reason,
		Detail:         detail,
		ProviderOpened: b.providerOpened,
		StartedAt:      b.startedAt,
		EndedAt:        ended,
	}
	b.mu.Unlock()

	b.logger.Info("call bridge closed", "reason", reason, "detail", detail, "duration_ms", ended.Sub(b.startedAt).Milliseconds())
	if b.onTeardown != nil {
		b.onTeardown(sum)
	}
}
