package bridge

import (
	"strings"

	"github.com/vango-go/vai-callrelay/pkg/callrelay/realtime"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/transcript"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/turn"
)

type Phase int

const (
	PhaseAwaitingConfig Phase = iota
	PhaseReady
	PhaseInTurn
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingConfig:
		return "awaiting_config"
	case PhaseReady:
		return "ready"
	case PhaseInTurn:
		return "in_turn"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Effect is one side effect requested by Machine.Step. The bridge performs them in order.
type Effect interface {
	isEffect()
}

// SendProvider sends Command to the provider session.
type SendProvider struct{ Command any }

// ForwardAudio plays an agent audio chunk on the far end.
type ForwardAudio struct{ Payload string }

// ClearPlayback flushes audio the far end has queued but not played.
type ClearPlayback struct{}

type RecordTranscript struct {
	Role transcript.Role
	Text string
	Mode transcript.Mode
}

type EmitStatus struct{ Message string }

// DropAudio reports an agent chunk withheld by the turn arbiter.
type DropAudio struct{ ResponseID string }

type ReportError struct{ Detail realtime.ErrorDetail }

// Ignore reports an event the machine does not act on.
type Ignore struct{ Type string }

func (SendProvider) isEffect()     {}
func (ForwardAudio) isEffect()     {}
func (ClearPlayback) isEffect()    {}
func (RecordTranscript) isEffect() {}
func (EmitStatus) isEffect()       {}
func (DropAudio) isEffect()        {}
func (ReportError) isEffect()      {}
func (Ignore) isEffect()           {}

type Policy struct {
	// SpeakFirst requests an opening response as soon as the session is configured.
	SpeakFirst     bool
	ResponseCreate realtime.ResponseCreate
}

// Machine maps provider events to effects. It performs no I/O.
type Machine struct {
	phase   Phase
	arbiter *turn.Arbiter
	policy  Policy
}

func NewMachine(policy Policy) *Machine {
	if policy.ResponseCreate.Type == "" {
		policy.ResponseCreate = realtime.NewResponseCreate(&realtime.ResponseOptions{Modalities: []string{"text", "audio"}})
	}
	return &Machine{arbiter: turn.New(), policy: policy}
}

func (m *Machine) Phase() Phase {
	return m.phase
}

func (m *Machine) Turn() turn.State {
	return m.arbiter.State()
}

func (m *Machine) Close() {
	m.phase = PhaseClosed
}

func (m *Machine) Step(ev realtime.Event) []Effect {
	if m.phase == PhaseClosed || ev == nil {
		return nil
	}

	var fx []Effect
	switch e := ev.(type) {
	case realtime.SessionCreated:
		fx = append(fx, EmitStatus{Message: "Provider session created"})

	case realtime.SessionUpdated:
		if m.phase != PhaseAwaitingConfig {
			return nil
		}
		m.phase = PhaseReady
		fx = append(fx, EmitStatus{Message: "Session configured - ready for conversation"})
		if m.policy.SpeakFirst {
			m.arbiter.ResponseStarted("")
			fx = append(fx,
				SendProvider{Command: m.policy.ResponseCreate},
				EmitStatus{Message: "Requested opening response"},
			)
		}

	case realtime.SpeechStarted:
		interrupted := m.arbiter.State().AgentSpeaking
		for _, cmd := range m.arbiter.SpeechStarted() {
			switch cmd {
			case turn.CancelResponse:
				fx = append(fx, SendProvider{Command: realtime.NewResponseCancel()})
			case turn.ClearInputBuffer:
				fx = append(fx, SendProvider{Command: realtime.NewInputAudioClear()})
			case turn.ClearPlayback:
				fx = append(fx, ClearPlayback{})
			}
		}
		msg := "Caller started speaking"
		if interrupted {
			msg = "Caller interrupted - agent response cancelled"
		}
		fx = append(fx, EmitStatus{Message: msg})

	case realtime.SpeechStopped:
		m.arbiter.SpeechStopped()
		fx = append(fx, EmitStatus{Message: "Caller stopped speaking"})

	case realtime.InputAudioCommitted:
		m.arbiter.ResponseStarted("")
		fx = append(fx,
			SendProvider{Command: m.policy.ResponseCreate},
			EmitStatus{Message: "Caller turn committed - requesting response"},
		)

	case realtime.ConversationItemCreated:
		if e.Item.Role == "user" {
			if text := e.Item.Text(); text != "" {
				fx = append(fx, RecordTranscript{Role: transcript.RoleCaller, Text: text, Mode: transcript.ModeReplace})
			}
		}

	case realtime.InputTranscriptionCompleted:
		if text := strings.TrimSpace(e.Transcript); text != "" {
			fx = append(fx,
				RecordTranscript{Role: transcript.RoleCaller, Text: text, Mode: transcript.ModeReplace},
				EmitStatus{Message: "Caller said: " + text},
			)
		}

	case realtime.ResponseCreated:
		m.arbiter.ResponseStarted(e.Response.ID)

	case realtime.AudioDelta:
		if e.Delta == "" {
			break
		}
		if m.arbiter.AdmitAudio(e.ResponseID) {
			fx = append(fx, ForwardAudio{Payload: e.Delta})
		} else {
			fx = append(fx, DropAudio{ResponseID: e.ResponseID})
		}

	case realtime.TranscriptDelta:
		if e.Delta != "" {
			fx = append(fx, RecordTranscript{Role: transcript.RoleAgent, Text: e.Delta, Mode: transcript.ModeAppend})
		}

	case realtime.TranscriptDone:
		if text := strings.TrimSpace(e.Transcript); text != "" {
			fx = append(fx, RecordTranscript{Role: transcript.RoleAgent, Text: text, Mode: transcript.ModeReplace})
		}

	case realtime.ResponseDone:
		m.arbiter.ResponseEnded(e.Response.ID)
		if text := e.Response.AgentTranscript(); text != "" {
			fx = append(fx, RecordTranscript{Role: transcript.RoleAgent, Text: text, Mode: transcript.ModeReplace})
		}
		msg := "Agent finished speaking"
		if e.Response.Status == "cancelled" {
			msg = "Agent response cancelled"
		}
		fx = append(fx, EmitStatus{Message: msg})

	case realtime.ResponseCancelled:
		m.arbiter.ResponseEnded(e.ResponseID)
		fx = append(fx, EmitStatus{Message: "Agent response cancelled"})

	case realtime.ErrorEvent:
		fx = append(fx,
			ReportError{Detail: e.Error},
			EmitStatus{Message: "Provider error: " + e.Error.Message},
		)

	default:
		fx = append(fx, Ignore{Type: ev.EventType()})
	}

	m.settle()
	return fx
}

func (m *Machine) settle() {
	if m.phase != PhaseReady && m.phase != PhaseInTurn {
		return
	}
	s := m.arbiter.State()
	if s.AgentSpeaking || s.FarEndSpeaking {
		m.phase = PhaseInTurn
	} else {
		m.phase = PhaseReady
	}
}
