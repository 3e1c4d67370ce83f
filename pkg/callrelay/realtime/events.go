package realtime

import (
	"encoding/json"
	"strings"
)

const (
	TypeSessionCreated              = "session.created"
	TypeSessionUpdated              = "session.updated"
	TypeSpeechStarted               = "input_audio_buffer.speech_started"
	TypeSpeechStopped               = "input_audio_buffer.speech_stopped"
	TypeInputAudioCommitted         = "input_audio_buffer.committed"
	TypeConversationItemCreated     = "conversation.item.created"
	TypeInputTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	TypeResponseCreated             = "response.created"
	TypeResponseAudioDelta          = "response.audio.delta"
	TypeResponseTranscriptDelta     = "response.audio_transcript.delta"
	TypeResponseTranscriptDone      = "response.audio_transcript.done"
	TypeResponseDone                = "response.done"
	TypeResponseCancelled           = "response.cancelled"
	TypeError                       = "error"
)

// Event is one decoded provider event.
type Event interface {
	EventType() string
}

type DecodeError struct {
	Code    string
	Message string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}

type SessionCreated struct{}

func (SessionCreated) EventType() string { return TypeSessionCreated }

type SessionUpdated struct{}

func (SessionUpdated) EventType() string { return TypeSessionUpdated }

type SpeechStarted struct {
	ItemID       string `json:"item_id"`
	AudioStartMS int    `json:"audio_start_ms"`
}

func (SpeechStarted) EventType() string { return TypeSpeechStarted }

type SpeechStopped struct {
	ItemID     string `json:"item_id"`
	AudioEndMS int    `json:"audio_end_ms"`
}

func (SpeechStopped) EventType() string { return TypeSpeechStopped }

type InputAudioCommitted struct {
	ItemID string `json:"item_id"`
}

func (InputAudioCommitted) EventType() string { return TypeInputAudioCommitted }

type ConversationItemCreated struct {
	Item ConversationItem `json:"item"`
}

func (ConversationItemCreated) EventType() string { return TypeConversationItemCreated }

type InputTranscriptionCompleted struct {
	ItemID     string `json:"item_id"`
	Transcript string `json:"transcript"`
}

func (InputTranscriptionCompleted) EventType() string { return TypeInputTranscriptionCompleted }

type ResponseCreated struct {
	Response ResponseInfo `json:"response"`
}

func (ResponseCreated) EventType() string { return TypeResponseCreated }

type AudioDelta struct {
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
}

func (AudioDelta) EventType() string { return TypeResponseAudioDelta }

type TranscriptDelta struct {
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
}

func (TranscriptDelta) EventType() string { return TypeResponseTranscriptDelta }

type TranscriptDone struct {
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Transcript string `json:"transcript"`
}

func (TranscriptDone) EventType() string { return TypeResponseTranscriptDone }

type ResponseDone struct {
	Response ResponseInfo `json:"response"`
}

func (ResponseDone) EventType() string { return TypeResponseDone }

type ResponseCancelled struct {
	ResponseID string `json:"response_id"`
}

func (ResponseCancelled) EventType() string { return TypeResponseCancelled }

type ErrorEvent struct {
	Error ErrorDetail `json:"error"`
}

func (ErrorEvent) EventType() string { return TypeError }

type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// UnknownEvent is any event type the relay does not model.
type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (u UnknownEvent) EventType() string { return u.Type }

type ConversationItem struct {
	ID      string        `json:"id"`
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Status  string        `json:"status,omitempty"`
	Content []ContentPart `json:"content"`
}

type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

type ResponseInfo struct {
	ID     string             `json:"id"`
	Status string             `json:"status"`
	Output []ConversationItem `json:"output"`
}

// Text joins the non-empty text parts of the item.
func (it ConversationItem) Text() string {
	parts := make([]string, 0, len(it.Content))
	for _, c := range it.Content {
		if t := strings.TrimSpace(c.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// AgentTranscript returns the spoken transcript of the first assistant output item.
func (r ResponseInfo) AgentTranscript() string {
	for _, item := range r.Output {
		if item.Role != "" && item.Role != "assistant" {
			continue
		}
		for _, c := range item.Content {
			if t := strings.TrimSpace(c.Transcript); t != "" {
				return t
			}
		}
	}
	return ""
}

// DecodeEvent decodes one provider message by its type field.
func DecodeEvent(data []byte) (Event, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, &DecodeError{Code: "bad_json", Message: err.Error()}
	}
	if strings.TrimSpace(head.Type) == "" {
		return nil, &DecodeError{Code: "missing_type", Message: "event has no type field"}
	}

	var ev Event
	switch head.Type {
	case TypeSessionCreated:
		return SessionCreated{}, nil
	case TypeSessionUpdated:
		return SessionUpdated{}, nil
	case TypeSpeechStarted:
		ev = decodeInto[SpeechStarted](data)
	case TypeSpeechStopped:
		ev = decodeInto[SpeechStopped](data)
	case TypeInputAudioCommitted:
		ev = decodeInto[InputAudioCommitted](data)
	case TypeConversationItemCreated:
		ev = decodeInto[ConversationItemCreated](data)
	case TypeInputTranscriptionCompleted:
		ev = decodeInto[InputTranscriptionCompleted](data)
	case TypeResponseCreated:
		ev = decodeInto[ResponseCreated](data)
	case TypeResponseAudioDelta:
		ev = decodeInto[AudioDelta](data)
	case TypeResponseTranscriptDelta:
		ev = decodeInto[TranscriptDelta](data)
	case TypeResponseTranscriptDone:
		ev = decodeInto[TranscriptDone](data)
	case TypeResponseDone:
		ev = decodeInto[ResponseDone](data)
	case TypeResponseCancelled:
		ev = decodeInto[ResponseCancelled](data)
	case TypeError:
		ev = decodeInto[ErrorEvent](data)
	default:
		return UnknownEvent{Type: head.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}
	if ev == nil {
		return nil, &DecodeError{Code: "bad_event", Message: "malformed " + head.Type}
	}
	return ev, nil
}

func decodeInto[T Event](data []byte) Event {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}
	return v
}
