// Package realtime speaks the inference provider's realtime websocket protocol:
// commands the relay sends, events it receives, and a gorilla-based client.
package realtime

const (
	TypeSessionUpdate         = "session.update"
	TypeInputAudioAppend      = "input_audio_buffer.append"
	TypeInputAudioClear       = "input_audio_buffer.clear"
	TypeResponseCreate        = "response.create"
	TypeResponseCancel        = "response.cancel"
	DefaultModel              = "gpt-4o-realtime-preview"
	DefaultURL                = "wss://api.openai.com/v1/realtime?model=" + DefaultModel
	DefaultVoice              = "ballad"
	DefaultAudioFormat        = "g711_ulaw"
	DefaultTranscriptionModel = "whisper-1"
)

type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

type SessionConfig struct {
	TurnDetection           TurnDetection            `json:"turn_detection"`
	InputAudioFormat        string                   `json:"input_audio_format"`
	OutputAudioFormat       string                   `json:"output_audio_format"`
	Voice                   string                   `json:"voice"`
	Instructions            string                   `json:"instructions"`
	Modalities              []string                 `json:"modalities"`
	Temperature             float64                  `json:"temperature"`
	InputAudioTranscription *InputAudioTranscription `json:"input_audio_transcription,omitempty"`
	ToolChoice              string                   `json:"tool_choice,omitempty"`
	MaxResponseOutputTokens int                      `json:"max_response_output_tokens,omitempty"`
}

type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

type InputAudioTranscription struct {
	Model string `json:"model"`
}

type InputAudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type InputAudioClear struct {
	Type string `json:"type"`
}

type ResponseCreate struct {
	Type     string           `json:"type"`
	Response *ResponseOptions `json:"response,omitempty"`
}

type ResponseOptions struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

type ResponseCancel struct {
	Type string `json:"type"`
}

func NewSessionUpdate(cfg SessionConfig) SessionUpdate {
	return SessionUpdate{Type: TypeSessionUpdate, Session: cfg}
}

// NewInputAudioAppend wraps a base64 audio chunk. The payload is passed through untouched.
func NewInputAudioAppend(audio string) InputAudioAppend {
	return InputAudioAppend{Type: TypeInputAudioAppend, Audio: audio}
}

func NewInputAudioClear() InputAudioClear {
	return InputAudioClear{Type: TypeInputAudioClear}
}

func NewResponseCreate(opts *ResponseOptions) ResponseCreate {
	return ResponseCreate{Type: TypeResponseCreate, Response: opts}
}

func NewResponseCancel() ResponseCancel {
	return ResponseCancel{Type: TypeResponseCancel}
}
