// Package agent describes how the voice agent is configured for each call:
// the provider session parameters, the speak-first policy, and the
// instruction template rendered from call metadata.
package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	yaml "go.yaml.in/yaml/v2"

	"github.com/vango-go/vai-callrelay/pkg/callrelay/metadata"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/realtime"
)

// DefaultResponseInstructions accompany every response the relay requests.
const DefaultResponseInstructions = "Always provide both text and audio responses. Include the text version of everything you say."

const defaultInstructions = `You are Arthur, a warm and upbeat concierge handling guest calls over an A-I phone line.
{{- with index .Metadata "hotelName"}} You work at {{.}}.{{end}}
{{- with index .Metadata "city"}} You are helping a guest in {{.}}.{{end}}
{{- with index .Metadata "guestDetails"}}{{with index . "checkInDate"}} The guest checks in on {{.}}.{{end}}{{with index . "checkOutDate"}} The guest checks out on {{.}}.{{end}}{{end}}
Keep replies short and conversational. Ask one question at a time and wait for the answer.
Never reveal or hint at internal-only details about the guest or this call.`

type TurnDetection struct {
	Threshold         float64 `yaml:"threshold" json:"threshold"`
	PrefixPaddingMS   int     `yaml:"prefix_padding_ms" json:"prefix_padding_ms"`
	SilenceDurationMS int     `yaml:"silence_duration_ms" json:"silence_duration_ms"`
}

type Profile struct {
	Name                 string        `yaml:"name" json:"name"`
	Voice                string        `yaml:"voice" json:"voice"`
	SpeakFirst           bool          `yaml:"speak_first" json:"speak_first"`
	Temperature          float64       `yaml:"temperature" json:"temperature"`
	MaxOutputTokens      int           `yaml:"max_output_tokens" json:"max_output_tokens"`
	TranscriptionModel   string        `yaml:"transcription_model" json:"transcription_model"`
	InputAudioFormat     string        `yaml:"input_audio_format" json:"input_audio_format"`
	OutputAudioFormat    string        `yaml:"output_audio_format" json:"output_audio_format"`
	TurnDetection        TurnDetection `yaml:"turn_detection" json:"turn_detection"`
	Instructions         string        `yaml:"instructions" json:"instructions"`
	ResponseInstructions string        `yaml:"response_instructions" json:"response_instructions"`
}

func Default() Profile {
	return Profile{
		Name:                 "concierge",
		Voice:                realtime.DefaultVoice,
		SpeakFirst:           true,
		Temperature:          1.0,
		MaxOutputTokens:      4096,
		TranscriptionModel:   realtime.DefaultTranscriptionModel,
		InputAudioFormat:     realtime.DefaultAudioFormat,
		OutputAudioFormat:    realtime.DefaultAudioFormat,
		TurnDetection:        TurnDetection{Threshold: 0.6, PrefixPaddingMS: 300, SilenceDurationMS: 800},
		Instructions:         defaultInstructions,
		ResponseInstructions: DefaultResponseInstructions,
	}
}

// LoadProfile reads a YAML or JSON profile over the defaults. An empty path
// returns the defaults.
func LoadProfile(path string) (Profile, error) {
	p := Default()
	if strings.TrimSpace(path) == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read agent profile: %w", err)
	}

	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, &p); err != nil {
			return Profile{}, fmt.Errorf("parse json agent profile: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &p); err != nil {
			return Profile{}, fmt.Errorf("parse yaml agent profile: %w", err)
		}
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func (p Profile) Validate() error {
	if strings.TrimSpace(p.Voice) == "" {
		return fmt.Errorf("agent profile: voice must not be empty")
	}
	if p.TurnDetection.Threshold <= 0 || p.TurnDetection.Threshold > 1 {
		return fmt.Errorf("agent profile: turn_detection.threshold must be in (0,1]")
	}
	if p.TurnDetection.SilenceDurationMS <= 0 {
		return fmt.Errorf("agent profile: turn_detection.silence_duration_ms must be > 0")
	}
	if _, err := p.template(); err != nil {
		return fmt.Errorf("agent profile: instructions: %w", err)
	}
	return nil
}

func (p Profile) template() (*template.Template, error) {
	return template.New("instructions").Option("missingkey=zero").Parse(p.Instructions)
}

// BuildInstructions renders the instruction template for one call and
// appends the reply-language directive.
func (p Profile) BuildInstructions(md metadata.Metadata, language string) (string, error) {
	if strings.TrimSpace(language) == "" {
		language = "en-US"
	}
	tmpl, err := p.template()
	if err != nil {
		return "", fmt.Errorf("parse instructions: %w", err)
	}
	if md == nil {
		md = metadata.Metadata{}
	}

	var buf bytes.Buffer
	data := struct {
		Metadata metadata.Metadata
		Language string
	}{Metadata: md, Language: language}
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render instructions: %w", err)
	}

	out := strings.TrimSpace(buf.String())
	if out != "" {
		out += "\n"
	}
	return out + "Always reply in " + language + ".", nil
}

func (p Profile) SessionConfig(instructions string) realtime.SessionConfig {
	cfg := realtime.SessionConfig{
		TurnDetection: realtime.TurnDetection{
			Type:              "server_vad",
			Threshold:         p.TurnDetection.Threshold,
			PrefixPaddingMS:   p.TurnDetection.PrefixPaddingMS,
			SilenceDurationMS: p.TurnDetection.SilenceDurationMS,
		},
		InputAudioFormat:        p.InputAudioFormat,
		OutputAudioFormat:       p.OutputAudioFormat,
		Voice:                   p.Voice,
		Instructions:            instructions,
		Modalities:              []string{"text", "audio"},
		Temperature:             p.Temperature,
		ToolChoice:              "none",
		MaxResponseOutputTokens: p.MaxOutputTokens,
	}
	if p.TranscriptionModel != "" {
		cfg.InputAudioTranscription = &realtime.InputAudioTranscription{Model: p.TranscriptionModel}
	}
	return cfg
}

// ResponseCreate is the command the relay sends whenever it asks for a reply.
func (p Profile) ResponseCreate() realtime.ResponseCreate {
	return realtime.NewResponseCreate(&realtime.ResponseOptions{
		Modalities:   []string{"text", "audio"},
		Instructions: p.ResponseInstructions,
	})
}
