// Package mediastream decodes and encodes the JSON frames exchanged with the
// far end of a call over its media websocket.
package mediastream

import (
	"encoding/json"
	"strings"
)

const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
	EventClear     = "clear"
)

// DefaultLanguage is used when the start frame carries no language parameter.
const DefaultLanguage = "en-US"

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

// Frame is one decoded inbound far-end frame.
type Frame interface {
	Event() string
}

// Start opens the stream. CallID may be empty; callers decide how to reject it.
type Start struct {
	StreamID         string
	CallID           string
	Language         string
	CustomParameters map[string]string
}

func (Start) Event() string { return EventStart }

// Media carries one base64 audio chunk, kept encoded so it can be forwarded unchanged.
type Media struct {
	StreamID string
	Payload  string
}

func (Media) Event() string { return EventMedia }

// Other is any frame the relay does not act on (connected, mark, stop, ...).
type Other struct {
	Name     string
	StreamID string
}

func (o Other) Event() string { return o.Name }

type wireFrame struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *wireStart    `json:"start,omitempty"`
	Media     *MediaPayload `json:"media,omitempty"`
}

type wireStart struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

type MediaPayload struct {
	Payload string `json:"payload"`
}

func Decode(data []byte) (Frame, error) {
	var raw wireFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &DecodeError{Code: "bad_json", Message: err.Error()}
	}
	name := strings.TrimSpace(raw.Event)
	if name == "" {
		return nil, &DecodeError{Code: "missing_event", Message: "frame has no event field"}
	}

	switch name {
	case EventStart:
		if raw.Start == nil {
			return nil, &DecodeError{Code: "bad_start", Message: "start frame has no start object"}
		}
		s := Start{
			StreamID:         firstNonEmpty(raw.Start.StreamSID, raw.StreamSID),
			CallID:           strings.TrimSpace(raw.Start.CallSID),
			CustomParameters: raw.Start.CustomParameters,
		}
		if s.CallID == "" && s.CustomParameters != nil {
			s.CallID = strings.TrimSpace(s.CustomParameters["callSid"])
		}
		if s.CustomParameters != nil {
			s.Language = strings.TrimSpace(s.CustomParameters["language"])
		}
		if s.Language == "" {
			s.Language = DefaultLanguage
		}
		return s, nil
	case EventMedia:
		if raw.Media == nil {
			return nil, &DecodeError{Code: "bad_media", Message: "media frame has no media object"}
		}
		return Media{StreamID: raw.StreamSID, Payload: raw.Media.Payload}, nil
	default:
		return Other{Name: name, StreamID: raw.StreamSID}, nil
	}
}

// OutboundMedia plays agent audio on the far end.
type OutboundMedia struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     MediaPayload `json:"media"`
}

// OutboundClear flushes any audio the far end has buffered but not yet played.
type OutboundClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

func NewMediaFrame(streamID, payload string) OutboundMedia {
	return OutboundMedia{Event: EventMedia, StreamSID: streamID, Media: MediaPayload{Payload: payload}}
}

func NewClearFrame(streamID string) OutboundClear {
	return OutboundClear{Event: EventClear, StreamSID: streamID}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
