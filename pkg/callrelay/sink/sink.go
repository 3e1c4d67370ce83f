// Package sink delivers finished call transcripts to downstream systems.
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vango-go/vai-callrelay/pkg/callrelay/transcript"
)

// Transcript is the hand-off payload for one finished call.
type Transcript struct {
	CallID       string                 `json:"callSid"`
	Text         string                 `json:"transcript"`
	Utterances   []transcript.Utterance `json:"utterances"`
	Status       string                 `json:"status,omitempty"`
	EndedAt      time.Time              `json:"endedAt"`
	Destinations []string               `json:"destinations"`
}

func NewTranscript(callID, status string, utts []transcript.Utterance, endedAt time.Time) Transcript {
	return Transcript{
		CallID:       callID,
		Text:         transcript.Render(utts),
		Utterances:   utts,
		Status:       status,
		EndedAt:      endedAt.UTC(),
		Destinations: []string{},
	}
}

type Sink interface {
	Name() string
	Deliver(ctx context.Context, t Transcript) error
}

// Multi delivers to every sink and joins their errors.
type Multi []Sink

func (m Multi) Name() string { return "multi" }

func (m Multi) Deliver(ctx context.Context, t Transcript) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Deliver(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Discard drops every transcript. It is used when no sink is configured.
type Discard struct{}

func (Discard) Name() string { return "discard" }

func (Discard) Deliver(context.Context, Transcript) error { return nil }
