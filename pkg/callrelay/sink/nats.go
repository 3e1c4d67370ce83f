package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const DefaultSubject = "callrelay.transcript.completed"

// PublishFunc publishes one message. (*nats.Conn).Publish satisfies it.
type PublishFunc func(subject string, data []byte) error

// NATS publishes transcripts on a subject.
type NATS struct {
	subject string
	publish PublishFunc
}

func NewNATS(subject string, publish PublishFunc) (*NATS, error) {
	if publish == nil {
		return nil, fmt.Errorf("sink: nats publish func is required")
	}
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATS{subject: subject, publish: publish}, nil
}

func (n *NATS) Name() string { return "nats" }

func (n *NATS) Deliver(ctx context.Context, t Transcript) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	if err := n.publish(n.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", n.subject, err)
	}
	return nil
}

// ConnectNATS opens a reconnecting client connection.
func ConnectNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("callrelay"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}
