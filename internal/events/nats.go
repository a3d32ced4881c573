// Package events publishes ingested envelopes to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"message-relay/internal/message"
)

const DefaultSubject = "relay.messages.ingested"

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Event is the payload published for every ingested envelope.
type Event struct {
	Kind            string           `json:"kind"`
	Server          string           `json:"server"`
	TimestampServer int64            `json:"timestamp_server"`
	Envelope        message.Envelope `json:"envelope"`
}

// Sink publishes envelopes on a single subject.
type Sink struct {
	pub     Publisher
	subject string
	server  string
	log     zerolog.Logger
}

// Connect dials the NATS server at url.
func Connect(url string, log zerolog.Logger) (*nats.Conn, error) {
	log.Info().Str("url", url).Msg("connecting to NATS")
	nc, err := nats.Connect(url,
		nats.Name("message-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

func NewSink(pub Publisher, subject string, log zerolog.Logger) *Sink {
	if subject == "" {
		subject = DefaultSubject
	}
	host, _ := os.Hostname()
	return &Sink{pub: pub, subject: subject, server: host, log: log}
}

// Deliver publishes env. Publish only buffers locally, so it does not block
// on the broker.
func (s *Sink) Deliver(_ context.Context, env message.Envelope) error {
	payload, err := json.Marshal(Event{
		Kind:            "message.ingested",
		Server:          s.server,
		TimestampServer: time.Now().UnixMilli(),
		Envelope:        env,
	})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := s.pub.Publish(s.subject, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", s.subject, err)
	}
	s.log.Debug().Str("message_id", env.ID).Str("subject", s.subject).Msg("published event")
	return nil
}
