package ingest

import (
	"context"
	"errors"

	"message-relay/internal/message"
)

// Sink is notified after an envelope has been committed to history.
type Sink interface {
	Deliver(ctx context.Context, env message.Envelope) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, env message.Envelope) error

func (f SinkFunc) Deliver(ctx context.Context, env message.Envelope) error { return f(ctx, env) }

type multiSink struct {
	sinks []Sink
}

// NewMultiSink fans each envelope out to every non-nil sink. All sinks are
// called even when an earlier one fails.
func NewMultiSink(sinks ...Sink) Sink {
	kept := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &multiSink{sinks: kept}
}

func (m *multiSink) Deliver(ctx context.Context, env message.Envelope) error {
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Deliver(ctx, env.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
