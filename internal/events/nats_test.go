package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"message-relay/internal/message"
)

type fakePublisher struct {
	subject string
	data    []byte
	err     error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.subject = subject
	f.data = data
	return f.err
}

func TestSinkPublishesEnvelope(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewSink(pub, "", zerolog.Nop())
	env := message.Envelope{ID: "m-1", Sender: "A", Receiver: "B", MessageType: "text", Text: "hi"}
	if err := sink.Deliver(context.Background(), env); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if pub.subject != DefaultSubject {
		t.Fatalf("expected default subject, got %s", pub.subject)
	}
	var evt Event
	if err := json.Unmarshal(pub.data, &evt); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if evt.Kind != "message.ingested" || evt.Envelope.ID != "m-1" || evt.Envelope.Text != "hi" {
		t.Fatalf("unexpected event: %+v", evt)
	}
}

func TestSinkReturnsPublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	sink := NewSink(pub, "custom.subject", zerolog.Nop())
	err := sink.Deliver(context.Background(), message.Envelope{ID: "m-2"})
	if err == nil || !errors.Is(err, pub.err) {
		t.Fatalf("expected wrapped publish error, got %v", err)
	}
	if pub.subject != "custom.subject" {
		t.Fatalf("unexpected subject %s", pub.subject)
	}
}
