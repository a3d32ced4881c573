// Package ingest turns inbound message requests into committed history
// entries: validate, normalize each attachment, persist it, build the
// envelope, append it to history and notify sinks.
package ingest

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"message-relay/internal/attachment"
	"message-relay/internal/message"
	"message-relay/internal/relayerr"
)

// Persister stores a canonical buffer and reports where it went.
type Persister interface {
	Persist(originalName, contentType string, data []byte) (message.AttachmentRecord, error)
}

// History records committed envelopes.
type History interface {
	Append(env message.Envelope) error
}

// Request carries the raw fields of one inbound message.
type Request struct {
	Sender      string
	Receiver    string
	MessageType string
	Text        string
	Attachments []attachment.Input
	RequestID   string
}

// Part is a normalized attachment buffer ready for forwarding.
type Part struct {
	Name        string
	ContentType string
	Data        []byte
}

// Outcome is the result of a successful ingestion.
type Outcome struct {
	Envelope message.Envelope
	Parts    []Part
}

// Options configures a Pipeline. Persister and History are required.
type Options struct {
	Persister Persister
	History   History
	Sink      Sink
	Clock     Clock
	Logger    zerolog.Logger
	NewID     func() string
}

// Pipeline is safe for concurrent use; contention is limited to the
// persister and history critical sections.
type Pipeline struct {
	persister Persister
	history   History
	sink      Sink
	clock     *monotonic
	log       zerolog.Logger
	newID     func() string
}

func NewPipeline(opts Options) *Pipeline {
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Pipeline{
		persister: opts.Persister,
		history:   opts.History,
		sink:      opts.Sink,
		clock:     newMonotonic(opts.Clock),
		log:       opts.Logger,
		newID:     newID,
	}
}

// Validate checks the fields every message needs. It is the only hard
// precondition and runs before anything touches disk.
func Validate(req Request) error {
	var missing []string
	if strings.TrimSpace(req.Sender) == "" {
		missing = append(missing, "sender")
	}
	if strings.TrimSpace(req.Receiver) == "" {
		missing = append(missing, "receiver")
	}
	if strings.TrimSpace(req.MessageType) == "" {
		missing = append(missing, "message_type")
	}
	if len(missing) > 0 {
		return relayerr.New(relayerr.Validation, "missing required fields: "+strings.Join(missing, ", ")).
			WithDetail("missing", missing)
	}
	return nil
}

// Build assembles the envelope for req from already persisted attachment
// records.
func (p *Pipeline) Build(req Request, records []message.AttachmentRecord) (message.Envelope, error) {
	if err := Validate(req); err != nil {
		return message.Envelope{}, err
	}
	messageType := strings.TrimSpace(req.MessageType)
	if !message.ExpectsAttachments(messageType) {
		records = nil
	}
	if records == nil {
		records = []message.AttachmentRecord{}
	}
	return message.Envelope{
		ID:          p.newID(),
		Sender:      strings.TrimSpace(req.Sender),
		Receiver:    strings.TrimSpace(req.Receiver),
		MessageType: messageType,
		Text:        req.Text,
		Timestamp:   p.clock.Now(),
		Attachments: records,
		RequestID:   req.RequestID,
	}, nil
}

// Ingest runs the full pipeline for req. Attachment failures are recorded on
// the envelope and never fail the message; a failed history write or sink is
// logged and the envelope is still returned. Cancellation is only honored
// before the first attachment is written; after that ingestion runs to the
// history append and sinks see a context detached from ctx's cancellation.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (Outcome, error) {
	if err := Validate(req); err != nil {
		return Outcome{}, err
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, relayerr.Wrap(relayerr.Internal, "request cancelled", err)
	}
	log := p.log.With().Str("request_id", req.RequestID).Logger()

	inputs := req.Attachments
	if !message.ExpectsAttachments(strings.TrimSpace(req.MessageType)) && len(inputs) > 0 {
		log.Debug().Int("attachments", len(inputs)).Msg("ignoring attachments on text message")
		inputs = nil
	}

	records := make([]message.AttachmentRecord, 0, len(inputs))
	parts := make([]Part, 0, len(inputs))
	for _, in := range inputs {
		rec, part, ok := p.storeAttachment(log, in)
		records = append(records, rec)
		if ok {
			parts = append(parts, part)
		}
	}

	env, err := p.Build(req, records)
	if err != nil {
		return Outcome{}, err
	}
	if err := p.history.Append(env); err != nil {
		log.Error().Err(err).Str("message_id", env.ID).Msg("history log write failed; entry kept in memory")
	}
	if p.sink != nil {
		if err := p.sink.Deliver(context.WithoutCancel(ctx), env); err != nil {
			log.Warn().Err(err).Str("message_id", env.ID).Msg("sink delivery failed")
		}
	}
	log.Info().
		Str("message_id", env.ID).
		Str("sender", env.Sender).
		Str("receiver", env.Receiver).
		Str("message_type", env.MessageType).
		Int("attachments", len(env.Attachments)).
		Msg("message ingested")
	return Outcome{Envelope: env, Parts: parts}, nil
}

// storeAttachment normalizes and persists one input. ok reports whether the
// canonical buffer is available for forwarding.
func (p *Pipeline) storeAttachment(log zerolog.Logger, in attachment.Input) (message.AttachmentRecord, Part, bool) {
	contentType := strings.TrimSpace(in.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	rec := message.AttachmentRecord{OriginalName: in.Name, ContentType: contentType}
	buf, err := attachment.Normalize(in.Source)
	if err != nil {
		log.Warn().Err(err).Str("name", in.Name).Str("encoding", in.Source.Kind.String()).Msg("attachment skipped")
		rec.Error = recordError(err)
		return rec, Part{}, false
	}
	part := Part{Name: in.Name, ContentType: contentType, Data: buf}
	stored, err := p.persister.Persist(in.Name, contentType, buf)
	if err != nil {
		log.Error().Err(err).Str("name", in.Name).Msg("attachment not persisted")
		rec.Error = recordError(err)
		rec.SizeBytes = 0
		return rec, part, true
	}
	return stored, part, true
}

// recordError is the caller-safe form of err stored on the attachment record.
// The cause, which may name server paths, stays in the log.
func recordError(err error) string {
	re := relayerr.As(err)
	return string(re.Code) + ": " + re.Message
}
