// Package api exposes the relay over HTTP: ingestion, forwarding, history
// queries, attachment downloads and a live websocket stream.
package api

import (
	"context"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"message-relay/internal/authutil"
	"message-relay/internal/devices"
	"message-relay/internal/ingest"
	"message-relay/internal/message"
	"message-relay/internal/storage"
	"message-relay/internal/transport"
)

// Forwarder delivers envelopes to the transport backend.
type Forwarder interface {
	Send(ctx context.Context, env message.Envelope, parts []ingest.Part) (transport.Result, error)
	Scan(ctx context.Context) (transport.Result, error)
}

// HistoryReader answers history queries.
type HistoryReader interface {
	List(f storage.Filter) []message.Envelope
	Len() int
}

// FileStore serves stored attachments.
type FileStore interface {
	Open(name string) (message.AttachmentRecord, *os.File, error)
}

// Pinger reports the health of an optional dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options wires the server's collaborators. Pipeline, History, Files and
// Forwarder are required; the rest are optional.
type Options struct {
	Pipeline       *ingest.Pipeline
	History        HistoryReader
	Files          FileStore
	Forwarder      Forwarder
	Devices        *devices.Registry
	Stream         *StreamHub
	Archive        Pinger
	Signer         *authutil.Signer
	PasswordHash   string
	MaxUploadBytes int64
	Logger         zerolog.Logger
}

// Server bundles all relay HTTP handlers, middleware, and metrics.
type Server struct {
	pipeline       *ingest.Pipeline
	history        HistoryReader
	files          FileStore
	forwarder      Forwarder
	devices        *devices.Registry
	stream         *StreamHub
	archive        Pinger
	signer         *authutil.Signer
	passwordHash   string
	maxUploadBytes int64
	log            zerolog.Logger
	metrics        *Metrics
}

func New(opts Options) *Server {
	return &Server{
		pipeline:       opts.Pipeline,
		history:        opts.History,
		files:          opts.Files,
		forwarder:      opts.Forwarder,
		devices:        opts.Devices,
		stream:         opts.Stream,
		archive:        opts.Archive,
		signer:         opts.Signer,
		passwordHash:   opts.PasswordHash,
		maxUploadBytes: opts.MaxUploadBytes,
		log:            opts.Logger,
		metrics:        &Metrics{},
	}
}

// MetricsSnapshot exposes the current counters (useful for tests/logging).
func (s *Server) MetricsSnapshot() MetricsSnapshot {
	return s.metrics.Snapshot()
}

// Router wires up chi routes, middleware, and handlers ready for http.ListenAndServe.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", requestIDHeader},
		ExposedHeaders:   []string{"Authorization", requestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(s.requestID)
	r.Use(s.loggingMiddleware())

	r.Get("/healthz", s.healthHandler())
	if s.signer != nil && s.passwordHash != "" {
		r.Post("/login", s.loginHandler())
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authenticated())

		r.Get("/scan", s.scanHandler())
		r.Post("/send", s.sendHandler())
		r.Post("/go_message", s.receiveHandler())
		r.Post("/receive", s.receiveHandler())

		r.Get("/messages", s.messagesHandler())
		r.Get("/receive", s.messagesHandler())
		r.Get("/history", s.messagesHandler())

		r.Get("/files/{name}", s.fileHandler())
		r.Get("/devices", s.devicesHandler())
		if s.stream != nil {
			r.Get("/ws", s.stream.ServeHTTP)
		}
	})

	return r
}
