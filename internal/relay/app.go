// Package relay assembles the relay from its configuration and runs it.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/httplog"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"message-relay/internal/api"
	"message-relay/internal/archive"
	"message-relay/internal/authutil"
	"message-relay/internal/config"
	"message-relay/internal/devices"
	"message-relay/internal/events"
	"message-relay/internal/ingest"
	"message-relay/internal/storage"
	"message-relay/internal/transport"
)

// NewLogger builds the process logger from the log settings.
func NewLogger(cfg *config.Config) zerolog.Logger {
	logger := httplog.NewLogger("relay", httplog.Options{JSON: cfg.LogJSON})
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	return logger.Level(lvl)
}

// App wraps the relay HTTP server and the stores behind it.
type App struct {
	Cfg     *config.Config
	Log     zerolog.Logger
	History *storage.HistoryStore
	Files   *storage.AttachmentStore
	Devices *devices.Registry
	Stream  *api.StreamHub
	Archive *archive.Archive
	Server  *api.Server

	nc       *nats.Conn
	srv      *http.Server
	listener net.Listener
}

// NewApp opens the stores and optional integrations described by cfg.
func NewApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{Cfg: cfg, Log: logger}
	var err error
	a.History, err = storage.OpenHistoryStore(cfg.HistoryFile, logger.With().Str("component", "history").Logger())
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	a.Files, err = storage.OpenAttachmentStore(cfg.AttachmentsDir, cfg.AttachmentsIndex)
	if err != nil {
		return nil, fmt.Errorf("open attachment store: %w", err)
	}
	a.Devices = devices.NewRegistry(cfg.DeviceTTL)
	a.Stream = api.NewStreamHub(logger.With().Str("component", "stream").Logger())

	sinks := []ingest.Sink{a.Stream, a.Devices}
	var archivePinger api.Pinger
	if cfg.DatabaseURL != "" {
		a.Archive, err = archive.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			a.closeStores()
			return nil, fmt.Errorf("open archive: %w", err)
		}
		sinks = append(sinks, a.Archive)
		archivePinger = a.Archive
	} else {
		logger.Info().Msg("database-url not set; running without PostgreSQL archive")
	}
	if cfg.NatsURL != "" {
		a.nc, err = events.Connect(cfg.NatsURL, logger)
		if err != nil {
			a.closeStores()
			return nil, err
		}
		sinks = append(sinks, events.NewSink(a.nc, cfg.NatsSubject, logger.With().Str("component", "events").Logger()))
	}

	var signer *authutil.Signer
	if cfg.AuthSecret != "" {
		signer, err = authutil.NewSigner(cfg.AuthSecret, 0)
		if err != nil {
			a.closeStores()
			return nil, err
		}
	}

	pipeline := ingest.NewPipeline(ingest.Options{
		Persister: a.Files,
		History:   a.History,
		Sink:      ingest.NewMultiSink(sinks...),
		Clock:     ingest.RealClock(),
		Logger:    logger.With().Str("component", "ingest").Logger(),
	})
	a.Server = api.New(api.Options{
		Pipeline:       pipeline,
		History:        a.History,
		Files:          a.Files,
		Forwarder:      transport.New(cfg.BackendURL, cfg.BackendTimeout, nil),
		Devices:        a.Devices,
		Stream:         a.Stream,
		Archive:        archivePinger,
		Signer:         signer,
		PasswordHash:   cfg.AuthPasswordHash,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Logger:         logger.With().Str("component", "api").Logger(),
	})
	return a, nil
}

// Handler is the full HTTP stack: request logging around the router.
func (a *App) Handler() http.Handler {
	return httplog.RequestLogger(a.Log)(a.Server.Router())
}

// Start binds the listener and begins serving requests.
func (a *App) Start() error {
	ln, err := net.Listen("tcp", a.Cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.Cfg.Addr, err)
	}
	a.listener = ln
	a.srv = &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Error().Err(err).Msg("relay server stopped")
		}
	}()

	a.Log.Info().
		Str("addr", ln.Addr().String()).
		Str("backend", a.Cfg.BackendURL).
		Str("history", a.History.Path()).
		Str("attachments", a.Files.Dir()).
		Bool("auth", a.Cfg.AuthSecret != "").
		Msg("relay listening")
	return nil
}

// Addr is the bound listen address once started.
func (a *App) Addr() string {
	if a.listener == nil {
		return a.Cfg.Addr
	}
	return a.listener.Addr().String()
}

// Shutdown gracefully stops the HTTP server and releases the stores.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.srv != nil {
		if err := a.srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.Stream.Close()
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("drain NATS: %w", err))
		}
	}
	errs = append(errs, a.closeStores())
	return errors.Join(errs...)
}

func (a *App) closeStores() error {
	var errs []error
	if a.Archive != nil {
		errs = append(errs, a.Archive.Close())
	}
	if a.Files != nil {
		errs = append(errs, a.Files.Close())
	}
	return errors.Join(errs...)
}

// WaitForShutdown blocks on SIGINT/SIGTERM and then shuts down the app.
func WaitForShutdown(app *App) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	app.Log.Info().Msg("relay shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Shutdown(ctx); err != nil {
		app.Log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
