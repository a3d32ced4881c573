package api

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httplog"

	"message-relay/internal/authutil"
	"message-relay/internal/devices"
	"message-relay/internal/message"
	"message-relay/internal/relayerr"
	"message-relay/internal/storage"
	"message-relay/internal/transport"
)

const nonJSONStatus = "sent, but non-JSON response from backend"

type sendPayload struct {
	Message   message.Envelope `json:"message"`
	Transport any              `json:"transport"`
}

type nonJSONReply struct {
	Status      string `json:"status"`
	RawResponse string `json:"raw_response"`
}

type receivePayload struct {
	Status     string           `json:"status"`
	FilesSaved []string         `json:"files_saved"`
	Message    message.Envelope `json:"message"`
}

type devicesPayload struct {
	Devices []devices.Device `json:"devices"`
}

type healthPayload struct {
	Status         string          `json:"status"`
	HistoryEntries int             `json:"history_entries"`
	StreamClients  int             `json:"stream_clients"`
	StreamDropped  uint64          `json:"stream_dropped"`
	Archive        string          `json:"archive"`
	Metrics        MetricsSnapshot `json:"metrics"`
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.metrics.HealthChecks.Add(1)
		payload := healthPayload{
			Status:         "ok",
			HistoryEntries: s.history.Len(),
			Archive:        "disabled",
			Metrics:        s.metrics.Snapshot(),
		}
		if s.stream != nil {
			payload.StreamClients = s.stream.Clients()
			payload.StreamDropped = s.stream.Dropped()
		}
		status := http.StatusOK
		if s.archive != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := s.archive.Ping(ctx); err != nil {
				s.log.Warn().Err(err).Msg("health ping failed")
				payload.Archive = "unavailable"
				payload.Status = "degraded"
				status = http.StatusServiceUnavailable
			} else {
				payload.Archive = "ok"
			}
		}
		s.writeJSON(w, status, Response{OK: status == http.StatusOK, RequestID: RequestIDFrom(r.Context()), Data: payload})
	}
}

func (s *Server) scanHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Scans.Add(1)
		res, err := s.forwarder.Scan(r.Context())
		if err != nil {
			s.metrics.UpstreamFailures.Add(1)
			s.writeError(w, r, err)
			return
		}
		if !res.JSON() {
			s.metrics.UpstreamFailures.Add(1)
			s.writeError(w, r, relayerr.New(relayerr.Upstream, "transport backend returned a non-JSON scan reply").
				WithDetail("body", res.Raw))
			return
		}
		if s.devices != nil {
			n := s.devices.RecordScan(res.Data)
			httplog.LogEntrySetField(r.Context(), "devices_found", strconv.Itoa(n))
		}
		s.writeOK(w, r, res.Data)
	}
}

// sendHandler ingests the message and then forwards it. A forwarding failure
// is reported to the caller but the message stays in history.
func (s *Server) sendHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, cleanup, err := s.decodeRequest(w, r)
		defer cleanup()
		if err != nil {
			s.metrics.Rejected.Add(1)
			s.writeError(w, r, err)
			return
		}
		out, err := s.pipeline.Ingest(r.Context(), req)
		if err != nil {
			s.metrics.Rejected.Add(1)
			s.writeError(w, r, err)
			return
		}
		s.metrics.Ingested.Add(1)
		httplog.LogEntrySetField(r.Context(), "message_id", out.Envelope.ID)

		res, err := s.forwarder.Send(r.Context(), out.Envelope, out.Parts)
		if err != nil {
			s.metrics.UpstreamFailures.Add(1)
			s.writeError(w, r, relayerr.As(err).WithDetail("message_id", out.Envelope.ID))
			return
		}
		s.metrics.Forwarded.Add(1)
		s.writeOK(w, r, sendPayload{Message: out.Envelope, Transport: transportBody(res)})
	}
}

func transportBody(res transport.Result) any {
	if res.JSON() {
		return res.Data
	}
	return nonJSONReply{Status: nonJSONStatus, RawResponse: res.Raw}
}

// receiveHandler ingests a message delivered to this device.
func (s *Server) receiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, cleanup, err := s.decodeRequest(w, r)
		defer cleanup()
		if err != nil {
			s.metrics.Rejected.Add(1)
			s.writeError(w, r, err)
			return
		}
		out, err := s.pipeline.Ingest(r.Context(), req)
		if err != nil {
			s.metrics.Rejected.Add(1)
			s.writeError(w, r, err)
			return
		}
		s.metrics.Ingested.Add(1)
		httplog.LogEntrySetField(r.Context(), "message_id", out.Envelope.ID)
		s.writeOK(w, r, receivePayload{
			Status:     "received",
			FilesSaved: out.Envelope.StoredNames(),
			Message:    out.Envelope,
		})
	}
}

func (s *Server) messagesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := storage.Filter{
			Receiver: strings.TrimSpace(q.Get("receiver")),
			Sender:   strings.TrimSpace(q.Get("sender")),
		}
		if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil || limit < 0 {
				s.writeError(w, r, relayerr.New(relayerr.Validation, "limit must be a non-negative integer").
					WithDetail("limit", raw))
				return
			}
			filter.Limit = limit
		}
		s.writeOK(w, r, s.history.List(filter))
	}
}

func (s *Server) fileHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		rec, f, err := s.files.Open(name)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				s.writeError(w, r, relayerr.New(relayerr.NotFound, "attachment not found").WithDetail("name", name))
				return
			}
			s.writeError(w, r, relayerr.Wrap(relayerr.Internal, "open attachment", err))
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			s.writeError(w, r, relayerr.Wrap(relayerr.Internal, "stat attachment", err))
			return
		}
		s.metrics.Downloads.Add(1)
		if rec.ContentType != "" {
			w.Header().Set("Content-Type", rec.ContentType)
		}
		filename := rec.OriginalName
		if filename == "" {
			filename = rec.StoredName
		}
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
		if rec.SHA256 != "" {
			w.Header().Set("ETag", `"`+rec.SHA256+`"`)
		}
		http.ServeContent(w, r, rec.StoredName, info.ModTime(), f)
	}
}

func (s *Server) devicesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list := []devices.Device{}
		if s.devices != nil {
			list = s.devices.List()
		}
		s.writeOK(w, r, devicesPayload{Devices: list})
	}
}

type loginRequest struct {
	Subject  string `json:"subject"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	Subject   string `json:"subject"`
	ExpiresIn int64  `json:"expires_in"`
}

// loginHandler exchanges the operator password for a bearer token.
func (s *Server) loginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.metrics.LoginAttempts.Add(1)
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, relayerr.Wrap(relayerr.Validation, "invalid payload", err))
			return
		}
		req.Subject = strings.TrimSpace(req.Subject)
		if req.Subject == "" || req.Password == "" {
			s.writeError(w, r, relayerr.New(relayerr.Validation, "subject/password required"))
			return
		}
		if err := authutil.CheckPassword(s.passwordHash, req.Password); err != nil {
			s.metrics.AuthFailures.Add(1)
			s.writeError(w, r, relayerr.Wrap(relayerr.Unauthorized, "invalid credentials", err))
			return
		}
		token, err := s.signer.IssueToken(req.Subject)
		if err != nil {
			s.writeError(w, r, relayerr.Wrap(relayerr.Internal, "token error", err))
			return
		}
		httplog.LogEntrySetField(r.Context(), "subject", req.Subject)
		s.writeOK(w, r, loginResponse{Token: token, Subject: req.Subject, ExpiresIn: int64(s.signer.TTL().Seconds())})
	}
}
