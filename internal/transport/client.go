// Package transport talks to the backend that performs device discovery and
// actual device-to-device delivery.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"message-relay/internal/ingest"
	"message-relay/internal/message"
	"message-relay/internal/relayerr"
)

const (
	defaultTimeout  = 30 * time.Second
	maxResponseBody = 4 << 20
	filesField      = "files"
)

// Result is a backend reply. Data holds the body when it was valid JSON;
// otherwise Raw holds it verbatim.
type Result struct {
	StatusCode int
	Data       json.RawMessage
	Raw        string
}

// JSON reports whether the backend answered with structured data.
func (r Result) JSON() bool { return len(r.Data) > 0 }

// Client forwards envelopes to the backend. It holds no locks, so slow
// backends only ever delay the request that is waiting on them.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
}

func New(baseURL string, timeout time.Duration, httpClient *http.Client) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		http:    httpClient,
	}
}

// Scan asks the backend for reachable devices.
func (c *Client) Scan(ctx context.Context) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/scan", nil)
	if err != nil {
		return Result{}, relayerr.Wrap(relayerr.Internal, "build scan request", err)
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req)
}

// Send delivers env with the canonical attachment buffers as multipart parts.
// When there are no parts a single empty placeholder part is sent so the
// backend always sees the same shape.
func (c *Client) Send(ctx context.Context, env message.Envelope, parts []ingest.Part) (Result, error) {
	body, contentType, err := encodeMultipart(env, parts)
	if err != nil {
		return Result{}, relayerr.Wrap(relayerr.Internal, "encode send request", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send", body)
	if err != nil {
		return Result{}, relayerr.Wrap(relayerr.Internal, "build send request", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if env.RequestID != "" {
		req.Header.Set("X-Request-Id", env.RequestID)
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (Result, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return Result{}, relayerr.Wrap(relayerr.Upstream, "transport backend timed out", err).
				WithDetail("timeout", true).
				WithDetail("timeout_seconds", c.timeout.Seconds())
		}
		return Result{}, relayerr.Wrap(relayerr.Upstream, "transport backend unreachable", err).
			WithDetail("cause", err.Error())
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Result{}, relayerr.Wrap(relayerr.Upstream, "read transport backend response", err).
			WithDetail("status_code", resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return Result{}, relayerr.New(relayerr.Upstream, fmt.Sprintf("transport backend returned %d", resp.StatusCode)).
			WithDetail("status_code", resp.StatusCode).
			WithDetail("body", string(data))
	}
	res := Result{StatusCode: resp.StatusCode}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		res.Data = json.RawMessage(trimmed)
	} else {
		res.Raw = string(data)
	}
	return res, nil
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

func encodeMultipart(env message.Envelope, parts []ingest.Part) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	fields := [][2]string{
		{"sender", env.Sender},
		{"receiver", env.Receiver},
		{"message_type", env.MessageType},
		{"message", env.Text},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if len(parts) == 0 {
		if _, err := w.CreatePart(filePartHeader("", "application/octet-stream")); err != nil {
			return nil, "", err
		}
	}
	for _, p := range parts {
		pw, err := w.CreatePart(filePartHeader(p.Name, p.ContentType))
		if err != nil {
			return nil, "", err
		}
		if _, err := pw.Write(p.Data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func filePartHeader(filename, contentType string) textproto.MIMEHeader {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, filesField, quoteEscaper.Replace(filename)))
	h.Set("Content-Type", contentType)
	return h
}
