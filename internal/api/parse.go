package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"message-relay/internal/attachment"
	"message-relay/internal/ingest"
	"message-relay/internal/relayerr"
)

const maxFieldBytes = 1 << 20

type jsonMessage struct {
	Sender      string          `json:"sender"`
	Receiver    string          `json:"receiver"`
	MessageType string          `json:"message_type"`
	Type        string          `json:"type"`
	Message     *string         `json:"message"`
	Text        *string         `json:"text"`
	Payload     json.RawMessage `json:"payload"`
	Attachments json.RawMessage `json:"attachments"`
}

type jsonAttachment struct {
	Name        string          `json:"name"`
	Filename    string          `json:"filename"`
	Type        string          `json:"type"`
	ContentType string          `json:"content_type"`
	Data        json.RawMessage `json:"data"`
}

// decodeRequest turns a JSON, form or multipart body into an ingest request.
// The returned cleanup must be called once the request has been ingested.
func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (ingest.Request, func(), error) {
	noop := func() {}
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		mediaType = ""
	}
	switch mediaType {
	case "multipart/form-data":
		mr, err := r.MultipartReader()
		if err != nil {
			return ingest.Request{}, noop, bodyError("malformed multipart body", err, s.maxUploadBytes)
		}
		req, err := readMultipart(mr)
		if err != nil {
			if relayerr.CodeOf(err) == relayerr.Validation {
				return ingest.Request{}, noop, err
			}
			return ingest.Request{}, noop, bodyError("malformed multipart body", err, s.maxUploadBytes)
		}
		req.RequestID = RequestIDFrom(r.Context())
		return req, noop, nil
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return ingest.Request{}, noop, bodyError("malformed form body", err, s.maxUploadBytes)
		}
		req := ingest.Request{
			Sender:      r.PostForm.Get("sender"),
			Receiver:    r.PostForm.Get("receiver"),
			MessageType: firstNonEmpty(r.PostForm.Get("message_type"), r.PostForm.Get("type")),
			Text:        firstNonEmpty(r.PostForm.Get("message"), r.PostForm.Get("text")),
			RequestID:   RequestIDFrom(r.Context()),
		}
		return req, noop, nil
	default:
		var body jsonMessage
		dec := json.NewDecoder(r.Body)
		if err := dec.Decode(&body); err != nil {
			return ingest.Request{}, noop, bodyError("malformed JSON body", err, s.maxUploadBytes)
		}
		req, err := fromJSON(body)
		if err != nil {
			return ingest.Request{}, noop, err
		}
		req.RequestID = RequestIDFrom(r.Context())
		return req, noop, nil
	}
}

func bodyError(msg string, err error, limit int64) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return relayerr.Wrap(relayerr.Validation, "request body too large", err).WithDetail("max_bytes", limit)
	}
	return relayerr.Wrap(relayerr.Validation, msg, err).WithDetail("cause", err.Error())
}

func fromJSON(body jsonMessage) (ingest.Request, error) {
	req := ingest.Request{
		Sender:      body.Sender,
		Receiver:    body.Receiver,
		MessageType: firstNonEmpty(body.MessageType, body.Type),
	}
	switch {
	case body.Message != nil:
		req.Text = *body.Message
	case body.Text != nil:
		req.Text = *body.Text
	}
	raw := body.Payload
	if isAbsent(raw) {
		raw = body.Attachments
	}
	inputs, err := parsePayload(raw, req.MessageType)
	if err != nil {
		return ingest.Request{}, err
	}
	req.Attachments = inputs
	return req, nil
}

// parsePayload accepts a list of attachment objects, a single object, or a
// bare base64 string. Entries with unusable data become unsupported sources
// so they are reported per attachment instead of failing the message.
func parsePayload(raw json.RawMessage, messageType string) ([]attachment.Input, error) {
	raw = bytes.TrimSpace(raw)
	if isAbsent(raw) {
		return nil, nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, relayerr.Wrap(relayerr.Validation, "payload must be a list of attachments", err)
		}
		if strings.TrimSpace(s) == "" {
			return nil, nil
		}
		contentType := ""
		if strings.Contains(messageType, "/") {
			contentType = messageType
		}
		return []attachment.Input{{ContentType: contentType, Source: attachment.FromBase64(s)}}, nil
	case '{':
		return []attachment.Input{parseAttachment(raw)}, nil
	case '[':
		var entries []json.RawMessage
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, relayerr.Wrap(relayerr.Validation, "payload must be a list of attachments", err)
		}
		inputs := make([]attachment.Input, 0, len(entries))
		for _, e := range entries {
			inputs = append(inputs, parseAttachment(e))
		}
		return inputs, nil
	default:
		return nil, relayerr.New(relayerr.Validation, "payload must be a list of attachments")
	}
}

func parseAttachment(raw json.RawMessage) attachment.Input {
	var a jsonAttachment
	if err := json.Unmarshal(raw, &a); err != nil {
		return attachment.Input{Source: attachment.Unsupported("attachment entry must be an object")}
	}
	return attachment.Input{
		Name:        firstNonEmpty(a.Name, a.Filename),
		ContentType: firstNonEmpty(a.ContentType, a.Type),
		Source:      attachment.ParseJSONData(a.Data),
	}
}

// readMultipart walks the parts in the order they were sent. File parts under
// any field name become attachments, in submission order; for text fields the
// first value wins. Uploads are buffered in memory, bounded by the request
// body limit.
func readMultipart(mr *multipart.Reader) (ingest.Request, error) {
	values := make(map[string]string)
	var inputs []attachment.Input
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ingest.Request{}, err
		}
		if filename := part.FileName(); filename != "" {
			data, err := io.ReadAll(part)
			_ = part.Close()
			if err != nil {
				return ingest.Request{}, err
			}
			inputs = append(inputs, attachment.Input{
				Name:        filename,
				ContentType: part.Header.Get("Content-Type"),
				Source:      attachment.FromStream(bytes.NewReader(data)),
			})
			continue
		}
		name := part.FormName()
		data, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
		_ = part.Close()
		if err != nil {
			return ingest.Request{}, err
		}
		if len(data) > maxFieldBytes {
			return ingest.Request{}, relayerr.New(relayerr.Validation, "form field too large").
				WithDetail("field", name).WithDetail("max_bytes", maxFieldBytes)
		}
		if _, seen := values[name]; !seen && name != "" {
			values[name] = string(data)
		}
	}
	return ingest.Request{
		Sender:      values["sender"],
		Receiver:    values["receiver"],
		MessageType: firstNonEmpty(values["message_type"], values["type"]),
		Text:        firstNonEmpty(values["message"], values["text"]),
		Attachments: inputs,
	}, nil
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
