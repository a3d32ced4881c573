package api

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"strings"
	"testing"

	"message-relay/internal/attachment"
	"message-relay/internal/relayerr"
)

func TestParsePayloadShapes(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantCount int
		wantKinds []attachment.Kind
		wantErr   bool
	}{
		{name: "absent", raw: ``, wantCount: 0},
		{name: "null", raw: `null`, wantCount: 0},
		{name: "empty string", raw: `""`, wantCount: 0},
		{name: "bare base64", raw: `"aGk="`, wantCount: 1, wantKinds: []attachment.Kind{attachment.KindBase64}},
		{name: "single object", raw: `{"name":"a.bin","data":[1,2]}`, wantCount: 1, wantKinds: []attachment.Kind{attachment.KindByteList}},
		{name: "list", raw: `[{"name":"a","data":"aGk="},{"name":"b","data":{"x":1}},7]`, wantCount: 3,
			wantKinds: []attachment.Kind{attachment.KindBase64, attachment.KindUnknown, attachment.KindUnknown}},
		{name: "number", raw: `42`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inputs, err := parsePayload(json.RawMessage(tt.raw), "image")
			if tt.wantErr {
				if !relayerr.Is(err, relayerr.Validation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parsePayload: %v", err)
			}
			if len(inputs) != tt.wantCount {
				t.Fatalf("expected %d inputs, got %d", tt.wantCount, len(inputs))
			}
			for i, kind := range tt.wantKinds {
				if inputs[i].Source.Kind != kind {
					t.Fatalf("input %d: expected %s, got %s", i, kind, inputs[i].Source.Kind)
				}
			}
		})
	}
}

func TestBareBase64UsesMediaTypeAsContentType(t *testing.T) {
	inputs, err := parsePayload(json.RawMessage(`"aGk="`), "image/jpeg")
	if err != nil || len(inputs) != 1 {
		t.Fatalf("parsePayload: %v %v", inputs, err)
	}
	if inputs[0].ContentType != "image/jpeg" {
		t.Fatalf("unexpected content type %q", inputs[0].ContentType)
	}
}

func TestFromJSONAliases(t *testing.T) {
	req, err := fromJSON(jsonMessage{
		Sender:      "A",
		Receiver:    "B",
		Type:        "image",
		Text:        strPtr("hello"),
		Attachments: json.RawMessage(`[{"filename":"x.png","content_type":"image/png","data":"aGk="}]`),
	})
	if err != nil {
		t.Fatalf("fromJSON: %v", err)
	}
	if req.MessageType != "image" || req.Text != "hello" || len(req.Attachments) != 1 {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.Attachments[0].Name != "x.png" || req.Attachments[0].ContentType != "image/png" {
		t.Fatalf("unexpected attachment: %+v", req.Attachments[0])
	}
}

func TestReadMultipartKeepsSubmissionOrder(t *testing.T) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	first, _ := w.CreateFormFile("zeta", "first.bin")
	_, _ = first.Write([]byte("one"))
	_ = w.WriteField("sender", "A")
	second, _ := w.CreateFormFile("alpha", "second.bin")
	_, _ = second.Write([]byte("two"))
	_ = w.WriteField("receiver", "B")
	_ = w.WriteField("receiver", "ignored")
	_ = w.WriteField("message_type", "file")
	third, _ := w.CreateFormFile("zeta", "third.bin")
	_, _ = third.Write([]byte("three"))
	_ = w.Close()

	req, err := readMultipart(multipart.NewReader(body, w.Boundary()))
	if err != nil {
		t.Fatalf("readMultipart: %v", err)
	}
	if req.Sender != "A" || req.Receiver != "B" || req.MessageType != "file" {
		t.Fatalf("unexpected fields: %+v", req)
	}
	want := []string{"first.bin", "second.bin", "third.bin"}
	wantData := []string{"one", "two", "three"}
	if len(req.Attachments) != len(want) {
		t.Fatalf("expected %d attachments, got %d", len(want), len(req.Attachments))
	}
	for i, in := range req.Attachments {
		if in.Name != want[i] {
			t.Fatalf("attachment %d: got %s want %s", i, in.Name, want[i])
		}
		data, err := io.ReadAll(in.Source.Stream)
		if err != nil || string(data) != wantData[i] {
			t.Fatalf("attachment %d: got %q (%v)", i, data, err)
		}
	}
}

func TestReadMultipartRejectsHugeField(t *testing.T) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	_ = w.WriteField("message", strings.Repeat("x", maxFieldBytes+1))
	_ = w.Close()
	_, err := readMultipart(multipart.NewReader(body, w.Boundary()))
	if !relayerr.Is(err, relayerr.Validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func strPtr(s string) *string { return &s }
