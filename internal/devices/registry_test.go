package devices

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"message-relay/internal/message"
)

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry(time.Minute)
	r.Register("192.168.29.9", SourceScan)
	r.Register("192.168.29.7", SourceScan)
	r.Register("  ", SourceScan)
	got := r.List()
	if len(got) != 2 || got[0].Name != "192.168.29.7" || got[1].Name != "192.168.29.9" {
		t.Fatalf("unexpected devices: %+v", got)
	}
}

func TestRegistryExpires(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRegistry(time.Minute)
	r.now = func() time.Time { return now }
	r.Register("old", SourceScan)
	now = now.Add(2 * time.Minute)
	r.Register("fresh", SourceScan)
	got := r.List()
	if len(got) != 1 || got[0].Name != "fresh" {
		t.Fatalf("expected only fresh device, got %+v", got)
	}
}

func TestRecordScan(t *testing.T) {
	r := NewRegistry(0)
	if n := r.RecordScan(json.RawMessage(`{"devices":["10.0.0.2","10.0.0.3"]}`)); n != 2 {
		t.Fatalf("expected 2 devices, got %d", n)
	}
	if n := r.RecordScan(json.RawMessage(`{"error":"boom"}`)); n != 0 {
		t.Fatalf("expected no devices, got %d", n)
	}
	if n := r.RecordScan(json.RawMessage(`not json`)); n != 0 {
		t.Fatalf("expected no devices, got %d", n)
	}
	if got := r.List(); len(got) != 2 || got[0].Source != SourceScan {
		t.Fatalf("unexpected devices: %+v", got)
	}
}

func TestDeliverRecordsSender(t *testing.T) {
	r := NewRegistry(0)
	if err := r.Deliver(context.Background(), message.Envelope{Sender: "phone-a", Receiver: "B"}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	got := r.List()
	if len(got) != 1 || got[0].Name != "phone-a" || got[0].Source != SourceSender {
		t.Fatalf("unexpected devices: %+v", got)
	}
}
