// Package devices remembers which devices were recently seen, either in a
// backend scan or as the sender of an ingested message.
package devices

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"message-relay/internal/message"
)

const (
	SourceScan   = "scan"
	SourceSender = "sender"
)

// Device is one registry entry.
type Device struct {
	Name     string    `json:"name"`
	Source   string    `json:"source"`
	LastSeen time.Time `json:"last_seen"`
}

// Registry keeps track of live devices with an expiry window.
type Registry struct {
	mu       sync.Mutex
	devices  map[string]Device
	expireIn time.Duration
	now      func() time.Time
}

// NewRegistry creates a registry. A non-positive expireIn keeps entries forever.
func NewRegistry(expireIn time.Duration) *Registry {
	return &Registry{
		devices:  make(map[string]Device),
		expireIn: expireIn,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register upserts a device.
func (r *Registry) Register(name, source string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[name] = Device{Name: name, Source: source, LastSeen: r.now()}
}

// RecordScan registers every address in a backend scan reply of the form
// {"devices": [...]} and returns how many were found. Other shapes are
// ignored.
func (r *Registry) RecordScan(raw json.RawMessage) int {
	var reply struct {
		Devices []string `json:"devices"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return 0
	}
	for _, d := range reply.Devices {
		r.Register(d, SourceScan)
	}
	return len(reply.Devices)
}

// Deliver records the sender of each ingested envelope.
func (r *Registry) Deliver(_ context.Context, env message.Envelope) error {
	r.Register(env.Sender, SourceSender)
	return nil
}

// List returns all non-expired devices sorted by name.
func (r *Registry) List() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneExpired()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) pruneExpired() {
	if r.expireIn <= 0 {
		return
	}
	deadline := r.now().Add(-r.expireIn)
	for name, d := range r.devices {
		if d.LastSeen.Before(deadline) {
			delete(r.devices, name)
		}
	}
}
