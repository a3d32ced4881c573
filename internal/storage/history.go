package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"message-relay/internal/message"
)

// HistoryStore keeps every ingested envelope in memory, in insertion order,
// and mirrors the full sequence to a JSON file after each append. Memory is
// the source of truth; the file is rewritten on a best-effort basis.
type HistoryStore struct {
	mu      sync.Mutex
	path    string
	entries []message.Envelope
	log     zerolog.Logger
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Receiver string
	Sender   string
	Limit    int
}

// OpenHistoryStore loads the log at path if present. A missing or unreadable
// log starts an empty history; startup never fails because of it.
func OpenHistoryStore(path string, logger zerolog.Logger) (*HistoryStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	s := &HistoryStore{path: path, log: logger}
	s.load()
	return s, nil
}

func (s *HistoryStore) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn().Err(err).Str("path", s.path).Msg("history log unreadable, starting empty")
		}
		return
	}
	if len(data) == 0 {
		return
	}
	var entries []message.Envelope
	if err := json.Unmarshal(data, &entries); err != nil {
		s.log.Warn().Err(err).Str("path", s.path).Msg("history log corrupt, starting empty")
		return
	}
	s.entries = entries
	s.log.Info().Int("entries", len(entries)).Str("path", s.path).Msg("history loaded")
}

// Append adds env and rewrites the log with the complete sequence. Both steps
// happen under one lock so the file never reflects a partial or reordered
// state. A write error is returned but the in-memory append stands.
func (s *HistoryStore) Append(env message.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, env.Clone())
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("write history log: %w", err)
	}
	return nil
}

// List returns envelopes newest first. Equal timestamps keep the most recently
// appended entry first.
func (s *HistoryStore) List(f Filter) []message.Envelope {
	s.mu.Lock()
	out := make([]message.Envelope, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0; i-- {
		env := s.entries[i]
		if f.Receiver != "" && env.Receiver != f.Receiver {
			continue
		}
		if f.Sender != "" && env.Sender != f.Sender {
			continue
		}
		out = append(out, env.Clone())
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Len reports the number of stored envelopes.
func (s *HistoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Path is the location of the durable log.
func (s *HistoryStore) Path() string { return s.path }

// writeFileAtomic replaces path with data via a temp file in the same
// directory, so readers see either the old or the new log.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	success = true
	return nil
}
