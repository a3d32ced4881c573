package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"message-relay/internal/message"
)

func openTestHistory(t *testing.T, path string) *HistoryStore {
	t.Helper()
	store, err := OpenHistoryStore(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenHistoryStore: %v", err)
	}
	return store
}

func TestHistoryAppendAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	store := openTestHistory(t, path)

	base := time.Now()
	envs := []message.Envelope{
		{ID: "one", Sender: "a", Receiver: "b", Timestamp: base.Add(-3 * time.Second)},
		{ID: "two", Sender: "a", Receiver: "c", Timestamp: base.Add(-2 * time.Second)},
		{ID: "three", Sender: "c", Receiver: "b", Timestamp: base.Add(-1 * time.Second)},
	}
	for _, env := range envs {
		if err := store.Append(env); err != nil {
			t.Fatalf("append %s: %v", env.ID, err)
		}
	}

	all := store.List(Filter{})
	if got := ids(all); fmt.Sprint(got) != "[three two one]" {
		t.Fatalf("unexpected order: %v", got)
	}
	toB := store.List(Filter{Receiver: "b"})
	if got := ids(toB); fmt.Sprint(got) != "[three one]" {
		t.Fatalf("unexpected filtered order: %v", got)
	}
	fromA := store.List(Filter{Sender: "a", Limit: 1})
	if got := ids(fromA); fmt.Sprint(got) != "[two]" {
		t.Fatalf("unexpected sender filter: %v", got)
	}
}

func TestHistoryTiesKeepLatestInsertFirst(t *testing.T) {
	store := openTestHistory(t, filepath.Join(t.TempDir(), "history.json"))
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for _, id := range []string{"a", "b", "c"} {
		if err := store.Append(message.Envelope{ID: id, Receiver: "r", Timestamp: ts}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := store.Append(message.Envelope{ID: "old", Receiver: "r", Timestamp: ts.Add(-time.Minute)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if got := ids(store.List(Filter{})); fmt.Sprint(got) != "[c b a old]" {
		t.Fatalf("unexpected tie order: %v", got)
	}
}

func TestHistoryFilteredIsSubsequence(t *testing.T) {
	store := openTestHistory(t, filepath.Join(t.TempDir(), "history.json"))
	ts := time.Now()
	for i := 0; i < 20; i++ {
		env := message.Envelope{
			ID:        fmt.Sprintf("m%d", i),
			Receiver:  []string{"x", "y"}[i%2],
			Timestamp: ts.Add(time.Duration(i%5) * time.Second),
		}
		if err := store.Append(env); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	all := store.List(Filter{})
	for i := 1; i < len(all); i++ {
		if all[i].Timestamp.After(all[i-1].Timestamp) {
			t.Fatalf("timestamps increase at %d", i)
		}
	}
	filtered := store.List(Filter{Receiver: "x"})
	j := 0
	for _, env := range all {
		if j < len(filtered) && env.ID == filtered[j].ID {
			j++
		}
	}
	if j != len(filtered) {
		t.Fatalf("filtered list is not a subsequence of the full list")
	}
	for _, env := range filtered {
		if env.Receiver != "x" {
			t.Fatalf("filter leaked receiver %s", env.Receiver)
		}
	}
}

func TestHistoryReloadsFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	store := openTestHistory(t, path)
	env := message.Envelope{
		ID:          "m1",
		Sender:      "A",
		Receiver:    "B",
		MessageType: "image/png",
		Text:        "hi",
		Timestamp:   time.Now().UTC().Truncate(time.Millisecond),
		Attachments: []message.AttachmentRecord{{StoredName: "p.png", OriginalName: "p.png", ContentType: "image/png", SizeBytes: 3}},
	}
	if err := store.Append(env); err != nil {
		t.Fatalf("append: %v", err)
	}

	var raw []map[string]any
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("log is not a JSON array: %v", err)
	}
	for _, key := range []string{"sender", "receiver", "message_type", "message", "timestamp", "payload"} {
		if _, ok := raw[0][key]; !ok {
			t.Fatalf("log entry missing %q: %v", key, raw[0])
		}
	}

	reloaded := openTestHistory(t, path)
	got := reloaded.List(Filter{})
	if len(got) != 1 || got[0].ID != "m1" || got[0].Attachments[0].StoredName != "p.png" {
		t.Fatalf("unexpected reload: %+v", got)
	}
}

func TestHistoryCorruptLogStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	store := openTestHistory(t, path)
	if store.Len() != 0 {
		t.Fatalf("expected empty history, got %d", store.Len())
	}
}

func TestHistoryWriteFailureKeepsMemory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	store := openTestHistory(t, filepath.Join(dir, "history.json"))
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := os.WriteFile(dir, []byte("blocker"), 0o644); err != nil {
		t.Fatalf("block dir: %v", err)
	}
	if err := store.Append(message.Envelope{ID: "kept", Timestamp: time.Now()}); err == nil {
		t.Fatalf("expected write error")
	}
	if got := store.List(Filter{}); len(got) != 1 || got[0].ID != "kept" {
		t.Fatalf("in-memory append rolled back: %+v", got)
	}
}

func TestHistoryConcurrentAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	store := openTestHistory(t, path)
	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env := message.Envelope{ID: fmt.Sprintf("m%02d", i), Receiver: "r", Timestamp: time.Now()}
			if err := store.Append(env); err != nil {
				t.Errorf("append %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	reloaded := openTestHistory(t, path)
	got := reloaded.List(Filter{})
	if len(got) != n {
		t.Fatalf("expected %d entries after reload, got %d", n, len(got))
	}
	seen := make(map[string]bool)
	for _, env := range got {
		if seen[env.ID] {
			t.Fatalf("duplicate entry %s", env.ID)
		}
		seen[env.ID] = true
	}
}

func TestHistoryListReturnsCopies(t *testing.T) {
	store := openTestHistory(t, filepath.Join(t.TempDir(), "history.json"))
	env := message.Envelope{ID: "m", Attachments: []message.AttachmentRecord{{StoredName: "a"}}, Timestamp: time.Now()}
	if err := store.Append(env); err != nil {
		t.Fatalf("append: %v", err)
	}
	got := store.List(Filter{})
	got[0].Attachments[0].StoredName = "mutated"
	if again := store.List(Filter{}); again[0].Attachments[0].StoredName != "a" {
		t.Fatalf("history entry was mutated through List")
	}
}

func ids(envs []message.Envelope) []string {
	out := make([]string, len(envs))
	for i, env := range envs {
		out[i] = env.ID
	}
	return out
}
