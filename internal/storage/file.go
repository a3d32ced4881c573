package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"go.etcd.io/bbolt"

	"message-relay/internal/message"
	"message-relay/internal/relayerr"
)

const (
	attachmentsBucket  = "attachments"
	defaultAttachment  = "file.bin"
	maxReserveAttempts = 32

	// maxNameBytes is the common per-component limit (ext4, xfs, apfs).
	maxNameBytes = 255
	// suffixBytes is the room a collision suffix ("_" + 8 hex) needs.
	suffixBytes = 9
	maxExtBytes = 32
)

// ErrNotFound is returned when a stored attachment name is unknown.
var ErrNotFound = errors.New("attachment not found")

// AttachmentStore writes attachment buffers under collision-free names and
// indexes their metadata in BoltDB so downloads can be served later.
type AttachmentStore struct {
	db  *bbolt.DB
	dir string
}

func OpenAttachmentStore(dir, indexPath string) (*AttachmentStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(indexPath), 0o755); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(indexPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(attachmentsBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &AttachmentStore{db: db, dir: dir}, nil
}

func (s *AttachmentStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Dir is the directory attachments are written to.
func (s *AttachmentStore) Dir() string { return s.dir }

// Persist writes data under a name derived from originalName. An existing file
// is never overwritten: the name gets a random suffix until an exclusive create
// succeeds. Identical content sent twice is stored twice.
func (s *AttachmentStore) Persist(originalName, contentType string, data []byte) (message.AttachmentRecord, error) {
	rec := message.AttachmentRecord{
		OriginalName: originalName,
		ContentType:  contentType,
	}
	if s == nil || s.db == nil {
		return rec, relayerr.New(relayerr.Persist, "attachment store not initialized")
	}
	f, name, err := s.reserve(originalName)
	if err != nil {
		return rec, relayerr.Wrap(relayerr.Persist, "reserve attachment name", err)
	}
	path := filepath.Join(s.dir, name)
	n, err := writeAndClose(f, data)
	if err != nil {
		_ = os.Remove(path)
		return rec, relayerr.Wrap(relayerr.Persist, "write attachment", err).WithDetail("name", name)
	}
	sum := sha256.Sum256(data)
	rec.StoredName = name
	rec.SizeBytes = int64(n)
	rec.SHA256 = hex.EncodeToString(sum[:])

	encoded, err := json.Marshal(rec)
	if err == nil {
		err = s.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket([]byte(attachmentsBucket)).Put([]byte(name), encoded)
		})
	}
	if err != nil {
		_ = os.Remove(path)
		rec.StoredName, rec.SizeBytes, rec.SHA256 = "", 0, ""
		return rec, relayerr.Wrap(relayerr.Persist, "index attachment", err).WithDetail("name", name)
	}
	return rec, nil
}

// reserve claims a free name in the store directory. O_EXCL makes the check
// and the create one step, so concurrent writers never share a name.
func (s *AttachmentStore) reserve(originalName string) (*os.File, string, error) {
	base, ext := splitName(originalName)
	candidate := base + ext
	for attempt := 0; attempt < maxReserveAttempts; attempt++ {
		f, err := os.OpenFile(filepath.Join(s.dir, candidate), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, candidate, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", err
		}
		candidate = fmt.Sprintf("%s_%s%s", base, newSuffix(), ext)
	}
	return nil, "", fmt.Errorf("no free name for %q after %d attempts", base+ext, maxReserveAttempts)
}

func writeAndClose(f *os.File, data []byte) (int, error) {
	n, err := f.Write(data)
	if err == nil && n != len(data) {
		err = fmt.Errorf("short write: %d of %d bytes", n, len(data))
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// Lookup returns the indexed metadata for a stored name.
func (s *AttachmentStore) Lookup(name string) (message.AttachmentRecord, error) {
	var rec message.AttachmentRecord
	if s == nil || s.db == nil {
		return rec, fmt.Errorf("attachment store not initialized")
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(attachmentsBucket))
		if bucket == nil {
			return ErrNotFound
		}
		data := bucket.Get([]byte(name))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

// Open returns the metadata and an open handle for a stored attachment.
func (s *AttachmentStore) Open(name string) (message.AttachmentRecord, *os.File, error) {
	if sanitizeFileName(name) != name {
		return message.AttachmentRecord{}, nil, ErrNotFound
	}
	rec, err := s.Lookup(name)
	if err != nil {
		return rec, nil, err
	}
	f, err := os.Open(filepath.Join(s.dir, rec.StoredName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return rec, nil, ErrNotFound
		}
		return rec, nil, err
	}
	return rec, f, nil
}

func splitName(originalName string) (string, string) {
	cleaned := sanitizeFileName(originalName)
	if cleaned == "" {
		cleaned = defaultAttachment
	}
	ext := filepath.Ext(cleaned)
	base := strings.TrimSuffix(cleaned, ext)
	if base == "" || len(ext) > maxExtBytes {
		// ".bashrc" style names and implausibly long extensions keep the
		// whole name as the base.
		base, ext = cleaned, ""
	}
	return truncateUTF8(base, maxNameBytes-suffixBytes-len(ext)), ext
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func sanitizeFileName(name string) string {
	cleaned := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" || cleaned == "." || cleaned == ".." {
		return ""
	}
	if cleaned == "/" || cleaned == string(filepath.Separator) {
		return ""
	}
	return cleaned
}

func newSuffix() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
	}
	return hex.EncodeToString(b)
}
