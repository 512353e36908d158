// Package session persists resume checkpoints so an interrupted transfer can
// continue from its last acknowledged offset instead of restarting.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/skydrive/uploadq/uploadtypes"
)

// Fingerprint identifies the same logical upload across reloads.
// It hashes name, size, and destination; content hashing was considered and
// rejected because it would require reading the whole file before enqueueing.
func Fingerprint(name string, size int64, destinationPath string) string {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(size, 10)))
	h.Write([]byte{0})
	h.Write([]byte(destinationPath))
	return hex.EncodeToString(h.Sum(nil))
}

// FileStore is a SessionStore backed by a single JSON file. Every mutation is
// written through, so a crash at any point leaves a loadable checkpoint file.
type FileStore struct {
	mu      sync.Mutex
	path    string
	records map[string]uploadtypes.SessionRecord
}

// NewFileStore opens (or creates) the checkpoint file at path.
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path:    path,
		records: make(map[string]uploadtypes.SessionRecord),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fs, nil
		}
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	if len(data) == 0 {
		return fs, nil
	}
	if err := sonic.Unmarshal(data, &fs.records); err != nil {
		return nil, fmt.Errorf("failed to parse session file %s: %w", path, err)
	}
	return fs, nil
}

// Put creates or updates the record keyed by its fingerprint.
func (fs *FileStore) Put(rec uploadtypes.SessionRecord) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	fs.records[rec.Fingerprint] = rec
	return fs.flushLocked()
}

// Get returns the record for the fingerprint, or false when absent.
func (fs *FileStore) Get(fingerprint string) (uploadtypes.SessionRecord, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	rec, ok := fs.records[fingerprint]
	return rec, ok
}

// Delete removes the record for the fingerprint; absent keys are a no-op.
func (fs *FileStore) Delete(fingerprint string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.records[fingerprint]; !ok {
		return nil
	}
	delete(fs.records, fingerprint)
	return fs.flushLocked()
}

// flushLocked writes the record map to disk. Callers hold fs.mu.
func (fs *FileStore) flushLocked() error {
	data, err := sonic.Marshal(fs.records)
	if err != nil {
		return fmt.Errorf("failed to encode session records: %w", err)
	}
	if dir := filepath.Dir(fs.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create session directory: %w", err)
		}
	}
	if err := os.WriteFile(fs.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	return nil
}

// MemoryStore is a SessionStore that lives only for the process lifetime.
// It is useful for tests and for callers that opt out of resume-after-reload.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]uploadtypes.SessionRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]uploadtypes.SessionRecord)}
}

// Put creates or updates the record keyed by its fingerprint.
func (ms *MemoryStore) Put(rec uploadtypes.SessionRecord) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	ms.records[rec.Fingerprint] = rec
	return nil
}

// Get returns the record for the fingerprint, or false when absent.
func (ms *MemoryStore) Get(fingerprint string) (uploadtypes.SessionRecord, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	rec, ok := ms.records[fingerprint]
	return rec, ok
}

// Delete removes the record for the fingerprint; absent keys are a no-op.
func (ms *MemoryStore) Delete(fingerprint string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	delete(ms.records, fingerprint)
	return nil
}

// Ensure both stores satisfy the SessionStore contract
var (
	_ uploadtypes.SessionStore = (*FileStore)(nil)
	_ uploadtypes.SessionStore = (*MemoryStore)(nil)
)
