package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when no payload is stored under a key.
var ErrNotFound = errors.New("blob not found")

// ErrEmpty is returned when storing a zero-length payload.
var ErrEmpty = errors.New("blob is empty")

// Meta describes a stored payload.
type Meta struct {
	Key       string    `json:"key"`
	MIME      string    `json:"mime"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store keeps raw frame payloads addressed by their content hash.
type Store interface {
	Put(ctx context.Context, data []byte, mime string) (Meta, error)
	Get(ctx context.Context, key string) ([]byte, Meta, error)
	Close() error
}

// Key returns the content address of data.
func Key(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// URL returns the public fetch URL of a stored payload.
func URL(baseURL, key string) string {
	return strings.TrimRight(baseURL, "/") + "/api/v1/blobs/" + key
}

// ─────────────────────────────────────────────
// In-memory store
// ─────────────────────────────────────────────

// MemoryStore is a Store for tests and single-process development.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]memBlob
}

type memBlob struct {
	data []byte
	meta Meta
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]memBlob)}
}

func (m *MemoryStore) Put(_ context.Context, data []byte, mime string) (Meta, error) {
	if len(data) == 0 {
		return Meta{}, ErrEmpty
	}
	key := Key(data)

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.blobs[key]; ok {
		return b.meta, nil
	}
	meta := Meta{Key: key, MIME: mime, Size: int64(len(data)), CreatedAt: time.Now()}
	m.blobs[key] = memBlob{data: append([]byte(nil), data...), meta: meta}
	return meta, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, Meta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[key]
	if !ok {
		return nil, Meta{}, ErrNotFound
	}
	return append([]byte(nil), b.data...), b.meta, nil
}

func (m *MemoryStore) Close() error { return nil }
