// Package blob stores patch artefacts by name. Artefacts are addressed as
// <scheme>://<bucket>/<name>; the scheme selects the backing store.
package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store is a write-once artefact store.
type Store interface {
	// Put writes data under name and returns the artefact URL.
	Put(ctx context.Context, name string, data []byte) (string, error)
	// Get reads the artefact stored under name.
	Get(ctx context.Context, name string) ([]byte, error)
}

// New builds a store from its scheme. "file" stores under root/bucket on
// local disk, "mem" keeps artefacts in process memory.
func New(scheme, bucket, root string) (Store, error) {
	switch scheme {
	case "file":
		return NewFilesystem(bucket, root)
	case "mem":
		return NewMemory(bucket), nil
	default:
		return nil, fmt.Errorf("unknown blob scheme %q", scheme)
	}
}

// Filesystem stores artefacts as files under root/bucket.
type Filesystem struct {
	bucket string
	dir    string
}

func NewFilesystem(bucket, root string) (*Filesystem, error) {
	dir := filepath.Join(root, bucket)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &Filesystem{bucket: bucket, dir: dir}, nil
}

func (s *Filesystem) Put(ctx context.Context, name string, data []byte) (string, error) {
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write blob %s: %w", name, err)
	}
	return fmt.Sprintf("file://%s/%s", s.bucket, name), nil
}

func (s *Filesystem) Get(ctx context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", name, err)
	}
	return data, nil
}

// Memory is an in-process store used by tests and dev setups.
type Memory struct {
	bucket string

	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemory(bucket string) *Memory {
	return &Memory{bucket: bucket, blobs: make(map[string][]byte)}
}

func (s *Memory) Put(ctx context.Context, name string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.blobs[name] = buf
	return fmt.Sprintf("mem://%s/%s", s.bucket, name), nil
}

func (s *Memory) Get(ctx context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[name]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", name)
	}
	return data, nil
}
