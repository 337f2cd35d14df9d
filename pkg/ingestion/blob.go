/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ingestion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jordigilh/kartograf/pkg/config"
)

// ErrBlobNotFound is returned for unknown blob keys.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore holds raw file contents referenced by the pipeline state, so
// large repositories don't live in checkpoint rows.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Kind() string
}

// MemoryBlobStore is the dev default.
type MemoryBlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryBlobStore builds an empty in-memory store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{data: make(map[string][]byte)}
}

func (m *MemoryBlobStore) Kind() string { return config.BlobStoreMemory }

func (m *MemoryBlobStore) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.data[key] = buf
	return nil
}

func (m *MemoryBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", key, ErrBlobNotFound)
	}
	return data, nil
}

// FilesystemBlobStore writes blobs under a root directory, one file per
// key. Keys are sanitized to stay below the root.
type FilesystemBlobStore struct {
	root string
}

// NewFilesystemBlobStore builds a store rooted at dir, creating it if
// absent.
func NewFilesystemBlobStore(dir string) (*FilesystemBlobStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("blob store path cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob root %s: %w", dir, err)
	}
	return &FilesystemBlobStore{root: dir}, nil
}

func (f *FilesystemBlobStore) Kind() string { return config.BlobStoreFilesystem }

func (f *FilesystemBlobStore) path(key string) (string, error) {
	clean := filepath.Clean(strings.ReplaceAll(key, "::", string(filepath.Separator)))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("blob key %q escapes store root", key)
	}
	return filepath.Join(f.root, clean), nil
}

func (f *FilesystemBlobStore) Put(_ context.Context, key string, data []byte) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating blob dir for %s: %w", key, err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("writing blob %s: %w", key, err)
	}
	return nil
}

func (f *FilesystemBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := f.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("blob %s: %w", key, ErrBlobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", key, err)
	}
	return data, nil
}

// NewBlobStoreFromConfig selects the backend named by BLOB_STORE. The
// object-store kind is provisioned by the deployment, not constructed here.
func NewBlobStoreFromConfig(cfg *config.Config) (BlobStore, error) {
	switch cfg.BlobStoreKind {
	case config.BlobStoreMemory:
		return NewMemoryBlobStore(), nil
	case config.BlobStoreFilesystem:
		return NewFilesystemBlobStore(cfg.BlobStorePath)
	default:
		return nil, fmt.Errorf("unknown blob store kind %q", cfg.BlobStoreKind)
	}
}
