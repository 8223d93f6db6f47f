// Package blobstore stores file content addressed by opaque URL: the frozen
// batch interchange snapshots and the uploaded operator return files. The
// engine never manages document binaries beyond put/get by reference.
package blobstore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrBlobNotFound = errors.New("blob not found")
	ErrFileTooLarge = errors.New("file exceeds maximum allowed size")
)

// MaxFileSize is the maximum allowed blob size in bytes (50 MB). A monthly
// return file for a large clinic stays well under this.
const MaxFileSize = 50 * 1024 * 1024

// BlobInfo describes a stored blob.
type BlobInfo struct {
	URL         string    `json:"url"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// BlobStore is the contract for snapshot/return-file storage backends.
type BlobStore interface {
	Put(ctx context.Context, fileName, contentType string, content []byte) (*BlobInfo, error)
	Get(ctx context.Context, url string) ([]byte, error)
	Stat(ctx context.Context, url string) (*BlobInfo, error)
}

type storedBlob struct {
	info    BlobInfo
	content []byte
}

// InMemoryBlobStore is a thread-safe, in-memory BlobStore for testing/dev.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

// NewInMemoryBlobStore returns a ready-to-use InMemoryBlobStore.
func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{blobs: make(map[string]*storedBlob)}
}

func (s *InMemoryBlobStore) Put(_ context.Context, fileName, contentType string, content []byte) (*BlobInfo, error) {
	if int64(len(content)) > MaxFileSize {
		return nil, ErrFileTooLarge
	}

	h := sha256.Sum256(content)
	info := BlobInfo{
		URL:         "mem://" + uuid.New().String(),
		FileName:    fileName,
		ContentType: contentType,
		Size:        int64(len(content)),
		Hash:        fmt.Sprintf("%x", h),
		CreatedAt:   time.Now().UTC(),
	}

	data := make([]byte, len(content))
	copy(data, content)

	s.mu.Lock()
	s.blobs[info.URL] = &storedBlob{info: info, content: data}
	s.mu.Unlock()

	out := info
	return &out, nil
}

func (s *InMemoryBlobStore) Get(_ context.Context, url string) ([]byte, error) {
	s.mu.RLock()
	blob, ok := s.blobs[url]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrBlobNotFound
	}
	out := make([]byte, len(blob.content))
	copy(out, blob.content)
	return out, nil
}

func (s *InMemoryBlobStore) Stat(_ context.Context, url string) (*BlobInfo, error) {
	s.mu.RLock()
	blob, ok := s.blobs[url]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrBlobNotFound
	}
	info := blob.info
	return &info, nil
}

// FileBlobStore keeps blobs on local disk under a base directory, addressed
// as file://<id>. Suitable for single-node deployments; swap for an object
// store behind the same interface otherwise.
type FileBlobStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileBlobStore creates the base directory if needed.
func NewFileBlobStore(dir string) (*FileBlobStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create blob dir %s: %w", dir, err)
	}
	return &FileBlobStore{dir: dir}, nil
}

func (s *FileBlobStore) Put(_ context.Context, fileName, contentType string, content []byte) (*BlobInfo, error) {
	if int64(len(content)) > MaxFileSize {
		return nil, ErrFileTooLarge
	}

	id := uuid.New().String()
	path := filepath.Join(s.dir, id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(path, content, 0o640); err != nil {
		return nil, fmt.Errorf("write blob %s: %w", id, err)
	}

	h := sha256.Sum256(content)
	return &BlobInfo{
		URL:         "file://" + id,
		FileName:    fileName,
		ContentType: contentType,
		Size:        int64(len(content)),
		Hash:        fmt.Sprintf("%x", h),
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (s *FileBlobStore) Get(_ context.Context, url string) ([]byte, error) {
	id, ok := strings.CutPrefix(url, "file://")
	if !ok {
		return nil, ErrBlobNotFound
	}
	// Reject anything that could escape the base dir.
	if id != filepath.Base(id) {
		return nil, ErrBlobNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.dir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("read blob %s: %w", id, err)
	}
	return data, nil
}

func (s *FileBlobStore) Stat(ctx context.Context, url string) (*BlobInfo, error) {
	data, err := s.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	h := sha256.Sum256(data)
	return &BlobInfo{
		URL:  url,
		Size: int64(len(data)),
		Hash: fmt.Sprintf("%x", h),
	}, nil
}
