package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	opserrors "github.com/jordigilh/opskernel/pkg/shared/errors"
)

// FileStore persists each collection as one JSON file under baseDir. It
// satisfies the same Store contract as MemStore, the drop-in-replacement
// promise from the Storage indirection design note.
type FileStore struct {
	mu      sync.Mutex
	baseDir string
	cache   map[string]map[string]string // collection -> key -> raw value bytes held as a string
}

// NewFileStore creates a FileStore rooted at baseDir, creating it if absent.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, opserrors.FailedTo(fmt.Sprintf("create storage directory %s", baseDir), err)
	}
	return &FileStore{baseDir: baseDir, cache: make(map[string]map[string]string)}, nil
}

func (f *FileStore) path(collection string) string {
	return filepath.Join(f.baseDir, collection+".json")
}

func (f *FileStore) load(collection string) (map[string]string, error) {
	if bucket, ok := f.cache[collection]; ok {
		return bucket, nil
	}
	bucket := make(map[string]string)
	raw, err := os.ReadFile(f.path(collection))
	if os.IsNotExist(err) {
		f.cache[collection] = bucket
		return bucket, nil
	}
	if err != nil {
		return nil, opserrors.FailedTo(fmt.Sprintf("read collection %s", collection), err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &bucket); err != nil {
			return nil, opserrors.FailedTo(fmt.Sprintf("parse collection %s", collection), err)
		}
	}
	f.cache[collection] = bucket
	return bucket, nil
}

func (f *FileStore) flush(collection string, bucket map[string]string) error {
	raw, err := json.Marshal(bucket)
	if err != nil {
		return opserrors.FailedTo(fmt.Sprintf("marshal collection %s", collection), err)
	}
	if err := os.WriteFile(f.path(collection), raw, 0o644); err != nil {
		return opserrors.FailedTo(fmt.Sprintf("write collection %s", collection), err)
	}
	f.cache[collection] = bucket
	return nil
}

func (f *FileStore) Get(_ context.Context, collection, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bucket, err := f.load(collection)
	if err != nil {
		return nil, false, err
	}
	v, ok := bucket[key]
	if !ok {
		return nil, false, nil
	}
	return []byte(v), true, nil
}

func (f *FileStore) Set(_ context.Context, collection, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	bucket, err := f.load(collection)
	if err != nil {
		return err
	}
	bucket[key] = string(value)
	return f.flush(collection, bucket)
}

func (f *FileStore) Delete(_ context.Context, collection, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	bucket, err := f.load(collection)
	if err != nil {
		return err
	}
	delete(bucket, key)
	return f.flush(collection, bucket)
}

func (f *FileStore) List(_ context.Context, collection string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bucket, err := f.load(collection)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(bucket))
	for k := range bucket {
		keys = append(keys, k)
	}
	return keys, nil
}

func (f *FileStore) Has(_ context.Context, collection, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bucket, err := f.load(collection)
	if err != nil {
		return false, err
	}
	_, ok := bucket[key]
	return ok, nil
}

func (f *FileStore) Count(_ context.Context, collection string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bucket, err := f.load(collection)
	if err != nil {
		return 0, err
	}
	return len(bucket), nil
}

func (f *FileStore) Clear(_ context.Context, collection string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flush(collection, make(map[string]string))
}
