package objectstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is the in-process ObjectStore used by tests, so the backup
// destination can be exercised without an S3 endpoint.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

type memObject struct {
	data  []byte
	attrs ObjectAttrs
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memObject)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, ObjectAttrs, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ObjectAttrs{}, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), obj.attrs, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, r io.Reader, opts PutOptions) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	etag := `"` + key + `-etag"`
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{
		data: data,
		attrs: ObjectAttrs{
			Key:          key,
			Size:         int64(len(data)),
			ETag:         etag,
			LastModified: time.Now().UTC(),
			ContentType:  opts.ContentType,
		},
	}
	return etag, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// List pages in lexicographic key order; the continuation token is the key
// to resume from.
func (m *MemoryStore) List(_ context.Context, opts ListOptions) (ListResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.objects))
	for key := range m.objects {
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			continue
		}
		if opts.ContinuationToken != "" && key < opts.ContinuationToken {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var res ListResult
	for i, key := range keys {
		if opts.MaxKeys > 0 && i == opts.MaxKeys {
			res.IsTruncated = true
			res.NextContinuationToken = key
			break
		}
		res.Objects = append(res.Objects, m.objects[key].attrs)
	}
	return res, nil
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

var _ ObjectStore = (*MemoryStore)(nil)
