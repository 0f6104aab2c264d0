package backup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/trapias/memoria/internal/objectstore"
)

// Destination is where an export document is written to and read from.
// File and S3 are the two configured options.
type Destination interface {
	Write(ctx context.Context, name string, data []byte) error
	Read(ctx context.Context, name string) ([]byte, error)
}

// FileDestination writes the export document to a local path, the default
// destination.
type FileDestination struct {
	Dir string
}

func (d FileDestination) Write(_ context.Context, name string, data []byte) error {
	path := d.path(name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("backup: write %q: %w", path, err)
	}
	return nil
}

func (d FileDestination) Read(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(d.path(name))
	if err != nil {
		return nil, fmt.Errorf("backup: read %q: %w", name, err)
	}
	return data, nil
}

func (d FileDestination) path(name string) string {
	if d.Dir == "" {
		return name
	}
	return strings.TrimSuffix(d.Dir, "/") + "/" + name
}

// ObjectStoreDestination persists the export document to an ObjectStore
// (S3 in production; objectstore.MemoryStore in tests), as an alternative
// to the local file. The document schema is identical either way.
type ObjectStoreDestination struct {
	Store  objectstore.ObjectStore
	Prefix string
}

func (d ObjectStoreDestination) key(name string) string {
	if d.Prefix == "" {
		return name
	}
	return strings.TrimSuffix(d.Prefix, "/") + "/" + name
}

func (d ObjectStoreDestination) Write(ctx context.Context, name string, data []byte) error {
	_, err := d.Store.Put(ctx, d.key(name), bytes.NewReader(data), objectstore.PutOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("backup: put %q: %w", d.key(name), err)
	}
	return nil
}

func (d ObjectStoreDestination) Read(ctx context.Context, name string) ([]byte, error) {
	r, _, err := d.Store.Get(ctx, d.key(name))
	if err != nil {
		return nil, fmt.Errorf("backup: get %q: %w", d.key(name), err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("backup: read body %q: %w", d.key(name), err)
	}
	return data, nil
}

