package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/user/scanrelay/pkg/engine"
)

// FileStore keeps snapshots as JSON files, one directory per scope.
// Useful when the CI workspace is cached between runs.
type FileStore struct {
	Dir      string
	MaxBytes int
	now      func() time.Time
}

// NewFileStore creates a store rooted at dir
func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir, MaxBytes: DefaultMaxBytes, now: time.Now}
}

func (f *FileStore) List(ctx context.Context, scope string) ([]Ref, error) {
	dir := filepath.Join(f.Dir, ScopeDir(scope))
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list snapshots in %s: %w", dir, err)
	}

	var refs []Ref
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		n, ok := parseObjectName(entry.Name())
		if !ok {
			continue
		}
		refs = append(refs, Ref{Scope: scope, Number: n, URI: fileURI(filepath.Join(dir, entry.Name()))})
	}
	sortRefs(refs)
	return refs, nil
}

func (f *FileStore) Fetch(ctx context.Context, ref Ref) (*engine.Snapshot, error) {
	path, err := filePath(ref.URI)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %v: %w", path, err, ErrSnapshotUnavailable)
	}
	return Decode(data)
}

func (f *FileStore) Store(ctx context.Context, batch engine.Batch) (Ref, error) {
	data, _, err := Encode(engine.NewSnapshot(batch, f.now()), f.MaxBytes)
	if err != nil {
		return Ref{}, err
	}

	dir := filepath.Join(f.Dir, ScopeDir(batch.Scope))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Ref{}, fmt.Errorf("create snapshot dir: %w", err)
	}
	path := filepath.Join(dir, objectName(batch.Number, shortID()))

	// O_EXCL keeps the store append-only
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return Ref{}, fmt.Errorf("create snapshot %s: %w", path, err)
	}
	defer file.Close()
	if _, err := file.Write(data); err != nil {
		return Ref{}, fmt.Errorf("write snapshot %s: %w", path, err)
	}
	return Ref{Scope: batch.Scope, Number: batch.Number, URI: fileURI(path)}, nil
}

func fileURI(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}

func filePath(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return "", fmt.Errorf("not a file snapshot ref %q: %w", uri, ErrSnapshotUnavailable)
	}
	return filepath.FromSlash(u.Path), nil
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
