package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"google.golang.org/api/option"
	storage "google.golang.org/api/storage/v1"

	"github.com/user/scanrelay/pkg/engine"
)

// GCSOptions configures the Cloud Storage backend
type GCSOptions struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
	Endpoint        string
}

// GCSStore keeps snapshots as objects in a Cloud Storage bucket
type GCSStore struct {
	svc      *storage.Service
	bucket   string
	prefix   string
	MaxBytes int
	now      func() time.Time
}

// NewGCSStore creates a store using application default credentials unless a
// credentials file is configured
func NewGCSStore(ctx context.Context, opts GCSOptions, extra ...option.ClientOption) (*GCSStore, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("gcs store: bucket is required")
	}
	clientOpts := append([]option.ClientOption{}, extra...)
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}

	svc, err := storage.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCSStore{
		svc:      svc,
		bucket:   opts.Bucket,
		prefix:   strings.Trim(opts.Prefix, "/"),
		MaxBytes: DefaultMaxBytes,
		now:      time.Now,
	}, nil
}

func (g *GCSStore) scopePrefix(scope string) string {
	return path.Join(g.prefix, ScopeDir(scope)) + "/"
}

func (g *GCSStore) List(ctx context.Context, scope string) ([]Ref, error) {
	prefix := g.scopePrefix(scope)
	var refs []Ref
	err := g.svc.Objects.List(g.bucket).Prefix(prefix).Fields("items(name)", "nextPageToken").Pages(ctx, func(objs *storage.Objects) error {
		for _, obj := range objs.Items {
			n, ok := parseObjectName(path.Base(obj.Name))
			if !ok {
				continue
			}
			refs = append(refs, Ref{Scope: scope, Number: n, URI: gcsURI(g.bucket, obj.Name)})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list gs://%s/%s: %w", g.bucket, prefix, err)
	}
	sortRefs(refs)
	return refs, nil
}

func (g *GCSStore) Fetch(ctx context.Context, ref Ref) (*engine.Snapshot, error) {
	bucket, name, err := parseGCSURI(ref.URI)
	if err != nil {
		return nil, err
	}
	resp, err := g.svc.Objects.Get(bucket, name).Context(ctx).Download()
	if err != nil {
		return nil, fmt.Errorf("download %s: %v: %w", ref.URI, err, ErrSnapshotUnavailable)
	}
	defer resp.Body.Close()

	limit := int64(g.MaxBytes)
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %v: %w", ref.URI, err, ErrSnapshotUnavailable)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%s is larger than %d bytes: %w", ref.URI, limit, ErrSnapshotUnavailable)
	}
	return Decode(data)
}

func (g *GCSStore) Store(ctx context.Context, batch engine.Batch) (Ref, error) {
	data, _, err := Encode(engine.NewSnapshot(batch, g.now()), g.MaxBytes)
	if err != nil {
		return Ref{}, err
	}
	name := g.scopePrefix(batch.Scope) + objectName(batch.Number, shortID())

	obj := &storage.Object{
		Name:        name,
		ContentType: "application/json",
		Metadata: map[string]string{
			"scope": batch.Scope,
			"batch": fmt.Sprintf("%d", batch.Number),
		},
	}
	// generation 0 means the object must not exist yet
	_, err = g.svc.Objects.Insert(g.bucket, obj).
		Media(bytes.NewReader(data)).
		IfGenerationMatch(0).
		Context(ctx).
		Do()
	if err != nil {
		return Ref{}, fmt.Errorf("upload gs://%s/%s: %w", g.bucket, name, err)
	}
	return Ref{Scope: batch.Scope, Number: batch.Number, URI: gcsURI(g.bucket, name)}, nil
}

func gcsURI(bucket, name string) string {
	return "gs://" + bucket + "/" + name
}

func parseGCSURI(uri string) (string, string, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "gs" || u.Host == "" {
		return "", "", fmt.Errorf("not a gcs snapshot ref %q: %w", uri, ErrSnapshotUnavailable)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}
