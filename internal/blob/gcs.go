package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCS stores blobs in a Cloud Storage bucket under an optional key
// prefix.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCS(ctx context.Context, bucket, prefix string) (*GCS, error) {
	if bucket == "" {
		return nil, errors.New("gcs bucket not configured")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return &GCS{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (g *GCS) key(path string) string {
	path = strings.TrimPrefix(path, "/")
	if g.prefix == "" {
		return path
	}
	return g.prefix + "/" + path
}

func (g *GCS) List(ctx context.Context, prefix string) ([]Info, error) {
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: g.key(prefix)})
	var out []Info
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs list: %w", err)
		}
		rel := attrs.Name
		if g.prefix != "" {
			rel = strings.TrimPrefix(rel, g.prefix+"/")
		}
		name := rel
		if idx := strings.LastIndex(rel, "/"); idx >= 0 {
			name = rel[idx+1:]
		}
		out = append(out, Info{
			Name:       name,
			Path:       rel,
			Size:       attrs.Size,
			ModifiedAt: attrs.Updated,
		})
	}
	return out, nil
}

func (g *GCS) Download(ctx context.Context, path string) ([]byte, error) {
	r, err := g.client.Bucket(g.bucket).Object(g.key(path)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("gcs download: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (g *GCS) Upload(ctx context.Context, path string, data []byte) (string, error) {
	key := g.key(path)
	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs upload: %w", err)
	}
	return "gs://" + g.bucket + "/" + key, nil
}

func (g *GCS) Stat(ctx context.Context, path string) (Info, error) {
	attrs, err := g.client.Bucket(g.bucket).Object(g.key(path)).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return Info{}, fmt.Errorf("gcs stat: %w", err)
	}
	name := path
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		name = path[idx+1:]
	}
	return Info{Name: name, Path: path, Size: attrs.Size, ModifiedAt: attrs.Updated}, nil
}

func (g *GCS) TestConnection(ctx context.Context) error {
	_, err := g.client.Bucket(g.bucket).Attrs(ctx)
	if err != nil {
		return fmt.Errorf("gcs bucket %s: %w", g.bucket, err)
	}
	return nil
}
