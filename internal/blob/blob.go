package blob

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound distinguishes a missing key from a transport failure.
// Resolution verification depends on it: a stat miss downgrades a
// resolved item instead of failing the job.
var ErrNotFound = errors.New("blob not found")

// Info describes one stored object.
type Info struct {
	Name       string
	Path       string
	Size       int64
	ModifiedAt time.Time
}

// Store is the file storage contract shared by the asset catalog, the
// picklist intake and the renderer.
type Store interface {
	List(ctx context.Context, prefix string) ([]Info, error)
	Download(ctx context.Context, path string) ([]byte, error)
	Upload(ctx context.Context, path string, data []byte) (string, error)
	Stat(ctx context.Context, path string) (Info, error)
	TestConnection(ctx context.Context) error
}
