package blob

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Local stores blobs under a root directory. Paths are slash-separated
// and relative to the root; ".." components are rejected.
type Local struct {
	root string
}

func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &Local{root: abs}, nil
}

func (l *Local) resolve(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid blob path %q", path)
	}
	return filepath.Join(l.root, clean), nil
}

func (l *Local) List(_ context.Context, prefix string) ([]Info, error) {
	var out []Info
	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if prefix != "" && !strings.HasPrefix(rel, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, Info{
			Name:       d.Name(),
			Path:       rel,
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Local) Download(_ context.Context, path string) ([]byte, error) {
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return data, err
}

func (l *Local) Upload(_ context.Context, path string, data []byte) (string, error) {
	full, err := l.resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", err
	}
	return "file://" + filepath.ToSlash(full), nil
}

func (l *Local) Stat(_ context.Context, path string) (Info, error) {
	full, err := l.resolve(path)
	if err != nil {
		return Info{}, err
	}
	fi, err := os.Stat(full)
	if os.IsNotExist(err) {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return Info{}, err
	}
	return Info{
		Name:       fi.Name(),
		Path:       path,
		Size:       fi.Size(),
		ModifiedAt: fi.ModTime(),
	}, nil
}

func (l *Local) TestConnection(_ context.Context) error {
	_, err := os.Stat(l.root)
	return err
}
