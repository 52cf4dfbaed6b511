// Package artifacts persists screenshots and other attachments produced by
// test attempts, locally or in S3-compatible storage.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kuitang/webprobe/internal/errs"
	"github.com/kuitang/webprobe/internal/s3client"
)

// Store saves artifact bytes under a slash-separated key and returns a URL
// the report can link to.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// Pruner is implemented by stores that can drop every artifact of a run.
type Pruner interface {
	DeleteRun(ctx context.Context, runID string) (int, error)
}

// LocalStore writes artifacts below Dir.
type LocalStore struct {
	Dir string
	// BaseURL, when set, is used instead of file:// URLs, e.g. when Dir is
	// served by a static file server.
	BaseURL string
}

// NewLocalStore creates dir if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errs.New(errs.InvalidArgument, "artifacts: empty directory")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("artifacts: resolve %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: create %s: %w", abs, err)
	}
	return &LocalStore{Dir: abs}, nil
}

func (s *LocalStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	clean := cleanKey(key)
	if clean == "" {
		return "", errs.New(errs.InvalidArgument, "artifacts: empty key")
	}
	full := filepath.Join(s.Dir, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("artifacts: create dir for %s: %w", clean, err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("artifacts: write %s: %w", clean, err)
	}
	if s.BaseURL != "" {
		return strings.TrimRight(s.BaseURL, "/") + "/" + clean, nil
	}
	return "file://" + filepath.ToSlash(full), nil
}

// DeleteRun removes the run's directory and reports how many files it held.
func (s *LocalStore) DeleteRun(ctx context.Context, runID string) (int, error) {
	dir := filepath.Join(s.Dir, slug(runID))
	n := 0
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("artifacts: scan %s: %w", dir, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return 0, fmt.Errorf("artifacts: remove %s: %w", dir, err)
	}
	return n, nil
}

// S3Store uploads artifacts to a bucket.
type S3Store struct {
	Client *s3client.Client
}

// NewS3Store stores artifacts under prefix in c's bucket. An empty prefix
// uses the bucket root.
func NewS3Store(c *s3client.Client, prefix string) *S3Store {
	return &S3Store{Client: c.WithPrefix(prefix)}
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	clean := cleanKey(key)
	if clean == "" {
		return "", errs.New(errs.InvalidArgument, "artifacts: empty key")
	}
	if err := s.Client.PutObject(ctx, clean, data, contentType); err != nil {
		return "", errs.Wrap(errs.Unavailable, "artifacts: upload "+clean, err)
	}
	return s.Client.ObjectURL(clean), nil
}

// DeleteRun removes every object stored for runID.
func (s *S3Store) DeleteRun(ctx context.Context, runID string) (int, error) {
	keys, err := s.Client.ListKeys(ctx, slug(runID)+"/")
	if err != nil {
		return 0, errs.Wrap(errs.Unavailable, "artifacts: list run "+runID, err)
	}
	for i, key := range keys {
		if err := s.Client.DeleteObject(ctx, key); err != nil {
			return i, errs.Wrap(errs.Unavailable, "artifacts: delete "+key, err)
		}
	}
	return len(keys), nil
}

// cleanKey rejects traversal and normalizes separators.
func cleanKey(key string) string {
	key = strings.ReplaceAll(key, `\`, "/")
	return strings.TrimPrefix(path.Clean("/"+key), "/")
}

// Key builds "run/suite/test/attempt-N-name" with every segment reduced to
// a filesystem-safe slug.
func Key(runID, suite, test string, attempt int, name string) string {
	return strings.Join([]string{
		slug(runID),
		slug(suite),
		slug(test),
		fmt.Sprintf("attempt-%d-%s", attempt, slug(name)),
	}, "/")
}

func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	out := strings.Trim(b.String(), "-.")
	if out == "" {
		return "x"
	}
	return out
}
