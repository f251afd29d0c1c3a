// Package media stores uploaded attachments on local disk and hands
// out opaque references for use in messages.
package media

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/m4hub/chatcore/internal/domain"
)

// ErrTooLarge is returned when an upload exceeds the configured limit.
var ErrTooLarge = fmt.Errorf("%w: media exceeds size limit", domain.ErrInvalidArgument)

var allowedExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
	".pdf": true, ".txt": true, ".zip": true,
}

// Store writes media files under a single directory. References are
// uuid-based filenames, never client-supplied paths.
type Store struct {
	dir     string
	maxSize int64
}

// NewStore creates the backing directory if needed.
func NewStore(dir string, maxSize int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media dir: %w", err)
	}
	return &Store{dir: dir, maxSize: maxSize}, nil
}

// Save stores the content and returns its reference. The extension is
// taken from the client filename but the stored name is server-chosen.
func (s *Store) Save(filename string, r io.Reader) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedExtensions[ext] {
		return "", fmt.Errorf("%w: unsupported media type %q", domain.ErrInvalidArgument, ext)
	}

	ref := uuid.NewString() + ext
	f, err := os.Create(filepath.Join(s.dir, ref))
	if err != nil {
		return "", fmt.Errorf("failed to create media file: %w", err)
	}
	defer f.Close()

	// Read one byte past the limit to detect oversize without
	// trusting a client-declared length.
	n, err := io.Copy(f, io.LimitReader(r, s.maxSize+1))
	if err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write media file: %w", err)
	}
	if n > s.maxSize {
		os.Remove(f.Name())
		return "", ErrTooLarge
	}
	return ref, nil
}

// Open returns a reader for a previously stored reference. References
// containing path separators are rejected outright.
func (s *Store) Open(ref string) (io.ReadCloser, error) {
	if ref == "" || strings.ContainsAny(ref, `/\`) || strings.Contains(ref, "..") {
		return nil, fmt.Errorf("%w: invalid media reference", domain.ErrInvalidArgument)
	}
	f, err := os.Open(filepath.Join(s.dir, ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return f, nil
}
