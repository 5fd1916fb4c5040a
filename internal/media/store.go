// Package media stores image attachments submitted with complaints.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"civicpulse.org/internal/apperr"
	"civicpulse.org/internal/ids"
)

const sniffLen = 512

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// ErrTooLarge is returned when an upload exceeds the configured limit.
var ErrTooLarge = apperr.Validation(apperr.FieldError{Field: "image", Message: "image is too large"})

// Store writes attachments below a root directory. References are slash
// separated paths relative to that root.
type Store struct {
	root     string
	maxBytes int64
	now      func() time.Time
}

// NewStore creates the root directory when missing.
func NewStore(root string, maxBytes int64) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("media root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}
	return &Store{root: root, maxBytes: maxBytes, now: time.Now}, nil
}

// Save validates that r holds a supported image and writes it under
// complaints/YYYY/MM/. It returns the reference to store on the complaint.
func (s *Store) Save(ctx context.Context, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read upload: %w", err)
	}
	head = head[:n]
	if n == 0 {
		return "", apperr.Validation(apperr.FieldError{Field: "image", Message: "the submitted file is empty"})
	}
	ext, ok := extensions[http.DetectContentType(head)]
	if !ok {
		return "", apperr.Validation(apperr.FieldError{Field: "image", Message: "upload a valid image, the file you uploaded was either not an image or a corrupted image"})
	}

	now := s.now().UTC()
	rel := path.Join("complaints", now.Format("2006"), now.Format("01"), ids.NewAt(now)+ext)
	full := filepath.Join(s.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create media file: %w", err)
	}

	src := io.MultiReader(bytes.NewReader(head), r)
	if s.maxBytes > 0 {
		src = io.LimitReader(src, s.maxBytes+1)
	}
	written, copyErr := io.Copy(f, src)
	closeErr := f.Close()
	switch {
	case copyErr != nil:
		_ = os.Remove(full)
		return "", fmt.Errorf("write media file: %w", copyErr)
	case closeErr != nil:
		_ = os.Remove(full)
		return "", fmt.Errorf("close media file: %w", closeErr)
	case s.maxBytes > 0 && written > s.maxBytes:
		_ = os.Remove(full)
		return "", ErrTooLarge
	}
	return rel, nil
}

// Open returns the attachment behind ref.
func (s *Store) Open(ref string) (fs.File, error) {
	clean := path.Clean("/" + ref)[1:]
	if clean == "" || clean != ref {
		return nil, apperr.ErrNotFound
	}
	f, err := os.DirFS(s.root).Open(clean)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.ErrNotFound
	}
	return f, err
}

// Remove deletes an attachment; missing files are ignored.
func (s *Store) Remove(ref string) error {
	if ref == "" {
		return nil
	}
	err := os.Remove(filepath.Join(s.root, filepath.FromSlash(path.Clean("/" + ref)[1:])))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
