package attachments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"purchaseflow/internal/domain"
	"purchaseflow/internal/workflow"
)

const DefaultMaxBytes int64 = 10 << 20

// DefaultAllowedTypes are the MIME types accepted for receipts and photos.
var DefaultAllowedTypes = []string{"application/pdf", "image/jpeg", "image/png", "image/webp"}

var extensions = map[string]string{
	"application/pdf": ".pdf",
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
}

type File struct {
	Name        string
	ContentType string
	Reader      io.Reader
}

// Stored describes bytes that were accepted and persisted.
type Stored struct {
	Key         string
	ContentType string
	Kind        domain.AttachmentKind
	SizeBytes   int64
}

type Store interface {
	Put(ctx context.Context, f File) (Stored, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

var ErrNotFound = errors.New("attachment not found")

// DiskStore keeps files under Dir, named by a generated key.
type DiskStore struct {
	Dir          string
	MaxBytes     int64
	AllowedTypes []string
	NewKey       func() string
}

func (s DiskStore) allowed(contentType string) bool {
	types := s.AllowedTypes
	if len(types) == 0 {
		types = DefaultAllowedTypes
	}
	for _, t := range types {
		if strings.EqualFold(t, contentType) {
			return true
		}
	}
	return false
}

// Put validates the declared type against the sniffed content and the size
// limit before anything is left on disk.
func (s DiskStore) Put(ctx context.Context, f File) (Stored, error) {
	if f.Reader == nil {
		return Stored{}, workflow.ValidationError{Kind: workflow.MissingAttachment, Field: "file", Message: "file is required"}
	}
	head := make([]byte, 512)
	n, err := io.ReadFull(f.Reader, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Stored{}, fmt.Errorf("read attachment: %w", err)
	}
	head = head[:n]
	if n == 0 {
		return Stored{}, workflow.ValidationError{Kind: workflow.MissingAttachment, Field: "file", Message: "file is empty"}
	}
	sniffed := normalizeType(http.DetectContentType(head))
	declared := normalizeType(f.ContentType)
	if declared == "" || declared == "application/octet-stream" {
		declared = sniffed
	}
	if !s.allowed(declared) || declared != sniffed {
		return Stored{}, workflow.ValidationError{
			Kind:    workflow.InvalidAttachmentType,
			Field:   "file",
			Message: fmt.Sprintf("content type %s (detected %s) is not accepted", declared, sniffed),
		}
	}
	if err := ctx.Err(); err != nil {
		return Stored{}, err
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return Stored{}, fmt.Errorf("create attachment dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.Dir, ".upload-*")
	if err != nil {
		return Stored{}, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	limit := s.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	body := io.MultiReader(bytes.NewReader(head), f.Reader)
	written, err := io.Copy(tmp, io.LimitReader(body, limit+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Stored{}, fmt.Errorf("write attachment: %w", err)
	}
	if written > limit {
		return Stored{}, workflow.ValidationError{
			Kind:    workflow.AttachmentTooLarge,
			Field:   "file",
			Message: fmt.Sprintf("file exceeds %d bytes", limit),
		}
	}
	newKey := s.NewKey
	if newKey == nil {
		newKey = uuid.NewString
	}
	key := newKey() + extensions[declared]
	if err := os.Rename(tmp.Name(), filepath.Join(s.Dir, key)); err != nil {
		return Stored{}, fmt.Errorf("store attachment: %w", err)
	}
	return Stored{Key: key, ContentType: declared, Kind: KindOf(declared), SizeBytes: written}, nil
}

// Open returns the stored bytes for key. Keys never contain path separators.
func (s DiskStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	if key == "" || key != filepath.Base(key) || strings.HasPrefix(key, ".") {
		return nil, ErrNotFound
	}
	f, err := os.Open(filepath.Join(s.Dir, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

// Delete removes a stored file. Missing files are not an error.
func (s DiskStore) Delete(_ context.Context, key string) error {
	if key == "" || key != filepath.Base(key) {
		return ErrNotFound
	}
	if err := os.Remove(filepath.Join(s.Dir, key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// KindOf classifies a MIME type as image or document.
func KindOf(contentType string) domain.AttachmentKind {
	if strings.HasPrefix(contentType, "image/") {
		return domain.AttachmentImage
	}
	return domain.AttachmentDocument
}

func normalizeType(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return strings.ToLower(v)
	}
	return strings.ToLower(mt)
}
