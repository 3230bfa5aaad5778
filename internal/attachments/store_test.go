package attachments

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"purchaseflow/internal/domain"
	"purchaseflow/internal/workflow"
)

var (
	pdfBytes = []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\ntrailer\n<<>>\n%%EOF\n")
	pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")
)

func newStore(t *testing.T, max int64) DiskStore {
	t.Helper()
	n := 0
	return DiskStore{
		Dir:      filepath.Join(t.TempDir(), "attachments"),
		MaxBytes: max,
		NewKey: func() string {
			n++
			return "att-" + string(rune('0'+n))
		},
	}
}

func TestPutStoresPDF(t *testing.T) {
	s := newStore(t, 1024)
	stored, err := s.Put(context.Background(), File{Name: "invoice.pdf", ContentType: "application/pdf", Reader: bytes.NewReader(pdfBytes)})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if stored.Key != "att-1.pdf" || stored.Kind != domain.AttachmentDocument || stored.SizeBytes != int64(len(pdfBytes)) {
		t.Fatalf("unexpected stored %+v", stored)
	}
	rc, err := s.Open(context.Background(), stored.Key)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if !bytes.Equal(data, pdfBytes) {
		t.Fatalf("stored bytes differ")
	}
}

func TestPutSniffsWhenUndeclared(t *testing.T) {
	s := newStore(t, 1024)
	stored, err := s.Put(context.Background(), File{Name: "photo", Reader: bytes.NewReader(pngBytes)})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if stored.ContentType != "image/png" || stored.Kind != domain.AttachmentImage || filepath.Ext(stored.Key) != ".png" {
		t.Fatalf("unexpected stored %+v", stored)
	}
}

func TestPutRejectsMismatchedType(t *testing.T) {
	s := newStore(t, 1024)
	_, err := s.Put(context.Background(), File{Name: "fake.pdf", ContentType: "application/pdf", Reader: bytes.NewReader(pngBytes)})
	if !workflow.IsValidation(err, workflow.InvalidAttachmentType) {
		t.Fatalf("expected invalid_attachment_type, got %v", err)
	}
	_, err = s.Put(context.Background(), File{Name: "notes.txt", ContentType: "text/plain", Reader: bytes.NewReader([]byte("hello"))})
	if !workflow.IsValidation(err, workflow.InvalidAttachmentType) {
		t.Fatalf("expected invalid_attachment_type for text, got %v", err)
	}
}

func TestPutRejectsOversize(t *testing.T) {
	s := newStore(t, 16)
	_, err := s.Put(context.Background(), File{Name: "big.pdf", ContentType: "application/pdf", Reader: bytes.NewReader(pdfBytes)})
	if !workflow.IsValidation(err, workflow.AttachmentTooLarge) {
		t.Fatalf("expected attachment_too_large, got %v", err)
	}
	entries, _ := os.ReadDir(s.Dir)
	if len(entries) != 0 {
		t.Fatalf("rejected upload left %d files behind", len(entries))
	}
}

func TestPutRejectsEmpty(t *testing.T) {
	s := newStore(t, 16)
	_, err := s.Put(context.Background(), File{Name: "empty.pdf", ContentType: "application/pdf", Reader: bytes.NewReader(nil)})
	if !workflow.IsValidation(err, workflow.MissingAttachment) {
		t.Fatalf("expected missing_attachment, got %v", err)
	}
}

func TestOpenRejectsTraversal(t *testing.T) {
	s := newStore(t, 16)
	for _, key := range []string{"", "../secret", ".upload-1", "a/b.pdf", "missing.pdf"} {
		if _, err := s.Open(context.Background(), key); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Open(%q) = %v, want ErrNotFound", key, err)
		}
	}
}
