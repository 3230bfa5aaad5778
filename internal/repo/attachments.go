package repo

import (
	"context"
	"database/sql"
	"errors"

	"purchaseflow/internal/domain"
)

// InsertAttachment records metadata for a stored file. storageKey is the
// store-relative name the bytes were written under.
func (r Repo) InsertAttachment(ctx context.Context, tx *sql.Tx, a domain.Attachment, storageKey string) error {
	if a.ID == "" || storageKey == "" {
		return errors.New("attachment id and storage key required")
	}
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO attachments(id,name,content_type,kind,size_bytes,storage_key,url,uploaded_by,uploaded_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Name, a.ContentType, string(a.Kind), a.SizeBytes, storageKey, a.URL, a.UploadedBy, formatTime(a.UploadedAt))
	return err
}

func (r Repo) GetAttachment(ctx context.Context, tx *sql.Tx, id string) (domain.Attachment, error) {
	a, _, err := r.scanAttachment(r.on(tx).QueryRowContext(ctx, `SELECT id,name,content_type,kind,size_bytes,storage_key,url,uploaded_by,uploaded_at FROM attachments WHERE id=?`, id))
	return a, err
}

// GetAttachmentByStorageKey resolves a served file name back to its metadata.
func (r Repo) GetAttachmentByStorageKey(ctx context.Context, key string) (domain.Attachment, error) {
	a, _, err := r.scanAttachment(r.DB.QueryRowContext(ctx, `SELECT id,name,content_type,kind,size_bytes,storage_key,url,uploaded_by,uploaded_at FROM attachments WHERE storage_key=?`, key))
	return a, err
}

func (r Repo) scanAttachment(row *sql.Row) (domain.Attachment, string, error) {
	var (
		a                   domain.Attachment
		kind, key, uploaded string
	)
	err := row.Scan(&a.ID, &a.Name, &a.ContentType, &kind, &a.SizeBytes, &key, &a.URL, &a.UploadedBy, &uploaded)
	if errors.Is(err, sql.ErrNoRows) {
		return a, "", ErrNotFound
	}
	if err != nil {
		return a, "", err
	}
	a.Kind = domain.AttachmentKind(kind)
	a.UploadedAt, err = parseTime(uploaded)
	return a, key, err
}
