package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"purchaseflow/internal/attachments"
	"purchaseflow/internal/domain"
	"purchaseflow/internal/events"
	"purchaseflow/internal/repo"
	"purchaseflow/internal/workflow"
)

func (e Engine) ListYards(ctx context.Context, status domain.YardStatus) ([]domain.Yard, error) {
	return e.Repo.ListYards(ctx, status)
}

// AddYard registers a yard in the directory. New yards are active.
func (e Engine) AddYard(ctx context.Context, id, name, actorID string) (domain.Yard, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Yard{}, workflow.ValidationError{Kind: workflow.EmptyDescription, Field: "name", Message: "yard name is required"}
	}
	y := domain.Yard{ID: strings.TrimSpace(id), Name: name, Status: domain.YardActive, CreatedAt: e.now()}
	if y.ID == "" {
		y.ID = e.newID()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Yard{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertYard(ctx, tx, y); err != nil {
		return domain.Yard{}, fmt.Errorf("insert yard: %w", err)
	}
	if err := e.appendEvents(ctx, tx, []events.Entry{{
		Type: events.YardAdded, EntityKind: "yard", EntityID: y.ID, ActorID: actorID,
		Payload: events.EventPayload{"name": y.Name},
	}}); err != nil {
		return domain.Yard{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Yard{}, err
	}
	return y, nil
}

func (e Engine) SetYardStatus(ctx context.Context, id string, status domain.YardStatus) error {
	switch status {
	case domain.YardActive, domain.YardInactive:
	default:
		return fmt.Errorf("invalid yard status %q", status)
	}
	if err := e.Repo.SetYardStatus(ctx, nil, id, status); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return notFound("yard", id)
		}
		return err
	}
	return nil
}

// StoreAttachment validates and persists an uploaded file and records its
// metadata. The returned attachment can be referenced by id from task
// completions and cost entries.
func (e Engine) StoreAttachment(ctx context.Context, f attachments.File, actorID string) (domain.Attachment, error) {
	if e.Attachments == nil {
		return domain.Attachment{}, errors.New("attachment store not configured")
	}
	if strings.TrimSpace(actorID) == "" {
		return domain.Attachment{}, errors.New("actor is required")
	}
	stored, err := e.Attachments.Put(ctx, f)
	if err != nil {
		return domain.Attachment{}, err
	}
	att := domain.Attachment{
		ID:          e.newID(),
		Name:        attachmentName(f.Name, stored.Key),
		URL:         "/attachments/" + stored.Key,
		Kind:        stored.Kind,
		ContentType: stored.ContentType,
		SizeBytes:   stored.SizeBytes,
		UploadedBy:  actorID,
		UploadedAt:  e.now(),
	}
	if err := e.recordAttachment(ctx, att, stored.Key); err != nil {
		if derr := e.Attachments.Delete(ctx, stored.Key); derr != nil {
			e.log().Warn("orphaned attachment", "key", stored.Key, "error", derr)
		}
		return domain.Attachment{}, err
	}
	e.log().Info("attachment stored", "attachment_id", att.ID, "kind", att.Kind, "size_bytes", att.SizeBytes)
	return att, nil
}

func (e Engine) recordAttachment(ctx context.Context, att domain.Attachment, key string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAttachment(ctx, tx, att, key); err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	if err := e.appendEvents(ctx, tx, []events.Entry{{
		Type: events.AttachmentStored, EntityKind: "attachment", EntityID: att.ID, ActorID: att.UploadedBy,
		Payload: events.EventPayload{"name": att.Name, "content_type": att.ContentType, "size_bytes": att.SizeBytes},
	}}); err != nil {
		return err
	}
	return tx.Commit()
}

func attachmentName(name, key string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return key
	}
	return name
}
