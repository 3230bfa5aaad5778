package repo_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"purchaseflow/internal/db"
	"purchaseflow/internal/domain"
	"purchaseflow/internal/events"
	"purchaseflow/internal/migrate"
	"purchaseflow/internal/repo"
	"purchaseflow/internal/workflow"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

var created = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func seedWorkflow(t *testing.T, r repo.Repo) domain.Workflow {
	t.Helper()
	ctx := context.Background()
	if err := r.InsertPurchase(ctx, nil, domain.Purchase{ID: "pur-1", Reference: "JP-0001", Currency: "JPY", CreatedAt: created}); err != nil {
		t.Fatalf("insert purchase: %v", err)
	}
	wf, err := r.InsertWorkflow(ctx, nil, workflow.New("wf-1", "pur-1", workflow.DefaultCatalog(), created))
	if err != nil {
		t.Fatalf("insert workflow: %v", err)
	}
	return wf
}

func TestPurchaseRoundTrip(t *testing.T) {
	r := newRepo(t)
	seedWorkflow(t, r)
	p, err := r.GetPurchase(context.Background(), nil, "pur-1")
	if err != nil {
		t.Fatalf("get purchase: %v", err)
	}
	if p.Reference != "JP-0001" || p.Currency != "JPY" || !p.CreatedAt.Equal(created) {
		t.Fatalf("unexpected purchase %+v", p)
	}
	if _, err := r.GetPurchase(context.Background(), nil, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSaveWorkflowOptimisticLock(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	wf := seedWorkflow(t, r)
	if wf.Version != 1 {
		t.Fatalf("expected version 1, got %d", wf.Version)
	}

	a, err := r.GetWorkflowByPurchase(ctx, nil, "pur-1")
	if err != nil {
		t.Fatalf("load a: %v", err)
	}
	b, err := r.GetWorkflowByPurchase(ctx, nil, "pur-1")
	if err != nil {
		t.Fatalf("load b: %v", err)
	}

	a, err = workflow.SelectYard(a, workflow.DefaultCatalog(), workflow.StageTransport, "yard-1", "Tokyo Central", created.Add(time.Minute))
	if err != nil {
		t.Fatalf("select yard: %v", err)
	}
	saved, err := r.SaveWorkflow(ctx, nil, a)
	if err != nil {
		t.Fatalf("save a: %v", err)
	}
	if saved.Version != 2 {
		t.Fatalf("expected version 2, got %d", saved.Version)
	}

	b, _ = workflow.SelectYard(b, workflow.DefaultCatalog(), workflow.StageTransport, "yard-2", "Osaka Port", created.Add(time.Minute))
	if _, err := r.SaveWorkflow(ctx, nil, b); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict for stale writer, got %v", err)
	}

	loaded, err := r.GetWorkflowByPurchase(ctx, nil, "pur-1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	st, _ := workflow.Stage(loaded, workflow.StageTransport)
	if st.Fields[workflow.FieldYardName] != "Tokyo Central" || loaded.Version != 2 {
		t.Fatalf("first writer should win, got %+v v%d", st.Fields, loaded.Version)
	}

	ghost := loaded
	ghost.ID = "wf-missing"
	if _, err := r.SaveWorkflow(ctx, nil, ghost); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestWorkflowCounts(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	wf := seedWorkflow(t, r)
	final, err := workflow.Finalize(wf, "manager", created.Add(time.Hour))
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if _, err := r.SaveWorkflow(ctx, nil, final); err != nil {
		t.Fatalf("save: %v", err)
	}
	open, finalized, err := r.WorkflowCounts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if open != 0 || finalized != 1 {
		t.Fatalf("expected 0/1, got %d/%d", open, finalized)
	}
}

func TestYards(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	for _, y := range []domain.Yard{
		{ID: "y2", Name: "Osaka Port", Status: domain.YardInactive, CreatedAt: created},
		{ID: "y1", Name: "Tokyo Central", CreatedAt: created},
	} {
		if err := r.InsertYard(ctx, nil, y); err != nil {
			t.Fatalf("insert yard: %v", err)
		}
	}
	all, err := r.ListYards(ctx, "")
	if err != nil || len(all) != 2 || all[0].Name != "Osaka Port" {
		t.Fatalf("unexpected yards %+v %v", all, err)
	}
	active, err := r.ListYards(ctx, domain.YardActive)
	if err != nil || len(active) != 1 || active[0].ID != "y1" {
		t.Fatalf("unexpected active yards %+v %v", active, err)
	}
	if err := r.SetYardStatus(ctx, nil, "y2", domain.YardActive); err != nil {
		t.Fatalf("set status: %v", err)
	}
	y, err := r.GetYard(ctx, nil, "y2")
	if err != nil || y.Status != domain.YardActive {
		t.Fatalf("unexpected yard %+v %v", y, err)
	}
	if err := r.SetYardStatus(ctx, nil, "nope", domain.YardActive); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAttachmentMetadata(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	att := domain.Attachment{
		ID: "att-1", Name: "invoice.pdf", URL: "/attachments/att-1.pdf", Kind: domain.AttachmentDocument,
		ContentType: "application/pdf", SizeBytes: 1234, UploadedBy: "u1", UploadedAt: created,
	}
	if err := r.InsertAttachment(ctx, nil, att, "att-1.pdf"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := r.GetAttachmentByStorageKey(ctx, "att-1.pdf")
	if err != nil {
		t.Fatalf("get by key: %v", err)
	}
	if !got.UploadedAt.Equal(att.UploadedAt) {
		t.Fatalf("uploaded_at mismatch %s vs %s", got.UploadedAt, att.UploadedAt)
	}
	got.UploadedAt = att.UploadedAt
	if got != att {
		t.Fatalf("mismatch %+v vs %+v", got, att)
	}
	if _, err := r.GetAttachment(ctx, nil, "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEventQueries(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	w := events.Writer{Now: func() time.Time { return created }}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	entries := []events.Entry{
		{Type: events.WorkflowCreated, PurchaseID: "p1", EntityKind: "workflow", EntityID: "wf-1", ActorID: "u1"},
		{Type: events.TaskCompleted, PurchaseID: "p1", EntityKind: "task", EntityID: "transport/transportArranged", ActorID: "u1", Payload: events.EventPayload{"amount": 50000}},
		{Type: events.WorkflowCreated, PurchaseID: "p2", EntityKind: "workflow", EntityID: "wf-2", ActorID: "u2"},
	}
	for _, e := range entries {
		if err := w.Append(ctx, tx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	latest, err := r.LatestEvents(ctx, 10, repo.EventFilter{PurchaseID: "p1"})
	if err != nil || len(latest) != 2 || latest[0].Type != events.TaskCompleted {
		t.Fatalf("unexpected latest events %+v %v", latest, err)
	}
	if latest[0].Payload != `{"amount":50000}` {
		t.Fatalf("unexpected payload %s", latest[0].Payload)
	}
	older, err := r.LatestEventsFrom(ctx, 10, latest[0].ID, repo.EventFilter{PurchaseID: "p1"})
	if err != nil || len(older) != 1 || older[0].Type != events.WorkflowCreated {
		t.Fatalf("unexpected page %+v %v", older, err)
	}
	after, err := r.EventsAfter(ctx, 10, latest[1].ID, repo.EventFilter{Type: events.WorkflowCreated})
	if err != nil || len(after) != 1 || after[0].PurchaseID != "p2" {
		t.Fatalf("unexpected events after %+v %v", after, err)
	}
}

func TestAPIKeys(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	key := domain.APIKey{ID: "k1", ActorID: "u1", Name: "ci", KeyHash: repo.HashAPIKey(" secret ")}
	if err := r.InsertAPIKey(ctx, nil, key); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("secret"))
	if err != nil || got.ActorID != "u1" || got.Name != "ci" {
		t.Fatalf("unexpected key %+v %v", got, err)
	}
	used := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := r.TouchAPIKey(ctx, "k1", used); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := r.RevokeAPIKey(ctx, "k1", used.Add(time.Hour)); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("secret")); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("revoked key should not resolve, got %v", err)
	}
	if err := r.RevokeAPIKey(ctx, "k1", used); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found on second revoke, got %v", err)
	}
	keys, err := r.ListAPIKeys(ctx, "u1")
	if err != nil || len(keys) != 1 {
		t.Fatalf("list: %+v %v", keys, err)
	}
	if keys[0].LastUsedAt == "" || keys[0].RevokedAt == "" {
		t.Fatalf("expected usage and revocation stamps, got %+v", keys[0])
	}

	generated, err := repo.GenerateAPIKey()
	if err != nil || !strings.HasPrefix(generated, repo.APIKeyPrefix) || len(generated) != len(repo.APIKeyPrefix)+48 {
		t.Fatalf("unexpected generated key %q %v", generated, err)
	}
}
