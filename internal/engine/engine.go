package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"purchaseflow/internal/attachments"
	"purchaseflow/internal/config"
	"purchaseflow/internal/domain"
	"purchaseflow/internal/events"
	"purchaseflow/internal/repo"
	"purchaseflow/internal/workflow"
)

// Engine runs workflow mutations against the store. Every mutation loads the
// workflow, applies a pure workflow function and saves the result together
// with its audit event in one transaction.
type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Events      events.Writer
	Attachments attachments.Store
	Config      *config.Config
	Logger      *slog.Logger
	Now         func() time.Time
	NewID       func() string
}

func New(db *sql.DB, cfg *config.Config, store attachments.Store, logger *slog.Logger) Engine {
	return Engine{
		DB:          db,
		Repo:        repo.Repo{DB: db},
		Attachments: store,
		Config:      cfg,
		Logger:      logger,
		Now:         time.Now,
		NewID:       uuid.NewString,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Catalog is the stage catalog new workflows are created with.
func (e Engine) Catalog() workflow.Catalog {
	if e.Config != nil && len(e.Config.Stages) > 0 {
		return e.Config.Stages
	}
	return workflow.DefaultCatalog()
}

func (e Engine) defaultCurrency() string {
	if e.Config != nil && e.Config.Purchases.DefaultCurrency != "" {
		return e.Config.Purchases.DefaultCurrency
	}
	return "JPY"
}

func (e Engine) appendEvents(ctx context.Context, tx *sql.Tx, entries []events.Entry) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	for _, entry := range entries {
		if err := w.Append(ctx, tx, entry); err != nil {
			return err
		}
	}
	return nil
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, repo.ErrNotFound)
}

// PurchaseCreateOptions are parameters for registering a purchase.
type PurchaseCreateOptions struct {
	ID        string
	Reference string
	Currency  string
	ActorID   string
}

// CreatePurchase registers a purchase and creates its workflow from the catalog.
func (e Engine) CreatePurchase(ctx context.Context, opts PurchaseCreateOptions) (domain.Purchase, domain.Workflow, error) {
	if strings.TrimSpace(opts.ActorID) == "" {
		return domain.Purchase{}, domain.Workflow{}, errors.New("actor is required")
	}
	currency := strings.ToUpper(strings.TrimSpace(opts.Currency))
	if currency == "" {
		currency = e.defaultCurrency()
	}
	if len(currency) != 3 {
		return domain.Purchase{}, domain.Workflow{}, workflow.ValidationError{Kind: workflow.CurrencyMismatch, Field: "currency", Message: "currency must be a 3-letter code"}
	}
	now := e.now()
	p := domain.Purchase{
		ID:        strings.TrimSpace(opts.ID),
		Reference: strings.TrimSpace(opts.Reference),
		Currency:  currency,
		CreatedAt: now,
	}
	if p.ID == "" {
		p.ID = e.newID()
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Purchase{}, domain.Workflow{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertPurchase(ctx, tx, p); err != nil {
		return domain.Purchase{}, domain.Workflow{}, fmt.Errorf("insert purchase: %w", err)
	}
	wf, err := e.Repo.InsertWorkflow(ctx, tx, workflow.New(e.newID(), p.ID, e.Catalog(), now))
	if err != nil {
		return domain.Purchase{}, domain.Workflow{}, fmt.Errorf("insert workflow: %w", err)
	}
	stages := make([]string, 0, len(wf.Stages))
	for _, st := range wf.Stages {
		stages = append(stages, string(st.Key))
	}
	if err := e.appendEvents(ctx, tx, []events.Entry{{
		Type: events.WorkflowCreated, PurchaseID: p.ID, EntityKind: "workflow", EntityID: wf.ID, ActorID: opts.ActorID,
		Payload: events.EventPayload{"currency": p.Currency, "reference": p.Reference, "stages": stages},
	}}); err != nil {
		return domain.Purchase{}, domain.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Purchase{}, domain.Workflow{}, err
	}
	e.log().Info("purchase created", "purchase_id", p.ID, "workflow_id", wf.ID, "actor", opts.ActorID)
	return p, wf, nil
}

func (e Engine) GetPurchase(ctx context.Context, purchaseID string) (domain.Purchase, error) {
	p, err := e.Repo.GetPurchase(ctx, nil, purchaseID)
	if errors.Is(err, repo.ErrNotFound) {
		return p, notFound("purchase", purchaseID)
	}
	return p, err
}

// GetWorkflow loads the workflow of a purchase with statuses derived against
// the current catalog.
func (e Engine) GetWorkflow(ctx context.Context, purchaseID string) (domain.Workflow, error) {
	wf, err := e.Repo.GetWorkflowByPurchase(ctx, nil, purchaseID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return wf, notFound("workflow for purchase", purchaseID)
		}
		return wf, err
	}
	return workflow.Refresh(wf, e.Catalog()), nil
}

type mutation func(tx *sql.Tx, p domain.Purchase, wf domain.Workflow) (domain.Workflow, []events.Entry, error)

const opFinalize = "workflow.finalize"

// mutate runs fn inside a transaction. A rejected mutation writes nothing.
// A finalized workflow is rejected before fn runs, so lookups inside fn
// never mask the finalized error.
func (e Engine) mutate(ctx context.Context, purchaseID, op string, fn mutation) (domain.Workflow, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workflow{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetPurchase(ctx, tx, purchaseID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Workflow{}, notFound("purchase", purchaseID)
		}
		return domain.Workflow{}, err
	}
	wf, err := e.Repo.GetWorkflowByPurchase(ctx, tx, purchaseID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Workflow{}, notFound("workflow for purchase", purchaseID)
		}
		return domain.Workflow{}, err
	}
	if wf.Finalized && op != opFinalize {
		e.log().Debug("mutation rejected", "op", op, "purchase_id", purchaseID, "error", "workflow finalized")
		return wf, workflow.WorkflowFinalizedError{WorkflowID: wf.ID}
	}
	next, entries, err := fn(tx, p, wf)
	if err != nil {
		e.log().Debug("mutation rejected", "op", op, "purchase_id", purchaseID, "error", err)
		return wf, err
	}
	saved, err := e.Repo.SaveWorkflow(ctx, tx, next)
	if err != nil {
		return wf, err
	}
	for i := range entries {
		entries[i].PurchaseID = purchaseID
	}
	if err := e.appendEvents(ctx, tx, entries); err != nil {
		return wf, err
	}
	if err := tx.Commit(); err != nil {
		return wf, err
	}
	e.log().Debug("mutation applied", "op", op, "purchase_id", purchaseID, "version", saved.Version)
	return saved, nil
}

func (e Engine) attachment(ctx context.Context, tx *sql.Tx, id string) (*domain.Attachment, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	att, err := e.Repo.GetAttachment(ctx, tx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, workflow.ValidationError{Kind: workflow.MissingAttachment, Field: "attachment_id", Message: "attachment " + id + " does not exist"}
		}
		return nil, err
	}
	return &att, nil
}

// TaskCompletionOptions are parameters for completing or uncompleting a task.
type TaskCompletionOptions struct {
	PurchaseID   string
	Stage        domain.StageKey
	Task         domain.TaskKey
	Completed    bool
	Notes        string
	Amount       int64
	Currency     string
	AttachmentID string
	ActorID      string
}

func (e Engine) SetTaskCompletion(ctx context.Context, opts TaskCompletionOptions) (domain.Workflow, error) {
	if strings.TrimSpace(opts.ActorID) == "" {
		return domain.Workflow{}, errors.New("actor is required")
	}
	return e.mutate(ctx, opts.PurchaseID, "task.set", func(tx *sql.Tx, p domain.Purchase, wf domain.Workflow) (domain.Workflow, []events.Entry, error) {
		in := workflow.TaskInput{Actor: opts.ActorID, Notes: opts.Notes, Amount: opts.Amount, Currency: opts.Currency}
		if in.Amount != 0 && strings.TrimSpace(in.Currency) == "" {
			in.Currency = p.Currency
		}
		if opts.Completed {
			att, err := e.attachment(ctx, tx, opts.AttachmentID)
			if err != nil {
				return wf, nil, err
			}
			in.Attachment = att
		}
		before, _ := workflow.Stage(wf, opts.Stage)
		next, err := workflow.CompleteTask(wf, e.Catalog(), opts.Stage, opts.Task, opts.Completed, in, e.now())
		if err != nil {
			return wf, nil, err
		}
		if before.Tasks[opts.Task].Completed == opts.Completed {
			return next, nil, nil
		}
		after, _ := workflow.Stage(next, opts.Stage)
		entityID := string(opts.Stage) + "/" + string(opts.Task)
		if !opts.Completed {
			return next, []events.Entry{{
				Type: events.TaskUncompleted, EntityKind: "task", EntityID: entityID, ActorID: opts.ActorID,
				Payload: events.EventPayload{"stage_status": after.Status},
			}}, nil
		}
		state := after.Tasks[opts.Task]
		payload := events.EventPayload{"stage_status": after.Status}
		if state.Amount != 0 {
			payload["amount"] = state.Amount
			payload["currency"] = state.Currency
		}
		if state.Attachment != nil {
			payload["attachment_id"] = state.Attachment.ID
		}
		if state.Completion != nil && state.Completion.Notes != "" {
			payload["notes"] = state.Completion.Notes
		}
		return next, []events.Entry{{Type: events.TaskCompleted, EntityKind: "task", EntityID: entityID, ActorID: opts.ActorID, Payload: payload}}, nil
	})
}

// SelectYard snapshots an active yard into the stage. An empty yardID clears
// the selection without touching completed tasks.
func (e Engine) SelectYard(ctx context.Context, purchaseID string, stage domain.StageKey, yardID, actorID string) (domain.Workflow, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.Workflow{}, errors.New("actor is required")
	}
	yardID = strings.TrimSpace(yardID)
	return e.mutate(ctx, purchaseID, "stage.yard", func(tx *sql.Tx, _ domain.Purchase, wf domain.Workflow) (domain.Workflow, []events.Entry, error) {
		var name string
		if yardID != "" {
			y, err := e.Repo.GetYard(ctx, tx, yardID)
			if err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return wf, nil, notFound("yard", yardID)
				}
				return wf, nil, err
			}
			if y.Status != domain.YardActive {
				return wf, nil, workflow.ValidationError{Kind: workflow.InactiveYard, Field: "yard_id", Message: "yard " + y.Name + " is not active"}
			}
			name = y.Name
		}
		next, err := workflow.SelectYard(wf, e.Catalog(), stage, yardID, name, e.now())
		if err != nil {
			return wf, nil, err
		}
		return next, []events.Entry{{
			Type: events.StageFieldUpdated, EntityKind: "stage", EntityID: string(stage), ActorID: actorID,
			Payload: events.EventPayload{workflow.FieldYardID: yardID, workflow.FieldYardName: name},
		}}, nil
	})
}

// SetStageField sets or clears (empty value) a field read by one of the
// stage's preconditions. Yard fields are rejected; use SelectYard.
func (e Engine) SetStageField(ctx context.Context, purchaseID string, stage domain.StageKey, field, value, actorID string) (domain.Workflow, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.Workflow{}, errors.New("actor is required")
	}
	field, value = strings.TrimSpace(field), strings.TrimSpace(value)
	return e.mutate(ctx, purchaseID, "stage.field", func(_ *sql.Tx, _ domain.Purchase, wf domain.Workflow) (domain.Workflow, []events.Entry, error) {
		next, err := workflow.SetStageField(wf, e.Catalog(), stage, field, value, e.now())
		if err != nil {
			return wf, nil, err
		}
		return next, []events.Entry{{
			Type: events.StageFieldUpdated, EntityKind: "stage", EntityID: string(stage), ActorID: actorID,
			Payload: events.EventPayload{field: value},
		}}, nil
	})
}

// CostOptions are parameters for adding a ledger entry.
type CostOptions struct {
	PurchaseID   string
	Stage        domain.StageKey
	TaskKey      domain.TaskKey
	Description  string
	Amount       int64
	Currency     string
	AttachmentID string
	ActorID      string
}

func (e Engine) AddCost(ctx context.Context, opts CostOptions) (domain.Workflow, domain.CostEntry, error) {
	if strings.TrimSpace(opts.ActorID) == "" {
		return domain.Workflow{}, domain.CostEntry{}, errors.New("actor is required")
	}
	costID := e.newID()
	wf, err := e.mutate(ctx, opts.PurchaseID, "cost.add", func(tx *sql.Tx, p domain.Purchase, wf domain.Workflow) (domain.Workflow, []events.Entry, error) {
		att, err := e.attachment(ctx, tx, opts.AttachmentID)
		if err != nil {
			return wf, nil, err
		}
		next, err := workflow.AddStageCost(wf, e.Catalog(), opts.Stage, workflow.CostInput{
			ID:          costID,
			TaskKey:     opts.TaskKey,
			Description: opts.Description,
			Amount:      opts.Amount,
			Currency:    opts.Currency,
			Attachment:  att,
			Actor:       opts.ActorID,
		}, p.Currency, e.now())
		if err != nil {
			return wf, nil, err
		}
		entry, _ := findCost(next, opts.Stage, costID)
		payload := events.EventPayload{"description": entry.Description, "amount": entry.Amount, "currency": entry.Currency}
		if entry.TaskKey != "" {
			payload["task_key"] = entry.TaskKey
		}
		return next, []events.Entry{{Type: events.CostAdded, EntityKind: "cost", EntityID: costID, ActorID: opts.ActorID, Payload: payload}}, nil
	})
	if err != nil {
		return wf, domain.CostEntry{}, err
	}
	entry, _ := findCost(wf, opts.Stage, costID)
	return wf, entry, nil
}

func (e Engine) RemoveCost(ctx context.Context, purchaseID string, stage domain.StageKey, costID, actorID string) (domain.Workflow, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.Workflow{}, errors.New("actor is required")
	}
	return e.mutate(ctx, purchaseID, "cost.remove", func(_ *sql.Tx, _ domain.Purchase, wf domain.Workflow) (domain.Workflow, []events.Entry, error) {
		entry, found := findCost(wf, stage, costID)
		next, err := workflow.RemoveStageCost(wf, e.Catalog(), stage, costID, e.now())
		if err != nil || !found {
			return next, nil, err
		}
		return next, []events.Entry{{
			Type: events.CostRemoved, EntityKind: "cost", EntityID: costID, ActorID: actorID,
			Payload: events.EventPayload{"amount": entry.Amount, "currency": entry.Currency},
		}}, nil
	})
}

func findCost(wf domain.Workflow, stage domain.StageKey, costID string) (domain.CostEntry, bool) {
	st, ok := workflow.Stage(wf, stage)
	if !ok {
		return domain.CostEntry{}, false
	}
	for _, c := range st.Costs {
		if c.ID == costID {
			return c, true
		}
	}
	return domain.CostEntry{}, false
}

// Finalize locks the workflow of a purchase.
func (e Engine) Finalize(ctx context.Context, purchaseID, actorID string) (domain.Workflow, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.Workflow{}, errors.New("actor is required")
	}
	wf, err := e.mutate(ctx, purchaseID, opFinalize, func(_ *sql.Tx, _ domain.Purchase, wf domain.Workflow) (domain.Workflow, []events.Entry, error) {
		next, err := workflow.Finalize(wf, actorID, e.now())
		if err != nil {
			return wf, nil, err
		}
		statuses := map[string]string{}
		for _, st := range workflow.Refresh(next, e.Catalog()).Stages {
			statuses[string(st.Key)] = string(st.Status)
		}
		return next, []events.Entry{{
			Type: events.WorkflowFinalized, EntityKind: "workflow", EntityID: wf.ID, ActorID: actorID,
			Payload: events.EventPayload{"stages": statuses},
		}}, nil
	})
	if err == nil {
		e.log().Info("workflow finalized", "purchase_id", purchaseID, "workflow_id", wf.ID, "actor", actorID)
	}
	return wf, err
}
