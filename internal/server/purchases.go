package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"purchaseflow/internal/domain"
	"purchaseflow/internal/engine"
	"purchaseflow/internal/repo"
	"purchaseflow/internal/workflow"
)

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

type workflowOutput struct {
	Body engine.WorkflowView `json:"body"`
}

// summary re-reads the workflow after a mutation so responses always carry
// derived statuses and enabled flags.
func summary(ctx context.Context, e engine.Engine, purchaseID string) (*workflowOutput, error) {
	view, err := e.Summary(ctx, purchaseID)
	if err != nil {
		return nil, handleError(err)
	}
	return &workflowOutput{Body: view}, nil
}

func registerPurchases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-purchase",
		Method:        http.MethodPost,
		Path:          "/purchases",
		Summary:       "Register a purchase and create its workflow",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreatePurchaseRequest `json:"body"`
	}) (*struct {
		Body PurchaseResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, wf, err := e.CreatePurchase(ctx, engine.PurchaseCreateOptions{
			ID:        input.Body.ID,
			Reference: input.Body.Reference,
			Currency:  input.Body.Currency,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PurchaseResponse `json:"body"`
		}{Body: purchaseResponse(p, wf.ID)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-purchases",
		Method:      http.MethodGet,
		Path:        "/purchases",
		Summary:     "List purchases, newest first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []PurchaseResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListPurchases(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]PurchaseResponse, 0, len(items))
		for _, p := range items {
			out = append(out, purchaseResponse(p, ""))
		}
		return &struct {
			Body []PurchaseResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-purchase",
		Method:      http.MethodGet,
		Path:        "/purchases/{purchase_id}",
		Summary:     "Get purchase",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PurchaseID string `path:"purchase_id"`
	}) (*struct {
		Body PurchaseResponse `json:"body"`
	}, error) {
		p, err := e.GetPurchase(ctx, input.PurchaseID)
		if err != nil {
			return nil, handleError(err)
		}
		wf, err := e.GetWorkflow(ctx, input.PurchaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PurchaseResponse `json:"body"`
		}{Body: purchaseResponse(p, wf.ID)}, nil
	})
}

func registerWorkflow(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/purchases/{purchase_id}/workflow",
		Summary:     "Get workflow with derived statuses",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PurchaseID string `path:"purchase_id"`
	}) (*workflowOutput, error) {
		return summary(ctx, e, input.PurchaseID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPut,
		Path:        "/purchases/{purchase_id}/workflow/stages/{stage}/tasks/{task}",
		Summary:     "Complete or uncomplete a task",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		PurchaseID string            `path:"purchase_id"`
		Stage      string            `path:"stage"`
		Task       string            `path:"task"`
		Body       UpdateTaskRequest `json:"body"`
	}) (*workflowOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		_, err := e.SetTaskCompletion(ctx, engine.TaskCompletionOptions{
			PurchaseID:   input.PurchaseID,
			Stage:        domain.StageKey(input.Stage),
			Task:         domain.TaskKey(input.Task),
			Completed:    input.Body.Completed,
			Notes:        input.Body.Notes,
			Amount:       input.Body.Amount,
			Currency:     input.Body.Currency,
			AttachmentID: input.Body.AttachmentID,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return summary(ctx, e, input.PurchaseID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "select-yard",
		Method:      http.MethodPut,
		Path:        "/purchases/{purchase_id}/workflow/stages/{stage}/yard",
		Summary:     "Select or clear the destination yard of a stage",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		PurchaseID string            `path:"purchase_id"`
		Stage      string            `path:"stage"`
		Body       SelectYardRequest `json:"body"`
	}) (*workflowOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.SelectYard(ctx, input.PurchaseID, domain.StageKey(input.Stage), input.Body.YardID, actorID); err != nil {
			return nil, handleError(err)
		}
		return summary(ctx, e, input.PurchaseID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-stage-field",
		Method:      http.MethodPut,
		Path:        "/purchases/{purchase_id}/workflow/stages/{stage}/fields/{field}",
		Summary:     "Set or clear a stage field read by a precondition",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		PurchaseID string               `path:"purchase_id"`
		Stage      string               `path:"stage"`
		Field      string               `path:"field"`
		Body       SetStageFieldRequest `json:"body"`
	}) (*workflowOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.SetStageField(ctx, input.PurchaseID, domain.StageKey(input.Stage), input.Field, input.Body.Value, actorID); err != nil {
			return nil, handleError(err)
		}
		return summary(ctx, e, input.PurchaseID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "finalize-workflow",
		Method:      http.MethodPost,
		Path:        "/purchases/{purchase_id}/workflow/finalize",
		Summary:     "Finalize the workflow; further changes are rejected",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		PurchaseID string `path:"purchase_id"`
	}) (*workflowOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.Finalize(ctx, input.PurchaseID, actorID); err != nil {
			return nil, handleError(err)
		}
		return summary(ctx, e, input.PurchaseID)
	})
}

func registerCosts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-cost",
		Method:        http.MethodPost,
		Path:          "/purchases/{purchase_id}/workflow/stages/{stage}/costs",
		Summary:       "Add a ledger entry to a stage",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		PurchaseID string            `path:"purchase_id"`
		Stage      string            `path:"stage"`
		Body       CreateCostRequest `json:"body"`
	}) (*struct {
		Body CostResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		wf, entry, err := e.AddCost(ctx, engine.CostOptions{
			PurchaseID:   input.PurchaseID,
			Stage:        domain.StageKey(input.Stage),
			TaskKey:      domain.TaskKey(input.Body.TaskKey),
			Description:  input.Body.Description,
			Amount:       input.Body.Amount,
			Currency:     input.Body.Currency,
			AttachmentID: input.Body.AttachmentID,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		st, _ := workflow.Stage(wf, domain.StageKey(input.Stage))
		return &struct {
			Body CostResponse `json:"body"`
		}{Body: CostResponse{Stage: input.Stage, Cost: entry, Total: workflow.TotalCost(st)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-costs",
		Method:      http.MethodGet,
		Path:        "/purchases/{purchase_id}/workflow/stages/{stage}/costs",
		Summary:     "List a stage's ledger",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PurchaseID string `path:"purchase_id"`
		Stage      string `path:"stage"`
	}) (*struct {
		Body CostListResponse `json:"body"`
	}, error) {
		wf, err := e.GetWorkflow(ctx, input.PurchaseID)
		if err != nil {
			return nil, handleError(err)
		}
		st, ok := workflow.Stage(wf, domain.StageKey(input.Stage))
		if !ok {
			return nil, handleError(workflow.UnknownStageError{Stage: domain.StageKey(input.Stage)})
		}
		items := st.Costs
		if items == nil {
			items = []domain.CostEntry{}
		}
		return &struct {
			Body CostListResponse `json:"body"`
		}{Body: CostListResponse{
			Stage:    input.Stage,
			Currency: workflow.StageCurrency(st),
			Items:    items,
			Total:    workflow.TotalCost(st),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-cost",
		Method:      http.MethodDelete,
		Path:        "/purchases/{purchase_id}/workflow/stages/{stage}/costs/{cost_id}",
		Summary:     "Remove a ledger entry",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		PurchaseID string `path:"purchase_id"`
		Stage      string `path:"stage"`
		CostID     string `path:"cost_id"`
	}) (*workflowOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.RemoveCost(ctx, input.PurchaseID, domain.StageKey(input.Stage), input.CostID, actorID); err != nil {
			return nil, handleError(err)
		}
		return summary(ctx, e, input.PurchaseID)
	})
}

func registerYards(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-yards",
		Method:      http.MethodGet,
		Path:        "/yards",
		Summary:     "List yards",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"active,inactive"`
	}) (*struct {
		Body []domain.Yard `json:"body"`
	}, error) {
		items, err := e.ListYards(ctx, domain.YardStatus(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Yard{}
		}
		return &struct {
			Body []domain.Yard `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-yard",
		Method:        http.MethodPost,
		Path:          "/yards",
		Summary:       "Add a yard to the directory",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateYardRequest `json:"body"`
	}) (*struct {
		Body domain.Yard `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		y, err := e.AddYard(ctx, input.Body.ID, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Yard `json:"body"`
		}{Body: y}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-yard-status",
		Method:      http.MethodPut,
		Path:        "/yards/{yard_id}/status",
		Summary:     "Activate or deactivate a yard",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		YardID string               `path:"yard_id"`
		Body   SetYardStatusRequest `json:"body"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.SetYardStatus(ctx, input.YardID, domain.YardStatus(input.Body.Status)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	list := func(ctx context.Context, f repo.EventFilter, limit int, cursor string) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit = normalizeLimit(limit)
		var cursorID int64
		if cursor != "" {
			parsed, err := strconv.ParseInt(cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		PurchaseID string `query:"purchase_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"workflow,task,stage,cost,attachment,yard"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		return list(ctx, repo.EventFilter{
			PurchaseID: strings.TrimSpace(input.PurchaseID),
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		}, input.Limit, input.Cursor)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-purchase-events",
		Method:      http.MethodGet,
		Path:        "/purchases/{purchase_id}/events",
		Summary:     "List the audit trail of a purchase",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PurchaseID string `path:"purchase_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := e.GetPurchase(ctx, input.PurchaseID); err != nil {
			return nil, handleError(err)
		}
		return list(ctx, repo.EventFilter{PurchaseID: input.PurchaseID}, input.Limit, input.Cursor)
	})
}
