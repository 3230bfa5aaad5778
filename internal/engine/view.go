package engine

import (
	"context"
	"time"

	"purchaseflow/internal/domain"
	"purchaseflow/internal/workflow"
)

// TaskView is a task with its definition and whether it may be completed now.
type TaskView struct {
	Key        domain.TaskKey         `json:"key"`
	Label      string                 `json:"label"`
	After      []domain.TaskKey       `json:"after,omitempty"`
	Capture    workflow.CaptureSpec   `json:"capture"`
	Completed  bool                   `json:"completed"`
	Enabled    bool                   `json:"enabled"`
	Completion *domain.TaskCompletion `json:"completion,omitempty"`
	Amount     int64                  `json:"amount,omitempty"`
	Currency   string                 `json:"currency,omitempty"`
	Attachment *domain.Attachment     `json:"attachment,omitempty"`
}

type StageView struct {
	Key                  domain.StageKey    `json:"key"`
	Label                string             `json:"label"`
	Status               domain.StageStatus `json:"status" enum:"not_started,in_progress,completed"`
	Fields               map[string]string  `json:"fields,omitempty"`
	MissingPreconditions []string           `json:"missing_preconditions,omitempty"`
	Tasks                []TaskView         `json:"tasks"`
	Costs                []domain.CostEntry `json:"costs"`
	TotalCost            int64              `json:"total_cost"`
	Currency             string             `json:"currency,omitempty"`
}

// WorkflowView is the read model served to clients.
type WorkflowView struct {
	ID          string      `json:"id"`
	PurchaseID  string      `json:"purchase_id"`
	Currency    string      `json:"currency"`
	Version     int64       `json:"version"`
	Finalized   bool        `json:"finalized"`
	FinalizedAt *time.Time  `json:"finalized_at,omitempty" format:"date-time"`
	FinalizedBy string      `json:"finalized_by,omitempty"`
	CreatedAt   time.Time   `json:"created_at" format:"date-time"`
	UpdatedAt   time.Time   `json:"updated_at" format:"date-time"`
	Stages      []StageView `json:"stages"`
}

// Describe builds the read model of wf. Tasks are listed in definition order
// and nothing is enabled once the workflow is finalized.
func Describe(catalog workflow.Catalog, p domain.Purchase, wf domain.Workflow) WorkflowView {
	view := WorkflowView{
		ID:          wf.ID,
		PurchaseID:  wf.PurchaseID,
		Currency:    p.Currency,
		Version:     wf.Version,
		Finalized:   wf.Finalized,
		FinalizedAt: wf.FinalizedAt,
		FinalizedBy: wf.FinalizedBy,
		CreatedAt:   wf.CreatedAt,
		UpdatedAt:   wf.UpdatedAt,
		Stages:      make([]StageView, 0, len(wf.Stages)),
	}
	for _, st := range wf.Stages {
		sv := StageView{
			Key:       st.Key,
			Label:     string(st.Key),
			Status:    st.Status,
			Fields:    st.Fields,
			Costs:     st.Costs,
			TotalCost: workflow.TotalCost(st),
			Currency:  workflow.StageCurrency(st),
			Tasks:     []TaskView{},
		}
		if sv.Costs == nil {
			sv.Costs = []domain.CostEntry{}
		}
		def, ok := catalog.Stage(st.Key)
		if ok {
			sv.Label = def.Label
			sv.Status = workflow.DeriveStatus(def, st)
			sv.MissingPreconditions = workflow.MissingPreconditions(def, st)
			for _, td := range def.Tasks {
				state := st.Tasks[td.Key]
				sv.Tasks = append(sv.Tasks, TaskView{
					Key:        td.Key,
					Label:      td.Label,
					After:      td.After,
					Capture:    td.Capture,
					Completed:  state.Completed,
					Enabled:    !wf.Finalized && workflow.IsTaskEnabled(def, st, td.Key),
					Completion: state.Completion,
					Amount:     state.Amount,
					Currency:   state.Currency,
					Attachment: state.Attachment,
				})
			}
		}
		view.Stages = append(view.Stages, sv)
	}
	return view
}

// Summary returns the read model for a purchase's workflow.
func (e Engine) Summary(ctx context.Context, purchaseID string) (WorkflowView, error) {
	p, err := e.GetPurchase(ctx, purchaseID)
	if err != nil {
		return WorkflowView{}, err
	}
	wf, err := e.GetWorkflow(ctx, purchaseID)
	if err != nil {
		return WorkflowView{}, err
	}
	return Describe(e.Catalog(), p, wf), nil
}
