package workflow

import (
	"strings"
	"time"

	"purchaseflow/internal/domain"
)

// New creates an editable workflow with one empty stage per catalog entry.
func New(id, purchaseID string, catalog Catalog, at time.Time) domain.Workflow {
	wf := domain.Workflow{
		ID:         id,
		PurchaseID: purchaseID,
		Stages:     make([]domain.Stage, 0, len(catalog)),
		CreatedAt:  at.UTC(),
		UpdatedAt:  at.UTC(),
	}
	for _, def := range catalog {
		wf.Stages = append(wf.Stages, NewStage(def))
	}
	return wf
}

// Stage returns the named stage of the workflow.
func Stage(wf domain.Workflow, key domain.StageKey) (domain.Stage, bool) {
	for _, st := range wf.Stages {
		if st.Key == key {
			return st, true
		}
	}
	return domain.Stage{}, false
}

// MutateStage is the single entry point for changing a stage. It rejects
// finalized workflows before fn runs, replaces the stage with fn's result,
// re-derives its status from the catalog and bumps UpdatedAt. On error the
// input workflow is returned unchanged.
func MutateStage(wf domain.Workflow, catalog Catalog, key domain.StageKey, at time.Time, fn func(StageDefinition, domain.Stage) (domain.Stage, error)) (domain.Workflow, error) {
	if wf.Finalized {
		return wf, WorkflowFinalizedError{WorkflowID: wf.ID}
	}
	idx := -1
	for i, st := range wf.Stages {
		if st.Key == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return wf, UnknownStageError{Stage: key}
	}
	def, err := definition(catalog, key)
	if err != nil {
		return wf, err
	}
	updated, err := fn(def, wf.Stages[idx])
	if err != nil {
		return wf, err
	}
	updated.Key = key
	updated.Status = DeriveStatus(def, updated)
	next := wf
	next.Stages = append([]domain.Stage{}, wf.Stages...)
	next.Stages[idx] = updated
	next.UpdatedAt = at.UTC()
	return next, nil
}

// UpdateWorkflowStage replaces the named stage with newStage. Any Status on
// newStage is ignored.
func UpdateWorkflowStage(wf domain.Workflow, catalog Catalog, key domain.StageKey, newStage domain.Stage, at time.Time) (domain.Workflow, error) {
	return MutateStage(wf, catalog, key, at, func(StageDefinition, domain.Stage) (domain.Stage, error) {
		return newStage, nil
	})
}

// Finalize locks the workflow against further mutation.
func Finalize(wf domain.Workflow, actor string, at time.Time) (domain.Workflow, error) {
	if wf.Finalized {
		var when time.Time
		if wf.FinalizedAt != nil {
			when = *wf.FinalizedAt
		}
		return wf, AlreadyFinalizedError{WorkflowID: wf.ID, FinalizedAt: when}
	}
	stamp := at.UTC()
	next := wf
	next.Finalized = true
	next.FinalizedAt = &stamp
	next.FinalizedBy = actor
	next.UpdatedAt = stamp
	return next, nil
}

// CompleteTask toggles a task inside a stage of the workflow.
func CompleteTask(wf domain.Workflow, catalog Catalog, stageKey domain.StageKey, taskKey domain.TaskKey, completed bool, in TaskInput, at time.Time) (domain.Workflow, error) {
	return MutateStage(wf, catalog, stageKey, at, func(def StageDefinition, st domain.Stage) (domain.Stage, error) {
		return SetTaskCompletion(def, st, taskKey, completed, in, at)
	})
}

// SelectYard sets or clears (empty yardID) the yard snapshot of a stage.
func SelectYard(wf domain.Workflow, catalog Catalog, stageKey domain.StageKey, yardID, yardName string, at time.Time) (domain.Workflow, error) {
	return MutateStage(wf, catalog, stageKey, at, func(def StageDefinition, st domain.Stage) (domain.Stage, error) {
		return SetYard(def, st, yardID, yardName), nil
	})
}

// SetStageField sets or clears one of the fields the stage's preconditions
// read. Yard fields go through SelectYard so the snapshot stays consistent.
func SetStageField(wf domain.Workflow, catalog Catalog, stageKey domain.StageKey, field, value string, at time.Time) (domain.Workflow, error) {
	return MutateStage(wf, catalog, stageKey, at, func(def StageDefinition, st domain.Stage) (domain.Stage, error) {
		field = strings.TrimSpace(field)
		if field == FieldYardID || field == FieldYardName {
			return st, ValidationError{Kind: UnknownField, Field: "field", Message: "yard fields are set by selecting a yard"}
		}
		if !def.HasField(field) {
			return st, ValidationError{Kind: UnknownField, Field: "field", Message: "stage " + string(def.Key) + " has no field " + field}
		}
		return SetField(def, st, field, value), nil
	})
}

func AddStageCost(wf domain.Workflow, catalog Catalog, stageKey domain.StageKey, in CostInput, defaultCurrency string, at time.Time) (domain.Workflow, error) {
	return MutateStage(wf, catalog, stageKey, at, func(def StageDefinition, st domain.Stage) (domain.Stage, error) {
		return AddCost(def, st, in, defaultCurrency, at)
	})
}

func RemoveStageCost(wf domain.Workflow, catalog Catalog, stageKey domain.StageKey, costID string, at time.Time) (domain.Workflow, error) {
	return MutateStage(wf, catalog, stageKey, at, func(_ StageDefinition, st domain.Stage) (domain.Stage, error) {
		return RemoveCost(st, costID), nil
	})
}

// Refresh re-derives every stage status, e.g. after loading a stored document
// under a changed catalog.
func Refresh(wf domain.Workflow, catalog Catalog) domain.Workflow {
	next := wf
	next.Stages = make([]domain.Stage, len(wf.Stages))
	for i, st := range wf.Stages {
		if def, ok := catalog.Stage(st.Key); ok {
			st.Status = DeriveStatus(def, st)
		}
		next.Stages[i] = st
	}
	return next
}

func definition(catalog Catalog, key domain.StageKey) (StageDefinition, error) {
	def, ok := catalog.Stage(key)
	if !ok {
		return StageDefinition{}, UnknownStageError{Stage: key}
	}
	return def, nil
}
