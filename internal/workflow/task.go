package workflow

import (
	"strings"
	"time"

	"purchaseflow/internal/domain"
)

// TaskInput carries the actor and any values captured while completing a task.
type TaskInput struct {
	Actor      string
	Notes      string
	Amount     int64
	Currency   string
	Attachment *domain.Attachment
}

// UpdateTaskCompletion transitions a task's completion state. It does not
// check gating; callers go through SetTaskCompletion for that. Without a
// transition the task is returned as is, so an existing completion record is
// never re-stamped.
func UpdateTaskCompletion(task domain.TaskState, completed bool, actor, notes string, at time.Time) domain.TaskState {
	if task.Completed == completed {
		return task
	}
	next := task
	next.Completed = completed
	if completed {
		next.Completion = &domain.TaskCompletion{
			CompletedBy: actor,
			CompletedAt: at.UTC(),
			Notes:       notes,
		}
		return next
	}
	next.Completion = nil
	next.Amount = 0
	next.Currency = ""
	next.Attachment = nil
	return next
}

// SetTaskCompletion completes or uncompletes a task within a stage. Completing
// is rejected when the task is gated; uncompleting never touches dependents.
// Requesting the state the task is already in leaves the stage unchanged.
func SetTaskCompletion(def StageDefinition, stage domain.Stage, key domain.TaskKey, completed bool, in TaskInput, at time.Time) (domain.Stage, error) {
	taskDef, ok := def.Task(key)
	if !ok {
		return stage, ValidationError{Kind: UnknownTask, Field: "task", Message: "task " + string(key) + " is not part of stage " + string(def.Key)}
	}
	current := taskState(stage, key)
	if current.Completed == completed {
		return stage, nil
	}
	if !completed {
		next := cloneStage(stage)
		next.Tasks[key] = UpdateTaskCompletion(current, false, in.Actor, "", at)
		next.Status = DeriveStatus(def, next)
		return next, nil
	}
	if err := checkGate(def, stage, key); err != nil {
		return stage, err
	}
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	if err := validateCapture(taskDef, stage, in); err != nil {
		return stage, err
	}
	next := cloneStage(stage)
	state := UpdateTaskCompletion(current, true, in.Actor, strings.TrimSpace(in.Notes), at)
	state.Amount, state.Currency, state.Attachment = 0, "", nil
	if taskDef.Capture.Amount.accepts() && in.Amount != 0 {
		state.Amount = in.Amount
		state.Currency = in.Currency
	}
	if taskDef.Capture.Attachment.accepts() && in.Attachment != nil {
		att := *in.Attachment
		state.Attachment = &att
	}
	next.Tasks[key] = state
	next.Status = DeriveStatus(def, next)
	return next, nil
}

func validateCapture(def TaskDefinition, stage domain.Stage, in TaskInput) error {
	if def.Capture.Amount == RequireRequired && in.Amount <= 0 {
		return ValidationError{Kind: NonPositiveAmount, Field: "amount", Message: "task " + string(def.Key) + " requires a positive amount"}
	}
	if def.Capture.Amount.accepts() && in.Amount != 0 {
		if in.Amount < 0 {
			return ValidationError{Kind: NonPositiveAmount, Field: "amount", Message: "amount must be greater than zero"}
		}
		if in.Currency == "" {
			return ValidationError{Kind: CurrencyMismatch, Field: "currency", Message: "currency is required with an amount"}
		}
		if cur := StageCurrency(stage); cur != "" && cur != in.Currency {
			return ValidationError{Kind: CurrencyMismatch, Field: "currency", Message: "stage is recorded in " + cur}
		}
	}
	if def.Capture.Attachment == RequireRequired && in.Attachment == nil {
		return ValidationError{Kind: MissingAttachment, Field: "attachment", Message: "task " + string(def.Key) + " requires an attachment"}
	}
	return nil
}

func taskState(stage domain.Stage, key domain.TaskKey) domain.TaskState {
	if st, ok := stage.Tasks[key]; ok {
		return st
	}
	return domain.TaskState{Key: key}
}
