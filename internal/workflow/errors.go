package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"purchaseflow/internal/domain"
)

// ValidationKind names the reason a value was rejected at the boundary.
type ValidationKind string

const (
	EmptyDescription      ValidationKind = "empty_description"
	NonPositiveAmount     ValidationKind = "non_positive_amount"
	InvalidAttachmentType ValidationKind = "invalid_attachment_type"
	AttachmentTooLarge    ValidationKind = "attachment_too_large"
	CurrencyMismatch      ValidationKind = "currency_mismatch"
	UnknownTask           ValidationKind = "unknown_task"
	MissingAttachment     ValidationKind = "missing_attachment"
	InactiveYard          ValidationKind = "inactive_yard"
	UnknownField          ValidationKind = "unknown_field"
	MissingID             ValidationKind = "missing_id"
)

// ValidationError indicates an input value was rejected before any state changed.
type ValidationError struct {
	Kind    ValidationKind
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("validation failed (%s): %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("validation failed (%s)", e.Kind)
}

// GatingViolationError indicates a task was completed before its predecessors
// or stage preconditions.
type GatingViolationError struct {
	Stage                domain.StageKey
	Task                 domain.TaskKey
	MissingTasks         []domain.TaskKey
	MissingPreconditions []string
}

func (e GatingViolationError) Error() string {
	var parts []string
	if len(e.MissingPreconditions) > 0 {
		parts = append(parts, "preconditions "+strings.Join(e.MissingPreconditions, ","))
	}
	if len(e.MissingTasks) > 0 {
		keys := make([]string, 0, len(e.MissingTasks))
		for _, k := range e.MissingTasks {
			keys = append(keys, string(k))
		}
		parts = append(parts, "tasks "+strings.Join(keys, ","))
	}
	return fmt.Sprintf("task %s/%s is gated: %s not satisfied", e.Stage, e.Task, strings.Join(parts, "; "))
}

// WorkflowFinalizedError indicates a mutation was attempted on a finalized workflow.
type WorkflowFinalizedError struct {
	WorkflowID string
}

func (e WorkflowFinalizedError) Error() string {
	return fmt.Sprintf("workflow %s is finalized", e.WorkflowID)
}

// AlreadyFinalizedError indicates finalize was called twice.
type AlreadyFinalizedError struct {
	WorkflowID  string
	FinalizedAt time.Time
}

func (e AlreadyFinalizedError) Error() string {
	return fmt.Sprintf("workflow %s already finalized at %s", e.WorkflowID, e.FinalizedAt.UTC().Format(time.RFC3339))
}

type UnknownStageError struct {
	Stage domain.StageKey
}

func (e UnknownStageError) Error() string {
	return fmt.Sprintf("unknown stage %s", e.Stage)
}

// IsValidation reports whether err is a ValidationError of the given kind.
// An empty kind matches any validation error.
func IsValidation(err error, kind ValidationKind) bool {
	var ve ValidationError
	if !errors.As(err, &ve) {
		return false
	}
	return kind == "" || ve.Kind == kind
}

func IsFinalized(err error) bool {
	var fe WorkflowFinalizedError
	return errors.As(err, &fe)
}

func IsGating(err error) bool {
	var ge GatingViolationError
	return errors.As(err, &ge)
}
