package workflow

import (
	"strings"
	"time"

	"purchaseflow/internal/domain"
)

// CostInput is a ledger entry before it receives an id and audit fields.
type CostInput struct {
	ID          string
	TaskKey     domain.TaskKey
	Description string
	Amount      int64
	Currency    string
	Attachment  *domain.Attachment
	Actor       string
}

// AddCost validates and appends a cost entry. The caller supplies the id.
// Currency falls back to defaultCurrency and must match the currency already
// used in the stage.
func AddCost(def StageDefinition, stage domain.Stage, in CostInput, defaultCurrency string, at time.Time) (domain.Stage, error) {
	if strings.TrimSpace(in.ID) == "" {
		return stage, ValidationError{Kind: MissingID, Field: "id", Message: "cost id is required"}
	}
	desc := strings.TrimSpace(in.Description)
	if desc == "" {
		return stage, ValidationError{Kind: EmptyDescription, Field: "description", Message: "description is required"}
	}
	if in.Amount <= 0 {
		return stage, ValidationError{Kind: NonPositiveAmount, Field: "amount", Message: "amount must be greater than zero"}
	}
	if in.TaskKey != "" {
		if _, ok := def.Task(in.TaskKey); !ok {
			return stage, ValidationError{Kind: UnknownTask, Field: "task_key", Message: "task " + string(in.TaskKey) + " is not part of stage " + string(def.Key)}
		}
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = strings.ToUpper(defaultCurrency)
	}
	if currency == "" {
		return stage, ValidationError{Kind: CurrencyMismatch, Field: "currency", Message: "currency is required"}
	}
	if cur := StageCurrency(stage); cur != "" && cur != currency {
		return stage, ValidationError{Kind: CurrencyMismatch, Field: "currency", Message: "stage is recorded in " + cur}
	}
	entry := domain.CostEntry{
		ID:          in.ID,
		TaskKey:     in.TaskKey,
		Description: desc,
		Amount:      in.Amount,
		Currency:    currency,
		CreatedBy:   in.Actor,
		CreatedAt:   at.UTC(),
	}
	if in.Attachment != nil {
		att := *in.Attachment
		entry.Attachment = &att
	}
	next := cloneStage(stage)
	next.Costs = append(next.Costs, entry)
	return next, nil
}

// RemoveCost drops the entry with the given id. Unknown ids are ignored.
func RemoveCost(stage domain.Stage, costID string) domain.Stage {
	idx := -1
	for i, c := range stage.Costs {
		if c.ID == costID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return stage
	}
	next := cloneStage(stage)
	next.Costs = append(next.Costs[:idx], next.Costs[idx+1:]...)
	return next
}

func TotalCost(stage domain.Stage) int64 {
	var total int64
	for _, c := range stage.Costs {
		total += c.Amount
	}
	return total
}

// StageCurrency is the currency already committed in the stage, from either
// the ledger or a task capture.
func StageCurrency(stage domain.Stage) string {
	for _, c := range stage.Costs {
		if c.Currency != "" {
			return c.Currency
		}
	}
	for _, t := range stage.Tasks {
		if t.Completed && t.Currency != "" {
			return t.Currency
		}
	}
	return ""
}
