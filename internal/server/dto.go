package server

import (
	"encoding/json"
	"time"

	"purchaseflow/internal/domain"
)

// Request payloads

type CreatePurchaseRequest struct {
	ID        string `json:"id,omitempty"`
	Reference string `json:"reference,omitempty"`
	Currency  string `json:"currency,omitempty" example:"JPY"`
}

type UpdateTaskRequest struct {
	Completed    bool   `json:"completed"`
	Notes        string `json:"notes,omitempty"`
	Amount       int64  `json:"amount,omitempty"`
	Currency     string `json:"currency,omitempty"`
	AttachmentID string `json:"attachment_id,omitempty"`
}

type SelectYardRequest struct {
	YardID string `json:"yard_id"`
}

// SetStageFieldRequest sets a stage field. An empty value clears it.
type SetStageFieldRequest struct {
	Value string `json:"value"`
}

type CreateCostRequest struct {
	TaskKey      string `json:"task_key,omitempty"`
	Description  string `json:"description"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency,omitempty"`
	AttachmentID string `json:"attachment_id,omitempty"`
}

type CreateYardRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

type SetYardStatusRequest struct {
	Status string `json:"status" enum:"active,inactive"`
}

// Responses

type PurchaseResponse struct {
	ID         string `json:"id"`
	Reference  string `json:"reference,omitempty"`
	Currency   string `json:"currency"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	WorkflowID string `json:"workflow_id,omitempty"`
}

type CostResponse struct {
	Stage string           `json:"stage"`
	Cost  domain.CostEntry `json:"cost"`
	Total int64            `json:"total"`
}

type CostListResponse struct {
	Stage    string             `json:"stage"`
	Currency string             `json:"currency,omitempty"`
	Items    []domain.CostEntry `json:"items"`
	Total    int64              `json:"total"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	PurchaseID string         `json:"purchase_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func purchaseResponse(p domain.Purchase, workflowID string) PurchaseResponse {
	return PurchaseResponse{
		ID:         p.ID,
		Reference:  p.Reference,
		Currency:   p.Currency,
		CreatedAt:  p.CreatedAt.UTC().Format(time.RFC3339),
		WorkflowID: workflowID,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		PurchaseID: e.PurchaseID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}
