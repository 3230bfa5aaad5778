package domain

import "time"

type StageKey string

type TaskKey string

type StageStatus string

const (
	StageNotStarted StageStatus = "not_started"
	StageInProgress StageStatus = "in_progress"
	StageCompleted  StageStatus = "completed"
)

type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentDocument AttachmentKind = "document"
)

// TaskCompletion records who completed a task, when, and why.
type TaskCompletion struct {
	CompletedBy string    `json:"completed_by"`
	CompletedAt time.Time `json:"completed_at" format:"date-time"`
	Notes       string    `json:"notes,omitempty"`
}

// TaskState is one checklist item inside a stage. Amount, Currency and
// Attachment are captured while completing the task and cleared with it.
type TaskState struct {
	Key        TaskKey         `json:"key"`
	Completed  bool            `json:"completed"`
	Completion *TaskCompletion `json:"completion,omitempty"`
	Amount     int64           `json:"amount,omitempty"`
	Currency   string          `json:"currency,omitempty"`
	Attachment *Attachment     `json:"attachment,omitempty"`
}

type Attachment struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	URL         string         `json:"url"`
	Kind        AttachmentKind `json:"kind" enum:"image,document"`
	ContentType string         `json:"content_type,omitempty"`
	SizeBytes   int64          `json:"size_bytes"`
	UploadedBy  string         `json:"uploaded_by"`
	UploadedAt  time.Time      `json:"uploaded_at" format:"date-time"`
}

// CostEntry is a ledger row. Amount is expressed in minor units of Currency.
type CostEntry struct {
	ID          string      `json:"id"`
	TaskKey     TaskKey     `json:"task_key"`
	Description string      `json:"description"`
	Amount      int64       `json:"amount"`
	Currency    string      `json:"currency"`
	Attachment  *Attachment `json:"attachment,omitempty"`
	CreatedBy   string      `json:"created_by"`
	CreatedAt   time.Time   `json:"created_at" format:"date-time"`
}

type Stage struct {
	Key    StageKey              `json:"key"`
	Status StageStatus           `json:"status" enum:"not_started,in_progress,completed"`
	Tasks  map[TaskKey]TaskState `json:"tasks"`
	Costs  []CostEntry           `json:"costs"`
	Fields map[string]string     `json:"fields,omitempty"`
}

// Workflow is the processing state of one purchase. Stages are kept in
// processing order.
type Workflow struct {
	ID          string     `json:"id"`
	PurchaseID  string     `json:"purchase_id"`
	Stages      []Stage    `json:"stages"`
	Finalized   bool       `json:"finalized"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty" format:"date-time"`
	FinalizedBy string     `json:"finalized_by,omitempty"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at" format:"date-time"`
	UpdatedAt   time.Time  `json:"updated_at" format:"date-time"`
}

type Purchase struct {
	ID        string    `json:"id"`
	Reference string    `json:"reference,omitempty"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

type YardStatus string

const (
	YardActive   YardStatus = "active"
	YardInactive YardStatus = "inactive"
)

type Yard struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Status    YardStatus `json:"status" enum:"active,inactive"`
	CreatedAt time.Time  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	PurchaseID string `json:"purchase_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey is a stored credential. Only the hash of the key is kept.
type APIKey struct {
	ID         string `json:"id"`
	ActorID    string `json:"actor_id"`
	Name       string `json:"name,omitempty"`
	KeyHash    string `json:"-"`
	CreatedAt  string `json:"created_at"`
	LastUsedAt string `json:"last_used_at,omitempty"`
	RevokedAt  string `json:"revoked_at,omitempty"`
}
