package purchaseflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal purchase workflow HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Purchase represents the API purchase model.
type Purchase struct {
	ID         string `json:"id"`
	Reference  string `json:"reference,omitempty"`
	Currency   string `json:"currency"`
	CreatedAt  string `json:"created_at"`
	WorkflowID string `json:"workflow_id,omitempty"`
}

// Attachment is a stored receipt or photo.
type Attachment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	Kind        string `json:"kind"`
	ContentType string `json:"content_type,omitempty"`
	SizeBytes   int64  `json:"size_bytes"`
	UploadedBy  string `json:"uploaded_by"`
	UploadedAt  string `json:"uploaded_at"`
}

// Completion records who completed a task and when.
type Completion struct {
	CompletedBy string `json:"completed_by"`
	CompletedAt string `json:"completed_at"`
	Notes       string `json:"notes,omitempty"`
}

type Task struct {
	Key        string      `json:"key"`
	Label      string      `json:"label"`
	After      []string    `json:"after,omitempty"`
	Completed  bool        `json:"completed"`
	Enabled    bool        `json:"enabled"`
	Completion *Completion `json:"completion,omitempty"`
	Amount     int64       `json:"amount,omitempty"`
	Currency   string      `json:"currency,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// Cost is a ledger row; Amount is in minor units of Currency.
type Cost struct {
	ID          string      `json:"id"`
	TaskKey     string      `json:"task_key"`
	Description string      `json:"description"`
	Amount      int64       `json:"amount"`
	Currency    string      `json:"currency"`
	Attachment  *Attachment `json:"attachment,omitempty"`
	CreatedBy   string      `json:"created_by"`
	CreatedAt   string      `json:"created_at"`
}

type Stage struct {
	Key                  string            `json:"key"`
	Label                string            `json:"label"`
	Status               string            `json:"status"`
	Fields               map[string]string `json:"fields,omitempty"`
	MissingPreconditions []string          `json:"missing_preconditions,omitempty"`
	Tasks                []Task            `json:"tasks"`
	Costs                []Cost            `json:"costs"`
	TotalCost            int64             `json:"total_cost"`
	Currency             string            `json:"currency,omitempty"`
}

// Task returns the task with key, if present.
func (s Stage) Task(key string) (Task, bool) {
	for _, t := range s.Tasks {
		if t.Key == key {
			return t, true
		}
	}
	return Task{}, false
}

// Workflow is the read model of a purchase's workflow.
type Workflow struct {
	ID          string  `json:"id"`
	PurchaseID  string  `json:"purchase_id"`
	Currency    string  `json:"currency"`
	Version     int64   `json:"version"`
	Finalized   bool    `json:"finalized"`
	FinalizedAt string  `json:"finalized_at,omitempty"`
	FinalizedBy string  `json:"finalized_by,omitempty"`
	Stages      []Stage `json:"stages"`
}

// Stage returns the stage with key, if present.
func (w Workflow) Stage(key string) (Stage, bool) {
	for _, s := range w.Stages {
		if s.Key == key {
			return s, true
		}
	}
	return Stage{}, false
}

// CostResult is returned when a cost is recorded.
type CostResult struct {
	Stage string `json:"stage"`
	Cost  Cost   `json:"cost"`
	Total int64  `json:"total"`
}

type Yard struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	PurchaseID string         `json:"purchase_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// ErrorDetail is the decoded {"error": {...}} envelope.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
	Detail     ErrorDetail
}

func (e *APIError) Error() string {
	if e.Detail.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Detail.Code, e.Detail.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// TaskUpdate is the body of a task completion change.
type TaskUpdate struct {
	Completed    bool   `json:"completed"`
	Notes        string `json:"notes,omitempty"`
	Amount       int64  `json:"amount,omitempty"`
	Currency     string `json:"currency,omitempty"`
	AttachmentID string `json:"attachment_id,omitempty"`
}

// NewCost is the body of a ledger entry.
type NewCost struct {
	TaskKey      string `json:"task_key,omitempty"`
	Description  string `json:"description"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency,omitempty"`
	AttachmentID string `json:"attachment_id,omitempty"`
}

// CreatePurchase registers a purchase; an empty id lets the server generate one.
func (c *Client) CreatePurchase(ctx context.Context, id, reference, currency string) (Purchase, error) {
	body := map[string]any{
		"id":        id,
		"reference": reference,
		"currency":  currency,
	}
	var resp Purchase
	err := c.do(ctx, http.MethodPost, "purchases", body, &resp)
	return resp, err
}

func (c *Client) GetPurchase(ctx context.Context, purchaseID string) (Purchase, error) {
	var resp Purchase
	err := c.do(ctx, http.MethodGet, "purchases/"+url.PathEscape(purchaseID), nil, &resp)
	return resp, err
}

func (c *Client) Workflow(ctx context.Context, purchaseID string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodGet, c.workflowPath(purchaseID), nil, &resp)
	return resp, err
}

// SetTask completes or uncompletes a task and returns the refreshed workflow.
func (c *Client) SetTask(ctx context.Context, purchaseID, stage, task string, update TaskUpdate) (Workflow, error) {
	var resp Workflow
	endpoint := fmt.Sprintf("%s/stages/%s/tasks/%s", c.workflowPath(purchaseID), url.PathEscape(stage), url.PathEscape(task))
	err := c.do(ctx, http.MethodPut, endpoint, update, &resp)
	return resp, err
}

// SelectYard sets the stage's destination yard; an empty yardID clears it.
func (c *Client) SelectYard(ctx context.Context, purchaseID, stage, yardID string) (Workflow, error) {
	var resp Workflow
	endpoint := fmt.Sprintf("%s/stages/%s/yard", c.workflowPath(purchaseID), url.PathEscape(stage))
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"yard_id": yardID}, &resp)
	return resp, err
}

// SetStageField sets a field read by a stage precondition. An empty value
// clears it.
func (c *Client) SetStageField(ctx context.Context, purchaseID, stage, field, value string) (Workflow, error) {
	var resp Workflow
	endpoint := fmt.Sprintf("%s/stages/%s/fields/%s", c.workflowPath(purchaseID), url.PathEscape(stage), url.PathEscape(field))
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"value": value}, &resp)
	return resp, err
}

func (c *Client) AddCost(ctx context.Context, purchaseID, stage string, cost NewCost) (CostResult, error) {
	var resp CostResult
	endpoint := fmt.Sprintf("%s/stages/%s/costs", c.workflowPath(purchaseID), url.PathEscape(stage))
	err := c.do(ctx, http.MethodPost, endpoint, cost, &resp)
	return resp, err
}

func (c *Client) RemoveCost(ctx context.Context, purchaseID, stage, costID string) (Workflow, error) {
	var resp Workflow
	endpoint := fmt.Sprintf("%s/stages/%s/costs/%s", c.workflowPath(purchaseID), url.PathEscape(stage), url.PathEscape(costID))
	err := c.do(ctx, http.MethodDelete, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Finalize(ctx context.Context, purchaseID string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodPost, c.workflowPath(purchaseID)+"/finalize", nil, &resp)
	return resp, err
}

// Yards lists the directory; status may be empty, "active" or "inactive".
func (c *Client) Yards(ctx context.Context, status string) ([]Yard, error) {
	endpoint := "yards"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Yard
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) AddYard(ctx context.Context, id, name string) (Yard, error) {
	var resp Yard
	err := c.do(ctx, http.MethodPost, "yards", map[string]any{"id": id, "name": name}, &resp)
	return resp, err
}

// UploadAttachment stores a receipt or photo and returns its metadata. The
// returned ID is what tasks and costs reference.
func (c *Client) UploadAttachment(ctx context.Context, name, contentType string, r io.Reader) (Attachment, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	part, err := mw.CreatePart(header)
	if err != nil {
		return Attachment{}, err
	}
	if _, err := io.Copy(part, r); err != nil {
		return Attachment{}, err
	}
	if err := mw.Close(); err != nil {
		return Attachment{}, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "attachments", &buf)
	if err != nil {
		return Attachment{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var resp Attachment
	err = c.send(req, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, "", limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, optionally for one purchase.
func (c *Client) EventsPage(ctx context.Context, purchaseID string, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "events"
	if purchaseID != "" {
		endpoint = "purchases/" + url.PathEscape(purchaseID) + "/events"
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := c.newRequest(ctx, method, endpoint, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	return req, nil
}

func (c *Client) send(req *http.Request, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error ErrorDetail `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Detail = env.Error
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) workflowPath(purchaseID string) string {
	return "purchases/" + url.PathEscape(purchaseID) + "/workflow"
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
