package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"purchaseflow/internal/attachments"
	"purchaseflow/internal/config"
	"purchaseflow/internal/db"
	"purchaseflow/internal/domain"
	"purchaseflow/internal/engine"
	"purchaseflow/internal/logger"
	"purchaseflow/internal/migrate"
	"purchaseflow/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	store := attachments.DiskStore{Dir: filepath.Join(db.DataDir(workspace), "attachments"), MaxBytes: 1 << 10}
	e := engine.New(conn, cfg, store, logger.Discard())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
		Logger:   logger.Discard(),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearer(t *testing.T, actor string) map[string]string {
	t.Helper()
	token, err := IssueToken(testSecret, actor, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func expectError(t *testing.T, res *http.Response, data []byte, status int, code string) errorEnvelope {
	t.Helper()
	if res.StatusCode != status {
		t.Fatalf("expected status %d, got %d: %s", status, res.StatusCode, string(data))
	}
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	if env.Error.Code != code {
		t.Fatalf("expected code %s, got %s: %s", code, env.Error.Code, string(data))
	}
	return env
}

func workflowCall(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) engine.WorkflowView {
	t.Helper()
	res, data := doJSON(t, client, method, url, body, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.StatusCode, string(data))
	}
	var view engine.WorkflowView
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("unmarshal workflow: %v", err)
	}
	return view
}

func taskView(t *testing.T, view engine.WorkflowView, key string) engine.TaskView {
	t.Helper()
	for _, task := range view.Stages[0].Tasks {
		if string(task.Key) == key {
			return task
		}
	}
	t.Fatalf("task %s missing from view", key)
	return engine.TaskView{}
}

func TestTransportWorkflowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	clerk := bearer(t, "clerk")
	base := srv.URL + "/v0"

	res, data := doJSON(t, client, http.MethodPost, base+"/purchases", map[string]any{"id": "pur-1", "reference": "JP-0001"}, clerk)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create purchase: %d %s", res.StatusCode, string(data))
	}
	var created PurchaseResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal purchase: %v", err)
	}
	if created.Currency != "JPY" || created.WorkflowID == "" {
		t.Fatalf("unexpected purchase %+v", created)
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/yards", map[string]any{"id": "yard-1", "name": "Yokohama Port"}, clerk)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add yard: %d %s", res.StatusCode, string(data))
	}

	wfURL := base + "/purchases/pur-1/workflow"
	view := workflowCall(t, client, http.MethodGet, wfURL, nil, clerk)
	if view.Stages[0].Status != domain.StageNotStarted || taskView(t, view, "transportArranged").Enabled {
		t.Fatalf("fresh workflow should be not_started with nothing enabled: %+v", view.Stages[0])
	}

	taskURL := wfURL + "/stages/transport/tasks/"
	res, data = doJSON(t, client, http.MethodPut, taskURL+"transportArranged", map[string]any{"completed": true, "amount": 45000}, clerk)
	env := expectError(t, res, data, http.StatusUnprocessableEntity, "gating_violation")
	if env.Error.Details["missing_preconditions"] == nil {
		t.Fatalf("expected missing preconditions in details: %s", string(data))
	}

	view = workflowCall(t, client, http.MethodPut, wfURL+"/stages/transport/yard", map[string]any{"yard_id": "yard-1"}, clerk)
	if view.Stages[0].Fields["yardName"] != "Yokohama Port" || !taskView(t, view, "transportArranged").Enabled {
		t.Fatalf("yard selection not reflected: %+v", view.Stages[0])
	}

	res, data = doJSON(t, client, http.MethodPut, wfURL+"/stages/transport/fields/yardId", map[string]any{"value": "yard-9"}, clerk)
	expectError(t, res, data, http.StatusUnprocessableEntity, "unknown_field")

	res, data = doJSON(t, client, http.MethodPut, taskURL+"transportArranged", map[string]any{"completed": true}, clerk)
	expectError(t, res, data, http.StatusUnprocessableEntity, "non_positive_amount")

	res, data = doJSON(t, client, http.MethodPut, taskURL+"yardNotified", map[string]any{"completed": true}, clerk)
	expectError(t, res, data, http.StatusUnprocessableEntity, "gating_violation")

	view = workflowCall(t, client, http.MethodPut, taskURL+"transportArranged", map[string]any{"completed": true, "amount": 45000, "notes": "Booked with carrier"}, clerk)
	arranged := taskView(t, view, "transportArranged")
	if view.Stages[0].Status != domain.StageInProgress || arranged.Amount != 45000 || arranged.Currency != "JPY" {
		t.Fatalf("unexpected state after transportArranged: %+v", view.Stages[0])
	}
	if !taskView(t, view, "yardNotified").Enabled {
		t.Fatalf("yardNotified should be enabled")
	}

	for _, key := range []string{"yardNotified", "photosRequested"} {
		view = workflowCall(t, client, http.MethodPut, taskURL+key, map[string]any{"completed": true}, clerk)
	}
	if view.Stages[0].Status != domain.StageCompleted {
		t.Fatalf("expected completed stage, got %s", view.Stages[0].Status)
	}

	manager := bearer(t, "manager")
	view = workflowCall(t, client, http.MethodPost, wfURL+"/finalize", nil, manager)
	if !view.Finalized || view.FinalizedBy != "manager" || view.FinalizedAt == nil {
		t.Fatalf("unexpected finalized view %+v", view)
	}
	if taskView(t, view, "photosRequested").Enabled {
		t.Fatalf("nothing is enabled once finalized")
	}

	res, data = doJSON(t, client, http.MethodPost, wfURL+"/finalize", nil, manager)
	expectError(t, res, data, http.StatusConflict, "already_finalized")
	res, data = doJSON(t, client, http.MethodPut, taskURL+"photosRequested", map[string]any{"completed": false}, clerk)
	expectError(t, res, data, http.StatusConflict, "workflow_finalized")
	res, data = doJSON(t, client, http.MethodPost, wfURL+"/stages/transport/costs", map[string]any{"description": "Late fee", "amount": 100}, clerk)
	expectError(t, res, data, http.StatusConflict, "workflow_finalized")
	res, data = doJSON(t, client, http.MethodPut, wfURL+"/stages/transport/yard", map[string]any{"yard_id": "ghost"}, clerk)
	expectError(t, res, data, http.StatusConflict, "workflow_finalized")
	res, data = doJSON(t, client, http.MethodPut, wfURL+"/stages/transport/fields/notes", map[string]any{"value": "x"}, clerk)
	expectError(t, res, data, http.StatusConflict, "workflow_finalized")

	res, data = doJSON(t, client, http.MethodGet, base+"/purchases/pur-1/events", nil, clerk)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 6 || page.Items[0].Type != "workflow.finalized" || page.Items[0].ActorID != "manager" {
		t.Fatalf("unexpected audit trail %+v", page.Items)
	}
}

func TestCostLedgerOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	clerk := bearer(t, "clerk")
	base := srv.URL + "/v0"

	res, data := doJSON(t, client, http.MethodPost, base+"/purchases", map[string]any{"id": "pur-2", "currency": "usd"}, clerk)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create purchase: %d %s", res.StatusCode, string(data))
	}
	costsURL := base + "/purchases/pur-2/workflow/stages/transport/costs"
	res, data = doJSON(t, client, http.MethodPost, costsURL, map[string]any{"description": "Truck", "amount": 12500}, clerk)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add cost: %d %s", res.StatusCode, string(data))
	}
	var added CostResponse
	if err := json.Unmarshal(data, &added); err != nil {
		t.Fatalf("unmarshal cost: %v", err)
	}
	if added.Cost.Currency != "USD" || added.Total != 12500 {
		t.Fatalf("unexpected cost %+v", added)
	}

	res, data = doJSON(t, client, http.MethodPost, costsURL, map[string]any{"description": "Fuel", "amount": 10, "currency": "JPY"}, clerk)
	expectError(t, res, data, http.StatusUnprocessableEntity, "currency_mismatch")
	res, data = doJSON(t, client, http.MethodPost, costsURL, map[string]any{"description": "  ", "amount": 10}, clerk)
	expectError(t, res, data, http.StatusUnprocessableEntity, "empty_description")
	res, data = doJSON(t, client, http.MethodPost, costsURL, map[string]any{"description": "Refund", "amount": -5}, clerk)
	expectError(t, res, data, http.StatusUnprocessableEntity, "non_positive_amount")
	res, data = doJSON(t, client, http.MethodPost, base+"/purchases/pur-2/workflow/stages/customs/costs", map[string]any{"description": "Duty", "amount": 5}, clerk)
	expectError(t, res, data, http.StatusNotFound, "unknown_stage")
	res, data = doJSON(t, client, http.MethodGet, base+"/purchases/missing/workflow", nil, clerk)
	expectError(t, res, data, http.StatusNotFound, "not_found")

	res, data = doJSON(t, client, http.MethodGet, costsURL, nil, clerk)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list costs: %d %s", res.StatusCode, string(data))
	}
	var list CostListResponse
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal costs: %v", err)
	}
	if len(list.Items) != 1 || list.Total != 12500 || list.Currency != "USD" {
		t.Fatalf("unexpected ledger %+v", list)
	}

	view := workflowCall(t, client, http.MethodDelete, costsURL+"/"+added.Cost.ID, nil, clerk)
	if view.Stages[0].TotalCost != 0 || len(view.Stages[0].Costs) != 0 {
		t.Fatalf("ledger should be empty: %+v", view.Stages[0])
	}
}

func TestAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0"

	res, data := doJSON(t, client, http.MethodGet, base+"/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, base+"/purchases", nil, nil)
	expectError(t, res, data, http.StatusUnauthorized, "unauthorized")
	res, data = doJSON(t, client, http.MethodGet, base+"/purchases", nil, map[string]string{"Authorization": "Bearer nope"})
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credentials")

	forged, err := IssueToken("other-secret", "mallory", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, base+"/purchases", nil, map[string]string{"Authorization": "Bearer " + forged})
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credentials")

	res, data = doJSON(t, client, http.MethodPost, base+"/purchases", map[string]any{"id": "pur-3"}, map[string]string{"X-Actor-Id": "legacy"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("legacy header create: %d %s", res.StatusCode, string(data))
	}
	events, err := srv.Engine.Repo.LatestEvents(context.Background(), 1, repo.EventFilter{PurchaseID: "pur-3"})
	if err != nil || len(events) != 1 || events[0].ActorID != "legacy" {
		t.Fatalf("expected event by legacy actor, got %+v %v", events, err)
	}

	ctx := context.Background()
	secret, err := repo.GenerateAPIKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := srv.Engine.Repo.InsertAPIKey(ctx, nil, domain.APIKey{ID: "key-1", ActorID: "ops-bot", KeyHash: repo.HashAPIKey(secret)}); err != nil {
		t.Fatalf("insert key: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/yards", map[string]any{"id": "yard-k", "name": "Kobe"}, map[string]string{"X-Api-Key": secret})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("api key create yard: %d %s", res.StatusCode, string(data))
	}
	events, err = srv.Engine.Repo.LatestEvents(ctx, 1, repo.EventFilter{EntityKind: "yard", EntityID: "yard-k"})
	if err != nil || len(events) != 1 || events[0].ActorID != "ops-bot" {
		t.Fatalf("expected yard event by ops-bot, got %+v %v", events, err)
	}
	if err := srv.Engine.Repo.RevokeAPIKey(ctx, "key-1", time.Now()); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, base+"/yards", nil, map[string]string{"X-Api-Key": secret})
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credentials")

	if _, err := IssueToken("", "clerk", time.Hour); err == nil {
		t.Fatalf("expected error without secret")
	}
}

func pngBytes() []byte {
	return append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 64)...)
}

func upload(t *testing.T, client *http.Client, url, name, contentType string, content []byte, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+name+`"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	part.Write(content)
	mw.Close()
	req, err := http.NewRequest(http.MethodPost, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(res.Body)
	return res, data
}

func TestAttachmentUploadAndDownload(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	clerk := bearer(t, "clerk")
	uploadURL := srv.URL + "/v0/attachments"

	res, data := upload(t, client, uploadURL, "truck.png", "image/png", pngBytes(), nil)
	expectError(t, res, data, http.StatusUnauthorized, "unauthorized")

	res, data = upload(t, client, uploadURL, "truck.png", "image/png", pngBytes(), clerk)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("upload: %d %s", res.StatusCode, string(data))
	}
	var att domain.Attachment
	if err := json.Unmarshal(data, &att); err != nil {
		t.Fatalf("unmarshal attachment: %v", err)
	}
	if att.Kind != domain.AttachmentImage || att.Name != "truck.png" || !strings.HasPrefix(att.URL, "/attachments/") {
		t.Fatalf("unexpected attachment %+v", att)
	}

	res, body := doJSON(t, client, http.MethodGet, srv.URL+att.URL, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("download: %d %s", res.StatusCode, string(body))
	}
	if res.Header.Get("Content-Type") != "image/png" || !bytes.Equal(body, pngBytes()) {
		t.Fatalf("download mismatch: %s %d bytes", res.Header.Get("Content-Type"), len(body))
	}

	res, data = upload(t, client, uploadURL, "notes.txt", "text/plain", []byte("hello"), clerk)
	expectError(t, res, data, http.StatusUnprocessableEntity, "invalid_attachment_type")
	res, data = upload(t, client, uploadURL, "fake.pdf", "application/pdf", pngBytes(), clerk)
	expectError(t, res, data, http.StatusUnprocessableEntity, "invalid_attachment_type")
	res, data = upload(t, client, uploadURL, "big.png", "image/png", append(pngBytes(), bytes.Repeat([]byte{1}, 2<<10)...), clerk)
	expectError(t, res, data, http.StatusUnprocessableEntity, "attachment_too_large")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/attachments/missing.png", nil, nil)
	expectError(t, res, data, http.StatusNotFound, "not_found")
}

func TestEventPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	clerk := bearer(t, "clerk")
	base := srv.URL + "/v0"

	doJSON(t, client, http.MethodPost, base+"/purchases", map[string]any{"id": "pur-4"}, clerk)
	for i := 0; i < 4; i++ {
		res, data := doJSON(t, client, http.MethodPost, base+"/purchases/pur-4/workflow/stages/transport/costs", map[string]any{"description": "fee", "amount": 10}, clerk)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("add cost: %d %s", res.StatusCode, string(data))
		}
	}

	seen := map[int64]bool{}
	cursor := ""
	for pages := 0; pages < 5; pages++ {
		url := base + "/events?purchase_id=pur-4&limit=2"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		res, data := doJSON(t, client, http.MethodGet, url, nil, clerk)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("events: %d %s", res.StatusCode, string(data))
		}
		var page paginatedEvents
		if err := json.Unmarshal(data, &page); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		for _, evt := range page.Items {
			if seen[evt.ID] {
				t.Fatalf("event %d returned twice", evt.ID)
			}
			seen[evt.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 events, saw %d", len(seen))
	}

	res, data := doJSON(t, client, http.MethodGet, base+"/events?cursor=abc", nil, clerk)
	expectError(t, res, data, http.StatusBadRequest, "bad_request")
}

func TestWebhookDelivery(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	var (
		mu       sync.Mutex
		received []webhookEvent
		sigs     []string
	)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var evt webhookEvent
		_ = json.Unmarshal(body, &evt)
		mu.Lock()
		received = append(received, evt)
		sigs = append(sigs, r.Header.Get("X-Purchaseflow-Signature"))
		mu.Unlock()
		if r.Header.Get("X-Purchaseflow-Signature") != SignPayload("s3cret", body) {
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer receiver.Close()

	if _, _, err := srv.Engine.CreatePurchase(ctx, engine.PurchaseCreateOptions{ID: "before", ActorID: "clerk"}); err != nil {
		t.Fatalf("create purchase: %v", err)
	}
	d := &WebhookDispatcher{
		Engine:   srv.Engine,
		Webhooks: []config.WebhookConfig{{URL: receiver.URL, Events: []string{"workflow.finalized"}, Secret: "s3cret"}},
		Logger:   logger.Discard(),
	}
	d.DispatchAll(ctx)

	if _, _, err := srv.Engine.CreatePurchase(ctx, engine.PurchaseCreateOptions{ID: "after", ActorID: "clerk"}); err != nil {
		t.Fatalf("create purchase: %v", err)
	}
	if _, err := srv.Engine.Finalize(ctx, "after", "manager"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(received))
	}
	if received[0].Type != "workflow.finalized" || received[0].PurchaseID != "after" || sigs[0] == "" {
		t.Fatalf("unexpected delivery %+v", received[0])
	}
}
