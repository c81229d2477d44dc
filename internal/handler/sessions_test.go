package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiwari-pos/dispatch/internal/enum"
	"github.com/kiwari-pos/dispatch/internal/handler"
	"github.com/kiwari-pos/dispatch/internal/transition"
)

// --- Mock Backend ---

type mockBackend struct {
	updateFn func(ctx context.Context, orderID uuid.UUID, p transition.Payload) error
	getFn    func(ctx context.Context, orderID uuid.UUID) (transition.OrderRef, error)

	mu    sync.Mutex
	calls []transition.Payload
}

func (m *mockBackend) UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, p transition.Payload) error {
	m.mu.Lock()
	m.calls = append(m.calls, p)
	m.mu.Unlock()
	if m.updateFn != nil {
		return m.updateFn(ctx, orderID, p)
	}
	return nil
}

func (m *mockBackend) GetOrderRef(ctx context.Context, orderID uuid.UUID) (transition.OrderRef, error) {
	if m.getFn != nil {
		return m.getFn(ctx, orderID)
	}
	return transition.OrderRef{}, transition.ErrOrderNotFound
}

func (m *mockBackend) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// --- Mock Notifier ---

type notification struct {
	orderID uuid.UUID
	status  enum.OrderStatus
}

type mockNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (m *mockNotifier) NotifyOrderUpdated(orderID uuid.UUID, status enum.OrderStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, notification{orderID, status})
}

// --- Mock SessionMetrics ---

type mockMetrics struct {
	mu       sync.Mutex
	open     int
	outcomes []transition.Outcome
}

func (m *mockMetrics) ObserveSubmit(outcome transition.Outcome, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *mockMetrics) SessionOpened() { m.mu.Lock(); m.open++; m.mu.Unlock() }
func (m *mockMetrics) SessionClosed() { m.mu.Lock(); m.open--; m.mu.Unlock() }

// --- Mock Previewer ---

type mockPreviewer struct {
	mu      sync.Mutex
	live    map[string]bool
	revoked int
}

func newMockPreviewer() *mockPreviewer {
	return &mockPreviewer{live: make(map[string]bool)}
}

func (m *mockPreviewer) Create(name, _ string, _ []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := "/previews/" + name
	m.live[ref] = true
	return ref, nil
}

func (m *mockPreviewer) Revoke(ref string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.live[ref] {
		return false
	}
	delete(m.live, ref)
	m.revoked++
	return true
}

// --- Helpers ---

type testEnv struct {
	router   *chi.Mux
	backend  *mockBackend
	notifier *mockNotifier
	metrics  *mockMetrics
	previews *mockPreviewer
}

func setupSessionRouter(backend *mockBackend) *testEnv {
	env := &testEnv{
		backend:  backend,
		notifier: &mockNotifier{},
		metrics:  &mockMetrics{},
		previews: newMockPreviewer(),
	}
	h := handler.NewSessionHandler(backend, env.previews, env.notifier, env.metrics, 1<<20)
	r := chi.NewRouter()
	r.Route("/sessions", h.RegisterRoutes)
	env.router = r
	return env
}

func doRequest(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		req = httptest.NewRequest(method, path, bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

type uploadFile struct {
	name        string
	contentType string
	data        []byte
}

func doUpload(t *testing.T, router http.Handler, path string, files ...uploadFile) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="files"; filename="`+f.name+`"`)
		h.Set("Content-Type", f.contentType)
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		if _, err := part.Write(f.data); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("status: got %d, want %d; body: %s", rr.Code, want, rr.Body.String())
	}
}

// openSession creates a session seeded with the given order and returns its path.
func openSession(t *testing.T, env *testEnv, orderID uuid.UUID, status enum.OrderStatus) string {
	t.Helper()
	rr := doRequest(t, env.router, http.MethodPost, "/sessions", map[string]string{
		"order_id": orderID.String(),
		"status":   string(status),
	})
	expectStatus(t, rr, http.StatusCreated)
	resp := decodeResponse(t, rr)
	return "/sessions/" + resp["id"].(string)
}

var pngBytes = []byte("\x89PNG\r\n\x1a\n0000")

// --- Open ---

func TestSessionOpen_WithStatus(t *testing.T) {
	env := setupSessionRouter(&mockBackend{})
	orderID := uuid.New()

	rr := doRequest(t, env.router, http.MethodPost, "/sessions", map[string]string{
		"order_id": orderID.String(),
		"status":   "PROCESSING",
	})
	expectStatus(t, rr, http.StatusCreated)

	resp := decodeResponse(t, rr)
	if resp["open"] != true {
		t.Errorf("open: got %v, want true", resp["open"])
	}
	if resp["order_id"] != orderID.String() {
		t.Errorf("order_id: got %v, want %s", resp["order_id"], orderID)
	}
	if resp["selected_status"] != "PROCESSING" {
		t.Errorf("selected_status: got %v, want PROCESSING", resp["selected_status"])
	}
	if resp["phase"] != "idle" {
		t.Errorf("phase: got %v, want idle", resp["phase"])
	}
	if env.metrics.open != 1 {
		t.Errorf("open sessions: got %d, want 1", env.metrics.open)
	}
}

func TestSessionOpen_LooksUpOrderWhenStatusOmitted(t *testing.T) {
	orderID := uuid.New()
	env := setupSessionRouter(&mockBackend{
		getFn: func(_ context.Context, id uuid.UUID) (transition.OrderRef, error) {
			return transition.OrderRef{ID: id, Status: enum.OrderStatusConfirmed}, nil
		},
	})

	rr := doRequest(t, env.router, http.MethodPost, "/sessions", map[string]string{"order_id": orderID.String()})
	expectStatus(t, rr, http.StatusCreated)

	resp := decodeResponse(t, rr)
	if resp["order_status"] != "CONFIRMED" {
		t.Errorf("order_status: got %v, want CONFIRMED", resp["order_status"])
	}
}

func TestSessionOpen_OrderNotFound(t *testing.T) {
	env := setupSessionRouter(&mockBackend{})
	rr := doRequest(t, env.router, http.MethodPost, "/sessions", map[string]string{"order_id": uuid.NewString()})
	expectStatus(t, rr, http.StatusNotFound)
}

func TestSessionOpen_LookupFailure(t *testing.T) {
	env := setupSessionRouter(&mockBackend{
		getFn: func(context.Context, uuid.UUID) (transition.OrderRef, error) {
			return transition.OrderRef{}, errors.New("connection refused")
		},
	})
	rr := doRequest(t, env.router, http.MethodPost, "/sessions", map[string]string{"order_id": uuid.NewString()})
	expectStatus(t, rr, http.StatusBadGateway)
}

func TestSessionOpen_BadInput(t *testing.T) {
	env := setupSessionRouter(&mockBackend{})

	tests := []struct {
		name string
		body interface{}
	}{
		{"missing order id", map[string]string{}},
		{"invalid order id", map[string]string{"order_id": "nope"}},
		{"unknown status", map[string]string{"order_id": uuid.NewString(), "status": "SHIPPED"}},
		{"not json", "just a string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(t, env.router, http.MethodPost, "/sessions", tt.body)
			expectStatus(t, rr, http.StatusBadRequest)
		})
	}
}

func TestSessionGet_UnknownSession(t *testing.T) {
	env := setupSessionRouter(&mockBackend{})

	rr := doRequest(t, env.router, http.MethodGet, "/sessions/"+uuid.NewString(), nil)
	expectStatus(t, rr, http.StatusNotFound)

	rr = doRequest(t, env.router, http.MethodGet, "/sessions/not-a-uuid", nil)
	expectStatus(t, rr, http.StatusBadRequest)
}

// --- Edits ---

func TestSessionSetStatus(t *testing.T) {
	env := setupSessionRouter(&mockBackend{})
	path := openSession(t, env, uuid.New(), enum.OrderStatusPending)

	rr := doRequest(t, env.router, http.MethodPut, path+"/status", map[string]string{"status": "DELIVERED"})
	expectStatus(t, rr, http.StatusOK)

	resp := decodeResponse(t, rr)
	if resp["selected_status"] != "DELIVERED" {
		t.Errorf("selected_status: got %v, want DELIVERED", resp["selected_status"])
	}
	if resp["requires_evidence"] != true {
		t.Errorf("requires_evidence: got %v, want true", resp["requires_evidence"])
	}
}

func TestSessionSetStatus_Unknown(t *testing.T) {
	env := setupSessionRouter(&mockBackend{})
	path := openSession(t, env, uuid.New(), enum.OrderStatusPending)

	rr := doRequest(t, env.router, http.MethodPut, path+"/status", map[string]string{"status": "LOST"})
	expectStatus(t, rr, http.StatusBadRequest)

	rr = doRequest(t, env.router, http.MethodGet, path, nil)
	resp := decodeResponse(t, rr)
	if resp["selected_status"] != "PENDING" {
		t.Errorf("selected_status: got %v, want PENDING", resp["selected_status"])
	}
}

func TestSessionAttachments_AddAndRemove(t *testing.T) {
	env := setupSessionRouter(&mockBackend{})
	path := openSession(t, env, uuid.New(), enum.OrderStatusOutForDelivery)

	rr := doUpload(t, env.router, path+"/attachments",
		uploadFile{"a.png", "image/png", pngBytes},
		uploadFile{"b.jpg", "image/jpeg", []byte("jpeg")},
	)
	expectStatus(t, rr, http.StatusCreated)

	resp := decodeResponse(t, rr)
	atts := resp["attachments"].([]interface{})
	if len(atts) != 2 {
		t.Fatalf("attachments: got %d, want 2", len(atts))
	}
	if first := atts[0].(map[string]interface{}); first["name"] != "a.png" || first["content_type"] != "image/png" {
		t.Errorf("first attachment: got %v", first)
	}

	rr = doRequest(t, env.router, http.MethodGet, path+"/attachments/0/preview", nil)
	expectStatus(t, rr, http.StatusOK)
	if got := decodeResponse(t, rr)["preview_url"]; got != "/previews/a.png" {
		t.Errorf("preview_url: got %v", got)
	}

	rr = doRequest(t, env.router, http.MethodDelete, path+"/attachments/0", nil)
	expectStatus(t, rr, http.StatusOK)
	atts = decodeResponse(t, rr)["attachments"].([]interface{})
	if len(atts) != 1 || atts[0].(map[string]interface{})["name"] != "b.jpg" {
		t.Errorf("after remove: got %v", atts)
	}
	if env.previews.revoked != 1 {
		t.Errorf("revoked: got %d, want 1", env.previews.revoked)
	}

	// A stale index is a no-op.
	rr = doRequest(t, env.router, http.MethodDelete, path+"/attachments/7", nil)
	expectStatus(t, rr, http.StatusOK)
	if atts = decodeResponse(t, rr)["attachments"].([]interface{}); len(atts) != 1 {
		t.Errorf("after stale remove: got %d attachments, want 1", len(atts))
	}
}

func TestSessionAttachments_NoFiles(t *testing.T) {
	env := setupSessionRouter(&mockBackend{})
	path := openSession(t, env, uuid.New(), enum.OrderStatusPending)

	rr := doUpload(t, env.router, path+"/attachments")
	expectStatus(t, rr, http.StatusBadRequest)
}

func TestSessionPreview_OutOfRange(t *testing.T) {
	env := setupSessionRouter(&mockBackend{})
	path := openSession(t, env, uuid.New(), enum.OrderStatusPending)

	rr := doRequest(t, env.router, http.MethodGet, path+"/attachments/0/preview", nil)
	expectStatus(t, rr, http.StatusNotFound)
}

// --- Submit ---

func TestSessionSubmit_DeliveredWithoutOTP(t *testing.T) {
	env := setupSessionRouter(&mockBackend{})
	path := openSession(t, env, uuid.New(), enum.OrderStatusOutForDelivery)
	doRequest(t, env.router, http.MethodPut, path+"/status", map[string]string{"status": "DELIVERED"})
	doUpload(t, env.router, path+"/attachments", uploadFile{"a.png", "image/png", pngBytes})

	rr := doRequest(t, env.router, http.MethodPost, path+"/submit", nil)
	expectStatus(t, rr, http.StatusUnprocessableEntity)

	resp := decodeResponse(t, rr)
	if resp["code"] != string(transition.MissingEvidenceCode) {
		t.Errorf("code: got %v, want %s", resp["code"], transition.MissingEvidenceCode)
	}
	session := resp["session"].(map[string]interface{})
	if session["phase"] != "failed" {
		t.Errorf("phase: got %v, want failed", session["phase"])
	}
	if env.backend.callCount() != 0 {
		t.Errorf("updater calls: got %d, want 0", env.backend.callCount())
	}
}

func TestSessionSubmit_DeliveredWithoutAttachments(t *testing.T) {
	env := setupSessionRouter(&mockBackend{})
	path := openSession(t, env, uuid.New(), enum.OrderStatusOutForDelivery)
	doRequest(t, env.router, http.MethodPut, path+"/status", map[string]string{"status": "DELIVERED"})
	doRequest(t, env.router, http.MethodPut, path+"/otp", map[string]string{"otp": "1234"})

	rr := doRequest(t, env.router, http.MethodPost, path+"/submit", nil)
	expectStatus(t, rr, http.StatusUnprocessableEntity)

	resp := decodeResponse(t, rr)
	if resp["code"] != string(transition.MissingAttachments) {
		t.Errorf("code: got %v, want %s", resp["code"], transition.MissingAttachments)
	}
}

func TestSessionSubmit_DeliveredSuccess(t *testing.T) {
	orderID := uuid.New()
	backend := &mockBackend{}
	env := setupSessionRouter(backend)
	path := openSession(t, env, orderID, enum.OrderStatusOutForDelivery)

	doRequest(t, env.router, http.MethodPut, path+"/status", map[string]string{"status": "DELIVERED"})
	doRequest(t, env.router, http.MethodPut, path+"/otp", map[string]string{"otp": "1234"})
	doUpload(t, env.router, path+"/attachments", uploadFile{"a.png", "image/png", pngBytes})
	doRequest(t, env.router, http.MethodGet, path+"/attachments/0/preview", nil)

	rr := doRequest(t, env.router, http.MethodPost, path+"/submit", nil)
	expectStatus(t, rr, http.StatusOK)

	resp := decodeResponse(t, rr)
	if resp["status"] != "DELIVERED" || resp["order_id"] != orderID.String() {
		t.Errorf("response: got %v", resp)
	}

	if len(backend.calls) != 1 {
		t.Fatalf("updater calls: got %d, want 1", len(backend.calls))
	}
	p := backend.calls[0]
	if p.OTP != "1234" || len(p.Receipts) != 1 || p.Receipts[0].Name != "a.png" {
		t.Errorf("payload: got %+v", p)
	}

	if len(env.notifier.sent) != 1 || env.notifier.sent[0] != (notification{orderID, enum.OrderStatusDelivered}) {
		t.Errorf("notifications: got %v", env.notifier.sent)
	}
	if env.previews.revoked != 1 {
		t.Errorf("revoked: got %d, want 1", env.previews.revoked)
	}
	if env.metrics.open != 0 {
		t.Errorf("open sessions: got %d, want 0", env.metrics.open)
	}

	// The session is gone once the transition is applied.
	rr = doRequest(t, env.router, http.MethodGet, path, nil)
	expectStatus(t, rr, http.StatusNotFound)
}

func TestSessionSubmit_NonDeliveredSendsStatusOnly(t *testing.T) {
	backend := &mockBackend{}
	env := setupSessionRouter(backend)
	path := openSession(t, env, uuid.New(), enum.OrderStatusPending)

	doRequest(t, env.router, http.MethodPut, path+"/status", map[string]string{"status": "CONFIRMED"})
	doRequest(t, env.router, http.MethodPut, path+"/otp", map[string]string{"otp": "99"})

	rr := doRequest(t, env.router, http.MethodPost, path+"/submit", nil)
	expectStatus(t, rr, http.StatusOK)

	if len(backend.calls) != 1 {
		t.Fatalf("updater calls: got %d, want 1", len(backend.calls))
	}
	if p := backend.calls[0]; p.Status != enum.OrderStatusConfirmed || p.OTP != "" || len(p.Receipts) != 0 {
		t.Errorf("payload: got %+v", p)
	}
}

func TestSessionSubmit_RemoteFailure(t *testing.T) {
	backend := &mockBackend{
		updateFn: func(context.Context, uuid.UUID, transition.Payload) error {
			return errors.New("Order already delivered")
		},
	}
	env := setupSessionRouter(backend)
	path := openSession(t, env, uuid.New(), enum.OrderStatusPending)

	rr := doRequest(t, env.router, http.MethodPost, path+"/submit", nil)
	expectStatus(t, rr, http.StatusBadGateway)

	resp := decodeResponse(t, rr)
	if resp["error"] != "Order already delivered" {
		t.Errorf("error: got %v", resp["error"])
	}
	session := resp["session"].(map[string]interface{})
	if session["open"] != true || session["last_error"] != "Order already delivered" {
		t.Errorf("session: got %v", session)
	}
	if len(env.notifier.sent) != 0 {
		t.Errorf("notifications: got %d, want 0", len(env.notifier.sent))
	}
}

func TestSessionSubmit_InFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	backend := &mockBackend{
		updateFn: func(context.Context, uuid.UUID, transition.Payload) error {
			close(started)
			<-release
			return nil
		},
	}
	env := setupSessionRouter(backend)
	path := openSession(t, env, uuid.New(), enum.OrderStatusPending)

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		done <- doRequest(t, env.router, http.MethodPost, path+"/submit", nil)
	}()
	<-started

	rr := doRequest(t, env.router, http.MethodPost, path+"/submit", nil)
	expectStatus(t, rr, http.StatusConflict)

	close(release)
	expectStatus(t, <-done, http.StatusOK)
	if backend.callCount() != 1 {
		t.Errorf("updater calls: got %d, want 1", backend.callCount())
	}
}

func TestSessionClose(t *testing.T) {
	env := setupSessionRouter(&mockBackend{})
	path := openSession(t, env, uuid.New(), enum.OrderStatusPending)
	doUpload(t, env.router, path+"/attachments", uploadFile{"a.png", "image/png", pngBytes})
	doRequest(t, env.router, http.MethodGet, path+"/attachments/0/preview", nil)

	rr := doRequest(t, env.router, http.MethodDelete, path, nil)
	expectStatus(t, rr, http.StatusNoContent)

	if env.previews.revoked != 1 {
		t.Errorf("revoked: got %d, want 1", env.previews.revoked)
	}
	if env.metrics.open != 0 {
		t.Errorf("open sessions: got %d, want 0", env.metrics.open)
	}
	rr = doRequest(t, env.router, http.MethodDelete, path, nil)
	expectStatus(t, rr, http.StatusNotFound)
}

func TestSessionReopen_DiscardsEdits(t *testing.T) {
	env := setupSessionRouter(&mockBackend{})
	path := openSession(t, env, uuid.New(), enum.OrderStatusPending)
	doRequest(t, env.router, http.MethodPut, path+"/otp", map[string]string{"otp": "1234"})
	doUpload(t, env.router, path+"/attachments", uploadFile{"a.png", "image/png", pngBytes})

	next := uuid.New()
	rr := doRequest(t, env.router, http.MethodPut, path+"/order", map[string]string{
		"order_id": next.String(),
		"status":   "OUT_FOR_DELIVERY",
	})
	expectStatus(t, rr, http.StatusOK)

	resp := decodeResponse(t, rr)
	if resp["order_id"] != next.String() || resp["otp"] != "" {
		t.Errorf("response: got %v", resp)
	}
	if atts := resp["attachments"].([]interface{}); len(atts) != 0 {
		t.Errorf("attachments: got %d, want 0", len(atts))
	}
}
