package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiwari-pos/dispatch/internal/enum"
	"github.com/kiwari-pos/dispatch/internal/transition"
	"github.com/rs/zerolog/log"
)

// Backend applies transitions and reads the order being edited.
// Satisfied by *updater.Client and *store.Store.
type Backend interface {
	transition.Updater
	GetOrderRef(ctx context.Context, orderID uuid.UUID) (transition.OrderRef, error)
}

// Notifier tells the surrounding views an order changed.
// Satisfied by *ws.Hub.
type Notifier interface {
	NotifyOrderUpdated(orderID uuid.UUID, status enum.OrderStatus)
}

// SessionMetrics is satisfied by *metrics.Recorder.
type SessionMetrics interface {
	transition.Observer
	SessionOpened()
	SessionClosed()
}

// SessionHandler exposes transition sessions over HTTP. Each session owns one
// transition.Controller; a session disappears when it is closed or its
// transition succeeds.
type SessionHandler struct {
	backend   Backend
	previews  transition.Previewer
	notifier  Notifier
	metrics   SessionMetrics
	maxUpload int64

	mu       sync.Mutex
	sessions map[uuid.UUID]*transition.Controller
}

// NewSessionHandler creates a new SessionHandler. previews, notifier and
// metrics may be nil.
func NewSessionHandler(backend Backend, previews transition.Previewer, notifier Notifier, metrics SessionMetrics, maxUploadBytes int64) *SessionHandler {
	return &SessionHandler{
		backend:   backend,
		previews:  previews,
		notifier:  notifier,
		metrics:   metrics,
		maxUpload: maxUploadBytes,
		sessions:  make(map[uuid.UUID]*transition.Controller),
	}
}

// RegisterRoutes registers session endpoints on the given Chi router.
// Expected to be mounted at /sessions.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Post("/", h.Open)
	r.Route("/{sid}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Delete("/", h.Close)
		r.Put("/order", h.Reopen)
		r.Put("/status", h.SetStatus)
		r.Put("/otp", h.SetOTP)
		r.Post("/attachments", h.AddAttachments)
		r.Delete("/attachments/{index}", h.RemoveAttachment)
		r.Get("/attachments/{index}/preview", h.Preview)
		r.Post("/submit", h.Submit)
	})
}

// --- Request / Response types ---

type openSessionRequest struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

type setStatusRequest struct {
	Status string `json:"status"`
}

type setOTPRequest struct {
	OTP string `json:"otp"`
}

type attachmentResponse struct {
	Index       int     `json:"index"`
	Name        string  `json:"name"`
	ContentType string  `json:"content_type"`
	Size        int     `json:"size"`
	PreviewURL  *string `json:"preview_url"`
}

type sessionResponse struct {
	ID               uuid.UUID            `json:"id"`
	Open             bool                 `json:"open"`
	OrderID          *uuid.UUID           `json:"order_id"`
	OrderStatus      *string              `json:"order_status"`
	SelectedStatus   *string              `json:"selected_status"`
	RequiresEvidence bool                 `json:"requires_evidence"`
	OTP              string               `json:"otp"`
	Attachments      []attachmentResponse `json:"attachments"`
	Phase            string               `json:"phase"`
	LastError        *string              `json:"last_error"`
}

type submitErrorResponse struct {
	Error   string          `json:"error"`
	Code    string          `json:"code,omitempty"`
	Session sessionResponse `json:"session"`
}

type submitResponse struct {
	OrderID uuid.UUID `json:"order_id"`
	Status  string    `json:"status"`
}

// --- Handlers ---

// Open handles POST /sessions.
func (h *SessionHandler) Open(w http.ResponseWriter, r *http.Request) {
	order, ok := h.resolveOrder(w, r)
	if !ok {
		return
	}

	sid := uuid.New()
	ctrl := h.newController(sid)
	ctrl.Open(order)

	h.mu.Lock()
	h.sessions[sid] = ctrl
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.SessionOpened()
	}

	writeJSON(w, http.StatusCreated, toSessionResponse(sid, ctrl.State()))
}

// Get handles GET /sessions/{sid}.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sid, ctrl, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sid, ctrl.State()))
}

// Reopen handles PUT /sessions/{sid}/order. The new order replaces
// everything entered so far.
func (h *SessionHandler) Reopen(w http.ResponseWriter, r *http.Request) {
	sid, ctrl, ok := h.session(w, r)
	if !ok {
		return
	}
	order, ok := h.resolveOrder(w, r)
	if !ok {
		return
	}

	ctrl.Open(order)
	writeJSON(w, http.StatusOK, toSessionResponse(sid, ctrl.State()))
}

// Close handles DELETE /sessions/{sid}.
func (h *SessionHandler) Close(w http.ResponseWriter, r *http.Request) {
	_, ctrl, ok := h.session(w, r)
	if !ok {
		return
	}
	ctrl.Close()
	w.WriteHeader(http.StatusNoContent)
}

// SetStatus handles PUT /sessions/{sid}/status.
func (h *SessionHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	sid, ctrl, ok := h.session(w, r)
	if !ok {
		return
	}

	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Status == "" {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}
	status, err := enum.ParseOrderStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	if err := ctrl.SetStatus(status); err != nil {
		h.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sid, ctrl.State()))
}

// SetOTP handles PUT /sessions/{sid}/otp.
func (h *SessionHandler) SetOTP(w http.ResponseWriter, r *http.Request) {
	sid, ctrl, ok := h.session(w, r)
	if !ok {
		return
	}

	var req setOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := ctrl.SetEvidenceCode(req.OTP); err != nil {
		h.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sid, ctrl.State()))
}

// AddAttachments handles POST /sessions/{sid}/attachments with one or more
// multipart "files" parts.
func (h *SessionHandler) AddAttachments(w http.ResponseWriter, r *http.Request) {
	sid, ctrl, ok := h.session(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "files are required")
		return
	}

	files := make([]transition.File, 0, len(headers))
	for i, fh := range headers {
		f, err := readFile(fh)
		if err != nil {
			log.Error().Err(err).Int("index", i).Msg("read uploaded file")
			writeError(w, http.StatusBadRequest, fmt.Sprintf("files[%d]: unreadable", i))
			return
		}
		files = append(files, f)
	}

	if err := ctrl.AddAttachments(files...); err != nil {
		h.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(sid, ctrl.State()))
}

// RemoveAttachment handles DELETE /sessions/{sid}/attachments/{index}.
// A stale index leaves the list unchanged and still answers 200.
func (h *SessionHandler) RemoveAttachment(w http.ResponseWriter, r *http.Request) {
	sid, ctrl, ok := h.session(w, r)
	if !ok {
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid attachment index")
		return
	}

	if _, err := ctrl.RemoveAttachment(index); err != nil {
		h.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sid, ctrl.State()))
}

// Preview handles GET /sessions/{sid}/attachments/{index}/preview.
func (h *SessionHandler) Preview(w http.ResponseWriter, r *http.Request) {
	_, ctrl, ok := h.session(w, r)
	if !ok {
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid attachment index")
		return
	}

	url, err := ctrl.Preview(index)
	if err != nil {
		switch {
		case errors.Is(err, transition.ErrNoAttachment):
			writeError(w, http.StatusNotFound, "attachment not found")
		case errors.Is(err, transition.ErrNoPreviewer):
			writeError(w, http.StatusNotImplemented, "previews are not available")
		case errors.Is(err, transition.ErrSessionClosed):
			h.writeSessionError(w, err)
		default:
			log.Error().Err(err).Msg("create preview")
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"preview_url": url})
}

// Submit handles POST /sessions/{sid}/submit.
func (h *SessionHandler) Submit(w http.ResponseWriter, r *http.Request) {
	sid, ctrl, ok := h.session(w, r)
	if !ok {
		return
	}

	// The update keeps running if the browser goes away; the updater's own
	// timeout bounds it.
	before := ctrl.State()
	err := ctrl.Submit(context.WithoutCancel(r.Context()))

	var verr *transition.ValidationError
	var rerr *transition.RemoteUpdateError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, submitResponse{OrderID: before.Order.ID, Status: string(before.SelectedStatus)})
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, submitErrorResponse{
			Error:   verr.Error(),
			Code:    string(verr.Kind),
			Session: toSessionResponse(sid, ctrl.State()),
		})
	case errors.As(err, &rerr):
		writeJSON(w, http.StatusBadGateway, submitErrorResponse{
			Error:   rerr.Message,
			Session: toSessionResponse(sid, ctrl.State()),
		})
	default:
		h.writeSessionError(w, err)
	}
}

// --- Helpers ---

func (h *SessionHandler) newController(sid uuid.UUID) *transition.Controller {
	opts := []transition.Option{
		transition.WithLogger(log.Logger.With().Str("session_id", sid.String()).Logger()),
		transition.WithOnClose(func(transition.OrderRef) { h.forget(sid) }),
	}
	if h.previews != nil {
		opts = append(opts, transition.WithPreviewer(h.previews))
	}
	if h.notifier != nil {
		opts = append(opts, transition.WithRefresh(func(o transition.OrderRef) {
			h.notifier.NotifyOrderUpdated(o.ID, o.Status)
		}))
	}
	if h.metrics != nil {
		opts = append(opts, transition.WithObserver(h.metrics))
	}
	return transition.New(h.backend, opts...)
}

func (h *SessionHandler) forget(sid uuid.UUID) {
	h.mu.Lock()
	_, existed := h.sessions[sid]
	delete(h.sessions, sid)
	h.mu.Unlock()

	if existed && h.metrics != nil {
		h.metrics.SessionClosed()
	}
}

// session looks up {sid}, writing the error response itself when missing.
func (h *SessionHandler) session(w http.ResponseWriter, r *http.Request) (uuid.UUID, *transition.Controller, bool) {
	sid, err := uuid.Parse(chi.URLParam(r, "sid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session ID")
		return uuid.Nil, nil, false
	}

	h.mu.Lock()
	ctrl, ok := h.sessions[sid]
	h.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return uuid.Nil, nil, false
	}
	return sid, ctrl, true
}

// resolveOrder decodes an openSessionRequest. When status is omitted the
// order is looked up through the backend.
func (h *SessionHandler) resolveOrder(w http.ResponseWriter, r *http.Request) (transition.OrderRef, bool) {
	var req openSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return transition.OrderRef{}, false
	}
	if req.OrderID == "" {
		writeError(w, http.StatusBadRequest, "order_id is required")
		return transition.OrderRef{}, false
	}
	orderID, err := uuid.Parse(req.OrderID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order ID")
		return transition.OrderRef{}, false
	}

	if req.Status != "" {
		status, err := enum.ParseOrderStatus(req.Status)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid status")
			return transition.OrderRef{}, false
		}
		return transition.OrderRef{ID: orderID, Status: status}, true
	}

	order, err := h.backend.GetOrderRef(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, transition.ErrOrderNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return transition.OrderRef{}, false
		}
		log.Error().Err(err).Str("order_id", orderID.String()).Msg("get order for session")
		writeError(w, http.StatusBadGateway, "could not load order")
		return transition.OrderRef{}, false
	}
	return order, true
}

func (h *SessionHandler) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, transition.ErrSubmitInFlight):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, transition.ErrSessionClosed), errors.Is(err, transition.ErrStaleSession):
		writeError(w, http.StatusConflict, "session closed")
	default:
		log.Error().Err(err).Msg("session operation")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func readFile(fh *multipart.FileHeader) (transition.File, error) {
	f, err := fh.Open()
	if err != nil {
		return transition.File{}, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return transition.File{}, err
	}
	contentType := fh.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	return transition.File{Name: fh.Filename, ContentType: contentType, Data: data}, nil
}

func toSessionResponse(sid uuid.UUID, st transition.State) sessionResponse {
	resp := sessionResponse{
		ID:               sid,
		Open:             st.Open,
		RequiresEvidence: st.SelectedStatus.RequiresEvidence(),
		OTP:              st.EvidenceCode,
		Phase:            st.Phase.String(),
		Attachments:      make([]attachmentResponse, len(st.Attachments)),
	}
	if st.Open {
		id := st.Order.ID
		resp.OrderID = &id
		s := string(st.Order.Status)
		resp.OrderStatus = &s
		sel := string(st.SelectedStatus)
		resp.SelectedStatus = &sel
	}
	if st.LastError != "" {
		resp.LastError = &st.LastError
	}
	for i, a := range st.Attachments {
		resp.Attachments[i] = attachmentResponse{
			Index:       i,
			Name:        a.Name,
			ContentType: a.ContentType,
			Size:        a.Size,
		}
		if a.Preview != "" {
			p := a.Preview
			resp.Attachments[i].PreviewURL = &p
		}
	}
	return resp
}
