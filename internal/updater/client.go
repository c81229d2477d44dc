// Package updater talks to the orders API: it reads the order being edited
// and submits status transitions, including proof-of-delivery uploads.
package updater

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiwari-pos/dispatch/internal/enum"
	"github.com/kiwari-pos/dispatch/internal/transition"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/kiwari-pos/dispatch/internal/updater"

	// error bodies larger than this are truncated before decoding
	maxErrorBody = 64 << 10
)

// TokenSource supplies the bearer token for each request.
// Satisfied by *auth.TokenSource.
type TokenSource interface {
	Token() (string, error)
}

// APIError is a non-2xx answer from the orders API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("orders api: %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("orders api returned status %d", e.StatusCode)
}

// UserMessage is the message the API meant for the operator, if any.
func (e *APIError) UserMessage() string { return e.Message }

// Client is an HTTP implementation of transition.Updater.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	tracer     trace.Tracer
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout bounds each request. The transition controller sets no
// timeout of its own.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// New creates a client for the orders API rooted at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
			},
		},
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UpdateOrderStatus handles PATCH {base}/orders/{id}/status as multipart
// form data: "status" always, "otp" and one "receiptImgs" file part per
// receipt for DELIVERED.
func (c *Client) UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, p transition.Payload) error {
	ctx, span := c.tracer.Start(ctx, "orders.update_status", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", orderID.String()),
		attribute.String("order.status", p.Status.String()),
		attribute.Int("order.receipts", len(p.Receipts)),
	)

	body, contentType, err := encodePayload(p)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.baseURL+"/orders/"+orderID.String()+"/status", body)
	if err != nil {
		span.RecordError(err)
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	if err := c.do(ctx, span, req, nil); err != nil {
		return fmt.Errorf("update order %s: %w", orderID, err)
	}
	return nil
}

type orderResponse struct {
	ID     uuid.UUID `json:"id"`
	Status string    `json:"status"`
}

// GetOrderRef handles GET {base}/orders/{id}.
func (c *Client) GetOrderRef(ctx context.Context, orderID uuid.UUID) (transition.OrderRef, error) {
	ctx, span := c.tracer.Start(ctx, "orders.get", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID.String()))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/orders/"+orderID.String(), nil)
	if err != nil {
		span.RecordError(err)
		return transition.OrderRef{}, err
	}
	req.Header.Set("Accept", "application/json")

	var resp orderResponse
	if err := c.do(ctx, span, req, &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return transition.OrderRef{}, transition.ErrOrderNotFound
		}
		return transition.OrderRef{}, fmt.Errorf("get order %s: %w", orderID, err)
	}

	status, err := enum.ParseOrderStatus(resp.Status)
	if err != nil {
		return transition.OrderRef{}, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return transition.OrderRef{ID: orderID, Status: status}, nil
}

// do sends req with auth and trace headers. A 2xx body is decoded into out
// when out is non-nil; anything else becomes an *APIError.
func (c *Client) do(ctx context.Context, span trace.Span, req *http.Request, out any) error {
	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			span.RecordError(err)
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := decodeAPIError(resp)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, apiErr.Error())
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func decodeAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return apiErr
	}
	var body errorBody
	if json.Unmarshal(raw, &body) == nil {
		switch {
		case strings.TrimSpace(body.Message) != "":
			apiErr.Message = strings.TrimSpace(body.Message)
		case strings.TrimSpace(body.Error) != "":
			apiErr.Message = strings.TrimSpace(body.Error)
		}
	}
	return apiErr
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// encodePayload renders p as multipart/form-data.
func encodePayload(p transition.Payload) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField(enum.FieldStatus, p.Status.String()); err != nil {
		return nil, "", err
	}
	if p.HasEvidence() {
		if err := w.WriteField(enum.FieldOTP, p.OTP); err != nil {
			return nil, "", err
		}
		for i, f := range p.Receipts {
			part, err := createFilePart(w, enum.FieldReceiptImgs, f)
			if err != nil {
				return nil, "", fmt.Errorf("receipt[%d]: %w", i, err)
			}
			if _, err := part.Write(f.Data); err != nil {
				return nil, "", fmt.Errorf("receipt[%d]: %w", i, err)
			}
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// createFilePart is multipart.Writer.CreateFormFile with the file's own
// content type instead of application/octet-stream.
func createFilePart(w *multipart.Writer, field string, f transition.File) (io.Writer, error) {
	contentType := f.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(field), quoteEscaper.Replace(f.Name)))
	h.Set("Content-Type", contentType)
	return w.CreatePart(h)
}
