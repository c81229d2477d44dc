package transition

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kiwari-pos/dispatch/internal/enum"
	"github.com/rs/zerolog"
)

// Observer is told how each Submit call ended.
// Satisfied by *metrics.Recorder.
type Observer interface {
	ObserveSubmit(outcome Outcome, elapsed time.Duration)
}

// Option configures a Controller.
type Option func(*Controller)

// WithPreviewer enables attachment previews.
func WithPreviewer(p Previewer) Option {
	return func(c *Controller) { c.previewer = p }
}

// WithRefresh sets the callback run after a successful update, once the
// session has been torn down. It receives the order with its new status.
func WithRefresh(fn func(OrderRef)) Option {
	return func(c *Controller) { c.refresh = fn }
}

// WithOnClose sets the callback run whenever an open session ends, either
// through Close or a successful Submit.
func WithOnClose(fn func(OrderRef)) Option {
	return func(c *Controller) { c.onClose = fn }
}

func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// Controller holds one operator's edit session for one order.
//
// Every mutation happens under mu. Submit releases the lock while the
// Updater runs; gen is bumped by Open and Close so a completion that
// arrives for an earlier session is dropped instead of touching the
// current one.
type Controller struct {
	updater   Updater
	previewer Previewer
	refresh   func(OrderRef)
	onClose   func(OrderRef)
	observer  Observer
	log       zerolog.Logger

	mu          sync.Mutex
	open        bool
	gen         uint64
	order       OrderRef
	status      enum.OrderStatus
	code        string
	attachments *Attachments
	phase       Phase
	lastErr     error
}

// New creates a closed controller. Call Open before editing.
func New(updater Updater, opts ...Option) *Controller {
	c := &Controller{
		updater: updater,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.attachments = NewAttachments(c.previewer)
	return c
}

// Open starts a session for order, discarding anything entered before.
func (c *Controller) Open(order OrderRef) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.attachments.Release()
	c.gen++
	c.open = true
	c.order = order
	c.status = order.Status
	c.code = ""
	c.phase = PhaseIdle
	c.lastErr = nil

	c.log.Debug().Str("order_id", order.ID.String()).Str("status", order.Status.String()).Msg("transition session opened")
}

// Close ends the session and releases its attachments. Calling it on a
// closed session does nothing.
func (c *Controller) Close() {
	c.mu.Lock()
	order, wasOpen := c.teardownLocked()
	c.mu.Unlock()

	if wasOpen && c.onClose != nil {
		c.onClose(order)
	}
}

// teardownLocked clears every field. Caller holds mu.
func (c *Controller) teardownLocked() (OrderRef, bool) {
	order, wasOpen := c.order, c.open

	c.attachments.Release()
	c.gen++
	c.open = false
	c.order = OrderRef{}
	c.status = ""
	c.code = ""
	c.phase = PhaseIdle
	c.lastErr = nil
	return order, wasOpen
}

// SetStatus changes the candidate status. Entered evidence is kept so the
// operator can switch away from DELIVERED and back without losing it.
func (c *Controller) SetStatus(s enum.OrderStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return ErrSessionClosed
	}
	c.status = s
	return nil
}

// SetEvidenceCode replaces the one-time code.
func (c *Controller) SetEvidenceCode(code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return ErrSessionClosed
	}
	c.code = code
	return nil
}

// AddAttachments appends receipt files after the existing ones.
func (c *Controller) AddAttachments(files ...File) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return ErrSessionClosed
	}
	c.attachments.Add(files...)
	return nil
}

// RemoveAttachment drops the attachment at index i. A stale index is not an
// error; the boolean reports whether anything was removed.
func (c *Controller) RemoveAttachment(i int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return false, ErrSessionClosed
	}
	return c.attachments.RemoveAt(i), nil
}

// Preview returns the preview reference for attachment i.
func (c *Controller) Preview(i int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return "", ErrSessionClosed
	}
	return c.attachments.Preview(i)
}

// State returns a copy of the session.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := State{
		Open:           c.open,
		Order:          c.order,
		SelectedStatus: c.status,
		EvidenceCode:   c.code,
		Attachments:    c.attachments.Info(),
		Phase:          c.phase,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// Submit validates the session and, if it passes, sends the transition to
// the Updater and waits for the answer.
//
// It returns nil on success (the session is torn down and the refresh
// callback has run), a *ValidationError when a local rule failed, a
// *RemoteUpdateError when the Updater rejected the change, ErrSubmitInFlight
// if another Submit is still running, ErrSessionClosed if no session is
// open, and ErrStaleSession if the session was closed or reopened before the
// Updater answered.
func (c *Controller) Submit(ctx context.Context) error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	if c.phase == PhaseSubmitting {
		c.mu.Unlock()
		return ErrSubmitInFlight
	}

	if errs := Validate(c.status, c.code, c.attachments.Len()); len(errs) > 0 {
		verr := errs[0]
		c.phase = PhaseFailed
		c.lastErr = verr
		c.mu.Unlock()

		c.observe(OutcomeInvalid, 0)
		return verr
	}

	c.phase = PhaseSubmitting
	c.lastErr = nil
	gen := c.gen
	order := c.order
	payload := c.payloadLocked()
	c.mu.Unlock()

	start := time.Now()
	err := c.updater.UpdateOrderStatus(ctx, order.ID, payload)
	elapsed := time.Since(start)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		c.log.Warn().Err(err).Str("order_id", order.ID.String()).Msg("dropping update result for a closed session")
		c.observe(OutcomeStale, elapsed)
		return ErrStaleSession
	}

	if err != nil {
		rerr := &RemoteUpdateError{Message: remoteMessage(err), Err: err}
		c.phase = PhaseFailed
		c.lastErr = rerr
		c.mu.Unlock()

		c.log.Info().Err(err).Str("order_id", order.ID.String()).Str("status", payload.Status.String()).Msg("order update rejected")
		c.observe(OutcomeRejected, elapsed)
		return rerr
	}

	closed, wasOpen := c.teardownLocked()
	c.mu.Unlock()

	c.log.Info().Str("order_id", order.ID.String()).Str("status", payload.Status.String()).Dur("elapsed", elapsed).Msg("order status updated")
	c.observe(OutcomeSuccess, elapsed)
	if wasOpen && c.onClose != nil {
		c.onClose(closed)
	}
	if c.refresh != nil {
		c.refresh(OrderRef{ID: order.ID, Status: payload.Status})
	}
	return nil
}

// payloadLocked builds the transfer payload. Caller holds mu.
func (c *Controller) payloadLocked() Payload {
	p := Payload{Status: c.status}
	if c.status.RequiresEvidence() {
		p.OTP = c.code
		p.Receipts = c.attachments.Files()
	}
	return p
}

func (c *Controller) observe(outcome Outcome, elapsed time.Duration) {
	if c.observer != nil {
		c.observer.ObserveSubmit(outcome, elapsed)
	}
}

// IsValidation reports whether err is a local validation rejection.
func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

// IsRemote reports whether err came back from the Updater.
func IsRemote(err error) bool {
	var rerr *RemoteUpdateError
	return errors.As(err, &rerr)
}
