// Package transition implements the order-status transition session: the
// state an operator edits while moving an order to a new status, the rules
// that gate submission, and the proof-of-delivery attachments that travel
// with a DELIVERED transition.
package transition

import (
	"context"

	"github.com/google/uuid"
	"github.com/kiwari-pos/dispatch/internal/enum"
)

// OrderRef identifies the order being edited and its current status.
type OrderRef struct {
	ID     uuid.UUID
	Status enum.OrderStatus
}

// File is one binary payload picked by the operator.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Payload is what gets sent to the order system. OTP and Receipts are only
// populated for DELIVERED.
type Payload struct {
	Status   enum.OrderStatus
	OTP      string
	Receipts []File
}

// HasEvidence reports whether the payload carries proof of delivery.
func (p Payload) HasEvidence() bool {
	return p.Status.RequiresEvidence()
}

// Updater applies a transition to the authoritative order record.
// Satisfied by *updater.Client and *store.Store.
type Updater interface {
	UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, p Payload) error
}

// Previewer hands out short-lived preview references for attachments.
// Satisfied by *preview.Registry.
type Previewer interface {
	Create(name, contentType string, data []byte) (string, error)
	Revoke(ref string) bool
}

// Phase is where a session is in its submission lifecycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSubmitting
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSubmitting:
		return "submitting"
	case PhaseFailed:
		return "failed"
	}
	return "unknown"
}

// AttachmentInfo describes an attachment without exposing its bytes.
type AttachmentInfo struct {
	Name        string
	ContentType string
	Size        int
	Preview     string // empty until Preview is requested
}

// State is a point-in-time copy of a session.
type State struct {
	Open           bool
	Order          OrderRef
	SelectedStatus enum.OrderStatus
	EvidenceCode   string
	Attachments    []AttachmentInfo
	Phase          Phase
	LastError      string
}

// Outcome labels a finished Submit call for observers.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeInvalid  Outcome = "invalid"
	OutcomeRejected Outcome = "rejected"
	OutcomeStale    Outcome = "stale"
)
