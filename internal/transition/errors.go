package transition

import (
	"errors"
	"strings"
)

// FallbackRemoteMessage is shown when a failed update carries no text at all.
const FallbackRemoteMessage = "failed to update order status"

var (
	ErrSessionClosed  = errors.New("transition session is not open")
	ErrSubmitInFlight = errors.New("a submission is already in progress")
	ErrStaleSession   = errors.New("session changed while the update was in flight")
	ErrNoPreviewer    = errors.New("previews are not available")
	ErrNoAttachment   = errors.New("attachment index out of range")
	ErrOrderNotFound  = errors.New("order not found")
)

// ValidationKind names a local rule that blocked submission.
type ValidationKind string

const (
	MissingEvidenceCode ValidationKind = "MissingEvidenceCode"
	MissingAttachments  ValidationKind = "MissingAttachments"
)

var validationMessages = map[ValidationKind]string{
	MissingEvidenceCode: "OTP is required and must be at least 4 digits",
	MissingAttachments:  "at least one receipt image is required",
}

// ValidationError is a local rejection; nothing was sent.
type ValidationError struct {
	Kind ValidationKind
}

func (e *ValidationError) Error() string {
	if msg, ok := validationMessages[e.Kind]; ok {
		return msg
	}
	return string(e.Kind)
}

// RemoteUpdateError wraps a failure returned by the Updater.
type RemoteUpdateError struct {
	Message string
	Err     error
}

func (e *RemoteUpdateError) Error() string { return e.Message }
func (e *RemoteUpdateError) Unwrap() error { return e.Err }

// userMessager is implemented by updater errors that carry a message meant
// for the operator (e.g. the API's "message" field).
type userMessager interface {
	UserMessage() string
}

// remoteMessage picks the structured message, then the error text, then
// FallbackRemoteMessage.
func remoteMessage(err error) string {
	var um userMessager
	if errors.As(err, &um) {
		if msg := strings.TrimSpace(um.UserMessage()); msg != "" {
			return msg
		}
	}
	if msg := strings.TrimSpace(err.Error()); msg != "" {
		return msg
	}
	return FallbackRemoteMessage
}
