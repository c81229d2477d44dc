package transition

import (
	"unicode/utf8"

	"github.com/kiwari-pos/dispatch/internal/enum"
)

// MinEvidenceCodeLength is the shortest OTP accepted for DELIVERED.
const MinEvidenceCodeLength = 4

// Validate returns every rule the candidate transition breaks, in the order
// they are reported to the operator. Only DELIVERED has rules.
func Validate(status enum.OrderStatus, code string, attachments int) []*ValidationError {
	if !status.RequiresEvidence() {
		return nil
	}

	var errs []*ValidationError
	if utf8.RuneCountInString(code) < MinEvidenceCodeLength {
		errs = append(errs, &ValidationError{Kind: MissingEvidenceCode})
	}
	if attachments == 0 {
		errs = append(errs, &ValidationError{Kind: MissingAttachments})
	}
	return errs
}
