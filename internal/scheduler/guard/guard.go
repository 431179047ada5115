package guard

import (
	"errors"
	"time"

	invoicedomain "github.com/smallbiznis/fiscalia/internal/invoice/domain"
)

var (
	ErrInvoiceNotLocked    = errors.New("invoice_not_locked")
	ErrSubmissionNotQueued = errors.New("submission_not_queued")
	ErrSubmissionNotDue    = errors.New("submission_not_due")
)

// EnsureSubmissionDue re-checks a claimed invoice before the retry job submits it; a
// worker may have submitted it since the batch was read.
func EnsureSubmissionDue(invoice invoicedomain.Invoice, now time.Time) error {
	if !invoice.IsLocked {
		return ErrInvoiceNotLocked
	}
	if invoice.VerifactuStatus == nil {
		return ErrSubmissionNotQueued
	}
	switch *invoice.VerifactuStatus {
	case invoicedomain.VerifactuStatusPending, invoicedomain.VerifactuStatusError:
	default:
		return ErrSubmissionNotQueued
	}
	if invoice.VerifactuNextAttemptAt == nil || now.Before(*invoice.VerifactuNextAttemptAt) {
		return ErrSubmissionNotDue
	}
	return nil
}
