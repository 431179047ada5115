package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/fiscalia/internal/invoice/domain"
	"gorm.io/gorm"
)

// Result is the outcome of one submission attempt. Err is set on every failure,
// including recovered panics.
type Result struct {
	Success    bool
	ExternalID string
	Attempt    int
	Retryable  bool
	Err        error
}

type Repository interface {
	Append(ctx context.Context, db *gorm.DB, record *SubmissionRecord) error
	ListByInvoice(ctx context.Context, db *gorm.DB, accountID, invoiceID snowflake.ID) ([]SubmissionRecord, error)
	CountAttempts(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (int, error)
}

// Tracker sends issued invoices to the certification service and records every attempt.
type Tracker interface {
	Submit(ctx context.Context, job invoicedomain.SubmissionJob) Result
}

type Service interface {
	Tracker
	// Resubmit runs an immediate attempt for an invoice of the account in context.
	Resubmit(ctx context.Context, invoiceID string) (Result, error)
	History(ctx context.Context, invoiceID string) ([]SubmissionRecord, error)
}

var (
	ErrInvalidAccount     = errors.New("invalid_account")
	ErrInvalidInvoiceID   = errors.New("invalid_invoice_id")
	ErrNotSubmittable     = errors.New("invoice_not_submittable")
	ErrAlreadySubmitted   = errors.New("invoice_already_submitted")
	ErrSubmissionDisabled = errors.New("submission_disabled")
	// ErrSubmissionInProgress means another worker holds the claim on the invoice.
	ErrSubmissionInProgress = errors.New("submission_in_progress")
	ErrSubmissionPanic      = errors.New("submission_panic")
)
