package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	seriesdomain "github.com/smallbiznis/fiscalia/internal/series/domain"
	"github.com/smallbiznis/fiscalia/internal/verifactu/chain"
	"gorm.io/gorm"
)

// IssueRequest asks for a draft to be issued. CustomNumber replaces the next
// sequence number; IssueDate defaults to today in the fiscal timezone.
type IssueRequest struct {
	InvoiceID    string
	CustomNumber *int64
	IssueDate    *time.Time
}

// QRResult reports the QR render outcome. A failed render never fails issuance.
type QRResult struct {
	Generated bool   `json:"generated"`
	Error     string `json:"error,omitempty"`
}

type IssueResult struct {
	Invoice              Invoice                  `json:"invoice"`
	Warning              *seriesdomain.GapWarning `json:"warning,omitempty"`
	QR                   QRResult                 `json:"qr"`
	SubmissionDispatched bool                     `json:"submission_dispatched"`
}

// ChainBreak is one invoice whose stored hash or link does not verify.
type ChainBreak struct {
	InvoiceID  string `json:"invoice_id"`
	FullNumber string `json:"full_number"`
	Reason     string `json:"reason"`
}

const (
	ChainBreakHashMismatch = "hash_mismatch"
	ChainBreakLinkMismatch = "link_mismatch"
)

type ChainReport struct {
	SeriesID string       `json:"series_id"`
	Checked  int          `json:"checked"`
	Valid    bool         `json:"valid"`
	LastHash string       `json:"last_hash,omitempty"`
	Breaks   []ChainBreak `json:"breaks,omitempty"`
}

type Service interface {
	Issue(ctx context.Context, req IssueRequest) (IssueResult, error)
	GetByID(ctx context.Context, id string) (Invoice, error)
	MarkSent(ctx context.Context, id string) (Invoice, error)
	MarkPaid(ctx context.Context, id string) (Invoice, error)
	PreviewNextNumber(ctx context.Context, seriesID string) (int64, error)
	VerifyChain(ctx context.Context, seriesID string) (ChainReport, error)
}

// OwnerPeriodQuery selects issued, non-rectifying invoices of an owner for a billing month.
type OwnerPeriodQuery struct {
	AccountID snowflake.ID
	OwnerID   snowflake.ID
	Year      int
	Month     int
	ExcludeID snowflake.ID
}

// VerifactuUpdate records a submission outcome on the invoice.
type VerifactuUpdate struct {
	Status        VerifactuStatus
	ExternalID    *string
	NextAttemptAt *time.Time
}

type Repository interface {
	GetInvoiceWithSeries(ctx context.Context, db *gorm.DB, accountID, id snowflake.ID) (*Invoice, *seriesdomain.InvoiceSeries, error)
	GetByID(ctx context.Context, db *gorm.DB, accountID, id snowflake.ID) (*Invoice, error)
	GetPreviousIssuedInChain(ctx context.Context, db *gorm.DB, seriesID, excludeID snowflake.ID) (*Invoice, error)
	FindInvoiceByOwnerPeriod(ctx context.Context, db *gorm.DB, q OwnerPeriodQuery) (*Invoice, error)
	FindInvoiceByFullNumber(ctx context.Context, db *gorm.DB, seriesID snowflake.ID, fullNumber string) (snowflake.ID, bool, error)
	// PersistIssuedInvoice writes the issuance fields only while the row is still unlocked.
	PersistIssuedInvoice(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	ListChain(ctx context.Context, db *gorm.DB, accountID, seriesID snowflake.ID) ([]Invoice, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, accountID, id snowflake.ID, from []InvoiceStatus, to InvoiceStatus) (bool, error)
	UpdateVerifactuStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, update VerifactuUpdate) error
	ClaimSubmission(ctx context.Context, db *gorm.DB, id snowflake.ID, claim SubmissionClaim) (bool, error)
	ReleaseSubmissionClaim(ctx context.Context, db *gorm.DB, id snowflake.ID, token string) error
	ClaimDueSubmissions(ctx context.Context, db *gorm.DB, claim SubmissionClaim, limit int) ([]Invoice, error)
}

// SubmissionClaim is an in-flight lease on queued invoices. Until bounds how long the
// holder may take before another worker can claim the row.
type SubmissionClaim struct {
	Token string
	Now   time.Time
	Until time.Time
}

// SubmissionJob identifies an issued invoice to send to the certification service.
// ClaimToken is set when the caller already leased the invoice.
type SubmissionJob struct {
	AccountID  snowflake.ID
	InvoiceID  snowflake.ID
	ClaimToken string
}

// SubmissionDispatcher hands a job off without waiting for the outcome. It reports
// whether the job was accepted.
type SubmissionDispatcher interface {
	Dispatch(ctx context.Context, job SubmissionJob) bool
}

var (
	ErrInvalidAccount          = errors.New("invalid_account")
	ErrInvalidInvoiceID        = errors.New("invalid_invoice_id")
	ErrInvalidSeriesID         = errors.New("invalid_series_id")
	ErrInvoiceNotFound         = errors.New("invoice_not_found")
	ErrAlreadyIssued           = errors.New("invoice_already_issued")
	ErrEmptyInvoice            = errors.New("empty_invoice")
	ErrNonPositiveTotal        = errors.New("non_positive_total")
	ErrDocumentsDisabled       = errors.New("documents_disabled")
	ErrDuplicatePeriodInvoice  = errors.New("duplicate_period_invoice")
	ErrInvalidPeriod           = errors.New("invalid_period")
	ErrInvalidStatusTransition = errors.New("invalid_status_transition")
	ErrInvalidRectifiedInvoice = errors.New("invalid_rectified_invoice")
	ErrMissingIssuerTaxID      = chain.ErrMissingIssuerTaxID
)

// DuplicatePeriodError reports the issued invoice that already covers an owner's period.
type DuplicatePeriodError struct {
	OwnerID            snowflake.ID
	Year               int
	Month              int
	ConflictInvoiceID  snowflake.ID
	ConflictFullNumber string
}

func (e *DuplicatePeriodError) Error() string {
	return fmt.Sprintf("duplicate_period_invoice: owner %s already invoiced for %04d-%02d by %s (%s)",
		e.OwnerID, e.Year, e.Month, e.ConflictFullNumber, e.ConflictInvoiceID)
}

func (e *DuplicatePeriodError) Unwrap() error { return ErrDuplicatePeriodInvoice }
