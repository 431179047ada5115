package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/fiscalia/internal/invoice/domain"
	issuerdomain "github.com/smallbiznis/fiscalia/internal/issuer/domain"
	seriesdomain "github.com/smallbiznis/fiscalia/internal/series/domain"
	"github.com/smallbiznis/fiscalia/internal/serieslock"
	"github.com/smallbiznis/fiscalia/internal/verifactu/chain"
	"github.com/smallbiznis/fiscalia/internal/verifactu/invoicetype"
	"github.com/smallbiznis/fiscalia/internal/verifactu/qr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Issue locks a draft into the fiscal record: number, type code, chain hash and QR are
// assigned and persisted with the audit entry in one transaction under the series lock.
// Submission to the certification service is handed off after commit.
func (s *Service) Issue(ctx context.Context, req invoicedomain.IssueRequest) (invoicedomain.IssueResult, error) {
	ctx, span := tracer.Start(ctx, "invoice.Issue")
	defer span.End()
	span.SetAttributes(attribute.String("invoice.id", req.InvoiceID))

	started := time.Now()
	result, err := s.issue(ctx, req)
	s.metrics.ObserveIssueDuration(time.Since(started))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.IncIssueFailure(failureReason(err))
		s.log.Info("invoice issuance rejected",
			zap.String("invoice_id", req.InvoiceID),
			zap.String("reason", failureReason(err)),
			zap.Error(err),
		)
		return invoicedomain.IssueResult{}, err
	}

	span.SetAttributes(
		attribute.String("invoice.full_number", result.Invoice.FullNumberValue()),
		attribute.String("invoice.document_type", string(result.Invoice.DocumentType)),
		attribute.Bool("invoice.sequence_gap", result.Warning != nil),
	)
	s.metrics.IncIssued(string(result.Invoice.DocumentType))
	return result, nil
}

func (s *Service) issue(ctx context.Context, req invoicedomain.IssueRequest) (invoicedomain.IssueResult, error) {
	accountID, err := s.accountIDFromContext(ctx)
	if err != nil {
		return invoicedomain.IssueResult{}, err
	}
	invoiceID, err := parseID(req.InvoiceID)
	if err != nil {
		return invoicedomain.IssueResult{}, invoicedomain.ErrInvalidInvoiceID
	}
	if req.CustomNumber != nil && *req.CustomNumber <= 0 {
		return invoicedomain.IssueResult{}, seriesdomain.ErrInvalidNumber
	}

	// Read once outside the transaction to learn which series lock to take.
	draft, err := s.repo.GetByID(ctx, s.db, accountID, invoiceID)
	if err != nil {
		return invoicedomain.IssueResult{}, err
	}
	if draft.IsLocked {
		return invoicedomain.IssueResult{}, invoicedomain.ErrAlreadyIssued
	}

	unlock, err := s.lockSeries(ctx, draft.SeriesID)
	if err != nil {
		return invoicedomain.IssueResult{}, err
	}
	defer unlock()

	var (
		result invoicedomain.IssueResult
		submit bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, series, err := s.repo.GetInvoiceWithSeries(ctx, tx, accountID, invoiceID)
		if err != nil {
			return err
		}
		if _, err := s.seriesRepo.LockForUpdate(ctx, tx, series.ID); err != nil {
			return err
		}

		docType, err := s.validateDraft(ctx, tx, invoice)
		if err != nil {
			return err
		}
		if err := s.checkPeriod(ctx, tx, invoice); err != nil {
			return err
		}

		issueDate := s.resolveIssueDate(req.IssueDate)
		issuedAt := s.clock.Now().UTC()
		invoice.DocumentType = docType
		invoice.IssueDate = &issueDate
		invoice.IssuedAt = &issuedAt
		invoice.Status = invoicedomain.InvoiceStatusIssued

		if docType == invoicedomain.DocumentTypeServiceNote {
			ref := serviceNoteReference(issueDate, invoice.ID)
			invoice.Number = nil
			invoice.FullNumber = &ref
		} else {
			issuer, err := s.issuerRepo.GetConfig(ctx, tx, accountID)
			if err != nil {
				return err
			}
			if submit, err = s.sealInvoice(ctx, tx, invoice, series, issuer, req.CustomNumber, &result); err != nil {
				return err
			}
		}

		if err := s.repo.PersistIssuedInvoice(ctx, tx, invoice); err != nil {
			return err
		}
		if err := s.auditSvc.AuditLogTx(ctx, tx, auditEntry("invoice.issued", invoice, issuedAuditMetadata(invoice, result))); err != nil {
			return err
		}

		result.Invoice = *invoice
		return nil
	})
	if err != nil {
		return invoicedomain.IssueResult{}, err
	}

	s.log.Info("invoice issued",
		zap.String("invoice_id", result.Invoice.ID.String()),
		zap.String("full_number", result.Invoice.FullNumberValue()),
		zap.String("document_type", string(result.Invoice.DocumentType)),
		zap.Bool("sequence_gap", result.Warning != nil),
	)

	if submit && s.dispatcher != nil {
		result.SubmissionDispatched = s.dispatcher.Dispatch(context.WithoutCancel(ctx), invoicedomain.SubmissionJob{
			AccountID: accountID,
			InvoiceID: result.Invoice.ID,
		})
	}
	return result, nil
}

// sealInvoice assigns the fiscal number, type code, chain hash and QR of a standard
// or rectifying invoice. It reports whether the invoice must be submitted.
func (s *Service) sealInvoice(
	ctx context.Context,
	tx *gorm.DB,
	invoice *invoicedomain.Invoice,
	series *seriesdomain.InvoiceSeries,
	issuer *issuerdomain.IssuerConfig,
	customNumber *int64,
	result *invoicedomain.IssueResult,
) (bool, error) {
	taxID := strings.TrimSpace(issuer.TaxID)
	if issuer.ChainingEnabled && taxID == "" {
		return false, invoicedomain.ErrMissingIssuerTaxID
	}
	invoice.IssuerTaxID = taxID

	alloc, err := s.allocate(ctx, tx, series.ID, invoice.ID, customNumber)
	if err != nil {
		return false, err
	}
	invoice.Number = &alloc.Number
	invoice.FullNumber = &alloc.FullNumber
	result.Warning = alloc.Warning

	code, err := invoicetype.Resolve(invoice.IsRectifying, rectifyingSubtype(invoice), invoice.Total)
	if err != nil {
		return false, err
	}
	invoice.InvoiceType = string(code)

	if issuer.ChainingEnabled {
		// the predecessor is the highest chain position, never the latest wall clock
		previousHash := ""
		seq := int64(1)
		previous, err := s.repo.GetPreviousIssuedInChain(ctx, tx, series.ID, invoice.ID)
		if err != nil {
			return false, err
		}
		if previous != nil && previous.ChainSeq != nil {
			previousHash = previous.Hash
			seq = *previous.ChainSeq + 1
		}

		record, err := chain.NewRecord(chain.Input{
			IssuerTaxID:  taxID,
			FullNumber:   alloc.FullNumber,
			IssueDate:    *invoice.IssueDate,
			InvoiceType:  invoice.InvoiceType,
			TaxAmount:    invoice.TaxAmount,
			TotalAmount:  invoice.Total,
			PreviousHash: previousHash,
			GeneratedAt:  *invoice.IssuedAt,
			Location:     s.location,
		})
		if err != nil {
			return false, err
		}
		invoice.Hash = chain.ComputeHash(record)
		invoice.PreviousHash = record.PreviousHash
		invoice.ChainSeq = &seq
		invoice.ChainTimestamp = record.Timestamp
		invoice.ChainIssueDate = record.IssueDate
		invoice.ChainTaxAmount = record.TaxAmount
		invoice.ChainTotalAmount = record.TotalAmount

		result.QR = s.renderQR(ctx, invoice)
	}

	if !issuer.SubmissionEnabled {
		return false, nil
	}
	pending := invoicedomain.VerifactuStatusPending
	nextAttempt := invoice.IssuedAt.Add(s.retryGrace)
	invoice.VerifactuStatus = &pending
	invoice.VerifactuNextAttemptAt = &nextAttempt
	return true, nil
}

func (s *Service) allocate(ctx context.Context, tx *gorm.DB, seriesID, invoiceID snowflake.ID, customNumber *int64) (seriesdomain.Allocation, error) {
	if customNumber != nil {
		return s.allocator.ReserveOverride(ctx, tx, seriesID, *customNumber, invoiceID)
	}
	return s.allocator.ReserveNext(ctx, tx, seriesID)
}

// validateDraft checks the issuance preconditions and returns the document type the
// owner's policy calls for.
func (s *Service) validateDraft(ctx context.Context, tx *gorm.DB, invoice *invoicedomain.Invoice) (invoicedomain.DocumentType, error) {
	if invoice.IsLocked || (invoice.Status != invoicedomain.InvoiceStatusDraft && invoice.Status != invoicedomain.InvoiceStatusProforma) {
		return "", invoicedomain.ErrAlreadyIssued
	}
	if len(invoice.Items) == 0 {
		return "", invoicedomain.ErrEmptyInvoice
	}

	if invoice.IsRectifying {
		if invoice.Total.IsZero() {
			return "", invoicedomain.ErrNonPositiveTotal
		}
		if invoice.RectifiesInvoiceID != nil {
			original, err := s.repo.GetByID(ctx, tx, invoice.AccountID, *invoice.RectifiesInvoiceID)
			if errors.Is(err, invoicedomain.ErrInvoiceNotFound) {
				return "", invoicedomain.ErrInvalidRectifiedInvoice
			}
			if err != nil {
				return "", err
			}
			if !original.IsLocked || original.ID == invoice.ID {
				return "", invoicedomain.ErrInvalidRectifiedInvoice
			}
		}
	} else if !invoice.Total.IsPositive() {
		return "", invoicedomain.ErrNonPositiveTotal
	}

	docType := invoice.DocumentType
	if docType == "" {
		docType = invoicedomain.DocumentTypeInvoice
	}
	if invoice.OwnerID == nil {
		return docType, nil
	}

	owner, err := s.issuerRepo.GetOwner(ctx, tx, invoice.AccountID, *invoice.OwnerID)
	if err != nil {
		return "", err
	}
	switch owner.EffectivePolicy() {
	case issuerdomain.DocumentPolicyNone:
		return "", invoicedomain.ErrDocumentsDisabled
	case issuerdomain.DocumentPolicyServiceNote:
		if !invoice.IsRectifying {
			docType = invoicedomain.DocumentTypeServiceNote
		}
	default:
		docType = invoicedomain.DocumentTypeInvoice
	}
	return docType, nil
}

func (s *Service) renderQR(ctx context.Context, invoice *invoicedomain.Invoice) invoicedomain.QRResult {
	if s.qr == nil {
		return invoicedomain.QRResult{}
	}

	code, err := s.qr.Generate(ctx, qr.Input{
		TaxID:       invoice.IssuerTaxID,
		FullNumber:  invoice.FullNumberValue(),
		IssueDate:   *invoice.IssueDate,
		TotalAmount: invoice.Total,
	})
	if err != nil {
		s.metrics.IncQRFailure()
		s.log.Warn("qr generation failed; issuing without qr",
			zap.String("invoice_id", invoice.ID.String()),
			zap.String("full_number", invoice.FullNumberValue()),
			zap.Error(err),
		)
		return invoicedomain.QRResult{Error: err.Error()}
	}

	invoice.QRCode = &code.DataURL
	invoice.QRPayload = &code.Payload
	return invoicedomain.QRResult{Generated: true}
}

func (s *Service) lockSeries(ctx context.Context, seriesID snowflake.ID) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	started := time.Now()
	unlock, err := s.locker.Lock(lockCtx, serieslock.SeriesKey(seriesID.String()))
	s.metrics.ObserveSeriesLockWait(time.Since(started))
	if err != nil {
		return nil, err
	}
	return unlock, nil
}

// resolveIssueDate returns a calendar date at UTC midnight. An explicit date keeps its
// own calendar day; the default is today in the fiscal timezone.
func (s *Service) resolveIssueDate(requested *time.Time) time.Time {
	var y int
	var m time.Month
	var d int
	if requested != nil && !requested.IsZero() {
		y, m, d = requested.Date()
	} else {
		y, m, d = s.clock.Now().In(s.location).Date()
	}
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func serviceNoteReference(issueDate time.Time, id snowflake.ID) string {
	return fmt.Sprintf("NS-%s-%s", issueDate.Format("20060102"), id.String())
}

func rectifyingSubtype(invoice *invoicedomain.Invoice) *invoicetype.Subtype {
	if invoice.RectifyingSubtype == nil {
		return nil
	}
	subtype := invoicetype.ParseSubtype(*invoice.RectifyingSubtype)
	return &subtype
}

func issuedAuditMetadata(invoice *invoicedomain.Invoice, result invoicedomain.IssueResult) map[string]any {
	metadata := map[string]any{
		"invoice_type":  invoice.InvoiceType,
		"issuer_tax_id": invoice.IssuerTaxID,
		"hash":          invoice.Hash,
		"previous_hash": invoice.PreviousHash,
		"timestamp":     invoice.ChainTimestamp,
	}
	if invoice.IssueDate != nil {
		metadata["issue_date"] = invoice.IssueDate.Format("2006-01-02")
	}
	if invoice.RectifiesInvoiceID != nil {
		metadata["rectifies_invoice_id"] = invoice.RectifiesInvoiceID.String()
	}
	if result.Warning != nil {
		metadata["sequence_gap"] = map[string]any{
			"expected": result.Warning.Expected,
			"assigned": result.Warning.Assigned,
			"message":  result.Warning.Message,
		}
	}
	if result.QR.Error != "" {
		metadata["qr_error"] = result.QR.Error
	}
	return metadata
}

var failureReasons = []error{
	invoicedomain.ErrInvalidAccount,
	invoicedomain.ErrInvalidInvoiceID,
	invoicedomain.ErrInvoiceNotFound,
	invoicedomain.ErrAlreadyIssued,
	invoicedomain.ErrEmptyInvoice,
	invoicedomain.ErrNonPositiveTotal,
	invoicedomain.ErrDocumentsDisabled,
	invoicedomain.ErrDuplicatePeriodInvoice,
	invoicedomain.ErrInvalidPeriod,
	invoicedomain.ErrInvalidRectifiedInvoice,
	invoicedomain.ErrMissingIssuerTaxID,
	invoicetype.ErrInvalidRectifyingInvoice,
	seriesdomain.ErrDuplicateNumber,
	seriesdomain.ErrInvalidNumber,
	seriesdomain.ErrSeriesNotFound,
	issuerdomain.ErrIssuerNotConfigured,
	issuerdomain.ErrOwnerNotFound,
	serieslock.ErrLockTimeout,
}

func failureReason(err error) string {
	for _, reason := range failureReasons {
		if errors.Is(err, reason) {
			return reason.Error()
		}
	}
	return "internal"
}
