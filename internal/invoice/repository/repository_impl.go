package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/fiscalia/internal/invoice/domain"
	seriesdomain "github.com/smallbiznis/fiscalia/internal/series/domain"
	pkgdb "github.com/smallbiznis/fiscalia/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() invoicedomain.Repository {
	return &repo{}
}

// NumberLookup exposes the full number check to the series allocator.
func NumberLookup(r invoicedomain.Repository) seriesdomain.NumberLookup {
	return r
}

func (r *repo) GetInvoiceWithSeries(ctx context.Context, db *gorm.DB, accountID, id snowflake.ID) (*invoicedomain.Invoice, *seriesdomain.InvoiceSeries, error) {
	invoice, err := r.GetByID(ctx, db, accountID, id)
	if err != nil {
		return nil, nil, err
	}

	var series seriesdomain.InvoiceSeries
	err = db.WithContext(ctx).
		Where("id = ? AND account_id = ?", invoice.SeriesID, accountID).
		Take(&series).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, seriesdomain.ErrSeriesNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return invoice, &series, nil
}

func (r *repo) GetByID(ctx context.Context, db *gorm.DB, accountID, id snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := db.WithContext(ctx).
		Preload("Items", func(tx *gorm.DB) *gorm.DB { return tx.Order("id ASC") }).
		Where("id = ? AND account_id = ?", id, accountID).
		Take(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (r *repo) GetPreviousIssuedInChain(ctx context.Context, db *gorm.DB, seriesID, excludeID snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := db.WithContext(ctx).
		Where("series_id = ? AND id <> ? AND status IN ? AND chain_seq IS NOT NULL", seriesID, excludeID, invoicedomain.IssuedStatuses).
		Order("chain_seq DESC").
		Take(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (r *repo) FindInvoiceByOwnerPeriod(ctx context.Context, db *gorm.DB, q invoicedomain.OwnerPeriodQuery) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := db.WithContext(ctx).
		Where("account_id = ? AND owner_id = ? AND period_year = ? AND period_month = ?", q.AccountID, q.OwnerID, q.Year, q.Month).
		Where("id <> ? AND status IN ? AND is_rectifying = ?", q.ExcludeID, invoicedomain.IssuedStatuses, false).
		Order("issued_at ASC, id ASC").
		Take(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (r *repo) FindInvoiceByFullNumber(ctx context.Context, db *gorm.DB, seriesID snowflake.ID, fullNumber string) (snowflake.ID, bool, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Where("series_id = ? AND full_number = ?", seriesID, fullNumber).
		Limit(1).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, false, err
	}
	if len(ids) == 0 {
		return 0, false, nil
	}
	return ids[0], true, nil
}

func (r *repo) PersistIssuedInvoice(ctx context.Context, db *gorm.DB, invoice *invoicedomain.Invoice) error {
	if invoice == nil {
		return invoicedomain.ErrInvoiceNotFound
	}

	var rows int64
	// savepoint keeps the outer transaction usable for the conflict lookup
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&invoicedomain.Invoice{}).
			Where("id = ? AND account_id = ? AND is_locked = ?", invoice.ID, invoice.AccountID, false).
			Updates(map[string]any{
				"document_type":             invoice.DocumentType,
				"number":                    invoice.Number,
				"full_number":               invoice.FullNumber,
				"status":                    invoice.Status,
				"issue_date":                invoice.IssueDate,
				"issuer_tax_id":             invoice.IssuerTaxID,
				"hash":                      invoice.Hash,
				"previous_hash":             invoice.PreviousHash,
				"chain_seq":                 invoice.ChainSeq,
				"chain_timestamp":           invoice.ChainTimestamp,
				"chain_issue_date":          invoice.ChainIssueDate,
				"chain_tax_amount":          invoice.ChainTaxAmount,
				"chain_total_amount":        invoice.ChainTotalAmount,
				"invoice_type":              invoice.InvoiceType,
				"qr_code":                   invoice.QRCode,
				"qr_payload":                invoice.QRPayload,
				"is_locked":                 true,
				"issued_at":                 invoice.IssuedAt,
				"verifactu_status":          invoice.VerifactuStatus,
				"verifactu_next_attempt_at": invoice.VerifactuNextAttemptAt,
				"updated_at":                time.Now().UTC(),
			})
		rows = res.RowsAffected
		return res.Error
	})
	if err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			return r.explainDuplicate(ctx, db, invoice, err)
		}
		return err
	}
	if rows == 0 {
		return invoicedomain.ErrAlreadyIssued
	}
	invoice.IsLocked = true
	return nil
}

// explainDuplicate turns a unique violation on the issued invoice into the conflict
// it stands for. The series lock normally prevents these; the indexes catch writers
// that do not share it.
func (r *repo) explainDuplicate(ctx context.Context, db *gorm.DB, invoice *invoicedomain.Invoice, cause error) error {
	if invoice.FullNumber != nil {
		conflictID, found, err := r.FindInvoiceByFullNumber(ctx, db, invoice.SeriesID, *invoice.FullNumber)
		if err != nil {
			return errors.Join(cause, err)
		}
		if found && conflictID != invoice.ID {
			return &seriesdomain.DuplicateNumberError{
				SeriesID:          invoice.SeriesID,
				FullNumber:        *invoice.FullNumber,
				ConflictInvoiceID: conflictID,
			}
		}
	}

	if !invoice.IsRectifying && invoice.OwnerID != nil && invoice.PeriodYear != nil && invoice.PeriodMonth != nil {
		conflict, err := r.FindInvoiceByOwnerPeriod(ctx, db, invoicedomain.OwnerPeriodQuery{
			AccountID: invoice.AccountID,
			OwnerID:   *invoice.OwnerID,
			Year:      *invoice.PeriodYear,
			Month:     *invoice.PeriodMonth,
			ExcludeID: invoice.ID,
		})
		if err != nil {
			return errors.Join(cause, err)
		}
		if conflict != nil {
			return &invoicedomain.DuplicatePeriodError{
				OwnerID:            *invoice.OwnerID,
				Year:               *invoice.PeriodYear,
				Month:              *invoice.PeriodMonth,
				ConflictInvoiceID:  conflict.ID,
				ConflictFullNumber: conflict.FullNumberValue(),
			}
		}
	}

	return fmt.Errorf("persist issued invoice %s: %w", invoice.ID, cause)
}

func (r *repo) ListChain(ctx context.Context, db *gorm.DB, accountID, seriesID snowflake.ID) ([]invoicedomain.Invoice, error) {
	var invoices []invoicedomain.Invoice
	err := db.WithContext(ctx).
		Where("account_id = ? AND series_id = ? AND status IN ? AND chain_seq IS NOT NULL", accountID, seriesID, invoicedomain.IssuedStatuses).
		Order("chain_seq ASC").
		Find(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, accountID, id snowflake.ID, from []invoicedomain.InvoiceStatus, to invoicedomain.InvoiceStatus) (bool, error) {
	res := db.WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Where("id = ? AND account_id = ? AND is_locked = ? AND status IN ?", id, accountID, true, from).
		Updates(map[string]any{
			"status":     to,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// UpdateVerifactuStatus records a submission outcome and releases any claim on the row.
func (r *repo) UpdateVerifactuStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, update invoicedomain.VerifactuUpdate) error {
	values := map[string]any{
		"verifactu_status":          update.Status,
		"verifactu_next_attempt_at": update.NextAttemptAt,
		"verifactu_claim_token":     nil,
		"verifactu_claimed_until":   nil,
		"updated_at":                time.Now().UTC(),
	}
	if update.ExternalID != nil {
		values["verifactu_external_id"] = *update.ExternalID
	}

	return db.WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Where("id = ? AND is_locked = ?", id, true).
		Updates(values).Error
}

// ClaimSubmission takes the in-flight lease on a queued invoice. A claim held under
// the same token is renewed; any other live claim makes it report false.
func (r *repo) ClaimSubmission(ctx context.Context, db *gorm.DB, id snowflake.ID, claim invoicedomain.SubmissionClaim) (bool, error) {
	res := db.WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Where("id = ? AND is_locked = ? AND verifactu_status IN ?", id, true, queuedStatuses).
		Where("verifactu_claimed_until IS NULL OR verifactu_claimed_until <= ? OR verifactu_claim_token = ?", claim.Now.UTC(), claim.Token).
		Updates(map[string]any{
			"verifactu_claim_token":   claim.Token,
			"verifactu_claimed_until": claim.Until.UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ReleaseSubmissionClaim(ctx context.Context, db *gorm.DB, id snowflake.ID, token string) error {
	return db.WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Where("id = ? AND verifactu_claim_token = ?", id, token).
		Updates(map[string]any{
			"verifactu_claim_token":   nil,
			"verifactu_claimed_until": nil,
		}).Error
}

// ClaimDueSubmissions leases up to limit queued invoices whose next attempt is due.
// Rows locked or leased by another worker are skipped.
func (r *repo) ClaimDueSubmissions(ctx context.Context, db *gorm.DB, claim invoicedomain.SubmissionClaim, limit int) ([]invoicedomain.Invoice, error) {
	if limit <= 0 {
		limit = 25
	}
	now := claim.Now.UTC()

	var invoices []invoicedomain.Invoice
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("is_locked = ? AND verifactu_status IN ?", true, queuedStatuses).
			Where("verifactu_next_attempt_at IS NOT NULL AND verifactu_next_attempt_at <= ?", now).
			Where("verifactu_claimed_until IS NULL OR verifactu_claimed_until <= ?", now).
			Order("verifactu_next_attempt_at ASC, id ASC").
			Limit(limit).
			Find(&invoices).Error
		if err != nil || len(invoices) == 0 {
			return err
		}

		ids := make([]snowflake.ID, 0, len(invoices))
		for _, invoice := range invoices {
			ids = append(ids, invoice.ID)
		}
		return tx.Model(&invoicedomain.Invoice{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"verifactu_claim_token":   claim.Token,
				"verifactu_claimed_until": claim.Until.UTC(),
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

var queuedStatuses = []invoicedomain.VerifactuStatus{
	invoicedomain.VerifactuStatusPending,
	invoicedomain.VerifactuStatusError,
}
