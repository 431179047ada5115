package service

import (
	"context"

	invoicedomain "github.com/smallbiznis/fiscalia/internal/invoice/domain"
	"gorm.io/gorm"
)

// checkPeriod rejects a second standard invoice for the same owner and billing month.
// Rectifying invoices are how an issued period is corrected, so they bypass the guard.
func (s *Service) checkPeriod(ctx context.Context, tx *gorm.DB, invoice *invoicedomain.Invoice) error {
	if invoice.IsRectifying || invoice.OwnerID == nil || invoice.PeriodYear == nil || invoice.PeriodMonth == nil {
		return nil
	}

	year, month := *invoice.PeriodYear, *invoice.PeriodMonth
	if year <= 0 || month < 1 || month > 12 {
		return invoicedomain.ErrInvalidPeriod
	}

	conflict, err := s.repo.FindInvoiceByOwnerPeriod(ctx, tx, invoicedomain.OwnerPeriodQuery{
		AccountID: invoice.AccountID,
		OwnerID:   *invoice.OwnerID,
		Year:      year,
		Month:     month,
		ExcludeID: invoice.ID,
	})
	if err != nil {
		return err
	}
	if conflict == nil {
		return nil
	}

	return &invoicedomain.DuplicatePeriodError{
		OwnerID:            *invoice.OwnerID,
		Year:               year,
		Month:              month,
		ConflictInvoiceID:  conflict.ID,
		ConflictFullNumber: conflict.FullNumberValue(),
	}
}
