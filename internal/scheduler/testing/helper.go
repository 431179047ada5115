// Package testing moves queued submissions through time for scheduler tests.
package testing

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/fiscalia/internal/invoice/domain"
	"gorm.io/gorm"
)

// TimeAccelerator makes queued submissions due without waiting for their backoff.
type TimeAccelerator struct {
	db *gorm.DB
}

func NewTimeAccelerator(db *gorm.DB) *TimeAccelerator {
	return &TimeAccelerator{db: db}
}

// MakeDue moves one invoice's next attempt to just before now.
func (ta *TimeAccelerator) MakeDue(ctx context.Context, invoiceID snowflake.ID, now time.Time) error {
	return ta.db.WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Where("id = ? AND verifactu_next_attempt_at IS NOT NULL", invoiceID).
		Update("verifactu_next_attempt_at", now.UTC().Add(-time.Minute)).Error
}

// MakeAllDue moves every queued submission's next attempt to just before now.
func (ta *TimeAccelerator) MakeAllDue(ctx context.Context, now time.Time) (int64, error) {
	result := ta.db.WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Where("verifactu_status IN ? AND verifactu_next_attempt_at IS NOT NULL", []invoicedomain.VerifactuStatus{
			invoicedomain.VerifactuStatusPending,
			invoicedomain.VerifactuStatusError,
		}).
		Update("verifactu_next_attempt_at", now.UTC().Add(-time.Minute))
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
