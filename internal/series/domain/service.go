package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Get(ctx context.Context, db *gorm.DB, id snowflake.ID) (*InvoiceSeries, error)
	// LockForUpdate reads the series row holding a row lock where the dialect supports it.
	LockForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*InvoiceSeries, error)
	// AtomicIncrement bumps current_number by one in a single statement and returns the new value.
	AtomicIncrement(ctx context.Context, db *gorm.DB, id snowflake.ID) (int64, error)
	// AdvanceTo raises current_number to number when it is currently lower. It never regresses.
	AdvanceTo(ctx context.Context, db *gorm.DB, id snowflake.ID, number int64) (bool, error)
}

// NumberLookup finds the invoice already holding a full number inside a series.
type NumberLookup interface {
	FindInvoiceByFullNumber(ctx context.Context, db *gorm.DB, seriesID snowflake.ID, fullNumber string) (snowflake.ID, bool, error)
}

type Service interface {
	ReserveNext(ctx context.Context, tx *gorm.DB, seriesID snowflake.ID) (Allocation, error)
	ReserveOverride(ctx context.Context, tx *gorm.DB, seriesID snowflake.ID, number int64, excludeInvoiceID snowflake.ID) (Allocation, error)
	PreviewNext(ctx context.Context, seriesID snowflake.ID) (int64, error)
}

var (
	ErrSeriesNotFound  = errors.New("series_not_found")
	ErrDuplicateNumber = errors.New("duplicate_number")
	ErrInvalidNumber   = errors.New("invalid_number")
)

// DuplicateNumberError identifies the invoice that already holds a full number.
type DuplicateNumberError struct {
	SeriesID          snowflake.ID
	FullNumber        string
	ConflictInvoiceID snowflake.ID
}

func (e *DuplicateNumberError) Error() string {
	return fmt.Sprintf("duplicate_number: %s already used by invoice %s", e.FullNumber, e.ConflictInvoiceID)
}

func (e *DuplicateNumberError) Unwrap() error { return ErrDuplicateNumber }
