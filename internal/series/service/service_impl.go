package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fiscalia/internal/observability/metrics"
	"github.com/smallbiznis/fiscalia/internal/series/domain"
	"github.com/smallbiznis/fiscalia/internal/series/format"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Repo    domain.Repository
	Lookup  domain.NumberLookup
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	repo    domain.Repository
	lookup  domain.NumberLookup
	metrics *metrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("series.allocator"),
		repo:    p.Repo,
		lookup:  p.Lookup,
		metrics: p.Metrics,
	}
}

// ReserveNext allocates current_number+1. The increment and the collision check run in a
// nested transaction so a collision rolls the counter back without aborting tx.
func (s *Service) ReserveNext(ctx context.Context, tx *gorm.DB, seriesID snowflake.ID) (domain.Allocation, error) {
	if tx == nil {
		tx = s.db
	}

	var alloc domain.Allocation
	err := tx.WithContext(ctx).Transaction(func(inner *gorm.DB) error {
		next, err := s.repo.AtomicIncrement(ctx, inner, seriesID)
		if err != nil {
			return err
		}

		series, err := s.repo.Get(ctx, inner, seriesID)
		if err != nil {
			return err
		}

		fullNumber, err := formatNumber(series, next)
		if err != nil {
			return err
		}

		if err := s.ensureUnused(ctx, inner, seriesID, fullNumber, 0); err != nil {
			return err
		}

		alloc = domain.Allocation{SeriesID: seriesID, Number: next, FullNumber: fullNumber}
		return nil
	})
	if err != nil {
		return domain.Allocation{}, err
	}

	s.log.Debug("reserved invoice number",
		zap.String("series_id", seriesID.String()),
		zap.Int64("number", alloc.Number),
		zap.String("full_number", alloc.FullNumber),
	)
	return alloc, nil
}

// ReserveOverride assigns a caller-chosen number. The counter only moves forward; a number
// that does not equal current_number+1 is accepted with a gap warning.
func (s *Service) ReserveOverride(ctx context.Context, tx *gorm.DB, seriesID snowflake.ID, number int64, excludeInvoiceID snowflake.ID) (domain.Allocation, error) {
	if number <= 0 {
		return domain.Allocation{}, domain.ErrInvalidNumber
	}
	if tx == nil {
		tx = s.db
	}

	var alloc domain.Allocation
	err := tx.WithContext(ctx).Transaction(func(inner *gorm.DB) error {
		series, err := s.repo.LockForUpdate(ctx, inner, seriesID)
		if err != nil {
			return err
		}

		fullNumber, err := formatNumber(series, number)
		if err != nil {
			return err
		}

		if err := s.ensureUnused(ctx, inner, seriesID, fullNumber, excludeInvoiceID); err != nil {
			return err
		}

		if _, err := s.repo.AdvanceTo(ctx, inner, seriesID, number); err != nil {
			return err
		}

		alloc = domain.Allocation{SeriesID: seriesID, Number: number, FullNumber: fullNumber}
		if expected := series.CurrentNumber + 1; number != expected {
			alloc.Warning = gapWarning(expected, number)
		}
		return nil
	})
	if err != nil {
		return domain.Allocation{}, err
	}

	if alloc.Warning != nil {
		s.metrics.IncSequenceGap()
		s.log.Warn("custom invoice number leaves a gap in the series",
			zap.String("series_id", seriesID.String()),
			zap.Int64("expected", alloc.Warning.Expected),
			zap.Int64("assigned", alloc.Warning.Assigned),
		)
	}
	return alloc, nil
}

func (s *Service) PreviewNext(ctx context.Context, seriesID snowflake.ID) (int64, error) {
	series, err := s.repo.Get(ctx, s.db, seriesID)
	if err != nil {
		return 0, err
	}
	return series.CurrentNumber + 1, nil
}

func (s *Service) ensureUnused(ctx context.Context, db *gorm.DB, seriesID snowflake.ID, fullNumber string, excludeInvoiceID snowflake.ID) error {
	existingID, found, err := s.lookup.FindInvoiceByFullNumber(ctx, db, seriesID, fullNumber)
	if err != nil {
		return err
	}
	if found && existingID != excludeInvoiceID {
		return &domain.DuplicateNumberError{
			SeriesID:          seriesID,
			FullNumber:        fullNumber,
			ConflictInvoiceID: existingID,
		}
	}
	return nil
}

func formatNumber(series *domain.InvoiceSeries, number int64) (string, error) {
	fullNumber, err := format.FormatInvoiceNumber(series.NumberFormat, format.NumberParts{
		Prefix:     series.Prefix,
		FiscalYear: series.FiscalYear,
		Sequence:   number,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidNumber, err)
	}
	return fullNumber, nil
}

func gapWarning(expected, assigned int64) *domain.GapWarning {
	msg := fmt.Sprintf("number %d skips %d..%d; the series is no longer contiguous", assigned, expected, assigned-1)
	if assigned < expected {
		msg = fmt.Sprintf("number %d is below the expected next number %d; the series is no longer contiguous", assigned, expected)
	}
	return &domain.GapWarning{Expected: expected, Assigned: assigned, Message: msg}
}
