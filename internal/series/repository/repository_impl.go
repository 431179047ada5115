package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fiscalia/internal/series/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Get(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.InvoiceSeries, error) {
	var series domain.InvoiceSeries
	err := db.WithContext(ctx).Where("id = ?", id).Take(&series).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrSeriesNotFound
	}
	if err != nil {
		return nil, err
	}
	return &series, nil
}

func (r *repo) LockForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.InvoiceSeries, error) {
	var series domain.InvoiceSeries
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Take(&series).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrSeriesNotFound
	}
	if err != nil {
		return nil, err
	}
	return &series, nil
}

func (r *repo) AtomicIncrement(ctx context.Context, db *gorm.DB, id snowflake.ID) (int64, error) {
	now := time.Now().UTC()

	if db.Dialector.Name() == "postgres" {
		var next []int64
		err := db.WithContext(ctx).Raw(
			`UPDATE invoice_series
			SET current_number = current_number + 1, updated_at = ?
			WHERE id = ?
			RETURNING current_number`,
			now, id,
		).Scan(&next).Error
		if err != nil {
			return 0, err
		}
		if len(next) == 0 {
			return 0, domain.ErrSeriesNotFound
		}
		return next[0], nil
	}

	// Without RETURNING the read must happen on the same connection and transaction
	// as the write so no other allocator can observe the row in between.
	var next int64
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Exec(
			`UPDATE invoice_series
			SET current_number = current_number + 1, updated_at = ?
			WHERE id = ?`,
			now, id,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrSeriesNotFound
		}
		return tx.Raw(`SELECT current_number FROM invoice_series WHERE id = ?`, id).Scan(&next).Error
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (r *repo) AdvanceTo(ctx context.Context, db *gorm.DB, id snowflake.ID, number int64) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE invoice_series
		SET current_number = ?, updated_at = ?
		WHERE id = ? AND current_number < ?`,
		number, time.Now().UTC(), id, number,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
