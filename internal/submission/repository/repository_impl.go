package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fiscalia/internal/submission/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Append(ctx context.Context, db *gorm.DB, record *domain.SubmissionRecord) error {
	return db.WithContext(ctx).Create(record).Error
}

func (r *repo) ListByInvoice(ctx context.Context, db *gorm.DB, accountID, invoiceID snowflake.ID) ([]domain.SubmissionRecord, error) {
	var records []domain.SubmissionRecord
	err := db.WithContext(ctx).
		Where("account_id = ? AND invoice_id = ?", accountID, invoiceID).
		Order("attempt ASC, id ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) CountAttempts(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (int, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&domain.SubmissionRecord{}).
		Where("invoice_id = ?", invoiceID).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return int(count), nil
}
