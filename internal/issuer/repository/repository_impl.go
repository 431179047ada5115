package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fiscalia/internal/issuer/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) GetConfig(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (*domain.IssuerConfig, error) {
	var cfg domain.IssuerConfig
	err := db.WithContext(ctx).Where("account_id = ?", accountID).Take(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrIssuerNotConfigured
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *repo) GetOwner(ctx context.Context, db *gorm.DB, accountID, ownerID snowflake.ID) (*domain.Owner, error) {
	var owner domain.Owner
	err := db.WithContext(ctx).
		Where("account_id = ? AND id = ?", accountID, ownerID).
		Take(&owner).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrOwnerNotFound
	}
	if err != nil {
		return nil, err
	}
	return &owner, nil
}
