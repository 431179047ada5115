package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// DocumentPolicy controls which fiscal document an owner receives.
type DocumentPolicy string

const (
	DocumentPolicyInvoice     DocumentPolicy = "INVOICE"
	DocumentPolicyServiceNote DocumentPolicy = "SERVICE_NOTE"
	DocumentPolicyNone        DocumentPolicy = "NONE"
)

// Owner is the property owner an invoice is addressed to.
type Owner struct {
	ID             snowflake.ID   `gorm:"primaryKey" json:"id"`
	AccountID      snowflake.ID   `gorm:"not null;index" json:"account_id"`
	Name           string         `gorm:"not null" json:"name"`
	TaxID          string         `json:"tax_id"`
	DocumentPolicy DocumentPolicy `gorm:"not null" json:"document_policy"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (Owner) TableName() string { return "owners" }

// EffectivePolicy treats an unset policy as INVOICE.
func (o Owner) EffectivePolicy() DocumentPolicy {
	policy := DocumentPolicy(strings.ToUpper(strings.TrimSpace(string(o.DocumentPolicy))))
	if policy == "" {
		return DocumentPolicyInvoice
	}
	return policy
}

// IssuerConfig is the per-account VeriFactu configuration.
type IssuerConfig struct {
	AccountID         snowflake.ID `gorm:"primaryKey" json:"account_id"`
	TaxID             string       `json:"tax_id"`
	LegalName         string       `json:"legal_name"`
	ChainingEnabled   bool         `gorm:"not null" json:"chaining_enabled"`
	SubmissionEnabled bool         `gorm:"not null" json:"submission_enabled"`
	APIKey            string       `json:"-"`
	Endpoint          string       `json:"endpoint"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

func (IssuerConfig) TableName() string { return "issuer_configs" }

type Repository interface {
	GetConfig(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (*IssuerConfig, error)
	GetOwner(ctx context.Context, db *gorm.DB, accountID, ownerID snowflake.ID) (*Owner, error)
}

var (
	ErrIssuerNotConfigured = errors.New("issuer_not_configured")
	ErrOwnerNotFound       = errors.New("owner_not_found")
)
