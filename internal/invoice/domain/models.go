// Package domain contains persistence models for fiscal invoices.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/fiscalia/internal/verifactu/chain"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft    InvoiceStatus = "DRAFT"
	InvoiceStatusProforma InvoiceStatus = "PROFORMA"
	InvoiceStatusIssued   InvoiceStatus = "ISSUED"
	InvoiceStatusSent     InvoiceStatus = "SENT"
	InvoiceStatusPaid     InvoiceStatus = "PAID"
)

// IssuedStatuses are the statuses of invoices that belong to the fiscal record.
var IssuedStatuses = []InvoiceStatus{InvoiceStatusIssued, InvoiceStatusSent, InvoiceStatusPaid}

// DocumentType distinguishes fiscal invoices from non-fiscal service notes.
type DocumentType string

const (
	DocumentTypeInvoice     DocumentType = "INVOICE"
	DocumentTypeServiceNote DocumentType = "SERVICE_NOTE"
)

// VerifactuStatus tracks submission to the certification service.
type VerifactuStatus string

const (
	VerifactuStatusPending   VerifactuStatus = "PENDING"
	VerifactuStatusSubmitted VerifactuStatus = "SUBMITTED"
	VerifactuStatusError     VerifactuStatus = "ERROR"
)

// Invoice is a draft or issued fiscal document. Once IsLocked is set, number, totals
// and chain fields never change; only Status and the verifactu fields may.
type Invoice struct {
	ID                 snowflake.ID    `gorm:"primaryKey" json:"id"`
	AccountID          snowflake.ID    `gorm:"not null;index;uniqueIndex:ux_invoices_owner_period,priority:1" json:"account_id"`
	SeriesID           snowflake.ID    `gorm:"not null;index;uniqueIndex:ux_invoices_series_full_number;uniqueIndex:ux_invoices_series_chain_seq" json:"series_id"`
	OwnerID            *snowflake.ID   `gorm:"index;uniqueIndex:ux_invoices_owner_period,priority:2" json:"owner_id,omitempty"`
	DocumentType       DocumentType    `gorm:"type:text;not null;default:'INVOICE'" json:"document_type"`
	Number             *int64          `json:"number,omitempty"`
	FullNumber         *string         `gorm:"uniqueIndex:ux_invoices_series_full_number" json:"full_number,omitempty"`
	Status             InvoiceStatus   `gorm:"type:text;not null;default:'DRAFT'" json:"status"`
	IssueDate          *time.Time      `json:"issue_date,omitempty"`
	Subtotal           decimal.Decimal `gorm:"type:numeric(18,2);not null;default:0" json:"subtotal"`
	TaxAmount          decimal.Decimal `gorm:"type:numeric(18,2);not null;default:0" json:"tax_amount"`
	Total              decimal.Decimal `gorm:"type:numeric(18,2);not null;default:0" json:"total"`
	Currency           string          `gorm:"type:text;not null;default:'EUR'" json:"currency"`
	PeriodYear         *int            `gorm:"uniqueIndex:ux_invoices_owner_period,priority:3,where:is_locked AND NOT is_rectifying" json:"period_year,omitempty"`
	PeriodMonth        *int            `gorm:"uniqueIndex:ux_invoices_owner_period,priority:4" json:"period_month,omitempty"`
	IsRectifying       bool            `gorm:"not null;default:false" json:"is_rectifying"`
	RectifyingSubtype  *string         `json:"rectifying_subtype,omitempty"`
	RectifiesInvoiceID *snowflake.ID   `json:"rectifies_invoice_id,omitempty"`

	IssuerTaxID      string `gorm:"not null;default:''" json:"issuer_tax_id,omitempty"`
	Hash             string `gorm:"not null;default:''" json:"hash,omitempty"`
	PreviousHash     string `gorm:"not null;default:''" json:"previous_hash"`
	ChainTimestamp   string `gorm:"not null;default:''" json:"chain_timestamp,omitempty"`
	ChainIssueDate   string `gorm:"not null;default:''" json:"-"`
	ChainTaxAmount   string `gorm:"not null;default:''" json:"-"`
	ChainTotalAmount string `gorm:"not null;default:''" json:"-"`
	InvoiceType      string `gorm:"not null;default:''" json:"invoice_type,omitempty"`
	// ChainSeq is the position in the series chain, assigned under the series lock.
	ChainSeq *int64 `gorm:"uniqueIndex:ux_invoices_series_chain_seq" json:"chain_seq,omitempty"`

	QRCode    *string    `json:"qr_code,omitempty"`
	QRPayload *string    `json:"qr_payload,omitempty"`
	IsLocked  bool       `gorm:"not null;default:false" json:"is_locked"`
	IssuedAt  *time.Time `json:"issued_at,omitempty"`

	VerifactuStatus        *VerifactuStatus `gorm:"type:text" json:"verifactu_status,omitempty"`
	VerifactuExternalID    *string          `json:"verifactu_external_id,omitempty"`
	VerifactuNextAttemptAt *time.Time       `json:"-"`
	VerifactuClaimToken    *string          `json:"-"`
	VerifactuClaimedUntil  *time.Time       `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Items []InvoiceItem `gorm:"foreignKey:InvoiceID" json:"items,omitempty"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// InvoiceItem represents a line on an invoice.
type InvoiceItem struct {
	ID          snowflake.ID    `gorm:"primaryKey" json:"id"`
	InvoiceID   snowflake.ID    `gorm:"not null;index" json:"invoice_id"`
	Description string          `gorm:"type:text" json:"description"`
	Quantity    decimal.Decimal `gorm:"type:numeric(18,4);not null;default:1" json:"quantity"`
	UnitPrice   decimal.Decimal `gorm:"type:numeric(18,2);not null;default:0" json:"unit_price"`
	TaxRate     decimal.Decimal `gorm:"type:numeric(5,2);not null;default:0" json:"tax_rate"`
	Amount      decimal.Decimal `gorm:"type:numeric(18,2);not null;default:0" json:"amount"`
	CreatedAt   time.Time       `json:"created_at"`
}

// TableName sets the database table name.
func (InvoiceItem) TableName() string { return "invoice_items" }

func (i Invoice) Issued() bool {
	for _, status := range IssuedStatuses {
		if i.Status == status {
			return true
		}
	}
	return false
}

func (i Invoice) FullNumberValue() string {
	if i.FullNumber == nil {
		return ""
	}
	return *i.FullNumber
}

// ChainRecord rebuilds the hashed record from the persisted chain strings.
func (i Invoice) ChainRecord() chain.Record {
	return chain.Record{
		IssuerTaxID:  i.IssuerTaxID,
		FullNumber:   i.FullNumberValue(),
		IssueDate:    i.ChainIssueDate,
		InvoiceType:  i.InvoiceType,
		TaxAmount:    i.ChainTaxAmount,
		TotalAmount:  i.ChainTotalAmount,
		PreviousHash: i.PreviousHash,
		Timestamp:    i.ChainTimestamp,
	}
}
