// Package domain contains the append-only submission history for the certification
// service.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusSubmitted Status = "SUBMITTED"
	StatusError     Status = "ERROR"
)

// SubmissionRecord is one attempt to send an issued invoice. Rows are never updated.
type SubmissionRecord struct {
	ID         snowflake.ID   `gorm:"primaryKey" json:"id"`
	AccountID  snowflake.ID   `gorm:"not null;index" json:"account_id"`
	InvoiceID  snowflake.ID   `gorm:"not null;index;uniqueIndex:ux_submission_records_invoice_attempt" json:"invoice_id"`
	Attempt    int            `gorm:"not null;uniqueIndex:ux_submission_records_invoice_attempt" json:"attempt"`
	Status     Status         `gorm:"type:text;not null" json:"status"`
	Payload    datatypes.JSON `json:"payload,omitempty"`
	Response   *string        `json:"response,omitempty"`
	ExternalID *string        `json:"external_id,omitempty"`
	Error      *string        `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (SubmissionRecord) TableName() string { return "submission_records" }
