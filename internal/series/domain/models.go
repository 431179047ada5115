package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// InvoiceSeries is a numbering stream. CurrentNumber is the highest number
// allocated so far and never decreases.
type InvoiceSeries struct {
	ID            snowflake.ID `gorm:"primaryKey" json:"id"`
	AccountID     snowflake.ID `gorm:"not null;index" json:"account_id"`
	Name          string       `gorm:"not null" json:"name"`
	Prefix        string       `gorm:"not null" json:"prefix"`
	FiscalYear    int          `gorm:"not null" json:"fiscal_year"`
	CurrentNumber int64        `gorm:"not null;default:0" json:"current_number"`
	NumberFormat  string       `gorm:"not null" json:"number_format"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

func (InvoiceSeries) TableName() string { return "invoice_series" }

// Allocation is the result of reserving a number in a series.
type Allocation struct {
	SeriesID   snowflake.ID
	Number     int64
	FullNumber string
	Warning    *GapWarning
}

// GapWarning reports that a custom number left the series non-contiguous.
// It is surfaced to the caller and audited, never returned as an error.
type GapWarning struct {
	Expected int64  `json:"expected"`
	Assigned int64  `json:"assigned"`
	Message  string `json:"message"`
}
