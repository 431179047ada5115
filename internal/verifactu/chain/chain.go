// Package chain computes the VeriFactu record fingerprint that links every issued
// invoice of a series to the one before it.
package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// IssueDateLayout is the regulator date format (DD-MM-YYYY).
	IssueDateLayout = "02-01-2006"
	// TimestampLayout always carries a numeric offset; "Z" is not accepted by the regulator.
	TimestampLayout = "2006-01-02T15:04:05-07:00"
)

var ErrMissingIssuerTaxID = errors.New("missing_issuer_tax_id")

// Input carries the raw invoice values that feed a chain record.
type Input struct {
	IssuerTaxID  string
	FullNumber   string
	IssueDate    time.Time
	InvoiceType  string
	TaxAmount    decimal.Decimal
	TotalAmount  decimal.Decimal
	PreviousHash string
	GeneratedAt  time.Time
	Location     *time.Location
}

// Record is the set of formatted strings the hash is computed over. Every field is
// persisted verbatim next to the hash so the fingerprint can be recomputed later.
type Record struct {
	IssuerTaxID  string
	FullNumber   string
	IssueDate    string
	InvoiceType  string
	TaxAmount    string
	TotalAmount  string
	PreviousHash string
	Timestamp    string
}

// NewRecord formats in into a Record. An empty PreviousHash marks the first record of a chain.
func NewRecord(in Input) (Record, error) {
	taxID := strings.TrimSpace(in.IssuerTaxID)
	if taxID == "" {
		return Record{}, ErrMissingIssuerTaxID
	}

	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}

	return Record{
		IssuerTaxID:  taxID,
		FullNumber:   strings.TrimSpace(in.FullNumber),
		IssueDate:    FormatIssueDate(in.IssueDate),
		InvoiceType:  in.InvoiceType,
		TaxAmount:    FormatAmount(in.TaxAmount),
		TotalAmount:  FormatAmount(in.TotalAmount),
		PreviousHash: strings.TrimSpace(in.PreviousHash),
		Timestamp:    in.GeneratedAt.In(loc).Format(TimestampLayout),
	}, nil
}

// Canonical returns the exact byte string that is hashed.
func (r Record) Canonical() string {
	var b strings.Builder
	b.WriteString("IDEmisorFactura=")
	b.WriteString(r.IssuerTaxID)
	b.WriteString("&NumSerieFactura=")
	b.WriteString(r.FullNumber)
	b.WriteString("&FechaExpedicionFactura=")
	b.WriteString(r.IssueDate)
	b.WriteString("&TipoFactura=")
	b.WriteString(r.InvoiceType)
	b.WriteString("&CuotaTotal=")
	b.WriteString(r.TaxAmount)
	b.WriteString("&ImporteTotal=")
	b.WriteString(r.TotalAmount)
	b.WriteString("&Huella=")
	b.WriteString(r.PreviousHash)
	b.WriteString("&FechaHoraHusoGenRegistro=")
	b.WriteString(r.Timestamp)
	return b.String()
}

// ComputeHash returns the uppercase hex SHA-256 of the canonical record.
func ComputeHash(r Record) string {
	sum := sha256.Sum256([]byte(r.Canonical()))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// Verify reports whether hash is the fingerprint of r.
func (r Record) Verify(hash string) bool {
	return strings.EqualFold(ComputeHash(r), strings.TrimSpace(hash))
}

func FormatIssueDate(t time.Time) string {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Format(IssueDateLayout)
}

func FormatAmount(d decimal.Decimal) string {
	return d.Round(2).StringFixed(2)
}
