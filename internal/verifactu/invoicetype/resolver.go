// Package invoicetype maps invoice attributes to VeriFactu invoice type codes.
package invoicetype

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Code is a regulator invoice type code.
type Code string

const (
	CodeStandard         Code = "F1"
	CodeRectifyingLegal  Code = "R1"
	CodeRectifyingArt80  Code = "R2"
	CodeRectifyingInsolv Code = "R3"
	CodeRectifyingOther  Code = "R4"
)

// Subtype is the cause of a rectification.
type Subtype string

const (
	SubtypeSubstitution Subtype = "SUBSTITUTION"
	SubtypeDifference   Subtype = "DIFFERENCE"
	SubtypeInsolvency   Subtype = "INSOLVENCY"
	SubtypeOther        Subtype = "OTHER"
)

// CorrectionMethod is how a rectifying invoice corrects the original.
type CorrectionMethod string

const (
	CorrectionSubstitution CorrectionMethod = "S"
	CorrectionDifferences  CorrectionMethod = "I"
)

var ErrInvalidRectifyingInvoice = errors.New("invalid_rectifying_invoice")

var rectifyingCodes = map[Subtype]Code{
	SubtypeSubstitution: CodeRectifyingLegal,
	SubtypeDifference:   CodeRectifyingArt80,
	SubtypeInsolvency:   CodeRectifyingInsolv,
	SubtypeOther:        CodeRectifyingOther,
}

// Resolve returns the type code for an invoice. Simplified (F2) invoices are never
// issued, so total does not change the result.
func Resolve(isRectifying bool, subtype *Subtype, _ decimal.Decimal) (Code, error) {
	if !isRectifying {
		return CodeStandard, nil
	}
	if subtype == nil {
		return "", ErrInvalidRectifyingInvoice
	}
	code, ok := rectifyingCodes[ParseSubtype(string(*subtype))]
	if !ok {
		return "", ErrInvalidRectifyingInvoice
	}
	return code, nil
}

// ParseSubtype normalizes a stored subtype string.
func ParseSubtype(value string) Subtype {
	return Subtype(strings.ToUpper(strings.TrimSpace(value)))
}

func CorrectionMethodFor(subtype Subtype) CorrectionMethod {
	if ParseSubtype(string(subtype)) == SubtypeSubstitution {
		return CorrectionSubstitution
	}
	return CorrectionDifferences
}

func (c Code) IsRectifying() bool {
	return strings.HasPrefix(string(c), "R")
}
