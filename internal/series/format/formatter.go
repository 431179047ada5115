package format

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	seqPadRe = regexp.MustCompile(`\{SEQ(\d+)\}`)
)

const DefaultInvoiceNumberTemplate = "{PREFIX}/{YYYY}/{SEQ4}"

// NumberParts are the inputs a series contributes to a full number.
type NumberParts struct {
	Prefix     string
	FiscalYear int
	Sequence   int64
}

// FormatInvoiceNumber renders a full invoice number from a series template.
// Supported tokens: {PREFIX}, {YYYY}, {YY}, {SEQ} and {SEQn} (zero padded to n digits).
// The result is deterministic for the same template and parts.
func FormatInvoiceNumber(template string, parts NumberParts) (string, error) {
	if strings.TrimSpace(template) == "" {
		template = DefaultInvoiceNumberTemplate
	}

	if parts.Sequence <= 0 {
		return "", fmt.Errorf("invalid invoice sequence: %d", parts.Sequence)
	}
	if parts.FiscalYear <= 0 || parts.FiscalYear > 9999 {
		return "", fmt.Errorf("invalid fiscal year: %d", parts.FiscalYear)
	}

	out := template

	out = strings.ReplaceAll(out, "{YYYY}", fmt.Sprintf("%04d", parts.FiscalYear))
	out = strings.ReplaceAll(out, "{YY}", fmt.Sprintf("%02d", parts.FiscalYear%100))

	out = strings.ReplaceAll(out, "{SEQ}", strconv.FormatInt(parts.Sequence, 10))

	out = seqPadRe.ReplaceAllStringFunc(out, func(m string) string {
		match := seqPadRe.FindStringSubmatch(m)
		if len(match) != 2 {
			return m
		}

		width, err := strconv.Atoi(match[1])
		if err != nil || width <= 0 {
			return m
		}

		return fmt.Sprintf("%0*d", width, parts.Sequence)
	})

	// Prefix is user data and substituted last so it is never parsed as a token.
	rest := strings.ReplaceAll(out, "{PREFIX}", "")
	if strings.Contains(rest, "{") || strings.Contains(rest, "}") {
		return "", fmt.Errorf("unresolved token in invoice format: %s", out)
	}

	return strings.ReplaceAll(out, "{PREFIX}", strings.TrimSpace(parts.Prefix)), nil
}
