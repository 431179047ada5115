package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatInvoiceNumber(t *testing.T) {
	cases := []struct {
		name     string
		template string
		parts    NumberParts
		want     string
	}{
		{name: "default", template: "", parts: NumberParts{Prefix: "A", FiscalYear: 2025, Sequence: 6}, want: "A/2025/0006"},
		{name: "short_year", template: "{PREFIX}-{YY}-{SEQ6}", parts: NumberParts{Prefix: "R", FiscalYear: 2025, Sequence: 42}, want: "R-25-000042"},
		{name: "unpadded", template: "{PREFIX}{SEQ}", parts: NumberParts{Prefix: "F", FiscalYear: 2024, Sequence: 12345}, want: "F12345"},
		{name: "overflow_width", template: "{SEQ2}", parts: NumberParts{FiscalYear: 2025, Sequence: 123}, want: "123"},
		{name: "prefix_with_braces", template: "{PREFIX}/{SEQ4}", parts: NumberParts{Prefix: "{X}", FiscalYear: 2025, Sequence: 1}, want: "{X}/0001"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := FormatInvoiceNumber(tc.template, tc.parts)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFormatInvoiceNumberRejectsInvalidInput(t *testing.T) {
	_, err := FormatInvoiceNumber("", NumberParts{Prefix: "A", FiscalYear: 2025, Sequence: 0})
	assert.Error(t, err)

	_, err = FormatInvoiceNumber("", NumberParts{Prefix: "A", FiscalYear: 0, Sequence: 1})
	assert.Error(t, err)

	_, err = FormatInvoiceNumber("{PREFIX}/{MM}/{SEQ}", NumberParts{Prefix: "A", FiscalYear: 2025, Sequence: 1})
	assert.Error(t, err)
}
