package invoicetype

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func subtypePtr(s Subtype) *Subtype { return &s }

func TestResolve(t *testing.T) {
	total := decimal.NewFromInt(100)
	cases := []struct {
		name       string
		rectifying bool
		subtype    *Subtype
		want       Code
		wantErr    error
	}{
		{name: "standard", want: CodeStandard},
		{name: "standard_ignores_subtype", subtype: subtypePtr(SubtypeOther), want: CodeStandard},
		{name: "substitution", rectifying: true, subtype: subtypePtr(SubtypeSubstitution), want: CodeRectifyingLegal},
		{name: "difference", rectifying: true, subtype: subtypePtr(SubtypeDifference), want: CodeRectifyingArt80},
		{name: "insolvency", rectifying: true, subtype: subtypePtr(SubtypeInsolvency), want: CodeRectifyingInsolv},
		{name: "other_lowercase", rectifying: true, subtype: subtypePtr("other"), want: CodeRectifyingOther},
		{name: "missing_subtype", rectifying: true, wantErr: ErrInvalidRectifyingInvoice},
		{name: "unknown_subtype", rectifying: true, subtype: subtypePtr("REFUND"), wantErr: ErrInvalidRectifyingInvoice},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Resolve(tc.rectifying, tc.subtype, total)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCorrectionMethodFor(t *testing.T) {
	assert.Equal(t, CorrectionSubstitution, CorrectionMethodFor(SubtypeSubstitution))
	assert.Equal(t, CorrectionDifferences, CorrectionMethodFor(SubtypeDifference))
	assert.Equal(t, CorrectionDifferences, CorrectionMethodFor(SubtypeOther))
	assert.True(t, CodeRectifyingOther.IsRectifying())
	assert.False(t, CodeStandard.IsRectifying())
}
