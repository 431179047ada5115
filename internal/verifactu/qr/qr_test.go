package qr

import (
	"bytes"
	"context"
	"encoding/base64"
	"image/png"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleQRInput() Input {
	return Input{
		TaxID:       "B12345678",
		FullNumber:  "A/2025/0006",
		IssueDate:   time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC),
		TotalAmount: decimal.RequireFromString("121.5"),
	}
}

func TestBuildPayload(t *testing.T) {
	payload, err := BuildPayload(DefaultBaseURL, sampleQRInput())
	require.NoError(t, err)
	assert.Equal(t,
		DefaultBaseURL+"?nif=B12345678&numserie=A%2F2025%2F0006&fecha=14-03-2025&importe=121.50",
		payload)
}

func TestBuildPayloadRejectsMissingFields(t *testing.T) {
	in := sampleQRInput()
	in.TaxID = ""
	_, err := BuildPayload(DefaultBaseURL, in)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestGenerateRendersPNG(t *testing.T) {
	gen := NewGenerator(Config{Size: 128})

	code, err := gen.Generate(context.Background(), sampleQRInput())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(code.DataURL, dataURLPrefix))

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(code.DataURL, dataURLPrefix))
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 128, img.Bounds().Dx())
	assert.Contains(t, code.Payload, "numserie=A%2F2025%2F0006")
}

func TestGenerateHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewGenerator(Config{}).Generate(ctx, sampleQRInput())
	assert.ErrorIs(t, err, context.Canceled)
}
