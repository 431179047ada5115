// Package qr renders the VeriFactu verification code printed on every issued invoice.
package qr

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"net/url"
	"strings"
	"time"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/qr"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/fiscalia/internal/verifactu/chain"
)

const (
	DefaultBaseURL = "https://www2.agenciatributaria.gob.es/wlpl/TIKE-CONT/ValidarQR"
	DefaultSize    = 240

	dataURLPrefix = "data:image/png;base64,"
)

var ErrInvalidInput = errors.New("invalid_qr_input")

// Input holds the four fields the regulator embeds in the verification URL.
type Input struct {
	TaxID       string
	FullNumber  string
	IssueDate   time.Time
	TotalAmount decimal.Decimal
}

// Code is a rendered QR image plus the URL it encodes.
type Code struct {
	Payload string
	DataURL string
}

type Generator interface {
	Generate(ctx context.Context, in Input) (Code, error)
}

type Config struct {
	BaseURL string
	Size    int
}

type generator struct {
	baseURL string
	size    int
}

func NewGenerator(cfg Config) Generator {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	size := cfg.Size
	if size <= 0 {
		size = DefaultSize
	}
	return &generator{baseURL: baseURL, size: size}
}

func (g *generator) Generate(ctx context.Context, in Input) (Code, error) {
	if err := ctx.Err(); err != nil {
		return Code{}, err
	}

	payload, err := BuildPayload(g.baseURL, in)
	if err != nil {
		return Code{}, err
	}

	code, err := qr.Encode(payload, qr.M, qr.Auto)
	if err != nil {
		return Code{}, fmt.Errorf("encode qr: %w", err)
	}
	scaled, err := barcode.Scale(code, g.size, g.size)
	if err != nil {
		return Code{}, fmt.Errorf("scale qr: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, scaled); err != nil {
		return Code{}, fmt.Errorf("encode png: %w", err)
	}

	return Code{
		Payload: payload,
		DataURL: dataURLPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

// BuildPayload returns the verification URL. Parameter order follows the regulator
// format (nif, numserie, fecha, importe), so url.Values is not used.
func BuildPayload(baseURL string, in Input) (string, error) {
	taxID := strings.TrimSpace(in.TaxID)
	fullNumber := strings.TrimSpace(in.FullNumber)
	if taxID == "" || fullNumber == "" || in.IssueDate.IsZero() {
		return "", ErrInvalidInput
	}

	var b strings.Builder
	b.WriteString(baseURL)
	b.WriteString("?nif=")
	b.WriteString(url.QueryEscape(taxID))
	b.WriteString("&numserie=")
	b.WriteString(url.QueryEscape(fullNumber))
	b.WriteString("&fecha=")
	b.WriteString(chain.FormatIssueDate(in.IssueDate))
	b.WriteString("&importe=")
	b.WriteString(chain.FormatAmount(in.TotalAmount))
	return b.String(), nil
}
