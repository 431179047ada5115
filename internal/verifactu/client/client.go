// Package client talks to the third-party VeriFactu certification service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	submitPath       = "/v1/invoices"
	maxResponseBytes = 1 << 20
	statusRejected   = "rejected"
)

var ErrMissingCredentials = errors.New("missing_certification_credentials")

// Credentials are the per-issuer settings for the certification service.
type Credentials struct {
	APIKey   string
	Endpoint string
}

// LinePayload is one invoice line as sent to the certification service.
type LinePayload struct {
	Description string `json:"description"`
	Quantity    string `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	TaxRate     string `json:"tax_rate"`
	Amount      string `json:"amount"`
}

// InvoicePayload is the submission body. Amounts and dates use the same strings the
// hash was computed over.
type InvoicePayload struct {
	IssuerTaxID            string        `json:"issuer_tax_id"`
	IssuerName             string        `json:"issuer_name,omitempty"`
	InvoiceNumber          string        `json:"invoice_number"`
	IssueDate              string        `json:"issue_date"`
	InvoiceType            string        `json:"invoice_type"`
	CorrectionMethod       string        `json:"correction_method,omitempty"`
	RectifiedInvoiceNumber string        `json:"rectified_invoice_number,omitempty"`
	RecipientName          string        `json:"recipient_name,omitempty"`
	RecipientTaxID         string        `json:"recipient_tax_id,omitempty"`
	Subtotal               string        `json:"subtotal"`
	TaxAmount              string        `json:"tax_amount"`
	Total                  string        `json:"total"`
	Currency               string        `json:"currency"`
	Hash                   string        `json:"hash"`
	PreviousHash           string        `json:"previous_hash"`
	GeneratedAt            string        `json:"generated_at"`
	Lines                  []LinePayload `json:"lines"`
}

// Confirmation is a successful submission.
type Confirmation struct {
	ExternalID string
	Status     string
	Raw        string
}

// Error describes a failed submission. Retryable is false only for application-level
// rejections and 4xx responses other than 408 and 429.
type Error struct {
	StatusCode int
	Retryable  bool
	Message    string
	Body       string
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("certification service: %d %s", e.StatusCode, e.Message)
	}
	return "certification service: " + e.Message
}

type Submitter interface {
	Submit(ctx context.Context, creds Credentials, payload InvoicePayload) (Confirmation, error)
}

type Config struct {
	Endpoint string
	Timeout  time.Duration
}

type Client struct {
	endpoint string
	http     *http.Client
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		endpoint: strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/"),
		http:     &http.Client{Timeout: timeout},
	}
}

type submitResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Errors  []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) Submit(ctx context.Context, creds Credentials, payload InvoicePayload) (Confirmation, error) {
	apiKey := strings.TrimSpace(creds.APIKey)
	endpoint := strings.TrimRight(strings.TrimSpace(creds.Endpoint), "/")
	if endpoint == "" {
		endpoint = c.endpoint
	}
	if apiKey == "" || endpoint == "" {
		return Confirmation{}, ErrMissingCredentials
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Confirmation{}, fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+submitPath, bytes.NewReader(body))
	if err != nil {
		return Confirmation{}, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if payload.Hash != "" {
		req.Header.Set("Idempotency-Key", payload.Hash)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Confirmation{}, &Error{Retryable: true, Message: transportMessage(err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Confirmation{}, &Error{StatusCode: resp.StatusCode, Retryable: true, Message: "read response: " + err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Confirmation{}, &Error{
			StatusCode: resp.StatusCode,
			Retryable:  retryableStatus(resp.StatusCode),
			Message:    responseMessage(raw, http.StatusText(resp.StatusCode)),
			Body:       string(raw),
		}
	}

	var decoded submitResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Confirmation{}, &Error{StatusCode: resp.StatusCode, Retryable: true, Message: "invalid response body", Body: string(raw)}
	}
	if strings.EqualFold(decoded.Status, statusRejected) {
		return Confirmation{}, &Error{
			StatusCode: resp.StatusCode,
			Retryable:  false,
			Message:    responseMessage(raw, "rejected"),
			Body:       string(raw),
		}
	}
	if strings.TrimSpace(decoded.ID) == "" {
		return Confirmation{}, &Error{StatusCode: resp.StatusCode, Retryable: true, Message: "response missing id", Body: string(raw)}
	}

	return Confirmation{ExternalID: decoded.ID, Status: decoded.Status, Raw: string(raw)}, nil
}

func retryableStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return true
	}
	return code >= 500
}

func responseMessage(raw []byte, fallback string) string {
	var decoded submitResponse
	if err := json.Unmarshal(raw, &decoded); err == nil {
		if msg := strings.TrimSpace(decoded.Message); msg != "" {
			return msg
		}
		if len(decoded.Errors) > 0 {
			parts := make([]string, 0, len(decoded.Errors))
			for _, e := range decoded.Errors {
				if e.Code != "" {
					parts = append(parts, e.Code+": "+e.Message)
					continue
				}
				parts = append(parts, e.Message)
			}
			return strings.Join(parts, "; ")
		}
	}
	return fallback
}

func transportMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout: " + err.Error()
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout: " + err.Error()
	}
	return err.Error()
}
