package service

import (
	"context"
	"errors"
	"strings"

	invoicedomain "github.com/smallbiznis/fiscalia/internal/invoice/domain"
	issuerdomain "github.com/smallbiznis/fiscalia/internal/issuer/domain"
	"github.com/smallbiznis/fiscalia/internal/verifactu/chain"
	"github.com/smallbiznis/fiscalia/internal/verifactu/client"
	"github.com/smallbiznis/fiscalia/internal/verifactu/invoicetype"
)

// buildPayload reuses the persisted chain strings so the submitted record matches the
// hashed one byte for byte.
func (s *Service) buildPayload(ctx context.Context, invoice *invoicedomain.Invoice, issuer *issuerdomain.IssuerConfig) (client.InvoicePayload, error) {
	payload := client.InvoicePayload{
		IssuerTaxID:   firstNonEmpty(invoice.IssuerTaxID, strings.TrimSpace(issuer.TaxID)),
		IssuerName:    strings.TrimSpace(issuer.LegalName),
		InvoiceNumber: invoice.FullNumberValue(),
		IssueDate:     invoice.ChainIssueDate,
		InvoiceType:   invoice.InvoiceType,
		Subtotal:      chain.FormatAmount(invoice.Subtotal),
		TaxAmount:     firstNonEmpty(invoice.ChainTaxAmount, chain.FormatAmount(invoice.TaxAmount)),
		Total:         firstNonEmpty(invoice.ChainTotalAmount, chain.FormatAmount(invoice.Total)),
		Currency:      invoice.Currency,
		Hash:          invoice.Hash,
		PreviousHash:  invoice.PreviousHash,
		GeneratedAt:   invoice.ChainTimestamp,
		Lines:         make([]client.LinePayload, 0, len(invoice.Items)),
	}
	if payload.IssueDate == "" && invoice.IssueDate != nil {
		payload.IssueDate = chain.FormatIssueDate(*invoice.IssueDate)
	}

	for _, item := range invoice.Items {
		payload.Lines = append(payload.Lines, client.LinePayload{
			Description: item.Description,
			Quantity:    item.Quantity.String(),
			UnitPrice:   chain.FormatAmount(item.UnitPrice),
			TaxRate:     chain.FormatAmount(item.TaxRate),
			Amount:      chain.FormatAmount(item.Amount),
		})
	}

	if invoice.OwnerID != nil {
		owner, err := s.issuerRepo.GetOwner(ctx, s.db, invoice.AccountID, *invoice.OwnerID)
		switch {
		case errors.Is(err, issuerdomain.ErrOwnerNotFound):
		case err != nil:
			return client.InvoicePayload{}, err
		default:
			payload.RecipientName = owner.Name
			payload.RecipientTaxID = strings.TrimSpace(owner.TaxID)
		}
	}

	if invoice.IsRectifying {
		if invoice.RectifyingSubtype != nil {
			payload.CorrectionMethod = string(invoicetype.CorrectionMethodFor(invoicetype.ParseSubtype(*invoice.RectifyingSubtype)))
		}
		if invoice.RectifiesInvoiceID != nil {
			original, err := s.invoiceRepo.GetByID(ctx, s.db, invoice.AccountID, *invoice.RectifiesInvoiceID)
			switch {
			case errors.Is(err, invoicedomain.ErrInvoiceNotFound):
			case err != nil:
				return client.InvoicePayload{}, err
			default:
				payload.RectifiedInvoiceNumber = original.FullNumberValue()
			}
		}
	}

	return payload, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
