package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/fiscalia/internal/audit/domain"
	invoicedomain "github.com/smallbiznis/fiscalia/internal/invoice/domain"
	issuerdomain "github.com/smallbiznis/fiscalia/internal/issuer/domain"
	seriesdomain "github.com/smallbiznis/fiscalia/internal/series/domain"
	"github.com/smallbiznis/fiscalia/internal/serieslock"
	submissiondomain "github.com/smallbiznis/fiscalia/internal/submission/domain"
	"github.com/smallbiznis/fiscalia/internal/verifactu/invoicetype"
	pkgdb "github.com/smallbiznis/fiscalia/pkg/db"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Code    string            `json:"code,omitempty"`
	Errors  []ValidationError `json:"errors,omitempty"`
	Details map[string]any    `json:"details,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	var dupErr *invoicedomain.DuplicatePeriodError
	if errors.As(err, &dupErr) {
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "owner already invoiced for this period",
			Code:    invoicedomain.ErrDuplicatePeriodInvoice.Error(),
			Details: map[string]any{
				"owner_id":             dupErr.OwnerID.String(),
				"period_year":          dupErr.Year,
				"period_month":         dupErr.Month,
				"conflict_invoice_id":  dupErr.ConflictInvoiceID.String(),
				"conflict_full_number": dupErr.ConflictFullNumber,
			},
		}
	}

	var numErr *seriesdomain.DuplicateNumberError
	if errors.As(err, &numErr) {
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "invoice number already used in this series",
			Code:    seriesdomain.ErrDuplicateNumber.Error(),
			Details: map[string]any{
				"series_id":           numErr.SeriesID.String(),
				"full_number":         numErr.FullNumber,
				"conflict_invoice_id": numErr.ConflictInvoiceID.String(),
			},
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, invoicedomain.ErrInvalidAccount),
		errors.Is(err, submissiondomain.ErrInvalidAccount),
		errors.Is(err, auditdomain.ErrInvalidAccount):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
			Code:    err.Error(),
		}
	case isUnprocessableError(err):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "unprocessable",
			Message: "invoice cannot be processed",
			Code:    err.Error(),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, serieslock.ErrLockTimeout),
		errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
			Code:    err.Error(),
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog reports the response type and code for the request log line.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Code
	if code == "" && len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, invoicedomain.ErrInvalidInvoiceID),
		errors.Is(err, invoicedomain.ErrInvalidSeriesID),
		errors.Is(err, invoicedomain.ErrEmptyInvoice),
		errors.Is(err, invoicedomain.ErrNonPositiveTotal),
		errors.Is(err, invoicedomain.ErrInvalidPeriod),
		errors.Is(err, invoicedomain.ErrInvalidRectifiedInvoice),
		errors.Is(err, invoicetype.ErrInvalidRectifyingInvoice),
		errors.Is(err, seriesdomain.ErrInvalidNumber),
		errors.Is(err, submissiondomain.ErrInvalidInvoiceID):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, invoicedomain.ErrAlreadyIssued),
		errors.Is(err, invoicedomain.ErrDuplicatePeriodInvoice),
		errors.Is(err, invoicedomain.ErrInvalidStatusTransition),
		errors.Is(err, seriesdomain.ErrDuplicateNumber),
		errors.Is(err, submissiondomain.ErrAlreadySubmitted),
		errors.Is(err, submissiondomain.ErrSubmissionInProgress),
		pkgdb.IsDuplicateKeyErr(err):
		return true
	default:
		return false
	}
}

// isUnprocessableError covers requests that are well formed but refused by the
// account's fiscal setup.
func isUnprocessableError(err error) bool {
	switch {
	case errors.Is(err, invoicedomain.ErrDocumentsDisabled),
		errors.Is(err, invoicedomain.ErrMissingIssuerTaxID),
		errors.Is(err, issuerdomain.ErrIssuerNotConfigured),
		errors.Is(err, submissiondomain.ErrNotSubmittable),
		errors.Is(err, submissiondomain.ErrSubmissionDisabled):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, invoicedomain.ErrInvoiceNotFound),
		errors.Is(err, seriesdomain.ErrSeriesNotFound),
		errors.Is(err, issuerdomain.ErrOwnerNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	default:
		return err.Error()
	}
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_request":
		return "request"
	case invoicedomain.ErrEmptyInvoice.Error():
		return "items"
	case invoicedomain.ErrNonPositiveTotal.Error():
		return "total"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case invoicedomain.ErrEmptyInvoice.Error():
		return "invoice has no line items"
	case invoicedomain.ErrNonPositiveTotal.Error():
		return "invoice total must be positive"
	default:
		return "invalid value"
	}
}
