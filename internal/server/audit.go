package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/fiscalia/internal/audit/domain"
)

// ListInvoiceAudit returns the audit trail of one invoice, newest first.
func (s *Server) ListInvoiceAudit(c *gin.Context) {
	id, ok := invoiceIDParam(c)
	if !ok {
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
			return
		}
		limit = parsed
	}

	if _, err := s.invoiceSvc.GetByID(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}

	logs, err := s.auditSvc.List(c.Request.Context(), auditdomain.ListAuditLogRequest{
		Action:     c.Query("action"),
		TargetType: "invoice",
		TargetID:   id,
		Limit:      limit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if logs == nil {
		logs = []auditdomain.AuditLog{}
	}

	c.JSON(http.StatusOK, gin.H{"data": logs})
}
