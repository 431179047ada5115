package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	invoicedomain "github.com/smallbiznis/fiscalia/internal/invoice/domain"
)

const issueDateLayout = "2006-01-02"

type issueInvoiceRequest struct {
	CustomNumber *int64  `json:"custom_number"`
	IssueDate    *string `json:"issue_date"`
}

func (s *Server) IssueInvoice(c *gin.Context) {
	id, ok := invoiceIDParam(c)
	if !ok {
		return
	}

	var req issueInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		AbortWithError(c, invalidRequestError())
		return
	}

	issueReq := invoicedomain.IssueRequest{
		InvoiceID:    id,
		CustomNumber: req.CustomNumber,
	}
	if req.IssueDate != nil && strings.TrimSpace(*req.IssueDate) != "" {
		issueDate, err := time.Parse(issueDateLayout, strings.TrimSpace(*req.IssueDate))
		if err != nil {
			AbortWithError(c, newValidationError("issue_date", "invalid_issue_date", "issue_date must be YYYY-MM-DD"))
			return
		}
		issueReq.IssueDate = &issueDate
	}

	result, err := s.invoiceSvc.Issue(c.Request.Context(), issueReq)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) GetInvoiceByID(c *gin.Context) {
	id, ok := invoiceIDParam(c)
	if !ok {
		return
	}

	item, err := s.invoiceSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) MarkInvoiceSent(c *gin.Context) {
	id, ok := invoiceIDParam(c)
	if !ok {
		return
	}

	item, err := s.invoiceSvc.MarkSent(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) MarkInvoicePaid(c *gin.Context) {
	id, ok := invoiceIDParam(c)
	if !ok {
		return
	}

	item, err := s.invoiceSvc.MarkPaid(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func invoiceIDParam(c *gin.Context) (string, bool) {
	return idParam(c, "id", "invalid_id", "invalid id")
}

func idParam(c *gin.Context, name, code, message string) (string, bool) {
	id := strings.TrimSpace(c.Param(name))
	if _, err := snowflake.ParseString(id); err != nil {
		AbortWithError(c, newValidationError(name, code, message))
		return "", false
	}
	return id, true
}
