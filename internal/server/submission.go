package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	submissiondomain "github.com/smallbiznis/fiscalia/internal/submission/domain"
)

type submissionResultResponse struct {
	Success    bool   `json:"success"`
	ExternalID string `json:"external_id,omitempty"`
	Attempt    int    `json:"attempt"`
	Retryable  bool   `json:"retryable"`
	Error      string `json:"error,omitempty"`
}

func newSubmissionResultResponse(result submissiondomain.Result) submissionResultResponse {
	resp := submissionResultResponse{
		Success:    result.Success,
		ExternalID: result.ExternalID,
		Attempt:    result.Attempt,
		Retryable:  result.Retryable,
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}
	return resp
}

func (s *Server) ListSubmissions(c *gin.Context) {
	id, ok := invoiceIDParam(c)
	if !ok {
		return
	}

	records, err := s.submissionSvc.History(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if records == nil {
		records = []submissiondomain.SubmissionRecord{}
	}

	c.JSON(http.StatusOK, gin.H{"data": records})
}

// ResubmitInvoice runs one attempt now. A failed attempt is not an HTTP error; the
// outcome is in the body and in the submission history.
func (s *Server) ResubmitInvoice(c *gin.Context) {
	id, ok := invoiceIDParam(c)
	if !ok {
		return
	}

	result, err := s.submissionSvc.Resubmit(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	if !result.Success && result.Retryable {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"data": newSubmissionResultResponse(result)})
}
