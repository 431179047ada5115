package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) PreviewNextNumber(c *gin.Context) {
	id, ok := idParam(c, "id", "invalid_series_id", "invalid series id")
	if !ok {
		return
	}

	next, err := s.invoiceSvc.PreviewNextNumber(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"series_id":   id,
		"next_number": next,
	}})
}

func (s *Server) VerifyChain(c *gin.Context) {
	id, ok := idParam(c, "id", "invalid_series_id", "invalid series id")
	if !ok {
		return
	}

	report, err := s.invoiceSvc.VerifyChain(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": report})
}
