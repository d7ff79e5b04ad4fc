package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	usagedomain "github.com/smallbiznis/creditflow/internal/usage/domain"
)

type consumeRequest struct {
	Units int64 `json:"units"`
}

// Consume answers 402 with the observed balances when the account cannot
// pay for the units. Nothing is charged in that case.
func (s *Server) Consume(c *gin.Context) {
	id, err := accountIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req consumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.usage.Consume(c.Request.Context(), id, req.Units)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	if result.Status == usagedomain.StatusInsufficientCredits {
		status = http.StatusPaymentRequired
	}
	c.JSON(status, result)
}
