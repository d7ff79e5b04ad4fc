package server

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	reconciliationdomain "github.com/smallbiznis/creditflow/internal/reconciliation/domain"
)

type reconciliationRunRequest struct {
	AccountIDs []string `json:"account_ids"`
	Deep       bool     `json:"deep"`
}

// RunReconciliation audits on demand. Mismatches are reported in the body
// and through the alert sink. The ledger is never modified.
func (s *Server) RunReconciliation(c *gin.Context) {
	var req reconciliationRunRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	ids := make([]snowflake.ID, 0, len(req.AccountIDs))
	for _, raw := range req.AccountIDs {
		id, err := parseOptionalSnowflakeID(raw)
		if err != nil || id == nil {
			AbortWithError(c, newValidationError("account_ids", "invalid_id", "invalid account id"))
			return
		}
		ids = append(ids, *id)
	}

	report, err := s.auditor.Audit(c.Request.Context(), reconciliationdomain.AuditRequest{
		AccountIDs: ids,
		Deep:       req.Deep,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}
