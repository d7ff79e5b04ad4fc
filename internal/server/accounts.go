package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	accountlinkdomain "github.com/smallbiznis/creditflow/internal/accountlink/domain"
	entitlementdomain "github.com/smallbiznis/creditflow/internal/entitlement/domain"
	ledgerdomain "github.com/smallbiznis/creditflow/internal/ledger/domain"
	webhookdomain "github.com/smallbiznis/creditflow/internal/webhook/domain"
	"github.com/smallbiznis/creditflow/pkg/db/pagination"
)

type createAccountRequest struct {
	ID             string `json:"id"`
	FreeQuotaLimit *int64 `json:"free_quota_limit"`
}

type accountResponse struct {
	*ledgerdomain.CreditAccount
	FreeQuotaRemaining int64                          `json:"free_quota_remaining"`
	Entitlement        *entitlementdomain.Entitlement `json:"entitlement,omitempty"`
}

type linkAccountRequest struct {
	Provider           string `json:"provider"`
	ProviderCustomerID string `json:"provider_customer_id"`
}

type grantRequest struct {
	Amount int64 `json:"amount"`
}

type grantResponse struct {
	Account     *ledgerdomain.CreditAccount     `json:"account"`
	Transaction *ledgerdomain.CreditTransaction `json:"transaction,omitempty"`
}

func (s *Server) CreateAccount(c *gin.Context) {
	var req createAccountRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	id, err := parseOptionalSnowflakeID(req.ID)
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid account id"))
		return
	}
	create := ledgerdomain.CreateAccountRequest{FreeQuotaLimit: req.FreeQuotaLimit}
	if id != nil {
		create.ID = *id
	}

	account, err := s.ledger.CreateAccount(c.Request.Context(), create)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, accountResponse{
		CreditAccount:      account,
		FreeQuotaRemaining: account.FreeQuotaRemaining(),
	})
}

func (s *Server) GetAccount(c *gin.Context) {
	id, err := accountIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	account, err := s.ledger.GetAccount(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := accountResponse{
		CreditAccount:      account,
		FreeQuotaRemaining: account.FreeQuotaRemaining(),
	}
	ent, err := s.entitlements.Get(c.Request.Context(), id)
	switch {
	case err == nil:
		resp.Entitlement = ent
	case errors.Is(err, entitlementdomain.ErrNotFound):
	default:
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) ListTransactions(c *gin.Context) {
	id, err := accountIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if _, err := s.ledger.GetAccount(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.ledger.ListTransactions(c.Request.Context(), ledgerdomain.ListTransactionsRequest{
		AccountID:  id,
		Pagination: page,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// LinkAccount maps a provider customer onto the account so that
// subscription events naming only the customer can be resolved.
func (s *Server) LinkAccount(c *gin.Context) {
	id, err := accountIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req linkAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	provider := strings.TrimSpace(req.Provider)
	if provider == "" {
		provider = webhookdomain.ProviderStripe
	}

	if _, err := s.ledger.GetAccount(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}

	link, err := s.links.Link(c.Request.Context(), accountlinkdomain.LinkRequest{
		Provider:           provider,
		ProviderCustomerID: strings.TrimSpace(req.ProviderCustomerID),
		AccountID:          id,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, link)
}

// GrantFreeAllocation credits an account outside the payment path, for
// promotions and support adjustments.
func (s *Server) GrantFreeAllocation(c *gin.Context) {
	id, err := accountIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.ledger.Add(c.Request.Context(), ledgerdomain.AddRequest{
		AccountID: id,
		Amount:    req.Amount,
		Reason:    ledgerdomain.ReasonFreeAllocation,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, grantResponse{Account: &result.Account, Transaction: result.Transaction})
}
