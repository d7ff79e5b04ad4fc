package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/creditflow/internal/payment/domain"
)

// HandlePaymentWebhook acknowledges new and duplicate events with 200. Any
// non-2xx answer makes the provider redeliver.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, s.maxBodyBytes+1))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	event, err := s.receiver.Receive(c.Request.Context(), payload, c.Request.Header)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set("event_id", event.EventID)

	result, err := s.payments.ProcessEvent(c.Request.Context(), event)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrDeferredRetry) {
			c.Header("Retry-After", "60")
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, webhookResponse{
		Status:    "ok",
		Outcome:   string(result.Outcome),
		Duplicate: result.Duplicate,
	})
}

type webhookResponse struct {
	Status    string `json:"status"`
	Outcome   string `json:"outcome"`
	Duplicate bool   `json:"duplicate"`
}
