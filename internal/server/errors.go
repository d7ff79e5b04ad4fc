package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	accountlinkdomain "github.com/smallbiznis/creditflow/internal/accountlink/domain"
	entitlementdomain "github.com/smallbiznis/creditflow/internal/entitlement/domain"
	idempotencydomain "github.com/smallbiznis/creditflow/internal/idempotency/domain"
	ledgerdomain "github.com/smallbiznis/creditflow/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/creditflow/internal/payment/domain"
	reconciliationdomain "github.com/smallbiznis/creditflow/internal/reconciliation/domain"
	usagedomain "github.com/smallbiznis/creditflow/internal/usage/domain"
	webhookdomain "github.com/smallbiznis/creditflow/internal/webhook/domain"
	"github.com/smallbiznis/creditflow/pkg/db"
	"github.com/smallbiznis/creditflow/pkg/db/pagination"
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
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
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
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ledgerdomain.ErrInsufficientCredits):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_credits",
			Message: "insufficient credits",
		}
	case errors.Is(err, paymentdomain.ErrDeferredRetry):
		return http.StatusConflict, errorPayload{
			Type:    "deferred_retry",
			Message: "event cannot be applied yet, retry later",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case isTransientError(err):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog mirrors mapError without building a payload.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	_, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
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

var validationSentinels = []error{
	ErrInvalidRequest,
	webhookdomain.ErrInvalidSignature,
	webhookdomain.ErrExpiredTimestamp,
	webhookdomain.ErrMalformedPayload,
	paymentdomain.ErrInvalidEvent,
	ledgerdomain.ErrInvalidAccount,
	ledgerdomain.ErrInvalidAmount,
	ledgerdomain.ErrInvalidReason,
	ledgerdomain.ErrInvalidQuota,
	usagedomain.ErrInvalidUnits,
	accountlinkdomain.ErrInvalidLink,
	reconciliationdomain.ErrInvalidRequest,
	pagination.ErrInvalidPageToken,
}

func isValidationError(err error) bool {
	return validationErrorCode(err) != ""
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ledgerdomain.ErrAccountExists),
		errors.Is(err, ledgerdomain.ErrAccountInactive),
		errors.Is(err, ledgerdomain.ErrBalanceOverflow),
		errors.Is(err, accountlinkdomain.ErrLinkConflict):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ledgerdomain.ErrAccountNotFound),
		errors.Is(err, entitlementdomain.ErrNotFound):
		return true
	default:
		return false
	}
}

// isTransientError covers failures the caller may retry unchanged.
func isTransientError(err error) bool {
	switch {
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, idempotencydomain.ErrStorageUnavailable),
		errors.Is(err, ledgerdomain.ErrLockTimeout),
		errors.Is(err, ledgerdomain.ErrVersionConflict),
		errors.Is(err, context.DeadlineExceeded),
		db.IsTransientErr(err):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	for _, sentinel := range validationSentinels {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return ""
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_request":
		return "request"
	case webhookdomain.ErrInvalidSignature.Error(), webhookdomain.ErrExpiredTimestamp.Error():
		return "signature"
	case webhookdomain.ErrMalformedPayload.Error():
		return "payload"
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
	case webhookdomain.ErrInvalidSignature.Error():
		return "signature verification failed"
	case webhookdomain.ErrExpiredTimestamp.Error():
		return "signature timestamp outside tolerance"
	case webhookdomain.ErrMalformedPayload.Error():
		return "payload could not be decoded"
	default:
		return "invalid value"
	}
}
