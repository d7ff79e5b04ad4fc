package server

import (
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/creditflow/internal/observability/logger"
	"go.uber.org/zap"
)

const rateLimitReasonAccountRate = "account-rate"

// ConsumeRateLimit throttles consumption per account before the ledger is
// touched. The limiter fails open, so only an empty bucket denies.
func (s *Server) ConsumeRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.consumeLimiter.Enabled() {
			c.Next()
			return
		}

		accountID := strings.TrimSpace(c.Param("id"))
		if accountID == "" {
			c.Next()
			return
		}

		res, err := s.consumeLimiter.Allow(c.Request.Context(), accountID)
		if err != nil {
			logger.FromContext(c.Request.Context()).Warn("consume rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		if res.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		}
		if !res.Allowed {
			denyConsumeRateLimit(c, normalizeRateLimitEndpoint(c), retryAfterSeconds(res.RetryAfter.Seconds()))
			return
		}

		c.Next()
	}
}

func denyConsumeRateLimit(c *gin.Context, endpoint string, retryAfter int) {
	logger.FromContext(c.Request.Context()).Warn("consume rate limit exceeded",
		zap.String("reason", rateLimitReasonAccountRate),
		zap.String("endpoint", endpoint),
	)

	c.Header("Retry-After", strconv.Itoa(retryAfter))
	c.Header("X-Rate-Limited-Reason", rateLimitReasonAccountRate)
	AbortWithError(c, ErrRateLimited)
}

func retryAfterSeconds(seconds float64) int {
	if seconds <= 1 {
		return 1
	}
	return int(math.Ceil(seconds))
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
