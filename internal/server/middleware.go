package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
)

const bearerPrefix = "Bearer "

// InternalAuthRequired guards operator routes with a static bearer token.
// An empty INTERNAL_API_TOKEN leaves them open outside production and
// closes them in production, since they can grant credits.
func (s *Server) InternalAuthRequired() gin.HandlerFunc {
	expected := []byte(s.cfg.InternalAPIToken)
	production := s.cfg.IsProduction()
	return func(c *gin.Context) {
		if len(expected) == 0 {
			if production {
				AbortWithError(c, ErrUnauthorized)
				return
			}
			c.Next()
			return
		}

		header := strings.TrimSpace(c.GetHeader("Authorization"))
		if !strings.HasPrefix(header, bearerPrefix) {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		token := []byte(strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)))
		if subtle.ConstantTimeCompare(token, expected) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Next()
	}
}
