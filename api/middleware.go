package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"clipper/config"
)

// AuthMiddleware guards the job endpoints with the shared access key when
// enabled. Clients send it as "Authorization: Bearer <key>".
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.AuthEnable {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing access key"})
			return
		}

		scheme, key, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "expected a bearer access key"})
			return
		}
		if key != cfg.AuthKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid access key"})
			return
		}

		c.Next()
	}
}
