package httpmw

import (
	"net"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kandev/ces/internal/common/config"
)

// APIKeyHeader is the request header carrying the shared secret.
const APIKeyHeader = "X-API-Key"

// APIKeyAuth rejects requests whose X-API-Key header does not match the
// configured key. When no key is configured the middleware is a no-op.
// Requests from loopback addresses bypass the check when allowLoopback
// is set, so local tooling keeps working without credentials.
func APIKeyAuth(cfg config.AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APIKey == "" {
			c.Next()
			return
		}

		if cfg.AllowLoopback && isLoopback(c.Request.RemoteAddr) {
			c.Next()
			return
		}

		if c.GetHeader(APIKeyHeader) != cfg.APIKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "missing or invalid API key",
			})
			return
		}
		c.Next()
	}
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
