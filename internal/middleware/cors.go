package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"partnerhub/internal/config"
)

// CORSMiddleware applies cfg.Security.CORS. A "*" origin allows any origin.
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	cors := cfg.Security.CORS
	if !cors.Enabled {
		return func(c *gin.Context) { c.Next() }
	}
	allowAny := false
	origins := make(map[string]struct{}, len(cors.AllowedOrigins))
	for _, o := range cors.AllowedOrigins {
		if o == "*" {
			allowAny = true
		}
		origins[o] = struct{}{}
	}
	methods := strings.Join(cors.AllowedMethods, ", ")
	headers := "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With"
	if len(cors.AllowedHeaders) > 0 && !(len(cors.AllowedHeaders) == 1 && cors.AllowedHeaders[0] == "*") {
		headers = strings.Join(cors.AllowedHeaders, ", ")
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if _, ok := origins[origin]; ok || allowAny {
			if origin == "" || allowAny {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Headers", headers)
			c.Header("Access-Control-Allow-Methods", methods)
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
