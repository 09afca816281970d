package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"partnerhub/internal/config"
	"partnerhub/pkg/protocol"
)

// Context keys set by AuthMiddleware.
const (
	ContextIdentity = "identity"
	ContextUserID   = "user_id"
	ContextRoles    = "roles"
)

// AuthMiddleware enforces Authorization: Bearer <jwt> on protected routes.
// On success it injects the caller's protocol.Identity into gin.Context.
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return authenticate(cfg, true)
}

// OptionalAuth parses a token when one is supplied (header or "token" query
// parameter) and leaves anonymous requests untouched. Invalid tokens are rejected.
func OptionalAuth(cfg *config.Config) gin.HandlerFunc {
	return authenticate(cfg, false)
}

func authenticate(cfg *config.Config, required bool) gin.HandlerFunc {
	secret := ""
	if cfg != nil {
		secret = cfg.JWT.Secret
	}
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			if !required {
				c.Next()
				return
			}
			abortUnauthorized(c, "missing bearer token")
			return
		}
		if secret == "" {
			abortUnauthorized(c, "invalid token or server misconfig")
			return
		}
		claims, err := validateHS256JWT(token, secret, time.Now())
		if err != nil {
			abortUnauthorized(c, err.Error())
			return
		}
		identity, err := identityFromClaims(claims)
		if err != nil {
			abortUnauthorized(c, err.Error())
			return
		}
		c.Set(ContextIdentity, identity)
		c.Set(ContextUserID, identity.ID)
		c.Set(ContextRoles, []string{string(identity.Role)})
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	ah := c.GetHeader("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		return strings.TrimSpace(ah[len("Bearer "):])
	}
	// browsers cannot set headers on the websocket handshake
	return strings.TrimSpace(c.Query("token"))
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, protocol.ErrorResponse{
		Error:   "Unauthorized",
		Message: msg,
		Code:    http.StatusUnauthorized,
	})
}

// IdentityFromContext returns the identity set by AuthMiddleware.
func IdentityFromContext(c *gin.Context) (protocol.Identity, bool) {
	v, ok := c.Get(ContextIdentity)
	if !ok {
		return protocol.Identity{}, false
	}
	identity, ok := v.(protocol.Identity)
	return identity, ok
}

// RequireRole returns a middleware that checks the authenticated identity
// holds one of the given roles.
func RequireRole(roles ...protocol.Role) gin.HandlerFunc {
	allowed := make(map[protocol.Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		identity, ok := IdentityFromContext(c)
		if ok {
			if _, hit := allowed[identity.Role]; hit {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, protocol.ErrorResponse{
			Error:   "Forbidden",
			Message: "insufficient role",
			Code:    http.StatusForbidden,
		})
	}
}
