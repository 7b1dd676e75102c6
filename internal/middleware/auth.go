package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/xcancloud/AngusInfra-sub001/internal/utils"
)

const (
	ContextSubject = "subject"
	ContextRole    = "role"

	// tokenQueryParam lets EventSource clients, which cannot set headers,
	// authenticate GET requests.
	tokenQueryParam = "access_token"
)

func deny(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"code": status, "message": msg})
}

// bearerToken returns the token from "Authorization: Bearer <token>" or,
// for GET requests without the header, from the access_token query value.
func bearerToken(c *gin.Context) (token string, msg string) {
	header := c.GetHeader("Authorization")
	if header == "" {
		if c.Request.Method == http.MethodGet {
			if token = c.Query(tokenQueryParam); token != "" {
				return token, ""
			}
		}
		return "", "authorization header required"
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || scheme != "Bearer" || token == "" {
		return "", "invalid authorization header format"
	}
	return token, ""
}

// AuthRequired rejects requests without a valid token and stores the
// caller's subject and role on the context.
func AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, msg := bearerToken(c)
		if msg != "" {
			deny(c, http.StatusUnauthorized, msg)
			return
		}
		claims, err := utils.ParseToken(token)
		if err != nil {
			deny(c, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		c.Set(ContextSubject, claims.Subject)
		c.Set(ContextRole, claims.Role)
		c.Next()
	}
}

// OperatorRequired rejects callers whose token does not carry the
// operator role. It must run after AuthRequired.
func OperatorRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetRole(c) != utils.RoleOperator {
			deny(c, http.StatusForbidden, "operator role required")
			return
		}
		c.Next()
	}
}

func GetSubject(c *gin.Context) string {
	return c.GetString(ContextSubject)
}

func GetRole(c *gin.Context) string {
	return c.GetString(ContextRole)
}
