package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// TenantKey is the gin context key holding the caller's tenant.
const TenantKey = "tenant"

// TenantHeader is read when authentication is disabled.
const TenantHeader = "NGSILD-Tenant"

// Claims carried by operator tokens.
type Claims struct {
	Tenant string `json:"tenant"`
	jwt.RegisteredClaims
}

// Authentication returns a middleware that validates an HS256 bearer token
// and stores its tenant claim under TenantKey. With an empty secret every
// request is let through and the tenant comes from the NGSILD-Tenant header.
func Authentication(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		if len(key) == 0 {
			c.Set(TenantKey, c.GetHeader(TenantHeader))
			c.Next()
			return
		}
		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || raw == "" {
			unauthorized(c, "missing bearer token")
			return
		}
		claims, err := ParseToken(raw, key)
		if err != nil {
			unauthorized(c, err.Error())
			return
		}
		c.Set(TenantKey, claims.Tenant)
		c.Next()
	}
}

// ParseToken validates an HS256 token signed with secret.
func ParseToken(raw string, secret []byte) (*Claims, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	token, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Tenant == "" {
		return nil, errors.New("token has no tenant")
	}
	return claims, nil
}

// Tenant returns the tenant stored by Authentication.
func Tenant(c *gin.Context) string {
	return c.GetString(TenantKey)
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, map[string]any{"error": map[string]any{"code": "UNAUTHORIZED", "message": msg}})
}
