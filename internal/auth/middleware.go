package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// PrincipalKey is the gin context key holding the authenticated Principal.
const PrincipalKey = "auth_principal"

// Authenticator validates a session token.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Principal, error)
}

// Middleware guards HTTP routes with bearer session tokens.
type Middleware struct {
	auth Authenticator
}

func NewMiddleware(a Authenticator) *Middleware {
	return &Middleware{auth: a}
}

// GinAuth rejects requests without a valid bearer token and stores the
// Principal in the gin context otherwise.
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c.Request)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"message": "Authentication required",
			})
			return
		}
		p, err := m.auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"message": Message(err),
			})
			return
		}
		c.Set(PrincipalKey, p)
		c.Next()
	}
}

// Current returns the Principal stored by GinAuth.
func Current(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(PrincipalKey)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// Message maps an authentication error to a client facing message.
func Message(err error) string {
	switch {
	case errors.Is(err, ErrSessionExpired), errors.Is(err, ErrInvalidToken):
		return "Invalid or expired token"
	case errors.Is(err, ErrUserInactive):
		return "Account is disabled"
	case errors.Is(err, ErrInvalidCredentials):
		return "Invalid credentials"
	default:
		return "Authentication failed"
	}
}
