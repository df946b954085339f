// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file resolves the caller. Authentication happens upstream (gateway or
// identity provider); the server trusts three headers it forwards:
//
//	X-User-ID    stable user id (required)
//	X-User-Name  display name
//	X-User-Role  customer | agent
//
// Role checks are not done here. An unknown role is passed through and
// rejected by the chat service with its own error.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/support-chat/internal/domain"
)

const (
	HeaderUserID   = "X-User-ID"
	HeaderUserName = "X-User-Name"
	HeaderUserRole = "X-User-Role"

	ctxKeyUserID   = "userID"
	ctxKeyIdentity = "identity"
)

// Identity reads the caller headers into the Gin context. Requests without
// X-User-ID are rejected with 401.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := domain.Identity{
			UserID: strings.TrimSpace(c.GetHeader(HeaderUserID)),
			Name:   strings.TrimSpace(c.GetHeader(HeaderUserName)),
			Role:   domain.Role(strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderUserRole)))),
		}
		if id.UserID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "unauthorized",
				"message":    "missing " + HeaderUserID,
			})
			return
		}
		if id.Name == "" {
			id.Name = id.UserID
		}
		c.Set(ctxKeyUserID, id.UserID)
		c.Set(ctxKeyIdentity, id)
		c.Next()
	}
}

// IdentityFrom returns the caller stored by Identity.
func IdentityFrom(c *gin.Context) (domain.Identity, bool) {
	v, ok := c.Get(ctxKeyIdentity)
	if !ok {
		return domain.Identity{}, false
	}
	id, ok := v.(domain.Identity)
	return id, ok
}

// userIDFromCtx returns the caller's id or "" when Identity has not run.
func userIDFromCtx(c *gin.Context) string {
	if v, ok := c.Get(ctxKeyUserID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
