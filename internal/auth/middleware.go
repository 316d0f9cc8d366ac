package auth

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	// ContextKeySession is the key used to store session data in the Gin context.
	ContextKeySession = "session"
)

// MembershipVerifier reports whether a user belongs to a space.
type MembershipVerifier interface {
	VerifyMembership(ctx context.Context, userID, spaceID string) (bool, error)
}

// RequireAuth is a middleware that requires an authenticated session.
func RequireAuth(sm *SessionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := sm.Get(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		// Store session data in context for handlers to use
		c.Set(ContextKeySession, session)
		c.Next()
	}
}

// GetCurrentUser retrieves the current user's session data from the Gin context.
func GetCurrentUser(c *gin.Context) *SessionData {
	session, exists := c.Get(ContextKeySession)
	if !exists {
		return nil
	}

	sessionData, ok := session.(*SessionData)
	if !ok {
		return nil
	}

	return sessionData
}

// ValidateCSRF is a middleware that validates CSRF tokens for non-safe methods.
// The token is read from the X-CSRF-Token header.
func ValidateCSRF(sm *SessionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Skip for safe methods
		if c.Request.Method == http.MethodGet ||
			c.Request.Method == http.MethodHead ||
			c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		session, err := sm.Get(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "session required"})
			return
		}

		csrfToken := c.GetHeader("X-CSRF-Token")
		if csrfToken == "" || csrfToken != session.CSRFToken {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid CSRF token"})
			return
		}

		c.Next()
	}
}

// RequireSpaceMember rejects requests whose :spaceID the current user does not
// belong to. It must run after RequireAuth.
func RequireSpaceMember(v MembershipVerifier, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !CanAccessSpace(c, v, logger, c.Param("spaceID")) {
			return
		}
		c.Next()
	}
}

// CanAccessSpace checks membership of the current user in spaceID and writes
// the error response when access is refused. Non-members get 404 so space IDs
// cannot be probed.
func CanAccessSpace(c *gin.Context, v MembershipVerifier, logger *logrus.Logger, spaceID string) bool {
	session := GetCurrentUser(c)
	if session == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return false
	}

	ok, err := v.VerifyMembership(c.Request.Context(), session.UserID, spaceID)
	if err != nil {
		logger.WithError(err).WithField("space_id", spaceID).Error("Membership check failed")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return false
	}
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return false
	}
	return true
}
