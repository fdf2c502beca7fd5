package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/beaconevents/beacon/internal/core/domain"
	"github.com/beaconevents/beacon/internal/usecase"
)

const sessionContextKey = "session"

// ErrorResponse matches the handlers.ErrorResponse structure
type ErrorResponse struct {
	Error   string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

// newErrorResponse creates an error response with trace ID
func newErrorResponse(c *gin.Context, errorMsg string) ErrorResponse {
	return ErrorResponse{
		Error:   errorMsg,
		TraceID: GetTraceID(c),
	}
}

// RequireSession resolves the bearer token as a session group, refreshing the
// session's access token when it has gone stale. The live session lands in
// the request context for handlers that write upstream.
func RequireSession(auth *usecase.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				newErrorResponse(c, "missing authorization header"))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				newErrorResponse(c, "invalid authorization format: expected 'Bearer <session>'"))
			return
		}

		group := strings.TrimSpace(parts[1])
		if group == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				newErrorResponse(c, "missing session identifier"))
			return
		}

		session, err := auth.EnsureValid(c.Request.Context(), group)
		if err != nil {
			switch {
			case errors.Is(err, usecase.ErrSessionExpired):
				c.AbortWithStatusJSON(http.StatusUnauthorized,
					newErrorResponse(c, "session expired"))
			case errors.Is(err, usecase.ErrRefreshRejected):
				c.AbortWithStatusJSON(http.StatusUnauthorized,
					newErrorResponse(c, "session revoked by issuer"))
			default:
				c.AbortWithStatusJSON(http.StatusServiceUnavailable,
					newErrorResponse(c, "session validation unavailable"))
			}
			return
		}

		c.Set(sessionContextKey, session)
		c.Set(SessionDIDKey, session.DID)

		c.Next()
	}
}

// GetSession retrieves the live session installed by RequireSession.
func GetSession(c *gin.Context) (*domain.Session, bool) {
	value, exists := c.Get(sessionContextKey)
	if !exists {
		return nil, false
	}
	session, ok := value.(*domain.Session)
	return session, ok
}
