// Package middleware carries the request-level concerns shared by the
// HTTP and WebSocket surfaces: authentication and rate limiting.
package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/m4hub/chatcore/internal/auth"
)

const (
	claimsKey = "auth.claims"
	userIDKey = "auth.user_id"
)

// Authenticate returns echo middleware that validates the bearer token
// and stores the caller's identity on the context. WebSocket clients
// can't set headers from the browser, so a token query parameter is
// accepted as a fallback.
func Authenticate(jwt *auth.JWTManager) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := bearerToken(c.Request())
			if token == "" {
				token = c.QueryParam("token")
			}
			if token == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
			}

			claims, err := jwt.VerifyToken(token)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			userID, err := claims.SubjectID()
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.Set(claimsKey, claims)
			c.Set(userIDKey, userID)
			return next(c)
		}
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get(echo.HeaderAuthorization)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// UserIDFrom returns the authenticated user id set by Authenticate.
func UserIDFrom(c echo.Context) (bson.ObjectID, bool) {
	id, ok := c.Get(userIDKey).(bson.ObjectID)
	return id, ok
}

// ClaimsFrom returns the verified claims set by Authenticate.
func ClaimsFrom(c echo.Context) (*auth.Claims, bool) {
	claims, ok := c.Get(claimsKey).(*auth.Claims)
	return claims, ok
}
