package middleware

import (
	"strings"

	"github.com/campusride/service-booking/pkg/auth"
	"github.com/campusride/service-booking/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	ctxUserID         = "user_id"
	ctxUserRole       = "user_role"
	ctxCampusVerified = "campus_verified"
)

// AuthMiddleware verifies the bearer token and stores the identity on the context.
func AuthMiddleware(jwtManager *auth.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			response.Unauthorized(c, "missing or malformed authorization header")
			return
		}

		claims, err := jwtManager.Validate(strings.TrimSpace(parts[1]))
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			return
		}

		c.Set(ctxUserID, claims.UserID)
		c.Set(ctxUserRole, claims.Role)
		c.Set(ctxCampusVerified, claims.CampusVerified)
		c.Next()
	}
}

// RequireRole rejects callers whose role is not listed. Admins always pass.
func RequireRole(roles ...auth.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, ok := GetUserRole(c)
		if !ok {
			response.Unauthorized(c, "unauthorized")
			return
		}
		if role == auth.RoleAdmin {
			c.Next()
			return
		}
		for _, r := range roles {
			if r == role {
				c.Next()
				return
			}
		}
		response.Forbidden(c, "insufficient role")
	}
}

// RequireCampusVerified rejects identities without a verified campus email.
func RequireCampusVerified() gin.HandlerFunc {
	return func(c *gin.Context) {
		verified, _ := c.Get(ctxCampusVerified)
		if v, ok := verified.(bool); !ok || !v {
			response.Forbidden(c, "campus email verification required")
			return
		}
		c.Next()
	}
}

// GetUserID returns the authenticated user id.
func GetUserID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(ctxUserID)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

// GetUserRole returns the authenticated user's role.
func GetUserRole(c *gin.Context) (auth.Role, bool) {
	v, ok := c.Get(ctxUserRole)
	if !ok {
		return "", false
	}
	role, ok := v.(auth.Role)
	return role, ok
}
