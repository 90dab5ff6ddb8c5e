package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/certifychain/certifychain/internal/auth"
	"github.com/certifychain/certifychain/internal/models"
	"github.com/certifychain/certifychain/pkg/errors"
	"github.com/certifychain/certifychain/pkg/response"
)

const (
	CtxUserKey    = "authUser"
	CtxUserIDKey  = "userID"
	CtxSessionKey = "authSession"
	CtxTokenKey   = "authToken"
)

// Auth enforces bearer authentication. A token is accepted only when its
// signature verifies and its session row still exists, so logged-out tokens
// fail immediately.
func Auth(sessions *iauth.SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if len(authz) < 8 || !strings.EqualFold(authz[:7], "Bearer ") {
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		token := strings.TrimSpace(authz[7:])
		user, session, err := sessions.Validate(c.Request.Context(), token)
		if err != nil {
			// Normalise all validation failures to 401
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		c.Set(CtxUserKey, user)
		c.Set(CtxUserIDKey, user.ID)
		c.Set(CtxSessionKey, session)
		c.Set(CtxTokenKey, token)

		c.Next()
	}
}

// RequireAdmin aborts with 403 unless the authenticated user holds the admin
// role. It must run after Auth.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		value, ok := c.Get(CtxUserKey)
		if !ok {
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		user, ok := value.(*models.User)
		if !ok || !user.IsAdmin() {
			response.Error(c, errors.ErrForbidden)
			c.Abort()
			return
		}

		c.Next()
	}
}
