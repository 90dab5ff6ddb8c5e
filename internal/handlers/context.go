package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/certifychain/certifychain/internal/middleware"
	"github.com/certifychain/certifychain/internal/models"
)

// requestContext safely returns the request context with a background fallback for tests.
func requestContext(c *gin.Context) context.Context {
	if c == nil {
		return context.Background()
	}
	if req := c.Request; req != nil {
		return req.Context()
	}
	return context.Background()
}

// currentUser returns the authenticated user set by the auth middleware.
func currentUser(c *gin.Context) (*models.User, bool) {
	value, ok := c.Get(middleware.CtxUserKey)
	if !ok {
		return nil, false
	}
	user, ok := value.(*models.User)
	if !ok || user == nil {
		return nil, false
	}
	return user, true
}

// currentToken returns the bearer token the auth middleware validated.
func currentToken(c *gin.Context) (string, bool) {
	value, ok := c.Get(middleware.CtxTokenKey)
	if !ok {
		return "", false
	}
	token, ok := value.(string)
	if !ok || token == "" {
		return "", false
	}
	return token, true
}
