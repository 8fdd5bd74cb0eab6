// services/controlplane/internal/api/middleware.go
package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"example.com/backstage/services/controlplane/internal/core"
	"example.com/backstage/services/controlplane/internal/infrastructure"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RequestLogger logs HTTP requests
func RequestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		if raw != "" {
			path = path + "?" + raw
		}

		logger.WithFields(logrus.Fields{
			"status":     c.Writer.Status(),
			"latency_ms": latency.Milliseconds(),
			"client_ip":  c.ClientIP(),
			"method":     c.Request.Method,
			"path":       path,
			"user_agent": c.Request.UserAgent(),
		}).Info("HTTP Request")
	}
}

// TokenAuthentication validates access tokens on the admin API
func TokenAuthentication(authService *core.AuthenticationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			c.Abort()
			return
		}

		token, err := authService.ValidateToken(c.Request.Context(), parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			c.Abort()
			return
		}

		c.Set("access_token", token)
		c.Next()
	}
}

// RequireScope checks if token has required scope
func RequireScope(authService *core.AuthenticationService, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenVal, exists := c.Get("access_token")
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "no access token found"})
			c.Abort()
			return
		}

		token, ok := tokenVal.(*core.AccessToken)
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid token type"})
			c.Abort()
			return
		}

		if !authService.HasScope(token, scope) {
			c.JSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
			c.Abort()
			return
		}

		c.Next()
	}
}

// ServiceCredential authenticates downstream execution services on the
// heartbeat and event ingestion endpoints. An empty configured credential
// disables the check (local development).
func ServiceCredential(credential string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if credential == "" {
			c.Next()
			return
		}

		if c.GetHeader("X-Service-Credential") != credential {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid service credential"})
			c.Abort()
			return
		}

		c.Next()
	}
}

// ErrorHandler handles errors consistently
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			err := c.Errors.Last()

			if businessErr, ok := err.Err.(core.BusinessError); ok {
				c.JSON(http.StatusBadRequest, gin.H{
					"error":   businessErr.Code,
					"message": businessErr.Message,
				})
				return
			}

			c.JSON(c.Writer.Status(), gin.H{
				"error": err.Error(),
			})
		}
	}
}

// CORS enables cross-origin requests
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Service-Credential")
		c.Writer.Header().Set("Access-Control-Max-Age", "300")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RateLimiter limits requests per client IP using Redis counters. Counter
// failures fail open: a cache outage must not take the API down with it.
func RateLimiter(cache *infrastructure.Cache, requestsPerMinute int) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cache == nil {
			c.Next()
			return
		}

		key := fmt.Sprintf("ratelimit:%s:%d", c.ClientIP(), time.Now().Unix()/60)
		count, err := cache.Increment(c.Request.Context(), key, time.Minute)
		if err != nil {
			c.Next()
			return
		}

		if count > int64(requestsPerMinute) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": 60 - time.Now().Unix()%60,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// Recovery handles panics and prevents server crashes
func Recovery(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.WithFields(logrus.Fields{
					"error":  err,
					"path":   c.Request.URL.Path,
					"method": c.Request.Method,
				}).Error("Panic recovered")

				c.JSON(http.StatusInternalServerError, gin.H{
					"error": "internal server error",
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}
