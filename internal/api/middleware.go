package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperrors "github.com/blipee-dev/blipee-fabric/pkg/errors"
	"github.com/blipee-dev/blipee-fabric/pkg/logging"
	"github.com/blipee-dev/blipee-fabric/pkg/ratelimit"
)

// RequestIDMiddleware adds a unique request ID to each request
func RequestIDMiddleware() gin.HandlerFunc {
	return gin.HandlerFunc(func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	})
}

// LoggingMiddleware logs each request through the structured logger
func LoggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return gin.HandlerFunc(func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"request_id", requestID(c),
		)
	})
}

// RecoveryMiddleware handles panics in handlers
func RecoveryMiddleware() gin.HandlerFunc {
	return gin.Recovery()
}

// SecurityHeadersMiddleware adds security headers
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return gin.HandlerFunc(func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})
}

// RateLimitMiddleware gates requests per client IP through the limiter. A nil
// limiter disables the gate.
func RateLimitMiddleware(limiter *ratelimit.Limiter, rule ratelimit.Rule) gin.HandlerFunc {
	return gin.HandlerFunc(func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}

		decision := limiter.Check(c.Request.Context(), c.ClientIP(), rule, 1)
		if !decision.Allowed {
			ErrorResponse(c, apperrors.NewRateLimitedError(rule.Name, decision.RetryAfter))
			c.Abort()
			return
		}

		c.Next()
	})
}
