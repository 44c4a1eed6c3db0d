package schedstat

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	RequestIDKey = "request_id"
	pidKey       = "pid"
)

// RequestID keeps a client supplied X-Request-ID of sane length or issues a
// fresh UUID, and echoes it in the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if l := len(requestID); l < 1 || l > 64 {
			requestID = uuid.New().String()
		}
		c.Header("X-Request-ID", requestID)
		c.Set(RequestIDKey, requestID)
		c.Next()
	}
}

// GetRequestID returns the id set by RequestID, or "".
func GetRequestID(c *gin.Context) string {
	if v, ok := c.Get(RequestIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// RequireValidPID ensures the path param ":pid" is an int > 0 and stores it.
func RequireValidPID() gin.HandlerFunc {
	return func(c *gin.Context) {
		pid, err := strconv.Atoi(c.Param("pid"))
		if err != nil || pid <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "pid must be a positive integer"})
			return
		}
		c.Set(pidKey, pid)
		c.Next()
	}
}

// GetPID returns the pid validated by RequireValidPID.
func GetPID(c *gin.Context) int {
	return c.GetInt(pidKey)
}

// accessLog records each request with zap after it has been handled.
func accessLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		var errs []error
		for _, ge := range c.Errors {
			if ge.Err != nil {
				errs = append(errs, ge.Err)
			}
		}

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.String("request_id", GetRequestID(c)),
			zap.Duration("latency", time.Since(start)),
		}
		if err := errors.Join(errs...); err != nil {
			fields = append(fields, zap.Error(err))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Debug("request", fields...)
		}
	}
}
