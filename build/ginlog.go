package build

import (
	"bytes"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// GinLoggingMiddleWare returns a middleware that logs incoming requests with
// Logrus. Paths in the blacklist get their request bodies redacted, which we
// use for endpoints that carry secrets.
func GinLoggingMiddleWare(logger *logrus.Logger, blacklist []string) gin.HandlerFunc {
	blackListMap := make(map[string]struct{})
	for _, elem := range blacklist {
		blackListMap[elem] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		withFields := logger.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       path,
			"ip":         c.ClientIP(),
			"user-agent": c.Request.UserAgent(),
		})

		var bodyBytes []byte
		if _, found := blackListMap[path]; !found {
			// we don't check the error here, as we later check for 0 length anyways
			bodyBytes, _ = io.ReadAll(c.Request.Body)
			// restore the original buffer so it can be read later
			c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
		} else {
			bodyBytes = []byte("not logged")
		}

		if c.Request.URL != nil {
			query := c.Request.URL.Query()
			if len(query) > 0 {
				withFields = withFields.WithField("query", query)
			}
		}

		if len(bodyBytes) != 0 {
			withFields = withFields.WithField("body", string(bodyBytes))
		}

		c.Next()

		withFields = withFields.WithField("status", c.Writer.Status())

		privateErrors := c.Errors.ByType(gin.ErrorTypePrivate)
		if len(privateErrors) > 0 {
			withFields = withFields.WithField("privateErrors", privateErrors)
		}

		publicErrors := c.Errors.ByType(gin.ErrorTypePublic)
		if len(publicErrors) > 0 {
			withFields = withFields.WithField("publicErrors", publicErrors)
		}

		bindingErrors := c.Errors.ByType(gin.ErrorTypeBind)
		if len(bindingErrors) > 0 {
			withFields = withFields.WithField("bindingErrors", bindingErrors)
		}

		latency := time.Since(start)
		withFields = withFields.WithField("latency", latency)

		status := c.Writer.Status()
		requestLevel := logger.Level
		if status >= 300 {
			requestLevel = logrus.ErrorLevel
		}
		withFields.Logf(requestLevel, "HTTP %s %s: %d", c.Request.Method, path, status)
	}
}
