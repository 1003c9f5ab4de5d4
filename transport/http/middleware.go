package http

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/attendance/core"
)

const (
	issuerKey      = "issuerID"
	participantKey = "participantID"

	IssuerHeader      = "X-Issuer-ID"
	ParticipantHeader = "X-Participant-ID"
)

// IssuerMiddleware requires the issuer identity. Browsers cannot set headers on
// a websocket handshake, so the issuer_id query parameter is accepted as well.
func IssuerMiddleware() gin.HandlerFunc {
	return identity(IssuerHeader, "issuer_id", issuerKey)
}

// ParticipantMiddleware requires the participant identity
func ParticipantMiddleware() gin.HandlerFunc {
	return identity(ParticipantHeader, "", participantKey)
}

func identity(header, query, key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(header))
		if id == "" && query != "" {
			id = strings.TrimSpace(c.Query(query))
		}
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   core.ReasonInvalidArgument,
				"message": "Missing " + header + " header",
			})
			return
		}

		c.Set(key, id)
		c.Next()
	}
}

// RequestLogger logs one line per request
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.InfoContext(c.Request.Context(), "http.request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote", c.ClientIP(),
		)
	}
}
