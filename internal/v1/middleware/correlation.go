// Package middleware carries the gin middleware shared by every HTTP surface
// of the relay.
package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/driftdoc/relay/internal/v1/logging"
)

// HeaderXCorrelationID carries a caller-chosen request id; one is minted when
// the caller sends none.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID tags every request with a correlation id and exposes it three
// ways: the response header, the gin key store, and the request context the
// logging package reads. WebSocket handlers pass c.Request.Context() along,
// so lines logged deep in a room carry the id of the upgrade request that
// attached the connection.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderXCorrelationID)
		if id == "" {
			id = uuid.New().String()
		}

		c.Header(HeaderXCorrelationID, id)
		c.Set(string(logging.CorrelationIDKey), id)
		ctx := context.WithValue(c.Request.Context(), logging.CorrelationIDKey, id)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
